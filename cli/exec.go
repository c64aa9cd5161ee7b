package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/sliverarmory/kmodld"
	"github.com/spf13/cobra"
)

func newExecCmd(g *globalOptions) *cobra.Command {
	var run bool
	cmd := &cobra.Command{
		Use:   "exec <executable>",
		Short: "Place a freestanding executable and optionally call its entry point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readFile(args[0])
			if err != nil {
				return err
			}
			l, err := g.newLoader()
			if err != nil {
				return err
			}
			return execute(cmd.OutOrStdout(), l, data, run)
		},
	}
	cmd.Flags().BoolVar(&run, "run", false, "Call the entry point (needs --allocator arena to execute for real)")
	return cmd
}

// execute places data, optionally runs it and always hands the image back.
func execute(out io.Writer, l *kmodld.Loader, data []byte, run bool) (err error) {
	img, err := l.LoadExecutable(data)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, l.UnloadExecutable(img))
	}()

	fmt.Fprintf(out, "placed %#x-%#x entry %s\n", img.Base(), img.Base()+img.Size(), img.Entry())
	if !run {
		return nil
	}
	code, err := l.RunExecutable(img)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "exit %d\n", code)
	return nil
}
