package main

import (
	"fmt"

	"github.com/sliverarmory/kmodld/internal/depgraph"
	"github.com/spf13/cobra"
)

func newGraphCmd(g *globalOptions) *cobra.Command {
	var (
		lo     loadOptions
		output string
	)
	cmd := &cobra.Command{
		Use:   "graph -o <png> <object>...",
		Short: "Load objects in order and draw the resulting dependency graph",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := loadModules(g, &lo, args)
			if l == nil {
				return err
			}
			if err != nil {
				cmd.PrintErrln(err)
			}
			mods, err := l.Modules()
			if err != nil {
				return err
			}
			if err := depgraph.SavePNG(depgraph.FromModules(mods), output); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d modules)\n", output, len(mods))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "modules.png", "PNG file to write")
	cmd.Flags().StringVar(&lo.exports, "exports", "", "File of \"name address\" kernel exports to register")
	return cmd
}
