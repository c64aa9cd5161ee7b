package main

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	"github.com/davecgh/go-spew/spew"
	"github.com/sliverarmory/kmodld"
	"github.com/sliverarmory/kmodld/memmod"
	"github.com/sliverarmory/kmodld/memmod/kmem"
	"github.com/spf13/cobra"
)

func newInspectCmd(g *globalOptions) *cobra.Command {
	var dump bool
	cmd := &cobra.Command{
		Use:   "inspect <object>",
		Short: "Place an object in a scratch heap and describe its image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readFile(args[0])
			if err != nil {
				return err
			}
			return inspect(cmd.OutOrStdout(), g, data, dump)
		},
	}
	cmd.Flags().BoolVar(&dump, "dump", false, "Dump every symbol record")
	return cmd
}

func inspect(w io.Writer, g *globalOptions, data []byte, dump bool) (err error) {
	if err := memmod.Validate(data); err != nil {
		return err
	}
	heap := kmem.NewHeap(g.config.HeapBase, g.config.HeapSize)
	log := g.logger()

	var (
		img   *memmod.Image
		undef []string
	)
	typ := elf.Type(binary.LittleEndian.Uint16(data[16:18]))
	switch typ {
	case elf.ET_REL:
		img, err = memmod.LoadRelocatable(data, heap, func(name string) (uint64, error) {
			if !slices.Contains(undef, name) {
				undef = append(undef, name)
			}
			return 0, nil
		}, log)
	default:
		img, err = memmod.LoadExecutable(data, heap, log)
	}
	if err != nil {
		return err
	}
	defer func() {
		if rerr := img.Release(); rerr != nil {
			err = errors.Join(err, fmt.Errorf("release scratch image: %w", rerr))
		}
	}()

	fmt.Fprintf(w, "type:        %s\n", img.Type())
	fmt.Fprintf(w, "image:       %#x-%#x (%d bytes)\n", img.Base(), img.Base()+img.Size(), img.Size())
	if ep := img.Entry(); !ep.IsZero() {
		fmt.Fprintf(w, "entry:       %s\n", ep)
	}
	if ep := img.Init(); !ep.IsZero() {
		fmt.Fprintf(w, "init:        %s\n", ep)
	}
	if ep := img.Cleanup(); !ep.IsZero() {
		fmt.Fprintf(w, "cleanup:     %s\n", ep)
	}
	if n := img.SkippedRelocations(); n > 0 {
		fmt.Fprintf(w, "skipped:     %d unsupported relocations\n", n)
	}
	for _, name := range undef {
		fmt.Fprintf(w, "undefined:   %s\n", name)
	}
	if info := kmodld.ReadMetadata(img); info != nil {
		fmt.Fprintf(w, "name:        %s\n", info.Name())
		fmt.Fprintf(w, "description: %s\n", info.Description())
		fmt.Fprintf(w, "author:      %s\n", info.Author())
		fmt.Fprintf(w, "version:     %s\n", info.Version())
		fmt.Fprintf(w, "license:     %s\n", info.License())
		fmt.Fprintf(w, "depends:     %v\n", info.Deps())
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "\nSYMBOL\tADDR\tSIZE\tBIND\tTYPE")
	var syms []memmod.Symbol
	for name, sym := range img.Symbols().All {
		if !sym.Visible() {
			continue
		}
		syms = append(syms, sym)
		fmt.Fprintf(tw, "%s\t%#x\t%d\t%s\t%s\n", name, sym.Value, sym.Size, sym.Bind(), sym.Type())
	}
	tw.Flush()

	if dump {
		spew.Fdump(w, syms)
	}
	return nil
}
