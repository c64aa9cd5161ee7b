package main

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/sliverarmory/kmodld"
	"github.com/spf13/cobra"
)

type loadOptions struct {
	exports   string
	essential []string
	unload    bool
}

func newLoadCmd(g *globalOptions) *cobra.Command {
	o := &loadOptions{}
	cmd := &cobra.Command{
		Use:   "load <object>...",
		Short: "Load relocatable objects as modules in order and print the registry",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := loadModules(g, o, args)
			if l == nil {
				return err
			}
			mods, merr := l.Modules()
			if merr != nil {
				return merr
			}
			printModules(cmd.OutOrStdout(), mods)
			if err != nil {
				return err
			}
			if o.unload {
				if err := l.UnloadAll(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "unloaded")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&o.exports, "exports", "", "File of \"name address\" kernel exports to register")
	cmd.Flags().StringSliceVar(&o.essential, "essential", nil, "Module names to flag essential")
	cmd.Flags().BoolVar(&o.unload, "unload", false, "Unload every module again afterwards, newest first")
	return cmd
}

// loadModules loads every object and keeps going after a failure so the
// registry can still be shown. The loader is nil only if none was created.
func loadModules(g *globalOptions, o *loadOptions, paths []string) (*kmodld.Loader, error) {
	l, err := g.newLoader()
	if err != nil {
		return nil, err
	}
	if o.exports != "" {
		syms, err := loadExportsFile(o.exports)
		if err != nil {
			return nil, err
		}
		if err := l.RegisterKernelExports(syms); err != nil {
			return nil, err
		}
	}

	var errs []error
	for _, path := range paths {
		data, err := readFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		name := moduleName(path)
		var opts []kmodld.LoadOption
		if slices.Contains(o.essential, name) {
			opts = append(opts, kmodld.WithFlags(kmodld.FlagEssential))
		}
		if err := l.LoadModule(name, data, opts...); err != nil {
			errs = append(errs, err)
		}
	}
	return l, errors.Join(errs...)
}

func printModules(w io.Writer, mods []kmodld.ModuleStatus) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tFLAGS\tBASE\tSIZE\tREFS\tDEPS")
	for _, m := range mods {
		deps := "-"
		if len(m.Dependencies) > 0 {
			deps = strings.Join(m.Dependencies, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%#x\t%d\t%d\t%s\n", m.Name, m.State, m.Flags, m.Base, m.Size, m.RefCount, deps)
	}
	tw.Flush()
}
