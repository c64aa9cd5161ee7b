package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sliverarmory/kmodld"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type globalOptions struct {
	verbose int
	config  kmodld.Config
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{config: kmodld.DefaultConfig()}
	allocator := string(g.config.Allocator)

	rootCmd := &cobra.Command{
		Use:          "kmodld",
		Short:        "Load ELF64 kernel modules and freestanding executables into a simulated kernel",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			g.config.Allocator = kmodld.AllocatorKind(allocator)
		},
	}
	flags := rootCmd.PersistentFlags()
	flags.CountVarP(&g.verbose, "verbose", "v", "Log loader activity to stderr (repeat for debug)")
	flags.IntVar(&g.config.MaxModules, "max-modules", g.config.MaxModules, "Module registry capacity")
	flags.StringVar(&allocator, "allocator", allocator, "Image memory: heap (simulated kernel heap) or arena (executable host memory)")
	flags.Uint64Var(&g.config.HeapBase, "heap-base", g.config.HeapBase, "Virtual base address of the simulated heap")
	flags.Uint64Var(&g.config.HeapSize, "heap-size", g.config.HeapSize, "Size in bytes of the simulated heap")

	rootCmd.AddCommand(
		newLoadCmd(g),
		newInspectCmd(g),
		newExecCmd(g),
		newGraphCmd(g),
	)
	return rootCmd
}

func (g *globalOptions) logLevel() zapcore.Level {
	switch {
	case g.verbose >= 2:
		return zapcore.DebugLevel
	case g.verbose == 1:
		return zapcore.InfoLevel
	default:
		return zapcore.WarnLevel
	}
}

func (g *globalOptions) logger() *zap.Logger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), g.logLevel())
	return zap.New(core)
}

func (g *globalOptions) newLoader() (*kmodld.Loader, error) {
	opts, err := g.config.Options()
	if err != nil {
		return nil, err
	}
	return kmodld.NewLoader(append(opts, kmodld.WithLogger(g.logger()))...), nil
}

// moduleName derives a module name from an object path: "drivers/net.o"
// becomes "net".
func moduleName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
