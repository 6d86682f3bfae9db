package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/influxdata/kernelc"
	"github.com/influxdata/kernelc/aot"
	"github.com/influxdata/kernelc/kit/cli"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func newAOTCommand(logOut io.Writer) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "aot",
		Short: "Export ahead-of-time modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	export, err := newAOTExportCommand(logOut)
	if err != nil {
		return nil, err
	}
	cmd.AddCommand(export)
	return cmd, nil
}

func newAOTExportCommand(logOut io.Writer) (*cobra.Command, error) {
	g := newGlobalFlags(logOut)
	var (
		layoutPath string
		out        string
		format     string
	)
	return newSubcommand(g, "export <ir-file>...", "Compile kernels over an all-dense layout and export them as a module", cobra.MinimumNArgs(1),
		func(cmd *cobra.Command, irPaths []string) (err error) {
			c, log, err := g.resolve()
			if err != nil {
				return err
			}
			defer log.Sync()

			f, err := aot.ParseFormat(format)
			if err != nil {
				return err
			}
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			ctx := commandContext(cmd, log)

			s, l, err := openSession(ctx, c, layoutPath)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, s.Close()) }()

			b, err := s.AOTBuilder()
			if err != nil {
				return err
			}
			cm, err := s.EnsureCacheManager(ctx)
			if err != nil {
				return err
			}
			for _, p := range irPaths {
				ir, err := os.ReadFile(p)
				if err != nil {
					return err
				}
				name := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
				ck, err := cm.LoadOrCompile(ctx, &kernelc.Kernel{Name: name, IR: ir, Trees: []kernelc.TreeID{l.Tree}})
				if err != nil {
					return err
				}
				if err := b.AddKernel(name, ck); err != nil {
					return err
				}
			}
			if err := b.Build().Dump(ctx, out, f); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d kernels to %s\n", len(irPaths), filepath.Join(out, aot.DescriptorFile(f)))
			return nil
		},
		cli.NewOpt(&layoutPath, "layout", "", "YAML layout tree declaration"),
		cli.NewOpt(&out, "out", "", "directory the module is written to"),
		cli.NewOpt(&format, "format", string(aot.FormatJSON), "descriptor format: json or yaml"),
	)
}
