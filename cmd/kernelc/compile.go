package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/influxdata/kernelc"
	"github.com/influxdata/kernelc/device"
	"github.com/influxdata/kernelc/kernelmgr"
	"github.com/influxdata/kernelc/kit/cli"
	"github.com/influxdata/kernelc/layout"
	"github.com/influxdata/kernelc/session"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func newCompileCommand(logOut io.Writer) (*cobra.Command, error) {
	g := newGlobalFlags(logOut)
	var (
		layoutPath string
		name       string
		args       []string
	)
	return newSubcommand(g, "compile <ir-file>", "Compile a kernel, launch it and store it in the cache", cobra.ExactArgs(1),
		func(cmd *cobra.Command, pos []string) error {
			c, log, err := g.resolve()
			if err != nil {
				return err
			}
			defer log.Sync()

			values, err := parseArgs(args)
			if err != nil {
				return err
			}
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(pos[0]), filepath.Ext(pos[0]))
			}
			return runCompile(commandContext(cmd, log), cmd.OutOrStdout(), c, layoutPath, pos[0], name, values)
		},
		cli.NewOpt(&layoutPath, "layout", "", "YAML layout tree declaration"),
		cli.NewOpt(&name, "name", "", "kernel name, defaults to the IR file name"),
		cli.NewOpt(&args, "args", nil, "scalar arguments passed to the kernel"),
	)
}

func parseArgs(args []string) ([]uint64, error) {
	values := make([]uint64, 0, len(args))
	for _, a := range args {
		v, err := strconv.ParseUint(a, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid kernel argument %q: %w", a, err)
		}
		values = append(values, v)
	}
	return values, nil
}

// openSession returns a session with its runtime materialized and the tree
// declared at layoutPath materialized. The session logs to the logger on ctx.
func openSession(ctx context.Context, c session.Config, layoutPath string) (*session.Session, *kernelc.CompiledLayout, error) {
	if layoutPath == "" {
		return nil, nil, fmt.Errorf("--layout is required")
	}
	f, err := os.Open(layoutPath)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	tree, err := layout.Decode(f)
	if err != nil {
		return nil, nil, err
	}

	s, err := session.New(c)
	if err != nil {
		return nil, nil, err
	}
	if _, _, err := s.MaterializeRuntime(ctx, device.NewMemoryPool(0), kernelmgr.NewProfiler()); err != nil {
		return nil, nil, multierr.Append(err, s.Close())
	}
	l, err := s.MaterializeLayoutTree(ctx, tree)
	if err != nil {
		return nil, nil, multierr.Append(err, s.Close())
	}
	return s, l, nil
}

func runCompile(ctx context.Context, w io.Writer, c session.Config, layoutPath, irPath, name string, args []uint64) (err error) {
	ir, err := os.ReadFile(irPath)
	if err != nil {
		return err
	}

	s, l, err := openSession(ctx, c, layoutPath)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, s.Close()) }()

	start := time.Now()
	exec, err := s.Compile(ctx, &kernelc.Kernel{Name: name, IR: ir, Trees: []kernelc.TreeID{l.Tree}})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "compiled %s in %s\n", name, time.Since(start).Round(time.Microsecond))

	if err := exec(ctx, args...); err != nil {
		return err
	}
	result := s.Result()
	for i := range args {
		fmt.Fprintf(w, "result[%d] = %d\n", i, result.Get(i))
	}
	return s.DumpCache(ctx)
}
