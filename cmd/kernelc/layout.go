package main

import (
	"fmt"
	"io"

	"github.com/influxdata/kernelc/kit/cli"
	"github.com/influxdata/kernelc/layout"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func newLayoutCommand(logOut io.Writer) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "layout",
		Short: "Inspect layout tree declarations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	show, err := newLayoutShowCommand(logOut)
	if err != nil {
		return nil, err
	}
	cmd.AddCommand(show)
	return cmd, nil
}

func newLayoutShowCommand(logOut io.Writer) (*cobra.Command, error) {
	g := newGlobalFlags(logOut)
	var layoutPath string
	return newSubcommand(g, "show", "Compile a layout tree and print its resolved offsets", cobra.NoArgs,
		func(cmd *cobra.Command, _ []string) (err error) {
			c, log, err := g.resolve()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx := commandContext(cmd, log)
			s, l, err := openSession(ctx, c, layoutPath)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, s.Close()) }()

			fmt.Fprint(cmd.OutOrStdout(), layout.Print(l))
			return nil
		},
		cli.NewOpt(&layoutPath, "layout", "", "YAML layout tree declaration"),
	)
}
