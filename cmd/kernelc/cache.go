package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/influxdata/kernelc/bolt"
	"github.com/influxdata/kernelc/cache"
	"github.com/influxdata/kernelc/logger"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func newCacheCommand(logOut io.Writer) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clean the offline kernel cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	inspect, err := newCacheInspectCommand(logOut)
	if err != nil {
		return nil, err
	}
	clean, err := newCacheCleanCommand(logOut)
	if err != nil {
		return nil, err
	}
	cmd.AddCommand(inspect, clean)
	return cmd, nil
}

// openStore opens the disk tier of the configured platform. It returns nil
// when no cache has been written yet.
func openStore(ctx context.Context, dir string) (*bolt.KernelStore, error) {
	path := filepath.Join(dir, cache.DBFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	s := bolt.NewKernelStore(path)
	s.WithLogger(logger.FromContextOr(ctx, nil))
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func newCacheInspectCommand(logOut io.Writer) (*cobra.Command, error) {
	g := newGlobalFlags(logOut)
	return newSubcommand(g, "inspect", "List the kernels of the offline cache", cobra.NoArgs,
		func(cmd *cobra.Command, _ []string) (err error) {
			c, log, err := g.resolve()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx := commandContext(cmd, log)
			w := cmd.OutOrStdout()
			store, err := openStore(ctx, c.CachePath())
			if err != nil {
				return err
			}
			if store == nil {
				fmt.Fprintf(w, "no offline cache at %s\n", c.CachePath())
				return nil
			}
			defer func() { err = multierr.Append(err, store.Close()) }()

			entries, err := store.Entries(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSIZE\tCREATED\tLAST ACCESS")
			var total int64
			for _, e := range entries {
				total += e.Size
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					e.ID.String()[:16],
					humanize.IBytes(uint64(e.Size)),
					humanize.Time(e.Created),
					humanize.Time(e.LastAccess))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(w, "%d kernels, %s of %s\n", len(entries),
				humanize.IBytes(uint64(total)), humanize.IBytes(uint64(c.OfflineCacheMaxSizeOfFiles)))
			return nil
		})
}

func newCacheCleanCommand(logOut io.Writer) (*cobra.Command, error) {
	g := newGlobalFlags(logOut)
	return newSubcommand(g, "clean", "Remove kernels from the offline cache with the cleaning policy", cobra.NoArgs,
		func(cmd *cobra.Command, _ []string) (err error) {
			c, log, err := g.resolve()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx := commandContext(cmd, log)
			w := cmd.OutOrStdout()
			store, err := openStore(ctx, c.CachePath())
			if err != nil {
				return err
			}
			if store == nil {
				fmt.Fprintf(w, "no offline cache at %s\n", c.CachePath())
				return nil
			}
			defer func() { err = multierr.Append(err, store.Close()) }()

			sel := cache.NewSelector(c.CleaningPolicy(), int64(c.OfflineCacheMaxSizeOfFiles), c.OfflineCacheCleaningFactor)
			victims, err := store.Clean(ctx, sel)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "removed %d kernels with policy %s\n", len(victims), c.CleaningPolicy())
			return nil
		})
}
