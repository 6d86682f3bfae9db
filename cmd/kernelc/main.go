// Command kernelc compiles kernels against layout declarations, manages the
// offline kernel cache and exports AOT modules.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/influxdata/kernelc/kit/cli"
	"github.com/influxdata/kernelc/logger"
	"github.com/influxdata/kernelc/session"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// configPathEnv names a TOML file whose settings become the flag defaults.
const configPathEnv = "KERNELC_CONFIG_PATH"

func main() {
	cmd, err := newRootCommand(os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globalFlags are the session settings every subcommand accepts.
type globalFlags struct {
	config session.Config
	logOut io.Writer

	configPath string
	configErr  error
}

func newRootCommand(stdout, stderr io.Writer) (*cobra.Command, error) {
	cmd, err := cli.NewCommand(viper.New(), &cli.Program{
		Name:  "kernelc",
		Short: "Compile and cache data-parallel kernels",
		Run: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	})
	if err != nil {
		return nil, err
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	for _, sub := range []func(io.Writer) (*cobra.Command, error){
		newCompileCommand,
		newLayoutCommand,
		newCacheCommand,
		newAOTCommand,
	} {
		c, err := sub(stderr)
		if err != nil {
			return nil, err
		}
		cmd.AddCommand(c)
	}
	return cmd, nil
}

// newGlobalFlags loads the config file named by KERNELC_CONFIG_PATH, if any,
// on top of the defaults.
func newGlobalFlags(logOut io.Writer) *globalFlags {
	g := &globalFlags{
		config:     session.NewConfig(),
		logOut:     logOut,
		configPath: os.Getenv(configPathEnv),
	}
	if g.configPath != "" {
		g.configErr = g.config.FromTOMLFile(g.configPath)
	}
	return g
}

func (g *globalFlags) opts() []cli.Opt {
	c := &g.config
	return []cli.Opt{
		cli.NewOpt(&c.Platform, "platform", c.Platform, "platform kernels are compiled for"),
		cli.NewOpt(&c.OfflineCache, "offline-cache", c.OfflineCache, "persist compiled kernels across runs"),
		cli.NewOpt(&c.OfflineCacheFilePath, "offline-cache-file-path", c.OfflineCacheFilePath, "base directory of the offline cache"),
		cli.NewOpt(&c.OfflineCacheCleaningPolicy, "offline-cache-cleaning-policy", c.OfflineCacheCleaningPolicy, "cleaning policy of the offline cache: never, lru, fifo or size"),
		cli.NewOpt(&c.OfflineCacheMaxSizeOfFiles, "offline-cache-max-size-of-files", nil, "size cap of the offline cache, with an optional k, m or g suffix"),
		cli.NewOpt(&c.OfflineCacheCleaningFactor, "offline-cache-cleaning-factor", c.OfflineCacheCleaningFactor, "fraction of the size cap removed when cleaning"),
		cli.NewOpt(&c.Logging.Level, "log-level", c.Logging.Level, "log level: debug, info, warn or error"),
		cli.NewOpt(&c.Logging.Format, "log-format", c.Logging.Format, "log format: auto, console, json or logfmt"),
	}
}

// newSubcommand returns a command whose flags are also read from KERNELC_*
// environment variables.
func newSubcommand(g *globalFlags, use, short string, args cobra.PositionalArgs, run func(*cobra.Command, []string) error, opts ...cli.Opt) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		Args:          args,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	v := viper.New()
	cli.ConfigureEnv(v, "kernelc")
	if err := cli.BindOptions(v, cmd, append(g.opts(), opts...)); err != nil {
		return nil, err
	}
	return cmd, nil
}

// resolve returns the validated session config and a logger for it.
func (g *globalFlags) resolve() (session.Config, *zap.Logger, error) {
	if g.configErr != nil {
		return session.Config{}, nil, fmt.Errorf("reading %s: %w", g.configPath, g.configErr)
	}
	c := g.config
	if err := c.Validate(); err != nil {
		return session.Config{}, nil, err
	}
	log, err := c.Logging.New(g.logOut)
	if err != nil {
		return session.Config{}, nil, err
	}
	return c, log, nil
}

// commandContext returns the context of cmd carrying log.
func commandContext(cmd *cobra.Command, log *zap.Logger) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return logger.NewContextWithLogger(ctx, log)
}
