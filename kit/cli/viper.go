// Package cli binds command line flags and environment variables to program
// options through cobra and viper.
package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Opt is a single command-line option
type Opt struct {
	DestP   interface{} // pointer to the destination
	Flag    string
	Default interface{}
	Desc    string
}

// NewOpt creates a new command line option.
func NewOpt(destP interface{}, flag string, dflt interface{}, desc string) Opt {
	return Opt{
		DestP:   destP,
		Flag:    flag,
		Default: dflt,
		Desc:    desc,
	}
}

// Program parses CLI options
type Program struct {
	// Run is invoked by cobra on execute.
	Run func(cmd *cobra.Command, args []string) error
	// Name is the name of the program in help usage and the env var prefix.
	Name string
	// Short is the one line description shown in help.
	Short string
	// Args validates positional arguments; cobra.NoArgs when nil.
	Args cobra.PositionalArgs
	// Opts are the command line/env var options to the program
	Opts []Opt
}

// NewCommand creates a new cobra command to be executed that respects env vars.
//
// Uses the upper-case version of the program's name as a prefix
// to all environment variables, so the flag "max-size" of program "kernelc"
// is also read from KERNELC_MAX_SIZE.
func NewCommand(v *viper.Viper, p *Program) (*cobra.Command, error) {
	args := p.Args
	if args == nil {
		args = cobra.NoArgs
	}
	cmd := &cobra.Command{
		Use:           p.Name,
		Short:         p.Short,
		Args:          args,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          p.Run,
	}

	ConfigureEnv(v, p.Name)
	if err := BindOptions(v, cmd, p.Opts); err != nil {
		return nil, err
	}
	return cmd, nil
}

// ConfigureEnv makes v read every key from an environment variable named
// after the upper-case program name and the key.
func ConfigureEnv(v *viper.Viper, name string) {
	v.SetEnvPrefix(strings.ToUpper(name))
	v.AutomaticEnv()
	// This normalizes "-" to an underscore in env names.
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
}

// BindOptions adds opts to the specified command and registers them with v.
// Destinations take the value of their environment variable when one is
// set; flags given on the command line override it when the command runs.
func BindOptions(v *viper.Viper, cmd *cobra.Command, opts []Opt) error {
	flags := cmd.Flags()
	for _, o := range opts {
		switch destP := o.DestP.(type) {
		case *string:
			var d string
			if o.Default != nil {
				d = o.Default.(string)
			}
			flags.StringVar(destP, o.Flag, d, o.Desc)
			if err := v.BindPFlag(o.Flag, flags.Lookup(o.Flag)); err != nil {
				return err
			}
			*destP = v.GetString(o.Flag)
		case *int:
			var d int
			if o.Default != nil {
				d = o.Default.(int)
			}
			flags.IntVar(destP, o.Flag, d, o.Desc)
			if err := v.BindPFlag(o.Flag, flags.Lookup(o.Flag)); err != nil {
				return err
			}
			*destP = v.GetInt(o.Flag)
		case *bool:
			var d bool
			if o.Default != nil {
				d = o.Default.(bool)
			}
			flags.BoolVar(destP, o.Flag, d, o.Desc)
			if err := v.BindPFlag(o.Flag, flags.Lookup(o.Flag)); err != nil {
				return err
			}
			*destP = v.GetBool(o.Flag)
		case *float64:
			var d float64
			if o.Default != nil {
				d = o.Default.(float64)
			}
			flags.Float64Var(destP, o.Flag, d, o.Desc)
			if err := v.BindPFlag(o.Flag, flags.Lookup(o.Flag)); err != nil {
				return err
			}
			*destP = v.GetFloat64(o.Flag)
		case *time.Duration:
			var d time.Duration
			if o.Default != nil {
				d = o.Default.(time.Duration)
			}
			flags.DurationVar(destP, o.Flag, d, o.Desc)
			if err := v.BindPFlag(o.Flag, flags.Lookup(o.Flag)); err != nil {
				return err
			}
			*destP = v.GetDuration(o.Flag)
		case *[]string:
			var d []string
			if o.Default != nil {
				d = o.Default.([]string)
			}
			flags.StringSliceVar(destP, o.Flag, d, o.Desc)
			if err := v.BindPFlag(o.Flag, flags.Lookup(o.Flag)); err != nil {
				return err
			}
			*destP = v.GetStringSlice(o.Flag)
		case *zapcore.Level:
			var d zapcore.Level
			if o.Default != nil {
				d = o.Default.(zapcore.Level)
			}
			LevelVar(flags, destP, o.Flag, d, o.Desc)
			if err := bindValue(v, flags, o.Flag); err != nil {
				return err
			}
		case pflag.Value:
			// The destination keeps its current value as the default.
			flags.Var(destP, o.Flag, o.Desc)
			if err := bindValue(v, flags, o.Flag); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown destination type %T for flag %s", o.DestP, o.Flag)
		}
	}
	return nil
}

// bindValue binds a flag backed by a pflag.Value and applies the
// environment, if set, through the value's Set method.
func bindValue(v *viper.Viper, flags *pflag.FlagSet, name string) error {
	f := flags.Lookup(name)
	if err := v.BindPFlag(name, f); err != nil {
		return err
	}
	s := v.GetString(name)
	if s == "" || s == f.Value.String() {
		return nil
	}
	if err := f.Value.Set(s); err != nil {
		return fmt.Errorf("invalid value for %s: %w", name, err)
	}
	return nil
}
