// Package cli implements the dynhook command line tool: symbol lookup,
// prologue inspection and bridge listings for hook targets.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/k2io/dynhook"
	"github.com/k2io/dynhook/internal/logging"
)

type globalOptions struct {
	configPath string
	logLevel   string
	pretty     bool
}

func (o *globalOptions) config() (*dynhook.Config, error) {
	cfg := dynhook.DefaultConfig()
	if o.configPath != "" {
		c, err := dynhook.LoadConfig(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = c
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.pretty {
		cfg.LogPretty = true
	}
	return cfg, cfg.Validate()
}

func (o *globalOptions) logger(cmd *cobra.Command) (zerolog.Logger, *dynhook.Config, error) {
	cfg, err := o.config()
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	l := logging.NewWithComponent(logging.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
		Output: cmd.ErrOrStderr(),
	}, "cli")
	return l, cfg, nil
}

// NewRootCmd creates the dynhook root command.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "dynhook",
		Short:         "Inspect native functions for runtime hooking",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&opts.pretty, "pretty", false, "Human readable logs")

	cmd.AddCommand(NewSymbolsCmd())
	cmd.AddCommand(NewInspectCmd(opts))
	cmd.AddCommand(NewBridgeCmd(opts))
	return cmd
}
