// xiaomi-speaker receives GitHub Actions webhooks and custom notifications
// and announces them on a Xiaomi smart speaker.
//
// Usage:
//
//	xiaomi-speaker serve
//	xiaomi-speaker voices download [name...]
//	xiaomi-speaker cache clear [--max-age 24h]
//	xiaomi-speaker devices
//	xiaomi-speaker say <text>
//	xiaomi-speaker volume <0-100>
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/palemoky/xiaomi-speaker/internal/config"
	"github.com/palemoky/xiaomi-speaker/internal/logger"
)

var version = "dev"

type rootOptions struct {
	logLevel  string
	logFormat string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "xiaomi-speaker",
		Short:         "Announce CI results on a Xiaomi smart speaker",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: off, info, debug (overrides LOG_LEVEL)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format: text or json (overrides LOG_FORMAT)")

	cmd.AddCommand(
		newServeCommand(opts),
		newVoicesCommand(opts),
		newCacheCommand(opts),
		newDevicesCommand(opts),
		newSayCommand(opts),
		newVolumeCommand(opts),
	)
	return cmd
}

// setup loads the config and builds the root logger. Flags win over the
// environment.
func (o *rootOptions) setup() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}
	log := logger.NewWithFormat(logger.ParseLevel(cfg.LogLevel), os.Stderr, logger.Format(cfg.LogFormat))
	return cfg, log, nil
}
