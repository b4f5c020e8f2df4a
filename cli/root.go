// Package cli implements the fieldcash command line.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/fieldcash/app"
	"github.com/warp/fieldcash/config"
	"github.com/warp/fieldcash/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the fieldcash CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fieldcash",
		Short: "Offline-first cash ledger for field collectors",
		Long: `fieldcash runs the device side of a field collection route: it queues
payments, sales, absences and cash movements while offline, applies them
exactly once when connectivity returns, and keeps the daily cash ledger
closed and opened across missed days.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "config file (default ./fieldcash.toml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewRolloverCommand(opts))
	cmd.AddCommand(NewKPIsCommand(opts))

	return cmd
}

// session is what every command needs: loaded config, a logger and an
// assembled (not started) runtime.
type session struct {
	cfg    *config.Config
	logger *zap.Logger
	rt     *app.Runtime
}

// openSession loads config and assembles the runtime. One-shot commands
// pass logToStderr so stdout carries only their output.
func openSession(opts *RootOptions, logToStderr bool) (*session, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, err
	}

	output := cfg.Log.Output
	if logToStderr && output == "stdout" {
		output = "stderr"
	}
	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: output,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	rt, err := app.New(cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	return &session{cfg: cfg, logger: log, rt: rt}, nil
}

func (s *session) Close() error {
	err := s.rt.Stop()
	_ = s.logger.Sync()
	return err
}
