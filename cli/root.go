// Package cli implements payrollctl, the operator command line for the
// payroll engine. Every command opens the SQLite database directly, so it
// works without the HTTP server running.
package cli

import (
	"context"
	"flag"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"github.com/warp/payroll-engine/audit"
	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/config"
	"github.com/warp/payroll-engine/notify"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/store/sqlite"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Database string
	AuditLog string
	Verbose  bool
	Format   string // "json" | "text"

	// Calculator overrides the standard calculator (for testing).
	Calculator payroll.Calculator
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command. Defaults come from the PAYROLL_*
// environment, the same variables the server reads.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cfg, err := config.Parse(flag.NewFlagSet("payrollctl", flag.ContinueOnError), nil)
	if err != nil {
		cfg = config.Config{DBPath: "payroll.db", AuditPath: "logs/audit.log"}
	}

	cmd := &cobra.Command{
		Use:   "payrollctl",
		Short: "Operate the payroll batch engine",
		Long:  "Run bulk payroll, schedule and drain retries, and inspect batches from the command line.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.Database, "db", cfg.DBPath, "path to SQLite database")
	cmd.PersistentFlags().StringVar(&opts.AuditLog, "audit-log", cfg.AuditPath, "audit log path")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "print progress events")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	// Add subcommands
	cmd.AddCommand(NewBulkCommand(opts, cfg))
	cmd.AddCommand(NewRetryCommand(opts, cfg))
	cmd.AddCommand(NewRetryCycleCommand(opts, cfg))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))

	return cmd
}

// env is an opened store plus the collaborators the engine needs.
type env struct {
	store    *sqlite.Store
	audit    *audit.Log
	notifier notify.Notifier
	calc     payroll.Calculator
}

func (o *RootOptions) open(cmd *cobra.Command) (*env, error) {
	store, err := sqlite.New(o.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var notifier notify.Notifier = notify.NewService(notify.LogMailer{}, nil)
	if o.Verbose {
		notifier = &progressPrinter{Notifier: notifier, out: cmd.ErrOrStderr()}
	}

	calc := o.Calculator
	if calc == nil {
		calc = payroll.NewStandardCalculator()
	}

	return &env{
		store:    store,
		audit:    audit.New(audit.Options{Path: o.AuditLog}),
		notifier: notifier,
		calc:     calc,
	}, nil
}

func (e *env) Close() {
	e.audit.Close()
	e.store.Close()
}

func (e *env) processor(cfg config.Config) *batch.Processor {
	return batch.NewProcessor(e.store, e.calc, e.notifier, e.audit, cfg.Processor())
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
