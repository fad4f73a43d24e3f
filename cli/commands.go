package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/payroll-engine/api"
	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/config"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/roster"
)

// =============================================================================
// BULK
// =============================================================================

// NewBulkCommand creates the bulk command.
func NewBulkCommand(opts *RootOptions, cfg config.Config) *cobra.Command {
	var (
		month, year int
		departments []string
		user        string
	)
	now := time.Now()

	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Run payroll for one or more departments",
		Long: `Run a bulk payroll batch and wait for it to finish.

Example:
  payrollctl bulk --month 6 --year 2024 --dept Engineering --dept HR`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.processor(cfg).Run(commandContext(cmd), batch.Request{
				Month:       month,
				Year:        year,
				Departments: departments,
				RequestedBy: user,
			})
			if err != nil {
				return err
			}

			return opts.printer(cmd.OutOrStdout()).emit(res, func(w io.Writer) {
				fmt.Fprintf(w, "Batch\t%s\n", res.BatchID)
				fmt.Fprintf(w, "Status\t%s\n", res.Status)
				for _, ue := range res.Errors {
					fmt.Fprintf(w, "Error\t%s\t%s\t%s\n", ue.Department, ue.EmployeeID, ue.Error)
				}
			})
		},
	}

	cmd.Flags().IntVar(&month, "month", int(now.Month()), "payroll month (1-12)")
	cmd.Flags().IntVar(&year, "year", now.Year(), "payroll year")
	cmd.Flags().StringSliceVar(&departments, "dept", nil, "department to process (repeatable)")
	cmd.Flags().StringVar(&user, "user", batch.DefaultRequester, "requester recorded on the batch")
	_ = cmd.MarkFlagRequired("dept")

	return cmd
}

// =============================================================================
// RETRIES
// =============================================================================

// NewRetryCommand creates the retry command.
func NewRetryCommand(opts *RootOptions, cfg config.Config) *cobra.Command {
	var delay time.Duration

	cmd := &cobra.Command{
		Use:   "retry <batch-id>",
		Short: "Queue the failed departments of a batch for retry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			sched := batch.NewScheduler(e.store, e.notifier, e.audit, delay)
			res, err := sched.ScheduleRetries(commandContext(cmd), args[0])
			if err != nil {
				return err
			}

			return opts.printer(cmd.OutOrStdout()).emit(res, func(w io.Writer) {
				fmt.Fprintf(w, "Scheduled %d departments for retry in %s\n", res.ItemCount, delay)
			})
		},
	}

	cmd.Flags().DurationVar(&delay, "delay", cfg.RetryDelay, "delay before the first retry")
	return cmd
}

// NewRetryCycleCommand creates the retry-cycle command.
func NewRetryCycleCommand(opts *RootOptions, cfg config.Config) *cobra.Command {
	workerCfg := cfg.Worker()

	cmd := &cobra.Command{
		Use:   "retry-cycle",
		Short: "Process due retry entries once",
		Long: `Run one retry worker cycle in the foreground. Entries whose scheduled time
has passed are claimed and their departments re-run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			worker := batch.NewRetryWorker(e.store, e.calc, e.notifier, e.audit, workerCfg)
			res, err := worker.RunOnce(commandContext(cmd))
			if err != nil {
				return err
			}

			return opts.printer(cmd.OutOrStdout()).emit(res, func(w io.Writer) {
				fmt.Fprintf(w, "Due\t%d\n", res.Due)
				fmt.Fprintf(w, "Processed\t%d\n", res.Processed)
				fmt.Fprintf(w, "Rescheduled\t%d\n", res.Rescheduled)
				fmt.Fprintf(w, "Failed\t%d\n", res.Failed)
			})
		},
	}

	cmd.Flags().IntVar(&workerCfg.MaxAttempts, "max-attempts", workerCfg.MaxAttempts, "attempts before an entry is FAILED")
	cmd.Flags().IntVar(&workerCfg.BatchSize, "batch-size", workerCfg.BatchSize, "entries claimed per cycle")
	return cmd
}

// =============================================================================
// INSPECTION
// =============================================================================

type statusView struct {
	Batch   payroll.Batch        `json:"batch"`
	Items   []payroll.BatchItem  `json:"items"`
	Retries []payroll.RetryEntry `json:"retries"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <batch-id>",
		Short: "Show a batch with its items and retry entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := commandContext(cmd)
			b, err := e.store.GetBatch(ctx, args[0])
			if err != nil {
				return err
			}
			items, err := e.store.ListItems(ctx, b.ID, "")
			if err != nil {
				return err
			}
			retries, err := e.store.ListRetries(ctx, b.ID)
			if err != nil {
				return err
			}

			view := statusView{Batch: *b, Items: items, Retries: retries}
			return opts.printer(cmd.OutOrStdout()).emit(view, func(w io.Writer) {
				fmt.Fprintf(w, "Batch\t%s\n", b.ID)
				fmt.Fprintf(w, "Period\t%s\n", b.Period)
				fmt.Fprintf(w, "Status\t%s\n", b.Status)
				fmt.Fprintf(w, "Departments\t%d of %d\n", b.ProcessedDepartments, b.TotalDepartments)
				fmt.Fprintf(w, "Errors\t%d\n", b.ErrorCount)
				for _, it := range items {
					fmt.Fprintf(w, "Item\t%s\t%s\tretries=%d\n", it.Department, it.Status, it.RetryCount)
				}
				for _, r := range retries {
					fmt.Fprintf(w, "Retry\t%s\t%s\tattempts=%d\tnext=%s\n",
						r.Department, r.Status, r.Attempts, r.ScheduledTime.Format(time.RFC3339))
				}
			})
		},
	}
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(opts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent batches, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			batches, err := e.store.ListBatches(commandContext(cmd), limit)
			if err != nil {
				return err
			}

			return opts.printer(cmd.OutOrStdout()).emit(batches, func(w io.Writer) {
				fmt.Fprintln(w, "ID\tPERIOD\tSTATUS\tDEPTS\tERRORS\tBY")
				for _, b := range batches {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%s\n",
						b.ID, b.Period, b.Status, b.ProcessedDepartments, b.TotalDepartments, b.ErrorCount, b.CreatedBy)
				}
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "number of batches to show")
	return cmd
}

// =============================================================================
// DATA
// =============================================================================

// NewImportCommand creates the import command.
func NewImportCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <roster.xlsx|roster.xls>",
		Short: "Upsert employees from a spreadsheet roster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			employees, rowErrs, err := roster.Import(f, args[0])
			if err != nil {
				return err
			}

			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := commandContext(cmd)
			err = e.store.WithTx(ctx, func(q payroll.Queries) error {
				for _, emp := range employees {
					if err := q.SaveEmployee(ctx, emp); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}

			result := map[string]any{"imported": len(employees), "rejected": rowErrs}
			return opts.printer(cmd.OutOrStdout()).emit(result, func(w io.Writer) {
				fmt.Fprintf(w, "Imported %d employees\n", len(employees))
				for _, re := range rowErrs {
					fmt.Fprintf(w, "Row %d\t%s\n", re.Row, re.Error)
				}
			})
		},
	}
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(opts *RootOptions) *cobra.Command {
	var keep bool

	cmd := &cobra.Command{
		Use:   "seed [scenario]",
		Short: "Load a demo scenario (lists scenarios without an argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := opts.printer(cmd.OutOrStdout())

			if len(args) == 0 {
				all, err := api.Scenarios()
				if err != nil {
					return err
				}
				return p.emit(all, func(w io.Writer) {
					for _, s := range all {
						fmt.Fprintf(w, "%s\t%s\n", s.ID, s.Description)
					}
				})
			}

			s, err := api.FindScenario(args[0])
			if err != nil {
				return err
			}

			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := commandContext(cmd)
			if !keep {
				if err := e.store.Reset(ctx); err != nil {
					return err
				}
			}
			if err := s.Load(ctx, e.store); err != nil {
				return err
			}

			return p.emit(map[string]any{"scenario": s.ID, "employees": len(s.Employees)}, func(w io.Writer) {
				fmt.Fprintf(w, "Loaded %s (%d employees)\n", s.ID, len(s.Employees))
			})
		},
	}

	cmd.Flags().BoolVar(&keep, "keep", false, "keep existing data instead of resetting")
	return cmd
}
