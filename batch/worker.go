/*
worker.go - Background retry worker

PURPOSE:
  Periodically picks due retry queue entries and re-runs their department
  for the batch's period. Departments that now succeed are resolved; the
  rest are rescheduled or, once attempts are exhausted, marked FAILED with
  one terminal email.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - First cycle runs immediately on Start
  - Cycles never overlap: a trigger that finds a cycle running is skipped
  - Attempts are consumed when an entry is claimed, before any work
  - A claim left PROCESSING for longer than Lease is taken over by a later
    cycle without consuming another attempt

CONFIGURATION:
  - Interval:    How often to poll (default: 5 minutes)
  - BatchSize:   Entries per cycle (default: 5)
  - MaxAttempts: Attempt budget per entry (default: 3)
  - Backoff:     First reschedule delay, doubled per attempt (default: 5 minutes)
  - MaxDelay:    Reschedule delay cap (default: 1 hour)
  - Lease:       Age after which a PROCESSING claim is stale (default: 15 minutes)

USAGE:
  worker := batch.NewRetryWorker(store, calc, notifier, auditLog, batch.DefaultWorkerConfig())
  worker.Start(ctx)
  // ... later
  worker.Stop()

SEE ALSO:
  - scheduler.go: Fills the queue
  - processor.go: Writes the ERROR items
*/
package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/warp/payroll-engine/notify"
	"github.com/warp/payroll-engine/payroll"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WorkerConfig tunes the retry worker.
type WorkerConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	Backoff     time.Duration
	MaxDelay    time.Duration
	Lease       time.Duration
}

// DefaultWorkerConfig returns the production settings.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Interval:    5 * time.Minute,
		BatchSize:   5,
		MaxAttempts: 3,
		Backoff:     5 * time.Minute,
		MaxDelay:    time.Hour,
		Lease:       15 * time.Minute,
	}
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	d := DefaultWorkerConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = d.Backoff
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.MaxDelay < c.Backoff {
		c.MaxDelay = c.Backoff
	}
	return c
}

// CycleResult summarises one worker cycle.
type CycleResult struct {
	Skipped     bool
	Due         int
	Processed   int
	Rescheduled int
	Failed      int
}

// RetryWorker drains the retry queue.
type RetryWorker struct {
	Store      payroll.Store
	Calculator payroll.Calculator
	Notifier   notify.Notifier
	Audit      Auditor
	Config     WorkerConfig
	Clock      func() time.Time

	cycle sync.Mutex

	mu     sync.Mutex
	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRetryWorker creates a worker. Zero config fields use the defaults.
func NewRetryWorker(store payroll.Store, calc payroll.Calculator, notifier notify.Notifier, auditor Auditor, cfg WorkerConfig) *RetryWorker {
	return &RetryWorker{
		Store:      store,
		Calculator: calc,
		Notifier:   notifier,
		Audit:      auditor,
		Config:     cfg.withDefaults(),
		Clock:      time.Now,
	}
}

// Start begins polling. Calling Start on a running worker does nothing.
func (w *RetryWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ticker != nil {
		return
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.ticker = time.NewTicker(w.Config.Interval)
	w.stop = make(chan struct{})
	w.wg.Add(1)

	go w.run(ctx, w.ticker, w.stop)

	log.Printf("[RetryWorker] Started with interval: %v", w.Config.Interval)
}

// Stop halts polling and waits for an in-flight cycle to finish.
func (w *RetryWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ticker == nil {
		return
	}
	w.ticker.Stop()
	close(w.stop)
	w.cancel()
	w.wg.Wait()
	w.ticker = nil
	log.Println("[RetryWorker] Stopped")
}

func (w *RetryWorker) run(ctx context.Context, ticker *time.Ticker, stop <-chan struct{}) {
	defer w.wg.Done()

	w.tick(ctx)

	for {
		select {
		case <-ticker.C:
			w.tick(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *RetryWorker) tick(ctx context.Context) {
	if _, err := w.RunOnce(ctx); err != nil {
		log.Printf("[RetryWorker] Cycle failed: %v", err)
	}
}

// RunOnce runs one cycle synchronously. If another cycle is in progress it
// returns immediately with Skipped set.
func (w *RetryWorker) RunOnce(ctx context.Context) (CycleResult, error) {
	if !w.cycle.TryLock() {
		log.Println("[RetryWorker] Previous cycle still running, skipping")
		return CycleResult{Skipped: true}, nil
	}
	defer w.cycle.Unlock()

	ctx, span := tracer.Start(ctx, "payroll.retry_cycle")
	defer span.End()

	now := w.Clock()
	due, err := w.Store.DueRetries(ctx, now, now.Add(-w.Config.Lease), w.Config.MaxAttempts, w.Config.BatchSize)
	if err != nil {
		span.RecordError(err)
		return CycleResult{}, fmt.Errorf("failed to load due retries: %w", err)
	}

	result := CycleResult{Due: len(due)}
	for _, entry := range due {
		if ctx.Err() != nil {
			break
		}
		switch w.processEntry(ctx, entry) {
		case payroll.RetryProcessed:
			result.Processed++
		case payroll.RetryPending:
			result.Rescheduled++
		case payroll.RetryFailed:
			result.Failed++
		}
	}

	if result.Due > 0 {
		log.Printf("[RetryWorker] Completed: %d due, %d processed, %d rescheduled, %d failed",
			result.Due, result.Processed, result.Rescheduled, result.Failed)
	}
	span.SetAttributes(
		attribute.Int("payroll.retry.due", result.Due),
		attribute.Int("payroll.retry.processed", result.Processed),
		attribute.Int("payroll.retry.failed", result.Failed),
	)
	return result, nil
}

// retryPass is the outcome of re-running one department.
type retryPass struct {
	status    payroll.RetryStatus
	succeeded int
	errs      []payroll.UnitError
}

// processEntry claims and resolves one entry. It returns the entry's new
// status, or "" when the entry could not be claimed.
func (w *RetryWorker) processEntry(ctx context.Context, entry payroll.RetryEntry) payroll.RetryStatus {
	ctx, span := tracer.Start(ctx, "payroll.retry_entry", trace.WithAttributes(
		attribute.String("payroll.batch_id", entry.BatchID),
		attribute.String("payroll.department", entry.Department),
	))
	defer span.End()

	now := w.Clock()
	if entry.Status == payroll.RetryProcessing {
		log.Printf("[RetryWorker] Taking over stale claim %s/%s (attempt %d)", entry.BatchID, entry.Department, entry.Attempts)
	}
	claimed, err := w.Store.ClaimRetry(ctx, entry.ID, w.Config.MaxAttempts, now, now.Add(-w.Config.Lease))
	if err != nil {
		if !errors.Is(err, payroll.ErrRetryNotClaimable) {
			span.RecordError(err)
			log.Printf("[RetryWorker] Error claiming %s/%s: %v", entry.BatchID, entry.Department, err)
		}
		return ""
	}
	span.SetAttributes(attribute.Int("payroll.retry.attempt", claimed.Attempts))

	var pass retryPass
	err = w.Store.WithTx(ctx, func(q payroll.Queries) error {
		var err error
		pass, err = w.rerunDepartment(ctx, q, *claimed)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retry transaction")
		return w.releaseAfterError(ctx, *claimed, err)
	}

	log.Printf("[RetryWorker] %s/%s attempt %d: %s (%d paid, %d failed)",
		claimed.BatchID, claimed.Department, claimed.Attempts, pass.status, pass.succeeded, len(pass.errs))
	w.Audit.Append(ctx, "Retry processed", map[string]any{
		"batch_id":   claimed.BatchID,
		"department": claimed.Department,
		"attempt":    claimed.Attempts,
		"status":     pass.status,
		"succeeded":  pass.succeeded,
		"errors":     pass.errs,
	})

	w.Notifier.Broadcast(notify.Event{
		Type:    notify.EventRetryUpdate,
		BatchID: claimed.BatchID,
		Data: map[string]any{
			"department": claimed.Department,
			"success":    pass.succeeded,
			"failed":     len(pass.errs),
		},
	})

	if pass.status == payroll.RetryFailed {
		span.SetStatus(codes.Error, "retries exhausted")
		w.sendTerminal(ctx, *claimed, pass.errs)
	}
	return pass.status
}

// rerunDepartment pays the department's employees that still lack a
// PROCESSED record and resolves the item and entry. Runs inside the
// entry's transaction.
func (w *RetryWorker) rerunDepartment(ctx context.Context, q payroll.Queries, entry payroll.RetryEntry) (retryPass, error) {
	b, err := q.GetBatch(ctx, entry.BatchID)
	if err != nil {
		return retryPass{}, err
	}
	employees, err := q.ListEmployeesByDepartment(ctx, entry.Department)
	if err != nil {
		return retryPass{}, fmt.Errorf("failed to load employees: %w", err)
	}

	var pass retryPass
	for _, emp := range employees {
		outcome, _, err := payEmployee(ctx, q, w.Calculator, emp, b.Period, b.ID, true)
		if err != nil {
			pass.errs = append(pass.errs, payroll.UnitError{
				Department: entry.Department,
				EmployeeID: emp.ID,
				Error:      err.Error(),
			})
			continue
		}
		if outcome != paySkipped {
			pass.succeeded++
		}
	}

	now := w.Clock()
	switch {
	case len(pass.errs) == 0:
		pass.status = payroll.RetryProcessed
		if err := q.ResolveItem(ctx, entry.BatchID, entry.Department, payroll.ItemProcessed, "", now); err != nil {
			return retryPass{}, err
		}
		if err := q.FinishRetry(ctx, entry.ID, payroll.RetryProcessed, entry.ScheduledTime, "", now); err != nil {
			return retryPass{}, err
		}

	case entry.Exhausted(w.Config.MaxAttempts):
		pass.status = payroll.RetryFailed
		errText := payroll.EncodeUnitErrors(pass.errs)
		if err := q.ResolveItem(ctx, entry.BatchID, entry.Department, payroll.ItemFailed, errText, now); err != nil {
			return retryPass{}, err
		}
		if err := q.FinishRetry(ctx, entry.ID, payroll.RetryFailed, entry.ScheduledTime, errText, now); err != nil {
			return retryPass{}, err
		}

	default:
		pass.status = payroll.RetryPending
		errText := payroll.EncodeUnitErrors(pass.errs)
		if err := q.ResolveItem(ctx, entry.BatchID, entry.Department, payroll.ItemError, errText, now); err != nil {
			return retryPass{}, err
		}
		next := now.Add(w.RescheduleDelay(entry.Attempts))
		if err := q.FinishRetry(ctx, entry.ID, payroll.RetryPending, next, errText, now); err != nil {
			return retryPass{}, err
		}
	}
	return pass, nil
}

// releaseAfterError handles a rolled back entry transaction. The claimed
// attempt stays consumed.
func (w *RetryWorker) releaseAfterError(ctx context.Context, entry payroll.RetryEntry, cause error) payroll.RetryStatus {
	log.Printf("[RetryWorker] Error processing %s/%s: %v", entry.BatchID, entry.Department, cause)
	w.Audit.Append(ctx, "Retry failed", map[string]any{
		"batch_id":   entry.BatchID,
		"department": entry.Department,
		"attempt":    entry.Attempts,
		"error":      cause.Error(),
	})

	now := w.Clock()
	errs := []payroll.UnitError{{Department: entry.Department, Error: cause.Error()}}
	errText := payroll.EncodeUnitErrors(errs)

	status := payroll.RetryPending
	scheduled := now.Add(w.RescheduleDelay(entry.Attempts))
	if entry.Exhausted(w.Config.MaxAttempts) {
		status = payroll.RetryFailed
		scheduled = entry.ScheduledTime
	}

	err := w.Store.WithTx(ctx, func(q payroll.Queries) error {
		if status == payroll.RetryFailed {
			if err := q.ResolveItem(ctx, entry.BatchID, entry.Department, payroll.ItemFailed, errText, now); err != nil {
				log.Printf("[RetryWorker] Could not fail item %s/%s: %v", entry.BatchID, entry.Department, err)
			}
		}
		return q.FinishRetry(ctx, entry.ID, status, scheduled, errText, now)
	})
	if err != nil {
		log.Printf("[RetryWorker] Could not release %s/%s: %v", entry.BatchID, entry.Department, err)
		return ""
	}

	w.Notifier.Broadcast(notify.Event{
		Type:    notify.EventRetryUpdate,
		BatchID: entry.BatchID,
		Data: map[string]any{
			"department": entry.Department,
			"success":    0,
			"failed":     1,
		},
	})

	if status == payroll.RetryFailed {
		w.sendTerminal(ctx, entry, errs)
	}
	return status
}

func (w *RetryWorker) sendTerminal(ctx context.Context, entry payroll.RetryEntry, errs []payroll.UnitError) {
	subject, body := notify.TerminalFailureEmail(entry, errs)
	if err := w.Notifier.SendEmail(ctx, subject, body); err != nil {
		log.Printf("[RetryWorker] Terminal email for %s/%s failed: %v", entry.BatchID, entry.Department, err)
		w.Audit.Append(ctx, "Terminal failure email failed", map[string]any{
			"batch_id":   entry.BatchID,
			"department": entry.Department,
			"error":      err.Error(),
		})
	}
}

// RescheduleDelay is the wait before the next attempt after the given
// number of attempts: Backoff doubled per attempt, capped at MaxDelay.
func (w *RetryWorker) RescheduleDelay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     w.Config.Backoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         w.Config.MaxDelay,
	}
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
