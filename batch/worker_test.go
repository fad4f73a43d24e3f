/*
worker_test.go - Tests for retry scheduling and the retry worker

Tests for:
- ScheduleRetries dedupe and unknown batches
- Due selection honours the scheduled delay
- End-to-end recovery of a failed employee
- Attempt bounding with a single terminal email
- Rolled back entries are rescheduled without blocking the rest of a cycle
- Stale claims are taken over by a later cycle
- Non-reentrant cycles and Start/Stop lifecycle
*/
package batch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/notify"
	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// SCHEDULER
// =============================================================================

func TestScheduleRetries_UnknownBatch(t *testing.T) {
	h := newHarness(t, newStore(t), nil)
	_, err := h.scheduler.ScheduleRetries(context.Background(), "missing")
	assert.ErrorIs(t, err, payroll.ErrBatchNotFound)
	assert.True(t, payroll.IsNotFound(err))
}

func TestScheduleRetries_IsDeduplicated(t *testing.T) {
	// GIVEN: A batch with one ERROR item
	store := newStore(t)
	seed(t, store, map[string]int{"Engineering": 2, "HR": 1})
	h := newHarness(t, store, map[string]int{"Engineering-2": -1})
	res := h.run(t, "Engineering", "HR")

	// WHEN: Scheduling twice
	first, err := h.scheduler.ScheduleRetries(context.Background(), res.BatchID)
	require.NoError(t, err)
	second, err := h.scheduler.ScheduleRetries(context.Background(), res.BatchID)
	require.NoError(t, err)

	// THEN: One entry, five minutes out
	assert.Equal(t, 1, first.ItemCount)
	assert.Equal(t, 0, second.ItemCount)

	entries, err := store.ListRetries(context.Background(), res.BatchID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Engineering", entries[0].Department)
	assert.Equal(t, 0, entries[0].Attempts)
	assert.Equal(t, payroll.RetryPending, entries[0].Status)
	assert.True(t, entries[0].ScheduledTime.Equal(h.clock.Now().Add(5*time.Minute)))
	assert.Contains(t, entries[0].OriginalError, "Engineering-2")

	scheduled := h.notifier.EventsOfType(notify.EventRetryScheduled)
	require.Len(t, scheduled, 2)
	require.NotNil(t, scheduled[0].ItemCount)
	assert.Equal(t, 1, *scheduled[0].ItemCount)
}

// =============================================================================
// END TO END
// =============================================================================

func TestRetry_RecoversFailedEmployee(t *testing.T) {
	// GIVEN: Engineering has 2 employees, Engineering-2 fails for every
	// local try of the bulk run and then recovers. HR has 1 employee.
	store := newStore(t)
	seed(t, store, map[string]int{"Engineering": 2, "HR": 1})
	h := newHarness(t, store, map[string]int{"Engineering-2": 3})
	ctx := context.Background()

	// WHEN: Running payroll for June 2024
	res := h.run(t, "Engineering", "HR")

	// THEN: The run completes with one error and two records
	assert.Equal(t, payroll.BatchCompletedWithErrors, res.Status)
	b, err := store.GetBatch(ctx, res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 1, b.ErrorCount)

	records, err := store.ListRecords(ctx, june2024)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	items, err := store.ListItems(ctx, res.BatchID, "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Engineering", items[0].Department)
	assert.Equal(t, payroll.ItemError, items[0].Status)

	// WHEN: Scheduling retries and running a cycle before the delay
	sched, err := h.scheduler.ScheduleRetries(ctx, res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 1, sched.ItemCount)

	early, err := h.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, early.Due)

	// AND: Running a cycle after the delay
	h.clock.Advance(6 * time.Minute)
	cycle, err := h.worker.RunOnce(ctx)
	require.NoError(t, err)

	// THEN: The item is resolved and the third record exists
	assert.Equal(t, batch.CycleResult{Due: 1, Processed: 1}, cycle)

	items, err = store.ListItems(ctx, res.BatchID, "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, payroll.ItemProcessed, items[0].Status)
	assert.Equal(t, 1, items[0].RetryCount)

	records, err = store.ListRecords(ctx, june2024)
	require.NoError(t, err)
	assert.Len(t, records, 3)

	rec, err := store.GetRecord(ctx, "Engineering-2", june2024)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, payroll.RecordProcessed, rec.Status)
	assert.Equal(t, res.BatchID, rec.BatchID)

	entries, err := store.ListRetries(ctx, res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, payroll.RetryProcessed, entries[0].Status)
	assert.Equal(t, 1, entries[0].Attempts)

	updates := h.notifier.EventsOfType(notify.EventRetryUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, "Engineering", updates[0].Data["department"])
	assert.Equal(t, 1, updates[0].Data["success"])
	assert.Equal(t, 0, updates[0].Data["failed"])

	// AND: Only the bulk run summary was emailed
	assert.Len(t, h.notifier.Emails(), 1)
}

func TestRetry_RecoversAbortedDepartment(t *testing.T) {
	// GIVEN: Finance could not be listed during the bulk run
	base := newStore(t)
	seed(t, base, map[string]int{"Finance": 2})
	h := newHarness(t, brokenDepartmentStore{Store: base, department: "Finance"}, nil)
	res := h.run(t, "Finance")
	require.Equal(t, payroll.BatchCompletedWithErrors, res.Status)

	// WHEN: The worker retries against the healthy store
	h.worker.Store = base
	_, err := h.scheduler.ScheduleRetries(context.Background(), res.BatchID)
	require.NoError(t, err)
	h.clock.Advance(5 * time.Minute)
	cycle, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)

	// THEN: Both employees are paid under the original batch
	assert.Equal(t, 1, cycle.Processed)
	records, err := base.ListRecordsByBatch(context.Background(), res.BatchID)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

// =============================================================================
// BOUNDING
// =============================================================================

func TestRetry_ExhaustsAfterMaxAttempts(t *testing.T) {
	// GIVEN: An employee that never recovers
	store := newStore(t)
	seed(t, store, map[string]int{"Engineering": 2})
	h := newHarness(t, store, map[string]int{"Engineering-1": -1})
	ctx := context.Background()

	res := h.run(t, "Engineering")
	_, err := h.scheduler.ScheduleRetries(ctx, res.BatchID)
	require.NoError(t, err)

	// WHEN: Running many cycles, each past the reschedule delay
	var results []batch.CycleResult
	for i := 0; i < 6; i++ {
		h.clock.Advance(2 * time.Hour)
		cycle, err := h.worker.RunOnce(ctx)
		require.NoError(t, err)
		results = append(results, cycle)
	}

	// THEN: Two reschedules, one terminal failure, then nothing
	assert.Equal(t, batch.CycleResult{Due: 1, Rescheduled: 1}, results[0])
	assert.Equal(t, batch.CycleResult{Due: 1, Rescheduled: 1}, results[1])
	assert.Equal(t, batch.CycleResult{Due: 1, Failed: 1}, results[2])
	for _, r := range results[3:] {
		assert.Equal(t, batch.CycleResult{}, r)
	}

	entries, err := store.ListRetries(ctx, res.BatchID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, payroll.RetryFailed, entries[0].Status)
	assert.Equal(t, 3, entries[0].Attempts)
	assert.Contains(t, entries[0].LastError, "Engineering-1")

	items, err := store.ListItems(ctx, res.BatchID, "")
	require.NoError(t, err)
	assert.Equal(t, payroll.ItemFailed, items[0].Status)
	assert.Equal(t, 3, items[0].RetryCount)
	assert.Contains(t, items[0].Error, "calculator unavailable")

	// AND: Exactly one terminal email besides the run summary
	var terminal []sentEmail
	for _, e := range h.notifier.Emails() {
		if e.Subject == "Payroll retry failed: batch "+res.BatchID+", department Engineering" {
			terminal = append(terminal, e)
		}
	}
	require.Len(t, terminal, 1)
	assert.Contains(t, terminal[0].Body, "Engineering-1")

	// AND: The calculator ran once per attempt after the bulk run's tries
	assert.Equal(t, 3+3, h.calc.Calls("Engineering-1"))
}

func TestRetry_RolledBackEntryDoesNotBlockOthers(t *testing.T) {
	// GIVEN: Engineering and HR both failed during the bulk run, and HR's
	// retry transaction always rolls back
	base := newStore(t)
	seed(t, base, map[string]int{"Engineering": 1, "HR": 1})
	h := newHarness(t, base, map[string]int{"Engineering-1": 3, "HR-1": 3})
	ctx := context.Background()

	res := h.run(t, "Engineering", "HR")
	require.Len(t, res.Errors, 2)
	sched, err := h.scheduler.ScheduleRetries(ctx, res.BatchID)
	require.NoError(t, err)
	require.Equal(t, 2, sched.ItemCount)
	h.worker.Store = txFailStore{Store: base, department: "HR"}

	// WHEN: Running the first cycle
	h.clock.Advance(5 * time.Minute)
	cycle, err := h.worker.RunOnce(ctx)
	require.NoError(t, err)

	// THEN: Engineering is resolved and HR is rescheduled
	assert.Equal(t, batch.CycleResult{Due: 2, Processed: 1, Rescheduled: 1}, cycle)

	entries, err := base.ListRetries(ctx, res.BatchID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	byDept := map[string]payroll.RetryEntry{}
	for _, e := range entries {
		byDept[e.Department] = e
	}
	assert.Equal(t, payroll.RetryProcessed, byDept["Engineering"].Status)
	assert.Equal(t, payroll.RetryPending, byDept["HR"].Status)
	assert.Equal(t, 1, byDept["HR"].Attempts)
	assert.Contains(t, byDept["HR"].LastError, "department lock timeout")
	assert.True(t, byDept["HR"].ScheduledTime.Equal(h.clock.Now().Add(5*time.Minute)))

	items, err := base.ListItems(ctx, res.BatchID, payroll.ItemError)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "HR", items[0].Department)
	assert.Contains(t, h.audit.Messages(), "Retry failed")

	// WHEN: Running until HR's attempts are spent
	var results []batch.CycleResult
	for i := 0; i < 3; i++ {
		h.clock.Advance(2 * time.Hour)
		cycle, err := h.worker.RunOnce(ctx)
		require.NoError(t, err)
		results = append(results, cycle)
	}

	// THEN: One more reschedule, then FAILED, then nothing
	assert.Equal(t, batch.CycleResult{Due: 1, Rescheduled: 1}, results[0])
	assert.Equal(t, batch.CycleResult{Due: 1, Failed: 1}, results[1])
	assert.Equal(t, batch.CycleResult{}, results[2])

	entries, err = base.ListRetries(ctx, res.BatchID)
	require.NoError(t, err)
	for _, e := range entries {
		if e.Department == "HR" {
			assert.Equal(t, payroll.RetryFailed, e.Status)
			assert.Equal(t, 3, e.Attempts)
		}
	}

	items, err = base.ListItems(ctx, res.BatchID, payroll.ItemFailed)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "HR", items[0].Department)

	// AND: Exactly one terminal email, for HR
	var terminal []sentEmail
	for _, e := range h.notifier.Emails() {
		if e.Subject == "Payroll retry failed: batch "+res.BatchID+", department HR" {
			terminal = append(terminal, e)
		}
	}
	assert.Len(t, terminal, 1)
	assert.Len(t, h.notifier.Emails(), 2)
}

func TestRetry_StaleClaimIsTakenOver(t *testing.T) {
	// GIVEN: A due entry claimed by a cycle that never finished
	store := newStore(t)
	seed(t, store, map[string]int{"Engineering": 2})
	h := newHarness(t, store, map[string]int{"Engineering-2": 3})
	ctx := context.Background()

	res := h.run(t, "Engineering")
	_, err := h.scheduler.ScheduleRetries(ctx, res.BatchID)
	require.NoError(t, err)
	h.clock.Advance(5 * time.Minute)

	entries, err := store.ListRetries(ctx, res.BatchID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	_, err = store.ClaimRetry(ctx, entries[0].ID, 3, h.clock.Now(), h.clock.Now().Add(-h.worker.Config.Lease))
	require.NoError(t, err)

	// WHEN: Cycling before the lease runs out
	h.clock.Advance(10 * time.Minute)
	early, err := h.worker.RunOnce(ctx)
	require.NoError(t, err)

	// THEN: The claim is left alone
	assert.Equal(t, batch.CycleResult{}, early)

	// WHEN: Cycling after the lease runs out
	h.clock.Advance(10 * time.Minute)
	cycle, err := h.worker.RunOnce(ctx)
	require.NoError(t, err)

	// THEN: The entry is taken over and resolved without another attempt
	assert.Equal(t, batch.CycleResult{Due: 1, Processed: 1}, cycle)

	entries, err = store.ListRetries(ctx, res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, payroll.RetryProcessed, entries[0].Status)
	assert.Equal(t, 1, entries[0].Attempts)

	items, err := store.ListItems(ctx, res.BatchID, "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, payroll.ItemProcessed, items[0].Status)
}

func TestRetry_RescheduleWaitsForBackoff(t *testing.T) {
	store := newStore(t)
	seed(t, store, map[string]int{"Engineering": 1})
	h := newHarness(t, store, map[string]int{"Engineering-1": -1})
	ctx := context.Background()

	res := h.run(t, "Engineering")
	_, err := h.scheduler.ScheduleRetries(ctx, res.BatchID)
	require.NoError(t, err)

	h.clock.Advance(5 * time.Minute)
	cycle, err := h.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, cycle.Rescheduled)

	entries, err := store.ListRetries(ctx, res.BatchID)
	require.NoError(t, err)
	assert.True(t, entries[0].ScheduledTime.Equal(h.clock.Now().Add(5*time.Minute)))

	h.clock.Advance(4 * time.Minute)
	cycle, err = h.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, cycle.Due)
}

func TestRescheduleDelay_DoublesUpToCap(t *testing.T) {
	w := batch.NewRetryWorker(nil, nil, notify.Discard{}, nil, batch.WorkerConfig{
		Backoff:  5 * time.Minute,
		MaxDelay: 15 * time.Minute,
	})

	assert.Equal(t, 5*time.Minute, w.RescheduleDelay(1))
	assert.Equal(t, 10*time.Minute, w.RescheduleDelay(2))
	assert.Equal(t, 15*time.Minute, w.RescheduleDelay(3))
	assert.Equal(t, 15*time.Minute, w.RescheduleDelay(7))
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// blockingCalculator parks every Compute call until released.
type blockingCalculator struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *blockingCalculator) Compute(emp payroll.Employee) (payroll.Breakdown, error) {
	c.once.Do(func() { close(c.entered) })
	<-c.release
	return payroll.NewStandardCalculator().Compute(emp)
}

func TestRunOnce_SkipsWhenCycleInProgress(t *testing.T) {
	// GIVEN: A due entry whose processing blocks
	store := newStore(t)
	seed(t, store, map[string]int{"Engineering": 1})
	h := newHarness(t, store, map[string]int{"Engineering-1": -1})
	ctx := context.Background()
	res := h.run(t, "Engineering")
	_, err := h.scheduler.ScheduleRetries(ctx, res.BatchID)
	require.NoError(t, err)
	h.clock.Advance(10 * time.Minute)

	calc := &blockingCalculator{entered: make(chan struct{}), release: make(chan struct{})}
	h.worker.Calculator = calc

	done := make(chan batch.CycleResult)
	go func() {
		r, _ := h.worker.RunOnce(ctx)
		done <- r
	}()
	<-calc.entered

	// WHEN: A second cycle is triggered
	second, err := h.worker.RunOnce(ctx)

	// THEN: It is skipped
	require.NoError(t, err)
	assert.True(t, second.Skipped)

	close(calc.release)
	first := <-done
	assert.Equal(t, 1, first.Processed)
}

func TestWorker_StartRunsImmediatelyAndStops(t *testing.T) {
	store := newStore(t)
	seed(t, store, map[string]int{"Engineering": 1})
	h := newHarness(t, store, map[string]int{"Engineering-1": 3})
	ctx := context.Background()
	res := h.run(t, "Engineering")
	_, err := h.scheduler.ScheduleRetries(ctx, res.BatchID)
	require.NoError(t, err)
	h.clock.Advance(5 * time.Minute)

	h.worker.Start(ctx)
	h.worker.Start(ctx)

	require.Eventually(t, func() bool {
		items, err := store.ListItems(ctx, res.BatchID, payroll.ItemProcessed)
		return err == nil && len(items) == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.worker.Stop()
	h.worker.Stop()
}
