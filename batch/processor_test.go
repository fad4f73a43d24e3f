/*
processor_test.go - Tests for the bulk payroll run

Tests for:
- Validation before any write
- Idempotent re-runs
- Employee and department failure isolation
- Progress event ordering
- Terminal status and error_count
- Summary email behaviour
- Finalization when the caller cancels mid-run
*/
package batch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/notify"
	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// VALIDATION
// =============================================================================

func TestRun_RejectsInvalidRequestsBeforeWriting(t *testing.T) {
	tests := []struct {
		name  string
		req   batch.Request
		field string
	}{
		{"month zero", batch.Request{Month: 0, Year: 2024, Departments: []string{"Eng"}}, "month"},
		{"month thirteen", batch.Request{Month: 13, Year: 2024, Departments: []string{"Eng"}}, "month"},
		{"year out of range", batch.Request{Month: 6, Year: 1850, Departments: []string{"Eng"}}, "year"},
		{"no departments", batch.Request{Month: 6, Year: 2024}, "departments"},
		{"blank department", batch.Request{Month: 6, Year: 2024, Departments: []string{"Eng", "  "}}, "departments"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			h := newHarness(t, store, nil)

			res, err := h.processor.Run(context.Background(), tt.req)

			assert.Nil(t, res)
			var vErr *payroll.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
			assert.True(t, payroll.IsClientError(err))

			batches, err := store.ListBatches(context.Background(), 10)
			require.NoError(t, err)
			assert.Empty(t, batches)
			assert.Empty(t, h.notifier.Events())
		})
	}
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestRun_AllDepartmentsSucceed(t *testing.T) {
	// GIVEN: Two departments with active employees and one inactive employee
	store := newStore(t)
	seed(t, store, map[string]int{"Engineering": 2, "HR": 1})
	require.NoError(t, store.SaveEmployee(context.Background(), payroll.Employee{
		ID: "HR-gone", Name: "Former", Department: "HR",
		BaseSalary: payroll.NewMoney(3000), Status: payroll.EmployeeInactive,
	}))
	h := newHarness(t, store, nil)

	// WHEN: Running payroll for June 2024
	res := h.run(t, "Engineering", "HR")

	// THEN: The batch completes cleanly
	assert.Equal(t, payroll.BatchCompleted, res.Status)
	assert.NotNil(t, res.Errors)
	assert.Empty(t, res.Errors)

	b, err := store.GetBatch(context.Background(), res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, payroll.BatchCompleted, b.Status)
	assert.Equal(t, 2, b.TotalDepartments)
	assert.Equal(t, 2, b.ProcessedDepartments)
	assert.Equal(t, 0, b.ErrorCount)
	assert.Equal(t, "hr-admin", b.CreatedBy)
	require.NotNil(t, b.EndTime)

	// AND: Only active employees were paid, tagged with the batch
	records, err := store.ListRecordsByBatch(context.Background(), res.BatchID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, payroll.RecordProcessed, r.Status)
		assert.Equal(t, "1350.28", payroll.FormatMoney(r.NetSalary))
	}

	// AND: No batch items, one summary email naming the batch
	items, err := store.ListItems(context.Background(), res.BatchID, "")
	require.NoError(t, err)
	assert.Empty(t, items)

	emails := h.notifier.Emails()
	require.Len(t, emails, 1)
	assert.Contains(t, emails[0].Subject, res.BatchID)
	assert.Contains(t, emails[0].Body, "Records:       3")
}

func TestRun_DefaultRequesterAndDuplicateDepartments(t *testing.T) {
	store := newStore(t)
	seed(t, store, map[string]int{"Engineering": 1})
	h := newHarness(t, store, nil)

	res, err := h.processor.Run(context.Background(), batch.Request{
		Month: 6, Year: 2024, Departments: []string{"Engineering", " Engineering "},
	})
	require.NoError(t, err)

	b, err := store.GetBatch(context.Background(), res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, batch.DefaultRequester, b.CreatedBy)
	assert.Equal(t, 1, b.TotalDepartments)
}

func TestRun_IsIdempotent(t *testing.T) {
	// GIVEN: A completed run
	store := newStore(t)
	seed(t, store, map[string]int{"Engineering": 2, "HR": 1})
	h := newHarness(t, store, nil)
	first := h.run(t, "Engineering", "HR")

	// WHEN: Running the same period again
	second := h.run(t, "Engineering", "HR")

	// THEN: Still exactly one record per employee, all from the first run
	assert.Equal(t, payroll.BatchCompleted, second.Status)
	assert.Empty(t, second.Errors)

	records, err := store.ListRecords(context.Background(), june2024)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, first.BatchID, r.BatchID)
	}

	again, err := store.ListRecordsByBatch(context.Background(), second.BatchID)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Equal(t, 1, h.calc.Calls("Engineering-1"))
}

func TestRun_LocalRetryRecoversTransientFailure(t *testing.T) {
	// GIVEN: An employee whose calculation fails once
	store := newStore(t)
	seed(t, store, map[string]int{"Engineering": 1})
	h := newHarness(t, store, map[string]int{"Engineering-1": 1})

	// WHEN: Running payroll
	res := h.run(t, "Engineering")

	// THEN: The inline retry succeeds and no error is recorded
	assert.Equal(t, payroll.BatchCompleted, res.Status)
	assert.Equal(t, 2, h.calc.Calls("Engineering-1"))
}

// =============================================================================
// ISOLATION
// =============================================================================

func TestRun_EmployeeFailureIsIsolated(t *testing.T) {
	// GIVEN: Engineering-2 fails on every try
	store := newStore(t)
	seed(t, store, map[string]int{"Engineering": 3, "HR": 1})
	h := newHarness(t, store, map[string]int{"Engineering-2": -1})

	// WHEN: Running payroll
	res := h.run(t, "Engineering", "HR")

	// THEN: Exactly one error naming the employee
	assert.Equal(t, payroll.BatchCompletedWithErrors, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, payroll.UnitError{Department: "Engineering", EmployeeID: "Engineering-2", Error: "payroll calculation failed: calculator unavailable"}, res.Errors[0])

	// AND: Local retries were exhausted (retries + 1 tries)
	assert.Equal(t, 3, h.calc.Calls("Engineering-2"))

	// AND: Siblings and the other department were paid
	records, err := store.ListRecordsByBatch(context.Background(), res.BatchID)
	require.NoError(t, err)
	assert.Len(t, records, 3)

	// AND: Both departments count as processed; Engineering is queued as an item
	b, err := store.GetBatch(context.Background(), res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 2, b.ProcessedDepartments)
	assert.Equal(t, 1, b.ErrorCount)

	items, err := store.ListItems(context.Background(), res.BatchID, payroll.ItemError)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Engineering", items[0].Department)
	assert.Contains(t, items[0].Error, "Engineering-2")

	emails := h.notifier.Emails()
	require.Len(t, emails, 1)
	assert.Contains(t, emails[0].Body, `"employeeId": "Engineering-2"`)
}

func TestRun_DepartmentAbortIsIsolated(t *testing.T) {
	// GIVEN: Finance cannot list its employees
	base := newStore(t)
	seed(t, base, map[string]int{"Finance": 1, "HR": 2})
	h := newHarness(t, brokenDepartmentStore{Store: base, department: "Finance"}, nil)

	// WHEN: Running payroll
	res := h.run(t, "Finance", "HR")

	// THEN: One department-level error, HR paid
	assert.Equal(t, payroll.BatchCompletedWithErrors, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "Finance", res.Errors[0].Department)
	assert.Empty(t, res.Errors[0].EmployeeID)

	b, err := base.GetBatch(context.Background(), res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 1, b.ProcessedDepartments)
	assert.Equal(t, 1, b.ErrorCount)

	items, err := base.ListItems(context.Background(), res.BatchID, payroll.ItemError)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Finance", items[0].Department)

	records, err := base.ListRecordsByBatch(context.Background(), res.BatchID)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	assert.Contains(t, h.audit.Messages(), "Department aborted")
}

func TestRun_EmailFailureDoesNotFailRun(t *testing.T) {
	store := newStore(t)
	seed(t, store, map[string]int{"HR": 1})
	h := newHarness(t, store, nil)
	h.notifier.emailErr = errors.New("smtp down")

	res := h.run(t, "HR")

	assert.Equal(t, payroll.BatchCompleted, res.Status)
	assert.Contains(t, h.audit.Messages(), "Summary email failed")
	assert.Len(t, h.notifier.EventsOfType(notify.EventBatchComplete), 1)
}

func TestRun_CancelledMidRunStillFinalizes(t *testing.T) {
	// GIVEN: The caller goes away once the first department completes
	store := newStore(t)
	seed(t, store, map[string]int{"Engineering": 2, "HR": 1})
	h := newHarness(t, store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifier := &cancellingNotifier{recordingNotifier: h.notifier, cancel: cancel}
	h.processor.Notifier = notifier

	// WHEN: Running payroll for both departments
	res, err := h.processor.Run(ctx, batch.Request{
		Month:       june2024.Month,
		Year:        june2024.Year,
		Departments: []string{"Engineering", "HR"},
	})

	// THEN: The batch is finalized with HR left for a retry
	require.NoError(t, err)
	assert.Equal(t, payroll.BatchCompletedWithErrors, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "HR", res.Errors[0].Department)
	assert.Contains(t, res.Errors[0].Error, "cancelled")

	b, err := store.GetBatch(context.Background(), res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, payroll.BatchCompletedWithErrors, b.Status)
	assert.Equal(t, 1, b.ProcessedDepartments)
	assert.Equal(t, 1, b.ErrorCount)
	assert.NotNil(t, b.EndTime)

	items, err := store.ListItems(context.Background(), res.BatchID, payroll.ItemError)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "HR", items[0].Department)

	assert.Len(t, h.notifier.EventsOfType(notify.EventBatchComplete), 1)
	assert.Len(t, h.notifier.Emails(), 1)
	assert.Contains(t, h.audit.Messages(), "Bulk payroll finished")

	// AND: The skipped department is paid by the retry worker
	_, err = h.scheduler.ScheduleRetries(context.Background(), res.BatchID)
	require.NoError(t, err)
	h.clock.Advance(5 * time.Minute)
	cycle, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, batch.CycleResult{Due: 1, Processed: 1}, cycle)

	records, err := store.ListRecordsByBatch(context.Background(), res.BatchID)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

// =============================================================================
// PROGRESS EVENTS
// =============================================================================

func TestRun_ProgressEventsAreOrdered(t *testing.T) {
	// GIVEN: Departments A (2 employees) and B (1 employee)
	store := newStore(t)
	seed(t, store, map[string]int{"A": 2, "B": 1})
	h := newHarness(t, store, nil)

	// WHEN: Running sequentially
	res := h.run(t, "A", "B")

	// THEN: START, PROGRESS*, COMPLETE per department, then BATCH_COMPLETE
	type step struct {
		Type notify.EventType
		Dept any
	}
	var got []step
	for _, ev := range h.notifier.Events() {
		assert.Equal(t, res.BatchID, ev.BatchID)
		got = append(got, step{ev.Type, ev.Data["department"]})
	}
	assert.Equal(t, []step{
		{notify.EventDepartmentStart, "A"},
		{notify.EventProgress, "A"},
		{notify.EventProgress, "A"},
		{notify.EventDepartmentComplete, "A"},
		{notify.EventDepartmentStart, "B"},
		{notify.EventProgress, "B"},
		{notify.EventDepartmentComplete, "B"},
		{notify.EventBatchComplete, nil},
	}, got)

	progress := h.notifier.EventsOfType(notify.EventProgress)
	assert.Equal(t, 1, progress[0].Data["processed"])
	assert.Equal(t, 2, progress[1].Data["processed"])
	assert.Equal(t, 2, progress[1].Data["total"])

	done := h.notifier.EventsOfType(notify.EventBatchComplete)[0]
	assert.Equal(t, payroll.BatchCompleted, done.Data["status"])
	assert.Equal(t, 0, done.Data["errors"])
}

func TestRun_ParallelDepartmentsKeepPerDepartmentOrder(t *testing.T) {
	store := newStore(t)
	seed(t, store, map[string]int{"A": 3, "B": 2, "C": 4, "D": 1})
	h := newHarness(t, store, map[string]int{"C-2": -1})
	h.processor.Config.Workers = 3

	res := h.run(t, "A", "B", "C", "D")

	assert.Equal(t, payroll.BatchCompletedWithErrors, res.Status)
	require.Len(t, res.Errors, 1)

	b, err := store.GetBatch(context.Background(), res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 4, b.ProcessedDepartments)

	// Each department's own sequence is START, PROGRESS*, COMPLETE.
	phase := map[any]notify.EventType{}
	for _, ev := range h.notifier.Events() {
		if ev.Type == notify.EventBatchComplete {
			continue
		}
		dept := ev.Data["department"]
		switch ev.Type {
		case notify.EventDepartmentStart:
			assert.Empty(t, phase[dept], "department %v started twice", dept)
		case notify.EventProgress:
			assert.Contains(t, []notify.EventType{notify.EventDepartmentStart, notify.EventProgress}, phase[dept])
		case notify.EventDepartmentComplete:
			assert.NotEqual(t, notify.EventDepartmentComplete, phase[dept])
		}
		phase[dept] = ev.Type
	}
	for _, dept := range []string{"A", "B", "C", "D"} {
		assert.Equal(t, notify.EventDepartmentComplete, phase[dept], dept)
	}
}
