/*
Package batch runs bulk payroll and its asynchronous retry pipeline.

PURPOSE:
  Three stateless orchestrators over the Ledger Store:
  - Processor:   One bulk run across departments and their employees
  - Scheduler:   Queues a batch's failed departments for a later pass
  - RetryWorker: Background loop that re-runs queued departments

FLOW:
  Processor.Run
      ├── CreateBatch (PROCESSING)
      ├── per department: START, PROGRESS per employee, COMPLETE
      │     └── per employee: own transaction, local retries
      ├── BatchItem ERROR for departments with failures
      ├── FinishBatch (COMPLETED | COMPLETED_WITH_ERRORS)
      └── summary email, BATCH_COMPLETE

  Scheduler.ScheduleRetries(batchID)
      └── one RetryEntry per ERROR item, deduped by (batch, department)

  RetryWorker cycle
      └── per due entry: claim, re-run department, resolve item and entry

ISOLATION:
  Every employee (bulk run) and every retry entry (worker) commits in its
  own transaction. A failing unit is recorded as data and never rolls back
  its siblings.

SEE ALSO:
  - payroll/store.go: Store contracts
  - notify/notifier.go: Events and emails
*/
package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/payroll-engine/payroll"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/warp/payroll-engine/batch")

// Auditor receives the operational trail. Append must not fail the caller.
type Auditor interface {
	Append(ctx context.Context, message string, data map[string]any)
}

// payOutcome is what happened to one employee.
type payOutcome int

const (
	paySkipped payOutcome = iota
	payInserted
	payRecomputed
)

// payEmployee writes the payroll record for one employee and period.
// An existing record is left alone unless recompute is set and the record
// is in ERROR. Must run inside a transaction.
func payEmployee(
	ctx context.Context,
	q payroll.Queries,
	calc payroll.Calculator,
	emp payroll.Employee,
	period payroll.Period,
	batchID string,
	recompute bool,
) (payOutcome, payroll.Money, error) {
	existing, err := q.GetRecord(ctx, emp.ID, period)
	if err != nil {
		return paySkipped, payroll.Money{}, err
	}
	if existing != nil && !(recompute && existing.NeedsRecompute()) {
		return paySkipped, payroll.Money{}, nil
	}

	b, err := calc.Compute(emp)
	if err != nil {
		return paySkipped, payroll.Money{}, fmt.Errorf("payroll calculation failed: %w", err)
	}

	rec := payroll.Record{
		EmployeeID: emp.ID,
		BatchID:    batchID,
		Period:     period,
		BaseSalary: b.Base,
		Additions:  b.Additions,
		Deductions: b.Deductions,
		NetSalary:  b.Net,
		Status:     payroll.RecordProcessed,
	}

	if existing != nil {
		rec.ID = existing.ID
		if err := q.UpdateRecord(ctx, rec); err != nil {
			return paySkipped, payroll.Money{}, err
		}
		return payRecomputed, b.Net, nil
	}

	if _, err := q.InsertRecord(ctx, rec); err != nil {
		if errors.Is(err, payroll.ErrDuplicatePayroll) {
			return paySkipped, payroll.Money{}, nil
		}
		return paySkipped, payroll.Money{}, err
	}
	return payInserted, b.Net, nil
}
