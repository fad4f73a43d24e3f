/*
store.go - Persistence contracts for the payroll engine

PURPOSE:
  Defines the interface between the batch engine and the database. The
  Ledger Store exclusively owns durable state; the processor, scheduler and
  retry worker are stateless orchestrators over it.

KEY INTERFACES:
  Queries: Every read and write, usable inside or outside a transaction
  Store:   Queries plus scoped transactions (WithTx)

TRANSACTIONS:
  WithTx() commits when fn returns nil and rolls back on error or panic.
  The underlying connection is released on every exit path. Units of work
  (one employee, one retry entry) each get their own transaction so a
  failing unit cannot roll back its siblings.

LOOKUPS:
  Get* methods for single rows return (nil, nil) when the row is missing,
  except GetBatch and GetEmployee which return ErrBatchNotFound and
  ErrEmployeeNotFound.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite via database/sql

SEE ALSO:
  - types.go: Entities
  - batch/processor.go: Main consumer
*/
package payroll

import (
	"context"
	"time"
)

// Queries is the full set of store operations.
type Queries interface {
	// Employees
	SaveEmployee(ctx context.Context, emp Employee) error
	GetEmployee(ctx context.Context, id string) (*Employee, error)
	ListEmployees(ctx context.Context) ([]Employee, error)
	// ListEmployeesByDepartment returns ACTIVE employees ordered by id.
	ListEmployeesByDepartment(ctx context.Context, department string) ([]Employee, error)
	ListDepartments(ctx context.Context) ([]string, error)

	// Payroll records
	GetRecord(ctx context.Context, employeeID string, period Period) (*Record, error)
	// InsertRecord returns ErrDuplicatePayroll on a (employee, month, year) clash.
	InsertRecord(ctx context.Context, rec Record) (int64, error)
	UpdateRecord(ctx context.Context, rec Record) error
	ListRecords(ctx context.Context, period Period) ([]Record, error)
	ListRecordsByBatch(ctx context.Context, batchID string) ([]Record, error)

	// Batches
	CreateBatch(ctx context.Context, b Batch) error
	GetBatch(ctx context.Context, id string) (*Batch, error)
	ListBatches(ctx context.Context, limit int) ([]Batch, error)
	MarkDepartmentProcessed(ctx context.Context, batchID string, at time.Time) error
	FinishBatch(ctx context.Context, batchID string, status BatchStatus, errorCount int, at time.Time) error

	// Batch items
	// SaveItem inserts or replaces the item for (batch, department).
	SaveItem(ctx context.Context, item BatchItem) error
	// ListItems filters by status; an empty status returns all items.
	ListItems(ctx context.Context, batchID string, status ItemStatus) ([]BatchItem, error)
	CountItems(ctx context.Context, batchID string) (ItemCounts, error)
	// ResolveItem sets the status, bumps retry_count and replaces the error
	// text when errText is non-empty.
	ResolveItem(ctx context.Context, batchID, department string, status ItemStatus, errText string, at time.Time) error

	// Retry queue
	// EnqueueRetry returns false when (batch, department) is already queued.
	EnqueueRetry(ctx context.Context, entry RetryEntry) (bool, error)
	// DueRetries also returns PROCESSING entries not touched since
	// staleBefore, whose claimer died or failed to release them.
	DueRetries(ctx context.Context, now, staleBefore time.Time, maxAttempts, limit int) ([]RetryEntry, error)
	// ClaimRetry moves a PENDING entry to PROCESSING and increments its
	// attempts, or takes over a stale PROCESSING entry with its attempts
	// unchanged. Returns ErrRetryNotClaimable otherwise.
	ClaimRetry(ctx context.Context, id int64, maxAttempts int, at, staleBefore time.Time) (*RetryEntry, error)
	FinishRetry(ctx context.Context, id int64, status RetryStatus, scheduled time.Time, lastError string, at time.Time) error
	ListRetries(ctx context.Context, batchID string) ([]RetryEntry, error)
}

// Store is the Ledger Store.
type Store interface {
	Queries

	// WithTx executes fn within a transaction.
	WithTx(ctx context.Context, fn func(q Queries) error) error
}
