/*
Package payroll provides the domain model for bulk payroll processing.

PURPOSE:
  Holds the types shared by the batch engine, the store and the API:
  employees, payroll records, batches, batch items and retry queue entries,
  plus the statuses that drive their state machines.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal amounts, always rounded to cents when persisted
  - Period: the (month, year) a payroll run pays for
  - Batch / BatchItem: one bulk run and its per-department failures
  - RetryEntry: a scheduled re-attempt of a failed department

STATE MACHINES:
  Batch:      PROCESSING -> COMPLETED | COMPLETED_WITH_ERRORS
  BatchItem:  ERROR -> PROCESSED | FAILED
  RetryEntry: PENDING -> PROCESSING -> PROCESSED | FAILED | PENDING

SEE ALSO:
  - store.go: Persistence contracts
  - errors.go: Sentinel and structured errors
  - calculator.go: Payroll calculation collaborator
*/
package payroll

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Money is a currency amount. Stored with two decimal places.
type Money = decimal.Decimal

// NewMoney returns a Money value from a float, rounded to cents.
func NewMoney(value float64) Money {
	return decimal.NewFromFloat(value).Round(2)
}

// ParseMoney parses a persisted amount. Invalid input yields zero.
func ParseMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// FormatMoney renders an amount the way it is persisted.
func FormatMoney(m Money) string {
	return m.StringFixed(2)
}

// =============================================================================
// PERIOD
// =============================================================================

const (
	MinYear = 2000
	MaxYear = 2100
)

// Period identifies the month a payroll run pays for.
type Period struct {
	Month int
	Year  int
}

// Validate checks that the period is a plausible calendar month.
func (p Period) Validate() error {
	if p.Month < 1 || p.Month > 12 {
		return &ValidationError{Field: "month", Message: fmt.Sprintf("must be between 1 and 12, got %d", p.Month)}
	}
	if p.Year < MinYear || p.Year > MaxYear {
		return &ValidationError{Field: "year", Message: fmt.Sprintf("must be between %d and %d, got %d", MinYear, MaxYear, p.Year)}
	}
	return nil
}

func (p Period) String() string {
	return fmt.Sprintf("%02d/%d", p.Month, p.Year)
}

// =============================================================================
// EMPLOYEE
// =============================================================================

type EmployeeStatus string

const (
	EmployeeActive   EmployeeStatus = "ACTIVE"
	EmployeeInactive EmployeeStatus = "INACTIVE"
)

// Employee is owned by the HR side of the application. The batch engine
// only reads it.
type Employee struct {
	ID         string
	Name       string
	Email      string
	Department string
	BaseSalary Money
	Status     EmployeeStatus
	HireDate   time.Time
	CreatedAt  time.Time
}

// =============================================================================
// PAYROLL RECORD
// =============================================================================

type RecordStatus string

const (
	RecordPending   RecordStatus = "PENDING"
	RecordProcessed RecordStatus = "PROCESSED"
	RecordError     RecordStatus = "ERROR"
	RecordPaid      RecordStatus = "PAID"
)

// Record is one payroll row per (employee, month, year).
type Record struct {
	ID         int64
	EmployeeID string
	BatchID    string
	Period     Period
	BaseSalary Money
	Additions  Money
	Deductions Money
	NetSalary  Money
	Status     RecordStatus
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NeedsRecompute reports whether a retry should recalculate this record.
func (r Record) NeedsRecompute() bool {
	return r.Status == RecordError
}

// =============================================================================
// BATCH
// =============================================================================

type BatchStatus string

const (
	BatchProcessing          BatchStatus = "PROCESSING"
	BatchCompleted           BatchStatus = "COMPLETED"
	BatchCompletedWithErrors BatchStatus = "COMPLETED_WITH_ERRORS"
)

// FinalStatus picks the terminal batch status for an error count.
func FinalStatus(errorCount int) BatchStatus {
	if errorCount > 0 {
		return BatchCompletedWithErrors
	}
	return BatchCompleted
}

// Batch is one bulk payroll run.
type Batch struct {
	ID                   string
	Status               BatchStatus
	Period               Period
	TotalDepartments     int
	ProcessedDepartments int
	ErrorCount           int
	CreatedBy            string
	StartTime            time.Time
	EndTime              *time.Time
	LastProcessedTime    *time.Time
}

type ItemStatus string

const (
	ItemError     ItemStatus = "ERROR"
	ItemProcessed ItemStatus = "PROCESSED"
	ItemFailed    ItemStatus = "FAILED"
)

// BatchItem records a department that needs another pass: one that could
// not be run at all, or one that ran but had employee-level failures. The
// latter still counts towards the batch's processed departments.
// Departments where every employee was paid have no item.
type BatchItem struct {
	ID         int64
	BatchID    string
	Department string
	Status     ItemStatus
	Error      string
	RetryCount int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ItemCounts summarises the items of a batch by status.
type ItemCounts struct {
	Total     int
	Processed int
	Errors    int
	Failed    int
}

// =============================================================================
// RETRY QUEUE
// =============================================================================

type RetryStatus string

const (
	RetryPending    RetryStatus = "PENDING"
	RetryProcessing RetryStatus = "PROCESSING"
	RetryProcessed  RetryStatus = "PROCESSED"
	RetryFailed     RetryStatus = "FAILED"
)

// RetryEntry is a scheduled re-attempt of one failed department.
// INVARIANT: Status == RetryPending implies Attempts < max attempts.
type RetryEntry struct {
	ID            int64
	BatchID       string
	Department    string
	OriginalError string
	ScheduledTime time.Time
	Attempts      int
	Status        RetryStatus
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Exhausted reports whether the entry has used its attempt budget.
func (e RetryEntry) Exhausted(maxAttempts int) bool {
	return e.Attempts >= maxAttempts
}
