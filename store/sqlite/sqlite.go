/*
Package sqlite provides a SQLite-backed implementation of payroll.Store.

PURPOSE:
  Implements the Ledger Store: employees, payroll records, batch headers,
  batch items and the retry queue. In production the same statements run on
  PostgreSQL with minor dialect differences.

KEY TABLES:
  employees:           HR-owned employee records (read-only to batches)
  payroll:             One row per (employee, month, year)
  payroll_batches:     One row per bulk run
  payroll_batch_items: Departments that need another pass
  retry_queue:         Scheduled re-attempts of failed departments

INDEXES:
  - idx_payroll_employee_period: Enforces one record per employee/period
  - idx_retry_queue_due: Worker poll (status, scheduled_time)
  - UNIQUE(batch_id, department) on items and retry_queue: dedupe

CONNECTIONS:
  The pool is capped at a single connection. SQLite has one writer anyway,
  and ":memory:" databases are per-connection. Code running inside WithTx
  must use the Queries it is handed, never the Store itself.

TIMESTAMPS:
  Stored as fixed-width UTC strings (timeLayout) so comparisons such as
  scheduled_time <= ? are chronological.

USAGE:
  store, err := sqlite.New("./data/payroll.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - payroll/store.go: Interface definitions
  - batch/processor.go: Main consumer
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/payroll-engine/payroll"
)

const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Store implements payroll.Store using SQLite.
type Store struct {
	*queries
	db *sql.DB
}

var _ payroll.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: &queries{db: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		department TEXT NOT NULL,
		base_salary TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		hire_date TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_employees_department
		ON employees(department, status);

	CREATE TABLE IF NOT EXISTS payroll_batches (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		month INTEGER NOT NULL,
		year INTEGER NOT NULL,
		total_departments INTEGER NOT NULL,
		processed_departments INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		created_by TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT,
		last_processed_time TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_payroll_batches_start
		ON payroll_batches(start_time DESC);

	-- One record per employee and period. Bulk runs rely on this for
	-- idempotent re-runs.
	CREATE TABLE IF NOT EXISTS payroll (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		employee_id TEXT NOT NULL REFERENCES employees(id),
		batch_id TEXT,
		month INTEGER NOT NULL,
		year INTEGER NOT NULL,
		base_salary TEXT NOT NULL,
		additions TEXT NOT NULL,
		deductions TEXT NOT NULL,
		net_salary TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_payroll_employee_period
		ON payroll(employee_id, month, year);
	CREATE INDEX IF NOT EXISTS idx_payroll_batch
		ON payroll(batch_id) WHERE batch_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_payroll_period
		ON payroll(year, month);

	CREATE TABLE IF NOT EXISTS payroll_batch_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id TEXT NOT NULL REFERENCES payroll_batches(id),
		department TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(batch_id, department)
	);

	CREATE TABLE IF NOT EXISTS retry_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id TEXT NOT NULL REFERENCES payroll_batches(id),
		department TEXT NOT NULL,
		original_error TEXT,
		scheduled_time TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'PENDING',
		last_error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(batch_id, department)
	);

	CREATE INDEX IF NOT EXISTS idx_retry_queue_due
		ON retry_queue(status, scheduled_time);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
// If fn returns error (or panics), the transaction is rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(q payroll.Queries) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{db: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"retry_queue", "payroll_batch_items", "payroll", "payroll_batches", "employees"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db dbtx
}

// =============================================================================
// EMPLOYEES
// =============================================================================

const employeeColumns = `id, name, email, department, base_salary, status, hire_date, created_at`

// SaveEmployee inserts or updates an employee.
func (q *queries) SaveEmployee(ctx context.Context, emp payroll.Employee) error {
	if emp.Status == "" {
		emp.Status = payroll.EmployeeActive
	}
	query := `
		INSERT INTO employees (id, name, email, department, base_salary, status, hire_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			department = excluded.department,
			base_salary = excluded.base_salary,
			status = excluded.status,
			hire_date = excluded.hire_date
	`

	_, err := q.db.ExecContext(ctx, query,
		emp.ID, emp.Name, nullString(emp.Email), emp.Department,
		payroll.FormatMoney(emp.BaseSalary), emp.Status,
		formatTime(emp.HireDate), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save employee %s: %w", emp.ID, err)
	}
	return nil
}

// GetEmployee retrieves an employee by ID.
func (q *queries) GetEmployee(ctx context.Context, id string) (*payroll.Employee, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+employeeColumns+" FROM employees WHERE id = ?", id)
	emp, err := scanEmployee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", payroll.ErrEmployeeNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &emp, nil
}

// ListEmployees returns all employees.
func (q *queries) ListEmployees(ctx context.Context) ([]payroll.Employee, error) {
	return q.queryEmployees(ctx, "SELECT "+employeeColumns+" FROM employees ORDER BY department, name")
}

// ListEmployeesByDepartment returns the active employees of a department.
func (q *queries) ListEmployeesByDepartment(ctx context.Context, department string) ([]payroll.Employee, error) {
	return q.queryEmployees(ctx,
		"SELECT "+employeeColumns+" FROM employees WHERE department = ? AND status = ? ORDER BY id",
		department, payroll.EmployeeActive,
	)
}

// ListDepartments returns the distinct departments with active employees.
func (q *queries) ListDepartments(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT DISTINCT department FROM employees WHERE status = ? ORDER BY department",
		payroll.EmployeeActive,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list departments: %w", err)
	}
	defer rows.Close()

	var departments []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		departments = append(departments, d)
	}
	return departments, rows.Err()
}

func (q *queries) queryEmployees(ctx context.Context, query string, args ...any) ([]payroll.Employee, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query employees: %w", err)
	}
	defer rows.Close()

	var employees []payroll.Employee
	for rows.Next() {
		emp, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		employees = append(employees, emp)
	}
	return employees, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEmployee(row scanner) (payroll.Employee, error) {
	var (
		emp        payroll.Employee
		email      sql.NullString
		baseSalary string
		hireDate   string
		createdAt  string
	)
	err := row.Scan(&emp.ID, &emp.Name, &email, &emp.Department, &baseSalary, &emp.Status, &hireDate, &createdAt)
	if err != nil {
		return emp, err
	}
	emp.Email = email.String
	emp.BaseSalary = payroll.ParseMoney(baseSalary)
	emp.HireDate = parseTime(hireDate)
	emp.CreatedAt = parseTime(createdAt)
	return emp, nil
}

// =============================================================================
// PAYROLL RECORDS
// =============================================================================

const recordColumns = `id, employee_id, batch_id, month, year, base_salary, additions, deductions,
	net_salary, status, error, created_at, updated_at`

// GetRecord returns the record for an employee and period, or nil.
func (q *queries) GetRecord(ctx context.Context, employeeID string, period payroll.Period) (*payroll.Record, error) {
	row := q.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM payroll WHERE employee_id = ? AND month = ? AND year = ?",
		employeeID, period.Month, period.Year,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payroll record: %w", err)
	}
	return &rec, nil
}

// InsertRecord adds a payroll record.
func (q *queries) InsertRecord(ctx context.Context, rec payroll.Record) (int64, error) {
	now := formatTime(time.Now())
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO payroll
		(employee_id, batch_id, month, year, base_salary, additions, deductions,
		 net_salary, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.EmployeeID, nullString(rec.BatchID), rec.Period.Month, rec.Period.Year,
		payroll.FormatMoney(rec.BaseSalary), payroll.FormatMoney(rec.Additions),
		payroll.FormatMoney(rec.Deductions), payroll.FormatMoney(rec.NetSalary),
		rec.Status, nullString(rec.Error), now, now,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, payroll.ErrDuplicatePayroll
		}
		return 0, fmt.Errorf("failed to insert payroll record: %w", err)
	}
	return res.LastInsertId()
}

// UpdateRecord rewrites the amounts and status of an existing record.
func (q *queries) UpdateRecord(ctx context.Context, rec payroll.Record) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE payroll
		SET batch_id = COALESCE(?, batch_id), base_salary = ?, additions = ?, deductions = ?,
		    net_salary = ?, status = ?, error = ?, updated_at = ?
		WHERE id = ?
	`,
		nullString(rec.BatchID), payroll.FormatMoney(rec.BaseSalary), payroll.FormatMoney(rec.Additions),
		payroll.FormatMoney(rec.Deductions), payroll.FormatMoney(rec.NetSalary),
		rec.Status, nullString(rec.Error), formatTime(time.Now()), rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update payroll record %d: %w", rec.ID, err)
	}
	return nil
}

// ListRecords returns all records of a period.
func (q *queries) ListRecords(ctx context.Context, period payroll.Period) ([]payroll.Record, error) {
	return q.queryRecords(ctx,
		"SELECT "+recordColumns+" FROM payroll WHERE month = ? AND year = ? ORDER BY employee_id",
		period.Month, period.Year,
	)
}

// ListRecordsByBatch returns the records written by a batch.
func (q *queries) ListRecordsByBatch(ctx context.Context, batchID string) ([]payroll.Record, error) {
	return q.queryRecords(ctx,
		"SELECT "+recordColumns+" FROM payroll WHERE batch_id = ? ORDER BY employee_id",
		batchID,
	)
}

func (q *queries) queryRecords(ctx context.Context, query string, args ...any) ([]payroll.Record, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payroll records: %w", err)
	}
	defer rows.Close()

	var records []payroll.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanRecord(row scanner) (payroll.Record, error) {
	var (
		rec                              payroll.Record
		batchID, recErr                  sql.NullString
		base, additions, deductions, net string
		createdAt, updatedAt             string
	)
	err := row.Scan(
		&rec.ID, &rec.EmployeeID, &batchID, &rec.Period.Month, &rec.Period.Year,
		&base, &additions, &deductions, &net,
		&rec.Status, &recErr, &createdAt, &updatedAt,
	)
	if err != nil {
		return rec, err
	}
	rec.BatchID = batchID.String
	rec.Error = recErr.String
	rec.BaseSalary = payroll.ParseMoney(base)
	rec.Additions = payroll.ParseMoney(additions)
	rec.Deductions = payroll.ParseMoney(deductions)
	rec.NetSalary = payroll.ParseMoney(net)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}

// =============================================================================
// BATCHES
// =============================================================================

const batchColumns = `id, status, month, year, total_departments, processed_departments,
	error_count, created_by, start_time, end_time, last_processed_time`

// CreateBatch persists a new batch header.
func (q *queries) CreateBatch(ctx context.Context, b payroll.Batch) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO payroll_batches
		(id, status, month, year, total_departments, processed_departments, error_count, created_by, start_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		b.ID, b.Status, b.Period.Month, b.Period.Year, b.TotalDepartments,
		b.ProcessedDepartments, b.ErrorCount, b.CreatedBy, formatTime(b.StartTime),
	)
	if err != nil {
		return fmt.Errorf("failed to create batch %s: %w", b.ID, err)
	}
	return nil
}

// GetBatch retrieves a batch header.
func (q *queries) GetBatch(ctx context.Context, id string) (*payroll.Batch, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+batchColumns+" FROM payroll_batches WHERE id = ?", id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", payroll.ErrBatchNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &b, nil
}

// ListBatches returns the most recent batches first.
func (q *queries) ListBatches(ctx context.Context, limit int) ([]payroll.Batch, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+batchColumns+" FROM payroll_batches ORDER BY start_time DESC, id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []payroll.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// MarkDepartmentProcessed increments the processed department counter.
func (q *queries) MarkDepartmentProcessed(ctx context.Context, batchID string, at time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE payroll_batches
		SET processed_departments = processed_departments + 1,
		    last_processed_time = ?
		WHERE id = ?
	`, formatTime(at), batchID)
	if err != nil {
		return fmt.Errorf("failed to update batch progress: %w", err)
	}
	return nil
}

// FinishBatch writes the terminal status of a batch.
func (q *queries) FinishBatch(ctx context.Context, batchID string, status payroll.BatchStatus, errorCount int, at time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE payroll_batches
		SET status = ?, end_time = ?, error_count = ?
		WHERE id = ?
	`, status, formatTime(at), errorCount, batchID)
	if err != nil {
		return fmt.Errorf("failed to finish batch %s: %w", batchID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", payroll.ErrBatchNotFound, batchID)
	}
	return nil
}

func scanBatch(row scanner) (payroll.Batch, error) {
	var (
		b                      payroll.Batch
		startTime              string
		endTime, lastProcessed sql.NullString
	)
	err := row.Scan(
		&b.ID, &b.Status, &b.Period.Month, &b.Period.Year, &b.TotalDepartments,
		&b.ProcessedDepartments, &b.ErrorCount, &b.CreatedBy, &startTime, &endTime, &lastProcessed,
	)
	if err != nil {
		return b, err
	}
	b.StartTime = parseTime(startTime)
	b.EndTime = parseNullTime(endTime)
	b.LastProcessedTime = parseNullTime(lastProcessed)
	return b, nil
}

// =============================================================================
// BATCH ITEMS
// =============================================================================

const itemColumns = `id, batch_id, department, status, error, retry_count, created_at, updated_at`

// SaveItem inserts or replaces the item for (batch, department).
func (q *queries) SaveItem(ctx context.Context, item payroll.BatchItem) error {
	now := formatTime(time.Now())
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO payroll_batch_items (batch_id, department, status, error, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(batch_id, department) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, item.BatchID, item.Department, item.Status, nullString(item.Error), item.RetryCount, now, now)
	if err != nil {
		return fmt.Errorf("failed to save batch item %s/%s: %w", item.BatchID, item.Department, err)
	}
	return nil
}

// ListItems returns the items of a batch, optionally filtered by status.
func (q *queries) ListItems(ctx context.Context, batchID string, status payroll.ItemStatus) ([]payroll.BatchItem, error) {
	query := "SELECT " + itemColumns + " FROM payroll_batch_items WHERE batch_id = ?"
	args := []any{batchID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY id"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch items: %w", err)
	}
	defer rows.Close()

	var items []payroll.BatchItem
	for rows.Next() {
		var (
			item                 payroll.BatchItem
			itemErr              sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&item.ID, &item.BatchID, &item.Department, &item.Status, &itemErr,
			&item.RetryCount, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		item.Error = itemErr.String
		item.CreatedAt = parseTime(createdAt)
		item.UpdatedAt = parseTime(updatedAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

// CountItems summarises the items of a batch.
func (q *queries) CountItems(ctx context.Context, batchID string) (payroll.ItemCounts, error) {
	var c payroll.ItemCounts
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'PROCESSED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'ERROR' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0)
		FROM payroll_batch_items
		WHERE batch_id = ?
	`, batchID).Scan(&c.Total, &c.Processed, &c.Errors, &c.Failed)
	if err != nil {
		return c, fmt.Errorf("failed to count batch items: %w", err)
	}
	return c, nil
}

// ResolveItem records the outcome of a retry on a batch item.
func (q *queries) ResolveItem(ctx context.Context, batchID, department string, status payroll.ItemStatus, errText string, at time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE payroll_batch_items
		SET status = ?,
		    retry_count = retry_count + 1,
		    error = CASE WHEN ? = '' THEN error ELSE ? END,
		    updated_at = ?
		WHERE batch_id = ? AND department = ?
	`, status, errText, errText, formatTime(at), batchID, department)
	if err != nil {
		return fmt.Errorf("failed to resolve batch item %s/%s: %w", batchID, department, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("batch item %s/%s not found", batchID, department)
	}
	return nil
}

// =============================================================================
// RETRY QUEUE
// =============================================================================

const retryColumns = `id, batch_id, department, original_error, scheduled_time, attempts,
	status, last_error, created_at, updated_at`

// EnqueueRetry schedules a retry unless one already exists for the department.
func (q *queries) EnqueueRetry(ctx context.Context, entry payroll.RetryEntry) (bool, error) {
	if entry.Status == "" {
		entry.Status = payroll.RetryPending
	}
	now := formatTime(time.Now())
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO retry_queue
		(batch_id, department, original_error, scheduled_time, attempts, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(batch_id, department) DO NOTHING
	`,
		entry.BatchID, entry.Department, nullString(entry.OriginalError),
		formatTime(entry.ScheduledTime), entry.Attempts, entry.Status, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue retry %s/%s: %w", entry.BatchID, entry.Department, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DueRetries returns pending entries whose scheduled time has passed, plus
// PROCESSING entries whose claim was last touched at or before staleBefore.
func (q *queries) DueRetries(ctx context.Context, now, staleBefore time.Time, maxAttempts, limit int) ([]payroll.RetryEntry, error) {
	return q.queryRetries(ctx,
		"SELECT "+retryColumns+` FROM retry_queue
		WHERE (status = ? AND scheduled_time <= ? AND attempts < ?)
		   OR (status = ? AND updated_at <= ?)
		ORDER BY scheduled_time, id
		LIMIT ?`,
		payroll.RetryPending, formatTime(now), maxAttempts,
		payroll.RetryProcessing, formatTime(staleBefore),
		limit,
	)
}

// ClaimRetry marks a pending entry as processing and consumes one attempt.
// A stale PROCESSING entry is reclaimed without consuming another attempt.
func (q *queries) ClaimRetry(ctx context.Context, id int64, maxAttempts int, at, staleBefore time.Time) (*payroll.RetryEntry, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE retry_queue
		SET attempts = CASE WHEN status = ? THEN attempts + 1 ELSE attempts END,
		    status = ?,
		    updated_at = ?
		WHERE id = ?
		  AND ((status = ? AND attempts < ?) OR (status = ? AND updated_at <= ?))
	`,
		payroll.RetryPending, payroll.RetryProcessing, formatTime(at), id,
		payroll.RetryPending, maxAttempts, payroll.RetryProcessing, formatTime(staleBefore),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim retry %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %d", payroll.ErrRetryNotClaimable, id)
	}

	entries, err := q.queryRetries(ctx, "SELECT "+retryColumns+" FROM retry_queue WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %d", payroll.ErrRetryNotClaimable, id)
	}
	return &entries[0], nil
}

// FinishRetry stores the outcome of a processed entry.
func (q *queries) FinishRetry(ctx context.Context, id int64, status payroll.RetryStatus, scheduled time.Time, lastError string, at time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE retry_queue
		SET status = ?, scheduled_time = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, status, formatTime(scheduled), nullString(lastError), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to finish retry %d: %w", id, err)
	}
	return nil
}

// ListRetries returns the retry entries of a batch.
func (q *queries) ListRetries(ctx context.Context, batchID string) ([]payroll.RetryEntry, error) {
	return q.queryRetries(ctx, "SELECT "+retryColumns+" FROM retry_queue WHERE batch_id = ? ORDER BY id", batchID)
}

func (q *queries) queryRetries(ctx context.Context, query string, args ...any) ([]payroll.RetryEntry, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query retry queue: %w", err)
	}
	defer rows.Close()

	var entries []payroll.RetryEntry
	for rows.Next() {
		var (
			e                               payroll.RetryEntry
			originalError, lastError        sql.NullString
			scheduled, createdAt, updatedAt string
		)
		if err := rows.Scan(&e.ID, &e.BatchID, &e.Department, &originalError, &scheduled,
			&e.Attempts, &e.Status, &lastError, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		e.OriginalError = originalError.String
		e.LastError = lastError.String
		e.ScheduledTime = parseTime(scheduled)
		e.CreatedAt = parseTime(createdAt)
		e.UpdatedAt = parseTime(updatedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
