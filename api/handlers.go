/*
handlers.go - HTTP API handlers for the payroll engine

PURPOSE:
  Exposes the batch engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the processor, scheduler and store.

ENDPOINTS:
  Payroll batches:
    POST   /api/payroll/bulk-process              Run payroll for departments
    POST   /api/payroll/retry-batch/{batchID}     Queue failed departments
    GET    /api/payroll/batch-status/{batchID}    Batch progress and items
    GET    /api/payroll/batch-history?limit=N     Most recent batches
    GET    /api/payroll/batches/{batchID}/register.xlsx  Payroll register

  Payroll records:
    GET    /api/payroll?month=&year=              Records for a period

  Employees:
    GET    /api/employees                         List all employees
    POST   /api/employees                         Create or update employee
    GET    /api/employees/{id}                    Get employee details
    POST   /api/employees/import                  Spreadsheet roster upload
    GET    /api/departments                       Departments with active staff

  Audit:
    GET    /api/logs?page=&limit=                 Newest-first audit lines

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: Database access
  - Processor / Scheduler: Batch engine
  - Audit: Log viewer source

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call the batch engine or store
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON {error, details} with:
  - 400: Validation errors, invalid input
  - 404: Batch or employee not found
  - 500: Internal errors

SECURITY NOTE:
  The requester is taken from the X-User-ID header and recorded as-is.
  There is no authentication layer.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/payroll-engine/audit"
	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/roster"
	"github.com/warp/payroll-engine/store/sqlite"
)

const (
	// UserHeader carries the requester recorded on new batches.
	UserHeader = "X-User-ID"

	defaultHistoryLimit = 10
	maxUploadBytes      = 10 << 20

	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// LogReader serves the audit log viewer.
type LogReader interface {
	Tail(page, limit int) ([]audit.Entry, int, error)
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Processor *batch.Processor
	Scheduler *batch.Scheduler
	Logs      LogReader

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(store *sqlite.Store, processor *batch.Processor, scheduler *batch.Scheduler, logs LogReader) *Handler {
	return &Handler{
		Store:     store,
		Processor: processor,
		Scheduler: scheduler,
		Logs:      logs,
	}
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

// BulkProcess runs payroll for the requested departments and answers once
// the batch is finished. Progress is streamed on /ws while it runs. A
// client that disconnects does not stop the run.
func (h *Handler) BulkProcess(w http.ResponseWriter, r *http.Request) {
	var req BulkProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Processor.Run(context.WithoutCancel(r.Context()), batch.Request{
		Month:       req.Month,
		Year:        req.Year,
		Departments: req.Departments,
		RequestedBy: r.Header.Get(UserHeader),
	})
	if err != nil {
		writeError(w, statusFor(err), "Failed to process payroll", err)
		return
	}

	message := "Bulk payroll processing completed"
	if len(result.Errors) > 0 {
		message = fmt.Sprintf("Bulk payroll processing completed with %d errors", len(result.Errors))
	}

	writeJSON(w, http.StatusOK, BulkProcessResponse{
		BatchID: result.BatchID,
		Status:  string(result.Status),
		Message: message,
		Errors:  result.Errors,
	})
}

// RetryBatch schedules retries for the failed departments of a batch.
func (h *Handler) RetryBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	res, err := h.Scheduler.ScheduleRetries(r.Context(), batchID)
	if err != nil {
		writeError(w, statusFor(err), "Failed to schedule retries", err)
		return
	}

	writeJSON(w, http.StatusOK, RetryBatchResponse{
		Message:   fmt.Sprintf("Scheduled %d departments for retry", res.ItemCount),
		ItemCount: res.ItemCount,
	})
}

// BatchStatus returns batch progress and per-status item counts.
func (h *Handler) BatchStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID := chi.URLParam(r, "batchID")

	b, err := h.Store.GetBatch(ctx, batchID)
	if err != nil {
		writeError(w, statusFor(err), "Failed to get batch", err)
		return
	}
	counts, err := h.Store.CountItems(ctx, batchID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count batch items", err)
		return
	}

	writeJSON(w, http.StatusOK, BatchStatusResponse{
		BatchID:   b.ID,
		Status:    string(b.Status),
		Total:     b.TotalDepartments,
		Processed: b.ProcessedDepartments,
		Errors:    b.ErrorCount,
		Items: ItemCountsDTO{
			Total:     counts.Total,
			Processed: counts.Processed,
			Errors:    counts.Errors,
			Failed:    counts.Failed,
		},
	})
}

// BatchHistory lists the most recent batches, newest first.
func (h *Handler) BatchHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultHistoryLimit)
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
		return
	}

	batches, err := h.Store.ListBatches(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list batches", err)
		return
	}

	dtos := make([]BatchDTO, len(batches))
	for i, b := range batches {
		dtos[i] = toBatchDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// BatchRegister exports the payroll register of a batch as a workbook.
func (h *Handler) BatchRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID := chi.URLParam(r, "batchID")

	b, err := h.Store.GetBatch(ctx, batchID)
	if err != nil {
		writeError(w, statusFor(err), "Failed to get batch", err)
		return
	}
	records, err := h.Store.ListRecordsByBatch(ctx, batchID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list payroll records", err)
		return
	}
	employees, err := h.employeeIndex(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list employees", err)
		return
	}

	var buf bytes.Buffer
	if err := roster.WriteRegister(&buf, *b, records, employees); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build register", err)
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="payroll-register-%s.xlsx"`, b.ID))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Printf("[API] register write failed: %v", err)
	}
}

// =============================================================================
// PAYROLL RECORD HANDLERS
// =============================================================================

// ListPayroll returns the payroll records of one period.
func (h *Handler) ListPayroll(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	month, err := queryInt(r, "month", int(now.Month()))
	if err != nil {
		writeError(w, http.StatusBadRequest, "month must be an integer", err)
		return
	}
	year, err := queryInt(r, "year", now.Year())
	if err != nil {
		writeError(w, http.StatusBadRequest, "year must be an integer", err)
		return
	}

	period := payroll.Period{Month: month, Year: year}
	if err := period.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}

	records, err := h.Store.ListRecords(r.Context(), period)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list payroll records", err)
		return
	}

	dtos := make([]PayrollRecordDTO, len(records))
	for i, rec := range records {
		dtos[i] = toRecordDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// EMPLOYEE HANDLERS
// =============================================================================

// ListEmployees returns all employees.
func (h *Handler) ListEmployees(w http.ResponseWriter, r *http.Request) {
	employees, err := h.Store.ListEmployees(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list employees", err)
		return
	}

	dtos := make([]EmployeeDTO, len(employees))
	for i, e := range employees {
		dtos[i] = toEmployeeDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetEmployee returns a single employee.
func (h *Handler) GetEmployee(w http.ResponseWriter, r *http.Request) {
	emp, err := h.Store.GetEmployee(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), "Failed to get employee", err)
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeDTO(*emp))
}

// CreateEmployee creates or updates an employee.
func (h *Handler) CreateEmployee(w http.ResponseWriter, r *http.Request) {
	var req CreateEmployeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	emp, err := req.toEmployee()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid employee", err)
		return
	}

	if err := h.Store.SaveEmployee(r.Context(), emp); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create employee", err)
		return
	}

	writeJSON(w, http.StatusCreated, toEmployeeDTO(emp))
}

func (req CreateEmployeeRequest) toEmployee() (payroll.Employee, error) {
	emp := payroll.Employee{
		ID:         strings.TrimSpace(req.ID),
		Name:       strings.TrimSpace(req.Name),
		Email:      strings.TrimSpace(req.Email),
		Department: strings.TrimSpace(req.Department),
		BaseSalary: payroll.NewMoney(req.BaseSalary),
		Status:     payroll.EmployeeStatus(strings.ToUpper(strings.TrimSpace(req.Status))),
	}

	switch {
	case emp.ID == "":
		return emp, &payroll.ValidationError{Field: "id", Message: "is required"}
	case emp.Name == "":
		return emp, &payroll.ValidationError{Field: "name", Message: "is required"}
	case emp.Department == "":
		return emp, &payroll.ValidationError{Field: "department", Message: "is required"}
	case req.BaseSalary <= 0:
		return emp, &payroll.ValidationError{Field: "base_salary", Message: "must be positive"}
	}

	switch emp.Status {
	case "":
		emp.Status = payroll.EmployeeActive
	case payroll.EmployeeActive, payroll.EmployeeInactive:
	default:
		return emp, &payroll.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", req.Status)}
	}

	if req.HireDate != "" {
		hireDate, err := time.Parse("2006-01-02", req.HireDate)
		if err != nil {
			return emp, &payroll.ValidationError{Field: "hire_date", Message: "use YYYY-MM-DD"}
		}
		emp.HireDate = hireDate
	}
	return emp, nil
}

// ImportEmployees upserts a spreadsheet roster sent as multipart field "file".
// Rows that fail to parse are reported and skipped.
func (h *Handler) ImportEmployees(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart upload", err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing file field", err)
		return
	}
	defer file.Close()

	employees, rowErrs, err := roster.Import(file, header.Filename)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read roster", err)
		return
	}

	ctx := r.Context()
	err = h.Store.WithTx(ctx, func(q payroll.Queries) error {
		for _, emp := range employees {
			if err := q.SaveEmployee(ctx, emp); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save roster", err)
		return
	}

	rejected := make([]RowErrDTO, len(rowErrs))
	for i, re := range rowErrs {
		rejected[i] = RowErrDTO{Row: re.Row, Error: re.Error}
	}
	writeJSON(w, http.StatusOK, ImportResponse{Imported: len(employees), Rejected: rejected})
}

// ListDepartments returns the departments that have active employees.
func (h *Handler) ListDepartments(w http.ResponseWriter, r *http.Request) {
	departments, err := h.Store.ListDepartments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list departments", err)
		return
	}
	if departments == nil {
		departments = []string{}
	}
	writeJSON(w, http.StatusOK, departments)
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// ListLogs pages through the audit log, newest first.
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil || page < 1 {
		writeError(w, http.StatusBadRequest, "page must be a positive integer", err)
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
		return
	}

	entries, total, err := h.Logs.Tail(page, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read audit log", err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   total,
		"page":    page,
		"limit":   limit,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) employeeIndex(ctx context.Context) (map[string]payroll.Employee, error) {
	employees, err := h.Store.ListEmployees(ctx)
	if err != nil {
		return nil, err
	}
	index := make(map[string]payroll.Employee, len(employees))
	for _, e := range employees {
		index[e.ID] = e
	}
	return index, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case payroll.IsClientError(err):
		return http.StatusBadRequest
	case payroll.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
