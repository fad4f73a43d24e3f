/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the payroll domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Employees:
    EmployeeDTO, CreateEmployeeRequest, ImportResponse

  Batches:
    BulkProcessRequest, BulkProcessResponse, RetryBatchResponse,
    BatchStatusResponse, BatchDTO

  Payroll:
    PayrollRecordDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done in handlers and the batch engine, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// EmployeeDTO represents an employee in API responses.
type EmployeeDTO struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Department string `json:"department"`
	BaseSalary string `json:"base_salary"`
	Status     string `json:"status"`
	HireDate   string `json:"hire_date,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
}

// CreateEmployeeRequest is the request to create an employee.
type CreateEmployeeRequest struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Email      string  `json:"email"`
	Department string  `json:"department"`
	BaseSalary float64 `json:"base_salary"`
	Status     string  `json:"status,omitempty"`
	HireDate   string  `json:"hire_date,omitempty"`
}

// ImportResponse reports a roster upload.
type ImportResponse struct {
	Imported int         `json:"imported"`
	Rejected []RowErrDTO `json:"rejected"`
}

// RowErrDTO is one spreadsheet row that could not be imported.
type RowErrDTO struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

// BulkProcessRequest starts a bulk payroll run.
type BulkProcessRequest struct {
	Month       int      `json:"month"`
	Year        int      `json:"year"`
	Departments []string `json:"departments"`
}

// BulkProcessResponse is returned once the run has finished.
type BulkProcessResponse struct {
	BatchID string              `json:"batch_id"`
	Status  string              `json:"status"`
	Message string              `json:"message"`
	Errors  []payroll.UnitError `json:"errors,omitempty"`
}

// RetryBatchResponse reports how many departments were queued.
type RetryBatchResponse struct {
	Message   string `json:"message"`
	ItemCount int    `json:"item_count"`
}

// ItemCountsDTO summarises batch items by status.
type ItemCountsDTO struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
	Failed    int `json:"failed"`
}

// BatchStatusResponse is the progress view of one batch.
type BatchStatusResponse struct {
	BatchID   string        `json:"batch_id"`
	Status    string        `json:"status"`
	Total     int           `json:"total"`
	Processed int           `json:"processed"`
	Errors    int           `json:"errors"`
	Items     ItemCountsDTO `json:"items"`
}

// BatchDTO represents a batch in the history list.
type BatchDTO struct {
	ID                   string `json:"id"`
	Status               string `json:"status"`
	Month                int    `json:"month"`
	Year                 int    `json:"year"`
	TotalDepartments     int    `json:"total_departments"`
	ProcessedDepartments int    `json:"processed_departments"`
	ErrorCount           int    `json:"error_count"`
	CreatedBy            string `json:"created_by"`
	StartTime            string `json:"start_time"`
	EndTime              string `json:"end_time,omitempty"`
}

// PayrollRecordDTO represents one payroll row.
type PayrollRecordDTO struct {
	ID         int64  `json:"id"`
	EmployeeID string `json:"employee_id"`
	BatchID    string `json:"batch_id,omitempty"`
	Month      int    `json:"month"`
	Year       int    `json:"year"`
	BaseSalary string `json:"base_salary"`
	Additions  string `json:"additions"`
	Deductions string `json:"deductions"`
	NetSalary  string `json:"net_salary"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toEmployeeDTO(e payroll.Employee) EmployeeDTO {
	dto := EmployeeDTO{
		ID:         e.ID,
		Name:       e.Name,
		Email:      e.Email,
		Department: e.Department,
		BaseSalary: payroll.FormatMoney(e.BaseSalary),
		Status:     string(e.Status),
	}
	if !e.HireDate.IsZero() {
		dto.HireDate = e.HireDate.Format("2006-01-02")
	}
	if !e.CreatedAt.IsZero() {
		dto.CreatedAt = e.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

func toBatchDTO(b payroll.Batch) BatchDTO {
	dto := BatchDTO{
		ID:                   b.ID,
		Status:               string(b.Status),
		Month:                b.Period.Month,
		Year:                 b.Period.Year,
		TotalDepartments:     b.TotalDepartments,
		ProcessedDepartments: b.ProcessedDepartments,
		ErrorCount:           b.ErrorCount,
		CreatedBy:            b.CreatedBy,
		StartTime:            b.StartTime.Format(time.RFC3339),
	}
	if b.EndTime != nil {
		dto.EndTime = b.EndTime.Format(time.RFC3339)
	}
	return dto
}

func toRecordDTO(r payroll.Record) PayrollRecordDTO {
	return PayrollRecordDTO{
		ID:         r.ID,
		EmployeeID: r.EmployeeID,
		BatchID:    r.BatchID,
		Month:      r.Period.Month,
		Year:       r.Period.Year,
		BaseSalary: payroll.FormatMoney(r.BaseSalary),
		Additions:  payroll.FormatMoney(r.Additions),
		Deductions: payroll.FormatMoney(r.Deductions),
		NetSalary:  payroll.FormatMoney(r.NetSalary),
		Status:     string(r.Status),
		Error:      r.Error,
	}
}
