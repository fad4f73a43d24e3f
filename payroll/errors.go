/*
errors.go - Error types for the payroll engine

ERROR CATEGORIES:
  1. Validation errors - Rejected before any store write
  2. Unit errors - One employee or department failed, recorded as data
  3. Store errors - Lookups and uniqueness violations

USAGE:
  if errors.Is(err, payroll.ErrValidation) {
      // 400
  }

SEE ALSO:
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package payroll

import (
	"encoding/json"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the parent of every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrBatchNotFound is returned when a batch id is unknown.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrEmployeeNotFound is returned when an employee id is unknown.
	ErrEmployeeNotFound = errors.New("employee not found")

	// ErrDuplicatePayroll is returned when a record already exists for the
	// same (employee, month, year). Bulk runs treat it as a skip.
	ErrDuplicatePayroll = errors.New("payroll already exists for period")

	// ErrRetryNotClaimable is returned when a retry entry is no longer
	// PENDING or has exhausted its attempts.
	ErrRetryNotClaimable = errors.New("retry entry not claimable")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError describes rejected caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// UnitError is one isolated failure inside a run. EmployeeID is empty for
// department-level failures.
type UnitError struct {
	Department string `json:"department"`
	EmployeeID string `json:"employeeId,omitempty"`
	Error      string `json:"error"`
}

// EncodeUnitErrors serialises errors for emails and item error columns.
func EncodeUnitErrors(errs []UnitError) string {
	if len(errs) == 0 {
		return "[]"
	}
	data, err := json.MarshalIndent(errs, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", errs)
	}
	return string(data)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBatchNotFound) ||
		errors.Is(err, ErrEmployeeNotFound)
}
