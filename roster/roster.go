/*
Package roster moves employee and payroll data in and out of spreadsheets.

PURPOSE:
  - Import: HR uploads an employee roster (.xlsx or legacy .xls)
  - Export: Finance downloads the payroll register of one batch (.xlsx)

ROSTER COLUMNS (header row, case-insensitive, any order):
  id, name, email, department, base_salary (or "salary"), status, hire_date

  status defaults to ACTIVE. hire_date accepts 2006-01-02 or 01/02/2006.
  Rows that cannot be parsed are reported and skipped; the rest import.

SEE ALSO:
  - api/handlers.go: ImportEmployees, ExportRegister
*/
package roster

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/extrame/xls"
	"github.com/shopspring/decimal"
	"github.com/warp/payroll-engine/payroll"
	"github.com/xuri/excelize/v2"
)

var (
	ErrEmptySheet     = errors.New("worksheet is empty")
	ErrMissingColumns = errors.New("roster is missing required columns")
)

var hireDateLayouts = []string{"2006-01-02", "01/02/2006", "1/2/2006"}

// RowError describes a skipped roster row. Row is 1-based as shown in a
// spreadsheet application.
type RowError struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

// Import reads employees from a spreadsheet.
func Import(r io.Reader, filename string) ([]payroll.Employee, []RowError, error) {
	rows, err := readRows(r, filename)
	if err != nil {
		return nil, nil, err
	}

	cols := indexHeader(rows[0])
	var missing []string
	for _, required := range []string{"id", "name", "department", "base_salary"} {
		if _, ok := cols[required]; !ok {
			missing = append(missing, required)
		}
	}
	if len(missing) > 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	var (
		employees []payroll.Employee
		rowErrs   []RowError
	)
	for i, row := range rows[1:] {
		line := i + 2
		if isBlank(row) {
			continue
		}
		emp, err := parseEmployee(row, cols)
		if err != nil {
			rowErrs = append(rowErrs, RowError{Row: line, Error: err.Error()})
			continue
		}
		employees = append(employees, emp)
	}
	return employees, rowErrs, nil
}

func parseEmployee(row []string, cols map[string]int) (payroll.Employee, error) {
	get := func(name string) string {
		idx, ok := cols[name]
		if !ok {
			return ""
		}
		return cellValue(row, idx)
	}

	emp := payroll.Employee{
		ID:         get("id"),
		Name:       get("name"),
		Email:      get("email"),
		Department: get("department"),
		Status:     payroll.EmployeeActive,
	}
	if emp.ID == "" {
		return emp, errors.New("id is required")
	}
	if emp.Name == "" {
		return emp, errors.New("name is required")
	}
	if emp.Department == "" {
		return emp, errors.New("department is required")
	}

	salary, err := decimal.NewFromString(strings.ReplaceAll(get("base_salary"), ",", ""))
	if err != nil {
		return emp, fmt.Errorf("invalid base_salary %q", get("base_salary"))
	}
	if salary.IsNegative() {
		return emp, fmt.Errorf("base_salary must not be negative")
	}
	emp.BaseSalary = salary.Round(2)

	switch strings.ToUpper(get("status")) {
	case "", string(payroll.EmployeeActive):
	case string(payroll.EmployeeInactive):
		emp.Status = payroll.EmployeeInactive
	default:
		return emp, fmt.Errorf("invalid status %q", get("status"))
	}

	if raw := get("hire_date"); raw != "" {
		hire, err := parseDate(raw)
		if err != nil {
			return emp, err
		}
		emp.HireDate = hire
	}
	return emp, nil
}

func parseDate(raw string) (time.Time, error) {
	for _, layout := range hireDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid hire_date %q", raw)
}

func readRows(reader io.Reader, filename string) ([][]string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".xls":
		workbook, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
		if err != nil {
			return nil, err
		}
		if workbook.NumSheets() == 0 {
			return nil, fmt.Errorf("no worksheet found")
		}
		rows := workbook.ReadAllCells(100000)
		if len(rows) == 0 {
			return nil, ErrEmptySheet
		}
		return rows, nil
	default:
		file, err := excelize.OpenReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer func() { _ = file.Close() }()

		sheetName := file.GetSheetName(0)
		if sheetName == "" {
			return nil, fmt.Errorf("no worksheet found")
		}
		rows, err := file.GetRows(sheetName)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, ErrEmptySheet
		}
		return rows, nil
	}
}

func indexHeader(header []string) map[string]int {
	aliases := map[string]string{
		"salary":        "base_salary",
		"base salary":   "base_salary",
		"employee id":   "id",
		"employee_id":   "id",
		"hire date":     "hire_date",
		"dept":          "department",
		"email address": "email",
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		name := normalizeHeader(h)
		if canonical, ok := aliases[name]; ok {
			name = canonical
		}
		if _, dup := cols[name]; !dup {
			cols[name] = i
		}
	}
	return cols
}

func normalizeHeader(header string) string {
	return strings.ToLower(strings.TrimSpace(header))
}

func cellValue(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
