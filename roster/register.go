package roster

import (
	"fmt"
	"io"
	"sort"

	"github.com/warp/payroll-engine/payroll"
	"github.com/xuri/excelize/v2"
)

const registerSheet = "Register"

var registerHeader = []any{
	"Employee ID", "Name", "Department", "Base Salary", "Additions", "Deductions", "Net Salary", "Status",
}

// WriteRegister writes the payroll register of one batch as an .xlsx
// workbook. Records are grouped by department, then employee id. Amounts
// are written as numbers; a totals row closes the sheet.
func WriteRegister(w io.Writer, b payroll.Batch, records []payroll.Record, employees map[string]payroll.Employee) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), registerSheet); err != nil {
		return err
	}

	title := fmt.Sprintf("Payroll register %s, batch %s (%s)", b.Period, b.ID, b.Status)
	if err := f.SetCellValue(registerSheet, "A1", title); err != nil {
		return err
	}
	if err := f.SetSheetRow(registerSheet, "A3", &registerHeader); err != nil {
		return err
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	if err := f.SetRowStyle(registerSheet, 3, 3, bold); err != nil {
		return err
	}

	sorted := make([]payroll.Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		di, dj := employees[sorted[i].EmployeeID].Department, employees[sorted[j].EmployeeID].Department
		if di != dj {
			return di < dj
		}
		return sorted[i].EmployeeID < sorted[j].EmployeeID
	})

	var base, additions, deductions, net payroll.Money
	row := 4
	for _, rec := range sorted {
		emp := employees[rec.EmployeeID]
		values := []any{
			rec.EmployeeID,
			emp.Name,
			emp.Department,
			rec.BaseSalary.InexactFloat64(),
			rec.Additions.InexactFloat64(),
			rec.Deductions.InexactFloat64(),
			rec.NetSalary.InexactFloat64(),
			string(rec.Status),
		}
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(registerSheet, cell, &values); err != nil {
			return err
		}
		base = base.Add(rec.BaseSalary)
		additions = additions.Add(rec.Additions)
		deductions = deductions.Add(rec.Deductions)
		net = net.Add(rec.NetSalary)
		row++
	}

	totals := []any{
		"Total", "", "",
		base.InexactFloat64(), additions.InexactFloat64(), deductions.InexactFloat64(), net.InexactFloat64(),
		"",
	}
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(registerSheet, cell, &totals); err != nil {
		return err
	}
	if err := f.SetRowStyle(registerSheet, row, row, bold); err != nil {
		return err
	}
	if err := f.SetColWidth(registerSheet, "A", "H", 16); err != nil {
		return err
	}

	return f.Write(w)
}
