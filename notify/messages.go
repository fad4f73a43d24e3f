package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/warp/payroll-engine/payroll"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Summary is everything the end-of-run email reports.
type Summary struct {
	Batch    payroll.Batch
	Records  int
	NetTotal payroll.Money
	Errors   []payroll.UnitError
}

// SummaryEmail renders the message sent after every bulk run.
func SummaryEmail(s Summary) (subject, body string) {
	p := message.NewPrinter(language.English)
	b := s.Batch

	subject = fmt.Sprintf("Payroll batch %s finished: %s", b.ID, b.Status)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Bulk payroll run %s\n\n", b.ID)
	fmt.Fprintf(&sb, "Period:        %s\n", b.Period)
	fmt.Fprintf(&sb, "Status:        %s\n", b.Status)
	fmt.Fprintf(&sb, "Requested by:  %s\n", b.CreatedBy)
	fmt.Fprintf(&sb, "Started:       %s\n", b.StartTime.UTC().Format(time.RFC3339))
	if b.EndTime != nil {
		fmt.Fprintf(&sb, "Finished:      %s\n", b.EndTime.UTC().Format(time.RFC3339))
	}
	p.Fprintf(&sb, "Departments:   %d of %d processed\n", b.ProcessedDepartments, b.TotalDepartments)
	p.Fprintf(&sb, "Records:       %d\n", s.Records)
	fmt.Fprintf(&sb, "Net total:     %s\n", formatAmount(p, s.NetTotal))
	p.Fprintf(&sb, "Errors:        %d\n", len(s.Errors))

	if len(s.Errors) > 0 {
		sb.WriteString("\nError details:\n")
		sb.WriteString(payroll.EncodeUnitErrors(s.Errors))
		sb.WriteString("\n")
	}
	return subject, sb.String()
}

// TerminalFailureEmail renders the message sent once a retry entry has used
// all of its attempts.
func TerminalFailureEmail(entry payroll.RetryEntry, errs []payroll.UnitError) (subject, body string) {
	subject = fmt.Sprintf("Payroll retry failed: batch %s, department %s", entry.BatchID, entry.Department)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Retries for department %s in batch %s are exhausted.\n\n", entry.Department, entry.BatchID)
	fmt.Fprintf(&sb, "Attempts:      %d\n", entry.Attempts)
	if entry.OriginalError != "" {
		sb.WriteString("\nOriginal error:\n")
		sb.WriteString(entry.OriginalError)
		sb.WriteString("\n")
	}
	sb.WriteString("\nLast errors:\n")
	sb.WriteString(payroll.EncodeUnitErrors(errs))
	sb.WriteString("\n\nThe department must be resolved manually.\n")
	return subject, sb.String()
}

func formatAmount(p *message.Printer, m payroll.Money) string {
	f, _ := m.Round(2).Float64()
	return p.Sprintf("%.2f", f)
}
