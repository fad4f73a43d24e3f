package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/warp/payroll-engine/notify"
)

// Response is the JSON envelope for --format json.
type Response struct {
	Status string `json:"status"` // "ok" or "error"
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// printer writes either a JSON envelope or text produced by the caller.
type printer struct {
	format string
	out    io.Writer
}

func (o *RootOptions) printer(w io.Writer) *printer {
	return &printer{format: o.Format, out: w}
}

// emit prints data as JSON, or calls text for the text format.
func (p *printer) emit(data any, text func(w io.Writer)) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(Response{Status: "ok", Data: data})
	}
	tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	text(tw)
	return tw.Flush()
}

// progressPrinter echoes engine events for --verbose.
type progressPrinter struct {
	notify.Notifier
	out io.Writer
}

func (p *progressPrinter) Broadcast(ev notify.Event) {
	p.Notifier.Broadcast(ev)
	fmt.Fprintf(p.out, "%-20s %s %v\n", ev.Type, ev.BatchID, ev.Data)
}
