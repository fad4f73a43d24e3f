package batch

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/warp/payroll-engine/notify"
	"github.com/warp/payroll-engine/payroll"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// DefaultRequester is recorded when a run has no caller identity.
const DefaultRequester = "system"

// ProcessorConfig tunes a bulk run.
type ProcessorConfig struct {
	// EmployeeRetries is how many times a failing employee is retried inline
	// before the failure is recorded. Total tries = EmployeeRetries + 1.
	EmployeeRetries    int
	EmployeeRetryDelay time.Duration

	// Workers > 1 processes departments in parallel.
	Workers int
}

// DefaultProcessorConfig returns the production settings.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		EmployeeRetries:    3,
		EmployeeRetryDelay: time.Second,
		Workers:            1,
	}
}

// Request asks for one bulk payroll run.
type Request struct {
	Month       int
	Year        int
	Departments []string
	RequestedBy string
}

// Result is returned to the caller once the run has finished.
type Result struct {
	BatchID string
	Status  payroll.BatchStatus
	Errors  []payroll.UnitError
}

// Processor runs bulk payroll.
type Processor struct {
	Store      payroll.Store
	Calculator payroll.Calculator
	Notifier   notify.Notifier
	Audit      Auditor
	Config     ProcessorConfig

	Clock func() time.Time
	NewID func() (string, error)
}

// NewProcessor creates a processor with a system clock and UUIDv7 ids.
func NewProcessor(store payroll.Store, calc payroll.Calculator, notifier notify.Notifier, auditor Auditor, cfg ProcessorConfig) *Processor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.EmployeeRetries < 0 {
		cfg.EmployeeRetries = 0
	}
	return &Processor{
		Store:      store,
		Calculator: calc,
		Notifier:   notifier,
		Audit:      auditor,
		Config:     cfg,
		Clock:      time.Now,
		NewID:      newBatchID,
	}
}

func newBatchID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// runState is the in-memory bookkeeping of one run.
type runState struct {
	batchID string
	period  payroll.Period

	mu       sync.Mutex
	errors   []payroll.UnitError
	records  int
	netTotal payroll.Money
}

func (s *runState) addErrors(errs ...payroll.UnitError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, errs...)
}

func (s *runState) addRecord(net payroll.Money) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records++
	s.netTotal = s.netTotal.Add(net)
}

// Run executes a bulk payroll run. Only validation errors and failures to
// create or finish the batch header are returned as errors; everything
// else ends up in Result.Errors.
//
// Once the batch exists it is always finalized. If ctx is cancelled mid-run,
// departments not yet started are recorded as ERROR items for a later retry.
func (p *Processor) Run(ctx context.Context, req Request) (*Result, error) {
	period := payroll.Period{Month: req.Month, Year: req.Year}
	departments, err := normalizeRequest(period, req.Departments)
	if err != nil {
		return nil, err
	}

	requestedBy := strings.TrimSpace(req.RequestedBy)
	if requestedBy == "" {
		requestedBy = DefaultRequester
	}

	batchID, err := p.NewID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate batch id: %w", err)
	}

	ctx, span := tracer.Start(ctx, "payroll.bulk_run", trace.WithAttributes(
		attribute.String("payroll.batch_id", batchID),
		attribute.String("payroll.period", period.String()),
		attribute.Int("payroll.departments", len(departments)),
	))
	defer span.End()

	header := payroll.Batch{
		ID:               batchID,
		Status:           payroll.BatchProcessing,
		Period:           period,
		TotalDepartments: len(departments),
		CreatedBy:        requestedBy,
		StartTime:        p.Clock(),
	}
	if err := p.Store.CreateBatch(ctx, header); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create batch")
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	log.Printf("[Batch] %s started: %d departments for %s by %s", batchID, len(departments), period, requestedBy)
	p.Audit.Append(ctx, "Bulk payroll started", map[string]any{
		"batch_id":     batchID,
		"month":        period.Month,
		"year":         period.Year,
		"departments":  departments,
		"requested_by": requestedBy,
	})

	state := &runState{batchID: batchID, period: period}
	if p.Config.Workers > 1 {
		var g errgroup.Group
		g.SetLimit(p.Config.Workers)
		for _, dept := range departments {
			g.Go(func() error {
				p.startDepartment(ctx, state, dept)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for _, dept := range departments {
			p.startDepartment(ctx, state, dept)
		}
	}

	// Bookkeeping below must land even if the caller has gone away.
	ctx = context.WithoutCancel(ctx)

	errs := state.errors
	if errs == nil {
		errs = []payroll.UnitError{}
	}
	status := payroll.FinalStatus(len(errs))

	end := p.Clock()
	if err := p.Store.FinishBatch(ctx, batchID, status, len(errs), end); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "finish batch")
		return nil, fmt.Errorf("failed to finalize batch: %w", err)
	}
	span.SetAttributes(
		attribute.String("payroll.status", string(status)),
		attribute.Int("payroll.errors", len(errs)),
	)

	log.Printf("[Batch] %s finished: %s, %d records, %d errors", batchID, status, state.records, len(errs))
	p.Audit.Append(ctx, "Bulk payroll finished", map[string]any{
		"batch_id":    batchID,
		"status":      status,
		"records":     state.records,
		"error_count": len(errs),
	})

	p.sendSummary(ctx, header, state, status, end, errs)

	p.Notifier.Broadcast(notify.Event{
		Type:    notify.EventBatchComplete,
		BatchID: batchID,
		Data: map[string]any{
			"status": status,
			"errors": len(errs),
		},
	})

	return &Result{BatchID: batchID, Status: status, Errors: errs}, nil
}

// startDepartment runs a department, or records it as not run when the
// run has been cancelled.
func (p *Processor) startDepartment(ctx context.Context, state *runState, dept string) {
	if err := ctx.Err(); err != nil {
		p.abortDepartment(context.WithoutCancel(ctx), state, dept, fmt.Errorf("batch cancelled before department started: %w", err))
		return
	}
	p.processDepartment(ctx, state, dept)
}

// processDepartment pays every active employee of one department.
func (p *Processor) processDepartment(ctx context.Context, state *runState, dept string) {
	ctx, span := tracer.Start(ctx, "payroll.department", trace.WithAttributes(
		attribute.String("payroll.batch_id", state.batchID),
		attribute.String("payroll.department", dept),
	))
	defer span.End()

	p.Notifier.Broadcast(notify.Event{
		Type:    notify.EventDepartmentStart,
		BatchID: state.batchID,
		Data:    map[string]any{"department": dept},
	})

	// Progress and error items are recorded even if ctx is cancelled.
	bookCtx := context.WithoutCancel(ctx)

	employees, err := p.Store.ListEmployeesByDepartment(ctx, dept)
	if err != nil {
		span.RecordError(err)
		p.abortDepartment(bookCtx, state, dept, fmt.Errorf("failed to load employees: %w", err))
		return
	}

	var deptErrs []payroll.UnitError
	for i, emp := range employees {
		outcome, net, err := p.payWithRetry(ctx, state, emp)
		if err != nil {
			log.Printf("[Batch] %s: employee %s in %s failed: %v", state.batchID, emp.ID, dept, err)
			deptErrs = append(deptErrs, payroll.UnitError{
				Department: dept,
				EmployeeID: emp.ID,
				Error:      err.Error(),
			})
		} else if outcome != paySkipped {
			state.addRecord(net)
		}

		p.Notifier.Broadcast(notify.Event{
			Type:    notify.EventProgress,
			BatchID: state.batchID,
			Data: map[string]any{
				"department": dept,
				"processed":  i + 1,
				"total":      len(employees),
			},
		})
	}

	if err := p.Store.MarkDepartmentProcessed(bookCtx, state.batchID, p.Clock()); err != nil {
		span.RecordError(err)
		p.abortDepartment(bookCtx, state, dept, fmt.Errorf("failed to record department progress: %w", err), deptErrs...)
		return
	}

	if len(deptErrs) > 0 {
		span.SetStatus(codes.Error, "employee failures")
		state.addErrors(deptErrs...)
		p.saveErrorItem(bookCtx, state, dept, payroll.EncodeUnitErrors(deptErrs))
		p.Audit.Append(bookCtx, "Department completed with errors", map[string]any{
			"batch_id":   state.batchID,
			"department": dept,
			"errors":     deptErrs,
		})
	}

	p.completeDepartment(state, dept, len(deptErrs))
}

// abortDepartment records a department-level failure. The processed
// counter is left untouched.
func (p *Processor) abortDepartment(ctx context.Context, state *runState, dept string, cause error, unitErrs ...payroll.UnitError) {
	log.Printf("[Batch] %s: department %s aborted: %v", state.batchID, dept, cause)

	deptErr := payroll.UnitError{Department: dept, Error: cause.Error()}
	state.addErrors(append(unitErrs, deptErr)...)
	p.saveErrorItem(ctx, state, dept, cause.Error())
	p.Audit.Append(ctx, "Department aborted", map[string]any{
		"batch_id":   state.batchID,
		"department": dept,
		"error":      cause.Error(),
	})

	p.completeDepartment(state, dept, len(unitErrs)+1)
}

func (p *Processor) completeDepartment(state *runState, dept string, errCount int) {
	p.Notifier.Broadcast(notify.Event{
		Type:    notify.EventDepartmentComplete,
		BatchID: state.batchID,
		Data: map[string]any{
			"department": dept,
			"errors":     errCount,
		},
	})
}

func (p *Processor) saveErrorItem(ctx context.Context, state *runState, dept, errText string) {
	err := p.Store.SaveItem(ctx, payroll.BatchItem{
		BatchID:    state.batchID,
		Department: dept,
		Status:     payroll.ItemError,
		Error:      errText,
	})
	if err != nil {
		log.Printf("[Batch] %s: failed to save item for %s: %v", state.batchID, dept, err)
		p.Audit.Append(ctx, "Failed to save batch item", map[string]any{
			"batch_id":   state.batchID,
			"department": dept,
			"error":      err.Error(),
		})
	}
}

// payWithRetry runs one employee's transaction, retrying with a constant
// delay before giving up.
func (p *Processor) payWithRetry(ctx context.Context, state *runState, emp payroll.Employee) (payOutcome, payroll.Money, error) {
	type paid struct {
		outcome payOutcome
		net     payroll.Money
	}

	op := func() (paid, error) {
		var res paid
		err := p.Store.WithTx(ctx, func(q payroll.Queries) error {
			outcome, net, err := payEmployee(ctx, q, p.Calculator, emp, state.period, state.batchID, false)
			res = paid{outcome: outcome, net: net}
			return err
		})
		return res, err
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Config.EmployeeRetryDelay)),
		backoff.WithMaxTries(uint(p.Config.EmployeeRetries+1)),
	)
	return res.outcome, res.net, err
}

func (p *Processor) sendSummary(
	ctx context.Context,
	header payroll.Batch,
	state *runState,
	status payroll.BatchStatus,
	end time.Time,
	errs []payroll.UnitError,
) {
	summary := header
	if stored, err := p.Store.GetBatch(ctx, header.ID); err == nil {
		summary = *stored
	} else {
		summary.Status = status
		summary.ErrorCount = len(errs)
		summary.EndTime = &end
	}

	subject, body := notify.SummaryEmail(notify.Summary{
		Batch:    summary,
		Records:  state.records,
		NetTotal: state.netTotal,
		Errors:   errs,
	})
	if err := p.Notifier.SendEmail(ctx, subject, body); err != nil {
		log.Printf("[Batch] %s: summary email failed: %v", header.ID, err)
		p.Audit.Append(ctx, "Summary email failed", map[string]any{
			"batch_id": header.ID,
			"error":    err.Error(),
		})
	}
}

// normalizeRequest validates the period and department list. Department
// names are trimmed and duplicates collapsed, keeping first-seen order.
func normalizeRequest(period payroll.Period, departments []string) ([]string, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	if len(departments) == 0 {
		return nil, &payroll.ValidationError{Field: "departments", Message: "at least one department is required"}
	}

	seen := make(map[string]bool, len(departments))
	out := make([]string, 0, len(departments))
	for _, d := range departments {
		name := strings.TrimSpace(d)
		if name == "" {
			return nil, &payroll.ValidationError{Field: "departments", Message: "department names must not be blank"}
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out, nil
}
