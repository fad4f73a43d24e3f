package batch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/notify"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/store/sqlite"
)

var june2024 = payroll.Period{Month: 6, Year: 2024}

// =============================================================================
// CLOCK
// =============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// =============================================================================
// NOTIFIER
// =============================================================================

type sentEmail struct {
	Subject string
	Body    string
}

type recordingNotifier struct {
	mu       sync.Mutex
	events   []notify.Event
	emails   []sentEmail
	emailErr error
}

func (n *recordingNotifier) SendEmail(_ context.Context, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.emails = append(n.emails, sentEmail{Subject: subject, Body: body})
	return n.emailErr
}

func (n *recordingNotifier) Broadcast(ev notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) Events() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.events...)
}

func (n *recordingNotifier) Emails() []sentEmail {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentEmail(nil), n.emails...)
}

func (n *recordingNotifier) EventsOfType(t notify.EventType) []notify.Event {
	var out []notify.Event
	for _, ev := range n.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// cancellingNotifier cancels the run's context on the first
// DEPARTMENT_COMPLETE event.
type cancellingNotifier struct {
	*recordingNotifier
	cancel context.CancelFunc
	once   sync.Once
}

func (n *cancellingNotifier) Broadcast(ev notify.Event) {
	n.recordingNotifier.Broadcast(ev)
	if ev.Type == notify.EventDepartmentComplete {
		n.once.Do(n.cancel)
	}
}

// =============================================================================
// AUDITOR
// =============================================================================

type recordingAuditor struct {
	mu       sync.Mutex
	messages []string
}

func (a *recordingAuditor) Append(_ context.Context, message string, _ map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, message)
}

func (a *recordingAuditor) Messages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.messages...)
}

// =============================================================================
// CALCULATOR
// =============================================================================

// flakyCalculator fails for selected employees a fixed number of times
// (negative = forever) before delegating to the standard calculator.
type flakyCalculator struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
	inner    payroll.Calculator
}

func newFlakyCalculator(failures map[string]int) *flakyCalculator {
	if failures == nil {
		failures = map[string]int{}
	}
	return &flakyCalculator{
		failures: failures,
		calls:    map[string]int{},
		inner:    payroll.NewStandardCalculator(),
	}
}

func (c *flakyCalculator) Compute(emp payroll.Employee) (payroll.Breakdown, error) {
	c.mu.Lock()
	c.calls[emp.ID]++
	remaining, ok := c.failures[emp.ID]
	if ok && remaining != 0 {
		if remaining > 0 {
			c.failures[emp.ID] = remaining - 1
		}
		c.mu.Unlock()
		return payroll.Breakdown{}, errors.New("calculator unavailable")
	}
	c.mu.Unlock()
	return c.inner.Compute(emp)
}

func (c *flakyCalculator) Calls(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

// =============================================================================
// STORE
// =============================================================================

// brokenDepartmentStore fails employee lookups for one department.
type brokenDepartmentStore struct {
	payroll.Store
	department string
}

func (s brokenDepartmentStore) ListEmployeesByDepartment(ctx context.Context, department string) ([]payroll.Employee, error) {
	if department == s.department {
		return nil, errors.New("employees table unavailable")
	}
	return s.Store.ListEmployeesByDepartment(ctx, department)
}

// txFailStore fails the employee lookup of one department inside
// transactions, so the whole transaction rolls back.
type txFailStore struct {
	payroll.Store
	department string
}

func (s txFailStore) WithTx(ctx context.Context, fn func(q payroll.Queries) error) error {
	return s.Store.WithTx(ctx, func(q payroll.Queries) error {
		return fn(txFailQueries{Queries: q, department: s.department})
	})
}

type txFailQueries struct {
	payroll.Queries
	department string
}

func (q txFailQueries) ListEmployeesByDepartment(ctx context.Context, department string) ([]payroll.Employee, error) {
	if department == q.department {
		return nil, errors.New("department lock timeout")
	}
	return q.Queries.ListEmployeesByDepartment(ctx, department)
}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// seed adds ACTIVE employees: department -> number of employees. IDs are
// "<dept>-<n>".
func seed(t *testing.T, store payroll.Store, departments map[string]int) {
	t.Helper()
	ctx := context.Background()
	for dept, n := range departments {
		for i := 1; i <= n; i++ {
			require.NoError(t, store.SaveEmployee(ctx, payroll.Employee{
				ID:         fmt.Sprintf("%s-%d", dept, i),
				Name:       fmt.Sprintf("%s employee %d", dept, i),
				Email:      fmt.Sprintf("%s%d@example.com", dept, i),
				Department: dept,
				BaseSalary: payroll.NewMoney(2000),
				Status:     payroll.EmployeeActive,
				HireDate:   time.Date(2022, 3, 1, 0, 0, 0, 0, time.UTC),
			}))
		}
	}
}

// =============================================================================
// HARNESS
// =============================================================================

type harness struct {
	store     payroll.Store
	calc      *flakyCalculator
	notifier  *recordingNotifier
	audit     *recordingAuditor
	clock     *fakeClock
	processor *batch.Processor
	scheduler *batch.Scheduler
	worker    *batch.RetryWorker
}

func newHarness(t *testing.T, store payroll.Store, failures map[string]int) *harness {
	t.Helper()
	h := &harness{
		store:    store,
		calc:     newFlakyCalculator(failures),
		notifier: &recordingNotifier{},
		audit:    &recordingAuditor{},
		clock:    newFakeClock(),
	}

	h.processor = batch.NewProcessor(store, h.calc, h.notifier, h.audit, batch.ProcessorConfig{
		EmployeeRetries:    2,
		EmployeeRetryDelay: time.Millisecond,
	})
	h.processor.Clock = h.clock.Now

	h.scheduler = batch.NewScheduler(store, h.notifier, h.audit, 5*time.Minute)
	h.scheduler.Clock = h.clock.Now

	h.worker = batch.NewRetryWorker(store, h.calc, h.notifier, h.audit, batch.WorkerConfig{
		Interval:    time.Hour,
		BatchSize:   5,
		MaxAttempts: 3,
		Backoff:     5 * time.Minute,
		MaxDelay:    time.Hour,
	})
	h.worker.Clock = h.clock.Now
	return h
}

func (h *harness) run(t *testing.T, departments ...string) *batch.Result {
	t.Helper()
	res, err := h.processor.Run(context.Background(), batch.Request{
		Month:       june2024.Month,
		Year:        june2024.Year,
		Departments: departments,
		RequestedBy: "hr-admin",
	})
	require.NoError(t, err)
	return res
}
