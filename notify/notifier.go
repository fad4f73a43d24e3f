/*
Package notify delivers batch outcomes to people and to live dashboards.

PURPOSE:
  Two channels leave the batch engine:
  - Email: one summary per bulk run, one terminal message per exhausted retry
  - Events: progress broadcast to every connected WebSocket client

  Both are fire-and-forget from the engine's point of view. A failed email
  is reported back to the caller, which logs and audits it; a broadcast
  never fails.

EVENT TYPES:
  DEPARTMENT_START     {department}
  PROGRESS             {department, processed, total}
  DEPARTMENT_COMPLETE  {department, errors}
  BATCH_COMPLETE       {status, errors}
  RETRY_SCHEDULED      itemCount
  RETRY_UPDATE         {department, success, failed}

SEE ALSO:
  - hub.go: WebSocket fan-out
  - mailer.go: SMTP and log mailers
  - messages.go: Email bodies
*/
package notify

import (
	"context"
	"log"
)

// EventType names a progress event.
type EventType string

const (
	EventDepartmentStart    EventType = "DEPARTMENT_START"
	EventProgress           EventType = "PROGRESS"
	EventDepartmentComplete EventType = "DEPARTMENT_COMPLETE"
	EventBatchComplete      EventType = "BATCH_COMPLETE"
	EventRetryScheduled     EventType = "RETRY_SCHEDULED"
	EventRetryUpdate        EventType = "RETRY_UPDATE"
)

// Event is one progress message.
type Event struct {
	Type      EventType      `json:"type"`
	BatchID   string         `json:"batchId"`
	ItemCount *int           `json:"itemCount,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Notifier is what the batch engine needs from the outside world.
type Notifier interface {
	SendEmail(ctx context.Context, subject, body string) error
	Broadcast(ev Event)
}

// Service joins a Mailer and a Hub into a Notifier.
type Service struct {
	mailer Mailer
	hub    *Hub
}

var _ Notifier = (*Service)(nil)

// NewService creates a notifier. A nil mailer logs emails instead of
// sending them; a nil hub drops events.
func NewService(mailer Mailer, hub *Hub) *Service {
	if mailer == nil {
		mailer = LogMailer{}
	}
	return &Service{mailer: mailer, hub: hub}
}

// SendEmail delivers a message to the configured recipients.
func (s *Service) SendEmail(ctx context.Context, subject, body string) error {
	return s.mailer.Send(ctx, subject, body)
}

// Broadcast fans an event out to live subscribers.
func (s *Service) Broadcast(ev Event) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(ev)
}

// Discard is a Notifier that does nothing.
type Discard struct{}

func (Discard) SendEmail(context.Context, string, string) error { return nil }
func (Discard) Broadcast(Event)                                 {}

// logf is swapped in tests.
var logf = log.Printf
