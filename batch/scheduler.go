package batch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/warp/payroll-engine/notify"
	"github.com/warp/payroll-engine/payroll"
)

// DefaultRetryDelay is how long a failed department waits before its first
// retry.
const DefaultRetryDelay = 5 * time.Minute

// ScheduleResult reports how many departments were newly queued.
type ScheduleResult struct {
	ItemCount int
}

// Scheduler moves a batch's ERROR items onto the retry queue.
type Scheduler struct {
	Store    payroll.Store
	Notifier notify.Notifier
	Audit    Auditor
	Delay    time.Duration
	Clock    func() time.Time
}

// NewScheduler creates a scheduler. A zero delay uses DefaultRetryDelay.
func NewScheduler(store payroll.Store, notifier notify.Notifier, auditor Auditor, delay time.Duration) *Scheduler {
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	return &Scheduler{
		Store:    store,
		Notifier: notifier,
		Audit:    auditor,
		Delay:    delay,
		Clock:    time.Now,
	}
}

// ScheduleRetries queues every ERROR item of the batch. Departments that
// already have a queue entry are skipped, so calling it twice is safe.
func (s *Scheduler) ScheduleRetries(ctx context.Context, batchID string) (ScheduleResult, error) {
	if _, err := s.Store.GetBatch(ctx, batchID); err != nil {
		return ScheduleResult{}, err
	}

	scheduled := s.Clock().Add(s.Delay)
	var count int
	err := s.Store.WithTx(ctx, func(q payroll.Queries) error {
		items, err := q.ListItems(ctx, batchID, payroll.ItemError)
		if err != nil {
			return err
		}
		for _, item := range items {
			added, err := q.EnqueueRetry(ctx, payroll.RetryEntry{
				BatchID:       batchID,
				Department:    item.Department,
				OriginalError: item.Error,
				ScheduledTime: scheduled,
				Status:        payroll.RetryPending,
			})
			if err != nil {
				return err
			}
			if added {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return ScheduleResult{}, fmt.Errorf("failed to schedule retries for %s: %w", batchID, err)
	}

	log.Printf("[Scheduler] %s: %d departments queued for %s", batchID, count, scheduled.Format(time.RFC3339))
	s.Audit.Append(ctx, "Retries scheduled", map[string]any{
		"batch_id":       batchID,
		"item_count":     count,
		"scheduled_time": scheduled,
	})

	s.Notifier.Broadcast(notify.Event{
		Type:      notify.EventRetryScheduled,
		BatchID:   batchID,
		ItemCount: &count,
	})

	return ScheduleResult{ItemCount: count}, nil
}
