package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mrwolf/anchor-server/internal/models"
)

// Notifier delivers a due notification to the outside world. Implementations
// must honor ctx cancellation.
type Notifier interface {
	Name() string
	Dispatch(ctx context.Context, n models.ScheduledNotification) error
}

// Event is the wire form of a dispatched notification shared by every sink
type Event struct {
	ID         string          `json:"id"`
	Category   string          `json:"category"`
	Priority   models.Priority `json:"priority"`
	Title      string          `json:"title"`
	Body       string          `json:"body,omitempty"`
	DispatchAt time.Time       `json:"dispatch_at"`
	Payload    models.Payload  `json:"payload"`
}

// NewEvent builds the wire event for a notification
func NewEvent(n models.ScheduledNotification) Event {
	e := Event{
		ID:         n.ID,
		Category:   n.Category,
		Priority:   n.Priority,
		Title:      n.Payload.Title(),
		DispatchAt: n.DispatchAt,
		Payload:    n.Payload,
	}
	switch {
	case n.Payload.Message != nil:
		e.Body = n.Payload.Message.Body
	case n.Payload.Recommendation != nil:
		e.Body = n.Payload.Recommendation.Reasoning
	}
	return e
}

// LogNotifier writes notifications to the process log
type LogNotifier struct{}

func (LogNotifier) Name() string { return "log" }

func (LogNotifier) Dispatch(ctx context.Context, n models.ScheduledNotification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	log.Printf("Notify: [%s] %s %q (category=%s)", n.Priority, n.ID, n.Payload.Title(), n.Category)
	return nil
}

// Multi fans a notification out to several sinks. Delivery succeeds when at
// least one sink accepts it.
type Multi struct {
	sinks []Notifier
}

// NewMulti combines sinks into one notifier
func NewMulti(sinks ...Notifier) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Name() string {
	names := make([]string, len(m.sinks))
	for i, s := range m.sinks {
		names[i] = s.Name()
	}
	return strings.Join(names, ",")
}

func (m *Multi) Dispatch(ctx context.Context, n models.ScheduledNotification) error {
	if len(m.sinks) == 0 {
		return fmt.Errorf("no notifier configured")
	}

	var errs []error
	delivered := 0
	for _, s := range m.sinks {
		if err := s.Dispatch(ctx, n); err != nil {
			log.Printf("Notify: sink %s failed for %s: %v", s.Name(), n.ID, err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return errors.Join(errs...)
	}
	return nil
}
