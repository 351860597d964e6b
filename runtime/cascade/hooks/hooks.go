// Package hooks publishes engine lifecycle events to registered subscribers.
//
// The bus is synchronous and fail-fast: subscribers are invoked in
// registration order in the publisher's goroutine, and iteration stops at the
// first subscriber error. The log sink registers as a subscriber, so every
// event is durable before the engine takes its next step. The ordering
// guarantees of the unified log fall out of this delivery model.
package hooks

import (
	"context"
	"errors"
	"sync"
	"time"
)

type (
	// Bus publishes engine events to registered subscribers in a fan-out
	// pattern. Safe for concurrent Publish, Register, and Close.
	Bus interface {
		// Publish delivers the event to every currently registered
		// subscriber, stopping at the first error.
		Publish(ctx context.Context, event Event) error
		// Register adds a subscriber and returns a Subscription that can be
		// closed to unregister. Returns an error if sub is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published engine events.
	//
	// HandleEvent should return an error only if processing fails in a way
	// that should halt the cascade (e.g., the canonical log store is
	// unavailable and best-effort mode is off). Non-critical failures should
	// be logged and swallowed so other subscribers still run.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// Subscription represents an active registration on a Bus. Close is
	// idempotent and thread-safe.
	Subscription interface {
		Close() error
	}

	// Event is implemented by all engine lifecycle events.
	Event interface {
		// Kind returns the event kind constant.
		Kind() Kind
		// SessionID returns the session the event belongs to.
		SessionID() string
		// Time returns when the event occurred.
		Time() time.Time
	}

	// Kind identifies the lifecycle phase of an event.
	Kind string

	bus struct {
		mu          sync.RWMutex
		subscribers map[*subscription]Subscriber
		order       []*subscription
	}

	subscription struct {
		bus  *bus
		once sync.Once
	}
)

const (
	KindCascadeStart       Kind = "cascade_start"
	KindCascadeComplete    Kind = "cascade_complete"
	KindCascadeError       Kind = "cascade_error"
	KindCellStart          Kind = "cell_start"
	KindCellComplete       Kind = "cell_complete"
	KindAgentCall          Kind = "agent_call"
	KindToolCall           Kind = "tool_call"
	KindToolResult         Kind = "tool_result"
	KindFollowUp           Kind = "follow_up"
	KindCandidateEvaluated Kind = "candidate_evaluated"
	KindWinnerSelected     Kind = "winner_selected"
	KindRefinementStep     Kind = "refinement_step"
	KindWardCheck          Kind = "ward_check"
	KindStateWrite         Kind = "state_write"
	KindError              Kind = "error"
)

// NewBus returns an empty synchronous bus.
func NewBus() Bus {
	return &bus{subscribers: make(map[*subscription]Subscriber)}
}

// Publish implements Bus.
func (b *bus) Publish(ctx context.Context, event Event) error {
	if event == nil {
		return errors.New("event is required")
	}
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.order))
	for _, s := range b.order {
		if sub, ok := b.subscribers[s]; ok {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register implements Bus.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &subscription{bus: b}
	b.subscribers[s] = sub
	b.order = append(b.order, s)
	return s, nil
}

// Close implements Subscription.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		s.bus.mu.Unlock()
	})
	return nil
}
