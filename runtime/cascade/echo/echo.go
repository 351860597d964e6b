// Package echo holds per-session runtime state for cascade runs.
//
// An Echo is created when a cascade starts and updated through its cells:
// key/value state, accumulated messages, errors, and cost. The in-memory Echo
// is authoritative for the life of the process; state writes are mirrored as
// durable snapshots to the log store so the latest value is recoverable
// independently of process memory.
package echo

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	"rvbbit.dev/rvbbit/runtime/cascade/errs"
	"rvbbit.dev/rvbbit/runtime/cascade/eventlog"
	"rvbbit.dev/rvbbit/runtime/cascade/model"
)

type (
	// Status is the lifecycle state of a session.
	Status string

	// Echo is the runtime state of one cascade invocation.
	Echo struct {
		// SessionID is unique per run.
		SessionID string
		// CascadeID identifies the cascade document.
		CascadeID string
		// ParentSessionID links sub-cascade sessions to their parent. Empty
		// for top-level runs.
		ParentSessionID string
		// Depth is the sub-cascade nesting depth, zero at top level.
		Depth int
		// CreatedAt records session creation time.
		CreatedAt time.Time
		// CallerID is the top-level origin identity, inherited unchanged by
		// all descendants.
		CallerID string
		// InvocationMetadata records the triggering surface.
		InvocationMetadata map[string]any
		// Inputs are the cascade inputs for this run.
		Inputs map[string]any

		mu          sync.Mutex
		state       map[string]any
		messages    map[string][]*model.Message
		errors      []CellError
		costTotal   float64
		tokensTotal int
		status      Status
	}

	// CellError is one entry in the session error ledger.
	CellError struct {
		CellName string         `json:"cell_name"`
		Kind     errs.Kind      `json:"error_kind"`
		Message  string         `json:"message"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Store is the in-memory session registry. It mirrors durable state
	// snapshots and the cascade-session record to the log store.
	Store struct {
		mu       sync.RWMutex
		sessions map[string]*Echo
		log      eventlog.Store
	}
)

const (
	// StatusRunning indicates the session is executing.
	StatusRunning Status = "running"
	// StatusCompleted indicates the session finished with no errors.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the session finished with errors.
	StatusFailed Status = "failed"
)

// NewStore returns a Store mirroring durable writes to the given log store.
func NewStore(log eventlog.Store) *Store {
	return &Store{sessions: make(map[string]*Echo), log: log}
}

// Create registers a new session and persists its cascade-session record
// (verbatim cascade bytes plus inputs) for replay.
func (s *Store) Create(ctx context.Context, e *Echo, cascadeRaw []byte) (*Echo, error) {
	if e.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	e.state = make(map[string]any)
	e.messages = make(map[string][]*model.Message)
	e.status = StatusRunning
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	s.mu.Lock()
	if _, dup := s.sessions[e.SessionID]; dup {
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s already exists", e.SessionID)
	}
	s.sessions[e.SessionID] = e
	s.mu.Unlock()

	inputData, _ := json.Marshal(e.Inputs)
	invMeta, _ := json.Marshal(e.InvocationMetadata)
	row := &eventlog.SessionRow{
		SessionID:              e.SessionID,
		CascadeID:              e.CascadeID,
		ParentSessionID:        e.ParentSessionID,
		Depth:                  e.Depth,
		CascadeRaw:             cascadeRaw,
		InputData:              inputData,
		CallerID:               e.CallerID,
		InvocationMetadataJSON: invMeta,
		CreatedAt:              e.CreatedAt,
	}
	if err := s.log.AppendSession(ctx, row); err != nil {
		return nil, fmt.Errorf("persist cascade session: %w", err)
	}
	return e, nil
}

// Get returns the session, or nil when unknown. External lookups are
// read-only; only the session's own task tree mutates the Echo.
func (s *Store) Get(sessionID string) *Echo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}

// SetState updates the in-memory state and appends a durable snapshot row.
// Writes are serialized per session.
func (s *Store) SetState(ctx context.Context, sessionID, key string, value any, cellName string) error {
	e := s.Get(sessionID)
	if e == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}
	e.mu.Lock()
	e.state[key] = value
	e.mu.Unlock()

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", key, err)
	}
	row := &eventlog.StateRow{
		SessionID: sessionID,
		CascadeID: e.CascadeID,
		Key:       key,
		Value:     string(encoded),
		ValueType: valueType(value),
		CellName:  cellName,
		CreatedAt: time.Now(),
	}
	return s.log.AppendState(ctx, row)
}

// Finalize transitions the session to its terminal status: failed when the
// error ledger is non-empty, completed otherwise.
func (s *Store) Finalize(sessionID string) Status {
	e := s.Get(sessionID)
	if e == nil {
		return StatusFailed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.errors) > 0 {
		e.status = StatusFailed
	} else {
		e.status = StatusCompleted
	}
	return e.status
}

// State returns a copy of the current state map.
func (e *Echo) State() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.state)
}

// StateValue returns one state value and whether it is set.
func (e *Echo) StateValue(key string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.state[key]
	return v, ok
}

// AppendMessage records a role-tagged message under the cell's history.
func (e *Echo) AppendMessage(cell string, msg *model.Message) {
	e.mu.Lock()
	e.messages[cell] = append(e.messages[cell], msg)
	e.mu.Unlock()
}

// Messages returns a copy of the cell's message history.
func (e *Echo) Messages(cell string) []*model.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*model.Message, len(e.messages[cell]))
	copy(out, e.messages[cell])
	return out
}

// AddError appends an entry to the error ledger.
func (e *Echo) AddError(ce CellError) {
	e.mu.Lock()
	e.errors = append(e.errors, ce)
	e.mu.Unlock()
}

// Errors returns a copy of the error ledger.
func (e *Echo) Errors() []CellError {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]CellError, len(e.errors))
	copy(out, e.errors)
	return out
}

// AddUsage accumulates cost and token totals.
func (e *Echo) AddUsage(u model.Usage) {
	e.mu.Lock()
	e.costTotal += u.Cost
	e.tokensTotal += u.TotalTokens()
	e.mu.Unlock()
}

// CostTotal returns the accumulated dollar cost.
func (e *Echo) CostTotal() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.costTotal
}

// TokensTotal returns the accumulated token count.
func (e *Echo) TokensTotal() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tokensTotal
}

// Status returns the current lifecycle status.
func (e *Echo) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Branch creates a candidate-branch Echo sharing the parent's identity and a
// deep copy of its state, with session id "<parent>_c<index>".
func (s *Store) Branch(ctx context.Context, parent *Echo, index int, cascadeRaw []byte) (*Echo, error) {
	b := &Echo{
		SessionID:          fmt.Sprintf("%s_c%d", parent.SessionID, index),
		CascadeID:          parent.CascadeID,
		ParentSessionID:    parent.SessionID,
		Depth:              parent.Depth + 1,
		CallerID:           parent.CallerID,
		InvocationMetadata: parent.InvocationMetadata,
		Inputs:             maps.Clone(parent.Inputs),
	}
	if _, err := s.Create(ctx, b, cascadeRaw); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.state = parent.State()
	b.mu.Unlock()
	return b, nil
}

func valueType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64, int32:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}
