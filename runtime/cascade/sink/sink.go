// Package sink converts engine hook events into unified log rows and appends
// them, blocking, to the log store.
//
// The sink registers as a hooks subscriber. Because the bus delivers events
// synchronously, every row is durable before the engine takes its next step
// for the same session. Rows that reference an LLM call are enriched with the
// provider's usage and cost record before the append; there are no separate,
// later "cost update" rows.
//
// Caller identity is resolved from the session registry using the session id
// on the event, never from ambient goroutine state: background workers reuse
// goroutines across sessions, so the registry is the only trustworthy source
// at write time.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rvbbit.dev/rvbbit/runtime/cascade/eventlog"
	"rvbbit.dev/rvbbit/runtime/cascade/hooks"
	"rvbbit.dev/rvbbit/runtime/cascade/ident"
	"rvbbit.dev/rvbbit/runtime/cascade/model"
	"rvbbit.dev/rvbbit/runtime/cascade/telemetry"
)

type (
	// CostResolver retrieves the provider's usage and cost record for a
	// request id. Implementations typically query the provider's usage API
	// or a local accounting table.
	CostResolver interface {
		Resolve(ctx context.Context, requestID string) (model.Usage, error)
	}

	// Sink appends unified log rows for engine events.
	Sink struct {
		store   eventlog.Store
		reg     *ident.Registry
		costs   CostResolver
		logger  telemetry.Logger
		metrics telemetry.Metrics

		// bestEffort downgrades append failures to warnings so a flaky log
		// store does not halt cascades. Ordering is still preserved: the
		// sink never buffers or reorders.
		bestEffort bool

		// cost enrichment retry knobs.
		costAttempts int
		costBackoff  time.Duration
		costTimeout  time.Duration
	}

	// Option configures a Sink.
	Option func(*Sink)
)

// WithCostResolver installs a resolver consulted when a response carries a
// request id but no cost.
func WithCostResolver(r CostResolver) Option {
	return func(s *Sink) { s.costs = r }
}

// WithBestEffort makes append failures non-fatal.
func WithBestEffort() Option {
	return func(s *Sink) { s.bestEffort = true }
}

// WithLogger installs a structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// WithMetrics installs a metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(s *Sink) { s.metrics = m }
}

// New returns a Sink writing to store, resolving identity through reg.
func New(store eventlog.Store, reg *ident.Registry, opts ...Option) *Sink {
	s := &Sink{
		store:        store,
		reg:          reg,
		logger:       telemetry.NewNoopLogger(),
		metrics:      telemetry.NewNoopMetrics(),
		costAttempts: 3,
		costBackoff:  150 * time.Millisecond,
		costTimeout:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleEvent implements hooks.Subscriber.
func (s *Sink) HandleEvent(ctx context.Context, event hooks.Event) error {
	row, err := s.rowFor(ctx, event)
	if err != nil {
		return err
	}
	if row == nil {
		return nil
	}
	return s.append(ctx, row)
}

func (s *Sink) append(ctx context.Context, row *eventlog.Row) error {
	start := time.Now()
	err := s.store.AppendRow(ctx, row)
	s.metrics.RecordTimer("eventlog_append", time.Since(start), "node_type", string(row.NodeType))
	if err != nil {
		if s.bestEffort {
			s.logger.Warn(ctx, "event log append failed", "node_type", row.NodeType, "session_id", row.SessionID, "err", err)
			return nil
		}
		return fmt.Errorf("append %s row: %w", row.NodeType, err)
	}
	return nil
}

// rowFor builds the unified log row for an event. Returns nil for events the
// sink does not persist.
func (s *Sink) rowFor(ctx context.Context, event hooks.Event) (*eventlog.Row, error) {
	row := &eventlog.Row{SessionID: event.SessionID()}
	row.Stamp(event.Time())

	id := s.reg.BySession(event.SessionID())
	row.CallerID = id.CallerID
	if id.Metadata != nil {
		row.InvocationMetadataJSON, _ = json.Marshal(id.Metadata)
	}

	switch e := event.(type) {
	case *hooks.CascadeStarted:
		s.base(row, e.Base, eventlog.NodeCascadeStart)
		row.CascadeJSON = e.CascadeJSON
		row.ContentJSON, _ = json.Marshal(e.Inputs)

	case *hooks.CascadeCompleted:
		s.base(row, e.Base, eventlog.NodeCascadeComplete)
		row.ContentJSON, _ = json.Marshal(e.Content)
		if e.Err != nil {
			row.MetadataJSON, _ = json.Marshal(map[string]any{"status": e.Status, "error": e.Err.Error()})
		} else {
			row.MetadataJSON, _ = json.Marshal(map[string]any{"status": e.Status})
		}

	case *hooks.CellStarted:
		s.base(row, e.Base, eventlog.NodeCellStart)
		row.CellJSON = e.CellJSON

	case *hooks.CellCompleted:
		s.base(row, e.Base, eventlog.NodeCellComplete)
		row.ContentJSON, _ = json.Marshal(e.Content)
		row.DurationMS = float64(e.Duration.Milliseconds())

	case *hooks.AgentCalled:
		s.base(row, e.Base, eventlog.NodeAgent)
		row.Role = string(model.RoleAssistant)
		row.TurnNumber = intPtr(e.Turn)
		if e.Attempt > 0 {
			row.AttemptNumber = intPtr(e.Attempt)
		}
		row.CandidateIndex = e.CandidateIndex
		row.ReforgeStep = e.ReforgeStep
		row.DurationMS = float64(e.Duration.Milliseconds())
		row.ContentJSON, _ = json.Marshal(e.Response.Content)
		row.FullRequestJSON, _ = json.Marshal(e.Request)
		row.FullResponseJSON, _ = json.Marshal(e.Response)
		if len(e.Response.ToolCalls) > 0 {
			row.ToolCallsJSON, _ = json.Marshal(e.Response.ToolCalls)
		}
		s.applyUsage(ctx, row, e.Response.Usage)

	case *hooks.ToolCalled:
		s.base(row, e.Base, eventlog.NodeToolCall)
		row.Role = string(model.RoleAssistant)
		row.TurnNumber = intPtr(e.Turn)
		row.ToolCallsJSON, _ = json.Marshal([]model.ToolCall{e.Call})
		if e.Repaired {
			row.MetadataJSON, _ = json.Marshal(map[string]any{"json_repair": true})
		}

	case *hooks.ToolResulted:
		s.base(row, e.Base, eventlog.NodeToolResult)
		row.Role = string(model.RoleTool)
		row.TurnNumber = intPtr(e.Turn)
		row.ContentJSON, _ = json.Marshal(e.Content)
		row.DurationMS = float64(e.Duration.Milliseconds())
		if e.IsError {
			row.MetadataJSON, _ = json.Marshal(map[string]any{"is_error": true, "tool": e.Call.Name})
		} else {
			row.MetadataJSON, _ = json.Marshal(map[string]any{"tool": e.Call.Name})
		}
		if len(e.Images) > 0 {
			row.HasImages = true
			paths := make([]string, len(e.Images))
			for i, img := range e.Images {
				paths[i] = img.Path
				if len(img.Content) > 0 {
					row.HasBase64 = true
				}
			}
			row.ImagesJSON, _ = json.Marshal(paths)
		}

	case *hooks.FollowedUp:
		s.base(row, e.Base, eventlog.NodeFollowUp)
		row.Role = string(model.RoleAssistant)
		row.TurnNumber = intPtr(e.Turn)
		row.ContentJSON, _ = json.Marshal(e.Content)
		row.DurationMS = float64(e.Duration.Milliseconds())
		if e.Empty {
			row.MetadataJSON, _ = json.Marshal(map[string]any{"empty_follow_up": true})
		}
		s.applyUsage(ctx, row, e.Response.Usage)

	case *hooks.CandidateEvaluated:
		s.base(row, e.Base, eventlog.NodeCandidateEvaluated)
		row.CandidateIndex = intPtr(e.Index)
		row.IsWinner = boolPtr(e.Winner)
		row.Cost = e.Cost
		row.ContentJSON, _ = json.Marshal(e.Content)
		meta := map[string]any{"rationale": e.Rationale, "branch_session": e.BranchSession}
		if e.Score != nil {
			meta["score"] = *e.Score
		}
		row.MetadataJSON, _ = json.Marshal(meta)

	case *hooks.WinnerSelected:
		s.base(row, e.Base, eventlog.NodeWinnerSelected)
		row.CandidateIndex = intPtr(e.Index)
		row.IsWinner = boolPtr(true)
		row.ContentJSON, _ = json.Marshal(e.Content)

	case *hooks.RefinementStepped:
		s.base(row, e.Base, eventlog.NodeRefinementStep)
		row.ReforgeStep = intPtr(e.Step)
		row.ContentJSON, _ = json.Marshal(e.Output)
		row.MetadataJSON, _ = json.Marshal(map[string]any{
			"input_content": e.InputContent,
			"honing_prompt": e.HoningPrompt,
		})
		s.applyUsage(ctx, row, e.Response.Usage)

	case *hooks.WardChecked:
		s.base(row, e.Base, eventlog.NodeWardCheck)
		if e.Attempt > 0 {
			row.AttemptNumber = intPtr(e.Attempt)
		}
		row.MetadataJSON, _ = json.Marshal(map[string]any{
			"validator": e.Validator,
			"phase":     e.Phase,
			"mode":      e.Mode,
			"valid":     e.Valid,
			"reason":    e.Reason,
		})

	case *hooks.StateWritten:
		s.base(row, e.Base, eventlog.NodeStateWrite)
		row.ContentJSON, _ = json.Marshal(map[string]any{"key": e.Key, "value": e.Value})

	case *hooks.ErrorRaised:
		s.base(row, e.Base, eventlog.NodeError)
		row.ContentJSON, _ = json.Marshal(e.Message)
		row.MetadataJSON, _ = json.Marshal(map[string]any{
			"error_kind": string(e.ErrKind),
			"metadata":   e.Metadata,
		})

	default:
		return nil, nil
	}
	return row, nil
}

func (s *Sink) base(row *eventlog.Row, b hooks.Base, nt eventlog.NodeType) {
	row.NodeType = nt
	row.CascadeID = b.Cascade
	row.CellName = b.Cell
	row.Depth = b.Depth
}

// applyUsage fills the accounting columns. When the response carries a
// request id but no cost, the provider's record is fetched with bounded retry
// so the row is complete at write time.
func (s *Sink) applyUsage(ctx context.Context, row *eventlog.Row, u model.Usage) {
	if u.RequestID != "" && u.Cost == 0 && s.costs != nil {
		resolved, err := s.resolveCost(ctx, u.RequestID)
		if err != nil {
			s.logger.Warn(ctx, "cost enrichment failed", "request_id", u.RequestID, "err", err)
		} else {
			if resolved.Cost != 0 {
				u.Cost = resolved.Cost
			}
			if u.InputTokens == 0 {
				u.InputTokens = resolved.InputTokens
			}
			if u.OutputTokens == 0 {
				u.OutputTokens = resolved.OutputTokens
			}
		}
	}
	row.Model = u.Model
	row.Provider = u.Provider
	row.RequestID = u.RequestID
	row.TokensIn = u.InputTokens
	row.TokensOut = u.OutputTokens
	row.TotalTokens = u.TotalTokens()
	row.Cost = u.Cost
}

func (s *Sink) resolveCost(ctx context.Context, requestID string) (model.Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.costTimeout)
	defer cancel()
	var lastErr error
	for attempt := 0; attempt < s.costAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return model.Usage{}, ctx.Err()
			case <-time.After(s.costBackoff):
			}
		}
		u, err := s.costs.Resolve(ctx, requestID)
		if err == nil {
			return u, nil
		}
		lastErr = err
	}
	return model.Usage{}, fmt.Errorf("resolve cost after %d attempts: %w", s.costAttempts, lastErr)
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }
