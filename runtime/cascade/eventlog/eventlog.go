// Package eventlog defines the unified log row schema and the append-only
// store contract (LogStore) that backs it.
//
// Every engine event (cascade start/end, cell start/end, agent calls, tool
// calls, follow-ups, candidate evaluations, refinement steps, ward checks,
// state writes, errors) is one immutable row. The store also persists
// durable state snapshots and cascade-session records (verbatim cascade
// definition plus inputs) so historical replay is byte-exact.
package eventlog

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// Row is one event in the unified log.
	Row struct {
		// Timestamp is unix seconds with fractional precision.
		Timestamp float64 `json:"timestamp" bson:"timestamp"`
		// TimestampISO is the same instant in ISO-8601.
		TimestampISO string `json:"timestamp_iso" bson:"timestamp_iso"`

		SessionID       string `json:"session_id" bson:"session_id"`
		TraceID         string `json:"trace_id,omitempty" bson:"trace_id,omitempty"`
		ParentID        string `json:"parent_id,omitempty" bson:"parent_id,omitempty"`
		ParentSessionID string `json:"parent_session_id,omitempty" bson:"parent_session_id,omitempty"`
		ParentMessageID string `json:"parent_message_id,omitempty" bson:"parent_message_id,omitempty"`

		// NodeType identifies the event kind. See the NodeType constants.
		NodeType NodeType `json:"node_type" bson:"node_type"`
		// Role is the chat role when the row carries a message; empty
		// otherwise.
		Role string `json:"role,omitempty" bson:"role,omitempty"`

		Depth          int   `json:"depth" bson:"depth"`
		CandidateIndex *int  `json:"candidate_index,omitempty" bson:"candidate_index,omitempty"`
		IsWinner       *bool `json:"is_winner,omitempty" bson:"is_winner,omitempty"`
		ReforgeStep    *int  `json:"reforge_step,omitempty" bson:"reforge_step,omitempty"`
		AttemptNumber  *int  `json:"attempt_number,omitempty" bson:"attempt_number,omitempty"`
		TurnNumber     *int  `json:"turn_number,omitempty" bson:"turn_number,omitempty"`

		CascadeID string `json:"cascade_id" bson:"cascade_id"`
		CellName  string `json:"cell_name,omitempty" bson:"cell_name,omitempty"`
		// CellJSON is the serialized cell configuration.
		CellJSON json.RawMessage `json:"cell_json,omitempty" bson:"cell_json,omitempty"`
		// CascadeJSON is the serialized cascade configuration; populated on
		// cascade_start rows.
		CascadeJSON json.RawMessage `json:"cascade_json,omitempty" bson:"cascade_json,omitempty"`

		Model     string `json:"model,omitempty" bson:"model,omitempty"`
		RequestID string `json:"request_id,omitempty" bson:"request_id,omitempty"`
		Provider  string `json:"provider,omitempty" bson:"provider,omitempty"`

		DurationMS  float64 `json:"duration_ms,omitempty" bson:"duration_ms,omitempty"`
		TokensIn    int     `json:"tokens_in,omitempty" bson:"tokens_in,omitempty"`
		TokensOut   int     `json:"tokens_out,omitempty" bson:"tokens_out,omitempty"`
		TotalTokens int     `json:"total_tokens,omitempty" bson:"total_tokens,omitempty"`
		Cost        float64 `json:"cost,omitempty" bson:"cost,omitempty"`

		ContentJSON      json.RawMessage `json:"content_json,omitempty" bson:"content_json,omitempty"`
		FullRequestJSON  json.RawMessage `json:"full_request_json,omitempty" bson:"full_request_json,omitempty"`
		FullResponseJSON json.RawMessage `json:"full_response_json,omitempty" bson:"full_response_json,omitempty"`
		ToolCallsJSON    json.RawMessage `json:"tool_calls_json,omitempty" bson:"tool_calls_json,omitempty"`
		ImagesJSON       json.RawMessage `json:"images_json,omitempty" bson:"images_json,omitempty"`

		HasImages bool `json:"has_images,omitempty" bson:"has_images,omitempty"`
		HasBase64 bool `json:"has_base64,omitempty" bson:"has_base64,omitempty"`

		MetadataJSON json.RawMessage `json:"metadata_json,omitempty" bson:"metadata_json,omitempty"`

		CallerID               string          `json:"caller_id" bson:"caller_id"`
		InvocationMetadataJSON json.RawMessage `json:"invocation_metadata_json,omitempty" bson:"invocation_metadata_json,omitempty"`
	}

	// StateRow is a durable state snapshot, one per set_state write. The
	// latest row per (session, key) is the authoritative durable value.
	StateRow struct {
		SessionID string    `json:"session_id" bson:"session_id"`
		CascadeID string    `json:"cascade_id" bson:"cascade_id"`
		Key       string    `json:"key" bson:"key"`
		Value     string    `json:"value" bson:"value"`
		ValueType string    `json:"value_type" bson:"value_type"`
		CellName  string    `json:"cell_name,omitempty" bson:"cell_name,omitempty"`
		CreatedAt time.Time `json:"created_at" bson:"created_at"`
	}

	// SessionRow is the cascade-session record written once at cascade start.
	// CascadeRaw holds the document bytes exactly as loaded.
	SessionRow struct {
		SessionID              string          `json:"session_id" bson:"session_id"`
		CascadeID              string          `json:"cascade_id" bson:"cascade_id"`
		ParentSessionID        string          `json:"parent_session_id,omitempty" bson:"parent_session_id,omitempty"`
		Depth                  int             `json:"depth" bson:"depth"`
		CascadeRaw             []byte          `json:"cascade_raw" bson:"cascade_raw"`
		InputData              json.RawMessage `json:"input_data,omitempty" bson:"input_data,omitempty"`
		CallerID               string          `json:"caller_id" bson:"caller_id"`
		InvocationMetadataJSON json.RawMessage `json:"invocation_metadata_json,omitempty" bson:"invocation_metadata_json,omitempty"`
		CreatedAt              time.Time       `json:"created_at" bson:"created_at"`
	}

	// Filter narrows ListRows queries. Zero fields match everything.
	Filter struct {
		SessionID   string
		CallerID    string
		CascadeID   string
		CellName    string
		NodeType    NodeType
		WinnersOnly bool
		// Limit caps the result set; zero means no cap.
		Limit int
	}

	// Store is the append-only log store. Implementations must persist each
	// append before returning (or degrade to best effort when the backing
	// store is unavailable) and must never reorder rows within a session.
	Store interface {
		// AppendRow persists one event row.
		AppendRow(ctx context.Context, row *Row) error
		// AppendState persists one durable state snapshot.
		AppendState(ctx context.Context, row *StateRow) error
		// AppendSession persists the cascade-session record.
		AppendSession(ctx context.Context, row *SessionRow) error
		// ListRows returns rows matching the filter in append order.
		ListRows(ctx context.Context, f Filter) ([]*Row, error)
		// LatestState returns the most recent state snapshot for the key, or
		// nil when none exists. SessionID may be empty to search across
		// sessions.
		LatestState(ctx context.Context, sessionID, key string) (*StateRow, error)
		// GetSession returns the cascade-session record, or nil when unknown.
		GetSession(ctx context.Context, sessionID string) (*SessionRow, error)
	}

	// NodeType identifies the event kind of a log row.
	NodeType string
)

const (
	NodeCascadeStart       NodeType = "cascade_start"
	NodeCascadeComplete    NodeType = "cascade_complete"
	NodeCellStart          NodeType = "cell_start"
	NodeCellComplete       NodeType = "cell_complete"
	NodeAgent              NodeType = "agent"
	NodeToolCall           NodeType = "tool_call"
	NodeToolResult         NodeType = "tool_result"
	NodeFollowUp           NodeType = "follow_up"
	NodeCandidateEvaluated NodeType = "candidate_evaluated"
	NodeWinnerSelected     NodeType = "winner_selected"
	NodeRefinementStep     NodeType = "refinement_step"
	NodeWardCheck          NodeType = "ward_check"
	NodeStateWrite         NodeType = "state_write"
	NodeError              NodeType = "error"
	NodeUser               NodeType = "user"
	NodeSystem             NodeType = "system"
)

// Stamp fills Timestamp and TimestampISO from t.
func (r *Row) Stamp(t time.Time) {
	r.Timestamp = float64(t.UnixNano()) / 1e9
	r.TimestampISO = t.UTC().Format(time.RFC3339Nano)
}

// Matches reports whether the row satisfies the filter.
func (f Filter) Matches(r *Row) bool {
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if f.CallerID != "" && r.CallerID != f.CallerID {
		return false
	}
	if f.CascadeID != "" && r.CascadeID != f.CascadeID {
		return false
	}
	if f.CellName != "" && r.CellName != f.CellName {
		return false
	}
	if f.NodeType != "" && r.NodeType != f.NodeType {
		return false
	}
	if f.WinnersOnly && (r.IsWinner == nil || !*r.IsWinner) {
		return false
	}
	return true
}
