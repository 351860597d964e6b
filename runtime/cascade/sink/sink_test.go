package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rvbbit.dev/rvbbit/runtime/cascade/eventlog"
	"rvbbit.dev/rvbbit/runtime/cascade/eventlog/inmem"
	"rvbbit.dev/rvbbit/runtime/cascade/hooks"
	"rvbbit.dev/rvbbit/runtime/cascade/ident"
	"rvbbit.dev/rvbbit/runtime/cascade/model"
)

type failingStore struct {
	eventlog.Store
	err error
}

func (s *failingStore) AppendRow(context.Context, *eventlog.Row) error { return s.err }

type stubResolver struct {
	calls int
	fails int
	usage model.Usage
}

func (r *stubResolver) Resolve(_ context.Context, _ string) (model.Usage, error) {
	r.calls++
	if r.calls <= r.fails {
		return model.Usage{}, errors.New("usage api unavailable")
	}
	return r.usage, nil
}

func newSink(t *testing.T, opts ...Option) (*Sink, *inmem.Store, *ident.Registry) {
	t.Helper()
	store := inmem.New()
	reg := ident.NewRegistry()
	return New(store, reg, opts...), store, reg
}

func listRows(t *testing.T, store *inmem.Store, f eventlog.Filter) []*eventlog.Row {
	t.Helper()
	rows, err := store.ListRows(context.Background(), f)
	require.NoError(t, err)
	return rows
}

func TestRowCarriesRegistryIdentity(t *testing.T) {
	s, store, reg := newSink(t)
	id := ident.Mint("sql", map[string]any{"query": "SELECT 1"})
	reg.Bind("sess-1", id)

	err := s.HandleEvent(context.Background(), &hooks.CellStarted{
		Base: hooks.NewBase("sess-1", "casc", "draft", 0),
	})
	require.NoError(t, err)

	rows := listRows(t, store, eventlog.Filter{SessionID: "sess-1"})
	require.Len(t, rows, 1)
	assert.Equal(t, id.CallerID, rows[0].CallerID)
	assert.JSONEq(t, `{"query": "SELECT 1"}`, string(rows[0].InvocationMetadataJSON))
	assert.Equal(t, eventlog.NodeCellStart, rows[0].NodeType)
	assert.Equal(t, "casc", rows[0].CascadeID)
	assert.Equal(t, "draft", rows[0].CellName)
}

func TestAgentRowCarriesUsage(t *testing.T) {
	s, store, _ := newSink(t)

	err := s.HandleEvent(context.Background(), &hooks.AgentCalled{
		Base: hooks.NewBase("sess-1", "casc", "draft", 0),
		Turn: 2,
		Response: model.Response{
			Content: "hello",
			Usage: model.Usage{
				InputTokens:  10,
				OutputTokens: 5,
				Cost:         0.002,
				Model:        "test-model",
				Provider:     "anthropic",
				RequestID:    "req-1",
			},
		},
		Duration: 120 * time.Millisecond,
	})
	require.NoError(t, err)

	rows := listRows(t, store, eventlog.Filter{NodeType: eventlog.NodeAgent})
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, 10, row.TokensIn)
	assert.Equal(t, 5, row.TokensOut)
	assert.Equal(t, 15, row.TotalTokens)
	assert.Equal(t, 0.002, row.Cost)
	assert.Equal(t, "test-model", row.Model)
	assert.Equal(t, "req-1", row.RequestID)
	require.NotNil(t, row.TurnNumber)
	assert.Equal(t, 2, *row.TurnNumber)
	assert.Equal(t, float64(120), row.DurationMS)
}

func TestCostEnrichmentRetries(t *testing.T) {
	resolver := &stubResolver{
		fails: 2,
		usage: model.Usage{Cost: 0.01, InputTokens: 7, OutputTokens: 3},
	}
	s, store, _ := newSink(t, WithCostResolver(resolver))
	s.costBackoff = time.Millisecond

	err := s.HandleEvent(context.Background(), &hooks.AgentCalled{
		Base:     hooks.NewBase("sess-1", "casc", "draft", 0),
		Response: model.Response{Usage: model.Usage{RequestID: "req-9"}},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, resolver.calls)
	rows := listRows(t, store, eventlog.Filter{NodeType: eventlog.NodeAgent})
	require.Len(t, rows, 1)
	assert.Equal(t, 0.01, rows[0].Cost)
	assert.Equal(t, 7, rows[0].TokensIn)
	assert.Equal(t, 3, rows[0].TokensOut)
}

func TestCostEnrichmentSkippedWhenCostPresent(t *testing.T) {
	resolver := &stubResolver{}
	s, _, _ := newSink(t, WithCostResolver(resolver))

	err := s.HandleEvent(context.Background(), &hooks.AgentCalled{
		Base:     hooks.NewBase("sess-1", "casc", "draft", 0),
		Response: model.Response{Usage: model.Usage{RequestID: "req-1", Cost: 0.05}},
	})
	require.NoError(t, err)
	assert.Zero(t, resolver.calls)
}

func TestAppendFailureHaltsByDefault(t *testing.T) {
	reg := ident.NewRegistry()
	s := New(&failingStore{err: errors.New("disk full")}, reg)

	err := s.HandleEvent(context.Background(), &hooks.CellStarted{
		Base: hooks.NewBase("sess-1", "casc", "draft", 0),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestBestEffortSwallowsAppendFailure(t *testing.T) {
	reg := ident.NewRegistry()
	s := New(&failingStore{err: errors.New("disk full")}, reg, WithBestEffort())

	err := s.HandleEvent(context.Background(), &hooks.CellStarted{
		Base: hooks.NewBase("sess-1", "casc", "draft", 0),
	})
	assert.NoError(t, err)
}

func TestWinnerRowFlags(t *testing.T) {
	s, store, _ := newSink(t)

	err := s.HandleEvent(context.Background(), &hooks.WinnerSelected{
		Base:    hooks.NewBase("sess-1", "casc", "draft", 0),
		Index:   1,
		Content: "the winner",
	})
	require.NoError(t, err)

	rows := listRows(t, store, eventlog.Filter{WinnersOnly: true})
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].CandidateIndex)
	assert.Equal(t, 1, *rows[0].CandidateIndex)
}

func TestErrorRowCarriesKind(t *testing.T) {
	s, store, _ := newSink(t)

	err := s.HandleEvent(context.Background(), &hooks.ErrorRaised{
		Base:    hooks.NewBase("sess-1", "casc", "draft", 0),
		ErrKind: "provider",
		Message: "rate limited",
	})
	require.NoError(t, err)

	rows := listRows(t, store, eventlog.Filter{NodeType: eventlog.NodeError})
	require.Len(t, rows, 1)
	assert.Contains(t, string(rows[0].MetadataJSON), "provider")
	assert.JSONEq(t, `"rate limited"`, string(rows[0].ContentJSON))
}

func TestToolResultErrorMetadata(t *testing.T) {
	s, store, _ := newSink(t)

	err := s.HandleEvent(context.Background(), &hooks.ToolResulted{
		Base:    hooks.NewBase("sess-1", "casc", "draft", 0),
		Turn:    1,
		Call:    model.ToolCall{Name: "fetch"},
		Content: "connection refused",
		IsError: true,
	})
	require.NoError(t, err)

	rows := listRows(t, store, eventlog.Filter{NodeType: eventlog.NodeToolResult})
	require.Len(t, rows, 1)
	assert.Contains(t, string(rows[0].MetadataJSON), `"is_error":true`)
	assert.Contains(t, string(rows[0].MetadataJSON), "fetch")
}
