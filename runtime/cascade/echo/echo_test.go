package echo

import (
	"context"
	"testing"

	"rvbbit.dev/rvbbit/runtime/cascade/errs"
	"rvbbit.dev/rvbbit/runtime/cascade/eventlog"
	"rvbbit.dev/rvbbit/runtime/cascade/eventlog/inmem"
	"rvbbit.dev/rvbbit/runtime/cascade/model"
)

func newSession(t *testing.T, store *Store) *Echo {
	t.Helper()
	e, err := store.Create(context.Background(), &Echo{
		SessionID: "sess-1",
		CascadeID: "casc",
		CallerID:  "cli-abc",
		Inputs:    map[string]any{"topic": "pricing"},
	}, []byte("cascade_id: casc"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return e
}

func TestCreatePersistsSessionRow(t *testing.T) {
	log := inmem.New()
	store := NewStore(log)
	newSession(t, store)

	row, err := log.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if row == nil {
		t.Fatal("no session row persisted")
	}
	if row.CallerID != "cli-abc" {
		t.Errorf("caller id = %q", row.CallerID)
	}
	if string(row.CascadeRaw) != "cascade_id: casc" {
		t.Error("cascade bytes were not stored verbatim")
	}

	if _, err := store.Create(context.Background(), &Echo{SessionID: "sess-1"}, nil); err == nil {
		t.Error("duplicate session id must fail")
	}
}

func TestSetStateDurableSnapshot(t *testing.T) {
	log := inmem.New()
	store := NewStore(log)
	e := newSession(t, store)

	if err := store.SetState(context.Background(), "sess-1", "count", 42, "draft"); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if v, ok := e.StateValue("count"); !ok || v != 42 {
		t.Errorf("state count = %v, %v", v, ok)
	}
	snap, err := log.LatestState(context.Background(), "sess-1", "count")
	if err != nil {
		t.Fatalf("LatestState: %v", err)
	}
	if snap == nil || snap.Value != "42" || snap.ValueType != "number" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.CellName != "draft" {
		t.Errorf("snapshot cell = %q", snap.CellName)
	}

	if err := store.SetState(context.Background(), "missing", "k", 1, ""); err == nil {
		t.Error("unknown session must fail")
	}
}

func TestFinalize(t *testing.T) {
	log := inmem.New()
	store := NewStore(log)
	e := newSession(t, store)

	if got := store.Finalize("sess-1"); got != StatusCompleted {
		t.Errorf("status = %q", got)
	}

	e2, _ := store.Create(context.Background(), &Echo{SessionID: "sess-2"}, nil)
	e2.AddError(CellError{CellName: "draft", Kind: errs.KindProvider, Message: "boom"})
	if got := store.Finalize("sess-2"); got != StatusFailed {
		t.Errorf("status = %q", got)
	}
	_ = e
}

func TestBranchClonesState(t *testing.T) {
	log := inmem.New()
	store := NewStore(log)
	parent := newSession(t, store)
	if err := store.SetState(context.Background(), "sess-1", "shared", "v1", ""); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	b, err := store.Branch(context.Background(), parent, 0, []byte("raw"))
	if err != nil {
		t.Fatalf("Branch: %v", err)
	}
	if b.SessionID != "sess-1_c0" {
		t.Errorf("branch session id = %q", b.SessionID)
	}
	if b.ParentSessionID != "sess-1" || b.Depth != parent.Depth+1 {
		t.Errorf("branch lineage = %q depth %d", b.ParentSessionID, b.Depth)
	}
	if b.CallerID != parent.CallerID {
		t.Error("branch did not inherit caller id")
	}
	if v, ok := b.StateValue("shared"); !ok || v != "v1" {
		t.Errorf("branch state = %v, %v", v, ok)
	}

	// Branch state is a copy; writes must not leak back to the parent.
	if err := store.SetState(context.Background(), "sess-1_c0", "shared", "v2", ""); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if v, _ := parent.StateValue("shared"); v != "v1" {
		t.Errorf("parent state mutated to %v", v)
	}
}

func TestUsageAccumulation(t *testing.T) {
	log := inmem.New()
	store := NewStore(log)
	e := newSession(t, store)

	e.AddUsage(model.Usage{InputTokens: 100, OutputTokens: 20, Cost: 0.002})
	e.AddUsage(model.Usage{InputTokens: 50, OutputTokens: 10, Cost: 0.001})
	if got := e.TokensTotal(); got != 180 {
		t.Errorf("tokens = %d", got)
	}
	if got := e.CostTotal(); got < 0.0029 || got > 0.0031 {
		t.Errorf("cost = %v", got)
	}
}

var _ eventlog.Store = (*inmem.Store)(nil)
