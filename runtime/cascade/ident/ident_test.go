package ident

import (
	"context"
	"strings"
	"testing"
)

func TestMint(t *testing.T) {
	id := Mint("sql", map[string]any{"query": "SELECT 1"})
	if !strings.HasPrefix(id.CallerID, "sql-") {
		t.Errorf("caller id %q missing source prefix", id.CallerID)
	}
	if len(id.CallerID) <= len("sql-") {
		t.Errorf("caller id %q missing token", id.CallerID)
	}
	other := Mint("sql", nil)
	if other.CallerID == id.CallerID {
		t.Error("two mints produced the same caller id")
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := From(ctx); !got.IsZero() {
		t.Errorf("empty context returned %+v", got)
	}
	id := Mint("http", nil)
	got := From(With(ctx, id))
	if got.CallerID != id.CallerID {
		t.Errorf("got %q, want %q", got.CallerID, id.CallerID)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	id := Mint("ui", map[string]any{"component": "dashboard"})
	reg.Bind("sess-1", id)

	if got := reg.BySession("sess-1"); got.CallerID != id.CallerID {
		t.Errorf("got %q, want %q", got.CallerID, id.CallerID)
	}
	if got := reg.BySession("sess-2"); !got.IsZero() {
		t.Errorf("unbound session returned %+v", got)
	}

	// Sub-sessions bind the parent's identity unchanged.
	reg.Bind("sess-1_c0", id)
	if got := reg.BySession("sess-1_c0"); got.CallerID != id.CallerID {
		t.Error("branch session did not inherit identity")
	}

	reg.Unbind("sess-1")
	if got := reg.BySession("sess-1"); !got.IsZero() {
		t.Error("unbind did not remove the binding")
	}
}

func TestBindEmptySessionIgnored(t *testing.T) {
	reg := NewRegistry()
	reg.Bind("", Mint("cli", nil))
	if got := reg.BySession(""); !got.IsZero() {
		t.Error("empty session id must not bind")
	}
}
