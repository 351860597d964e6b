// Package ident propagates caller identity through cascade runs, background
// workers, and SQL fan-out.
//
// An Identity is the pair (caller_id, invocation metadata) minted once at a
// top-level entry point (SQL query, CLI command, UI action) and inherited
// unchanged by every descendant session so cost and causality roll up.
//
// Identity travels two ways: as a context value through synchronous call
// chains, and through a session-keyed registry that is the authoritative
// source at log-write time. The context is a transport, not truth; background
// workers reuse goroutines across sessions, so log writes always consult the
// registry by session id.
package ident

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type (
	// Identity is the propagated caller identity.
	Identity struct {
		// CallerID is the top-level origin of the call tree, of the form
		// "<source>-<unique-token>" (e.g. "http-9f2c1a").
		CallerID string
		// Metadata records the triggering surface: SQL text, CLI args, UI
		// component. Attached verbatim to every log row of the call tree.
		Metadata map[string]any
	}

	// Registry maps session ids to the identity of their call tree. It is
	// safe for concurrent use.
	Registry struct {
		mu       sync.RWMutex
		sessions map[string]Identity
	}

	ctxKey struct{}
)

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Identity)}
}

// defaultRegistry backs the package-level Bind/BySession helpers. A single
// process hosts one engine, so one registry suffices; tests construct their
// own via NewRegistry.
var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// Mint creates a fresh top-level identity for the given source surface.
func Mint(source string, metadata map[string]any) Identity {
	token := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return Identity{CallerID: source + "-" + token, Metadata: metadata}
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool { return id.CallerID == "" }

// With returns a context carrying the identity. Any code path that creates a
// new execution context (goroutine, sub-cascade, UDF call) must derive from a
// context carrying the innermost identity unless it is a new top-level entry
// point.
func With(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// From returns the identity carried by the context. The zero Identity is
// returned when none is set; From never fails.
func From(ctx context.Context) Identity {
	id, _ := ctx.Value(ctxKey{}).(Identity)
	return id
}

// Bind associates the identity with a session id in the registry. Called by
// the runner when a session is created; sub-sessions bind the identity
// inherited from their parent.
func (r *Registry) Bind(sessionID string, id Identity) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	r.sessions[sessionID] = id
	r.mu.Unlock()
}

// BySession returns the identity bound to the session id. The zero Identity
// is returned when none is bound; lookups never fail.
func (r *Registry) BySession(sessionID string) Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// Unbind removes the binding for a session id. Optional; bindings are cheap
// and the registry may retain them for the life of the process.
func (r *Registry) Unbind(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}
