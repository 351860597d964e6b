package cell

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"rvbbit.dev/rvbbit/runtime/cascade"
	"rvbbit.dev/rvbbit/runtime/cascade/contextbuild"
	"rvbbit.dev/rvbbit/runtime/cascade/echo"
	"rvbbit.dev/rvbbit/runtime/cascade/errs"
	"rvbbit.dev/rvbbit/runtime/cascade/eventlog/inmem"
	"rvbbit.dev/rvbbit/runtime/cascade/hooks"
	"rvbbit.dev/rvbbit/runtime/cascade/model"
	"rvbbit.dev/rvbbit/runtime/cascade/tackle"
	"rvbbit.dev/rvbbit/runtime/cascade/ward"
)

// scriptedClient returns queued responses in order and records requests.
type scriptedClient struct {
	mu        sync.Mutex
	responses []model.Response
	errs      []error
	requests  []model.Request
}

func (c *scriptedClient) Complete(_ context.Context, req model.Request) (model.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.responses) == 0 {
		return model.Response{}, errors.New("script exhausted")
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	var err error
	if len(c.errs) > 0 {
		err = c.errs[0]
		c.errs = c.errs[1:]
	}
	return resp, err
}

// recorder collects published events by kind.
type recorder struct {
	mu     sync.Mutex
	events []hooks.Event
}

func (r *recorder) HandleEvent(_ context.Context, e hooks.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) kinds() []hooks.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]hooks.Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind()
	}
	return out
}

func (r *recorder) count(k hooks.Kind) int {
	n := 0
	for _, got := range r.kinds() {
		if got == k {
			n++
		}
	}
	return n
}

type fixture struct {
	exec   *Executor
	client *scriptedClient
	rec    *recorder
	store  *echo.Store
	tools  *tackle.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := &scriptedClient{}
	rec := &recorder{}
	bus := hooks.NewBus()
	if _, err := bus.Register(rec); err != nil {
		t.Fatalf("register recorder: %v", err)
	}
	log := inmem.New()
	store := echo.NewStore(log)
	tools := tackle.NewRegistry()
	exec, err := New(Options{
		Client:  client,
		ModelID: "test-model",
		Tools:   tools,
		Builder: contextbuild.New(log),
		Wards:   ward.New(tools, nil),
		Bus:     bus,
		Store:   store,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{exec: exec, client: client, rec: rec, store: store, tools: tools}
}

func (f *fixture) session(t *testing.T) *echo.Echo {
	t.Helper()
	e, err := f.store.Create(context.Background(), &echo.Echo{
		SessionID: "sess-1",
		CascadeID: "casc",
		CallerID:  "test-caller",
	}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return e
}

func invocation(e *echo.Echo, cl *cascade.Cell) Invocation {
	return Invocation{
		Cascade: &cascade.Cascade{ID: "casc", Cells: []*cascade.Cell{cl}},
		Cell:    cl,
		Echo:    e,
	}
}

func TestRunSimpleCompletion(t *testing.T) {
	f := newFixture(t)
	f.client.responses = []model.Response{
		{Content: "the summary", Usage: model.Usage{InputTokens: 10, OutputTokens: 5}},
	}
	e := f.session(t)

	out, err := f.exec.Run(context.Background(), invocation(e, &cascade.Cell{
		Name:         "draft",
		Instructions: "Summarize.",
	}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "the summary" {
		t.Errorf("out = %q", out)
	}
	if got := f.rec.count(hooks.KindAgentCall); got != 1 {
		t.Errorf("agent_call events = %d", got)
	}
	if e.TokensTotal() != 15 {
		t.Errorf("tokens = %d", e.TokensTotal())
	}
}

func TestRunToolLoop(t *testing.T) {
	f := newFixture(t)
	if err := f.tools.Register(tackle.NewFunc("lookup", "looks things up", nil,
		func(_ context.Context, args map[string]any) (tackle.Result, error) {
			return tackle.Result{Content: "42"}, nil
		})); err != nil {
		t.Fatalf("register: %v", err)
	}
	f.client.responses = []model.Response{
		{ToolCalls: []model.ToolCall{{ID: "c1", Name: "lookup", Arguments: map[string]any{"q": "answer"}}}},
		{Content: "The answer is 42."},
	}
	e := f.session(t)

	out, err := f.exec.Run(context.Background(), invocation(e, &cascade.Cell{
		Name:         "research",
		Instructions: "Find the answer.",
		Traits:       cascade.Traits{"lookup"},
		MaxTurns:     3,
	}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "The answer is 42." {
		t.Errorf("out = %q", out)
	}
	if got := f.rec.count(hooks.KindToolCall); got != 1 {
		t.Errorf("tool_call events = %d", got)
	}
	if got := f.rec.count(hooks.KindToolResult); got != 1 {
		t.Errorf("tool_result events = %d", got)
	}
	if got := f.rec.count(hooks.KindFollowUp); got != 1 {
		t.Errorf("follow_up events = %d", got)
	}

	// The second request must carry the tool result message.
	second := f.client.requests[1]
	found := false
	for _, m := range second.Messages {
		if m.Role == model.RoleTool && m.Content == "42" {
			found = true
		}
	}
	if !found {
		t.Error("tool result missing from follow-up request")
	}
}

func TestRunPromptBasedToolCall(t *testing.T) {
	f := newFixture(t)
	if err := f.tools.Register(tackle.NewFunc("lookup", "looks things up", nil,
		func(context.Context, map[string]any) (tackle.Result, error) {
			return tackle.Result{Content: "ok"}, nil
		})); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Tool call arrives as JSON content with trailing brace damage.
	f.client.responses = []model.Response{
		{Content: `{"tool": "lookup", "arguments": {"q": "x"}}}`},
		{Content: "done"},
	}
	e := f.session(t)

	out, err := f.exec.Run(context.Background(), invocation(e, &cascade.Cell{
		Name:         "research",
		Instructions: "Go.",
		Traits:       cascade.Traits{"lookup"},
		MaxTurns:     2,
	}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "done" {
		t.Errorf("out = %q", out)
	}
	// The repaired flag rides on the tool_call event.
	for _, e := range f.rec.events {
		if tc, ok := e.(*hooks.ToolCalled); ok && !tc.Repaired {
			t.Error("expected repaired tool call")
		}
	}
}

func TestRunFailedToolBecomesErrorResult(t *testing.T) {
	f := newFixture(t)
	if err := f.tools.Register(tackle.NewFunc("flaky", "fails", nil,
		func(context.Context, map[string]any) (tackle.Result, error) {
			return tackle.Result{}, errors.New("backend down")
		})); err != nil {
		t.Fatalf("register: %v", err)
	}
	f.client.responses = []model.Response{
		{ToolCalls: []model.ToolCall{{Name: "flaky"}}},
		{Content: "recovered"},
	}
	e := f.session(t)

	out, err := f.exec.Run(context.Background(), invocation(e, &cascade.Cell{
		Name:         "c",
		Instructions: "x",
		Traits:       cascade.Traits{"flaky"},
		MaxTurns:     2,
	}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "recovered" {
		t.Errorf("out = %q", out)
	}
	for _, ev := range f.rec.events {
		if tr, ok := ev.(*hooks.ToolResulted); ok {
			if !tr.IsError {
				t.Error("expected error-bodied tool result")
			}
		}
	}
}

func TestRunEmptyContentIsProviderError(t *testing.T) {
	f := newFixture(t)
	f.client.responses = []model.Response{{Content: "   "}}
	e := f.session(t)

	_, err := f.exec.Run(context.Background(), invocation(e, &cascade.Cell{
		Name:         "draft",
		Instructions: "x",
	}))
	if err == nil {
		t.Fatal("expected error for empty content")
	}
	if !errs.Is(err, errs.KindProvider) {
		t.Errorf("err = %v", err)
	}
}

func TestRunWardRetry(t *testing.T) {
	f := newFixture(t)
	// Validator rejects the first output and accepts the second.
	attempts := 0
	if err := f.tools.Register(tackle.NewFunc("length_check", "checks length", nil,
		func(context.Context, map[string]any) (tackle.Result, error) {
			attempts++
			if attempts == 1 {
				return tackle.Result{Content: `{"valid": false, "reason": "too short"}`}, nil
			}
			return tackle.Result{Content: `{"valid": true}`}, nil
		})); err != nil {
		t.Fatalf("register: %v", err)
	}
	f.client.responses = []model.Response{
		{Content: "v1"},
		{Content: "v2 expanded"},
	}
	e := f.session(t)

	out, err := f.exec.Run(context.Background(), invocation(e, &cascade.Cell{
		Name:         "draft",
		Instructions: "Write.",
		Wards: &cascade.WardSet{Post: []*cascade.WardSpec{{
			Validator:   "length_check",
			Mode:        cascade.WardRetry,
			MaxAttempts: 3,
		}}},
	}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "v2 expanded" {
		t.Errorf("out = %q", out)
	}
	if got := f.rec.count(hooks.KindAgentCall); got != 2 {
		t.Errorf("agent_call events = %d, want 2", got)
	}
	if got := f.rec.count(hooks.KindWardCheck); got != 2 {
		t.Errorf("ward_check events = %d, want 2", got)
	}
	// The retry attempt must carry the validation feedback.
	second := f.client.requests[1]
	found := false
	for _, m := range second.Messages {
		if m.Role == model.RoleUser && strings.Contains(m.Content, "too short") {
			found = true
		}
	}
	if !found {
		t.Error("retry feedback missing from second request")
	}
}

func TestRunWardBlocking(t *testing.T) {
	f := newFixture(t)
	if err := f.tools.Register(tackle.NewFunc("reject", "always rejects", nil,
		func(context.Context, map[string]any) (tackle.Result, error) {
			return tackle.Result{Content: `{"valid": false, "reason": "nope"}`}, nil
		})); err != nil {
		t.Fatalf("register: %v", err)
	}
	f.client.responses = []model.Response{{Content: "anything"}}
	e := f.session(t)

	_, err := f.exec.Run(context.Background(), invocation(e, &cascade.Cell{
		Name:         "draft",
		Instructions: "x",
		Wards: &cascade.WardSet{Post: []*cascade.WardSpec{{
			Validator: "reject",
			Mode:      cascade.WardBlocking,
		}}},
	}))
	if err == nil {
		t.Fatal("blocking ward must fail the cell")
	}
	if !errs.Is(err, errs.KindValidation) {
		t.Errorf("err = %v", err)
	}
}

func TestRunToolCell(t *testing.T) {
	f := newFixture(t)
	if err := f.tools.Register(tackle.NewFunc("fetch", "fetches", nil,
		func(_ context.Context, args map[string]any) (tackle.Result, error) {
			url, _ := args["url"].(string)
			return tackle.Result{Content: "body of " + url}, nil
		})); err != nil {
		t.Fatalf("register: %v", err)
	}
	e := f.session(t)
	e.Inputs = map[string]any{"site": "example.com"}

	out, err := f.exec.Run(context.Background(), invocation(e, &cascade.Cell{
		Name:     "get",
		Tool:     "fetch",
		ToolArgs: map[string]any{"url": "https://{{input.site}}"},
	}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "body of https://example.com" {
		t.Errorf("out = %q", out)
	}
	// No model call happens for a tool cell.
	if len(f.client.requests) != 0 {
		t.Errorf("model requests = %d", len(f.client.requests))
	}
}

func TestQuartermasterSelection(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"alpha", "beta"} {
		if err := f.tools.Register(tackle.NewFunc(name, name+" tool", nil,
			func(context.Context, map[string]any) (tackle.Result, error) {
				return tackle.Result{Content: "ok"}, nil
			})); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	f.client.responses = []model.Response{
		{Content: `["alpha"]`},
		{Content: "final"},
	}
	e := f.session(t)

	out, err := f.exec.Run(context.Background(), invocation(e, &cascade.Cell{
		Name:         "work",
		Instructions: "Do the thing.",
		Traits:       cascade.Traits{"manifest"},
	}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "final" {
		t.Errorf("out = %q", out)
	}
	// The working request exposes only the selected tool.
	work := f.client.requests[1]
	if len(work.Tools) != 1 || work.Tools[0].Name != "alpha" {
		t.Errorf("tools = %+v", work.Tools)
	}
	// The quartermaster call is logged under a suffixed cell name.
	found := false
	for _, ev := range f.rec.events {
		if ac, ok := ev.(*hooks.AgentCalled); ok && ac.Cell == "work:quartermaster" {
			found = true
		}
	}
	if !found {
		t.Error("quartermaster agent_call not published")
	}
}

