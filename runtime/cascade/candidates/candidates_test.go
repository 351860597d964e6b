package candidates

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"rvbbit.dev/rvbbit/runtime/cascade"
	"rvbbit.dev/rvbbit/runtime/cascade/cell"
	"rvbbit.dev/rvbbit/runtime/cascade/contextbuild"
	"rvbbit.dev/rvbbit/runtime/cascade/echo"
	"rvbbit.dev/rvbbit/runtime/cascade/errs"
	"rvbbit.dev/rvbbit/runtime/cascade/eventlog"
	"rvbbit.dev/rvbbit/runtime/cascade/eventlog/inmem"
	"rvbbit.dev/rvbbit/runtime/cascade/hooks"
	"rvbbit.dev/rvbbit/runtime/cascade/ident"
	"rvbbit.dev/rvbbit/runtime/cascade/model"
	"rvbbit.dev/rvbbit/runtime/cascade/sink"
	"rvbbit.dev/rvbbit/runtime/cascade/tackle"
	"rvbbit.dev/rvbbit/runtime/cascade/ward"
)

// routerClient answers evaluator calls with a fixed verdict and branch calls
// with a per-call counter value, so concurrent fan-out stays deterministic
// enough to assert on.
type routerClient struct {
	verdict   string
	branchErr error
	calls     atomic.Int64
	evalCalls atomic.Int64
}

func (c *routerClient) Complete(_ context.Context, req model.Request) (model.Response, error) {
	system := ""
	if len(req.Messages) > 0 {
		system = req.Messages[0].Content
	}
	if strings.Contains(system, "Candidate") {
		c.evalCalls.Add(1)
		return model.Response{Content: c.verdict}, nil
	}
	if c.branchErr != nil {
		return model.Response{}, c.branchErr
	}
	n := c.calls.Add(1)
	return model.Response{Content: "variant " + string(rune('a'+n-1))}, nil
}

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

func newLoop(t *testing.T, client model.Client) (*Loop, *echo.Store, *recorder) {
	loop, store, rec, _, _ := newLoopWithLog(t, client)
	return loop, store, rec
}

func newLoopWithLog(t *testing.T, client model.Client) (*Loop, *echo.Store, *recorder, *inmem.Store, *ident.Registry) {
	t.Helper()
	rec := &recorder{}
	bus := hooks.NewBus()
	if _, err := bus.Register(rec); err != nil {
		t.Fatalf("register recorder: %v", err)
	}
	log := inmem.New()
	reg := ident.NewRegistry()
	if _, err := bus.Register(sink.New(log, reg)); err != nil {
		t.Fatalf("register sink: %v", err)
	}
	store := echo.NewStore(log)
	tools := tackle.NewRegistry()
	exec, err := cell.New(cell.Options{
		Client:  client,
		ModelID: "test-model",
		Tools:   tools,
		Builder: contextbuild.New(log),
		Wards:   ward.New(tools, nil),
		Bus:     bus,
		Store:   store,
	})
	if err != nil {
		t.Fatalf("cell.New: %v", err)
	}
	return New(exec, store, bus, reg, nil), store, rec, log, reg
}

func invocation(t *testing.T, store *echo.Store, spec *cascade.CandidateSpec) cell.Invocation {
	t.Helper()
	e, err := store.Create(context.Background(), &echo.Echo{
		SessionID: "sess-1",
		CascadeID: "casc",
		CallerID:  "tester",
	}, []byte("raw"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	cl := &cascade.Cell{
		Name:         "draft",
		Instructions: "Write a variant.",
		Candidates:   spec,
	}
	return cell.Invocation{
		Cascade: &cascade.Cascade{ID: "casc", Cells: []*cascade.Cell{cl}, Raw: []byte("raw")},
		Cell:    cl,
		Echo:    e,
	}
}

func TestSelectWinner(t *testing.T) {
	client := &routerClient{verdict: `{"winner": 0, "score": 0.9, "rationale": "clearest"}`}
	loop, store, rec := newLoop(t, client)
	inv := invocation(t, store, &cascade.CandidateSpec{
		Factor:                cascade.FactorSpec{Literal: 3},
		Mode:                  cascade.ModeSelect,
		EvaluatorInstructions: "Pick the best Candidate.",
	})

	out, err := loop.Run(context.Background(), inv)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasPrefix(out, "variant ") {
		t.Errorf("out = %q", out)
	}
	if got := client.evalCalls.Load(); got != 1 {
		t.Errorf("evaluator calls = %d", got)
	}

	evaluated, winners := 0, 0
	var winnerContent string
	for _, ev := range rec.events {
		switch e := ev.(type) {
		case *hooks.CandidateEvaluated:
			evaluated++
			if e.Winner {
				winners++
				if e.Index != 0 {
					t.Errorf("winner index = %d", e.Index)
				}
				if e.BranchSession != "sess-1_c0" {
					t.Errorf("winner branch session = %q", e.BranchSession)
				}
			}
		case *hooks.WinnerSelected:
			winnerContent = e.Content
		}
	}
	if evaluated != 3 {
		t.Errorf("candidate_evaluated events = %d", evaluated)
	}
	if winners != 1 {
		t.Errorf("winner flags = %d", winners)
	}
	if winnerContent != out {
		t.Errorf("winner event content %q != returned %q", winnerContent, out)
	}
}

func TestFactorOneSkipsEvaluator(t *testing.T) {
	client := &routerClient{verdict: `{"winner": 0}`}
	loop, store, rec := newLoop(t, client)
	inv := invocation(t, store, &cascade.CandidateSpec{
		Factor: cascade.FactorSpec{Literal: 1},
		Mode:   cascade.ModeSelect,
	})

	out, err := loop.Run(context.Background(), inv)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out == "" {
		t.Error("empty output")
	}
	if got := client.evalCalls.Load(); got != 0 {
		t.Errorf("evaluator calls = %d", got)
	}
	for _, ev := range rec.events {
		if _, ok := ev.(*hooks.WinnerSelected); ok {
			t.Error("factor 1 must not publish winner_selected")
		}
	}
}

func TestAllBranchesFailedIsExhaustion(t *testing.T) {
	client := &routerClient{branchErr: errors.New("provider down")}
	loop, store, _ := newLoop(t, client)
	inv := invocation(t, store, &cascade.CandidateSpec{
		Factor: cascade.FactorSpec{Literal: 2},
		Mode:   cascade.ModeSelect,
	})

	_, err := loop.Run(context.Background(), inv)
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if !errs.Is(err, errs.KindCandidateExhaustion) {
		t.Errorf("err = %v", err)
	}
}

func TestUnusableWinnerFallsBack(t *testing.T) {
	client := &routerClient{verdict: `{"winner": 99}`}
	loop, store, _ := newLoop(t, client)
	inv := invocation(t, store, &cascade.CandidateSpec{
		Factor: cascade.FactorSpec{Literal: 2},
		Mode:   cascade.ModeSelect,
	})

	out, err := loop.Run(context.Background(), inv)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasPrefix(out, "variant ") {
		t.Errorf("out = %q", out)
	}
}

func TestAggregateReplacesBranches(t *testing.T) {
	client := &routerClient{verdict: "merged summary of all Candidates"}
	loop, store, _ := newLoop(t, client)
	inv := invocation(t, store, &cascade.CandidateSpec{
		Factor:                cascade.FactorSpec{Literal: 2},
		Mode:                  cascade.ModeAggregate,
		EvaluatorInstructions: "Merge the Candidate outputs.",
	})

	out, err := loop.Run(context.Background(), inv)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "merged summary of all Candidates" {
		t.Errorf("out = %q", out)
	}
}

func TestBranchRowsCarryRootCallerID(t *testing.T) {
	client := &routerClient{verdict: `{"winner": 0, "rationale": "first"}`}
	loop, store, _, log, reg := newLoopWithLog(t, client)
	root := ident.Mint("test", map[string]any{"surface": "candidates"})
	reg.Bind("sess-1", root)

	inv := invocation(t, store, &cascade.CandidateSpec{
		Factor:                cascade.FactorSpec{Literal: 2},
		Mode:                  cascade.ModeSelect,
		EvaluatorInstructions: "Pick the best Candidate.",
	})
	if _, err := loop.Run(ident.With(context.Background(), root), inv); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rows, err := log.ListRows(context.Background(), eventlog.Filter{})
	if err != nil {
		t.Fatalf("ListRows: %v", err)
	}
	if len(rows) == 0 {
		t.Fatal("no rows logged")
	}
	branchRows := 0
	for _, row := range rows {
		if strings.Contains(row.SessionID, "_c") {
			branchRows++
		}
		if row.CallerID != root.CallerID {
			t.Errorf("row %s/%s caller_id = %q, want %q", row.SessionID, row.NodeType, row.CallerID, root.CallerID)
		}
	}
	if branchRows == 0 {
		t.Fatal("no branch-session rows logged")
	}
}

func TestParseVerdict(t *testing.T) {
	v := parseVerdict("Here is my pick:\n{\"winner\": 2, \"rationale\": \"tight\"}")
	if v.Winner != 2 || v.Rationale != "tight" {
		t.Errorf("verdict = %+v", v)
	}
	if v := parseVerdict("1"); v.Winner != 1 {
		t.Errorf("bare int verdict = %+v", v)
	}
	if v := parseVerdict("no idea"); v.Winner != 0 {
		t.Errorf("fallback verdict = %+v", v)
	}
}
