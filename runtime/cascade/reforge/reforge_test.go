package reforge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"rvbbit.dev/rvbbit/runtime/cascade"
	"rvbbit.dev/rvbbit/runtime/cascade/cell"
	"rvbbit.dev/rvbbit/runtime/cascade/contextbuild"
	"rvbbit.dev/rvbbit/runtime/cascade/echo"
	"rvbbit.dev/rvbbit/runtime/cascade/eventlog/inmem"
	"rvbbit.dev/rvbbit/runtime/cascade/hooks"
	"rvbbit.dev/rvbbit/runtime/cascade/model"
	"rvbbit.dev/rvbbit/runtime/cascade/tackle"
	"rvbbit.dev/rvbbit/runtime/cascade/ward"
)

// countingClient numbers its responses and records the trailing user prompt
// of each request.
type countingClient struct {
	mu      sync.Mutex
	calls   atomic.Int64
	prompts []string
}

func (c *countingClient) Complete(_ context.Context, req model.Request) (model.Response, error) {
	n := c.calls.Add(1)
	c.mu.Lock()
	if len(req.Messages) > 0 {
		c.prompts = append(c.prompts, req.Messages[len(req.Messages)-1].Content)
	}
	c.mu.Unlock()
	return model.Response{Content: fmt.Sprintf("revision %d", n)}, nil
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

func newLoop(t *testing.T, client model.Client, opts ...Option) (*Loop, *echo.Store, *recorder) {
	t.Helper()
	rec := &recorder{}
	bus := hooks.NewBus()
	if _, err := bus.Register(rec); err != nil {
		t.Fatalf("register recorder: %v", err)
	}
	log := inmem.New()
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
	return New(exec, bus, opts...), store, rec
}

func invocation(t *testing.T, store *echo.Store, spec *cascade.ReforgeSpec) cell.Invocation {
	t.Helper()
	e, err := store.Create(context.Background(), &echo.Echo{SessionID: "sess-1", CascadeID: "casc"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	cl := &cascade.Cell{Name: "draft", Instructions: "Write.", Reforge: spec}
	return cell.Invocation{
		Cascade: &cascade.Cascade{ID: "casc", Cells: []*cascade.Cell{cl}},
		Cell:    cl,
		Echo:    e,
	}
}

func TestZeroStepsReturnsSeed(t *testing.T) {
	client := &countingClient{}
	loop, store, _ := newLoop(t, client)
	inv := invocation(t, store, &cascade.ReforgeSpec{Steps: 0, HoningPrompt: "tighten"})

	out, err := loop.Run(context.Background(), inv, "the seed")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "the seed" {
		t.Errorf("out = %q", out)
	}
	if client.calls.Load() != 0 {
		t.Errorf("model calls = %d", client.calls.Load())
	}
}

func TestStepsChain(t *testing.T) {
	client := &countingClient{}
	loop, store, rec := newLoop(t, client)
	inv := invocation(t, store, &cascade.ReforgeSpec{Steps: 3, HoningPrompt: "tighten the wording"})

	out, err := loop.Run(context.Background(), inv, "seed text")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "revision 3" {
		t.Errorf("out = %q", out)
	}

	var steps []*hooks.RefinementStepped
	for _, ev := range rec.events {
		if rs, ok := ev.(*hooks.RefinementStepped); ok {
			steps = append(steps, rs)
		}
	}
	if len(steps) != 3 {
		t.Fatalf("refinement events = %d", len(steps))
	}
	// Each step's input is the previous step's output.
	if steps[0].InputContent != "seed text" {
		t.Errorf("step 0 input = %q", steps[0].InputContent)
	}
	if steps[1].InputContent != steps[0].Output {
		t.Errorf("step 1 input %q != step 0 output %q", steps[1].InputContent, steps[0].Output)
	}
	if steps[2].InputContent != steps[1].Output {
		t.Errorf("step 2 input %q != step 1 output %q", steps[2].InputContent, steps[1].Output)
	}

	// The honing prompt and current artifact ride the trailing user message.
	if !strings.Contains(client.prompts[0], "tighten the wording") || !strings.Contains(client.prompts[0], "seed text") {
		t.Errorf("first prompt = %q", client.prompts[0])
	}
}

func TestRegisteredMutationRewritesPrompt(t *testing.T) {
	client := &countingClient{}
	loop, store, rec := newLoop(t, client, WithMutation("invert", func(p string) string {
		return "INVERTED: " + p
	}))
	inv := invocation(t, store, &cascade.ReforgeSpec{
		Steps:        1,
		HoningPrompt: "tighten",
		Mutations:    []string{"invert"},
	})

	if _, err := loop.Run(context.Background(), inv, "seed"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, ev := range rec.events {
		if rs, ok := ev.(*hooks.RefinementStepped); ok {
			if rs.HoningPrompt != "INVERTED: tighten" {
				t.Errorf("honing prompt = %q", rs.HoningPrompt)
			}
		}
	}
}

func TestUnregisteredMutationAnnotatesPrompt(t *testing.T) {
	client := &countingClient{}
	loop, store, rec := newLoop(t, client)
	inv := invocation(t, store, &cascade.ReforgeSpec{
		Steps:        1,
		HoningPrompt: "tighten",
		Mutations:    []string{"mystery"},
	})

	if _, err := loop.Run(context.Background(), inv, "seed"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, ev := range rec.events {
		if rs, ok := ev.(*hooks.RefinementStepped); ok {
			if !strings.Contains(rs.HoningPrompt, "(apply mutation: mystery)") {
				t.Errorf("honing prompt = %q", rs.HoningPrompt)
			}
		}
	}
}

type upperRenderer struct{}

func (upperRenderer) Render(_ context.Context, content string) (string, error) {
	return strings.ToUpper(content), nil
}

func TestRendererTransformsArtifact(t *testing.T) {
	client := &countingClient{}
	loop, store, _ := newLoop(t, client, WithRenderer(upperRenderer{}))
	inv := invocation(t, store, &cascade.ReforgeSpec{Steps: 1, HoningPrompt: "hone"})

	if _, err := loop.Run(context.Background(), inv, "seed"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(client.prompts[0], "SEED") {
		t.Errorf("prompt = %q", client.prompts[0])
	}
}
