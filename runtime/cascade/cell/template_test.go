package cell

import (
	"context"
	"testing"

	"rvbbit.dev/rvbbit/runtime/cascade"
	"rvbbit.dev/rvbbit/runtime/cascade/echo"
	"rvbbit.dev/rvbbit/runtime/cascade/eventlog/inmem"
)

func testEcho(t *testing.T, inputs map[string]any) *echo.Echo {
	t.Helper()
	store := echo.NewStore(inmem.New())
	e, err := store.Create(context.Background(), &echo.Echo{SessionID: "t", Inputs: inputs}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return e
}

func TestRender(t *testing.T) {
	e := testEcho(t, map[string]any{"topic": "pricing"})
	prior := map[string]string{"draft": "the draft text"}

	got, err := Render("Summarize {{input.topic}} using {{cell.draft}}", e, prior)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "Summarize pricing using the draft text" {
		t.Errorf("rendered = %q", got)
	}
}

func TestRenderMissingKeyIsEmpty(t *testing.T) {
	e := testEcho(t, nil)
	got, err := Render("before {{input.missing}} after", e, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "before  after" {
		t.Errorf("rendered = %q", got)
	}
}

func TestRenderNoPlaceholders(t *testing.T) {
	e := testEcho(t, nil)
	got, err := Render("plain text", e, nil)
	if err != nil || got != "plain text" {
		t.Errorf("got %q, %v", got, err)
	}
}

func TestResolveFactor(t *testing.T) {
	e := testEcho(t, map[string]any{"n": "4"})

	if n, err := ResolveFactor(cascade.FactorSpec{Literal: 3}, e); err != nil || n != 3 {
		t.Errorf("literal: %d, %v", n, err)
	}
	if n, err := ResolveFactor(cascade.FactorSpec{}, e); err != nil || n != 1 {
		t.Errorf("zero literal: %d, %v", n, err)
	}
	if n, err := ResolveFactor(cascade.FactorSpec{Template: "{{input.n}}"}, e); err != nil || n != 4 {
		t.Errorf("template: %d, %v", n, err)
	}
	if _, err := ResolveFactor(cascade.FactorSpec{Template: "{{input.missing}}"}, e); err == nil {
		t.Error("non-integer resolution must error")
	}
}
