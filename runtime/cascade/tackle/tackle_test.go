package tackle

import (
	"context"
	"strings"
	"testing"
)

func echoTool(name string) Tool {
	return NewFunc(name, "echoes its input", map[string]any{"type": "object"},
		func(_ context.Context, args map[string]any) (Result, error) {
			s, _ := args["text"].(string)
			return Result{Content: s}, nil
		})
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(echoTool("echo")); err == nil {
		t.Error("duplicate name must fail")
	}
	if r.Get("echo") == nil {
		t.Error("registered tool not found")
	}
	if r.Get("missing") != nil {
		t.Error("expected nil for unknown tool")
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(echoTool(name)); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}
	names := r.Names()
	want := []string{"alpha", "mid", "zeta"}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("names = %v", names)
		}
	}
}

func TestDefinitionsSkipUnknown(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	defs := r.Definitions([]string{"echo", "missing"})
	if len(defs) != 1 || defs[0].Name != "echo" {
		t.Errorf("defs = %+v", defs)
	}
}

func TestSynopsis(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	syn := r.Synopsis()
	if !strings.Contains(syn, "- echo: echoes its input") {
		t.Errorf("synopsis = %q", syn)
	}
}

func TestParseToolCallsPlain(t *testing.T) {
	calls, repaired, err := ParseToolCalls(`{"tool": "search", "arguments": {"q": "go"}}`)
	if err != nil {
		t.Fatalf("ParseToolCalls: %v", err)
	}
	if repaired {
		t.Error("valid json must not report repair")
	}
	if len(calls) != 1 || calls[0].Name != "search" || calls[0].Arguments["q"] != "go" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestParseToolCallsFencedArray(t *testing.T) {
	content := "```json\n[{\"name\": \"a\", \"args\": {}}, {\"name\": \"b\", \"args\": {}}]\n```"
	calls, _, err := ParseToolCalls(content)
	if err != nil {
		t.Fatalf("ParseToolCalls: %v", err)
	}
	if len(calls) != 2 || calls[0].Name != "a" || calls[1].Name != "b" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestParseToolCallsRebalancesBraces(t *testing.T) {
	calls, repaired, err := ParseToolCalls(`{"tool": "search", "arguments": {"q": "go"}}}}`)
	if err != nil {
		t.Fatalf("ParseToolCalls: %v", err)
	}
	if !repaired {
		t.Error("expected repair to be reported")
	}
	if len(calls) != 1 || calls[0].Name != "search" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestParseToolCallsNonJSON(t *testing.T) {
	calls, repaired, err := ParseToolCalls("Here is my answer in plain prose.")
	if err != nil || repaired || calls != nil {
		t.Errorf("got calls=%v repaired=%v err=%v", calls, repaired, err)
	}
}

func TestParseToolCallsUnrepairable(t *testing.T) {
	if _, _, err := ParseToolCalls(`{"tool": "x", "arguments": `); err == nil {
		t.Error("truncated json must error")
	}
}
