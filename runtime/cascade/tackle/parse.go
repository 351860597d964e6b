package tackle

import (
	"encoding/json"
	"strings"

	"rvbbit.dev/rvbbit/runtime/cascade/errs"
	"rvbbit.dev/rvbbit/runtime/cascade/model"
)

// ParseToolCalls extracts tool calls emitted as JSON inside assistant content
// (prompt-based tool calling). It strips markdown code fences, attempts a
// standard JSON parse, and on failure rebalances closing braces, since the
// common model error is a run of extra '}' at the end. Repaired reports whether the
// rebalancing heuristic fired; callers log a warning but proceed.
//
// A parse that still fails after rebalancing returns a recoverable parse
// error; tool calls are never silently dropped.
func ParseToolCalls(content string) (calls []model.ToolCall, repaired bool, err error) {
	body := stripFences(content)
	if body == "" {
		return nil, false, nil
	}
	if !strings.HasPrefix(strings.TrimSpace(body), "{") && !strings.HasPrefix(strings.TrimSpace(body), "[") {
		return nil, false, nil
	}

	calls, perr := decodeToolCalls(body)
	if perr == nil {
		return calls, false, nil
	}

	rebalanced, changed := rebalanceBraces(body)
	if changed {
		if calls, perr = decodeToolCalls(rebalanced); perr == nil {
			return calls, true, nil
		}
	}
	return nil, false, errs.Errorf(errs.KindParse, "", "tool call json unparsable after repair: %v", perr)
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag.
func stripFences(content string) string {
	s := strings.TrimSpace(content)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		// drop the language tag line ("json", "JSON", …)
		first := strings.TrimSpace(s[:idx])
		if len(first) <= 10 && !strings.ContainsAny(first, "{}[]") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// rebalanceBraces strips trailing '}' runs when the content closes more
// braces than it opens, then re-emits exactly the number needed.
func rebalanceBraces(body string) (string, bool) {
	opens := strings.Count(body, "{")
	closes := strings.Count(body, "}")
	if closes <= opens {
		return body, false
	}
	trimmed := strings.TrimRight(strings.TrimSpace(body), "}")
	remaining := strings.Count(trimmed, "}")
	return trimmed + strings.Repeat("}", opens-remaining), true
}

// wireCall accepts the two shapes models emit: {"tool": ..., "arguments": ...}
// and {"name": ..., "args": ...}.
type wireCall struct {
	Tool      string         `json:"tool"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Args      map[string]any `json:"args"`
	ID        string         `json:"id"`
}

func decodeToolCalls(body string) ([]model.ToolCall, error) {
	trimmed := strings.TrimSpace(body)
	var wire []wireCall
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &wire); err != nil {
			return nil, err
		}
	} else {
		var one wireCall
		if err := json.Unmarshal([]byte(trimmed), &one); err != nil {
			return nil, err
		}
		wire = []wireCall{one}
	}
	calls := make([]model.ToolCall, 0, len(wire))
	for _, w := range wire {
		name := w.Tool
		if name == "" {
			name = w.Name
		}
		if name == "" {
			continue
		}
		args := w.Arguments
		if args == nil {
			args = w.Args
		}
		calls = append(calls, model.ToolCall{ID: w.ID, Name: name, Arguments: args})
	}
	return calls, nil
}
