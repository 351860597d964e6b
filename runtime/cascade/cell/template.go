package cell

import (
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"rvbbit.dev/rvbbit/runtime/cascade"
	"rvbbit.dev/rvbbit/runtime/cascade/echo"
)

// templateData is the render scope for cell instructions: cascade inputs,
// session state, and declared prior cell outputs.
type templateData struct {
	Input map[string]any
	State map[string]any
	Cell  map[string]string
}

// Render evaluates a cell template. Placeholders use the authoring forms
// {{input.name}}, {{state.key}}, and {{cell.prior_name}}.
func Render(tmpl string, e *echo.Echo, prior map[string]string) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}
	normalized := strings.NewReplacer(
		"{{input.", "{{.Input.",
		"{{state.", "{{.State.",
		"{{cell.", "{{.Cell.",
	).Replace(tmpl)

	t, err := template.New("cell").Option("missingkey=zero").Parse(normalized)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	data := templateData{State: e.State(), Cell: prior}
	if e.Inputs != nil {
		data.Input = e.Inputs
	} else {
		data.Input = map[string]any{}
	}
	if data.Cell == nil {
		data.Cell = map[string]string{}
	}
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	// missingkey=zero renders untyped nils as "<no value>"
	return strings.ReplaceAll(sb.String(), "<no value>", ""), nil
}

// ResolveFactor resolves a candidate factor: a literal, or a template over
// inputs and state evaluating to an integer.
func ResolveFactor(f cascade.FactorSpec, e *echo.Echo) (int, error) {
	if f.Template == "" {
		if f.Literal <= 0 {
			return 1, nil
		}
		return f.Literal, nil
	}
	rendered, err := Render(f.Template, e, nil)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(rendered))
	if err != nil {
		return 0, fmt.Errorf("candidates.factor template %q resolved to non-integer %q", f.Template, rendered)
	}
	if n <= 0 {
		return 1, nil
	}
	return n, nil
}
