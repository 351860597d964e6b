// Package ward evaluates pre/post cell validators. A ward names either a
// registered tool or a cascade returning {valid, reason}, and may also carry
// an inline JSON Schema the cell output must satisfy. Enforcement modes
// (blocking, retry, advisory) are applied by the cell executor; this package
// answers "valid or not, and why".
package ward

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"rvbbit.dev/rvbbit/runtime/cascade"
	"rvbbit.dev/rvbbit/runtime/cascade/errs"
	"rvbbit.dev/rvbbit/runtime/cascade/tackle"
	"rvbbit.dev/rvbbit/runtime/cascade/telemetry"
)

type (
	// Result is a single ward verdict.
	Result struct {
		Valid  bool   `json:"valid"`
		Reason string `json:"reason,omitempty"`
	}

	// Engine evaluates ward specs against cell content.
	Engine struct {
		reg    *tackle.Registry
		logger telemetry.Logger
	}
)

// New returns an Engine resolving validators through reg.
func New(reg *tackle.Registry, logger telemetry.Logger) *Engine {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Engine{reg: reg, logger: logger}
}

// Check evaluates one ward spec against the content. Schema validation runs
// first when declared; the named validator runs after. A validator error is a
// ValidationError, not a verdict.
func (e *Engine) Check(ctx context.Context, spec *cascade.WardSpec, cellName, content string) (Result, error) {
	if spec.OutputSchema != nil {
		res, err := checkSchema(spec.OutputSchema, content)
		if err != nil {
			return Result{}, errs.Wrap(errs.KindValidation, cellName, err)
		}
		if !res.Valid {
			return res, nil
		}
	}
	if spec.Validator == "" {
		return Result{Valid: true}, nil
	}
	tool := e.reg.Get(spec.Validator)
	if tool == nil {
		return Result{}, errs.Errorf(errs.KindValidation, cellName, "unknown validator %q", spec.Validator)
	}
	out, err := tool.Invoke(ctx, map[string]any{"content": content, "cell": cellName})
	if err != nil {
		return Result{}, errs.Wrap(errs.KindValidation, cellName, err)
	}
	return parseVerdict(out.Content)
}

// checkSchema validates the content against the inline JSON Schema. Content
// that is not valid JSON fails with a parse reason rather than an error so
// retry mode can feed it back to the model.
func checkSchema(schema map[string]any, content string) (Result, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("ward://output_schema", schema); err != nil {
		return Result{}, fmt.Errorf("compile output schema: %w", err)
	}
	sch, err := compiler.Compile("ward://output_schema")
	if err != nil {
		return Result{}, fmt.Errorf("compile output schema: %w", err)
	}
	var value any
	if err := json.Unmarshal([]byte(content), &value); err != nil {
		return Result{Valid: false, Reason: fmt.Sprintf("output is not valid JSON: %v", err)}, nil
	}
	if err := sch.Validate(value); err != nil {
		return Result{Valid: false, Reason: err.Error()}, nil
	}
	return Result{Valid: true}, nil
}

// parseVerdict decodes a validator result. Validators return JSON
// {valid, reason}; a bare "true"/"false" body is accepted from simple tools.
func parseVerdict(content string) (Result, error) {
	trimmed := strings.TrimSpace(content)
	var res Result
	if err := json.Unmarshal([]byte(trimmed), &res); err == nil {
		return res, nil
	}
	if b, err := strconv.ParseBool(trimmed); err == nil {
		return Result{Valid: b}, nil
	}
	return Result{}, errs.Errorf(errs.KindValidation, "", "validator returned unparsable verdict: %q", trimmed)
}

// RenderRetry renders the ward's retry instructions, substituting
// {{validation_error}}, {{attempt}}, and {{max_attempts}}.
func RenderRetry(spec *cascade.WardSpec, reason string, attempt int) string {
	tmpl := spec.RetryInstructions
	if tmpl == "" {
		tmpl = "The previous output was rejected: {{validation_error}}. Fix it. (attempt {{attempt}}/{{max_attempts}})"
	}
	r := strings.NewReplacer(
		"{{validation_error}}", reason,
		"{{attempt}}", strconv.Itoa(attempt),
		"{{max_attempts}}", strconv.Itoa(spec.MaxAttempts),
	)
	return r.Replace(tmpl)
}
