// Package cascade defines the declarative cascade document model: the cascade
// itself, its cells, candidate/refinement options, wards, and row-mapper
// configuration. Documents are immutable once loaded; the raw bytes are
// retained verbatim so persisted sessions can be replayed byte-exactly.
package cascade

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type (
	// Cascade is a declarative workflow document: an ordered sequence of cells,
	// each producing an artifact by invoking models, tools, or sub-cascades.
	Cascade struct {
		// ID is the cascade identifier.
		ID string `yaml:"cascade_id" json:"cascade_id"`
		// InputsSchema declares the typed input fields the cascade expects.
		// Values are type names or free-form descriptions.
		InputsSchema map[string]string `yaml:"inputs_schema" json:"inputs_schema"`
		// Cells is the ordered list of execution steps. Cell names are unique
		// within a cascade.
		Cells []*Cell `yaml:"cells" json:"cells"`
		// Candidates, when set, applies to every cell that does not declare its
		// own candidate options.
		Candidates *CandidateSpec `yaml:"candidates,omitempty" json:"candidates,omitempty"`
		// ToolDirs lists directories whose cascades are registered as tools for
		// the duration of this cascade's runs.
		ToolDirs []string `yaml:"tool_dirs,omitempty" json:"tool_dirs,omitempty"`
		// ContextPolicy optionally names a context propagation policy. The
		// default is a clean slate between cells.
		ContextPolicy string `yaml:"context_policy,omitempty" json:"context_policy,omitempty"`

		// Raw holds the document bytes exactly as loaded. Persisted with every
		// session so historical replay is byte-exact. Never rewritten.
		Raw []byte `yaml:"-" json:"-"`
	}

	// Cell is one step of a cascade. Exactly one execution mode applies: a
	// model cell (Instructions against an LLM), a tool cell (single
	// deterministic Tool call), or a row-mapper (ForEachRow).
	Cell struct {
		// Name uniquely identifies the cell within its cascade.
		Name string `yaml:"name" json:"name"`
		// Instructions is the templated prompt for model cells. Templates may
		// reference {{input.*}}, {{state.*}} and prior cell outputs by name.
		Instructions string `yaml:"instructions,omitempty" json:"instructions,omitempty"`
		// Tool names a single deterministic tool to invoke (tool cell mode).
		Tool string `yaml:"tool,omitempty" json:"tool,omitempty"`
		// ToolArgs carries templated arguments for tool cells.
		ToolArgs map[string]any `yaml:"tool_args,omitempty" json:"tool_args,omitempty"`
		// Inputs optionally narrows the cascade inputs visible to the cell.
		Inputs []string `yaml:"inputs,omitempty" json:"inputs,omitempty"`
		// Outputs optionally describes the expected output shape.
		Outputs map[string]string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
		// Traits lists tool names available during the cell, or the sentinel
		// "manifest" meaning the quartermaster selects the subset at runtime.
		Traits Traits `yaml:"traits,omitempty" json:"traits,omitempty"`
		// Candidates configures parallel candidate exploration for this cell.
		Candidates *CandidateSpec `yaml:"candidates,omitempty" json:"candidates,omitempty"`
		// Reforge configures sequential refinement of the cell artifact.
		Reforge *ReforgeSpec `yaml:"reforge,omitempty" json:"reforge,omitempty"`
		// Wards configures pre/post validation.
		Wards *WardSet `yaml:"wards,omitempty" json:"wards,omitempty"`
		// UseTraining retrieves prior verified outputs for this cell as
		// few-shot exemplars.
		UseTraining bool `yaml:"use_training,omitempty" json:"use_training,omitempty"`
		// TrainingLimit caps the number of exemplars retrieved.
		TrainingLimit int `yaml:"training_limit,omitempty" json:"training_limit,omitempty"`
		// Context lists prior cell names and "state.<key>" references to
		// propagate into this cell. Empty means clean slate.
		Context []string `yaml:"context,omitempty" json:"context,omitempty"`
		// MaxTurns bounds the model turn loop (tool calling + follow-ups).
		// Zero means a single turn.
		MaxTurns int `yaml:"max_turns,omitempty" json:"max_turns,omitempty"`
		// ForEachRow configures row-mapper mode: run a sub-cascade for every
		// row of a named temp table.
		ForEachRow *ForEachRow `yaml:"for_each_row,omitempty" json:"for_each_row,omitempty"`
		// Handoff optionally names the next cell, overriding declaration order.
		Handoff string `yaml:"handoff,omitempty" json:"handoff,omitempty"`
	}

	// Traits is the list of tool names exposed to a cell. The single sentinel
	// value "manifest" requests quartermaster selection.
	Traits []string

	// CandidateSpec configures per-cell candidate exploration: run Factor
	// variants in parallel, have an evaluator pick a winner.
	CandidateSpec struct {
		// Factor is the number of variants, a literal integer or a template
		// over inputs/state (e.g. "{{input.n}}").
		Factor FactorSpec `yaml:"factor" json:"factor"`
		// EvaluatorInstructions is the prompt for the evaluator cell.
		EvaluatorInstructions string `yaml:"evaluator_instructions,omitempty" json:"evaluator_instructions,omitempty"`
		// Mode selects how the winner is determined.
		Mode CandidateMode `yaml:"mode,omitempty" json:"mode,omitempty"`
		// MaxParallel bounds branch concurrency. Zero means Factor.
		MaxParallel int `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`
	}

	// FactorSpec is an int literal or a template string resolving to one.
	FactorSpec struct {
		// Literal is the resolved literal value when Template is empty.
		Literal int
		// Template is evaluated against inputs and state at run time.
		Template string
	}

	// CandidateMode determines how candidate branches resolve to one artifact.
	CandidateMode string

	// ReforgeSpec configures the sequential refinement loop applied to the
	// winning artifact.
	ReforgeSpec struct {
		// Steps is the number of refinement iterations. Zero returns the
		// winner verbatim.
		Steps int `yaml:"steps" json:"steps"`
		// HoningPrompt is the templated refinement prompt.
		HoningPrompt string `yaml:"honing_prompt" json:"honing_prompt"`
		// Mutations optionally names per-step prompt mutations, applied in
		// order (step s uses Mutations[s] when present).
		Mutations []string `yaml:"mutations,omitempty" json:"mutations,omitempty"`
	}

	// WardSet groups pre and post validators for a cell.
	WardSet struct {
		Pre  []*WardSpec `yaml:"pre,omitempty" json:"pre,omitempty"`
		Post []*WardSpec `yaml:"post,omitempty" json:"post,omitempty"`
	}

	// WardSpec declares a single validator and its enforcement mode.
	WardSpec struct {
		// Validator names a registered tool or a cascade path returning
		// {valid, reason}.
		Validator string `yaml:"validator" json:"validator"`
		// Mode is blocking, retry, or advisory.
		Mode WardMode `yaml:"mode" json:"mode"`
		// MaxAttempts bounds retry mode. Zero means one attempt.
		MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
		// RetryInstructions is rendered into the retry prompt with
		// {{validation_error}}, {{attempt}} and {{max_attempts}}.
		RetryInstructions string `yaml:"retry_instructions,omitempty" json:"retry_instructions,omitempty"`
		// OutputSchema is an inline JSON Schema the cell output must satisfy.
		OutputSchema map[string]any `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`
	}

	// WardMode is the enforcement mode of a ward.
	WardMode string

	// ForEachRow configures row-mapper cells: the named temp table is
	// iterated and Cascade is run once per row.
	ForEachRow struct {
		// Table is the session-scoped temp table to iterate.
		Table string `yaml:"table" json:"table"`
		// Cascade is the path of the cascade run per row.
		Cascade string `yaml:"cascade" json:"cascade"`
		// Inputs maps cascade input names to templates over the row.
		Inputs map[string]string `yaml:"inputs,omitempty" json:"inputs,omitempty"`
		// MaxParallel bounds per-row concurrency.
		MaxParallel int `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`
		// ResultTable optionally names a table collecting per-row results.
		ResultTable string `yaml:"result_table,omitempty" json:"result_table,omitempty"`
		// OnError selects row failure handling.
		OnError RowErrorPolicy `yaml:"on_error,omitempty" json:"on_error,omitempty"`
	}

	// RowErrorPolicy selects how row-mapper failures propagate.
	RowErrorPolicy string
)

const (
	// ModeSelect has the evaluator identify the winning candidate index.
	ModeSelect CandidateMode = "select"
	// ModeAggregate has the evaluator produce a combined artifact.
	ModeAggregate CandidateMode = "aggregate"
	// ModeFirstValid selects the first candidate passing the evaluator's
	// predicate, in index order.
	ModeFirstValid CandidateMode = "first_valid"
	// ModeAllOrNothing fails the cell when any branch errored.
	ModeAllOrNothing CandidateMode = "all_or_nothing"

	// WardBlocking fails the cell immediately on first invalid result.
	WardBlocking WardMode = "blocking"
	// WardRetry re-runs the cell up to MaxAttempts, feeding the validation
	// error back into the prompt.
	WardRetry WardMode = "retry"
	// WardAdvisory logs the result and continues.
	WardAdvisory WardMode = "advisory"

	// RowErrorContinue skips failed rows.
	RowErrorContinue RowErrorPolicy = "continue"
	// RowErrorFailFast aborts the cell on the first row failure.
	RowErrorFailFast RowErrorPolicy = "fail_fast"
	// RowErrorCollect records row failures and surfaces them together.
	RowErrorCollect RowErrorPolicy = "collect_errors"

	// TraitManifest is the sentinel trait requesting quartermaster tool
	// selection.
	TraitManifest = "manifest"
)

// IsManifest reports whether the cell requested quartermaster tool selection.
func (t Traits) IsManifest() bool {
	return len(t) == 1 && t[0] == TraitManifest
}

// UnmarshalYAML accepts either a list of tool names or the bare string
// "manifest".
func (t *Traits) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*t = Traits{s}
		return nil
	}
	var names []string
	if err := node.Decode(&names); err != nil {
		return err
	}
	*t = Traits(names)
	return nil
}

// UnmarshalYAML accepts an integer literal or a template string.
func (f *FactorSpec) UnmarshalYAML(node *yaml.Node) error {
	var n int
	if err := node.Decode(&n); err == nil {
		f.Literal = n
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("candidates.factor must be an int or template string: %w", err)
	}
	f.Template = s
	return nil
}

// MarshalJSON renders the literal when set, the template otherwise.
func (f FactorSpec) MarshalJSON() ([]byte, error) {
	if f.Template != "" {
		return json.Marshal(f.Template)
	}
	return json.Marshal(f.Literal)
}

// UnmarshalJSON mirrors UnmarshalYAML for JSON documents.
func (f *FactorSpec) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		f.Literal = n
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("candidates.factor must be an int or template string: %w", err)
	}
	f.Template = s
	return nil
}

// MarshalJSON renders the manifest sentinel as a bare string so the stored
// cell config round-trips the authored form.
func (t Traits) MarshalJSON() ([]byte, error) {
	if t.IsManifest() {
		return json.Marshal(TraitManifest)
	}
	return json.Marshal([]string(t))
}

// UnmarshalJSON mirrors UnmarshalYAML for JSON documents.
func (t *Traits) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = Traits{s}
		return nil
	}
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	*t = Traits(names)
	return nil
}

// Parse decodes a cascade document from YAML or JSON bytes. The raw bytes are
// retained verbatim on the returned cascade.
func Parse(raw []byte) (*Cascade, error) {
	var c Cascade
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("parse cascade json: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("parse cascade yaml: %w", err)
		}
	}
	c.Raw = append([]byte(nil), raw...)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads and parses a cascade document from disk.
func Load(path string) (*Cascade, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cascade %s: %w", path, err)
	}
	c, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("cascade %s: %w", path, err)
	}
	return c, nil
}

// Validate checks structural invariants: identifier present, at least one
// cell, unique cell names, exactly one execution mode per cell.
func (c *Cascade) Validate() error {
	if c.ID == "" {
		return errors.New("cascade_id is required")
	}
	if len(c.Cells) == 0 {
		return fmt.Errorf("cascade %s: at least one cell is required", c.ID)
	}
	seen := make(map[string]bool, len(c.Cells))
	for _, cell := range c.Cells {
		if cell.Name == "" {
			return fmt.Errorf("cascade %s: cell name is required", c.ID)
		}
		if seen[cell.Name] {
			return fmt.Errorf("cascade %s: duplicate cell name %q", c.ID, cell.Name)
		}
		seen[cell.Name] = true
		if err := cell.validate(); err != nil {
			return fmt.Errorf("cascade %s: cell %s: %w", c.ID, cell.Name, err)
		}
	}
	for _, cell := range c.Cells {
		if cell.Handoff != "" && !seen[cell.Handoff] {
			return fmt.Errorf("cascade %s: cell %s hands off to unknown cell %q", c.ID, cell.Name, cell.Handoff)
		}
	}
	return nil
}

func (cell *Cell) validate() error {
	modes := 0
	if cell.Instructions != "" {
		modes++
	}
	if cell.Tool != "" {
		modes++
	}
	if cell.ForEachRow != nil {
		modes++
	}
	if modes != 1 {
		return errors.New("exactly one of instructions, tool, or for_each_row is required")
	}
	if cell.ForEachRow != nil {
		if cell.ForEachRow.Table == "" || cell.ForEachRow.Cascade == "" {
			return errors.New("for_each_row requires table and cascade")
		}
		switch cell.ForEachRow.OnError {
		case "", RowErrorContinue, RowErrorFailFast, RowErrorCollect:
		default:
			return fmt.Errorf("invalid on_error %q", cell.ForEachRow.OnError)
		}
	}
	if cell.Wards != nil {
		for _, w := range append(append([]*WardSpec{}, cell.Wards.Pre...), cell.Wards.Post...) {
			switch w.Mode {
			case WardBlocking, WardRetry, WardAdvisory:
			default:
				return fmt.Errorf("ward %s: invalid mode %q", w.Validator, w.Mode)
			}
		}
	}
	if cell.Candidates != nil {
		switch cell.Candidates.Mode {
		case "", ModeSelect, ModeAggregate, ModeFirstValid, ModeAllOrNothing:
		default:
			return fmt.Errorf("invalid candidate mode %q", cell.Candidates.Mode)
		}
	}
	return nil
}

// CellByName returns the named cell, or nil.
func (c *Cascade) CellByName(name string) *Cell {
	for _, cell := range c.Cells {
		if cell.Name == name {
			return cell
		}
	}
	return nil
}

// JSON serializes the cell configuration for log rows.
func (cell *Cell) JSON() []byte {
	b, err := json.Marshal(cell)
	if err != nil {
		return nil
	}
	return b
}
