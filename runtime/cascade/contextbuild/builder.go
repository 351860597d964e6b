// Package contextbuild assembles the message sequence fed to the model for a
// cell invocation: system and tool definitions, few-shot exemplars, declared
// context, prior turn history, image culling, and token-budget enforcement.
package contextbuild

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"rvbbit.dev/rvbbit/runtime/cascade"
	"rvbbit.dev/rvbbit/runtime/cascade/echo"
	"rvbbit.dev/rvbbit/runtime/cascade/eventlog"
	"rvbbit.dev/rvbbit/runtime/cascade/model"
	"rvbbit.dev/rvbbit/runtime/cascade/telemetry"
)

type (
	// Builder produces the message list for cell invocations. Safe for
	// concurrent use; candidate branches share one builder.
	Builder struct {
		log    eventlog.Store
		logger telemetry.Logger

		// tokenBudget caps the total encoded size of the message list. Zero
		// disables budget enforcement.
		tokenBudget int
		// toolResultLimit truncates tool-result text beyond this many bytes;
		// the full content stays on disk. Zero disables truncation.
		toolResultLimit int

		enc *tiktoken.Tiktoken
	}

	// Option configures a Builder.
	Option func(*Builder)

	// CellContext carries everything the builder needs for one invocation.
	CellContext struct {
		Cascade *cascade.Cascade
		Cell    *cascade.Cell
		Echo    *echo.Echo
		// Instructions is the cell prompt, already template-rendered.
		Instructions string
		// ToolDefs lists the tools exposed this turn.
		ToolDefs []*model.ToolDefinition
		// PriorOutputs maps declared prior cell names to their artifacts.
		PriorOutputs map[string]string
		// FollowUp marks a post-tool follow-up call; image bytes are culled.
		FollowUp bool
	}
)

// WithTokenBudget caps the assembled message list, in tokens.
func WithTokenBudget(n int) Option {
	return func(b *Builder) { b.tokenBudget = n }
}

// WithToolResultLimit truncates tool-result text beyond n bytes.
func WithToolResultLimit(n int) Option {
	return func(b *Builder) { b.toolResultLimit = n }
}

// WithLogger installs a structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// New returns a Builder reading exemplars from log.
func New(log eventlog.Store, opts ...Option) *Builder {
	b := &Builder{log: log, logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(b)
	}
	// cl100k_base covers the models in play closely enough for budgeting.
	// A byte-length estimate substitutes when the encoding is unavailable.
	if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		b.enc = enc
	}
	return b
}

// Build assembles the message list for a cell invocation.
func (b *Builder) Build(ctx context.Context, cc CellContext) ([]*model.Message, error) {
	if cc.Cell == nil || cc.Echo == nil {
		return nil, fmt.Errorf("cell and echo are required")
	}
	var msgs []*model.Message

	msgs = append(msgs, &model.Message{Role: model.RoleSystem, Content: b.systemPrompt(cc)})

	if cc.Cell.UseTraining {
		exemplars, err := b.exemplars(ctx, cc)
		if err != nil {
			b.logger.Warn(ctx, "exemplar retrieval failed", "cell", cc.Cell.Name, "err", err)
		} else {
			msgs = append(msgs, exemplars...)
		}
	}

	if input := b.inputMessage(cc); input != nil {
		msgs = append(msgs, input)
	}

	history := cc.Echo.Messages(cc.Cell.Name)
	for _, m := range history {
		if m.Role == model.RoleAssistant && strings.TrimSpace(m.Content) == "" && len(m.Images) == 0 {
			// Contract: no persisted assistant message has empty content.
			// History is filtered at append time; this is the backstop.
			b.logger.Warn(ctx, "dropping empty assistant message from history", "cell", cc.Cell.Name)
			continue
		}
		msgs = append(msgs, m)
	}

	if cc.FollowUp {
		msgs = cullImages(msgs)
	}
	if b.toolResultLimit > 0 {
		msgs = b.truncateToolResults(ctx, msgs)
	}
	if b.tokenBudget > 0 {
		msgs = b.enforceBudget(ctx, msgs)
	}
	return msgs, nil
}

// systemPrompt renders the system message: rendered instructions plus tool
// guidance when tools are exposed.
func (b *Builder) systemPrompt(cc CellContext) string {
	var sb strings.Builder
	sb.WriteString(cc.Instructions)
	if len(cc.ToolDefs) > 0 {
		sb.WriteString("\n\nAvailable tools:\n")
		for _, def := range cc.ToolDefs {
			fmt.Fprintf(&sb, "- %s: %s\n", def.Name, def.Description)
		}
	}
	return sb.String()
}

// inputMessage renders the cell's input data and declared context (prior cell
// outputs and state keys) as the opening user message.
func (b *Builder) inputMessage(cc CellContext) *model.Message {
	var parts []string
	if len(cc.Echo.Inputs) > 0 {
		names := cc.Cell.Inputs
		visible := cc.Echo.Inputs
		if len(names) > 0 {
			visible = make(map[string]any, len(names))
			for _, n := range names {
				if v, ok := cc.Echo.Inputs[n]; ok {
					visible[n] = v
				}
			}
		}
		if len(visible) > 0 {
			enc, _ := json.Marshal(visible)
			parts = append(parts, "Input:\n"+string(enc))
		}
	}
	for _, ref := range cc.Cell.Context {
		if key, ok := strings.CutPrefix(ref, "state."); ok {
			if v, set := cc.Echo.StateValue(key); set {
				enc, _ := json.Marshal(v)
				parts = append(parts, fmt.Sprintf("State %s:\n%s", key, enc))
			}
			continue
		}
		if out, ok := cc.PriorOutputs[ref]; ok {
			parts = append(parts, fmt.Sprintf("Output of %s:\n%s", ref, out))
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return &model.Message{Role: model.RoleUser, Content: strings.Join(parts, "\n\n")}
}

// exemplars retrieves prior winning outputs for this cell as few-shot
// user/assistant pairs.
func (b *Builder) exemplars(ctx context.Context, cc CellContext) ([]*model.Message, error) {
	limit := cc.Cell.TrainingLimit
	if limit <= 0 {
		limit = 3
	}
	rows, err := b.log.ListRows(ctx, eventlog.Filter{
		CascadeID: cc.Cascade.ID,
		CellName:  cc.Cell.Name,
		NodeType:  eventlog.NodeCellComplete,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}
	var msgs []*model.Message
	for _, row := range rows {
		var content string
		if err := json.Unmarshal(row.ContentJSON, &content); err != nil || content == "" {
			continue
		}
		msgs = append(msgs,
			&model.Message{Role: model.RoleUser, Content: "Example of a verified prior output for this step:"},
			&model.Message{Role: model.RoleAssistant, Content: content},
		)
	}
	return msgs, nil
}

// cullImages removes image byte content from the conversation. Follow-ups
// generate short acknowledgements and don't need visual re-analysis; the
// on-disk path remains as the durable reference.
func cullImages(msgs []*model.Message) []*model.Message {
	out := make([]*model.Message, len(msgs))
	for i, m := range msgs {
		if len(m.Images) == 0 {
			out[i] = m
			continue
		}
		cp := *m
		cp.Images = make([]model.Image, len(m.Images))
		for j, img := range m.Images {
			cp.Images[j] = model.Image{Path: img.Path, MediaType: img.MediaType}
		}
		out[i] = &cp
	}
	return out
}

func (b *Builder) truncateToolResults(ctx context.Context, msgs []*model.Message) []*model.Message {
	out := make([]*model.Message, len(msgs))
	for i, m := range msgs {
		if m.Role != model.RoleTool || len(m.Content) <= b.toolResultLimit {
			out[i] = m
			continue
		}
		cp := *m
		cp.Content = m.Content[:b.toolResultLimit] + fmt.Sprintf("\n[truncated %d bytes; full result on disk]", len(m.Content)-b.toolResultLimit)
		b.logger.Debug(ctx, "truncated tool result", "tool", m.Name, "bytes", len(m.Content))
		out[i] = &cp
	}
	return out
}

// enforceBudget drops the oldest non-essential messages until the list fits
// the token budget. Essential messages are the system prompt, the current
// cell input (first user message), and tool results from the most recent
// turn.
func (b *Builder) enforceBudget(ctx context.Context, msgs []*model.Message) []*model.Message {
	total := 0
	counts := make([]int, len(msgs))
	for i, m := range msgs {
		counts[i] = b.countTokens(m.Content)
		total += counts[i]
	}
	if total <= b.tokenBudget {
		return msgs
	}

	essential := make([]bool, len(msgs))
	firstUser := -1
	lastToolStart := -1
	for i, m := range msgs {
		if m.Role == model.RoleSystem {
			essential[i] = true
		}
		if firstUser < 0 && m.Role == model.RoleUser {
			firstUser = i
		}
		if m.Role == model.RoleTool {
			lastToolStart = i
		}
	}
	if firstUser >= 0 {
		essential[firstUser] = true
	}
	// keep the contiguous run of tool results ending the most recent turn
	for i := lastToolStart; i >= 0 && msgs[i].Role == model.RoleTool; i-- {
		essential[i] = true
	}

	out := make([]*model.Message, 0, len(msgs))
	dropped := 0
	for i, m := range msgs {
		if !essential[i] && total > b.tokenBudget {
			total -= counts[i]
			dropped++
			continue
		}
		out = append(out, m)
	}
	if dropped > 0 {
		b.logger.Debug(ctx, "trimmed context to token budget", "dropped", dropped, "tokens", total, "budget", b.tokenBudget)
	}
	return out
}

func (b *Builder) countTokens(text string) int {
	if b.enc != nil {
		return len(b.enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}
