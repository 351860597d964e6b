// Package cell executes one cell of a cascade: template rendering, ward
// enforcement, and the model turn loop with tool calling and follow-ups.
package cell

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"rvbbit.dev/rvbbit/runtime/cascade"
	"rvbbit.dev/rvbbit/runtime/cascade/contextbuild"
	"rvbbit.dev/rvbbit/runtime/cascade/echo"
	"rvbbit.dev/rvbbit/runtime/cascade/errs"
	"rvbbit.dev/rvbbit/runtime/cascade/hooks"
	"rvbbit.dev/rvbbit/runtime/cascade/model"
	"rvbbit.dev/rvbbit/runtime/cascade/tackle"
	"rvbbit.dev/rvbbit/runtime/cascade/telemetry"
	"rvbbit.dev/rvbbit/runtime/cascade/ward"
)

type (
	// Executor runs single cells. Safe for concurrent use; candidate
	// branches and MAP PARALLEL workers share one executor.
	Executor struct {
		client  model.Client
		modelID string
		tools   *tackle.Registry
		builder *contextbuild.Builder
		wards   *ward.Engine
		bus     hooks.Bus
		store   *echo.Store
		logger  telemetry.Logger
		metrics telemetry.Metrics

		// callTimeout bounds each model call; toolTimeout bounds each tool
		// invocation. Zero disables the bound.
		callTimeout time.Duration
		toolTimeout time.Duration
		// maxToolParallel bounds concurrent tool execution within one turn.
		maxToolParallel int
	}

	// Options configures an Executor. Client, Tools, Builder, Wards, Bus,
	// and Store are required.
	Options struct {
		Client  model.Client
		ModelID string
		Tools   *tackle.Registry
		Builder *contextbuild.Builder
		Wards   *ward.Engine
		Bus     hooks.Bus
		Store   *echo.Store
		Logger  telemetry.Logger
		Metrics telemetry.Metrics

		CallTimeout     time.Duration
		ToolTimeout     time.Duration
		MaxToolParallel int
	}

	// Invocation is one cell execution request.
	Invocation struct {
		Cascade *cascade.Cascade
		Cell    *cascade.Cell
		Echo    *echo.Echo
		// PriorOutputs maps prior cell names to their artifacts for
		// {{cell.*}} references and declared context.
		PriorOutputs map[string]string
		// CandidateIndex labels rows produced by a candidate branch.
		CandidateIndex *int
		// ReforgeStep labels rows produced by a refinement step.
		ReforgeStep *int
		// ExtraPrompt is appended as a trailing user message (refinement
		// honing, ward retry feedback).
		ExtraPrompt string
	}
)

// New constructs an Executor.
func New(opts Options) (*Executor, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("model client is required")
	}
	if opts.Tools == nil || opts.Builder == nil || opts.Wards == nil || opts.Bus == nil || opts.Store == nil {
		return nil, fmt.Errorf("tools, builder, wards, bus, and store are required")
	}
	x := &Executor{
		client:          opts.Client,
		modelID:         opts.ModelID,
		tools:           opts.Tools,
		builder:         opts.Builder,
		wards:           opts.Wards,
		bus:             opts.Bus,
		store:           opts.Store,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		callTimeout:     opts.CallTimeout,
		toolTimeout:     opts.ToolTimeout,
		maxToolParallel: opts.MaxToolParallel,
	}
	if x.logger == nil {
		x.logger = telemetry.NewNoopLogger()
	}
	if x.metrics == nil {
		x.metrics = telemetry.NewNoopMetrics()
	}
	if x.maxToolParallel <= 0 {
		x.maxToolParallel = 4
	}
	return x, nil
}

// Run executes the cell to produce its artifact. Ward modes drive the
// attempt loop: blocking wards fail immediately, retry wards re-run the cell
// with the validation error rendered into the prompt, advisory wards log and
// continue.
func (x *Executor) Run(ctx context.Context, inv Invocation) (string, error) {
	if inv.Cell.Tool != "" {
		return x.runToolCell(ctx, inv)
	}

	maxAttempts := 1
	if inv.Cell.Wards != nil {
		for _, w := range append(append([]*cascade.WardSpec{}, inv.Cell.Wards.Pre...), inv.Cell.Wards.Post...) {
			if w.Mode == cascade.WardRetry && w.MaxAttempts > maxAttempts {
				maxAttempts = w.MaxAttempts
			}
		}
	}

	instructions, err := Render(inv.Cell.Instructions, inv.Echo, inv.PriorOutputs)
	if err != nil {
		return "", errs.Wrap(errs.KindValidation, inv.Cell.Name, err)
	}

	retryPrompt := ""
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if inv.Cell.Wards != nil {
			verdict, stop, werr := x.checkWards(ctx, inv, "pre", inv.Cell.Wards.Pre, instructions, attempt)
			if werr != nil {
				return "", werr
			}
			if stop {
				return "", verdictError(inv.Cell.Name, verdict)
			}
			if verdict != nil && !verdict.Valid {
				retryPrompt = ward.RenderRetry(verdict.spec, verdict.Reason, attempt)
				lastErr = verdictError(inv.Cell.Name, verdict)
				continue
			}
		}

		prompt := retryPrompt
		if inv.ExtraPrompt != "" {
			if prompt != "" {
				prompt = inv.ExtraPrompt + "\n\n" + prompt
			} else {
				prompt = inv.ExtraPrompt
			}
		}
		content, err := x.turnLoop(ctx, inv, instructions, prompt, attempt)
		if err != nil {
			return "", err
		}

		if inv.Cell.Wards != nil {
			verdict, stop, werr := x.checkWards(ctx, inv, "post", inv.Cell.Wards.Post, content, attempt)
			if werr != nil {
				return "", werr
			}
			if stop {
				return "", verdictError(inv.Cell.Name, verdict)
			}
			if verdict != nil && !verdict.Valid {
				retryPrompt = ward.RenderRetry(verdict.spec, verdict.Reason, attempt)
				lastErr = verdictError(inv.Cell.Name, verdict)
				continue
			}
		}
		return content, nil
	}
	if lastErr == nil {
		lastErr = errs.Errorf(errs.KindValidation, inv.Cell.Name, "retries exhausted after %d attempts", maxAttempts)
	}
	return "", lastErr
}

// attemptVerdict is a failed ward verdict paired with the spec that produced
// it, so retry instructions can be rendered.
type attemptVerdict struct {
	ward.Result
	spec *cascade.WardSpec
}

func verdictError(cellName string, v *attemptVerdict) error {
	return errs.Errorf(errs.KindValidation, cellName, "ward %s rejected output: %s", v.spec.Validator, v.Reason)
}

// checkWards evaluates one ward phase. Returns the first failing retryable
// verdict (verdict non-nil, stop false), a blocking failure (stop true), or
// all-clear (nil, false, nil). Advisory failures are logged and skipped.
func (x *Executor) checkWards(ctx context.Context, inv Invocation, phase string, specs []*cascade.WardSpec, content string, attempt int) (*attemptVerdict, bool, error) {
	for _, spec := range specs {
		res, err := x.wards.Check(ctx, spec, inv.Cell.Name, content)
		if err != nil {
			return nil, false, err
		}
		if perr := x.publish(ctx, inv, &hooks.WardChecked{
			Base:      x.base(inv),
			Validator: spec.Validator,
			Phase:     phase,
			Mode:      string(spec.Mode),
			Valid:     res.Valid,
			Reason:    res.Reason,
			Attempt:   attempt,
		}); perr != nil {
			return nil, false, perr
		}
		if res.Valid {
			continue
		}
		switch spec.Mode {
		case cascade.WardBlocking:
			return &attemptVerdict{Result: res, spec: spec}, true, nil
		case cascade.WardRetry:
			if attempt >= spec.MaxAttempts {
				return &attemptVerdict{Result: res, spec: spec}, true, nil
			}
			return &attemptVerdict{Result: res, spec: spec}, false, nil
		case cascade.WardAdvisory:
			x.logger.Warn(ctx, "advisory ward failed", "cell", inv.Cell.Name, "validator", spec.Validator, "reason", res.Reason)
		}
	}
	return nil, false, nil
}

// turnLoop drives the model conversation for one attempt: assistant calls,
// tool execution, and follow-ups, bounded by max_turns.
func (x *Executor) turnLoop(ctx context.Context, inv Invocation, instructions, extraPrompt string, attempt int) (string, error) {
	toolNames, err := x.resolveTraits(ctx, inv)
	if err != nil {
		return "", err
	}
	defs := x.tools.Definitions(toolNames)

	maxTurns := inv.Cell.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 1
	}

	if extraPrompt != "" {
		inv.Echo.AppendMessage(inv.Cell.Name, &model.Message{Role: model.RoleUser, Content: extraPrompt})
	}

	for turn := 1; turn <= maxTurns; turn++ {
		followUp := turn > 1
		msgs, err := x.builder.Build(ctx, contextbuild.CellContext{
			Cascade:      inv.Cascade,
			Cell:         inv.Cell,
			Echo:         inv.Echo,
			Instructions: instructions,
			ToolDefs:     defs,
			PriorOutputs: inv.PriorOutputs,
			FollowUp:     followUp,
		})
		if err != nil {
			return "", errs.Wrap(errs.KindProvider, inv.Cell.Name, err)
		}

		req := model.Request{Model: x.modelID, Messages: msgs, Tools: defs}
		resp, duration, err := x.complete(ctx, req)
		if err != nil {
			return "", x.classify(inv.Cell.Name, err)
		}
		inv.Echo.AddUsage(resp.Usage)

		calls, repaired := resp.ToolCalls, false
		if len(calls) == 0 {
			parsed, rep, perr := tackle.ParseToolCalls(resp.Content)
			if perr != nil {
				return "", errs.Wrap(errs.KindParse, inv.Cell.Name, perr)
			}
			calls, repaired = parsed, rep
			if repaired {
				x.logger.Warn(ctx, "repaired tool call json", "cell", inv.Cell.Name, "turn", turn)
			}
		}

		if followUp {
			empty := strings.TrimSpace(resp.Content) == ""
			if err := x.publish(ctx, inv, &hooks.FollowedUp{
				Base: x.base(inv), Turn: turn, Content: resp.Content,
				Empty: empty, Response: resp, Duration: duration,
			}); err != nil {
				return "", err
			}
			if empty && len(calls) == 0 {
				// Empty follow-ups are logged but never appended; the prior
				// tool results stand as the cell artifact path.
				x.logger.Warn(ctx, "empty follow-up content", "cell", inv.Cell.Name, "turn", turn)
				continue
			}
		} else {
			if err := x.publish(ctx, inv, &hooks.AgentCalled{
				Base: x.base(inv), Turn: turn, Attempt: attempt,
				CandidateIndex: inv.CandidateIndex, ReforgeStep: inv.ReforgeStep,
				Request: req, Response: resp, Duration: duration,
			}); err != nil {
				return "", err
			}
		}

		if strings.TrimSpace(resp.Content) != "" {
			inv.Echo.AppendMessage(inv.Cell.Name, &model.Message{Role: model.RoleAssistant, Content: resp.Content})
		}

		if len(calls) == 0 {
			if strings.TrimSpace(resp.Content) == "" {
				return "", errs.Wrap(errs.KindProvider, inv.Cell.Name, model.ErrEmptyContent)
			}
			return resp.Content, nil
		}

		if err := x.executeToolCalls(ctx, inv, turn, calls, repaired); err != nil {
			return "", err
		}
	}
	return "", errs.Errorf(errs.KindProvider, inv.Cell.Name, "max_turns %d exhausted without final content", maxTurns)
}

// resolveTraits returns the tool names for the cell, running the
// quartermaster when the cell declares traits: "manifest".
func (x *Executor) resolveTraits(ctx context.Context, inv Invocation) ([]string, error) {
	if !inv.Cell.Traits.IsManifest() {
		return inv.Cell.Traits, nil
	}
	prompt := fmt.Sprintf(
		"You are the quartermaster. Select the tools needed for the step below.\n\nStep instructions:\n%s\n\nAvailable tools:\n%s\nRespond with a JSON array of tool names.",
		inv.Cell.Instructions, x.tools.Synopsis(),
	)
	req := model.Request{Model: x.modelID, Messages: []*model.Message{
		{Role: model.RoleSystem, Content: "Select the minimal tool subset for the task. Respond with a JSON array of tool names only."},
		{Role: model.RoleUser, Content: prompt},
	}}
	resp, duration, err := x.complete(ctx, req)
	if err != nil {
		return nil, x.classify(inv.Cell.Name, err)
	}
	inv.Echo.AddUsage(resp.Usage)

	qmInv := inv
	qmCell := *inv.Cell
	qmCell.Name = inv.Cell.Name + ":quartermaster"
	qmInv.Cell = &qmCell
	if err := x.publish(ctx, qmInv, &hooks.AgentCalled{
		Base: x.base(qmInv), Turn: 1, Request: req, Response: resp, Duration: duration,
	}); err != nil {
		return nil, err
	}

	var names []string
	body := strings.TrimSpace(resp.Content)
	if idx := strings.Index(body, "["); idx >= 0 {
		if end := strings.LastIndex(body, "]"); end > idx {
			body = body[idx : end+1]
		}
	}
	if err := json.Unmarshal([]byte(body), &names); err != nil {
		x.logger.Warn(ctx, "quartermaster selection unparsable, exposing full catalog", "cell", inv.Cell.Name, "err", err)
		return x.tools.Names(), nil
	}
	x.logger.Info(ctx, "quartermaster selected tools", "cell", inv.Cell.Name, "tools", strings.Join(names, ","))
	return names, nil
}

// executeToolCalls runs the turn's tool calls, in parallel when more than one
// is pending, and appends tool-result messages in call order.
func (x *Executor) executeToolCalls(ctx context.Context, inv Invocation, turn int, calls []model.ToolCall, repaired bool) error {
	type outcome struct {
		res      tackle.Result
		err      error
		duration time.Duration
	}
	outcomes := make([]outcome, len(calls))

	for _, call := range calls {
		if err := x.publish(ctx, inv, &hooks.ToolCalled{
			Base: x.base(inv), Turn: turn, Call: call, Repaired: repaired,
		}); err != nil {
			return err
		}
	}

	sem := make(chan struct{}, x.maxToolParallel)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call model.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			start := time.Now()
			res, err := x.invokeTool(ctx, call)
			outcomes[i] = outcome{res: res, err: err, duration: time.Since(start)}
		}(i, call)
	}
	wg.Wait()

	for i, call := range calls {
		out := outcomes[i]
		content := out.res.Content
		isErr := false
		if out.err != nil {
			// Failed tool calls become error-bodied tool results the model
			// can react to next turn.
			isErr = true
			content = fmt.Sprintf(`{"error": %q}`, out.err.Error())
		}
		if err := x.publish(ctx, inv, &hooks.ToolResulted{
			Base: x.base(inv), Turn: turn, Call: call,
			Content: content, IsError: isErr, Images: out.res.Images, Duration: out.duration,
		}); err != nil {
			return err
		}
		inv.Echo.AppendMessage(inv.Cell.Name, &model.Message{
			Role: model.RoleTool, Content: content, ToolCallID: call.ID, Name: call.Name, Images: out.res.Images,
		})
	}
	return nil
}

func (x *Executor) invokeTool(ctx context.Context, call model.ToolCall) (tackle.Result, error) {
	tool := x.tools.Get(call.Name)
	if tool == nil {
		return tackle.Result{}, errs.Errorf(errs.KindTool, "", "unknown tool %q", call.Name)
	}
	if x.toolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.toolTimeout)
		defer cancel()
	}
	start := time.Now()
	res, err := tool.Invoke(ctx, call.Arguments)
	x.metrics.RecordTimer("tool_invoke", time.Since(start), "tool", call.Name)
	if err != nil {
		if ctx.Err() != nil {
			return tackle.Result{}, errs.Wrap(errs.KindTimeout, "", err)
		}
		return tackle.Result{}, errs.Wrap(errs.KindTool, "", err)
	}
	return res, nil
}

// runToolCell executes a tool cell: one deterministic tool call whose result
// is the cell artifact.
func (x *Executor) runToolCell(ctx context.Context, inv Invocation) (string, error) {
	args := make(map[string]any, len(inv.Cell.ToolArgs))
	for k, v := range inv.Cell.ToolArgs {
		if s, ok := v.(string); ok {
			rendered, err := Render(s, inv.Echo, inv.PriorOutputs)
			if err != nil {
				return "", errs.Wrap(errs.KindValidation, inv.Cell.Name, err)
			}
			args[k] = rendered
			continue
		}
		args[k] = v
	}
	call := model.ToolCall{Name: inv.Cell.Tool, Arguments: args}
	if err := x.publish(ctx, inv, &hooks.ToolCalled{Base: x.base(inv), Turn: 1, Call: call}); err != nil {
		return "", err
	}
	start := time.Now()
	res, err := x.invokeTool(ctx, call)
	duration := time.Since(start)
	if err != nil {
		return "", errs.Wrap(errs.KindTool, inv.Cell.Name, err)
	}
	if perr := x.publish(ctx, inv, &hooks.ToolResulted{
		Base: x.base(inv), Turn: 1, Call: call,
		Content: res.Content, Images: res.Images, Duration: duration,
	}); perr != nil {
		return "", perr
	}
	return res.Content, nil
}

func (x *Executor) complete(ctx context.Context, req model.Request) (model.Response, time.Duration, error) {
	if x.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.callTimeout)
		defer cancel()
	}
	start := time.Now()
	resp, err := x.client.Complete(ctx, req)
	duration := time.Since(start)
	x.metrics.RecordTimer("model_complete", duration, "model", req.Model)
	return resp, duration, err
}

// classify maps transport errors onto the engine's stable error kinds.
func (x *Executor) classify(cellName string, err error) error {
	switch {
	case err == nil:
		return nil
	case errs.Is(err, errs.KindCanceled):
		return errs.Wrap(errs.KindCanceled, cellName, err)
	case errs.Is(err, errs.KindTimeout):
		return errs.Wrap(errs.KindTimeout, cellName, err)
	default:
		return errs.Wrap(errs.KindProvider, cellName, err)
	}
}

func (x *Executor) base(inv Invocation) hooks.Base {
	return hooks.NewBase(inv.Echo.SessionID, inv.Cascade.ID, inv.Cell.Name, inv.Echo.Depth)
}

func (x *Executor) publish(ctx context.Context, _ Invocation, event hooks.Event) error {
	return x.bus.Publish(ctx, event)
}
