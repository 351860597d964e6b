// Package candidates runs per-cell candidate exploration: N variants of the
// same cell execute concurrently on isolated session branches, an evaluator
// cell picks (or builds) the winner, and only the winner's content flows to
// downstream cells. Losers remain fully logged.
package candidates

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"rvbbit.dev/rvbbit/runtime/cascade"
	"rvbbit.dev/rvbbit/runtime/cascade/cell"
	"rvbbit.dev/rvbbit/runtime/cascade/echo"
	"rvbbit.dev/rvbbit/runtime/cascade/errs"
	"rvbbit.dev/rvbbit/runtime/cascade/hooks"
	"rvbbit.dev/rvbbit/runtime/cascade/ident"
	"rvbbit.dev/rvbbit/runtime/cascade/telemetry"
)

type (
	// Loop orchestrates candidate fan-out for one cell.
	Loop struct {
		exec   *cell.Executor
		store  *echo.Store
		bus    hooks.Bus
		reg    *ident.Registry
		logger telemetry.Logger
	}

	branch struct {
		index   int
		content string
		session string
		cost    float64
		err     error
	}

	// verdict is the evaluator's decoded output for select mode.
	verdict struct {
		Winner    int      `json:"winner"`
		Score     *float64 `json:"score"`
		Rationale string   `json:"rationale"`
		Valid     *bool    `json:"valid"`
	}
)

// New constructs a Loop. reg is the identity registry branch sessions bind
// into; nil uses the process-wide registry.
func New(exec *cell.Executor, store *echo.Store, bus hooks.Bus, reg *ident.Registry, logger telemetry.Logger) *Loop {
	if reg == nil {
		reg = ident.Default()
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Loop{exec: exec, store: store, bus: bus, reg: reg, logger: logger}
}

// Run resolves the factor, fans out branches, and returns the winning
// content. factor=1 executes exactly once and skips the evaluator.
func (l *Loop) Run(ctx context.Context, inv cell.Invocation) (string, error) {
	spec := inv.Cell.Candidates
	factor, err := cell.ResolveFactor(spec.Factor, inv.Echo)
	if err != nil {
		return "", errs.Wrap(errs.KindValidation, inv.Cell.Name, err)
	}
	if factor == 1 {
		return l.exec.Run(ctx, inv)
	}

	branches := l.fanOut(ctx, inv, factor, spec)

	failed := 0
	var summaries []string
	for _, b := range branches {
		if b.err != nil {
			failed++
			summaries = append(summaries, fmt.Sprintf("branch %d: %v", b.index, b.err))
		}
	}
	if failed == factor {
		e := errs.Errorf(errs.KindCandidateExhaustion, inv.Cell.Name, "all %d candidate branches failed", factor)
		return "", e.WithMetadata("branches", summaries)
	}
	if spec.Mode == cascade.ModeAllOrNothing && failed > 0 {
		e := errs.Errorf(errs.KindCandidateExhaustion, inv.Cell.Name, "%d of %d candidate branches failed", failed, factor)
		return "", e.WithMetadata("branches", summaries)
	}

	winnerIdx, winnerContent, verdicts, err := l.evaluate(ctx, inv, spec, branches)
	if err != nil {
		return "", err
	}

	for _, b := range branches {
		if b.err != nil {
			continue
		}
		ev := &hooks.CandidateEvaluated{
			Base:          hooks.NewBase(inv.Echo.SessionID, inv.Cascade.ID, inv.Cell.Name, inv.Echo.Depth),
			Index:         b.index,
			Content:       b.content,
			Winner:        b.index == winnerIdx,
			Cost:          b.cost,
			BranchSession: b.session,
		}
		if v, ok := verdicts[b.index]; ok {
			ev.Score = v.Score
			ev.Rationale = v.Rationale
		}
		if err := l.bus.Publish(ctx, ev); err != nil {
			return "", err
		}
	}
	if err := l.bus.Publish(ctx, &hooks.WinnerSelected{
		Base:    hooks.NewBase(inv.Echo.SessionID, inv.Cascade.ID, inv.Cell.Name, inv.Echo.Depth),
		Index:   winnerIdx,
		Content: winnerContent,
	}); err != nil {
		return "", err
	}
	return winnerContent, nil
}

// fanOut runs factor branches with bounded concurrency. Each branch executes
// on a deep-cloned session "<parent>_c<i>" so branch state and messages never
// leak across variants.
func (l *Loop) fanOut(ctx context.Context, inv cell.Invocation, factor int, spec *cascade.CandidateSpec) []branch {
	maxParallel := spec.MaxParallel
	if maxParallel <= 0 || maxParallel > factor {
		maxParallel = factor
	}
	branches := make([]branch, factor)
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup
	for i := 0; i < factor; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			be, err := l.store.Branch(ctx, inv.Echo, i, inv.Cascade.Raw)
			if err != nil {
				branches[i] = branch{index: i, err: err}
				return
			}
			// Branch sessions inherit the parent's identity so every log row
			// of the branch resolves the same caller_id at write time.
			l.reg.Bind(be.SessionID, l.reg.BySession(inv.Echo.SessionID))
			binv := inv
			binv.Echo = be
			idx := i
			binv.CandidateIndex = &idx
			content, err := l.exec.Run(ctx, binv)
			branches[i] = branch{index: i, content: content, session: be.SessionID, cost: be.CostTotal(), err: err}
		}(i)
	}
	wg.Wait()
	return branches
}

// evaluate routes the surviving branches to the evaluator and returns the
// winning index and content. Branches are presented in index order;
// tie-breaking is by lowest index.
func (l *Loop) evaluate(ctx context.Context, inv cell.Invocation, spec *cascade.CandidateSpec, branches []branch) (int, string, map[int]verdict, error) {
	verdicts := make(map[int]verdict)

	switch spec.Mode {
	case cascade.ModeFirstValid:
		for _, b := range branches {
			if b.err != nil {
				continue
			}
			out, err := l.runEvaluator(ctx, inv, spec, fmt.Sprintf("Candidate %d:\n%s", b.index, b.content))
			if err != nil {
				return 0, "", nil, err
			}
			v := parseVerdict(out)
			verdicts[b.index] = v
			if v.Valid != nil && *v.Valid {
				return b.index, b.content, verdicts, nil
			}
		}
		return 0, "", nil, errs.Errorf(errs.KindCandidateExhaustion, inv.Cell.Name, "no candidate passed the first_valid predicate")

	case cascade.ModeAggregate:
		out, err := l.runEvaluator(ctx, inv, spec, renderCandidates(branches))
		if err != nil {
			return 0, "", nil, err
		}
		// The aggregate artifact replaces all branches; the first surviving
		// branch index carries the winner flag for log invariants.
		for _, b := range branches {
			if b.err == nil {
				return b.index, out, verdicts, nil
			}
		}
		return 0, out, verdicts, nil

	default: // select, all_or_nothing
		out, err := l.runEvaluator(ctx, inv, spec, renderCandidates(branches))
		if err != nil {
			return 0, "", nil, err
		}
		v := parseVerdict(out)
		for _, b := range branches {
			if b.err == nil && b.index == v.Winner {
				verdicts[b.index] = v
				return b.index, b.content, verdicts, nil
			}
		}
		// Unusable winner index: fall back to the lowest surviving branch.
		for _, b := range branches {
			if b.err == nil {
				l.logger.Warn(ctx, "evaluator returned unusable winner index, using lowest surviving branch",
					"cell", inv.Cell.Name, "winner", v.Winner, "fallback", b.index)
				return b.index, b.content, verdicts, nil
			}
		}
		return 0, "", nil, errs.Errorf(errs.KindCandidateExhaustion, inv.Cell.Name, "no surviving candidate branch")
	}
}

// runEvaluator executes the evaluator as a meta-cell through the same
// executor path used by normal cells, so its logs are first-class.
func (l *Loop) runEvaluator(ctx context.Context, inv cell.Invocation, spec *cascade.CandidateSpec, payload string) (string, error) {
	evalCell := &cascade.Cell{
		Name:         inv.Cell.Name + ":evaluator",
		Instructions: spec.EvaluatorInstructions + "\n\n" + payload,
		MaxTurns:     1,
	}
	einv := inv
	einv.Cell = evalCell
	einv.CandidateIndex = nil
	return l.exec.Run(ctx, einv)
}

func renderCandidates(branches []branch) string {
	var sb strings.Builder
	for _, b := range branches {
		if b.err != nil {
			continue
		}
		fmt.Fprintf(&sb, "Candidate %d:\n%s\n\n", b.index, b.content)
	}
	return sb.String()
}

// parseVerdict decodes the evaluator output. JSON bodies are preferred; a
// bare integer is accepted as a winner index.
func parseVerdict(content string) verdict {
	body := strings.TrimSpace(content)
	if idx := strings.Index(body, "{"); idx >= 0 {
		if end := strings.LastIndex(body, "}"); end > idx {
			var v verdict
			if err := json.Unmarshal([]byte(body[idx:end+1]), &v); err == nil {
				return v
			}
		}
	}
	if n, err := strconv.Atoi(body); err == nil {
		return verdict{Winner: n}
	}
	return verdict{}
}
