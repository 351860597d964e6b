// Package runner drives cascade execution: session creation, cell
// sequencing, handoffs, candidate and refinement dispatch, sub-cascade
// spawn, row-mapper cells, and terminal status propagation.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"rvbbit.dev/rvbbit/runtime/cascade"
	"rvbbit.dev/rvbbit/runtime/cascade/candidates"
	"rvbbit.dev/rvbbit/runtime/cascade/cell"
	"rvbbit.dev/rvbbit/runtime/cascade/echo"
	"rvbbit.dev/rvbbit/runtime/cascade/errs"
	"rvbbit.dev/rvbbit/runtime/cascade/hooks"
	"rvbbit.dev/rvbbit/runtime/cascade/ident"
	"rvbbit.dev/rvbbit/runtime/cascade/reforge"
	"rvbbit.dev/rvbbit/runtime/cascade/tackle"
	"rvbbit.dev/rvbbit/runtime/cascade/telemetry"
)

type (
	// TableReader reads and writes session-scoped temp tables for row-mapper
	// cells. SQL engine adapters implement it.
	TableReader interface {
		ReadRows(ctx context.Context, table string) ([]map[string]any, error)
		WriteRows(ctx context.Context, table string, rows []map[string]any) error
	}

	// Runner executes cascades.
	Runner struct {
		exec    *cell.Executor
		cands   *candidates.Loop
		ref     *reforge.Loop
		store   *echo.Store
		bus     hooks.Bus
		reg     *ident.Registry
		tools   *tackle.Registry
		tables  TableReader
		logger  telemetry.Logger
		metrics telemetry.Metrics

		mu       sync.Mutex
		toolDirs map[string]bool
	}

	// Options configures a Runner. Exec, Store, Bus, Registry, and Tools are
	// required; Tables is required only when cascades use for_each_row.
	Options struct {
		Exec     *cell.Executor
		Cands    *candidates.Loop
		Reforge  *reforge.Loop
		Store    *echo.Store
		Bus      hooks.Bus
		Identity *ident.Registry
		Tools    *tackle.Registry
		Tables   TableReader
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
	}

	// RunRequest describes one cascade invocation.
	RunRequest struct {
		Cascade *cascade.Cascade
		Inputs  map[string]any
		// SessionID is minted when empty.
		SessionID string
		// ParentSessionID links sub-cascade runs to their parent.
		ParentSessionID string
		// Depth is the nesting depth, zero at top level.
		Depth int
		// Identity overrides the context identity. When both are unset a
		// fresh "run-<token>" identity is minted.
		Identity ident.Identity
	}

	// SessionResult is the outcome of a cascade run.
	SessionResult struct {
		SessionID string
		Status    echo.Status
		// Content is the artifact of the last executed cell.
		Content string
		// Outputs maps cell names to their artifacts.
		Outputs map[string]string
		Cost    float64
		Tokens  int
		Errors  []echo.CellError
	}

	sessionCtxKey struct{}
)

// New constructs a Runner and registers the engine built-ins (run_cascade,
// set_state) in the tool registry.
func New(opts Options) (*Runner, error) {
	if opts.Exec == nil || opts.Store == nil || opts.Bus == nil || opts.Identity == nil || opts.Tools == nil {
		return nil, fmt.Errorf("exec, store, bus, identity, and tools are required")
	}
	r := &Runner{
		exec:     opts.Exec,
		cands:    opts.Cands,
		ref:      opts.Reforge,
		store:    opts.Store,
		bus:      opts.Bus,
		reg:      opts.Identity,
		tools:    opts.Tools,
		tables:   opts.Tables,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		toolDirs: make(map[string]bool),
	}
	if r.logger == nil {
		r.logger = telemetry.NewNoopLogger()
	}
	if r.metrics == nil {
		r.metrics = telemetry.NewNoopMetrics()
	}
	if err := r.registerBuiltins(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runner) registerBuiltins() error {
	runCascade := tackle.NewFunc(
		"run_cascade",
		"Run another cascade and return its final artifact.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":   map[string]any{"type": "string", "description": "cascade file path"},
				"inputs": map[string]any{"type": "object"},
			},
			"required": []any{"path"},
		},
		func(ctx context.Context, args map[string]any) (tackle.Result, error) {
			path, _ := args["path"].(string)
			inputs, _ := args["inputs"].(map[string]any)
			out, err := r.RunAsTool(ctx, path, inputs)
			if err != nil {
				return tackle.Result{}, err
			}
			return tackle.Result{Content: out}, nil
		},
	)
	setState := tackle.NewFunc(
		"set_state",
		"Write a key/value pair into durable session state.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key":   map[string]any{"type": "string"},
				"value": map[string]any{},
			},
			"required": []any{"key", "value"},
		},
		func(ctx context.Context, args map[string]any) (tackle.Result, error) {
			sessionID, _ := ctx.Value(sessionCtxKey{}).(string)
			if sessionID == "" {
				return tackle.Result{}, fmt.Errorf("set_state outside a session")
			}
			key, _ := args["key"].(string)
			if key == "" {
				return tackle.Result{}, fmt.Errorf("key is required")
			}
			if err := r.SetState(ctx, sessionID, key, args["value"], ""); err != nil {
				return tackle.Result{}, err
			}
			return tackle.Result{Content: `{"ok": true}`}, nil
		},
	)
	if err := r.tools.Register(runCascade); err != nil {
		return err
	}
	return r.tools.Register(setState)
}

// Run executes the cascade and returns the session result. The cascade
// document and inputs are persisted verbatim before the first cell so runs
// can be replayed byte-exactly.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*SessionResult, error) {
	if req.Cascade == nil {
		return nil, fmt.Errorf("cascade is required")
	}

	id := req.Identity
	if id.IsZero() {
		id = ident.From(ctx)
	}
	if id.IsZero() {
		id = ident.Mint("run", nil)
	}
	ctx = ident.With(ctx, id)

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ctx = context.WithValue(ctx, sessionCtxKey{}, sessionID)

	r.reg.Bind(sessionID, id)
	e, err := r.store.Create(ctx, &echo.Echo{
		SessionID:          sessionID,
		CascadeID:          req.Cascade.ID,
		ParentSessionID:    req.ParentSessionID,
		Depth:              req.Depth,
		CallerID:           id.CallerID,
		InvocationMetadata: id.Metadata,
		Inputs:             req.Inputs,
	}, req.Cascade.Raw)
	if err != nil {
		return nil, err
	}

	if err := r.registerToolDirs(req.Cascade); err != nil {
		return nil, err
	}

	cascadeJSON, _ := json.Marshal(req.Cascade)
	if err := r.bus.Publish(ctx, &hooks.CascadeStarted{
		Base:        hooks.NewBase(sessionID, req.Cascade.ID, "", req.Depth),
		CascadeJSON: cascadeJSON,
		Inputs:      req.Inputs,
	}); err != nil {
		return nil, err
	}

	outputs := make(map[string]string)
	lastContent := ""
	var runErr error

	idx := 0
	for idx >= 0 && idx < len(req.Cascade.Cells) {
		if ctx.Err() != nil {
			runErr = errs.Wrap(errs.KindCanceled, "", ctx.Err())
			r.recordError(ctx, e, req.Cascade, "", runErr)
			break
		}
		c := req.Cascade.Cells[idx]

		if err := r.bus.Publish(ctx, &hooks.CellStarted{
			Base:     hooks.NewBase(sessionID, req.Cascade.ID, c.Name, req.Depth),
			CellJSON: c.JSON(),
		}); err != nil {
			return nil, err
		}

		start := time.Now()
		content, err := r.runCell(ctx, req.Cascade, c, e, outputs)
		if err != nil {
			runErr = err
			r.recordError(ctx, e, req.Cascade, c.Name, err)
			break
		}
		outputs[c.Name] = content
		lastContent = content

		if err := r.bus.Publish(ctx, &hooks.CellCompleted{
			Base:     hooks.NewBase(sessionID, req.Cascade.ID, c.Name, req.Depth),
			Content:  content,
			Duration: time.Since(start),
		}); err != nil {
			return nil, err
		}

		if c.Handoff != "" {
			idx = cellIndex(req.Cascade, c.Handoff)
			continue
		}
		idx++
	}

	status := r.store.Finalize(sessionID)
	if err := r.bus.Publish(ctx, &hooks.CascadeCompleted{
		Base:    hooks.NewBase(sessionID, req.Cascade.ID, "", req.Depth),
		Status:  string(status),
		Content: lastContent,
		Err:     runErr,
	}); err != nil {
		return nil, err
	}
	if status == echo.StatusFailed {
		ledger := e.Errors()
		errsAny := make([]any, len(ledger))
		for i, le := range ledger {
			errsAny[i] = le
		}
		if err := r.bus.Publish(ctx, &hooks.CascadeErrored{
			Base:   hooks.NewBase(sessionID, req.Cascade.ID, "", req.Depth),
			Errors: errsAny,
		}); err != nil {
			return nil, err
		}
	}

	return &SessionResult{
		SessionID: sessionID,
		Status:    status,
		Content:   lastContent,
		Outputs:   outputs,
		Cost:      e.CostTotal(),
		Tokens:    e.TokensTotal(),
		Errors:    e.Errors(),
	}, nil
}

// RunAsTool re-enters the engine for cascade-as-tool and run_cascade calls.
// The sub-session parents to the session carried by the context; identity is
// inherited automatically.
func (r *Runner) RunAsTool(ctx context.Context, path string, inputs map[string]any) (string, error) {
	c, err := cascade.Load(path)
	if err != nil {
		return "", err
	}
	parentSession, _ := ctx.Value(sessionCtxKey{}).(string)
	depth := 0
	if parent := r.store.Get(parentSession); parent != nil {
		depth = parent.Depth + 1
	}
	res, err := r.Run(ctx, RunRequest{
		Cascade:         c,
		Inputs:          inputs,
		ParentSessionID: parentSession,
		Depth:           depth,
	})
	if err != nil {
		return "", err
	}
	if res.Status == echo.StatusFailed {
		return "", errs.Errorf(errs.KindTool, "", "sub-cascade %s failed", c.ID)
	}
	return res.Content, nil
}

// SetState writes session state and publishes the state_write event after
// the durable snapshot lands.
func (r *Runner) SetState(ctx context.Context, sessionID, key string, value any, cellName string) error {
	if err := r.store.SetState(ctx, sessionID, key, value, cellName); err != nil {
		return err
	}
	e := r.store.Get(sessionID)
	depth := 0
	cascadeID := ""
	if e != nil {
		depth = e.Depth
		cascadeID = e.CascadeID
	}
	return r.bus.Publish(ctx, &hooks.StateWritten{
		Base:  hooks.NewBase(sessionID, cascadeID, cellName, depth),
		Key:   key,
		Value: value,
	})
}

func (r *Runner) runCell(ctx context.Context, c *cascade.Cascade, cl *cascade.Cell, e *echo.Echo, outputs map[string]string) (string, error) {
	if cl.ForEachRow != nil {
		return r.runRowMapper(ctx, c, cl, e, outputs)
	}

	inv := cell.Invocation{
		Cascade:      c,
		Cell:         cl,
		Echo:         e,
		PriorOutputs: outputs,
	}

	spec := cl.Candidates
	if spec == nil {
		spec = c.Candidates
	}
	var content string
	var err error
	if spec != nil && r.cands != nil {
		withSpec := *cl
		withSpec.Candidates = spec
		inv.Cell = &withSpec
		content, err = r.cands.Run(ctx, inv)
		inv.Cell = cl
	} else {
		content, err = r.exec.Run(ctx, inv)
	}
	if err != nil {
		return "", err
	}

	if cl.Reforge != nil && r.ref != nil {
		content, err = r.ref.Run(ctx, inv, content)
		if err != nil {
			return "", err
		}
	}
	return content, nil
}

// runRowMapper iterates the named temp table and runs the configured cascade
// once per row with bounded concurrency. Output order follows input order.
func (r *Runner) runRowMapper(ctx context.Context, c *cascade.Cascade, cl *cascade.Cell, e *echo.Echo, _ map[string]string) (string, error) {
	fer := cl.ForEachRow
	if r.tables == nil {
		return "", errs.Errorf(errs.KindTool, cl.Name, "no table reader configured for for_each_row")
	}
	rows, err := r.tables.ReadRows(ctx, fer.Table)
	if err != nil {
		return "", errs.Wrap(errs.KindTool, cl.Name, err)
	}

	sub, err := cascade.Load(fer.Cascade)
	if err != nil {
		return "", errs.Wrap(errs.KindTool, cl.Name, err)
	}

	maxParallel := fer.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}

	type rowResult struct {
		content string
		err     error
	}
	results := make([]rowResult, len(rows))
	sem := make(chan struct{}, maxParallel)
	rowCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i, row := range rows {
		wg.Add(1)
		go func(i int, row map[string]any) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if rowCtx.Err() != nil {
				results[i] = rowResult{err: rowCtx.Err()}
				return
			}
			inputs := renderRowInputs(fer.Inputs, row)
			res, err := r.Run(rowCtx, RunRequest{
				Cascade:         sub,
				Inputs:          inputs,
				ParentSessionID: e.SessionID,
				Depth:           e.Depth + 1,
			})
			if err != nil {
				results[i] = rowResult{err: err}
			} else if res.Status == echo.StatusFailed {
				results[i] = rowResult{err: fmt.Errorf("row cascade failed: session %s", res.SessionID)}
			} else {
				results[i] = rowResult{content: res.Content}
			}
			if results[i].err != nil && fer.OnError == cascade.RowErrorFailFast {
				cancel()
			}
		}(i, row)
	}
	wg.Wait()

	var collected []string
	var outRows []map[string]any
	for i, res := range results {
		if res.err != nil {
			switch fer.OnError {
			case cascade.RowErrorFailFast:
				return "", errs.Wrap(errs.KindTool, cl.Name, res.err)
			case cascade.RowErrorCollect:
				collected = append(collected, fmt.Sprintf("row %d: %v", i, res.err))
				continue
			default: // continue
				r.logger.Warn(ctx, "row mapper skipped failed row", "cell", cl.Name, "row", i, "err", res.err)
				continue
			}
		}
		outRows = append(outRows, map[string]any{"row_index": i, "result": res.content})
	}
	if fer.OnError == cascade.RowErrorCollect && len(collected) > 0 {
		e := errs.Errorf(errs.KindTool, cl.Name, "%d rows failed", len(collected))
		return "", e.WithMetadata("rows", collected)
	}
	if fer.ResultTable != "" && len(outRows) > 0 {
		if err := r.tables.WriteRows(ctx, fer.ResultTable, outRows); err != nil {
			return "", errs.Wrap(errs.KindTool, cl.Name, err)
		}
	}
	summary, _ := json.Marshal(map[string]any{"rows": len(rows), "succeeded": len(outRows)})
	return string(summary), nil
}

func (r *Runner) registerToolDirs(c *cascade.Cascade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dir := range c.ToolDirs {
		if r.toolDirs[dir] {
			continue
		}
		if err := r.tools.RegisterDir(dir, r); err != nil {
			return err
		}
		r.toolDirs[dir] = true
	}
	return nil
}

func (r *Runner) recordError(ctx context.Context, e *echo.Echo, c *cascade.Cascade, cellName string, err error) {
	kind := errs.KindOf(err)
	var meta map[string]any
	var classified *errs.Error
	if errors.As(err, &classified) {
		meta = classified.Metadata
		if cellName == "" {
			cellName = classified.Cell
		}
	}
	e.AddError(echo.CellError{CellName: cellName, Kind: kind, Message: err.Error(), Metadata: meta})
	if perr := r.bus.Publish(ctx, &hooks.ErrorRaised{
		Base:     hooks.NewBase(e.SessionID, c.ID, cellName, e.Depth),
		ErrKind:  kind,
		Message:  err.Error(),
		Metadata: meta,
	}); perr != nil {
		r.logger.Error(ctx, "failed to publish error event", "session_id", e.SessionID, "err", perr)
	}
}

func cellIndex(c *cascade.Cascade, name string) int {
	for i, cl := range c.Cells {
		if cl.Name == name {
			return i
		}
	}
	return -1
}

// renderRowInputs substitutes {{row.<col>}} placeholders with row values.
// An empty template map passes the whole row through as "row".
func renderRowInputs(templates map[string]string, row map[string]any) map[string]any {
	if len(templates) == 0 {
		return map[string]any{"row": row}
	}
	inputs := make(map[string]any, len(templates))
	for name, tmpl := range templates {
		out := tmpl
		for col, v := range row {
			out = strings.ReplaceAll(out, "{{row."+col+"}}", fmt.Sprintf("%v", v))
		}
		inputs[name] = out
	}
	return inputs
}
