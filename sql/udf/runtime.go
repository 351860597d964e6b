// Package udf hosts the cascade-backed SQL functions: the per-row rvbbit and
// rvbbit_run scalars, the semantic operator functions the rewriter targets,
// vector search, embed batches, and server-side parallel map interception.
package udf

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"rvbbit.dev/rvbbit/runtime/cascade"
	"rvbbit.dev/rvbbit/runtime/cascade/echo"
	"rvbbit.dev/rvbbit/runtime/cascade/runner"
	"rvbbit.dev/rvbbit/runtime/cascade/telemetry"
	"rvbbit.dev/rvbbit/sql/rewrite"
	"rvbbit.dev/rvbbit/sql/sqlengine"
)

type (
	// CascadeRunner is the slice of the engine the UDF runtime needs.
	CascadeRunner interface {
		Run(ctx context.Context, req runner.RunRequest) (*runner.SessionResult, error)
	}

	// Runtime wires cascade execution into the SQL engine.
	Runtime struct {
		runner   CascadeRunner
		engine   sqlengine.Engine
		cache    Cache
		vector   sqlengine.VectorBackend
		embedder sqlengine.Embedder
		logger   telemetry.Logger
		// model participates in cache keys so a model switch never serves
		// stale results.
		model string

		mu       sync.Mutex
		cascades map[string]*cascade.Cascade
	}

	// Result is the outcome of executing one rewritten statement.
	Result struct {
		Rows *sqlengine.Rows
		// Analysis is the post-query LLM analysis, present only when the
		// statement carried an ANALYZE directive.
		Analysis string
	}

	// Option configures a Runtime.
	Option func(*Runtime)
)

// ErrorLiteral is returned by row UDFs on cascade failure so downstream SQL
// can filter deterministically instead of handling nulls.
const ErrorLiteral = "ERROR"

// WithCache overrides the result cache.
func WithCache(c Cache) Option {
	return func(r *Runtime) { r.cache = c }
}

// WithVector installs the vector backend and embedder.
func WithVector(backend sqlengine.VectorBackend, embedder sqlengine.Embedder) Option {
	return func(r *Runtime) {
		r.vector = backend
		r.embedder = embedder
	}
}

// WithLogger overrides the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithModel records the model identifier used in cache keys.
func WithModel(model string) Option {
	return func(r *Runtime) { r.model = model }
}

// New constructs a Runtime.
func New(cr CascadeRunner, engine sqlengine.Engine, opts ...Option) *Runtime {
	r := &Runtime{
		runner:   cr,
		engine:   engine,
		cache:    NewLRUCache(10000),
		logger:   telemetry.NewNoopLogger(),
		cascades: make(map[string]*cascade.Cascade),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs every hosted function on the engine. Engine adapters
// must propagate the query context into scalar calls so identity flows to
// the produced sessions.
func (r *Runtime) Register() error {
	regs := []struct {
		name  string
		arity int
		fn    sqlengine.ScalarFunc
	}{
		{"rvbbit", 2, r.fnInline},
		{"rvbbit_run", 2, r.fnRun},
		{"rvbbit_run", 3, r.fnRun},
		{"rvbbit_dimension", 2, r.fnDimension},
		{"rvbbit_dimension", 3, r.fnDimension},
		{"vector_search_json_3", 3, r.fnVectorSearch},
		{"vector_search_json_4", 4, r.fnVectorSearch},
		{"hybrid_search_json_3", 3, r.fnVectorSearch},
		{"hybrid_search_json_4", 4, r.fnVectorSearch},
		{"hybrid_search_json_5", 5, r.fnVectorSearch},
	}
	for op, spec := range operators {
		fn := r.operatorFunc(spec)
		regs = append(regs, struct {
			name  string
			arity int
			fn    sqlengine.ScalarFunc
		}{op, 2, fn})
		if strings.HasPrefix(op, "rvbbit_agg_") {
			// Aggregate aliases are usable without a criterion.
			regs = append(regs, struct {
				name  string
				arity int
				fn    sqlengine.ScalarFunc
			}{op, 1, fn})
		}
	}
	for _, reg := range regs {
		if err := r.engine.RegisterFunc(reg.name, reg.arity, reg.fn); err != nil {
			return fmt.Errorf("register %s/%d: %w", reg.name, reg.arity, err)
		}
	}
	return nil
}

// Execute runs one rewritten statement: embed and parallel-map plans are
// intercepted, everything else goes to the engine. The ANALYZE directive
// runs after the rows materialize.
func (r *Runtime) Execute(ctx context.Context, stmt *rewrite.Statement) (*Result, error) {
	var rows *sqlengine.Rows
	var err error
	switch {
	case stmt.Embed != nil:
		rows, err = r.runEmbed(ctx, stmt.Embed)
	case stmt.Map != nil && stmt.Map.Parallelism > 1:
		rows, err = r.runMapParallel(ctx, stmt.Map)
	default:
		rows, err = r.engine.Query(ctx, stmt.SQL)
	}
	if err != nil {
		return nil, err
	}
	res := &Result{Rows: rows}
	if stmt.Analyze != "" {
		analysis, err := r.analyze(ctx, stmt.Analyze, rows)
		if err != nil {
			return nil, err
		}
		res.Analysis = analysis
	}
	return res, nil
}

// runMapParallel materializes the input query, deduplicates, fans rows out
// to a bounded worker pool, and registers the order-preserved result as a
// queryable table.
func (r *Runtime) runMapParallel(ctx context.Context, plan *rewrite.MapPlan) (*sqlengine.Rows, error) {
	input, err := r.engine.Query(ctx, plan.InputQuery)
	if err != nil {
		return nil, fmt.Errorf("map input query: %w", err)
	}
	rows := input.Rows
	if plan.Distinct {
		rows = dedupeRows(rows, plan.DistinctKey)
	}

	results := make([]string, len(rows))
	sem := make(chan struct{}, plan.Parallelism)
	var wg sync.WaitGroup
	for i, row := range rows {
		wg.Add(1)
		go func(i int, row map[string]any) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = r.runCascadeCached(ctx, plan.CascadePath, row, plan.CacheTTL)
		}(i, row)
	}
	wg.Wait()

	out, err := buildMapOutput(input.Columns, rows, results, plan)
	if err != nil {
		return nil, err
	}
	name := "__rvbbit_map_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if err := r.engine.RegisterTable(ctx, name, out); err != nil {
		return nil, fmt.Errorf("register map result: %w", err)
	}
	return r.engine.Query(ctx, "SELECT * FROM "+name)
}

// buildMapOutput assembles the result table in input-row order. With an
// output schema, each result is parsed as JSON and projected into the
// declared columns; otherwise the raw string lands in the result column.
func buildMapOutput(columns []string, rows []map[string]any, results []string, plan *rewrite.MapPlan) (*sqlengine.Rows, error) {
	if len(plan.OutputSchema) > 0 {
		cols := make([]string, len(plan.OutputSchema))
		for i, d := range plan.OutputSchema {
			cols[i] = d.Name
		}
		out := &sqlengine.Rows{Columns: cols}
		for _, res := range results {
			row := make(map[string]any, len(cols))
			var parsed map[string]any
			if err := json.Unmarshal([]byte(res), &parsed); err == nil {
				for _, c := range cols {
					row[c] = parsed[c]
				}
			} else {
				for _, c := range cols {
					row[c] = nil
				}
			}
			out.Rows = append(out.Rows, row)
		}
		return out, nil
	}

	resultCol := "result"
	if plan.Alias != "" {
		resultCol = plan.Alias
	}
	out := &sqlengine.Rows{Columns: append(append([]string{}, columns...), resultCol)}
	for i, row := range rows {
		merged := make(map[string]any, len(row)+1)
		for k, v := range row {
			merged[k] = v
		}
		merged[resultCol] = results[i]
		out.Rows = append(out.Rows, merged)
	}
	return out, nil
}

// runEmbed materializes the plan query and writes embeddings in batches.
// The query must project id and text columns; metadata is optional.
func (r *Runtime) runEmbed(ctx context.Context, plan *rewrite.EmbedPlan) (*sqlengine.Rows, error) {
	if r.vector == nil || r.embedder == nil {
		return nil, fmt.Errorf("no vector backend configured")
	}
	input, err := r.engine.Query(ctx, plan.Query)
	if err != nil {
		return nil, fmt.Errorf("embed input query: %w", err)
	}

	written := 0
	for start := 0; start < len(input.Rows); start += plan.BatchSize {
		end := start + plan.BatchSize
		if end > len(input.Rows) {
			end = len(input.Rows)
		}
		batch := input.Rows[start:end]
		texts := make([]string, len(batch))
		for i, row := range batch {
			texts[i] = fmt.Sprintf("%v", row["text"])
		}
		vectors, err := r.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed batch at row %d: %w", start, err)
		}
		records := make([]sqlengine.EmbedRecord, len(batch))
		for i, row := range batch {
			id, ok := row["id"]
			if !ok {
				return nil, fmt.Errorf("embed query must project an id column")
			}
			meta := map[string]any{
				"table":       plan.Table,
				"column_name": plan.Column,
			}
			if extra := rowMetadata(row["metadata"]); extra != nil {
				for k, v := range extra {
					meta[k] = v
				}
			}
			records[i] = sqlengine.EmbedRecord{
				ID:       fmt.Sprintf("%v", id),
				Text:     texts[i],
				Vector:   vectors[i],
				Metadata: meta,
			}
		}
		if err := r.vector.Upsert(ctx, records); err != nil {
			return nil, fmt.Errorf("vector upsert: %w", err)
		}
		written += len(records)
	}
	return &sqlengine.Rows{
		Columns: []string{"embedded"},
		Rows:    []map[string]any{{"embedded": written}},
	}, nil
}

// fnRun backs rvbbit_run(path, value[, ttl_seconds]). Without a ttl argument
// results cache without expiry; an explicit ttl of 0 disables caching.
func (r *Runtime) fnRun(ctx context.Context, args []any) (string, error) {
	path := fmt.Sprintf("%v", args[0])
	inputs := valueInputs(args[1])
	ttl := CacheForever
	if len(args) > 2 {
		secs, err := strconv.Atoi(fmt.Sprintf("%v", args[2]))
		if err != nil {
			return "", fmt.Errorf("invalid cache ttl %v", args[2])
		}
		ttl = time.Duration(secs) * time.Second
	}
	return r.runCascadeCached(ctx, path, inputs, ttl), nil
}

// fnInline backs rvbbit(instructions, value): a one-cell cascade built from
// the instruction string.
func (r *Runtime) fnInline(ctx context.Context, args []any) (string, error) {
	instructions := fmt.Sprintf("%v", args[0])
	return r.runInline(ctx, instructions, args[1], CacheForever), nil
}

// runInline executes a single-cell instruction cascade over one value. A ttl
// of zero bypasses the cache entirely.
func (r *Runtime) runInline(ctx context.Context, instructions string, value any, ttl time.Duration) string {
	inputs := valueInputs(value)
	key := cacheKey(instructions, inputs, r.model)
	if ttl != 0 {
		if hit, ok := r.cache.Get(ctx, key); ok {
			return hit
		}
	}
	c := &cascade.Cascade{
		ID:    "rvbbit_inline",
		Cells: []*cascade.Cell{{Name: "rvbbit", Instructions: instructions, MaxTurns: 1}},
	}
	res, err := r.runner.Run(ctx, runner.RunRequest{Cascade: c, Inputs: inputs})
	if err != nil || res.Status == echo.StatusFailed {
		r.logger.Warn(ctx, "inline udf cascade failed", "err", err)
		return ErrorLiteral
	}
	if ttl != 0 {
		r.cache.Set(ctx, key, res.Content, ttl)
	}
	return res.Content
}

// runCascadeCached executes a cascade file over one row's inputs, serving
// repeats from the result cache. A ttl of zero bypasses the cache entirely.
// Failures return the error literal and are never cached.
func (r *Runtime) runCascadeCached(ctx context.Context, path string, inputs map[string]any, ttl time.Duration) string {
	c, err := r.loadCascade(path)
	if err != nil {
		r.logger.Warn(ctx, "udf cascade load failed", "path", path, "err", err)
		return ErrorLiteral
	}
	key := cacheKey(string(c.Raw), inputs, r.model)
	if ttl != 0 {
		if hit, ok := r.cache.Get(ctx, key); ok {
			return hit
		}
	}
	res, err := r.runner.Run(ctx, runner.RunRequest{Cascade: c, Inputs: inputs})
	if err != nil || res.Status == echo.StatusFailed {
		r.logger.Warn(ctx, "udf cascade failed", "path", path, "err", err)
		return ErrorLiteral
	}
	if ttl != 0 {
		r.cache.Set(ctx, key, res.Content, ttl)
	}
	return res.Content
}

// rowMetadata coerces a projected metadata column into a map. Engines hand
// back either native maps or JSON strings depending on the column type.
func rowMetadata(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(m), &parsed); err == nil {
			return parsed
		}
	}
	return nil
}

func (r *Runtime) loadCascade(path string) (*cascade.Cascade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.cascades[path]; ok {
		return c, nil
	}
	c, err := cascade.Load(path)
	if err != nil {
		return nil, err
	}
	r.cascades[path] = c
	return c, nil
}

// fnVectorSearch backs vector_search_json_N(query, 'table.column', k[, min]).
// The rewriter pins the column through a metadata predicate, so the search
// itself filters by table only.
func (r *Runtime) fnVectorSearch(ctx context.Context, args []any) (string, error) {
	if r.vector == nil || r.embedder == nil {
		return "", fmt.Errorf("no vector backend configured")
	}
	query := fmt.Sprintf("%v", args[0])
	target := fmt.Sprintf("%v", args[1])
	table := target
	if dot := strings.Index(target, "."); dot >= 0 {
		table = target[:dot]
	}
	k, err := strconv.Atoi(fmt.Sprintf("%v", args[2]))
	if err != nil || k < 1 {
		return "", fmt.Errorf("invalid k %v", args[2])
	}
	minScore := 0.0
	if len(args) > 3 {
		minScore, err = strconv.ParseFloat(fmt.Sprintf("%v", args[3]), 64)
		if err != nil {
			return "", fmt.Errorf("invalid min_score %v", args[3])
		}
	}
	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}
	hits, err := r.vector.Search(ctx, vectors[0], k, minScore, map[string]any{"table": table})
	if err != nil {
		return "", fmt.Errorf("vector search: %w", err)
	}
	out, err := json.Marshal(hits)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// fnDimension backs rvbbit_dimension(kind, value[, k]).
func (r *Runtime) fnDimension(ctx context.Context, args []any) (string, error) {
	kind := fmt.Sprintf("%v", args[0])
	instructions := fmt.Sprintf(
		"Classify the input value into a single short lowercase %s label. "+
			"Respond with the label only, no punctuation or explanation.", kind)
	if len(args) > 2 {
		instructions = fmt.Sprintf(
			"Classify the input value into one of at most %v short lowercase %s labels. "+
				"Respond with the label only, no punctuation or explanation.", args[2], kind)
	}
	// Stable bucket labels depend on repeat values hitting the cache.
	return r.runInline(ctx, instructions, args[1], CacheForever), nil
}

// analyze feeds the materialized rows back through a one-cell cascade with
// the ANALYZE prompt. Row payloads are capped to keep the context bounded.
func (r *Runtime) analyze(ctx context.Context, prompt string, rows *sqlengine.Rows) (string, error) {
	const maxRows = 100
	sample := rows.Rows
	if len(sample) > maxRows {
		sample = sample[:maxRows]
	}
	payload, err := json.Marshal(sample)
	if err != nil {
		return "", err
	}
	instructions := fmt.Sprintf("%s\n\nQuery results (%d of %d rows):\n%s",
		prompt, len(sample), len(rows.Rows), payload)
	out := r.runInline(ctx, instructions, nil, CacheForever)
	if out == ErrorLiteral {
		return "", fmt.Errorf("analysis cascade failed")
	}
	return out, nil
}

// valueInputs normalizes a UDF argument into cascade inputs. JSON object
// strings become the input map directly; scalars bind to "value".
func valueInputs(v any) map[string]any {
	if s, ok := v.(string); ok {
		trimmed := strings.TrimSpace(s)
		if strings.HasPrefix(trimmed, "{") {
			var m map[string]any
			if err := json.Unmarshal([]byte(trimmed), &m); err == nil {
				return m
			}
		}
	}
	return map[string]any{"value": v}
}

// cacheKey hashes the cascade text, the normalized inputs, and the model.
// Input maps marshal with sorted keys so equivalent rows collide.
func cacheKey(body string, inputs map[string]any, model string) string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	h.Write([]byte(body))
	h.Write([]byte{0})
	for _, k := range keys {
		v, _ := json.Marshal(inputs[k])
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write(v)
		h.Write([]byte{0})
	}
	h.Write([]byte(model))
	return hex.EncodeToString(h.Sum(nil))
}

// dedupeRows keeps the first occurrence of each key, preserving order. An
// empty key dedupes on the whole row.
func dedupeRows(rows []map[string]any, key string) []map[string]any {
	seen := make(map[string]bool, len(rows))
	var out []map[string]any
	for _, row := range rows {
		var id string
		if key != "" {
			id = fmt.Sprintf("%v", row[key])
		} else {
			b, _ := json.Marshal(sortedRow(row))
			id = string(b)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, row)
	}
	return out
}

func sortedRow(row map[string]any) []any {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(row)*2)
	for _, k := range keys {
		out = append(out, k, row[k])
	}
	return out
}
