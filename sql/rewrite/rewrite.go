// Package rewrite pre-processes statements written in the extended SQL
// surface into SQL the backing engine understands. Rewriting is span-based
// over a token stream, so bytes inside string literals and comments are
// never touched and already-rewritten statements pass through unchanged.
package rewrite

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type (
	// Statement is the rewrite result: the executable SQL plus the execution
	// flags and plans the engine cannot express itself.
	Statement struct {
		// SQL is the rewritten statement. Empty when the statement is fully
		// intercepted (parallel map, embed).
		SQL string
		// Background marks the statement for the background scheduler.
		Background bool
		// Analyze holds the post-query analysis prompt, empty when absent.
		Analyze string
		// Map is set for RVBBIT MAP and RVBBIT RUN statements.
		Map *MapPlan
		// Embed is set for RVBBIT EMBED statements.
		Embed *EmbedPlan
	}

	// MapPlan is the parsed form of RVBBIT MAP/RUN.
	MapPlan struct {
		CascadePath string
		InputQuery  string
		Parallelism int
		Distinct    bool
		// DistinctKey is the dedupe column; empty means whole-row.
		DistinctKey string
		// CacheTTL is negative when no cache option was given, meaning results
		// cache without expiry. Zero (cache '0') disables caching for the run.
		CacheTTL time.Duration
		// OutputSchema holds the AS (col TYPE, ...) projection, nil when the
		// raw result string is returned.
		OutputSchema []ColumnDecl
		// Alias names the result column when AS <ident> was given.
		Alias string
		// Limit is the row cap applied to the input query.
		Limit int
	}

	// ColumnDecl is one typed output column of a map projection.
	ColumnDecl struct {
		Name string
		Type string
	}

	// EmbedPlan is the parsed form of RVBBIT EMBED.
	EmbedPlan struct {
		Table     string
		Column    string
		Query     string
		Backend   string
		BatchSize int
	}

	// Rewriter rewrites extended SQL. Safe for concurrent use after
	// construction.
	Rewriter struct {
		autoLimit  int
		aggregates map[string]string
	}

	// Option configures a Rewriter.
	Option func(*Rewriter)
)

// DefaultAutoLimit caps map input queries that carry no explicit LIMIT.
const DefaultAutoLimit = 1000

// infixOps maps infix semantic operators to their backing scalar functions.
// The rewritten call always places the column expression first and the
// criterion literal second.
var infixOps = map[string]string{
	"MEANS":       "rvbbit_means",
	"ABOUT":       "rvbbit_about",
	"IMPLIES":     "rvbbit_implies",
	"CONTRADICTS": "rvbbit_contradicts",
	"ALIGNS":      "rvbbit_aligns",
	"EXTRACTS":    "rvbbit_extracts",
}

// scoringFns return a 0..1 score. Scalar UDFs hand results back as TEXT, and
// SQLite's storage-class ordering ranks any TEXT above any number, so the
// rewriter casts these calls to REAL for comparisons and sorts.
var scoringFns = map[string]bool{
	"rvbbit_about":     true,
	"rvbbit_relevance": true,
}

// dimensionFns are the GROUP BY bucket-discovery functions.
var dimensionFns = map[string]bool{
	"TOPICS": true,
	"THEMES": true,
}

// WithAutoLimit overrides the input-query row cap.
func WithAutoLimit(n int) Option {
	return func(r *Rewriter) { r.autoLimit = n }
}

// WithAggregate registers a cascade-declared aggregate operator alias and its
// backing function.
func WithAggregate(alias, fn string) Option {
	return func(r *Rewriter) { r.aggregates[strings.ToUpper(alias)] = fn }
}

// New constructs a Rewriter with the built-in aggregate aliases.
func New(opts ...Option) *Rewriter {
	r := &Rewriter{
		autoLimit: DefaultAutoLimit,
		aggregates: map[string]string{
			"SUMMARIZE": "rvbbit_agg_summarize",
			"CONSENSUS": "rvbbit_agg_consensus",
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rewrite processes one statement through every phase and returns the
// executable form.
func (r *Rewriter) Rewrite(sql string) (*Statement, error) {
	stmt := &Statement{}
	rest := r.stripDirectives(sql, stmt)

	toks := lex(rest)
	if len(toks) == 0 {
		stmt.SQL = rest
		return stmt, nil
	}

	if toks[0].is("RVBBIT") && len(toks) > 1 {
		switch toks[1].upper() {
		case "MAP", "RUN":
			if err := r.parseMap(rest, toks, stmt); err != nil {
				return nil, err
			}
			return stmt, nil
		case "EMBED":
			if err := r.parseEmbed(rest, toks, stmt); err != nil {
				return nil, err
			}
			return stmt, nil
		}
	}

	var err error
	rest, err = r.rewriteVectorSearch(rest)
	if err != nil {
		return nil, err
	}
	rest, err = r.rewriteDimensions(rest)
	if err != nil {
		return nil, err
	}
	rest, err = r.rewriteInfixOps(rest)
	if err != nil {
		return nil, err
	}
	rest = r.rewriteAggregates(rest)

	stmt.SQL = rest
	return stmt, nil
}

// stripDirectives peels BACKGROUND and ANALYZE '<prompt>' off the statement
// head and records them as flags.
func (r *Rewriter) stripDirectives(sql string, stmt *Statement) string {
	toks := lex(sql)
	i := 0
	if i < len(toks) && toks[i].is("BACKGROUND") {
		stmt.Background = true
		i++
	}
	if i+1 < len(toks) && toks[i].is("ANALYZE") && toks[i+1].kind == tokString {
		stmt.Analyze = unquote(toks[i+1].text)
		i += 2
	}
	if i == 0 {
		return sql
	}
	if i >= len(toks) {
		return ""
	}
	return sql[toks[i].Start:]
}

// rewriteVectorSearch replaces VECTOR_SEARCH and HYBRID_SEARCH calls with
// read_json_auto over the backing search function, pinning the embedded
// column through a metadata predicate.
func (r *Rewriter) rewriteVectorSearch(sql string) (string, error) {
	for {
		toks := lex(sql)
		var e *edit
		for i := 0; i+1 < len(toks); i++ {
			name := toks[i].upper()
			if name != "VECTOR_SEARCH" && name != "HYBRID_SEARCH" {
				continue
			}
			if toks[i+1].kind != tokPunct || toks[i+1].text != "(" {
				continue
			}
			close := matchParen(toks, i+1)
			if close < 0 {
				return "", fmt.Errorf("unbalanced parens in %s at offset %d", name, toks[i].Start)
			}
			args := splitArgs(toks, i+1, close)
			if len(args) < 3 {
				return "", fmt.Errorf("%s requires (query, table.column, k)", name)
			}
			target := spanText(sql, toks, indexIn(toks, args[1][0]), indexIn(toks, args[1][len(args[1])-1])+1)
			column := target
			if dot := strings.LastIndex(target, "."); dot >= 0 {
				column = target[dot+1:]
			}

			fn := "vector_search_json"
			if name == "HYBRID_SEARCH" {
				fn = "hybrid_search_json"
			}
			var callArgs []string
			callArgs = append(callArgs, spanText(sql, toks, indexIn(toks, args[0][0]), indexIn(toks, args[0][len(args[0])-1])+1))
			callArgs = append(callArgs, quote(target))
			for _, a := range args[2:] {
				callArgs = append(callArgs, spanText(sql, toks, indexIn(toks, a[0]), indexIn(toks, a[len(a)-1])+1))
			}
			repl := fmt.Sprintf(
				"(SELECT * FROM read_json_auto(%s_%d(%s)) WHERE metadata.column_name = %s)",
				fn, len(callArgs), strings.Join(callArgs, ", "), quote(column),
			)
			e = &edit{start: toks[i].Start, end: toks[close].End, text: repl}
			break
		}
		if e == nil {
			return sql, nil
		}
		sql = applyEdits(sql, []edit{*e})
	}
}

// rewriteDimensions handles GROUP BY bucket functions. The bucket discovery
// runs once over the distinct column values in a CTE; the original query
// joins back against it so every row classifies through one model pass.
func (r *Rewriter) rewriteDimensions(sql string) (string, error) {
	toks := lex(sql)
	// Bucket discovery keys off the GROUP BY call site; a query that only
	// uses topics()/themes() in expression position gets plain scalar calls.
	var call *dimensionCall
	for _, c := range findDimensionCalls(toks) {
		if inGroupBy(toks, c.open) {
			call = c
			break
		}
	}
	if call == nil {
		return r.rewriteDimensionScalar(sql)
	}

	source, err := fromSource(sql, toks)
	if err != nil {
		return "", err
	}
	colText := spanText(sql, toks, call.colFrom, call.colTo)
	var extra string
	if call.extraFrom < call.extraTo {
		extra = ", " + spanText(sql, toks, call.extraFrom, call.extraTo)
	}
	fnName := strings.ToLower(toks[call.name].text)

	cte := fmt.Sprintf(
		"__rvbbit_dim AS (SELECT DISTINCT %s AS value, rvbbit_dimension(%s, %s%s) AS bucket FROM %s)",
		colText, quote(fnName), colText, extra, source,
	)

	// Replace every call site with the joined bucket column.
	var edits []edit
	for {
		c := findDimensionCall(lex(sql))
		if c == nil {
			break
		}
		t := lex(sql)
		edits = []edit{{start: t[c.name].Start, end: t[c.close].End, text: "__rvbbit_dim.bucket"}}
		sql = applyEdits(sql, edits)
	}

	// Extend the FROM clause with the join-back.
	t2 := lex(sql)
	fromEnd, err := fromSpanEnd(t2)
	if err != nil {
		return "", err
	}
	join := fmt.Sprintf(" JOIN __rvbbit_dim ON %s = __rvbbit_dim.value", colText)
	sql = sql[:fromEnd] + join + sql[fromEnd:]

	// Prepend the CTE, merging into an existing WITH clause.
	t3 := lex(sql)
	if len(t3) > 0 && t3[0].is("WITH") {
		return sql[:t3[0].End] + " " + cte + "," + sql[t3[0].End:], nil
	}
	return "WITH " + cte + " " + sql, nil
}

func (r *Rewriter) rewriteDimensionScalar(sql string) (string, error) {
	for {
		toks := lex(sql)
		c := findDimensionCall(toks)
		if c == nil {
			return sql, nil
		}
		fnName := strings.ToLower(toks[c.name].text)
		inner := spanText(sql, toks, c.name+2, c.close)
		repl := fmt.Sprintf("rvbbit_dimension(%s, %s)", quote(fnName), inner)
		sql = applyEdits(sql, []edit{{start: toks[c.name].Start, end: toks[c.close].End, text: repl}})
	}
}

// rewriteInfixOps replaces the two-operand semantic operators with scalar
// function calls in canonical (column, criterion) order. NOT variants wrap
// the call; RELEVANCE TO becomes a descending relevance sort key.
func (r *Rewriter) rewriteInfixOps(sql string) (string, error) {
	for {
		toks := lex(sql)
		var e *edit
		for i := 0; i < len(toks); i++ {
			if toks[i].kind != tokIdent {
				continue
			}
			// ORDER BY <col> RELEVANCE TO '<q>'
			if toks[i].is("RELEVANCE") && i+2 < len(toks) && toks[i+1].is("TO") && toks[i+2].kind == tokString {
				start, err := exprStart(toks, i)
				if err != nil {
					return "", err
				}
				colText := spanText(sql, toks, start, i)
				repl := fmt.Sprintf("CAST(rvbbit_relevance(%s, %s) AS REAL) DESC", colText, toks[i+2].text)
				e = &edit{start: toks[start].Start, end: toks[i+2].End, text: repl}
				break
			}
			fn, ok := infixOps[toks[i].upper()]
			if !ok {
				continue
			}
			if i+1 >= len(toks) || toks[i+1].kind != tokString {
				continue
			}
			negated := i > 0 && toks[i-1].is("NOT")
			opEnd := i
			if negated {
				opEnd = i - 1
			}
			start, err := exprStart(toks, opEnd)
			if err != nil {
				return "", err
			}
			if start == opEnd {
				// No column operand; leave the token alone (e.g. an alias
				// that happens to collide with an operator name).
				continue
			}
			colText := spanText(sql, toks, start, opEnd)
			repl := fmt.Sprintf("%s(%s, %s)", fn, colText, toks[i+1].text)
			if scoringFns[fn] {
				repl = fmt.Sprintf("CAST(%s AS REAL)", repl)
			}
			if negated {
				repl = "NOT " + repl
			}
			e = &edit{start: toks[start].Start, end: toks[i+1].End, text: repl}
			break
		}
		if e == nil {
			return sql, nil
		}
		sql = applyEdits(sql, []edit{*e})
	}
}

// rewriteAggregates renames registered aggregate aliases to their backing
// functions.
func (r *Rewriter) rewriteAggregates(sql string) string {
	for {
		toks := lex(sql)
		var e *edit
		for i := 0; i+1 < len(toks); i++ {
			fn, ok := r.aggregates[toks[i].upper()]
			if !ok || toks[i].kind != tokIdent {
				continue
			}
			if toks[i+1].kind != tokPunct || toks[i+1].text != "(" {
				continue
			}
			e = &edit{start: toks[i].Start, end: toks[i].End, text: fn}
			break
		}
		if e == nil {
			return sql
		}
		sql = applyEdits(sql, []edit{*e})
	}
}

// exprStart walks backwards from opIdx to the start of the operand
// expression: a dotted identifier chain, optionally a function call.
func exprStart(toks []token, opIdx int) (int, error) {
	i := opIdx - 1
	if i < 0 {
		return opIdx, nil
	}
	// Function call operand: lower(col) MEANS '...'
	if toks[i].kind == tokPunct && toks[i].text == ")" {
		depth := 0
		for ; i >= 0; i-- {
			if toks[i].kind != tokPunct {
				continue
			}
			switch toks[i].text {
			case ")":
				depth++
			case "(":
				depth--
			}
			if depth == 0 {
				break
			}
		}
		if i < 0 {
			return 0, fmt.Errorf("unbalanced parens before operator")
		}
		if i > 0 && toks[i-1].kind == tokIdent {
			i--
		}
		return i, nil
	}
	if toks[i].kind != tokIdent && toks[i].kind != tokString {
		return opIdx, nil
	}
	// Dotted chain: a.b.c
	start := i
	for start >= 2 && toks[start-1].kind == tokPunct && toks[start-1].text == "." && toks[start-2].kind == tokIdent {
		start -= 2
	}
	if reservedOperand(toks[start]) {
		return opIdx, nil
	}
	return start, nil
}

// reservedOperand rejects keywords that can precede an operator token but
// never form its column operand.
func reservedOperand(t token) bool {
	switch t.upper() {
	case "SELECT", "WHERE", "AND", "OR", "BY", "ON", "FROM", "AS", "THEN", "WHEN", "SET":
		return true
	}
	return false
}

type dimensionCall struct {
	name, open, close  int
	colFrom, colTo     int
	extraFrom, extraTo int
}

// findDimensionCall locates the first topics()/themes() call.
func findDimensionCall(toks []token) *dimensionCall {
	calls := findDimensionCalls(toks)
	if len(calls) == 0 {
		return nil
	}
	return calls[0]
}

// findDimensionCalls locates every topics()/themes() call.
func findDimensionCalls(toks []token) []*dimensionCall {
	var calls []*dimensionCall
	for i := 0; i+1 < len(toks); i++ {
		if toks[i].kind != tokIdent || !dimensionFns[toks[i].upper()] {
			continue
		}
		if toks[i+1].kind != tokPunct || toks[i+1].text != "(" {
			continue
		}
		close := matchParen(toks, i+1)
		if close < 0 {
			continue
		}
		args := splitArgs(toks, i+1, close)
		if len(args) == 0 {
			continue
		}
		c := &dimensionCall{
			name:    i,
			open:    i + 1,
			close:   close,
			colFrom: indexIn(toks, args[0][0]),
			colTo:   indexIn(toks, args[0][len(args[0])-1]) + 1,
		}
		if len(args) > 1 {
			c.extraFrom = indexIn(toks, args[1][0])
			c.extraTo = indexIn(toks, args[len(args)-1][len(args[len(args)-1])-1]) + 1
		}
		calls = append(calls, c)
	}
	return calls
}

// inGroupBy reports whether the token at idx sits after a depth-zero GROUP BY.
func inGroupBy(toks []token, idx int) bool {
	depth := 0
	seen := false
	for i := 0; i < idx; i++ {
		if toks[i].kind == tokPunct {
			switch toks[i].text {
			case "(":
				depth++
			case ")":
				depth--
			}
			continue
		}
		if depth != 0 {
			continue
		}
		if toks[i].is("GROUP") && i+1 < len(toks) && toks[i+1].is("BY") {
			seen = true
		}
		if seen && (toks[i].is("ORDER") || toks[i].is("LIMIT") || toks[i].is("HAVING")) {
			seen = false
		}
	}
	return seen
}

// fromSource returns the text of the top-level FROM clause source.
func fromSource(sql string, toks []token) (string, error) {
	from, end, err := fromSpan(toks)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sql[toks[from].End:end]), nil
}

func fromSpanEnd(toks []token) (int, error) {
	_, end, err := fromSpan(toks)
	return end, err
}

// fromSpan locates the top-level FROM keyword and the byte offset where its
// clause ends (the next depth-zero WHERE/GROUP/ORDER/HAVING/LIMIT or EOF).
func fromSpan(toks []token) (int, int, error) {
	depth := 0
	from := -1
	for i, t := range toks {
		if t.kind == tokPunct {
			switch t.text {
			case "(":
				depth++
			case ")":
				depth--
			}
			continue
		}
		if depth != 0 {
			continue
		}
		if from < 0 {
			if t.is("FROM") {
				from = i
			}
			continue
		}
		switch t.upper() {
		case "WHERE", "GROUP", "ORDER", "HAVING", "LIMIT", "QUALIFY", "WINDOW":
			return from, toks[i].Start, nil
		}
	}
	if from < 0 {
		return 0, 0, fmt.Errorf("no top-level FROM clause")
	}
	return from, toks[len(toks)-1].End, nil
}

// indexIn returns the index of t within toks by byte position.
func indexIn(toks []token, t token) int {
	for i := range toks {
		if toks[i].Start == t.Start {
			return i
		}
	}
	return -1
}

// parseTTL parses duration strings like "90s", "15m", "12h", "1d".
func parseTTL(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid cache duration %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid cache duration %q", s)
	}
	return d, nil
}
