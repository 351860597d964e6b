package rewrite

import (
	"fmt"
	"strconv"
	"strings"
)

// parseMap parses RVBBIT MAP / RVBBIT RUN into a MapPlan. Non-parallel plans
// also produce executable SQL that routes rows through the rvbbit_run scalar
// function; parallel plans are intercepted by the server and SQL stays empty.
func (r *Rewriter) parseMap(sql string, toks []token, stmt *Statement) error {
	plan := &MapPlan{Parallelism: 1, Limit: r.autoLimit, CacheTTL: -1}
	i := 2 // past RVBBIT MAP|RUN

	if i < len(toks) && toks[i].is("PARALLEL") {
		if i+1 >= len(toks) || toks[i+1].kind != tokNumber {
			return fmt.Errorf("PARALLEL requires a worker count")
		}
		n, err := strconv.Atoi(toks[i+1].text)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid PARALLEL count %q", toks[i+1].text)
		}
		plan.Parallelism = n
		i += 2
	}
	if i < len(toks) && toks[i].is("DISTINCT") {
		plan.Distinct = true
		i++
	}
	if i >= len(toks) || toks[i].kind != tokString {
		return fmt.Errorf("RVBBIT %s requires a quoted cascade path", toks[1].upper())
	}
	plan.CascadePath = unquote(toks[i].text)
	i++

	if i < len(toks) && toks[i].is("AS") {
		i++
		if i < len(toks) && toks[i].kind == tokPunct && toks[i].text == "(" {
			close := matchParen(toks, i)
			if close < 0 {
				return fmt.Errorf("unbalanced parens in AS projection")
			}
			decls, err := parseColumnDecls(toks, i, close)
			if err != nil {
				return err
			}
			plan.OutputSchema = decls
			i = close + 1
		} else if i < len(toks) && toks[i].kind == tokIdent {
			plan.Alias = toks[i].text
			i++
		} else {
			return fmt.Errorf("AS requires a projection or alias")
		}
	}

	if i >= len(toks) || !toks[i].is("USING") {
		return fmt.Errorf("RVBBIT %s requires a USING (query) clause", toks[1].upper())
	}
	i++
	if i >= len(toks) || toks[i].kind != tokPunct || toks[i].text != "(" {
		return fmt.Errorf("USING requires a parenthesized query")
	}
	close := matchParen(toks, i)
	if close < 0 {
		return fmt.Errorf("unbalanced parens in USING clause")
	}
	plan.InputQuery = strings.TrimSpace(sql[toks[i].End:toks[close].Start])
	i = close + 1

	if i < len(toks) && toks[i].is("WITH") {
		opts, next, err := parseOptions(toks, i+1)
		if err != nil {
			return err
		}
		i = next
		for key, val := range opts {
			switch key {
			case "cache":
				ttl, err := parseTTL(val)
				if err != nil {
					return err
				}
				plan.CacheTTL = ttl
			case "dedupe_by":
				plan.DistinctKey = val
			case "limit":
				n, err := strconv.Atoi(val)
				if err != nil {
					return fmt.Errorf("invalid limit %q", val)
				}
				plan.Limit = n
			}
		}
	}
	if i < len(toks) && !(toks[i].kind == tokPunct && toks[i].text == ";") {
		return fmt.Errorf("unexpected token %q after RVBBIT %s", toks[i].text, toks[1].upper())
	}

	if !hasTopLevelLimit(plan.InputQuery) {
		plan.InputQuery = fmt.Sprintf("%s LIMIT %d", plan.InputQuery, plan.Limit)
	}

	stmt.Map = plan
	if plan.Parallelism == 1 {
		stmt.SQL = plan.serialSQL()
	}
	return nil
}

// serialSQL renders a non-parallel plan into a statement that runs the
// cascade per row through the hosted scalar function.
func (p *MapPlan) serialSQL() string {
	resultCol := "result"
	if p.Alias != "" {
		resultCol = p.Alias
	}
	call := fmt.Sprintf("rvbbit_run(%s, to_json(t))", quote(p.CascadePath))
	if p.CacheTTL >= 0 {
		// Explicit cache option, including 0 to disable caching per row.
		call = fmt.Sprintf("rvbbit_run(%s, to_json(t), %d)", quote(p.CascadePath), int(p.CacheTTL.Seconds()))
	}
	inner := fmt.Sprintf("SELECT t.*, %s AS %s FROM (%s) AS t", call, resultCol, p.InputQuery)
	if len(p.OutputSchema) == 0 {
		return inner
	}
	cols := make([]string, len(p.OutputSchema))
	for i, c := range p.OutputSchema {
		cols[i] = fmt.Sprintf("CAST(json_extract_string(%s, '$.%s') AS %s) AS %s", resultCol, c.Name, c.Type, c.Name)
	}
	return fmt.Sprintf("SELECT %s FROM (%s)", strings.Join(cols, ", "), inner)
}

// parseEmbed parses RVBBIT EMBED table.column USING (query) [WITH (...)].
// Embeds are always intercepted; the plan's query is materialized and fed to
// the vector backend in batches.
func (r *Rewriter) parseEmbed(sql string, toks []token, stmt *Statement) error {
	plan := &EmbedPlan{BatchSize: 64}
	i := 2 // past RVBBIT EMBED

	if i+2 >= len(toks) || toks[i].kind != tokIdent || toks[i+1].text != "." || toks[i+2].kind != tokIdent {
		return fmt.Errorf("RVBBIT EMBED requires a table.column target")
	}
	plan.Table = toks[i].text
	plan.Column = toks[i+2].text
	i += 3

	if i >= len(toks) || !toks[i].is("USING") {
		return fmt.Errorf("RVBBIT EMBED requires a USING (query) clause")
	}
	i++
	if i >= len(toks) || toks[i].kind != tokPunct || toks[i].text != "(" {
		return fmt.Errorf("USING requires a parenthesized query")
	}
	close := matchParen(toks, i)
	if close < 0 {
		return fmt.Errorf("unbalanced parens in USING clause")
	}
	plan.Query = strings.TrimSpace(sql[toks[i].End:toks[close].Start])
	i = close + 1

	if i < len(toks) && toks[i].is("WITH") {
		opts, _, err := parseOptions(toks, i+1)
		if err != nil {
			return err
		}
		for key, val := range opts {
			switch key {
			case "backend":
				plan.Backend = val
			case "batch_size":
				n, err := strconv.Atoi(val)
				if err != nil || n < 1 {
					return fmt.Errorf("invalid batch_size %q", val)
				}
				plan.BatchSize = n
			}
		}
	}

	stmt.Embed = plan
	return nil
}

// parseColumnDecls reads the (name TYPE, ...) list between open and close.
func parseColumnDecls(toks []token, open, close int) ([]ColumnDecl, error) {
	args := splitArgs(toks, open, close)
	decls := make([]ColumnDecl, 0, len(args))
	for _, a := range args {
		if len(a) < 2 || a[0].kind != tokIdent {
			return nil, fmt.Errorf("invalid column declaration in AS projection")
		}
		typeParts := make([]string, 0, len(a)-1)
		for _, t := range a[1:] {
			typeParts = append(typeParts, t.text)
		}
		decls = append(decls, ColumnDecl{Name: a[0].text, Type: strings.Join(typeParts, " ")})
	}
	return decls, nil
}

// parseOptions reads a WITH (key=value, ...) group starting at the opening
// paren and returns the options plus the index after the closing paren.
func parseOptions(toks []token, open int) (map[string]string, int, error) {
	if open >= len(toks) || toks[open].kind != tokPunct || toks[open].text != "(" {
		return nil, 0, fmt.Errorf("WITH requires a parenthesized option list")
	}
	close := matchParen(toks, open)
	if close < 0 {
		return nil, 0, fmt.Errorf("unbalanced parens in WITH clause")
	}
	opts := make(map[string]string)
	for _, group := range splitArgs(toks, open, close) {
		if len(group) != 3 || group[0].kind != tokIdent || group[1].text != "=" {
			return nil, 0, fmt.Errorf("WITH options must be key=value pairs")
		}
		val := group[2].text
		if group[2].kind == tokString {
			val = unquote(val)
		}
		opts[strings.ToLower(group[0].text)] = val
	}
	return opts, close + 1, nil
}

// hasTopLevelLimit reports whether the query carries a depth-zero LIMIT.
func hasTopLevelLimit(query string) bool {
	depth := 0
	for _, t := range lex(query) {
		if t.kind == tokPunct {
			switch t.text {
			case "(":
				depth++
			case ")":
				depth--
			}
			continue
		}
		if depth == 0 && t.is("LIMIT") {
			return true
		}
	}
	return false
}
