package rewrite

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokPunct
)

// token is one lexical unit of the statement. Start and End are byte offsets
// into the original SQL so rewrites can splice precise spans.
type token struct {
	kind  tokenKind
	text  string
	Start int
	End   int
}

// upper returns the uppercased token text for keyword comparison.
func (t token) upper() string { return strings.ToUpper(t.text) }

func (t token) is(kw string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

// lex tokenizes SQL, skipping whitespace and comments. String literals keep
// their quotes; doubled quotes inside literals are honored. Tokens carry byte
// spans so the rewriter never touches literal or comment bytes.
func lex(sql string) []token {
	var toks []token
	i := 0
	n := len(sql)
	for i < n {
		c := sql[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '-' && i+1 < n && sql[i+1] == '-':
			for i < n && sql[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && sql[i+1] == '*':
			i += 2
			for i+1 < n && !(sql[i] == '*' && sql[i+1] == '/') {
				i++
			}
			i += 2
			if i > n {
				i = n
			}
		case c == '\'':
			start := i
			i++
			for i < n {
				if sql[i] == '\'' {
					if i+1 < n && sql[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			toks = append(toks, token{kind: tokString, text: sql[start:i], Start: start, End: i})
		case c == '"':
			start := i
			i++
			for i < n && sql[i] != '"' {
				i++
			}
			if i < n {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: sql[start:i], Start: start, End: i})
		case isIdentStart(rune(c)):
			start := i
			for i < n && isIdentPart(rune(sql[i])) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: sql[start:i], Start: start, End: i})
		case c >= '0' && c <= '9':
			start := i
			for i < n && (sql[i] >= '0' && sql[i] <= '9' || sql[i] == '.') {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: sql[start:i], Start: start, End: i})
		default:
			toks = append(toks, token{kind: tokPunct, text: string(c), Start: i, End: i + 1})
			i++
		}
	}
	return toks
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// unquote strips the outer single quotes of a string literal and collapses
// doubled quotes.
func unquote(lit string) string {
	if len(lit) >= 2 && lit[0] == '\'' && lit[len(lit)-1] == '\'' {
		return strings.ReplaceAll(lit[1:len(lit)-1], "''", "'")
	}
	return lit
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// matchParen returns the index of the token closing the paren opened at
// open, or -1 when unbalanced.
func matchParen(toks []token, open int) int {
	depth := 0
	for i := open; i < len(toks); i++ {
		if toks[i].kind != tokPunct {
			continue
		}
		switch toks[i].text {
		case "(":
			depth++
		case ")":
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// splitArgs splits the tokens between open+1 and close into argument groups
// at depth-zero commas. Returned slices index into toks.
func splitArgs(toks []token, open, close int) [][]token {
	var args [][]token
	depth := 0
	start := open + 1
	for i := open + 1; i < close; i++ {
		if toks[i].kind == tokPunct {
			switch toks[i].text {
			case "(":
				depth++
			case ")":
				depth--
			case ",":
				if depth == 0 {
					args = append(args, toks[start:i])
					start = i + 1
				}
			}
		}
	}
	if start < close {
		args = append(args, toks[start:close])
	}
	return args
}

// edit is a byte-span replacement against the original SQL.
type edit struct {
	start, end int
	text       string
}

// applyEdits splices the edits into sql. Edits must not overlap; they are
// applied in reverse offset order so earlier spans stay valid.
func applyEdits(sql string, edits []edit) string {
	for i := 0; i < len(edits); i++ {
		for j := i + 1; j < len(edits); j++ {
			if edits[j].start > edits[i].start {
				edits[i], edits[j] = edits[j], edits[i]
			}
		}
	}
	for _, e := range edits {
		sql = sql[:e.start] + e.text + sql[e.end:]
	}
	return sql
}

// spanText returns the original SQL bytes covered by toks[from:to].
func spanText(sql string, toks []token, from, to int) string {
	if from >= to {
		return ""
	}
	return sql[toks[from].Start:toks[to-1].End]
}
