package query

import (
	"regexp"
	"strconv"
	"strings"
)

// denySubstrings are scanned case-insensitively against the raw filter
// string before tokenization. Any match rejects the whole filter regardless
// of context. This is a zero-tolerance stance: a legitimate data value
// containing "delete" is rejected too.
var denySubstrings = []string{
	";", "--", "/*", "*/",
	"drop ", "truncate ", "alter ", "create table",
	"insert ", "update ", "delete ", "merge ",
	"exec ", "execute ", "xp_",
	"<script", "javascript:", "eval(",
	"union select", "information_schema",
}

// denyPatterns catches tautologies that substring checks miss.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bor\s+1\s*=\s*1\b`),
	regexp.MustCompile(`(?i)\bor\s+'[^']*'\s*=\s*'[^']*'`),
	regexp.MustCompile(`(?i)\band\s+1\s*=\s*1\b`),
	regexp.MustCompile(`=\s*=`),
}

// scanForbidden returns a validation error when the raw filter contains a
// deny-listed pattern.
func scanForbidden(raw string) error {
	lower := strings.ToLower(raw)
	for _, s := range denySubstrings {
		if strings.Contains(lower, s) {
			return errf(CodeForbiddenPattern, "filter contains forbidden pattern %q", strings.TrimSpace(s))
		}
	}
	for _, p := range denyPatterns {
		if p.MatchString(raw) {
			return errf(CodeForbiddenPattern, "filter contains a forbidden tautology pattern")
		}
	}
	return nil
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

// tokenize splits a "$filter" string into tokens. Quoted literals use single
// quotes with '' as the embedded-quote escape.
func tokenize(raw string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(raw) {
		ch := raw[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++
		case ch == '(':
			toks = append(toks, token{kind: tokLParen})
			i++
		case ch == ')':
			toks = append(toks, token{kind: tokRParen})
			i++
		case ch == ',':
			toks = append(toks, token{kind: tokComma})
			i++
		case ch == '\'':
			var sb strings.Builder
			i++
			closed := false
			for i < len(raw) {
				if raw[i] == '\'' {
					if i+1 < len(raw) && raw[i+1] == '\'' {
						sb.WriteByte('\'')
						i += 2
						continue
					}
					closed = true
					i++
					break
				}
				sb.WriteByte(raw[i])
				i++
			}
			if !closed {
				return nil, errf(CodeFilterParse, "unterminated string literal in filter")
			}
			toks = append(toks, token{kind: tokString, text: sb.String()})
		case ch >= '0' && ch <= '9' || ch == '-' && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '9':
			j := i + 1
			for j < len(raw) && (raw[j] >= '0' && raw[j] <= '9' || raw[j] == '.') {
				j++
			}
			n, err := strconv.ParseFloat(raw[i:j], 64)
			if err != nil {
				return nil, errf(CodeFilterParse, "invalid numeric literal %q", raw[i:j])
			}
			toks = append(toks, token{kind: tokNumber, num: n})
			i = j
		case isIdentStart(ch):
			j := i + 1
			for j < len(raw) && isIdentPart(raw[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: raw[i:j]})
			i = j
		default:
			return nil, errf(CodeFilterParse, "unexpected character %q in filter", string(ch))
		}
	}
	return toks, nil
}

func isIdentStart(ch byte) bool {
	return ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch == '_'
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || ch >= '0' && ch <= '9'
}

var textPredicates = map[string]Op{
	"contains":   OpContains,
	"startswith": OpStartsWith,
	"endswith":   OpEndsWith,
}

var filterComparisons = map[string]Op{
	"eq": OpEq, "ne": OpNe, "gt": OpGt, "ge": OpGe, "lt": OpLt, "le": OpLe,
}

// filterParser is a recursive-descent parser over the token stream:
//
//	or    := and ("or" and)*
//	and   := unary ("and" unary)*
//	unary := "not" unary | primary
//	primary := "(" or ")" | textPredicate "(" field "," literal ")"
//	           | field comparison literal
//
// Every bare identifier must be an operator keyword or a whitelisted
// property; anything else is a hard failure naming the allowed set.
type filterParser struct {
	toks []token
	pos  int
	info EntityInfo
}

// ParseFilter validates and parses a "$filter" string into a condition
// tree. The deny-list scan runs before tokenization.
func ParseFilter(raw string, info EntityInfo) (*Expr, error) {
	if err := scanForbidden(raw); err != nil {
		return nil, err
	}
	toks, err := tokenize(raw)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, errf(CodeFilterParse, "empty filter")
	}
	p := &filterParser{toks: toks, info: info}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, errf(CodeFilterParse, "unexpected trailing tokens in filter")
	}
	return expr, nil
}

func (p *filterParser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *filterParser) peekKeyword(kw string) bool {
	t, ok := p.peek()
	return ok && t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func (p *filterParser) expect(kind tokenKind, what string) (token, error) {
	t, ok := p.peek()
	if !ok || t.kind != kind {
		return token{}, errf(CodeFilterParse, "expected %s in filter", what)
	}
	p.pos++
	return t, nil
}

func (p *filterParser) parseOr() (*Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []Expr{*left}
	for p.peekKeyword("or") {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, *right)
	}
	if len(terms) == 1 {
		return left, nil
	}
	return &Expr{Or: terms}, nil
}

func (p *filterParser) parseAnd() (*Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	terms := []Expr{*left}
	for p.peekKeyword("and") {
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		terms = append(terms, *right)
	}
	if len(terms) == 1 {
		return left, nil
	}
	return &Expr{And: terms}, nil
}

func (p *filterParser) parseUnary() (*Expr, error) {
	if p.peekKeyword("not") {
		p.pos++
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Expr{Not: inner}, nil
	}
	return p.parsePrimary()
}

func (p *filterParser) parsePrimary() (*Expr, error) {
	t, ok := p.peek()
	if !ok {
		return nil, errf(CodeFilterParse, "unexpected end of filter")
	}
	if t.kind == tokLParen {
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "closing parenthesis"); err != nil {
			return nil, err
		}
		return inner, nil
	}
	if t.kind != tokIdent {
		return nil, errf(CodeFilterParse, "expected a property or predicate in filter")
	}

	if op, isPred := textPredicates[strings.ToLower(t.text)]; isPred {
		p.pos++
		if _, err := p.expect(tokLParen, "opening parenthesis"); err != nil {
			return nil, err
		}
		field, err := p.parseField()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokComma, "comma"); err != nil {
			return nil, err
		}
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "closing parenthesis"); err != nil {
			return nil, err
		}
		return &Expr{Cond: &Condition{Field: field, Op: op, Value: lit}}, nil
	}

	// field comparison literal
	field, err := p.parseField()
	if err != nil {
		return nil, err
	}
	opTok, err := p.expect(tokIdent, "comparison operator")
	if err != nil {
		return nil, err
	}
	op, ok := filterComparisons[strings.ToLower(opTok.text)]
	if !ok {
		return nil, errf(CodeFilterParse, "unknown comparison operator %q (allowed: eq, ne, gt, ge, lt, le)", opTok.text)
	}
	lit, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return &Expr{Cond: &Condition{Field: field, Op: op, Value: lit}}, nil
}

func (p *filterParser) parseField() (string, error) {
	t, err := p.expect(tokIdent, "property name")
	if err != nil {
		return "", err
	}
	if !p.info.allowed(t.text) {
		return "", errf(CodeUnknownProperty, "unknown filter property %q (allowed: %s)", t.text, p.info.allowedList())
	}
	return t.text, nil
}

func (p *filterParser) parseLiteral() (any, error) {
	t, ok := p.peek()
	if !ok {
		return nil, errf(CodeFilterParse, "expected a literal in filter")
	}
	switch t.kind {
	case tokString:
		p.pos++
		return t.text, nil
	case tokNumber:
		p.pos++
		return t.num, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			p.pos++
			return true, nil
		case "false":
			p.pos++
			return false, nil
		case "null":
			p.pos++
			return nil, nil
		}
	}
	return nil, errf(CodeFilterParse, "expected a literal in filter, got %q", t.text)
}
