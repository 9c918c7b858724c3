package keyfilter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dengliu/persistit/internal/keycodec"
	"github.com/pingcap/errors"
)

// errBadFilterText is returned (wrapped with errors.Trace) alongside the
// offending index; the index itself is not part of the error message.
var errBadFilterText = errors.New("keyfilter: malformed filter text")

// Compile parses the text form of a filter (spec.md §6). It returns the
// zero-based index of the first offending character, or -1 on success,
// matching the Management contract's parseKeyFilterString. err is non-nil
// exactly when the returned index is not -1.
func Compile(text string) (*Filter, int, error) {
	p := &parser{s: text}
	p.skipSpace()
	if !p.consume('{') {
		return nil, p.pos, errors.Trace(errBadFilterText)
	}
	var terms []Term
	wildcard := false
	first := true
	for {
		p.skipSpace()
		if !first {
			if !p.consume(',') {
				break
			}
			p.skipSpace()
		}
		if p.peekStr("*<") {
			p.pos += 2
			wildcard = true
			p.skipSpace()
			break
		}
		t, errPos, ok := p.parseTerm()
		if !ok {
			return nil, errPos, errors.Trace(errBadFilterText)
		}
		terms = append(terms, t)
		first = false
	}
	if !p.consume('}') {
		return nil, p.pos, errors.Trace(errBadFilterText)
	}
	p.skipSpace()
	if p.pos != len(p.s) {
		return nil, p.pos, errors.Trace(errBadFilterText)
	}
	f := New(terms...)
	if wildcard {
		f = f.WithWildcardTail()
	}
	return f, -1, nil
}

type parser struct {
	s   string
	pos int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.s) && (p.s[p.pos] == ' ' || p.s[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) consume(c byte) bool {
	if p.pos < len(p.s) && p.s[p.pos] == c {
		p.pos++
		return true
	}
	return false
}

func (p *parser) peekStr(s string) bool {
	return strings.HasPrefix(p.s[p.pos:], s)
}

func (p *parser) parseTerm() (Term, int, bool) {
	p.skipSpace()
	if p.pos >= len(p.s) {
		return Term{}, p.pos, false
	}
	switch p.s[p.pos] {
	case '*':
		p.pos++
		return All(), -1, true
	case '{':
		p.pos++
		var children []Term
		first := true
		for {
			p.skipSpace()
			if !first {
				if !p.consume(',') {
					break
				}
				p.skipSpace()
			}
			child, errPos, ok := p.parseRangeOrLiteral()
			if !ok {
				return Term{}, errPos, false
			}
			children = append(children, child)
			first = false
		}
		if !p.consume('}') {
			return Term{}, p.pos, false
		}
		sortDisjointAscending(children)
		return Or(children...), -1, true
	default:
		return p.parseRangeOrLiteral()
	}
}

func (p *parser) parseRangeOrLiteral() (Term, int, bool) {
	p.skipSpace()
	startPos := p.pos
	loIncl := true
	hasLoBracket := false
	// A '(' that opens a known type name, e.g. "(float)1.5", is a typed
	// literal prefix for parseLiteral, not an exclusive lower bracket.
	typePrefix := false
	if p.pos < len(p.s) && p.s[p.pos] == '(' {
		if end := strings.IndexByte(p.s[p.pos:], ')'); end > 0 {
			switch p.s[p.pos+1 : p.pos+end] {
			case "bool", "boolean", "int", "long", "int64", "uint", "uint64", "float", "double", "float64", "string":
				typePrefix = true
			}
		}
	}
	if p.pos < len(p.s) && (p.s[p.pos] == '[' || (p.s[p.pos] == '(' && !typePrefix)) {
		hasLoBracket = true
		loIncl = p.s[p.pos] == '['
		p.pos++
	}
	p.skipSpace()

	var lo keycodec.Segment
	hasLo := false
	if p.pos < len(p.s) && p.s[p.pos] != ':' {
		v, errPos, ok := p.parseLiteral()
		if !ok {
			return Term{}, errPos, false
		}
		lo = v
		hasLo = true
	}
	p.skipSpace()

	if p.pos < len(p.s) && p.s[p.pos] == ':' {
		p.pos++
		p.skipSpace()
		var hi keycodec.Segment
		hasHi := false
		if p.pos < len(p.s) && p.s[p.pos] != ']' && p.s[p.pos] != ')' && p.s[p.pos] != ',' && p.s[p.pos] != '}' {
			v, errPos, ok := p.parseLiteral()
			if !ok {
				return Term{}, errPos, false
			}
			hi = v
			hasHi = true
		}
		p.skipSpace()
		hiIncl := true
		if p.pos < len(p.s) && (p.s[p.pos] == ']' || p.s[p.pos] == ')') {
			hiIncl = p.s[p.pos] == ']'
			p.pos++
		} else if hasLoBracket {
			return Term{}, p.pos, false
		}
		return Range(lo, hasLo, loIncl, hi, hasHi, hiIncl), -1, true
	}

	if hasLoBracket {
		return Term{}, startPos, false
	}
	if !hasLo {
		return Term{}, p.pos, false
	}
	return Simple(lo), -1, true
}

func (p *parser) parseLiteral() (keycodec.Segment, int, bool) {
	p.skipSpace()
	typ := ""
	if p.pos < len(p.s) && p.s[p.pos] == '(' {
		end := strings.IndexByte(p.s[p.pos:], ')')
		if end < 0 {
			return keycodec.Segment{}, p.pos, false
		}
		typ = p.s[p.pos+1 : p.pos+end]
		p.pos += end + 1
	}
	p.skipSpace()
	if p.pos >= len(p.s) {
		return keycodec.Segment{}, p.pos, false
	}
	if p.s[p.pos] == '"' {
		str, errPos, ok := p.parseQuotedString()
		if !ok {
			return keycodec.Segment{}, errPos, false
		}
		return applyType(typ, keycodec.StringSegment(str), true)
	}
	start := p.pos
	for p.pos < len(p.s) && strings.IndexByte(" ,{}[]():", p.s[p.pos]) < 0 {
		p.pos++
	}
	tok := p.s[start:p.pos]
	if tok == "" {
		return keycodec.Segment{}, p.pos, false
	}
	return parseBareToken(typ, tok, start)
}

func (p *parser) parseQuotedString() (string, int, bool) {
	start := p.pos
	p.pos++ // opening quote
	var sb strings.Builder
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c == '"' {
			p.pos++
			return sb.String(), -1, true
		}
		if c == '\\' {
			p.pos++
			if p.pos >= len(p.s) {
				return "", p.pos, false
			}
			switch e := p.s[p.pos]; e {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '\\', '"':
				sb.WriteByte(e)
			default:
				sb.WriteByte(e)
			}
			p.pos++
			continue
		}
		sb.WriteByte(c)
		p.pos++
	}
	return "", start, false
}

func parseBareToken(typ, tok string, pos int) (keycodec.Segment, int, bool) {
	if typ == "" {
		switch tok {
		case "true":
			return keycodec.BoolSegment(true), -1, true
		case "false":
			return keycodec.BoolSegment(false), -1, true
		}
		if strings.ContainsAny(tok, ".eE") {
			if f, err := strconv.ParseFloat(tok, 64); err == nil {
				return keycodec.FloatSegment(f), -1, true
			}
		}
		if i, err := strconv.ParseInt(tok, 10, 64); err == nil {
			return keycodec.IntSegment(i), -1, true
		}
		if u, err := strconv.ParseUint(tok, 10, 64); err == nil {
			return keycodec.UintSegment(u), -1, true
		}
		return keycodec.Segment{}, pos, false
	}
	return applyType(typ, keycodec.Segment{}, false, tok, pos)
}

// applyType coerces a value to the explicitly requested type prefix, e.g.
// "(float)5" or "(string)abc". For string literals parsed from quotes,
// raw carries the pre-decoded string directly.
func applyType(typ string, raw keycodec.Segment, isString bool, tok ...interface{}) (keycodec.Segment, int, bool) {
	if typ == "" {
		if isString {
			return raw, -1, true
		}
		return raw, -1, true
	}
	var text string
	pos := -1
	if isString {
		s, _ := raw.StringValue()
		text = s
	} else if len(tok) == 2 {
		text = tok[0].(string)
		pos = tok[1].(int)
	}
	switch typ {
	case "bool", "boolean":
		v, err := strconv.ParseBool(text)
		if err != nil {
			return keycodec.Segment{}, pos, false
		}
		return keycodec.BoolSegment(v), -1, true
	case "int", "long", "int64":
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return keycodec.Segment{}, pos, false
		}
		return keycodec.IntSegment(v), -1, true
	case "uint", "uint64":
		v, err := strconv.ParseUint(text, 10, 64)
		if err != nil {
			return keycodec.Segment{}, pos, false
		}
		return keycodec.UintSegment(v), -1, true
	case "float", "double", "float64":
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return keycodec.Segment{}, pos, false
		}
		return keycodec.FloatSegment(v), -1, true
	case "string":
		return keycodec.StringSegment(text), -1, true
	default:
		return keycodec.Segment{}, pos, false
	}
}

// sortDisjointAscending orders OrTerm children by lower bound, assuming
// the caller supplied a pairwise-disjoint set (spec.md §3).
func sortDisjointAscending(terms []Term) {
	for i := 1; i < len(terms); i++ {
		for j := i; j > 0; j-- {
			a, aok := minValue(terms[j-1])
			b, bok := minValue(terms[j])
			if !aok || !bok {
				break
			}
			cmp, err := keycodec.CompareValues(a, b)
			if err != nil || cmp <= 0 {
				break
			}
			terms[j-1], terms[j] = terms[j], terms[j-1]
		}
	}
}

// String renders f back to its text form; Compile(f.String()) reproduces
// an equivalent filter (spec.md §6 round-trip contract).
func (f *Filter) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, t := range f.terms {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(termString(t))
	}
	if f.wildcardTail {
		if len(f.terms) > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString("*<")
	}
	sb.WriteByte('}')
	return sb.String()
}

func termString(t Term) string {
	switch t.kind {
	case TermAll:
		return "*"
	case TermSimple:
		return segmentString(t.value)
	case TermRange:
		return rangeString(t)
	case TermOr:
		parts := make([]string, len(t.children))
		for i, c := range t.children {
			parts[i] = rangeOrLiteralString(c)
		}
		return "{" + strings.Join(parts, ",") + "}"
	default:
		return "*"
	}
}

func rangeOrLiteralString(t Term) string {
	if t.kind == TermRange {
		return rangeString(t)
	}
	return segmentString(t.value)
}

func rangeString(t Term) string {
	var sb strings.Builder
	loBracket := false
	if t.hasLo {
		if !t.loIncl {
			sb.WriteByte('(')
			loBracket = true
		} else if !t.hiIncl {
			sb.WriteByte('[')
			loBracket = true
		}
		sb.WriteString(segmentString(t.lo))
	}
	sb.WriteByte(':')
	if t.hasHi {
		sb.WriteString(segmentString(t.hi))
		if !t.hiIncl {
			sb.WriteByte(')')
		} else if !t.loIncl {
			sb.WriteByte(']')
		}
	} else if loBracket {
		// Compile requires a closing bracket whenever an opening one is present.
		if t.hiIncl {
			sb.WriteByte(']')
		} else {
			sb.WriteByte(')')
		}
	}
	return sb.String()
}

func segmentString(s keycodec.Segment) string {
	switch s.Kind() {
	case keycodec.KindBool:
		v, _ := s.Bool()
		return fmt.Sprintf("(bool)%t", v)
	case keycodec.KindInt:
		v, _ := s.Int()
		return strconv.FormatInt(v, 10)
	case keycodec.KindUint:
		v, _ := s.Uint()
		return fmt.Sprintf("(uint)%d", v)
	case keycodec.KindFloat:
		v, _ := s.Float()
		return fmt.Sprintf("(float)%s", strconv.FormatFloat(v, 'g', -1, 64))
	case keycodec.KindString:
		v, _ := s.StringValue()
		return quoteString(v)
	default:
		return ""
	}
}

func quoteString(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\t':
			sb.WriteString(`\t`)
		case '\r':
			sb.WriteString(`\r`)
		default:
			sb.WriteByte(c)
		}
	}
	sb.WriteByte('"')
	return sb.String()
}
