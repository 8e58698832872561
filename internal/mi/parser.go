package mi

import (
	"errors"
	"fmt"
)

var errUnterminated = errors.New("mi: unterminated value")

type parser struct {
	s string
	i int
}

func (p *parser) eof() bool { return p.i >= len(p.s) }

func (p *parser) consume(c byte) bool {
	if p.i < len(p.s) && p.s[p.i] == c {
		p.i++
		return true
	}
	return false
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("mi: offset %d: %s", p.i, fmt.Sprintf(format, args...))
}

// topResults parses ("," result)* up to the end of input.
func (p *parser) topResults() (map[string]any, error) {
	set := newResultSet()
	for !p.eof() {
		if !p.consume(',') {
			return nil, p.errorf("expected ','")
		}
		key, val, err := p.result()
		if err != nil {
			return nil, err
		}
		set.add(key, val)
	}
	return set.m, nil
}

func (p *parser) result() (string, any, error) {
	start := p.i
	for p.i < len(p.s) && isIdent(p.s[p.i]) {
		p.i++
	}
	if p.i == start {
		return "", nil, p.errorf("expected variable name")
	}
	key := p.s[start:p.i]
	if !p.consume('=') {
		return "", nil, p.errorf("expected '=' after %q", key)
	}
	val, err := p.value()
	if err != nil {
		return "", nil, err
	}
	return key, val, nil
}

func (p *parser) value() (any, error) {
	switch {
	case p.consume('"'):
		return p.cstring()
	case p.consume('{'):
		return p.tuple()
	case p.consume('['):
		return p.list()
	case p.eof():
		return nil, errUnterminated
	default:
		return nil, p.errorf("unexpected %q", p.s[p.i])
	}
}

// tuple parses the remainder of "{" result ("," result)* "}".
func (p *parser) tuple() (map[string]any, error) {
	set := newResultSet()
	if p.consume('}') {
		return set.m, nil
	}
	for {
		key, val, err := p.result()
		if err != nil {
			return nil, err
		}
		set.add(key, val)
		if p.consume(',') {
			continue
		}
		if p.consume('}') {
			return set.m, nil
		}
		if p.eof() {
			return nil, errUnterminated
		}
		return nil, p.errorf("expected ',' or '}'")
	}
}

// list parses the remainder of a list. Lists of results keep only the
// values, in order.
func (p *parser) list() ([]any, error) {
	out := []any{}
	if p.consume(']') {
		return out, nil
	}
	for {
		var (
			val any
			err error
		)
		if p.atResult() {
			_, val, err = p.result()
		} else {
			val, err = p.value()
		}
		if err != nil {
			return nil, err
		}
		out = append(out, val)
		if p.consume(',') {
			continue
		}
		if p.consume(']') {
			return out, nil
		}
		if p.eof() {
			return nil, errUnterminated
		}
		return nil, p.errorf("expected ',' or ']'")
	}
}

func (p *parser) atResult() bool {
	j := p.i
	for j < len(p.s) && isIdent(p.s[j]) {
		j++
	}
	return j > p.i && j < len(p.s) && p.s[j] == '='
}

// cstring parses the remainder of a C string literal whose opening quote has
// been consumed. Octal escapes are raw bytes, so multi-byte characters
// escaped byte by byte decode correctly.
func (p *parser) cstring() (string, error) {
	var buf []byte
	for p.i < len(p.s) {
		c := p.s[p.i]
		p.i++
		switch c {
		case '"':
			return string(buf), nil
		case '\\':
			if p.eof() {
				return "", errUnterminated
			}
			e := p.s[p.i]
			p.i++
			switch e {
			case 'n':
				buf = append(buf, '\n')
			case 't':
				buf = append(buf, '\t')
			case 'r':
				buf = append(buf, '\r')
			case 'a':
				buf = append(buf, '\a')
			case 'b':
				buf = append(buf, '\b')
			case 'f':
				buf = append(buf, '\f')
			case 'v':
				buf = append(buf, '\v')
			case 'e':
				buf = append(buf, 0x1b)
			case '0', '1', '2', '3', '4', '5', '6', '7':
				n := int(e - '0')
				for k := 0; k < 2 && p.i < len(p.s) && p.s[p.i] >= '0' && p.s[p.i] <= '7'; k++ {
					n = n*8 + int(p.s[p.i]-'0')
					p.i++
				}
				buf = append(buf, byte(n))
			default:
				buf = append(buf, e)
			}
		default:
			buf = append(buf, c)
		}
	}
	return "", errUnterminated
}

func isIdent(c byte) bool {
	return c == '-' || c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}

// resultSet collects results into a map. A key seen more than once (for
// example "frame" in a breakpoint's locations) becomes a list of values.
type resultSet struct {
	m        map[string]any
	repeated map[string]bool
}

func newResultSet() *resultSet {
	return &resultSet{m: make(map[string]any)}
}

func (r *resultSet) add(key string, val any) {
	prev, exists := r.m[key]
	if !exists {
		r.m[key] = val
		return
	}
	if r.repeated[key] {
		r.m[key] = append(prev.([]any), val)
		return
	}
	if r.repeated == nil {
		r.repeated = make(map[string]bool)
	}
	r.repeated[key] = true
	r.m[key] = []any{prev, val}
}
