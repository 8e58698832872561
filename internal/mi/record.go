// Package mi reads GDB/MI output into records.
//
// Records are produced line by line. A line is classified by its leading
// character after an optional numeric token; result and async lines carry a
// payload decoded from the MI tuple/list grammar, stream lines carry the
// unescaped C string.
package mi

import (
	"strconv"
	"strings"
)

// Record types.
const (
	TypeResult  = "result"
	TypeNotify  = "notify"
	TypeStatus  = "status"
	TypeConsole = "console"
	TypeTarget  = "target"
	TypeLog     = "log"
	TypePrompt  = "prompt"
	TypeOutput  = "output"
)

const defaultStream = "stdout"

// Record is one parsed line of MI output.
type Record struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Payload any    `json:"payload"`
	Token   *int   `json:"token"`
	Stream  string `json:"stream"`
}

// ParseLine parses a single line without its trailing newline. Lines that do
// not follow the MI grammar come back as TypeOutput with the raw text as
// payload.
func ParseLine(line string) Record {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "(gdb)" {
		return Record{Type: TypePrompt, Stream: defaultStream}
	}

	rest := line
	var token *int
	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 && digits < len(rest) && strings.IndexByte("^*+=", rest[digits]) >= 0 {
		if n, err := strconv.Atoi(rest[:digits]); err == nil {
			token = &n
		}
		rest = rest[digits:]
	}

	if rest == "" {
		return output(line)
	}

	switch rest[0] {
	case '^', '*', '+', '=':
		rec, ok := parseClassed(rest)
		if !ok {
			return output(line)
		}
		rec.Token = token
		return rec
	case '~', '@', '&':
		if token != nil {
			return output(line)
		}
		p := &parser{s: rest[1:]}
		if !p.consume('"') {
			return output(line)
		}
		text, err := p.cstring()
		if err != nil || !p.eof() {
			return output(line)
		}
		return Record{Type: streamType(rest[0]), Payload: text, Stream: defaultStream}
	default:
		return output(line)
	}
}

func parseClassed(s string) (Record, bool) {
	var typ string
	switch s[0] {
	case '^':
		typ = TypeResult
	case '*', '=':
		typ = TypeNotify
	case '+':
		typ = TypeStatus
	}

	body := s[1:]
	class := body
	results := ""
	if idx := strings.IndexByte(body, ','); idx >= 0 {
		class = body[:idx]
		results = body[idx:]
	}
	if class == "" {
		return Record{}, false
	}

	rec := Record{Type: typ, Message: class, Stream: defaultStream}
	if results == "" {
		return rec, true
	}

	p := &parser{s: results}
	payload, err := p.topResults()
	if err != nil {
		return Record{}, false
	}
	rec.Payload = payload
	return rec, true
}

func streamType(c byte) string {
	switch c {
	case '~':
		return TypeConsole
	case '@':
		return TypeTarget
	default:
		return TypeLog
	}
}

func output(line string) Record {
	return Record{Type: TypeOutput, Payload: line, Stream: defaultStream}
}
