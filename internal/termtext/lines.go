package termtext

import (
	"strings"
	"sync"
)

const maxPendingLine = 4096

// LineBuffer assembles keystrokes into the lines a user submitted with Enter.
// It is safe for concurrent use.
type LineBuffer struct {
	mu      sync.Mutex
	pending strings.Builder
}

// Feed appends keys and returns every line completed by a carriage return or
// line feed, cleaned with Strip. Blank lines are dropped.
func (b *LineBuffer) Feed(keys string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var lines []string
	for {
		i := strings.IndexAny(keys, "\r\n")
		if i < 0 {
			break
		}
		b.pending.WriteString(keys[:i])
		if line := strings.TrimSpace(Strip(b.pending.String())); line != "" {
			lines = append(lines, line)
		}
		b.pending.Reset()
		keys = keys[i+1:]
	}
	b.pending.WriteString(keys)
	if b.pending.Len() > maxPendingLine {
		b.pending.Reset()
	}
	return lines
}

// Reset discards a partially typed line, e.g. after Ctrl-C.
func (b *LineBuffer) Reset() {
	b.mu.Lock()
	b.pending.Reset()
	b.mu.Unlock()
}
