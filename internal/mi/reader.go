package mi

import "strings"

// maxPendingLine bounds how much of an unterminated line is buffered before
// it is emitted as raw output.
const maxPendingLine = 16 * 1024 * 1024

// Reader accumulates protocol text and yields complete records. It is not
// safe for concurrent use.
type Reader struct {
	pending strings.Builder
}

func NewReader() *Reader {
	return &Reader{}
}

// Feed appends text and returns one record per newline-terminated line now
// available. Blank lines are skipped.
func (r *Reader) Feed(text string) []Record {
	if text == "" {
		return nil
	}
	r.pending.WriteString(text)
	buffered := r.pending.String()

	var records []Record
	for {
		idx := strings.IndexByte(buffered, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(buffered[:idx], "\r")
		buffered = buffered[idx+1:]
		if strings.TrimSpace(line) == "" {
			continue
		}
		records = append(records, ParseLine(line))
	}

	if len(buffered) > maxPendingLine {
		records = append(records, output(buffered))
		buffered = ""
	}

	r.pending.Reset()
	r.pending.WriteString(buffered)
	return records
}

// Pending returns the buffered text of an incomplete line.
func (r *Reader) Pending() string {
	return r.pending.String()
}
