// Package termtext turns raw terminal bytes into plain text.
package termtext

import "regexp"

// Escape sequences removed by Strip, longest forms first so a bare ESC
// matcher never splits a longer sequence.
var escapePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]`),      // CSI
	regexp.MustCompile(`\x1b\].*?(?:\x07|\x1b\\)`),     // OSC
	regexp.MustCompile(`\x1b[P^_k].*?\x1b\\`),          // DCS, PM, APC, title
	regexp.MustCompile(`\x1bO[A-Za-z]`),                // SS3 keypad keys
	regexp.MustCompile(`\x1b[()][0-9A-Za-z]|\x1b[=>]`), // charset, keypad mode
	regexp.MustCompile(`\x1b.`),
}

// Strip removes escape sequences and control bytes, applying backspaces.
// Line feeds and tabs survive; carriage returns do not.
func Strip(s string) string {
	for _, re := range escapePatterns {
		s = re.ReplaceAllString(s, "")
	}

	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r == '\b' || r == 0x7f:
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		case r == '\n' || r == '\t':
			out = append(out, r)
		case r < 0x20:
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
