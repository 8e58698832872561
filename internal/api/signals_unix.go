//go:build unix

package api

import "golang.org/x/sys/unix"

var signalNames = []string{
	"SIGHUP", "SIGINT", "SIGQUIT", "SIGABRT", "SIGKILL", "SIGUSR1",
	"SIGUSR2", "SIGALRM", "SIGTERM", "SIGCONT", "SIGSTOP", "SIGTSTP",
	"SIGWINCH",
}

// signalTable maps signal names to this platform's numbers.
func signalTable() map[string]int {
	out := make(map[string]int, len(signalNames))
	for _, name := range signalNames {
		if sig := unix.SignalNum(name); sig != 0 {
			out[name] = int(sig)
		}
	}
	return out
}
