//go:build !unix

package api

import "syscall"

func signalTable() map[string]int {
	return map[string]int{
		"SIGHUP":  int(syscall.SIGHUP),
		"SIGINT":  int(syscall.SIGINT),
		"SIGKILL": int(syscall.SIGKILL),
		"SIGTERM": int(syscall.SIGTERM),
	}
}
