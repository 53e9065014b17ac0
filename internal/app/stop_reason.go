package app

import (
	"os"
	"syscall"
)

// StopReason is logged with the shutdown and decides the process exit.
type StopReason string

const (
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// SignalReason maps a shutdown signal to its reason.
func SignalReason(sig os.Signal) StopReason {
	if sig == syscall.SIGTERM {
		return StopSIGTERM
	}
	return StopSIGINT
}

// Failed reports whether the stop should exit non-zero.
func (r StopReason) Failed() bool { return r == StopFatalError }
