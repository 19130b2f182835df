// Package shutdown owns the node's exit paths: the signal-driven root
// context for graceful stops, and Abort for fatal startup errors,
// which leaves a crash dump plus a machine-readable abort request
// under the node's state tree before exiting.
package shutdown

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"holocron/pkg/logger"
	"holocron/pkg/state"
)

// abortRequest is the JSON artifact dropped in the abort dir. Operators
// and supervisors read it to tell a crash from a requested stop.
type abortRequest struct {
	Time      string `json:"time"`
	Reason    string `json:"reason"`
	CrashPath string `json:"crash_path,omitempty"`
	PID       int    `json:"pid"`
}

// Abort logs a fatal error, writes diagnostics and exits with status 2.
// The optional delay (seconds, default 10) gives log sinks and the
// operator a window before the process dies.
func Abort(contextMsg string, err error, dbPath string, delaySeconds ...int) {
	delay := 10
	if len(delaySeconds) > 0 && delaySeconds[0] >= 0 {
		delay = delaySeconds[0]
	}
	logger.Error("startup_fatal", "msg", contextMsg, "error", err)

	dumpPath, werr := writeDiagnostics(dbPath, contextMsg, err)
	if werr != nil {
		logger.Error("crash_dump_failed", "error", werr)
		fmt.Fprintf(os.Stderr, "FAILED TO WRITE CRASH DUMP: %v\n", werr)
	} else {
		logger.Error("crash_dump_written", "path", dumpPath)
		fmt.Fprintf(os.Stderr, "CRASH DUMP WRITTEN: %s\n", dumpPath)
	}

	for i := delay; i > 0; i-- {
		logger.Info("exiting_in_seconds", "seconds", i)
		time.Sleep(time.Second)
	}
	os.Exit(2)
}

// writeDiagnostics drops a human-readable crash dump in the crash dir
// and an abort request referencing it in the abort dir. It returns the
// dump path. Abort may run before state.Init, so the layout is derived
// from dbPath directly.
func writeDiagnostics(dbPath, reason string, cause error) (string, error) {
	if dbPath == "" {
		dbPath = "."
	}
	p := state.PathsFor(dbPath)
	for _, dir := range []string{p.Crash, p.Abort} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("create %s: %w", dir, err)
		}
	}

	ts := time.Now().UnixNano()
	dump := buildDump(reason, cause)
	dumpPath := filepath.Join(p.Crash, fmt.Sprintf("crash-%d.log", ts))
	if err := state.WriteFileAtomic(dumpPath, dump, 0o600); err != nil {
		return "", err
	}

	req, err := json.MarshalIndent(abortRequest{
		Time:      time.Now().UTC().Format(time.RFC3339),
		Reason:    reason,
		CrashPath: dumpPath,
		PID:       os.Getpid(),
	}, "", "  ")
	if err != nil {
		return dumpPath, err
	}
	reqPath := filepath.Join(p.Abort, fmt.Sprintf("req-%d.json", ts))
	if err := state.WriteFileAtomic(reqPath, req, 0o600); err != nil {
		return dumpPath, err
	}
	return dumpPath, nil
}

// buildDump collects the context an operator needs from a dead process:
// the failure, the environment and every goroutine stack.
func buildDump(reason string, cause error) []byte {
	var b []byte
	b = fmt.Appendf(b, "time: %s\n", time.Now().UTC().Format(time.RFC3339))
	b = fmt.Appendf(b, "reason: %s\n", reason)
	b = fmt.Appendf(b, "error: %v\n", cause)
	b = append(b, "\n--- environ ---\n"...)
	for _, e := range os.Environ() {
		b = append(b, e...)
		b = append(b, '\n')
	}
	b = append(b, "\n--- goroutine stacks ---\n"...)
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	return append(b, buf[:n]...)
}

// SetupSignalHandler returns a context canceled on SIGINT or SIGTERM.
// SIGPIPE also cancels, after dumping goroutine stacks to the log; a
// broken pipe on a managed node usually means the supervisor is gone.
func SetupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	pipe := make(chan os.Signal, 1)
	signal.Notify(pipe, syscall.SIGPIPE)

	go func() {
		select {
		case s := <-stop:
			logger.Info("signal_received", "signal", s.String(), "msg", "shutdown requested")
		case s := <-pipe:
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			logger.Info("signal_received", "signal", s.String(), "msg", "SIGPIPE, dumping goroutine stacks")
			logger.Info("goroutine_stack_dump", "dump", string(buf[:n]))
		}
		cancel()
	}()

	return ctx, cancel
}
