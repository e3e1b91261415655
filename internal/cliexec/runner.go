// Package cliexec runs short-lived external CLI processes and locates the
// executables they live in.
//
// Failure to run or find a tool is an expected condition here, not an
// exceptional one: both Run and Locate resolve with structured results and
// leave it to callers to decide whether a missing tool is fatal.
package cliexec

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const defaultRunTimeout = 60 * time.Second

// Invocation describes one subprocess run.
type Invocation struct {
	Path string
	Args []string

	// Env entries (KEY=VALUE) are appended to the inherited environment.
	Env []string

	// Stdin is fed to the process when non-empty.
	Stdin string

	// Timeout bounds the whole run at the process level; the child is
	// killed when it expires. Defaults to 60s.
	Timeout time.Duration
}

// Result is the outcome of a subprocess run. A nonzero exit or a kill is
// reported via Succeeded=false; StartupErr is set only when the process
// could not be launched at all.
type Result struct {
	Succeeded  bool
	Stdout     string
	Stderr     string
	StartupErr error
}

// CombinedOutput returns stderr when present, else stdout, else the startup
// error text. Useful for diagnostics on failure.
func (r Result) CombinedOutput() string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	if s := strings.TrimSpace(r.Stdout); s != "" {
		return s
	}
	if r.StartupErr != nil {
		return r.StartupErr.Error()
	}
	return ""
}

// Run executes the invocation and resolves with a Result. It never returns
// an error: callers differentiate "process ran but failed" (Succeeded=false,
// StartupErr=nil) from "could not launch" (StartupErr set).
func Run(ctx context.Context, log *slog.Logger, inv Invocation) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	path := strings.TrimSpace(inv.Path)
	if path == "" {
		return Result{StartupErr: errors.New("missing executable path")}
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, path, inv.Args...)
	if len(inv.Env) > 0 {
		cmd.Env = append(os.Environ(), inv.Env...)
	}
	if inv.Stdin != "" {
		cmd.Stdin = strings.NewReader(inv.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// On timeout, snapshot the child's resource usage before the kill so a
	// hung tool leaves a trace in the logs.
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			logChildStats(log, path, cmd.Process.Pid)
		}
		return cmd.Process.Kill()
	}

	if err := cmd.Start(); err != nil {
		return Result{
			Stdout:     stdout.String(),
			Stderr:     stderr.String(),
			StartupErr: err,
		}
	}

	err := cmd.Wait()
	res := Result{
		Succeeded: err == nil,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
	}
	if err != nil && runCtx.Err() == context.DeadlineExceeded {
		log.Warn("subprocess killed on timeout",
			"component", "cliexec", "path", path, "timeout", timeout)
	}
	return res
}

func logChildStats(log *slog.Logger, path string, pid int) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}
	attrs := []any{"component", "cliexec", "path", path, "pid", pid}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		attrs = append(attrs, "rss_bytes", mem.RSS)
	}
	if pct, err := p.CPUPercent(); err == nil {
		attrs = append(attrs, "cpu_percent", pct)
	}
	log.Debug("subprocess stats at kill", attrs...)
}
