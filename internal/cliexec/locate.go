package cliexec

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"
)

const locateProbeTimeout = 5 * time.Second

// LocateOptions configures one executable lookup.
type LocateOptions struct {
	// ExplicitPath is a user-configured path; it wins over everything else.
	ExplicitPath string

	// EnvVar names an environment variable holding a path override.
	EnvVar string

	// AutoDetect enables PATH lookup of Candidates and the well-known
	// install locations.
	AutoDetect bool

	// Candidates are canonical binary names (e.g. "claude", "codex").
	Candidates []string

	// WellKnownDirs overrides the per-platform default install locations.
	WellKnownDirs []string

	// VersionArgs, when non-empty, are passed to the resolved binary to
	// read a version string (e.g. ["--version"]).
	VersionArgs []string

	// Timeout bounds each probe subprocess. Defaults to 5s.
	Timeout time.Duration
}

// ExecutableInfo is the structured result of a lookup. A missing tool is
// reported via Available=false and Detail, never via an error.
type ExecutableInfo struct {
	Path      string
	Version   string
	Available bool
	Detail    string
}

var semverRe = regexp.MustCompile(`v?\d+\.\d+(\.\d+)?(-[0-9A-Za-z.-]+)?`)

// Locate resolves the path to an external CLI tool.
//
// Candidate order: explicit path, env-var override, then (when AutoDetect)
// a PATH lookup per candidate name followed by well-known install
// locations. The first candidate that resolves to an executable regular
// file wins. Unexpected internal faults are converted to an unavailable
// result rather than a panic reaching the caller.
func Locate(ctx context.Context, log *slog.Logger, opts LocateOptions) (info ExecutableInfo) {
	defer func() {
		if r := recover(); r != nil {
			info = ExecutableInfo{Detail: fmt.Sprintf("internal fault during detection: %v", r)}
		}
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = locateProbeTimeout
	}

	candidates := buildCandidates(opts)
	if len(candidates) == 0 {
		return ExecutableInfo{Detail: "no candidates to check"}
	}

	failures := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		raw := strings.TrimSpace(candidate)
		if raw == "" {
			continue
		}

		// Either separator convention marks the candidate as a path to use
		// directly; bare names go through PATH lookup.
		resolved := raw
		if !strings.ContainsAny(raw, `/\`) {
			p, err := exec.LookPath(raw)
			if err != nil {
				failures = append(failures, fmt.Sprintf("%s: not found in PATH", raw))
				continue
			}
			resolved = p
		}

		if err := checkExecutable(resolved); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", resolved, err))
			continue
		}

		version := ""
		if len(opts.VersionArgs) > 0 {
			version = probeVersion(ctx, log, resolved, opts.VersionArgs, timeout)
		}
		log.Debug("executable resolved",
			"component", "cliexec", "path", resolved, "version", version)
		return ExecutableInfo{Path: resolved, Version: version, Available: true}
	}

	detail := "no candidate found"
	if len(failures) > 0 {
		detail = strings.Join(failures, "; ")
	}
	return ExecutableInfo{Detail: detail}
}

func buildCandidates(opts LocateOptions) []string {
	out := make([]string, 0, 8)
	seen := make(map[string]struct{}, 8)
	appendUnique := func(path string) {
		p := strings.TrimSpace(path)
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	appendUnique(opts.ExplicitPath)
	if v := strings.TrimSpace(opts.EnvVar); v != "" {
		appendUnique(os.Getenv(v))
	}
	if !opts.AutoDetect {
		return out
	}

	for _, name := range opts.Candidates {
		appendUnique(name)
	}
	dirs := opts.WellKnownDirs
	if len(dirs) == 0 {
		dirs = defaultInstallDirs()
	}
	for _, dir := range dirs {
		for _, name := range opts.Candidates {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			appendUnique(filepath.Join(dir, name))
		}
	}
	return out
}

func defaultInstallDirs() []string {
	dirs := []string{"/usr/local/bin", "/opt/homebrew/bin"}
	if runtime.GOOS == "windows" {
		dirs = nil
	}
	if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
		dirs = append(dirs,
			filepath.Join(home, ".local", "bin"),
			filepath.Join(home, "bin"),
		)
	}
	return dirs
}

func checkExecutable(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	if st.IsDir() {
		return fmt.Errorf("path is a directory")
	}
	if runtime.GOOS != "windows" && st.Mode()&0o111 == 0 {
		return fmt.Errorf("path is not executable")
	}
	return nil
}

func probeVersion(ctx context.Context, log *slog.Logger, path string, args []string, timeout time.Duration) string {
	res := Run(ctx, log, Invocation{Path: path, Args: args, Timeout: timeout})
	if !res.Succeeded {
		return ""
	}
	raw := strings.TrimSpace(res.Stdout)
	if raw == "" {
		raw = strings.TrimSpace(res.Stderr)
	}
	if raw == "" {
		return ""
	}
	if m := semverRe.FindString(raw); m != "" {
		return m
	}
	return raw
}
