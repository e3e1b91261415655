package cliexec

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testEnvVar = "VELT_TEST_CLI_PATH"

func writeFakeTool(t *testing.T, path, version string) {
	t.Helper()
	script := "#!/bin/sh\n" +
		"if [ \"$1\" = \"--version\" ]; then\n" +
		"  echo \"tool version " + version + "\"\n" +
		"  exit 0\n" +
		"fi\n" +
		"exit 0\n"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for fake tool: %v", err)
	}
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake tool: %v", err)
	}
}

func TestLocateExplicitPathWins(t *testing.T) {
	binDir := t.TempDir()
	explicit := filepath.Join(binDir, "tool-explicit")
	override := filepath.Join(binDir, "tool-override")
	pathTool := filepath.Join(binDir, "mytool")
	writeFakeTool(t, explicit, "1.0.0")
	writeFakeTool(t, override, "2.0.0")
	writeFakeTool(t, pathTool, "3.0.0")

	t.Setenv("PATH", binDir)
	t.Setenv(testEnvVar, override)

	info := Locate(context.Background(), nil, LocateOptions{
		ExplicitPath: explicit,
		EnvVar:       testEnvVar,
		AutoDetect:   true,
		Candidates:   []string{"mytool"},
	})
	if !info.Available {
		t.Fatalf("Locate() unavailable: %s", info.Detail)
	}
	if info.Path != explicit {
		t.Fatalf("Locate() path = %q, want explicit %q", info.Path, explicit)
	}
}

func TestLocateEnvOverrideBeatsAutoDetect(t *testing.T) {
	binDir := t.TempDir()
	override := filepath.Join(binDir, "tool-override")
	pathTool := filepath.Join(binDir, "mytool")
	writeFakeTool(t, override, "2.0.0")
	writeFakeTool(t, pathTool, "3.0.0")

	t.Setenv("PATH", binDir)
	t.Setenv(testEnvVar, override)

	info := Locate(context.Background(), nil, LocateOptions{
		EnvVar:     testEnvVar,
		AutoDetect: true,
		Candidates: []string{"mytool"},
	})
	if !info.Available {
		t.Fatalf("Locate() unavailable: %s", info.Detail)
	}
	if info.Path != override {
		t.Fatalf("Locate() path = %q, want override %q", info.Path, override)
	}
}

func TestLocateFallsBackToPathCandidate(t *testing.T) {
	binDir := t.TempDir()
	pathTool := filepath.Join(binDir, "mytool")
	writeFakeTool(t, pathTool, "3.1.4")

	t.Setenv("PATH", binDir)
	t.Setenv(testEnvVar, "")

	info := Locate(context.Background(), nil, LocateOptions{
		EnvVar:      testEnvVar,
		AutoDetect:  true,
		Candidates:  []string{"mytool"},
		VersionArgs: []string{"--version"},
	})
	if !info.Available {
		t.Fatalf("Locate() unavailable: %s", info.Detail)
	}
	if info.Path != pathTool {
		t.Fatalf("Locate() path = %q, want %q", info.Path, pathTool)
	}
	if info.Version != "3.1.4" {
		t.Fatalf("Locate() version = %q, want %q", info.Version, "3.1.4")
	}
}

func TestLocateWellKnownDirCandidate(t *testing.T) {
	installDir := t.TempDir()
	tool := filepath.Join(installDir, "mytool")
	writeFakeTool(t, tool, "0.9.0")

	t.Setenv("PATH", t.TempDir()) // empty dir: PATH lookup must miss

	info := Locate(context.Background(), nil, LocateOptions{
		AutoDetect:    true,
		Candidates:    []string{"mytool"},
		WellKnownDirs: []string{installDir},
	})
	if !info.Available {
		t.Fatalf("Locate() unavailable: %s", info.Detail)
	}
	if info.Path != tool {
		t.Fatalf("Locate() path = %q, want %q", info.Path, tool)
	}
}

func TestLocateUnavailableIsDataNotError(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	info := Locate(context.Background(), nil, LocateOptions{
		AutoDetect: true,
		Candidates: []string{"definitely-not-installed"},
	})
	if info.Available {
		t.Fatal("Locate() Available = true, want false")
	}
	if strings.TrimSpace(info.Detail) == "" {
		t.Fatal("Locate() Detail empty, want descriptive text")
	}
}

func TestLocateRejectsNonExecutableCandidate(t *testing.T) {
	binDir := t.TempDir()
	plain := filepath.Join(binDir, "tool-data")
	if err := os.WriteFile(plain, []byte("not a program"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	info := Locate(context.Background(), nil, LocateOptions{ExplicitPath: plain})
	if info.Available {
		t.Fatal("Locate() Available = true for non-executable file")
	}
	if !strings.Contains(info.Detail, "not executable") {
		t.Fatalf("Locate() Detail = %q, want mention of executability", info.Detail)
	}
}

func TestLocateBackslashCandidateIsUsedDirectly(t *testing.T) {
	dir := t.TempDir()
	tool := `pkg\mytool`
	writeFakeTool(t, filepath.Join(dir, tool), "1.2.3")
	t.Chdir(dir)
	t.Setenv("PATH", t.TempDir()) // PATH lookup must play no part

	info := Locate(context.Background(), nil, LocateOptions{ExplicitPath: tool})
	if !info.Available {
		t.Fatalf("Locate() unavailable: %s", info.Detail)
	}
	if info.Path != tool {
		t.Fatalf("Locate() path = %q, want %q", info.Path, tool)
	}
}

func TestLocateNoCandidates(t *testing.T) {
	t.Parallel()

	info := Locate(context.Background(), nil, LocateOptions{})
	if info.Available {
		t.Fatal("Locate() Available = true with no candidates")
	}
}
