package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"deferq/internal/sched"
)

func workload(mode string, jobs ...sched.JobSpec) sched.Config {
	cfg := sched.DefaultConfig()
	cfg.Mode = mode
	cfg.LogLevel = "error"
	cfg.Jobs = jobs
	return cfg
}

func TestRunWorkloadSchedule(t *testing.T) {
	cfg := workload(sched.ModeSchedule,
		sched.JobSpec{Name: "low", Priority: 1, Duration: time.Millisecond},
		sched.JobSpec{Name: "broken", Priority: 5, Fail: "disk full"},
		sched.JobSpec{Name: "slow", Duration: time.Hour, Timeout: 10 * time.Millisecond},
	)
	csvPath := filepath.Join(t.TempDir(), "events.csv")

	var out, errOut bytes.Buffer
	if err := runWorkload(t.Context(), cfg, runOptions{csvPath: csvPath}, &out, &errOut); err != nil {
		t.Fatalf("runWorkload: %v", err)
	}

	got := out.String()
	for _, want := range []string{"low", "Fulfilled", "broken", "Rejected", "disk full", "slow", "TimedOut"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}

	data, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if !strings.Contains(string(data), "Dispatch") {
		t.Errorf("csv log has no dispatch events:\n%s", data)
	}
}

func TestRunWorkloadAll(t *testing.T) {
	cfg := workload(sched.ModeAll,
		sched.JobSpec{Name: "a", Value: "x", Duration: 2 * time.Millisecond},
		sched.JobSpec{Name: "b", Value: "y", Steps: 2, Duration: 2 * time.Millisecond},
	)

	var out, errOut bytes.Buffer
	if err := runWorkload(t.Context(), cfg, runOptions{}, &out, &errOut); err != nil {
		t.Fatalf("runWorkload: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[0], "x") || !strings.HasSuffix(lines[1], "y") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestRunWorkloadRace(t *testing.T) {
	cfg := workload(sched.ModeRace,
		sched.JobSpec{Name: "tortoise", Duration: time.Hour},
		sched.JobSpec{Name: "hare", Value: "first", Duration: time.Millisecond},
	)

	var out, errOut bytes.Buffer
	if err := runWorkload(t.Context(), cfg, runOptions{}, &out, &errOut); err != nil {
		t.Fatalf("runWorkload: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "race: winner result first") {
		t.Errorf("output missing winner:\n%s", got)
	}
	if !strings.Contains(got, "Cancelled") {
		t.Errorf("output missing cancelled loser:\n%s", got)
	}
}

func TestRootConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.yml")
	if err := os.WriteFile(path, []byte("name: from-file\nmode: all\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := out.String(); !strings.Contains(got, "from-file") || !strings.Contains(got, "all") {
		t.Errorf("config output = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
