package hooks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrSnakeDoc/tend/internal/logger"
	"github.com/MrSnakeDoc/tend/internal/metrics"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds {
		got, err := ParseKind(string(k))
		if err != nil || got != k {
			t.Errorf("ParseKind(%q) = %q, %v", k, got, err)
		}
	}
	if _, err := ParseKind("pre-start"); err == nil {
		t.Error("ParseKind() should reject unknown hooks")
	}
}

func TestDiscover(t *testing.T) {
	pkg := t.TempDir()
	for _, name := range []string{"init", "run", "README"} {
		if err := os.WriteFile(filepath.Join(pkg, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	set, err := Discover(pkg, "/svc/redis")
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(set) != 2 || !set.Has(Init) || !set.Has(Run) {
		t.Errorf("Discover() = %v, want init and run", set)
	}
	if set[Run] != "/svc/redis/hooks/run" {
		t.Errorf("compiled path = %q", set[Run])
	}

	var order []Kind
	set.Each(func(k Kind, _ string) { order = append(order, k) })
	if len(order) != 2 || order[0] != Init || order[1] != Run {
		t.Errorf("Each() order = %v", order)
	}

	missing, err := Discover(filepath.Join(pkg, "nope"), "/svc")
	if err != nil || len(missing) != 0 {
		t.Errorf("Discover() on a missing dir = %v, %v", missing, err)
	}
}

func TestExecRunnerSuccess(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "suitability", `echo "$TEND_SVC/$TEND_GROUP/$PID"`)

	r := NewExecRunner(5*time.Second, logger.Nop(), metrics.Nop{})
	res, err := r.Run(context.Background(), Request{
		Kind:         Suitability,
		Path:         path,
		Dir:          dir,
		Service:      "redis",
		ServiceGroup: "redis.default",
		Pid:          42,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d", res.ExitCode)
	}
	if got := strings.TrimSpace(res.Stdout); got != "redis/redis.default/42" {
		t.Errorf("Stdout = %q", got)
	}
}

func TestExecRunnerNonZeroExit(t *testing.T) {
	path := writeScript(t, t.TempDir(), "health-check", "echo degraded; exit 2")

	r := NewExecRunner(5*time.Second, logger.Nop(), nil)
	res, err := r.Run(context.Background(), Request{Kind: HealthCheck, Path: path})

	var hookErr *HookError
	if !errors.As(err, &hookErr) {
		t.Fatalf("Run() error = %v, want *HookError", err)
	}
	if hookErr.ExitCode != 2 || res.ExitCode != 2 {
		t.Errorf("exit codes = %d / %d, want 2", hookErr.ExitCode, res.ExitCode)
	}
	if hookErr.Hook != HealthCheck {
		t.Errorf("Hook = %q", hookErr.Hook)
	}
}

func TestExecRunnerTimeout(t *testing.T) {
	path := writeScript(t, t.TempDir(), "init", "sleep 10")

	r := NewExecRunner(100*time.Millisecond, logger.Nop(), nil)
	start := time.Now()
	_, err := r.Run(context.Background(), Request{Kind: Init, Path: path})
	if err == nil {
		t.Fatal("Run() should fail on timeout")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("timed out hook was not killed promptly (%s)", time.Since(start))
	}
}

func TestExecRunnerMissingBinary(t *testing.T) {
	r := NewExecRunner(time.Second, logger.Nop(), nil)
	_, err := r.Run(context.Background(), Request{Kind: Init, Path: filepath.Join(t.TempDir(), "init")})
	var hookErr *HookError
	if !errors.As(err, &hookErr) || hookErr.ExitCode != -1 {
		t.Errorf("Run() error = %v, want *HookError with exit -1", err)
	}
}

func TestExecRunnerAsync(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "done")
	path := writeScript(t, dir, "post-stop", "touch "+marker)

	r := NewExecRunner(5*time.Second, logger.Nop(), nil)
	r.RunAsync(Request{Kind: PostStop, Path: path})
	r.Wait()

	if _, err := os.Stat(marker); err != nil {
		t.Errorf("post-stop hook did not run: %v", err)
	}
}

func TestChangeTable(t *testing.T) {
	ct := ChangeTable{Run: true, Init: false, Reconfigure: true}
	if !ct.Changed(Run) || ct.Changed(Init) || ct.Changed(PostRun) {
		t.Errorf("Changed() mismatch: %v", ct)
	}
	if ct.Count() != 2 {
		t.Errorf("Count() = %d, want 2", ct.Count())
	}
}

func TestExecRunnerLongOutputLine(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "health-check",
		`head -c 3145728 /dev/zero | tr '\0' 'a'; echo; echo "ok" >&2; exit 3`)

	r := NewExecRunner(10*time.Second, logger.Nop(), metrics.Nop{})
	res, err := r.Run(context.Background(), Request{Kind: HealthCheck, Path: path, Dir: dir})
	var hookErr *HookError
	if !errors.As(err, &hookErr) {
		t.Fatalf("Run() error = %v, want *HookError", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3 (a long line must not stall the hook)", res.ExitCode)
	}
	if !strings.HasPrefix(res.Stdout, "aaaa") {
		t.Errorf("Stdout does not start with the long line")
	}
}
