package hooks

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/MrSnakeDoc/tend/internal/logger"
	"github.com/MrSnakeDoc/tend/internal/metrics"
	"github.com/MrSnakeDoc/tend/internal/utils"
)

const (
	// DefaultTimeout bounds a hook run when the runner has none configured.
	DefaultTimeout = 30 * time.Second
	maxCapture     = 64 << 10
)

// Request describes one hook invocation.
type Request struct {
	Kind         Kind
	Path         string
	Dir          string
	Service      string
	ServiceGroup string
	Pkg          string
	Creds        utils.Credentials
	// Pid of the supervised process, 0 when it is not running.
	Pid int
	Env map[string]string
}

// Result is what a finished hook left behind.
type Result struct {
	ExitCode int
	Stdout   string
	Duration time.Duration
}

// HookError reports a hook that could not run or exited non-zero.
type HookError struct {
	Hook     Kind
	ExitCode int
	Err      error
}

func (e *HookError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hook %s failed (exit %d): %v", e.Hook, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("hook %s failed (exit %d)", e.Hook, e.ExitCode)
}

func (e *HookError) Unwrap() error { return e.Err }

// Runner executes compiled hooks.
type Runner interface {
	// Run blocks until the hook exits. A non-zero exit is a *HookError and
	// the returned Result still carries the exit code.
	Run(ctx context.Context, req Request) (Result, error)
	// RunAsync starts the hook and returns immediately.
	RunAsync(req Request)
}

// ExecRunner runs hooks as child processes.
type ExecRunner struct {
	timeout time.Duration
	log     logger.Logger
	sink    metrics.Sink
	async   sync.WaitGroup
}

// NewExecRunner creates a runner killing hooks that outlive timeout.
func NewExecRunner(timeout time.Duration, log logger.Logger, sink metrics.Sink) *ExecRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ExecRunner{timeout: timeout, log: log, sink: metrics.OrNop(sink)}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := r.exec(ctx, req)
	res.Duration = time.Since(start)
	r.sink.HookRun(req.Service, string(req.Kind), err == nil, res.Duration)
	return res, err
}

// RunAsync implements Runner.
func (r *ExecRunner) RunAsync(req Request) {
	r.async.Add(1)
	go func() {
		defer r.async.Done()
		if _, err := r.Run(context.Background(), req); err != nil {
			r.log.Warn("async hook failed",
				logger.String("service", req.Service),
				logger.String("hook", string(req.Kind)),
				logger.Error(err))
		}
	}()
}

// Wait blocks until every hook started with RunAsync has finished.
func (r *ExecRunner) Wait() {
	r.async.Wait()
}

func (r *ExecRunner) exec(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, req.Path)
	cmd.Dir = req.Dir
	cmd.Env = hookEnv(req)
	cmd.SysProcAttr = req.Creds.SysProcAttr()
	// Kill the whole process group so scripts cannot leak children.
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{ExitCode: -1}, &HookError{Hook: req.Kind, ExitCode: -1, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{ExitCode: -1}, &HookError{Hook: req.Kind, ExitCode: -1, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, &HookError{Hook: req.Kind, ExitCode: -1, Err: err}
	}

	log := r.log.With(
		logger.String("service", req.Service),
		logger.String("hook", string(req.Kind)))

	var captured strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		logLines(stdout, func(line string) {
			log.Info(line, logger.String("stream", "stdout"))
			if captured.Len() < maxCapture {
				captured.WriteString(line)
				captured.WriteByte('\n')
			}
		})
	}()
	go func() {
		defer wg.Done()
		logLines(stderr, func(line string) {
			log.Warn(line, logger.String("stream", "stderr"))
		})
	}()
	wg.Wait()

	err = cmd.Wait()
	res := Result{Stdout: captured.String()}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.ExitCode = -1
		return res, &HookError{Hook: req.Kind, ExitCode: -1, Err: fmt.Errorf("timed out after %s", r.timeout)}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &HookError{Hook: req.Kind, ExitCode: res.ExitCode}
	}
	if err != nil {
		res.ExitCode = -1
		return res, &HookError{Hook: req.Kind, ExitCode: -1, Err: err}
	}
	return res, nil
}

// logLines feeds every line of r to fn until EOF. Lines of any length are
// read so the hook never blocks on a full pipe.
func logLines(r io.Reader, fn func(string)) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if len(line) != 0 {
			fn(strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			return
		}
	}
}

func hookEnv(req Request) []string {
	env := os.Environ()
	env = append(env,
		"TEND_SVC="+req.Service,
		"TEND_GROUP="+req.ServiceGroup,
		"TEND_PKG="+req.Pkg,
	)
	if req.Pid > 0 {
		env = append(env, "PID="+strconv.Itoa(req.Pid))
	}
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	return env
}
