// Package launcher starts, observes and stops the long-running process of a
// service.
package launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/MrSnakeDoc/tend/internal/logger"
	"github.com/MrSnakeDoc/tend/internal/utils"
)

// ErrAlreadyRunning is returned by Start when a process is still alive.
var ErrAlreadyRunning = errors.New("process already running")

// DefaultShutdownTimeout is used when a service does not set one.
const DefaultShutdownTimeout = 8 * time.Second

// StartRequest describes the process to launch.
type StartRequest struct {
	Service      string
	ServiceGroup string
	Pkg          string
	// Path to the compiled run hook.
	Path  string
	Creds utils.Credentials
	Env   map[string]string
}

// Shutdown controls how a process is stopped.
type Shutdown struct {
	Timeout time.Duration
}

// Launcher supervises at most one process.
type Launcher interface {
	Start(req StartRequest) error
	CheckProcess() bool
	Stop(ctx context.Context, shutdown Shutdown) error
	Pid() int
}

// Process is a Launcher running the service as a child of the supervisor.
// All methods are serialized on one mutex so a health check reading the pid
// never races a start or stop.
type Process struct {
	mu     sync.Mutex
	svcDir string
	log    logger.Logger
	pid    int
	done   chan struct{}
}

// NewProcess returns a launcher keeping its PID file in svcDir.
func NewProcess(svcDir string, log logger.Logger) *Process {
	return &Process{svcDir: svcDir, log: log}
}

// PidFile is where the pid of the running process is recorded.
func (p *Process) PidFile() string {
	return filepath.Join(p.svcDir, "PID")
}

// Start implements Launcher.
func (p *Process) Start(req StartRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.aliveLocked() {
		return ErrAlreadyRunning
	}

	cmd := exec.Command(req.Path)
	cmd.Dir = p.svcDir
	cmd.SysProcAttr = req.Creds.SysProcAttr()
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env,
		"TEND_SVC="+req.Service,
		"TEND_GROUP="+req.ServiceGroup,
		"TEND_PKG="+req.Pkg,
	)
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to capture stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to capture stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", req.Path, err)
	}

	log := p.log.With(logger.String("service", req.Service))
	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		logLines(stdout, func(line string) { log.Info(line, logger.String("stream", "stdout")) })
	}()
	go func() {
		defer pipes.Done()
		logLines(stderr, func(line string) { log.Warn(line, logger.String("stream", "stderr")) })
	}()

	done := make(chan struct{})
	p.pid = cmd.Process.Pid
	p.done = done

	go func() {
		pipes.Wait()
		// Stop holds the mutex while waiting on done, so nothing here may lock it.
		err := cmd.Wait()
		if err != nil {
			log.Warn("process exited", logger.Int("pid", cmd.Process.Pid), logger.Error(err))
		} else {
			log.Info("process exited", logger.Int("pid", cmd.Process.Pid))
		}
		close(done)
	}()

	if err := p.writePidFile(p.pid); err != nil {
		log.Warn("failed to write pid file", logger.Error(err))
	}
	log.Info("process started", logger.Int("pid", p.pid))
	return nil
}

// Attach adopts a process recorded in the PID file by a previous supervisor
// run. It reports whether that process is still alive.
func (p *Process) Attach() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.aliveLocked() {
		return true
	}
	pid, err := p.readPidFile()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			p.log.Warn("ignoring unreadable pid file", logger.String("path", p.PidFile()), logger.Error(err))
		}
		return false
	}
	if !probe(pid) {
		_ = os.Remove(p.PidFile())
		return false
	}
	p.done = nil
	p.pid = pid
	p.log.Info("attached to running process", logger.Int("pid", pid))
	return true
}

// CheckProcess implements Launcher.
func (p *Process) CheckProcess() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aliveLocked()
}

func (p *Process) aliveLocked() bool {
	if p.pid == 0 {
		return false
	}
	if p.done != nil {
		select {
		case <-p.done:
			return false
		default:
			return true
		}
	}
	return probe(p.pid)
}

// Pid implements Launcher. It is 0 when nothing runs.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.aliveLocked() {
		return 0
	}
	return p.pid
}

// Stop implements Launcher: SIGTERM to the process group, then SIGKILL once
// the shutdown timeout or ctx expires.
func (p *Process) Stop(ctx context.Context, shutdown Shutdown) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.aliveLocked() {
		p.resetLocked()
		return nil
	}

	timeout := shutdown.Timeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	pid := p.pid
	p.log.Info("stopping process", logger.Int("pid", pid), logger.Duration("timeout", timeout))

	if err := signal(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		p.log.Warn("failed sending SIGTERM", logger.Int("pid", pid), logger.Error(err))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if p.waitLocked(ctx, timer.C) {
		p.resetLocked()
		return nil
	}

	p.log.Warn("graceful shutdown timed out, killing", logger.Int("pid", pid))
	if err := signal(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to kill %d: %w", pid, err)
	}
	if p.done != nil {
		<-p.done
	}
	p.resetLocked()
	return nil
}

// waitLocked waits for the process to exit until expired fires or ctx ends.
func (p *Process) waitLocked(ctx context.Context, expired <-chan time.Time) bool {
	if p.done != nil {
		select {
		case <-p.done:
			return true
		case <-expired:
			return false
		case <-ctx.Done():
			return false
		}
	}

	// Adopted processes are not our children, so poll.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !probe(p.pid) {
			return true
		}
		select {
		case <-ticker.C:
		case <-expired:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (p *Process) resetLocked() {
	p.pid = 0
	p.done = nil
	_ = os.Remove(p.PidFile())
}

func (p *Process) writePidFile(pid int) error {
	if err := os.MkdirAll(p.svcDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(p.PidFile(), []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func (p *Process) readPidFile() (int, error) {
	data, err := os.ReadFile(p.PidFile())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid %q", strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// probe sends signal 0, which checks existence without touching the process.
func probe(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// signal targets the process group first, falling back to the pid for
// processes that are not group leaders.
func signal(pid int, sig unix.Signal) error {
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	return unix.Kill(pid, sig)
}

func logLines(r io.Reader, fn func(string)) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if len(line) != 0 {
			fn(strings.TrimRight(line, "\n"))
		}
		if err != nil {
			return
		}
	}
}
