// Package supervisor drives each service through its lifecycle, one tick at
// a time, from the census and its layered configuration.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/MrSnakeDoc/tend/internal/binds"
	"github.com/MrSnakeDoc/tend/internal/census"
	"github.com/MrSnakeDoc/tend/internal/health"
	"github.com/MrSnakeDoc/tend/internal/hooks"
	"github.com/MrSnakeDoc/tend/internal/launcher"
	"github.com/MrSnakeDoc/tend/internal/logger"
	"github.com/MrSnakeDoc/tend/internal/metrics"
	"github.com/MrSnakeDoc/tend/internal/spec"
	"github.com/MrSnakeDoc/tend/internal/status"
	"github.com/MrSnakeDoc/tend/internal/svcconfig"
	"github.com/MrSnakeDoc/tend/internal/templates"
	"github.com/MrSnakeDoc/tend/internal/utils"
)

// DefaultHealthInterval is used when neither the spec nor Options set one.
const DefaultHealthInterval = 30 * time.Second

// Options are the supervisor-wide settings every service shares.
type Options struct {
	SvcRoot        string
	UserConfigRoot string
	EnvPrefix      string
	HealthInterval time.Duration
	MemberID       string
	Hostname       string
	IP             string
}

// Deps are the collaborators of a service.
type Deps struct {
	Log      logger.Logger
	Metrics  metrics.Sink
	Runner   hooks.Runner
	Registry *status.Registry
	Census   census.Provider
	// NewLauncher builds the process launcher of one service.
	NewLauncher func(svcDir string, log logger.Logger) launcher.Launcher
}

// attacher is implemented by launchers able to adopt a process left running
// by a previous supervisor.
type attacher interface {
	Attach() bool
}

// Service is the lifecycle controller of one supervised service. Tick, Restart
// and Stop must be called from a single goroutine; only the health loop runs
// concurrently and it touches nothing but the launcher, the runner and its
// health cell.
type Service struct {
	spec     *spec.Spec
	opts     Options
	log      logger.Logger
	sink     metrics.Sink
	runner   hooks.Runner
	launcher launcher.Launcher
	registry *status.Registry
	config   *svcconfig.Store
	compiler *templates.Compiler
	hooks    hooks.Set
	creds    utils.Credentials
	cell     *health.Cell
	health   *health.Handle

	svcDir         string
	healthInterval time.Duration

	state        State
	initialized  bool
	needsRestart bool
	leader       bool
	unsatisfied  map[string]struct{}
	bindStatus   map[string]binds.Status
	election     census.ElectionStatus
	merged       svcconfig.Document
	configErr    string
	initErr      string
	fileInc      map[string]uint64
	suitability  uint64
	published    [32]byte

	// Set when a change is seen, cleared once the hook succeeds.
	pendingReconfigure bool
	pendingFileUpdated bool
}

// NewService prepares the service directories and configuration layers of
// sp. It does not start anything.
func NewService(sp *spec.Spec, opts Options, deps Deps) (*Service, error) {
	log := deps.Log.With(
		logger.String("service", sp.Name),
		logger.String("group", sp.ServiceGroup()))

	creds, err := utils.ResolveCredentials(sp.SvcUser, sp.SvcGroup)
	if err != nil {
		return nil, err
	}

	svcDir := filepath.Join(opts.SvcRoot, sp.Name)
	for _, sub := range []string{"", "config", "data", "files", "hooks", "var"} {
		dir := filepath.Join(svcDir, sub)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
		if err := creds.Chown(dir); err != nil {
			return nil, fmt.Errorf("failed to chown %s: %w", dir, err)
		}
	}

	set, err := hooks.Discover(filepath.Join(sp.Package.Path, "hooks"), svcDir)
	if err != nil {
		return nil, err
	}

	var userPath string
	if opts.UserConfigRoot != "" {
		userPath = filepath.Join(opts.UserConfigRoot, sp.Name, "user.toml")
	}
	store := svcconfig.NewStore(userPath, log)
	if err := store.LoadDefault(filepath.Join(sp.Package.Path, "default.toml")); err != nil {
		return nil, err
	}
	if err := store.LoadEnvironment(opts.EnvPrefix, sp.Name); err != nil {
		return nil, err
	}

	interval := sp.HealthCheckInterval
	if interval <= 0 {
		interval = opts.HealthInterval
	}
	if interval <= 0 {
		interval = DefaultHealthInterval
	}

	s := &Service{
		spec:           sp,
		opts:           opts,
		log:            log,
		sink:           metrics.OrNop(deps.Metrics),
		runner:         deps.Runner,
		launcher:       deps.NewLauncher(svcDir, log),
		registry:       deps.Registry,
		config:         store,
		compiler:       templates.NewCompiler(sp.Package.Path, svcDir, set, creds, log),
		hooks:          set,
		creds:          creds,
		cell:           deps.Registry.Cell(sp.Name),
		svcDir:         svcDir,
		healthInterval: interval,
		unsatisfied:    make(map[string]struct{}),
		bindStatus:     make(map[string]binds.Status),
		fileInc:        make(map[string]uint64),
	}
	if a, ok := s.launcher.(attacher); ok {
		a.Attach()
	}
	s.setState(Uninitialized)
	return s, nil
}

// Name is the service name.
func (s *Service) Name() string { return s.spec.Name }

// Spec is the spec the service was loaded from.
func (s *Service) Spec() *spec.Spec { return s.spec }

// State is the current lifecycle state.
func (s *Service) State() State { return s.state }

// Initialized reports whether the service passed initialization or adopted
// a running process.
func (s *Service) Initialized() bool { return s.initialized }

// NeedsRestart reports whether the orchestrator should restart the process.
func (s *Service) NeedsRestart() bool { return s.needsRestart }

// Unsatisfied returns the names of the binds currently failing, sorted.
func (s *Service) Unsatisfied() []string {
	return sortedSet(s.unsatisfied)
}

func (s *Service) setState(next State) {
	if next != s.state {
		s.log.Info("service state changed",
			logger.String("from", s.state.String()),
			logger.String("to", next.String()))
	}
	s.state = next
	s.sink.ServiceState(s.spec.Name, next.String())
	s.publishStatus()
}

func (s *Service) hookRequest(k hooks.Kind) hooks.Request {
	return hooks.Request{
		Kind:         k,
		Path:         s.hooks[k],
		Dir:          s.svcDir,
		Service:      s.spec.Name,
		ServiceGroup: s.spec.ServiceGroup(),
		Pkg:          s.spec.Ident,
		Creds:        s.creds,
		Pid:          s.launcher.Pid(),
	}
}

// runHook runs k if the package defines it. A missing hook is a success.
func (s *Service) runHook(ctx context.Context, k hooks.Kind) (hooks.Result, error) {
	if !s.hooks.Has(k) {
		return hooks.Result{}, nil
	}
	res, err := s.runner.Run(ctx, s.hookRequest(k))
	if err != nil {
		s.log.Error("hook failed", logger.String("hook", string(k)), logger.Error(err))
		return res, err
	}
	s.log.Debug("hook completed",
		logger.String("hook", string(k)),
		logger.Duration("duration", res.Duration))
	return res, nil
}

func (s *Service) startRequest() launcher.StartRequest {
	return launcher.StartRequest{
		Service:      s.spec.Name,
		ServiceGroup: s.spec.ServiceGroup(),
		Pkg:          s.spec.Ident,
		Path:         s.hooks[hooks.Run],
		Creds:        s.creds,
	}
}

func (s *Service) shutdown() launcher.Shutdown {
	return launcher.Shutdown{Timeout: s.spec.ShutdownTimeout}
}

// checkHealth is the health loop body. It runs on the loop goroutine.
func (s *Service) checkHealth(ctx context.Context) health.Result {
	res := health.Result{At: time.Now()}
	if s.hooks.Has(hooks.HealthCheck) {
		out, err := s.runner.Run(ctx, s.hookRequest(hooks.HealthCheck))
		res.Status = health.FromExitCode(out.ExitCode)
		res.Output = strings.TrimSpace(out.Stdout)
		if err != nil && out.ExitCode < 0 {
			res.Status = health.Unknown
			res.Output = err.Error()
		}
	} else if s.launcher.CheckProcess() {
		res.Status = health.Ok
	} else {
		res.Status = health.Critical
		res.Output = "process is not running"
	}
	if ctx.Err() == nil {
		s.sink.HealthStatus(s.spec.Name, int(res.Status))
	}
	return res
}

// restartHealth stops any running health loop and starts a new one, which
// checks right away.
func (s *Service) restartHealth() {
	s.stopHealth()
	s.health = health.Start(s.healthInterval, s.cell, s.checkHealth)
}

func (s *Service) stopHealth() {
	s.health.Stop()
	s.health = nil
}

// Suitability runs the suitability hook and parses its output as an
// unsigned integer. ok is false when there is no hook or it failed.
func (s *Service) Suitability(ctx context.Context) (uint64, bool) {
	if !s.hooks.Has(hooks.Suitability) {
		return 0, false
	}
	res, err := s.runHook(ctx, hooks.Suitability)
	if err != nil {
		return 0, false
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	n, err := strconv.ParseUint(strings.TrimSpace(lines[len(lines)-1]), 10, 64)
	if err != nil {
		s.log.Warn("suitability hook printed no number", logger.String("output", res.Stdout))
		return 0, false
	}
	return n, true
}

// Exports is the subset of merged configuration advertised to the census.
func (s *Service) Exports() svcconfig.Document {
	if s.merged == nil {
		return svcconfig.Document{}
	}
	return svcconfig.Project(s.merged, s.spec.Package.Exports)
}

// Member is this service's census entry.
func (s *Service) Member() census.Member {
	return census.Member{
		ID:           s.opts.MemberID,
		ServiceGroup: s.spec.ServiceGroup(),
		Hostname:     s.opts.Hostname,
		IP:           s.opts.IP,
		Alive:        s.state != Stopped,
		Leader:       s.leader,
		Suitability:  s.suitability,
		Exports:      s.Exports(),
	}
}

// memberChanged reports whether Member differs from the last published one
// and records it as published.
func (s *Service) memberChanged() bool {
	m := s.Member()
	sum := svcconfig.Document{
		"alive":       m.Alive,
		"leader":      m.Leader,
		"suitability": m.Suitability,
		"exports":     map[string]any(m.Exports),
		"ip":          m.IP,
		"hostname":    m.Hostname,
	}.Fingerprint()
	if sum == s.published {
		return false
	}
	s.published = sum
	return true
}

func (s *Service) publishStatus() {
	if s.registry == nil {
		return
	}
	bs := make([]status.BindStatus, 0, len(s.spec.Binds))
	for _, b := range s.spec.BindList() {
		st, ok := s.bindStatus[b.Name]
		entry := status.BindStatus{Name: b.Name, ServiceGroup: b.ServiceGroup, Status: "pending"}
		if ok {
			entry.Status = st.Kind.String()
			entry.Missing = st.Missing
			if st.Err != nil {
				entry.Error = st.Err.Error()
			}
		}
		bs = append(bs, entry)
	}
	s.registry.Update(status.Service{
		Service:        s.spec.Name,
		ServiceGroup:   s.spec.ServiceGroup(),
		Ident:          s.spec.Ident,
		MemberID:       s.opts.MemberID,
		State:          s.state.String(),
		Topology:       string(s.spec.Topology),
		BindingMode:    s.spec.Mode().String(),
		Election:       string(s.election),
		Pid:            s.launcher.Pid(),
		RestartPending: s.needsRestart,
		Binds:          bs,
		UpdatedAt:      time.Now(),
	})
	if s.merged != nil {
		s.registry.SetConfig(s.spec.Name, s.merged)
	}
}
