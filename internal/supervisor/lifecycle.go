package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"sort"

	"github.com/MrSnakeDoc/tend/internal/binds"
	"github.com/MrSnakeDoc/tend/internal/census"
	"github.com/MrSnakeDoc/tend/internal/hooks"
	"github.com/MrSnakeDoc/tend/internal/logger"
	"github.com/MrSnakeDoc/tend/internal/spec"
	"github.com/MrSnakeDoc/tend/internal/templates"
)

var errNoRunHook = errors.New("package has no run hook")

// Tick runs one evaluation cycle against snap. Every decision in the cycle
// observes the same snapshot.
func (s *Service) Tick(ctx context.Context, snap *census.Snapshot) {
	if s.state == Stopped {
		return
	}
	s.sink.Tick(s.spec.Name)
	defer s.publishStatus()

	group, _ := snap.Group(s.spec.ServiceGroup())
	if group != nil && group.Config != nil {
		if s.config.SetGossip(group.Config.Incarnation, group.Config.Document) {
			s.log.Info("gossiped config accepted", logger.Uint64("incarnation", group.Config.Incarnation))
		}
	}
	s.config.ReloadUser()

	merged, configChanged, err := s.config.Refresh()
	if err != nil {
		if msg := err.Error(); msg != s.configErr {
			s.log.Error("configuration load failed", logger.Error(err))
			s.configErr = msg
		}
		return
	}
	if s.configErr != "" {
		s.log.Info("configuration load recovered")
		s.configErr = ""
	}
	s.merged = merged
	if configChanged {
		s.pendingReconfigure = true
	}

	bindInfo, unsatisfiedChanged := s.updateBinds(snap)
	if s.updateFiles(group) {
		s.pendingFileUpdated = true
	}

	if s.spec.Topology == spec.Leader {
		election := census.ElectionNone
		if group != nil && group.Election != "" {
			election = group.Election
		}
		if election != s.election {
			s.logElection(election)
			s.election = election
		}
		s.leader = false
		if group != nil {
			if l, ok := group.Leader(); ok && election == census.ElectionFinished {
				s.leader = l.ID == s.opts.MemberID
			}
		}
		if election == census.ElectionRunning {
			if n, ok := s.Suitability(ctx); ok {
				s.suitability = n
			}
		}
		if election != census.ElectionFinished {
			return
		}
	}

	rc := s.renderContext(group, bindInfo)
	hookTable, err := s.compiler.Compile(rc)
	if err != nil {
		s.log.Warn("some hooks failed to compile", logger.Error(err))
	}
	configFilesChanged, err := s.compiler.CompileConfiguration(rc)
	if err != nil {
		s.log.Warn("some config templates failed to compile", logger.Error(err))
	}
	s.sink.TemplatesChanged(s.spec.Name, "hook", hookTable.Count())
	if configFilesChanged {
		s.sink.TemplatesChanged(s.spec.Name, "config", 1)
	}
	if configFilesChanged || hookTable.Changed(hooks.Reconfigure) {
		s.pendingReconfigure = true
	}

	switch s.state {
	case Uninitialized:
		if s.launcher.CheckProcess() {
			s.reattach()
			return
		}
		if s.spec.Mode() == binds.Strict && len(s.unsatisfied) > 0 {
			if unsatisfiedChanged {
				s.log.Info("waiting for binds before initializing",
					logger.Strings("unsatisfied", s.Unsatisfied()))
			}
			return
		}
		s.initialize(ctx)

	case Running:
		if reason := s.restartReason(hookTable, s.pendingReconfigure); reason != "" {
			s.needsRestart = true
			s.log.Info("restart pending", logger.String("reason", reason))
			s.setState(AwaitingRestart)
			return
		}
		// Pending work survives a failed hook and is retried next tick.
		if s.pendingReconfigure {
			if _, err := s.runHook(ctx, hooks.Reconfigure); err == nil {
				s.pendingReconfigure = false
				s.restartHealth()
			}
		}
		if s.pendingFileUpdated {
			if _, err := s.runHook(ctx, hooks.FileUpdated); err == nil {
				s.pendingFileUpdated = false
			}
		}
	}
}

// clearPending drops queued reconfigure and file-updated work. A process
// that was just started already sees the current config and files.
func (s *Service) clearPending() {
	s.pendingReconfigure = false
	s.pendingFileUpdated = false
}

// restartReason returns why the running process must be restarted, or "".
func (s *Service) restartReason(table hooks.ChangeTable, configChanged bool) string {
	switch {
	case table.Changed(hooks.Run):
		return "run hook changed"
	case table.Changed(hooks.PostRun):
		return "post-run hook changed"
	case !s.launcher.CheckProcess():
		return "process is down"
	case configChanged && !s.hooks.Has(hooks.Reconfigure):
		return "configuration changed and there is no reconfigure hook"
	default:
		return ""
	}
}

func (s *Service) initialize(ctx context.Context) {
	if _, err := s.runHook(ctx, hooks.Init); err != nil {
		s.initFailed(err)
		return
	}
	if !s.hooks.Has(hooks.Run) {
		s.initFailed(errNoRunHook)
		return
	}

	s.setState(Initializing)
	if err := s.launcher.Start(s.startRequest()); err != nil {
		s.initFailed(err)
		return
	}

	s.initErr = ""
	s.initialized = true
	s.clearPending()
	s.restartHealth()
	_, _ = s.runHook(ctx, hooks.PostRun)
	s.setState(Running)
}

func (s *Service) initFailed(err error) {
	if msg := err.Error(); msg != s.initErr {
		s.log.Error("initialization failed, retrying next tick", logger.Error(err))
		s.initErr = msg
	}
	s.setState(Uninitialized)
}

// reattach adopts a process that outlived a previous supervisor run.
func (s *Service) reattach() {
	s.log.Info("process already running, skipping initialization", logger.Int("pid", s.launcher.Pid()))
	s.initialized = true
	s.clearPending()
	s.restartHealth()
	s.setState(Running)
}

// Restart performs a pending restart. Nothing happens unless the service
// is AwaitingRestart.
func (s *Service) Restart(ctx context.Context) error {
	if s.state != AwaitingRestart {
		return nil
	}
	s.stopHealth()
	if err := s.launcher.Stop(ctx, s.shutdown()); err != nil {
		s.log.Warn("failed to stop process for restart", logger.Error(err))
	}
	if err := s.launcher.Start(s.startRequest()); err != nil {
		s.log.Error("failed to restart process", logger.Error(err))
		return err
	}
	s.needsRestart = false
	s.clearPending()
	s.restartHealth()
	_, _ = s.runHook(ctx, hooks.PostRun)
	s.sink.Restart(s.spec.Name)
	s.setState(Running)
	return nil
}

// Stop unloads the service: health checks end, the process is stopped, the
// post-stop hook runs in the background and the health result is dropped.
func (s *Service) Stop(ctx context.Context) error {
	if s.state == Stopped {
		return nil
	}
	s.stopHealth()
	err := s.launcher.Stop(ctx, s.shutdown())
	if err != nil {
		s.log.Warn("failed to stop process", logger.Error(err))
	}
	if s.hooks.Has(hooks.PostStop) {
		s.runner.RunAsync(s.hookRequest(hooks.PostStop))
	}
	s.initialized = false
	s.needsRestart = false
	s.setState(Stopped)
	s.registry.Remove(s.spec.Name)
	s.sink.Forget(s.spec.Name)
	return err
}

// updateBinds evaluates every bind and maintains the unsatisfied set. It
// returns the template view of satisfied binds only, and whether the
// unsatisfied set changed.
func (s *Service) updateBinds(snap *census.Snapshot) (map[string]templates.BindInfo, bool) {
	contract := s.spec.Contract()
	info := make(map[string]templates.BindInfo)
	changed := false

	for _, b := range s.spec.BindList() {
		st := binds.Evaluate(snap, contract, b)
		s.bindStatus[b.Name] = st
		_, wasUnsatisfied := s.unsatisfied[b.Name]

		if st.Satisfied() {
			if wasUnsatisfied {
				delete(s.unsatisfied, b.Name)
				changed = true
				s.log.Info("bind satisfied", logger.String("bind", b.Name), logger.String("target", b.ServiceGroup))
			}
			g, _ := snap.Group(b.ServiceGroup)
			info[b.Name] = templates.NewBindInfo(g)
			continue
		}

		if !wasUnsatisfied {
			s.unsatisfied[b.Name] = struct{}{}
			changed = true
			s.log.Warn("bind not satisfied",
				logger.String("bind", b.Name),
				logger.String("target", b.ServiceGroup),
				logger.String("status", st.String()))
		}
	}

	s.sink.BindsUnsatisfied(s.spec.Name, len(s.unsatisfied))
	return info, changed
}

// updateFiles writes gossiped files newer than the local copy into the
// service's files dir and reports whether any was written.
func (s *Service) updateFiles(group *census.Group) bool {
	if group == nil {
		return false
	}
	changed := false
	for _, f := range group.Files {
		if f.Incarnation <= s.fileInc[f.Name] {
			continue
		}
		if f.Name == "" || filepath.Base(f.Name) != f.Name {
			s.log.Warn("ignoring gossiped file with unsafe name", logger.String("file", f.Name))
			s.fileInc[f.Name] = f.Incarnation
			continue
		}
		path := filepath.Join(s.svcDir, "files", f.Name)
		if err := templates.WriteFileAtomic(path, f.Body, 0o640); err != nil {
			s.log.Error("failed to write gossiped file", logger.String("file", f.Name), logger.Error(err))
			continue
		}
		if err := s.creds.Chown(path); err != nil {
			s.log.Warn("failed to chown gossiped file", logger.String("file", f.Name), logger.Error(err))
		}
		s.fileInc[f.Name] = f.Incarnation
		s.log.Info("gossiped file updated",
			logger.String("file", f.Name),
			logger.Uint64("incarnation", f.Incarnation))
		changed = true
	}
	return changed
}

func (s *Service) logElection(election census.ElectionStatus) {
	switch election {
	case census.ElectionFinished:
		s.log.Info("leader election finished, executing hooks")
	case census.ElectionRunning:
		s.log.Info("waiting for leader election to finish")
	case census.ElectionNoQuorum:
		s.log.Warn("leader election has no quorum, hooks withheld")
	default:
		s.log.Info("no leader election yet, hooks withheld")
	}
}

func (s *Service) renderContext(group *census.Group, bindInfo map[string]templates.BindInfo) *templates.RenderContext {
	sp := s.spec
	rc := &templates.RenderContext{
		Sys: templates.SysInfo{
			MemberID: s.opts.MemberID,
			Hostname: s.opts.Hostname,
			IP:       s.opts.IP,
		},
		Pkg: templates.PkgInfo{
			Ident:         sp.Ident,
			Origin:        sp.Origin,
			Name:          sp.Name,
			Version:       sp.Version,
			Path:          sp.Package.Path,
			SvcPath:       s.svcDir,
			SvcConfigPath: filepath.Join(s.svcDir, "config"),
			SvcDataPath:   filepath.Join(s.svcDir, "data"),
			SvcFilesPath:  filepath.Join(s.svcDir, "files"),
			SvcVarPath:    filepath.Join(s.svcDir, "var"),
			SvcUser:       sp.SvcUser,
			SvcGroup:      sp.SvcGroup,
		},
		Cfg:  s.merged,
		Bind: bindInfo,
		Svc: templates.SvcInfo{
			Service:  sp.Name,
			Group:    sp.Group,
			Topology: string(sp.Topology),
			Election: string(s.election),
		},
	}

	if group != nil {
		members := group.ActiveMembers()
		rc.Svc.Members = members
		if len(members) > 0 {
			rc.Svc.First = &members[0]
		}
		if leader, ok := group.Leader(); ok {
			rc.Svc.Leader = &leader
		}
		if me, ok := group.Member(s.opts.MemberID); ok {
			rc.Svc.Me = &me
		}
	}
	return rc
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
