// Package daemon wires the core components into one running process:
// the Registry (internal/supervisor), the shared Broker and HookRunner,
// and the process-wide event bus, guarded by a single-instance lock so
// two daemons never race to own the same PTYs.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"ctrlplane/internal/broker"
	"ctrlplane/internal/config"
	"ctrlplane/internal/detector/strategy"
	"ctrlplane/internal/eventbus"
	"ctrlplane/internal/hooks"
	"ctrlplane/internal/schedule"
	"ctrlplane/internal/supervisor"
	"ctrlplane/internal/transport/ws"
)

// Dir returns the daemon's runtime directory (~/.ctrlplane/run), created
// on demand.
func Dir() (string, error) {
	dir := filepath.Join(config.Dir(), "run")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("daemon: create runtime dir: %w", err)
	}
	return dir, nil
}

// Daemon owns the shared infrastructure for one running process: a
// Registry, a Broker, a HookRunner and the process-wide event bus, all
// explicit values passed through constructors rather than package-level
// singletons.
type Daemon struct {
	Registry *supervisor.Registry
	Broker   *broker.Broker
	Bus      *eventbus.Bus
	WS       *ws.Server

	cfg  *config.Config
	lock *flock.Flock
}

// New constructs a Daemon and its shared collaborators, taking an
// exclusive lock on the runtime directory's lock file first. The caller
// must call Close to release the lock.
func New(cfg *config.Config) (*Daemon, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}

	lockPath := filepath.Join(dir, "ctrlplaned.lock")
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("daemon: acquire lock %s: %w", lockPath, err)
	}
	if !locked {
		return nil, fmt.Errorf("daemon: another ctrlplaned instance is already running (lock held at %s)", lockPath)
	}

	bus := eventbus.New()
	hookRun := hooks.New(hooks.DefaultTimeout, nil)
	registry := supervisor.NewRegistry(hookRun, bus)
	brk := broker.New()

	d := &Daemon{
		Registry: registry,
		Broker:   brk,
		Bus:      bus,
		WS:       ws.New(registry, brk),
		cfg:      cfg,
		lock:     lock,
	}

	bus.Subscribe(func(e eventbus.Event) {
		d.Broker.PublishEvent(e)
	})

	return d, nil
}

// SessionRequest is the transport-layer request to create a session:
// worktree path + agent config + options, translated here into a
// supervisor.Spec.
type SessionRequest struct {
	Name              string
	WorktreePath      string
	AgentID           string
	DetectionStrategy string
	Command           string
	Args              []string
	Env               map[string]string
	Branch            string
}

// CreateSession builds a supervisor.Spec from the daemon's configuration
// defaults and req, creates the session, and wires its byte stream into
// the shared Broker so every joined subscriber observes it.
func (d *Daemon) CreateSession(req SessionRequest) (*supervisor.Session, error) {
	defaults := d.cfg.SessionDefaultsFor(req.Name)

	stratName := strategy.Name(req.DetectionStrategy)
	if stratName == "" {
		stratName = strategy.Name(defaults.DetectionStrategy)
	}
	if stratName == "" {
		stratName = strategy.Generic
	}

	var window *schedule.Window
	if defaults.Schedule != nil && defaults.Schedule.RRule != "" {
		w, err := schedule.NewWindow(defaults.Schedule.RRule, time.Now(), defaults.Schedule.WindowDuration())
		if err != nil {
			return nil, fmt.Errorf("daemon: session %s: %w", req.Name, err)
		}
		window = w
	}

	spec := supervisor.Spec{
		Name:              req.Name,
		WorktreePath:      req.WorktreePath,
		AgentID:           req.AgentID,
		DetectionStrategy: stratName,
		Command:           req.Command,
		Args:              req.Args,
		Env:               mergeEnv(defaults.Env, req.Env),
		Branch:            req.Branch,
		Hooks: supervisor.HookCommands{
			Idle:               defaults.Hooks.Idle,
			Busy:               defaults.Hooks.Busy,
			WaitingInput:       defaults.Hooks.WaitingInput,
			PendingAutoApprove: defaults.Hooks.PendingAutoApprove,
		},
		AutoApproveEnabledFunc: schedule.EnabledFunc(d.cfg.AutoApprove, window),
		Verifier:               d.cfg.Verifier(),
		VerifierTimeout:        d.cfg.VerifierTimeout(),
		OutputHistoryCap:       d.cfg.OutputHistoryCap,
		SampleInterval:         d.cfg.SampleInterval(),
		DwellInterval:          d.cfg.DwellInterval(),
		ActivityLogPath:        d.cfg.ActivityLog,
	}

	s, err := d.Registry.CreateSession(spec)
	if err != nil {
		return nil, err
	}
	s.SubscribeBytes(func(id string, data []byte) {
		d.Broker.PublishBytes(id, data)
	})
	return s, nil
}

func mergeEnv(base, overlay map[string]string) map[string]string {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// Close stops every live session and releases the single-instance lock.
func (d *Daemon) Close() error {
	for _, s := range d.Registry.List() {
		d.Registry.StopSession(s.ID, "daemon shutting down")
	}
	return d.lock.Unlock()
}
