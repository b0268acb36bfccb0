package backupagent

import (
	"context"
	"time"

	"github.com/httprunner/BackupAgent/internal/agent/backup"
	"github.com/httprunner/BackupAgent/internal/agent/device"
	"github.com/httprunner/BackupAgent/internal/agent/poller"
	"github.com/httprunner/BackupAgent/internal/config"
	"github.com/httprunner/BackupAgent/internal/schedule"
	"github.com/httprunner/BackupAgent/internal/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const shutdownGrace = 10 * time.Second

// Worker is an extra long-running task started alongside the agent loops,
// for example the HTTP API.
type Worker struct {
	Name string
	Run  func(ctx context.Context) error
}

// Agent owns the registry, the poller, the orchestrator, the optional
// backup schedule and the persistent store.
type Agent struct {
	settings     config.Settings
	store        *storage.Store
	poller       *poller.Poller
	orchestrator *backup.Orchestrator
	service      *Service
}

// NewAgent opens the store and wires every component onto link.
func NewAgent(settings config.Settings, link device.Link) (*Agent, error) {
	if link == nil {
		return nil, errors.New("agent: link cannot be nil")
	}
	if settings.Schedule != "" {
		if _, err := schedule.Parse(settings.Schedule); err != nil {
			return nil, err
		}
	}
	store, err := storage.Open(settings.DBPath)
	if err != nil {
		return nil, err
	}
	orch, err := backup.New(link, backup.Config{Root: settings.BackupLocation, Recorder: store})
	if err != nil {
		store.Close()
		return nil, err
	}
	registry := device.NewRegistry()
	p := poller.New(registry, link, poller.Config{
		Interval: settings.PollInterval,
		OnDisconnect: func(dev *device.Device) {
			orch.Cancel(dev)
		},
	})
	svc, err := NewService(Options{
		Registry:     registry,
		Link:         link,
		Poller:       p,
		Orchestrator: orch,
		Store:        store,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return &Agent{
		settings:     settings,
		store:        store,
		poller:       p,
		orchestrator: orch,
		service:      svc,
	}, nil
}

// Service returns the operation surface.
func (a *Agent) Service() *Service { return a.service }

// Restore re-registers persisted devices and runs one connectivity pass so
// snapshots are populated before the first caller reads them.
func (a *Agent) Restore(ctx context.Context) error {
	if _, err := a.service.Restore(ctx); err != nil {
		return err
	}
	if err := a.service.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial device refresh failed")
	}
	return nil
}

// Run restores devices, starts the poller, the schedule (when configured)
// and extra workers, then blocks until ctx is done. Active backups are
// cancelled and awaited before it returns.
func (a *Agent) Run(ctx context.Context, extra ...Worker) error {
	if err := a.Restore(ctx); err != nil {
		return err
	}
	log.Info().
		Str("host_id", HostID()).
		Str("backup_root", a.settings.BackupLocation).
		Str("database", a.store.Path()).
		Dur("poll_interval", a.settings.PollInterval).
		Msg("backup agent started")

	group := NewSafeGroup(ctx)
	group.Go("poller", func(ctx context.Context) error {
		if err := a.poller.Start(ctx); err != nil && !errors.Is(err, poller.ErrAlreadyRunning) {
			return err
		}
		<-ctx.Done()
		a.poller.Stop()
		return nil
	})
	if a.settings.Schedule != "" {
		sched, err := schedule.New(a.service, a.settings.Schedule)
		if err != nil {
			return err
		}
		group.Go("schedule", sched.Run)
	}
	for _, w := range extra {
		group.Go(w.Name, w.Run)
	}

	err := group.Wait(shutdownGrace)
	a.orchestrator.CancelAll()
	a.orchestrator.Wait()
	a.poller.Stop()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info().Err(err).Msg("backup agent stopped")
	return err
}

// Close releases the store.
func (a *Agent) Close() error {
	return a.store.Close()
}
