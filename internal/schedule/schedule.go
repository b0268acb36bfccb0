package schedule

import (
	"context"
	"strings"
	"sync"

	"github.com/httprunner/BackupAgent/internal/agent/device"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Backend is the subset of the agent service the scheduler drives.
type Backend interface {
	ListDevices() []device.Snapshot
	MarkNeedsBackup(vendorID, productID int) bool
	TriggerBackup(ctx context.Context, vendorID, productID int) (string, error)
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse validates a cron expression; seconds are optional and descriptors
// such as @daily or @every 6h are accepted.
func Parse(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, errors.Wrapf(err, "schedule: invalid expression %q", expr)
	}
	return sched, nil
}

// Scheduler periodically queues backups for every eligible device.
type Scheduler struct {
	backend Backend
	expr    string

	mu      sync.Mutex
	started bool
}

// New builds a scheduler for expr. An empty expression is rejected; callers
// skip scheduling entirely when none is configured.
func New(backend Backend, expr string) (*Scheduler, error) {
	if backend == nil {
		return nil, errors.New("schedule: backend cannot be nil")
	}
	if strings.TrimSpace(expr) == "" {
		return nil, errors.New("schedule: expression cannot be empty")
	}
	if _, err := Parse(expr); err != nil {
		return nil, err
	}
	return &Scheduler{
		backend: backend,
		expr:    strings.TrimSpace(expr),
	}, nil
}

// Run registers the job on a fresh cron and blocks until ctx is done. It
// may be called again once a previous Run returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("schedule: already running")
	}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cronLogger{}),
		cron.WithChain(cron.Recover(cronLogger{})),
	)
	if _, err := c.AddFunc(s.expr, func() { s.Tick(ctx) }); err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "schedule: register job failed")
	}
	s.started = true
	s.mu.Unlock()
	defer func() {
		<-c.Stop().Done()
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
	}()

	c.Start()
	log.Info().Str("schedule", s.expr).Msg("backup schedule started")
	<-ctx.Done()
	log.Info().Msg("backup schedule stopped")
	return nil
}

// cronLogger routes cron's own messages, recovered job panics included,
// to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

// Tick marks every identified, online, idle device as needing a backup and
// triggers it. It returns the number of runs started.
func (s *Scheduler) Tick(ctx context.Context) int {
	started := 0
	for _, snap := range s.backend.ListDevices() {
		if !snap.Identified || snap.Connection != device.Online || snap.BackupActive {
			continue
		}
		if !s.backend.MarkNeedsBackup(snap.VendorID, snap.ProductID) {
			continue
		}
		runID, err := s.backend.TriggerBackup(ctx, snap.VendorID, snap.ProductID)
		if err != nil {
			log.Warn().Err(err).Str("device", snap.Key.String()).Msg("scheduled backup not started")
			continue
		}
		started++
		log.Info().Str("device", snap.Key.String()).Str("run_id", runID).Msg("scheduled backup started")
	}
	return started
}
