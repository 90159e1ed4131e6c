// Package refresh drives scheduled cache maintenance: routes that declare a
// schedule get their configured paths fetched through the proxy's warming
// strategy, and stores that support sweeping get a periodic expiry pass.
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/l0p7/cacheflow/store"
)

// jobTimeout bounds one warming fetch or sweep pass.
const jobTimeout = 30 * time.Second

// sweepSchedule is how often sweepable stores drop expired entries.
const sweepSchedule = "@hourly"

// CacheWarmer fetches one path through a route's upstream and waits for the
// resulting cache write to settle.
type CacheWarmer interface {
	WarmRoute(ctx context.Context, route, path string) error
}

// Target names a route with a warming schedule and the paths to keep fresh.
type Target struct {
	Route    string
	Schedule string
	Paths    []string
}

// Scheduler owns the cron that runs warming and sweep jobs. Configure may be
// called again after a route reload; it replaces the warming entries and
// leaves the sweep in place.
type Scheduler struct {
	logger *slog.Logger
	warmer CacheWarmer
	cron   *cron.Cron

	mu      sync.Mutex
	entries []cron.EntryID
}

// New builds a scheduler. When st supports sweeping, an hourly sweep runs
// alongside the warming entries.
func New(logger *slog.Logger, warmer CacheWarmer, st store.Store) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "refresh"))
	s := &Scheduler{
		logger: logger,
		warmer: warmer,
		cron:   cron.New(cron.WithChain(cron.Recover(cronLogger{logger: logger}))),
	}
	if sweeper, ok := st.(store.Sweeper); ok {
		if _, err := s.cron.AddFunc(sweepSchedule, func() { s.runSweep(sweeper) }); err != nil {
			logger.Error("sweep schedule rejected", slog.Any("error", err))
		}
	}
	return s
}

// Configure replaces the scheduled warming entries with one per target.
// Targets whose schedule the cron parser rejects are skipped and logged.
func (s *Scheduler) Configure(targets []Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.entries {
		s.cron.Remove(id)
	}
	s.entries = s.entries[:0]
	for _, target := range targets {
		job := &warmJob{
			warmer: s.warmer,
			logger: s.logger.With(slog.String("route", target.Route)),
			route:  target.Route,
			paths:  append([]string(nil), target.Paths...),
		}
		id, err := s.cron.AddJob(target.Schedule, job)
		if err != nil {
			s.logger.Warn("refresh schedule rejected",
				slog.String("route", target.Route),
				slog.String("schedule", target.Schedule),
				slog.Any("error", err),
			)
			continue
		}
		s.entries = append(s.entries, id)
		s.logger.Info("refresh scheduled",
			slog.String("route", target.Route),
			slog.String("schedule", target.Schedule),
			slog.Int("paths", len(target.Paths)),
		)
	}
}

// Start begins running the scheduled entries.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) runSweep(sweeper store.Sweeper) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	removed, err := sweeper.Sweep(ctx)
	if err != nil {
		s.logger.Warn("sweep failed", slog.Any("error", err))
		return
	}
	if removed > 0 {
		s.logger.Info("expired entries swept", slog.Int("removed", removed))
	}
}

// warmJob fetches a route's paths in order. A failing path is logged and the
// rest still run.
type warmJob struct {
	warmer CacheWarmer
	logger *slog.Logger
	route  string
	paths  []string
}

func (j *warmJob) Run() {
	for _, path := range j.paths {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		err := j.warmer.WarmRoute(ctx, j.route, path)
		cancel()
		if err != nil {
			j.logger.Warn("warm fetch failed", slog.String("path", path), slog.Any("error", err))
			continue
		}
		j.logger.Debug("warm fetch stored", slog.String("path", path))
	}
}

// cronLogger adapts slog to the logger the cron recovery chain reports
// panics through.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, slog.Any("details", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, slog.Any("error", err), slog.Any("details", keysAndValues))
}
