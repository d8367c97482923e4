package pipeline

import (
	"context"
	"sync"
	"time"

	"convopulse/pkg/analytics"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Schedule holds seconds-enabled cron specs. An empty spec disables the job.
type Schedule struct {
	Hourly  string
	Daily   string
	Weekly  string
	Monthly string
	Purge   string
}

// DefaultSchedule runs hourly and daily sweeps and an hourly purge
func DefaultSchedule() Schedule {
	return Schedule{
		Hourly: "0 0 * * * *",
		Daily:  "0 5 0 * * *",
		Purge:  "0 30 * * * *",
	}
}

// AlertPurger drops alerts whose expiry has passed
type AlertPurger interface {
	PurgeExpiredAlerts(ctx context.Context, now time.Time) (int, error)
}

// Scheduler runs periodic sweeps and alert purges on cron specs
type Scheduler struct {
	cron     *cron.Cron
	schedule Schedule
	pipeline *Pipeline
	purger   AlertPurger
	timeout  time.Duration
	logger   *logrus.Logger
	running  bool
	mu       sync.RWMutex
	entryMap map[string]cron.EntryID
}

// cronLogger adapts logrus to cron.Logger
type cronLogger struct {
	entry *logrus.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}
	return fields
}

// NewScheduler creates a scheduler. purger may be nil to disable purging.
// sweepTimeout bounds a single sweep; zero means one hour.
func NewScheduler(schedule Schedule, p *Pipeline, purger AlertPurger, sweepTimeout time.Duration, logger *logrus.Logger) *Scheduler {
	if sweepTimeout <= 0 {
		sweepTimeout = time.Hour
	}
	clog := cronLogger{entry: logger.WithField("component", "scheduler")}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
		schedule: schedule,
		pipeline: p,
		purger:   purger,
		timeout:  sweepTimeout,
		logger:   logger,
		entryMap: make(map[string]cron.EntryID),
	}
}

// Start registers the configured jobs and starts the cron loop
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	sweeps := []struct {
		spec         string
		snapshotType analytics.SnapshotType
	}{
		{s.schedule.Hourly, analytics.SnapshotHourly},
		{s.schedule.Daily, analytics.SnapshotDaily},
		{s.schedule.Weekly, analytics.SnapshotWeekly},
		{s.schedule.Monthly, analytics.SnapshotMonthly},
	}
	for _, sw := range sweeps {
		if sw.spec == "" {
			continue
		}
		snapshotType := sw.snapshotType
		entryID, err := s.cron.AddFunc(sw.spec, func() {
			s.RunSweep(snapshotType)
		})
		if err != nil {
			return err
		}
		s.entryMap[string(snapshotType)] = entryID
		s.logger.WithFields(logrus.Fields{
			"snapshot_type": string(snapshotType),
			"schedule":      sw.spec,
		}).Info("Scheduled periodic snapshots")
	}

	if s.schedule.Purge != "" && s.purger != nil {
		entryID, err := s.cron.AddFunc(s.schedule.Purge, s.RunPurge)
		if err != nil {
			return err
		}
		s.entryMap["purge"] = entryID
		s.logger.WithField("schedule", s.schedule.Purge).Info("Scheduled expired alert purge")
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("Pipeline scheduler started")

	return nil
}

// Stop stops the cron loop and waits for running jobs until ctx expires
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("Scheduler stop deadline exceeded with jobs still running")
	}
	s.running = false
	s.logger.Info("Pipeline scheduler stopped")
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// NextRuns returns the next run time of each registered job
func (s *Scheduler) NextRuns() map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	next := make(map[string]time.Time, len(s.entryMap))
	for name, id := range s.entryMap {
		next[name] = s.cron.Entry(id).Next
	}
	return next
}

// RunSweep runs one sweep with the scheduler's timeout
func (s *Scheduler) RunSweep(snapshotType analytics.SnapshotType) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	s.logger.WithField("snapshot_type", string(snapshotType)).Info("Starting scheduled snapshot sweep")
	if _, err := s.pipeline.RunPeriodicSnapshots(ctx, snapshotType); err != nil {
		s.logger.WithError(err).WithField("snapshot_type", string(snapshotType)).Error("Scheduled snapshot sweep failed")
	}
}

// RunPurge removes expired alerts
func (s *Scheduler) RunPurge() {
	if s.purger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	removed, err := s.purger.PurgeExpiredAlerts(ctx, time.Now())
	if err != nil {
		s.logger.WithError(err).Error("Expired alert purge failed")
		return
	}
	if removed > 0 {
		s.logger.WithField("removed", removed).Info("Purged expired alerts")
	}
}
