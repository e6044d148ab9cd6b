package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	appErrors "lightfriend/internal/errors"
	"lightfriend/internal/metrics"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// CleanupFunc removes stale state and reports how many records it touched.
type CleanupFunc func(ctx context.Context) (int, error)

// Scheduler runs registered cleanup jobs on a cron spec.
type Scheduler struct {
	spec   string
	logger *logrus.Logger
	cron   *cron.Cron

	mu   sync.Mutex
	jobs map[string]CleanupFunc
}

func NewScheduler(spec string, logger *logrus.Logger) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}

	return &Scheduler{
		spec:   spec,
		logger: logger,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cron.PrintfLogger(logger)),
			cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logger))),
		),
		jobs: make(map[string]CleanupFunc),
	}, nil
}

// Register adds a job. Jobs registered after Start are picked up on the next tick.
func (s *Scheduler) Register(name string, fn CleanupFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = fn
}

// Start runs every job once immediately, then on schedule until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.RunOnce(ctx) }); err != nil {
		return err
	}

	s.logger.WithField("schedule", s.spec).Info("Starting cleanup scheduler")
	s.RunOnce(ctx)
	s.cron.Start()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce executes every registered job sequentially.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.mu.Lock()
	jobs := make(map[string]CleanupFunc, len(s.jobs))
	for name, fn := range s.jobs {
		jobs[name] = fn
	}
	s.mu.Unlock()

	for name, fn := range jobs {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		n, err := fn(ctx)
		entry := s.logger.WithFields(logrus.Fields{
			LogFieldOperation: name,
			LogFieldCount:     n,
			LogFieldDuration:  time.Since(start).Milliseconds(),
		})
		if err != nil {
			metrics.IncrementCounter("cleanup_failures_total", map[string]string{"job": name}, "Failed cleanup job runs")
			appErrors.LogRetryableError(entry, err, "Failed to run cleanup job")
			continue
		}

		metrics.AddToCounter("cleanup_records_total", float64(n), map[string]string{"job": name}, "Records removed by cleanup jobs")
		if n > 0 {
			entry.Info("Completed cleanup job")
		} else {
			entry.Debug("Completed cleanup job")
		}
	}
}
