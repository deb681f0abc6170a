// Package maintenance runs periodic housekeeping for the storage tiers.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-relay/pkg/logger"
	"github.com/capitalize-ai/support-relay/pkg/metrics"
)

// jobTimeout caps a single maintenance run.
const jobTimeout = time.Minute

// Compactor rewrites an append-only log down to its live records.
type Compactor interface {
	Compact(ctx context.Context) (int, error)
}

// Sizer reports how many conversations a tier holds.
type Sizer interface {
	Len() int
}

// Scheduler owns the maintenance jobs.
type Scheduler struct {
	s      gocron.Scheduler
	logger *logger.Logger
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(log *logger.Logger) (*Scheduler, error) {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.Named("maintenance")

	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(gocronLogger{log.Sugar()}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Scheduler{s: s, logger: log}, nil
}

func (s *Scheduler) add(name string, every time.Duration, task func()) error {
	_, err := s.s.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(task),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule job %q: %w", name, err)
	}
	s.logger.Info("job scheduled", zap.String("name", name), zap.Duration("every", every))
	return nil
}

// AddCompaction compacts c every interval.
func (s *Scheduler) AddCompaction(c Compactor, every time.Duration) error {
	return s.add("file-compaction", every, func() { Compact(c, s.logger) })
}

// AddMemoryGauge refreshes the memory conversation gauge every interval.
func (s *Scheduler) AddMemoryGauge(m Sizer, every time.Duration) error {
	return s.add("memory-gauge", every, func() { RefreshGauge(m) })
}

// Start begins running jobs.
func (s *Scheduler) Start() { s.s.Start() }

// Shutdown stops the scheduler and waits for running jobs.
func (s *Scheduler) Shutdown() error {
	if err := s.s.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	return nil
}

// Compact runs one compaction and logs its outcome.
func Compact(c Compactor, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	start := time.Now()
	n, err := c.Compact(ctx)
	if err != nil {
		log.Error("file compaction failed", zap.Error(err))
		return
	}
	log.Info("file compacted", zap.Int("records", n), zap.Duration("duration", time.Since(start)))
}

// RefreshGauge publishes the current memory tier size.
func RefreshGauge(m Sizer) {
	metrics.MemoryConversations.Set(float64(m.Len()))
}

// gocronLogger adapts zap to gocron's key/value logger.
type gocronLogger struct {
	l *zap.SugaredLogger
}

func (g gocronLogger) Debug(msg string, args ...any) { g.l.Debugw(msg, args...) }
func (g gocronLogger) Info(msg string, args ...any)  { g.l.Infow(msg, args...) }
func (g gocronLogger) Warn(msg string, args ...any)  { g.l.Warnw(msg, args...) }
func (g gocronLogger) Error(msg string, args ...any) { g.l.Errorw(msg, args...) }
