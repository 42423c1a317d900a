package schedule

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lawrence-idegy/commonsku-automation/internal/report"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner executes a batch of reports
type Runner interface {
	RunBatch(ctx context.Context, specs []report.Spec) (string, error)
}

// Config controls when scheduled batches run
type Config struct {
	// Time is the daily run time as HH:MM
	Time     string
	Timezone string
}

// Scheduler runs the weekday report set once a day
type Scheduler struct {
	cron     *cron.Cron
	runner   Runner
	location *time.Location
	spec     string
	logger   *zap.Logger
	rules    func(time.Weekday) []report.Spec
	now      func() time.Time
}

// New creates a scheduler for cfg. It does not start it.
func New(cfg Config, runner Runner, logger *zap.Logger) (*Scheduler, error) {
	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", cfg.Timezone, err)
	}

	spec, err := CronSpec(cfg.Time)
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		cron:     cron.New(cron.WithLocation(location)),
		runner:   runner,
		location: location,
		spec:     spec,
		logger:   logger.With(zap.String("schedule", spec), zap.String("timezone", location.String())),
		rules:    ForDay,
		now:      time.Now,
	}, nil
}

// CronSpec converts HH:MM into a daily five field cron expression
func CronSpec(hhmm string) (string, error) {
	parts := strings.Split(strings.TrimSpace(hhmm), ":")
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid schedule time %q: expected HH:MM", hhmm)
	}

	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("invalid schedule hour in %q", hhmm)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return "", fmt.Errorf("invalid schedule minute in %q", hhmm)
	}

	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

// Run registers the daily job and blocks until ctx is done.
// A batch in flight is allowed to finish before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.trigger(ctx) }); err != nil {
		return fmt.Errorf("failed to register schedule: %w", err)
	}

	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Time("next_run", s.Next()))

	<-ctx.Done()
	s.logger.Info("Stopping scheduler")
	<-s.cron.Stop().Done()
	return nil
}

// Next returns the next scheduled run, or the zero time before Run
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) trigger(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	day := s.now().In(s.location).Weekday()
	specs := s.rules(day)
	s.logger.Info("Running scheduled batch", zap.Stringer("weekday", day), zap.Int("reports", len(specs)))

	batchID, err := s.runner.RunBatch(ctx, specs)
	if err != nil {
		s.logger.Error("Scheduled batch failed", zap.String("batch_id", batchID), zap.Error(err))
		return
	}
	s.logger.Info("Scheduled batch finished", zap.String("batch_id", batchID), zap.Time("next_run", s.Next()))
}
