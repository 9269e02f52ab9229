// Package scheduler runs periodic housekeeping jobs with gocron.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	ferrors "git.home.luguber.info/inful/packd/internal/foundation/errors"
	"git.home.luguber.info/inful/packd/internal/logfields"
)

// Task is one run of a job. ctx is canceled when the scheduler stops.
type Task func(ctx context.Context) error

// Scheduler wraps a gocron scheduler.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

func New(logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryInternal, "create scheduler").Build()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{scheduler: s, logger: logger, ctx: ctx, cancel: cancel}, nil
}

// Start begins running scheduled jobs. Jobs observe ctx as well as Stop.
func (s *Scheduler) Start(ctx context.Context) {
	context.AfterFunc(ctx, s.cancel)
	s.logger.Info("Starting scheduler", slog.Int("jobs", len(s.scheduler.Jobs())))
	s.scheduler.Start()
}

// Stop shuts the scheduler down and waits for running jobs.
func (s *Scheduler) Stop(context.Context) error {
	s.logger.Info("Stopping scheduler")
	s.cancel()
	if err := s.scheduler.Shutdown(); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryRuntime, "stop scheduler").Build()
	}
	return nil
}

// ScheduleEvery runs task every interval and returns the job id.
func (s *Scheduler) ScheduleEvery(name string, interval time.Duration, task Task) (string, error) {
	if interval <= 0 {
		return "", ferrors.ValidationError("schedule interval must be positive").
			WithContext("job", name).
			WithContext("interval", interval.String()).
			Build()
	}
	return s.schedule(name, gocron.DurationJob(interval), task)
}

// ScheduleCron runs task on a five field cron expression.
func (s *Scheduler) ScheduleCron(name, expr string, task Task) (string, error) {
	return s.schedule(name, gocron.CronJob(expr, false), task)
}

func (s *Scheduler) schedule(name string, def gocron.JobDefinition, task Task) (string, error) {
	job, err := s.scheduler.NewJob(
		def,
		gocron.NewTask(s.run, name, task),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return "", ferrors.WrapError(err, ferrors.CategoryValidation, "create scheduled job").
			WithContext("job", name).
			Build()
	}
	return job.ID().String(), nil
}

func (s *Scheduler) run(name string, task Task) {
	if s.ctx.Err() != nil {
		return
	}

	start := time.Now()
	if err := task(s.ctx); err != nil {
		s.logger.Error("Scheduled job failed", logfields.Job(name), logfields.Error(err))
		return
	}
	s.logger.Debug("Scheduled job finished", logfields.Job(name), logfields.Duration(time.Since(start)))
}
