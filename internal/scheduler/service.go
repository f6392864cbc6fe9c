// Package scheduler is the periodic "beat": it submits configured tasks on
// cron schedules through the regular dispatch path.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"taskrelay/internal/codec"
	"taskrelay/internal/domain"
	"taskrelay/internal/registry"
)

type Submitter interface {
	Submit(ctx context.Context, name string, args ...any) (domain.TaskHandle, error)
}

// Entry submits Task with Args every time Cron fires.
type Entry struct {
	Name string
	Cron string
	Task string
	Args []any
}

type Service struct {
	sub  Submitter
	cron *cron.Cron
	log  zerolog.Logger
	ctx  context.Context
}

// NewService validates every entry (cron syntax and registered task name,
// arguments included) before anything is scheduled.
func NewService(sub Submitter, reg *registry.Registry, c codec.Codec, entries []Entry, log zerolog.Logger) (*Service, error) {
	cl := cronLogger{log: log}
	s := &Service{
		sub:  sub,
		cron: cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		log:  log,
		ctx:  context.Background(),
	}
	for _, e := range entries {
		if err := ValidateCronExpression(e.Cron); err != nil {
			return nil, &domain.ConfigError{Field: "schedules." + e.Name + ".cron", Reason: err.Error()}
		}
		def, err := reg.Lookup(e.Task)
		if err != nil {
			return nil, &domain.ConfigError{Field: "schedules." + e.Name + ".task", Reason: err.Error()}
		}
		args := e.Args
		if args == nil {
			args = []any{}
		}
		if err := def.Validate(c, args); err != nil {
			return nil, &domain.ConfigError{Field: "schedules." + e.Name + ".args", Reason: err.Error()}
		}
		e.Args = args
		if _, err := s.cron.AddFunc(e.Cron, s.submitFunc(e)); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", e.Name, err)
		}
	}
	return s, nil
}

// AddFunc schedules a housekeeping job that is not a task submission.
func (s *Service) AddFunc(name, spec string, fn func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := fn(s.ctx); err != nil {
			s.log.Error().Err(err).Str("job", name).Msg("scheduled job failed")
		}
	})
	return err
}

func (s *Service) submitFunc(e Entry) func() {
	return func() {
		h, err := s.sub.Submit(s.ctx, e.Task, e.Args...)
		if err != nil {
			s.log.Error().Err(err).Str("schedule", e.Name).Str("task", e.Task).Msg("failed to submit scheduled task")
			return
		}
		log := s.log.Info().Str("schedule", e.Name).Str("task", e.Task).Str("task_id", h.ID)
		if next, err := NextRunTime(e.Cron, time.Now()); err == nil {
			log = log.Time("next_run", next)
		}
		log.Msg("scheduled task submitted")
	}
}

// Len reports how many jobs are scheduled.
func (s *Service) Len() int { return len(s.cron.Entries()) }

// Start runs the schedule until ctx is cancelled, then waits for running
// jobs to return.
func (s *Service) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	s.log.Info().Int("entries", s.Len()).Msg("schedule service started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info().Msg("schedule service stopped")
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}

type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
