// Package automation runs the recurring-analysis scheduler and the callback
// expiry sweep on a shared tick.
package automation

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"mcphub/internal/dispatch"
	"mcphub/internal/domain"
	"mcphub/internal/registry"
)

// TaskDispatcher is the slice of the dispatcher the service needs.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (domain.Task, error)
}

type Service struct {
	reg      registry.Repository
	disp     TaskDispatcher
	stop     chan struct{}
	interval time.Duration
}

func NewService(reg registry.Repository, disp TaskDispatcher, checkInterval time.Duration) *Service {
	return &Service{
		reg:      reg,
		disp:     disp,
		stop:     make(chan struct{}),
		interval: checkInterval,
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("automation service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.processDueSchedules(ctx, now)
			s.sweepExpired(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

func (s *Service) processDueSchedules(ctx context.Context, now time.Time) {
	schedules, err := s.reg.DueSchedules(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due schedules")
		return
	}

	for _, schedule := range schedules {
		if err := s.processSchedule(ctx, schedule, now); err != nil {
			log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to process schedule")
		}
	}
}

func (s *Service) processSchedule(ctx context.Context, schedule domain.Schedule, now time.Time) error {
	cronSchedule, err := cron.ParseStandard(schedule.CronExpr)
	if err != nil {
		log.Error().Err(err).Str("cron_expr", schedule.CronExpr).Msg("invalid cron expression")
		return err
	}

	task, err := s.disp.Dispatch(ctx, dispatch.Request{
		Type:        schedule.TaskType,
		Description: schedule.Name,
		BusinessID:  schedule.BusinessID,
		Params:      schedule.Params,
	})
	if err != nil {
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to dispatch scheduled task")
		return err
	}

	nextRun := cronSchedule.Next(now)
	if err := s.reg.UpdateScheduleRun(ctx, schedule.ID, now, nextRun); err != nil {
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to update schedule run times")
		return err
	}

	log.Info().
		Str("schedule_id", schedule.ID).
		Str("schedule_name", schedule.Name).
		Str("task_id", task.ID).
		Time("next_run", nextRun).
		Msg("scheduled task dispatched")

	return nil
}

// sweepExpired fails pending tasks whose callback window has closed. Late
// callbacks are already rejected by token expiry; the sweep makes the timeout
// visible to pollers.
func (s *Service) sweepExpired(ctx context.Context, now time.Time) {
	n, err := s.reg.FailExpired(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("expiry sweep failed")
		return
	}
	if n > 0 {
		log.Info().Int("count", n).Msg("expired pending tasks failed")
	}
}

// ValidateCronExpression validates a cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
