package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/ark-network/escrowd/internal/core/ports"
	"github.com/go-co-op/gocron"
)

type service struct {
	scheduler *gocron.Scheduler
}

func NewScheduler() ports.SchedulerService {
	svc := gocron.NewScheduler(time.UTC)
	return &service{svc}
}

func (s *service) Start() {
	s.scheduler.StartAsync()
}

func (s *service) Stop() {
	s.scheduler.Stop()
	s.scheduler.Clear()
}

// ScheduleTaskOnce runs the task at the given time, tagged with id so that
// it can be cancelled. A task scheduled in the past runs right away.
func (s *service) ScheduleTaskOnce(at time.Time, id string, task func()) error {
	if len(id) <= 0 {
		return fmt.Errorf("missing task id")
	}

	delay := time.Until(at)
	if delay <= 0 {
		go task()
		return nil
	}

	_, err := s.scheduler.Every(delay).Tag(id).WaitForSchedule().LimitRunsTo(1).Do(task)
	return err
}

func (s *service) CancelTask(id string) error {
	if err := s.scheduler.RemoveByTag(id); err != nil &&
		!errors.Is(err, gocron.ErrJobNotFoundWithTag) {
		return err
	}
	return nil
}
