package ports

import "time"

type SchedulerService interface {
	Start()
	Stop()

	ScheduleTaskOnce(at time.Time, id string, task func()) error
	CancelTask(id string) error
}
