package application

import (
	"sync"
	"time"

	"github.com/ark-network/escrowd/internal/core/ports"
	log "github.com/sirupsen/logrus"
)

// expiryScheduler arms one reclaim per outgoing transfer, fired slightly
// after the transfer expires. The margin absorbs the skew between the local
// clock and the ledger's one, which is the only one enforcing the timeout.
type expiryScheduler struct {
	scheduler ports.SchedulerService
	margin    time.Duration

	// cache of armed timers, avoid scheduling the same reclaim twice
	locker         sync.Locker
	scheduledTasks map[string]struct{}
}

func newExpiryScheduler(
	scheduler ports.SchedulerService, margin time.Duration,
) *expiryScheduler {
	return &expiryScheduler{
		scheduler,
		margin,
		&sync.Mutex{},
		make(map[string]struct{}),
	}
}

func (s *expiryScheduler) arm(id string, expiresAt time.Time, reclaim func()) error {
	s.locker.Lock()
	defer s.locker.Unlock()

	if _, scheduled := s.scheduledTasks[id]; scheduled {
		return nil
	}

	at := expiresAt.Add(s.margin)
	task := func() {
		if !s.removeTask(id) {
			return
		}
		reclaim()
	}
	if err := s.scheduler.ScheduleTaskOnce(at, id, task); err != nil {
		return err
	}
	s.scheduledTasks[id] = struct{}{}

	log.Debugf("scheduled reclaim for transfer %s at %s", id, at.Format(time.RFC3339))
	return nil
}

func (s *expiryScheduler) cancel(id string) {
	if !s.removeTask(id) {
		return
	}
	if err := s.scheduler.CancelTask(id); err != nil {
		log.WithError(err).Warnf("failed to cancel reclaim for transfer %s", id)
		return
	}
	log.Debugf("cancelled reclaim for transfer %s", id)
}

// stop cancels every armed timer.
func (s *expiryScheduler) stop() {
	s.locker.Lock()
	defer s.locker.Unlock()

	for id := range s.scheduledTasks {
		if err := s.scheduler.CancelTask(id); err != nil {
			log.WithError(err).Warnf("failed to cancel reclaim for transfer %s", id)
		}
	}
	s.scheduledTasks = make(map[string]struct{})
}

// removeTask returns false if the timer was already fired or cancelled.
func (s *expiryScheduler) removeTask(id string) bool {
	s.locker.Lock()
	defer s.locker.Unlock()

	if _, scheduled := s.scheduledTasks[id]; !scheduled {
		return false
	}
	delete(s.scheduledTasks, id)
	return true
}
