// Package scheduler triggers recurring full-registry backup runs.
package scheduler

import (
	"log"
	"sync"
	"time"
)

// Scheduler fires the trigger on a fixed interval until stopped. Runs
// themselves are asynchronous, so a slow run never blocks the ticker.
type Scheduler struct {
	Interval time.Duration
	Trigger  func() string

	mu       sync.Mutex
	stopChan chan struct{}
}

// Start launches the ticker loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopChan != nil {
		return
	}
	s.stopChan = make(chan struct{})

	interval := s.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	go s.loop(interval, s.stopChan)
	log.Printf("Backup scheduler started, interval %s", interval)
}

// Stop halts the ticker. In-flight runs keep going; only future triggers
// stop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopChan == nil {
		return
	}
	close(s.stopChan)
	s.stopChan = nil
	log.Printf("Backup scheduler stopped")
}

func (s *Scheduler) loop(interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			id := s.Trigger()
			log.Printf("Scheduled backup started as task %s", id)
		}
	}
}
