package collaboration

import (
	"log"
	"sync"
	"time"

	"formsync/internal/clock"
)

// Sweeper runs a sweep function on a fixed period until stopped.
type Sweeper struct {
	clock    clock.Clock
	interval time.Duration
	sweep    func(now time.Time)

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewSweeper(clk clock.Clock, interval time.Duration, sweep func(now time.Time)) *Sweeper {
	return &Sweeper{
		clock:    clk,
		interval: interval,
		sweep:    sweep,
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. The ticker is created before Start
// returns, so a fake clock advanced afterwards always reaches it.
func (s *Sweeper) Start() {
	ticker := s.clock.NewTicker(s.interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case now := <-ticker.C:
				s.runOnce(now)
			}
		}
	}()

	log.Printf("✓ Lock expiry sweeper started (every %s)", s.interval)
}

// runOnce keeps the loop alive if a sweep panics.
func (s *Sweeper) runOnce(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("⚠️  Lock sweep panicked: %v", r)
		}
	}()
	s.sweep(now)
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}
