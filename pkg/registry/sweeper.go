package registry

import (
	"log"
	"time"

	"github.com/pixperk/distlockd/pkg/metrics"
)

// MinSweepInterval is the floor for the derived sweep period.
const MinSweepInterval = time.Second

// DefaultSweepInterval derives the sweep period from a TTL: half the TTL,
// but never below MinSweepInterval. Guarantees reclaim within one TTL window
// plus one sweep period.
func DefaultSweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 2
	if interval < MinSweepInterval {
		interval = MinSweepInterval
	}
	return interval
}

// Sweeper periodically force-releases locks whose holder exceeded the TTL.
// This is the only mechanism that reclaims locks from crashed or hung
// holders; without it an abandoned lock would block others forever.
type Sweeper struct {
	reg      *Registry
	interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeper builds a sweeper for reg. An interval <= 0 selects the default
// derived from the registry TTL.
func NewSweeper(reg *Registry, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval(reg.TTL())
	}
	return &Sweeper{
		reg:      reg,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (s *Sweeper) Interval() time.Duration { return s.interval }

// Start launches the sweep loop in its own goroutine.
func (s *Sweeper) Start() {
	go s.run()
}

func (s *Sweeper) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

// one pass over the registry
// expiry goes name by name so request traffic is never blocked
// for longer than a single O(1) registry call
func (s *Sweeper) sweep() {
	for _, name := range s.reg.Names() {
		if s.reg.ExpireIfStale(name) {
			metrics.LockExpireTotal.Inc()
			log.Printf("[WARNING] expired stale lock %q after ttl %s", name, s.reg.TTL())
		}
	}
	metrics.LocksHeld.Set(float64(s.reg.Stats().Held))
}

// Stop halts the loop and waits for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}
