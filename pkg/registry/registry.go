package registry

import (
	"sync"
	tm "time"

	"github.com/pixperk/distlockd/pkg/time"
	"github.com/pixperk/distlockd/pkg/types"
)

// DefaultTTL is how long a lock may be held before the sweeper may reclaim it.
// Fixed per registry, not per lock.
const DefaultTTL = 10 * tm.Second

// manages core named-lock state
// critical :
// - at most one live holder per lock name at any instant
// - entries are touched only under mu, no pointer ever escapes
// - forced expiry is the only recovery path for a crashed holder
type Registry struct {
	mu sync.Mutex

	locks map[string]*types.Lock // lock name -> Lock

	ttl   tm.Duration
	clock *time.Clock // monotonic clock

	grants  uint64 // cumulative successful grants (refreshes excluded)
	expired uint64 // cumulative forced expirations
}

func New(ttl tm.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		locks: make(map[string]*types.Lock),
		ttl:   ttl,
		clock: time.NewClock(),
	}
}

func (r *Registry) TTL() tm.Duration { return r.ttl }

// outcome of a single TryAcquire attempt
// denial is a normal result, not an error
type AcquireResult struct {
	Granted   bool
	HolderAge tm.Duration // age of the current holder when denied
}

// TryAcquire claims name for holder if it is free. The decision is atomic and
// instantaneous; any waiting happens outside the registry. A repeat acquire by
// the current holder is granted and refreshes the stamp, so a live holder
// re-asserting the lock never expires out from under itself.
func (r *Registry) TryAcquire(name, holder string) AcquireResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Elapsed()

	if lk, held := r.locks[name]; held {
		if lk.HolderID == holder {
			// idempotent re-acquire doubles as a heartbeat
			lk.AcquiredAt = now
			return AcquireResult{Granted: true}
		}
		return AcquireResult{HolderAge: now - lk.AcquiredAt}
	}

	r.locks[name] = &types.Lock{
		Name:       name,
		HolderID:   holder,
		AcquiredAt: now,
	}
	r.grants++

	return AcquireResult{Granted: true}
}

// outcome of a Release call
type ReleaseStatus int

const (
	Released ReleaseStatus = iota
	NotHeld
	Forbidden
)

// Release deletes the entry for name if holder owns it. A release by anyone
// else is Forbidden and leaves the entry untouched.
func (r *Registry) Release(name, holder string) ReleaseStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	lk, held := r.locks[name]
	if !held {
		return NotHeld
	}
	if lk.HolderID != holder {
		return Forbidden
	}

	delete(r.locks, name)
	return Released
}

// ExpireIfStale deletes the entry for name if its holder has exceeded the TTL
// and reports whether it did. Called per name by the sweeper so the mutex is
// dropped between names.
func (r *Registry) ExpireIfStale(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	lk, held := r.locks[name]
	if !held {
		return false
	}
	if r.clock.Since(lk.AcquiredAt) <= r.ttl {
		return false
	}

	delete(r.locks, name)
	r.expired++
	return true
}

// Names returns a snapshot of all currently held lock names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.locks))
	for name := range r.locks {
		names = append(names, name)
	}
	return names
}

// current registry stats
type Stats struct {
	Held    int
	Grants  uint64
	Expired uint64
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Stats{
		Held:    len(r.locks),
		Grants:  r.grants,
		Expired: r.expired,
	}
}
