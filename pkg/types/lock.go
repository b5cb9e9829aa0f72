package types

import "time"

// a lock is exclusive ownership of a named resource by one client session
// the registry is the only component that creates, refreshes or deletes these
// a name with no record is implicitly free
type Lock struct {
	Name       string        // lock identifier, chosen by the caller
	HolderID   string        // opaque client session token, authorizes release
	AcquiredAt time.Duration // monotonic stamp of the grant (or last refresh)
}
