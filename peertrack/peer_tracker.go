// Package peertrack remembers which remote hosts connected recently so the
// ingest server can report reconnects. It is bookkeeping only; nothing is
// refused or throttled based on it.
package peertrack

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Tracker records the last connection time per remote host for a fixed
// window. It is safe for concurrent use.
type Tracker struct {
	cache  *cache.Cache
	window time.Duration
}

// New creates a Tracker that forgets hosts window after their last
// connection. A window of zero or less disables tracking.
//
// Parameters:
//   - window: How long a host is remembered
//
// Returns:
//   - A new Tracker
func New(window time.Duration) *Tracker {
	if window <= 0 {
		return &Tracker{}
	}

	return &Tracker{
		cache:  cache.New(window, 2*window),
		window: window,
	}
}

// Seen records a connection from host at now.
//
// Parameters:
//   - host: Remote host, without port
//   - now: Connection time
//
// Returns:
//   - The previous connection time, if any within the window
//   - true if host connected before within the window
func (t *Tracker) Seen(host string, now time.Time) (time.Time, bool) {
	if t.cache == nil {
		return time.Time{}, false
	}

	var previous time.Time
	found := false
	if v, ok := t.cache.Get(host); ok {
		previous, found = v.(time.Time)
	}

	t.cache.Set(host, now, cache.DefaultExpiration)
	return previous, found
}

// Len returns the number of hosts currently remembered.
func (t *Tracker) Len() int {
	if t.cache == nil {
		return 0
	}

	return t.cache.ItemCount()
}
