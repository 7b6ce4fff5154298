// Package membership caches each user's team and organization memberships.
//
// The Cache is read-through: a miss or an entry at least TTL old is loaded
// from a Source outside the lock, with concurrent misses for the same user
// coalesced into one load. Invalidate and InvalidateAll take effect
// immediately, even against a load that is already running.
//
// Source errors surface as *FetchError (errors.Is(err, ErrCacheFetch)). The
// permission resolver treats them as deny.
//
// A Broadcaster relays invalidations between processes over Redis pub/sub.
package membership
