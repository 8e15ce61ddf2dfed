// Package membership caches room membership so already-joined users do not
// trigger authentication or join calls on every poll cycle. Entries go stale
// after a freshness window and are re-verified against the homeserver before
// being trusted; leave/kick events invalidate immediately.
package membership

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"maunium.net/go/mautrix/id"
)

// State is the cached view of one user's membership in one room.
type State string

const (
	StateJoined  State = "joined"
	StateInvited State = "invited"
	StateUnknown State = "unknown"
)

const DefaultFreshness = 10 * time.Minute

// Authority answers the authoritative membership query. Implemented by the
// Matrix client via the joined_members endpoint.
type Authority interface {
	RoomMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
}

type cacheKey struct {
	roomID id.RoomID
	userID id.UserID
}

type cacheEntry struct {
	state      State
	verifiedAt time.Time
}

// Cache is safe for concurrent use. The lock is never held across the
// authoritative query.
type Cache struct {
	mu        sync.Mutex
	entries   map[cacheKey]cacheEntry
	freshness time.Duration
	authority Authority

	authorityQueries atomic.Int64
}

func NewCache(authority Authority, freshness time.Duration) *Cache {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Cache{
		entries:   make(map[cacheKey]cacheEntry),
		freshness: freshness,
		authority: authority,
	}
}

// IsMember reports whether userID is joined to roomID. A fresh joined entry
// answers from cache; anything else costs exactly one authoritative query,
// which refreshes the cache for every member of the room.
func (c *Cache) IsMember(ctx context.Context, roomID id.RoomID, userID id.UserID) (bool, error) {
	c.mu.Lock()
	entry, ok := c.entries[cacheKey{roomID, userID}]
	fresh := ok && entry.state == StateJoined && time.Since(entry.verifiedAt) < c.freshness
	c.mu.Unlock()
	if fresh {
		return true, nil
	}

	members, err := c.authority.RoomMembers(ctx, roomID)
	c.authorityQueries.Add(1)
	if err != nil {
		return false, err
	}

	now := time.Now()
	joined := false
	c.mu.Lock()
	// Entries for this room not present in the authoritative answer are no
	// longer trustworthy; authority wins over whatever the cache believed.
	for key := range c.entries {
		if key.roomID == roomID {
			delete(c.entries, key)
		}
	}
	for _, member := range members {
		c.entries[cacheKey{roomID, member}] = cacheEntry{state: StateJoined, verifiedAt: now}
		if member == userID {
			joined = true
		}
	}
	c.mu.Unlock()
	return joined, nil
}

// MarkInvited records a pending invite issued by the bridge. Invited entries
// never satisfy IsMember from cache; the next check re-verifies.
func (c *Cache) MarkInvited(roomID id.RoomID, userID id.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{roomID, userID}] = cacheEntry{state: StateInvited, verifiedAt: time.Now()}
}

// Invalidate drops the cached entry for one user, e.g. on a locally observed
// leave or kick event.
func (c *Cache) Invalidate(roomID id.RoomID, userID id.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey{roomID, userID})
}

// InvalidateRoom drops every cached entry for a room.
func (c *Cache) InvalidateRoom(roomID id.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.roomID == roomID {
			delete(c.entries, key)
		}
	}
}

// State returns the cached state for the pair; entries older than the
// freshness window degrade to unknown rather than being trusted.
func (c *Cache) State(roomID id.RoomID, userID id.UserID) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[cacheKey{roomID, userID}]
	if !ok || time.Since(entry.verifiedAt) >= c.freshness {
		return StateUnknown
	}
	return entry.state
}

// AuthorityQueries returns how many authoritative membership queries have
// been issued. Exposed for the status report and cache-efficiency tests.
func (c *Cache) AuthorityQueries() int64 {
	return c.authorityQueries.Load()
}
