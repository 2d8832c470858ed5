package presence

import (
	"slices"
	"sync"
	"time"
)

// State is the cached speaking state of one participant.
type State struct {
	Speaking         bool      `json:"speaking"`
	LastTransitionAt time.Time `json:"last_transition_at"`
}

// Cache maps participant identities to their latest [State]. Writes are
// unconditional: the most recently applied value wins. It is safe for
// concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]State
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]State)}
}

// Get returns the state of id.
func (c *Cache) Get(id string) (State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.entries[id]
	return s, ok
}

// IsSpeaking reports whether id is cached as speaking. Unknown identities are
// not speaking.
func (c *Cache) IsSpeaking(id string) bool {
	s, _ := c.Get(id)
	return s.Speaking
}

// Set records speaking for id at time at and reports whether the flag
// changed. LastTransitionAt only moves on a change and never moves
// backwards: an at earlier than the stored transition is clamped to it.
func (c *Cache) Set(id string, speaking bool, at time.Time) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.entries[id]
	if ok && prev.Speaking == speaking {
		return prev, false
	}
	if at.Before(prev.LastTransitionAt) {
		at = prev.LastTransitionAt
	}
	next := State{Speaking: speaking, LastTransitionAt: at}
	c.entries[id] = next
	return next, true
}

// Delete removes id and reports whether it was present.
func (c *Cache) Delete(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	delete(c.entries, id)
	return ok
}

// Snapshot returns a copy of every cached entry.
func (c *Cache) Snapshot() map[string]State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]State, len(c.entries))
	for id, s := range c.entries {
		out[id] = s
	}
	return out
}

// Speakers returns the sorted identities currently cached as speaking.
func (c *Cache) Speakers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for id, s := range c.entries {
		if s.Speaking {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Len returns the number of cached identities.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
