package realtime

import (
	"sync"
	"time"
)

// PresenceStatus is a user's declared availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

type presenceEntry struct {
	Status   PresenceStatus
	LastSeen time.Time
}

// Presence tracks dashboard user availability per website. It is the side
// effect behind userPresenceUpdate events; entries expire implicitly by
// growing stale rather than through a reaper.
type Presence struct {
	mu      sync.RWMutex
	entries map[string]presenceEntry // userID -> entry
	now     func() time.Time
}

// NewPresence creates an empty presence table.
func NewPresence() *Presence {
	return &Presence{
		entries: make(map[string]presenceEntry),
		now:     time.Now,
	}
}

// Mark records a presence ping for a user.
func (p *Presence) Mark(userID string, status PresenceStatus) {
	if userID == "" {
		return
	}
	if status == "" {
		status = PresenceOnline
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[userID] = presenceEntry{Status: status, LastSeen: p.now()}
}

// Status returns the user's last declared status, or offline when the last
// ping is older than staleAfter.
func (p *Presence) Status(userID string, staleAfter time.Duration) PresenceStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[userID]
	if !ok {
		return PresenceOffline
	}
	if staleAfter > 0 && p.now().Sub(e.LastSeen) > staleAfter {
		return PresenceOffline
	}
	return e.Status
}
