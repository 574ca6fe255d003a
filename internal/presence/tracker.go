// Package presence tracks which peers are currently online. Each server
// snapshot replaces the mapping wholesale; absence from a snapshot is
// authoritative offline.
package presence

import (
	"sync"

	"aim-chat/go-sync/pkg/models"
)

type Tracker struct {
	mu     sync.RWMutex
	selfID string
	online map[string]models.PeerPresence
}

func New() *Tracker {
	return &Tracker{online: make(map[string]models.PeerPresence)}
}

// SetSelfID records the authenticated user's id so snapshots never list the
// user as their own online peer.
func (t *Tracker) SetSelfID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.selfID = id
}

// ApplySnapshot replaces the online mapping with the snapshot contents,
// dropping the self id if the server included it.
func (t *Tracker) ApplySnapshot(list []models.OnlinePeer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := make(map[string]models.PeerPresence, len(list))
	for _, p := range list {
		if p.UserID == "" || p.UserID == t.selfID {
			continue
		}
		next[p.UserID] = models.PeerPresence{
			DisplayName: p.Username,
			AvatarRef:   p.AvatarLink,
		}
	}
	t.online = next
}

// Online returns a copy of the current online mapping.
func (t *Tracker) Online() map[string]models.PeerPresence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]models.PeerPresence, len(t.online))
	for id, p := range t.online {
		out[id] = p
	}
	return out
}

func (t *Tracker) IsOnline(peerID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[peerID]
	return ok
}

// Reset drops all presence state at session teardown.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.selfID = ""
	t.online = make(map[string]models.PeerPresence)
}
