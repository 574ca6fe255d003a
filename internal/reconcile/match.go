package reconcile

import (
	"time"

	"aim-chat/go-sync/pkg/models"
)

// DefaultMatchWindow is the creation-timestamp tolerance used when joining a
// server echo to a provisional entry by content.
const DefaultMatchWindow = time.Second

// sameMessage reports whether two copies describe one logical message: same
// text, same endpoints, created within the tolerance window. It is a
// heuristic join, not a true identity, which is why it lives behind this one
// function with a tunable window.
func sameMessage(a, b models.Message, window time.Duration) bool {
	if a.Text != b.Text || a.Sender != b.Sender || a.Recipient != b.Recipient {
		return false
	}
	delta := a.CreatedAt.Sub(b.CreatedAt)
	if delta < 0 {
		delta = -delta
	}
	return delta < window
}
