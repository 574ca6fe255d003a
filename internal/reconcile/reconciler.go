// Package reconcile is the single source of truth for message sequences. It
// merges locally-originated provisional messages with their server-confirmed
// copies, keeps insertion order stable across that merge, and applies
// deletions only after the server has confirmed them.
package reconcile

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"aim-chat/go-sync/internal/platform/ratelimiter"
	"aim-chat/go-sync/pkg/models"
)

const provisionalIDPrefix = "temp-"

var (
	ErrEmptyText   = errors.New("reconcile: message text is empty")
	ErrNoRecipient = errors.New("reconcile: recipient is required")
	ErrNoIdentity  = errors.New("reconcile: self identity is not set")
	ErrSendLimited = errors.New("reconcile: send rate limited")
)

// Sender forwards an encoded outbound frame to the live channel. A rejection
// must be synchronous; the reconciler marks the provisional entry failed.
type Sender interface {
	Send(payload []byte) error
}

// Entry is a sequence element plus its display ordinal: the 1-based
// occurrence index of its id within the sequence, so the display layer has a
// unique stable key even when a logical id repeats.
type Entry struct {
	models.Message
	Ordinal int
}

type Reconciler struct {
	mu       sync.Mutex
	selfID   string
	window   time.Duration
	sender   Sender
	limiter  *ratelimiter.SendLimiter
	logger   *slog.Logger
	seqs     map[string][]models.Message
	onChange func(peerID string)

	now func() time.Time
}

func New(sender Sender, limiter *ratelimiter.SendLimiter, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		window:  DefaultMatchWindow,
		sender:  sender,
		limiter: limiter,
		logger:  logger,
		seqs:    make(map[string][]models.Message),
		now:     time.Now,
	}
}

// SetSelfID records the authenticated user's id. Inbound routing needs it to
// pick the conversation peer from sender/recipient.
func (r *Reconciler) SetSelfID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfID = id
}

// SetMatchWindow overrides the content-match tolerance. Zero or negative
// restores the default.
func (r *Reconciler) SetMatchWindow(window time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if window <= 0 {
		window = DefaultMatchWindow
	}
	r.window = window
}

// SetChangeListener installs a callback fired whenever a peer's sequence
// mutates. It runs with the reconciler lock held and must not call back in.
func (r *Reconciler) SetChangeListener(fn func(peerID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// SendLocal appends a provisional message for the recipient and forwards the
// payload to the channel. If the channel rejects the send, the entry stays in
// place with status failed so the user keeps a retry affordance.
func (r *Reconciler) SendLocal(text, recipient string) (models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return models.Message{}, ErrEmptyText
	}
	if recipient == "" {
		return models.Message{}, ErrNoRecipient
	}

	r.mu.Lock()
	if r.selfID == "" {
		r.mu.Unlock()
		return models.Message{}, ErrNoIdentity
	}
	msg := models.Message{
		ID:        provisionalIDPrefix + uuid.NewString(),
		Text:      text,
		Sender:    r.selfID,
		Recipient: recipient,
		CreatedAt: r.now(),
		Status:    models.StatusSending,
	}
	r.seqs[recipient] = append(r.seqs[recipient], msg)
	r.notifyLocked(recipient)

	if !r.limiter.Allow(recipient, r.now()) {
		r.markFailedLocked(recipient, msg.ID)
		r.mu.Unlock()
		return msg, ErrSendLimited
	}
	payload, err := json.Marshal(models.SendFrame{Text: text, Recipient: recipient})
	if err != nil {
		r.markFailedLocked(recipient, msg.ID)
		r.mu.Unlock()
		return msg, err
	}
	sender := r.sender
	r.mu.Unlock()

	if err := sender.Send(payload); err != nil {
		r.mu.Lock()
		r.markFailedLocked(recipient, msg.ID)
		r.mu.Unlock()
		r.logger.Warn("send rejected by channel", "recipient_id", recipient, "error", err)
		return msg, err
	}
	return msg, nil
}

// OnInbound merges one server-delivered message. An echo of a provisional
// entry replaces it in place; anything else appends. Returns the conversation
// peer the message was routed to.
func (r *Reconciler) OnInbound(msg models.Message) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg = r.normalizeConfirmedLocked(msg)
	peer := msg.Sender
	if msg.Sender == r.selfID {
		peer = msg.Recipient
	}

	seq := r.seqs[peer]
	if i := r.matchIndexLocked(seq, msg); i >= 0 {
		seq[i] = msg
	} else {
		r.seqs[peer] = append(seq, msg)
	}
	r.notifyLocked(peer)
	return peer
}

// matchIndexLocked finds the provisional entry the confirmed copy belongs to:
// exact id first, then content equality within the tolerance window.
func (r *Reconciler) matchIndexLocked(seq []models.Message, confirmed models.Message) int {
	for i, e := range seq {
		if e.ID == confirmed.ID {
			return i
		}
	}
	for i, e := range seq {
		if e.Status != models.StatusSending && e.Status != models.StatusFailed {
			continue
		}
		if sameMessage(e, confirmed, r.window) {
			return i
		}
	}
	return -1
}

// SetHistory replaces the peer's sequence with server history. Rows missing
// an id or timestamp are backfilled; history rows render as sent.
func (r *Reconciler) SetHistory(peerID string, history []models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := make([]models.Message, 0, len(history))
	for _, msg := range history {
		seq = append(seq, r.normalizeConfirmedLocked(msg))
	}
	r.seqs[peerID] = seq
	r.notifyLocked(peerID)
}

// DeleteOne removes every entry carrying the id from the peer's sequence.
// Call it only after the server confirmed the deletion.
func (r *Reconciler) DeleteOne(peerID, messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := r.seqs[peerID]
	kept := seq[:0]
	removed := false
	for _, e := range seq {
		if e.ID == messageID {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	if removed {
		r.seqs[peerID] = kept
		r.notifyLocked(peerID)
	}
	return removed
}

// ClearAll drops the peer's whole sequence. Call it only after the server
// confirmed the conversation wipe.
func (r *Reconciler) ClearAll(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seqs[peerID]; !ok {
		return
	}
	delete(r.seqs, peerID)
	r.notifyLocked(peerID)
}

// Entries returns the peer's sequence in insertion order, each element with
// its per-id ordinal.
func (r *Reconciler) Entries(peerID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := r.seqs[peerID]
	out := make([]Entry, 0, len(seq))
	counts := make(map[string]int, len(seq))
	for _, msg := range seq {
		counts[msg.ID]++
		out = append(out, Entry{Message: msg, Ordinal: counts[msg.ID]})
	}
	return out
}

// Reset discards all sequences and the identity. Used at session teardown so
// no message leaks across users.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfID = ""
	r.seqs = make(map[string][]models.Message)
}

func (r *Reconciler) markFailedLocked(peerID, messageID string) {
	seq := r.seqs[peerID]
	for i := range seq {
		if seq[i].ID == messageID {
			seq[i].Status = models.StatusFailed
		}
	}
	r.notifyLocked(peerID)
}

func (r *Reconciler) normalizeConfirmedLocked(msg models.Message) models.Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now()
	}
	msg.Status = models.StatusSent
	return msg
}

func (r *Reconciler) notifyLocked(peerID string) {
	if r.onChange != nil {
		r.onChange(peerID)
	}
}
