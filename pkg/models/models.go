package models

import (
	"strings"
	"time"
)

// Message delivery status values as rendered by the display layer.
const (
	StatusSending = "sending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

type Message struct {
	ID        string    `json:"_id"`
	Text      string    `json:"text"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	CreatedAt time.Time `json:"createdAt"`
	Status    string    `json:"status,omitempty"`
}

// InConversation reports whether the message belongs to the conversation
// between selfID and peerID, in either direction.
func (m Message) InConversation(selfID, peerID string) bool {
	if m.Sender == selfID && m.Recipient == peerID {
		return true
	}
	return m.Sender == peerID && m.Recipient == selfID
}

type Peer struct {
	ID         string `json:"_id"`
	Username   string `json:"username,omitempty"`
	FirstName  string `json:"firstName,omitempty"`
	LastName   string `json:"lastName,omitempty"`
	AvatarLink string `json:"avatarLink,omitempty"`
}

// DisplayName prefers the full name and falls back to the username.
func (p Peer) DisplayName() string {
	full := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	if full != "" {
		return full
	}
	return p.Username
}

type PeerPresence struct {
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
}

type Profile struct {
	ID         string `json:"_id"`
	FirstName  string `json:"firstName,omitempty"`
	LastName   string `json:"lastName,omitempty"`
	Email      string `json:"email,omitempty"`
	AvatarLink string `json:"avatarLink,omitempty"`
}

type ConnectionStatus struct {
	State            string        `json:"state"`
	ReconnectAttempt int           `json:"reconnect_attempt"`
	HeartbeatRTT     time.Duration `json:"heartbeat_rtt,omitempty"`
	Terminal         bool          `json:"terminal,omitempty"`
	LastChange       time.Time     `json:"last_change"`
}
