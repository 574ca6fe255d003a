package models

// Wire frame shapes exchanged over the channel. The channel itself never
// inspects these beyond the heartbeat type tag; the session layer owns
// classification.

const (
	FrameTypePing = "ping"
	FrameTypePong = "pong"
)

type SendFrame struct {
	Text      string `json:"text"`
	Recipient string `json:"recipient"`
}

type HeartbeatFrame struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

type OnlinePeer struct {
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	AvatarLink string `json:"avatarLink,omitempty"`
}

// InboundEnvelope is the union of inbound frame shapes. A presence frame
// carries a non-nil Online list, a heartbeat ack carries Type "pong", and
// anything with Text/Sender set is a chat message.
type InboundEnvelope struct {
	Type      string       `json:"type,omitempty"`
	TS        int64        `json:"ts,omitempty"`
	Online    []OnlinePeer `json:"online,omitempty"`
	ID        string       `json:"_id,omitempty"`
	Text      string       `json:"text,omitempty"`
	Sender    string       `json:"sender,omitempty"`
	Recipient string       `json:"recipient,omitempty"`
	CreatedAt string       `json:"createdAt,omitempty"`
}

func (e InboundEnvelope) IsPresence() bool {
	return e.Online != nil
}

func (e InboundEnvelope) IsHeartbeatAck() bool {
	return e.Type == FrameTypePong
}

func (e InboundEnvelope) IsMessage() bool {
	return e.Text != "" && e.Sender != ""
}
