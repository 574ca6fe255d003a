package channel

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the slice of *websocket.Conn the manager needs. Tests substitute
// an in-memory implementation.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Dialer interface {
	Dial(endpoint, credential string) (Conn, error)
}

// ErrAuthRejected means the server refused the handshake for the presented
// credential. The session layer treats it as an expired session; the manager
// never schedules a reconnect for it.
var ErrAuthRejected = errors.New("channel: handshake rejected for credential")

type wsDialer struct {
	handshakeTimeout time.Duration
}

func (d wsDialer) Dial(endpoint, credential string) (Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", credential)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: d.handshakeTimeout}
	conn, resp, err := dialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrAuthRejected
		}
		return nil, err
	}
	return conn, nil
}
