// Package channel owns the live server channel: a single websocket at a time,
// its connect/heartbeat/reconnect state machine, and delivery of inbound
// frames to registered consumers. It never interprets frame content beyond
// the heartbeat acknowledgment.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"aim-chat/go-sync/internal/metrics"
	"aim-chat/go-sync/pkg/models"
)

const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

var (
	// ErrNotConnected is returned by Send when no channel is open. Callers
	// mark the originating message failed; nothing is queued.
	ErrNotConnected = errors.New("channel: not connected")

	// ErrReconnectExhausted reports that the attempt cap was reached and the
	// manager will not dial again without caller intervention.
	ErrReconnectExhausted = errors.New("channel: reconnect attempts exhausted")
)

// Consumer receives each inbound frame in arrival order.
type Consumer func(frame []byte)

type Manager struct {
	cfg     Config
	dialer  Dialer
	logger  *slog.Logger
	metrics *metrics.Engine

	mu             sync.Mutex
	conn           Conn
	epoch          uint64
	state          string
	attempt        int
	rtt            time.Duration
	terminal       bool
	intentional    bool
	credential     string
	lastChange     time.Time
	reconnectTimer *time.Timer
	heartbeatStop  context.CancelFunc
	consumers      []Consumer
	onState        func(models.ConnectionStatus)
}

func NewManager(cfg Config, dialer Dialer, logger *slog.Logger, m *metrics.Engine) *Manager {
	cfg = normalizeConfig(cfg)
	if dialer == nil {
		dialer = wsDialer{handshakeTimeout: cfg.HandshakeTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		dialer:     dialer,
		logger:     logger,
		metrics:    m,
		state:      StateDisconnected,
		lastChange: time.Now(),
	}
}

// Register adds a frame consumer. Consumers must be registered before Open.
func (m *Manager) Register(c Consumer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumers = append(m.consumers, c)
}

// SetStateListener installs a callback invoked on every state transition.
// The callback runs with the manager lock held and must not call back into
// the manager.
func (m *Manager) SetStateListener(fn func(models.ConnectionStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

// Open dials a new channel, superseding any live one. An empty credential is
// a no-op. A handshake rejected for the credential is returned as
// ErrAuthRejected and never retried here; any other dial failure schedules a
// backoff reconnect.
func (m *Manager) Open(credential string) error {
	if credential == "" {
		m.logger.Debug("channel open skipped, no credential available")
		return nil
	}

	m.mu.Lock()
	m.cancelReconnectLocked()
	m.stopHeartbeatLocked()
	m.closeConnLocked(websocket.CloseNormalClosure)
	m.intentional = false
	m.terminal = false
	m.credential = credential
	m.transitionLocked(StateConnecting)
	dialEpoch := m.epoch
	m.mu.Unlock()

	conn, err := m.dialer.Dial(m.cfg.Endpoint, credential)

	m.mu.Lock()
	if m.epoch != dialEpoch || m.intentional {
		// Superseded or closed while the dial was in flight.
		m.mu.Unlock()
		if err == nil {
			_ = conn.Close()
		}
		return nil
	}
	if err != nil {
		m.transitionLocked(StateDisconnected)
		if errors.Is(err, ErrAuthRejected) {
			m.mu.Unlock()
			m.logger.Warn("channel handshake rejected")
			return err
		}
		m.logger.Warn("channel dial failed", "error", err)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return err
	}

	m.conn = conn
	m.epoch++
	liveEpoch := m.epoch
	m.attempt = 0
	m.rtt = 0
	m.transitionLocked(StateConnected)
	hbCtx, cancel := context.WithCancel(context.Background())
	m.heartbeatStop = cancel
	m.mu.Unlock()

	m.logger.Info("channel connected")
	go m.readLoop(conn, liveEpoch)
	go m.heartbeatLoop(hbCtx)
	return nil
}

// Close tears the channel down with a normal close code and suppresses any
// reconnection. Safe to call repeatedly.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intentional = true
	m.cancelReconnectLocked()
	m.stopHeartbeatLocked()
	m.closeConnLocked(websocket.CloseNormalClosure)
	m.transitionLocked(StateDisconnected)
}

// Send writes one frame. It fails synchronously with ErrNotConnected while
// the channel is not open; a write failure tears the connection down and
// schedules a reconnect.
func (m *Manager) Send(payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.IncSend()
	if m.state != StateConnected || m.conn == nil {
		m.metrics.IncSendFailure()
		if m.terminal {
			return ErrReconnectExhausted
		}
		return ErrNotConnected
	}
	_ = m.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := m.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		m.metrics.IncSendFailure()
		m.logger.Warn("channel write failed", "error", err)
		m.closeConnLocked(websocket.CloseAbnormalClosure)
		m.stopHeartbeatLocked()
		m.transitionLocked(StateDisconnected)
		m.scheduleReconnectLocked()
		return err
	}
	return nil
}

func (m *Manager) Status() models.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() models.ConnectionStatus {
	return models.ConnectionStatus{
		State:            m.state,
		ReconnectAttempt: m.attempt,
		HeartbeatRTT:     m.rtt,
		Terminal:         m.terminal,
		LastChange:       m.lastChange,
	}
}

func (m *Manager) readLoop(conn Conn, epoch uint64) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			m.handleClosed(epoch, err)
			return
		}

		var probe models.HeartbeatFrame
		if json.Unmarshal(frame, &probe) == nil && probe.Type == models.FrameTypePong {
			m.recordHeartbeatAck(epoch, probe.TS)
			continue
		}

		m.mu.Lock()
		stale := epoch != m.epoch
		consumers := m.consumers
		m.mu.Unlock()
		if stale {
			return
		}
		for _, deliver := range consumers {
			deliver(frame)
		}
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(models.HeartbeatFrame{
				Type: models.FrameTypePing,
				TS:   time.Now().UnixMilli(),
			})
			if err != nil {
				continue
			}
			if err := m.Send(payload); err != nil {
				// The channel is gone; teardown cancels this loop.
				continue
			}
		}
	}
}

func (m *Manager) recordHeartbeatAck(epoch uint64, ts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return
	}
	rtt := time.Since(time.UnixMilli(ts))
	if rtt < 0 {
		rtt = 0
	}
	m.rtt = rtt
	m.metrics.ObserveHeartbeatRTT(rtt)
}

func (m *Manager) handleClosed(epoch uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return
	}
	m.epoch++
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.stopHeartbeatLocked()
	m.transitionLocked(StateDisconnected)
	if m.intentional {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		m.logger.Info("channel closed by server")
		return
	}
	m.logger.Warn("channel closed abnormally", "error", err)
	m.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms exactly one pending reconnect timer, replacing
// any previously armed one. The attempt counter increments after scheduling.
func (m *Manager) scheduleReconnectLocked() {
	if m.attempt >= m.cfg.MaxReconnects {
		m.terminal = true
		m.logger.Warn("reconnect attempts exhausted", "attempts", m.attempt)
		return
	}
	delay := backoffDelay(m.cfg, m.attempt)
	m.cancelReconnectLocked()
	m.metrics.IncReconnect()
	m.logger.Info("reconnect scheduled", "attempt", m.attempt, "delay", delay)
	m.reconnectTimer = time.AfterFunc(delay, m.redial)
	m.attempt++
}

func (m *Manager) redial() {
	m.mu.Lock()
	if m.intentional || m.terminal {
		m.mu.Unlock()
		return
	}
	credential := m.credential
	m.mu.Unlock()
	_ = m.Open(credential)
}

func (m *Manager) cancelReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatStop != nil {
		m.heartbeatStop()
		m.heartbeatStop = nil
	}
}

// closeConnLocked bumps the epoch so in-flight reads and dials for the old
// connection are discarded, then closes it with the given reason code.
func (m *Manager) closeConnLocked(code int) {
	m.epoch++
	if m.conn == nil {
		return
	}
	_ = m.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = m.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
	_ = m.conn.Close()
	m.conn = nil
}

func (m *Manager) transitionLocked(next string) {
	if next == "" || m.state == next {
		return
	}
	m.state = next
	m.lastChange = time.Now()
	m.metrics.SetConnectionState(next)
	if m.onState != nil {
		m.onState(m.statusLocked())
	}
}
