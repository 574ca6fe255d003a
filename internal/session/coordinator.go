// Package session wires authentication state to the connection lifecycle. The
// coordinator opens the channel when a credential becomes available, routes
// inbound frames to the reconciler and presence tracker, primes history and
// the peer directory through the REST collaborators, and tears everything
// down when the session ends so no state leaks across users.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"aim-chat/go-sync/internal/channel"
	"aim-chat/go-sync/internal/events"
	"aim-chat/go-sync/internal/metrics"
	"aim-chat/go-sync/internal/presence"
	"aim-chat/go-sync/internal/reconcile"
	"aim-chat/go-sync/internal/restapi"
	"aim-chat/go-sync/pkg/models"
)

var (
	ErrNotAuthenticated = errors.New("session: not authenticated")
	ErrNoActivePeer     = errors.New("session: no active peer selected")
)

// API is the REST collaborator surface the coordinator consumes. Implemented
// by restapi.Client; faked in tests.
type API interface {
	People(ctx context.Context) ([]models.Peer, error)
	History(ctx context.Context, peerID string) ([]models.Message, error)
	Profile(ctx context.Context) (models.Profile, error)
	DeleteMessage(ctx context.Context, messageID string) error
	ClearConversation(ctx context.Context, peerID string) error
	Logout(ctx context.Context) error
}

// APIFactory builds a collaborator client bound to one credential.
type APIFactory func(credential string) API

// Channel is the slice of channel.Manager the coordinator drives.
type Channel interface {
	Open(credential string) error
	Close()
	Register(c channel.Consumer)
	SetStateListener(fn func(models.ConnectionStatus))
	Status() models.ConnectionStatus
}

type Coordinator struct {
	logger     *slog.Logger
	metrics    *metrics.Engine
	hub        *events.Hub
	chn        Channel
	apiFactory APIFactory
	reconciler *reconcile.Reconciler
	tracker    *presence.Tracker

	mu         sync.Mutex
	gen        uint64
	authed     bool
	credential string
	api        API
	profile    models.Profile
	directory  map[string]models.Peer
	activePeer string
}

func New(chn Channel, apiFactory APIFactory, rec *reconcile.Reconciler, tracker *presence.Tracker, hub *events.Hub, logger *slog.Logger, m *metrics.Engine) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		logger:     logger,
		metrics:    m,
		hub:        hub,
		chn:        chn,
		apiFactory: apiFactory,
		reconciler: rec,
		tracker:    tracker,
		directory:  make(map[string]models.Peer),
	}
	chn.Register(c.handleFrame)
	chn.SetStateListener(func(status models.ConnectionStatus) {
		c.hub.Publish(events.TopicConnection, status)
	})
	rec.SetChangeListener(func(peerID string) {
		c.hub.Publish(events.TopicMessages, peerID)
	})
	return c
}

// SetCredential starts a session for the credential: fetches the profile and
// peer directory, primes the reconciler and tracker with the self id, and
// opens the channel. A prior session is torn down first.
func (c *Coordinator) SetCredential(ctx context.Context, credential string) error {
	if credential == "" {
		return ErrNotAuthenticated
	}
	if credentialExpired(credential, time.Now()) {
		return restapi.ErrAuthExpired
	}

	c.mu.Lock()
	if c.authed {
		c.teardownLocked()
	}
	c.gen++
	gen := c.gen
	c.authed = true
	c.credential = credential
	c.api = c.apiFactory(credential)
	api := c.api
	c.mu.Unlock()

	profile, err := api.Profile(ctx)
	if err != nil {
		return c.collabError(fmt.Errorf("fetching profile: %w", err))
	}
	people, err := api.People(ctx)
	if err != nil {
		return c.collabError(fmt.Errorf("fetching peer directory: %w", err))
	}

	c.mu.Lock()
	if c.gen != gen || !c.authed {
		c.mu.Unlock()
		return nil
	}
	c.profile = profile
	c.directory = make(map[string]models.Peer, len(people))
	for _, p := range people {
		if p.ID == "" || p.ID == profile.ID {
			continue
		}
		c.directory[p.ID] = p
	}
	c.mu.Unlock()

	c.reconciler.SetSelfID(profile.ID)
	c.tracker.SetSelfID(profile.ID)
	c.hub.Publish(events.TopicProfile, profile)

	if err := c.chn.Open(credential); err != nil {
		if errors.Is(err, channel.ErrAuthRejected) {
			c.expireSession()
			return restapi.ErrAuthExpired
		}
		// Transport-level dial failures reconnect on their own.
		c.logger.Warn("initial channel open failed", "error", err)
	}
	c.hub.Publish(events.TopicSession, "started")
	return nil
}

// Logout ends the session intentionally: best-effort server logout, then full
// local teardown.
func (c *Coordinator) Logout(ctx context.Context) {
	c.mu.Lock()
	api := c.api
	authed := c.authed
	c.mu.Unlock()
	if !authed {
		return
	}
	if api != nil {
		if err := api.Logout(ctx); err != nil {
			c.logger.Warn("server logout failed", "error", err)
		}
	}
	c.endSession()
}

// SelectPeer makes peerID the active conversation and fetches its history. A
// result arriving after the active peer changed again is discarded, never
// applied to the wrong conversation.
func (c *Coordinator) SelectPeer(ctx context.Context, peerID string) error {
	c.mu.Lock()
	if !c.authed {
		c.mu.Unlock()
		return ErrNotAuthenticated
	}
	c.activePeer = peerID
	c.gen++
	gen := c.gen
	api := c.api
	c.mu.Unlock()

	history, err := api.History(ctx, peerID)
	if err != nil {
		return c.collabError(fmt.Errorf("fetching history: %w", err))
	}

	c.mu.Lock()
	stale := c.gen != gen || c.activePeer != peerID || !c.authed
	c.mu.Unlock()
	if stale {
		return nil
	}
	c.reconciler.SetHistory(peerID, history)
	return nil
}

// SendMessage sends text to the active peer through the reconciler.
func (c *Coordinator) SendMessage(text string) (models.Message, error) {
	c.mu.Lock()
	peer := c.activePeer
	authed := c.authed
	c.mu.Unlock()
	if !authed {
		return models.Message{}, ErrNotAuthenticated
	}
	if peer == "" {
		return models.Message{}, ErrNoActivePeer
	}
	return c.reconciler.SendLocal(text, peer)
}

// DeleteMessage removes one message server-side first, then locally. On
// failure the local sequence is untouched.
func (c *Coordinator) DeleteMessage(ctx context.Context, messageID string) error {
	c.mu.Lock()
	peer := c.activePeer
	api := c.api
	authed := c.authed
	c.mu.Unlock()
	if !authed {
		return ErrNotAuthenticated
	}
	if peer == "" {
		return ErrNoActivePeer
	}
	if err := api.DeleteMessage(ctx, messageID); err != nil {
		return c.collabError(fmt.Errorf("deleting message: %w", err))
	}
	c.reconciler.DeleteOne(peer, messageID)
	return nil
}

// ClearConversation wipes the active conversation server-side first, then
// locally.
func (c *Coordinator) ClearConversation(ctx context.Context) error {
	c.mu.Lock()
	peer := c.activePeer
	api := c.api
	authed := c.authed
	c.mu.Unlock()
	if !authed {
		return ErrNotAuthenticated
	}
	if peer == "" {
		return ErrNoActivePeer
	}
	if err := api.ClearConversation(ctx, peer); err != nil {
		return c.collabError(fmt.Errorf("clearing conversation: %w", err))
	}
	c.reconciler.ClearAll(peer)
	return nil
}

// RefreshProfile re-fetches the self profile.
func (c *Coordinator) RefreshProfile(ctx context.Context) error {
	c.mu.Lock()
	api := c.api
	authed := c.authed
	c.mu.Unlock()
	if !authed {
		return ErrNotAuthenticated
	}
	profile, err := api.Profile(ctx)
	if err != nil {
		return c.collabError(fmt.Errorf("refreshing profile: %w", err))
	}
	c.mu.Lock()
	c.profile = profile
	c.mu.Unlock()
	c.hub.Publish(events.TopicProfile, profile)
	return nil
}

// Views read by the display layer.

func (c *Coordinator) Profile() models.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

func (c *Coordinator) ActivePeer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activePeer
}

func (c *Coordinator) Messages() []reconcile.Entry {
	c.mu.Lock()
	peer := c.activePeer
	c.mu.Unlock()
	if peer == "" {
		return nil
	}
	return c.reconciler.Entries(peer)
}

func (c *Coordinator) OnlinePeers() map[string]models.PeerPresence {
	return c.tracker.Online()
}

// OfflinePeers derives the offline set: directory minus online minus self.
func (c *Coordinator) OfflinePeers() map[string]models.Peer {
	online := c.tracker.Online()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]models.Peer)
	for id, p := range c.directory {
		if _, ok := online[id]; ok {
			continue
		}
		out[id] = p
	}
	return out
}

func (c *Coordinator) ConnectionStatus() models.ConnectionStatus {
	return c.chn.Status()
}

// handleFrame classifies one inbound frame. Malformed payloads are dropped
// and logged; they never disturb existing state.
func (c *Coordinator) handleFrame(frame []byte) {
	var env models.InboundEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		c.metrics.IncFrameDropped()
		c.logger.Warn("dropping malformed frame", "error", err)
		return
	}
	switch {
	case env.IsPresence():
		c.metrics.IncFrame("presence")
		c.tracker.ApplySnapshot(env.Online)
		c.hub.Publish(events.TopicPresence, c.tracker.Online())
	case env.IsMessage():
		c.metrics.IncFrame("message")
		c.reconciler.OnInbound(inboundMessage(env))
	default:
		c.metrics.IncFrameDropped()
		c.logger.Debug("dropping unrecognized frame")
	}
}

func inboundMessage(env models.InboundEnvelope) models.Message {
	msg := models.Message{
		ID:        env.ID,
		Text:      env.Text,
		Sender:    env.Sender,
		Recipient: env.Recipient,
	}
	if env.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339, env.CreatedAt); err == nil {
			msg.CreatedAt = ts
		}
	}
	return msg
}

// collabError maps a 401 from any collaborator to global session teardown.
func (c *Coordinator) collabError(err error) error {
	if errors.Is(err, restapi.ErrAuthExpired) {
		c.expireSession()
		return restapi.ErrAuthExpired
	}
	return err
}

func (c *Coordinator) expireSession() {
	c.logger.Warn("session credential expired, tearing down")
	c.endSession()
}

func (c *Coordinator) endSession() {
	c.mu.Lock()
	if !c.authed {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.mu.Unlock()
	c.hub.Publish(events.TopicSession, "ended")
}

// teardownLocked discards all per-session state. The channel closes with an
// intentional reason code so no reconnect survives the session.
func (c *Coordinator) teardownLocked() {
	c.gen++
	c.authed = false
	c.credential = ""
	c.api = nil
	c.profile = models.Profile{}
	c.directory = make(map[string]models.Peer)
	c.activePeer = ""
	c.chn.Close()
	c.reconciler.Reset()
	c.tracker.Reset()
}
