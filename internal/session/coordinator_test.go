package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"aim-chat/go-sync/internal/channel"
	"aim-chat/go-sync/internal/events"
	"aim-chat/go-sync/internal/presence"
	"aim-chat/go-sync/internal/reconcile"
	"aim-chat/go-sync/internal/restapi"
	"aim-chat/go-sync/pkg/models"
)

type fakeChannel struct {
	mu       sync.Mutex
	openErr  error
	opens    []string
	closes   int
	consumer channel.Consumer
	listener func(models.ConnectionStatus)
}

func (f *fakeChannel) Open(credential string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, credential)
	return f.openErr
}

func (f *fakeChannel) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

func (f *fakeChannel) Register(c channel.Consumer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumer = c
}

func (f *fakeChannel) SetStateListener(fn func(models.ConnectionStatus)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = fn
}

func (f *fakeChannel) Status() models.ConnectionStatus {
	return models.ConnectionStatus{State: "connected"}
}

func (f *fakeChannel) deliver(frame []byte) {
	f.mu.Lock()
	consumer := f.consumer
	f.mu.Unlock()
	consumer(frame)
}

func (f *fakeChannel) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeChannel) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opens)
}

type fakeAPI struct {
	mu        sync.Mutex
	profile   models.Profile
	people    []models.Peer
	historyFn func(peerID string) ([]models.Message, error)
	deleteErr error
	clearErr  error
	logouts   int
}

func (a *fakeAPI) People(context.Context) ([]models.Peer, error) { return a.people, nil }

func (a *fakeAPI) History(_ context.Context, peerID string) ([]models.Message, error) {
	if a.historyFn != nil {
		return a.historyFn(peerID)
	}
	return nil, nil
}

func (a *fakeAPI) Profile(context.Context) (models.Profile, error) { return a.profile, nil }

func (a *fakeAPI) DeleteMessage(context.Context, string) error { return a.deleteErr }

func (a *fakeAPI) ClearConversation(context.Context, string) error { return a.clearErr }

func (a *fakeAPI) Logout(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logouts++
	return nil
}

func (a *fakeAPI) logoutCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.logouts
}

type acceptAll struct{}

func (acceptAll) Send([]byte) error { return nil }

func newTestCoordinator(api *fakeAPI) (*Coordinator, *fakeChannel, *reconcile.Reconciler, *presence.Tracker) {
	chn := &fakeChannel{}
	rec := reconcile.New(acceptAll{}, nil, nil)
	tracker := presence.New()
	hub := events.NewHub(64)
	coord := New(chn, func(string) API { return api }, rec, tracker, hub, nil, nil)
	return coord, chn, rec, tracker
}

func defaultAPI() *fakeAPI {
	return &fakeAPI{
		profile: models.Profile{ID: "me", FirstName: "Mel"},
		people: []models.Peer{
			{ID: "me", Username: "mel"},
			{ID: "bob", Username: "bob"},
			{ID: "carol", Username: "carol"},
		},
	}
}

func expiredCredential(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("signing test credential: %v", err)
	}
	return signed
}

func TestSetCredentialStartsSession(t *testing.T) {
	coord, chn, _, _ := newTestCoordinator(defaultAPI())

	if err := coord.SetCredential(context.Background(), "tok"); err != nil {
		t.Fatalf("set credential: %v", err)
	}
	if chn.openCount() != 1 {
		t.Fatalf("expected 1 channel open, got %d", chn.openCount())
	}
	if got := coord.Profile().ID; got != "me" {
		t.Fatalf("expected profile primed, got %q", got)
	}
	offline := coord.OfflinePeers()
	if _, ok := offline["me"]; ok {
		t.Fatal("self must not be in the peer directory")
	}
	if len(offline) != 2 {
		t.Fatalf("expected bob and carol offline, got %v", offline)
	}
}

func TestSetCredentialRejectsEmpty(t *testing.T) {
	coord, _, _, _ := newTestCoordinator(defaultAPI())
	if err := coord.SetCredential(context.Background(), ""); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestSetCredentialRejectsExpiredToken(t *testing.T) {
	coord, chn, _, _ := newTestCoordinator(defaultAPI())
	err := coord.SetCredential(context.Background(), expiredCredential(t))
	if !errors.Is(err, restapi.ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
	if chn.openCount() != 0 {
		t.Fatal("expired credential must not open the channel")
	}
}

func TestHandshakeRejectionExpiresSession(t *testing.T) {
	api := defaultAPI()
	coord, chn, _, _ := newTestCoordinator(api)
	chn.openErr = channel.ErrAuthRejected

	err := coord.SetCredential(context.Background(), "tok")
	if !errors.Is(err, restapi.ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
	if _, err := coord.SendMessage("hi"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("session should be torn down, got %v", err)
	}
	if chn.closeCount() == 0 {
		t.Fatal("teardown must close the channel")
	}
}

func TestCollaborator401TearsDownSession(t *testing.T) {
	api := defaultAPI()
	api.historyFn = func(string) ([]models.Message, error) { return nil, restapi.ErrAuthExpired }
	coord, _, _, _ := newTestCoordinator(api)

	if err := coord.SetCredential(context.Background(), "tok"); err != nil {
		t.Fatalf("set credential: %v", err)
	}
	err := coord.SelectPeer(context.Background(), "bob")
	if !errors.Is(err, restapi.ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
	if _, err := coord.SendMessage("hi"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("401 should end the session globally, got %v", err)
	}
}

func TestSelectPeerLoadsHistory(t *testing.T) {
	api := defaultAPI()
	api.historyFn = func(peerID string) ([]models.Message, error) {
		return []models.Message{
			{ID: "h1", Text: "old", Sender: peerID, Recipient: "me", CreatedAt: time.Now()},
		}, nil
	}
	coord, _, rec, _ := newTestCoordinator(api)

	if err := coord.SetCredential(context.Background(), "tok"); err != nil {
		t.Fatalf("set credential: %v", err)
	}
	if err := coord.SelectPeer(context.Background(), "bob"); err != nil {
		t.Fatalf("select peer: %v", err)
	}
	if coord.ActivePeer() != "bob" {
		t.Fatalf("expected active peer bob, got %q", coord.ActivePeer())
	}
	if entries := rec.Entries("bob"); len(entries) != 1 || entries[0].ID != "h1" {
		t.Fatalf("history not applied: %+v", entries)
	}
	if msgs := coord.Messages(); len(msgs) != 1 {
		t.Fatalf("messages view should track the active peer, got %d", len(msgs))
	}
}

func TestStaleHistoryResultIsDiscarded(t *testing.T) {
	api := defaultAPI()
	coord, _, rec, _ := newTestCoordinator(api)

	if err := coord.SetCredential(context.Background(), "tok"); err != nil {
		t.Fatalf("set credential: %v", err)
	}

	// History for bob re-selects carol before responding, so bob's response
	// arrives after the active conversation moved on.
	api.historyFn = func(peerID string) ([]models.Message, error) {
		if peerID == "bob" {
			api.historyFn = func(p string) ([]models.Message, error) {
				return []models.Message{{ID: "c1", Text: "hi", Sender: p, Recipient: "me", CreatedAt: time.Now()}}, nil
			}
			if err := coord.SelectPeer(context.Background(), "carol"); err != nil {
				return nil, err
			}
			return []models.Message{{ID: "b1", Text: "late", Sender: "bob", Recipient: "me", CreatedAt: time.Now()}}, nil
		}
		return nil, nil
	}

	if err := coord.SelectPeer(context.Background(), "bob"); err != nil {
		t.Fatalf("select peer: %v", err)
	}
	if entries := rec.Entries("bob"); len(entries) != 0 {
		t.Fatalf("stale history must be discarded, got %+v", entries)
	}
	if entries := rec.Entries("carol"); len(entries) != 1 {
		t.Fatalf("carol's history should apply, got %+v", entries)
	}
}

func TestSendMessageRequiresActivePeer(t *testing.T) {
	coord, _, _, _ := newTestCoordinator(defaultAPI())
	if err := coord.SetCredential(context.Background(), "tok"); err != nil {
		t.Fatalf("set credential: %v", err)
	}
	if _, err := coord.SendMessage("hi"); !errors.Is(err, ErrNoActivePeer) {
		t.Fatalf("expected ErrNoActivePeer, got %v", err)
	}
}

func TestDeleteMessageKeepsLocalOnServerFailure(t *testing.T) {
	api := defaultAPI()
	coord, _, rec, _ := newTestCoordinator(api)
	if err := coord.SetCredential(context.Background(), "tok"); err != nil {
		t.Fatalf("set credential: %v", err)
	}
	if err := coord.SelectPeer(context.Background(), "bob"); err != nil {
		t.Fatalf("select peer: %v", err)
	}
	rec.SetHistory("bob", []models.Message{{ID: "m1", Text: "a", Sender: "bob", Recipient: "me", CreatedAt: time.Now()}})

	api.deleteErr = errors.New("boom")
	if err := coord.DeleteMessage(context.Background(), "m1"); err == nil {
		t.Fatal("expected delete error")
	}
	if entries := rec.Entries("bob"); len(entries) != 1 {
		t.Fatal("local copy must survive a failed server delete")
	}

	api.deleteErr = nil
	if err := coord.DeleteMessage(context.Background(), "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if entries := rec.Entries("bob"); len(entries) != 0 {
		t.Fatalf("confirmed delete should apply locally, got %+v", entries)
	}
}

func TestClearConversationAppliesAfterServerAck(t *testing.T) {
	api := defaultAPI()
	coord, _, rec, _ := newTestCoordinator(api)
	if err := coord.SetCredential(context.Background(), "tok"); err != nil {
		t.Fatalf("set credential: %v", err)
	}
	if err := coord.SelectPeer(context.Background(), "bob"); err != nil {
		t.Fatalf("select peer: %v", err)
	}
	rec.SetHistory("bob", []models.Message{{ID: "m1", Text: "a", Sender: "bob", Recipient: "me", CreatedAt: time.Now()}})

	api.clearErr = errors.New("boom")
	if err := coord.ClearConversation(context.Background()); err == nil {
		t.Fatal("expected clear error")
	}
	if entries := rec.Entries("bob"); len(entries) != 1 {
		t.Fatal("local sequence must survive a failed server clear")
	}

	api.clearErr = nil
	if err := coord.ClearConversation(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if entries := rec.Entries("bob"); len(entries) != 0 {
		t.Fatalf("confirmed clear should apply locally, got %+v", entries)
	}
}

func TestLogoutTearsDownEverything(t *testing.T) {
	api := defaultAPI()
	coord, chn, rec, tracker := newTestCoordinator(api)
	if err := coord.SetCredential(context.Background(), "tok"); err != nil {
		t.Fatalf("set credential: %v", err)
	}
	if err := coord.SelectPeer(context.Background(), "bob"); err != nil {
		t.Fatalf("select peer: %v", err)
	}
	if _, err := coord.SendMessage("hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	tracker.ApplySnapshot([]models.OnlinePeer{{UserID: "bob"}})

	coord.Logout(context.Background())

	if api.logoutCount() != 1 {
		t.Fatalf("expected 1 server logout, got %d", api.logoutCount())
	}
	if chn.closeCount() == 0 {
		t.Fatal("logout must close the channel")
	}
	if entries := rec.Entries("bob"); len(entries) != 0 {
		t.Fatal("logout must wipe message sequences")
	}
	if len(tracker.Online()) != 0 {
		t.Fatal("logout must wipe presence")
	}
	if coord.Profile().ID != "" || coord.ActivePeer() != "" {
		t.Fatal("logout must wipe the profile and active peer")
	}
	coord.Logout(context.Background())
	if api.logoutCount() != 1 {
		t.Fatal("second logout should be a no-op")
	}
}

func TestNewCredentialSupersedesOldSession(t *testing.T) {
	coord, chn, rec, _ := newTestCoordinator(defaultAPI())
	if err := coord.SetCredential(context.Background(), "tok-a"); err != nil {
		t.Fatalf("first credential: %v", err)
	}
	if err := coord.SelectPeer(context.Background(), "bob"); err != nil {
		t.Fatalf("select peer: %v", err)
	}
	if _, err := coord.SendMessage("hi"); err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := coord.SetCredential(context.Background(), "tok-b"); err != nil {
		t.Fatalf("second credential: %v", err)
	}
	if chn.closeCount() == 0 {
		t.Fatal("prior session must close its channel")
	}
	if chn.openCount() != 2 {
		t.Fatalf("expected 2 channel opens, got %d", chn.openCount())
	}
	if entries := rec.Entries("bob"); len(entries) != 0 {
		t.Fatal("prior session's messages must not leak")
	}
}

func TestInboundMessageFrameRoutesToReconciler(t *testing.T) {
	coord, chn, rec, _ := newTestCoordinator(defaultAPI())
	if err := coord.SetCredential(context.Background(), "tok"); err != nil {
		t.Fatalf("set credential: %v", err)
	}

	chn.deliver([]byte(`{"_id":"srv-1","text":"hello","sender":"bob","recipient":"me","createdAt":"2026-08-29T10:00:00Z"}`))

	entries := rec.Entries("bob")
	if len(entries) != 1 || entries[0].ID != "srv-1" {
		t.Fatalf("message frame not applied: %+v", entries)
	}
	if entries[0].CreatedAt.IsZero() {
		t.Fatal("timestamp should parse from the frame")
	}
}

func TestPresenceFrameReplacesSnapshot(t *testing.T) {
	coord, chn, _, tracker := newTestCoordinator(defaultAPI())
	if err := coord.SetCredential(context.Background(), "tok"); err != nil {
		t.Fatalf("set credential: %v", err)
	}

	chn.deliver([]byte(`{"online":[{"userId":"bob","username":"bob"},{"userId":"me","username":"mel"}]}`))
	if !tracker.IsOnline("bob") {
		t.Fatal("bob should be online")
	}
	if tracker.IsOnline("me") {
		t.Fatal("self must be excluded from presence")
	}

	chn.deliver([]byte(`{"online":[]}`))
	if len(tracker.Online()) != 0 {
		t.Fatal("empty snapshot means everyone offline")
	}
}

func TestMalformedFrameIsDropped(t *testing.T) {
	coord, chn, rec, tracker := newTestCoordinator(defaultAPI())
	if err := coord.SetCredential(context.Background(), "tok"); err != nil {
		t.Fatalf("set credential: %v", err)
	}
	chn.deliver([]byte(`{"online":[{"userId":"bob"}]}`))

	chn.deliver([]byte(`{not json`))
	chn.deliver([]byte(`{"unknown":"shape"}`))

	if !tracker.IsOnline("bob") {
		t.Fatal("malformed frames must not disturb presence")
	}
	if entries := rec.Entries("bob"); len(entries) != 0 {
		t.Fatalf("malformed frames must not create messages: %+v", entries)
	}
}

func TestRefreshProfileUpdatesView(t *testing.T) {
	api := defaultAPI()
	coord, _, _, _ := newTestCoordinator(api)
	if err := coord.SetCredential(context.Background(), "tok"); err != nil {
		t.Fatalf("set credential: %v", err)
	}
	api.profile = models.Profile{ID: "me", FirstName: "Melanie"}
	if err := coord.RefreshProfile(context.Background()); err != nil {
		t.Fatalf("refresh profile: %v", err)
	}
	if got := coord.Profile().FirstName; got != "Melanie" {
		t.Fatalf("expected refreshed profile, got %q", got)
	}
}

func TestCredentialExpiredHelper(t *testing.T) {
	now := time.Now()
	if credentialExpired("opaque-token", now) {
		t.Fatal("non-JWT credentials pass through")
	}
	if credentialExpired(expiredCredential(t), now) == false {
		t.Fatal("expired exp claim should report expired")
	}
	fresh := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": now.Add(time.Hour).Unix()})
	signed, err := fresh.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	if credentialExpired(signed, now) {
		t.Fatal("future exp claim should not report expired")
	}
}
