// Package restapi talks to the chat backend's REST surface: peer directory,
// message history, deletions, and the self profile. It is a collaborator of
// the sync engine, not part of it; the engine only depends on the interfaces
// in the session package. A 401 from any endpoint surfaces as ErrAuthExpired
// so the coordinator can tear the session down.
package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"aim-chat/go-sync/pkg/models"
)

// ErrAuthExpired reports a 401 from any collaborator endpoint. It is the only
// error class the coordinator reacts to globally.
var ErrAuthExpired = errors.New("restapi: session credential rejected")

const defaultTimeout = 15 * time.Second

type Client struct {
	baseURL    string
	credential string
	httpClient *http.Client
}

func NewClient(baseURL, credential string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		credential: credential,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// People returns the full peer directory.
func (c *Client) People(ctx context.Context) ([]models.Peer, error) {
	var out []models.Peer
	if err := c.getJSON(ctx, "/api/user/people", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// History returns the message history shared with one peer.
func (c *Client) History(ctx context.Context, peerID string) ([]models.Message, error) {
	var out []models.Message
	if err := c.getJSON(ctx, "/api/user/messages/"+url.PathEscape(peerID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Profile returns the authenticated user's own profile.
func (c *Client) Profile(ctx context.Context) (models.Profile, error) {
	var out models.Profile
	if err := c.getJSON(ctx, "/api/user/profile", &out); err != nil {
		return models.Profile{}, err
	}
	return out, nil
}

type ackBody struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DeleteMessage removes one message server-side. It returns nil only when the
// server acknowledged success.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.deleteAck(ctx, "/api/user/messages/"+url.PathEscape(messageID))
}

// ClearConversation wipes the whole conversation with the peer server-side.
func (c *Client) ClearConversation(ctx context.Context, peerID string) error {
	return c.deleteAck(ctx, "/api/user/messages/clear-conversation?recipientId="+url.QueryEscape(peerID))
}

// Logout invalidates the session server-side. Failures are non-fatal for the
// caller; local teardown proceeds regardless.
func (c *Client) Logout(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/user/logout", nil)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrAuthExpired
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("restapi: logout returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) deleteAck(ctx context.Context, path string) error {
	resp, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrAuthExpired
	}
	var ack ackBody
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("restapi: decoding delete response: %w", err)
	}
	if resp.StatusCode >= 300 || !ack.Success {
		reason := ack.Message
		if reason == "" {
			reason = ack.Error
		}
		if reason == "" {
			reason = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return fmt.Errorf("restapi: delete rejected: %s", reason)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer drain(resp)
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrAuthExpired
	case resp.StatusCode >= 300:
		return fmt.Errorf("restapi: GET %s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("restapi: decoding GET %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.credential)
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
