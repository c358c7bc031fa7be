// Package relay is the REST client for the relay backend: pairing lifecycle,
// device removal, polling fallback for messages and call commands, and the
// find-my-phone passthrough. The websocket event stream lives in
// internal/transport; this client covers everything request/response shaped.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"

	"github.com/petervdpas/tether/internal/proto"
	"github.com/petervdpas/tether/internal/util"
)

// Sentinel errors mapped from relay status codes.
var (
	ErrInvalidToken  = errors.New("relay: invalid or expired pairing token")
	ErrAlreadyPaired = errors.New("relay: device already paired")
	ErrUnauthorized  = errors.New("relay: unauthorized")
)

type Client struct {
	BaseURL string
	HTTP    *retryablehttp.Client

	mu    sync.RWMutex
	token string
}

// NewClient creates a relay client for baseURL. Transport-level failures are
// retried with backoff inside the client; callers only see exhausted retries.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = util.DefaultRequestTimeout
	rc.Logger = nil // retries are not interesting enough for the log

	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    rc,
	}
}

// SetAuthToken installs the token used for authenticated calls. Empty clears it.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) authHeader() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// do runs one JSON request. out may be nil for calls without a response body.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.BaseURL == "" {
		return errors.New("relay: no base url configured")
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("content-type", "application/json")
	}
	if t := c.authHeader(); t != "" {
		req.Header.Set("authorization", "Bearer "+t)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusConflict:
		return ErrAlreadyPaired
	case http.StatusGone, http.StatusForbidden:
		return ErrInvalidToken
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: status %s", method, path, resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return err
		}
	}
	return nil
}

// PairInitiateResult is the relay's answer to starting a pairing handshake.
type PairInitiateResult struct {
	PairingID string `json:"pairingId"`
	ExpiresAt int64  `json:"expiresAt"`
}

// PairInitiate starts a pairing handshake for this device.
func (c *Client) PairInitiate(ctx context.Context, platform, displayName string) (PairInitiateResult, error) {
	var out PairInitiateResult
	err := c.do(ctx, http.MethodPost, "/pair/initiate", map[string]string{
		"platform":    platform,
		"displayName": displayName,
	}, &out)
	return out, err
}

// PairRedeemResult carries the registered device identity and auth token.
type PairRedeemResult struct {
	DeviceID  string `json:"deviceId"`
	UserID    string `json:"userId"`
	AuthToken string `json:"authToken"`
}

// PairRedeem completes the handshake, binding the pairing to userID.
func (c *Client) PairRedeem(ctx context.Context, pairingID, userID string) (PairRedeemResult, error) {
	var out PairRedeemResult
	err := c.do(ctx, http.MethodPost, "/pair/redeem", map[string]string{
		"pairingId": pairingID,
		"userId":    userID,
	}, &out)
	return out, err
}

// RemoveDevice unregisters deviceID with the relay. The relay broadcasts
// device_removed to the remaining devices. Requires a valid auth token.
func (c *Client) RemoveDevice(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodPost, "/devices/"+deviceID, map[string]string{
		"action": "remove",
	}, nil)
}

// MessagesPage is one page of the message polling fallback.
type MessagesPage struct {
	Events []proto.DeliveryEvent `json:"events"`
	Cursor string                `json:"cursor"`
}

// Messages fetches events after the given cursor. Used by the polling
// fallback; the events carry the same eventIds as the websocket stream.
func (c *Client) Messages(ctx context.Context, after string, limit int) (MessagesPage, error) {
	// The cursor is opaque relay data; escape it rather than trusting it to
	// be query-safe.
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if after != "" {
		q.Set("after", after)
	}
	var out MessagesPage
	err := c.do(ctx, http.MethodGet, "/messages?"+q.Encode(), nil, &out)
	return out, err
}

// CallCommands fetches pending call-signaling commands. Each must be acked
// once applied, or the relay redelivers it.
func (c *Client) CallCommands(ctx context.Context) ([]proto.DeliveryEvent, error) {
	var out struct {
		Commands []proto.DeliveryEvent `json:"commands"`
	}
	err := c.do(ctx, http.MethodGet, "/calls/commands", nil, &out)
	return out.Commands, err
}

// AckCallCommand acknowledges one call command by event id.
func (c *Client) AckCallCommand(ctx context.Context, eventID string) error {
	return c.do(ctx, http.MethodPost, "/calls/commands/"+eventID+"/ack", nil, nil)
}

// PostCommand submits an outbound command over REST. Used when the websocket
// is down: same frame shape as the socket path.
func (c *Client) PostCommand(ctx context.Context, cmd proto.Command) error {
	return c.do(ctx, http.MethodPost, "/commands", cmd, nil)
}

// FindPhone asks the paired phone to ring (or stop ringing).
func (c *Client) FindPhone(ctx context.Context, action string) error {
	if action != "ring" && action != "stop" {
		return fmt.Errorf("relay: find action must be ring or stop, got %q", action)
	}
	return c.do(ctx, http.MethodPost, "/phone/find", map[string]string{
		"action": action,
	}, nil)
}
