// Package keysapi is the client for the server-side Keys API: the
// external collaborator that stores and serves prekey bundles. The
// E2EE core never talks to a database directly; every other user's
// bundle comes through this client.
package keysapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/scdouglas/paracord/internal/metrics"
)

// SignedPrekeyUpload is the wire form of a signed prekey, ready to
// PUT to the server.
type SignedPrekeyUpload struct {
	ID        uint64 `json:"id"`
	PublicKey string `json:"public_key"` // base64 X25519 public key
	Signature string `json:"signature"`  // base64 Ed25519 signature
}

// OneTimePrekeyUpload is the wire form of a single one-time prekey.
type OneTimePrekeyUpload struct {
	ID        uint64 `json:"id"`
	PublicKey string `json:"public_key"`
}

// UploadKeysRequest is the body of PUT /users/@me/keys. Either field
// may be omitted; uploading the same signed prekey id twice is safe.
type UploadKeysRequest struct {
	SignedPrekey   *SignedPrekeyUpload   `json:"signed_prekey,omitempty"`
	OneTimePrekeys []OneTimePrekeyUpload `json:"one_time_prekeys,omitempty"`
}

// UploadKeysResponse reports server-side bookkeeping after an upload.
type UploadKeysResponse struct {
	SignedPrekeyID       uint64 `json:"signed_prekey_id"`
	OneTimePrekeysStored int    `json:"one_time_prekeys_stored"`
	OneTimePrekeysTotal  int    `json:"one_time_prekeys_total"`
}

// KeyCountResponse is the body of GET /users/@me/keys/count.
type KeyCountResponse struct {
	OneTimePrekeysRemaining int  `json:"one_time_prekeys_remaining"`
	SignedPrekeyUploaded    bool `json:"signed_prekey_uploaded"`
}

// Bundle is a peer's published prekey bundle, as returned by
// GET /users/{id}/keys.
type Bundle struct {
	IdentityKey string `json:"identity_key"` // hex-encoded Ed25519 public key

	SignedPrekey struct {
		ID        uint64 `json:"id"`
		PublicKey string `json:"public_key"`
		Signature string `json:"signature"`
	} `json:"signed_prekey"`

	OneTimePrekey *struct {
		ID        uint64 `json:"id"`
		PublicKey string `json:"public_key"`
	} `json:"one_time_prekey,omitempty"`
}

// Client is a thin, retrying HTTP client over the Keys API.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
	authz   func(*http.Request)
}

// New builds a Client. authz, if non-nil, is applied to every request
// to attach session credentials; the core treats session auth as an
// external concern and never stores it itself.
func New(baseURL string, timeout time.Duration, authz func(*http.Request)) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil

	return &Client{baseURL: baseURL, http: rc, authz: authz}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authz != nil {
		c.authz(req.Request)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, respBody)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response for %s %s: %w", method, path, err)
	}
	return nil
}

// UploadKeys publishes a signed prekey, new one-time prekeys, or both.
func (c *Client) UploadKeys(ctx context.Context, req UploadKeysRequest) (UploadKeysResponse, error) {
	var out UploadKeysResponse
	err := c.do(ctx, http.MethodPut, "/users/@me/keys", req, &out)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.KeysAPIRequestsTotal.WithLabelValues("upload", result).Inc()
	return out, err
}

// Counts fetches the caller's own server-side key counts.
func (c *Client) Counts(ctx context.Context) (KeyCountResponse, error) {
	var out KeyCountResponse
	err := c.do(ctx, http.MethodGet, "/users/@me/keys/count", nil, &out)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.KeysAPIRequestsTotal.WithLabelValues("count", result).Inc()
	return out, err
}

// FetchBundle fetches another user's current prekey bundle, consuming
// one of their one-time prekeys server-side if one was available.
func (c *Client) FetchBundle(ctx context.Context, userID string) (Bundle, error) {
	var out Bundle
	err := c.do(ctx, http.MethodGet, "/users/"+userID+"/keys", nil, &out)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.KeysAPIRequestsTotal.WithLabelValues("fetch", result).Inc()
	return out, err
}
