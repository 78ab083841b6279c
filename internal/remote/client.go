// Package remote is the HTTP/JSON client for the field-sales server.
//
// Every call has a bounded timeout. Failures are split into two kinds:
// *TransportError (nothing is known to have reached the server, safe to
// retry) and *RejectionError (the server answered and refused).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SessionHeader carries the session id on authenticated calls.
const SessionHeader = "X-Session-ID"

// DefaultTimeout bounds a call when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

const maxResponseBytes = 16 << 20

// Config holds Client configuration.
type Config struct {
	// BaseURL is the server endpoint. May be empty and set later with For.
	BaseURL string

	// Timeout bounds each call (default: 30s).
	Timeout time.Duration

	// HTTPClient overrides the underlying client (tests).
	HTTPClient *http.Client

	Logger zerolog.Logger
}

// Client talks to one server endpoint.
type Client struct {
	base   string
	http   *http.Client
	logger zerolog.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		base:   strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		http:   hc,
		logger: cfg.Logger,
	}
}

// For returns a client for another endpoint sharing the same transport.
func (c *Client) For(endpoint string) *Client {
	cp := *c
	cp.base = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	return &cp
}

// BaseURL returns the endpoint this client talks to.
func (c *Client) BaseURL() string {
	return c.base
}

// Health probes the server. Any 2xx answer means reachable.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return &TransportError{Op: "health", Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: "health", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransportError{Op: "health", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

// CheckConnection exchanges a scanned credential for the account profile.
func (c *Client) CheckConnection(ctx context.Context, credential string) (*CheckConnectionResponse, error) {
	var out CheckConnectionResponse
	err := c.doJSON(ctx, "check connection", http.MethodPost, "/api/check-connection", "",
		CheckConnectionRequest{Credential: credential}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AnnounceSession registers a freshly minted session id with the server.
func (c *Client) AnnounceSession(ctx context.Context, req SessionRequest) error {
	var out StatusResponse
	return c.doJSON(ctx, "announce session", http.MethodPost, "/api/session", req.SessionID, req, &out)
}

// Sync pushes one batch.
func (c *Client) Sync(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
	var out SyncResponse
	if err := c.doJSON(ctx, "sync", http.MethodPost, "/api/sync", req.SessionID, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Customers fetches the customers assigned to the session's rep.
func (c *Client) Customers(ctx context.Context, sessionID string) ([]CustomerRecord, error) {
	var out CustomersResponse
	if err := c.doJSON(ctx, "pull customers", http.MethodGet, "/api/customers", sessionID, nil, &out); err != nil {
		return nil, err
	}
	return out.Customers, nil
}

// Catalog fetches the product catalog.
func (c *Client) Catalog(ctx context.Context, sessionID string) ([]CatalogRecord, error) {
	var out CatalogResponse
	if err := c.doJSON(ctx, "pull catalog", http.MethodGet, "/api/catalog", sessionID, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// LedgerAccounts fetches the bank and cash accounts.
func (c *Client) LedgerAccounts(ctx context.Context, sessionID string) ([]LedgerAccountRecord, error) {
	var out LedgerAccountsResponse
	if err := c.doJSON(ctx, "pull ledger accounts", http.MethodGet, "/api/ledger-accounts", sessionID, nil, &out); err != nil {
		return nil, err
	}
	return out.Accounts, nil
}

// PushActivity sends location pings.
func (c *Client) PushActivity(ctx context.Context, req ActivityRequest) error {
	var out StatusResponse
	return c.doJSON(ctx, "push activity", http.MethodPost, "/api/activity", req.SessionID, req, &out)
}

// UploadAttachment uploads a receipt attachment as multipart form data.
func (c *Client) UploadAttachment(ctx context.Context, sessionID, receiptID, filename string, content io.Reader) error {
	const op = "upload attachment"

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("receipt_id", receiptID); err != nil {
		return fmt.Errorf("failed to build upload: %w", err)
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return fmt.Errorf("failed to read attachment: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/attachments", &buf)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	req.Header.Set(SessionHeader, sessionID)

	var out StatusResponse
	return c.roundTrip(req, op, &out)
}

type statusCarrier interface {
	Status() StatusResponse
}

func (c *Client) doJSON(ctx context.Context, op, method, path, sessionID string, in any, out statusCarrier) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	return c.roundTrip(req, op, out)
}

// roundTrip sends req and decodes the envelope into out.
func (c *Client) roundTrip(req *http.Request, op string, out statusCarrier) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("op", op).Msg("request failed")
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	c.logger.Debug().
		Str("op", op).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("request done")

	if resp.StatusCode >= 500 {
		return &TransportError{Op: op, Err: fmt.Errorf("server error %d: %s", resp.StatusCode, snippet(data))}
	}
	if resp.StatusCode >= 400 {
		var env StatusResponse
		_ = json.Unmarshal(data, &env)
		msg := env.Error
		if msg == "" {
			msg = snippet(data)
		}
		return &RejectionError{Op: op, StatusCode: resp.StatusCode, Code: env.ErrorCode, Message: msg}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if st := out.Status(); !st.Success {
		return &RejectionError{Op: op, StatusCode: resp.StatusCode, Code: st.ErrorCode, Message: st.Error}
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
