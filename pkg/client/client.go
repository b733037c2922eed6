// Package client is the Go SDK for the ledger HTTP API.
//
//	c, err := client.New("http://localhost:3000", client.WithBearerToken(tok))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := c.Append(ctx, client.AppendRequest{
//	    Event: client.Event{
//	        EntityID:  "acct-1",
//	        EventType: "payment",
//	        Data:      json.RawMessage(`{"amount":100,"currency":"USD"}`),
//	    },
//	})
//
// Compliance rejections come back as *APIError with Rule and Reason set.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned when the requested event does not exist.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response from the ledger.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	Rule       string `json:"rule,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (e *APIError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("ledger %d: %s by %s: %s", e.StatusCode, e.Message, e.Rule, e.Reason)
	}
	return fmt.Sprintf("ledger %d: %s", e.StatusCode, e.Message)
}

// Rejected reports whether the event was refused by a compliance rule or as
// a duplicate.
func (e *APIError) Rejected() bool {
	return e.StatusCode == http.StatusUnprocessableEntity || e.StatusCode == http.StatusConflict
}

// Event is the payload of an append.
type Event struct {
	EntityID  string          `json:"entity_id"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// AppendRequest is the body of POST /events.
type AppendRequest struct {
	Event     Event           `json:"event"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	ChainID   string          `json:"chain_id,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
	Signature []byte          `json:"signature,omitempty"`
}

// AppendResult is the response to POST /events.
type AppendResult struct {
	EventID    string    `json:"event_id"`
	Timestamp  time.Time `json:"timestamp"`
	Status     string    `json:"status"`
	ChainID    string    `json:"chain_id"`
	Sequence   uint64    `json:"sequence"`
	Digest     string    `json:"digest"`
	MerkleRoot string    `json:"merkle_root"`
}

// PathStep is one sibling on a Merkle inclusion path.
type PathStep struct {
	Hash string `json:"hash"`
	Side string `json:"side"`
}

// Record is a stored ledger record.
type Record struct {
	EventID      string          `json:"event_id"`
	Sequence     uint64          `json:"sequence"`
	ChainID      string          `json:"chain_id"`
	Timestamp    time.Time       `json:"timestamp"`
	Event        Event           `json:"event"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	PreviousHash string          `json:"previous_hash"`
	Digest       string          `json:"digest"`
	Signature    []byte          `json:"signature,omitempty"`
	MerklePath   []PathStep      `json:"merkle_path"`
}

// Proof is an inclusion proof against the current root.
type Proof struct {
	EventID   string     `json:"event_id"`
	LeafIndex uint64     `json:"leaf_index"`
	TreeSize  int        `json:"tree_size"`
	Digest    string     `json:"digest"`
	Path      []PathStep `json:"path"`
	Root      string     `json:"root"`
}

// Integrity is the result of GET /integrity.
type Integrity struct {
	IsValid    bool      `json:"is_valid"`
	VerifiedAt time.Time `json:"verified_at"`
	Message    string    `json:"message"`
	ChainID    string    `json:"chain_id,omitempty"`
	Index      *int      `json:"index,omitempty"`
	EventID    string    `json:"event_id,omitempty"`
}

// Root is the result of GET /merkle-root.
type Root struct {
	MerkleRoot string    `json:"merkle_root"`
	TreeSize   int       `json:"tree_size"`
	Timestamp  time.Time `json:"timestamp"`
}

// AuditFilter narrows AuditTrail. Zero fields are not sent.
type AuditFilter struct {
	EntityID string
	ChainID  string
	Start    time.Time
	End      time.Time
}

// Client talks to one ledger server.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// New creates a Client for the ledger at base, e.g. "http://localhost:3000".
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("parse ledger url: %w", err)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Append submits an event.
func (c *Client) Append(ctx context.Context, req AppendRequest) (*AppendResult, error) {
	var out AppendResult
	if err := c.call(ctx, http.MethodPost, "/events", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get fetches one record.
func (c *Client) Get(ctx context.Context, eventID string) (*Record, error) {
	var out Record
	if err := c.call(ctx, http.MethodGet, "/events/"+url.PathEscape(eventID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Proof fetches an inclusion proof for eventID.
func (c *Client) Proof(ctx context.Context, eventID string) (*Proof, error) {
	var out Proof
	if err := c.call(ctx, http.MethodGet, "/events/"+url.PathEscape(eventID)+"/proof", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AuditTrail lists records matching f in append order.
func (c *Client) AuditTrail(ctx context.Context, f AuditFilter) ([]Record, error) {
	q := url.Values{}
	if f.EntityID != "" {
		q.Set("entity_id", f.EntityID)
	}
	if f.ChainID != "" {
		q.Set("chain_id", f.ChainID)
	}
	if !f.Start.IsZero() {
		q.Set("start", f.Start.UTC().Format(time.RFC3339Nano))
	}
	if !f.End.IsZero() {
		q.Set("end", f.End.UTC().Format(time.RFC3339Nano))
	}
	path := "/audit"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Records []Record `json:"records"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// VerifyIntegrity asks the server to verify the whole ledger. A broken
// ledger is reported through Integrity.IsValid, not as an error.
func (c *Client) VerifyIntegrity(ctx context.Context) (*Integrity, error) {
	var out Integrity
	if err := c.call(ctx, http.MethodGet, "/integrity", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MerkleRoot fetches the current aggregate root.
func (c *Client) MerkleRoot(ctx context.Context) (*Root, error) {
	var out Root
	if err := c.call(ctx, http.MethodGet, "/merkle-root", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health returns nil when the server is live.
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
