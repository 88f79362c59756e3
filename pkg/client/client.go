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

// ErrNotFound is returned when the node has no record for the request.
var ErrNotFound = errors.New("not found")

// PubKey is a hex public key on a named curve.
type PubKey struct {
	Curve string `json:"curve,omitempty"`
	Pub   string `json:"pub"`
}

// Seal is a seal record as served by the node.
type Seal struct {
	Link           string     `json:"link"`
	Role           string     `json:"role"`
	Permalink      string     `json:"permalink,omitempty"`
	PrevLink       string     `json:"prev_link,omitempty"`
	BasePubKey     PubKey     `json:"base_pub_key"`
	Address        string     `json:"address"`
	PrevAddress    string     `json:"prev_address,omitempty"`
	KeyFingerprint string     `json:"key_fingerprint,omitempty"`
	TxID           string     `json:"tx_id,omitempty"`
	Confirmations  int64      `json:"confirmations"`
	Unsealed       bool       `json:"unsealed"`
	Unwatched      bool       `json:"unwatched"`
	State          string     `json:"state,omitempty"`
	DateCreated    time.Time  `json:"date_created"`
	DateSealed     *time.Time `json:"date_sealed,omitempty"`
	DateUpdated    time.Time  `json:"date_updated"`
}

// CreateSealRequest is the payload for CreateSeal.
type CreateSealRequest struct {
	KeyFingerprint string `json:"key_fingerprint"`
	Link           string `json:"link"`
	Permalink      string `json:"permalink,omitempty"`
	PrevLink       string `json:"prev_link,omitempty"`
}

// WatchSealRequest is the payload for WatchSeal.
type WatchSealRequest struct {
	BasePubKey PubKey `json:"base_pub_key"`
	Link       string `json:"link"`
	Permalink  string `json:"permalink,omitempty"`
	PrevLink   string `json:"prev_link,omitempty"`
}

// Derivation is the result of DeriveAddress.
type Derivation struct {
	Link       string `json:"link"`
	BasePubKey PubKey `json:"base_pub_key"`
	PubKey     PubKey `json:"pub_key"`
	Address    string `json:"address"`
	Network    string `json:"network"`
}

// LedgerInfo describes the node's ledger.
type LedgerInfo struct {
	Flavor        string `json:"flavor"`
	Network       string `json:"network"`
	BlockHeight   int64  `json:"block_height"`
	Confirmations int64  `json:"confirmations"`
	Synchronous   bool   `json:"synchronous"`
	Testnet       bool   `json:"testnet"`
	SealAmount    string `json:"seal_amount"`
}

// SealCycleResult is the combined report of one seal cycle.
type SealCycleResult struct {
	Seal struct {
		Groups   int      `json:"groups"`
		Sealed   int      `json:"sealed"`
		Failed   int      `json:"failed"`
		TxIDs    []string `json:"tx_ids,omitempty"`
		Errors   []string `json:"errors,omitempty"`
		Duration string   `json:"duration"`
	} `json:"seal"`
	Sync struct {
		Checked     int    `json:"checked"`
		Updated     int    `json:"updated"`
		Confirmed   int    `json:"confirmed"`
		BlockHeight int64  `json:"block_height"`
		Error       string `json:"error,omitempty"`
	} `json:"sync"`
}

// FailureCycleResult is the report of one failures cycle.
type FailureCycleResult struct {
	FailedReads  int      `json:"failed_reads"`
	FailedWrites int      `json:"failed_writes"`
	Errors       []string `json:"errors,omitempty"`
}

// Client talks to one sealerd node.
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

// WithBearerToken attaches an operator token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// New creates a Client for the node at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid node URL %q: %w", base, err)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/") + "/api/v1",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// CreateSeal queues link for sealing with the node's key.
func (c *Client) CreateSeal(ctx context.Context, req CreateSealRequest) (*Seal, error) {
	var s Seal
	if err := c.call(ctx, http.MethodPost, "/seals", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// WatchSeal asks the node to observe a counterparty's seal of link.
func (c *Client) WatchSeal(ctx context.Context, req WatchSealRequest) (*Seal, error) {
	var s Seal
	if err := c.call(ctx, http.MethodPost, "/seals/watch", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSeal fetches the record for link. An empty role prefers WRITE over READ.
func (c *Client) GetSeal(ctx context.Context, link, role string) (*Seal, error) {
	path := "/seals/" + url.PathEscape(link)
	if role != "" {
		path += "?role=" + url.QueryEscape(role)
	}
	var s Seal
	if err := c.call(ctx, http.MethodGet, path, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSeals runs one of the node's classification queries: unsealed,
// unconfirmed, failed-writes, failed-reads or long-unconfirmed. A zero grace
// uses the node's default.
func (c *Client) ListSeals(ctx context.Context, status string, grace time.Duration) ([]Seal, error) {
	q := url.Values{}
	q.Set("status", status)
	if grace > 0 {
		q.Set("grace", grace.String())
	}
	var out struct {
		Seals []Seal `json:"seals"`
	}
	if err := c.call(ctx, http.MethodGet, "/seals?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Seals, nil
}

// ListByPermalink returns every record grouped under permalink.
func (c *Client) ListByPermalink(ctx context.Context, permalink string) ([]Seal, error) {
	var out struct {
		Seals []Seal `json:"seals"`
	}
	if err := c.call(ctx, http.MethodGet, "/permalinks/"+url.PathEscape(permalink)+"/seals", nil, &out); err != nil {
		return nil, err
	}
	return out.Seals, nil
}

// DeriveAddress asks the node for the one-time address of link under pub.
func (c *Client) DeriveAddress(ctx context.Context, link string, pub PubKey) (*Derivation, error) {
	q := url.Values{}
	q.Set("link", link)
	q.Set("pub", pub.Pub)
	if pub.Curve != "" {
		q.Set("curve", pub.Curve)
	}
	var d Derivation
	if err := c.call(ctx, http.MethodGet, "/addresses/derive?"+q.Encode(), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// RunSealCycle triggers SealPending followed by SyncUnconfirmed.
func (c *Client) RunSealCycle(ctx context.Context) (*SealCycleResult, error) {
	var r SealCycleResult
	if err := c.call(ctx, http.MethodPost, "/cycles/seal", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// RunFailureCycle triggers failure handling. Zero graces use the node's policy.
func (c *Client) RunFailureCycle(ctx context.Context, readGrace, writeGrace time.Duration) (*FailureCycleResult, error) {
	body := map[string]string{}
	if readGrace > 0 {
		body["read_grace"] = readGrace.String()
	}
	if writeGrace > 0 {
		body["write_grace"] = writeGrace.String()
	}
	var r FailureCycleResult
	if err := c.call(ctx, http.MethodPost, "/cycles/failures", body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Ledger returns the node's network descriptor and current block height.
func (c *Client) Ledger(ctx context.Context) (*LedgerInfo, error) {
	var l LedgerInfo
	if err := c.call(ctx, http.MethodGet, "/ledger", nil, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// Recharge tops up address from the test network faucet and returns the new
// balance as a decimal string.
func (c *Client) Recharge(ctx context.Context, address, minBalance string, force bool) (string, error) {
	req := map[string]any{"address": address, "force": force}
	if minBalance != "" {
		req["min_balance"] = minBalance
	}
	var out struct {
		Balance string `json:"balance"`
	}
	if err := c.call(ctx, http.MethodPost, "/ledger/recharge", req, &out); err != nil {
		return "", err
	}
	return out.Balance, nil
}

// call sends a JSON request and decodes a JSON response into out.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	respBytes, err := c.do(req)
	if err != nil {
		return err
	}
	if out != nil && len(respBytes) > 0 {
		if err := json.Unmarshal(respBytes, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	}
	if resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}
	return body, nil
}

// APIError is a non-2xx response from the node.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}
