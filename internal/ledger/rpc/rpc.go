// Package rpc writes FCUID fragments to a ledger reachable over JSON-RPC 2.0,
// the interface exposed by blockchain nodes and audit gateways.
//
// The node is expected to implement two methods: a submit method (default
// "audit_submit") taking {fcuid, fragment, payload} and returning
// {tx, memo}, and a read method (default "audit_getMemo") taking {tx} and
// returning {memo}. Calls are paced by a token bucket.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/fsl-continuum/fcuid/internal/ledger"
)

// JSON-RPC error code a node uses for an unknown transaction.
const codeNotFound = -32004

// Config describes one endpoint.
type Config struct {
	Name         string
	Endpoint     string
	SubmitMethod string
	ReadMethod   string
	Token        string  // bearer token, optional
	RPS          float64 // requests per second, 0 = unlimited
	HTTPClient   *http.Client
}

// Client is a JSON-RPC ledger.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

var (
	_ ledger.Ledger = (*Client)(nil)
	_ ledger.Reader = (*Client)(nil)
)

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("rpc ledger %q: endpoint is required", cfg.Name)
	}
	if !strings.HasPrefix(cfg.Endpoint, "http://") && !strings.HasPrefix(cfg.Endpoint, "https://") {
		return nil, fmt.Errorf("rpc ledger %q: endpoint must be http(s): %s", cfg.Name, cfg.Endpoint)
	}
	if cfg.SubmitMethod == "" {
		cfg.SubmitMethod = "audit_submit"
	}
	if cfg.ReadMethod == "" {
		cfg.ReadMethod = "audit_getMemo"
	}
	c := &Client{cfg: cfg, http: cfg.HTTPClient}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.RPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	return c, nil
}

// Name returns the display name.
func (c *Client) Name() string {
	return c.cfg.Name
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type submitParams struct {
	FCUID    string         `json:"fcuid"`
	Fragment string         `json:"fragment"`
	Payload  map[string]any `json:"payload,omitempty"`
}

type submitResult struct {
	Tx   string `json:"tx"`
	Memo string `json:"memo"`
}

// Write submits entry. The receipt carries the memo the node reports as
// embedded; a node that does not echo it is trusted with what was sent.
func (c *Client) Write(ctx context.Context, entry ledger.Entry) (ledger.Receipt, error) {
	var res submitResult
	if err := c.call(ctx, c.cfg.SubmitMethod, submitParams{
		FCUID:    entry.FCUID,
		Fragment: entry.Fragment,
		Payload:  entry.Payload,
	}, &res); err != nil {
		return ledger.Receipt{}, err
	}
	if res.Tx == "" {
		return ledger.Receipt{}, backoff.Permanent(fmt.Errorf("%s: submit returned no transaction", c.cfg.Name))
	}
	memo := res.Memo
	if memo == "" {
		memo = entry.Fragment
	}
	return ledger.Receipt{TxRef: res.Tx, Fragment: memo}, nil
}

// ReadMemo fetches the memo embedded in tx.
func (c *Client) ReadMemo(ctx context.Context, txRef string) (string, error) {
	var res struct {
		Memo string `json:"memo"`
	}
	err := c.call(ctx, c.cfg.ReadMethod, map[string]string{"tx": txRef}, &res)
	var rpcErr *Error
	if errors.As(err, &rpcErr) && rpcErr.Code == codeNotFound {
		return "", fmt.Errorf("%s %s: %w", c.cfg.Name, txRef, ledger.ErrTxNotFound)
	}
	if err != nil {
		return "", err
	}
	return res.Memo, nil
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limiter: %w", c.cfg.Name, err)
		}
	}
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: uuid.NewString(), Method: method, Params: []any{params}})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", c.cfg.Name, method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", c.cfg.Name, method, err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return backoff.Permanent(fmt.Errorf("%s %s: HTTP %d", c.cfg.Name, method, resp.StatusCode))
	case resp.StatusCode >= 300:
		return fmt.Errorf("%s %s: HTTP %d: %s", c.cfg.Name, method, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var rpcResp response
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", c.cfg.Name, method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("%s %s: decode result: %w", c.cfg.Name, method, err)
	}
	return nil
}
