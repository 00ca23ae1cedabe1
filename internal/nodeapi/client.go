package nodeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"ovfleet/internal/logging"
)

const (
	maxEnvelopeBytes = 1 << 20
	maxProfileBytes  = 8 << 20
)

// Options configures a Client for a single node.
type Options struct {
	Address    string
	Port       int
	Key        string
	Timeout    time.Duration
	MaxRetries int
	Tunnel     TunnelSettings
	Logger     log.Logger
	HTTPClient *http.Client
	// Scheme defaults to http.
	Scheme string
}

// Client is a thin HTTP client for one node's control API. Every attempt gets
// its own timeout; failed attempts are retried immediately up to MaxRetries.
type Client struct {
	baseURL    string
	node       string
	key        string
	timeout    time.Duration
	maxRetries int
	tunnel     TunnelSettings
	http       *http.Client
	logger     log.Logger
}

// NewClient creates a client for the node described by opts.
func NewClient(opts Options) *Client {
	scheme := opts.Scheme
	if scheme == "" {
		scheme = "http"
	}
	node := net.JoinHostPort(opts.Address, strconv.Itoa(opts.Port))
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		baseURL:    scheme + "://" + node,
		node:       node,
		key:        opts.Key,
		timeout:    timeout,
		maxRetries: retries,
		tunnel:     opts.Tunnel,
		http:       httpClient,
		logger:     log.With(logging.OrNop(opts.Logger), "node", node),
	}
}

// ProbeHealth posts the tunnel settings to the status endpoint. Unreachable,
// malformed and refused responses all report unhealthy with no latency.
func (c *Client) ProbeHealth(ctx context.Context) (bool, *time.Duration) {
	_, latency, err := c.call(ctx, "probe", http.MethodPost, "/status", c.tunnel)
	if err != nil {
		level.Debug(c.logger).Log("msg", "health probe failed", "err", err)
		return false, nil
	}
	return true, &latency
}

// FetchInfo returns the node's status payload plus the measured response time
// in seconds. It returns an empty map on any failure.
func (c *Client) FetchInfo(ctx context.Context) map[string]any {
	env, latency, err := c.call(ctx, "info", http.MethodPost, "/status", c.tunnel)
	if err != nil {
		level.Debug(c.logger).Log("msg", "info fetch failed", "err", err)
		return map[string]any{}
	}

	info := map[string]any{}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &info); err != nil {
			info = map[string]any{}
		}
	}
	info["response_time"] = latency.Seconds()
	return info
}

// CreateAccount creates the named VPN account on the node.
func (c *Client) CreateAccount(ctx context.Context, name string) error {
	_, _, err := c.call(ctx, "create account", http.MethodPost, "/accounts", AccountRequest{Name: name})
	if err != nil {
		c.logRejected("failed to create account", name, err)
	}
	return err
}

// DeleteAccount removes the named VPN account from the node.
func (c *Client) DeleteAccount(ctx context.Context, name string) error {
	_, _, err := c.call(ctx, "delete account", http.MethodDelete, "/accounts", AccountRequest{Name: name})
	if err != nil {
		c.logRejected("failed to delete account", name, err)
	}
	return err
}

// ListAccounts returns the account names present on the node.
func (c *Client) ListAccounts(ctx context.Context) ([]string, error) {
	env, _, err := c.call(ctx, "list accounts", http.MethodGet, "/accounts", nil)
	if err != nil {
		return nil, err
	}
	if len(env.Data) == 0 {
		return nil, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(env.Data, &raw); err != nil {
		return nil, &RequestError{Op: "list accounts", Node: c.node, Kind: ErrMalformed, Err: err}
	}

	names := make([]string, 0, len(raw))
	for _, item := range raw {
		var name string
		if err := json.Unmarshal(item, &name); err == nil {
			names = append(names, name)
			continue
		}
		var obj struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(item, &obj); err == nil && obj.Name != "" {
			names = append(names, obj.Name)
		}
	}
	return names, nil
}

// DownloadProfile fetches the client profile for name. It makes a single
// attempt regardless of MaxRetries since it sits on a user-facing path.
func (c *Client) DownloadProfile(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/profile/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, &RequestError{Op: "download", Node: c.node, Kind: ErrRejected, Err: err}
	}
	req.Header.Set("key", c.key)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, &RequestError{Op: "download", Node: c.node, Kind: ErrUnreachable, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &RequestError{
			Op:     "download",
			Node:   c.node,
			Status: res.StatusCode,
			Msg:    strings.TrimSpace(string(body)),
			Kind:   kindForStatus(res.StatusCode),
		}
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, maxProfileBytes))
	if err != nil {
		return nil, &RequestError{Op: "download", Node: c.node, Kind: ErrUnreachable, Err: err}
	}
	return data, nil
}

// call performs up to maxRetries+1 attempts. A refused credential or an
// explicit success=false from the node ends the loop early.
func (c *Client) call(ctx context.Context, op, method, path string, body any) (Envelope, time.Duration, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return Envelope{}, 0, &RequestError{Op: op, Node: c.node, Kind: ErrRejected, Err: err}
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		env, latency, retry, err := c.attempt(ctx, op, method, path, payload)
		if err == nil {
			return env, latency, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
		level.Debug(c.logger).Log("msg", "attempt failed", "op", op, "attempt", attempt+1, "err", err)
	}
	return Envelope{}, 0, lastErr
}

func (c *Client) attempt(ctx context.Context, op, method, path string, payload []byte) (Envelope, time.Duration, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return Envelope{}, 0, false, &RequestError{Op: op, Node: c.node, Kind: ErrRejected, Err: err}
	}
	req.Header.Set("key", c.key)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		return Envelope{}, 0, true, &RequestError{Op: op, Node: c.node, Kind: ErrUnreachable, Err: err}
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxEnvelopeBytes))
	latency := time.Since(start)
	if err != nil {
		return Envelope{}, 0, true, &RequestError{Op: op, Node: c.node, Kind: ErrUnreachable, Err: err}
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		kind := kindForStatus(res.StatusCode)
		return Envelope{}, 0, !errors.Is(kind, ErrUnauthorized), &RequestError{
			Op:     op,
			Node:   c.node,
			Status: res.StatusCode,
			Msg:    messageFrom(data),
			Kind:   kind,
		}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, 0, false, &RequestError{Op: op, Node: c.node, Status: res.StatusCode, Kind: ErrMalformed, Err: err}
	}
	if !env.Success {
		return Envelope{}, 0, false, &RequestError{Op: op, Node: c.node, Status: res.StatusCode, Msg: env.Msg, Kind: ErrRejected}
	}
	return env, latency, false, nil
}

func (c *Client) logRejected(msg, account string, err error) {
	var re *RequestError
	if errors.As(err, &re) && re.Msg != "" {
		level.Warn(c.logger).Log("msg", msg, "account", account, "reason", re.Msg)
		return
	}
	level.Warn(c.logger).Log("msg", msg, "account", account, "err", err)
}

func messageFrom(body []byte) string {
	var env Envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Msg != "" {
		return env.Msg
	}
	return strings.TrimSpace(string(body))
}
