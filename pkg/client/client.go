// Package client talks to a plugind daemon over its JSON-RPC and REST surface.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const DefaultBaseURL = "http://127.0.0.1:8080/api"

// Client calls one daemon. It is safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
	tls     *tls.Config
	logger  *slog.Logger
	nextID  atomic.Uint64
	token   atomic.Pointer[string]
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool   // Skip TLS verification
	Token    string // Bearer token from Login; sent on every request
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: 10 * time.Second}
}

// New creates a client. A TLS setup failure is returned rather than ignored.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	var tlsConfig *tls.Config
	if config.TLS != nil || config.Insecure {
		var err error
		if tlsConfig, err = setupClientTLS(config); err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}
	c := &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
		tls:     tlsConfig,
		logger:  config.Logger,
	}
	c.SetToken(config.Token)
	return c, nil
}

// SetToken replaces the bearer token. An empty token disables the header.
func (c *Client) SetToken(tok string) { c.token.Store(&tok) }

func (c *Client) authHeader() http.Header {
	h := http.Header{}
	if p := c.token.Load(); p != nil && *p != "" {
		h.Set("Authorization", "Bearer "+*p)
	}
	return h
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	for k, v := range c.authHeader() {
		req.Header[k] = v
	}
	return c.client.Do(req)
}

// Login exchanges credentials for a token and uses it for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (Token, error) {
	var tok Token
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login", nil)
	if err != nil {
		return tok, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(username, password)
	resp, err := c.client.Do(req)
	if err != nil {
		return tok, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return tok, restError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return tok, fmt.Errorf("decode response: %w", err)
	}
	c.SetToken(tok.Value)
	return tok, nil
}

func restError(resp *http.Response) error {
	var e errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return fmt.Errorf("API error (%s): %s", e.Code, e.Error)
}

// BaseURL is the API root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// IsReachable reports whether the daemon answers a status query.
func (c *Client) IsReachable(ctx context.Context) bool {
	if _, err := c.ProcessInfo(ctx); err != nil {
		c.logger.Debug("Daemon unreachable", "url", c.baseURL, "error", err)
		return false
	}
	return true
}

// Call invokes method over JSON-RPC and decodes the result into out (when non-nil).
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jsonrpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %w", method, restError(resp))
	}
	var rpc rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpc.Error != nil {
		c.logger.Debug("Request rejected", "method", method, "code", rpc.Error.Kind(), "error", rpc.Error.Message)
		return rpc.Error
	}
	if out != nil && len(rpc.Result) > 0 {
		if err := json.Unmarshal(rpc.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

type callsignParams struct {
	Callsign string `json:"callsign"`
}

func (c *Client) Activate(ctx context.Context, callsign string) error {
	return c.Call(ctx, "activate", callsignParams{callsign}, nil)
}

func (c *Client) Deactivate(ctx context.Context, callsign string) error {
	return c.Call(ctx, "deactivate", callsignParams{callsign}, nil)
}

func (c *Client) Delete(ctx context.Context, callsign string) error {
	return c.Call(ctx, "delete", callsignParams{callsign}, nil)
}

// Configure stores blob for callsign. Valid JSON is sent as a JSON value, anything else as a string.
func (c *Client) Configure(ctx context.Context, callsign, blob string) error {
	var cfg json.RawMessage
	if json.Valid([]byte(blob)) {
		cfg = json.RawMessage(blob)
	} else {
		cfg, _ = json.Marshal(blob)
	}
	return c.Call(ctx, "configure", map[string]any{"callsign": callsign, "configuration": cfg}, nil)
}

func (c *Client) Configuration(ctx context.Context, callsign string) (string, error) {
	var out struct {
		Configuration string `json:"configuration"`
	}
	err := c.Call(ctx, "configuration", callsignParams{callsign}, &out)
	return out.Configuration, err
}

// Status returns every plugin, or one when callsign is set.
func (c *Client) Status(ctx context.Context, callsign string) ([]Record, error) {
	var params any
	if callsign != "" {
		params = callsignParams{callsign}
	}
	var out []Record
	err := c.Call(ctx, "status", params, &out)
	return out, err
}

// Download starts a transfer and returns its key.
func (c *Client) Download(ctx context.Context, source, destination, hash string) (uint64, error) {
	var out struct {
		Key uint64 `json:"key"`
	}
	err := c.Call(ctx, "download", map[string]string{"source": source, "destination": destination, "hash": hash}, &out)
	return out.Key, err
}

func (c *Client) Downloads(ctx context.Context) ([]Download, error) {
	var out []Download
	err := c.Call(ctx, "downloads", nil, &out)
	return out, err
}

func (c *Client) Resumes(ctx context.Context) ([]ResumeEntry, error) {
	var out []ResumeEntry
	err := c.Call(ctx, "resumes", nil, &out)
	return out, err
}

func (c *Client) Subsystems(ctx context.Context) (Subsystems, error) {
	var out Subsystems
	err := c.Call(ctx, "subsystems", nil, &out)
	return out, err
}

// StoreConfig persists every configuration blob and returns how many were stored.
func (c *Client) StoreConfig(ctx context.Context) (int, error) {
	var out struct {
		Stored int `json:"stored"`
	}
	err := c.Call(ctx, "storeconfig", nil, &out)
	return out.Stored, err
}

func (c *Client) ProcessInfo(ctx context.Context) (ProcessInfo, error) {
	var out ProcessInfo
	err := c.Call(ctx, "processinfo", nil, &out)
	return out, err
}

// Environment returns the value of a daemon environment variable.
func (c *Client) Environment(ctx context.Context, name string) (string, error) {
	var out struct {
		Value string `json:"value"`
	}
	err := c.Call(ctx, "environment", name, &out)
	return out.Value, err
}

func (c *Client) Links(ctx context.Context) ([]Link, error) {
	var out []Link
	err := c.Call(ctx, "links", nil, &out)
	return out, err
}

// Notify broadcasts data as an all event on behalf of callsign.
func (c *Client) Notify(ctx context.Context, callsign, data string) error {
	return c.Call(ctx, "notify", map[string]string{"callsign": callsign, "data": data}, nil)
}

// Harakiri asks the daemon to shut down.
func (c *Client) Harakiri(ctx context.Context) error {
	return c.Call(ctx, "harakiri", nil, nil)
}

// SetSubsystem marks a subsystem satisfied or not through the REST surface.
func (c *Client) SetSubsystem(ctx context.Context, name string, satisfied bool) (bool, error) {
	u := c.baseURL + "/subsystems/" + url.PathEscape(name) + "?satisfied=" + strconv.FormatBool(satisfied)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return false, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false, restError(resp)
	}
	var out struct {
		Changed bool `json:"changed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return out.Changed, nil
}

// Watch streams events until ctx ends or the connection drops. An empty names
// list receives every event.
func (c *Client) Watch(ctx context.Context, names []string, fn func(Event)) error {
	u, err := url.Parse(c.baseURL + "/events")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if len(names) > 0 {
		u.RawQuery = "events=" + url.QueryEscape(strings.Join(names, ","))
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.client.Timeout, TLSClientConfig: c.tls}
	conn, _, err := dialer.DialContext(ctx, u.String(), c.authHeader())
	if err != nil {
		return fmt.Errorf("dial events: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
	}()
	for {
		var e Event
		if err := conn.ReadJSON(&e); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event: %w", err)
		}
		if e.Name != "" {
			fn(e)
		}
	}
}

// IsNotFound reports whether err is the daemon's not_found error.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind() == "not_found"
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		// #nosec G402 explicit opt-in
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	t := config.TLS
	if t.ServerName != "" {
		tlsConfig.ServerName = t.ServerName
	}
	if t.CACert != "" {
		caCert, err := os.ReadFile(t.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	if t.ClientCert != "" && t.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(t.ClientCert, t.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
