// Package client talks to the bpftraced HTTP API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

const defaultBaseURL = "http://127.0.0.1:7171/api"

// Client provides HTTP client functionality to communicate with the bpftraced daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool
	CACert     string // CA certificate file path, e.g. the daemon's auto-generated tls.crt
	ServerName string
	SkipVerify bool
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{BaseURL: defaultBaseURL, Timeout: 30 * time.Second}
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// New creates a new bpftraced API client. A broken TLS setup is an error.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, fmt.Errorf("TLS setup: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Runtime(ctx)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	return true
}

// Create creates a script and, unless req.Start is false, starts it.
func (c *Client) Create(ctx context.Context, req CreateRequest) (Script, error) {
	var out Script
	err := c.do(ctx, http.MethodPost, "/scripts", req, &out)
	return out, err
}

// List returns one page of scripts, oldest first. limit <= 0 uses the server default.
func (c *Client) List(ctx context.Context, offset, limit int) (ScriptList, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out ScriptList
	err := c.do(ctx, http.MethodGet, "/scripts?"+q.Encode(), nil, &out)
	return out, err
}

// Get returns a script. This counts as access and keeps the script from expiring.
func (c *Client) Get(ctx context.Context, id string) (Script, error) {
	var out Script
	err := c.do(ctx, http.MethodGet, "/scripts/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) Start(ctx context.Context, id string) (Script, error) {
	var out Script
	err := c.do(ctx, http.MethodPost, "/scripts/"+url.PathEscape(id)+"/start", nil, &out)
	return out, err
}

func (c *Client) Stop(ctx context.Context, id string) (Script, error) {
	var out Script
	err := c.do(ctx, http.MethodPost, "/scripts/"+url.PathEscape(id)+"/stop", nil, &out)
	return out, err
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/scripts/"+url.PathEscape(id), nil, nil)
}

// History returns up to limit lifecycle events of a script.
func (c *Client) History(ctx context.Context, id string, limit int) ([]Event, error) {
	path := "/scripts/" + url.PathEscape(id) + "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []Event
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Runtime(ctx context.Context) (Runtime, error) {
	var out Runtime
	err := c.do(ctx, http.MethodGet, "/runtime", nil, &out)
	return out, err
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS != nil {
		tlsConfig.InsecureSkipVerify = config.TLS.SkipVerify
		tlsConfig.ServerName = config.TLS.ServerName
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return errors.New("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return nil
}

// do sends in as JSON when non-nil and decodes a 2xx body into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "method", method, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse turns an error body into an APIError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}
