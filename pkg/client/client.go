package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to a running stackr API server.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
	Conflict   *PortConflict
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:7780/api",
		Timeout: 90 * time.Second,
	}
}

// New creates a new stackr API client.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the server is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Server unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	ok := resp.StatusCode == http.StatusOK
	c.logger.Debug("Server reachability check", "reachable", ok, "status", resp.StatusCode)
	return ok
}

func (c *Client) Status(ctx context.Context) ([]ServiceStatus, error) {
	var out []ServiceStatus
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

// Start starts one service and returns its new state.
func (c *Client) Start(ctx context.Context, service string) (ServiceStatus, error) {
	return c.serviceAction(ctx, service, "start")
}

func (c *Client) Stop(ctx context.Context, service string) (ServiceStatus, error) {
	return c.serviceAction(ctx, service, "stop")
}

func (c *Client) Restart(ctx context.Context, service string) (ServiceStatus, error) {
	return c.serviceAction(ctx, service, "restart")
}

func (c *Client) Reload(ctx context.Context, service string) (ServiceStatus, error) {
	return c.serviceAction(ctx, service, "reload")
}

func (c *Client) serviceAction(ctx context.Context, service, action string) (ServiceStatus, error) {
	c.logger.Debug("Service action", "service", service, "action", action)
	var out ServiceStatus
	err := c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(service)+"/"+action, nil, &out)
	return out, err
}

func (c *Client) StartAll(ctx context.Context) ([]ServiceStatus, error) {
	var out []ServiceStatus
	err := c.do(ctx, http.MethodPost, "/start-all", nil, &out)
	return out, err
}

func (c *Client) StopAll(ctx context.Context) ([]ServiceStatus, error) {
	var out []ServiceStatus
	err := c.do(ctx, http.MethodPost, "/stop-all", nil, &out)
	return out, err
}

func (c *Client) Health(ctx context.Context) (HealthReport, error) {
	var out HealthReport
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

func (c *Client) Ports(ctx context.Context) ([]PortBinding, error) {
	var out []PortBinding
	err := c.do(ctx, http.MethodGet, "/ports", nil, &out)
	return out, err
}

// FreePort returns the first port in [start, max] with no listener.
// found is false when the range is fully occupied.
func (c *Client) FreePort(ctx context.Context, start, max int) (port int, found bool, err error) {
	q := url.Values{}
	q.Set("start", strconv.Itoa(start))
	q.Set("max", strconv.Itoa(max))
	var out freePortResponse
	if err := c.do(ctx, http.MethodGet, "/ports/free?"+q.Encode(), nil, &out); err != nil {
		return 0, false, err
	}
	return out.Port, out.Found, nil
}

func (c *Client) PortInfo(ctx context.Context, port int) (PortInfo, error) {
	var out PortInfo
	err := c.do(ctx, http.MethodGet, "/ports/"+strconv.Itoa(port), nil, &out)
	return out, err
}

// KillPort terminates the process listening on port. The server refuses
// OS-critical owners with a 409.
func (c *Client) KillPort(ctx context.Context, port int) error {
	return c.do(ctx, http.MethodDelete, "/ports/"+strconv.Itoa(port), nil, nil)
}

func (c *Client) Sites(ctx context.Context) ([]Site, error) {
	var out []Site
	err := c.do(ctx, http.MethodGet, "/sites", nil, &out)
	return out, err
}

func (c *Client) Rescan(ctx context.Context) ([]Site, error) {
	var out []Site
	err := c.do(ctx, http.MethodPost, "/sites/rescan", nil, &out)
	return out, err
}

func (c *Client) AddSite(ctx context.Context, hostname string) error {
	return c.do(ctx, http.MethodPost, "/sites", map[string]string{"hostname": hostname}, nil)
}

// SwitchVersion activates an installed runtime version for service.
func (c *Client) SwitchVersion(ctx context.Context, service, version string) ([]ServiceStatus, error) {
	var out []ServiceStatus
	err := c.do(ctx, http.MethodPost, "/versions/"+url.PathEscape(service), map[string]string{"version": version}, &out)
	return out, err
}

func (c *Client) Logs(ctx context.Context, source string, n int) ([]LogEntry, error) {
	var out logsResponse
	path := "/logs/" + url.PathEscape(source)
	if n > 0 {
		path += "?n=" + strconv.Itoa(n)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// History returns recent transitions, newest first. An empty service
// matches every service.
func (c *Client) History(ctx context.Context, service string, limit int) ([]HistoryEvent, error) {
	q := url.Values{}
	if service != "" {
		q.Set("service", service)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out historyResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// do performs an HTTP request with common error handling and decodes a
// 200 response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
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

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	c.logger.Debug("API request failed", "error", er.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: er.Error, Conflict: er.Conflict}
}
