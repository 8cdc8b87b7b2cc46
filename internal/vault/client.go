// ABOUTME: HTTP client for Vault KV v2 read, write, list and token lookup
// ABOUTME: Classifies transport and status failures into typed errors callers can explain

package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	DefaultMount   = "secret"
	DefaultPrefix  = "proxmox-services"
	DefaultTimeout = 10 * time.Second

	maxResponseBody = 1 << 20
)

var (
	ErrNotFound         = errors.New("not found in vault")
	ErrPermissionDenied = errors.New("vault permission denied")
	ErrTimeout          = errors.New("vault request timed out")
	ErrUnreachable      = errors.New("vault unreachable")
)

// HTTPError is an unexpected status from Vault.
type HTTPError struct {
	Status int
	Path   string
	Errors []string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("vault returned HTTP %d for %s", e.Status, e.Path)
	if len(e.Errors) > 0 {
		msg += ": " + strings.Join(e.Errors, "; ")
	}
	return msg
}

// Config configures a Client.
type Config struct {
	Addr      string
	Token     string
	Namespace string
	Mount     string
	Prefix    string
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Client is safe for concurrent use.
type Client struct {
	addr      string
	token     string
	namespace string
	mount     string
	prefix    string
	http      *http.Client
	logger    *slog.Logger
}

// Bundle is one service's secrets at a version.
type Bundle struct {
	Service     string
	Data        map[string]string
	Version     int
	CreatedTime time.Time
}

// Keys returns the bundle's key names, sorted.
func (b *Bundle) Keys() []string {
	keys := make([]string, 0, len(b.Data))
	for k := range b.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TokenInfo is the subset of token metadata shown to the agent.
type TokenInfo struct {
	DisplayName string
	Policies    []string
	TTL         time.Duration
	ExpireTime  *time.Time
	Renewable   bool
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	addr := strings.TrimRight(cfg.Addr, "/")
	if addr == "" {
		return nil, errors.New("vault address is required (set vault.addr or VAULT_ADDR)")
	}
	if _, err := url.ParseRequestURI(addr); err != nil {
		return nil, fmt.Errorf("invalid vault address %q: %w", addr, err)
	}
	if cfg.Token == "" {
		return nil, errors.New("vault token is required (set vault.token or VAULT_TOKEN)")
	}
	if cfg.Mount == "" {
		cfg.Mount = DefaultMount
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		addr:      addr,
		token:     cfg.Token,
		namespace: cfg.Namespace,
		mount:     strings.Trim(cfg.Mount, "/"),
		prefix:    strings.Trim(cfg.Prefix, "/"),
		http:      &http.Client{Timeout: cfg.Timeout},
		logger:    cfg.Logger.With("component", "vault"),
	}, nil
}

// Addr returns the Vault address.
func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) dataPath(service string) string {
	return fmt.Sprintf("/v1/%s/data/%s/%s", c.mount, c.prefix, url.PathEscape(service))
}

// Read fetches the latest version of service's secrets.
func (c *Client) Read(ctx context.Context, service string) (*Bundle, error) {
	var resp struct {
		Data struct {
			Data     map[string]any `json:"data"`
			Metadata struct {
				Version     int       `json:"version"`
				CreatedTime time.Time `json:"created_time"`
			} `json:"metadata"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, c.dataPath(service), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Data.Data == nil {
		// Latest version was deleted.
		return nil, fmt.Errorf("service %q: %w", service, ErrNotFound)
	}

	data := make(map[string]string, len(resp.Data.Data))
	for k, v := range resp.Data.Data {
		switch s := v.(type) {
		case string:
			data[k] = s
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encoding value of %s: %w", k, err)
			}
			data[k] = string(b)
		}
	}
	return &Bundle{
		Service:     service,
		Data:        data,
		Version:     resp.Data.Metadata.Version,
		CreatedTime: resp.Data.Metadata.CreatedTime,
	}, nil
}

// Write stores values as a new version of service and returns that version.
// The write replaces the whole bundle; callers merge beforehand.
func (c *Client) Write(ctx context.Context, service string, values map[string]string) (int, error) {
	var resp struct {
		Data struct {
			Version int `json:"version"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, c.dataPath(service), map[string]any{"data": values}, &resp); err != nil {
		return 0, err
	}
	c.logger.Info("wrote secrets", "service", service, "keys", len(values), "version", resp.Data.Version)
	return resp.Data.Version, nil
}

// List returns the service names under the prefix. A prefix with no entries
// is an empty list.
func (c *Client) List(ctx context.Context) ([]string, error) {
	var resp struct {
		Data struct {
			Keys []string `json:"keys"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/v1/%s/metadata/%s?list=true", c.mount, c.prefix)
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	if errors.Is(err, ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	services := make([]string, 0, len(resp.Data.Keys))
	for _, k := range resp.Data.Keys {
		// Trailing slashes mark nested folders, which are not services.
		if !strings.HasSuffix(k, "/") {
			services = append(services, k)
		}
	}
	sort.Strings(services)
	return services, nil
}

// LookupSelf validates the token and returns its metadata.
func (c *Client) LookupSelf(ctx context.Context) (*TokenInfo, error) {
	var resp struct {
		Data struct {
			DisplayName string   `json:"display_name"`
			Policies    []string `json:"policies"`
			TTL         int64    `json:"ttl"`
			ExpireTime  *string  `json:"expire_time"`
			Renewable   bool     `json:"renewable"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/auth/token/lookup-self", nil, &resp); err != nil {
		return nil, err
	}
	info := &TokenInfo{
		DisplayName: resp.Data.DisplayName,
		Policies:    resp.Data.Policies,
		TTL:         time.Duration(resp.Data.TTL) * time.Second,
		Renewable:   resp.Data.Renewable,
	}
	if resp.Data.ExpireTime != nil && *resp.Data.ExpireTime != "" {
		if t, err := time.Parse(time.RFC3339Nano, *resp.Data.ExpireTime); err == nil {
			info.ExpireTime = &t
		}
	}
	return info, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding vault request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.addr+path, reader)
	if err != nil {
		return fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", c.token)
	if c.namespace != "" {
		req.Header.Set("X-Vault-Namespace", c.namespace)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(c.addr, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("reading vault response: %w", err)
	}

	display, _, _ := strings.Cut(path, "?")
	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusOK:
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("parsing vault response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", display, ErrNotFound)
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", display, ErrPermissionDenied)
	default:
		var envelope struct {
			Errors []string `json:"errors"`
		}
		_ = json.Unmarshal(raw, &envelope)
		return &HTTPError{Status: resp.StatusCode, Path: display, Errors: envelope.Errors}
	}
}

func classifyTransportError(addr string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w (%s): %v", ErrTimeout, addr, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w at %s: %v", ErrUnreachable, addr, err)
}
