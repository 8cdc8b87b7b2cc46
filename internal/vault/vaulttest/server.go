// ABOUTME: In-memory KV v2 server for tests of code that talks to the vault client
// ABOUTME: Serves data reads and writes, metadata listing and token lookup over httptest

// Package vaulttest provides a fake KV v2 secret store.
package vaulttest

import (
	"encoding/json"
	"maps"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/2389/coven-vault/internal/vault"
)

// Token is the only token the server accepts.
const Token = "hvs.test-token"

type bundle struct {
	data    map[string]string
	version int
	created time.Time
}

// Server is a fake vault holding services under the default mount and prefix.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	services map[string]*bundle
	writes   int
	down     bool
}

// New starts a server that is closed when t finishes.
func New(t *testing.T) *Server {
	t.Helper()
	s := &Server{services: make(map[string]*bundle)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// Client returns a vault client for the server.
func (s *Server) Client(t *testing.T) *vault.Client {
	t.Helper()
	c, err := vault.New(vault.Config{Addr: s.URL, Token: Token, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("creating vault client: %v", err)
	}
	return c
}

// Put stores values as a new version of service.
func (s *Server) Put(service string, values map[string]string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(service, values)
}

// Data returns a copy of service's latest values, or nil.
func (s *Server) Data(service string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.services[service]
	if !ok {
		return nil
	}
	return maps.Clone(b.data)
}

// Writes counts successful writes made through the HTTP API.
func (s *Server) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// SetDown makes every request fail with 503 while down is true.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *Server) putLocked(service string, values map[string]string) int {
	version := 1
	if b, ok := s.services[service]; ok {
		version = b.version + 1
	}
	s.services[service] = &bundle{data: maps.Clone(values), version: version, created: time.Now().UTC()}
	return version
}

const (
	dataPrefix     = "/v1/" + vault.DefaultMount + "/data/" + vault.DefaultPrefix + "/"
	metadataPrefix = "/v1/" + vault.DefaultMount + "/metadata/" + vault.DefaultPrefix
)

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"errors": []string{"Vault is sealed"}})
		return
	}
	if r.Header.Get("X-Vault-Token") != Token {
		writeJSON(w, http.StatusForbidden, map[string]any{"errors": []string{"permission denied"}})
		return
	}

	switch {
	case r.URL.Path == "/v1/auth/token/lookup-self":
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"display_name": "token-coven",
			"policies":     []string{"default", "services-rw"},
			"ttl":          3600,
			"renewable":    true,
		}})

	case r.URL.Path == metadataPrefix && r.URL.Query().Get("list") == "true":
		if len(s.services) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		keys := make([]string, 0, len(s.services))
		for k := range s.services {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"keys": keys}})

	case strings.HasPrefix(r.URL.Path, dataPrefix) && r.Method == http.MethodGet:
		b, ok := s.services[strings.TrimPrefix(r.URL.Path, dataPrefix)]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"errors": []string{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"data": b.data,
			"metadata": map[string]any{
				"version":      b.version,
				"created_time": b.created.Format(time.RFC3339Nano),
			},
		}})

	case strings.HasPrefix(r.URL.Path, dataPrefix) && r.Method == http.MethodPost:
		var body struct {
			Data map[string]string `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"errors": []string{err.Error()}})
			return
		}
		version := s.putLocked(strings.TrimPrefix(r.URL.Path, dataPrefix), body.Data)
		s.writes++
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"version": version}})

	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"errors": []string{}})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
