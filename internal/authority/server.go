// ABOUTME: Loopback HTTP server exposing WebAuthn ceremony endpoints and operator pages
// ABOUTME: Maps authority and ledger errors to status codes with actionable JSON messages

package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/coven-vault/internal/ledger"
)

const maxRequestBody = 64 << 10

// ServerConfig configures the approval HTTP server.
type ServerConfig struct {
	Addr           string
	MetricsPath    string
	MetricsHandler http.Handler
	HistoryLimit   int
}

// Server serves the approval surface for one Authority.
type Server struct {
	authority  *Authority
	ledger     *ledger.Ledger
	config     ServerConfig
	logger     *slog.Logger
	pages      *pages
	httpServer *http.Server
}

// NewServer builds the HTTP server and its routes.
func NewServer(a *Authority, cfg ServerConfig) (*Server, error) {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	p, err := loadPages()
	if err != nil {
		return nil, err
	}
	s := &Server{
		authority: a,
		ledger:    a.ledger,
		config:    cfg,
		logger:    a.logger.With("component", "approval-server"),
		pages:     p,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.loopbackOnly(securityHeaders(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /favicon.ico", s.handleFavicon)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleHome)
	mux.HandleFunc("GET /register", s.handleRegisterPage)
	mux.HandleFunc("GET /approve/{id}", s.handleApprovePage)
	mux.HandleFunc("GET /status/{id}", s.handleStatus)

	mux.HandleFunc("POST /webauthn/register/options", s.handleRegisterOptions)
	mux.HandleFunc("POST /webauthn/register/verify", s.handleRegisterVerify)
	mux.HandleFunc("POST /webauthn/enroll/options", s.handleEnrollOptions)
	mux.HandleFunc("POST /webauthn/enroll/verify", s.handleEnrollVerify)
	mux.HandleFunc("POST /webauthn/authenticate/options", s.handleAuthenticateOptions)
	mux.HandleFunc("POST /webauthn/authenticate/verify", s.handleAuthenticateVerify)
	mux.HandleFunc("POST /reset-credentials/options", s.handleResetOptions)
	mux.HandleFunc("POST /reset-credentials", s.handleReset)

	if s.config.MetricsHandler != nil && s.config.MetricsPath != "" {
		mux.Handle("GET "+s.config.MetricsPath, s.config.MetricsHandler)
	}
}

// Run listens on the configured address and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listening on approval address: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("approval server listening", "addr", ln.Addr().String(), "origin", s.authority.Origin())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("approval server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down approval server")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil && serverErr == nil {
		return fmt.Errorf("shutting down approval server: %w", err)
	}
	return serverErr
}

// ceremonyRequest is the body of every *verify endpoint.
type ceremonyRequest struct {
	SessionID  string          `json:"sessionId"`
	Credential json.RawMessage `json:"credential"`
	OpID       string          `json:"opId,omitempty"`
	DeviceName string          `json:"deviceName,omitempty"`
}

func decodeCeremonyRequest(r *http.Request) (*ceremonyRequest, error) {
	var req ceremonyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if req.SessionID == "" || len(req.Credential) == 0 {
		return nil, errors.New("sessionId and credential are required")
	}
	return &req, nil
}

func (s *Server) handleRegisterOptions(w http.ResponseWriter, r *http.Request) {
	ch, err := s.authority.BeginRegistration(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleRegisterVerify(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCeremonyRequest(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	cred, err := s.authority.FinishRegistration(r.Context(), req.SessionID, req.DeviceName, req.Credential)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":       "registered",
		"credentialId": cred.ID,
		"deviceName":   cred.DeviceName,
	})
}

func (s *Server) handleEnrollOptions(w http.ResponseWriter, r *http.Request) {
	ch, err := s.authority.BeginEnrollment(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleEnrollVerify(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCeremonyRequest(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	ch, err := s.authority.AuthorizeEnrollment(r.Context(), req.SessionID, req.Credential)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleAuthenticateOptions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OpID string `json:"opId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OpID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "opId is required")
		return
	}
	ch, err := s.authority.BeginApproval(r.Context(), req.OpID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleAuthenticateVerify(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCeremonyRequest(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.OpID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "opId is required")
		return
	}
	op, err := s.authority.FinishApproval(r.Context(), req.SessionID, req.OpID, req.Credential)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "approved",
		"opId":     op.ID,
		"approved": op.Approved,
		"message":  "Approved. Return to your agent and repeat the request with approval_token " + op.ID + ".",
	})
}

func (s *Server) handleResetOptions(w http.ResponseWriter, r *http.Request) {
	ch, err := s.authority.BeginReset(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCeremonyRequest(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	removed, err := s.authority.FinishReset(r.Context(), req.SessionID, req.Credential)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "reset",
		"removed": removed,
		"message": "All authenticators were removed. Register a new one at /register.",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	op, err := s.ledger.Get(r.Context(), id)
	switch {
	case errors.Is(err, ledger.ErrOperationNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]any{"approved": false, "status": "not_found"})
	case errors.Is(err, ledger.ErrOperationExpired):
		s.writeJSON(w, http.StatusGone, map[string]any{"approved": false, "status": "expired"})
	case err != nil:
		s.writeError(w, err)
	default:
		status := "pending"
		if op.Approved {
			status = "approved"
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"approved":   op.Approved,
			"status":     status,
			"expires_at": op.ExpiresAt(s.ledger.TTL()),
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

const faviconSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 32 32">` +
	`<rect x="6" y="14" width="20" height="14" rx="3" fill="#2f3b52"/>` +
	`<path d="M10 14v-4a6 6 0 0 1 12 0v4" fill="none" stroke="#2f3b52" stroke-width="3"/>` +
	`<circle cx="16" cy="21" r="2.5" fill="#f2c94c"/></svg>`

func (s *Server) handleFavicon(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = io.WriteString(w, faviconSVG)
}

// statusFor maps an error to its HTTP status and operator-facing message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrOperationNotFound):
		return http.StatusNotFound, "This approval request does not exist or was already completed. Ask the agent to start the request again."
	case errors.Is(err, ledger.ErrOperationExpired):
		return http.StatusGone, "This approval request expired. Ask the agent to start the request again and approve within 5 minutes."
	case errors.Is(err, ErrNoRegisteredCredential):
		return http.StatusBadRequest, "No authenticator is registered. Open /register to register a security key first."
	case errors.Is(err, ErrRegistrationClosed):
		return http.StatusConflict, ErrRegistrationClosed.Error() + "."
	case errors.Is(err, ErrChallengeInvalid):
		return http.StatusBadRequest, "This challenge was already used or has expired. Reload the page and try again."
	case errors.Is(err, ErrCloneDetected):
		return http.StatusForbidden, "The authenticator's signature counter did not advance. The response may be replayed or the key cloned; the request was rejected."
	case errors.Is(err, ErrUnknownCredential):
		return http.StatusUnauthorized, "That authenticator is not registered with this vault."
	case errors.Is(err, ErrVerificationFailed):
		return http.StatusUnauthorized, "The authenticator response could not be verified. Reload the page and try again."
	default:
		return http.StatusInternalServerError, "Internal error; check the approval server log."
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	} else {
		s.logger.Debug("request rejected", "status", status, "error", err)
	}
	s.writeJSONError(w, status, msg)
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to encode response", "error", err)
	}
}

// loopbackOnly rejects requests whose peer is not a loopback address and
// caps request bodies.
func (s *Server) loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			s.logger.Warn("rejected non-loopback request", "remote", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
