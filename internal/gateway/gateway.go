// ABOUTME: Gateway wires storage, ledger, tokens, approval authority, broker and MCP server
// ABOUTME: Runs the approval server alone or the MCP stdio server with an embedded approval server

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"syscall"

	"github.com/2389/coven-vault/internal/authority"
	"github.com/2389/coven-vault/internal/broker"
	"github.com/2389/coven-vault/internal/config"
	"github.com/2389/coven-vault/internal/detect"
	"github.com/2389/coven-vault/internal/ledger"
	"github.com/2389/coven-vault/internal/mcp"
	"github.com/2389/coven-vault/internal/metrics"
	"github.com/2389/coven-vault/internal/store"
	"github.com/2389/coven-vault/internal/tokenvault"
	"github.com/2389/coven-vault/internal/vault"
)

// Gateway owns the components of one coven-vault process.
type Gateway struct {
	config    *config.Config
	base      *slog.Logger
	logger    *slog.Logger
	version   string
	store     *store.SQLiteStore
	ledger    *ledger.Ledger
	tokens    *tokenvault.Vault
	metrics   *metrics.Metrics
	authority *authority.Authority
	broker    *broker.Broker
}

// New opens the data directory and builds everything that does not need the vault.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Gateway, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	s, err := store.NewSQLiteStore(filepath.Join(cfg.DataDir, "audit.db"))
	if err != nil {
		return nil, fmt.Errorf("opening audit store: %w", err)
	}

	m := metrics.New()
	l := ledger.New(cfg.DataDir,
		ledger.WithObserver(m),
		ledger.WithLogger(logger),
	)

	ceremony, err := authority.NewWebAuthnCeremony(cfg.Approval.Origin)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("configuring webauthn: %w", err)
	}
	a, err := authority.New(authority.Config{
		DataDir:  cfg.DataDir,
		Origin:   cfg.Approval.Origin,
		Ceremony: ceremony,
		Ledger:   l,
		Audit:    s,
		Observer: m,
		Logger:   logger,
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating approval authority: %w", err)
	}

	return &Gateway{
		config:    cfg,
		base:      logger,
		logger:    logger.With("component", "gateway"),
		version:   version,
		store:     s,
		ledger:    l,
		tokens:    tokenvault.New(cfg.Tokens.SessionTTL),
		metrics:   m,
		authority: a,
	}, nil
}

// Authority returns the approval authority.
func (g *Gateway) Authority() *authority.Authority {
	return g.authority
}

// Ledger returns the pending operation ledger.
func (g *Gateway) Ledger() *ledger.Ledger {
	return g.ledger
}

// Store returns the audit store.
func (g *Gateway) Store() *store.SQLiteStore {
	return g.store
}

// Broker returns the broker, connecting to the vault on first use.
func (g *Gateway) Broker() (*broker.Broker, error) {
	if g.broker != nil {
		return g.broker, nil
	}

	client, err := vault.New(vault.Config{
		Addr:      g.config.Vault.Addr,
		Token:     g.config.Vault.Token,
		Namespace: g.config.Vault.Namespace,
		Mount:     g.config.Vault.Mount,
		Prefix:    g.config.Vault.Prefix,
		Timeout:   g.config.Vault.Timeout,
		Logger:    g.base,
	})
	if err != nil {
		return nil, err
	}

	allowlist, err := detect.LoadAllowlist(g.config.Security.Allowlist)
	if err != nil {
		return nil, fmt.Errorf("loading allowlist: %w", err)
	}

	b, err := broker.New(broker.Config{
		Vault:          client,
		Ledger:         g.ledger,
		Tokens:         g.tokens,
		Audit:          g.store,
		Detector:       detect.New(allowlist),
		Recorder:       g.metrics,
		ApprovalOrigin: g.config.Approval.Origin,
		Mode:           broker.Mode(g.config.Security.Mode),
		ServicesRoot:   g.config.Security.ServicesRoot,
		AllowedRoots:   g.config.Security.AllowedRoots,
		Logger:         g.base,
	})
	if err != nil {
		return nil, err
	}
	g.broker = b
	return b, nil
}

func (g *Gateway) approvalServer() (*authority.Server, error) {
	cfg := authority.ServerConfig{Addr: g.config.ApprovalAddr()}
	if g.config.Metrics.Enabled {
		cfg.MetricsPath = g.config.Metrics.Path
		cfg.MetricsHandler = g.metrics.Handler()
	}
	return authority.NewServer(g.authority, cfg)
}

// RunApproval serves the approval pages until ctx is canceled.
func (g *Gateway) RunApproval(ctx context.Context) error {
	srv, err := g.approvalServer()
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// RunMCP serves MCP on in and out until ctx is canceled or in is closed.
func (g *Gateway) RunMCP(ctx context.Context, in io.Reader, out io.Writer) error {
	b, err := g.Broker()
	if err != nil {
		return err
	}
	server, err := mcp.NewServer(mcp.Config{
		Broker:   b,
		Recorder: g.metrics,
		Logger:   g.base.With("component", "mcp"),
		Version:  g.version,
	})
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	approvalDone := make(chan error, 1)
	if g.config.EmbeddedApproval() {
		ln, err := g.listenApproval()
		if err != nil {
			return err
		}
		if ln != nil {
			srv, err := g.approvalServer()
			if err != nil {
				_ = ln.Close()
				return err
			}
			go func() { approvalDone <- srv.Serve(ctx, ln) }()
		} else {
			close(approvalDone)
		}
	} else {
		close(approvalDone)
	}

	mcpErr := server.Serve(ctx, in, out)
	cancel()
	if err := <-approvalDone; err != nil && mcpErr == nil {
		return err
	}
	return mcpErr
}

// listenApproval binds the approval address. An address already in use
// yields a nil listener: another process on this data directory serves it.
func (g *Gateway) listenApproval() (net.Listener, error) {
	addr := g.config.ApprovalAddr()
	ln, err := net.Listen("tcp", addr)
	if errors.Is(err, syscall.EADDRINUSE) {
		g.logger.Warn("approval address in use, assuming a separate approval server", "addr", addr)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listening on approval address: %w", err)
	}
	return ln, nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Close releases every component.
func (g *Gateway) Close() error {
	if g.broker != nil {
		g.broker.Close()
	}
	g.authority.Close()

	var errs []error
	errs = appendCloseError(errs, "store close", g.store.Close())
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
