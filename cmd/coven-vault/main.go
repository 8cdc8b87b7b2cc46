// ABOUTME: Entry point for coven-vault, the approval-gated secrets broker for AI agents
// ABOUTME: Runs the MCP stdio server, the approval server and operator maintenance commands

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/coven-vault/internal/config"
	"github.com/2389/coven-vault/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                   _ _
  ___ _____   _____ _ __        __   ____ _ _   _| | |_
 / __/ _ \ \ / / _ \ '_ \ _____\ \ / / _' | | | | | __|
| (_| (_) \ V /  __/ | | |_____|\ V / (_| | |_| | | |_
 \___\___/ \_/ \___|_| |_|       \_/ \__,_|\__,_|_|\__|
`

func usage() {
	fmt.Println("Usage: coven-vault <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  mcp                  Run the MCP server on stdio (with the approval server unless disabled)")
	fmt.Println("  serve                Run the approval server only")
	fmt.Println("  status               Show vault, credential and approval status")
	fmt.Println("  history [-n N]       Show recently completed operations")
	fmt.Println("  reset-credentials    Remove every registered security key")
	fmt.Println("  version              Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A .env next to the binary's working directory feeds VAULT_* overrides.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: reading .env: %v\n", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "mcp":
		err = runMCP(ctx)
	case "serve":
		err = runServe(ctx)
	case "status":
		err = runStatus(ctx)
	case "history":
		err = runHistory(ctx, os.Args[2:])
	case "reset-credentials":
		err = runResetCredentials(ctx, os.Args[2:], os.Stdin)
	case "version", "--version", "-v":
		fmt.Println(version)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// open loads the configuration and builds the gateway. Logs go to stderr so
// stdout stays free for MCP.
func open() (*config.Config, *gateway.Gateway, *slog.Logger, error) {
	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	gw, err := gateway.New(cfg, logger, version)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating gateway: %w", err)
	}
	return cfg, gw, logger, nil
}

func runMCP(ctx context.Context) error {
	cfg, gw, logger, err := open()
	if err != nil {
		return err
	}
	defer gw.Close()

	logger.Info("starting coven-vault MCP server",
		"version", version,
		"vault", cfg.Vault.Addr,
		"mode", cfg.Security.Mode,
		"approval_origin", cfg.Approval.Origin,
		"embedded_approval", cfg.EmbeddedApproval(),
	)
	return gw.RunMCP(ctx, os.Stdin, os.Stdout)
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, gw, logger, err := open()
	if err != nil {
		return err
	}
	defer gw.Close()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", config.DefaultPath())
	green.Print("    ▶ ")
	fmt.Printf("Data:      %s\n", cfg.DataDir)
	green.Print("    ▶ ")
	fmt.Printf("Listen:    %s\n", cfg.ApprovalAddr())
	green.Print("    ▶ ")
	fmt.Printf("Origin:    ")
	cyan.Println(cfg.Approval.Origin)
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s%s\n", cfg.Approval.Origin, cfg.Metrics.Path)
	}

	creds, err := gw.Authority().Credentials()
	if err != nil {
		return fmt.Errorf("reading credentials: %w", err)
	}
	if len(creds) == 0 {
		yellow.Print("    ! ")
		fmt.Printf("No security key registered. Open %s/register first.\n", cfg.Approval.Origin)
	}
	fmt.Println()

	logger.Info("starting coven-vault approval server", "addr", cfg.ApprovalAddr(), "origin", cfg.Approval.Origin)
	return gw.RunApproval(ctx)
}

func runStatus(ctx context.Context) error {
	cfg, gw, _, err := open()
	if err != nil {
		return err
	}
	defer gw.Close()

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	cyan := color.New(color.FgCyan)

	cyan.Println("Vault")
	b, err := gw.Broker()
	if err != nil {
		red.Printf("  ✗ %v\n", err)
	} else {
		st := b.Status(ctx)
		if st.Vault.Reachable {
			green.Printf("  ✓ %s reachable\n", st.Vault.Addr)
			fmt.Printf("    token:    %s (%s)\n", st.Vault.TokenName, strings.Join(st.Vault.Policies, ", "))
			fmt.Printf("    services: %d\n", st.Vault.ServicesCount)
		} else {
			red.Printf("  ✗ %s: %s\n", st.Vault.Addr, st.Vault.Error)
		}
		fmt.Printf("    mode:     %s\n", st.Mode)
	}
	fmt.Println()

	cyan.Println("Security keys")
	creds, err := gw.Authority().Credentials()
	if err != nil {
		return fmt.Errorf("reading credentials: %w", err)
	}
	if len(creds) == 0 {
		red.Printf("  ✗ none registered, open %s/register\n", cfg.Approval.Origin)
	}
	for _, c := range creds {
		last := "never"
		if c.LastUsedAt != nil {
			last = c.LastUsedAt.Local().Format(time.DateTime)
		}
		fmt.Printf("  %-20s %s  last used %s\n", c.DeviceName, c.ShortID(), last)
	}
	fmt.Println()

	cyan.Println("Approvals")
	stats, err := gw.Ledger().Stats(ctx)
	if err != nil {
		return fmt.Errorf("reading ledger: %w", err)
	}
	fmt.Printf("  pending:  %d\n", stats.Pending)
	fmt.Printf("  approved: %d\n", stats.Approved)
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fset.Int("n", 20, "number of operations to show")
	if err := fset.Parse(args); err != nil {
		return err
	}

	_, gw, _, err := open()
	if err != nil {
		return err
	}
	defer gw.Close()

	ops, err := gw.Ledger().History(ctx, *limit)
	if err != nil {
		return fmt.Errorf("reading history: %w", err)
	}
	if len(ops) == 0 {
		fmt.Println("No completed operations.")
		return nil
	}

	gray := color.New(color.FgHiBlack)
	for _, op := range ops {
		when := op.CreatedAt
		if op.CompletedAt != nil {
			when = *op.CompletedAt
		}
		gray.Printf("%s  ", when.Local().Format(time.DateTime))
		fmt.Printf("%-13s %-20s", op.Action, op.Service)
		if op.ApprovedByDevice != "" {
			gray.Printf(" approved by %s", op.ApprovedByDevice)
		}
		fmt.Println()
	}
	return nil
}

func runResetCredentials(ctx context.Context, args []string, stdin io.Reader) error {
	fset := flag.NewFlagSet("reset-credentials", flag.ContinueOnError)
	yes := fset.Bool("yes", false, "do not ask for confirmation")
	if err := fset.Parse(args); err != nil {
		return err
	}

	_, gw, _, err := open()
	if err != nil {
		return err
	}
	defer gw.Close()

	creds, err := gw.Authority().Credentials()
	if err != nil {
		return fmt.Errorf("reading credentials: %w", err)
	}
	if len(creds) == 0 {
		fmt.Println("No security keys registered.")
		return nil
	}

	yellow := color.New(color.FgYellow)
	if !*yes {
		yellow.Printf("This removes %d security key(s). Pending approvals will need a newly registered key.\n", len(creds))
		fmt.Print("Type 'reset' to continue: ")
		answer, _ := bufio.NewReader(stdin).ReadString('\n')
		if strings.TrimSpace(answer) != "reset" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	n, err := gw.Authority().ResetCredentials(ctx, "cli:operator")
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("  ✓ Removed %d security key(s)\n", n)
	return nil
}

func setupLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = &colorHandler{
			mu:    &sync.Mutex{},
			out:   w,
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		mu:     h.mu,
		out:    h.out,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		mu:     h.mu,
		out:    h.out,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
