// ABOUTME: Embedded HTML pages for the operator: status home, registration and per-operation approval
// ABOUTME: Renders with html/template under a per-response script nonce

package authority

import (
	"crypto/rand"
	"embed"
	"encoding/base64"
	"errors"
	"html/template"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/2389/coven-vault/internal/ledger"
)

//go:embed templates/*.html
var templateFS embed.FS

type pages struct {
	home     *template.Template
	register *template.Template
	approve  *template.Template
	problem  *template.Template
}

var templateFuncs = template.FuncMap{
	"since": func(t time.Time) string { return time.Since(t).Round(time.Second).String() },
	"stamp": func(t time.Time) string { return t.Local().Format("2006-01-02 15:04:05") },
	"mask":  maskValue,
}

func loadPages() (*pages, error) {
	parse := func(name string) (*template.Template, error) {
		return template.New("base.html").Funcs(templateFuncs).ParseFS(templateFS, "templates/base.html", "templates/"+name)
	}
	var p pages
	var err error
	if p.home, err = parse("home.html"); err != nil {
		return nil, err
	}
	if p.register, err = parse("register.html"); err != nil {
		return nil, err
	}
	if p.approve, err = parse("approve.html"); err != nil {
		return nil, err
	}
	if p.problem, err = parse("problem.html"); err != nil {
		return nil, err
	}
	return &p, nil
}

type pageBase struct {
	Title string
	Nonce string
}

type homeData struct {
	pageBase
	Origin  string
	Pending []*ledger.Operation
	Devices []*Credential
	History []*ledger.Operation
}

type registerData struct {
	pageBase
	HasDevices bool
	Devices    []*Credential
}

type secretRow struct {
	Key   string
	Value string
}

type approveData struct {
	pageBase
	Op        *ledger.Operation
	Heading   string
	Secrets   []secretRow
	ExpiresAt time.Time
	Remaining int
	Counts    map[string]any
}

type problemData struct {
	pageBase
	Status  int
	Message string
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pending, err := s.ledger.Load(ctx)
	if err != nil {
		s.renderProblem(w, http.StatusInternalServerError, "Could not read pending operations.")
		return
	}
	devices, err := s.authority.Credentials()
	if err != nil {
		s.logger.Error("failed to read credentials", "error", err)
	}
	history, err := s.ledger.History(ctx, s.config.HistoryLimit)
	if err != nil {
		s.logger.Error("failed to read history", "error", err)
	}
	s.render(w, http.StatusOK, s.pages.home, &homeData{
		pageBase: pageBase{Title: "coven-vault"},
		Origin:   s.authority.Origin(),
		Pending:  pending,
		Devices:  devices,
		History:  history,
	})
}

func (s *Server) handleRegisterPage(w http.ResponseWriter, _ *http.Request) {
	devices, err := s.authority.Credentials()
	if err != nil {
		s.renderProblem(w, http.StatusInternalServerError, "Could not read registered authenticators.")
		return
	}
	s.render(w, http.StatusOK, s.pages.register, &registerData{
		pageBase:   pageBase{Title: "Register authenticator"},
		HasDevices: len(devices) > 0,
		Devices:    devices,
	})
}

func (s *Server) handleApprovePage(w http.ResponseWriter, r *http.Request) {
	op, err := s.ledger.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		status, msg := statusFor(err)
		if !errors.Is(err, ledger.ErrOperationNotFound) && !errors.Is(err, ledger.ErrOperationExpired) {
			s.logger.Error("failed to load operation", "error", err)
		}
		s.renderProblem(w, status, msg)
		return
	}

	rows := make([]secretRow, 0, len(op.Secrets))
	for k, v := range op.Secrets {
		rows = append(rows, secretRow{Key: k, Value: v})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })

	expires := op.ExpiresAt(s.ledger.TTL())
	s.render(w, http.StatusOK, s.pages.approve, &approveData{
		pageBase:  pageBase{Title: "Approve: " + op.Action.Title()},
		Op:        op,
		Heading:   op.Action.Title(),
		Secrets:   rows,
		ExpiresAt: expires,
		Remaining: int(time.Until(expires).Seconds()),
		Counts:    op.Metadata,
	})
}

func (s *Server) renderProblem(w http.ResponseWriter, status int, msg string) {
	s.render(w, status, s.pages.problem, &problemData{
		pageBase: pageBase{Title: http.StatusText(status)},
		Status:   status,
		Message:  msg,
	})
}

// render executes tmpl with a fresh script nonce and a matching CSP.
func (s *Server) render(w http.ResponseWriter, status int, tmpl *template.Template, data interface{ setNonce(string) }) {
	nonce := newNonce()
	data.setNonce(nonce)
	w.Header().Set("Content-Security-Policy",
		"default-src 'self'; script-src 'nonce-"+nonce+"'; style-src 'self' 'unsafe-inline'; frame-ancestors 'none'")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.Execute(w, data); err != nil {
		s.logger.Error("failed to render page", "template", tmpl.Name(), "error", err)
	}
}

func (p *pageBase) setNonce(n string) { p.Nonce = n }

func newNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.StdEncoding.EncodeToString(b)
}

// maskValue shows enough of a value to recognize it without disclosing it.
func maskValue(v string) string {
	r := []rune(v)
	switch {
	case len(r) <= 4:
		return strings.Repeat("•", len(r))
	case len(r) <= 12:
		return string(r[:2]) + strings.Repeat("•", len(r)-2)
	default:
		return string(r[:4]) + strings.Repeat("•", 8) + string(r[len(r)-2:])
	}
}
