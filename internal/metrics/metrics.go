// ABOUTME: Prometheus collectors for the operation lifecycle, WebAuthn ceremonies, tokens and MCP tools
// ABOUTME: Satisfies ledger.Observer and authority.CeremonyObserver

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/coven-vault/internal/ledger"
)

const namespace = "coven_vault"

// Metrics holds the process's collectors.
type Metrics struct {
	registry *prometheus.Registry

	operations          *prometheus.CounterVec
	persistenceFailures prometheus.Counter
	ceremonies          *prometheus.CounterVec
	tokensMinted        prometheus.Counter
	toolCalls           *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Pending operation lifecycle events by action and event.",
		}, []string{"action", "event"}),
		persistenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "persistence_failures_total",
			Help:      "Ledger writes that failed and were kept in memory only.",
		}),
		ceremonies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authority",
			Name:      "ceremonies_total",
			Help:      "WebAuthn ceremonies by purpose and result.",
		}, []string{"purpose", "result"}),
		tokensMinted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokens",
			Name:      "minted_total",
			Help:      "Tokens handed to the agent in place of secret values.",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mcp",
			Name:      "tool_calls_total",
			Help:      "MCP tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
	}
	reg.MustRegister(
		m.operations,
		m.persistenceFailures,
		m.ceremonies,
		m.tokensMinted,
		m.toolCalls,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) OperationCreated(a ledger.Action) {
	m.operations.WithLabelValues(a.String(), "created").Inc()
}

func (m *Metrics) OperationApproved(a ledger.Action) {
	m.operations.WithLabelValues(a.String(), "approved").Inc()
}

func (m *Metrics) OperationExpired(a ledger.Action) {
	m.operations.WithLabelValues(a.String(), "expired").Inc()
}

func (m *Metrics) OperationCompleted(a ledger.Action) {
	m.operations.WithLabelValues(a.String(), "completed").Inc()
}

func (m *Metrics) PersistenceFailed() {
	m.persistenceFailures.Inc()
}

// Ceremony counts a WebAuthn ceremony outcome.
func (m *Metrics) Ceremony(purpose, result string) {
	m.ceremonies.WithLabelValues(purpose, result).Inc()
}

// TokensMinted counts tokens returned to the agent.
func (m *Metrics) TokensMinted(n int) {
	if n > 0 {
		m.tokensMinted.Add(float64(n))
	}
}

// ToolCall counts one tool invocation.
func (m *Metrics) ToolCall(tool string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
}
