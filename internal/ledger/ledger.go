// ABOUTME: Shared, file-backed ledger of pending approval operations and their history
// ABOUTME: Creates, approves, checks and retires operations with lazy expiry of stale entries

package ledger

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-vault/internal/docstore"
)

// DefaultTTL is how long an operation may wait for approval and execution.
const DefaultTTL = 5 * time.Minute

const (
	PendingFile   = "pending-operations.json"
	CompletedFile = "completed-operations.json"
)

var (
	ErrOperationNotFound = errors.New("operation not found")
	ErrOperationExpired  = errors.New("operation expired")
	ErrAlreadyApproved   = errors.New("operation already approved")
	ErrNotApproved       = errors.New("operation not approved")
	ErrAlreadyClaimed    = errors.New("operation already being executed")
	ErrInvalidAction     = errors.New("invalid operation action")
)

// Observer receives lifecycle events, typically for metrics.
type Observer interface {
	OperationCreated(action Action)
	OperationApproved(action Action)
	OperationExpired(action Action)
	OperationCompleted(action Action)
	PersistenceFailed()
}

type nopObserver struct{}

func (nopObserver) OperationCreated(Action)   {}
func (nopObserver) OperationApproved(Action)  {}
func (nopObserver) OperationExpired(Action)   {}
func (nopObserver) OperationCompleted(Action) {}
func (nopObserver) PersistenceFailed()        {}

type pendingDoc struct {
	Operations map[string]*Operation `json:"operations"`
}

type historyDoc struct {
	Operations []*Operation `json:"operations"`
}

// CreateRequest describes a new operation.
type CreateRequest struct {
	Service      string
	Action       Action
	Secrets      map[string]string
	Warnings     []string
	ScanFilePath string
	Metadata     map[string]any
	TokensMap    map[string]string
}

// Stats summarizes the pending set.
type Stats struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(l *Ledger) { l.ttl = ttl }
}

// WithObserver attaches a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(l *Ledger) { l.observer = o }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// Ledger is the shared pending-operation ledger rooted in one directory.
type Ledger struct {
	pending  *docstore.File[pendingDoc]
	history  *docstore.File[historyDoc]
	ttl      time.Duration
	now      func() time.Time
	observer Observer
	logger   *slog.Logger

	mu sync.Mutex
	// last successfully read pending set, used when the disk is unreadable
	cache map[string]*Operation
	// changes this process could not persist; a nil value is a deletion
	unpersisted map[string]*Operation
	// archived operations that did not reach the history file
	unarchived []*Operation
}

// New opens the ledger stored in dir.
func New(dir string, opts ...Option) *Ledger {
	l := &Ledger{
		ttl:         DefaultTTL,
		now:         time.Now,
		observer:    nopObserver{},
		logger:      slog.Default(),
		cache:       make(map[string]*Operation),
		unpersisted: make(map[string]*Operation),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ledger")
	l.pending = docstore.New[pendingDoc](filepath.Join(dir, PendingFile), l.logger)
	l.history = docstore.New[historyDoc](filepath.Join(dir, CompletedFile), l.logger)
	return l
}

// TTL returns the operation lifetime.
func (l *Ledger) TTL() time.Duration {
	return l.ttl
}

// Create records a new unapproved operation and returns it.
func (l *Ledger) Create(ctx context.Context, req CreateRequest) (*Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !req.Action.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAction, int(req.Action))
	}

	id, err := newOperationID()
	if err != nil {
		return nil, err
	}
	op := &Operation{
		ID:           id,
		Service:      req.Service,
		Action:       req.Action,
		Keys:         sortedKeys(req.Secrets),
		Secrets:      req.Secrets,
		Warnings:     req.Warnings,
		ScanFilePath: req.ScanFilePath,
		Metadata:     req.Metadata,
		TokensMap:    req.TokensMap,
		CreatedAt:    l.now().UTC(),
	}
	op = op.Clone()

	err = l.mutate(id, func(ops map[string]*Operation) error {
		ops[id] = op
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.observer.OperationCreated(op.Action)
	l.logger.Info("operation created", "op_id", id, "service", op.Service, "action", op.Action.String())
	return op.Clone(), nil
}

// Load re-reads the shared state, evicting expired operations, and returns
// the live operations.
func (l *Ledger) Load(ctx context.Context) ([]*Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.evictExpired()
	return l.List(ctx)
}

// List returns unexpired operations, oldest first.
func (l *Ledger) List(ctx context.Context) ([]*Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := l.now()
	var out []*Operation
	for _, op := range l.snapshot() {
		if op.Expired(now, l.ttl) {
			continue
		}
		out = append(out, op.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Get returns the operation with id. An expired operation is evicted and
// reported as ErrOperationExpired; later lookups report it not found.
func (l *Ledger) Get(ctx context.Context, id string) (*Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	op, ok := l.snapshot()[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	if op.Expired(l.now(), l.ttl) {
		l.evictExpired()
		return nil, ErrOperationExpired
	}
	return op.Clone(), nil
}

// Approve marks the operation approved by the given credential. Approving an
// already approved operation returns ErrAlreadyApproved and changes nothing.
func (l *Ledger) Approve(ctx context.Context, id, credentialID, device string) (*Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var approved *Operation
	err := l.mutate(id, func(ops map[string]*Operation) error {
		op, ok := ops[id]
		if !ok {
			return ErrOperationNotFound
		}
		if op.Expired(l.now(), l.ttl) {
			return ErrOperationExpired
		}
		if op.Approved {
			return ErrAlreadyApproved
		}
		at := l.now().UTC()
		op.Approved = true
		op.ApprovedAt = &at
		op.ApprovedByCredential = credentialID
		op.ApprovedByDevice = device
		approved = op.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.observer.OperationApproved(approved.Action)
	l.logger.Info("operation approved", "op_id", id, "action", approved.Action.String(), "device", device)
	return approved, nil
}

// IsApproved reports whether id exists, is unexpired and has been approved.
func (l *Ledger) IsApproved(ctx context.Context, id string) bool {
	return l.CheckApproval(ctx, id) == nil
}

// CheckApproval explains why id is not executable, or returns nil.
func (l *Ledger) CheckApproval(ctx context.Context, id string) error {
	op, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	if !op.Approved {
		return ErrNotApproved
	}
	return nil
}

// Claim takes the exclusive right to execute an approved operation. It fails
// with ErrAlreadyClaimed if any handle on the same directory, in this or
// another process, holds the claim. A claim on an operation other processes
// can see is refused when it cannot be written to disk.
func (l *Ledger) Claim(ctx context.Context, id string) (*Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var claimed *Operation
	err := l.apply(id, true, func(ops map[string]*Operation) error {
		op, ok := ops[id]
		if !ok {
			return ErrOperationNotFound
		}
		if op.Expired(l.now(), l.ttl) {
			return ErrOperationExpired
		}
		if !op.Approved {
			return ErrNotApproved
		}
		if op.ClaimedAt != nil {
			return ErrAlreadyClaimed
		}
		at := l.now().UTC()
		op.ClaimedAt = &at
		claimed = op.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Debug("operation claimed", "op_id", id)
	return claimed, nil
}

// Release gives up a claim so the operation can be executed again. Releasing
// an operation that is gone or unclaimed is not an error.
func (l *Ledger) Release(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := l.mutate(id, func(ops map[string]*Operation) error {
		op, ok := ops[id]
		if !ok {
			return ErrOperationNotFound
		}
		op.ClaimedAt = nil
		return nil
	})
	if errors.Is(err, ErrOperationNotFound) {
		return nil
	}
	return err
}

// Cleanup retires the operation into the history. Retiring an operation
// that is already gone is not an error.
func (l *Ledger) Cleanup(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var retired *Operation
	err := l.mutate(id, func(ops map[string]*Operation) error {
		op, ok := ops[id]
		if !ok {
			return ErrOperationNotFound
		}
		retired = op.archived(l.now().UTC())
		delete(ops, id)
		return nil
	})
	if errors.Is(err, ErrOperationNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	l.archive(retired)
	l.observer.OperationCompleted(retired.Action)
	l.logger.Info("operation completed", "op_id", id, "action", retired.Action.String())
	return nil
}

// History returns retired operations, newest first. limit <= 0 means all.
func (l *Ledger) History(ctx context.Context, limit int) ([]*Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, _, err := l.history.View()
	if err != nil {
		l.persistenceWarning("reading history", err)
	}

	l.mu.Lock()
	all := slices.Concat(doc.Operations, l.unarchived)
	l.mu.Unlock()

	out := make([]*Operation, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i].Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Stats counts live operations.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	ops, err := l.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, op := range ops {
		s.Pending++
		if op.Approved {
			s.Approved++
		}
	}
	return s, nil
}

// snapshot returns the merged view of disk and this process's unpersisted
// changes, including expired operations.
func (l *Ledger) snapshot() map[string]*Operation {
	doc, _, err := l.pending.View()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err != nil {
		l.persistenceWarning("reading pending operations", err)
	} else {
		l.cache = doc.Operations
		if l.cache == nil {
			l.cache = make(map[string]*Operation)
		}
	}

	merged := make(map[string]*Operation, len(l.cache))
	for id, op := range l.cache {
		merged[id] = op
	}
	l.overlayLocked(merged)
	return merged
}

// mutate applies fn to the current shared state and persists the result.
// When the write fails, the change to id is kept in memory instead.
func (l *Ledger) mutate(id string, fn func(ops map[string]*Operation) error) error {
	return l.apply(id, false, fn)
}

// apply is mutate. With durable set, a failed write is an error unless id
// exists only in this process's memory.
func (l *Ledger) apply(id string, durable bool, fn func(ops map[string]*Operation) error) error {
	var fnErr error
	var expired []*Operation
	var merged map[string]*Operation
	_, err := l.pending.Update(func(doc *pendingDoc) error {
		if doc.Operations == nil {
			doc.Operations = make(map[string]*Operation)
		}
		l.mu.Lock()
		merged = maps.Clone(l.unpersisted)
		l.overlayLocked(doc.Operations)
		l.mu.Unlock()
		if fnErr = fn(doc.Operations); fnErr != nil {
			return fnErr
		}
		expired = l.gc(doc.Operations)
		return nil
	})
	if fnErr != nil {
		return fnErr
	}

	l.mu.Lock()
	if err != nil {
		l.persistenceWarning("writing pending operations", err)
		if durable && !l.localOnlyLocked(id) {
			l.mu.Unlock()
			return fmt.Errorf("persisting operation %s: %w", id, err)
		}
		ops := cloneOps(l.cache)
		l.overlayLocked(ops)
		if fnErr = fn(ops); fnErr != nil {
			l.mu.Unlock()
			return fnErr
		}
		l.unpersisted[id] = ops[id]
	} else {
		for k, v := range merged {
			if l.unpersisted[k] == v {
				delete(l.unpersisted, k)
			}
		}
	}
	l.mu.Unlock()

	for _, op := range expired {
		l.observer.OperationExpired(op.Action)
	}
	return nil
}

// evictExpired removes expired operations from the shared state.
func (l *Ledger) evictExpired() {
	var expired []*Operation
	_, err := l.pending.Update(func(doc *pendingDoc) error {
		if doc.Operations == nil {
			doc.Operations = make(map[string]*Operation)
		}
		expired = l.gc(doc.Operations)
		return nil
	})
	if err != nil {
		l.persistenceWarning("evicting expired operations", err)
		return
	}

	now := l.now()
	l.mu.Lock()
	for id, op := range l.unpersisted {
		if op != nil && op.Expired(now, l.ttl) {
			delete(l.unpersisted, id)
		}
	}
	l.mu.Unlock()

	for _, op := range expired {
		l.observer.OperationExpired(op.Action)
		l.logger.Debug("operation expired", "op_id", op.ID, "action", op.Action.String())
	}
}

// gc deletes and returns expired operations in ops.
func (l *Ledger) gc(ops map[string]*Operation) []*Operation {
	now := l.now()
	var expired []*Operation
	for id, op := range ops {
		if op == nil || op.Expired(now, l.ttl) {
			if op != nil {
				expired = append(expired, op)
			}
			delete(ops, id)
		}
	}
	return expired
}

func (l *Ledger) overlayLocked(ops map[string]*Operation) {
	for id, op := range l.unpersisted {
		if op == nil {
			delete(ops, id)
			continue
		}
		ops[id] = op.Clone()
	}
}

// localOnlyLocked reports whether id has never been written to disk, so no
// other process can see it.
func (l *Ledger) localOnlyLocked(id string) bool {
	op, ok := l.unpersisted[id]
	if !ok || op == nil {
		return false
	}
	_, onDisk := l.cache[id]
	return !onDisk
}

// cloneOps deep-copies ops so fn cannot reach the cached operations.
func cloneOps(ops map[string]*Operation) map[string]*Operation {
	out := make(map[string]*Operation, len(ops))
	for id, op := range ops {
		out[id] = op.Clone()
	}
	return out
}

func (l *Ledger) archive(op *Operation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pending := append(l.unarchived, op)
	_, err := l.history.Update(func(doc *historyDoc) error {
		doc.Operations = append(doc.Operations, pending...)
		return nil
	})
	if err != nil {
		l.persistenceWarning("writing operation history", err)
		l.unarchived = pending
		return
	}
	l.unarchived = nil
}

func (l *Ledger) persistenceWarning(what string, err error) {
	l.observer.PersistenceFailed()
	l.logger.Warn("persistence warning: "+what, "error", err)
}

func newOperationID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating operation id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
