// ABOUTME: Tests for the pending operation ledger
// ABOUTME: Covers lifecycle, expiry, idempotent approval, cross-handle sharing and disk failures

package ledger

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingObserver struct {
	mu                  sync.Mutex
	created             int
	approved            int
	expired             int
	completed           int
	persistenceFailures int
}

func (o *countingObserver) OperationCreated(Action)   { o.mu.Lock(); o.created++; o.mu.Unlock() }
func (o *countingObserver) OperationApproved(Action)  { o.mu.Lock(); o.approved++; o.mu.Unlock() }
func (o *countingObserver) OperationExpired(Action)   { o.mu.Lock(); o.expired++; o.mu.Unlock() }
func (o *countingObserver) OperationCompleted(Action) { o.mu.Lock(); o.completed++; o.mu.Unlock() }
func (o *countingObserver) PersistenceFailed()        { o.mu.Lock(); o.persistenceFailures++; o.mu.Unlock() }

func setupTestLedger(t *testing.T) (*Ledger, *testClock, string) {
	t.Helper()
	dir := t.TempDir()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(dir, WithClock(clock.Now)), clock, dir
}

func createTestOp(t *testing.T, l *Ledger) *Operation {
	t.Helper()
	op, err := l.Create(context.Background(), CreateRequest{
		Service:  "billing",
		Action:   ActionCreate,
		Secrets:  map[string]string{"STRIPE_KEY": "sk_live_abc", "DB_PASSWORD": "pw-123456"},
		Warnings: []string{"value contains ;"},
	})
	require.NoError(t, err)
	return op
}

func TestLedger_CreateAndGet(t *testing.T) {
	l, _, dir := setupTestLedger(t)
	ctx := context.Background()

	op := createTestOp(t, l)
	assert.Len(t, op.ID, 22)
	assert.Equal(t, []string{"DB_PASSWORD", "STRIPE_KEY"}, op.Keys)
	assert.False(t, op.Approved)

	got, err := l.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, op.Service, got.Service)
	assert.Equal(t, op.Secrets, got.Secrets)

	_, err = os.Stat(filepath.Join(dir, PendingFile))
	require.NoError(t, err)

	_, err = l.Get(ctx, "does-not-exist")
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestLedger_UniqueIDs(t *testing.T) {
	l, _, _ := setupTestLedger(t)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		op := createTestOp(t, l)
		assert.False(t, seen[op.ID])
		seen[op.ID] = true
	}
}

func TestLedger_Expiry(t *testing.T) {
	l, clock, _ := setupTestLedger(t)
	ctx := context.Background()
	op := createTestOp(t, l)

	clock.Advance(DefaultTTL)
	_, err := l.Get(ctx, op.ID)
	require.NoError(t, err, "exactly at the deadline the operation is still live")

	clock.Advance(time.Second)
	_, err = l.Get(ctx, op.ID)
	assert.ErrorIs(t, err, ErrOperationExpired)

	_, err = l.Get(ctx, op.ID)
	assert.ErrorIs(t, err, ErrOperationNotFound, "expired operations are evicted")
}

func TestLedger_ApproveOnce(t *testing.T) {
	obs := &countingObserver{}
	dir := t.TempDir()
	clock := &testClock{now: time.Now().UTC()}
	l := New(dir, WithClock(clock.Now), WithObserver(obs))
	ctx := context.Background()
	op := createTestOp(t, l)

	assert.False(t, l.IsApproved(ctx, op.ID))
	assert.ErrorIs(t, l.CheckApproval(ctx, op.ID), ErrNotApproved)

	approved, err := l.Approve(ctx, op.ID, "cred-1", "YubiKey")
	require.NoError(t, err)
	assert.True(t, approved.Approved)
	require.NotNil(t, approved.ApprovedAt)
	assert.Equal(t, "cred-1", approved.ApprovedByCredential)

	clock.Advance(time.Second)
	_, err = l.Approve(ctx, op.ID, "cred-2", "Phone")
	assert.ErrorIs(t, err, ErrAlreadyApproved)

	got, err := l.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, "cred-1", got.ApprovedByCredential, "second approval must not mutate")
	assert.True(t, got.ApprovedAt.Equal(*approved.ApprovedAt))
	assert.True(t, l.IsApproved(ctx, op.ID))
	assert.Equal(t, 1, obs.approved)
}

func TestLedger_ApproveExpired(t *testing.T) {
	l, clock, _ := setupTestLedger(t)
	ctx := context.Background()
	op := createTestOp(t, l)

	clock.Advance(DefaultTTL + time.Second)
	_, err := l.Approve(ctx, op.ID, "cred-1", "YubiKey")
	assert.ErrorIs(t, err, ErrOperationExpired)

	_, err = l.Approve(ctx, "missing", "cred-1", "YubiKey")
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestLedger_ApprovedOperationStillExpires(t *testing.T) {
	l, clock, _ := setupTestLedger(t)
	ctx := context.Background()
	op := createTestOp(t, l)
	_, err := l.Approve(ctx, op.ID, "cred-1", "YubiKey")
	require.NoError(t, err)

	clock.Advance(DefaultTTL + time.Second)
	assert.ErrorIs(t, l.CheckApproval(ctx, op.ID), ErrOperationExpired)
	assert.False(t, l.IsApproved(ctx, op.ID))
}

func TestLedger_SharedBetweenHandles(t *testing.T) {
	dir := t.TempDir()
	clock := &testClock{now: time.Now().UTC()}
	tools := New(dir, WithClock(clock.Now))
	approver := New(dir, WithClock(clock.Now))
	ctx := context.Background()

	op := createTestOp(t, tools)

	got, err := approver.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, op.ID, got.ID)

	_, err = approver.Approve(ctx, op.ID, "cred-1", "YubiKey")
	require.NoError(t, err)
	assert.True(t, tools.IsApproved(ctx, op.ID))

	// A write from the tool side must not clobber the approval.
	other := createTestOp(t, tools)
	assert.True(t, approver.IsApproved(ctx, op.ID))
	_, err = approver.Get(ctx, other.ID)
	require.NoError(t, err)
}

func TestLedger_ClaimIsExclusiveAcrossHandles(t *testing.T) {
	dir := t.TempDir()
	clock := &testClock{now: time.Now().UTC()}
	first := New(dir, WithClock(clock.Now))
	second := New(dir, WithClock(clock.Now))
	ctx := context.Background()

	op := createTestOp(t, first)
	_, err := second.Claim(ctx, op.ID)
	assert.ErrorIs(t, err, ErrNotApproved)

	_, err = second.Approve(ctx, op.ID, "cred-1", "YubiKey")
	require.NoError(t, err)

	claimed, err := first.Claim(ctx, op.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed.ClaimedAt)

	_, err = second.Claim(ctx, op.ID)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	_, err = first.Claim(ctx, op.ID)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	require.NoError(t, first.Release(ctx, op.ID))
	_, err = second.Claim(ctx, op.ID)
	require.NoError(t, err)

	require.NoError(t, second.Cleanup(ctx, op.ID))
	_, err = first.Claim(ctx, op.ID)
	assert.ErrorIs(t, err, ErrOperationNotFound)
	assert.NoError(t, first.Release(ctx, op.ID))
}

func TestLedger_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	handles := []*Ledger{New(dir), New(dir), New(dir), New(dir)}

	op := createTestOp(t, handles[0])
	_, err := handles[1].Approve(ctx, op.ID, "cred-1", "YubiKey")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for _, l := range handles {
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := l.Claim(ctx, op.ID); err == nil {
					mu.Lock()
					won++
					mu.Unlock()
				}
			}()
		}
	}
	wg.Wait()
	assert.Equal(t, 1, won)
}

func TestLedger_ClaimExpired(t *testing.T) {
	l, clock, _ := setupTestLedger(t)
	ctx := context.Background()
	op := createTestOp(t, l)
	_, err := l.Approve(ctx, op.ID, "cred-1", "YubiKey")
	require.NoError(t, err)

	clock.Advance(DefaultTTL + time.Second)
	_, err = l.Claim(ctx, op.ID)
	assert.ErrorIs(t, err, ErrOperationExpired)
}

// stuckOp creates an operation whose metadata cannot be encoded, so every
// later write of the pending document fails while reads keep working.
func stuckOp(t *testing.T, l *Ledger) *Operation {
	t.Helper()
	op, err := l.Create(context.Background(), CreateRequest{
		Service:  "svc",
		Action:   ActionCreate,
		Metadata: map[string]any{"ratio": math.Inf(1)},
	})
	require.NoError(t, err)
	return op
}

func TestLedger_FailedWriteLeavesReadCacheIntact(t *testing.T) {
	obs := &countingObserver{}
	l := New(t.TempDir(), WithObserver(obs))
	ctx := context.Background()

	persisted := createTestOp(t, l)
	stuckOp(t, l)
	_, err := l.Get(ctx, persisted.ID)
	require.NoError(t, err)

	_, err = l.Approve(ctx, persisted.ID, "cred-1", "YubiKey")
	require.NoError(t, err)
	assert.Greater(t, obs.persistenceFailures, 0)

	l.mu.Lock()
	cached := l.cache[persisted.ID]
	l.mu.Unlock()
	require.NotNil(t, cached)
	assert.False(t, cached.Approved, "the cache mirrors the disk, which still has the operation unapproved")

	assert.True(t, l.IsApproved(ctx, persisted.ID))
}

func TestLedger_ClaimMustReachDisk(t *testing.T) {
	l, _, _ := setupTestLedger(t)
	ctx := context.Background()

	shared := createTestOp(t, l)
	_, err := l.Approve(ctx, shared.ID, "cred-1", "YubiKey")
	require.NoError(t, err)

	local := stuckOp(t, l)
	_, err = l.Get(ctx, shared.ID)
	require.NoError(t, err)

	// Other processes can see shared, so an unwritten claim is refused.
	_, err = l.Claim(ctx, shared.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyClaimed)

	// local never reached the disk; claiming it in memory is enough.
	_, err = l.Approve(ctx, local.ID, "cred-1", "YubiKey")
	require.NoError(t, err)
	_, err = l.Claim(ctx, local.ID)
	require.NoError(t, err)
	_, err = l.Claim(ctx, local.ID)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestLedger_ConcurrentCreates(t *testing.T) {
	dir := t.TempDir()
	a := New(dir)
	b := New(dir)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		l := a
		if i%2 == 1 {
			l = b
		}
		go func() {
			defer wg.Done()
			if _, err := l.Create(ctx, CreateRequest{Service: "svc", Action: ActionUpdate}); err != nil {
				t.Errorf("create: %v", err)
			}
		}()
	}
	wg.Wait()

	ops, err := a.List(ctx)
	require.NoError(t, err)
	assert.Len(t, ops, 20)
}

func TestLedger_CleanupArchivesWithoutSecrets(t *testing.T) {
	l, _, dir := setupTestLedger(t)
	ctx := context.Background()
	op := createTestOp(t, l)
	_, err := l.Approve(ctx, op.ID, "cred-1", "YubiKey")
	require.NoError(t, err)

	require.NoError(t, l.Cleanup(ctx, op.ID))
	require.NoError(t, l.Cleanup(ctx, op.ID), "cleanup is idempotent")

	_, err = l.Get(ctx, op.ID)
	assert.ErrorIs(t, err, ErrOperationNotFound)

	history, err := l.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, op.ID, history[0].ID)
	assert.Nil(t, history[0].Secrets)
	assert.Equal(t, []string{"DB_PASSWORD", "STRIPE_KEY"}, history[0].Keys)
	assert.NotNil(t, history[0].CompletedAt)

	raw, err := os.ReadFile(filepath.Join(dir, CompletedFile))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk_live_abc")
}

func TestLedger_HistoryNewestFirst(t *testing.T) {
	l, clock, _ := setupTestLedger(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		op := createTestOp(t, l)
		ids = append(ids, op.ID)
		clock.Advance(time.Second)
		require.NoError(t, l.Cleanup(ctx, op.ID))
	}

	history, err := l.History(ctx, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ids[2], history[0].ID)
	assert.Equal(t, ids[1], history[1].ID)
}

func TestLedger_LoadEvictsExpired(t *testing.T) {
	obs := &countingObserver{}
	dir := t.TempDir()
	clock := &testClock{now: time.Now().UTC()}
	l := New(dir, WithClock(clock.Now), WithObserver(obs))
	ctx := context.Background()

	old := createTestOp(t, l)
	clock.Advance(4 * time.Minute)
	fresh := createTestOp(t, l)
	clock.Advance(2 * time.Minute)

	ops, err := l.Load(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, fresh.ID, ops[0].ID)
	assert.Equal(t, 1, obs.expired)

	_, err = l.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrOperationNotFound)

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1}, stats)
}

func TestLedger_DiskFailureKeepsMemoryState(t *testing.T) {
	parent := t.TempDir()
	blocked := filepath.Join(parent, "not-a-dir")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o600))

	obs := &countingObserver{}
	l := New(blocked, WithObserver(obs))
	ctx := context.Background()

	op, err := l.Create(ctx, CreateRequest{Service: "svc", Action: ActionCreate, Secrets: map[string]string{"K": "v"}})
	require.NoError(t, err, "persistence failures are warnings, not errors")

	got, err := l.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, "svc", got.Service)

	_, err = l.Approve(ctx, op.ID, "cred", "key")
	require.NoError(t, err)
	assert.True(t, l.IsApproved(ctx, op.ID))

	require.NoError(t, l.Cleanup(ctx, op.ID))
	_, err = l.Get(ctx, op.ID)
	assert.ErrorIs(t, err, ErrOperationNotFound)

	history, err := l.History(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Greater(t, obs.persistenceFailures, 0)
}

func TestLedger_CreateRejectsInvalidAction(t *testing.T) {
	l, _, _ := setupTestLedger(t)
	_, err := l.Create(context.Background(), CreateRequest{Service: "svc", Action: Action(42)})
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestAction_Text(t *testing.T) {
	for _, a := range AllActions {
		b, err := json.Marshal(a)
		require.NoError(t, err)
		var back Action
		require.NoError(t, json.Unmarshal(b, &back))
		assert.Equal(t, a, back)
	}

	assert.Equal(t, `"SCAN_COMPOSE"`, mustJSON(t, ActionScanCompose))

	var a Action
	assert.Error(t, json.Unmarshal([]byte(`"DELETE"`), &a))
	_, err := json.Marshal(Action(0))
	assert.Error(t, err)

	assert.True(t, ActionScanEnv.IsScan())
	assert.False(t, ActionUpdate.IsScan())
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
