// ABOUTME: In-memory store of outstanding WebAuthn challenges for the approval server
// ABOUTME: Each challenge is bound to a purpose and operation and is removed the moment it is taken

package authority

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
)

// ErrChallengeInvalid covers unknown, reused, expired and mismatched challenges.
var ErrChallengeInvalid = errors.New("challenge invalid, expired or already used")

const challengeTTL = 5 * time.Minute

// Purpose says what a ceremony's success will authorize.
type Purpose int

const (
	PurposeRegister Purpose = iota + 1
	PurposeEnroll
	PurposeApprove
	PurposeReset
	// PurposeAddDevice registers another authenticator after an enrollment assertion.
	PurposeAddDevice
)

func (p Purpose) String() string {
	switch p {
	case PurposeRegister:
		return "register"
	case PurposeEnroll:
		return "enroll"
	case PurposeApprove:
		return "approve"
	case PurposeReset:
		return "reset"
	case PurposeAddDevice:
		return "add_device"
	default:
		return fmt.Sprintf("Purpose(%d)", int(p))
	}
}

type pendingChallenge struct {
	session   webauthn.SessionData
	purpose   Purpose
	opID      string
	expiresAt time.Time
}

// challengeStore keeps outstanding ceremony sessions keyed by session id.
type challengeStore struct {
	mu       sync.Mutex
	sessions map[string]*pendingChallenge
	now      func() time.Time
	cancel   context.CancelFunc
}

func newChallengeStore(now func() time.Time) *challengeStore {
	ctx, cancel := context.WithCancel(context.Background())
	s := &challengeStore{
		sessions: make(map[string]*pendingChallenge),
		now:      now,
		cancel:   cancel,
	}
	go s.cleanupLoop(ctx)
	return s
}

// Close stops the cleanup goroutine.
func (s *challengeStore) Close() {
	s.cancel()
}

// Put stores session for purpose/opID and returns the new session id.
func (s *challengeStore) Put(session *webauthn.SessionData, purpose Purpose, opID string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	id := base64.RawURLEncoding.EncodeToString(b)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &pendingChallenge{
		session:   *session,
		purpose:   purpose,
		opID:      opID,
		expiresAt: s.now().Add(challengeTTL),
	}
	return id, nil
}

// Take removes the challenge for id and returns it if it is live and was
// issued for purpose and opID. The challenge is gone afterwards whatever the
// outcome.
func (s *challengeStore) Take(id string, purpose Purpose, opID string) (*webauthn.SessionData, error) {
	session, _, err := s.TakeAny(id, opID, purpose)
	return session, err
}

// TakeAny is Take for a challenge issued for any of purposes. It reports
// which purpose the challenge carried.
func (s *challengeStore) TakeAny(id, opID string, purposes ...Purpose) (*webauthn.SessionData, Purpose, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.sessions[id]
	if !ok {
		return nil, 0, ErrChallengeInvalid
	}
	delete(s.sessions, id)

	if s.now().After(c.expiresAt) || !slices.Contains(purposes, c.purpose) || c.opID != opID {
		return nil, 0, ErrChallengeInvalid
	}
	return &c.session, c.purpose, nil
}

// Len returns the number of outstanding challenges.
func (s *challengeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *challengeStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, v := range s.sessions {
		if now.After(v.expiresAt) {
			delete(s.sessions, k)
		}
	}
}

func (s *challengeStore) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}
