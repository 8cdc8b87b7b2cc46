// ABOUTME: Session-scoped, in-memory mapping between secret values and reference tokens
// ABOUTME: Mints random tokens, deduplicates by value digest and resolves tokens back

package tokenvault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"
)

// DefaultTTL is the session lifetime used when none is configured.
const DefaultTTL = 2 * time.Hour

const tokenPrefix = "@token-"

var (
	// ErrSessionExpired is returned by every operation after the session deadline.
	ErrSessionExpired = errors.New("token session expired")

	// ErrUnknownToken is matched by UnknownTokenError.
	ErrUnknownToken = errors.New("unknown token")
)

var (
	tokenPattern      = regexp.MustCompile(`@token-[0-9a-f]{16}`)
	exactTokenPattern = regexp.MustCompile(`^@token-[0-9a-f]{16}$`)
)

// UnknownTokenError reports a well-formed token this session never minted.
type UnknownTokenError struct {
	Token string
}

func (e *UnknownTokenError) Error() string {
	return fmt.Sprintf("unknown token %s (minted in another session or never issued)", e.Token)
}

// Is makes errors.Is(err, ErrUnknownToken) work.
func (e *UnknownTokenError) Is(target error) bool {
	return target == ErrUnknownToken
}

// Metadata describes where a tokenized value came from. It is kept for audit
// only and never influences resolution.
type Metadata struct {
	Key     string
	Service string
	Source  string
	File    string
}

type entry struct {
	value    string
	meta     Metadata
	issuedAt time.Time
}

// Stats is a snapshot of session counters.
type Stats struct {
	SessionID     string        `json:"session_id"`
	TokensCreated int           `json:"tokens_created"`
	UniqueValues  int           `json:"unique_values"`
	Age           time.Duration `json:"-"`
	Remaining     time.Duration `json:"-"`
	Expired       bool          `json:"is_expired"`
}

// Option configures a Vault.
type Option func(*Vault)

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// Vault holds one token session.
type Vault struct {
	mu        sync.RWMutex
	ttl       time.Duration
	now       func() time.Time
	sessionID string
	createdAt time.Time
	tokens    map[string]entry  // token -> entry
	byDigest  map[string]string // sha256(value) -> token
	minted    int
}

// New creates a vault whose session lasts ttl from the first operation.
// A non-positive ttl selects DefaultTTL.
func New(ttl time.Duration, opts ...Option) *Vault {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	v := &Vault{
		ttl:      ttl,
		now:      time.Now,
		tokens:   make(map[string]entry),
		byDigest: make(map[string]string),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// IsToken reports whether s has exactly the token shape.
func IsToken(s string) bool {
	return exactTokenPattern.MatchString(s)
}

// FindTokens returns every token-shaped substring of text, in order.
func FindTokens(text string) []string {
	return tokenPattern.FindAllString(text, -1)
}

// Tokenize returns the token for value, minting one if the value is new to
// this session.
func (v *Vault) Tokenize(value string, meta Metadata) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkSessionLocked(); err != nil {
		return "", err
	}

	digest := digestOf(value)
	if tok, ok := v.byDigest[digest]; ok {
		return tok, nil
	}

	tok, err := v.mintLocked()
	if err != nil {
		return "", err
	}
	v.tokens[tok] = entry{value: value, meta: meta, issuedAt: v.now()}
	v.byDigest[digest] = tok
	v.minted++
	return tok, nil
}

// Detokenize resolves s if it is a token. Strings that are not exactly
// token-shaped pass through unchanged.
func (v *Vault) Detokenize(s string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkSessionLocked(); err != nil {
		return "", err
	}
	return v.resolveLocked(s)
}

// DetokenizeStructured returns a copy of data with every token-valued string
// resolved. Maps and slices are walked recursively; other values are returned
// unchanged. The first unknown token aborts the walk.
func (v *Vault) DetokenizeStructured(data any) (any, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkSessionLocked(); err != nil {
		return nil, err
	}
	return v.walkLocked(data)
}

// DetokenizeMap resolves every token value of m.
func (v *Vault) DetokenizeMap(m map[string]string) (map[string]string, error) {
	out, err := v.DetokenizeStructured(m)
	if err != nil {
		return nil, err
	}
	return out.(map[string]string), nil
}

// DetokenizeText replaces every known token embedded in text. Unknown tokens
// are left as they are.
func (v *Vault) DetokenizeText(text string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkSessionLocked(); err != nil {
		return "", err
	}
	return tokenPattern.ReplaceAllStringFunc(text, func(tok string) string {
		if e, ok := v.tokens[tok]; ok {
			return e.value
		}
		return tok
	}), nil
}

// Lookup returns the audit metadata recorded for tok.
func (v *Vault) Lookup(tok string) (Metadata, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	e, ok := v.tokens[tok]
	return e.meta, ok
}

// Stats returns the session counters. It starts the session if needed and
// never fails.
func (v *Vault) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.startLocked()
	age := v.now().Sub(v.createdAt)
	remaining := v.ttl - age
	if remaining < 0 {
		remaining = 0
	}
	return Stats{
		SessionID:     v.sessionID,
		TokensCreated: v.minted,
		UniqueValues:  len(v.byDigest),
		Age:           age,
		Remaining:     remaining,
		Expired:       age > v.ttl,
	}
}

// Clear drops every mapping. The session deadline is not reset.
func (v *Vault) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.tokens = make(map[string]entry)
	v.byDigest = make(map[string]string)
	v.minted = 0
}

func (v *Vault) walkLocked(data any) (any, error) {
	switch val := data.(type) {
	case string:
		return v.resolveLocked(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := v.walkLocked(item)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, item := range val {
			r, err := v.resolveLocked(item)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := v.walkLocked(item)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			r, err := v.resolveLocked(item)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return data, nil
	}
}

func (v *Vault) resolveLocked(s string) (string, error) {
	if !exactTokenPattern.MatchString(s) {
		return s, nil
	}
	e, ok := v.tokens[s]
	if !ok {
		return "", &UnknownTokenError{Token: s}
	}
	return e.value, nil
}

func (v *Vault) startLocked() {
	if v.sessionID != "" {
		return
	}
	v.sessionID = "sess-" + randomHex(8)
	v.createdAt = v.now()
}

func (v *Vault) checkSessionLocked() error {
	v.startLocked()
	if v.now().Sub(v.createdAt) > v.ttl {
		return ErrSessionExpired
	}
	return nil
}

// mintLocked draws a fresh token; a collision with a live token is retried.
func (v *Vault) mintLocked() (string, error) {
	for range 8 {
		tok := tokenPrefix + randomHex(8)
		if _, taken := v.tokens[tok]; !taken {
			return tok, nil
		}
	}
	return "", errors.New("could not mint a unique token")
}

func digestOf(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// randomHex returns 2n lowercase hex characters. crypto/rand.Read never
// returns an error on supported platforms.
func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
