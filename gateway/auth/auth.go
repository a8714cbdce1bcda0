package auth

import (
	"container/list"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey identifies the calling settlement authority.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection together with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 request signature.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature caps the body size hashed during authentication.
	MaxBodyForSignature int = 1 << 20

	maxTimestampSkew = 2 * time.Minute
	maxNonceWindow   = 10 * time.Minute
	defaultCapacity  = 4096
)

// Principal is an authenticated API client.
type Principal struct {
	APIKey string
}

// Authenticator checks API key + HMAC-SHA256 signatures on incoming
// requests and rejects replays within the nonce window.
type Authenticator struct {
	secrets map[string]string
	skew    time.Duration
	window  time.Duration
	nowFn   func() time.Time

	mu    sync.Mutex
	seen  map[string]*list.Element
	order *list.List
	cap   int
}

type seenEntry struct {
	key string
	at  time.Time
}

// NewAuthenticator builds an Authenticator from API key -> shared secret
// pairs. Zero durations fall back to the package maximums.
func NewAuthenticator(secrets map[string]string, skew, window time.Duration, nowFn func() time.Time) *Authenticator {
	cloned := make(map[string]string, len(secrets))
	for key, secret := range secrets {
		cloned[strings.TrimSpace(key)] = strings.TrimSpace(secret)
	}
	if skew <= 0 || skew > maxTimestampSkew {
		skew = maxTimestampSkew
	}
	if window <= 0 || window > maxNonceWindow {
		window = maxNonceWindow
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Authenticator{
		secrets: cloned,
		skew:    skew,
		window:  window,
		nowFn:   nowFn,
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		cap:     defaultCapacity,
	}
}

// Authenticate validates the request headers and signature and returns the
// caller principal.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing X-Api-Key header")
	}
	secret, ok := a.secrets[apiKey]
	if !ok || secret == "" {
		return nil, errors.New("unknown API key")
	}
	tsHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if tsHeader == "" {
		return nil, errors.New("missing X-Timestamp header")
	}
	secs, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	drift := now.Sub(time.Unix(secs, 0).UTC())
	if drift < 0 {
		drift = -drift
	}
	if drift > a.skew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", a.skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing X-Nonce header")
	}
	provided := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if provided == "" {
		return nil, errors.New("missing X-Signature header")
	}
	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	expected := ComputeSignature(secret, tsHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}
	if a.replayed(apiKey+"|"+tsHeader+"|"+nonce, now) {
		return nil, errors.New("nonce already used")
	}
	return &Principal{APIKey: apiKey}, nil
}

// replayed records the nonce key and reports whether it was already observed
// inside the replay window.
func (a *Authenticator) replayed(key string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := now.Add(-a.window)
	for front := a.order.Front(); front != nil; front = a.order.Front() {
		entry := front.Value.(seenEntry)
		if !entry.at.Before(cutoff) {
			break
		}
		a.order.Remove(front)
		delete(a.seen, entry.key)
	}
	if _, exists := a.seen[key]; exists {
		return true
	}
	for a.order.Len() >= a.cap {
		front := a.order.Front()
		entry := front.Value.(seenEntry)
		a.order.Remove(front)
		delete(a.seen, entry.key)
	}
	a.seen[key] = a.order.PushBack(seenEntry{key: key, at: now})
	return false
}

// CanonicalRequestPath normalises the URL path and query ordering for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery sorts raw query parameters for stable signatures.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// ComputeSignature derives the HMAC-SHA256 signature bytes over the request
// metadata and body.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}
