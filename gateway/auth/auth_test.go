package auth

import (
	"bytes"
	"encoding/hex"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func buildRequest(secret, apiKey, nonce string, at time.Time, body []byte) (string, string) {
	ts := strconv.FormatInt(at.Unix(), 10)
	sig := ComputeSignature(secret, ts, nonce, "POST", "/settlement/finalize", body)
	return ts, hex.EncodeToString(sig)
}

func TestAuthenticateAcceptsValidSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := NewAuthenticator(map[string]string{"ops": "secret"}, time.Minute, time.Minute, func() time.Time { return now })

	body := []byte(`{"challenge_id":"abc"}`)
	ts, sig := buildRequest("secret", "ops", "nonce-1", now, body)
	req := httptest.NewRequest("POST", "/settlement/finalize", bytes.NewReader(body))
	req.Header.Set(HeaderAPIKey, "ops")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, "nonce-1")
	req.Header.Set(HeaderSignature, sig)

	principal, err := auth.Authenticate(req, body)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.APIKey != "ops" {
		t.Fatalf("unexpected principal %q", principal.APIKey)
	}
}

func TestAuthenticateRejectsReplay(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := NewAuthenticator(map[string]string{"ops": "secret"}, time.Minute, time.Minute, func() time.Time { return now })

	body := []byte(`{}`)
	ts, sig := buildRequest("secret", "ops", "nonce-dup", now, body)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/settlement/finalize", bytes.NewReader(body))
		req.Header.Set(HeaderAPIKey, "ops")
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderNonce, "nonce-dup")
		req.Header.Set(HeaderSignature, sig)
		_, err := auth.Authenticate(req, body)
		if i == 0 && err != nil {
			t.Fatalf("first attempt: %v", err)
		}
		if i == 1 {
			if err == nil || !strings.Contains(err.Error(), "nonce") {
				t.Fatalf("expected nonce replay error, got %v", err)
			}
		}
	}
}

func TestAuthenticateRejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := NewAuthenticator(map[string]string{"ops": "secret"}, time.Minute, time.Minute, func() time.Time { return now })

	body := []byte(`{}`)
	stale := now.Add(-5 * time.Minute)
	ts, sig := buildRequest("secret", "ops", "nonce-2", stale, body)
	req := httptest.NewRequest("POST", "/settlement/finalize", bytes.NewReader(body))
	req.Header.Set(HeaderAPIKey, "ops")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, "nonce-2")
	req.Header.Set(HeaderSignature, sig)

	if _, err := auth.Authenticate(req, body); err == nil {
		t.Fatal("expected skew rejection")
	}
}

func TestAuthenticateRejectsTamperedBody(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := NewAuthenticator(map[string]string{"ops": "secret"}, time.Minute, time.Minute, func() time.Time { return now })

	body := []byte(`{"challenge_id":"abc"}`)
	ts, sig := buildRequest("secret", "ops", "nonce-3", now, body)
	tampered := []byte(`{"challenge_id":"xyz"}`)
	req := httptest.NewRequest("POST", "/settlement/finalize", bytes.NewReader(tampered))
	req.Header.Set(HeaderAPIKey, "ops")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, "nonce-3")
	req.Header.Set(HeaderSignature, sig)

	if _, err := auth.Authenticate(req, tampered); err == nil {
		t.Fatal("expected signature mismatch")
	}
}

func TestAuthenticateRejectsUnknownKey(t *testing.T) {
	auth := NewAuthenticator(map[string]string{"ops": "secret"}, time.Minute, time.Minute, nil)
	req := httptest.NewRequest("POST", "/settlement/finalize", nil)
	req.Header.Set(HeaderAPIKey, "intruder")
	if _, err := auth.Authenticate(req, nil); err == nil {
		t.Fatal("expected unknown key rejection")
	}
}

func TestCanonicalQuerySortsParameters(t *testing.T) {
	got := CanonicalQuery("b=2&a=1&c=3")
	if got != "a=1&b=2&c=3" {
		t.Fatalf("unexpected canonical query %q", got)
	}
}
