package tradovate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func testCredentials() Credentials {
	return Credentials{
		Name:       "u",
		Password:   "p",
		AppID:      "a",
		AppVersion: "1.0.0",
		DeviceID:   "d",
		CID:        "1",
		Secret:     "s",
	}
}

// authServer is a scripted auth endpoint. Handlers are keyed by path suffix
// and every hit is recorded.
type authServer struct {
	*httptest.Server

	mu   sync.Mutex
	hits []string
}

func newAuthServer(t *testing.T, handlers map[string]http.HandlerFunc) *authServer {
	t.Helper()
	s := &authServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits = append(s.hits, r.URL.Path)
		s.mu.Unlock()
		if h, ok := handlers[r.URL.Path]; ok {
			h(w, r)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *authServer) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.hits {
		if h == path {
			n++
		}
	}
	return n
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestAcquireFullAuthAndCache(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expiry := base.Add(time.Hour)

	srv := newAuthServer(t, map[string]http.HandlerFunc{
		"/auth/accessTokenRequest": func(w http.ResponseWriter, r *http.Request) {
			var creds Credentials
			if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
				t.Errorf("failed to decode credentials: %v", err)
			}
			if creds != testCredentials() {
				t.Errorf("unexpected credentials sent: %+v", creds)
			}
			writeJSON(w, map[string]any{
				"accessToken":    "T1",
				"refreshToken":   "R1",
				"expirationTime": expiry.UnixMilli(),
			})
		},
	})

	tm := NewTokenManager(testCredentials(), srv.URL, testLogger())
	tm.now = func() time.Time { return base }

	token, err := tm.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if token != "T1" {
		t.Fatalf("expected T1, got %q", token)
	}

	// Within the validity window the cached token comes back with no
	// network traffic.
	tm.now = func() time.Time { return base.Add(54 * time.Minute) }
	token, err = tm.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if token != "T1" {
		t.Fatalf("expected cached T1, got %q", token)
	}
	if n := srv.hitCount("/auth/accessTokenRequest"); n != 1 {
		t.Fatalf("expected 1 auth exchange, got %d", n)
	}
}

func TestAcquireRenegotiatesAtEarlyRenewBoundary(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expiry := base.Add(time.Hour)

	srv := newAuthServer(t, map[string]http.HandlerFunc{
		"/auth/accessTokenRequest": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]any{
				"accessToken":    "T1",
				"refreshToken":   "R1",
				"expirationTime": expiry.UnixMilli(),
			})
		},
		"/auth/renewAccessToken": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["name"] != "u" || body["refreshToken"] != "R1" {
				t.Errorf("unexpected renew body: %v", body)
			}
			writeJSON(w, map[string]any{
				"accessToken":    "T2",
				"expirationTime": expiry.Add(time.Hour).UnixMilli(),
			})
		},
	})

	tm := NewTokenManager(testCredentials(), srv.URL, testLogger())
	tm.now = func() time.Time { return base }
	if _, err := tm.Acquire(context.Background()); err != nil {
		t.Fatalf("initial Acquire failed: %v", err)
	}

	// Exactly at expiry minus the renew window the token is stale.
	tm.now = func() time.Time { return expiry.Add(-earlyRenewWindow) }
	token, err := tm.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire at boundary failed: %v", err)
	}
	if token != "T2" {
		t.Fatalf("expected renewed T2, got %q", token)
	}
	if n := srv.hitCount("/auth/renewAccessToken"); n != 1 {
		t.Fatalf("expected 1 renew call, got %d", n)
	}
	// The refresh token survives a renew response that omits one.
	if tm.token.RefreshToken != "R1" {
		t.Fatalf("refresh token changed to %q", tm.token.RefreshToken)
	}
}

func TestAcquireFallsBackToFullAuthWhenRenewFails(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	srv := newAuthServer(t, map[string]http.HandlerFunc{
		"/auth/accessTokenRequest": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]any{
				"accessToken":    "T3",
				"refreshToken":   "R1",
				"expirationTime": base.Add(2 * time.Hour).UnixMilli(),
			})
		},
		"/auth/renewAccessToken": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		},
	})

	tm := NewTokenManager(testCredentials(), srv.URL, testLogger())
	tm.now = func() time.Time { return base }
	if _, err := tm.Acquire(context.Background()); err != nil {
		t.Fatalf("initial Acquire failed: %v", err)
	}

	tm.now = func() time.Time { return base.Add(3 * time.Hour) }
	token, err := tm.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after failed renew: %v", err)
	}
	if token != "T3" {
		t.Fatalf("expected T3 from full auth, got %q", token)
	}
	if n := srv.hitCount("/auth/renewAccessToken"); n != 1 {
		t.Fatalf("expected exactly 1 renew attempt, got %d", n)
	}
	if n := srv.hitCount("/auth/accessTokenRequest"); n != 2 {
		t.Fatalf("expected 2 full auth exchanges, got %d", n)
	}
}

func TestDeniedRenewClearsRefreshToken(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var fullAuths atomic.Int32
	srv := newAuthServer(t, map[string]http.HandlerFunc{
		"/auth/accessTokenRequest": func(w http.ResponseWriter, r *http.Request) {
			resp := map[string]any{
				"accessToken":    "T1",
				"expirationTime": base.Add(time.Hour).UnixMilli(),
			}
			// Only the first exchange hands out a refresh token.
			if fullAuths.Add(1) == 1 {
				resp["refreshToken"] = "R1"
			}
			writeJSON(w, resp)
		},
		"/auth/renewAccessToken": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, map[string]string{"errorText": "refresh revoked"})
		},
	})

	tm := NewTokenManager(testCredentials(), srv.URL, testLogger())
	tm.now = func() time.Time { return base }
	if _, err := tm.Acquire(context.Background()); err != nil {
		t.Fatalf("initial Acquire failed: %v", err)
	}

	tm.now = func() time.Time { return base.Add(2 * time.Hour) }
	if _, err := tm.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire after denied renew: %v", err)
	}
	if tm.token.RefreshToken == "R1" {
		t.Fatal("denied renew should have cleared the refresh token")
	}

	// The next expiry goes straight to full auth without another renew.
	tm.now = func() time.Time { return base.Add(4 * time.Hour) }
	if _, err := tm.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire after cleared refresh token: %v", err)
	}
	if n := srv.hitCount("/auth/renewAccessToken"); n != 1 {
		t.Fatalf("expected no further renew attempts, got %d", n)
	}
}

func TestAcquireCredentialsMissing(t *testing.T) {
	creds := testCredentials()
	creds.Secret = ""

	tm := NewTokenManager(creds, "http://127.0.0.1:0", testLogger())
	if _, err := tm.Acquire(context.Background()); !errors.Is(err, ErrCredentialsMissing) {
		t.Fatalf("expected ErrCredentialsMissing, got %v", err)
	}
}

func TestAcquireAuthDenied(t *testing.T) {
	srv := newAuthServer(t, map[string]http.HandlerFunc{
		"/auth/accessTokenRequest": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, map[string]string{"errorText": "bad credentials"})
		},
	})

	tm := NewTokenManager(testCredentials(), srv.URL, testLogger())
	_, err := tm.Acquire(context.Background())
	var denied *AuthDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected AuthDeniedError, got %v", err)
	}
	if denied.Text != "bad credentials" {
		t.Fatalf("unexpected denial text %q", denied.Text)
	}
}

func TestAcquireAuthDeniedInsideOK(t *testing.T) {
	srv := newAuthServer(t, map[string]http.HandlerFunc{
		"/auth/accessTokenRequest": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]string{"errorText": "captcha required"})
		},
	})

	tm := NewTokenManager(testCredentials(), srv.URL, testLogger())
	_, err := tm.Acquire(context.Background())
	var denied *AuthDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected AuthDeniedError for errorText body, got %v", err)
	}
}

func TestAcquireSharesSingleExchange(t *testing.T) {
	var exchanges atomic.Int32
	srv := newAuthServer(t, map[string]http.HandlerFunc{
		"/auth/accessTokenRequest": func(w http.ResponseWriter, r *http.Request) {
			exchanges.Add(1)
			time.Sleep(20 * time.Millisecond)
			writeJSON(w, map[string]any{
				"accessToken":    "T1",
				"expirationTime": time.Now().Add(time.Hour).UnixMilli(),
			})
		},
	})

	tm := NewTokenManager(testCredentials(), srv.URL, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := tm.Acquire(context.Background())
			if err != nil {
				t.Errorf("concurrent Acquire failed: %v", err)
			}
			if token != "T1" {
				t.Errorf("expected T1, got %q", token)
			}
		}()
	}
	wg.Wait()

	if n := exchanges.Load(); n != 1 {
		t.Fatalf("expected 1 credential exchange across concurrent callers, got %d", n)
	}
}

func TestInvalidateKeepsRefreshToken(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	srv := newAuthServer(t, map[string]http.HandlerFunc{
		"/auth/accessTokenRequest": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]any{
				"accessToken":    "T1",
				"refreshToken":   "R1",
				"expirationTime": base.Add(time.Hour).UnixMilli(),
			})
		},
		"/auth/renewAccessToken": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]any{
				"accessToken":    "T2",
				"expirationTime": base.Add(2 * time.Hour).UnixMilli(),
			})
		},
	})

	tm := NewTokenManager(testCredentials(), srv.URL, testLogger())
	tm.now = func() time.Time { return base }
	if _, err := tm.Acquire(context.Background()); err != nil {
		t.Fatalf("initial Acquire failed: %v", err)
	}

	tm.Invalidate(false)

	token, err := tm.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after invalidate failed: %v", err)
	}
	if token != "T2" {
		t.Fatalf("expected renew after invalidate, got %q", token)
	}
	if n := srv.hitCount("/auth/renewAccessToken"); n != 1 {
		t.Fatalf("expected renew path after invalidate, got %d calls", n)
	}
}

func TestExpiryDefaultsWhenOmitted(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	srv := newAuthServer(t, map[string]http.HandlerFunc{
		"/auth/accessTokenRequest": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]any{"accessToken": "T1"})
		},
	})

	tm := NewTokenManager(testCredentials(), srv.URL, testLogger())
	tm.now = func() time.Time { return base }
	if _, err := tm.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if got := tm.token.Expiry; !got.Equal(base.Add(defaultTokenTTL)) {
		t.Fatalf("expected default expiry %v, got %v", base.Add(defaultTokenTTL), got)
	}
}
