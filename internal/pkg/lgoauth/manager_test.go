package lgoauth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jake-scott/smarther-bridge/internal/pkg/backoff"
)

func tokenJSON(access, refresh string) string {
	return fmt.Sprintf(`{"access_token": %q, "token_type": "Bearer", "refresh_token": %q, "expires_in": 3600}`,
		access, refresh)
}

// newTokenServer returns a token endpoint whose handler decides the response
// from the 1-based request count.
func newTokenServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, hit int32)) (*httptest.Server, *int32) {
	t.Helper()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		handler(w, r, n)
	}))

	return srv, &hits
}

func testState(tokenURL string) State {
	s := NewState().WithClientID("cid").WithClientSecret("secret")
	s.TokenURL = tokenURL
	s.refreshToken = "refresh-1"
	return s
}

// immediate makes manager backoff sleeps return instantly.
func immediate(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func TestGetValidTokenUsesCachedToken(t *testing.T) {
	srv, hits := newTokenServer(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		t.Error("token endpoint should not be called for a valid cached token")
	})
	defer srv.Close()

	state := testState(srv.URL)
	state.accessToken = "cached"
	state.accessTokenExpiry = time.Now().Add(time.Hour)

	m := NewManager(&state)
	tok, err := m.GetValidToken(context.Background())
	if err != nil {
		t.Fatalf("getting token: %v", err)
	}
	if tok != "cached" {
		t.Errorf("got token %q, want the cached one", tok)
	}
	if n := atomic.LoadInt32(hits); n != 0 {
		t.Errorf("token endpoint hit %d times", n)
	}
}

func TestGetValidTokenSingleFlight(t *testing.T) {
	srv, hits := newTokenServer(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		time.Sleep(50 * time.Millisecond) // hold the refresh open
		fmt.Fprint(w, tokenJSON("fresh-1", "refresh-2"))
	})
	defer srv.Close()

	state := testState(srv.URL)
	m := NewManager(&state)

	const callers = 8
	tokens := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.GetValidToken(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "fresh-1" {
			t.Errorf("caller %d: got token %q, want fresh-1", i, tokens[i])
		}
	}

	if n := atomic.LoadInt32(hits); n != 1 {
		t.Errorf("token endpoint hit %d times, want a single collapsed refresh", n)
	}

	if state.refreshToken != "refresh-2" {
		t.Errorf("rotated refresh token not stored, got %q", state.refreshToken)
	}
}

func TestRefreshRejectionLatchesReauth(t *testing.T) {
	srv, hits := newTokenServer(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": "invalid_grant"}`)
	})
	defer srv.Close()

	state := testState(srv.URL)
	m := NewManager(&state)

	if _, err := m.GetValidToken(context.Background()); err != ErrReauthRequired {
		t.Fatalf("got %v, want ErrReauthRequired", err)
	}
	if !m.NeedsReauth() {
		t.Error("needs-reauth latch not set")
	}

	// The latch must short-circuit further attempts.
	seen := atomic.LoadInt32(hits)
	if _, err := m.GetValidToken(context.Background()); err != ErrReauthRequired {
		t.Fatalf("second call: got %v, want ErrReauthRequired", err)
	}
	if n := atomic.LoadInt32(hits); n != seen {
		t.Errorf("latched manager still hit the token endpoint (%d -> %d)", seen, n)
	}
}

func TestMissingRefreshTokenLatchesReauth(t *testing.T) {
	srv, _ := newTokenServer(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		t.Error("token endpoint should not be called without a refresh token")
	})
	defer srv.Close()

	state := testState(srv.URL)
	state.refreshToken = ""

	m := NewManager(&state)
	if _, err := m.GetValidToken(context.Background()); err != ErrReauthRequired {
		t.Fatalf("got %v, want ErrReauthRequired", err)
	}
	if !m.NeedsReauth() {
		t.Error("needs-reauth latch not set")
	}
}

func TestTransientRefreshFailureRetries(t *testing.T) {
	// Fail the first three requests so the first refresh attempt errors
	// even after the library's internal auth-style probe.
	srv, _ := newTokenServer(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		if hit <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, tokenJSON("fresh-1", "refresh-2"))
	})
	defer srv.Close()

	state := testState(srv.URL)
	m := NewManager(&state).WithBackoff(backoff.Policy{
		Base: time.Millisecond, Multiplier: 2, Cap: time.Millisecond, MaxRetries: 3,
	})

	var sleeps int32
	m.after = func(d time.Duration) <-chan time.Time {
		atomic.AddInt32(&sleeps, 1)
		return immediate(d)
	}

	tok, err := m.GetValidToken(context.Background())
	if err != nil {
		t.Fatalf("getting token: %v", err)
	}
	if tok != "fresh-1" {
		t.Errorf("got token %q, want fresh-1", tok)
	}
	if n := atomic.LoadInt32(&sleeps); n < 1 {
		t.Error("transient failure did not trigger a backoff retry")
	}
	if m.NeedsReauth() {
		t.Error("transient failure must not latch needs-reauth")
	}
}

func TestTransientRefreshFailureExhausts(t *testing.T) {
	srv, _ := newTokenServer(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer srv.Close()

	state := testState(srv.URL)
	m := NewManager(&state).WithBackoff(backoff.Policy{
		Base: time.Millisecond, Multiplier: 2, Cap: time.Millisecond, MaxRetries: 2,
	})
	m.after = immediate

	if _, err := m.GetValidToken(context.Background()); err == nil {
		t.Fatal("expected an error once retries are exhausted")
	}
	if m.NeedsReauth() {
		t.Error("exhausted transient failures must not latch needs-reauth")
	}
}

func TestInvalidateForcesRefresh(t *testing.T) {
	srv, hits := newTokenServer(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		fmt.Fprint(w, tokenJSON(fmt.Sprintf("fresh-%d", hit), "refresh-2"))
	})
	defer srv.Close()

	state := testState(srv.URL)
	state.accessToken = "cached"
	state.accessTokenExpiry = time.Now().Add(time.Hour)

	m := NewManager(&state)
	m.Invalidate()

	tok, err := m.GetValidToken(context.Background())
	if err != nil {
		t.Fatalf("getting token: %v", err)
	}
	if tok == "cached" {
		t.Error("invalidated token still served from cache")
	}
	if n := atomic.LoadInt32(hits); n != 1 {
		t.Errorf("token endpoint hit %d times, want 1", n)
	}
}

func TestAuthCodeFlow(t *testing.T) {
	srv, _ := newTokenServer(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		if err := r.ParseForm(); err == nil {
			if gt := r.Form.Get("grant_type"); gt != "" && gt != "authorization_code" {
				t.Errorf("unexpected grant_type %q", gt)
			}
		}
		fmt.Fprint(w, tokenJSON("fresh-1", "refresh-2"))
	})
	defer srv.Close()

	stateFile := filepath.Join(t.TempDir(), "account.json")

	state := testState(srv.URL)
	state.refreshToken = ""
	if err := state.Save(stateFile); err != nil {
		t.Fatalf("saving state: %v", err)
	}

	m := NewManager(&state)
	m.MarkReauthRequired()

	if err := m.AuthCodeFlow(context.Background(), "auth-code", "http://localhost/callback"); err != nil {
		t.Fatalf("auth code flow: %v", err)
	}

	if m.NeedsReauth() {
		t.Error("auth code flow did not clear the needs-reauth latch")
	}

	// The tokens must have been persisted.
	reloaded := NewState().WithClientSecret("secret")
	if err := reloaded.Load(stateFile); err != nil {
		t.Fatalf("reloading state: %v", err)
	}
	if reloaded.accessToken != "fresh-1" || reloaded.refreshToken != "refresh-2" {
		t.Errorf("persisted tokens wrong: access %q refresh %q",
			reloaded.accessToken, reloaded.refreshToken)
	}
	if !reloaded.tokenValid(time.Now()) {
		t.Error("persisted access token should still be valid")
	}
}

func TestStatusRedactsSecrets(t *testing.T) {
	state := testState("http://unused")
	state.accessToken = "super-secret-token"

	m := NewManager(&state)
	st := m.Status()

	if !st.Authorized {
		t.Error("account with a refresh token should report authorized")
	}
	if st.NeedsReauth {
		t.Error("fresh account should not need reauth")
	}

	// The stringified state must never leak token material.
	for _, secret := range []string{"super-secret-token", "refresh-1"} {
		if strings.Contains(state.String(), secret) {
			t.Errorf("state stringification leaks %q: %s", secret, state.String())
		}
	}
}
