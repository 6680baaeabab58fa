package lgoauth

import (
	"context"
	"sync"
	"time"

	"github.com/jake-scott/smarther-bridge/internal/pkg/backoff"
	"github.com/jake-scott/smarther-bridge/internal/pkg/logging"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// ErrReauthRequired is returned once the refresh token itself has been
// rejected. The account stays in this state until the user runs the
// authorization code flow again.
var ErrReauthRequired = errors.New("account requires reauthentication")

const tokenRequestTimeout = time.Second * 30

// Manager owns the credential for one account. Every read and refresh goes
// through its mutex, so N concurrent callers asking for a token while it is
// expired collapse onto a single network refresh and all receive its result.
type Manager struct {
	mu          sync.Mutex
	state       *State
	needsReauth bool
	retry       backoff.Policy

	// test hook; defaults to time.After
	after func(d time.Duration) <-chan time.Time
}

func NewManager(state *State) *Manager {
	return &Manager{
		state: state,
		retry: backoff.Default(),
		after: time.After,
	}
}

// WithBackoff overrides the transient-failure retry policy.
func (m *Manager) WithBackoff(p backoff.Policy) *Manager {
	m.retry = p
	return m
}

// GetValidToken returns an access token guaranteed valid for at least the
// configured safety margin, refreshing it first if needed.
func (m *Manager) GetValidToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.needsReauth {
		return "", ErrReauthRequired
	}

	if m.state.tokenValid(time.Now()) {
		return m.state.accessToken, nil
	}

	if m.state.refreshToken == "" {
		m.needsReauth = true
		return "", ErrReauthRequired
	}

	for attempt := 0; ; attempt++ {
		err := m.refreshLocked(ctx)
		if err == nil {
			if err := m.state.save(); err != nil {
				logging.Logger(ctx).WithError(err).Warn("persisting refreshed oauth state")
			}
			return m.state.accessToken, nil
		}

		if isTokenRejection(err) {
			// The refresh token is no longer good. Terminal until the
			// user re-authorizes.
			logging.Logger(ctx).WithError(err).Error("refresh token rejected, reauthentication required")
			m.needsReauth = true
			return "", ErrReauthRequired
		}

		if m.retry.Exhausted(attempt) {
			return "", errors.Wrap(err, "refreshing access token")
		}

		delay := m.retry.Delay(attempt)
		logging.Logger(ctx).WithError(err).Warnf("token refresh failed, retrying in %s (attempt %d/%d)",
			delay, attempt+1, m.retry.MaxRetries)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-m.after(delay):
		}
	}
}

func (m *Manager) refreshLocked(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, tokenRequestTimeout)
	defer cancel()

	conf := m.state.oauthConfig()
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: m.state.refreshToken}).Token()
	if err != nil {
		return err
	}

	m.state.setToken(tok)
	return nil
}

// isTokenRejection distinguishes a refused refresh token from a transient
// token-endpoint failure. Only a definitive 4xx answer counts as refusal.
func isTokenRejection(err error) bool {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) || rerr.Response == nil {
		return false
	}

	switch rerr.Response.StatusCode {
	case 400, 401, 403:
		return true
	}

	return false
}

// AuthCodeFlow performs the initial authorization-code exchange and clears
// any needs-reauthentication latch.
func (m *Manager) AuthCodeFlow(ctx context.Context, code, redirectURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, tokenRequestTimeout)
	defer cancel()

	conf := m.state.oauthConfig()
	conf.RedirectURL = redirectURL

	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return errors.Wrap(err, "executing authorization code grant")
	}

	m.state.setToken(tok)
	m.needsReauth = false

	if err := m.state.save(); err != nil {
		return err
	}

	return nil
}

// Invalidate drops the cached access token, forcing a refresh on the next
// GetValidToken. Called after a 401 from the API.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.accessToken = ""
	m.state.accessTokenExpiry = time.Time{}
}

// MarkReauthRequired latches the terminal needs-reauthentication state, for
// callers that got a 401 even with a freshly refreshed token.
func (m *Manager) MarkReauthRequired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.needsReauth = true
}

// NeedsReauth reports whether the account waits on user re-authorization.
func (m *Manager) NeedsReauth() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.needsReauth
}

// Status is a secrets-free view of the credential for diagnostics.
type Status struct {
	ClientID    string    `json:"client_id"`
	Authorized  bool      `json:"authorized"`
	NeedsReauth bool      `json:"needs_reauth"`
	TokenExpiry time.Time `json:"token_expiry"`
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Status{
		ClientID:    m.state.ClientID,
		Authorized:  m.state.refreshToken != "",
		NeedsReauth: m.needsReauth,
		TokenExpiry: m.state.accessTokenExpiry,
	}
}
