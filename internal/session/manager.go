// Package session owns the OAuth credential lifecycle: the
// authorization-code exchange, token storage, expiry detection and refresh.
// Tokens live only in memory here and are never written to the local store.
//
// State machine:
//
//	Unauthenticated → Authorizing → Authorized → Expiring → Refreshing
//	                                    ↑                        │
//	                                    └──── success ───────────┤
//	                                          failure → Unauthenticated
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/szaharov/caljournal/internal/bus"
	"github.com/szaharov/caljournal/internal/common"
	"github.com/szaharov/caljournal/internal/logging"
	"github.com/szaharov/caljournal/internal/models"
)

// State names a position in the credential state machine.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthorizing     State = "authorizing"
	StateAuthorized      State = "authorized"
	StateExpiring        State = "expiring"
	StateRefreshing      State = "refreshing"
)

// Credential is the OAuth token pair plus its expiry. Owned exclusively by
// the Manager.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}

// Config holds the OAuth endpoints and the manager's timing knobs.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string

	// ExpiryThreshold is how long before expiry the Expiring state is
	// entered and token-expiring is emitted. Default 5 minutes.
	ExpiryThreshold time.Duration

	// CodeMarkerTTL bounds how long a consumed authorization code is
	// remembered for de-duplication. Default 2 minutes.
	CodeMarkerTTL time.Duration
}

// Manager drives the credential state machine. Safe for concurrent use;
// a token refresh may run concurrently with a sync cycle.
type Manager struct {
	oauth oauth2.Config
	cfg   Config
	clock models.Clock
	bus   *bus.Bus
	log   logging.Logger

	mu                sync.Mutex
	state             State
	cred              *Credential
	pendingState      string
	expiringAnnounced bool
	codes             map[string]*codeMarker
}

// codeMarker de-duplicates authorization-code exchanges: a duplicate
// callback with the same code (UI re-render, double-click) waits for the
// first exchange instead of hitting the token endpoint again. This is a
// short-lived keyed lock independent of the sync cycle's own mutex.
type codeMarker struct {
	done chan struct{}
	cred *Credential
	err  error
	at   time.Time
}

func NewManager(cfg Config, clock models.Clock, b *bus.Bus, log logging.Logger) *Manager {
	if cfg.ExpiryThreshold <= 0 {
		cfg.ExpiryThreshold = 5 * time.Minute
	}
	if cfg.CodeMarkerTTL <= 0 {
		cfg.CodeMarkerTTL = 2 * time.Minute
	}
	if clock == nil {
		clock = models.RealClock{}
	}
	return &Manager{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
		},
		cfg:   cfg,
		clock: clock,
		bus:   b,
		log:   log,
		state: StateUnauthenticated,
		codes: make(map[string]*codeMarker),
	}
}

// State returns the current state machine position.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsSignedIn reports whether a credential is held. Expiring and Refreshing
// still count as signed in; only a failed refresh or SignOut drops it.
func (m *Manager) IsSignedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred != nil
}

// Authorized reports whether the credential is currently usable: present
// and not past its expiry. The orchestrator consults this both before a
// cycle and again between pull and push.
func (m *Manager) Authorized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred != nil && m.clock.Now().Before(m.cred.ExpiresAt)
}

// BeginAuthorization issues the provider redirect URL and the state nonce
// the callback must echo back. Moves to Authorizing.
func (m *Manager) BeginAuthorization() (redirectURL string, state string, err error) {
	nonce, err := common.MakeRandHexString(16)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate state nonce: %w", err)
	}

	m.mu.Lock()
	m.pendingState = nonce
	if m.cred == nil {
		m.state = StateAuthorizing
	}
	m.mu.Unlock()

	return m.oauth.AuthCodeURL(nonce, oauth2.AccessTypeOffline), nonce, nil
}

// ExchangeCode converts a one-time authorization code into a Credential.
// The state parameter must match the nonce issued by BeginAuthorization.
// Idempotent per code value: a duplicate invocation with the same code
// joins the in-flight exchange (or returns its cached outcome) rather than
// performing a second network exchange.
func (m *Manager) ExchangeCode(ctx context.Context, code, state string) (*Credential, error) {
	m.mu.Lock()
	// Duplicate callbacks re-send the code before anything else is checked:
	// the first exchange consumed the state nonce, so a replay must join the
	// original outcome, not fail the nonce comparison.
	m.pruneCodesLocked()
	if marker, ok := m.codes[code]; ok {
		m.mu.Unlock()
		select {
		case <-marker.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return marker.cred, marker.err
	}

	if state == "" || state != m.pendingState {
		m.mu.Unlock()
		return nil, common.NewAuthError(common.AuthReasonStateMismatch,
			errors.New("callback state does not match issued nonce"))
	}

	marker := &codeMarker{done: make(chan struct{}), at: m.clock.Now()}
	m.codes[code] = marker
	m.mu.Unlock()

	cred, err := m.exchange(ctx, code)

	m.mu.Lock()
	marker.cred = cred
	marker.err = err
	close(marker.done)
	if err == nil {
		m.setCredentialLocked(cred)
		m.pendingState = ""
	}
	m.mu.Unlock()

	return cred, err
}

func (m *Manager) exchange(ctx context.Context, code string) (*Credential, error) {
	tok, err := m.oauth.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, common.NewAuthError(common.AuthReasonInvalidCode, err)
		}
		return nil, common.NewAuthError(common.AuthReasonNetwork, err)
	}
	return m.credentialFromToken(tok), nil
}

// credentialFromToken builds a Credential, recovering the expiry from the
// access token's exp claim when the provider omits expires_in.
func (m *Manager) credentialFromToken(tok *oauth2.Token) *Credential {
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		if exp, ok := jwtExpiry(tok.AccessToken); ok {
			expiresAt = exp
		} else {
			// No expiry information at all: treat as short-lived.
			expiresAt = m.clock.Now().Add(time.Hour)
		}
	}
	return &Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAt,
		Scopes:       m.cfg.Scopes,
	}
}

// jwtExpiry reads the exp claim of a JWT-shaped access token without
// verifying its signature. The token is opaque to us otherwise.
func jwtExpiry(accessToken string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func (m *Manager) setCredentialLocked(cred *Credential) {
	m.cred = cred
	m.state = StateAuthorized
	m.expiringAnnounced = false
}

func (m *Manager) pruneCodesLocked() {
	cutoff := m.clock.Now().Add(-m.cfg.CodeMarkerTTL)
	for code, marker := range m.codes {
		if marker.at.Before(cutoff) {
			delete(m.codes, code)
		}
	}
}

// NeedsReauthentication reports whether the user must re-authorize within
// threshold: no credential at all, or the token expires within threshold
// and no refresh token is available to renew it silently.
func (m *Manager) NeedsReauthentication(threshold time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return true
	}
	if m.cred.RefreshToken != "" {
		return false
	}
	return m.clock.Now().Add(threshold).After(m.cred.ExpiresAt)
}

// CheckExpiry advances the expiry side of the state machine. Called from
// the sync timer (and usable from any ticker). Crossing the threshold
// before expiry emits exactly one token-expiring notification and moves to
// Expiring; reaching expiry itself triggers a refresh attempt.
func (m *Manager) CheckExpiry(ctx context.Context) {
	m.mu.Lock()
	if m.cred == nil {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	remaining := m.cred.ExpiresAt.Sub(now)

	if remaining > m.cfg.ExpiryThreshold {
		m.mu.Unlock()
		return
	}

	if remaining > 0 {
		if m.state == StateAuthorized {
			m.state = StateExpiring
		}
		if !m.expiringAnnounced {
			m.expiringAnnounced = true
			minutes := int((remaining + time.Minute - 1) / time.Minute)
			m.mu.Unlock()
			if m.bus != nil {
				m.bus.Publish(bus.Event{Topic: bus.TopicTokenExpiring, MinutesRemaining: minutes})
			}
			if m.log != nil {
				m.log.Info(ctx, "access token expiring", "minutes_remaining", minutes)
			}
			return
		}
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	// Token already expired: refresh now.
	_ = m.refresh(ctx)
}

// ManualRefresh forces a refresh. Returns true on success; on failure the
// credential is dropped and the user must re-authorize.
func (m *Manager) ManualRefresh(ctx context.Context) bool {
	return m.refresh(ctx) == nil
}

// refresh performs Refreshing → {Authorized | Unauthenticated}. Success
// emits token-refreshed and clears the expiring flag, so the next threshold
// crossing announces again.
func (m *Manager) refresh(ctx context.Context) error {
	m.mu.Lock()
	if m.cred == nil {
		m.mu.Unlock()
		return common.ErrNotAuthorized
	}
	if m.state == StateRefreshing {
		m.mu.Unlock()
		return nil
	}
	if m.cred.RefreshToken == "" {
		m.dropCredentialLocked()
		m.mu.Unlock()
		return common.NewAuthError(common.AuthReasonRevoked, errors.New("no refresh token"))
	}
	m.state = StateRefreshing
	stale := &oauth2.Token{
		AccessToken:  m.cred.AccessToken,
		RefreshToken: m.cred.RefreshToken,
		// Force TokenSource to hit the token endpoint.
		Expiry: m.clock.Now().Add(-time.Minute),
	}
	m.mu.Unlock()

	tok, err := m.oauth.TokenSource(ctx, stale).Token()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.dropCredentialLocked()
		if m.log != nil {
			m.log.Warn(ctx, "token refresh failed, signed out", "error", err)
		}
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return common.NewAuthError(common.AuthReasonRevoked, err)
		}
		return common.NewAuthError(common.AuthReasonNetwork, err)
	}

	cred := m.credentialFromToken(tok)
	if cred.RefreshToken == "" {
		// Providers may withhold a rotated refresh token; keep the old one.
		cred.RefreshToken = stale.RefreshToken
	}
	m.setCredentialLocked(cred)
	if m.bus != nil {
		m.bus.Publish(bus.Event{Topic: bus.TopicTokenRefreshed})
	}
	if m.log != nil {
		m.log.Info(ctx, "access token refreshed", "expires_at", cred.ExpiresAt)
	}
	return nil
}

func (m *Manager) dropCredentialLocked() {
	m.cred = nil
	m.state = StateUnauthenticated
	m.expiringAnnounced = false
}

// SignOut destroys the credential.
func (m *Manager) SignOut() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropCredentialLocked()
	m.pendingState = ""
}

// AccessToken returns the current access token for transport use, or
// common.ErrNotAuthorized when none is usable.
func (m *Manager) AccessToken() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil || !m.clock.Now().Before(m.cred.ExpiresAt) {
		return "", common.ErrNotAuthorized
	}
	return m.cred.AccessToken, nil
}

// SetCredentialForTest installs a credential directly. Test hook.
func (m *Manager) SetCredentialForTest(cred *Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cred == nil {
		m.dropCredentialLocked()
		return
	}
	m.setCredentialLocked(cred)
}
