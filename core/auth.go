package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

type AuthStatus int

const (
	// AuthLoading is the initial status, before the session has been resolved.
	AuthLoading AuthStatus = iota
	AuthAuthenticated
	AuthAnonymous
)

func (s AuthStatus) String() string {
	switch s {
	case AuthAuthenticated:
		return "authenticated"
	case AuthAnonymous:
		return "anonymous"
	default:
		return "loading"
	}
}

// AuthProvider exposes the signed in user to the synchronization core.
type AuthProvider interface {
	Status() AuthStatus
	// User returns the profile of the signed in user.
	// The second result is false while loading or when nobody is signed in.
	User() (Profile, bool)
	// Ready is closed once the status has left AuthLoading.
	Ready() <-chan struct{}
}

// TokenAuth resolves the session from an access token.
type TokenAuth struct {
	mu      sync.RWMutex
	status  AuthStatus
	profile Profile
	token   string
	ready   chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

var _ AuthProvider = (*TokenAuth)(nil)

func NewTokenAuth(logger *slog.Logger) *TokenAuth {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &TokenAuth{
		ready:  make(chan struct{}),
		logger: logger,
	}
}

// Resolve verifies token, loads the profile of its subject and leaves the loading status.
// A profile that does not exist yet is created from the username claim.
// Whatever the outcome the provider becomes ready: on failure it is anonymous.
func (a *TokenAuth) Resolve(ctx context.Context, store DataService, token string, secret []byte) error {
	profile, err := a.resolve(ctx, store, token, secret)
	if err != nil {
		a.logger.Warn("session not resolved", slog.String("err", err.Error()))
		a.settle(AuthAnonymous, Profile{}, "")
		return err
	}
	a.logger.Info("session resolved", slog.String("user.id", profile.ID))
	a.settle(AuthAuthenticated, *profile, token)
	return nil
}

func (a *TokenAuth) resolve(ctx context.Context, store DataService, token string, secret []byte) (*Profile, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	claims, err := VerifyToken(token, secret)
	if err != nil {
		return nil, fmt.Errorf("VerifyToken: %w", err)
	}
	profile, err := store.GetProfile(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("GetProfile: %w", err)
	}
	if profile != nil {
		return profile, nil
	}
	if claims.Username == "" {
		return nil, fmt.Errorf("profile %s not found", claims.Subject)
	}
	p := Profile{ID: claims.Subject, Username: claims.Username}
	if err := store.UpsertProfile(ctx, p); err != nil {
		return nil, fmt.Errorf("UpsertProfile: %w", err)
	}
	return &p, nil
}

func (a *TokenAuth) settle(status AuthStatus, profile Profile, token string) {
	a.mu.Lock()
	a.status = status
	a.profile = profile
	a.token = token
	a.mu.Unlock()
	a.once.Do(func() { close(a.ready) })
}

// SignOut forgets the session. The provider stays ready.
func (a *TokenAuth) SignOut() {
	a.settle(AuthAnonymous, Profile{}, "")
}

func (a *TokenAuth) Status() AuthStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *TokenAuth) User() (Profile, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.profile, a.status == AuthAuthenticated
}

// Token returns the access token of the session, used to authorize the realtime connection.
func (a *TokenAuth) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

func (a *TokenAuth) Ready() <-chan struct{} {
	return a.ready
}

// StaticAuth is an AuthProvider for a user known up front.
type StaticAuth struct {
	profile *Profile
	ready   chan struct{}
}

// NewStaticAuth returns a provider that is ready immediately.
// A nil profile makes it anonymous.
func NewStaticAuth(profile *Profile) *StaticAuth {
	ready := make(chan struct{})
	close(ready)
	return &StaticAuth{profile: profile, ready: ready}
}

func (a *StaticAuth) Status() AuthStatus {
	if a.profile == nil {
		return AuthAnonymous
	}
	return AuthAuthenticated
}

func (a *StaticAuth) User() (Profile, bool) {
	if a.profile == nil {
		return Profile{}, false
	}
	return *a.profile, true
}

func (a *StaticAuth) Ready() <-chan struct{} {
	return a.ready
}
