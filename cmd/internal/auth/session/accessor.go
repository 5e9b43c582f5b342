package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"concierge/cmd/internal/api"
)

// Authenticator is the backend surface the accessor needs.
// *api.Client satisfies it.
type Authenticator interface {
	Login(ctx context.Context, realm api.Realm, email, password string) (string, error)
	Me(ctx context.Context, realm api.Realm, token string) (api.Account, error)
}

// Accessor owns the current credential and account. It is safe for concurrent use.
type Accessor struct {
	auth  Authenticator
	realm api.Realm
	log   *slog.Logger

	mu      sync.RWMutex
	token   string
	account *api.Account
}

// New constructs an unauthenticated Accessor for realm.
func New(auth Authenticator, realm api.Realm, log *slog.Logger) *Accessor {
	if log == nil {
		log = slog.Default()
	}
	return &Accessor{auth: auth, realm: realm, log: log}
}

// Init validates a stored credential. On any failure the accessor is left
// cleared so no component ever sees a half-valid session.
func (a *Accessor) Init(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		a.Logout()
		return ErrNoCredential
	}

	acc, err := a.auth.Me(ctx, a.realm, token)
	if err != nil {
		a.Logout()
		kind := ErrInvalidCredential
		if api.StatusOf(err) == 0 {
			// Transport failure: the credential may still be fine.
			kind = ErrNotAuthenticated
		}
		a.log.Info("session.init.fail", "realm", a.realm, "err", err)
		return InitError{Kind: kind, Cause: err}
	}

	a.install(token, acc)
	a.log.Info("session.init.ok", "realm", a.realm, "account_id", acc.ID)
	return nil
}

// Login obtains a credential for email/password and validates it.
// The email is compared case-insensitively by the backend.
func (a *Accessor) Login(ctx context.Context, email, password string) error {
	token, err := a.auth.Login(ctx, a.realm, NormalizeEmail(email), password)
	if err != nil {
		a.Logout()
		a.log.Info("session.login.fail", "realm", a.realm, "err", err)
		if api.IsUnauthorized(err) {
			return InitError{Kind: ErrInvalidCredential, Cause: err}
		}
		return err
	}
	return a.Init(ctx, token)
}

// Logout clears the credential and the cached account.
func (a *Accessor) Logout() {
	a.mu.Lock()
	a.token = ""
	a.account = nil
	a.mu.Unlock()
}

// Current returns the validated account, if any.
func (a *Accessor) Current() (api.Account, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.account == nil {
		return api.Account{}, false
	}
	return *a.account, true
}

// Token implements api.TokenSource.
func (a *Accessor) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// Authenticated reports whether Init or Login succeeded and Logout has not run since.
func (a *Accessor) Authenticated() bool {
	_, ok := a.Current()
	return ok
}

func (a *Accessor) install(token string, acc api.Account) {
	a.mu.Lock()
	a.token = token
	a.account = &acc
	a.mu.Unlock()
}

// NormalizeEmail performs case-insensitive canonicalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
