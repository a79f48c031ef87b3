// Package session owns the two bearer tokens a relay call needs: the primary
// token issued by the account service and the secondary token issued by the
// target server through the relay's /user/login command.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/g960059/relaykit/internal/api"
	"github.com/g960059/relaykit/internal/credstore"
	"github.com/g960059/relaykit/internal/logging"
	"github.com/g960059/relaykit/internal/model"
	"github.com/g960059/relaykit/internal/remote"
)

// Authenticator issues primary tokens.
type Authenticator interface {
	Login(ctx context.Context, identity, secret string) (api.LoginResponse, error)
}

// Sender posts a command envelope to the relay.
type Sender interface {
	Send(ctx context.Context, creds remote.Credentials, envelope api.CommandRequest) (remote.Reply, error)
}

type Options struct {
	// LoginWaitTime is the wait_time sent with /user/login, in seconds.
	LoginWaitTime int
	// ExpirySkew treats a JWT as expired this long before its exp claim.
	ExpirySkew time.Duration
	// RememberSecrets keeps the account secret and server password (sealed)
	// so the secondary token can be renewed without prompting.
	RememberSecrets bool
	Logger          *slog.Logger
	Now             func() time.Time
}

type Status struct {
	Primary         model.TokenState `json:"primary"`
	Secondary       model.TokenState `json:"secondary"`
	AccountUsername string           `json:"account_username,omitempty"`
	ServerUsername  string           `json:"server_username,omitempty"`
}

type Manager struct {
	store   credstore.Store
	account Authenticator
	relay   Sender
	opts    Options
	logger  *slog.Logger

	flight             singleflight.Group
	primaryAcquiring   atomic.Bool
	secondaryAcquiring atomic.Bool
}

const (
	secondaryFlightKey   = "secondary"
	defaultLoginWaitTime = 5
)

func NewManager(store credstore.Store, account Authenticator, relay Sender, opts Options) *Manager {
	if opts.LoginWaitTime <= 0 {
		opts.LoginWaitTime = defaultLoginWaitTime
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:   store,
		account: account,
		relay:   relay,
		opts:    opts,
		logger:  logging.OrDiscard(opts.Logger).With(slog.String("component", "session")),
	}
}

// EnsurePrimaryToken returns the stored primary token. It never calls the
// network; an expired token is removed and reported as missing.
func (m *Manager) EnsurePrimaryToken(ctx context.Context) (string, error) {
	token, ok := m.store.Get(ctx, model.KeyPrimaryToken)
	if !ok || strings.TrimSpace(token) == "" {
		return "", missingCredential("not logged in")
	}
	if m.expired(token) {
		m.logger.Info("primary token expired")
		if err := m.store.Remove(ctx, model.KeyPrimaryToken); err != nil {
			m.logger.Warn("remove expired primary token failed", "err", err)
		}
		return "", missingCredential("primary token expired")
	}
	return token, nil
}

// Login exchanges identity and secret for a primary token and persists it.
func (m *Manager) Login(ctx context.Context, identity, secret string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", invalidCredentials("identity is required")
	}
	m.primaryAcquiring.Store(true)
	defer m.primaryAcquiring.Store(false)

	resp, err := m.account.Login(ctx, identity, secret)
	if err != nil {
		var reqErr *remote.RequestError
		if errors.As(err, &reqErr) {
			msg := strings.TrimSpace(reqErr.Message)
			if msg == "" {
				msg = http.StatusText(reqErr.StatusCode)
			}
			return "", invalidCredentials(msg)
		}
		return "", networkError(err)
	}
	token := strings.TrimSpace(resp.Token)
	if token == "" {
		return "", invalidCredentials("missing token")
	}
	if err := m.store.Set(ctx, model.KeyPrimaryToken, token); err != nil {
		return "", fmt.Errorf("store primary token: %w", err)
	}
	username := identity
	if resp.User != nil && strings.TrimSpace(resp.User.Username) != "" {
		username = resp.User.Username
	}
	if err := m.store.Set(ctx, model.KeyAccountUsername, username); err != nil {
		m.logger.Warn("store account username failed", "err", err)
	}
	if m.opts.RememberSecrets {
		if err := m.store.Set(ctx, model.KeyAccountSecret, secret); err != nil {
			m.logger.Warn("store account secret failed", "err", err)
		}
	}
	m.logger.Info("logged in", "account", username)
	return token, nil
}

// EnsureSecondaryToken returns the cached secondary token or logs in to the
// target server through the relay using the stored server identity.
// Concurrent callers share one login.
func (m *Manager) EnsureSecondaryToken(ctx context.Context, primary string) (string, error) {
	if token, ok := m.cachedSecondary(ctx); ok {
		return token, nil
	}
	// The shared login outlives any single waiter; the relay deadline bounds it.
	fctx := context.WithoutCancel(ctx)
	ch := m.flight.DoChan(secondaryFlightKey, func() (any, error) {
		// A caller that just finished a flight may have stored a token.
		if token, ok := m.cachedSecondary(fctx); ok {
			return token, nil
		}
		username, ok := m.store.Get(fctx, model.KeyServerUsername)
		if !ok || username == "" {
			return "", secondaryLoginFailed("no server identity", missingCredential("server username"))
		}
		password, ok := m.store.Get(fctx, model.KeyServerPassword)
		if !ok {
			return "", secondaryLoginFailed("no server password", missingCredential("server password"))
		}
		return m.secondaryLogin(fctx, primary, username, password)
	})
	select {
	case <-ctx.Done():
		// The caller gave up; the shared login still completes for others.
		return "", fmt.Errorf("wait for server login: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// ServerLogin stores a server identity and forces a fresh secondary login
// with it.
func (m *Manager) ServerLogin(ctx context.Context, username, password string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", invalidCredentials("server username is required")
	}
	primary, err := m.EnsurePrimaryToken(ctx)
	if err != nil {
		return "", err
	}
	if err := m.store.Set(ctx, model.KeyServerUsername, username); err != nil {
		return "", fmt.Errorf("store server username: %w", err)
	}
	if m.opts.RememberSecrets {
		if err := m.store.Set(ctx, model.KeyServerPassword, password); err != nil {
			return "", fmt.Errorf("store server password: %w", err)
		}
	} else if err := m.store.Remove(ctx, model.KeyServerPassword); err != nil {
		m.logger.Warn("remove server password failed", "err", err)
	}
	if err := m.InvalidateSecondaryToken(ctx); err != nil {
		return "", err
	}
	return m.secondaryLogin(ctx, primary, username, password)
}

// UpdateServerPassword replaces the remembered server password and drops the
// secondary token so the next call logs in with the new one.
func (m *Manager) UpdateServerPassword(ctx context.Context, password string) error {
	if m.opts.RememberSecrets {
		if err := m.store.Set(ctx, model.KeyServerPassword, password); err != nil {
			return fmt.Errorf("store server password: %w", err)
		}
	}
	return m.InvalidateSecondaryToken(ctx)
}

// ForgetServer drops the server identity and the secondary token.
func (m *Manager) ForgetServer(ctx context.Context) error {
	var errs []error
	for _, key := range []string{model.KeySecondaryToken, model.KeyServerUsername, model.KeyServerPassword} {
		if err := m.store.Remove(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) InvalidateSecondaryToken(ctx context.Context) error {
	if err := m.store.Remove(ctx, model.KeySecondaryToken); err != nil {
		return fmt.Errorf("remove secondary token: %w", err)
	}
	return nil
}

// Logout removes every stored credential.
func (m *Manager) Logout(ctx context.Context) error {
	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	m.logger.Info("logged out")
	return nil
}

func (m *Manager) State(ctx context.Context) Status {
	st := Status{Primary: model.TokenAbsent, Secondary: model.TokenAbsent}
	if token, ok := m.store.Get(ctx, model.KeyPrimaryToken); ok && token != "" && !m.expired(token) {
		st.Primary = model.TokenValid
	} else if m.primaryAcquiring.Load() {
		st.Primary = model.TokenAcquiring
	}
	if _, ok := m.cachedSecondary(ctx); ok {
		st.Secondary = model.TokenValid
	} else if m.secondaryAcquiring.Load() {
		st.Secondary = model.TokenAcquiring
	}
	st.AccountUsername, _ = m.store.Get(ctx, model.KeyAccountUsername)
	st.ServerUsername, _ = m.store.Get(ctx, model.KeyServerUsername)
	return st
}

func (m *Manager) cachedSecondary(ctx context.Context) (string, bool) {
	token, ok := m.store.Get(ctx, model.KeySecondaryToken)
	if !ok || strings.TrimSpace(token) == "" {
		return "", false
	}
	if m.expired(token) {
		m.logger.Debug("secondary token expired")
		return "", false
	}
	return token, true
}

func (m *Manager) secondaryLogin(ctx context.Context, primary, username, password string) (string, error) {
	m.secondaryAcquiring.Store(true)
	defer m.secondaryAcquiring.Store(false)

	reply, err := m.relay.Send(ctx, remote.Credentials{Primary: primary}, api.CommandRequest{
		Command:  api.CommandServerLogin,
		Method:   http.MethodPost,
		WaitTime: m.opts.LoginWaitTime,
		Body:     map[string]any{"username": username, "password": password},
	})
	if err != nil {
		return "", secondaryLoginFailed("relay unreachable", err)
	}
	var env api.CommandResponse
	decodeErr := json.Unmarshal(reply.Body, &env)
	if !reply.OK() {
		msg := http.StatusText(reply.StatusCode)
		if decodeErr == nil && strings.TrimSpace(env.Error) != "" {
			msg = strings.TrimSpace(env.Error)
		}
		return "", secondaryLoginFailed(fmt.Sprintf("relay status %d: %s", reply.StatusCode, msg), nil)
	}
	if decodeErr != nil {
		return "", secondaryLoginFailed("malformed login response", decodeErr)
	}
	if !env.Success {
		msg := strings.TrimSpace(env.Error)
		if msg == "" {
			msg = "server login rejected"
		}
		return "", secondaryLoginFailed(msg, nil)
	}
	var data api.ServerLoginData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return "", secondaryLoginFailed("malformed login data", err)
		}
	}
	token := strings.TrimSpace(data.Token)
	if token == "" {
		return "", secondaryLoginFailed("missing token", nil)
	}
	if err := m.store.Set(ctx, model.KeySecondaryToken, token); err != nil {
		return "", secondaryLoginFailed("store token", err)
	}
	m.logger.Info("server login", "server_user", username, "request_id", reply.RequestID)
	return token, nil
}

// expired reports whether token is a JWT whose exp (minus skew) has passed.
// Opaque tokens never expire client-side.
func (m *Manager) expired(token string) bool {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !m.opts.Now().Before(claims.ExpiresAt.Add(-m.opts.ExpirySkew))
}
