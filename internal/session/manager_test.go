package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/g960059/relaykit/internal/api"
	"github.com/g960059/relaykit/internal/credstore"
	"github.com/g960059/relaykit/internal/model"
	"github.com/g960059/relaykit/internal/relaytest"
	"github.com/g960059/relaykit/internal/remote"
)

func newTestManager(t *testing.T, fake *relaytest.Server, opts Options) (*Manager, *credstore.Memory) {
	t.Helper()
	store := credstore.NewMemory()
	account := remote.NewAccountClient(fake.AccountURL(), fake.Client())
	relay := remote.NewRelayClient(fake.RelayURL(), fake.Client())
	return NewManager(store, account, relay, opts), store
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestEnsurePrimaryTokenMissing(t *testing.T) {
	fake := relaytest.New(t)
	mgr, _ := newTestManager(t, fake, Options{})
	_, err := mgr.EnsurePrimaryToken(context.Background())
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected missing credential, got %v", err)
	}
	if fake.LoginCalls() != 0 || fake.RelayCalls() != 0 {
		t.Fatalf("expected no network calls, got login=%d relay=%d", fake.LoginCalls(), fake.RelayCalls())
	}
}

func TestEnsurePrimaryTokenDropsExpiredJWT(t *testing.T) {
	fake := relaytest.New(t)
	mgr, store := newTestManager(t, fake, Options{ExpirySkew: 30 * time.Second})
	ctx := context.Background()

	// Expires inside the skew window.
	_ = store.Set(ctx, model.KeyPrimaryToken, signedToken(t, time.Now().Add(10*time.Second)))
	_, err := mgr.EnsurePrimaryToken(ctx)
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected missing credential for expired token, got %v", err)
	}
	if _, ok := store.Get(ctx, model.KeyPrimaryToken); ok {
		t.Fatal("expected expired token to be removed")
	}
}

func TestEnsurePrimaryTokenAcceptsOpaqueAndFreshTokens(t *testing.T) {
	fake := relaytest.New(t)
	mgr, store := newTestManager(t, fake, Options{ExpirySkew: time.Second})
	ctx := context.Background()

	for _, token := range []string{"opaque-token", signedToken(t, time.Now().Add(time.Hour))} {
		_ = store.Set(ctx, model.KeyPrimaryToken, token)
		got, err := mgr.EnsurePrimaryToken(ctx)
		if err != nil {
			t.Fatalf("ensure primary: %v", err)
		}
		if got != token {
			t.Fatalf("expected stored token back, got %q", got)
		}
	}
}

func TestLoginStoresTokenAndIdentity(t *testing.T) {
	fake := relaytest.New(t)
	fake.AddAccount("alice@example.com", "pw")
	mgr, store := newTestManager(t, fake, Options{RememberSecrets: true})
	ctx := context.Background()

	token, err := mgr.Login(ctx, "alice@example.com", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got, _ := store.Get(ctx, model.KeyPrimaryToken); got != token {
		t.Fatalf("expected primary token stored, got %q", got)
	}
	if got, _ := store.Get(ctx, model.KeyAccountUsername); got != "alice" {
		t.Fatalf("expected account username alice, got %q", got)
	}
	if got, _ := store.Get(ctx, model.KeyAccountSecret); got != "pw" {
		t.Fatalf("expected remembered secret, got %q", got)
	}
	if st := mgr.State(ctx); st.Primary != model.TokenValid || st.Secondary != model.TokenAbsent {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestLoginWithoutRememberSecrets(t *testing.T) {
	fake := relaytest.New(t)
	fake.AddAccount("bob", "pw")
	mgr, store := newTestManager(t, fake, Options{})
	if _, err := mgr.Login(context.Background(), "bob", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, ok := store.Get(context.Background(), model.KeyAccountSecret); ok {
		t.Fatal("secret must not be stored when RememberSecrets is off")
	}
}

func TestLoginRejected(t *testing.T) {
	fake := relaytest.New(t)
	fake.AddAccount("alice", "pw")
	mgr, store := newTestManager(t, fake, Options{})

	_, err := mgr.Login(context.Background(), "alice", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Message != "invalid identity or secret" {
		t.Fatalf("expected server message, got %v", err)
	}
	if _, ok := store.Get(context.Background(), model.KeyPrimaryToken); ok {
		t.Fatal("no token should be stored after a rejected login")
	}
}

type stubAccount struct {
	resp api.LoginResponse
	err  error
}

func (s stubAccount) Login(context.Context, string, string) (api.LoginResponse, error) {
	return s.resp, s.err
}

func TestLoginMissingTokenAndNetworkFailure(t *testing.T) {
	mgr := NewManager(credstore.NewMemory(), stubAccount{resp: api.LoginResponse{Message: "ok"}}, nil, Options{})
	_, err := mgr.Login(context.Background(), "a", "b")
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Kind != KindInvalidCredentials || authErr.Message != "missing token" {
		t.Fatalf("expected invalid credentials missing token, got %v", err)
	}

	cause := errors.New("connection refused")
	mgr = NewManager(credstore.NewMemory(), stubAccount{err: cause}, nil, Options{})
	_, err = mgr.Login(context.Background(), "a", "b")
	if !errors.Is(err, ErrNetwork) || !errors.Is(err, cause) {
		t.Fatalf("expected network error wrapping cause, got %v", err)
	}
}

func TestEnsureSecondaryTokenLogsInOnceThenCaches(t *testing.T) {
	fake := relaytest.New(t)
	fake.AddServerUser("admin", "secret")
	mgr, store := newTestManager(t, fake, Options{RememberSecrets: true})
	ctx := context.Background()
	primary := fake.IssuePrimary("alice")
	_ = store.Set(ctx, model.KeyServerUsername, "admin")
	_ = store.Set(ctx, model.KeyServerPassword, "secret")

	first, err := mgr.EnsureSecondaryToken(ctx, primary)
	if err != nil {
		t.Fatalf("ensure secondary: %v", err)
	}
	second, err := mgr.EnsureSecondaryToken(ctx, primary)
	if err != nil {
		t.Fatalf("ensure secondary again: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached token %q, got %q", first, second)
	}
	if fake.ServerLoginCalls() != 1 {
		t.Fatalf("expected 1 server login, got %d", fake.ServerLoginCalls())
	}
}

func TestEnsureSecondaryTokenWithoutServerIdentity(t *testing.T) {
	fake := relaytest.New(t)
	mgr, _ := newTestManager(t, fake, Options{})
	_, err := mgr.EnsureSecondaryToken(context.Background(), fake.IssuePrimary("alice"))
	if !errors.Is(err, ErrSecondaryLoginFailed) {
		t.Fatalf("expected secondary login failure, got %v", err)
	}
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected missing credential cause, got %v", err)
	}
	if fake.RelayCalls() != 0 {
		t.Fatalf("expected no relay call, got %d", fake.RelayCalls())
	}
}

func TestEnsureSecondaryTokenRejectedByServer(t *testing.T) {
	fake := relaytest.New(t)
	fake.AddServerUser("admin", "secret")
	mgr, store := newTestManager(t, fake, Options{})
	ctx := context.Background()
	_ = store.Set(ctx, model.KeyServerUsername, "admin")
	_ = store.Set(ctx, model.KeyServerPassword, "stale")

	_, err := mgr.EnsureSecondaryToken(ctx, fake.IssuePrimary("alice"))
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Kind != KindSecondaryLoginFailed {
		t.Fatalf("expected secondary login failure, got %v", err)
	}
	if authErr.Message != "invalid server credentials" {
		t.Fatalf("expected server message, got %q", authErr.Message)
	}
	if _, ok := store.Get(ctx, model.KeySecondaryToken); ok {
		t.Fatal("no secondary token should be stored")
	}
}

type countingSender struct {
	calls   atomic.Int32
	release chan struct{}
}

func (s *countingSender) Send(ctx context.Context, _ remote.Credentials, env api.CommandRequest) (remote.Reply, error) {
	s.calls.Add(1)
	<-s.release
	return remote.Reply{StatusCode: http.StatusOK, Body: []byte(`{"success":true,"data":{"token":"srv-1"}}`)}, nil
}

func TestEnsureSecondaryTokenCoalescesConcurrentLogins(t *testing.T) {
	store := credstore.NewMemory()
	ctx := context.Background()
	_ = store.Set(ctx, model.KeyServerUsername, "admin")
	_ = store.Set(ctx, model.KeyServerPassword, "secret")
	sender := &countingSender{release: make(chan struct{})}
	mgr := NewManager(store, nil, sender, Options{})

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = mgr.EnsureSecondaryToken(ctx, "primary")
		}(i)
	}
	// Let the goroutines pile up on the flight before releasing the relay.
	time.Sleep(50 * time.Millisecond)
	close(sender.release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "srv-1" {
			t.Fatalf("caller %d: expected srv-1, got %q", i, tokens[i])
		}
	}
	if n := sender.calls.Load(); n != 1 {
		t.Fatalf("expected one relay login, got %d", n)
	}
}

func TestEnsureSecondaryTokenWaiterCancellation(t *testing.T) {
	store := credstore.NewMemory()
	_ = store.Set(context.Background(), model.KeyServerUsername, "admin")
	_ = store.Set(context.Background(), model.KeyServerPassword, "secret")
	sender := &countingSender{release: make(chan struct{})}
	defer close(sender.release)
	mgr := NewManager(store, nil, sender, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := mgr.EnsureSecondaryToken(ctx, "primary")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline, got %v", err)
	}
	if errors.Is(err, ErrSecondaryLoginFailed) {
		t.Fatalf("a caller timeout is not a failed login: %v", err)
	}
}

func TestServerLoginReplacesToken(t *testing.T) {
	fake := relaytest.New(t)
	fake.AddAccount("alice", "pw")
	fake.AddServerUser("admin", "secret")
	mgr, store := newTestManager(t, fake, Options{RememberSecrets: true})
	ctx := context.Background()

	if _, err := mgr.ServerLogin(ctx, "admin", "secret"); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected missing primary, got %v", err)
	}
	if _, err := mgr.Login(ctx, "alice", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	first, err := mgr.ServerLogin(ctx, "admin", "secret")
	if err != nil {
		t.Fatalf("server login: %v", err)
	}
	second, err := mgr.ServerLogin(ctx, "admin", "secret")
	if err != nil {
		t.Fatalf("server login again: %v", err)
	}
	if first == second {
		t.Fatal("expected server login to force a new token")
	}
	if got, _ := store.Get(ctx, model.KeySecondaryToken); got != second {
		t.Fatalf("expected stored token %q, got %q", second, got)
	}
	st := mgr.State(ctx)
	if st.Secondary != model.TokenValid || st.ServerUsername != "admin" {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestInvalidateForgetAndLogout(t *testing.T) {
	mgr := NewManager(credstore.NewMemory(), nil, nil, Options{RememberSecrets: true})
	ctx := context.Background()
	for _, key := range []string{
		model.KeyPrimaryToken, model.KeySecondaryToken, model.KeyAccountUsername,
		model.KeyServerUsername, model.KeyServerPassword,
	} {
		_ = mgr.store.Set(ctx, key, "v")
	}

	if err := mgr.InvalidateSecondaryToken(ctx); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok := mgr.store.Get(ctx, model.KeySecondaryToken); ok {
		t.Fatal("secondary token should be gone")
	}
	if _, ok := mgr.store.Get(ctx, model.KeyServerUsername); !ok {
		t.Fatal("invalidate must keep the server identity")
	}

	if err := mgr.UpdateServerPassword(ctx, "next"); err != nil {
		t.Fatalf("update password: %v", err)
	}
	if got, _ := mgr.store.Get(ctx, model.KeyServerPassword); got != "next" {
		t.Fatalf("expected new password, got %q", got)
	}

	if err := mgr.ForgetServer(ctx); err != nil {
		t.Fatalf("forget server: %v", err)
	}
	if _, ok := mgr.store.Get(ctx, model.KeyServerUsername); ok {
		t.Fatal("server identity should be gone")
	}
	if _, ok := mgr.store.Get(ctx, model.KeyPrimaryToken); !ok {
		t.Fatal("forget server must keep the primary token")
	}

	if err := mgr.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	keys, _ := mgr.store.Keys(ctx)
	if len(keys) != 0 {
		t.Fatalf("expected no keys after logout, got %v", keys)
	}
	if st := mgr.State(ctx); st.Primary != model.TokenAbsent || st.Secondary != model.TokenAbsent {
		t.Fatalf("unexpected state after logout %+v", st)
	}
}

func TestAuthErrorFormatting(t *testing.T) {
	err := secondaryLoginFailed("relay unreachable", errors.New("dial tcp"))
	if got := err.Error(); got != "secondary_login_failed: relay unreachable: dial tcp" {
		t.Fatalf("unexpected message %q", got)
	}
	if errors.Is(err, ErrNetwork) {
		t.Fatal("kinds must not match across categories")
	}
}
