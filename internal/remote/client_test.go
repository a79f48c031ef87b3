package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/relaykit/internal/api"
)

func TestAccountLoginSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/login" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body api.LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Identity != "alice@example.com" || body.Secret != "pw" {
			t.Fatalf("unexpected login body: %+v", body)
		}
		_, _ = io.WriteString(w, `{"token":"jwt-1","user":{"id":"u1","username":"alice"},"message":"ok"}`)
	}))
	defer srv.Close()

	resp, err := NewAccountClient(srv.URL+"/", srv.Client()).Login(context.Background(), "alice@example.com", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.Token != "jwt-1" || resp.User == nil || resp.User.Username != "alice" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestAccountLoginRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"bad password"}`)
	}))
	defer srv.Close()

	_, err := NewAccountClient(srv.URL, srv.Client()).Login(context.Background(), "a", "b")
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.StatusCode != http.StatusUnauthorized || reqErr.Message != "bad password" {
		t.Fatalf("unexpected request error: %+v", reqErr)
	}
}

func TestAccountLoginTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewAccountClient(url, nil).Login(context.Background(), "a", "b")
	if err == nil {
		t.Fatal("expected error from closed server")
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		t.Fatalf("transport failure must not be a RequestError: %v", err)
	}
}

func TestAccountLoginHonorsTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewAccountClient(srv.URL, srv.Client()).WithTimeout(50 * time.Millisecond)
	_, err := client.Login(context.Background(), "a", "b")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRelaySendHeadersAndEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer p-token" {
			t.Fatalf("expected bearer header, got %q", got)
		}
		if got := r.Header.Get("X-Custom-Server"); got != "s-token" {
			t.Fatalf("expected secondary header, got %q", got)
		}
		if _, err := uuid.Parse(r.Header.Get(api.RequestIDHeader)); err != nil {
			t.Fatalf("expected uuid request id, got %q", r.Header.Get(api.RequestIDHeader))
		}
		var env api.CommandRequest
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Command != "/files/list" || env.Method != "POST" || env.WaitTime != 5 || env.Body["path"] != "/tmp" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"success":true,"data":[]}`)
	}))
	defer srv.Close()

	client := NewRelayClient(srv.URL, srv.Client()).WithSecondaryHeader("X-Custom-Server")
	reply, err := client.Send(context.Background(), Credentials{Primary: "p-token", Secondary: "s-token"}, api.CommandRequest{
		Command:  "/files/list",
		Method:   "POST",
		WaitTime: 5,
		Body:     map[string]any{"path": "/tmp"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply.StatusCode != http.StatusAccepted || !reply.OK() {
		t.Fatalf("expected 202, got %d", reply.StatusCode)
	}
	if string(reply.Body) != `{"success":true,"data":[]}` {
		t.Fatalf("unexpected body %q", reply.Body)
	}
	if reply.RequestID == "" {
		t.Fatal("expected request id on reply")
	}
}

func TestRelaySendReturnsNon2xxAsReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Server-Token") != "" {
			t.Fatalf("secondary header must be omitted when empty")
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	reply, err := NewRelayClient(srv.URL, srv.Client()).Send(context.Background(), Credentials{Primary: "p"}, api.CommandRequest{Command: "/x", Method: "GET", WaitTime: 1})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply.StatusCode != http.StatusUnauthorized || reply.OK() {
		t.Fatalf("expected 401 reply, got %+v", reply)
	}
}

func TestRelaySendDeadlineIsWaitPlusMargin(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewRelayClient(srv.URL, srv.Client()).WithNetworkMargin(20 * time.Millisecond)
	started := time.Now()
	_, err := client.Send(context.Background(), Credentials{}, api.CommandRequest{Command: "/slow", Method: "GET", WaitTime: 1})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(started); elapsed < time.Second {
		t.Fatalf("expected to wait at least wait_time, gave up after %s", elapsed)
	}
}

func TestRelayRateLimitSpacesCalls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `{"success":true}`)
	}))
	defer srv.Close()

	client := NewRelayClient(srv.URL, srv.Client()).WithRateLimit(20, 1)
	started := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := client.Send(context.Background(), Credentials{}, api.CommandRequest{Command: "/r", Method: "GET", WaitTime: 1}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
	if elapsed := time.Since(started); elapsed < 90*time.Millisecond {
		t.Fatalf("expected limiter to space calls, took %s", elapsed)
	}
}

func TestRelayRateLimitRespectsContext(t *testing.T) {
	client := NewRelayClient("http://127.0.0.1:1", nil).WithRateLimit(0.001, 1)
	// drain the single token
	client.limiter.Allow()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Send(ctx, Credentials{}, api.CommandRequest{Command: "/r", Method: "GET", WaitTime: 1})
	if err == nil {
		t.Fatal("expected limiter wait to fail on cancelled context")
	}
}

func TestRequestErrorMessage(t *testing.T) {
	cases := []struct {
		err  *RequestError
		want string
	}{
		{&RequestError{StatusCode: 401, Code: "HTTP_401", Message: "nope"}, "HTTP_401: nope"},
		{&RequestError{StatusCode: 500, Message: "boom"}, "http 500: boom"},
		{&RequestError{StatusCode: 502}, "http 502"},
		{&RequestError{}, "http error"},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Fatalf("expected %q, got %q", tc.want, got)
		}
	}
}
