// Package relaytest runs an in-process account service and command relay for
// tests. Both live on one httptest server: the account API under /account and
// the relay under /relay.
package relaytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/g960059/relaykit/internal/api"
)

// Result is what a command handler returns. A zero Status means 200.
type Result struct {
	Status int
	Data   any
	Error  string
}

// Call is the request a command handler sees.
type Call struct {
	Method     string
	WaitTime   int
	Body       map[string]any
	ServerUser string
	Token      string
}

type Handler func(Call) Result

type Server struct {
	srv        *httptest.Server
	signingKey []byte

	mu          sync.Mutex
	accounts    map[string]string
	serverUsers map[string]string
	primaries   map[string]string
	secondaries map[string]string
	handlers    map[string]Handler
	force401    int
	primaryTTL  time.Duration
	lastHeaders http.Header

	loginCalls       atomic.Int32
	relayCalls       atomic.Int32
	serverLoginCalls atomic.Int32
	tokenSeq         atomic.Int32
}

func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		signingKey:  []byte("relaytest-signing-key"),
		accounts:    make(map[string]string),
		serverUsers: make(map[string]string),
		primaries:   make(map[string]string),
		secondaries: make(map[string]string),
		handlers:    make(map[string]Handler),
		primaryTTL:  time.Hour,
	}
	s.handlers["/user/password"] = s.changePassword
	s.handlers["/server/disconnect"] = s.disconnect
	s.srv = httptest.NewServer(s.router())
	t.Cleanup(s.srv.Close)
	return s
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	account := r.PathPrefix("/account").Subrouter()
	account.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/relay/", s.handleRelay).Methods(http.MethodPost)
	return r
}

func (s *Server) AccountURL() string { return s.srv.URL + "/account" }
func (s *Server) RelayURL() string   { return s.srv.URL + "/relay" }
func (s *Server) Client() *http.Client {
	return s.srv.Client()
}

func (s *Server) AddAccount(identity, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[identity] = secret
}

func (s *Server) AddServerUser(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverUsers[username] = password
}

func (s *Server) ServerPassword(username string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverUsers[username]
}

// Handle registers the handler for a relay command.
func (s *Server) Handle(command string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = h
}

// SetPrimaryTTL changes the lifetime of primary tokens issued from now on.
// A negative value issues already expired tokens.
func (s *Server) SetPrimaryTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primaryTTL = ttl
}

// IssuePrimary mints a valid primary token without an account login.
func (s *Server) IssuePrimary(identity string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issuePrimaryLocked(identity)
}

// IssueSecondary mints a valid secondary token for username.
func (s *Server) IssueSecondary(username string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueSecondaryLocked(username)
}

// RevokeSecondaries invalidates every issued secondary token, as a server
// restart would.
func (s *Server) RevokeSecondaries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secondaries = make(map[string]string)
}

// Fail401 answers the next n non-login relay calls with 401 regardless of the
// tokens presented.
func (s *Server) Fail401(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.force401 = n
}

func (s *Server) LoginCalls() int       { return int(s.loginCalls.Load()) }
func (s *Server) RelayCalls() int       { return int(s.relayCalls.Load()) }
func (s *Server) ServerLoginCalls() int { return int(s.serverLoginCalls.Load()) }

func (s *Server) LastHeaders() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeaders.Clone()
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.loginCalls.Add(1)
	var req api.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request"})
		return
	}
	s.mu.Lock()
	secret, ok := s.accounts[req.Identity]
	if !ok || secret != req.Secret {
		s.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid identity or secret"})
		return
	}
	token := s.issuePrimaryLocked(req.Identity)
	s.mu.Unlock()
	username := req.Identity
	if at := strings.IndexByte(username, '@'); at > 0 {
		username = username[:at]
	}
	writeJSON(w, http.StatusOK, api.LoginResponse{
		Token:   token,
		User:    &api.AccountUser{ID: uuid.NewString(), Username: username},
		Message: "logged in",
	})
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	s.relayCalls.Add(1)
	var env api.CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeJSON(w, http.StatusBadRequest, api.CommandResponse{Error: "invalid envelope"})
		return
	}
	s.mu.Lock()
	s.lastHeaders = r.Header.Clone()
	primary := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if _, ok := s.primaries[primary]; !ok || !s.primaryValid(primary) {
		s.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, api.CommandResponse{Error: "invalid bridge token"})
		return
	}
	if env.Command == api.CommandServerLogin {
		s.mu.Unlock()
		s.serverLogin(w, env)
		return
	}
	if s.force401 > 0 {
		s.force401--
		s.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, api.CommandResponse{Error: "token expired"})
		return
	}
	secondary := r.Header.Get(api.DefaultSecondaryHeader)
	user, ok := s.secondaries[secondary]
	if !ok {
		s.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, api.CommandResponse{Error: "invalid server token"})
		return
	}
	h, ok := s.handlers[env.Command]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, api.CommandResponse{Error: "unknown command " + env.Command})
		return
	}
	res := h(Call{Method: env.Method, WaitTime: env.WaitTime, Body: env.Body, ServerUser: user, Token: secondary})
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	out := map[string]any{"success": res.Error == "" && status < 300}
	if res.Data != nil {
		out["data"] = res.Data
	}
	if res.Error != "" {
		out["error"] = res.Error
	}
	writeJSON(w, status, out)
}

func (s *Server) serverLogin(w http.ResponseWriter, env api.CommandRequest) {
	s.serverLoginCalls.Add(1)
	username, _ := env.Body["username"].(string)
	password, _ := env.Body["password"].(string)
	s.mu.Lock()
	defer s.mu.Unlock()
	want, ok := s.serverUsers[username]
	if !ok || want != password {
		writeJSON(w, http.StatusOK, api.CommandResponse{Error: "invalid server credentials"})
		return
	}
	token := s.issueSecondaryLocked(username)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": api.ServerLoginData{Token: token}})
}

func (s *Server) changePassword(c Call) Result {
	current, _ := c.Body["current_password"].(string)
	next, _ := c.Body["new_password"].(string)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serverUsers[c.ServerUser] != current {
		return Result{Error: "current password is incorrect"}
	}
	if next == "" {
		return Result{Error: "new password is required"}
	}
	s.serverUsers[c.ServerUser] = next
	for token, user := range s.secondaries {
		if user == c.ServerUser {
			delete(s.secondaries, token)
		}
	}
	return Result{Data: map[string]any{"changed": true}}
}

func (s *Server) disconnect(c Call) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secondaries, c.Token)
	return Result{Data: map[string]any{"disconnected": true}}
}

func (s *Server) issuePrimaryLocked(identity string) string {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   identity,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.primaryTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		panic(fmt.Sprintf("relaytest: sign token: %v", err))
	}
	s.primaries[token] = identity
	return token
}

func (s *Server) issueSecondaryLocked(username string) string {
	token := fmt.Sprintf("srv-%s-%d", username, s.tokenSeq.Add(1))
	s.secondaries[token] = username
	return token
}

func (s *Server) primaryValid(token string) bool {
	claims := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return err == nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
