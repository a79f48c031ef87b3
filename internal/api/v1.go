package api

import (
	"encoding/json"
	"net/http"
	"strings"
)

// CommandRequest is the envelope POSTed to the relay. The relay forwards
// Command/Method/Body to the target server and blocks up to WaitTime seconds.
type CommandRequest struct {
	Command  string         `json:"command"`
	Method   string         `json:"method"`
	WaitTime int            `json:"wait_time"`
	Body     map[string]any `json:"body,omitempty"`
}

// CommandResponse is the relay's reply envelope. Data is command specific.
type CommandResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type LoginRequest struct {
	Identity string `json:"identity"`
	Secret   string `json:"secret"`
}

type AccountUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type LoginResponse struct {
	Token   string       `json:"token"`
	User    *AccountUser `json:"user,omitempty"`
	Message string       `json:"message,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// ServerLoginData is the data payload of a successful /user/login.
type ServerLoginData struct {
	Token string `json:"token"`
}

// ErrorResponse covers the failure bodies of both services.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Text returns the most specific message the body carries.
func (e ErrorResponse) Text() string {
	if s := strings.TrimSpace(e.Error); s != "" {
		return s
	}
	return strings.TrimSpace(e.Message)
}

const (
	CommandServerLogin = "/user/login"

	DefaultSecondaryHeader = "X-Server-Token"
	RequestIDHeader        = "X-Request-ID"
)

var methods = map[string]struct{}{
	http.MethodGet:    {},
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

// NormalizeMethod upper-cases m and reports whether the relay accepts it.
func NormalizeMethod(m string) (string, bool) {
	v := strings.ToUpper(strings.TrimSpace(m))
	_, ok := methods[v]
	return v, ok
}
