// Package remote holds the raw HTTP clients for the account service and the
// command relay. It knows the wire format but not the token lifecycle.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/g960059/relaykit/internal/api"
	"github.com/g960059/relaykit/internal/logging"
	"github.com/g960059/relaykit/internal/security"
)

const (
	defaultAccountTimeout = 15 * time.Second
	defaultNetworkMargin  = 5 * time.Second
	maxResponseBytes      = 8 << 20
)

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if code != "" {
		return code
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func newRequestError(status int, payload []byte) *RequestError {
	var er api.ErrorResponse
	msg := ""
	if err := json.Unmarshal(payload, &er); err == nil {
		msg = er.Text()
	} else {
		msg = strings.TrimSpace(string(payload))
	}
	return &RequestError{
		StatusCode: status,
		Code:       fmt.Sprintf("HTTP_%d", status),
		Message:    msg,
	}
}

// AccountClient talks to the account service that issues primary tokens.
type AccountClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

func NewAccountClient(baseURL string, client *http.Client) *AccountClient {
	if client == nil {
		client = &http.Client{}
	}
	return &AccountClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		timeout: defaultAccountTimeout,
		logger:  logging.Discard(),
	}
}

func (c *AccountClient) WithTimeout(timeout time.Duration) *AccountClient {
	if c == nil {
		return nil
	}
	clone := *c
	clone.timeout = timeout
	return &clone
}

func (c *AccountClient) WithLogger(logger *slog.Logger) *AccountClient {
	if c == nil {
		return nil
	}
	clone := *c
	clone.logger = logging.OrDiscard(logger).With(slog.String("component", "account"))
	return &clone
}

// Login exchanges an identity and secret for a primary token. Any non-2xx
// status is returned as *RequestError carrying the server's message; transport
// failures are returned wrapped.
func (c *AccountClient) Login(ctx context.Context, identity, secret string) (api.LoginResponse, error) {
	reqCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(api.LoginRequest{Identity: identity, Secret: secret}); err != nil {
		return api.LoginResponse{}, fmt.Errorf("encode login request: %w", err)
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/login", buf)
	if err != nil {
		return api.LoginResponse{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.RequestIDHeader, uuid.NewString())

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return api.LoginResponse{}, fmt.Errorf("account login: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return api.LoginResponse{}, fmt.Errorf("read login response: %w", err)
	}
	c.logger.Debug("account login",
		"status", resp.StatusCode,
		"request_id", req.Header.Get(api.RequestIDHeader),
		"elapsed", time.Since(started))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return api.LoginResponse{}, newRequestError(resp.StatusCode, payload)
	}
	var out api.LoginResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return api.LoginResponse{}, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       "INVALID_BODY",
			Message:    "malformed login response",
		}
	}
	return out, nil
}

// Credentials are the two bearer values attached to a relay call.
type Credentials struct {
	Primary   string
	Secondary string
}

// Reply is the undecoded outcome of a relay call. Non-2xx statuses are not
// errors at this layer.
type Reply struct {
	StatusCode int
	Body       []byte
	RequestID  string
}

func (r Reply) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}

// RelayClient posts command envelopes to the relay.
type RelayClient struct {
	baseURL         string
	client          *http.Client
	limiter         *rate.Limiter
	secondaryHeader string
	margin          time.Duration
	logger          *slog.Logger
}

func NewRelayClient(baseURL string, client *http.Client) *RelayClient {
	if client == nil {
		client = &http.Client{}
	}
	return &RelayClient{
		baseURL:         strings.TrimRight(baseURL, "/"),
		client:          client,
		limiter:         rate.NewLimiter(rate.Inf, 1),
		secondaryHeader: api.DefaultSecondaryHeader,
		margin:          defaultNetworkMargin,
		logger:          logging.Discard(),
	}
}

// WithRateLimit caps outgoing relay calls at perSecond. Zero or less means
// unlimited.
func (c *RelayClient) WithRateLimit(perSecond float64, burst int) *RelayClient {
	if c == nil {
		return nil
	}
	clone := *c
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	clone.limiter = rate.NewLimiter(limit, burst)
	return &clone
}

func (c *RelayClient) WithSecondaryHeader(name string) *RelayClient {
	if c == nil {
		return nil
	}
	clone := *c
	if name = strings.TrimSpace(name); name != "" {
		clone.secondaryHeader = name
	}
	return &clone
}

// WithNetworkMargin sets how long past wait_time the client waits before
// giving up on the relay.
func (c *RelayClient) WithNetworkMargin(margin time.Duration) *RelayClient {
	if c == nil {
		return nil
	}
	clone := *c
	if margin >= 0 {
		clone.margin = margin
	}
	return &clone
}

func (c *RelayClient) WithLogger(logger *slog.Logger) *RelayClient {
	if c == nil {
		return nil
	}
	clone := *c
	clone.logger = logging.OrDiscard(logger).With(slog.String("component", "relay"))
	return &clone
}

// Send posts one envelope. The deadline is wait_time plus the network margin
// unless ctx expires first.
func (c *RelayClient) Send(ctx context.Context, creds Credentials, envelope api.CommandRequest) (Reply, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Reply{}, fmt.Errorf("relay rate limit: %w", err)
	}
	deadline := time.Duration(envelope.WaitTime)*time.Second + c.margin
	reqCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(envelope); err != nil {
		return Reply{}, fmt.Errorf("encode envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/", buf)
	if err != nil {
		return Reply{}, err
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.RequestIDHeader, requestID)
	if creds.Primary != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Primary)
	}
	if creds.Secondary != "" {
		req.Header.Set(c.secondaryHeader, creds.Secondary)
	}

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("relay send failed", "command", envelope.Command, "request_id", requestID, "err", err)
		return Reply{RequestID: requestID}, fmt.Errorf("relay %s: %w", envelope.Command, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Reply{StatusCode: resp.StatusCode, RequestID: requestID}, fmt.Errorf("read relay response: %w", err)
	}
	c.logger.Debug("relay send",
		"command", envelope.Command,
		"method", envelope.Method,
		"status", resp.StatusCode,
		"request_id", requestID,
		"headers", security.RedactHeaders(req.Header),
		"elapsed", time.Since(started))
	return Reply{StatusCode: resp.StatusCode, Body: payload, RequestID: requestID}, nil
}
