// Package command sends logical commands through the relay with both bearer
// tokens attached, renewing the secondary token once when the relay answers
// 401.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/g960059/relaykit/internal/api"
	"github.com/g960059/relaykit/internal/logging"
	"github.com/g960059/relaykit/internal/metrics"
	"github.com/g960059/relaykit/internal/remote"
)

// Tokens is the part of the session manager the executor needs.
type Tokens interface {
	EnsurePrimaryToken(ctx context.Context) (string, error)
	EnsureSecondaryToken(ctx context.Context, primary string) (string, error)
	InvalidateSecondaryToken(ctx context.Context) error
}

type Sender interface {
	Send(ctx context.Context, creds remote.Credentials, envelope api.CommandRequest) (remote.Reply, error)
}

type Request struct {
	Command string
	Method  string
	Body    map[string]any
	// WaitTime is how long the relay may block for the target server, in
	// seconds. It must be positive.
	WaitTime int
}

type Executor struct {
	tokens  Tokens
	relay   Sender
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewExecutor(tokens Tokens, relay Sender, m *metrics.Metrics, logger *slog.Logger) *Executor {
	return &Executor{
		tokens:  tokens,
		relay:   relay,
		metrics: m,
		logger:  logging.OrDiscard(logger).With(slog.String("component", "command")),
	}
}

// Execute runs one command and returns its data payload, or JSON null when the
// envelope carries none. Every failure is a *Error.
func (e *Executor) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	started := time.Now()
	data, err := e.execute(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = string(err.Kind)
		e.logger.Debug("command failed", "command", req.Command, "kind", err.Kind, "err", err)
		e.metrics.ObserveCommand(req.Command, outcome, time.Since(started))
		return nil, err
	}
	e.metrics.ObserveCommand(req.Command, outcome, time.Since(started))
	return data, nil
}

func (e *Executor) execute(ctx context.Context, req Request) (json.RawMessage, *Error) {
	envelope, verr := validate(req)
	if verr != nil {
		return nil, verr
	}
	primary, err := e.tokens.EnsurePrimaryToken(ctx)
	if err != nil {
		return nil, unauthenticated(err)
	}

	for attempt := 0; ; attempt++ {
		secondary, err := e.tokens.EnsureSecondaryToken(ctx, primary)
		if err != nil {
			if ctx.Err() != nil {
				return nil, networkFailure(err)
			}
			return nil, unauthenticated(err)
		}
		reply, err := e.relay.Send(ctx, remote.Credentials{Primary: primary, Secondary: secondary}, envelope)
		if err != nil {
			return nil, networkFailure(err)
		}
		if reply.StatusCode == http.StatusUnauthorized {
			if attempt > 0 {
				if err := e.tokens.InvalidateSecondaryToken(ctx); err != nil {
					e.logger.Warn("invalidate secondary token failed", "err", err)
				}
				return nil, unauthenticated(errors.New("relay rejected renewed credentials"))
			}
			e.logger.Info("relay returned 401, renewing server token", "command", req.Command, "request_id", reply.RequestID)
			e.metrics.ObserveReauth(req.Command)
			if err := e.tokens.InvalidateSecondaryToken(ctx); err != nil {
				e.logger.Warn("invalidate secondary token failed", "err", err)
			}
			continue
		}
		return decodeReply(reply)
	}
}

func validate(req Request) (api.CommandRequest, *Error) {
	command := strings.TrimSpace(req.Command)
	if command == "" || !strings.HasPrefix(command, "/") {
		return api.CommandRequest{}, invalidRequest("command must start with /")
	}
	method, ok := api.NormalizeMethod(req.Method)
	if !ok {
		return api.CommandRequest{}, invalidRequest("unsupported method " + req.Method)
	}
	if req.WaitTime <= 0 {
		return api.CommandRequest{}, invalidRequest("wait time must be positive")
	}
	return api.CommandRequest{
		Command:  command,
		Method:   method,
		WaitTime: req.WaitTime,
		Body:     req.Body,
	}, nil
}

func decodeReply(reply remote.Reply) (json.RawMessage, *Error) {
	var env api.CommandResponse
	decodeErr := json.Unmarshal(reply.Body, &env)
	if !reply.OK() {
		msg := ""
		if decodeErr == nil {
			msg = strings.TrimSpace(env.Error)
		}
		return nil, serverError(reply.StatusCode, msg)
	}
	if decodeErr != nil {
		return nil, invalidResponse(decodeErr)
	}
	if !env.Success {
		return nil, commandFailed(strings.TrimSpace(env.Error))
	}
	if len(env.Data) == 0 {
		return json.RawMessage("null"), nil
	}
	return env.Data, nil
}
