// Package feature holds the typed call sites built on the command executor:
// resource metrics, directory listing, logs, and server settings.
package feature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/g960059/relaykit/internal/command"
	"github.com/g960059/relaykit/internal/logging"
)

type Executor interface {
	Execute(ctx context.Context, req command.Request) (json.RawMessage, error)
}

// ServerCredentials is the part of the session manager settings changes touch.
type ServerCredentials interface {
	UpdateServerPassword(ctx context.Context, password string) error
	ForgetServer(ctx context.Context) error
}

// WaitTimes are the per-feature relay wait times, in seconds.
type WaitTimes struct {
	Resources int
	Listing   int
	Logs      int
	Settings  int
}

func DefaultWaitTimes() WaitTimes {
	return WaitTimes{Resources: 2, Listing: 5, Logs: 5, Settings: 3}
}

type Service struct {
	exec     Executor
	creds    ServerCredentials
	notifier *Notifier
	waits    WaitTimes
	logger   *slog.Logger
}

func NewService(exec Executor, creds ServerCredentials, notifier *Notifier, waits WaitTimes, logger *slog.Logger) *Service {
	def := DefaultWaitTimes()
	if waits.Resources <= 0 {
		waits.Resources = def.Resources
	}
	if waits.Listing <= 0 {
		waits.Listing = def.Listing
	}
	if waits.Logs <= 0 {
		waits.Logs = def.Logs
	}
	if waits.Settings <= 0 {
		waits.Settings = def.Settings
	}
	return &Service{
		exec:     exec,
		creds:    creds,
		notifier: notifier,
		waits:    waits,
		logger:   logging.OrDiscard(logger).With(slog.String("component", "feature")),
	}
}

func (s *Service) Resources(ctx context.Context) (Resources, error) {
	data, err := s.do(ctx, command.Request{Command: CommandResources, Method: http.MethodGet, WaitTime: s.waits.Resources})
	if err != nil {
		return Resources{}, err
	}
	var r Resources
	if err := decodeObject(CommandResources, data, &r); err != nil {
		return Resources{}, err
	}
	return r, nil
}

func (s *Service) ListDirectory(ctx context.Context, path string) ([]FileEntry, error) {
	if strings.TrimSpace(path) == "" {
		path = "/"
	}
	data, err := s.do(ctx, command.Request{
		Command:  CommandListFiles,
		Method:   http.MethodPost,
		Body:     map[string]any{"path": path},
		WaitTime: s.waits.Listing,
	})
	if err != nil {
		return nil, err
	}
	files, shape, err := decodeList[FileEntry](CommandListFiles, data, "items")
	if err != nil {
		return nil, err
	}
	s.logger.Debug("listing decoded", "path", path, "shape", shape, "entries", len(files))
	return files, nil
}

func (s *Service) Logs(ctx context.Context, lines int) ([]LogLine, error) {
	body := map[string]any{}
	if lines > 0 {
		body["lines"] = lines
	}
	data, err := s.do(ctx, command.Request{
		Command:  CommandLogs,
		Method:   http.MethodPost,
		Body:     body,
		WaitTime: s.waits.Logs,
	})
	if err != nil {
		return nil, err
	}
	logs, shape, err := decodeList[LogLine](CommandLogs, data, "items", "logs")
	if err != nil {
		return nil, err
	}
	s.logger.Debug("logs decoded", "shape", shape, "lines", len(logs))
	return logs, nil
}

// ChangePassword changes the target server password. On success the
// remembered password is replaced and the secondary token dropped.
func (s *Service) ChangePassword(ctx context.Context, current, next string) error {
	if next == "" {
		return &command.Error{Kind: command.KindInvalidRequest, Message: "new password is required"}
	}
	_, err := s.do(ctx, command.Request{
		Command:  CommandPassword,
		Method:   http.MethodPost,
		Body:     map[string]any{"current_password": current, "new_password": next},
		WaitTime: s.waits.Settings,
	})
	if err != nil {
		return err
	}
	if err := s.creds.UpdateServerPassword(ctx, next); err != nil {
		return fmt.Errorf("password changed but not saved locally: %w", err)
	}
	return nil
}

// Disconnect asks the relay to drop the server session, then forgets the
// server identity locally.
func (s *Service) Disconnect(ctx context.Context) error {
	if _, err := s.do(ctx, command.Request{Command: CommandDisconnect, Method: http.MethodPost, WaitTime: s.waits.Settings}); err != nil {
		return err
	}
	if err := s.creds.ForgetServer(ctx); err != nil {
		return fmt.Errorf("forget server: %w", err)
	}
	return nil
}

// Raw runs any command and decodes its data when the command is known.
func (s *Service) Raw(ctx context.Context, req command.Request) (Result, error) {
	data, err := s.do(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return Decode(strings.TrimSpace(req.Command), data)
}

func (s *Service) do(ctx context.Context, req command.Request) (json.RawMessage, error) {
	data, err := s.exec.Execute(ctx, req)
	if err != nil {
		if errors.Is(err, command.ErrUnauthenticated) {
			s.logger.Info("authentication required", "command", req.Command)
			s.notifier.Notify()
		}
		return nil, err
	}
	return data, nil
}
