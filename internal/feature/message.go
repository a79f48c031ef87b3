package feature

import (
	"errors"
	"strings"

	"github.com/g960059/relaykit/internal/command"
	"github.com/g960059/relaykit/internal/session"
)

const (
	MessageLoginRequired = "login required"
	messageNetwork       = "could not reach the server, check your connection and try again"
	messageBadResponse   = "the server sent an unexpected response"
	messageGeneric       = "something went wrong"
)

// DisplayMessage renders err for an inline error line: the server's own
// text when it sent one, a fixed message otherwise.
func DisplayMessage(err error) string {
	if err == nil {
		return ""
	}
	var cmdErr *command.Error
	if errors.As(err, &cmdErr) {
		switch cmdErr.Kind {
		case command.KindUnauthenticated:
			return MessageLoginRequired
		case command.KindNetwork:
			return messageNetwork
		case command.KindInvalidResponse:
			return messageBadResponse
		case command.KindServerError, command.KindCommandFailed, command.KindInvalidRequest:
			if msg := strings.TrimSpace(cmdErr.Message); msg != "" {
				return msg
			}
		}
		return messageGeneric
	}
	var authErr *session.AuthError
	if errors.As(err, &authErr) {
		switch authErr.Kind {
		case session.KindMissingCredential:
			return MessageLoginRequired
		case session.KindNetwork:
			return messageNetwork
		}
		if msg := strings.TrimSpace(authErr.Message); msg != "" {
			return msg
		}
	}
	return messageGeneric
}
