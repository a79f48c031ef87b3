package session

import "fmt"

type AuthKind string

const (
	KindMissingCredential    AuthKind = "missing_credential"
	KindInvalidCredentials   AuthKind = "invalid_credentials"
	KindNetwork              AuthKind = "network"
	KindSecondaryLoginFailed AuthKind = "secondary_login_failed"
)

// AuthError is returned by every Manager operation that can fail for
// authentication reasons. Compare with errors.Is against the Err* values.
type AuthError struct {
	Kind    AuthKind
	Message string
	Err     error
}

var (
	ErrMissingCredential    = &AuthError{Kind: KindMissingCredential}
	ErrInvalidCredentials   = &AuthError{Kind: KindInvalidCredentials}
	ErrNetwork              = &AuthError{Kind: KindNetwork}
	ErrSecondaryLoginFailed = &AuthError{Kind: KindSecondaryLoginFailed}
)

func (e *AuthError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *AuthError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && e != nil && t.Kind == e.Kind
}

func missingCredential(msg string) error {
	return &AuthError{Kind: KindMissingCredential, Message: msg}
}

func invalidCredentials(msg string) error {
	return &AuthError{Kind: KindInvalidCredentials, Message: msg}
}

func networkError(err error) error {
	return &AuthError{Kind: KindNetwork, Err: err}
}

func secondaryLoginFailed(msg string, err error) error {
	return &AuthError{Kind: KindSecondaryLoginFailed, Message: msg, Err: err}
}
