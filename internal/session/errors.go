package session

import "errors"

// Kind classifies caller-facing failures. Errors without a Kind are storage or
// programming faults and surface as internal errors.
type Kind int

const (
	KindBadRequest Kind = iota + 1
	KindUnauthorized
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad request"
	case KindUnauthorized:
		return "unauthorized"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is a classified failure with the message shown to the caller.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

func badRequest(msg string) *Error { return &Error{Kind: KindBadRequest, Message: msg} }

const invalidCredentials = "Invalid credentials"

var (
	ErrEmailTaken    = &Error{KindConflict, "User with this email already exists"}
	ErrUsernameTaken = &Error{KindConflict, "User with this username already exists"}

	ErrInvalidCredentials = &Error{KindUnauthorized, invalidCredentials}
	// ErrPasswordless shares its message with ErrInvalidCredentials so callers
	// cannot tell a passwordless account from a wrong password.
	ErrPasswordless        = &Error{KindUnauthorized, invalidCredentials}
	ErrPasswordRequired    = &Error{KindUnauthorized, "Password is required for password login"}
	ErrOTPRequired         = &Error{KindUnauthorized, "OTP is required for OTP login"}
	ErrInvalidLoginMethod  = &Error{KindUnauthorized, "Invalid login method"}
	ErrInvalidRefreshToken = &Error{KindUnauthorized, "Invalid refresh token"}

	ErrInvalidOTP   = badRequest("Invalid or expired OTP")
	ErrUserNotFound = badRequest("User not found")
)

// KindOf reports the classification of err, if any.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
