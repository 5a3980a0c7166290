package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound      = NewErr("PASTE_NOT_FOUND", "Paste not found", http.StatusNotFound)
	ErrPasteTooLarge      = NewErr("PASTE_TOO_LARGE", "paste too large", http.StatusRequestEntityTooLarge)
	ErrPasteBusy          = NewErr("PASTE_BUSY", "paste is busy, try again", http.StatusServiceUnavailable)
	ErrInvalidRequest     = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrUserNotFound       = NewErr("USER_NOT_FOUND", "User not found", http.StatusNotFound)
	ErrEmailTaken         = NewErr("EMAIL_TAKEN", "Email already registered", http.StatusBadRequest)
	ErrInvalidCredentials = NewErr("INVALID_CREDENTIALS", "Invalid email or password", http.StatusUnauthorized)
	ErrUnauthorized       = NewErr("UNAUTHORIZED", "Not authenticated", http.StatusUnauthorized)
	ErrRateLimitExceeded  = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "Internal server error", http.StatusInternalServerError)
	ErrIDGenerationFailed = NewErr("ID_GENERATION_FAILED", "id generation failed", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

// Invalid returns a 400 carrying a field-specific message.
func Invalid(msg string) *Err {
	return NewErr(ErrInvalidRequest.Code, msg, http.StatusBadRequest)
}

// AsErr unwraps err to a domain error, if it is one.
func AsErr(err error) (*Err, bool) {
	if err == nil {
		return nil, false
	}
	if e, ok := err.(*Err); ok {
		return e, true
	}
	e, ok := errors.Cause(err).(*Err)
	return e, ok
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string `json:"code"`
	Msg  string `json:"message"`
}

func ToResp(err error) ErrResp {
	if e, ok := AsErr(err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "Internal server error"}}
}

func Status(err error) int {
	if e, ok := AsErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
