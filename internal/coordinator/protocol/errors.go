package protocol

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Code is a stable, client-visible error code
type Code string

// Error codes
const (
	CodeAuthFailed     Code = "auth_failed"
	CodeRateLimited    Code = "rate_limited"
	CodeInvalidInput   Code = "invalid_input"
	CodeForbidden      Code = "forbidden"
	CodeNotFound       Code = "not_found"
	CodeQuotaExceeded  Code = "quota_exceeded"
	CodeServerError    Code = "server_error"
	CodeWebsocketError Code = "websocket_error"
	CodeResearchFailed Code = "research_failed"
	CodeInvalidSession Code = "invalid_session"
)

// Close reasons sent with a policy-violation close frame
const (
	ReasonConnectionLimit = "connection_limit_exceeded"
	ReasonRateLimit       = "rate_limit_exceeded"
	ReasonAuth            = "authentication_required"
	ReasonShutdown        = "server_shutdown"
)

type codeInfo struct {
	message   string
	status    int
	closeCode int
}

var taxonomy = map[Code]codeInfo{
	CodeAuthFailed:     {"Authentication failed", http.StatusUnauthorized, websocket.ClosePolicyViolation},
	CodeRateLimited:    {"Rate limit exceeded, please try again later", http.StatusTooManyRequests, websocket.ClosePolicyViolation},
	CodeInvalidInput:   {"Invalid input", http.StatusBadRequest, websocket.CloseInvalidFramePayloadData},
	CodeForbidden:      {"Operation not permitted for your plan", http.StatusForbidden, websocket.ClosePolicyViolation},
	CodeNotFound:       {"Resource not found", http.StatusNotFound, websocket.CloseNormalClosure},
	CodeQuotaExceeded:  {"Quota exceeded", http.StatusTooManyRequests, websocket.ClosePolicyViolation},
	CodeServerError:    {"Internal server error", http.StatusInternalServerError, websocket.CloseInternalServerErr},
	CodeWebsocketError: {"Connection rejected", http.StatusTooManyRequests, websocket.ClosePolicyViolation},
	CodeResearchFailed: {"Research task failed", http.StatusInternalServerError, websocket.CloseInternalServerErr},
	CodeInvalidSession: {"Invalid or expired session", http.StatusUnauthorized, websocket.ClosePolicyViolation},
}

// Message returns the fixed user-facing message for a code
func (c Code) Message() string {
	if info, ok := taxonomy[c]; ok {
		return info.message
	}
	return taxonomy[CodeServerError].message
}

// HTTPStatus returns the transport status for a code
func (c Code) HTTPStatus() int {
	if info, ok := taxonomy[c]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// CloseCode returns the websocket close code for a code
func (c Code) CloseCode() int {
	if info, ok := taxonomy[c]; ok {
		return info.closeCode
	}
	return websocket.CloseInternalServerErr
}

// Error is a boundary error. Only Code, the fixed message and the optional
// rate-limit metadata ever reach a client; Cause is for logs.
type Error struct {
	Code       Code
	Reason     string // machine-readable close reason, when the socket is closed
	TaskID     string
	RetryAfter time.Duration
	RateLimit  *RateLimitInfo
	Cause      error
}

// NewError creates a boundary error with the given code
func NewError(code Code) *Error {
	return &Error{Code: code}
}

// Wrap creates a boundary error that keeps cause for logging
func Wrap(code Code, cause error) *Error {
	return &Error{Code: code, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithReason sets the close reason
func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

// WithTask attaches the task the error refers to
func (e *Error) WithTask(taskID string) *Error {
	e.TaskID = taskID
	return e
}

// WithRateLimit attaches rate-limit metadata and the retry hint
func (e *Error) WithRateLimit(info *RateLimitInfo, retryAfter time.Duration) *Error {
	e.RateLimit = info
	e.RetryAfter = retryAfter
	return e
}

// Message builds the wire error for this error
func (e *Error) Message(requestID string) *ErrorMessage {
	msg := &ErrorMessage{
		Code:      e.Code,
		Message:   e.Code.Message(),
		RequestID: requestID,
		TaskID:    e.TaskID,
		RateLimit: e.RateLimit,
	}
	if e.RetryAfter > 0 {
		msg.RetryAfter = int64((e.RetryAfter + time.Second - 1) / time.Second)
	}
	return msg
}

// AsError converts any error into a boundary error. Errors that are not
// already boundary errors become server_error with the original as cause.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return Wrap(CodeServerError, err)
}

// IsCode reports whether err is a boundary error with code
func IsCode(err error, code Code) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == code
}
