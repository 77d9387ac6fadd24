package common

import (
	"errors"
	"fmt"
)

//
// Base Types
//

type ErrorCode string

const (
	ErrCodeInvalidConfig      ErrorCode = "ErrInvalidConfig"
	ErrCodeUnauthorized       ErrorCode = "ErrUnauthorized"
	ErrCodeUpstreamRequest    ErrorCode = "ErrUpstreamRequest"
	ErrCodeUpstreamHTTP       ErrorCode = "ErrUpstreamHTTP"
	ErrCodeUpstreamTimeout    ErrorCode = "ErrUpstreamTimeout"
	ErrCodeUpstreamMalformed  ErrorCode = "ErrUpstreamMalformedResponse"
	ErrCodeAllUpstreamsFailed ErrorCode = "ErrAllUpstreamsFailed"
)

type BaseError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Cause   error                  `json:"cause,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *BaseError) Unwrap() error {
	return e.Cause
}

func (e *BaseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BaseError) ErrorCode() ErrorCode {
	return e.Code
}

type ErrorWithCode interface {
	ErrorCode() ErrorCode
}

type ErrorWithStatusCode interface {
	ErrorStatusCode() int
}

func HasErrorCode(err error, code ErrorCode) bool {
	var ec ErrorWithCode
	if errors.As(err, &ec) {
		return ec.ErrorCode() == code
	}
	return false
}

//
// Startup
//

type ErrInvalidConfig struct{ BaseError }

func NewErrInvalidConfig(message string) error {
	return &ErrInvalidConfig{
		BaseError{
			Code:    ErrCodeInvalidConfig,
			Message: message,
		},
	}
}

//
// Auth
//

type ErrUnauthorized struct{ BaseError }

func NewErrUnauthorized(reason string) error {
	return &ErrUnauthorized{
		BaseError{
			Code:    ErrCodeUnauthorized,
			Message: "unauthorized",
			Details: map[string]interface{}{
				"reason": reason,
			},
		},
	}
}

func (e *ErrUnauthorized) ErrorStatusCode() int { return 401 }

//
// Upstream attempt failures. Never surfaced to clients directly; they drive
// backend state transitions and the failover loop.
//

type ErrUpstreamRequest struct{ BaseError }

func NewErrUpstreamRequest(cause error, url string) error {
	return &ErrUpstreamRequest{
		BaseError{
			Code:    ErrCodeUpstreamRequest,
			Message: "upstream request failed",
			Cause:   cause,
			Details: map[string]interface{}{
				"upstream": url,
			},
		},
	}
}

type ErrUpstreamHTTP struct {
	BaseError
	StatusCode int
}

func NewErrUpstreamHTTP(url string, statusCode int) error {
	return &ErrUpstreamHTTP{
		BaseError: BaseError{
			Code:    ErrCodeUpstreamHTTP,
			Message: fmt.Sprintf("upstream returned HTTP %d", statusCode),
			Details: map[string]interface{}{
				"upstream": url,
			},
		},
		StatusCode: statusCode,
	}
}

type ErrUpstreamTimeout struct{ BaseError }

func NewErrUpstreamTimeout(cause error, url string) error {
	return &ErrUpstreamTimeout{
		BaseError{
			Code:    ErrCodeUpstreamTimeout,
			Message: "upstream request timed out",
			Cause:   cause,
			Details: map[string]interface{}{
				"upstream": url,
			},
		},
	}
}

type ErrUpstreamMalformedResponse struct{ BaseError }

func NewErrUpstreamMalformedResponse(cause error, url string) error {
	return &ErrUpstreamMalformedResponse{
		BaseError{
			Code:    ErrCodeUpstreamMalformed,
			Message: "upstream returned a malformed JSON-RPC response",
			Cause:   cause,
			Details: map[string]interface{}{
				"upstream": url,
			},
		},
	}
}

//
// Terminal forward failure, after the last-resort retry.
//

type ErrAllUpstreamsFailed struct{ BaseError }

func NewErrAllUpstreamsFailed(method string) error {
	return &ErrAllUpstreamsFailed{
		BaseError{
			Code:    ErrCodeAllUpstreamsFailed,
			Message: "no backends available",
			Details: map[string]interface{}{
				"method": method,
			},
		},
	}
}
