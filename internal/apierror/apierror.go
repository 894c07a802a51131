/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apierror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrConnection     ErrorCode = "CONNECTION_ERROR"
	ErrAuthentication ErrorCode = "AUTHENTICATION_ERROR"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
	ErrValidation     ErrorCode = "VALIDATION_ERROR"
	ErrSignature      ErrorCode = "SIGNATURE_INVALID"
	ErrTimestamp      ErrorCode = "TIMESTAMP_EXPIRED"
	ErrCircuitOpen    ErrorCode = "CIRCUIT_OPEN"
	ErrProviderReject ErrorCode = "PROVIDER_REJECTED"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrConflict       ErrorCode = "CONFLICT"
	ErrBadRequest     ErrorCode = "BAD_REQUEST"
	ErrInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrInternalServer ErrorCode = "INTERNAL_SERVER_ERROR"
)

// APIError is the single error type crossing package boundaries. StatusCode and
// RetryAfter are populated for failures that came back from the provider.
type APIError struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	Details    interface{}   `json:"details,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes Details when it holds the underlying error.
func (e APIError) Unwrap() error {
	if err, ok := e.Details.(error); ok {
		return err
	}
	return nil
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	logrus.Error(details)
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewProviderError builds an error for a failed provider response without logging;
// the provider client logs with request context itself.
func NewProviderError(code ErrorCode, statusCode int, message string, retryAfter time.Duration) APIError {
	return APIError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		RetryAfter: retryAfter,
	}
}

// As returns the first APIError in err's chain.
func As(err error) (APIError, bool) {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	var ptr *APIError
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	return APIError{}, false
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	apiErr, ok := As(err)
	return ok && apiErr.Code == code
}

// Reason maps an error to the low-cardinality label used by error counters.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	apiErr, ok := As(err)
	if !ok {
		return "internal"
	}
	switch apiErr.Code {
	case ErrConnection:
		return "connection"
	case ErrAuthentication:
		return "authentication"
	case ErrRateLimited:
		return "rate_limited"
	case ErrValidation:
		return "validation"
	case ErrSignature:
		return "signature"
	case ErrTimestamp:
		return "timestamp"
	case ErrCircuitOpen:
		return "circuit_open"
	case ErrProviderReject:
		return "provider_rejected"
	default:
		return "internal"
	}
}

func MapErrorToHTTPStatus(err error) int {
	if apiErr, ok := As(err); ok {
		switch apiErr.Code {
		case ErrNotFound:
			return http.StatusNotFound
		case ErrConflict:
			return http.StatusConflict
		case ErrInvalidInput, ErrBadRequest, ErrValidation:
			return http.StatusBadRequest
		case ErrSignature, ErrTimestamp, ErrAuthentication:
			return http.StatusUnauthorized
		case ErrRateLimited:
			return http.StatusTooManyRequests
		case ErrConnection, ErrCircuitOpen, ErrProviderReject:
			return http.StatusBadGateway
		case ErrInternalServer:
			return http.StatusInternalServerError
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
