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

package retry

import (
	"context"
	"errors"

	"github.com/blnkfinance/bankfeed/internal/apierror"
	"github.com/cenkalti/backoff/v4"
)

// Predicate decides whether a failed attempt should be retried.
type Predicate func(err error) bool

// RetryAlways retries every failure except caller cancellation.
func RetryAlways() Predicate {
	return func(err error) bool {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
}

// RetryOnError retries failures that are plausibly transient. Permanent
// errors, bad payloads, bad credentials and provider rejections are not.
func RetryOnError() Predicate {
	return func(err error) bool {
		return IsTransient(err)
	}
}

// RetryOnErrors retries only when err matches one of targets.
func RetryOnErrors(targets ...error) Predicate {
	return func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}
}

// RetryOnStatus retries provider errors whose HTTP status is one of codes.
func RetryOnStatus(codes ...int) Predicate {
	return func(err error) bool {
		apiErr, ok := apierror.As(err)
		if !ok {
			return false
		}
		for _, code := range codes {
			if apiErr.StatusCode == code {
				return true
			}
		}
		return false
	}
}

func RetryIf(fn func(err error) bool) Predicate {
	return Predicate(fn)
}

// IsTransient is the default classification shared by the predicate and
// the circuit breaker.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	apiErr, ok := apierror.As(err)
	if !ok {
		return true
	}
	switch apiErr.Code {
	case apierror.ErrConnection, apierror.ErrRateLimited, apierror.ErrInternalServer:
		return true
	default:
		return false
	}
}
