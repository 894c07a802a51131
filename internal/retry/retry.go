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

// Package retry wraps a unit of work with a retry policy: delay strategy,
// jitter, retry predicate, circuit breaker and cumulative cost ceiling.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/blnkfinance/bankfeed/internal/apierror"
	"github.com/cenkalti/backoff/v4"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Reason explains why a session stopped retrying.
type Reason string

const (
	ReasonMaxAttempts     Reason = "max_attempts"
	ReasonNotRetryable    Reason = "not_retryable"
	ReasonCostCeiling     Reason = "cost_ceiling"
	ReasonCircuitOpen     Reason = "circuit_open"
	ReasonContextCanceled Reason = "context_canceled"
)

// BreakerSettings configures the optional circuit breaker.
type BreakerSettings struct {
	FailureThreshold uint32
	Cooldown         time.Duration
}

// Policy is the full retry configuration for one kind of operation.
type Policy struct {
	Name        string
	MaxAttempts int
	Strategy    Strategy
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter adds a random fraction in [0, Jitter] of the computed delay.
	Jitter      float64
	Predicate   Predicate
	Breaker     *BreakerSettings
	CostCeiling float64
	// CostFn prices an attempt; nil charges 1 per attempt.
	CostFn func(attempt int, err error) float64
}

// DefaultPolicy is exponential backoff from 500ms capped at 30s with 3 attempts.
func DefaultPolicy(name string) Policy {
	return Policy{
		Name:        name,
		MaxAttempts: 3,
		Strategy:    StrategyExponential,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		Jitter:      0.1,
		Predicate:   RetryOnError(),
	}
}

// Attempt records one try of the operation.
type Attempt struct {
	Number   int
	Err      error
	Delay    time.Duration
	Cost     float64
	Duration time.Duration
}

// Session summarizes a Do call. It is never persisted.
type Session struct {
	Operation  string
	Attempts   []Attempt
	TotalDelay time.Duration
	TotalCost  float64
	Abandoned  bool
	Reason     Reason
}

func (s Session) Fields() logrus.Fields {
	fields := logrus.Fields{
		"operation":   s.Operation,
		"attempts":    len(s.Attempts),
		"total_delay": s.TotalDelay.String(),
		"total_cost":  s.TotalCost,
	}
	if s.Abandoned {
		fields["abandon_reason"] = string(s.Reason)
	}
	return fields
}

// Operation is the unit of work being retried.
type Operation func(ctx context.Context) error

// Orchestrator applies a Policy. It is safe for concurrent use; the circuit
// breaker is shared by every call made through the same orchestrator.
type Orchestrator struct {
	policy  Policy
	breaker *gobreaker.CircuitBreaker
	sleep   func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	rand *rand.Rand
}

func New(policy Policy) *Orchestrator {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 2
	}
	if policy.Predicate == nil {
		policy.Predicate = RetryOnError()
	}
	if policy.Jitter < 0 {
		policy.Jitter = 0
	}
	o := &Orchestrator{
		policy: policy,
		sleep:  sleepContext,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if policy.Breaker != nil && policy.Breaker.FailureThreshold > 0 {
		threshold := policy.Breaker.FailureThreshold
		o.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        policy.Name,
			MaxRequests: 1,
			Timeout:     policy.Breaker.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !IsTransient(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logrus.WithFields(logrus.Fields{
					"operation": name,
					"from":      from.String(),
					"to":        to.String(),
				}).Warn("circuit breaker state changed")
			},
		})
	}
	return o
}

// WithSleep replaces the backoff sleep, used by tests to avoid real waits.
func (o *Orchestrator) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Orchestrator {
	o.sleep = fn
	return o
}

func (o *Orchestrator) Policy() Policy { return o.policy }

// BreakerState reports the breaker state, or "disabled".
func (o *Orchestrator) BreakerState() string {
	if o.breaker == nil {
		return "disabled"
	}
	return o.breaker.State().String()
}

// Do runs op until it succeeds or the policy gives up. A terminal failure is
// always returned, annotated with the abandonment reason.
func (o *Orchestrator) Do(ctx context.Context, op Operation) (Session, error) {
	session := Session{Operation: o.policy.Name}
	delays := NewBackOff(o.policy)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return o.abandon(session, ReasonContextCanceled, err)
		}

		started := time.Now()
		err := o.execute(ctx, op)
		record := Attempt{Number: attempt, Err: err, Duration: time.Since(started)}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			session.Attempts = append(session.Attempts, record)
			return o.abandon(session, ReasonCircuitOpen,
				apierror.APIError{Code: apierror.ErrCircuitOpen, Message: "circuit breaker is open for " + o.policy.Name, Details: err})
		}

		record.Cost = o.cost(attempt, err)
		session.TotalCost += record.Cost
		if err == nil {
			session.Attempts = append(session.Attempts, record)
			return session, nil
		}

		permanent, err := unwrapPermanent(err)
		if permanent || !o.policy.Predicate(err) {
			session.Attempts = append(session.Attempts, record)
			return o.abandon(session, ReasonNotRetryable, err)
		}
		if attempt >= o.policy.MaxAttempts {
			session.Attempts = append(session.Attempts, record)
			return o.abandon(session, ReasonMaxAttempts, err)
		}
		if o.policy.CostCeiling > 0 && session.TotalCost+o.cost(attempt+1, err) > o.policy.CostCeiling {
			session.Attempts = append(session.Attempts, record)
			return o.abandon(session, ReasonCostCeiling, err)
		}

		record.Delay = o.delay(delays, err)
		session.Attempts = append(session.Attempts, record)
		session.TotalDelay += record.Delay

		logrus.WithFields(logrus.Fields{
			"operation": o.policy.Name,
			"attempt":   attempt,
			"delay":     record.Delay.String(),
			"error":     err.Error(),
		}).Debug("retrying after failure")

		if sleepErr := o.sleep(ctx, record.Delay); sleepErr != nil {
			return o.abandon(session, ReasonContextCanceled, err)
		}
	}
}

func (o *Orchestrator) execute(ctx context.Context, op Operation) error {
	if o.breaker == nil {
		return op(ctx)
	}
	_, err := o.breaker.Execute(func() (interface{}, error) {
		return nil, op(ctx)
	})
	return err
}

func (o *Orchestrator) cost(attempt int, err error) float64 {
	if o.policy.CostFn == nil {
		return 1
	}
	return o.policy.CostFn(attempt, err)
}

// delay returns the next strategy delay with jitter applied, capped at
// MaxDelay. A provider Retry-After hint raises the floor.
func (o *Orchestrator) delay(b backoff.BackOff, err error) time.Duration {
	d := b.NextBackOff()
	if d < 0 {
		d = 0
	}
	if apiErr, ok := apierror.As(err); ok && apiErr.RetryAfter > d {
		d = apiErr.RetryAfter
	}
	if o.policy.Jitter > 0 && d > 0 {
		o.mu.Lock()
		factor := o.rand.Float64() * o.policy.Jitter
		o.mu.Unlock()
		d += time.Duration(factor * float64(d))
	}
	if o.policy.MaxDelay > 0 && d > o.policy.MaxDelay {
		d = o.policy.MaxDelay
	}
	return d
}

func (o *Orchestrator) abandon(session Session, reason Reason, err error) (Session, error) {
	session.Abandoned = true
	session.Reason = reason
	logrus.WithFields(session.Fields()).WithError(err).Warn("operation abandoned")
	return session, pkgerrors.Wrapf(err, "%s abandoned after %d attempt(s) (%s)", o.policy.Name, len(session.Attempts), reason)
}

// unwrapPermanent strips a backoff.Permanent marker, reporting whether one was present.
func unwrapPermanent(err error) (bool, error) {
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) && permanent.Err != nil {
		return true, permanent.Err
	}
	return false, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
