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
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Strategy selects how the delay between attempts grows.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFibonacci   Strategy = "fibonacci"
)

type linearBackOff struct {
	base time.Duration
	n    int64
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.base
}

func (b *linearBackOff) Reset() { b.n = 0 }

type fibonacciBackOff struct {
	base       time.Duration
	prev, curr int64
}

func (b *fibonacciBackOff) NextBackOff() time.Duration {
	if b.curr == 0 {
		b.prev, b.curr = 0, 1
	} else {
		b.prev, b.curr = b.curr, b.prev+b.curr
	}
	return time.Duration(b.curr) * b.base
}

func (b *fibonacciBackOff) Reset() { b.prev, b.curr = 0, 0 }

// cappedBackOff clamps every delay to max.
type cappedBackOff struct {
	backoff.BackOff
	max time.Duration
}

func (b *cappedBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if b.max > 0 && d > b.max {
		return b.max
	}
	return d
}

// NewBackOff builds the un-jittered delay sequence for a policy.
func NewBackOff(p Policy) backoff.BackOff {
	var b backoff.BackOff
	switch p.Strategy {
	case StrategyFixed:
		b = backoff.NewConstantBackOff(p.BaseDelay)
	case StrategyLinear:
		b = &linearBackOff{base: p.BaseDelay}
	case StrategyFibonacci:
		b = &fibonacciBackOff{base: p.BaseDelay}
	default:
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = p.BaseDelay
		exp.RandomizationFactor = 0
		exp.Multiplier = p.Multiplier
		exp.MaxInterval = p.MaxDelay
		exp.MaxElapsedTime = 0
		exp.Reset()
		b = exp
	}
	return &cappedBackOff{BackOff: b, max: p.MaxDelay}
}
