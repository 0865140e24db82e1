// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockcache

import (
	"time"
)

// WaitPolicy determines the minimum amount of time a cached block must wait
// between two attempts to connect it.
//
// Implementations are invoked once at the end of every revalidation pass and
// are never invoked concurrently.
type WaitPolicy interface {
	// NextWait returns the wait time to use for the next pass given the wait
	// time used so far and the occupancy of the cache.
	NextWait(current time.Duration, occupancy, capacity int) time.Duration
}

const (
	// DefaultRevalidationWait is the wait time the cache starts with.
	DefaultRevalidationWait = time.Second

	// defaultTargetFill is the occupancy, as a fraction of the capacity, the
	// default policy steers towards.
	defaultTargetFill = 0.5

	// defaultMinWait and defaultMaxWait bound the wait time produced by the
	// default policy.
	defaultMinWait = 250 * time.Millisecond
	defaultMaxWait = time.Minute

	// maxIntegral limits the accumulated error of the default policy so a
	// long period of high occupancy does not delay recovery indefinitely.
	maxIntegral = 10.0
)

// PIWaitPolicy is a proportional-integral controller over the occupancy of the
// cache.  The wait time grows while the cache is fuller than the target fill
// and shrinks while it is emptier, so a cache under heavy churn backs off and a
// quiet cache retries promptly.
//
// The zero value is not usable.  Use NewPIWaitPolicy.
type PIWaitPolicy struct {
	// TargetFill is the desired occupancy as a fraction of the capacity.
	TargetFill float64

	// Kp and Ki are the proportional and integral gains.  Each unit of
	// controller output changes the wait time by Step.
	Kp   float64
	Ki   float64
	Step time.Duration

	// MinWait and MaxWait bound the produced wait time.
	MinWait time.Duration
	MaxWait time.Duration

	integral float64
}

// NewPIWaitPolicy returns a proportional-integral wait policy with sane
// defaults.
func NewPIWaitPolicy() *PIWaitPolicy {
	return &PIWaitPolicy{
		TargetFill: defaultTargetFill,
		Kp:         1.0,
		Ki:         0.1,
		Step:       time.Second,
		MinWait:    defaultMinWait,
		MaxWait:    defaultMaxWait,
	}
}

// NextWait returns the wait time for the next pass.
//
// This function is part of the WaitPolicy interface.
func (p *PIWaitPolicy) NextWait(current time.Duration, occupancy, capacity int) time.Duration {
	if capacity <= 0 {
		return current
	}

	errTerm := float64(occupancy)/float64(capacity) - p.TargetFill
	p.integral += errTerm
	if p.integral > maxIntegral {
		p.integral = maxIntegral
	} else if p.integral < -maxIntegral {
		p.integral = -maxIntegral
	}

	output := p.Kp*errTerm + p.Ki*p.integral
	next := current + time.Duration(output*float64(p.Step))
	if next < p.MinWait {
		next = p.MinWait
		// Do not accumulate error while saturated at the lower bound.
		if p.integral < 0 {
			p.integral = 0
		}
	}
	if next > p.MaxWait {
		next = p.MaxWait
	}
	return next
}

// FixedWaitPolicy is a wait policy that always returns the same wait time.
type FixedWaitPolicy time.Duration

// NextWait returns the fixed wait time.
//
// This function is part of the WaitPolicy interface.
func (p FixedWaitPolicy) NextWait(time.Duration, int, int) time.Duration {
	return time.Duration(p)
}
