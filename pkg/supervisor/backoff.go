// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"time"

	"github.com/aiku/devbot/pkg/supervisor/sessionstore"
)

const maxDuration = time.Duration(1<<63 - 1)

// Action is what the supervisor should do after a failure.
type Action int

const (
	ActionRetry Action = iota
	ActionFullReset
	ActionStop
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionFullReset:
		return "full_reset"
	case ActionStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Decision is the outcome of a backoff lookup.
type Decision struct {
	Action Action
	// Delay is the wait before the next attempt. For ActionFullReset it is
	// the wait after wiping the session directory.
	Delay time.Duration
}

// Backoff computes retry delays per failure category.
type Backoff struct {
	ConflictBaseDelay   time.Duration
	MaxConflictAttempts int
	// MaxDelay caps the exponential conflict delay. Zero means no cap.
	MaxDelay       time.Duration
	FullResetDelay time.Duration
	BadMACDelay    time.Duration
	RetryDelay     time.Duration
}

// DefaultBackoff returns the delays used when nothing is configured.
func DefaultBackoff() Backoff {
	return Backoff{
		ConflictBaseDelay:   5 * time.Second,
		MaxConflictAttempts: 5,
		FullResetDelay:      20 * time.Second,
		BadMACDelay:         1 * time.Second,
		RetryDelay:          3 * time.Second,
	}
}

// Delay returns the decision for the given category and 1-based attempt
// number. Only conflicts look at the attempt number.
func (b Backoff) Delay(cat Category, attempt int) Decision {
	switch cat {
	case CategoryLoggedOut:
		return Decision{Action: ActionStop}
	case CategoryConflict:
		if attempt >= b.MaxConflictAttempts {
			return Decision{Action: ActionFullReset, Delay: b.FullResetDelay}
		}
		return Decision{Action: ActionRetry, Delay: b.conflictDelay(attempt)}
	case CategoryBadMAC:
		return Decision{Action: ActionRetry, Delay: b.BadMACDelay}
	default:
		return Decision{Action: ActionRetry, Delay: b.RetryDelay}
	}
}

func (b Backoff) conflictDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.ConflictBaseDelay
	for i := 1; i < attempt; i++ {
		if delay > maxDuration/2 {
			delay = maxDuration
			break
		}
		delay *= 2
		if b.MaxDelay > 0 && delay >= b.MaxDelay {
			break
		}
	}
	if b.MaxDelay > 0 && delay > b.MaxDelay {
		delay = b.MaxDelay
	}
	return delay
}

type counterKind int

const (
	counterNone counterKind = iota
	counterReconnect
	counterSession
)

// recoveryRule is what a category does to the counters and the session store.
type recoveryRule struct {
	counter counterKind
	// purgeScope is used when the session error threshold is reached.
	purgeScope sessionstore.Scope
	// alwaysEscalate skips the threshold.
	alwaysEscalate bool
}

var recoveryRules = map[Category]recoveryRule{
	CategoryConflict:       {counter: counterReconnect},
	CategoryBadMAC:         {counter: counterSession, purgeScope: sessionstore.ScopeSessionAndSenderKeyMemory, alwaysEscalate: true},
	CategoryDecryptFailure: {counter: counterSession, purgeScope: sessionstore.ScopeSessionOnly},
	CategoryStaleSession:   {counter: counterSession, purgeScope: sessionstore.ScopeSessionOnly},
	CategoryLoggedOut:      {},
	CategoryUnknown:        {},
}

func ruleFor(cat Category) recoveryRule {
	return recoveryRules[cat]
}
