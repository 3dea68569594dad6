// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"encoding/json"
	"time"

	"go.mau.fi/util/jsontime"
)

// State is the connection state owned by the supervisor.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "invalid"
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Status is a read-only snapshot of the supervisor for operators.
type Status struct {
	State             State    `json:"state"`
	ReconnectAttempts int      `json:"reconnect_attempts"`
	SessionErrorCount int      `json:"session_error_count"`
	LastCategory      Category `json:"last_category"`
	// LoggedOut is set once the account has been logged out. No further
	// attempts are made.
	LoggedOut bool   `json:"logged_out"`
	Stopped   bool   `json:"stopped"`
	Version   string `json:"version,omitempty"`
	// SinceOpen is the time since the connection last became open, zero if it
	// never did. It is reported in whole seconds.
	SinceOpen      jsontime.Seconds `json:"since_open_seconds"`
	NextRetry      time.Time        `json:"next_retry,omitzero"`
	LastPurgeError string           `json:"last_purge_error,omitempty"`
}

func (c Category) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}
