// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"errors"
	"fmt"
)

// Category is the recovery-relevant kind of a failure signal.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryConflict
	CategoryBadMAC
	CategoryDecryptFailure
	CategoryStaleSession
	CategoryProtocolStub
	CategoryLoggedOut
)

func (c Category) String() string {
	switch c {
	case CategoryConflict:
		return "conflict"
	case CategoryBadMAC:
		return "bad_mac"
	case CategoryDecryptFailure:
		return "decrypt_failure"
	case CategoryStaleSession:
		return "stale_session"
	case CategoryProtocolStub:
		return "protocol_stub"
	case CategoryLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// IsSessionError reports whether the category indicates broken per-peer
// cryptographic state.
func (c Category) IsSessionError() bool {
	return c == CategoryBadMAC || c == CategoryDecryptFailure || c == CategoryStaleSession
}

// Source tells where a signal was observed.
type Source int

const (
	// SourceClose is a transport close event.
	SourceClose Source = iota
	// SourceError is an error raised while handling messages.
	SourceError
	// SourceDiagnostic is a diagnostic text line from the protocol library.
	SourceDiagnostic
	// SourceStub is a non-content control frame.
	SourceStub
	// SourceConnect is a failed dial or handshake.
	SourceConnect
)

func (s Source) String() string {
	switch s {
	case SourceClose:
		return "close"
	case SourceError:
		return "error"
	case SourceDiagnostic:
		return "diagnostic"
	case SourceStub:
		return "stub"
	case SourceConnect:
		return "connect"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Signal is a raw failure observation handed to the supervisor.
type Signal struct {
	Source Source
	// Err is the structured error, if the producer has one.
	Err error
	// Text is free-form text such as a diagnostic line or a close reason.
	Text string
}

// Close status codes used by the protocol library.
const (
	StatusLoggedOut          = 401
	StatusConnectionReplaced = 440
)

// CloseError describes why the transport was closed.
type CloseError struct {
	StatusCode int
	Reason     string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("connection closed with status %d: %s", e.StatusCode, e.Reason)
}

// Structured protocol failures. Protocol adapters should wrap these instead
// of relying on message text.
var (
	ErrSessionConflict = errors.New("session replaced by another client")
	ErrBadMAC          = errors.New("bad mac")
	ErrDecryptFailed   = errors.New("failed to decrypt message")
	ErrStaleSession    = errors.New("stale session")
)

// Errors returned by supervisor entry points.
var (
	ErrAlreadyActive = errors.New("a connection is already active")
	ErrBusy          = errors.New("supervisor is busy recovering")
	ErrLoggedOut     = errors.New("account was logged out")
	ErrStopped       = errors.New("supervisor is stopped")
)
