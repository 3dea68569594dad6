// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"context"

	"github.com/aiku/devbot/pkg/supervisor/notify"
)

// AuthState is what a dial needs to resume an existing pairing.
type AuthState struct {
	// Credentials is the stored credentials blob, nil if not yet paired.
	Credentials []byte
	// AttemptID identifies this dial in logs on both sides.
	AttemptID string
	// SaveCredentials persists credentials issued before the handshake
	// completes, for example while pairing.
	SaveCredentials func(creds []byte) error
}

// Dialer opens protocol connections. Dial returns once the handshake has
// completed, or with an error if it failed or ctx ended first.
type Dialer interface {
	Dial(ctx context.Context, auth AuthState) (Conn, error)
}

// Unsubscribe removes a handler registered on a Conn.
type Unsubscribe func()

// Conn is a live protocol connection. Handlers are called from the
// connection's own goroutine, one at a time. They are never called from
// inside the On* call that registers them, and an Unsubscribe must not wait
// for a handler that is already running.
type Conn interface {
	notify.PresenceSender

	// Version is the protocol version negotiated in the handshake.
	Version() string

	// OnClose is called once when the transport closes. err describes why,
	// usually as a *CloseError.
	OnClose(fn func(err error)) Unsubscribe
	// OnCredentialsUpdate is called whenever the credentials change and need
	// to be persisted.
	OnCredentialsUpdate(fn func(creds []byte)) Unsubscribe
	// OnSignal is called for runtime errors, diagnostics and stub frames.
	OnSignal(fn func(sig Signal)) Unsubscribe

	// Close asks the remote end to close and waits until it has.
	Close(ctx context.Context) error
	// Terminate drops the transport immediately.
	Terminate()
}
