// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package wsgateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/aiku/devbot/pkg/supervisor"
)

// Frame types exchanged with the gateway.
const (
	FrameHello    = "hello"
	FramePresence = "presence"

	FrameQR    = "qr"
	FrameReady = "ready"
	FrameCreds = "creds"
	FrameError = "error"
	FrameStub  = "stub"
	FrameLog   = "log"
	FrameClose = "close"
)

// Error codes carried by error frames.
const (
	CodeBadMAC        = "bad_mac"
	CodeDecryptFailed = "decrypt_failed"
	CodeStaleSession  = "stale_session"
	CodeConflict      = "conflict"
)

// Frame is a single JSON message on the gateway socket. Only the fields of
// the given Type are set.
type Frame struct {
	Type string `json:"type"`

	// hello
	Client      string          `json:"client,omitempty"`
	AttemptID   string          `json:"attempt_id,omitempty"`
	Credentials json.RawMessage `json:"credentials,omitempty"`

	// presence
	Available *bool `json:"available,omitempty"`

	// qr carries the pairing code, error the error code.
	Code string `json:"code,omitempty"`
	// ready
	Version string `json:"version,omitempty"`
	// error, log
	Message string `json:"message,omitempty"`
	// stub
	StubType string `json:"stub_type,omitempty"`
	// close
	Status int    `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// errorFromFrame maps an error frame to an error that the classifier
// recognizes without looking at the text.
func errorFromFrame(f Frame) error {
	var sentinel error
	switch f.Code {
	case CodeBadMAC:
		sentinel = supervisor.ErrBadMAC
	case CodeDecryptFailed:
		sentinel = supervisor.ErrDecryptFailed
	case CodeStaleSession:
		sentinel = supervisor.ErrStaleSession
	case CodeConflict:
		sentinel = supervisor.ErrSessionConflict
	}
	switch {
	case sentinel != nil && f.Message != "":
		return fmt.Errorf("%s: %w", f.Message, sentinel)
	case sentinel != nil:
		return sentinel
	case f.Message != "":
		return errors.New(f.Message)
	case f.Code != "":
		return fmt.Errorf("gateway error %s", f.Code)
	default:
		return errors.New("unspecified gateway error")
	}
}

// closeErrorFrom converts a socket read error into the error reported to
// close handlers. Application close codes (4000 and up) carry the upstream
// status offset by 4000.
func closeErrorFrom(err error) error {
	var wsErr *websocket.CloseError
	if !errors.As(err, &wsErr) {
		return err
	}
	status := wsErr.Code
	if status >= 4000 {
		status -= 4000
	}
	return &supervisor.CloseError{StatusCode: status, Reason: wsErr.Text}
}
