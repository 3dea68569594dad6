// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package notify

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoConnection is returned when presence is requested without a live
// connection.
var ErrNoConnection = errors.New("no live connection")

// Presence publishes availability over the connection itself.
type Presence struct{}

var _ Notifier = Presence{}

func (Presence) Notify(ctx context.Context, status Status, handle PresenceSender) error {
	if handle == nil {
		return ErrNoConnection
	}
	if err := handle.SendPresence(ctx, status == StatusOnline); err != nil {
		return fmt.Errorf("failed to send %s presence: %w", status, err)
	}
	return nil
}
