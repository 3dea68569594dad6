// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package notify tells the outside world whether the bot is reachable.
//
// A [Notifier] is told about online/offline transitions and gets the live
// connection handle so it can send presence over it. An [Alerter] receives
// operator-facing text such as "the account was logged out". Both are best
// effort: callers log failures and never retry.
package notify

import (
	"context"
	"errors"
	"fmt"
)

// Status is the availability being announced.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// PresenceSender is the part of a live connection that can publish presence.
type PresenceSender interface {
	SendPresence(ctx context.Context, available bool) error
}

// Notifier announces availability changes. handle may be nil when there is
// no live connection.
type Notifier interface {
	Notify(ctx context.Context, status Status, handle PresenceSender) error
}

// Alerter delivers operator-facing messages.
type Alerter interface {
	Alert(ctx context.Context, text string) error
}

// Messages are the texts posted to chat rooms on availability changes.
type Messages struct {
	Online  string `yaml:"online"`
	Offline string `yaml:"offline"`
}

func (m Messages) For(status Status) string {
	switch status {
	case StatusOnline:
		return m.Online
	case StatusOffline:
		return m.Offline
	default:
		return fmt.Sprintf("Status changed to %s", status)
	}
}

// Multi fans a notification out to several targets. One target failing does
// not stop the others; the failures are joined, each prefixed with the
// target's type, and left to the caller to log.
type Multi struct {
	Notifiers []Notifier
	Alerters  []Alerter
}

var (
	_ Notifier = (*Multi)(nil)
	_ Alerter  = (*Multi)(nil)
)

func (m *Multi) Notify(ctx context.Context, status Status, handle PresenceSender) error {
	var errs []error
	for _, n := range m.Notifiers {
		if err := n.Notify(ctx, status, handle); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", n, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Alert(ctx context.Context, text string) error {
	var errs []error
	for _, a := range m.Alerters {
		if err := a.Alert(ctx, text); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", a, err))
		}
	}
	return errors.Join(errs...)
}
