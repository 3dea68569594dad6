// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixConfig selects the room that status notices go to.
type MatrixConfig struct {
	HomeserverURL string `yaml:"homeserver_url"`
	UserID        string `yaml:"user_id"`
	AccessToken   string `yaml:"access_token"`
	RoomID        string `yaml:"room_id"`
}

// Matrix sends status changes and alerts as notices to a Matrix room.
// Markdown in the text is rendered to HTML.
type Matrix struct {
	client   *mautrix.Client
	roomID   id.RoomID
	messages Messages
	log      zerolog.Logger
}

var (
	_ Notifier = (*Matrix)(nil)
	_ Alerter  = (*Matrix)(nil)
)

func NewMatrix(cfg MatrixConfig, messages Messages, log zerolog.Logger) (*Matrix, error) {
	client, err := mautrix.NewClient(cfg.HomeserverURL, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	return &Matrix{
		client:   client,
		roomID:   id.RoomID(cfg.RoomID),
		messages: messages,
		log:      log.With().Str("component", "matrix_notifier").Logger(),
	}, nil
}

func (m *Matrix) Notify(ctx context.Context, status Status, _ PresenceSender) error {
	return m.send(ctx, m.messages.For(status))
}

func (m *Matrix) Alert(ctx context.Context, text string) error {
	return m.send(ctx, text)
}

func (m *Matrix) send(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	resp, err := m.client.SendMessageEvent(ctx, m.roomID, event.EventMessage, renderNotice(text))
	if err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	m.log.Debug().Stringer("event_id", resp.EventID).Stringer("room_id", m.roomID).Msg("Sent status notice")
	return nil
}
