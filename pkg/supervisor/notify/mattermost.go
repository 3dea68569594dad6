// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package notify

import (
	"context"
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
)

// MattermostConfig selects the channel that status posts go to.
type MattermostConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
}

// Mattermost posts status changes and alerts to a Mattermost channel.
type Mattermost struct {
	client    *model.Client4
	channelID string
	messages  Messages
	log       zerolog.Logger
}

var (
	_ Notifier = (*Mattermost)(nil)
	_ Alerter  = (*Mattermost)(nil)
)

func NewMattermost(cfg MattermostConfig, messages Messages, log zerolog.Logger) *Mattermost {
	client := model.NewAPIv4Client(cfg.ServerURL)
	client.SetToken(cfg.Token)
	return &Mattermost{
		client:    client,
		channelID: cfg.ChannelID,
		messages:  messages,
		log:       log.With().Str("component", "mm_notifier").Logger(),
	}
}

func (m *Mattermost) Notify(ctx context.Context, status Status, _ PresenceSender) error {
	return m.post(ctx, m.messages.For(status), map[string]any{"devbot_status": string(status)})
}

func (m *Mattermost) Alert(ctx context.Context, text string) error {
	return m.post(ctx, text, map[string]any{"devbot_alert": true})
}

func (m *Mattermost) post(ctx context.Context, text string, props map[string]any) error {
	if text == "" {
		return nil
	}
	post := &model.Post{
		ChannelId: m.channelID,
		Message:   text,
	}
	post.SetProps(props)
	created, _, err := m.client.CreatePost(ctx, post)
	if err != nil {
		return fmt.Errorf("failed to create post: %w", err)
	}
	m.log.Debug().Str("post_id", created.Id).Str("channel_id", m.channelID).Msg("Posted status message")
	return nil
}
