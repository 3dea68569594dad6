// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/devbot/pkg/supervisor/notify"
)

// Coordinator turns SIGINT and SIGTERM into an orderly shutdown.
type Coordinator struct {
	Supervisor *Supervisor
	// GracePeriod bounds the offline notification.
	GracePeriod time.Duration
	// StopTimeout bounds stopping the supervisor and running Closers.
	StopTimeout time.Duration
	// Closers run after the supervisor has stopped, e.g. the admin API.
	Closers []func(ctx context.Context) error
	Log     zerolog.Logger
}

// Wait blocks until SIGINT, SIGTERM or the end of ctx, then shuts down.
func (c *Coordinator) Wait(ctx context.Context) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	return c.waitOn(ctx, sigs)
}

func (c *Coordinator) waitOn(ctx context.Context, sigs <-chan os.Signal) error {
	select {
	case sig := <-sigs:
		c.Log.Info().Stringer("signal", sig).Msg("Received termination signal, shutting down")
	case <-ctx.Done():
		c.Log.Info().Msg("Context ended, shutting down")
	}
	return c.Shutdown(context.Background())
}

// Shutdown announces the bot as offline if it is connected, stops the
// supervisor and runs the closers. The announcement never takes longer than
// GracePeriod.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if c.Supervisor.State() == StateOpen {
		c.announceOffline(ctx)
	}

	stopTimeout := c.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	var errs []error
	if err := c.Supervisor.Stop(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop supervisor: %w", err))
	}
	for _, closer := range c.Closers {
		if err := closer(stopCtx); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		c.Log.Error().Err(err).Msg("Shutdown finished with errors")
	} else {
		c.Log.Info().Msg("Shutdown complete")
	}
	return err
}

func (c *Coordinator) announceOffline(ctx context.Context) {
	grace := c.GracePeriod
	if grace <= 0 {
		grace = 2 * time.Second
	}
	graceCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.Supervisor.Announce(graceCtx, notify.StatusOffline)
	}()
	select {
	case err := <-done:
		if err != nil {
			c.Log.Warn().Err(err).Msg("Failed to send offline notification")
		} else {
			c.Log.Debug().Msg("Sent offline notification")
		}
	case <-graceCtx.Done():
		c.Log.Warn().Dur("grace_period", grace).Msg("Offline notification did not finish in time")
	}
}
