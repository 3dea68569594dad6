// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/devbot/pkg/supervisor/notify"
)

func TestShutdownAnnouncesOffline(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, SupervisorConfig{})
	conn := env.start(t)

	closed := false
	coord := &Coordinator{
		Supervisor:  env.sup,
		GracePeriod: time.Second,
		Closers: []func(ctx context.Context) error{
			func(context.Context) error {
				closed = true
				return nil
			},
		},
		Log: zerolog.Nop(),
	}
	if err := coord.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	statuses := env.notifier.statuses()
	if len(statuses) != 2 {
		t.Fatalf("notifications: got %d, want online and offline", len(statuses))
	}
	last := statuses[1]
	if last.status != notify.StatusOffline {
		t.Errorf("last notification: got %s, want offline", last.status)
	}
	if last.handle == nil {
		t.Error("offline notification should get the live connection")
	}
	if !conn.isClosed() {
		t.Error("connection should be closed after shutdown")
	}
	if !closed {
		t.Error("closers should run")
	}
	assertState(t, env.sup, StateIdle)
	if !env.sup.Status().Stopped {
		t.Error("supervisor should be stopped")
	}
}

func TestShutdownSkipsOfflineWhenNotConnected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, SupervisorConfig{})
	coord := &Coordinator{Supervisor: env.sup, Log: zerolog.Nop()}
	if err := coord.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := len(env.notifier.statuses()); n != 0 {
		t.Errorf("notifications: got %d, want 0", n)
	}
}

func TestShutdownGracePeriodBoundsSlowNotifier(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, SupervisorConfig{})
	env.start(t)
	env.notifier.delay = time.Hour

	coord := &Coordinator{
		Supervisor:  env.sup,
		GracePeriod: 20 * time.Millisecond,
		Log:         zerolog.Nop(),
	}
	start := time.Now()
	if err := coord.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("shutdown took %s, grace period was not honored", elapsed)
	}
	assertState(t, env.sup, StateIdle)
}

func TestShutdownJoinsCloserErrors(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, SupervisorConfig{})
	errA := errors.New("closer a")
	errB := errors.New("closer b")
	coord := &Coordinator{
		Supervisor: env.sup,
		Closers: []func(ctx context.Context) error{
			func(context.Context) error { return errA },
			func(context.Context) error { return nil },
			func(context.Context) error { return errB },
		},
		Log: zerolog.Nop(),
	}
	err := coord.Shutdown(context.Background())
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("Shutdown: got %v, want both closer errors", err)
	}
}

func TestWaitOnSignal(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, SupervisorConfig{})
	env.start(t)
	coord := &Coordinator{Supervisor: env.sup, Log: zerolog.Nop()}

	sigs := make(chan os.Signal, 1)
	sigs <- syscall.SIGTERM
	if err := coord.waitOn(context.Background(), sigs); err != nil {
		t.Fatalf("waitOn: %v", err)
	}
	if !env.sup.Status().Stopped {
		t.Error("supervisor should be stopped after SIGTERM")
	}
	if err := env.sup.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after shutdown: got %v, want ErrStopped", err)
	}
}

func TestWaitOnContext(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, SupervisorConfig{})
	coord := &Coordinator{Supervisor: env.sup, Log: zerolog.Nop()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := coord.waitOn(ctx, make(chan os.Signal)); err != nil {
		t.Fatalf("waitOn: %v", err)
	}
	if !env.sup.Status().Stopped {
		t.Error("supervisor should be stopped after the context ends")
	}
}
