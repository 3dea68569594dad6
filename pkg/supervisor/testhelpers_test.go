// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"context"
	"io/fs"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/devbot/pkg/supervisor/notify"
	"github.com/aiku/devbot/pkg/supervisor/sessionstore"
)

// fakeConn is a Conn driven by the test. The test goroutine plays the role
// of the connection's read loop when it calls fireClose, emit or
// updateCredentials.
type fakeConn struct {
	version string

	mu         sync.Mutex
	nextID     int
	closeFns   map[int]func(error)
	credsFns   map[int]func([]byte)
	signalFns  map[int]func(Signal)
	closed     bool
	terminated bool
	hangClose  bool
	presence   []bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		version:   "2.3000.1",
		closeFns:  make(map[int]func(error)),
		credsFns:  make(map[int]func([]byte)),
		signalFns: make(map[int]func(Signal)),
	}
}

func (c *fakeConn) Version() string { return c.version }

func (c *fakeConn) OnClose(fn func(error)) Unsubscribe {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.closeFns[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.closeFns, id)
	}
}

func (c *fakeConn) OnCredentialsUpdate(fn func([]byte)) Unsubscribe {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.credsFns[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.credsFns, id)
	}
}

func (c *fakeConn) OnSignal(fn func(Signal)) Unsubscribe {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.signalFns[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.signalFns, id)
	}
}

func (c *fakeConn) SendPresence(_ context.Context, available bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presence = append(c.presence, available)
	return nil
}

func (c *fakeConn) Close(ctx context.Context) error {
	c.mu.Lock()
	hang := c.hangClose
	c.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminated = true
}

func (c *fakeConn) fireClose(err error) {
	c.mu.Lock()
	fns := make([]func(error), 0, len(c.closeFns))
	for _, fn := range c.closeFns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (c *fakeConn) emit(sig Signal) {
	c.mu.Lock()
	fns := make([]func(Signal), 0, len(c.signalFns))
	for _, fn := range c.signalFns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(sig)
	}
}

func (c *fakeConn) updateCredentials(creds []byte) {
	c.mu.Lock()
	fns := make([]func([]byte), 0, len(c.credsFns))
	for _, fn := range c.credsFns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(creds)
	}
}

func (c *fakeConn) subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.closeFns) + len(c.credsFns) + len(c.signalFns)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) isTerminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// fakeDialer hands out queued results, then successful fakeConns.
type fakeDialer struct {
	mu      sync.Mutex
	errs    []error
	dials   []AuthState
	conns   []*fakeConn
	block   bool
	onDial  func(auth AuthState)
	started chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, auth AuthState) (Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, auth)
	var err error
	if len(d.errs) > 0 {
		err = d.errs[0]
		d.errs = d.errs[1:]
	}
	block, onDial, started := d.block, d.onDial, d.started
	d.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if onDial != nil {
		onDial(auth)
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	conn := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) failNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, errs...)
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// fakeBackend is an in-memory session artifact namespace. Every purge lists
// the namespace exactly once, so lists counts purges.
type fakeBackend struct {
	mu    sync.Mutex
	files map[string][]byte
	lists int
}

var seedArtifacts = []string{
	"creds.json",
	"session-123.0.json",
	"sender-key-group--123--0.json",
	"sender-key-memory-group.json",
	"app-state-sync-key-a.json",
	"pre-key-1.json",
}

func newFakeBackend() *fakeBackend {
	b := &fakeBackend{files: make(map[string][]byte)}
	b.seed()
	return b
}

func (b *fakeBackend) seed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range seedArtifacts {
		b.files[name] = []byte(name)
	}
}

func (b *fakeBackend) List(context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists++
	names := make([]string, 0, len(b.files))
	for name := range b.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (b *fakeBackend) Read(_ context.Context, name string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.files[name]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return data, nil
}

func (b *fakeBackend) Write(_ context.Context, name string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[name] = data
	return nil
}

func (b *fakeBackend) Delete(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.files, name)
	return nil
}

func (b *fakeBackend) has(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.files[name]
	return ok
}

func (b *fakeBackend) get(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.files[name])
}

func (b *fakeBackend) purges() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lists
}

type scheduledCall struct {
	delay    time.Duration
	fn       func()
	canceled bool
}

// fakeScheduler records scheduled retries instead of starting timers.
type fakeScheduler struct {
	mu    sync.Mutex
	calls []*scheduledCall
}

func (f *fakeScheduler) schedule(d time.Duration, fn func()) func() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := &scheduledCall{delay: d, fn: fn}
	f.calls = append(f.calls, call)
	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		pending := !call.canceled
		call.canceled = true
		return pending
	}
}

func (f *fakeScheduler) delays() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.delay
	}
	return out
}

func (f *fakeScheduler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeScheduler) last() *scheduledCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

// fire runs the most recent scheduled call the way its timer would.
func (f *fakeScheduler) fire(t *testing.T) {
	t.Helper()
	call := f.last()
	if call == nil {
		t.Fatal("no retry was scheduled")
	}
	call.fn()
}

type notification struct {
	status notify.Status
	handle notify.PresenceSender
}

type fakeNotifier struct {
	mu            sync.Mutex
	notifications []notification
	alerts        []string
	delay         time.Duration
}

func (n *fakeNotifier) Notify(ctx context.Context, status notify.Status, handle notify.PresenceSender) error {
	if n.delay > 0 {
		select {
		case <-time.After(n.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification{status: status, handle: handle})
	return nil
}

func (n *fakeNotifier) Alert(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, text)
	return nil
}

func (n *fakeNotifier) statuses() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := make([]notification, len(n.notifications))
	copy(cp, n.notifications)
	return cp
}

func (n *fakeNotifier) alertCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	sup      *Supervisor
	dialer   *fakeDialer
	backend  *fakeBackend
	sched    *fakeScheduler
	notifier *fakeNotifier
	clock    *fakeClock
}

func newTestEnv(t *testing.T, cfg SupervisorConfig) *testEnv {
	t.Helper()
	env := &testEnv{
		dialer:   &fakeDialer{},
		backend:  newFakeBackend(),
		sched:    &fakeScheduler{},
		notifier: &fakeNotifier{},
		clock:    &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
	}
	env.sup = New(Params{
		Config:   cfg,
		Dialer:   env.dialer,
		Store:    sessionstore.New(env.backend, zerolog.Nop()),
		Notifier: env.notifier,
		Alerter:  env.notifier,
		Log:      zerolog.Nop(),
	})
	env.sup.now = env.clock.Now
	env.sup.schedule = env.sched.schedule
	t.Cleanup(func() {
		_ = env.sup.Stop(context.Background())
	})
	return env
}

// settle waits for recovery and notification goroutines started so far.
func (env *testEnv) settle() {
	env.sup.wg.Wait()
}

func (env *testEnv) start(t *testing.T) *fakeConn {
	t.Helper()
	if err := env.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	env.settle()
	conn := env.dialer.lastConn()
	if conn == nil {
		t.Fatal("no connection was dialed")
	}
	return conn
}

func assertState(t *testing.T, sup *Supervisor, want State) {
	t.Helper()
	if got := sup.State(); got != want {
		t.Fatalf("state: got %s, want %s", got, want)
	}
}
