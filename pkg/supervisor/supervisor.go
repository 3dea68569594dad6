// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"

	"github.com/aiku/devbot/pkg/supervisor/notify"
	"github.com/aiku/devbot/pkg/supervisor/sessionstore"
)

// Params are the dependencies of a Supervisor. Notifier, Alerter and
// Registerer are optional.
type Params struct {
	Config        SupervisorConfig
	Dialer        Dialer
	Store         *sessionstore.Store
	Notifier      notify.Notifier
	Alerter       notify.Alerter
	NotifyTimeout time.Duration
	Registerer    prometheus.Registerer
	Log           zerolog.Logger
}

// scheduleFunc runs fn once after d. The returned function cancels it and
// reports whether it was still pending.
type scheduleFunc func(d time.Duration, fn func()) (cancel func() bool)

func afterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

// recoveryPlan is what happens between losing a connection and the next
// attempt.
type recoveryPlan struct {
	category Category
	decision Decision
	purge    bool
	scope    sessionstore.Scope
}

// Supervisor keeps one protocol connection alive. It is the only writer of
// the connection state and the attempt counters; connection handlers and
// other producers reach it through its methods.
type Supervisor struct {
	cfg           SupervisorConfig
	backoff       Backoff
	dialer        Dialer
	store         *sessionstore.Store
	notifier      notify.Notifier
	alerter       notify.Alerter
	notifyTimeout time.Duration
	log           zerolog.Logger
	metrics       *metrics

	now      func() time.Time
	schedule scheduleFunc

	// ctx lives until Stop and bounds every dial and notification.
	ctx    context.Context
	cancel context.CancelFunc
	// wg tracks recovery and notification goroutines. Add is only called
	// with mu held and stopped unset.
	wg sync.WaitGroup

	mu    sync.Mutex
	state State
	conn  Conn
	// unsubs belong to conn.
	unsubs []Unsubscribe
	// gen identifies the current connection attempt. Handlers of older
	// connections compare against it and drop their events.
	gen uint64

	reconnectAttempts int
	sessionErrorCount int
	stubs             stubWindow

	openedAt     time.Time
	version      string
	lastCategory Category
	lastPurgeErr error
	loggedOut    bool
	stopped      bool

	retryToken  uint64
	cancelRetry func() bool
	nextRetry   time.Time
}

func New(p Params) *Supervisor {
	cfg := p.Config.withDefaults()
	notifyTimeout := p.NotifyTimeout
	if notifyTimeout <= 0 {
		notifyTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:           cfg,
		backoff:       cfg.Backoff(),
		dialer:        p.Dialer,
		store:         p.Store,
		notifier:      p.Notifier,
		alerter:       p.Alerter,
		notifyTimeout: notifyTimeout,
		log:           p.Log.With().Str("component", "supervisor").Logger(),
		metrics:       newMetrics(p.Registerer),
		now:           time.Now,
		schedule:      afterFunc,
		ctx:           ctx,
		cancel:        cancel,
		stubs:         stubWindow{window: cfg.StubWindow, threshold: cfg.StubThreshold},
	}
	s.metrics.setState(StateIdle)
	return s
}

// Start connects and blocks until the connection is open or the attempt has
// failed. A failed attempt still schedules a retry according to the backoff.
// Start is rejected unless the supervisor is idle.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if err := s.checkStartableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cancelRetryLocked()
	gen := s.beginConnectLocked()
	s.mu.Unlock()
	return s.connect(ctx, gen)
}

func (s *Supervisor) checkStartableLocked() error {
	switch {
	case s.stopped:
		return ErrStopped
	case s.loggedOut:
		return ErrLoggedOut
	case s.state != StateIdle:
		return ErrAlreadyActive
	}
	return nil
}

func (s *Supervisor) beginConnectLocked() uint64 {
	s.gen++
	s.setStateLocked(StateConnecting)
	return s.gen
}

func (s *Supervisor) setStateLocked(state State) {
	if s.state != state {
		s.log.Debug().Stringer("from", s.state).Stringer("to", state).Msg("State changed")
	}
	s.state = state
	s.metrics.setState(state)
}

func (s *Supervisor) connect(ctx context.Context, gen uint64) (err error) {
	attemptID := uuid.NewString()
	log := s.log.With().Str("attempt_id", attemptID).Uint64("generation", gen).Logger()
	defer func() {
		if p := recover(); p != nil {
			log.Error().Any("panic", p).Bytes("stack", debug.Stack()).Msg("Recovered from panic while connecting")
			err = fmt.Errorf("panic while connecting: %v", p)
			s.connectFailed(gen, err, log)
		}
	}()

	creds, err := s.store.LoadCredentials(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load credentials, connecting without them")
		creds = nil
	}

	dialCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	defer cancel()
	stopAfter := context.AfterFunc(ctx, cancel)
	defer stopAfter()

	log.Info().Bool("has_credentials", creds != nil).Msg("Connecting")
	conn, err := s.dialer.Dial(dialCtx, AuthState{
		Credentials: creds,
		AttemptID:   attemptID,
		SaveCredentials: func(creds []byte) error {
			return s.savePairingCredentials(gen, creds)
		},
	})
	if err != nil {
		s.metrics.dials.WithLabelValues("error").Inc()
		s.connectFailed(gen, err, log)
		return fmt.Errorf("failed to connect: %w", err)
	}
	s.metrics.dials.WithLabelValues("success").Inc()
	return s.opened(gen, conn, log)
}

func (s *Supervisor) opened(gen uint64, conn Conn, log zerolog.Logger) error {
	s.mu.Lock()
	if s.stopped || gen != s.gen || s.state != StateConnecting {
		stopped := s.stopped
		if stopped && gen == s.gen && s.state == StateConnecting {
			s.setStateLocked(StateIdle)
		}
		s.mu.Unlock()
		log.Warn().Msg("Connection opened after its attempt was abandoned, closing it")
		s.teardown(conn, nil)
		if stopped {
			return ErrStopped
		}
		return ErrAlreadyActive
	}
	defer s.mu.Unlock()

	s.conn = conn
	s.unsubs = []Unsubscribe{
		conn.OnClose(func(err error) { s.handleClose(gen, err) }),
		conn.OnCredentialsUpdate(func(creds []byte) { s.saveCredentials(gen, creds) }),
		conn.OnSignal(func(sig Signal) { s.handleSignal(gen, sig, false) }),
	}
	s.reconnectAttempts = 0
	s.sessionErrorCount = 0
	s.stubs.reset()
	s.openedAt = s.now()
	s.version = conn.Version()
	s.setStateLocked(StateOpen)
	s.metrics.setCounters(0, 0)

	log.Info().Str("version", s.version).Msg("Connection open")
	s.goLocked(func() { s.announce(notify.StatusOnline, conn) })
	return nil
}

func (s *Supervisor) connectFailed(gen uint64, err error, log zerolog.Logger) {
	sig := Signal{Source: SourceConnect, Err: err}
	cat := Classify(sig)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		if gen == s.gen && s.state == StateConnecting {
			s.setStateLocked(StateIdle)
		}
		return
	}
	if gen != s.gen || s.state != StateConnecting {
		return
	}
	s.observeLocked(sig, cat)
	escalate := s.countLocked(cat)
	plan := s.planLocked(cat, escalate)
	log.Warn().Err(err).
		Stringer("category", cat).
		Int("reconnect_attempts", s.reconnectAttempts).
		Msg("Connection attempt failed")

	if !plan.purge {
		s.finishRecoveryLocked(plan, nil)
		return
	}
	s.setStateLocked(StateClosing)
	s.goLocked(func() { s.runRecovery(nil, nil, plan) })
}

func (s *Supervisor) handleClose(gen uint64, closeErr error) {
	defer s.recoverPanic("close handler")
	sig := Signal{Source: SourceClose, Err: closeErr}
	cat := Classify(sig)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != StateOpen {
		return
	}
	s.observeLocked(sig, cat)
	s.log.Warn().Err(closeErr).Stringer("category", cat).Msg("Connection closed")
	escalate := s.countLocked(cat)
	s.beginRecoveryLocked(cat, escalate)
}

// Report hands a runtime signal observed outside the connection, such as a
// decrypt error raised by a message handler, to the supervisor. Signals that
// arrive while no connection is open are dropped.
func (s *Supervisor) Report(sig Signal) {
	s.handleSignal(0, sig, true)
}

func (s *Supervisor) handleSignal(gen uint64, sig Signal, anyGen bool) {
	defer s.recoverPanic("signal handler")
	cat := Classify(sig)

	s.mu.Lock()
	defer s.mu.Unlock()
	if (!anyGen && gen != s.gen) || s.state != StateOpen {
		return
	}
	s.observeLocked(sig, cat)
	log := s.log.With().Stringer("source", sig.Source).Stringer("category", cat).Logger()

	switch {
	case cat == CategoryProtocolStub:
		if !s.stubs.add(s.now()) {
			return
		}
		log.Warn().
			Int("threshold", s.cfg.StubThreshold).
			Dur("window", s.cfg.StubWindow).
			Msg("Too many protocol stubs, treating session as stale")
		s.lastCategory = CategoryStaleSession
		s.beginRecoveryLocked(CategoryStaleSession, true)
	case cat == CategoryConflict || cat == CategoryLoggedOut:
		log.Warn().Err(sig.Err).Str("text", sig.Text).Msg("Connection lost at runtime")
		escalate := s.countLocked(cat)
		s.beginRecoveryLocked(cat, escalate)
	case cat.IsSessionError():
		if s.countLocked(cat) {
			log.Warn().Err(sig.Err).
				Int("session_errors", s.sessionErrorCount).
				Msg("Session error threshold reached, resetting session")
			s.beginRecoveryLocked(cat, true)
			return
		}
		log.Info().Err(sig.Err).
			Int("session_errors", s.sessionErrorCount).
			Int("threshold", s.cfg.SessionErrorThreshold).
			Msg("Session error recorded")
	default:
		log.Debug().Err(sig.Err).Str("text", sig.Text).Msg("Ignoring unclassified signal")
	}
}

func (s *Supervisor) observeLocked(sig Signal, cat Category) {
	s.metrics.signals.WithLabelValues(sig.Source.String(), cat.String()).Inc()
	if cat != CategoryProtocolStub {
		s.lastCategory = cat
	}
}

// countLocked applies the category to the counters and reports whether the
// session error policy asks for a purge.
func (s *Supervisor) countLocked(cat Category) bool {
	defer func() { s.metrics.setCounters(s.reconnectAttempts, s.sessionErrorCount) }()
	rule := ruleFor(cat)
	switch rule.counter {
	case counterReconnect:
		s.reconnectAttempts++
		if s.reconnectAttempts == s.cfg.ConflictHintAfter {
			s.logConflictHints()
		}
		return false
	case counterSession:
		s.reconnectAttempts = 0
		s.sessionErrorCount++
		return rule.alwaysEscalate || s.sessionErrorCount >= s.cfg.SessionErrorThreshold
	default:
		if cat != CategoryLoggedOut {
			s.reconnectAttempts = 0
		}
		return false
	}
}

func (s *Supervisor) logConflictHints() {
	s.log.Warn().
		Int("reconnect_attempts", s.reconnectAttempts).
		Strs("hints", []string{
			"close WhatsApp Web in any open browser tab",
			"make sure no other bot instance is running",
			"check that the number is not linked elsewhere",
		}).
		Msg("Repeated session conflicts, another client is probably using this account")
}

func (s *Supervisor) planLocked(cat Category, escalate bool) recoveryPlan {
	plan := recoveryPlan{
		category: cat,
		decision: s.backoff.Delay(cat, s.reconnectAttempts),
	}
	switch {
	case plan.decision.Action == ActionFullReset:
		plan.purge = true
		plan.scope = sessionstore.ScopeFull
	case escalate:
		plan.purge = true
		plan.scope = ruleFor(cat).purgeScope
	}
	return plan
}

// beginRecoveryLocked moves an open connection to Closing and hands it to a
// recovery goroutine. The close handler runs on the connection's goroutine,
// which Close waits for, so teardown can't happen inline.
func (s *Supervisor) beginRecoveryLocked(cat Category, escalate bool) {
	plan := s.planLocked(cat, escalate)
	conn, unsubs := s.detachLocked()
	s.goLocked(func() { s.runRecovery(conn, unsubs, plan) })
}

func (s *Supervisor) detachLocked() (Conn, []Unsubscribe) {
	unsubs := s.unsubs
	s.unsubs = nil
	s.setStateLocked(StateClosing)
	return s.conn, unsubs
}

func (s *Supervisor) runRecovery(conn Conn, unsubs []Unsubscribe, plan recoveryPlan) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error().Any("panic", p).Bytes("stack", debug.Stack()).Msg("Recovered from panic during recovery")
			s.mu.Lock()
			s.finishRecoveryLocked(recoveryPlan{
				category: CategoryUnknown,
				decision: s.backoff.Delay(CategoryUnknown, 0),
			}, nil)
			s.mu.Unlock()
		}
	}()
	s.teardown(conn, unsubs)
	purgeErr := s.purge(s.ctx, plan)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishRecoveryLocked(plan, purgeErr)
}

// teardown unsubscribes all handlers, closes the connection gracefully and
// drops the transport if that doesn't finish within the close timeout.
func (s *Supervisor) teardown(conn Conn, unsubs []Unsubscribe) {
	for _, unsub := range unsubs {
		unsub()
	}
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CloseTimeout)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		s.log.Debug().Err(err).Msg("Graceful close failed, terminating connection")
		conn.Terminate()
	}
}

func (s *Supervisor) purge(ctx context.Context, plan recoveryPlan) error {
	if !plan.purge {
		return nil
	}
	removed, err := s.store.Purge(ctx, plan.scope)
	s.metrics.purges.WithLabelValues(plan.scope.String()).Inc()
	s.metrics.purgedArtifacts.Add(float64(removed))
	if err != nil {
		s.log.Error().Err(err).
			Stringer("scope", plan.scope).
			Int("removed", removed).
			Msg("Session purge did not complete")
	}
	return err
}

func (s *Supervisor) finishRecoveryLocked(plan recoveryPlan, purgeErr error) {
	s.conn = nil
	s.unsubs = nil
	if plan.purge {
		s.sessionErrorCount = 0
		s.stubs.reset()
		s.lastPurgeErr = purgeErr
		if plan.scope == sessionstore.ScopeFull {
			s.reconnectAttempts = 0
			s.metrics.fullResets.Inc()
			s.log.Warn().Msg("Wiped the whole session, the account has to be paired again")
		}
	}
	s.metrics.setCounters(s.reconnectAttempts, s.sessionErrorCount)
	s.setStateLocked(StateIdle)

	if purgeErr != nil {
		s.alertLocked(fmt.Sprintf("Failed to purge `%s` session artifacts: %v", plan.scope, purgeErr))
	}
	if plan.decision.Action == ActionStop {
		s.loggedOut = true
		s.log.Error().Msg("Account was logged out, not reconnecting")
		s.alertLocked("**The WhatsApp account was logged out.** Pair it again and restart devbot.")
		return
	}
	if s.stopped {
		return
	}
	s.scheduleRetryLocked(plan.decision.Delay, plan.category)
}

func (s *Supervisor) scheduleRetryLocked(delay time.Duration, cat Category) {
	s.cancelRetryLocked()
	s.retryToken++
	token := s.retryToken
	s.nextRetry = s.now().Add(delay)
	s.cancelRetry = s.schedule(delay, func() { s.retry(token) })
	s.log.Info().
		Dur("delay", delay).
		Stringer("category", cat).
		Int("reconnect_attempts", s.reconnectAttempts).
		Msg("Scheduled reconnect")
}

func (s *Supervisor) cancelRetryLocked() {
	if s.cancelRetry != nil {
		s.cancelRetry()
		s.cancelRetry = nil
	}
	s.retryToken++
	s.nextRetry = time.Time{}
}

func (s *Supervisor) retry(token uint64) {
	defer s.recoverPanic("retry")
	s.mu.Lock()
	if token != s.retryToken || s.state != StateIdle || s.stopped || s.loggedOut {
		s.mu.Unlock()
		return
	}
	s.cancelRetry = nil
	s.nextRetry = time.Time{}
	gen := s.beginConnectLocked()
	s.mu.Unlock()
	_ = s.connect(s.ctx, gen)
}

func (s *Supervisor) savePairingCredentials(gen uint64, creds []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != StateConnecting {
		return ErrAlreadyActive
	}
	return s.store.SaveCredentials(s.ctx, creds)
}

// saveCredentials holds the lock while writing so that the state can't move
// to Closing, where purges happen, halfway through.
func (s *Supervisor) saveCredentials(gen uint64, creds []byte) {
	defer s.recoverPanic("credentials handler")
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != StateOpen {
		s.log.Debug().Msg("Dropping credentials update from an old connection")
		return
	}
	if err := s.store.SaveCredentials(s.ctx, creds); err != nil {
		s.log.Error().Err(err).Msg("Failed to save credentials")
	}
}

// RequestReset drops the current connection, purges sessions and sender key
// memory and reconnects shortly after. Credentials are kept.
func (s *Supervisor) RequestReset(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.stopped:
		s.mu.Unlock()
		return ErrStopped
	case s.loggedOut:
		s.mu.Unlock()
		return ErrLoggedOut
	case s.state == StateConnecting || s.state == StateClosing:
		s.mu.Unlock()
		return ErrBusy
	}
	s.cancelRetryLocked()
	plan := recoveryPlan{
		category: CategoryUnknown,
		decision: Decision{Action: ActionRetry, Delay: s.backoff.BadMACDelay},
		purge:    true,
		scope:    sessionstore.ScopeSessionAndSenderKeyMemory,
	}
	conn, unsubs := s.detachLocked()
	s.mu.Unlock()

	s.log.Info().Bool("connected", conn != nil).Msg("Manual session reset requested")
	s.teardown(conn, unsubs)
	purgeErr := s.purge(ctx, plan)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishRecoveryLocked(plan, purgeErr)
	return purgeErr
}

// Stop cancels any pending retry, closes the connection and waits for
// background recovery to finish or ctx to end. No further attempts are made
// afterwards.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.cancelRetryLocked()
	wasOpen := s.state == StateOpen
	var conn Conn
	var unsubs []Unsubscribe
	if wasOpen {
		conn, unsubs = s.detachLocked()
	}
	s.mu.Unlock()

	s.log.Info().Bool("was_open", wasOpen).Msg("Stopping supervisor")
	s.cancel()
	if wasOpen {
		s.teardown(conn, unsubs)
		s.mu.Lock()
		s.conn = nil
		s.setStateLocked(StateIdle)
		s.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for background work: %w", ctx.Err())
	}
}

// Announce sends status to the notifier, passing the live connection if
// there is one.
func (s *Supervisor) Announce(ctx context.Context, status notify.Status) error {
	if s.notifier == nil {
		return nil
	}
	var handle notify.PresenceSender
	s.mu.Lock()
	if s.state == StateOpen && s.conn != nil {
		handle = s.conn
	}
	s.mu.Unlock()
	return s.notifier.Notify(ctx, status, handle)
}

func (s *Supervisor) announce(status notify.Status, handle notify.PresenceSender) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.notifyTimeout)
	defer cancel()
	if err := s.notifier.Notify(ctx, status, handle); err != nil {
		s.log.Warn().Err(err).Str("status", string(status)).Msg("Failed to send status notification")
	}
}

func (s *Supervisor) alertLocked(text string) {
	if s.alerter == nil {
		return
	}
	s.goLocked(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
		defer cancel()
		if err := s.alerter.Alert(ctx, text); err != nil {
			s.log.Warn().Err(err).Msg("Failed to send operator alert")
		}
	})
}

// goLocked runs fn in a tracked goroutine unless the supervisor is stopped.
func (s *Supervisor) goLocked(fn func()) {
	if s.stopped {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.recoverPanic("background task")
		fn()
	}()
}

func (s *Supervisor) recoverPanic(where string) {
	if p := recover(); p != nil {
		s.log.Error().
			Str("where", where).
			Any("panic", p).
			Bytes("stack", debug.Stack()).
			Msg("Recovered from panic")
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot for operators.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:             s.state,
		ReconnectAttempts: s.reconnectAttempts,
		SessionErrorCount: s.sessionErrorCount,
		LastCategory:      s.lastCategory,
		LoggedOut:         s.loggedOut,
		Stopped:           s.stopped,
		Version:           s.version,
		NextRetry:         s.nextRetry,
	}
	if !s.openedAt.IsZero() {
		st.SinceOpen = jsontime.S(s.now().Sub(s.openedAt))
	}
	if s.lastPurgeErr != nil {
		st.LastPurgeError = s.lastPurgeErr.Error()
	}
	return st
}
