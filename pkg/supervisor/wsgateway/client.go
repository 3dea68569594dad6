// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package wsgateway connects the supervisor to a protocol gateway that hosts
// the WhatsApp Web session and speaks JSON frames over a WebSocket.
package wsgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/aiku/devbot/pkg/supervisor"
)

const writeTimeout = 10 * time.Second

// Options configure a Dialer.
type Options struct {
	URL        string
	ClientName string
	// OnQR is called with every pairing code the gateway sends before the
	// connection is ready.
	OnQR func(code string)
	Log  zerolog.Logger
}

// Dialer opens gateway connections. It implements supervisor.Dialer.
type Dialer struct {
	opts   Options
	dialer *websocket.Dialer
	log    zerolog.Logger
}

func NewDialer(opts Options) *Dialer {
	return &Dialer{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout,
		},
		log: opts.Log.With().Str("component", "ws_gateway").Logger(),
	}
}

// Dial connects, sends the hello frame and waits for the gateway to report
// the session as ready. Pairing codes and credentials issued before that are
// passed to OnQR and auth.SaveCredentials.
func (d *Dialer) Dial(ctx context.Context, auth supervisor.AuthState) (supervisor.Conn, error) {
	if auth.Credentials != nil && !json.Valid(auth.Credentials) {
		return nil, errors.New("stored credentials are not valid JSON")
	}
	log := d.log.With().Str("attempt_id", auth.AttemptID).Logger()

	ws, _, err := d.dialer.DialContext(ctx, d.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway: %w", err)
	}
	// Reads don't take a context, so closing the socket is what unblocks the
	// handshake when ctx ends.
	stopWatch := context.AfterFunc(ctx, func() { _ = ws.Close() })

	version, err := d.handshake(ws, auth, log)
	if !stopWatch() {
		_ = ws.Close()
		return nil, fmt.Errorf("gateway handshake interrupted: %w", ctx.Err())
	}
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	conn := newConn(ws, version, log)
	go conn.readLoop()
	log.Debug().Str("version", version).Msg("Gateway connection ready")
	return conn, nil
}

func (d *Dialer) handshake(ws *websocket.Conn, auth supervisor.AuthState, log zerolog.Logger) (string, error) {
	hello := Frame{
		Type:        FrameHello,
		Client:      d.opts.ClientName,
		AttemptID:   auth.AttemptID,
		Credentials: auth.Credentials,
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteJSON(hello); err != nil {
		return "", fmt.Errorf("failed to send hello: %w", err)
	}
	_ = ws.SetWriteDeadline(time.Time{})

	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				log.Warn().Err(err).Msg("Ignoring malformed frame during handshake")
				continue
			}
			return "", fmt.Errorf("failed to read handshake frame: %w", closeErrorFrom(err))
		}
		switch f.Type {
		case FrameReady:
			return f.Version, nil
		case FrameQR:
			log.Info().Msg("Received pairing code")
			if d.opts.OnQR != nil {
				d.opts.OnQR(f.Code)
			}
		case FrameCreds:
			if auth.SaveCredentials == nil {
				continue
			}
			if err := auth.SaveCredentials(f.Credentials); err != nil {
				log.Error().Err(err).Msg("Failed to save credentials during pairing")
			}
		case FrameClose:
			return "", &supervisor.CloseError{StatusCode: f.Status, Reason: f.Reason}
		case FrameError:
			return "", fmt.Errorf("gateway rejected connection: %w", errorFromFrame(f))
		case FrameLog:
			log.Debug().Str("message", f.Message).Msg("Gateway log during handshake")
		default:
			log.Debug().Str("frame_type", f.Type).Msg("Ignoring frame during handshake")
		}
	}
}

// Conn is an established gateway connection. It implements supervisor.Conn.
type Conn struct {
	ws      *websocket.Conn
	version string
	log     zerolog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	nextID    int
	closeFns  map[int]func(error)
	credsFns  map[int]func([]byte)
	signalFns map[int]func(supervisor.Signal)
	closed    bool
	closeErr  error

	// done is set once the read loop has exited and close handlers have run.
	done *exsync.Event
}

var _ supervisor.Conn = (*Conn)(nil)

func newConn(ws *websocket.Conn, version string, log zerolog.Logger) *Conn {
	return &Conn{
		ws:        ws,
		version:   version,
		log:       log,
		closeFns:  make(map[int]func(error)),
		credsFns:  make(map[int]func([]byte)),
		signalFns: make(map[int]func(supervisor.Signal)),
		done:      exsync.NewEvent(),
	}
}

func (c *Conn) Version() string {
	return c.version
}

// OnClose registers fn for the end of the connection. If the connection has
// already closed, fn is called from a new goroutine.
func (c *Conn) OnClose(fn func(error)) supervisor.Unsubscribe {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		go fn(c.closeErr)
		return func() {}
	}
	id := c.addLocked()
	c.closeFns[id] = fn
	return c.unsubscribe(func() { delete(c.closeFns, id) })
}

func (c *Conn) OnCredentialsUpdate(fn func([]byte)) supervisor.Unsubscribe {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.addLocked()
	c.credsFns[id] = fn
	return c.unsubscribe(func() { delete(c.credsFns, id) })
}

func (c *Conn) OnSignal(fn func(supervisor.Signal)) supervisor.Unsubscribe {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.addLocked()
	c.signalFns[id] = fn
	return c.unsubscribe(func() { delete(c.signalFns, id) })
}

func (c *Conn) addLocked() int {
	c.nextID++
	return c.nextID
}

func (c *Conn) unsubscribe(remove func()) supervisor.Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			remove()
		})
	}
}

// SendPresence publishes the bot's availability through the gateway.
func (c *Conn) SendPresence(ctx context.Context, available bool) error {
	if c.done.IsSet() {
		return errors.New("connection is closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(Frame{Type: FramePresence, Available: &available}); err != nil {
		return fmt.Errorf("failed to send presence: %w", err)
	}
	return nil
}

// Close sends a close frame and waits for the gateway to close its side.
func (c *Conn) Close(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !c.done.IsSet() {
		return fmt.Errorf("failed to send close frame: %w", err)
	}
	if err := c.done.Wait(ctx); err != nil {
		return fmt.Errorf("failed to wait for gateway to close: %w", err)
	}
	return nil
}

// Terminate drops the socket without a close handshake.
func (c *Conn) Terminate() {
	_ = c.ws.Close()
}

func (c *Conn) readLoop() {
	defer c.done.Set()
	var closeErr error
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			closeErr = closeErrorFrom(err)
			break
		}
		var f Frame
		if err = json.Unmarshal(data, &f); err != nil {
			c.log.Warn().Err(err).Msg("Ignoring malformed gateway frame")
			continue
		}
		if f.Type == FrameClose {
			closeErr = &supervisor.CloseError{StatusCode: f.Status, Reason: f.Reason}
			break
		}
		c.dispatch(f)
	}
	_ = c.ws.Close()
	c.log.Debug().Err(closeErr).Msg("Gateway connection closed")

	c.mu.Lock()
	c.closed = true
	c.closeErr = closeErr
	fns := make([]func(error), 0, len(c.closeFns))
	for _, fn := range c.closeFns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(closeErr)
	}
}

func (c *Conn) dispatch(f Frame) {
	switch f.Type {
	case FrameCreds:
		c.mu.Lock()
		fns := make([]func([]byte), 0, len(c.credsFns))
		for _, fn := range c.credsFns {
			fns = append(fns, fn)
		}
		c.mu.Unlock()
		for _, fn := range fns {
			fn(f.Credentials)
		}
	case FrameError:
		c.emit(supervisor.Signal{Source: supervisor.SourceError, Err: errorFromFrame(f)})
	case FrameStub:
		c.emit(supervisor.Signal{Source: supervisor.SourceStub, Text: f.StubType})
	case FrameLog:
		c.emit(supervisor.Signal{Source: supervisor.SourceDiagnostic, Text: f.Message})
	default:
		c.log.Debug().Str("frame_type", f.Type).Msg("Ignoring unexpected gateway frame")
	}
}

func (c *Conn) emit(sig supervisor.Signal) {
	c.mu.Lock()
	fns := make([]func(supervisor.Signal), 0, len(c.signalFns))
	for _, fn := range c.signalFns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(sig)
	}
}
