// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Channel errors.
var (
	// ErrNotConnected is returned by Send when the socket is down.
	// The channel never queues: callers regenerate state after the
	// next successful Connect instead of replaying stale frames.
	ErrNotConnected = errors.New("signaling: not connected")

	// ErrNoToken is returned by Connect when no auth token is
	// available. Dialing without one is a guaranteed rejection.
	ErrNoToken = errors.New("signaling: no auth token")

	// ErrAlreadyConnected is returned by Connect while a connection
	// is live. The coordinator owns exactly one logical connection.
	ErrAlreadyConnected = errors.New("signaling: already connected")
)

// CloseClass buckets every possible close cause into the three
// categories the coordinator distinguishes.
type CloseClass int

const (
	// CloseNormal is a deliberate shutdown (codes 1000, 1001).
	// No reconnect.
	CloseNormal CloseClass = iota

	// CloseRejected is an auth or access denial (code 1008 and the
	// 4001–4003 application range). Fatal; reconnecting with the
	// same credentials cannot succeed.
	CloseRejected

	// CloseAbnormal is everything else: network faults, server
	// crashes, missing close frames. Triggers reconnection.
	CloseAbnormal
)

func (c CloseClass) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseRejected:
		return "rejected"
	default:
		return "abnormal"
	}
}

// ClassifyClose maps a read-loop error to its CloseClass.
func ClassifyClose(err error) CloseClass {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		// No close frame at all: the transport died underneath us.
		return CloseAbnormal
	}
	switch closeErr.Code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway:
		return CloseNormal
	case websocket.ClosePolicyViolation, 4001, 4002, 4003:
		return CloseRejected
	default:
		return CloseAbnormal
	}
}

// Channel maintains the single signaling connection for one voice
// coordinator. It decodes inbound frames on one read loop and fans
// them out to subscribers; malformed frames are logged and dropped.
//
// Channel is safe for concurrent use. Handler callbacks run on the
// read-loop goroutine, so handlers must not block on Channel methods
// other than Send.
type Channel struct {
	dialer  Dialer
	baseURL string
	logger  *slog.Logger

	mu          sync.Mutex
	conn        Conn
	nextID      int
	messageSubs map[int]func(Message)
	closeSubs   map[int]func(CloseClass)
	errorSubs   map[int]func(error)
}

// NewChannel creates a channel that dials endpoints under baseURL
// (e.g. "wss://chat.example.net/api/v1"). No connection is opened
// until Connect.
func NewChannel(dialer Dialer, baseURL string, logger *slog.Logger) *Channel {
	return &Channel{
		dialer:      dialer,
		baseURL:     strings.TrimRight(baseURL, "/"),
		logger:      logger,
		messageSubs: make(map[int]func(Message)),
		closeSubs:   make(map[int]func(CloseClass)),
		errorSubs:   make(map[int]func(error)),
	}
}

// Connect opens the signaling socket for channelID, authenticated by
// token. On success the read loop starts and subscribers begin
// receiving messages.
func (c *Channel) Connect(ctx context.Context, channelID, token string) error {
	if token == "" {
		return ErrNoToken
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	endpoint := fmt.Sprintf("%s/voice/%s?token=%s", c.baseURL, channelID, url.QueryEscape(token))
	conn, err := c.dialer.Dial(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("connecting voice channel %s: %w", channelID, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		// Lost a connect race. Keep the first connection.
		c.mu.Unlock()
		conn.Close()
		return ErrAlreadyConnected
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("signaling connected", "channel", channelID)
	go c.readLoop(conn)
	return nil
}

// Connected reports whether the socket is currently up.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes one message to the socket, fire-and-forget. Fails with
// ErrNotConnected when the socket is down.
func (c *Channel) Send(m Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	data, err := m.Encode()
	if err != nil {
		return err
	}
	if err := conn.Write(data); err != nil {
		return fmt.Errorf("sending %s: %w", m.Type, err)
	}
	return nil
}

// OnMessage registers a handler for decoded inbound messages and
// returns its unsubscribe func.
func (c *Channel) OnMessage(handler func(Message)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.messageSubs[id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.messageSubs, id)
	}
}

// OnClose registers a handler invoked once per connection death with
// the classified cause. Locally initiated Close does not notify.
func (c *Channel) OnClose(handler func(CloseClass)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.closeSubs[id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.closeSubs, id)
	}
}

// OnError registers a handler for non-fatal channel errors.
func (c *Channel) OnError(handler func(error)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.errorSubs[id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.errorSubs, id)
	}
}

// Close shuts the socket down deliberately. Idempotent; close
// subscribers are not notified for a local close.
func (c *Channel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// readLoop decodes frames until the connection dies, then classifies
// the cause and notifies close subscribers, unless the connection
// was already detached by a local Close.
func (c *Channel) readLoop(conn Conn) {
	for {
		data, err := conn.Read()
		if err != nil {
			c.mu.Lock()
			wasCurrent := c.conn == conn
			if wasCurrent {
				c.conn = nil
			}
			c.mu.Unlock()

			if !wasCurrent {
				return
			}
			class := ClassifyClose(err)
			c.logger.Info("signaling connection closed",
				"class", class.String(),
				"error", err,
			)
			for _, handler := range c.snapshotCloseSubs() {
				handler(class)
			}
			return
		}

		msg, err := ParseMessage(data)
		if err != nil {
			// Protocol errors never propagate; a malformed frame
			// from one participant must not take the channel down.
			c.logger.Warn("dropping malformed signaling frame", "error", err)
			for _, handler := range c.snapshotErrorSubs() {
				handler(err)
			}
			continue
		}

		for _, handler := range c.snapshotMessageSubs() {
			handler(msg)
		}
	}
}

// Subscriber snapshots are taken under the lock and invoked outside
// it so a handler can subscribe or unsubscribe without deadlocking.

func (c *Channel) snapshotMessageSubs() []func(Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	handlers := make([]func(Message), 0, len(c.messageSubs))
	for _, h := range c.messageSubs {
		handlers = append(handlers, h)
	}
	return handlers
}

func (c *Channel) snapshotCloseSubs() []func(CloseClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	handlers := make([]func(CloseClass), 0, len(c.closeSubs))
	for _, h := range c.closeSubs {
		handlers = append(handlers, h)
	}
	return handlers
}

func (c *Channel) snapshotErrorSubs() []func(error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	handlers := make([]func(error), 0, len(c.errorSubs))
	for _, h := range c.errorSubs {
		handlers = append(handlers, h)
	}
	return handlers
}
