// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrRejected is wrapped by Dial when the server refuses the
// handshake for auth or access reasons (HTTP 401/403). Callers treat
// it as fatal; retrying with the same token cannot succeed.
var ErrRejected = errors.New("signaling: connection rejected")

// Conn is the minimal duplex surface of a signaling socket. Read
// blocks until a frame arrives or the connection dies; on death it
// returns an error that ClassifyClose can categorize.
type Conn interface {
	Read() ([]byte, error)
	Write(data []byte) error
	Close() error
}

// Dialer opens signaling connections. The production implementation
// is WebsocketDialer; tests use MemoryServer dialers.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Compile-time interface check.
var _ Dialer = (*WebsocketDialer)(nil)

// defaultHandshakeTimeout bounds the WebSocket opening handshake.
const defaultHandshakeTimeout = 10 * time.Second

// WebsocketDialer dials signaling endpoints over WebSocket.
type WebsocketDialer struct {
	// HandshakeTimeout bounds the opening handshake. Zero means
	// the 10-second default.
	HandshakeTimeout time.Duration
}

// Dial opens a WebSocket connection to url. A 401 or 403 handshake
// response wraps ErrRejected; other failures are transport errors.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	conn, response, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if response != nil &&
			(response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("handshake returned %d: %w", response.StatusCode, ErrRejected)
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return &wsConn{conn: conn}, nil
}

// wsConn adapts a gorilla connection to Conn. gorilla allows at most
// one concurrent writer, so writes are serialized with a mutex.
type wsConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (c *wsConn) Read() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		// The voice protocol is text frames only; binary frames on
		// this socket belong to other multiplexed traffic and are
		// skipped.
		if messageType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	// Best effort: tell the server this is a deliberate shutdown so
	// it broadcasts a leave instead of waiting for a timeout.
	deadline := time.Now().Add(time.Second)
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.writeMu.Unlock()
	return c.conn.Close()
}
