// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	sendBuffSize = 64              // Buffer size of channel for sending frames to clients
	writeWait    = 5 * time.Second // Time allowed to write a frame to a client

	// maxCloseReasonBytes is what's left of a 125 byte control frame after the close code.
	maxCloseReasonBytes = 123
)

var (
	errClientStopped = errors.New("client stopped")
	errSendQueueFull = errors.New("send queue full")
)

// client adapts a websocket to the relay's outbound connection handle.
// Frames given to Send are written by a single goroutine, in order.
type client struct {
	conn          *websocket.Conn
	send          chan []byte
	done          chan struct{} // Closed when client is finished
	stopOnce      sync.Once
	stoppedReason string
	log           *logrus.Entry

	// timeout is how long the client may stay silent before it is dropped; 0 disables.
	timeout      time.Duration
	pingInterval time.Duration
}

func newClient(conn *websocket.Conn, srv *Server) *client {
	c := &client{
		conn:         conn,
		send:         make(chan []byte, sendBuffSize),
		done:         make(chan struct{}),
		pingInterval: srv.TimeBetweenPings,
		log: srv.Log.WithFields(logrus.Fields{
			"remote_addr": conn.RemoteAddr().String(),
		}),
	}
	if srv.TimeBetweenPings > 0 && srv.PingsUntilTimeout > 0 {
		c.timeout = srv.TimeBetweenPings * time.Duration(srv.PingsUntilTimeout)
	}
	return c
}

// Send queues a frame to be written to the client.
// It never blocks; if the client isn't keeping up, the frame is refused.
func (c *client) Send(frame []byte) error {
	select {
	case <-c.done:
		return errClientStopped
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errClientStopped
	default:
		return errSendQueueFull
	}
}

// Close sends a close frame with the given code and reason, then stops the client.
// The reason is cut down to fit in a control frame.
func (c *client) Close(code int, reason string) error {
	reason = closeReason(reason)
	err := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.stop(reason)
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	return errors.Wrap(err, "Close websocket")
}

// closeReason makes reason valid UTF-8 no longer than maxCloseReasonBytes.
func closeReason(reason string) string {
	reason = strings.ToValidUTF8(reason, string(utf8.RuneError))
	if len(reason) <= maxCloseReasonBytes {
		return reason
	}
	cut := maxCloseReasonBytes
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

// stop stops a client.
// Stop is idempotent; calling stop more than once will have no effect.
func (c *client) stop(reason string) {
	c.stopOnce.Do(func() {
		c.stoppedReason = reason
		close(c.done)
	})
}

// Stopped returns true if the client was stopped.
func (c *client) Stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// writePump writes queued frames and pings to the client until it is stopped.
func (c *client) writePump() {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("Error writing to client")
			c.stop("Send error")
		}
	}()

	var pingsCH <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		pingsCH = ticker.C
	}

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.WithField("error", err).Debug("Error writing to client")
				c.stop("Send error")
				return
			}

		case <-pingsCH:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.WithField("error", err).Debug("Error pinging client")
				c.stop("Ping error")
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump passes every frame the client sends to handle, until the client goes away.
func (c *client) readPump(handle func(frame []byte)) {
	c.extendDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})

	for !c.Stopped() {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.WithField("error", err).Debug("Unexpected close error")
			}
			c.stop("Client disconnected")
			return
		}
		c.extendDeadline()
		handle(frame)
	}
}

func (c *client) extendDeadline() {
	if c.timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
}

func (c *client) String() string {
	return fmt.Sprintf("Client(%s)", c.conn.RemoteAddr())
}
