// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package sigrelay

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// idAttemptsPerLength is how many colliding ids Register tolerates before widening the id.
const idAttemptsPerLength = 16

// ErrIDSpaceExhausted is returned by Register if no free id could be found at any length.
var ErrIDSpaceExhausted = errors.New("no free connection id")

// A Conn is the outbound half of a client's transport.
// The registry does not own it; the transport closes it when the client goes away.
type Conn interface {
	// Send queues a frame for delivery to the client.
	Send(frame []byte) error
	// Close closes the connection with a websocket close code and reason.
	Close(code int, reason string) error
}

// A Connection is a client admitted to the relay.
type Connection struct {
	ID             string    `json:"id"`
	Channel        string    `json:"channel"`
	ConnectedSince time.Time `json:"connected_since"`
	conn           Conn

	closedMTX sync.Mutex // Protects closed
	closed    bool
}

// Send sends a frame to this connection.
func (c *Connection) Send(frame []byte) error {
	return c.conn.Send(frame)
}

func (c *Connection) String() string {
	return "#" + c.ID
}

// markClosed moves the connection to the closed state.
// It returns false if the connection was already closed.
func (c *Connection) markClosed() bool {
	c.closedMTX.Lock()
	defer c.closedMTX.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

// Closed returns true once the connection has been disconnected.
func (c *Connection) Closed() bool {
	c.closedMTX.Lock()
	defer c.closedMTX.Unlock()
	return c.closed
}

// Registry holds the connections currently admitted to the relay, in the order they were admitted.
type Registry struct {
	log            *logrus.Logger
	ids            IDGenerator
	idLength       int
	lock           sync.RWMutex // Protects the entire registry
	conns          map[string]*Connection
	order          []*Connection
	createdTime    time.Time
	maxClients     int
	maxClientsTime time.Time
}

// NewRegistry makes an empty registry.
// Ids are idLength characters long, and widen only if they keep colliding.
func NewRegistry(log *logrus.Logger, ids IDGenerator, idLength int) *Registry {
	if ids == nil {
		ids = UUIDGenerator{}
	}
	if idLength < 1 {
		idLength = 1
	}
	if idLength > MaxIDLength {
		idLength = MaxIDLength
	}
	now := time.Now()
	return &Registry{
		log:            log,
		ids:            ids,
		idLength:       idLength,
		conns:          make(map[string]*Connection),
		createdTime:    now,
		maxClientsTime: now,
	}
}

// Register admits a connection on channel.
// Along with the new Connection, it returns the connections that were registered before it.
func (reg *Registry) Register(channel string, conn Conn) (*Connection, []*Connection, error) {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	id, err := reg.freeID()
	if err != nil {
		return nil, nil, err
	}

	peers := make([]*Connection, len(reg.order))
	copy(peers, reg.order)

	c := &Connection{
		ID:             id,
		Channel:        channel,
		ConnectedSince: time.Now(),
		conn:           conn,
	}
	reg.conns[id] = c
	reg.order = append(reg.order, c)
	if len(reg.conns) > reg.maxClients {
		reg.maxClients = len(reg.conns)
		reg.maxClientsTime = c.ConnectedSince
	}
	return c, peers, nil
}

// freeID finds an id not held by any registered connection.
// reg.lock must be held.
func (reg *Registry) freeID() (string, error) {
	for length := reg.idLength; length <= MaxIDLength; length++ {
		for i := 0; i < idAttemptsPerLength; i++ {
			id := reg.ids.NextID(length)
			if _, taken := reg.conns[id]; !taken {
				return id, nil
			}
		}
		reg.log.WithFields(logrus.Fields{
			"id_length": length,
			"clients":   len(reg.conns),
		}).Warn("Connection ids keep colliding; widening")
	}
	return "", ErrIDSpaceExhausted
}

// Remove removes the connection with the given id.
// It returns false if there was no such connection.
func (reg *Registry) Remove(id string) bool {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	if _, ok := reg.conns[id]; !ok {
		return false
	}
	delete(reg.conns, id)
	for i, c := range reg.order {
		if c.ID == id {
			reg.order = append(reg.order[:i], reg.order[i+1:]...)
			break
		}
	}
	return true
}

// Lookup gets the connection with the given id.
func (reg *Registry) Lookup(id string) (*Connection, bool) {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	c, ok := reg.conns[id]
	return c, ok
}

// Enumerate returns a snapshot of all registered connections in the order they were registered.
func (reg *Registry) Enumerate() []*Connection {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	conns := make([]*Connection, len(reg.order))
	copy(conns, reg.order)
	return conns
}

// Len returns the number of registered connections.
func (reg *Registry) Len() int {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	return len(reg.conns)
}

// Broadcast sends frame to every registered connection.
// A connection that can't be sent to is logged and skipped.
func (reg *Registry) Broadcast(frame []byte) {
	reg.lock.RLock()
	defer reg.lock.RUnlock()

	reg.log.WithFields(logrus.Fields{
		"frame":   string(frame),
		"clients": len(reg.order),
	}).Debug("Broadcasting")
	for _, c := range reg.order {
		if err := c.Send(frame); err != nil {
			reg.log.WithFields(logrus.Fields{
				"peer_id": c.ID,
				"error":   err,
			}).Warn("Error broadcasting to client")
		}
	}
}

// Stats contains summary information about a registry.
type Stats struct {
	Uptime         time.Duration `json:"uptime"`
	NumChannels    int           `json:"num_channels"`
	NumClients     int           `json:"num_clients"`
	MaxClients     int           `json:"max_clients"`
	MaxClientsTime time.Time     `json:"max_clients_at"`
}

// Stats gets stats for this registry.
func (reg *Registry) Stats() Stats {
	reg.lock.RLock()
	defer reg.lock.RUnlock()

	channels := make(map[string]struct{})
	for _, c := range reg.order {
		channels[c.Channel] = struct{}{}
	}
	return Stats{
		Uptime:         time.Since(reg.createdTime),
		NumChannels:    len(channels),
		NumClients:     len(reg.conns),
		MaxClients:     reg.maxClients,
		MaxClientsTime: reg.maxClientsTime,
	}
}
