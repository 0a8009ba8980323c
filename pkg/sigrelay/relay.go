// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package sigrelay relays WebRTC signaling messages between clients.
//
// Clients join a numeric channel, are told their own id and the ids of their peers,
// and exchange offers, answers and ICE candidates addressed to each other by id.
// The relay never looks inside a negotiation message beyond its type and target.
package sigrelay

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/sigrelay/pkg/model"
)

// Websocket close codes sent to clients the relay turns away.
const (
	CloseNormalClosure = 1000 // Invalid path
	CloseTryAgainLater = 1013 // No free id
)

// ErrInvalidPath is returned by Connect if the requested channel isn't a number.
var ErrInvalidPath = errors.New("invalid path")

var channelPattern = regexp.MustCompile(`^\d+$`)

// Relay contains state for a signaling relay.
type Relay struct {
	log      *logrus.Logger
	registry *Registry
	router   *Router

	// presenceMTX orders joins and departures, so a newcomer hears "you" before any other presence message.
	presenceMTX sync.Mutex
}

// New creates a new relay.
// If ids is nil, ids are taken from random UUIDs.
func New(log *logrus.Logger, ids IDGenerator, idLength int) *Relay {
	registry := NewRegistry(log, ids, idLength)
	return &Relay{
		log:      log,
		registry: registry,
		router:   NewRouter(log, registry),
	}
}

// Registry gets the relay's connection registry.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// ChannelFromPath strips the leading separator from a request path,
// and checks that what remains is a channel.
func ChannelFromPath(path string) (string, error) {
	channel := strings.TrimPrefix(path, "/")
	if !channelPattern.MatchString(channel) {
		return channel, errors.Wrapf(ErrInvalidPath, "`%s`", channel)
	}
	return channel, nil
}

// Connect admits a client that requested path.
// If path doesn't name a channel, conn is closed and nothing is registered.
// Otherwise, the client is told its id and its peers,
// and everyone, including the new client, is told it connected.
func (r *Relay) Connect(path string, conn Conn) (*Connection, error) {
	channel, err := ChannelFromPath(path)
	if err != nil {
		reason := fmt.Sprintf("invalid path `%s`", channel)
		r.log.WithField("path", path).Info(reason)
		if cerr := conn.Close(CloseNormalClosure, reason); cerr != nil {
			r.log.WithField("error", cerr).Debug("Error closing rejected connection")
		}
		return nil, err
	}

	r.presenceMTX.Lock()
	defer r.presenceMTX.Unlock()

	c, peers, err := r.registry.Register(channel, conn)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"channel": channel,
			"error":   err,
		}).Error("Cannot register client")
		if cerr := conn.Close(CloseTryAgainLater, err.Error()); cerr != nil {
			r.log.WithField("error", cerr).Debug("Error closing unregistered connection")
		}
		return nil, errors.Wrap(err, "Register")
	}

	r.log.WithFields(logrus.Fields{
		"client_id": c.ID,
		"channel":   channel,
	}).Infof("client connected #%s on path %s", c.ID, channel)
	r.logActive(channel)

	r.send(c, model.NewYouMessage(c.ID))
	for _, peer := range peers {
		r.send(c, model.NewPeerConnectedMessage(peer.ID))
	}
	r.broadcast(model.NewPeerConnectedMessage(c.ID))
	return c, nil
}

// Receive handles a frame sent by a connected client.
func (r *Relay) Receive(c *Connection, frame []byte) {
	if c.Closed() {
		return
	}
	r.router.Route(c, frame)
}

// Disconnect removes a client from the relay, and tells everyone left that it went away.
// Calling Disconnect more than once has no effect.
func (r *Relay) Disconnect(c *Connection) {
	if !c.markClosed() {
		return
	}
	r.presenceMTX.Lock()
	defer r.presenceMTX.Unlock()

	r.registry.Remove(c.ID)
	r.log.WithFields(logrus.Fields{
		"client_id": c.ID,
		"channel":   c.Channel,
	}).Infof("client disconnected: #%s %s", c.ID, c.Channel)
	r.broadcast(model.NewPeerDisconnectedMessage(c.ID))
}

func (r *Relay) send(c *Connection, msg model.Envelope) {
	frame, err := model.Marshal(msg)
	if err != nil {
		r.log.WithField("error", err).Error("Cannot serialize message")
		return
	}
	if err := c.Send(frame); err != nil {
		r.log.WithFields(logrus.Fields{
			"client_id": c.ID,
			"type":      msg.Message(),
			"error":     err,
		}).Warn("Error sending to client")
	}
}

func (r *Relay) broadcast(msg model.Envelope) {
	frame, err := model.Marshal(msg)
	if err != nil {
		r.log.WithField("error", err).Error("Cannot serialize message")
		return
	}
	r.registry.Broadcast(frame)
}

func (r *Relay) logActive(channel string) {
	conns := r.registry.Enumerate()
	ids := make([]string, 0, len(conns))
	for _, c := range conns {
		ids = append(ids, c.String())
	}
	r.log.Debugf("active connections on %s: %d { %s }", channel, len(conns), strings.Join(ids, ", "))
}

// RelayStats contains statistics about a running relay.
type RelayStats struct {
	Stats
	Router RouterStats `json:"router"`
}

// Stats gets stats about the running relay.
func (r *Relay) Stats() RelayStats {
	return RelayStats{
		Stats:  r.registry.Stats(),
		Router: r.router.Stats(),
	}
}
