// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package sigrelay

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/n0ot/sigrelay/pkg/model"
)

// Router forwards negotiation messages between registered connections.
type Router struct {
	log      *logrus.Logger
	registry *Registry

	forwarded     atomic.Uint64
	malformed     atomic.Uint64
	missingTarget atomic.Uint64
	unknownTarget atomic.Uint64
	unhandled     atomic.Uint64
}

// NewRouter makes a router delivering to connections in registry.
func NewRouter(log *logrus.Logger, registry *Registry) *Router {
	return &Router{
		log:      log,
		registry: registry,
	}
}

// Route handles a frame received from a connection.
// Targeted messages are sent, byte for byte, to their target; everything else is dropped.
func (rt *Router) Route(from *Connection, frame []byte) {
	rt.log.WithFields(logrus.Fields{
		"client_id": from.ID,
		"frame":     string(frame),
	}).Info("Received frame")

	env, err := model.ParseEnvelope(frame)
	if err != nil {
		rt.malformed.Add(1)
		return
	}

	switch msg := env.(type) {
	case model.TargetedMessage:
		rt.forward(from, msg, frame)
	default:
		// Presence messages are only sent by the relay, and unknown types are left for future use.
		rt.unhandled.Add(1)
	}
}

func (rt *Router) forward(from *Connection, msg model.TargetedMessage, frame []byte) {
	if !msg.HasTarget {
		rt.missingTarget.Add(1)
		return
	}

	fields := logrus.Fields{
		"client_id": from.ID,
		"type":      msg.Type,
		"target":    msg.Target,
	}
	if msg.TargetIsString && msg.Target == from.ID {
		rt.unknownTarget.Add(1)
		rt.log.WithFields(fields).Info("Not forwarding message back to its sender")
		return
	}

	var target *Connection
	ok := false
	if msg.TargetIsString {
		target, ok = rt.registry.Lookup(msg.Target)
	}
	if !ok {
		rt.unknownTarget.Add(1)
		rt.log.WithFields(fields).Infof("no target #%s", msg.Target)
		return
	}

	rt.log.WithFields(fields).Infof("forwarding %s to #%s", msg.Type, msg.Target)
	if err := target.Send(frame); err != nil {
		rt.log.WithFields(fields).WithField("error", err).Warn("Error forwarding message")
		return
	}
	rt.forwarded.Add(1)
}

// RouterStats counts what a Router did with the frames it received.
type RouterStats struct {
	Forwarded     uint64 `json:"forwarded"`
	Malformed     uint64 `json:"malformed"`
	MissingTarget uint64 `json:"missing_target"`
	UnknownTarget uint64 `json:"unknown_target"`
	Unhandled     uint64 `json:"unhandled"`
}

// Stats gets this router's counters.
func (rt *Router) Stats() RouterStats {
	return RouterStats{
		Forwarded:     rt.forwarded.Load(),
		Malformed:     rt.malformed.Load(),
		MissingTarget: rt.missingTarget.Load(),
		UnknownTarget: rt.unknownTarget.Load(),
		Unhandled:     rt.unhandled.Load(),
	}
}
