// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package model contains the messages sigrelay exchanges with its clients.
package model

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Type is the discriminant carried in every message's "type" field.
type Type string

// Message types known to the relay.
const (
	TypeYou              Type = "you"
	TypePeerConnected    Type = "peer-connected"
	TypePeerDisconnected Type = "peer-disconnected"
	TypeNewICECandidate  Type = "new-ice-candidate"
	TypeDataOffer        Type = "data-offer"
	TypeDataAnswer       Type = "data-answer"
)

var (
	// ErrNotObject is returned by ParseEnvelope when a frame is not a JSON object.
	ErrNotObject = errors.New("frame is not a JSON object")

	// ErrMissingType is returned by ParseEnvelope when a frame has no "type" field.
	ErrMissingType = errors.New(`frame has no "type" field`)
)

// An Envelope is a message sent to or from clients.
// All Envelopes should wrap DefaultMessage, so they have a Type field which marshals to json as "type."
type Envelope interface {
	Message() Type
}

// DefaultMessage implements Envelope, and has a type.
type DefaultMessage struct {
	Type Type `json:"type"`
}

// Message gets the type of a DefaultMessage.
func (msg DefaultMessage) Message() Type {
	return msg.Type
}

// Peer identifies a connection in presence messages.
type Peer struct {
	ID string `json:"id"`
}

// PeerMessage is a presence message: you, peer-connected or peer-disconnected.
// Only the relay emits these; when received from a client they are ignored.
type PeerMessage struct {
	DefaultMessage
	Peer Peer `json:"peer"`
}

// NewYouMessage tells a client its own id.
func NewYouMessage(id string) PeerMessage {
	return PeerMessage{
		DefaultMessage: DefaultMessage{Type: TypeYou},
		Peer:           Peer{ID: id},
	}
}

// NewPeerConnectedMessage announces a connected peer.
func NewPeerConnectedMessage(id string) PeerMessage {
	return PeerMessage{
		DefaultMessage: DefaultMessage{Type: TypePeerConnected},
		Peer:           Peer{ID: id},
	}
}

// NewPeerDisconnectedMessage announces a departed peer.
func NewPeerDisconnectedMessage(id string) PeerMessage {
	return PeerMessage{
		DefaultMessage: DefaultMessage{Type: TypePeerDisconnected},
		Peer:           Peer{ID: id},
	}
}

// TargetedMessage is a negotiation message addressed to a single peer.
// Fields other than type and target are opaque to the relay; Raw holds the frame as received.
type TargetedMessage struct {
	DefaultMessage
	Target string `json:"target"`

	// HasTarget is false when the frame carried no "target" field.
	HasTarget bool `json:"-"`
	// TargetIsString is false when "target" was present but not a JSON string.
	// Such a target cannot name a connection.
	TargetIsString bool            `json:"-"`
	Raw            json.RawMessage `json:"-"`
}

// UnknownMessage is any message whose type the relay does not handle.
// Type is empty if the frame's "type" value was not a string.
type UnknownMessage struct {
	DefaultMessage
	Raw json.RawMessage `json:"-"`
}

// IsTargeted reports whether messages of type t are forwarded to a single target.
func IsTargeted(t Type) bool {
	switch t {
	case TypeNewICECandidate, TypeDataOffer, TypeDataAnswer:
		return true
	}
	return false
}

// ParseEnvelope parses a frame received from a client.
// The frame must be a JSON object with a "type" field; anything else is an error.
func ParseEnvelope(frame []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		return nil, errors.Wrap(ErrNotObject, err.Error())
	}
	if fields == nil {
		// The frame was the literal null.
		return nil, ErrNotObject
	}

	rawType, ok := fields["type"]
	if !ok {
		return nil, ErrMissingType
	}
	raw := json.RawMessage(frame)

	var t Type
	if err := json.Unmarshal(rawType, &t); err != nil {
		return UnknownMessage{Raw: raw}, nil
	}

	switch {
	case IsTargeted(t):
		msg := TargetedMessage{
			DefaultMessage: DefaultMessage{Type: t},
			Raw:            raw,
		}
		if rawTarget, ok := fields["target"]; ok {
			msg.HasTarget = true
			if err := json.Unmarshal(rawTarget, &msg.Target); err == nil {
				msg.TargetIsString = true
			} else {
				msg.Target = string(rawTarget)
			}
		}
		return msg, nil

	case t == TypeYou || t == TypePeerConnected || t == TypePeerDisconnected:
		msg := PeerMessage{DefaultMessage: DefaultMessage{Type: t}}
		if rawPeer, ok := fields["peer"]; ok {
			// A malformed peer doesn't make the envelope invalid; the relay ignores these anyway.
			_ = json.Unmarshal(rawPeer, &msg.Peer)
		}
		return msg, nil
	}

	return UnknownMessage{DefaultMessage: DefaultMessage{Type: t}, Raw: raw}, nil
}

// Marshal serializes an Envelope into a text frame.
func Marshal(msg Envelope) ([]byte, error) {
	frame, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrapf(err, "Marshal %s message", msg.Message())
	}
	return frame, nil
}
