// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus carries the broadcast messages that coordinate
// execution contexts: leader election, heartbeats, sync lifecycle
// announcements, and liveness pings. Endpoints never receive their
// own messages, matching broadcast-channel semantics — a context
// talks to its peers, not to itself.
//
// Two transports implement Endpoint: an in-process Hub (tests, and
// contexts hosted in one process) and a Unix-socket Broker for
// contexts in separate processes on the same machine.
package bus

import "errors"

// ErrClosed reports a send on a closed endpoint.
var ErrClosed = errors.New("bus: endpoint closed")

// Kind is the message type.
type Kind string

// Message kinds. These are protocol constants shared by every context
// version running against the same broker.
const (
	// KindLeaderRequest asks the peers whether a leader exists; a
	// standing leader answers with an announcement, otherwise the
	// requesters elect among themselves.
	KindLeaderRequest Kind = "leader-request"

	// KindLeaderAnnounce declares the sender (or Leader, when
	// relaying) the current leader.
	KindLeaderAnnounce Kind = "leader-announce"

	// KindHeartbeat is the leader's periodic liveness signal.
	KindHeartbeat Kind = "heartbeat"

	// KindSyncStart announces that the sender began a locked sync.
	KindSyncStart Kind = "sync-start"

	// KindSyncComplete announces that the sender finished a locked
	// sync, releasing the lock for the next queued context.
	KindSyncComplete Kind = "sync-complete"

	// KindPing probes a specific peer (Target); KindPong answers it.
	KindPing Kind = "ping"
	KindPong Kind = "pong"
)

// Message is one broadcast datagram.
type Message struct {
	// Kind selects the message type.
	Kind Kind `cbor:"kind"`

	// From is the sender's instance id.
	From string `cbor:"from"`

	// Timestamp is the sender's clock at send time, unix
	// milliseconds. Used for heartbeat staleness, not for ordering.
	Timestamp int64 `cbor:"timestamp"`

	// Leader names the leader in leader-announce messages.
	Leader string `cbor:"leader,omitempty"`

	// Target addresses ping/pong to one peer. Messages with a
	// non-empty Target other than the receiver's id are ignored by
	// convention, not filtered by the transport.
	Target string `cbor:"target,omitempty"`
}

// Endpoint is one context's attachment to the broadcast medium.
type Endpoint interface {
	// Send broadcasts a message to every other endpoint. It never
	// blocks on slow receivers.
	Send(message Message) error

	// Messages returns the channel of received messages. The channel
	// closes when the endpoint closes.
	Messages() <-chan Message

	// Close detaches the endpoint.
	Close() error
}
