// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import "sync"

// receiveBuffer is the per-endpoint queue depth. Election bursts are
// a handful of messages; a receiver further behind than this is stuck
// and dropping is safer than blocking every other context.
const receiveBuffer = 64

// Hub is an in-process broadcast medium. Every endpoint joined to the
// same Hub receives every other endpoint's messages.
type Hub struct {
	mu        sync.Mutex
	endpoints map[*memoryEndpoint]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{endpoints: make(map[*memoryEndpoint]struct{})}
}

// Join attaches a new endpoint to the hub.
func (h *Hub) Join() Endpoint {
	endpoint := &memoryEndpoint{
		hub:      h,
		messages: make(chan Message, receiveBuffer),
	}
	h.mu.Lock()
	h.endpoints[endpoint] = struct{}{}
	h.mu.Unlock()
	return endpoint
}

func (h *Hub) broadcast(sender *memoryEndpoint, message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for endpoint := range h.endpoints {
		if endpoint == sender {
			continue
		}
		select {
		case endpoint.messages <- message:
		default:
			// Receiver is wedged; drop rather than block the
			// sender and every other context behind it.
		}
	}
}

func (h *Hub) leave(endpoint *memoryEndpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.endpoints[endpoint]; ok {
		delete(h.endpoints, endpoint)
		close(endpoint.messages)
	}
}

type memoryEndpoint struct {
	hub      *Hub
	messages chan Message

	mu     sync.Mutex
	closed bool
}

func (e *memoryEndpoint) Send(message Message) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	e.hub.broadcast(e, message)
	return nil
}

func (e *memoryEndpoint) Messages() <-chan Message { return e.messages }

func (e *memoryEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	e.hub.leave(e)
	return nil
}
