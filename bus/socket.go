// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/tidesync/tidesync/lib/codec"
)

// maxFrameSize caps one broadcast frame. Coordination messages are a
// few hundred bytes; anything larger is a protocol violation.
const maxFrameSize = 1 << 20

// Broker is the Unix-socket broadcast medium for contexts running as
// separate processes. The first context on a machine hosts the
// broker; every context (including the host) dials it. Each frame
// received from one connection is fanned out to all others.
//
// Frames are 4-byte big-endian length prefixes followed by CBOR
// message bytes.
type Broker struct {
	listener net.Listener
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]*sync.Mutex // per-conn write lock
	done  bool
}

// NewBroker starts a broker listening on socketPath. A stale socket
// file from a crashed previous broker is removed first.
func NewBroker(socketPath string, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Remove a leftover socket file; a live broker would still hold
	// the listening socket and the Listen below would fail anyway.
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("bus: removing stale socket %s: %w", socketPath, err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("bus: listening on %s: %w", socketPath, err)
	}

	broker := &Broker{
		listener: listener,
		logger:   logger,
		conns:    make(map[net.Conn]*sync.Mutex),
	}
	go broker.acceptLoop()
	return broker, nil
}

// Close stops the broker and disconnects every context.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.done = true
	conns := make([]net.Conn, 0, len(b.conns))
	for conn := range b.conns {
		conns = append(conns, conn)
	}
	b.mu.Unlock()

	err := b.listener.Close()
	for _, conn := range conns {
		conn.Close()
	}
	return err
}

func (b *Broker) acceptLoop() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			b.mu.Lock()
			done := b.done
			b.mu.Unlock()
			if !done {
				b.logger.Error("bus broker accept failed", "error", err)
			}
			return
		}

		b.mu.Lock()
		b.conns[conn] = &sync.Mutex{}
		b.mu.Unlock()
		go b.serveConn(conn)
	}
}

// serveConn relays frames from one connection to all others until the
// connection drops.
func (b *Broker) serveConn(conn net.Conn) {
	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		conn.Close()
	}()

	for {
		frame, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug("bus connection dropped", "error", err)
			}
			return
		}
		b.fanOut(conn, frame)
	}
}

func (b *Broker) fanOut(sender net.Conn, frame []byte) {
	b.mu.Lock()
	targets := make(map[net.Conn]*sync.Mutex, len(b.conns))
	for conn, writeLock := range b.conns {
		if conn != sender {
			targets[conn] = writeLock
		}
	}
	b.mu.Unlock()

	for conn, writeLock := range targets {
		writeLock.Lock()
		err := writeFrame(conn, frame)
		writeLock.Unlock()
		if err != nil {
			// The receiver's read loop will clean the conn up.
			conn.Close()
		}
	}
}

// Dial attaches to the broker at socketPath and returns an Endpoint.
func Dial(socketPath string) (Endpoint, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("bus: dialing %s: %w", socketPath, err)
	}

	endpoint := &socketEndpoint{
		conn:     conn,
		messages: make(chan Message, receiveBuffer),
	}
	go endpoint.readLoop()
	return endpoint, nil
}

type socketEndpoint struct {
	conn     net.Conn
	messages chan Message

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func (e *socketEndpoint) Send(message Message) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	frame, err := codec.Marshal(message)
	if err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := writeFrame(e.conn, frame); err != nil {
		return fmt.Errorf("bus: send: %w", err)
	}
	return nil
}

func (e *socketEndpoint) Messages() <-chan Message { return e.messages }

func (e *socketEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.conn.Close()
}

func (e *socketEndpoint) readLoop() {
	defer close(e.messages)
	for {
		frame, err := readFrame(e.conn)
		if err != nil {
			return
		}
		var message Message
		if err := codec.Unmarshal(frame, &message); err != nil {
			// A malformed frame poisons the stream boundary for
			// nothing after it; the length prefix keeps framing
			// intact, so skip and continue.
			continue
		}
		select {
		case e.messages <- message:
		default:
		}
	}
}

func readFrame(reader io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(reader, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("bus: frame of %d bytes exceeds limit", length)
	}
	frame := make([]byte, length)
	if _, err := io.ReadFull(reader, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func writeFrame(writer io.Writer, frame []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(frame)))
	if _, err := writer.Write(header[:]); err != nil {
		return err
	}
	_, err := writer.Write(frame)
	return err
}
