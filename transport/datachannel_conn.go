// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"
	"net"
	"sync"
	"time"
)

// dataChannelMessageSize is the largest message written to a detached
// data channel. SCTP caps message size (64 KiB with pion's defaults)
// and a detached Read fails with io.ErrShortBuffer when the buffer is
// smaller than the message, so both directions work in chunks of this
// size.
const dataChannelMessageSize = 16 << 10

// DataChannelConn wraps a detached pion data channel as a net.Conn.
// The data channel is message-oriented; DataChannelConn splits writes
// into bounded messages and buffers partial reads so callers see a
// byte stream, like a TCP connection.
//
// Deadline support uses timer-based cancellation: when a deadline fires,
// the underlying stream is closed, causing any blocked Read/Write to return
// an error. Once a deadline has fired the conn is permanently broken.
type DataChannelConn struct {
	rwc        io.ReadWriteCloser
	localLabel string
	peerLabel  string

	readMu     sync.Mutex
	readBuffer []byte
	unread     []byte

	writeMu sync.Mutex

	mu             sync.Mutex
	readTimer      *time.Timer
	writeTimer     *time.Timer
	deadlineClosed bool
}

// Compile-time interface check.
var _ net.Conn = (*DataChannelConn)(nil)

// NewDataChannelConn wraps a detached pion data channel as a net.Conn.
// localLabel identifies the local endpoint (for logging/addr); peerLabel
// identifies the remote endpoint.
func NewDataChannelConn(rwc io.ReadWriteCloser, localLabel, peerLabel string) *DataChannelConn {
	return &DataChannelConn{
		rwc:        rwc,
		localLabel: localLabel,
		peerLabel:  peerLabel,
		readBuffer: make([]byte, dataChannelMessageSize),
	}
}

func (c *DataChannelConn) Read(buffer []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.unread) == 0 {
		count, err := c.rwc.Read(c.readBuffer)
		if count == 0 && err != nil {
			return 0, err
		}
		c.unread = c.readBuffer[:count]
	}
	count := copy(buffer, c.unread)
	c.unread = c.unread[count:]
	return count, nil
}

func (c *DataChannelConn) Write(buffer []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for written < len(buffer) {
		end := min(written+dataChannelMessageSize, len(buffer))
		chunk := buffer[written:end]
		count, err := c.rwc.Write(chunk)
		written += count
		if err != nil {
			return written, err
		}
		if count < len(chunk) {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

func (c *DataChannelConn) Close() error {
	c.mu.Lock()
	c.stopTimersLocked()
	c.mu.Unlock()
	return c.rwc.Close()
}

// LocalAddr returns a synthetic address identifying the local data channel endpoint.
func (c *DataChannelConn) LocalAddr() net.Addr {
	return &dataChannelAddr{label: c.localLabel}
}

// RemoteAddr returns a synthetic address identifying the remote data channel endpoint.
func (c *DataChannelConn) RemoteAddr() net.Addr {
	return &dataChannelAddr{label: c.peerLabel}
}

// SetDeadline sets both read and write deadlines. A zero value clears the deadline.
func (c *DataChannelConn) SetDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimer = c.armLocked(c.readTimer, deadline)
	c.writeTimer = c.armLocked(c.writeTimer, deadline)
	return nil
}

// SetReadDeadline sets the read deadline. A zero value clears it.
func (c *DataChannelConn) SetReadDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimer = c.armLocked(c.readTimer, deadline)
	return nil
}

// SetWriteDeadline sets the write deadline. A zero value clears it.
func (c *DataChannelConn) SetWriteDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeTimer = c.armLocked(c.writeTimer, deadline)
	return nil
}

// armLocked replaces timer with one that closes the stream at
// deadline. Returns nil for a zero deadline.
func (c *DataChannelConn) armLocked(timer *time.Timer, deadline time.Time) *time.Timer {
	if timer != nil {
		timer.Stop()
	}
	if deadline.IsZero() || c.deadlineClosed {
		return nil
	}
	duration := time.Until(deadline) //nolint:realclock // net.Conn deadlines are wall-clock
	if duration <= 0 {
		c.closeFromDeadline()
		return nil
	}
	return time.AfterFunc(duration, func() { //nolint:realclock // net.Conn deadlines are wall-clock
		c.mu.Lock()
		defer c.mu.Unlock()
		c.closeFromDeadline()
	})
}

// closeFromDeadline closes the underlying stream to unblock pending I/O.
// Must be called with c.mu held.
func (c *DataChannelConn) closeFromDeadline() {
	if c.deadlineClosed {
		return
	}
	c.deadlineClosed = true
	c.rwc.Close()
}

func (c *DataChannelConn) stopTimersLocked() {
	if c.readTimer != nil {
		c.readTimer.Stop()
		c.readTimer = nil
	}
	if c.writeTimer != nil {
		c.writeTimer.Stop()
		c.writeTimer = nil
	}
}

// dataChannelAddr is a synthetic net.Addr for data channel connections.
type dataChannelAddr struct {
	label string
}

func (a *dataChannelAddr) Network() string { return "webrtc" }
func (a *dataChannelAddr) String() string  { return a.label }
