// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// Compile-time interface checks.
var (
	_ Listener = (*MemoryListener)(nil)
	_ Dialer   = (*MemoryNetwork)(nil)
)

// MemoryNetwork connects transports in one process with net.Pipe.
// Tests use it to run many nodes without sockets and to cut
// connections on demand.
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*MemoryListener
	conns     map[string][]net.Conn
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		listeners: make(map[string]*MemoryListener),
		conns:     make(map[string][]net.Conn),
	}
}

// Listen registers a listener at address.
func (n *MemoryNetwork) Listen(address string) (*MemoryListener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.listeners[address]; exists {
		return nil, fmt.Errorf("memory address %q already in use", address)
	}
	listener := &MemoryListener{
		network: n,
		address: address,
		pending: make(chan net.Conn),
		closed:  make(chan struct{}),
	}
	n.listeners[address] = listener
	return listener, nil
}

// DialContext connects to the listener at address. It blocks until the
// listener accepts or ctx ends.
func (n *MemoryNetwork) DialContext(ctx context.Context, address string) (net.Conn, error) {
	n.mu.Lock()
	listener, ok := n.listeners[address]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial memory %s: connection refused", address)
	}

	client, server := net.Pipe()
	n.mu.Lock()
	n.conns[address] = append(n.conns[address], client, server)
	n.mu.Unlock()

	select {
	case listener.pending <- server:
	case <-listener.closed:
		client.Close()
		server.Close()
		return nil, fmt.Errorf("dial memory %s: connection refused", address)
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
	return client, nil
}

// Sever closes every connection made to address and returns how many
// connections were cut, counting each pipe once. The listener stays
// up, so peers can redial.
func (n *MemoryNetwork) Sever(address string) int {
	n.mu.Lock()
	conns := n.conns[address]
	delete(n.conns, address)
	n.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	return len(conns) / 2
}

// MemoryListener is the accepting end of a [MemoryNetwork] address.
type MemoryListener struct {
	network   *MemoryNetwork
	address   string
	pending   chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *MemoryListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.pending:
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *MemoryListener) Address() string { return l.address }

func (l *MemoryListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.network.mu.Lock()
		if l.network.listeners[l.address] == l {
			delete(l.network.listeners, l.address)
		}
		l.network.mu.Unlock()
	})
	return nil
}
