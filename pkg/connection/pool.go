// Package connection keeps reusable TCP connections to remote endpoints.
// Its callers hold one long-lived link at a time — the tcp group-comm
// backend's sequencer connection, the CLI's server connection — so this is an
// idle cache with on-demand dialing, not a capacity-managed pool: Get either
// reuses an idle connection or dials a fresh one, and a returned connection
// is kept only while there is idle room for it.
package connection

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// PooledConn wraps a net.Conn with a way back into the cache. Close parks
// the connection for reuse; ForceClose discards it, which is what callers do
// once a framed stream is mid-message and cannot be handed to anyone else.
type PooledConn struct {
	net.Conn
	release func(net.Conn)
}

// Close returns the connection to the idle cache (or closes it if the cache
// is full or gone). The connection must be at a clean protocol boundary.
func (c *PooledConn) Close() error {
	release := c.release
	c.release = nil
	if release == nil {
		return fmt.Errorf("connection: already released")
	}
	release(c.Conn)
	return nil
}

// ForceClose closes the underlying connection without returning it.
func (c *PooledConn) ForceClose() error {
	c.release = nil
	return c.Conn.Close()
}

// PoolManager caches idle connections per endpoint.
type PoolManager struct {
	mu      sync.Mutex
	idle    map[string][]net.Conn
	maxIdle int
	timeout time.Duration
	closed  bool
}

// NewPoolManager creates a manager keeping at most maxIdle idle connections
// per endpoint; timeout bounds each dial.
func NewPoolManager(maxIdle int, timeout time.Duration) *PoolManager {
	if maxIdle < 1 {
		maxIdle = 1
	}
	return &PoolManager{
		idle:    make(map[string][]net.Conn),
		maxIdle: maxIdle,
		timeout: timeout,
	}
}

// Get hands out a connection to the address: an idle one when available,
// otherwise a freshly dialed one. Dialing happens outside the lock so a slow
// endpoint cannot stall the cache for everyone else.
func (m *PoolManager) Get(address string) (*PooledConn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("connection: pool manager is closed")
	}
	conn := m.takeIdleLocked(address)
	m.mu.Unlock()

	if conn == nil {
		var err error
		conn, err = net.DialTimeout("tcp", address, m.timeout)
		if err != nil {
			return nil, fmt.Errorf("connection: dial %s: %w", address, err)
		}
	}
	return &PooledConn{Conn: conn, release: func(c net.Conn) { m.put(address, c) }}, nil
}

// takeIdleLocked pops the most recently parked connection, the one least
// likely to have been idled out by the peer.
func (m *PoolManager) takeIdleLocked(address string) net.Conn {
	conns := m.idle[address]
	if len(conns) == 0 {
		return nil
	}
	conn := conns[len(conns)-1]
	m.idle[address] = conns[:len(conns)-1]
	return conn
}

func (m *PoolManager) put(address string, conn net.Conn) {
	m.mu.Lock()
	if !m.closed && len(m.idle[address]) < m.maxIdle {
		m.idle[address] = append(m.idle[address], conn)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	conn.Close()
}

// Close closes every idle connection and refuses further Gets. Connections
// currently handed out are untouched; they close when released.
func (m *PoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, conns := range m.idle {
		for _, conn := range conns {
			conn.Close()
		}
	}
	m.idle = make(map[string][]net.Conn)
}
