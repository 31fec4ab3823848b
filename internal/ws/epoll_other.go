//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// On Linux, this is replaced by the real epoll implementation. This fallback
// allows developers on macOS/Windows to run the server without the epoll
// optimization.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn // channel that receives connections with pending data
	done    chan struct{}
	once    sync.Once
}

// peekConn buffers reads so readiness can be detected with Peek without
// consuming any bytes of the next frame.
type peekConn struct {
	net.Conn
	r     *bufio.Reader
	rearm chan struct{}
}

func (c *peekConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// NewEpoll creates a new fallback epoll instance that uses goroutines to
// monitor each connection for incoming data.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add wraps conn in a buffered reader and spawns a monitor goroutine for it.
// Callers must read from the returned conn.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	pc := &peekConn{
		Conn:  conn,
		r:     bufio.NewReader(conn),
		rearm: make(chan struct{}, 1),
	}

	e.mu.Lock()
	e.conns[pc] = struct{}{}
	e.mu.Unlock()

	go e.monitor(pc)
	return pc, nil
}

// monitor peeks until data (or an error) is available, reports the conn as
// ready, then waits for Rearm before peeking again. A conn is therefore never
// reported twice for the same bytes and never read concurrently.
func (e *Epoll) monitor(pc *peekConn) {
	for {
		_, err := pc.r.Peek(1)

		select {
		case e.readyCh <- pc:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-pc.rearm:
		case <-e.done:
			return
		}

		e.mu.RLock()
		_, live := e.conns[pc]
		e.mu.RUnlock()
		if !live {
			return
		}
	}
}

// Rearm lets the monitor report conn again after the server has finished
// reading from it.
func (e *Epoll) Rearm(conn net.Conn) {
	if pc, ok := conn.(*peekConn); ok {
		select {
		case pc.rearm <- struct{}{}:
		default:
		}
	}
}

// Remove unregisters a connection from the fallback epoll.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	e.Rearm(conn)
	return nil
}

// Wait blocks until at least one connection is ready for reading. It
// collects all currently ready connections from the channel and returns them.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}

	// Drain any additional ready connections without blocking.
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]struct{})
	e.mu.Unlock()
	return nil
}

// socketFD is a no-op on non-Linux platforms since we don't need file
// descriptors for the goroutine-based fallback.
func socketFD(conn net.Conn) int {
	return -1
}
