package rpc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"

	"streamsync/pkg/logging"
)

// connPool holds one client connection per node address. Connections to
// addresses the transport moved away from are evicted once idle.
type connPool struct {
	mu      sync.RWMutex
	conns   map[string]*poolEntry
	dial    func(addr string) (*grpc.ClientConn, error)
	current func() string
	maxIdle time.Duration
	logger  logging.Logger
	done    chan struct{}
	closed  bool
}

type poolEntry struct {
	conn     *grpc.ClientConn
	lastUsed atomic.Int64 // UnixNano; written under RLock
}

func newConnPool(dial func(string) (*grpc.ClientConn, error), current func() string, maxIdle, sweepInterval time.Duration, logger logging.Logger) *connPool {
	p := &connPool{
		conns:   make(map[string]*poolEntry),
		dial:    dial,
		current: current,
		maxIdle: maxIdle,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go p.maintain(sweepInterval)
	return p
}

// getOrCreate returns the connection for addr, dialing it on first use.
func (p *connPool) getOrCreate(addr string) (*grpc.ClientConn, error) {
	p.mu.RLock()
	if entry, ok := p.conns[addr]; ok {
		entry.lastUsed.Store(time.Now().UnixNano())
		p.mu.RUnlock()
		return entry.conn, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("connection pool closed")
	}
	if entry, ok := p.conns[addr]; ok {
		entry.lastUsed.Store(time.Now().UnixNano())
		return entry.conn, nil
	}

	conn, err := p.dial(addr)
	if err != nil {
		return nil, fmt.Errorf("dial node %s: %w", addr, err)
	}
	entry := &poolEntry{conn: conn}
	entry.lastUsed.Store(time.Now().UnixNano())
	p.conns[addr] = entry

	p.logger.WithField("addr", addr).Info("Node pool: created connection")
	return conn, nil
}

// touch keeps a connection carrying a long-lived stream from idle eviction.
func (p *connPool) touch(addr string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if entry, ok := p.conns[addr]; ok {
		entry.lastUsed.Store(time.Now().UnixNano())
	}
}

func (p *connPool) size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

func (p *connPool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	for addr, entry := range p.conns {
		_ = entry.conn.Close()
		delete(p.conns, addr)
	}
	return nil
}

func (p *connPool) maintain(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweep(time.Now(), p.current())
		}
	}
}

// sweep drops shut down connections and idle ones other than keep.
func (p *connPool) sweep(now time.Time, keep string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for addr, entry := range p.conns {
		if entry.conn.GetState() == connectivity.Shutdown {
			delete(p.conns, addr)
			p.logger.WithField("addr", addr).Info("Node pool: removed shutdown connection")
			continue
		}
		if addr == keep {
			continue
		}
		lastUsed := time.Unix(0, entry.lastUsed.Load())
		if now.Sub(lastUsed) > p.maxIdle {
			_ = entry.conn.Close()
			delete(p.conns, addr)
			p.logger.WithFields(logging.Fields{
				"addr":     addr,
				"idle_for": now.Sub(lastUsed).String(),
			}).Info("Node pool: evicted idle connection")
		}
	}
}
