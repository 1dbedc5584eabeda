// Package notify carries the wire-level notification transport the
// shared-memory core stays deliberately ignorant of: NotifyOne(channel)
// on the producing side, Subscribe(channel, callback) on the consuming
// side. The transport must be safe to call from multiple goroutines;
// internal serialisation is its responsibility, not the core's.
//
// LocalBus is an in-process pub/sub implementation (for single-binary
// tests and demos); UnixSocketBus streams notifications to a peer that
// only needs to hear "a channel changed", not structured payloads.
package notify

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Bus is the interface the core's producer/consumer handles consume.
type Bus interface {
	NotifyOne(channel string)
	Subscribe(channel string, callback func())
}

// LocalBus fans a notification out to every subscriber of a channel
// within the same process. Safe for concurrent use.
type LocalBus struct {
	mu   sync.RWMutex
	subs map[string][]func()
}

// NewLocalBus creates an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string][]func())}
}

// Subscribe registers callback to run on every NotifyOne(channel).
func (b *LocalBus) Subscribe(channel string, callback func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = append(b.subs[channel], callback)
}

// NotifyOne invokes every subscriber of channel, synchronously.
func (b *LocalBus) NotifyOne(channel string) {
	b.mu.RLock()
	cbs := append([]func(){}, b.subs[channel]...)
	b.mu.RUnlock()
	for _, cb := range cbs {
		cb()
	}
}

// UnixSocketBus streams a one-line-per-notification wire format over a
// unix domain socket: best-effort connect, reconnect-on-write-failure,
// structured logging of connection state changes.
type UnixSocketBus struct {
	path string
	log  *zap.SugaredLogger

	mu   sync.Mutex
	conn net.Conn
}

// NewUnixSocketBus dials path best-effort; if the peer is not listening
// yet, the first NotifyOne call retries the dial.
func NewUnixSocketBus(path string, logger *zap.Logger) *UnixSocketBus {
	b := &UnixSocketBus{path: path, log: zap.NewNop().Sugar()}
	if logger != nil {
		b.log = logger.Sugar()
	}
	b.dial()
	return b
}

func (b *UnixSocketBus) dial() {
	conn, err := net.Dial("unix", b.path)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	b.log.Infow("notify: connected", "path", b.path)
}

// NotifyOne writes "<channel>\n" to the peer, reconnecting up to twice on
// a write failure.
func (b *UnixSocketBus) NotifyOne(channel string) {
	msg := append([]byte(channel), '\n')

	b.mu.Lock()
	defer b.mu.Unlock()

	for attempt := 0; attempt < 3; attempt++ {
		if b.conn == nil {
			b.mu.Unlock()
			time.Sleep(100 * time.Millisecond)
			conn, err := net.Dial("unix", b.path)
			b.mu.Lock()
			if err != nil {
				continue
			}
			b.conn = conn
			b.log.Infow("notify: reconnected", "path", b.path)
		}
		if _, err := b.conn.Write(msg); err != nil {
			b.conn.Close()
			b.conn = nil
			continue
		}
		return
	}
}

// Subscribe is not meaningful for a fire-and-forget socket client in this
// direction; a real deployment runs a UnixSocketBus per side and the
// receiving side reads lines off its listener. Provided to satisfy Bus
// for symmetry with LocalBus in tests that swap implementations.
func (b *UnixSocketBus) Subscribe(channel string, callback func()) {}

// Close closes the underlying connection, if any.
func (b *UnixSocketBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}
