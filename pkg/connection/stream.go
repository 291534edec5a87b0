package connection

import (
	"context"
	"io"
	"sync"
	"time"
)

// Stream delivers the replies to a multi-response request. It stays
// registered with the connection correlator until closed, so replies
// arriving between Next calls are buffered rather than dropped.
type Stream struct {
	conn *Connection
	key  pendingKey
	p    *pendingRequest
	idle time.Duration

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

// Next returns the next reply. It returns io.EOF when the stream has
// ended: explicitly via Close, or implicitly when no reply arrives
// within the idle window. A closed connection ends the stream with
// ErrClosed.
func (s *Stream) Next(ctx context.Context) (*Response, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, io.EOF
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-s.p.ch:
		if !ok {
			s.markClosed()
			return nil, ErrClosed
		}
		return newResponse(d), nil
	case <-time.After(s.idle):
		s.Close()
		return nil, io.EOF
	}
}

// Close unregisters the stream. Buffered but unconsumed replies are
// discarded. Safe to call multiple times.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.markClosed()
		s.conn.unregister(s.key)
	})
}

func (s *Stream) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
