package redwire

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/timzifer/redwire/driver"
)

// ErrSharedSelect is returned when a database selection is attempted over a
// shared connection. Selecting would switch the database for every caller
// multiplexing it; use DedicatedConnection or a separate factory per
// database instead.
var ErrSharedSelect = errors.New("redis: cannot select a database over a shared connection")

// Connection is a logical imperative connection handed out by a factory. It
// either multiplexes the factory's shared native connection or owns a
// dedicated one.
type Connection struct {
	factory *ConnectionFactory
	conn    driver.CommandConn
	shared  bool
	closed  atomic.Bool
}

// Shared reports whether the connection multiplexes the factory's shared
// native connection.
func (c *Connection) Shared() bool { return c.shared }

// Native exposes the underlying driver connection.
func (c *Connection) Native() driver.CommandConn { return c.conn }

// Do sends a command and returns the decoded reply.
func (c *Connection) Do(ctx context.Context, cmd string, args ...any) (any, error) {
	if c.closed.Load() {
		return nil, driver.ErrConnClosed
	}
	return c.conn.Do(ctx, cmd, args...)
}

// Ping probes the connection.
func (c *Connection) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return driver.ErrConnClosed
	}
	return c.conn.Ping(ctx)
}

// Select switches the database on a dedicated connection. Shared
// connections reject selection.
func (c *Connection) Select(ctx context.Context, db int) error {
	if c.closed.Load() {
		return driver.ErrConnClosed
	}
	if c.shared {
		return ErrSharedSelect
	}
	return c.conn.Select(ctx, db)
}

// Close releases the logical connection. A dedicated native connection goes
// back to the provider; a shared one stays with the factory. Closing twice
// is a no-op.
func (c *Connection) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.factory.collector.ConnectionReleased(string(driver.KindCommand))
	if c.shared {
		return nil
	}
	return c.factory.release(ctx, c.conn)
}

// StreamConnection is a logical push-oriented connection handed out by a
// factory.
type StreamConnection struct {
	factory *ConnectionFactory
	conn    driver.StreamConn
	shared  bool
	closed  atomic.Bool
}

// Shared reports whether the connection multiplexes the factory's shared
// native connection. Subscriptions and messages on a shared stream are
// visible to every caller holding it.
func (s *StreamConnection) Shared() bool { return s.shared }

// Native exposes the underlying driver connection.
func (s *StreamConnection) Native() driver.StreamConn { return s.conn }

// Subscribe starts listening on the given channels.
func (s *StreamConnection) Subscribe(ctx context.Context, channels ...string) error {
	if s.closed.Load() {
		return driver.ErrConnClosed
	}
	return s.conn.Subscribe(ctx, channels...)
}

// PSubscribe starts listening on the given patterns.
func (s *StreamConnection) PSubscribe(ctx context.Context, patterns ...string) error {
	if s.closed.Load() {
		return driver.ErrConnClosed
	}
	return s.conn.PSubscribe(ctx, patterns...)
}

// Unsubscribe stops listening on the given channels.
func (s *StreamConnection) Unsubscribe(ctx context.Context, channels ...string) error {
	if s.closed.Load() {
		return driver.ErrConnClosed
	}
	return s.conn.Unsubscribe(ctx, channels...)
}

// Messages returns the stream of received subscription messages.
func (s *StreamConnection) Messages() <-chan driver.Message { return s.conn.Messages() }

// DoAsync issues a command without waiting; the reply arrives on the
// returned channel.
func (s *StreamConnection) DoAsync(ctx context.Context, cmd string, args ...any) <-chan driver.Reply {
	if s.closed.Load() {
		reply := make(chan driver.Reply, 1)
		reply <- driver.Reply{Err: driver.ErrConnClosed}
		close(reply)
		return reply
	}
	return s.conn.DoAsync(ctx, cmd, args...)
}

// Ping probes the connection.
func (s *StreamConnection) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return driver.ErrConnClosed
	}
	return s.conn.Ping(ctx)
}

// Close releases the logical connection. A dedicated native connection goes
// back to the provider; a shared one stays with the factory, keeping its
// subscriptions alive for the remaining holders.
func (s *StreamConnection) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.factory.collector.ConnectionReleased(string(driver.KindStream))
	if s.shared {
		return nil
	}
	return s.factory.release(ctx, s.conn)
}
