package driver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/timzifer/redwire/wire"
)

// ConnKind distinguishes the two logical connection kinds a factory hands
// out.
type ConnKind string

const (
	// KindCommand is the imperative, byte-encoded kind.
	KindCommand ConnKind = "command"
	// KindStream is the push-oriented, buffer-encoded kind.
	KindStream ConnKind = "stream"
)

// ErrConnClosed is returned for operations on a closed logical connection.
var ErrConnClosed = errors.New("redis: connection is closed")

// Conn is a logical connection handed out by a provider. Implementations are
// not safe for concurrent command execution unless stated otherwise.
type Conn interface {
	Kind() ConnKind
	Open() bool
	Ping(ctx context.Context) error
	Close() error
}

// CommandConn executes imperative commands. Bulk string replies pass through
// the connection's codec, so a byte-encoded connection yields []byte values.
type CommandConn interface {
	Conn
	Do(ctx context.Context, cmd string, args ...any) (any, error)
	Select(ctx context.Context, db int) error
}

// Message is one push payload delivered on a stream connection. The payload
// has already passed through the connection's codec.
type Message struct {
	Channel string
	Pattern string
	Payload any
}

// Reply carries the outcome of an asynchronously executed command.
type Reply struct {
	Value any
	Err   error
}

// StreamConn delivers push messages and executes commands asynchronously.
// Messages are fanned out on a single channel regardless of how many
// subscriptions are active.
type StreamConn interface {
	Conn
	Subscribe(ctx context.Context, channels ...string) error
	PSubscribe(ctx context.Context, patterns ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	Messages() <-chan Message
	DoAsync(ctx context.Context, cmd string, args ...any) <-chan Reply
}

func encodeArgs(codec wire.Codec, cmd string, args []any) ([]any, error) {
	full := make([]any, 0, len(args)+1)
	full = append(full, cmd)
	for _, arg := range args {
		encoded, err := codec.Encode(arg)
		if err != nil {
			return nil, err
		}
		full = append(full, encoded)
	}
	return full, nil
}

func decodeReply(codec wire.Codec, v any) (any, error) {
	switch value := v.(type) {
	case string:
		return codec.Decode([]byte(value))
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			decoded, err := decodeReply(codec, item)
			if err != nil {
				return nil, err
			}
			out[i] = decoded
		}
		return out, nil
	default:
		return v, nil
	}
}

// commandConn is a dedicated native connection with stateful command
// support.
type commandConn struct {
	conn   *redis.Conn
	codec  wire.Codec
	closed atomic.Bool
}

func newCommandConn(conn *redis.Conn, codec wire.Codec) *commandConn {
	return &commandConn{conn: conn, codec: codec}
}

func (c *commandConn) Kind() ConnKind { return KindCommand }

func (c *commandConn) Open() bool { return !c.closed.Load() }

func (c *commandConn) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	return c.conn.Ping(ctx).Err()
}

func (c *commandConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

func (c *commandConn) Select(ctx context.Context, db int) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	return c.conn.Select(ctx, db).Err()
}

func (c *commandConn) Do(ctx context.Context, cmd string, args ...any) (any, error) {
	if c.closed.Load() {
		return nil, ErrConnClosed
	}
	full, err := encodeArgs(c.codec, cmd, args)
	if err != nil {
		return nil, err
	}
	cmdObj := redis.NewCmd(ctx, full...)
	_ = c.conn.Process(ctx, cmdObj)
	raw, err := cmdObj.Result()
	if err != nil {
		return nil, err
	}
	return decodeReply(c.codec, raw)
}

// routedConn executes commands through a shared routing client. Closing it
// only marks the logical connection; the shared client stays up. Database
// selection is rejected because routed deployments pin database zero.
type routedConn struct {
	client redis.UniversalClient
	codec  wire.Codec
	closed atomic.Bool
}

func newRoutedConn(client redis.UniversalClient, codec wire.Codec) *routedConn {
	return &routedConn{client: client, codec: codec}
}

func (c *routedConn) Kind() ConnKind { return KindCommand }

func (c *routedConn) Open() bool { return !c.closed.Load() }

func (c *routedConn) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	return c.client.Ping(ctx).Err()
}

func (c *routedConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *routedConn) Select(context.Context, int) error {
	return errors.New("redis: SELECT is not available on routed connections")
}

func (c *routedConn) Do(ctx context.Context, cmd string, args ...any) (any, error) {
	if c.closed.Load() {
		return nil, ErrConnClosed
	}
	full, err := encodeArgs(c.codec, cmd, args)
	if err != nil {
		return nil, err
	}
	raw, err := c.client.Do(ctx, full...).Result()
	if err != nil {
		return nil, err
	}
	return decodeReply(c.codec, raw)
}

// streamConn multiplexes push messages from a lazily created subscription
// and runs commands asynchronously on the shared client.
type streamConn struct {
	client   redis.UniversalClient
	codec    wire.Codec
	logger   zerolog.Logger
	messages chan Message
	done     chan struct{}
	closed   atomic.Bool

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func newStreamConn(client redis.UniversalClient, codec wire.Codec, logger zerolog.Logger) *streamConn {
	return &streamConn{
		client:   client,
		codec:    codec,
		logger:   logger,
		messages: make(chan Message, 100),
		done:     make(chan struct{}),
	}
}

func (s *streamConn) Kind() ConnKind { return KindStream }

func (s *streamConn) Open() bool { return !s.closed.Load() }

func (s *streamConn) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrConnClosed
	}
	return s.client.Ping(ctx).Err()
}

func (s *streamConn) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)
	s.mu.Lock()
	pubsub := s.pubsub
	if pubsub == nil {
		close(s.messages)
	}
	s.mu.Unlock()
	if pubsub != nil {
		// The pump drains the native channel and closes messages.
		return pubsub.Close()
	}
	return nil
}

func (s *streamConn) ensurePubSub(ctx context.Context) (*redis.PubSub, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil, ErrConnClosed
	}
	if s.pubsub == nil {
		s.pubsub = s.client.Subscribe(ctx)
		go s.pump(s.pubsub)
	}
	return s.pubsub, nil
}

func (s *streamConn) pump(pubsub *redis.PubSub) {
	defer close(s.messages)
	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			payload, err := s.codec.Decode([]byte(msg.Payload))
			if err != nil {
				s.logger.Error().Err(err).Str("channel", msg.Channel).Msg("decode push message")
				continue
			}
			select {
			case s.messages <- Message{Channel: msg.Channel, Pattern: msg.Pattern, Payload: payload}:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *streamConn) Subscribe(ctx context.Context, channels ...string) error {
	pubsub, err := s.ensurePubSub(ctx)
	if err != nil {
		return err
	}
	return pubsub.Subscribe(ctx, channels...)
}

func (s *streamConn) PSubscribe(ctx context.Context, patterns ...string) error {
	pubsub, err := s.ensurePubSub(ctx)
	if err != nil {
		return err
	}
	return pubsub.PSubscribe(ctx, patterns...)
}

func (s *streamConn) Unsubscribe(ctx context.Context, channels ...string) error {
	pubsub, err := s.ensurePubSub(ctx)
	if err != nil {
		return err
	}
	return pubsub.Unsubscribe(ctx, channels...)
}

func (s *streamConn) Messages() <-chan Message { return s.messages }

// DoAsync executes a command in the background. The returned channel
// receives exactly one reply and is then closed.
func (s *streamConn) DoAsync(ctx context.Context, cmd string, args ...any) <-chan Reply {
	out := make(chan Reply, 1)
	if s.closed.Load() {
		out <- Reply{Err: ErrConnClosed}
		close(out)
		return out
	}
	full, err := encodeArgs(s.codec, cmd, args)
	if err != nil {
		out <- Reply{Err: err}
		close(out)
		return out
	}
	go func() {
		defer close(out)
		raw, err := s.client.Do(ctx, full...).Result()
		if err != nil {
			out <- Reply{Err: err}
			return
		}
		value, err := decodeReply(s.codec, raw)
		out <- Reply{Value: value, Err: err}
	}()
	return out
}
