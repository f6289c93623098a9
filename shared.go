package redwire

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/timzifer/redwire/driver"
	"github.com/timzifer/redwire/telemetry"
)

// sharedConn holds at most one long-lived native connection of kind C and
// lets many logical connections multiplex it. The command and stream
// instances of one factory share a single mutex, so creation, validation and
// reset are serialized across both kinds and a connection is never created
// twice.
type sharedConn[C driver.Conn] struct {
	mu            *sync.Mutex
	kind          driver.ConnKind
	acquire       func(ctx context.Context) (C, error)
	release       func(ctx context.Context, conn C) error
	validateOnGet bool
	logger        zerolog.Logger
	collector     telemetry.Collector

	conn C
	held bool
}

// get returns the held connection, creating it on first use. When
// validation is enabled the connection is probed first and replaced if the
// probe fails.
func (s *sharedConn[C]) get(ctx context.Context) (C, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held {
		if err := s.createLocked(ctx); err != nil {
			var zero C
			return zero, err
		}
	}
	if s.validateOnGet {
		if err := s.validateLocked(ctx); err != nil {
			var zero C
			return zero, err
		}
	}
	return s.conn, nil
}

// validate probes the held connection and replaces it when it is closed or
// the probe fails. Without a held connection one is created.
func (s *sharedConn[C]) validate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validateLocked(ctx)
}

// reset releases the held connection back to the provider and clears the
// reference. Safe to call repeatedly.
func (s *sharedConn[C]) reset(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(ctx)
}

func (s *sharedConn[C]) validateLocked(ctx context.Context) error {
	if s.held {
		valid := false
		if s.conn.Open() {
			if err := probe(ctx, s.conn); err != nil {
				s.logger.Warn().Err(err).Str("kind", string(s.kind)).Msg("shared connection failed validation")
			} else {
				valid = true
			}
		}
		if valid {
			return nil
		}
		s.collector.ValidationFailure(string(s.kind))
		s.logger.Info().Str("kind", string(s.kind)).Msg("replacing invalid shared connection")
		s.resetLocked(ctx)
	}
	return s.createLocked(ctx)
}

func (s *sharedConn[C]) resetLocked(ctx context.Context) {
	if !s.held {
		return
	}
	conn := s.conn
	var zero C
	s.conn = zero
	s.held = false
	if err := s.release(ctx, conn); err != nil {
		s.logger.Warn().Err(err).Str("kind", string(s.kind)).Msg("releasing shared connection failed")
	}
	s.collector.SharedReset(string(s.kind))
}

func (s *sharedConn[C]) createLocked(ctx context.Context) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	s.conn = conn
	s.held = true
	s.logger.Debug().Str("kind", string(s.kind)).Msg("shared connection created")
	return nil
}

// probe checks liveness through whichever capability the connection
// exposes: the imperative ping when present, otherwise the asynchronous
// command path.
func probe(ctx context.Context, conn driver.Conn) error {
	switch c := conn.(type) {
	case driver.CommandConn:
		return c.Ping(ctx)
	case driver.StreamConn:
		reply := <-c.DoAsync(ctx, "ping")
		return reply.Err
	default:
		return conn.Ping(ctx)
	}
}
