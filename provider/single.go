package provider

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/timzifer/redwire/driver"
)

// singleProvider serves standalone, socket and sentinel deployments. Every
// acquisition extracts a fresh dedicated connection from the handle; the
// handle resolves the actual endpoint, including sentinel failover.
type singleProvider struct {
	handle *driver.Handle
	logger zerolog.Logger
}

func newSingleProvider(handle *driver.Handle, logger zerolog.Logger) *singleProvider {
	return &singleProvider{
		handle: handle,
		logger: logger.With().Str("component", "provider").Str("topology", string(handle.Topology().Kind())).Logger(),
	}
}

func (p *singleProvider) Acquire(ctx context.Context, kind driver.ConnKind) (driver.Conn, error) {
	conn, err := p.extract(ctx, kind)
	if err != nil {
		p.logger.Debug().Err(err).Str("kind", string(kind)).Msg("acquire failed")
		return nil, err
	}
	p.logger.Debug().Str("kind", string(kind)).Msg("connection acquired")
	return conn, nil
}

func (p *singleProvider) extract(ctx context.Context, kind driver.ConnKind) (driver.Conn, error) {
	if kind == driver.KindStream {
		return p.handle.Stream(ctx)
	}
	return p.handle.Command(ctx)
}

func (p *singleProvider) AcquireAsync(ctx context.Context, kind driver.ConnKind) <-chan Acquired {
	return acquireAsync(ctx, p, kind)
}

func (p *singleProvider) Release(_ context.Context, conn driver.Conn) error {
	if conn == nil {
		return nil
	}
	p.logger.Debug().Str("kind", string(conn.Kind())).Msg("connection released")
	return conn.Close()
}

func (p *singleProvider) ReleaseAsync(ctx context.Context, conn driver.Conn) <-chan error {
	return releaseAsync(ctx, p, conn)
}
