package redwire

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/redwire/driver"
)

func TestConnectionSelectOnSharedRefused(t *testing.T) {
	ctx := context.Background()
	factory := newTestFactory(t, standaloneTopo(), testOptions(t, nil), &fakeProvider{})
	require.NoError(t, factory.Start(ctx))

	conn, err := factory.Connection(ctx)
	require.NoError(t, err)
	require.True(t, conn.Shared())

	err = conn.Select(ctx, 3)
	require.ErrorIs(t, err, ErrSharedSelect)

	native := conn.Native().(*fakeCommandConn)
	require.Empty(t, native.selects)
}

func TestConnectionSelectOnDedicated(t *testing.T) {
	ctx := context.Background()
	factory := newTestFactory(t, standaloneTopo(), testOptions(t, nil), &fakeProvider{})
	require.NoError(t, factory.Start(ctx))

	conn, err := factory.DedicatedConnection(ctx)
	require.NoError(t, err)
	require.False(t, conn.Shared())

	require.NoError(t, conn.Select(ctx, 3))
	native := conn.Native().(*fakeCommandConn)
	require.Equal(t, []int{3}, native.selects)
}

func TestConnectionCloseSharedKeepsNative(t *testing.T) {
	ctx := context.Background()
	prov := &fakeProvider{}
	collector := &recordingCollector{}
	opts := testOptions(t, func(b *OptionsBuilder) {
		require.NoError(t, b.SetCollector(collector))
	})
	factory := newTestFactory(t, standaloneTopo(), opts, prov)
	require.NoError(t, factory.Start(ctx))

	conn, err := factory.Connection(ctx)
	require.NoError(t, err)
	native := conn.Native()

	require.NoError(t, conn.Close(ctx))
	require.True(t, native.Open())
	require.Zero(t, prov.releasedTotal())

	_, released, _, _ := collector.counts()
	require.Equal(t, 1, released)

	again, err := factory.Connection(ctx)
	require.NoError(t, err)
	require.Same(t, native, again.Native())
}

func TestConnectionCloseDedicatedReleases(t *testing.T) {
	ctx := context.Background()
	prov := &fakeProvider{}
	factory := newTestFactory(t, standaloneTopo(), testOptions(t, nil), prov)
	require.NoError(t, factory.Start(ctx))

	conn, err := factory.DedicatedConnection(ctx)
	require.NoError(t, err)
	native := conn.Native()

	require.NoError(t, conn.Close(ctx))
	require.Equal(t, 1, prov.releaseCountOf(native))

	require.NoError(t, conn.Close(ctx))
	require.Equal(t, 1, prov.releaseCountOf(native))
}

func TestConnectionUseAfterClose(t *testing.T) {
	ctx := context.Background()
	factory := newTestFactory(t, standaloneTopo(), testOptions(t, nil), &fakeProvider{})
	require.NoError(t, factory.Start(ctx))

	conn, err := factory.DedicatedConnection(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.Close(ctx))

	_, err = conn.Do(ctx, "get", "k")
	require.ErrorIs(t, err, driver.ErrConnClosed)
	require.ErrorIs(t, conn.Ping(ctx), driver.ErrConnClosed)
	require.ErrorIs(t, conn.Select(ctx, 1), driver.ErrConnClosed)
}

func TestStreamConnectionSubscribeAndClose(t *testing.T) {
	ctx := context.Background()
	prov := &fakeProvider{}
	collector := &recordingCollector{}
	opts := testOptions(t, func(b *OptionsBuilder) {
		require.NoError(t, b.SetShareConnection(false))
		require.NoError(t, b.SetCollector(collector))
	})
	factory := newTestFactory(t, standaloneTopo(), opts, prov)
	require.NoError(t, factory.Start(ctx))

	stream, err := factory.StreamConnection(ctx)
	require.NoError(t, err)
	require.False(t, stream.Shared())

	require.NoError(t, stream.Subscribe(ctx, "events"))
	native := stream.Native().(*fakeStreamConn)
	require.Equal(t, []string{"events"}, native.subs)

	native.messages <- driver.Message{Channel: "events", Payload: "hi"}
	msg := <-stream.Messages()
	require.Equal(t, "hi", msg.Payload)

	require.NoError(t, stream.Close(ctx))
	require.Equal(t, 1, prov.releaseCountOf(native))

	require.ErrorIs(t, stream.Subscribe(ctx, "more"), driver.ErrConnClosed)
	require.ErrorIs(t, stream.PSubscribe(ctx, "p:*"), driver.ErrConnClosed)
	require.ErrorIs(t, stream.Unsubscribe(ctx), driver.ErrConnClosed)
	require.ErrorIs(t, stream.Ping(ctx), driver.ErrConnClosed)

	reply := <-stream.DoAsync(ctx, "ping")
	require.ErrorIs(t, reply.Err, driver.ErrConnClosed)
}

func TestStreamConnectionDoAsyncPassthrough(t *testing.T) {
	ctx := context.Background()
	factory := newTestFactory(t, standaloneTopo(), testOptions(t, nil), &fakeProvider{})
	require.NoError(t, factory.Start(ctx))

	stream, err := factory.StreamConnection(ctx)
	require.NoError(t, err)

	reply := <-stream.DoAsync(ctx, "ping")
	require.NoError(t, reply.Err)
	require.Equal(t, "ping", reply.Value)
}

func TestConnectionDoForwards(t *testing.T) {
	ctx := context.Background()
	factory := newTestFactory(t, standaloneTopo(), testOptions(t, nil), &fakeProvider{})
	require.NoError(t, factory.Start(ctx))

	conn, err := factory.Connection(ctx)
	require.NoError(t, err)

	value, err := conn.Do(ctx, "echo")
	require.NoError(t, err)
	require.Equal(t, "echo@1", value)
	require.NoError(t, conn.Ping(ctx))
}

func TestConnectionPingSurfacesNativeError(t *testing.T) {
	ctx := context.Background()
	factory := newTestFactory(t, standaloneTopo(), testOptions(t, nil), &fakeProvider{})
	require.NoError(t, factory.Start(ctx))

	conn, err := factory.DedicatedConnection(ctx)
	require.NoError(t, err)

	pingErr := errors.New("broken pipe")
	conn.Native().(*fakeCommandConn).failPing(pingErr)
	require.ErrorIs(t, conn.Ping(ctx), pingErr)
}
