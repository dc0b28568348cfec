package transport

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/nhirsama/picolog/src/device"
	"github.com/nhirsama/picolog/src/identity"
	"github.com/nhirsama/picolog/src/inter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBoard = "E6614103E7"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startDevice(t *testing.T, secret string, handlers map[uint16]device.HandlerFunc) string {
	t.Helper()
	id, err := identity.NewIdentity(testBoard, secret)
	require.NoError(t, err)
	srv := device.NewServer(id, discardLogger())
	for hid, h := range handlers {
		srv.Handle(hid, h)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, l)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l.Addr().String()
}

func options(t *testing.T, addr, secret string) Options {
	id, err := identity.NewIdentity(testBoard, secret)
	require.NoError(t, err)
	return Options{Address: addr, Identity: id, Timeout: 5 * time.Second, Logger: discardLogger()}
}

func echoHandlers() map[uint16]device.HandlerFunc {
	return map[uint16]device.HandlerFunc{
		inter.FirstUserHandler: func(parameter int32, _ []byte) (int32, []byte) {
			if parameter < 0 {
				return -1, nil
			}
			return 0, []byte{byte(parameter), 0}
		},
	}
}

func TestDialAndInvoke(t *testing.T) {
	addr := startDevice(t, "s3cret", echoHandlers())

	c, err := Dial(context.Background(), options(t, addr, "s3cret"))
	require.NoError(t, err)
	defer c.Close()

	payload, status, err := c.Invoke(context.Background(), inter.FirstUserHandler, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(0), status)
	assert.Equal(t, []byte{2, 0}, payload)

	// 非零返回码原样交给调用方
	_, status, err = c.Invoke(context.Background(), inter.FirstUserHandler, -3)
	require.NoError(t, err)
	assert.Equal(t, int32(-1), status)
}

func TestDialWrongSecret(t *testing.T) {
	addr := startDevice(t, "s3cret", echoHandlers())

	_, err := Dial(context.Background(), options(t, addr, "wrong"))
	require.Error(t, err)
	assert.ErrorIs(t, err, inter.ErrConnection)
	assert.ErrorIs(t, err, inter.ErrAuthRejected)
}

func TestDialRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	_, err = Dial(context.Background(), options(t, addr, "s3cret"))
	assert.ErrorIs(t, err, inter.ErrConnection)
}

func TestNewDialerReturnsNilChannelOnError(t *testing.T) {
	dial := NewDialer(Options{Address: "127.0.0.1:1"})
	ch, err := dial(context.Background())
	assert.ErrorIs(t, err, inter.ErrConnection)
	assert.Nil(t, ch)
}

func TestInvokeUnknownHandler(t *testing.T) {
	addr := startDevice(t, "s3cret", echoHandlers())

	c, err := Dial(context.Background(), options(t, addr, "s3cret"))
	require.NoError(t, err)
	defer c.Close()

	_, _, err = c.Invoke(context.Background(), 7, 0)
	assert.ErrorIs(t, err, inter.ErrTransport)
	assert.Contains(t, err.Error(), "unknown handler 7")
}

func TestInvokeCancelled(t *testing.T) {
	release := make(chan struct{})
	addr := startDevice(t, "s3cret", map[uint16]device.HandlerFunc{
		inter.FirstUserHandler: func(int32, []byte) (int32, []byte) {
			<-release
			return 0, nil
		},
	})
	t.Cleanup(func() { close(release) })

	c, err := Dial(context.Background(), options(t, addr, "s3cret"))
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, _, err = c.Invoke(ctx, inter.FirstUserHandler, inter.ParamSampleDrain)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, inter.ErrTransport)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestInvokeTimeout(t *testing.T) {
	release := make(chan struct{})
	addr := startDevice(t, "s3cret", map[uint16]device.HandlerFunc{
		inter.FirstUserHandler: func(int32, []byte) (int32, []byte) {
			<-release
			return 0, nil
		},
	})
	t.Cleanup(func() { close(release) })

	opts := options(t, addr, "s3cret")
	c, err := Dial(context.Background(), opts)
	require.NoError(t, err)
	defer c.Close()
	c.timeout = 100 * time.Millisecond

	_, _, err = c.Invoke(context.Background(), inter.FirstUserHandler, 0)
	assert.ErrorIs(t, err, inter.ErrTransport)
}

func TestCloseIdempotent(t *testing.T) {
	addr := startDevice(t, "s3cret", echoHandlers())

	c, err := Dial(context.Background(), options(t, addr, "s3cret"))
	require.NoError(t, err)

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())

	_, _, err = c.Invoke(context.Background(), inter.FirstUserHandler, 0)
	assert.ErrorIs(t, err, inter.ErrTransport)
}

func TestWithDefaultPort(t *testing.T) {
	assert.Equal(t, "10.0.0.5:1404", withDefaultPort("10.0.0.5"))
	assert.Equal(t, "10.0.0.5:9000", withDefaultPort("10.0.0.5:9000"))
	assert.Equal(t, "pico.local:1404", withDefaultPort("pico.local"))
}
