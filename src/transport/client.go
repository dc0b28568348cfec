// Package transport is the client side of the authenticated device channel.
// A Client owns one TCP connection for its lifetime; it is not safe for
// concurrent use.
package transport

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nhirsama/picolog/src/identity"
	"github.com/nhirsama/picolog/src/inter"
	"github.com/nhirsama/picolog/src/protocol"
)

// Options configures Dial.
type Options struct {
	// Address is host or host:port. The default port is inter.DefaultPort.
	Address string
	// Identity carries the board id and shared secret.
	Identity *identity.Identity
	// Timeout bounds the handshake and each Invoke. Zero disables it.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client is an authenticated channel to one device.
type Client struct {
	conn    net.Conn
	session *protocol.Session
	timeout time.Duration
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

var _ inter.Channel = (*Client)(nil)

// NewDialer adapts Dial to inter.Dialer.
func NewDialer(opts Options) inter.Dialer {
	return func(ctx context.Context) (inter.Channel, error) {
		c, err := Dial(ctx, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Dial connects to the device and performs the handshake. Every failure
// wraps inter.ErrConnection.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.Identity == nil {
		return nil, fmt.Errorf("%w: no identity configured", inter.ErrConnection)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	address := withDefaultPort(opts.Address)

	dialer := net.Dialer{Timeout: opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %w", inter.ErrConnection, address, err)
	}

	c := &Client{
		conn:    conn,
		session: protocol.NewSession(conn),
		timeout: opts.Timeout,
		logger:  logger.With("device", address),
	}

	stop := c.watch(ctx)
	err = c.handshake(opts.Identity)
	interrupted := !stop()
	if err != nil {
		conn.Close()
		if interrupted && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", inter.ErrConnection, ctx.Err())
		}
		return nil, fmt.Errorf("%w: handshake with %s: %w", inter.ErrConnection, address, err)
	}
	c.logger.Info("connected to device", "board_id", opts.Identity.BoardID)
	return c, nil
}

func withDefaultPort(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(inter.DefaultPort))
}

// watch arms the connection deadline for one exchange. The returned stop
// function reports false when ctx ended first and the deadline was forced.
func (c *Client) watch(ctx context.Context) func() bool {
	var deadline time.Time
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)

	return context.AfterFunc(ctx, func() {
		// unblocks any pending read or write
		c.conn.SetDeadline(time.Unix(1, 0))
	})
}

func (c *Client) handshake(id *identity.Identity) error {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	clientPub := priv.PublicKey().Bytes()

	hello := make([]byte, 0, len(clientPub)+len(id.BoardID))
	hello = append(hello, clientPub...)
	hello = append(hello, id.BoardID...)
	if err := c.session.Send(&inter.Frame{Type: inter.MsgHello, Payload: hello}); err != nil {
		return err
	}

	challenge, err := c.session.Receive()
	if err != nil {
		return err
	}
	if challenge.Type != inter.MsgChallenge || len(challenge.Payload) != 32+identity.ChallengeSize {
		return fmt.Errorf("unexpected challenge frame 0x%X (%d bytes)", uint16(challenge.Type), len(challenge.Payload))
	}
	devicePub := challenge.Payload[:32]
	peer, err := ecdh.X25519().NewPublicKey(devicePub)
	if err != nil {
		return fmt.Errorf("device public key: %w", err)
	}
	shared, err := priv.ECDH(peer)
	if err != nil {
		return fmt.Errorf("key agreement: %w", err)
	}

	transcript := identity.Transcript{
		BoardID:   id.BoardID,
		ClientPub: clientPub,
		DevicePub: devicePub,
		Challenge: challenge.Payload[32:],
	}
	keys, err := id.DeriveSessionKeys(shared, transcript)
	if err != nil {
		return err
	}
	c.session.SetKeys(keys.ClientToDevice, keys.DeviceToClient)

	if err := c.session.Send(&inter.Frame{Type: inter.MsgAuth, Payload: id.Proof(identity.RoleClient, transcript)}); err != nil {
		return err
	}
	ack, err := c.session.Receive()
	if err != nil {
		var peerErr *protocol.PeerError
		if errors.As(err, &peerErr) {
			return fmt.Errorf("%w: %w", inter.ErrAuthRejected, err)
		}
		return err
	}
	if ack.Type != inter.MsgAuthAck || ack.Value != 0 {
		return fmt.Errorf("%w: unexpected ack 0x%X value %d", inter.ErrAuthRejected, uint16(ack.Type), ack.Value)
	}
	if !id.Verify(identity.RoleDevice, transcript, ack.Payload) {
		return fmt.Errorf("%w: device proof mismatch", inter.ErrAuthRejected)
	}
	return nil
}

// Invoke runs handlerID on the device with parameter and returns the
// handler's output and status code. When ctx ends first the call returns
// ctx.Err() and the client must be closed.
func (c *Client) Invoke(ctx context.Context, handlerID uint16, parameter int32) ([]byte, int32, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	stop := c.watch(ctx)
	payload, status, err := c.roundTrip(handlerID, parameter)
	if !stop() && ctx.Err() != nil {
		return nil, 0, ctx.Err()
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%w: invoking handler %d: %w", inter.ErrTransport, handlerID, err)
	}
	return payload, status, nil
}

func (c *Client) roundTrip(handlerID uint16, parameter int32) ([]byte, int32, error) {
	err := c.session.Send(&inter.Frame{Type: inter.MsgRun, HandlerID: handlerID, Value: parameter})
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.session.Receive()
	if err != nil {
		return nil, 0, err
	}
	if resp.Type != inter.MsgResult || resp.HandlerID != handlerID {
		return nil, 0, fmt.Errorf("unexpected response 0x%X for handler %d", uint16(resp.Type), resp.HandlerID)
	}
	c.logger.Debug("handler returned", "handler", handlerID, "status", resp.Value, "bytes", len(resp.Payload))
	return resp.Payload, resp.Value, nil
}

// Close releases the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
		c.logger.Debug("connection closed")
	})
	return c.closeErr
}
