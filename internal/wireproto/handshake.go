package wireproto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/syncrelay/syncrelay/internal/syncmsg"
)

const (
	DefaultClientHandshakeTimeout = 15 * time.Second
	DefaultServerHandshakeTimeout = 20 * time.Second
)

var ErrUnexpectedMessage = errors.New("wireproto: unexpected message during handshake")

// ClientHandshake sends the hello for clientID and waits for the acceptor's manifest.
// Any failure leaves conn unusable; the caller closes it and may retry.
func ClientHandshake(ctx context.Context, conn *Conn, clientID, clientVersion string, timeout time.Duration) (*syncmsg.Manifest, error) {
	if timeout <= 0 {
		timeout = DefaultClientHandshakeTimeout
	}

	// unblock the read if ctx ends first
	stop := context.AfterFunc(ctx, func() {
		conn.conn.SetDeadline(time.Now()) //nolint:errcheck
	})
	defer stop()

	if err := conn.Send(syncmsg.NewClientHello(clientID, clientVersion)); err != nil {
		return nil, handshakeErr(ctx, "send hello", err)
	}

	msg, _, err := conn.ReceiveWithin(timeout)
	if err != nil {
		return nil, handshakeErr(ctx, "read manifest", err)
	}

	manifest, ok := msg.Manifest()
	if !ok {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedMessage, msg.Type, syncmsg.MsgManifest)
	}
	return manifest, nil
}

// AcceptHello reads the opener's hello within timeout. The connection adopts the
// encoding of the hello frame for everything it sends afterwards. Registering
// the session and sending the manifest is left to the caller.
func AcceptHello(conn *Conn, timeout time.Duration) (*syncmsg.ClientHello, error) {
	if timeout <= 0 {
		timeout = DefaultServerHandshakeTimeout
	}

	msg, enc, err := conn.ReceiveWithin(timeout)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}

	hello, ok := msg.Hello()
	if !ok {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedMessage, msg.Type, syncmsg.MsgClientHello)
	}

	conn.SetEncoding(enc)
	return hello, nil
}

func handshakeErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%s: %w", op, err)
}
