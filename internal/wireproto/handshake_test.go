package wireproto

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/syncrelay/syncrelay/internal/syncmsg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipe(t *testing.T, clientOpts ...Option) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	client := NewConn(a, clientOpts...)
	server := NewConn(b)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestHandshake_Success(t *testing.T) {
	for _, enc := range []Encoding{EncodingMsgPack, EncodingJSON} {
		t.Run(enc.String(), func(t *testing.T) {
			client, server := pipe(t, WithEncoding(enc))

			errc := make(chan error, 1)
			go func() {
				hello, err := AcceptHello(server, time.Second)
				if err != nil {
					errc <- err
					return
				}
				if hello.ID != "client-a" {
					errc <- assert.AnError
					return
				}
				errc <- server.Send(syncmsg.NewManifest(mapset.NewSet("a.txt", "b.txt")))
			}()

			manifest, err := ClientHandshake(context.Background(), client, "client-a", "test", time.Second)
			require.NoError(t, err)
			require.NoError(t, <-errc)

			assert.Equal(t, enc, server.Encoding())
			assert.True(t, manifest.Set().Equal(mapset.NewSet("a.txt", "b.txt")))
		})
	}
}

func TestHandshake_ClientTimeout(t *testing.T) {
	client, server := pipe(t)

	go func() {
		_, _ = AcceptHello(server, time.Second)
		// never answer with a manifest
	}()

	_, err := ClientHandshake(context.Background(), client, "client-a", "test", 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestHandshake_ClientContextCancel(t *testing.T) {
	client, server := pipe(t)

	go func() {
		_, _ = AcceptHello(server, time.Second)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := ClientHandshake(ctx, client, "client-a", "test", 5*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHandshake_WrongReplyType(t *testing.T) {
	client, server := pipe(t)

	go func() {
		if _, err := AcceptHello(server, time.Second); err == nil {
			_ = server.Send(syncmsg.NewDelete("a.txt"))
		}
	}()

	_, err := ClientHandshake(context.Background(), client, "client-a", "test", time.Second)
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
}

func TestAcceptHello_WrongType(t *testing.T) {
	client, server := pipe(t)

	go func() {
		_ = client.Send(syncmsg.NewCreate("a.txt", []byte("x")))
	}()

	_, err := AcceptHello(server, time.Second)
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
}

func TestAcceptHello_Timeout(t *testing.T) {
	_, server := pipe(t)

	_, err := AcceptHello(server, 50*time.Millisecond)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestConn_CloseIdempotent(t *testing.T) {
	client, _ := pipe(t)

	require.NoError(t, client.Close())
	assert.NoError(t, client.Close())

	select {
	case <-client.Done():
	default:
		t.Fatal("Done not closed")
	}

	err := client.Send(syncmsg.NewDelete("a.txt"))
	require.Error(t, err)
}

func TestConn_ConcurrentSends(t *testing.T) {
	client, server := pipe(t)
	const n = 25

	for i := 0; i < n; i++ {
		go func() {
			_ = client.Send(syncmsg.NewCreate("a.txt", []byte("payload")))
		}()
	}

	for i := 0; i < n; i++ {
		msg, err := server.Receive()
		require.NoError(t, err)
		_, ok := msg.Change()
		assert.True(t, ok)
	}
}
