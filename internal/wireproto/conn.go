package wireproto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syncrelay/syncrelay/internal/syncmsg"
)

const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultWriteTimeout = 30 * time.Second
)

// Conn is a framed message connection. Send is safe for concurrent use;
// Receive must only be called from one goroutine at a time.
type Conn struct {
	conn         net.Conn
	reader       *bufio.Reader
	encoding     atomic.Uint32
	maxPayload   int
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

type Option func(*Conn)

// WithEncoding sets the encoding used for outgoing frames.
func WithEncoding(enc Encoding) Option {
	return func(c *Conn) {
		c.encoding.Store(uint32(enc))
	}
}

// WithMaxPayload bounds the payload size accepted by Receive.
func WithMaxPayload(n int) Option {
	return func(c *Conn) {
		c.maxPayload = n
	}
}

// WithWriteTimeout sets the deadline applied to every Send. Zero disables it.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) {
		c.writeTimeout = d
	}
}

func NewConn(conn net.Conn, opts ...Option) *Conn {
	c := &Conn{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		maxPayload:   DefaultMaxPayload,
		writeTimeout: DefaultWriteTimeout,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial opens a TCP connection to addr, bounded by timeout and ctx.
func Dial(ctx context.Context, addr string, timeout time.Duration, opts ...Option) (*Conn, error) {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewConn(conn, opts...), nil
}

func (c *Conn) Encoding() Encoding {
	return Encoding(c.encoding.Load())
}

func (c *Conn) SetEncoding(enc Encoding) {
	c.encoding.Store(uint32(enc))
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send writes one message as a single frame.
func (c *Conn) Send(msg *syncmsg.Message) error {
	frame, err := Marshal(msg, c.Encoding())
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
		defer c.conn.SetWriteDeadline(time.Time{}) //nolint:errcheck
	}

	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

// Receive blocks until a full frame has been read.
func (c *Conn) Receive() (*syncmsg.Message, error) {
	msg, _, err := ReadFrame(c.reader, c.maxPayload)
	return msg, err
}

// ReceiveWithin is Receive bounded by a read deadline.
func (c *Conn) ReceiveWithin(timeout time.Duration) (*syncmsg.Message, Encoding, error) {
	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, EncodingMsgPack, err
		}
		defer c.conn.SetReadDeadline(time.Time{}) //nolint:errcheck
	}
	return ReadFrame(c.reader, c.maxPayload)
}

// Close closes the underlying connection. Subsequent calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// IsClosed reports whether err is the result of using a closed connection.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
