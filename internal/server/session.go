package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/syncrelay/syncrelay/internal/syncmsg"
	"github.com/syncrelay/syncrelay/internal/utils"
	"github.com/syncrelay/syncrelay/internal/wireproto"
)

const sessionTxBufferSize = 256

// Session is one handshaked client connection. Outbound messages go through a
// buffered channel drained by the session's write loop. A session that cannot
// take a message within sendTimeout is closed, never skipped.
type Session struct {
	ID           string
	ConnID       string
	Addr         string
	Version      string
	RegisteredAt time.Time

	sendTimeout time.Duration
	conn        *wireproto.Conn
	tx          chan *syncmsg.Message
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func NewSession(hello *syncmsg.ClientHello, conn *wireproto.Conn, sendTimeout time.Duration) *Session {
	if sendTimeout <= 0 {
		sendTimeout = wireproto.DefaultWriteTimeout
	}
	return &Session{
		ID:           hello.ID,
		ConnID:       utils.TokenHex(4),
		Addr:         conn.RemoteAddr(),
		Version:      hello.Version,
		RegisteredAt: time.Now(),
		sendTimeout:  sendTimeout,
		conn:         conn,
		tx:           make(chan *syncmsg.Message, sessionTxBufferSize),
		done:         make(chan struct{}),
	}
}

// Start launches the write loop.
func (s *Session) Start() {
	s.wg.Add(1)
	go s.writeLoop()
}

// Send queues msg, waiting up to the send timeout for buffer space. If the
// buffer stays full the session is closed, which turns the lost message into a
// connection failure. Send reports whether msg was queued.
func (s *Session) Send(msg *syncmsg.Message) bool {
	select {
	case <-s.done:
		return false
	case <-s.conn.Done():
		return false
	default:
	}

	select {
	case s.tx <- msg:
		return true
	default:
	}

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()

	select {
	case s.tx <- msg:
		return true
	case <-s.done:
		return false
	case <-s.conn.Done():
		return false
	case <-timer.C:
		slog.Warn("session too slow, closing", "client", s.ID, "connId", s.ConnID, "pending", len(s.tx), "timeout", s.sendTimeout)
		s.Close()
		return false
	}
}

// Pending is the number of queued outbound messages.
func (s *Session) Pending() int {
	return len(s.tx)
}

// Close closes the connection and waits for the write loop.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
	s.wg.Wait()
}

func (s *Session) writeLoop() {
	defer func() {
		slog.Debug("session writer shutdown", "client", s.ID, "connId", s.ConnID)
		s.wg.Done()
	}()

	for {
		select {
		case msg := <-s.tx:
			if err := s.conn.Send(msg); err != nil {
				// the read loop sees the closed socket and unregisters the session
				slog.Error("session writer", "client", s.ID, "connId", s.ConnID, "msgId", msg.Id, "msgType", msg.Type, "error", err)
				s.conn.Close()
				return
			}
			slog.Debug("session writer", "client", s.ID, "connId", s.ConnID, "msgId", msg.Id, "msgType", msg.Type)

		case <-s.done:
			return
		}
	}
}
