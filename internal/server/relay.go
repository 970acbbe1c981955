package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/syncrelay/syncrelay/internal/replica"
	"github.com/syncrelay/syncrelay/internal/server/metrics"
	"github.com/syncrelay/syncrelay/internal/syncmsg"
	"github.com/syncrelay/syncrelay/internal/wireproto"
)

// Relay applies changes received from clients to the storage root and
// forwards them to every other registered client.
type Relay struct {
	store    *replica.Store
	registry *Registry
	opts     RelayOptions

	// serializes apply+broadcast and registration
	mu sync.Mutex

	conns   map[*wireproto.Conn]struct{}
	connsMu sync.Mutex
	closed  bool
}

var errRelayClosed = errors.New("relay closed")

// RelayOptions tunes per-connection limits. Zero values select the wireproto defaults.
type RelayOptions struct {
	HandshakeTimeout time.Duration
	// WriteTimeout bounds a frame write and the wait for room in a session's
	// outbound buffer.
	WriteTimeout time.Duration
	MaxPayload   int
}

func NewRelay(store *replica.Store, opts RelayOptions) *Relay {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = wireproto.DefaultServerHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = wireproto.DefaultWriteTimeout
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = wireproto.DefaultMaxPayload
	}
	return &Relay{
		store:    store,
		registry: NewRegistry(),
		opts:     opts,
		conns:    make(map[*wireproto.Conn]struct{}),
	}
}

func (r *Relay) Registry() *Registry {
	return r.registry
}

// HandleConn runs one client connection to completion.
func (r *Relay) HandleConn(nc net.Conn) {
	conn := wireproto.NewConn(nc,
		wireproto.WithWriteTimeout(r.opts.WriteTimeout),
		wireproto.WithMaxPayload(r.opts.MaxPayload),
	)
	defer conn.Close()

	if !r.track(conn) {
		return
	}
	defer r.untrack(conn)

	hello, err := wireproto.AcceptHello(conn, r.opts.HandshakeTimeout)
	if err != nil {
		metrics.RecordHandshake("failed")
		slog.Warn("handshake failed", "addr", conn.RemoteAddr(), "error", err)
		return
	}

	sess := NewSession(hello, conn, r.opts.WriteTimeout)
	if err := r.register(sess); err != nil {
		metrics.RecordHandshake("error")
		slog.Error("register session", "client", sess.ID, "addr", sess.Addr, "error", err)
		return
	}
	metrics.RecordHandshake("ok")

	defer r.unregister(sess)
	sess.Start()

	r.readLoop(sess)
}

// register sends the manifest and publishes the session in one critical section
// with apply+broadcast, so no broadcast can precede the manifest.
func (r *Relay) register(sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connsMu.Lock()
	closed := r.closed
	r.connsMu.Unlock()
	if closed {
		return errRelayClosed
	}

	paths, err := r.store.List()
	if err != nil {
		return fmt.Errorf("list manifest: %w", err)
	}
	if !sess.Send(syncmsg.NewManifest(paths)) {
		return fmt.Errorf("queue manifest: session closed")
	}

	if prev := r.registry.Register(sess); prev != nil {
		slog.Info("session superseded", "client", sess.ID, "old", prev.ConnID, "new", sess.ConnID)
	}

	metrics.SetSessionsActive(r.registry.Len())
	slog.Info("client registered", "client", sess.ID, "connId", sess.ConnID, "addr", sess.Addr, "version", sess.Version, "manifest", paths.Cardinality(), "encoding", sess.conn.Encoding())
	return nil
}

func (r *Relay) unregister(sess *Session) {
	removed := r.registry.Unregister(sess)

	sess.Close()
	metrics.SetSessionsActive(r.registry.Len())
	slog.Info("client disconnected", "client", sess.ID, "connId", sess.ConnID, "unregistered", removed)
}

func (r *Relay) readLoop(sess *Session) {
	for {
		msg, err := sess.conn.Receive()
		if err != nil {
			if wireproto.IsProtocolError(err) {
				metrics.RecordProtocolError()
				slog.Warn("discarded message", "client", sess.ID, "error", err)
				continue
			}
			if !errors.Is(err, io.EOF) && !wireproto.IsClosed(err) {
				slog.Warn("session reader", "client", sess.ID, "connId", sess.ConnID, "error", err)
			}
			return
		}

		change, ok := msg.Change()
		if !ok {
			metrics.RecordProtocolError()
			slog.Warn("unexpected message", "client", sess.ID, "type", msg.Type, "id", msg.Id)
			continue
		}
		r.HandleChange(sess.ID, change)
	}
}

// HandleChange applies change and, if that succeeded, forwards it to every
// session whose id differs from sourceID.
func (r *Relay) HandleChange(sourceID string, change *syncmsg.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Apply(change); err != nil {
		metrics.RecordApply(change.Kind.String(), false, 0)
		slog.Error("apply change", "client", sourceID, "kind", change.Kind, "path", change.Path, "error", err)
		return
	}
	metrics.RecordApply(change.Kind.String(), true, len(change.Content))
	slog.Info("applied change", "client", sourceID, "kind", change.Kind, "path", change.Path, "size", humanize.Bytes(uint64(len(change.Content))))

	r.broadcast(sourceID, change)
}

func (r *Relay) broadcast(sourceID string, change *syncmsg.Change) {
	msg := syncmsg.NewChange(change)
	for _, target := range r.registry.Snapshot() {
		if target.ID == sourceID {
			continue
		}
		if target.Send(msg) {
			metrics.RecordBroadcast("queued")
			continue
		}
		// the session is closed; its client resyncs on reconnect
		metrics.RecordBroadcast("failed")
		r.registry.Unregister(target)
		metrics.SetSessionsActive(r.registry.Len())
		slog.Warn("broadcast failed, session closed", "client", target.ID, "connId", target.ConnID, "kind", change.Kind, "path", change.Path)
	}
}

func (r *Relay) track(conn *wireproto.Conn) bool {
	r.connsMu.Lock()
	defer r.connsMu.Unlock()
	if r.closed {
		return false
	}
	r.conns[conn] = struct{}{}
	return true
}

func (r *Relay) untrack(conn *wireproto.Conn) {
	r.connsMu.Lock()
	defer r.connsMu.Unlock()
	delete(r.conns, conn)
}

// CloseAll closes every connection, including superseded sessions and
// connections still in the handshake. Connections accepted afterwards are
// closed immediately.
func (r *Relay) CloseAll() {
	r.connsMu.Lock()
	r.closed = true
	conns := make([]*wireproto.Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.connsMu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
