package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"github.com/syncrelay/syncrelay/internal/queue"
	"github.com/syncrelay/syncrelay/internal/replica"
	"github.com/syncrelay/syncrelay/internal/syncmsg"
	"github.com/syncrelay/syncrelay/internal/wireproto"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultReconnectDelay    = time.Second
	DefaultMaxReconnectDelay = 8 * time.Second
)

var errConnClosed = errors.New("connection closed")

type EngineConfig struct {
	ClientID          string
	Version           string
	Addr              string
	Encoding          wireproto.Encoding
	DialTimeout       time.Duration
	HandshakeTimeout  time.Duration
	PollInterval      time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	Detector          DetectorConfig

	// Dial opens the transport to the relay. Nil dials TCP.
	Dial func(ctx context.Context, addr string) (net.Conn, error)
}

func (c *EngineConfig) setDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = wireproto.DefaultDialTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = wireproto.DefaultClientHandshakeTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = max(DefaultMaxReconnectDelay, c.ReconnectDelay)
	}
}

// SyncEngine keeps a local directory synchronized with the relay. Detection
// (notifications and polling) feeds an outbound queue; a single sender drains
// it over the current connection and reconnects whenever the connection fails.
type SyncEngine struct {
	config   EngineConfig
	store    *replica.Store
	index    *FileIndex
	outbox   *queue.Queue[*syncmsg.Change]
	detector *Detector
	watcher  *FileWatcher
	poller   *Poller
	status   *ConnStatus
	clock    clockwork.Clock

	mu      sync.Mutex
	cancel  context.CancelFunc
	eg      *errgroup.Group
	readers sync.WaitGroup
}

func NewSyncEngine(store *replica.Store, config EngineConfig, clock clockwork.Clock) (*SyncEngine, error) {
	if config.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if config.Addr == "" {
		return nil, fmt.Errorf("relay address is required")
	}
	config.setDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	index := NewFileIndex()
	outbox := queue.New[*syncmsg.Change]()
	detector := NewDetector(store, index, outbox, config.Detector)
	watcher := NewFileWatcher(store.Root(), store)
	detector.SetIgnoreOnce(watcher.IgnoreOnce)

	return &SyncEngine{
		config:   config,
		store:    store,
		index:    index,
		outbox:   outbox,
		detector: detector,
		watcher:  watcher,
		poller:   NewPoller(config.PollInterval, clock, detector.Scan),
		status:   NewConnStatus(),
		clock:    clock,
	}, nil
}

// Start indexes the directory and launches detection and delivery. It returns
// once everything is running.
func (se *SyncEngine) Start(ctx context.Context) error {
	se.mu.Lock()
	defer se.mu.Unlock()

	if se.cancel != nil {
		return fmt.Errorf("sync engine already started")
	}

	if err := se.detector.IndexAll(); err != nil {
		return fmt.Errorf("initial scan: %w", err)
	}
	slog.Info("sync engine start", "root", se.store.Root(), "files", se.index.Len(), "relay", se.config.Addr, "client", se.config.ClientID)

	ctx, cancel := context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(ctx)

	if err := se.watcher.Start(egCtx); err != nil {
		cancel()
		return fmt.Errorf("start file watcher: %w", err)
	}

	eg.Go(func() error { return se.watchLoop(egCtx) })
	eg.Go(func() error { return se.poller.Run(egCtx) })
	eg.Go(func() error { return se.sendLoop(egCtx) })

	se.cancel = cancel
	se.eg = eg
	return nil
}

// Stop interrupts detection and delivery and closes the connection. Changes
// still queued are forfeited.
func (se *SyncEngine) Stop() error {
	se.mu.Lock()
	defer se.mu.Unlock()

	if se.cancel == nil {
		return nil
	}

	slog.Info("sync engine stopping")
	se.cancel()
	se.watcher.Stop()
	err := se.eg.Wait()
	se.readers.Wait()
	se.cancel = nil

	if forfeited := se.outbox.DequeueAll(); len(forfeited) > 0 {
		slog.Warn("sync engine forfeited undelivered changes", "count", len(forfeited))
	}
	se.status.Set(StateDisconnected)
	slog.Info("sync engine stopped")
	return err
}

func (se *SyncEngine) Status() ConnState {
	return se.status.Get()
}

// Subscribe returns a channel of connection state transitions.
func (se *SyncEngine) Subscribe() <-chan ConnState {
	return se.status.Subscribe()
}

func (se *SyncEngine) Unsubscribe(ch <-chan ConnState) {
	se.status.Unsubscribe(ch)
}

// Pending is the number of changes waiting for delivery.
func (se *SyncEngine) Pending() int {
	return se.outbox.Len()
}

func (se *SyncEngine) watchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-se.watcher.Events():
			se.detector.HandlePath(ctx, event.Path)
		}
	}
}

func (se *SyncEngine) sendLoop(ctx context.Context) error {
	for {
		conn, err := se.connect(ctx)
		if err != nil {
			return nil
		}

		// a cancelled engine must not wait on a blocked write
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		err = se.drain(ctx, conn)
		stop()
		conn.Close()

		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("connection lost", "relay", se.config.Addr, "error", err, "pending", se.outbox.Len())
		se.status.Set(StateReconnecting)
	}
}

// connect dials and handshakes until it succeeds or ctx is done. Failed attempts
// back off exponentially with jitter.
func (se *SyncEngine) connect(ctx context.Context) (*wireproto.Conn, error) {
	delay := se.config.ReconnectDelay

	for attempt := 1; ; attempt++ {
		se.status.Set(StateHandshaking)

		conn, err := se.handshake(ctx)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		se.status.Set(StateReconnecting)
		wait := jitter(delay)
		slog.Warn("connect failed", "relay", se.config.Addr, "attempt", attempt, "retry", wait.Round(time.Millisecond), "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-se.clock.After(wait):
		}
		delay = min(delay*2, se.config.MaxReconnectDelay)
	}
}

func (se *SyncEngine) handshake(ctx context.Context) (*wireproto.Conn, error) {
	conn, err := se.dial(ctx)
	if err != nil {
		return nil, err
	}

	manifest, err := wireproto.ClientHandshake(ctx, conn, se.config.ClientID, se.config.Version, se.config.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}

	// queue what the relay is missing before inbound changes can touch the index
	queued := se.detector.InitialSync(ctx, manifest.Set())
	slog.Info("connected", "relay", se.config.Addr, "remote", manifest.Len(), "local", se.index.Len(), "queued", queued, "encoding", conn.Encoding())

	se.readers.Add(1)
	go se.readLoop(conn)

	se.status.Set(StateSynced)
	return conn, nil
}

func (se *SyncEngine) dial(ctx context.Context) (*wireproto.Conn, error) {
	if se.config.Dial == nil {
		return wireproto.Dial(ctx, se.config.Addr, se.config.DialTimeout, wireproto.WithEncoding(se.config.Encoding))
	}

	ctx, cancel := context.WithTimeout(ctx, se.config.DialTimeout)
	defer cancel()
	nc, err := se.config.Dial(ctx, se.config.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", se.config.Addr, err)
	}
	return wireproto.NewConn(nc, wireproto.WithEncoding(se.config.Encoding)), nil
}

// drain sends queued changes in order until the connection fails. A change
// whose send failed goes back to its original position in the queue.
func (se *SyncEngine) drain(ctx context.Context, conn *wireproto.Conn) error {
	for {
		item, err := se.outbox.DequeueWait(ctx, conn.Done())
		if errors.Is(err, queue.ErrCancelled) {
			return errConnClosed
		} else if err != nil {
			return err
		}

		change := item.Value
		if err := conn.Send(syncmsg.NewChange(change)); err != nil {
			se.outbox.Requeue(item)
			return err
		}
		slog.Debug("change sent", "kind", change.Kind, "path", change.Path, "size", humanize.Bytes(uint64(len(change.Content))), "seq", item.Seq)
	}
}

// readLoop applies changes broadcast by the relay. It closes the connection when
// reading fails, which wakes the sender.
func (se *SyncEngine) readLoop(conn *wireproto.Conn) {
	defer se.readers.Done()
	defer conn.Close()

	for {
		msg, err := conn.Receive()
		if err != nil {
			if wireproto.IsProtocolError(err) {
				slog.Warn("discarded inbound message", "error", err)
				continue
			}
			select {
			case <-conn.Done():
			default:
				slog.Warn("connection read", "relay", se.config.Addr, "error", err)
			}
			return
		}

		change, ok := msg.Change()
		if !ok {
			slog.Warn("unexpected inbound message", "type", msg.Type, "id", msg.Id)
			continue
		}
		if err := se.detector.ApplyInbound(change); err != nil {
			slog.Error("apply inbound", "kind", change.Kind, "path", change.Path, "error", err)
		}
	}
}

func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.75 + rand.Float64()*0.5))
}
