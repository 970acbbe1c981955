// Package client wires the sync client together: workspace lock, replica store
// and the sync engine.
package client

import (
	"context"
	"fmt"
	"log/slog"
	gosync "sync"

	"github.com/syncrelay/syncrelay/internal/client/config"
	"github.com/syncrelay/syncrelay/internal/client/sync"
	"github.com/syncrelay/syncrelay/internal/client/workspace"
	"github.com/syncrelay/syncrelay/internal/replica"
	"github.com/syncrelay/syncrelay/internal/version"
)

type Client struct {
	config    *config.Config
	workspace *workspace.Workspace
	store     *replica.Store
	engine    *sync.SyncEngine

	mu     gosync.Mutex
	cancel context.CancelFunc
}

// New creates the watched root if it is missing and locks it. Failing to create
// the root is fatal for the client.
func New(cfg *config.Config) (*Client, error) {
	ws, err := workspace.NewWorkspace(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	if err := ws.Setup(); err != nil {
		return nil, fmt.Errorf("failed to setup workspace: %w", err)
	}

	store, err := replica.NewStore(ws.Root)
	if err != nil {
		ws.Unlock()
		return nil, fmt.Errorf("failed to open replica: %w", err)
	}

	engine, err := sync.NewSyncEngine(store, sync.EngineConfig{
		ClientID:         cfg.ID,
		Version:          version.Short(),
		Addr:             cfg.Addr(),
		Encoding:         cfg.WireEncoding(),
		DialTimeout:      cfg.DialTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		PollInterval:     cfg.PollInterval,
	}, nil)
	if err != nil {
		ws.Unlock()
		return nil, fmt.Errorf("failed to create sync engine: %w", err)
	}

	return &Client{
		config:    cfg,
		workspace: ws,
		store:     store,
		engine:    engine,
	}, nil
}

// Start runs the client until ctx is done or Stop is called.
func (c *Client) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	slog.Info("syncrelay client start", "id", c.config.ID, "dir", c.workspace.Root, "relay", c.config.Addr(), "version", version.Short())
	if err := c.engine.Start(ctx); err != nil {
		c.workspace.Unlock()
		return fmt.Errorf("failed to start sync engine: %w", err)
	}

	<-ctx.Done()
	slog.Info("stopping client")

	err := c.engine.Stop()
	if uerr := c.workspace.Unlock(); uerr != nil {
		slog.Warn("workspace unlock", "error", uerr)
	}
	slog.Info("syncrelay client stop")
	return err
}

// Stop asks a running Start to return.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Client) ID() string {
	return c.config.ID
}

func (c *Client) Status() sync.ConnState {
	return c.engine.Status()
}

// Subscribe returns a channel of connection state transitions.
func (c *Client) Subscribe() <-chan sync.ConnState {
	return c.engine.Subscribe()
}

// Root is the watched directory.
func (c *Client) Root() string {
	return c.workspace.Root
}
