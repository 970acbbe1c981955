package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/syncrelay/syncrelay/internal/replica"
	"github.com/syncrelay/syncrelay/internal/utils"
	"golang.org/x/sync/errgroup"
)

const lockFileName = "server.lock"

var ErrStorageLocked = errors.New("storage root locked by another server")

type Server struct {
	config *Config
	store  *replica.Store
	relay  *Relay
	flock  *flock.Flock

	mu       sync.Mutex
	listener net.Listener
	admin    *http.Server
	conns    sync.WaitGroup
}

// New prepares the storage root. It fails if the root cannot be created or is
// already served by another process.
func New(config *Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	store, err := replica.NewStore(config.Dir)
	if err != nil {
		return nil, fmt.Errorf("storage root: %w", err)
	}

	relay := NewRelay(store, RelayOptions{
		HandshakeTimeout: config.HandshakeTimeout,
		WriteTimeout:     config.WriteTimeout,
		MaxPayload:       config.MaxPayload,
	})

	s := &Server{
		config: config,
		store:  store,
		relay:  relay,
		flock:  flock.New(filepath.Join(store.Root(), replica.MetaDir, lockFileName)),
	}

	if config.AdminAddr != "" {
		s.admin = &http.Server{
			Addr:              config.AdminAddr,
			Handler:           SetupRoutes(s.relay),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

func (s *Server) Store() *replica.Store {
	return s.store
}

func (s *Server) Relay() *Relay {
	return s.relay
}

// Listen binds the relay listener and takes the storage lock.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}

	if err := utils.EnsureParent(s.flock.Path()); err != nil {
		return fmt.Errorf("lock dir: %w", err)
	}
	locked, err := s.flock.TryLock()
	if err != nil {
		return fmt.Errorf("lock storage root: %w", err)
	}
	if !locked {
		return ErrStorageLocked
	}

	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		s.flock.Unlock()
		return fmt.Errorf("listen %s: %w", s.config.Addr(), err)
	}
	s.listener = ln
	return nil
}

// Addr is the bound relay address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections until ctx is cancelled, then closes every session.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server not listening")
	}

	slog.Info("syncrelay server start", "addr", ln.Addr().String(), "dir", s.store.Root())
	defer slog.Info("syncrelay server stop")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		// Stop closes the listener without cancelling ctx
		defer cancel()
		return s.acceptLoop(ln)
	})

	if s.admin != nil {
		eg.Go(func() error {
			slog.Info("admin api start", "addr", s.admin.Addr)
			if err := s.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin api: %w", err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		return s.shutdown()
	})

	return eg.Wait()
}

// Stop closes the listener and every session.
func (s *Server) Stop() error {
	return s.shutdown()
}

func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				slog.Warn("accept", "error", err)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		slog.Debug("connection accepted", "addr", nc.RemoteAddr().String())
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.relay.HandleConn(nc)
		}()
	}
}

func (s *Server) shutdown() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	var errs []error
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}

	if s.admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.admin.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("admin api shutdown: %w", err))
		}
	}

	s.relay.CloseAll()
	s.conns.Wait()

	if err := s.flock.Unlock(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
