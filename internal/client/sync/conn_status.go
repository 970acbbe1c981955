package sync

import (
	"sync"
)

const statusEventBufferSize = 16

// ConnState is the connection state of a client.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateHandshaking
	StateSynced
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateSynced:
		return "SYNCED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// ConnStatus holds the current state and fans out transitions to subscribers.
type ConnStatus struct {
	state ConnState
	mu    sync.RWMutex

	subs  []chan ConnState
	subMu sync.RWMutex
}

func NewConnStatus() *ConnStatus {
	return &ConnStatus{
		state: StateDisconnected,
		subs:  make([]chan ConnState, 0),
	}
}

func (s *ConnStatus) Get() ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Set records a new state and notifies subscribers if it changed.
func (s *ConnStatus) Set(state ConnState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	s.broadcast(state)
}

// Subscribe returns a channel receiving every subsequent transition.
// Slow subscribers miss transitions rather than blocking the engine.
func (s *ConnStatus) Subscribe() <-chan ConnState {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	ch := make(chan ConnState, statusEventBufferSize)
	s.subs = append(s.subs, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel
func (s *ConnStatus) Unsubscribe(ch <-chan ConnState) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for i, sub := range s.subs {
		if sub == ch {
			close(sub)
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
}

func (s *ConnStatus) broadcast(state ConnState) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, sub := range s.subs {
		select {
		case sub <- state:
		default:
		}
	}
}
