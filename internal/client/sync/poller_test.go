package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoller_ScansOnEveryTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var scans atomic.Int32
	p := NewPoller(time.Second, clock, func(ctx context.Context) error {
		scans.Add(1)
		return errors.New("scan errors are logged, not fatal")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	clock.BlockUntil(1)
	assert.Equal(t, int32(0), scans.Load(), "no scan before the first tick")

	for i := 1; i <= 3; i++ {
		clock.Advance(time.Second)
		want := int32(i)
		require.Eventually(t, func() bool { return scans.Load() == want }, time.Second, time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestPoller_DefaultInterval(t *testing.T) {
	p := NewPoller(0, nil, func(context.Context) error { return nil })
	assert.Equal(t, DefaultPollInterval, p.interval)
}
