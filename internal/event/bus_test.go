package event

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestBus_DispatchToTypeAndWildcard(t *testing.T) {
	bus := NewBus(nil, 16, 16)

	var typed, wild atomic.Int32
	bus.Register(PieceVerified, func(context.Context, Event) error {
		typed.Add(1)
		return nil
	})
	bus.Register(Wildcard, func(context.Context, Event) error {
		wild.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	bus.Emit(New(PieceVerified, "test", PiecePayload{Piece: 1}))
	bus.Emit(New(PeerConnected, "test", PeerPayload{}))

	waitFor(t, func() bool { return bus.Stats().Processed.Load() == 2 })
	assert.Equal(t, int32(1), typed.Load())
	assert.Equal(t, int32(2), wild.Load())
}

func TestBus_HandlerErrorDoesNotStopOthers(t *testing.T) {
	bus := NewBus(nil, 16, 0)

	var ok atomic.Int32
	bus.Register(SystemError, func(context.Context, Event) error {
		return errors.New("boom")
	})
	bus.Register(SystemError, func(context.Context, Event) error {
		ok.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	bus.Emit(New(SystemError, "test", ErrorPayload{Err: "x"}))

	waitFor(t, func() bool { return bus.Stats().Processed.Load() == 1 })
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, uint64(1), bus.Stats().HandlerErrors.Load())
}

func TestBus_DropsWhenFull(t *testing.T) {
	bus := NewBus(nil, 1, 8)
	// not started: queue never drains

	bus.Emit(New(PeerConnected, "test", PeerPayload{}))
	bus.Emit(New(PeerConnected, "test", PeerPayload{}))
	bus.Emit(New(PeerConnected, "test", PeerPayload{}))

	assert.Equal(t, uint64(2), bus.Stats().Dropped.Load())
}

func TestBus_ReplayBounded(t *testing.T) {
	bus := NewBus(nil, 16, 3)

	for i := 0; i < 5; i++ {
		bus.Emit(New(PeerConnected, "test", PeerPayload{}))
	}

	replay := bus.Replay()
	require.Len(t, replay, 3)

	// the replay buffer fills at emit time, without any dispatch
	assert.Equal(t, uint64(0), bus.Stats().Processed.Load())
}

func TestBus_FIFOWithinType(t *testing.T) {
	bus := NewBus(nil, 64, 0)

	var got []int
	done := make(chan struct{})
	bus.Register(PieceDownloaded, func(_ context.Context, ev Event) error {
		p := ev.Payload.(PiecePayload)
		got = append(got, p.Piece)
		if len(got) == 10 {
			close(done)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	for i := 0; i < 10; i++ {
		bus.Emit(New(PieceDownloaded, "test", PiecePayload{Piece: i}))
	}

	<-done
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}
