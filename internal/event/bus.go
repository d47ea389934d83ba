package event

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Handler receives events for the type it registered under. Handlers run
// concurrently within one dispatch round; a failing handler never stops its
// siblings.
type Handler func(ctx context.Context, ev Event) error

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// BusStats holds dispatch counters. All fields are monotonic.
type BusStats struct {
	Processed     atomic.Uint64
	Dropped       atomic.Uint64
	HandlerErrors atomic.Uint64
}

// Bus is a bounded single-queue publish-subscribe dispatcher.
//
// Emit is non-blocking: when the queue is full the event is dropped, counted,
// and logged at warning. A single goroutine dequeues and fans out to the
// union of type-specific and wildcard handlers.
type Bus struct {
	log *slog.Logger

	mut      sync.RWMutex
	handlers map[string][]Handler

	queue chan Event

	replayMut sync.Mutex
	replay    []Event
	replayCap int

	stats BusStats

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	done      chan struct{}
	stopped   chan struct{}
}

// NewBus returns a bus with the given queue and replay bounds.
func NewBus(log *slog.Logger, queueSize, replaySize int) *Bus {
	if log == nil {
		log = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if replaySize < 0 {
		replaySize = 0
	}

	return &Bus{
		log:       log.With("component", "eventbus"),
		handlers:  make(map[string][]Handler),
		queue:     make(chan Event, queueSize),
		replay:    make([]Event, 0, replaySize),
		replayCap: replaySize,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Register subscribes handler to eventType, or to all events when eventType
// is Wildcard.
func (b *Bus) Register(eventType Type, handler Handler) {
	b.mut.Lock()
	defer b.mut.Unlock()

	key := string(eventType)
	b.handlers[key] = append(b.handlers[key], handler)
}

// Emit enqueues ev best-effort. A full queue drops the event.
func (b *Bus) Emit(ev Event) {
	b.appendReplay(ev)

	select {
	case b.queue <- ev:
	default:
		b.stats.Dropped.Add(1)
		b.log.Warn("event queue full, dropping event", "type", string(ev.Type))
	}
}

// Start launches the dispatcher goroutine. It returns immediately; Stop (or
// ctx cancellation) terminates dispatch after in-flight handlers finish.
func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		b.started.Store(true)
		go b.dispatchLoop(ctx)
	})
}

// Stop terminates the dispatcher. Events still queued are discarded;
// handlers already running finish.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
	if b.started.Load() {
		<-b.stopped
	}
}

// Stats exposes the dispatch counters.
func (b *Bus) Stats() *BusStats { return &b.stats }

// Replay returns a copy of the most recent events, oldest first.
func (b *Bus) Replay() []Event {
	b.replayMut.Lock()
	defer b.replayMut.Unlock()

	return append([]Event(nil), b.replay...)
}

func (b *Bus) appendReplay(ev Event) {
	if b.replayCap == 0 {
		return
	}

	b.replayMut.Lock()
	defer b.replayMut.Unlock()

	if len(b.replay) == b.replayCap {
		copy(b.replay, b.replay[1:])
		b.replay = b.replay[:len(b.replay)-1]
	}
	b.replay = append(b.replay, ev)
}

func (b *Bus) dispatchLoop(ctx context.Context) {
	defer close(b.stopped)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case ev := <-b.queue:
			b.dispatch(ctx, ev)
			b.stats.Processed.Add(1)
		}
	}
}

// dispatch fans out ev to every matching handler concurrently, collecting
// errors so one handler cannot stop the rest.
func (b *Bus) dispatch(ctx context.Context, ev Event) {
	b.mut.RLock()
	matched := make([]Handler, 0, 4)
	matched = append(matched, b.handlers[string(ev.Type)]...)
	matched = append(matched, b.handlers[Wildcard]...)
	b.mut.RUnlock()

	if len(matched) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, h := range matched {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()

			if err := h(ctx, ev); err != nil {
				b.stats.HandlerErrors.Add(1)
				b.log.Warn("event handler failed",
					"type", string(ev.Type),
					"error", err.Error(),
				)
			}
		}(h)
	}
	wg.Wait()
}
