package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Config controls dispatcher buffering behavior.
type Config struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// Dispatcher asynchronously forwards audit events to a sink. Snapshots are
// sanitized on the way in, so no sink ever sees a raw credential.
type Dispatcher struct {
	cfg  Config
	sink Sink
	now  func() time.Time

	// mu guards closing queue: senders hold it shared, Close exclusively.
	mu      sync.RWMutex
	closed  bool
	queue   chan Event
	drained chan struct{}

	emitted atomic.Uint64
	dropped atomic.Uint64
}

// NewDispatcher starts a dispatcher goroutine. It returns nil when auditing
// is disabled; a nil *Dispatcher is safe to use.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	d := &Dispatcher{
		cfg:     cfg,
		sink:    sink,
		now:     time.Now,
		queue:   make(chan Event, max(cfg.BufferSize, 1)),
		drained: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.drained)
	for event := range d.queue {
		d.sink.Emit(context.Background(), event)
		d.emitted.Add(1)
	}
}

// Emit queues event for delivery. With DropIfFull a full buffer drops the
// event and counts it; otherwise Emit blocks until there is room or ctx
// ends. Events emitted after Close are ignored.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = d.now().UTC()
	}
	event.Before = Sanitize(event.Before)
	event.After = Sanitize(event.After)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	if d.cfg.DropIfFull {
		select {
		case d.queue <- event:
		default:
			d.dropped.Add(1)
		}
		return
	}
	select {
	case d.queue <- event:
	case <-ctx.Done():
		d.dropped.Add(1)
	}
}

// Close stops accepting events and waits until the buffer has drained into
// the sink. It is safe to call more than once.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.drained
}

// Dropped returns how many events were discarded.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Emitted returns how many events reached the sink.
func (d *Dispatcher) Emitted() uint64 {
	if d == nil {
		return 0
	}
	return d.emitted.Load()
}
