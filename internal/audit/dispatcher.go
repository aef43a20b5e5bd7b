package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Dispatcher decouples audit writes from the request path. Events go
// onto a buffered channel and a single goroutine feeds the sinks in
// order; a full buffer drops the event and counts the drop rather than
// blocking the caller.
type Dispatcher struct {
	sinks     []Sink
	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher starts a dispatcher feeding the given sinks.
func NewDispatcher(buffer int, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}

	d := &Dispatcher{
		sinks: sinks,
		ch:    make(chan Event, buffer),
		done:  make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case ev := <-d.ch:
			d.deliver(ev)
		case <-d.done:
			// Drain whatever is buffered before exiting.
			for {
				select {
				case ev := <-d.ch:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	for _, s := range d.sinks {
		s.Record(context.Background(), ev)
	}
}

// Record queues an event without blocking. Safe to call from request
// handlers; a failure to queue never surfaces to the caller.
func (d *Dispatcher) Record(ev Event) {
	if d == nil || d.closed.Load() {
		return
	}

	select {
	case d.ch <- ev:
	case <-d.done:
	default:
		d.dropped.Add(1)
	}
}

// Close stops the dispatcher after draining buffered events.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped returns the number of events lost to a full buffer.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
