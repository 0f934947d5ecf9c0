/*
Package notify is the outbound boundary to the notification system.

PURPOSE:
  The workflow core emits exactly one event per completed transition and
  never waits for, or depends on, delivery. Rendering and sending (email
  templates, in-app messages) live outside this module; the core only
  knows the Sink contract.

DELIVERY SEMANTICS:
  Fire-and-forget. The Outbox buffers events in a channel and delivers
  them from a background goroutine; when the buffer is full the event is
  dropped with a log line rather than blocking a money transition. A lost
  notification is an annoyance, a blocked ledger write is an outage.
*/
package notify

import (
	"log"
	"sync"
	"time"
)

// =============================================================================
// EVENTS - One per completed transition
// =============================================================================

type EventType string

const (
	EventRequestCreated          EventType = "request_created"
	EventRequestAccepted         EventType = "request_accepted"
	EventRequestRejected         EventType = "request_rejected"
	EventRequestConfirmed        EventType = "request_confirmed"
	EventRequestExpiredRefunded  EventType = "request_expired_refunded"
	EventRequestExpiredConfirmed EventType = "request_expired_confirmed"
)

// Event identifies a completed transition and who should hear about it.
type Event struct {
	Type       EventType
	RequestID  string
	Recipient  string // user id of the counterparty to notify
	OccurredAt time.Time
}

// Sink receives events. Implementations must not block for long; the
// outbox goroutine is shared by all deliveries.
type Sink interface {
	Publish(e Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(e Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// LogSink writes events to the process log. The default collaborator in
// development and the fallback when no delivery system is wired.
type LogSink struct{}

func (LogSink) Publish(e Event) {
	log.Printf("[Notify] %s request=%s recipient=%s", e.Type, e.RequestID, e.Recipient)
}

// =============================================================================
// OUTBOX - Buffered asynchronous delivery
// =============================================================================

// Outbox decouples transition commits from delivery. Publish enqueues
// without blocking; a background goroutine drains to the wrapped sink.
type Outbox struct {
	sink Sink
	ch   chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewOutbox wraps sink with a buffer of the given size.
func NewOutbox(sink Sink, buffer int) *Outbox {
	if buffer <= 0 {
		buffer = 256
	}
	return &Outbox{
		sink: sink,
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Start launches the delivery goroutine.
func (o *Outbox) Start() {
	o.startOnce.Do(func() {
		o.wg.Add(1)
		go o.run()
	})
}

// Stop drains buffered events and stops the delivery goroutine.
func (o *Outbox) Stop() {
	o.stopOnce.Do(func() {
		close(o.done)
		o.wg.Wait()
	})
}

// Publish enqueues the event. Never blocks: if the buffer is full the
// event is dropped with a log line.
func (o *Outbox) Publish(e Event) {
	select {
	case o.ch <- e:
	default:
		log.Printf("[Notify] outbox full, dropping %s for request %s", e.Type, e.RequestID)
	}
}

func (o *Outbox) run() {
	defer o.wg.Done()
	for {
		select {
		case e := <-o.ch:
			o.sink.Publish(e)
		case <-o.done:
			// Drain what is already buffered, then exit.
			for {
				select {
				case e := <-o.ch:
					o.sink.Publish(e)
				default:
					return
				}
			}
		}
	}
}
