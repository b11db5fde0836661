package worker

import (
	"time"

	"github.com/spooled/spooled-go/core"
)

// EventType identifies a worker lifecycle event.
type EventType string

const (
	// EventStarted fires once registration has succeeded and the claim
	// loop is about to run.
	EventStarted EventType = "started"

	// EventStopped fires after drain and deregistration finish.
	EventStopped EventType = "stopped"

	// EventError fires for recoverable runtime errors: failed claims,
	// failed settlement calls, handler panics.
	EventError EventType = "error"

	EventJobClaimed   EventType = "job:claimed"
	EventJobStarted   EventType = "job:started"
	EventJobCompleted EventType = "job:completed"
	EventJobFailed    EventType = "job:failed"
)

// Event is delivered to subscribed handlers. Per-job events are ordered
// claimed, started, then exactly one of completed or failed. Across jobs
// no ordering holds.
type Event struct {
	Type     EventType
	WorkerID string
	Job      *core.Job
	Result   map[string]interface{}
	Err      error
	Time     time.Time
}

// EventHandler receives worker events. Handlers run synchronously on the
// emitting goroutine; long work should be handed off.
type EventHandler func(Event)

// On subscribes a handler to one event type. Subscribing during operation
// is safe; delivery starts with the next emitted event.
func (w *Worker) On(t EventType, fn EventHandler) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.eventHandlers == nil {
		w.eventHandlers = make(map[EventType][]EventHandler)
	}
	w.eventHandlers[t] = append(w.eventHandlers[t], fn)
}

// emit delivers an event to its subscribers. Handler panics are contained
// and logged so one bad subscriber cannot take down the runtime.
func (w *Worker) emit(ev Event) {
	ev.Time = time.Now()
	ev.WorkerID = w.WorkerID()

	w.mu.Lock()
	handlers := append([]EventHandler(nil), w.eventHandlers[ev.Type]...)
	w.mu.Unlock()

	for _, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("Event handler panicked", map[string]interface{}{
						"operation": "worker_event",
						"event":     string(ev.Type),
						"panic":     r,
					})
				}
			}()
			fn(ev)
		}()
	}
}

// emitError is shorthand for EventError with a cause.
func (w *Worker) emitError(err error) {
	w.emit(Event{Type: EventError, Err: err})
}
