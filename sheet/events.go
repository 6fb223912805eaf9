package sheet

import (
	"sync"

	"go.uber.org/zap"
)

// Event names.
const (
	EventUpdate          = "update"
	EventConflict        = "conflict"
	EventObserveComplete = "observe_complete"
)

// Event is delivered synchronously to registered handlers.
type Event struct {
	Type      string
	Subject   string
	Updated   map[string]any
	Profile   map[string]any
	Rejected  []Rejection
	RequestID string
	Result    *ObserveResult
	Err       error
}

type emitter struct {
	mu       sync.RWMutex
	handlers map[string][]func(Event)
	logger   *zap.Logger
}

func newEmitter(logger *zap.Logger) *emitter {
	return &emitter{handlers: make(map[string][]func(Event)), logger: logger}
}

func (e *emitter) on(name string, handler func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = append(e.handlers[name], handler)
}

// emit runs handlers synchronously in registration order. A panicking
// handler is logged and does not stop the others.
func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	handlers := e.handlers[ev.Type]
	e.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Warn("event handler panicked",
						zap.String("event", ev.Type),
						zap.String("subject", ev.Subject),
						zap.Any("panic", r))
				}
			}()
			h(ev)
		}()
	}
}
