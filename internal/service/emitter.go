package service

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Event names.
const (
	EventBatch     = "ingest:batch"
	EventCompleted = "ingest:completed"
	EventFailed    = "ingest:failed"
)

// ─────────────────────────────────────────────────────────────
// EventEmitter: decouples services from their consumers
// ─────────────────────────────────────────────────────────────

// EventEmitter receives progress and outcome events. The CLI logs them,
// the MCP server forwards them as notifications.
type EventEmitter interface {
	Emit(ctx context.Context, event string, data any)
}

// NopEmitter drops every event.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, string, any) {}

// LogEmitter writes events to a zap logger.
type LogEmitter struct {
	Logger *zap.Logger
}

func (e LogEmitter) Emit(_ context.Context, event string, data any) {
	lvl := zap.InfoLevel
	switch event {
	case EventBatch:
		lvl = zap.DebugLevel
	case EventFailed:
		lvl = zap.WarnLevel
	}
	if ce := e.Logger.Check(lvl, event); ce != nil {
		ce.Write(zap.Any("data", data))
	}
}

// EmitterFunc adapts a function to EventEmitter.
type EmitterFunc func(ctx context.Context, event string, data any)

func (f EmitterFunc) Emit(ctx context.Context, event string, data any) { f(ctx, event, data) }

// MockEmitter is a test-friendly EventEmitter that records all calls.
// Pipelined runs emit from several goroutines, so it locks.
type MockEmitter struct {
	mu     sync.Mutex
	Events []EmittedEvent
}

// EmittedEvent holds a single recorded emission for test assertions.
type EmittedEvent struct {
	Event string
	Data  any
}

func (m *MockEmitter) Emit(_ context.Context, event string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, EmittedEvent{Event: event, Data: data})
}

// Named returns the recorded events called name, in emission order.
func (m *MockEmitter) Named(name string) []EmittedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []EmittedEvent
	for _, e := range m.Events {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}
