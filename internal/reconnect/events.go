package reconnect

import (
	"time"

	"github.com/meridianfx/execgate/internal/observability"
)

// EventKind names a connectivity lifecycle event.
type EventKind string

const (
	EventConnectionLost      EventKind = "connection_lost"
	EventReconnectionStarted EventKind = "reconnection_started"
	EventReconnectionSuccess EventKind = "reconnection_success"
	EventReconnectionFailed  EventKind = "reconnection_failed"
	EventManualReconnection  EventKind = "manual_reconnection_triggered"
)

// Event describes one connectivity transition for a logical connection.
type Event struct {
	Kind         EventKind
	ConnectionID string
	Detail       string
	Attempts     int
	Elapsed      time.Duration
	At           time.Time
}

// Listener receives connectivity events. Delivery is best-effort: a
// misbehaving listener never blocks the others or the reconnection loop.
type Listener interface {
	OnConnectionLost(Event)
	OnReconnectionStarted(Event)
	OnReconnectionSuccess(Event)
	OnReconnectionFailed(Event)
	OnManualReconnection(Event)
}

func (m *Manager) emit(event Event) {
	event.At = time.Now()

	m.listenerMu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenerMu.RUnlock()

	for _, l := range listeners {
		deliver(l, event)
	}
}

// deliver isolates a single listener: a panic is recovered and logged so the
// remaining listeners still see the event.
func deliver(l Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("event listener panicked",
				observability.F("event", string(event.Kind)),
				observability.F("conn_id", event.ConnectionID),
				observability.F("panic", r),
			)
		}
	}()

	switch event.Kind {
	case EventConnectionLost:
		l.OnConnectionLost(event)
	case EventReconnectionStarted:
		l.OnReconnectionStarted(event)
	case EventReconnectionSuccess:
		l.OnReconnectionSuccess(event)
	case EventReconnectionFailed:
		l.OnReconnectionFailed(event)
	case EventManualReconnection:
		l.OnManualReconnection(event)
	}
}
