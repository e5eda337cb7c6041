package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// eventDispatcher fans lifecycle and data events out to registered
// listeners. Listeners run synchronously in subscription order; a panicking
// listener is recovered and logged so it cannot take the manager down.
type eventDispatcher struct {
	logger *slog.Logger

	mu           sync.RWMutex
	connected    []func()
	disconnected []func(reason string)
	update       []func(payload json.RawMessage)
	errs         []func(err error)
	maxReconnect []func()
}

func newEventDispatcher(logger *slog.Logger) *eventDispatcher {
	return &eventDispatcher{logger: logger}
}

func (d *eventDispatcher) onConnected(l func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = append(d.connected, l)
}

func (d *eventDispatcher) onDisconnected(l func(reason string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected = append(d.disconnected, l)
}

func (d *eventDispatcher) onUpdate(l func(payload json.RawMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.update = append(d.update, l)
}

func (d *eventDispatcher) onError(l func(err error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, l)
}

func (d *eventDispatcher) onMaxReconnect(l func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxReconnect = append(d.maxReconnect, l)
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	listeners := make([]func(), len(d.connected))
	copy(listeners, d.connected)
	d.mu.RUnlock()
	for _, l := range listeners {
		d.invoke(l)
	}
}

func (d *eventDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	listeners := make([]func(string), len(d.disconnected))
	copy(listeners, d.disconnected)
	d.mu.RUnlock()
	for _, l := range listeners {
		d.invoke(func() { l(reason) })
	}
}

func (d *eventDispatcher) emitUpdate(payload json.RawMessage) {
	d.mu.RLock()
	listeners := make([]func(json.RawMessage), len(d.update))
	copy(listeners, d.update)
	d.mu.RUnlock()
	for _, l := range listeners {
		d.invoke(func() { l(payload) })
	}
}

func (d *eventDispatcher) emitError(err error) {
	d.mu.RLock()
	listeners := make([]func(error), len(d.errs))
	copy(listeners, d.errs)
	d.mu.RUnlock()
	for _, l := range listeners {
		d.invoke(func() { l(err) })
	}
}

func (d *eventDispatcher) emitMaxReconnect() {
	d.mu.RLock()
	listeners := make([]func(), len(d.maxReconnect))
	copy(listeners, d.maxReconnect)
	d.mu.RUnlock()
	for _, l := range listeners {
		d.invoke(l)
	}
}

// reset detaches every listener. Called on teardown.
func (d *eventDispatcher) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = nil
	d.disconnected = nil
	d.update = nil
	d.errs = nil
	d.maxReconnect = nil
}

func (d *eventDispatcher) invoke(l func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Event listener panicked", "function", "invoke", "panic", r)
		}
	}()
	l()
}
