package helvarnet

import (
	"fmt"
	"sync"
)

// Subscription identifies a registered callback for later removal.
type Subscription int

// Bus fans state-change notifications out to registered callbacks.
//
// Keys are device addresses (DeviceKey) or group keys (GroupKey).
// Multiple callbacks per key are permitted; all are invoked, order
// unspecified. A panicking callback is recovered and logged so it can
// never prevent other callbacks from running or propagate back into
// the registry mutation path.
//
// Thread Safety: all methods are safe for concurrent use. Notify is
// called from the frame pump after each mutation, so callbacks observe
// state changes in wire order; they must not block for long.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[Subscription]func()
	nextID Subscription
	logger Logger
}

// NewBus creates an empty subscription bus.
func NewBus(logger Logger) *Bus {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Bus{
		subs:   make(map[string]map[Subscription]func()),
		logger: logger,
	}
}

// Subscribe registers a callback for a key and returns its handle.
func (b *Bus) Subscribe(key string, callback func()) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[key] == nil {
		b.subs[key] = make(map[Subscription]func())
	}
	b.subs[key][id] = callback
	return id
}

// Unsubscribe removes a callback. Unknown handles are a no-op, so
// subscribers shorter-lived than the connection do not leak.
func (b *Bus) Unsubscribe(key string, id Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if callbacks, ok := b.subs[key]; ok {
		delete(callbacks, id)
		if len(callbacks) == 0 {
			delete(b.subs, key)
		}
	}
}

// Notify invokes every callback registered for key.
func (b *Bus) Notify(key string) {
	b.mu.RLock()
	callbacks := make([]func(), 0, len(b.subs[key]))
	for _, cb := range b.subs[key] {
		callbacks = append(callbacks, cb)
	}
	b.mu.RUnlock()

	for _, cb := range callbacks {
		b.invoke(key, cb)
	}
}

func (b *Bus) invoke(key string, callback func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber callback panic", "key", key, "error", fmt.Errorf("%v", r))
		}
	}()
	callback()
}
