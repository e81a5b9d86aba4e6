package relay

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus for tests and single-instance deployments.
// Delivery is synchronous and per-publisher FIFO, matching the relay contract.
type MemoryBus struct {
	mu         sync.Mutex
	nextID     int
	subs       map[string]map[int]func([]byte)
	publishErr error
	subErr     error
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]func([]byte))}
}

// SetPublishErr injects a publish failure (nil restores normal operation).
func (b *MemoryBus) SetPublishErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// SetSubscribeErr injects a subscribe failure (nil restores normal operation).
func (b *MemoryBus) SetSubscribeErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subErr = err
}

// Publish delivers the payload to all current subscribers of the topic.
func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return err
	}
	handlers := make([]func([]byte), 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	// Call without the lock so handlers may publish in turn.
	for _, h := range handlers {
		h(payload)
	}
	return nil
}

// Subscribe attaches a handler to a topic from this moment onward.
func (b *MemoryBus) Subscribe(_ context.Context, topic string, handler func([]byte)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subErr != nil {
		return nil, b.subErr
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]func([]byte))
	}
	id := b.nextID
	b.nextID++
	b.subs[topic][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}, nil
}
