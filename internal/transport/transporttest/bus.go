// Package transporttest provides an in-memory stand-in for transport.Session.
package transporttest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/care-sync/internal/apperr"
	"github.com/example/care-sync/internal/protocol"
)

// Emitted is one event written by the code under test.
type Emitted struct {
	Event string
	Data  json.RawMessage
}

type entry struct {
	h       protocol.Handler
	removed atomic.Bool
}

// Bus records emits and lets tests deliver server events synchronously.
type Bus struct {
	mu         sync.Mutex
	connected  bool
	listeners  map[string][]*entry
	subscribed map[string]func()
	emitted    []Emitted

	// OnEmit, when set, runs after every successful Emit; tests use it to
	// answer a call the way a server would.
	OnEmit func(event string, data json.RawMessage)
	// Ack answers EmitWithAck. A nil Ack leaves the call waiting for ctx.
	Ack func(event string, data json.RawMessage) (json.RawMessage, error)
}

func NewBus(connected bool) *Bus {
	return &Bus{connected: connected, listeners: make(map[string][]*entry), subscribed: make(map[string]func())}
}

func (b *Bus) SetConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

func (b *Bus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Bus) WaitForConnection(ctx context.Context, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	for {
		if b.Connected() {
			return nil
		}
		if time.Now().After(deadline) {
			return apperr.New(apperr.KindConnectionTimeout, "waitForConnection", "")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (b *Bus) Emit(event string, payload any) error {
	data, err := marshal(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return apperr.New(apperr.KindNotConnected, event, "")
	}
	b.emitted = append(b.emitted, Emitted{Event: event, Data: data})
	hook := b.OnEmit
	b.mu.Unlock()
	if hook != nil {
		hook(event, data)
	}
	return nil
}

func (b *Bus) EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	if err := b.Emit(event, payload); err != nil {
		return nil, err
	}
	b.mu.Lock()
	ack := b.Ack
	last := b.emitted[len(b.emitted)-1].Data
	b.mu.Unlock()
	if ack != nil {
		return ack(event, last)
	}
	<-ctx.Done()
	return nil, apperr.Wrap(apperr.KindTimeout, event, ctx.Err())
}

func (b *Bus) On(event string, h protocol.Handler) func() {
	e := &entry{h: h}
	b.mu.Lock()
	b.listeners[event] = append(b.listeners[event], e)
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.removed.Store(true)
			b.mu.Lock()
			defer b.mu.Unlock()
			cur := b.listeners[event]
			next := make([]*entry, 0, len(cur))
			for _, x := range cur {
				if x != e {
					next = append(next, x)
				}
			}
			b.listeners[event] = next
		})
	}
}

func (b *Bus) EnsureSubscribed(key, event string, h protocol.Handler) bool {
	b.mu.Lock()
	if _, ok := b.subscribed[key]; ok {
		b.mu.Unlock()
		return false
	}
	b.subscribed[key] = func() {}
	b.mu.Unlock()
	off := b.On(event, h)
	b.mu.Lock()
	_, still := b.subscribed[key]
	if still {
		b.subscribed[key] = off
	}
	b.mu.Unlock()
	if !still {
		off()
	}
	return true
}

func (b *Bus) Unsubscribe(key string) {
	b.mu.Lock()
	off, ok := b.subscribed[key]
	delete(b.subscribed, key)
	b.mu.Unlock()
	if ok {
		off()
	}
}

// Deliver pushes a server event to every live listener, in registration order.
// String payloads are taken as raw JSON.
func (b *Bus) Deliver(event string, payload any) {
	data, err := marshal(payload)
	if err != nil {
		panic(err)
	}
	b.mu.Lock()
	ls := append([]*entry(nil), b.listeners[event]...)
	b.mu.Unlock()
	for _, e := range ls {
		if !e.removed.Load() {
			e.h(data)
		}
	}
}

func (b *Bus) ListenerCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[event])
}

func (b *Bus) Emitted() []Emitted {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Emitted(nil), b.emitted...)
}

// EmittedNamed returns the payloads emitted under event.
func (b *Bus) EmittedNamed(event string) []json.RawMessage {
	var out []json.RawMessage
	for _, e := range b.Emitted() {
		if e.Event == event {
			out = append(out, e.Data)
		}
	}
	return out
}

func marshal(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case string:
		return json.RawMessage(v), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidPayload, "marshal", err)
	}
	return b, nil
}
