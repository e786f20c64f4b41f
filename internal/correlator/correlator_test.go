package correlator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/care-sync/internal/apperr"
	"github.com/example/care-sync/internal/logging"
	"github.com/example/care-sync/internal/protocol"
	"github.com/example/care-sync/internal/transport/transporttest"
)

var acceptOpts = Options{
	SuccessEvent: protocol.EventRequestUpdated,
	ErrorEvent:   protocol.EventRequestError,
	Timeout:      200 * time.Millisecond,
	Fallback:     "Failed to accept request",
}

func TestCallResolvesWithSuccessPayload(t *testing.T) {
	bus := transporttest.NewBus(true)
	bus.OnEmit = func(event string, _ json.RawMessage) {
		bus.Deliver(protocol.EventRequestUpdated, `{"_id":"abc123","status":"accepted"}`)
	}
	c := New(bus, logging.Discard())

	data, err := c.Call(context.Background(), protocol.EventAcceptRequest, protocol.AcceptPayload{RequestID: "abc123", ProviderID: "p1"}, acceptOpts)
	require.NoError(t, err)
	assert.Equal(t, "abc123", protocol.RequestIDOf(data))
	assert.Equal(t, 0, bus.ListenerCount(protocol.EventRequestUpdated))
	assert.Equal(t, 0, bus.ListenerCount(protocol.EventRequestError))
}

func TestCallDuplicateSuccessDoesNotDoubleResolve(t *testing.T) {
	bus := transporttest.NewBus(true)
	bus.OnEmit = func(string, json.RawMessage) {
		bus.Deliver(protocol.EventRequestUpdated, `{"_id":"abc123","status":"accepted"}`)
		bus.Deliver(protocol.EventRequestUpdated, `{"_id":"abc123","status":"accepted"}`)
		bus.Deliver(protocol.EventRequestError, `{"message":"late error"}`)
	}
	c := New(bus, logging.Discard())

	data, err := c.Call(context.Background(), protocol.EventAcceptRequest, nil, acceptOpts)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	assert.NotPanics(t, func() {
		bus.Deliver(protocol.EventRequestUpdated, `{"_id":"abc123","status":"accepted"}`)
	})
}

func TestCallRejectsWithServerMessage(t *testing.T) {
	bus := transporttest.NewBus(true)
	bus.OnEmit = func(string, json.RawMessage) {
		bus.Deliver(protocol.EventRequestError, `{"message":"Request already accepted"}`)
	}
	c := New(bus, logging.Discard())

	_, err := c.Call(context.Background(), protocol.EventAcceptRequest, nil, acceptOpts)
	require.ErrorIs(t, err, apperr.ErrServer)
	assert.Equal(t, "Request already accepted", err.Error())
}

func TestCallRejectsWithFallbackMessage(t *testing.T) {
	bus := transporttest.NewBus(true)
	bus.OnEmit = func(string, json.RawMessage) { bus.Deliver(protocol.EventRequestError, `{}`) }
	c := New(bus, logging.Discard())

	_, err := c.Call(context.Background(), protocol.EventAcceptRequest, nil, acceptOpts)
	require.ErrorIs(t, err, apperr.ErrServer)
	assert.Equal(t, "Failed to accept request", err.Error())
}

func TestCallTimesOutAndRemovesListeners(t *testing.T) {
	bus := transporttest.NewBus(true)
	c := New(bus, logging.Discard())

	opts := acceptOpts
	opts.Timeout = 30 * time.Millisecond
	start := time.Now()
	_, err := c.Call(context.Background(), protocol.EventAcceptRequest, nil, opts)
	require.ErrorIs(t, err, apperr.ErrTimeout)
	assert.NotErrorIs(t, err, apperr.ErrServer)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	assert.Equal(t, 0, bus.ListenerCount(protocol.EventRequestUpdated))
	assert.Equal(t, 0, bus.ListenerCount(protocol.EventRequestError))
	assert.NotPanics(t, func() {
		bus.Deliver(protocol.EventRequestUpdated, `{"_id":"abc123"}`)
	})
}

func TestCallWhileDisconnectedEmitsNothing(t *testing.T) {
	bus := transporttest.NewBus(false)
	c := New(bus, logging.Discard())

	_, err := c.Call(context.Background(), protocol.EventCreateRequest, map[string]any{"a": 1}, acceptOpts)
	require.ErrorIs(t, err, apperr.ErrNotConnected)
	assert.Empty(t, bus.Emitted())
	assert.Equal(t, 0, bus.ListenerCount(protocol.EventRequestUpdated))
}

func TestCallHonoursContextCancellation(t *testing.T) {
	bus := transporttest.NewBus(true)
	c := New(bus, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	opts := acceptOpts
	opts.Timeout = time.Second
	_, err := c.Call(ctx, protocol.EventAcceptRequest, nil, opts)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, bus.ListenerCount(protocol.EventRequestUpdated))
}

func TestCallMatchKeepsConcurrentCallsApart(t *testing.T) {
	bus := transporttest.NewBus(true)
	c := New(bus, logging.Discard())

	var wg sync.WaitGroup
	results := make(map[string]string)
	var mu sync.Mutex
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			opts := acceptOpts
			opts.Timeout = time.Second
			opts.Match = MatchRequestID(id)
			data, err := c.Call(context.Background(), protocol.EventAcceptRequest, protocol.AcceptPayload{RequestID: id}, opts)
			if assert.NoError(t, err) {
				mu.Lock()
				results[id] = protocol.RequestIDOf(data)
				mu.Unlock()
			}
		}(id)
	}

	require.Eventually(t, func() bool { return bus.ListenerCount(protocol.EventRequestUpdated) == 2 }, time.Second, 5*time.Millisecond)
	bus.Deliver(protocol.EventRequestUpdated, `{"_id":"b","status":"accepted"}`)
	bus.Deliver(protocol.EventRequestUpdated, `{"_id":"a","status":"accepted"}`)
	wg.Wait()

	assert.Equal(t, map[string]string{"a": "a", "b": "b"}, results)
}

func TestMatchRequestIDAcceptsAnonymousErrors(t *testing.T) {
	m := MatchRequestID("abc")
	assert.True(t, m(json.RawMessage(`{"message":"oops"}`)))
	assert.True(t, m(json.RawMessage(`{"requestId":"abc"}`)))
	assert.False(t, m(json.RawMessage(`{"_id":"other"}`)))
}
