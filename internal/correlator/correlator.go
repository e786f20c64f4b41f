// Package correlator turns emit-and-listen events into calls that resolve
// exactly once: with the success payload, the server error, or a timeout.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/care-sync/internal/apperr"
	"github.com/example/care-sync/internal/observability"
	"github.com/example/care-sync/internal/protocol"
)

const DefaultTimeout = 10 * time.Second

// Bus is the part of the transport session the correlator needs.
type Bus interface {
	Connected() bool
	On(event string, h protocol.Handler) (off func())
	Emit(event string, payload any) error
}

type Options struct {
	SuccessEvent string
	ErrorEvent   string
	Timeout      time.Duration // DefaultTimeout when zero
	// Match, when set, filters success and error payloads so only those
	// belonging to this call resolve it.
	Match func(data json.RawMessage) bool
	// Fallback is the message used when the error event carries none.
	Fallback string
}

type Correlator struct {
	bus    Bus
	logger *slog.Logger
}

func New(bus Bus, logger *slog.Logger) *Correlator {
	return &Correlator{bus: bus, logger: logger.With("component", "correlator")}
}

type outcome struct {
	data json.RawMessage
	err  error
}

// Call emits event with payload and waits for the first of: a matching
// success event, a matching error event, the timeout, or ctx cancellation.
// Listeners are registered before the emit and removed on every exit path.
func (c *Correlator) Call(ctx context.Context, event string, payload any, opts Options) (json.RawMessage, error) {
	if !c.bus.Connected() {
		observability.CallsTotal.WithLabelValues(event, "not_connected").Inc()
		return nil, apperr.New(apperr.KindNotConnected, event, "")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var (
		once   sync.Once
		result = make(chan outcome, 1)
	)
	resolve := func(o outcome) bool {
		won := false
		once.Do(func() {
			won = true
			result <- o
		})
		return won
	}
	matches := func(data json.RawMessage) bool { return opts.Match == nil || opts.Match(data) }

	offSuccess := c.bus.On(opts.SuccessEvent, func(data json.RawMessage) {
		if !matches(data) {
			return
		}
		if !resolve(outcome{data: data}) {
			c.logger.Debug("duplicate response ignored", "event", opts.SuccessEvent)
		}
	})
	defer offSuccess()

	if opts.ErrorEvent != "" {
		offError := c.bus.On(opts.ErrorEvent, func(data json.RawMessage) {
			if !matches(data) {
				return
			}
			msg := protocol.DecodeError(data).Message
			if msg == "" {
				msg = opts.Fallback
			}
			resolve(outcome{err: apperr.New(apperr.KindServer, event, msg)})
		})
		defer offError()
	}

	start := time.Now()
	if err := c.bus.Emit(event, payload); err != nil {
		observability.CallsTotal.WithLabelValues(event, "emit_failed").Inc()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var o outcome
	select {
	case o = <-result:
	case <-timer.C:
		if resolve(outcome{err: apperr.New(apperr.KindTimeout, event, "")}) {
			c.logger.Warn("call timed out", "event", event, "timeout", timeout)
		}
		o = <-result
	case <-ctx.Done():
		resolve(outcome{err: ctxError(event, ctx.Err())})
		o = <-result
	}

	observability.CallsTotal.WithLabelValues(event, outcomeLabel(o.err)).Inc()
	observability.CallLatency.WithLabelValues(event).Observe(time.Since(start).Seconds())
	return o.data, o.err
}

// MatchRequestID matches payloads naming requestID, and payloads naming no
// request at all (generic server errors).
func MatchRequestID(requestID string) func(json.RawMessage) bool {
	return func(data json.RawMessage) bool {
		id := protocol.RequestIDOf(data)
		return id == "" || id == requestID
	}
}

func ctxError(event string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindTimeout, event, err)
	}
	return err
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	if k := apperr.KindOf(err); k != "" {
		return string(k)
	}
	return "cancelled"
}
