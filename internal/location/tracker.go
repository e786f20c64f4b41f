package location

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/example/care-sync/internal/apperr"
	"github.com/example/care-sync/internal/eta"
	"github.com/example/care-sync/internal/geo"
	"github.com/example/care-sync/internal/models"
	"github.com/example/care-sync/internal/observability"
	"github.com/example/care-sync/internal/protocol"
)

// AckBus is the transport surface the tracker uses.
type AckBus interface {
	EnsureSubscribed(key, event string, h protocol.Handler) bool
	Unsubscribe(key string)
	EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error)
}

// Destinations resolves the patient address of a request.
type Destinations interface {
	Get(requestID string) (models.CacheEntry, bool)
}

type TrackerOptions struct {
	Attempts       int           // initial fetch attempts, default 3
	RetryDelay     time.Duration // default 2s
	AttemptTimeout time.Duration // default 5s
	Estimator      eta.Estimator // default straight line at 40 km/h
}

// Fix is one applied provider sample with distance and ETA to the patient.
// HasRoute is false when the request has no known destination.
type Fix struct {
	RequestID  string
	Sample     models.LocationSample
	DistanceKm float64
	ETAMinutes int
	HasRoute   bool
}

// Tracker keeps the newest provider sample per request. Pushes are indexed on
// the session's read goroutine; ETA estimation and observers run on the
// tracker's own worker, which only sees the newest pending sample per request.
type Tracker struct {
	bus    AckBus
	dest   Destinations
	opts   TrackerOptions
	logger *slog.Logger
	index  *geo.Index
	key    string

	mu        sync.Mutex
	observers []func(Fix)

	pmu     sync.Mutex
	pending map[string]models.LocationSample
	order   []string
	wake    chan struct{}
	stop    chan struct{}
	closed  sync.Once
}

func NewTracker(bus AckBus, dest Destinations, opts TrackerOptions, logger *slog.Logger) *Tracker {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 5 * time.Second
	}
	if opts.Estimator == nil {
		opts.Estimator = eta.Straight{SpeedKmh: eta.DefaultSpeedKmh}
	}
	t := &Tracker{
		bus:     bus,
		dest:    dest,
		opts:    opts,
		logger:  logger.With("component", "location_tracker"),
		index:   geo.NewIndex(),
		key:     "location:" + uuid.NewString(),
		pending: make(map[string]models.LocationSample),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go t.work()
	bus.EnsureSubscribed(t.key, protocol.EventProviderLocation, t.onPush)
	return t
}

// Close unsubscribes from location pushes and stops the worker. Samples still
// pending are discarded.
func (t *Tracker) Close() {
	t.closed.Do(func() {
		t.bus.Unsubscribe(t.key)
		close(t.stop)
	})
}

// OnFix registers fn for every applied sample.
func (t *Tracker) OnFix(fn func(Fix)) {
	t.mu.Lock()
	t.observers = append(t.observers, fn)
	t.mu.Unlock()
}

// Start fetches the provider's current position, retrying while the provider
// has not reported one yet. Pushes keep flowing whether or not it succeeds.
func (t *Tracker) Start(ctx context.Context, requestID string) (models.LocationSample, error) {
	attempt := 0
	op := func() (models.LocationSample, error) {
		attempt++
		actx, cancel := context.WithTimeout(ctx, t.opts.AttemptTimeout)
		defer cancel()
		raw, err := t.bus.EmitWithAck(actx, protocol.EventGetProviderLocation, protocol.ProviderLocationQuery{RequestID: requestID})
		if err != nil {
			t.logger.Debug("initial location attempt failed", "request_id", requestID, "attempt", attempt, "error", err)
			return models.LocationSample{}, err
		}
		var ack protocol.ProviderLocationAck
		if err := json.Unmarshal(raw, &ack); err != nil {
			return models.LocationSample{}, backoff.Permanent(apperr.Wrap(apperr.KindInvalidPayload, protocol.EventGetProviderLocation, err))
		}
		if !ack.Success || ack.Location == nil {
			msg := ack.Message
			if msg == "" {
				msg = "Provider location is not available yet."
			}
			return models.LocationSample{}, apperr.New(apperr.KindServer, protocol.EventGetProviderLocation, msg)
		}
		return *ack.Location, nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(t.opts.RetryDelay), uint64(t.opts.Attempts-1)), ctx)
	sample, err := backoff.RetryWithData(op, b)
	if err != nil {
		t.logger.Warn("initial provider location unavailable", "request_id", requestID, "attempts", attempt, "error", err)
		return models.LocationSample{}, err
	}
	if t.apply(requestID, sample) {
		t.notify(ctx, requestID, sample)
	}
	return sample, nil
}

// Latest is the newest sample applied for requestID.
func (t *Tracker) Latest(requestID string) (models.LocationSample, bool) {
	return t.index.Latest(requestID)
}

func (t *Tracker) onPush(data json.RawMessage) {
	u, err := protocol.DecodeLocationUpdate(data)
	if err != nil {
		observability.InvalidPayloads.WithLabelValues(protocol.EventProviderLocation).Inc()
		t.logger.Warn("dropping malformed location update", "error", err)
		return
	}
	if !t.apply(u.RequestID, u.Location) {
		return
	}
	t.pmu.Lock()
	if _, queued := t.pending[u.RequestID]; !queued {
		t.order = append(t.order, u.RequestID)
	}
	t.pending[u.RequestID] = u.Location
	t.pmu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Tracker) work() {
	for {
		select {
		case <-t.stop:
			return
		case <-t.wake:
		}
		t.pmu.Lock()
		order, pending := t.order, t.pending
		t.order, t.pending = nil, make(map[string]models.LocationSample)
		t.pmu.Unlock()
		for _, id := range order {
			select {
			case <-t.stop:
				return
			default:
			}
			ctx, cancel := context.WithTimeout(context.Background(), t.opts.AttemptTimeout)
			t.notify(ctx, id, pending[id])
			cancel()
		}
	}
}

// apply records s as the latest sample for requestID unless it is stale.
func (t *Tracker) apply(requestID string, s models.LocationSample) bool {
	if !t.index.Upsert(requestID, s) {
		observability.LocationDropped.WithLabelValues("stale").Inc()
		t.logger.Debug("stale location sample dropped", "request_id", requestID, "seq", s.Seq)
		return false
	}
	return true
}

func (t *Tracker) notify(ctx context.Context, requestID string, s models.LocationSample) {
	fix := Fix{RequestID: requestID, Sample: s}
	if e, ok := t.dest.Get(requestID); ok && !e.Request.Address.Coordinates.IsZero() {
		to := e.Request.Address.Coordinates
		fix.HasRoute = true
		fix.DistanceKm = geo.DistanceKm(s.Coord(), to)
		m, err := t.opts.Estimator.Minutes(ctx, s.Coord(), to)
		if err != nil {
			t.logger.Debug("eta unavailable", "request_id", requestID, "error", err)
		}
		fix.ETAMinutes = m
	}

	t.mu.Lock()
	obs := append([]func(Fix){}, t.observers...)
	t.mu.Unlock()
	for _, fn := range obs {
		fn(fix)
	}
}
