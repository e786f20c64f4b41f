// Package location streams provider positions while a request is en route
// and follows them on the patient side.
package location

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/care-sync/internal/geo"
	"github.com/example/care-sync/internal/models"
	"github.com/example/care-sync/internal/observability"
	"github.com/example/care-sync/internal/protocol"
)

const (
	DefaultInterval     = 5 * time.Second
	DefaultMinDistanceM = 10.0
)

type Emitter interface {
	Emit(event string, payload any) error
}

// StatusSource answers the current status of a request; the reconciliation
// store satisfies it.
type StatusSource interface {
	Status(requestID string) (models.Status, bool)
}

type BroadcasterOptions struct {
	Interval     time.Duration
	MinDistanceM float64
	Now          func() time.Time
}

// Broadcaster sends provider samples fire-and-forget. Each request gets its
// own rate limit, last-sent position and sequence counter.
type Broadcaster struct {
	bus    Emitter
	status StatusSource
	opts   BroadcasterOptions
	logger *slog.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	limiter *rate.Limiter
	last    *models.Coord
	// seq starts at the stream's creation time in microseconds, so a stream
	// restarted after Forget or a process restart orders after the old one.
	seq uint64
}

func NewBroadcaster(bus Emitter, status StatusSource, opts BroadcasterOptions, logger *slog.Logger) *Broadcaster {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MinDistanceM <= 0 {
		opts.MinDistanceM = DefaultMinDistanceM
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Broadcaster{
		bus:     bus,
		status:  status,
		opts:    opts,
		logger:  logger.With("component", "location_broadcaster"),
		streams: make(map[string]*stream),
	}
}

// Offer sends c for requestID when the request is en route, the interval
// has passed and the provider moved far enough. The first sample of a
// request always goes out. It reports whether a sample was sent.
func (b *Broadcaster) Offer(requestID string, c models.Coord) bool {
	if st, ok := b.status.Status(requestID); !ok || !st.IsRouting() {
		observability.LocationDropped.WithLabelValues("not_routing").Inc()
		return false
	}
	now := b.opts.Now()

	b.mu.Lock()
	s, ok := b.streams[requestID]
	if !ok {
		s = &stream{limiter: rate.NewLimiter(rate.Every(b.opts.Interval), 1), seq: uint64(now.UnixMicro())}
		b.streams[requestID] = s
	}
	if s.last != nil && geo.Haversine(s.last.Lat, s.last.Lon, c.Lat, c.Lon) < b.opts.MinDistanceM {
		b.mu.Unlock()
		observability.LocationDropped.WithLabelValues("below_distance").Inc()
		return false
	}
	if !s.limiter.AllowN(now, 1) {
		b.mu.Unlock()
		observability.LocationDropped.WithLabelValues("rate_limited").Inc()
		return false
	}
	prev := s.last
	s.seq++
	s.last = &c
	sample := models.LocationSample{Latitude: c.Lat, Longitude: c.Lon, Timestamp: now.UTC(), Seq: s.seq}
	b.mu.Unlock()

	if err := b.bus.Emit(protocol.EventLocationRealtime, protocol.LocationUpdate{RequestID: requestID, Location: sample}); err != nil {
		b.mu.Lock()
		s.last = prev
		b.mu.Unlock()
		observability.LocationDropped.WithLabelValues("emit_failed").Inc()
		b.logger.Debug("location sample not sent", "request_id", requestID, "error", err)
		return false
	}
	observability.LocationEmitted.Inc()
	return true
}

// Run offers every position from samples until ctx ends, samples closes or
// the request leaves the en route state.
func (b *Broadcaster) Run(ctx context.Context, requestID string, samples <-chan models.Coord) {
	defer b.Forget(requestID)
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-samples:
			if !ok {
				return
			}
			if st, known := b.status.Status(requestID); known && !st.IsRouting() {
				b.logger.Info("request left en route, stopping stream", "request_id", requestID, "status", st)
				return
			}
			b.Offer(requestID, c)
		}
	}
}

// Forget drops the per-request stream state.
func (b *Broadcaster) Forget(requestID string) {
	b.mu.Lock()
	delete(b.streams, requestID)
	b.mu.Unlock()
}
