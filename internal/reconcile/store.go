// Package reconcile keeps the client's view of requests: prior persisted
// state merged with live snapshots and push events through a single path.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/care-sync/internal/apperr"
	"github.com/example/care-sync/internal/logging"
	"github.com/example/care-sync/internal/models"
	"github.com/example/care-sync/internal/observability"
	"github.com/example/care-sync/internal/protocol"
	"github.com/example/care-sync/internal/storage"
)

// DefaultAcceptedTTL is how long an accepted request stays in the active
// view after the local acceptance moment.
const DefaultAcceptedTTL = 24 * time.Hour

// Source labels where merged records came from, for metrics and logs.
type Source string

const (
	SourceSnapshot Source = "snapshot"
	SourceResponse Source = "response"
	SourcePush     Source = "push"
	SourceStatus   Source = "status"
)

type Option func(*Store)

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func WithAcceptedTTL(d time.Duration) Option { return func(s *Store) { s.ttl = d } }

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

type Store struct {
	userID  string
	backend storage.Backend
	now     func() time.Time
	ttl     time.Duration
	logger  *slog.Logger

	// writeMu serializes mutate+persist so snapshots reach the backend in
	// mutation order; mu guards the map for readers.
	writeMu sync.Mutex
	mu      sync.RWMutex
	entries map[string]models.CacheEntry
	hooks   []func(ids []string)
}

// Open loads the persisted entries of userID.
func Open(ctx context.Context, backend storage.Backend, userID string, opts ...Option) (*Store, error) {
	s := &Store{
		userID:  userID,
		backend: backend,
		now:     time.Now,
		ttl:     DefaultAcceptedTTL,
		logger:  logging.Discard(),
		entries: make(map[string]models.CacheEntry),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "reconcile", "user_id", userID)

	prior, err := backend.Load(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load request cache: %w", err)
	}
	for _, e := range prior {
		if e.Request.ID != "" {
			s.entries[e.Request.ID] = e
		}
	}
	s.logger.Debug("request cache loaded", "entries", len(s.entries))
	return s, nil
}

// OnChange registers fn to run after every mutation with the ids touched.
func (s *Store) OnChange(fn func(ids []string)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Merge applies incoming server records. Server fields overlay the cached
// ones; client-only fields survive unless the record just became accepted.
// Applying the same record twice leaves the same state as applying it once.
func (s *Store) Merge(ctx context.Context, source Source, reqs ...models.Request) error {
	return s.mutate(ctx, func(now time.Time) []string {
		ids := make([]string, 0, len(reqs))
		for _, r := range reqs {
			if r.ID == "" {
				continue
			}
			s.mergeLocked(r, now)
			ids = append(ids, r.ID)
		}
		observability.MergesTotal.WithLabelValues(string(source)).Add(float64(len(ids)))
		return ids
	})
}

// ApplyStatusChange merges a requestStatusChanged event. Events for unknown
// requests are dropped unless they carry the full record.
func (s *Store) ApplyStatusChange(ctx context.Context, ev protocol.StatusChanged) error {
	return s.mutate(ctx, func(now time.Time) []string {
		var in models.Request
		if ev.Request != nil {
			in = *ev.Request
		}
		in.ID = ev.RequestID
		in.Status = ev.Status

		if _, known := s.entries[in.ID]; !known && ev.Request == nil {
			s.logger.Debug("status change for unknown request ignored", "request_id", in.ID, "status", ev.Status)
			return nil
		}
		s.mergeLocked(in, now)
		observability.MergesTotal.WithLabelValues(string(SourceStatus)).Inc()
		return []string{in.ID}
	})
}

// Hide marks a request as hidden for this user (requestHidden). Hidden
// entries stay persisted but leave the active view.
func (s *Store) Hide(ctx context.Context, requestID string) error {
	return s.mutate(ctx, func(now time.Time) []string {
		e, ok := s.entries[requestID]
		if !ok || e.Hidden {
			return nil
		}
		e.Hidden = true
		e.UpdatedAt = now
		s.entries[requestID] = e
		return []string{requestID}
	})
}

// Sweep deletes accepted entries whose local countdown has lapsed and
// persists the result. It returns the removed ids.
func (s *Store) Sweep(ctx context.Context) ([]string, error) {
	var removed []string
	err := s.mutate(ctx, func(now time.Time) []string {
		for id, e := range s.entries {
			if s.expired(e, now) {
				delete(s.entries, id)
				removed = append(removed, id)
			}
		}
		sort.Strings(removed)
		observability.EntriesExpired.Add(float64(len(removed)))
		return removed
	})
	if len(removed) > 0 {
		s.logger.Info("expired accepted requests swept", "count", len(removed))
	}
	return removed, err
}

// RunSweeper sweeps every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Warn("sweep not persisted", "error", err)
			}
		}
	}
}

// Active returns the entries the UI should show, newest first: not hidden
// and not past their acceptance countdown.
func (s *Store) Active() []models.CacheEntry {
	now := s.now()
	s.mu.RLock()
	out := make([]models.CacheEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Hidden || s.expired(e, now) {
			continue
		}
		out = append(out, e)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Request, out[j].Request
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func (s *Store) Get(requestID string) (models.CacheEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[requestID]
	return e, ok
}

func (s *Store) Status(requestID string) (models.Status, bool) {
	e, ok := s.Get(requestID)
	return e.Request.Status, ok
}

// Remaining is the time left on an accepted request's local countdown.
func (s *Store) Remaining(requestID string) (time.Duration, bool) {
	e, ok := s.Get(requestID)
	if !ok || e.Request.Status != models.StatusAccepted || e.AcceptedAt == 0 {
		return 0, false
	}
	left := time.UnixMilli(e.AcceptedAt).Add(s.ttl).Sub(s.now())
	if left < 0 {
		left = 0
	}
	return left, true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) mutate(ctx context.Context, fn func(now time.Time) []string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	ids := fn(s.now())
	snapshot := s.snapshotLocked()
	hooks := append([]func([]string){}, s.hooks...)
	s.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	var err error
	if perr := s.backend.Save(ctx, s.userID, snapshot); perr != nil {
		observability.PersistErrors.Inc()
		s.logger.Error("persist request cache failed", "error", perr)
		err = fmt.Errorf("persist request cache: %w", perr)
	}
	for _, h := range hooks {
		h(ids)
	}
	return err
}

// mergeLocked folds in into the cache. A cancellation is overridden whatever
// its source when the timeline proves a provider accepted and nothing in the
// record evidences a real cancellation.
func (s *Store) mergeLocked(in models.Request, now time.Time) {
	cur, ok := s.entries[in.ID]
	if in.Status == models.StatusCancelled && acceptEvidence(in, cur, ok) && !cancelEvidence(in) {
		in.Status = s.uncancel(in.ID, cur, ok)
	}
	if !ok {
		e := models.CacheEntry{Request: in, UpdatedAt: now}
		if in.Status == models.StatusAccepted {
			e.AcceptedAt = now.UnixMilli()
		}
		s.entries[in.ID] = e
		return
	}

	prev := cur.Request.Status
	merged := cur.Request.Overlay(in)
	merged.Status = resolveStatus(prev, in.Status)
	if merged.Status != in.Status && in.Status != "" {
		s.logger.Debug("terminal status kept over late update", "request_id", in.ID, "kept", prev, "incoming", in.Status)
	}
	cur.Request = merged
	if merged.Status == models.StatusAccepted && prev != models.StatusAccepted && cur.AcceptedAt == 0 {
		cur.AcceptedAt = now.UnixMilli()
	}
	cur.UpdatedAt = now
	s.entries[in.ID] = cur
}

func (s *Store) snapshotLocked() []models.CacheEntry {
	out := make([]models.CacheEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

func (s *Store) expired(e models.CacheEntry, now time.Time) bool {
	if e.Request.Status != models.StatusAccepted || e.AcceptedAt == 0 {
		return false
	}
	return !now.Before(time.UnixMilli(e.AcceptedAt).Add(s.ttl))
}

// resolveStatus is last-write-wins except that terminal states absorb.
func resolveStatus(prev, incoming models.Status) models.Status {
	switch {
	case incoming == "":
		return prev
	case prev.IsTerminal() && incoming != prev:
		return prev
	default:
		return incoming
	}
}

// uncancel picks the status that replaces a contradicted cancellation: the
// cached status when the visit has already moved past accepted, otherwise
// accepted.
func (s *Store) uncancel(id string, cur models.CacheEntry, known bool) models.Status {
	keep := models.StatusAccepted
	if known && cur.Request.Status.PastAccepted() {
		keep = cur.Request.Status
	}
	s.logger.Warn("cancelled status contradicted by acceptance timeline",
		"request_id", id, "kept", keep, "kind", apperr.KindReconciliationConflict)
	observability.Conflicts.Inc()
	return keep
}

func acceptEvidence(in models.Request, cur models.CacheEntry, known bool) bool {
	if in.Timeline.ProviderAccepted != nil {
		return true
	}
	return known && cur.Request.Timeline.ProviderAccepted != nil
}

func cancelEvidence(in models.Request) bool {
	return in.CancelledBy != "" || in.CancellationReason != "" || in.Timeline.Cancelled != nil
}
