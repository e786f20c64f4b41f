package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/care-sync/internal/config"
	"github.com/example/care-sync/internal/eta"
	"github.com/example/care-sync/internal/lifecycle"
	"github.com/example/care-sync/internal/location"
	"github.com/example/care-sync/internal/models"
	"github.com/example/care-sync/internal/protocol"
	"github.com/example/care-sync/internal/reconcile"
	"github.com/example/care-sync/internal/transport"
)

const pollInterval = 3 * time.Second

type agent struct {
	cfg       config.ClientConfig
	flags     flags
	session   *transport.Session
	client    *lifecycle.Client
	store     *reconcile.Store
	estimator eta.Estimator
	logger    *slog.Logger
}

// runPatient opens a request and follows it until it ends.
func (a *agent) runPatient(ctx context.Context) error {
	req, err := a.client.CreateRequest(ctx, protocol.CreateRequestPayload{
		PatientID:       a.cfg.UserID,
		AilmentCategory: a.flags.ailment,
		UrgencyLevel:    "medium",
		PaymentMethod:   "cash",
		Address: models.Address{
			Street:      a.flags.street,
			Coordinates: models.Coord{Lat: a.flags.lat, Lon: a.flags.lon},
		},
	})
	if err != nil {
		return err
	}
	a.logger.Info("waiting for a provider", "request_id", req.ID)

	tracker := location.NewTracker(a.session, a.store, location.TrackerOptions{Estimator: a.estimator}, a.logger)
	defer tracker.Close()
	tracker.OnFix(func(f location.Fix) {
		a.logger.Info("provider position",
			"request_id", f.RequestID, "distance_km", fmt.Sprintf("%.2f", f.DistanceKm), "eta_min", f.ETAMinutes)
	})

	tracking := false
	st, err := waitFor(ctx, a.store, req.ID, func(s models.Status) bool {
		if s.IsRouting() && !tracking {
			tracking = true
			go func() {
				if _, err := tracker.Start(ctx, req.ID); err != nil {
					a.logger.Warn("no initial provider location", "request_id", req.ID, "error", err)
				}
			}()
		}
		return s.IsTerminal()
	})
	if err != nil {
		return err
	}
	a.logger.Info("request finished", "request_id", req.ID, "status", st)
	return nil
}

// runProvider accepts the first available request and drives it to
// completion along a simulated straight route.
func (a *agent) runProvider(ctx context.Context) error {
	req, err := a.firstAvailable(ctx)
	if err != nil {
		return err
	}
	if req, err = a.client.AcceptRequest(ctx, req.ID, a.cfg.UserID); err != nil {
		return err
	}
	start := models.Coord{Lat: a.flags.lat, Lon: a.flags.lon}
	dest := req.Address.Coordinates

	minutes, err := a.estimator.Minutes(ctx, start, dest)
	if err != nil {
		return err
	}
	if _, err := a.client.UpdateProviderResponse(ctx, req.ID, minutes, start); err != nil {
		return err
	}
	if _, err := a.client.UpdateRequestStatus(ctx, req.ID, models.StatusEnRoute, &start); err != nil {
		return err
	}

	b := location.NewBroadcaster(a.session, a.store, location.BroadcasterOptions{
		Interval:     a.cfg.LocationInterval,
		MinDistanceM: a.cfg.LocationMinDistance,
	}, a.logger)
	samples := make(chan models.Coord)
	done := make(chan struct{})
	go func() {
		b.Run(ctx, req.ID, samples)
		close(done)
	}()
	for _, c := range route(start, dest, a.flags.steps) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return fmt.Errorf("request %s left en route", req.ID)
		case samples <- c:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.LocationInterval):
		}
	}
	close(samples)
	<-done

	for _, st := range []models.Status{models.StatusArrived, models.StatusInProgress, models.StatusCompleted} {
		if _, err := a.client.UpdateRequestStatus(ctx, req.ID, st, &dest); err != nil {
			return err
		}
		a.logger.Info("request advanced", "request_id", req.ID, "status", st)
	}
	return nil
}

func (a *agent) firstAvailable(ctx context.Context) (models.Request, error) {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		reqs, err := a.client.GetAvailableRequests(ctx, a.cfg.UserID)
		switch {
		case err != nil:
			a.logger.Warn("load available requests", "error", err)
		case len(reqs) > 0:
			return reqs[0], nil
		}
		select {
		case <-ctx.Done():
			return models.Request{}, ctx.Err()
		case <-t.C:
		}
	}
}

var errGone = errors.New("request no longer cached")

// waitFor blocks until done reports true for the cached status of id. done
// runs on every change touching id, in the caller's goroutine.
func waitFor(ctx context.Context, store *reconcile.Store, id string, done func(models.Status) bool) (models.Status, error) {
	changed := make(chan struct{}, 1)
	store.OnChange(func(ids []string) {
		for _, got := range ids {
			if got == id {
				select {
				case changed <- struct{}{}:
				default:
				}
				return
			}
		}
	})
	for {
		st, ok := store.Status(id)
		if !ok {
			return "", errGone
		}
		if done(st) {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-changed:
		}
	}
}

// route returns steps evenly spaced points from a (exclusive) to b
// (inclusive).
func route(a, b models.Coord, steps int) []models.Coord {
	out := make([]models.Coord, 0, steps)
	for i := 1; i <= steps; i++ {
		f := float64(i) / float64(steps)
		out = append(out, models.Coord{Lat: a.Lat + (b.Lat-a.Lat)*f, Lon: a.Lon + (b.Lon-a.Lon)*f})
	}
	return out
}
