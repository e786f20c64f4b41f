package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/care-sync/internal/apperr"
	"github.com/example/care-sync/internal/logging"
	"github.com/example/care-sync/internal/models"
	"github.com/example/care-sync/internal/protocol"
	"github.com/example/care-sync/internal/reconcile"
	"github.com/example/care-sync/internal/storage"
	"github.com/example/care-sync/internal/transport/transporttest"
)

func newClient(t *testing.T, bus *transporttest.Bus, opts Options) (*Client, *reconcile.Store) {
	t.Helper()
	store, err := reconcile.Open(context.Background(), storage.NewMemoryStore(), "u1")
	require.NoError(t, err)
	return New(bus, store, opts, logging.Discard()), store
}

func fluPayload() protocol.CreateRequestPayload {
	return protocol.CreateRequestPayload{
		PatientID:       "pat-1",
		AilmentCategory: "Flu",
		EstimatedCost:   250,
		Address:         models.Address{Coordinates: models.Coord{Lat: -22.55, Lon: 17.07}},
	}
}

func TestCreateRequestResolvesAndStores(t *testing.T) {
	bus := transporttest.NewBus(true)
	bus.OnEmit = func(event string, data json.RawMessage) {
		if event == protocol.EventCreateRequest {
			bus.Deliver(protocol.EventRequestCreated, `{"_id":"abc123","status":"searching","ailmentCategory":"Flu","estimatedCost":250}`)
		}
	}
	c, store := newClient(t, bus, Options{Role: models.RolePatient})

	req, err := c.CreateRequest(context.Background(), fluPayload())
	require.NoError(t, err)
	assert.Equal(t, "abc123", req.ID)
	assert.Equal(t, models.StatusSearching, req.Status)

	e, ok := store.Get("abc123")
	require.True(t, ok)
	assert.Equal(t, "Flu", e.Request.AilmentCategory)

	sent := bus.EmittedNamed(protocol.EventCreateRequest)
	require.Len(t, sent, 1)
	var p protocol.CreateRequestPayload
	require.NoError(t, json.Unmarshal(sent[0], &p))
	assert.Equal(t, -22.55, p.Address.Coordinates.Lat)
	assert.Equal(t, 250.0, p.EstimatedCost)
}

func TestCreateRequestRequiresCoordinate(t *testing.T) {
	bus := transporttest.NewBus(true)
	c, _ := newClient(t, bus, Options{})

	p := fluPayload()
	p.Address.Coordinates = models.Coord{}
	_, err := c.CreateRequest(context.Background(), p)
	assert.ErrorIs(t, err, apperr.ErrInvalidPayload)
	assert.Empty(t, bus.Emitted())
}

func TestCreateRequestIsPatientOnly(t *testing.T) {
	bus := transporttest.NewBus(true)
	c, _ := newClient(t, bus, Options{Role: models.RoleProvider})

	_, err := c.CreateRequest(context.Background(), fluPayload())
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Empty(t, bus.Emitted())
}

func TestOperationsFailFastWhenDisconnected(t *testing.T) {
	bus := transporttest.NewBus(false)
	c, _ := newClient(t, bus, Options{})

	_, err := c.AcceptRequest(context.Background(), "abc123", "p1")
	assert.ErrorIs(t, err, apperr.ErrNotConnected)
	err = c.RejectRequest(context.Background(), "abc123", "p1")
	assert.ErrorIs(t, err, apperr.ErrNotConnected)
	_, err = c.CancelRequest(context.Background(), "abc123", models.RolePatient, "changed my mind")
	assert.ErrorIs(t, err, apperr.ErrNotConnected)
	assert.Empty(t, bus.Emitted())
}

func TestPullWaitsForConnectionThenTimesOut(t *testing.T) {
	bus := transporttest.NewBus(false)
	c, _ := newClient(t, bus, Options{ConnectWait: 20 * time.Millisecond})

	_, err := c.GetAvailableRequests(context.Background(), "p1")
	assert.ErrorIs(t, err, apperr.ErrConnectionTimeout)
	assert.Empty(t, bus.Emitted())
}

func TestAcceptTimeoutLeavesStoreUntouched(t *testing.T) {
	bus := transporttest.NewBus(true)
	c, store := newClient(t, bus, Options{CallTimeout: 50 * time.Millisecond})
	require.NoError(t, store.Merge(context.Background(), reconcile.SourceSnapshot,
		models.Request{ID: "abc123", Status: models.StatusSearching}))
	before, _ := store.Get("abc123")

	_, err := c.AcceptRequest(context.Background(), "abc123", "p1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrTimeout)
	assert.NotErrorIs(t, err, apperr.ErrServer)

	after, _ := store.Get("abc123")
	assert.Equal(t, before, after)
	// Only the long-lived push subscription remains.
	assert.Equal(t, 1, bus.ListenerCount(protocol.EventRequestUpdated))
	assert.Zero(t, bus.ListenerCount(protocol.EventRequestError))
}

func TestAcceptMergesServerRecord(t *testing.T) {
	bus := transporttest.NewBus(true)
	bus.OnEmit = func(event string, data json.RawMessage) {
		if event == protocol.EventAcceptRequest {
			bus.Deliver(protocol.EventRequestUpdated, models.Request{ID: "abc123", Status: models.StatusAccepted, ProviderID: "p1"})
		}
	}
	c, store := newClient(t, bus, Options{})
	require.NoError(t, store.Merge(context.Background(), reconcile.SourcePush,
		models.Request{ID: "abc123", Status: models.StatusSearching, AilmentCategory: "Flu"}))

	req, err := c.AcceptRequest(context.Background(), "abc123", "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, req.Status)

	e, _ := store.Get("abc123")
	assert.Equal(t, models.StatusAccepted, e.Request.Status)
	assert.Equal(t, "p1", e.Request.ProviderID)
	assert.Equal(t, "Flu", e.Request.AilmentCategory)
	assert.NotZero(t, e.AcceptedAt)
}

func TestAcceptIgnoresUpdatesForOtherRequests(t *testing.T) {
	bus := transporttest.NewBus(true)
	bus.OnEmit = func(event string, data json.RawMessage) {
		if event == protocol.EventAcceptRequest {
			bus.Deliver(protocol.EventRequestUpdated, models.Request{ID: "other", Status: models.StatusEnRoute})
			bus.Deliver(protocol.EventRequestUpdated, models.Request{ID: "abc123", Status: models.StatusAccepted})
		}
	}
	c, store := newClient(t, bus, Options{})

	req, err := c.AcceptRequest(context.Background(), "abc123", "p1")
	require.NoError(t, err)
	assert.Equal(t, "abc123", req.ID)
	// The unrelated push still reached the store.
	st, ok := store.Status("other")
	require.True(t, ok)
	assert.Equal(t, models.StatusEnRoute, st)
}

func TestServerErrorMessagePassedThrough(t *testing.T) {
	bus := transporttest.NewBus(true)
	bus.OnEmit = func(event string, data json.RawMessage) {
		bus.Deliver(protocol.EventRequestError, protocol.ErrorPayload{Message: "Request already accepted", RequestID: "abc123"})
	}
	c, _ := newClient(t, bus, Options{})

	_, err := c.AcceptRequest(context.Background(), "abc123", "p1")
	require.ErrorIs(t, err, apperr.ErrServer)
	assert.Equal(t, "Request already accepted", err.Error())
}

func TestServerErrorFallbackMessage(t *testing.T) {
	bus := transporttest.NewBus(true)
	bus.OnEmit = func(event string, data json.RawMessage) {
		bus.Deliver(protocol.EventRequestError, `{}`)
	}
	c, _ := newClient(t, bus, Options{})

	err := c.RejectRequest(context.Background(), "abc123", "p1")
	require.ErrorIs(t, err, apperr.ErrServer)
	assert.Equal(t, "Failed to reject request.", err.Error())
}

func TestRejectResolvesOnHiddenAndHides(t *testing.T) {
	bus := transporttest.NewBus(true)
	bus.OnEmit = func(event string, data json.RawMessage) {
		if event == protocol.EventRejectRequest {
			bus.Deliver(protocol.EventRequestHidden, protocol.RequestHidden{RequestID: "abc123"})
		}
	}
	c, store := newClient(t, bus, Options{})
	require.NoError(t, store.Merge(context.Background(), reconcile.SourcePush,
		models.Request{ID: "abc123", Status: models.StatusSearching}))

	require.NoError(t, c.RejectRequest(context.Background(), "abc123", "p1"))
	assert.Empty(t, store.Active())
}

func TestConsecutivePushesLastWriteWins(t *testing.T) {
	bus := transporttest.NewBus(true)
	_, store := newClient(t, bus, Options{})
	require.NoError(t, store.Merge(context.Background(), reconcile.SourceSnapshot,
		models.Request{ID: "abc123", Status: models.StatusAccepted}))

	bus.Deliver(protocol.EventRequestUpdated, models.Request{ID: "abc123", Status: models.StatusEnRoute})
	time.Sleep(50 * time.Millisecond)
	bus.Deliver(protocol.EventRequestUpdated, models.Request{ID: "abc123", Status: models.StatusCompleted})

	st, _ := store.Status("abc123")
	assert.Equal(t, models.StatusCompleted, st)
}

func TestStatusChangedPushCorrectsSuspectCancellation(t *testing.T) {
	bus := transporttest.NewBus(true)
	_, store := newClient(t, bus, Options{})
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	bus.Deliver(protocol.EventRequestStatusChanged, protocol.StatusChanged{
		RequestID: "abc123",
		Status:    models.StatusCancelled,
		Request:   &models.Request{ID: "abc123", Status: models.StatusCancelled, Timeline: models.Timeline{ProviderAccepted: &at}},
	})

	st, ok := store.Status("abc123")
	require.True(t, ok)
	assert.Equal(t, models.StatusAccepted, st)
}

func TestMalformedPushIsDropped(t *testing.T) {
	bus := transporttest.NewBus(true)
	_, store := newClient(t, bus, Options{})

	assert.NotPanics(t, func() {
		bus.Deliver(protocol.EventNewRequestAvailable, `{"status":"searching"}`)
		bus.Deliver(protocol.EventRequestStatusChanged, `{"requestId":"x","status":"teleported"}`)
		bus.Deliver(protocol.EventRequestHidden, `[1,2]`)
	})
	assert.Zero(t, store.Len())
}

func TestNewRequestAvailablePushIsMerged(t *testing.T) {
	bus := transporttest.NewBus(true)
	_, store := newClient(t, bus, Options{})

	bus.Deliver(protocol.EventNewRequestAvailable, models.Request{ID: "n1", Status: models.StatusPending, AilmentCategory: "Cough"})
	active := store.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "n1", active[0].Request.ID)
}

func TestSubscriptionsRegisteredOncePerClient(t *testing.T) {
	bus := transporttest.NewBus(true)
	c, _ := newClient(t, bus, Options{})
	c.subscribe()
	assert.Equal(t, 1, bus.ListenerCount(protocol.EventRequestUpdated))
	assert.Equal(t, 1, bus.ListenerCount(protocol.EventRequestStatusChanged))
}

func TestClientsSharingTransportEachFeedTheirStore(t *testing.T) {
	bus := transporttest.NewBus(true)
	a, storeA := newClient(t, bus, Options{})
	_, storeB := newClient(t, bus, Options{})

	bus.Deliver(protocol.EventNewRequestAvailable, models.Request{ID: "x1", Status: models.StatusPending})
	_, okA := storeA.Get("x1")
	_, okB := storeB.Get("x1")
	assert.True(t, okA)
	assert.True(t, okB)

	a.Close()
	assert.Equal(t, 1, bus.ListenerCount(protocol.EventRequestUpdated))
	bus.Deliver(protocol.EventRequestUpdated, models.Request{ID: "x2", Status: models.StatusPending})
	_, okA = storeA.Get("x2")
	_, okB = storeB.Get("x2")
	assert.False(t, okA)
	assert.True(t, okB)
}

func TestUpdateRequestStatusChecksStateMachine(t *testing.T) {
	bus := transporttest.NewBus(true)
	c, store := newClient(t, bus, Options{})
	require.NoError(t, store.Merge(context.Background(), reconcile.SourceSnapshot,
		models.Request{ID: "abc123", Status: models.StatusSearching}))

	_, err := c.UpdateRequestStatus(context.Background(), "abc123", models.StatusArrived, nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = c.UpdateRequestStatus(context.Background(), "abc123", models.Status("flying"), nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidPayload)
	assert.Empty(t, bus.Emitted())
}

func TestUpdateRequestStatusSendsLocation(t *testing.T) {
	bus := transporttest.NewBus(true)
	bus.OnEmit = func(event string, data json.RawMessage) {
		if event == protocol.EventUpdateRequestStatus {
			bus.Deliver(protocol.EventRequestUpdated, models.Request{ID: "abc123", Status: models.StatusEnRoute})
		}
	}
	c, store := newClient(t, bus, Options{})
	require.NoError(t, store.Merge(context.Background(), reconcile.SourceSnapshot,
		models.Request{ID: "abc123", Status: models.StatusAccepted}))

	loc := &models.Coord{Lat: -22.5, Lon: 17.1}
	req, err := c.UpdateRequestStatus(context.Background(), "abc123", models.StatusEnRoute, loc)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnRoute, req.Status)

	var p protocol.StatusUpdatePayload
	require.NoError(t, json.Unmarshal(bus.EmittedNamed(protocol.EventUpdateRequestStatus)[0], &p))
	require.NotNil(t, p.ProviderLocation)
	assert.Equal(t, -22.5, p.ProviderLocation.Lat)
}

func TestUpdateProviderResponseEnrichesWithoutStatusChange(t *testing.T) {
	bus := transporttest.NewBus(true)
	bus.OnEmit = func(event string, data json.RawMessage) {
		if event == protocol.EventUpdateProviderResponse {
			loc := models.Coord{Lat: -22.5, Lon: 17.1}
			bus.Deliver(protocol.EventRequestUpdated, models.Request{ID: "abc123", Status: models.StatusAccepted, EstimatedArrival: 12, ProviderLocation: &loc})
		}
	}
	c, store := newClient(t, bus, Options{})
	require.NoError(t, store.Merge(context.Background(), reconcile.SourceSnapshot,
		models.Request{ID: "abc123", Status: models.StatusAccepted}))
	before, _ := store.Get("abc123")

	_, err := c.UpdateProviderResponse(context.Background(), "abc123", 12, models.Coord{Lat: -22.5, Lon: 17.1})
	require.NoError(t, err)

	e, _ := store.Get("abc123")
	assert.Equal(t, models.StatusAccepted, e.Request.Status)
	assert.Equal(t, 12, e.Request.EstimatedArrival)
	assert.Equal(t, before.AcceptedAt, e.AcceptedAt)
}

func TestCancelRejectsTerminalRequest(t *testing.T) {
	bus := transporttest.NewBus(true)
	c, store := newClient(t, bus, Options{})
	require.NoError(t, store.Merge(context.Background(), reconcile.SourceSnapshot,
		models.Request{ID: "abc123", Status: models.StatusCompleted}))

	_, err := c.CancelRequest(context.Background(), "abc123", models.RolePatient, "too late")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Empty(t, bus.Emitted())
}

func TestGetPatientRequestsMergesSnapshot(t *testing.T) {
	bus := transporttest.NewBus(true)
	bus.OnEmit = func(event string, data json.RawMessage) {
		if event == protocol.EventGetPatientRequests {
			bus.Deliver(protocol.EventPatientRequests, `{"requests":[{"_id":"a","status":"searching"},{"id":"b","status":"accepted"}]}`)
		}
	}
	c, store := newClient(t, bus, Options{})

	reqs, err := c.GetPatientRequests(context.Background(), "pat-1")
	require.NoError(t, err)
	assert.Len(t, reqs, 2)
	assert.Equal(t, 2, store.Len())
	e, _ := store.Get("b")
	assert.NotZero(t, e.AcceptedAt)
}

func TestConcurrentPullsShareOneCall(t *testing.T) {
	bus := transporttest.NewBus(true)
	bus.OnEmit = func(event string, data json.RawMessage) {
		go func() {
			time.Sleep(100 * time.Millisecond)
			bus.Deliver(protocol.EventAvailableRequests, `[{"_id":"a","status":"searching"}]`)
		}()
	}
	c, _ := newClient(t, bus, Options{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetAvailableRequests(context.Background(), "p1")
		}(i)
	}
	wg.Wait()

	assert.NoError(t, errors.Join(errs...))
	assert.Len(t, bus.EmittedNamed(protocol.EventGetAvailableRequests), 1)
}

func TestPushedCancellationContradictedByAcceptanceIsCorrected(t *testing.T) {
	bus := transporttest.NewBus(true)
	_, store := newClient(t, bus, Options{})
	at := time.Date(2024, 5, 1, 7, 55, 0, 0, time.UTC)
	accepted := models.Timeline{ProviderAccepted: &at}

	bus.Deliver(protocol.EventRequestUpdated, models.Request{ID: "r1", Status: models.StatusAccepted, Timeline: accepted})
	bus.Deliver(protocol.EventRequestUpdated, models.Request{ID: "r1", Status: models.StatusCancelled, Timeline: accepted})
	bus.Deliver(protocol.EventRequestStatusChanged, protocol.StatusChanged{
		RequestID: "r1",
		Status:    models.StatusCancelled,
		Request:   &models.Request{ID: "r1", Status: models.StatusCancelled, Timeline: accepted},
	})

	st, ok := store.Status("r1")
	require.True(t, ok)
	assert.Equal(t, models.StatusAccepted, st)
}
