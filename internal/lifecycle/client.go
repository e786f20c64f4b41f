// Package lifecycle implements the request operations patients and providers
// perform over the session, and routes every inbound request record into the
// reconciliation store.
package lifecycle

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/example/care-sync/internal/apperr"
	"github.com/example/care-sync/internal/correlator"
	"github.com/example/care-sync/internal/models"
	"github.com/example/care-sync/internal/observability"
	"github.com/example/care-sync/internal/protocol"
	"github.com/example/care-sync/internal/reconcile"
)

const DefaultConnectWait = 5 * time.Second

// Transport is what the client needs from transport.Session.
type Transport interface {
	correlator.Bus
	EnsureSubscribed(key, event string, h protocol.Handler) bool
	Unsubscribe(key string)
	WaitForConnection(ctx context.Context, maxWait time.Duration) error
}

type Options struct {
	CallTimeout time.Duration // correlator.DefaultTimeout when zero
	ConnectWait time.Duration // DefaultConnectWait when zero
	// Role, when set, restricts role-specific operations.
	Role models.Role
}

type Client struct {
	transport Transport
	calls     *correlator.Correlator
	store     *reconcile.Store
	opts      Options
	logger    *slog.Logger
	pulls     singleflight.Group
	id        string
	keys      []string
}

// New wires the push subscriptions once per client, keyed by a client id so
// several clients sharing a transport each feed their own store. They are
// registered before any call listener, so a requestUpdated answering a call
// is merged before the call resolves.
func New(t Transport, store *reconcile.Store, opts Options, logger *slog.Logger) *Client {
	if opts.ConnectWait <= 0 {
		opts.ConnectWait = DefaultConnectWait
	}
	c := &Client{
		transport: t,
		calls:     correlator.New(t, logger),
		store:     store,
		opts:      opts,
		logger:    logger.With("component", "lifecycle"),
		id:        uuid.NewString(),
	}
	c.subscribe()
	return c
}

func (c *Client) Store() *reconcile.Store { return c.store }

// Close removes the client's push subscriptions. Calls still work, but the
// store no longer follows server pushes.
func (c *Client) Close() {
	for _, k := range c.keys {
		c.transport.Unsubscribe(k)
	}
	c.keys = nil
}

func (c *Client) subscribe() {
	on := func(event string, h protocol.Handler) {
		key := "lifecycle:" + c.id + ":" + event
		if c.transport.EnsureSubscribed(key, event, h) {
			c.keys = append(c.keys, key)
		}
	}
	for _, ev := range []string{protocol.EventNewRequestAvailable, protocol.EventRequestUpdated} {
		event := ev
		on(event, func(data json.RawMessage) {
			req, err := protocol.DecodeRequest(data)
			if err != nil {
				c.rejectPayload(event, err)
				return
			}
			c.merge(reconcile.SourcePush, req)
		})
	}
	on(protocol.EventRequestStatusChanged, func(data json.RawMessage) {
		ev, err := protocol.DecodeStatusChanged(data)
		if err != nil {
			c.rejectPayload(protocol.EventRequestStatusChanged, err)
			return
		}
		if err := c.store.ApplyStatusChange(context.Background(), ev); err != nil {
			c.logger.Debug("status change applied but not persisted", "request_id", ev.RequestID, "error", err)
		}
	})
	on(protocol.EventRequestHidden, func(data json.RawMessage) {
		ev, err := protocol.DecodeRequestHidden(data)
		if err != nil {
			c.rejectPayload(protocol.EventRequestHidden, err)
			return
		}
		if err := c.store.Hide(context.Background(), ev.RequestID); err != nil {
			c.logger.Debug("hide applied but not persisted", "request_id", ev.RequestID, "error", err)
		}
	})
}

// CreateRequest asks the server to open a new request. The address must
// carry a resolved coordinate.
func (c *Client) CreateRequest(ctx context.Context, p protocol.CreateRequestPayload) (models.Request, error) {
	const op = protocol.EventCreateRequest
	if c.opts.Role != "" && c.opts.Role != models.RolePatient {
		return models.Request{}, apperr.New(apperr.KindInvalidTransition, op, "Only patients can create requests.")
	}
	if p.Address.Coordinates.IsZero() {
		return models.Request{}, apperr.New(apperr.KindInvalidPayload, op, "A location is required to create a request.")
	}
	data, err := c.calls.Call(ctx, op, p, c.callOpts(protocol.EventRequestCreated, "", "Failed to create request."))
	if err != nil {
		return models.Request{}, err
	}
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		return models.Request{}, c.rejectPayload(protocol.EventRequestCreated, err)
	}
	c.merge(reconcile.SourceResponse, req)
	c.logger.Info("request created", "request_id", req.ID, "status", req.Status)
	return req, nil
}

func (c *Client) GetAvailableRequests(ctx context.Context, providerID string) ([]models.Request, error) {
	return c.pull(ctx, protocol.EventGetAvailableRequests, protocol.EventAvailableRequests, providerID,
		protocol.ProviderQuery{ProviderID: providerID}, "Failed to load available requests.")
}

func (c *Client) GetProviderRequests(ctx context.Context, providerID string) ([]models.Request, error) {
	return c.pull(ctx, protocol.EventGetProviderRequests, protocol.EventProviderRequests, providerID,
		protocol.ProviderQuery{ProviderID: providerID}, "Failed to load your requests.")
}

func (c *Client) GetPatientRequests(ctx context.Context, patientID string) ([]models.Request, error) {
	return c.pull(ctx, protocol.EventGetPatientRequests, protocol.EventPatientRequests, patientID,
		protocol.PatientQuery{PatientID: patientID}, "Failed to load your requests.")
}

// pull waits for the session, then fetches a snapshot. Overlapping pulls of
// the same list for the same user share one call and its result.
func (c *Client) pull(ctx context.Context, event, success, owner string, payload any, fallback string) ([]models.Request, error) {
	if err := c.transport.WaitForConnection(ctx, c.opts.ConnectWait); err != nil {
		return nil, err
	}
	v, err, shared := c.pulls.Do(event+":"+owner, func() (interface{}, error) {
		data, err := c.calls.Call(ctx, event, payload, c.callOpts(success, "", fallback))
		if err != nil {
			return nil, err
		}
		reqs, err := protocol.DecodeRequestList(data)
		if err != nil {
			return nil, c.rejectPayload(success, err)
		}
		c.merge(reconcile.SourceSnapshot, reqs...)
		return reqs, nil
	})
	if shared {
		c.logger.Debug("pull joined in-flight call", "event", event)
	}
	if err != nil {
		return nil, err
	}
	return v.([]models.Request), nil
}

// AcceptRequest resolves with the server's post-accept record.
func (c *Client) AcceptRequest(ctx context.Context, requestID, providerID string) (models.Request, error) {
	return c.mutate(ctx, protocol.EventAcceptRequest, requestID,
		protocol.AcceptPayload{RequestID: requestID, ProviderID: providerID}, "Failed to accept request.")
}

// RejectRequest resolves once the server hides the request from this provider.
func (c *Client) RejectRequest(ctx context.Context, requestID, providerID string) error {
	_, err := c.calls.Call(ctx, protocol.EventRejectRequest,
		protocol.RejectPayload{RequestID: requestID, ProviderID: providerID},
		c.callOpts(protocol.EventRequestHidden, requestID, "Failed to reject request."))
	return err
}

// UpdateRequestStatus moves a request along the provider workflow. Known
// requests are checked against the state machine before anything is sent.
func (c *Client) UpdateRequestStatus(ctx context.Context, requestID string, status models.Status, loc *models.Coord) (models.Request, error) {
	const op = protocol.EventUpdateRequestStatus
	if !status.Valid() {
		return models.Request{}, apperr.New(apperr.KindInvalidPayload, op, "Unknown request status.")
	}
	if cur, ok := c.store.Status(requestID); ok && !models.CanTransition(cur, status) {
		return models.Request{}, apperr.New(apperr.KindInvalidTransition, op, "")
	}
	return c.mutate(ctx, op, requestID,
		protocol.StatusUpdatePayload{RequestID: requestID, Status: status, ProviderLocation: loc}, "Failed to update request status.")
}

// UpdateProviderResponse shares the provider's ETA and position without
// changing status.
func (c *Client) UpdateProviderResponse(ctx context.Context, requestID string, etaMinutes int, loc models.Coord) (models.Request, error) {
	return c.mutate(ctx, protocol.EventUpdateProviderResponse, requestID,
		protocol.ProviderResponsePayload{RequestID: requestID, EstimatedArrival: etaMinutes, ProviderLocation: loc}, "Failed to send response.")
}

func (c *Client) CancelRequest(ctx context.Context, requestID string, by models.Role, reason string) (models.Request, error) {
	const op = protocol.EventCancelRequest
	if cur, ok := c.store.Status(requestID); ok && cur.IsTerminal() {
		return models.Request{}, apperr.New(apperr.KindInvalidTransition, op, "This request can no longer be cancelled.")
	}
	return c.mutate(ctx, op, requestID,
		protocol.CancelPayload{RequestID: requestID, CancelledBy: by, Reason: reason}, "Failed to cancel request.")
}

// mutate runs a call answered by requestUpdated. The push subscription has
// already merged the answer by the time it returns.
func (c *Client) mutate(ctx context.Context, event, requestID string, payload any, fallback string) (models.Request, error) {
	data, err := c.calls.Call(ctx, event, payload, c.callOpts(protocol.EventRequestUpdated, requestID, fallback))
	if err != nil {
		c.logger.Warn("request operation failed", "event", event, "request_id", requestID, "error", err)
		return models.Request{}, err
	}
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		return models.Request{}, c.rejectPayload(protocol.EventRequestUpdated, err)
	}
	return req, nil
}

func (c *Client) callOpts(success, requestID, fallback string) correlator.Options {
	o := correlator.Options{
		SuccessEvent: success,
		ErrorEvent:   protocol.EventRequestError,
		Timeout:      c.opts.CallTimeout,
		Fallback:     fallback,
	}
	if requestID != "" {
		o.Match = correlator.MatchRequestID(requestID)
	}
	return o
}

func (c *Client) merge(src reconcile.Source, reqs ...models.Request) {
	if err := c.store.Merge(context.Background(), src, reqs...); err != nil {
		c.logger.Debug("merge applied but not persisted", "source", src, "error", err)
	}
}

func (c *Client) rejectPayload(event string, err error) error {
	observability.InvalidPayloads.WithLabelValues(event).Inc()
	c.logger.Warn("dropping malformed payload", "event", event, "error", err)
	return err
}
