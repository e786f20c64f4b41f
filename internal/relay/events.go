package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/example/care-sync/internal/ingest"
	"github.com/example/care-sync/internal/models"
	"github.com/example/care-sync/internal/notify"
	"github.com/example/care-sync/internal/observability"
	"github.com/example/care-sync/internal/protocol"
)

var errInvalidPayload = errors.New("Invalid request payload")

func (s *Server) handleFrame(c *Conn, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		observability.InvalidPayloads.WithLabelValues("relay_envelope").Inc()
		s.logger.Warn("dropping malformed frame", "error", err)
		return
	}
	observability.EventsReceived.WithLabelValues(env.Event).Inc()
	userID, role := c.Identity()

	switch env.Event {
	case protocol.EventJoin:
		var p protocol.JoinPayload
		if decode(env.Data, &p) == nil && p.UserID != "" && p.Role.Valid() {
			c.setIdentity(p.UserID, p.Role)
		}

	case protocol.EventCreateRequest:
		var p protocol.CreateRequestPayload
		if err := decode(env.Data, &p); err != nil {
			s.fail(c, "", err)
			return
		}
		r, err := s.book.Create(userID, p)
		if err != nil {
			s.fail(c, "", err)
			return
		}
		s.logger.Info("request created", "request_id", r.ID, "patient_id", r.PatientID)
		s.reply(c, protocol.EventRequestCreated, r)
		s.hub.ToRole(models.RoleProvider, "", protocol.EventNewRequestAvailable, r)

	case protocol.EventGetPatientRequests:
		var p protocol.PatientQuery
		_ = decode(env.Data, &p)
		s.reply(c, protocol.EventPatientRequests, s.book.ForPatient(orDefault(p.PatientID, userID)))

	case protocol.EventGetAvailableRequests:
		var p protocol.ProviderQuery
		_ = decode(env.Data, &p)
		s.reply(c, protocol.EventAvailableRequests, s.book.Available(orDefault(p.ProviderID, userID)))

	case protocol.EventGetProviderRequests:
		var p protocol.ProviderQuery
		_ = decode(env.Data, &p)
		s.reply(c, protocol.EventProviderRequests, s.book.ForProvider(orDefault(p.ProviderID, userID)))

	case protocol.EventAcceptRequest:
		var p protocol.AcceptPayload
		if err := decode(env.Data, &p); err != nil {
			s.fail(c, "", err)
			return
		}
		providerID := orDefault(p.ProviderID, userID)
		r, err := s.book.Accept(p.RequestID, providerID)
		if err != nil {
			s.fail(c, p.RequestID, err)
			return
		}
		s.reply(c, protocol.EventRequestUpdated, r)
		s.pushStatus(r, providerID)
		s.hideFromProviders(r.ID, providerID)

	case protocol.EventRejectRequest:
		var p protocol.RejectPayload
		if err := decode(env.Data, &p); err != nil {
			s.fail(c, "", err)
			return
		}
		if err := s.book.Reject(p.RequestID, orDefault(p.ProviderID, userID)); err != nil {
			s.fail(c, p.RequestID, err)
			return
		}
		s.reply(c, protocol.EventRequestHidden, protocol.RequestHidden{RequestID: p.RequestID})

	case protocol.EventUpdateRequestStatus:
		var p protocol.StatusUpdatePayload
		if err := decode(env.Data, &p); err != nil {
			s.fail(c, "", err)
			return
		}
		actor := ""
		if role == models.RoleProvider {
			actor = userID
		}
		r, err := s.book.UpdateStatus(p.RequestID, actor, p.Status, p.ProviderLocation)
		if err != nil {
			s.fail(c, p.RequestID, err)
			return
		}
		s.reply(c, protocol.EventRequestUpdated, r)
		s.pushStatus(r, userID)

	case protocol.EventUpdateProviderResponse:
		var p protocol.ProviderResponsePayload
		if err := decode(env.Data, &p); err != nil {
			s.fail(c, "", err)
			return
		}
		r, err := s.book.Respond(p.RequestID, p.EstimatedArrival, p.ProviderLocation)
		if err != nil {
			s.fail(c, p.RequestID, err)
			return
		}
		s.reply(c, protocol.EventRequestUpdated, r)
		s.hub.ToUser(r.PatientID, protocol.EventRequestUpdated, r)

	case protocol.EventCancelRequest:
		var p protocol.CancelPayload
		if err := decode(env.Data, &p); err != nil {
			s.fail(c, "", err)
			return
		}
		r, prev, err := s.book.Cancel(p.RequestID, orDefaultRole(p.CancelledBy, role), p.Reason)
		if err != nil {
			s.fail(c, p.RequestID, err)
			return
		}
		s.reply(c, protocol.EventRequestUpdated, r)
		s.pushStatus(r, userID)
		if prev == models.StatusSearching || prev == models.StatusPending {
			s.hideFromProviders(r.ID, "")
		}

	case protocol.EventLocationRealtime:
		var u protocol.LocationUpdate
		if err := decode(env.Data, &u); err != nil || u.RequestID == "" {
			observability.InvalidPayloads.WithLabelValues(env.Event).Inc()
			return
		}
		s.relayLocation(userID, u)

	case protocol.EventGetProviderLocation:
		var q protocol.ProviderLocationQuery
		_ = decode(env.Data, &q)
		s.ackLocation(c, env.Ack, q.RequestID)

	default:
		s.logger.Debug("unhandled event", "event", env.Event, "user_id", userID)
	}
}

func (s *Server) relayLocation(providerID string, u protocol.LocationUpdate) {
	if u.Location.Timestamp.IsZero() {
		u.Location.Timestamp = time.Now().UTC()
	}
	if !s.locations.Upsert(u.RequestID, u.Location) {
		observability.LocationDropped.WithLabelValues("stale").Inc()
		return
	}
	if r, ok := s.book.Get(u.RequestID); ok {
		s.hub.ToUser(r.PatientID, protocol.EventProviderLocation, u)
	}
	if s.publisher == nil {
		return
	}
	msg := ingest.ProviderLocation{ProviderID: providerID, RequestID: u.RequestID, Location: u.Location}
	go func() {
		if err := s.publisher.PublishLocation(context.Background(), msg); err != nil {
			s.logger.Warn("publish provider location failed", "request_id", msg.RequestID, "error", err)
		}
	}()
}

func (s *Server) ackLocation(c *Conn, ackID, requestID string) {
	if ackID == "" {
		return
	}
	ack := protocol.ProviderLocationAck{Success: false, Message: "No location available for this request yet"}
	if sample, ok := s.locations.Latest(requestID); ok {
		ack = protocol.ProviderLocationAck{Success: true, Location: &sample}
	} else if r, ok := s.book.Get(requestID); ok && r.ProviderLocation != nil {
		sample := models.LocationSample{Latitude: r.ProviderLocation.Lat, Longitude: r.ProviderLocation.Lon, Timestamp: r.UpdatedAt}
		ack = protocol.ProviderLocationAck{Success: true, Location: &sample}
	}
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	if err := c.Send(protocol.Envelope{Event: protocol.EventAck, Ack: ackID, Data: data}); err != nil {
		s.logger.Warn("ack send failed", "error", err)
	}
}

// pushStatus tells both parties of r, except the acting user, about its
// current record and status.
func (s *Server) pushStatus(r models.Request, actor string) {
	ev := protocol.StatusChanged{RequestID: r.ID, Status: r.Status, Request: &r}
	for _, uid := range []string{r.PatientID, r.ProviderID} {
		if uid == "" || uid == actor {
			continue
		}
		s.hub.ToUser(uid, protocol.EventRequestUpdated, r)
		if s.hub.ToUser(uid, protocol.EventRequestStatusChanged, ev) == 0 {
			s.notifyOffline(uid, r)
		}
	}
}

func (s *Server) notifyOffline(userID string, r models.Request) {
	if s.notifier == nil {
		return
	}
	n := notify.Notification{Event: protocol.EventRequestStatusChanged, RequestID: r.ID, Status: r.Status}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.notifier.Notify(ctx, userID, n); err != nil {
			s.logger.Warn("offline notification failed", "user_id", userID, "request_id", n.RequestID, "error", err)
		}
	}()
}

func (s *Server) hideFromProviders(requestID, except string) {
	s.hub.ToRole(models.RoleProvider, except, protocol.EventRequestHidden, protocol.RequestHidden{RequestID: requestID})
}

func (s *Server) reply(c *Conn, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("encode reply failed", "event", event, "error", err)
		return
	}
	if err := c.Send(protocol.Envelope{Event: event, Data: data}); err != nil {
		s.logger.Warn("reply failed", "event", event, "error", err)
	}
}

func (s *Server) fail(c *Conn, requestID string, err error) {
	s.logger.Info("request rejected", "request_id", requestID, "reason", err)
	s.reply(c, protocol.EventRequestError, protocol.ErrorPayload{Message: err.Error(), RequestID: requestID})
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orDefaultRole(v, def models.Role) models.Role {
	if v.Valid() {
		return v
	}
	return def
}
