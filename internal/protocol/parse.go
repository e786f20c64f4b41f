package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/example/care-sync/internal/apperr"
	"github.com/example/care-sync/internal/models"
)

// DecodeRequest parses a single request record. Records must carry an id,
// either as "_id" or "id".
func DecodeRequest(raw json.RawMessage) (models.Request, error) {
	type alias models.Request
	var aux struct {
		alias
		AltID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &aux); err != nil {
		return models.Request{}, invalid("request", err)
	}
	req := models.Request(aux.alias)
	if req.ID == "" {
		req.ID = aux.AltID
	}
	if req.ID == "" {
		return models.Request{}, apperr.New(apperr.KindInvalidPayload, "request", "request record without id")
	}
	if req.Status != "" && !req.Status.Valid() {
		return models.Request{}, apperr.New(apperr.KindInvalidPayload, "request", fmt.Sprintf("unknown status %q", req.Status))
	}
	return req, nil
}

// DecodeRequestList accepts either a bare array or {"requests": [...]}.
func DecodeRequestList(raw json.RawMessage) ([]models.Request, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var items []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, invalid("request list", err)
		}
	} else {
		var wrapped struct {
			Requests []json.RawMessage `json:"requests"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, invalid("request list", err)
		}
		items = wrapped.Requests
	}
	out := make([]models.Request, 0, len(items))
	for _, item := range items {
		req, err := DecodeRequest(item)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func DecodeStatusChanged(raw json.RawMessage) (StatusChanged, error) {
	var ev struct {
		RequestID string          `json:"requestId"`
		Status    models.Status   `json:"status"`
		Request   json.RawMessage `json:"request"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return StatusChanged{}, invalid(EventRequestStatusChanged, err)
	}
	out := StatusChanged{RequestID: ev.RequestID, Status: ev.Status}
	if len(ev.Request) > 0 && !bytes.Equal(bytes.TrimSpace(ev.Request), []byte("null")) {
		req, err := DecodeRequest(ev.Request)
		if err != nil {
			return StatusChanged{}, err
		}
		out.Request = &req
		if out.RequestID == "" {
			out.RequestID = req.ID
		}
	}
	if out.RequestID == "" {
		return StatusChanged{}, apperr.New(apperr.KindInvalidPayload, EventRequestStatusChanged, "status change without request id")
	}
	if !out.Status.Valid() {
		return StatusChanged{}, apperr.New(apperr.KindInvalidPayload, EventRequestStatusChanged, fmt.Sprintf("unknown status %q", out.Status))
	}
	return out, nil
}

func DecodeRequestHidden(raw json.RawMessage) (RequestHidden, error) {
	var ev RequestHidden
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, invalid(EventRequestHidden, err)
	}
	if ev.RequestID == "" {
		return ev, apperr.New(apperr.KindInvalidPayload, EventRequestHidden, "hidden event without request id")
	}
	return ev, nil
}

func DecodeLocationUpdate(raw json.RawMessage) (LocationUpdate, error) {
	var ev LocationUpdate
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, invalid(EventProviderLocation, err)
	}
	if ev.RequestID == "" {
		return ev, apperr.New(apperr.KindInvalidPayload, EventProviderLocation, "location update without request id")
	}
	return ev, nil
}

// DecodeError extracts the server message from an error event. A payload
// that is not an object is used verbatim when it is a string.
func DecodeError(raw json.RawMessage) ErrorPayload {
	var ev ErrorPayload
	if err := json.Unmarshal(raw, &ev); err == nil {
		return ev
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil {
		ev.Message = msg
	}
	return ev
}

// Parse maps an inbound event to its typed payload. Unknown events are
// returned as raw JSON.
func Parse(event string, raw json.RawMessage) (any, error) {
	switch event {
	case EventRequestCreated, EventRequestUpdated, EventNewRequestAvailable:
		return DecodeRequest(raw)
	case EventPatientRequests, EventAvailableRequests, EventProviderRequests:
		return DecodeRequestList(raw)
	case EventRequestStatusChanged:
		return DecodeStatusChanged(raw)
	case EventRequestHidden:
		return DecodeRequestHidden(raw)
	case EventProviderLocation:
		return DecodeLocationUpdate(raw)
	case EventRequestError:
		return DecodeError(raw), nil
	}
	return raw, nil
}

// RequestIDOf pulls the request id out of any payload shape the server uses,
// or "" when the payload does not name one.
func RequestIDOf(raw json.RawMessage) string {
	var probe struct {
		RequestID string `json:"requestId"`
		ID        string `json:"_id"`
		AltID     string `json:"id"`
		Request   *struct {
			ID string `json:"_id"`
		} `json:"request"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	switch {
	case probe.RequestID != "":
		return probe.RequestID
	case probe.ID != "":
		return probe.ID
	case probe.AltID != "":
		return probe.AltID
	case probe.Request != nil:
		return probe.Request.ID
	}
	return ""
}

func invalid(op string, err error) error {
	return apperr.Wrap(apperr.KindInvalidPayload, op, err)
}
