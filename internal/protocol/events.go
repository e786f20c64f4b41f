// Package protocol describes the named-event wire contract shared by the
// sync client and the development relay.
package protocol

import "encoding/json"

// Client-emitted events.
const (
	EventJoin                   = "join"
	EventCreateRequest          = "createRequest"
	EventGetPatientRequests     = "getPatientRequests"
	EventGetAvailableRequests   = "getAvailableRequests"
	EventGetProviderRequests    = "getProviderRequests"
	EventAcceptRequest          = "acceptRequest"
	EventRejectRequest          = "rejectRequest"
	EventUpdateRequestStatus    = "updateRequestStatus"
	EventUpdateProviderResponse = "updateProviderResponse"
	EventCancelRequest          = "cancelRequest"
	EventLocationRealtime       = "updateProviderLocationRealtime"
	EventGetProviderLocation    = "getProviderLocation"
)

// Server-emitted events.
const (
	EventRequestCreated       = "requestCreated"
	EventPatientRequests      = "patientRequests"
	EventAvailableRequests    = "availableRequests"
	EventProviderRequests     = "providerRequests"
	EventRequestUpdated       = "requestUpdated"
	EventRequestHidden        = "requestHidden"
	EventRequestError         = "requestError"
	EventNewRequestAvailable  = "newRequestAvailable"
	EventRequestStatusChanged = "requestStatusChanged"
	EventProviderLocation     = "updateProviderLocation"

	// EventAck answers an envelope that carried an ack id.
	EventAck = "ack"
)

// Envelope is the frame written on the socket in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   string          `json:"ack,omitempty"`
}

// Handler receives the raw payload of one event.
type Handler func(data json.RawMessage)
