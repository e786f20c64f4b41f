package protocol

import (
	"github.com/example/care-sync/internal/models"
)

type JoinPayload struct {
	UserID string      `json:"userId"`
	Role   models.Role `json:"role"`
}

type CreateRequestPayload struct {
	PatientID         string         `json:"patientId"`
	AilmentCategoryID string         `json:"ailmentCategoryId,omitempty"`
	AilmentCategory   string         `json:"ailmentCategory"`
	Symptoms          string         `json:"symptoms,omitempty"`
	UrgencyLevel      string         `json:"urgencyLevel,omitempty"`
	PaymentMethod     string         `json:"paymentMethod,omitempty"`
	EstimatedCost     float64        `json:"estimatedCost"`
	Address           models.Address `json:"address"`
}

type PatientQuery struct {
	PatientID string `json:"patientId"`
}

type ProviderQuery struct {
	ProviderID string `json:"providerId"`
}

type AcceptPayload struct {
	RequestID  string `json:"requestId"`
	ProviderID string `json:"providerId"`
}

type RejectPayload struct {
	RequestID  string `json:"requestId"`
	ProviderID string `json:"providerId"`
}

type StatusUpdatePayload struct {
	RequestID        string        `json:"requestId"`
	Status           models.Status `json:"status"`
	ProviderLocation *models.Coord `json:"providerLocation,omitempty"`
}

type ProviderResponsePayload struct {
	RequestID        string       `json:"requestId"`
	EstimatedArrival int          `json:"estimatedArrival"`
	ProviderLocation models.Coord `json:"providerLocation"`
}

type CancelPayload struct {
	RequestID   string      `json:"requestId"`
	CancelledBy models.Role `json:"cancelledBy"`
	Reason      string      `json:"reason"`
}

// LocationUpdate travels both as updateProviderLocationRealtime (client to
// server) and as updateProviderLocation (server to client).
type LocationUpdate struct {
	RequestID string                `json:"requestId"`
	Location  models.LocationSample `json:"location"`
}

type ProviderLocationQuery struct {
	RequestID string `json:"requestId"`
}

type ProviderLocationAck struct {
	Success  bool                   `json:"success"`
	Location *models.LocationSample `json:"location,omitempty"`
	Message  string                 `json:"message,omitempty"`
}

type StatusChanged struct {
	RequestID string          `json:"requestId"`
	Status    models.Status   `json:"status"`
	Request   *models.Request `json:"request,omitempty"`
}

type RequestHidden struct {
	RequestID string `json:"requestId"`
}

type ErrorPayload struct {
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}
