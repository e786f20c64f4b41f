package models

import "time"

type Coord struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// IsZero reports whether the coordinate was never resolved.
func (c Coord) IsZero() bool { return c.Lat == 0 && c.Lon == 0 }

type Role string

const (
	RolePatient  Role = "patient"
	RoleProvider Role = "provider"
)

func (r Role) Valid() bool { return r == RolePatient || r == RoleProvider }

type Address struct {
	Street      string `json:"street,omitempty"`
	Locality    string `json:"locality,omitempty"`
	Region      string `json:"region,omitempty"`
	Coordinates Coord  `json:"coordinates"`
}

// Timeline holds the server-stamped moments of each lifecycle step.
type Timeline struct {
	ProviderAccepted *time.Time `json:"providerAccepted,omitempty"`
	EnRoute          *time.Time `json:"enRoute,omitempty"`
	Arrived          *time.Time `json:"arrived,omitempty"`
	InProgress       *time.Time `json:"inProgress,omitempty"`
	Completed        *time.Time `json:"completed,omitempty"`
	Cancelled        *time.Time `json:"cancelled,omitempty"`
}

type Request struct {
	ID                 string    `json:"_id"`
	Status             Status    `json:"status"`
	PatientID          string    `json:"patientId,omitempty"`
	ProviderID         string    `json:"providerId,omitempty"`
	AilmentCategoryID  string    `json:"ailmentCategoryId,omitempty"`
	AilmentCategory    string    `json:"ailmentCategory,omitempty"`
	Symptoms           string    `json:"symptoms,omitempty"`
	UrgencyLevel       string    `json:"urgencyLevel,omitempty"`
	PaymentMethod      string    `json:"paymentMethod,omitempty"`
	EstimatedCost      float64   `json:"estimatedCost,omitempty"`
	Address            Address   `json:"address"`
	ProviderLocation   *Coord    `json:"providerLocation,omitempty"`
	EstimatedArrival   int       `json:"estimatedArrival,omitempty"` // minutes
	CancelledBy        Role      `json:"cancelledBy,omitempty"`
	CancellationReason string    `json:"cancellationReason,omitempty"`
	Timeline           Timeline  `json:"timeline"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// CacheEntry wraps a Request with metadata only the client knows about.
type CacheEntry struct {
	Request    Request   `json:"request"`
	AcceptedAt int64     `json:"acceptedAt,omitempty"` // epoch millis, local clock
	Hidden     bool      `json:"hidden,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// LocationSample is the latest known position of one party; later samples
// supersede earlier ones, they are never integrated.
type LocationSample struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq,omitempty"`
}

func (s LocationSample) Coord() Coord { return Coord{Lat: s.Latitude, Lon: s.Longitude} }
