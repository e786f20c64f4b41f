package relay

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/care-sync/internal/models"
	"github.com/example/care-sync/internal/protocol"
)

// Messages sent back in requestError payloads.
var (
	ErrNotFound        = errors.New("Request not found")
	ErrNoLocation      = errors.New("A location is required to create a request")
	ErrNoAilment       = errors.New("An ailment category is required")
	ErrNotAvailable    = errors.New("Request is no longer available")
	ErrWrongProvider   = errors.New("Request is assigned to another provider")
	ErrBadTransition   = errors.New("Status change not allowed")
	ErrAlreadyFinished = errors.New("Request can no longer be changed")
)

// Book is the relay's in-memory request table.
type Book struct {
	mu       sync.Mutex
	requests map[string]*models.Request
	hidden   map[string]map[string]bool // provider id -> request ids
	now      func() time.Time
}

func NewBook() *Book {
	return &Book{
		requests: make(map[string]*models.Request),
		hidden:   make(map[string]map[string]bool),
		now:      time.Now,
	}
}

func newRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func (b *Book) Create(patientID string, p protocol.CreateRequestPayload) (models.Request, error) {
	if p.Address.Coordinates.IsZero() {
		return models.Request{}, ErrNoLocation
	}
	if p.AilmentCategory == "" && p.AilmentCategoryID == "" {
		return models.Request{}, ErrNoAilment
	}
	if p.PatientID != "" {
		patientID = p.PatientID
	}
	now := b.now().UTC()
	r := &models.Request{
		ID:                newRequestID(),
		Status:            models.StatusSearching,
		PatientID:         patientID,
		AilmentCategoryID: p.AilmentCategoryID,
		AilmentCategory:   p.AilmentCategory,
		Symptoms:          p.Symptoms,
		UrgencyLevel:      p.UrgencyLevel,
		PaymentMethod:     p.PaymentMethod,
		EstimatedCost:     p.EstimatedCost,
		Address:           p.Address,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	b.mu.Lock()
	b.requests[r.ID] = r
	b.mu.Unlock()
	return *r, nil
}

func (b *Book) Get(id string) (models.Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.requests[id]
	if !ok {
		return models.Request{}, false
	}
	return *r, true
}

func (b *Book) ForPatient(patientID string) []models.Request {
	return b.filter(func(r *models.Request) bool { return r.PatientID == patientID })
}

func (b *Book) ForProvider(providerID string) []models.Request {
	return b.filter(func(r *models.Request) bool { return r.ProviderID == providerID })
}

// Available lists open requests the provider has not rejected.
func (b *Book) Available(providerID string) []models.Request {
	return b.filter(func(r *models.Request) bool {
		return open(r.Status) && !b.hidden[providerID][r.ID]
	})
}

func (b *Book) Accept(requestID, providerID string) (models.Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.requests[requestID]
	if !ok {
		return models.Request{}, ErrNotFound
	}
	if !open(r.Status) {
		return models.Request{}, ErrNotAvailable
	}
	now := b.now().UTC()
	r.Status = models.StatusAccepted
	r.ProviderID = providerID
	r.Timeline.ProviderAccepted = &now
	r.UpdatedAt = now
	return *r, nil
}

func (b *Book) Reject(requestID, providerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.requests[requestID]; !ok {
		return ErrNotFound
	}
	if b.hidden[providerID] == nil {
		b.hidden[providerID] = make(map[string]bool)
	}
	b.hidden[providerID][requestID] = true
	return nil
}

func (b *Book) UpdateStatus(requestID, providerID string, status models.Status, loc *models.Coord) (models.Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.requests[requestID]
	if !ok {
		return models.Request{}, ErrNotFound
	}
	if r.ProviderID != "" && providerID != "" && r.ProviderID != providerID {
		return models.Request{}, ErrWrongProvider
	}
	if !models.CanTransition(r.Status, status) {
		return models.Request{}, ErrBadTransition
	}
	now := b.now().UTC()
	r.Status = status
	stamp(&r.Timeline, status, now)
	if loc != nil {
		c := *loc
		r.ProviderLocation = &c
	}
	r.UpdatedAt = now
	return *r, nil
}

func (b *Book) Respond(requestID string, etaMinutes int, loc models.Coord) (models.Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.requests[requestID]
	if !ok {
		return models.Request{}, ErrNotFound
	}
	if r.Status.IsTerminal() {
		return models.Request{}, ErrAlreadyFinished
	}
	r.EstimatedArrival = etaMinutes
	r.ProviderLocation = &loc
	r.UpdatedAt = b.now().UTC()
	return *r, nil
}

// Cancel ends a non-terminal request and reports the status it left.
func (b *Book) Cancel(requestID string, by models.Role, reason string) (models.Request, models.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.requests[requestID]
	if !ok {
		return models.Request{}, "", ErrNotFound
	}
	if r.Status.IsTerminal() {
		return models.Request{}, "", ErrAlreadyFinished
	}
	prev := r.Status
	now := b.now().UTC()
	r.Status = models.StatusCancelled
	r.CancelledBy = by
	r.CancellationReason = reason
	r.Timeline.Cancelled = &now
	r.UpdatedAt = now
	return *r, prev, nil
}

// ExpireOpen moves open requests older than maxAge to expired.
func (b *Book) ExpireOpen(maxAge time.Duration) []models.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now().UTC()
	var out []models.Request
	for _, r := range b.requests {
		if open(r.Status) && now.Sub(r.CreatedAt) >= maxAge {
			r.Status = models.StatusExpired
			r.UpdatedAt = now
			out = append(out, *r)
		}
	}
	return out
}

func (b *Book) filter(keep func(*models.Request) bool) []models.Request {
	b.mu.Lock()
	out := make([]models.Request, 0)
	for _, r := range b.requests {
		if keep(r) {
			out = append(out, *r)
		}
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func open(s models.Status) bool {
	return s == models.StatusSearching || s == models.StatusPending
}

func stamp(t *models.Timeline, s models.Status, at time.Time) {
	switch s {
	case models.StatusAccepted:
		t.ProviderAccepted = &at
	case models.StatusEnRoute:
		t.EnRoute = &at
	case models.StatusArrived:
		t.Arrived = &at
	case models.StatusInProgress:
		t.InProgress = &at
	case models.StatusCompleted:
		t.Completed = &at
	case models.StatusCancelled:
		t.Cancelled = &at
	}
}
