package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/care-sync/internal/ingest"
	"github.com/example/care-sync/internal/models"
)

// fakeSink fails the first failN upserts.
type fakeSink struct {
	failN int
	calls int
	last  string
}

func (f *fakeSink) Upsert(_ context.Context, providerID string, _ models.LocationSample, requestID string) error {
	f.calls++
	if f.calls <= f.failN {
		return errors.New("geo fail")
	}
	f.last = providerID + "/" + requestID
	return nil
}

func sampleLocation() ingest.ProviderLocation {
	return ingest.ProviderLocation{
		ProviderID: "prov-1",
		RequestID:  "abc123",
		Location:   models.LocationSample{Latitude: -22.56, Longitude: 17.08, Seq: 4},
	}
}

func TestUpsertWithRetrySucceedsAfterRetries(t *testing.T) {
	f := &fakeSink{failN: 2}
	start := time.Now()
	require.NoError(t, upsertWithRetry(context.Background(), f, sampleLocation(), 3, 10*time.Millisecond))
	assert.Equal(t, 3, f.calls)
	assert.Equal(t, "prov-1/abc123", f.last)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestUpsertWithRetryFailsWhenExhausted(t *testing.T) {
	f := &fakeSink{failN: 5}
	assert.Error(t, upsertWithRetry(context.Background(), f, sampleLocation(), 3, time.Millisecond))
	assert.Equal(t, 3, f.calls)
}

func TestHandleRejectsInvalidMessages(t *testing.T) {
	f := &fakeSink{}
	err := handle(context.Background(), f, []byte(`{"requestId":"abc123"}`), 3, time.Millisecond)
	assert.ErrorIs(t, err, errInvalid)
	err = handle(context.Background(), f, []byte(`not json`), 3, time.Millisecond)
	assert.ErrorIs(t, err, errInvalid)
	assert.Zero(t, f.calls)

	require.NoError(t, handle(context.Background(), f, []byte(`{"providerId":"prov-1","requestId":"r1","location":{"latitude":1,"longitude":2}}`), 3, time.Millisecond))
	assert.Equal(t, "prov-1/r1", f.last)
}
