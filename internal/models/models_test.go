package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionFollowsLifecycle(t *testing.T) {
	assert.True(t, CanTransition(StatusSearching, StatusAccepted))
	assert.True(t, CanTransition(StatusPending, StatusRejected))
	assert.True(t, CanTransition(StatusAccepted, StatusAccepted))
	assert.True(t, CanTransition(StatusAccepted, StatusEnRoute))
	assert.True(t, CanTransition(StatusEnRoute, StatusArrived))
	assert.True(t, CanTransition(StatusArrived, StatusInProgress))
	assert.True(t, CanTransition(StatusInProgress, StatusCompleted))
	assert.True(t, CanTransition(StatusEnRoute, StatusCancelled))

	assert.False(t, CanTransition(StatusAccepted, StatusArrived))
	assert.False(t, CanTransition(StatusSearching, StatusEnRoute))
	assert.False(t, CanTransition(StatusCompleted, StatusCancelled))
	assert.False(t, CanTransition(StatusCancelled, StatusAccepted))
}

func TestTerminalStatesHaveNoSuccessors(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusRejected, StatusExpired} {
		assert.True(t, s.IsTerminal(), s)
		assert.Empty(t, NextStatuses(s), s)
	}
	assert.False(t, StatusEnRoute.IsTerminal())
}

func TestOverlayKeepsFieldsMissingFromIncoming(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	existing := Request{
		ID:              "abc123",
		Status:          StatusAccepted,
		PatientID:       "pat1",
		AilmentCategory: "Flu",
		EstimatedCost:   250,
		Address:         Address{Street: "Main", Coordinates: Coord{Lat: -22.55, Lon: 17.07}},
		CreatedAt:       created,
	}
	loc := Coord{Lat: -22.56, Lon: 17.08}
	got := existing.Overlay(Request{ID: "abc123", Status: StatusEnRoute, ProviderLocation: &loc})

	assert.Equal(t, StatusEnRoute, got.Status)
	assert.Equal(t, "Flu", got.AilmentCategory)
	assert.Equal(t, 250.0, got.EstimatedCost)
	assert.Equal(t, "Main", got.Address.Street)
	assert.Equal(t, created, got.CreatedAt)
	if assert.NotNil(t, got.ProviderLocation) {
		assert.Equal(t, loc, *got.ProviderLocation)
	}
}
