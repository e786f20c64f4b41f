package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("accept: %w", New(KindTimeout, "acceptRequest", ""))
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, errors.Is(err, ErrServer))
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestErrorMessageIsDisplayable(t *testing.T) {
	assert.Equal(t, "Request not found", New(KindServer, "acceptRequest", "Request not found").Error())
	assert.Equal(t, defaultMessages[KindNotConnected], ErrNotConnected.Error())

	cause := errors.New("broken pipe")
	w := Wrap(KindNotConnected, "createRequest", cause)
	assert.ErrorIs(t, w, cause)
	assert.Contains(t, w.Detail(), "createRequest")
	assert.Contains(t, w.Detail(), "broken pipe")
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("x")))
}
