package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesKindAndCode(t *testing.T) {
	err := fmt.Errorf("failed to book: %w", New(KindConflict, CodeSlotTaken, "slot no longer available"))

	assert.True(t, errors.Is(err, ErrConflict))
	assert.True(t, errors.Is(err, &Error{Code: CodeSlotTaken}))
	assert.False(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, &Error{Kind: KindConflict, Code: CodeOffGrid}))
	assert.Equal(t, CodeSlotTaken, CodeOf(err))
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(KindTransient, CodeProviderUnavailable, "list events", errors.New("503"))
	assert.Equal(t, "list events: transient: 503", err.Error())

	v := Validation(CodeInvalidDuration, "duration %d is not supported", 45)
	assert.Equal(t, "duration 45 is not supported", v.Error())
	assert.True(t, IsKind(v, KindValidation))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	assert.Equal(t, "", CodeOf(nil))
}
