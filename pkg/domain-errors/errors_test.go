package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodes(t *testing.T) {
	t.Run("HasCode finds nested codes", func(t *testing.T) {
		inner := New(CodeConfiguration, "bucket boundaries missing")
		outer := Wrap(inner, CodePersistence, "save failed")
		wrapped := fmt.Errorf("insert: %w", outer)

		assert.True(t, HasCode(wrapped, CodePersistence))
		assert.True(t, HasCode(wrapped, CodeConfiguration))
		assert.False(t, HasCode(wrapped, CodeSecurityViolation))
	})

	t.Run("Is only checks the outermost coded error", func(t *testing.T) {
		err := Wrap(New(CodeConfiguration, "x"), CodePersistence, "y")
		assert.True(t, Is(err, CodePersistence))
		assert.False(t, Is(err, CodeConfiguration))
	})

	t.Run("Unwrap exposes the cause", func(t *testing.T) {
		cause := errors.New("disk full")
		err := Wrap(cause, CodePersistence, "save registry")
		require.ErrorIs(t, err, cause)
		assert.Equal(t, "save registry: disk full", err.Error())
	})

	t.Run("CodeOf defaults to internal", func(t *testing.T) {
		assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
		assert.Equal(t, CodeBadRequest, CodeOf(Newf(CodeBadRequest, "bad %s", "input")))
	})
}
