package systemd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
)

func TestError(t *testing.T) {
	t.Run("Error returns formatted message", func(t *testing.T) {
		originalErr := errors.New("exec failed")
		err := NewError("start", "web.service", "service", originalErr)

		expected := "start failed for web.service (service): exec failed"
		assert.Equal(t, expected, err.Error())
	})

	t.Run("Unwrap returns underlying error", func(t *testing.T) {
		originalErr := errors.New("exec failed")
		err := NewError("start", "web.service", "service", originalErr)

		assert.Equal(t, originalErr, errors.Unwrap(err))
		assert.ErrorIs(t, err, originalErr)
	})

	t.Run("IsError detects Error", func(t *testing.T) {
		originalErr := errors.New("exec failed")
		err := NewError("start", "web.service", "service", originalErr)

		assert.True(t, IsError(err))
		assert.False(t, IsError(originalErr))
	})

	t.Run("IsError sees through wrapping and aggregation", func(t *testing.T) {
		err := NewError("stop", "db.service", "service", errors.New("timeout"))
		wrapped := fmt.Errorf("batch: %w", err)
		var merr *multierror.Error
		merr = multierror.Append(merr, errors.New("other"), err)

		assert.True(t, IsError(wrapped))
		assert.True(t, IsError(merr.ErrorOrNil()))
	})
}

func TestUnitNotFoundError(t *testing.T) {
	t.Run("Error returns formatted message", func(t *testing.T) {
		err := NewUnitNotFoundError("missing.service")

		assert.Equal(t, "unit missing.service not found", err.Error())
	})

	t.Run("IsUnitNotFoundError detects UnitNotFoundError", func(t *testing.T) {
		err := NewUnitNotFoundError("missing.service")
		otherErr := errors.New("some other error")

		assert.True(t, IsUnitNotFoundError(err))
		assert.False(t, IsUnitNotFoundError(otherErr))
		assert.True(t, IsUnitNotFoundError(fmt.Errorf("resolve: %w", err)))
	})
}

func TestErrorFlagsExitCode(t *testing.T) {
	tests := []struct {
		name  string
		flags ErrorFlags
		want  int
	}{
		{"no flags", 0, 0},
		{"not ok", FlagNotOK, 1},
		{"not active", FlagNotActive, 3},
		{"not active and failed", FlagNotActive | FlagNotOK, 3},
		{"not found wins", FlagNotFound | FlagNotActive | FlagNotOK, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.flags.ExitCode())
		})
	}
}

func TestErrorFlagsHas(t *testing.T) {
	flags := FlagNotOK | FlagNotFound
	assert.True(t, flags.Has(FlagNotOK))
	assert.True(t, flags.Has(FlagNotFound))
	assert.False(t, flags.Has(FlagNotActive))
	assert.False(t, flags.Has(FlagNotOK|FlagNotActive))
}
