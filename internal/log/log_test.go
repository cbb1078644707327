package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInit(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
	}{
		{
			name:    "default logging level",
			verbose: false,
		},
		{
			name:    "verbose logging level",
			verbose: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Init(tt.verbose)
			assert.NotNil(t, GetLogger())
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, false)

	logger.Debug("hidden")
	logger.Warn("shown", "unit", "a.service")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "unit=a.service")
}

func TestWithAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := With(NewLoggerTo(&buf, true), "unit", "b.service")

	logger.Debug("starting")
	assert.Contains(t, buf.String(), "unit=b.service")
}
