package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerValidation(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		expectError bool
	}{
		{
			name:        "valid json stdout",
			cfg:         Config{Level: "info", Format: "json", Output: "stdout"},
			expectError: false,
		},
		{
			name:        "valid text stderr",
			cfg:         Config{Level: "debug", Format: "text", Output: "stderr"},
			expectError: false,
		},
		{
			name:        "invalid level",
			cfg:         Config{Level: "verbose", Format: "json", Output: "stdout"},
			expectError: true,
		},
		{
			name:        "invalid format",
			cfg:         Config{Level: "info", Format: "xml", Output: "stdout"},
			expectError: true,
		},
		{
			name:        "level is case insensitive",
			cfg:         Config{Level: "WARN", Format: "json", Output: "stdout"},
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := New(tt.cfg)
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, log)
			} else {
				require.NoError(t, err)
				assert.NotNil(t, log)
			}
		})
	}
}

func TestFileOutputCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	log, err := New(Config{Level: "info", Format: "json", Output: dir + "/logs/valet.log"})
	require.NoError(t, err)

	// Should not panic when writing.
	log.Info("test message", Field{Key: "key", Value: "value"})
	log.Error("test error", assert.AnError)
}

func TestWithAttachesFields(t *testing.T) {
	log := Discard()
	child := log.With(Field{Key: "job_id", Value: "abc"})
	require.NotNil(t, child)
	assert.NotSame(t, log, child)
}
