package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: &Config{
				Level:       "info",
				Format:      "json",
				Output:      "stdout",
				ServiceName: "test-service",
				Version:     "1.0.0",
			},
			wantErr: false,
		},
		{
			name: "invalid log level",
			config: &Config{
				Level:  "invalid",
				Format: "json",
				Output: "stdout",
			},
			wantErr: true,
		},
		{
			name: "invalid format",
			config: &Config{
				Level:  "info",
				Format: "invalid",
				Output: "stdout",
			},
			wantErr: true,
		},
		{
			name:    "nil config uses defaults",
			config:  nil,
			wantErr: false,
		},
		{
			name: "empty output defaults to stdout",
			config: &Config{
				Level:  "info",
				Format: "json",
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.config)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, logger)
			} else {
				require.NoError(t, err)
				assert.NotNil(t, logger)
			}
		})
	}
}

func TestLogger_StructuredFields(t *testing.T) {
	logger, err := NewLogger(&Config{
		Level:       "debug",
		Format:      "json",
		Output:      "stdout",
		ServiceName: "test-service",
		Version:     "1.0.0",
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	logger.SetOutput(&buf)

	logger.Info("test message", "key1", "value1", "key2", 42)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "test message", entry["message"])
	assert.Equal(t, "test-service", entry["service"])
	assert.Equal(t, "value1", entry["key1"])
	assert.Equal(t, float64(42), entry["key2"])
}

func TestLogger_WithContext(t *testing.T) {
	logger, err := NewLogger(&Config{
		Level:       "info",
		Format:      "json",
		Output:      "stdout",
		ServiceName: "test-service",
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	logger.SetOutput(&buf)

	ctx := WithCorrelationID(context.Background(), "corr-123")
	logger.WithContext(ctx).Info("with context")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "corr-123", entry["correlation_id"])
	assert.Equal(t, "corr-123", GetCorrelationID(ctx))
}

func TestLogger_LogServiceEvent(t *testing.T) {
	logger, err := NewLogger(&Config{
		Level:       "info",
		Format:      "json",
		Output:      "stdout",
		ServiceName: "test-service",
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	logger.SetOutput(&buf)

	logger.LogServiceEvent(context.Background(), "circuit_opened", "db", logrus.Fields{
		"failure_count": 5,
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "circuit_opened", entry["event"])
	assert.Equal(t, "db", entry["service_name"])
	assert.Equal(t, float64(5), entry["failure_count"])
}

func TestNewCorrelationID(t *testing.T) {
	id1 := NewCorrelationID()
	id2 := NewCorrelationID()

	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)
}
