package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/memory/logging"
)

func TestLevels(t *testing.T) {
	tests := map[string]logrus.Level{
		"debug":   logrus.DebugLevel,
		"info":    logrus.InfoLevel,
		"WARN":    logrus.WarnLevel,
		"error":   logrus.ErrorLevel,
		"verbose": logrus.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, logging.New(in, "text").GetLevel(), in)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := logging.NewWithOutput("info", "json", &buf)
	log.WithFields(logrus.Fields{"user_id": "u1", "role_id": "r1"}).Info("stored")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "stored", entry["msg"])
	assert.Equal(t, "u1", entry["user_id"])
	assert.Equal(t, "info", entry["level"])
}

func TestTextFormatFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	log := logging.NewWithOutput("warn", "text", &buf)
	log.Info("hidden")
	log.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
