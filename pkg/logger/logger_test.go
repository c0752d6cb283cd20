package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLogger_WritesEntryWithInheritedFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("swpt_trade", &buf).With(map[string]interface{}{"role": "worker"})

	log.Error("transaction failed", map[string]interface{}{
		"turn_id": 7,
		"error":   errors.New("boom"),
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "swpt_trade", entry["service"])
	assert.Equal(t, "transaction failed", entry["message"])
	assert.Equal(t, "worker", entry["role"])
	assert.Equal(t, float64(7), entry["turn_id"])
	assert.Equal(t, "boom", entry["error"])
}

func TestJSONLogger_WithDoesNotLeakIntoParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWithWriter("swpt_trade", &buf)
	_ = parent.With(map[string]interface{}{"shard": "0.#"})

	parent.Info("started", nil)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry))
	_, ok := entry["shard"]
	assert.False(t, ok)
}

func TestNop(t *testing.T) {
	log := NewNop()
	assert.NotPanics(t, func() {
		log.With(map[string]interface{}{"a": 1}).Info("x", nil)
	})
}
