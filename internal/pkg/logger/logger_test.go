package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func capture(t *testing.T, lvl zapcore.Level) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	SetOutput(zapcore.AddSync(buf), lvl)
	SetRedactPII(true)
	return buf
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	return entry
}

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "jo***@example.com", RedactEmail("john.doe@example.com"))
	assert.Equal(t, "***@example.com", RedactEmail("ab@example.com"))
	assert.Equal(t, "***@***", RedactEmail("not-an-email"))
}

func TestInfo_RedactsRecipientKeys(t *testing.T) {
	buf := capture(t, zapcore.InfoLevel)

	Info("queue item sent", "recipient", "john.doe@example.com", "attempt", 2)

	entry := decode(t, buf)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "queue item sent", entry["msg"])
	assert.Equal(t, "jo***@example.com", entry["recipient"])
	assert.Equal(t, float64(2), entry["attempt"])
}

func TestError_RedactsEmbeddedAddresses(t *testing.T) {
	buf := capture(t, zapcore.InfoLevel)

	Error("send failed", "error", errors.New("550 mailbox alice.smith@corp.io unavailable"))

	entry := decode(t, buf)
	assert.Equal(t, "550 mailbox al***@corp.io unavailable", entry["error"])
}

func TestRedactionDisabled(t *testing.T) {
	buf := capture(t, zapcore.InfoLevel)
	SetRedactPII(false)
	defer SetRedactPII(true)

	Info("x", "email", "john.doe@example.com")

	assert.Equal(t, "john.doe@example.com", decode(t, buf)["email"])
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, zapcore.WarnLevel)

	Info("hidden")
	assert.Zero(t, buf.Len())

	Degraded("tenant service unavailable", "tenant_id", "t1")
	entry := decode(t, buf)
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, true, entry["degraded"])
}

func TestInit_RejectsUnknownLevel(t *testing.T) {
	assert.Error(t, Init(Options{Level: "loud"}))
}
