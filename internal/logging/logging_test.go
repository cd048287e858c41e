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

func TestNewParsesLevelAndFormat(t *testing.T) {
	logger := New("debug", "text")
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)

	fallback := New("nonsense", "")
	assert.Equal(t, logrus.InfoLevel, fallback.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, fallback.Formatter)
}

func TestContextEntryRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput("info", "json", &buf)
	ctx := WithEntry(context.Background(), logger.WithField("request_id", "abc"))

	FromContext(ctx).Info("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "abc", line["request_id"])
	assert.Equal(t, "hello", line["msg"])
}

func TestFromContextWithoutEntry(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))
	//nolint:staticcheck // nil context is tolerated
	assert.NotNil(t, FromContext(nil))
}
