package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.TraceLevel, parseLevel("trace"))
	assert.Equal(t, logrus.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, logrus.WarnLevel, parseLevel("warning"))
	assert.Equal(t, logrus.ErrorLevel, parseLevel(" error "))
	assert.Equal(t, logrus.InfoLevel, parseLevel("nonsense"))
}

func TestComponentJSON(t *testing.T) {
	var buf bytes.Buffer
	InitTo(&buf, "info", true)
	defer InitTo(&bytes.Buffer{}, "info", false)

	Component("hub").WithField("user_id", 7).Info("connected")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hub", rec["component"])
	assert.Equal(t, "connected", rec["msg"])
	assert.EqualValues(t, 7, rec["user_id"])
}
