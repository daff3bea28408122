package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetOutputAndLevel(t *testing.T) {
	defer SetOutput(os.Stdout, "json")
	defer SetLevel("info")

	var buf bytes.Buffer
	SetOutput(&buf, "json")
	SetLevel("warn")

	L.Info("dropped")
	require.Zero(t, buf.Len())

	L.Warn("kept", "session", "s1")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "kept", rec["msg"])
	require.Equal(t, "s1", rec["session"])

	buf.Reset()
	SetOutput(&buf, "text")
	L.Error("plain")
	require.Contains(t, buf.String(), "msg=plain")
}
