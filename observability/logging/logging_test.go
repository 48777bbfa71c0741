package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerKeyLayout(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf))
	logger.Warn("claim pending", MaskField("auth_id", "user-123"), MaskField("reward_id", "r-1"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "WARN", line["severity"])
	require.Equal(t, "claim pending", line["message"])
	require.Contains(t, line, "timestamp")
	require.Equal(t, RedactedValue, line["auth_id"])
	require.Equal(t, "r-1", line["reward_id"])
}

func TestFingerprint(t *testing.T) {
	attr := Fingerprint("wallet", "0x52908400098527886E0F7030069857D2E4169EE7")
	require.Equal(t, "0x5290…9EE7", attr.Value.String())
	require.Equal(t, RedactedValue, Fingerprint("sig", "0x1234").Value.String())
}

func TestAllowlistSorted(t *testing.T) {
	keys := RedactionAllowlist()
	require.Contains(t, keys, "tx_hash")
	require.IsIncreasing(t, keys)
}
