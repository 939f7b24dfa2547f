package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandsEndToEnd(t *testing.T) {
	t.Setenv("EVIDENCE_MINIMUM_FREE_SPACE", "0")
	t.Setenv("EVIDENCE_LEDGER_DIFFICULTY", "1")
	t.Setenv("EVIDENCE_LOG_LEVEL", "error")

	dir := t.TempDir()
	store := filepath.Join(dir, "store")
	input := filepath.Join(dir, "frame.bin")
	require.NoError(t, os.WriteFile(input, []byte("first frame"), 0o600))

	out, err := execute(t, "record", "--path", store, "--chain", "cam", input)
	require.NoError(t, err)
	require.Contains(t, out, "1 ")

	// nothing has confirmed the anchor yet
	out, err = execute(t, "verify", "--path", store, "--chain", "cam")
	require.ErrorIs(t, err, errInvalidEvidence)
	require.Contains(t, out, "invalid anchor for sequence 1")

	out, err = execute(t, "demo", "--path", store, "--chain", "cam",
		"--frames", "3", "--frame-interval", "1ms", "--frame-size", "16")
	require.NoError(t, err)
	require.Contains(t, out, `"is_valid": true`)

	out, err = execute(t, "verify", "--path", store, "--chain", "cam")
	require.NoError(t, err)
	require.Contains(t, out, `"frame_count": 4`)

	out, err = execute(t, "inspect", "--path", store, "--chain", "cam")
	require.NoError(t, err)
	require.Contains(t, out, "Frames: 4 (sequence 1..4)")

	restored := filepath.Join(dir, "restored.bin")
	_, err = execute(t, "restore", "--path", store, "--chain", "cam", "-o", restored, "1")
	require.NoError(t, err)
	payload, err := os.ReadFile(restored)
	require.NoError(t, err)
	require.Equal(t, "first frame", string(payload))

	exported := filepath.Join(dir, "frames.json")
	out, err = execute(t, "export", "--path", store, "--chain", "cam")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(exported, []byte(out), 0o600))

	out, err = execute(t, "verify", "--path", store, "--chain", "cam", "--input", exported)
	require.NoError(t, err)
	require.Contains(t, out, `"is_valid": true`)

	out, err = execute(t, "export-key", "--path", store, "--chain", "cam")
	require.NoError(t, err)
	require.Contains(t, out, `"encryption": "oev1:`)
}

func TestRestoreRejectsBadSequence(t *testing.T) {
	_, err := execute(t, "restore", "--path", t.TempDir(), "abc")
	require.Error(t, err)
	require.NotErrorIs(t, err, errInvalidEvidence)
}
