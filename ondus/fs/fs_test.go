package fs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestInstanceFileExtendPreservesUnknownFields(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	inst := InstanceFileFrom(dir)

	require.NoError(t, inst.Extend(map[string]any{
		"username":     "user-1",
		"password":     "pa55",
		"host_managed": map[string]string{"room": "kitchen"},
	}))
	require.NoError(t, inst.SaveRefreshToken("rt-1"))

	c, err := inst.Read()
	require.NoError(t, err)
	require.Equal(t, "user-1", c.Username)
	require.Equal(t, "pa55", c.Password)
	require.Equal(t, "rt-1", c.RefreshToken)

	content, err := os.ReadFile(filepath.Join(dir, "instance.json"))
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(content, &raw))
	require.JSONEq(t, `{"room":"kitchen"}`, string(raw["host_managed"]))

	info, err := os.Stat(filepath.Join(dir, "instance.json"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o0600), info.Mode().Perm())
}

func TestInstanceFileReadReportsMissingFile(t *testing.T) {
	t.Parallel()

	_, err := InstanceFileFrom(t.TempDir()).Read()
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestInstanceFileClearPassword(t *testing.T) {
	t.Parallel()

	inst := InstanceFileFrom(t.TempDir())
	require.NoError(t, inst.Extend(map[string]any{"username": "user-1", "password": "pa55"}))
	require.NoError(t, inst.ClearPassword())

	c, err := inst.Read()
	require.NoError(t, err)
	require.Equal(t, "user-1", c.Username)
	require.Empty(t, c.Password)
}

func TestInfoFileWritesReadableJSON(t *testing.T) {
	t.Parallel()

	type bridgeInfo struct {
		Connected bool   `json:"connected"`
		LastPoll  string `json:"last_poll"`
	}

	dir := t.TempDir()
	file := InfoFileFrom[bridgeInfo](dir, "bridge.json")
	require.NoError(t, file.Write(bridgeInfo{Connected: true, LastPoll: "2026-08-20T07:12:00Z"}))

	content, err := os.ReadFile(filepath.Join(dir, "bridge.json"))
	require.NoError(t, err)
	require.JSONEq(t, `{"connected":true,"last_poll":"2026-08-20T07:12:00Z"}`, string(content))
	require.Greater(t, strings.Count(string(content), "\n"), 1)
}

func TestInfoFileOverwritesWholesale(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := InfoFileFrom[map[string]int](dir, "counts.json")
	require.NoError(t, file.Write(map[string]int{"a": 1, "b": 2}))
	require.NoError(t, file.Write(map[string]int{"c": 3}))

	content, err := os.ReadFile(filepath.Join(dir, "counts.json"))
	require.NoError(t, err)
	require.JSONEq(t, `{"c":3}`, string(content))
}
