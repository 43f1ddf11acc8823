package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"postpipe/internal/slots"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPlanWithDefaults(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "none.yaml")
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	date := time.Now().In(loc).AddDate(0, 0, 2).Format("2006-01-02")

	out, err := execute(t, "plan", "-c", missing, "--env-file", filepath.Join(dir, ".env"),
		"--date", date, "--json", "--posts-per-day", "2", "coffee", "tea", "juice")
	require.NoError(t, err)

	var planned []slots.Slot
	require.NoError(t, json.Unmarshal([]byte(out), &planned))
	require.Len(t, planned, 3)
	require.Equal(t, "coffee", planned[0].Keyword)
	require.Equal(t, 1, planned[0].Day)
	require.Equal(t, 10, planned[0].ScheduledAt.In(loc).Hour())
	require.Equal(t, 2, planned[2].Day)
}

func TestPlanNeedsKeywords(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "plan", "-c", filepath.Join(dir, "none.yaml"), "--env-file", filepath.Join(dir, ".env"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte("adapters:\n  dry_run: true\n"), 0o644))
	out, err := execute(t, "validate", "-c", good, "--env-file", filepath.Join(dir, ".env"))
	require.NoError(t, err)
	require.Contains(t, out, "ok: storage=memory")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("slots:\n  mode: lunar\nadapters:\n  dry_run: true\n"), 0o644))
	_, err = execute(t, "validate", "-c", bad, "--env-file", filepath.Join(dir, ".env"))
	require.Error(t, err)
}
