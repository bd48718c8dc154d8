package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jnesss/fim-recorder/events"
)

const testPolicy = `
enabled:
  - link
  - unlink
events:
  link:
    mode: deny_list
    pids: [42]
    processes: [backupd]
    basenames: [id_rsa]
  unlink:
    mode: allow_list
    basenames: [audit.log]
`

func writePolicy(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writePolicy(t, t.TempDir(), testPolicy)

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, []string{"link", "unlink"}, cfg.Enabled)
	require.Equal(t, "deny_list", cfg.Events["link"].Mode)
	require.Equal(t, []uint32{42}, cfg.Events["link"].PIDs)
	require.Equal(t, []string{"audit.log"}, cfg.Events["unlink"].Basenames)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadAndApply(t *testing.T) {
	path := writePolicy(t, t.TempDir(), testPolicy)

	e := NewEngine()
	require.NoError(t, e.LoadAndApply(path))

	require.Equal(t, DenyList, e.FetchPolicy(events.EventLink).Mode)
	require.Equal(t, AllowList, e.FetchPolicy(events.EventUnlink).Mode)
	require.True(t, e.IsDiscardedByProcess(DenyList, events.EventLink, 42, "ln"))
	require.True(t, e.FilterSyscall(events.EventLink, FilterValues{Basename: "id_rsa"}))
	require.False(t, e.EventEnabled(events.EventRename))
}

func TestLoadAndApplyBadFile(t *testing.T) {
	path := writePolicy(t, t.TempDir(), "events:\n  link:\n    mode: bogus\n")

	e := NewEngine()
	require.Error(t, e.LoadAndApply(path))

	// the previous (empty) tables survive a failed load
	require.Equal(t, NoFilter, e.FetchPolicy(events.EventLink).Mode)
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, testPolicy)

	e := NewEngine()
	require.NoError(t, e.LoadAndApply(path))

	stop, err := e.Watch(path)
	require.NoError(t, err)
	defer stop()

	writePolicy(t, dir, `
events:
  link:
    mode: allow_list
    basenames: [only.this]
`)

	require.Eventually(t, func() bool {
		return e.FetchPolicy(events.EventLink).Mode == AllowList
	}, 5*time.Second, 20*time.Millisecond)
}
