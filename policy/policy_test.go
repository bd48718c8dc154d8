package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jnesss/fim-recorder/events"
)

func TestDefaultEngineFiltersNothing(t *testing.T) {
	e := NewEngine()

	require.Equal(t, NoFilter, e.FetchPolicy(events.EventLink).Mode)
	require.True(t, e.EventEnabled(events.EventLink))
	require.True(t, e.EventEnabled(events.EventUnlink))
	require.False(t, e.IsDiscardedByProcess(NoFilter, events.EventLink, 1, "ln"))
	require.False(t, e.FilterSyscall(events.EventLink, FilterValues{Basename: "anything"}))
}

func TestDenyListBasenames(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.Apply(&Config{
		Events: map[string]EventConfig{
			"link": {Mode: "deny_list", Basenames: []string{"id_rsa", "shadow"}},
		},
	}))

	require.Equal(t, DenyList, e.FetchPolicy(events.EventLink).Mode)
	require.True(t, e.FilterSyscall(events.EventLink, FilterValues{Basename: "id_rsa"}))
	require.False(t, e.FilterSyscall(events.EventLink, FilterValues{Basename: "notes.txt"}))

	// the table is scoped to its event type
	require.False(t, e.FilterSyscall(events.EventUnlink, FilterValues{Basename: "id_rsa"}))
}

func TestAllowListBasenames(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.Apply(&Config{
		Events: map[string]EventConfig{
			"unlink": {Mode: "allow_list", Basenames: []string{"audit.log"}},
		},
	}))

	require.False(t, e.FilterSyscall(events.EventUnlink, FilterValues{Basename: "audit.log"}))
	require.True(t, e.FilterSyscall(events.EventUnlink, FilterValues{Basename: "anything-else"}))
}

func TestProcessDiscarders(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.Apply(&Config{
		Events: map[string]EventConfig{
			"link": {Mode: "deny_list", PIDs: []uint32{42}, Processes: []string{"backupd"}},
		},
	}))

	require.True(t, e.IsDiscardedByProcess(DenyList, events.EventLink, 42, "ln"))
	require.True(t, e.IsDiscardedByProcess(DenyList, events.EventLink, 7, "backupd"))
	require.False(t, e.IsDiscardedByProcess(DenyList, events.EventLink, 7, "ln"))

	// discarders are per event type
	require.False(t, e.IsDiscardedByProcess(DenyList, events.EventUnlink, 42, "ln"))

	// under allow-list the approvers decide later; the early check never fires
	require.False(t, e.IsDiscardedByProcess(AllowList, events.EventLink, 42, "backupd"))
}

func TestEnabledEvents(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.Apply(&Config{Enabled: []string{"link"}}))

	require.True(t, e.EventEnabled(events.EventLink))
	require.False(t, e.EventEnabled(events.EventUnlink))
	require.Equal(t, events.EventLink.Mask(), e.EnabledMask())
}

func TestApplyRejectsUnknownNames(t *testing.T) {
	e := NewEngine()
	require.Error(t, e.Apply(&Config{Enabled: []string{"bogus"}}))
	require.Error(t, e.Apply(&Config{
		Events: map[string]EventConfig{"link": {Mode: "blocklist"}},
	}))
}

func TestApplySwapsAtomically(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.Apply(&Config{
		Events: map[string]EventConfig{"link": {Mode: "deny_list", Basenames: []string{"a"}}},
	}))
	require.NoError(t, e.Apply(&Config{
		Events: map[string]EventConfig{"link": {Mode: "deny_list", Basenames: []string{"b"}}},
	}))

	// only the newest snapshot is visible
	require.False(t, e.FilterSyscall(events.EventLink, FilterValues{Basename: "a"}))
	require.True(t, e.FilterSyscall(events.EventLink, FilterValues{Basename: "b"}))
}

func TestDiscardedCounters(t *testing.T) {
	e := NewEngine()
	require.Equal(t, uint64(0), e.DiscardedCount(events.EventLink))

	e.MonitorDiscarded(events.EventLink)
	e.MonitorDiscarded(events.EventLink)
	e.MonitorDiscarded(events.EventUnlink)

	require.Equal(t, uint64(2), e.DiscardedCount(events.EventLink))
	require.Equal(t, uint64(1), e.DiscardedCount(events.EventUnlink))
}

func TestPoliciesCopy(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.Apply(&Config{
		Events: map[string]EventConfig{"link": {Mode: "allow_list"}},
	}))

	pols := e.Policies()
	pols[events.EventLink] = Policy{Mode: DenyList}

	require.Equal(t, AllowList, e.FetchPolicy(events.EventLink).Mode)
}
