package probe

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jnesss/fim-recorder/events"
	"github.com/jnesss/fim-recorder/host"
	"github.com/jnesss/fim-recorder/policy"
)

// runUnlink drives the full probe sequence of one unlink syscall
func runUnlink(p *Probe, ctx *host.Context, dentry host.DentryRef, flags uint32, retval int64) {
	ctx.Invoke(func(c *host.Context) int { return p.SysUnlinkEnter(c, flags) })
	ctx.Invoke(func(c *host.Context) int { return p.VfsUnlink(c, dentry) })
	ctx.Invoke(func(c *host.Context) int { return p.SysUnlinkExit(c, retval) })
}

func drainUnlink(t *testing.T, p *Probe) []*events.UnlinkEvent {
	t.Helper()
	var out []*events.UnlinkEvent
	for {
		record := p.Output().Read()
		if record == nil {
			return out
		}
		evt, err := events.DecodeUnlink(record)
		require.NoError(t, err)
		out = append(out, evt)
	}
}

func TestUnlinkEmitsOneEvent(t *testing.T) {
	mem := host.NewSimMemory()
	dentry := mem.MustAddPath(1, "/var/log/app.log")
	p, _ := newTestProbe(mem, nil)

	ctx := p.NewContext(testPID, testTID, 0, "rm")
	runUnlink(p, ctx, dentry, 0, 0)

	evts := drainUnlink(t, p)
	require.Len(t, evts, 1)
	evt := evts[0]

	require.Equal(t, uint32(events.EventUnlink), evt.Header.Type)
	require.Equal(t, int64(0), evt.Retval)
	require.Zero(t, evt.Flags)

	path, err := p.Paths().ReadPath(evt.File.PathRef)
	require.NoError(t, err)
	require.Equal(t, "/var/log/app.log", path)

	require.Equal(t, 0, p.PendingSyscalls())
}

func TestUnlinkRmdirFlagCarried(t *testing.T) {
	mem := host.NewSimMemory()
	dentry := mem.MustAddPath(1, "/tmp/scratch")
	p, _ := newTestProbe(mem, nil)

	ctx := p.NewContext(testPID, testTID, 0, "rmdir")
	runUnlink(p, ctx, dentry, events.UnlinkRemoveDir, 0)

	evts := drainUnlink(t, p)
	require.Len(t, evts, 1)
	require.Equal(t, events.UnlinkRemoveDir, evts[0].Flags)
}

func TestUnlinkSuccessInvalidates(t *testing.T) {
	mem := host.NewSimMemory()
	dentry := mem.MustAddPath(1, "/var/log/app.log")
	p, _ := newTestProbe(mem, nil)

	ctx := p.NewContext(testPID, testTID, 0, "rm")
	runUnlink(p, ctx, dentry, 0, 0)

	evts := drainUnlink(t, p)
	require.Len(t, evts, 1)

	_, err := p.ResolveCachedPath(evts[0].File.Key.MountID, evts[0].File.Key.Inode)
	require.Error(t, err)
}

func TestUnlinkFailureKeepsCache(t *testing.T) {
	mem := host.NewSimMemory()
	dentry := mem.MustAddPath(1, "/var/log/app.log")
	p, _ := newTestProbe(mem, nil)

	ctx := p.NewContext(testPID, testTID, 0, "rm")
	runUnlink(p, ctx, dentry, 0, -int64(errnoAccess))

	evts := drainUnlink(t, p)
	require.Len(t, evts, 1)
	require.Equal(t, -int64(errnoAccess), evts[0].Retval)

	path, err := p.ResolveCachedPath(evts[0].File.Key.MountID, evts[0].File.Key.Inode)
	require.NoError(t, err)
	require.Equal(t, "/var/log/app.log", path)
}

func TestUnlinkDiscardedStillInvalidates(t *testing.T) {
	mem := host.NewSimMemory()
	dentry := mem.MustAddPath(1, "/home/user/secret.key")
	p, _ := newTestProbe(mem, &policy.Config{
		Events: map[string]policy.EventConfig{
			"unlink": {Mode: "deny_list", Basenames: []string{"secret.key"}},
		},
	})

	ctx := p.NewContext(testPID, testTID, 0, "rm")
	runUnlink(p, ctx, dentry, 0, 0)
	require.Empty(t, drainUnlink(t, p))

	// cache bookkeeping ran anyway: a later event on the same inode carries
	// the bumped path generation
	src := mem.MustAddPath(1, "/home/user/secret.key")
	target := mem.MustAddPath(1, "/tmp/copy.key")
	ctx = p.NewContext(testPID, testTID, 0, "ln")
	runLink(p, ctx, src, target, 0)

	evts := drainLink(t, p)
	require.Len(t, evts, 1)
	require.Equal(t, uint32(1), evts[0].Source.Key.PathID)
}

func TestUnlinkEventTypeDisabled(t *testing.T) {
	mem := host.NewSimMemory()
	dentry := mem.MustAddPath(1, "/tmp/x")
	p, _ := newTestProbe(mem, &policy.Config{Enabled: []string{"link"}})

	ctx := p.NewContext(testPID, testTID, 0, "rm")
	runUnlink(p, ctx, dentry, 0, 0)

	require.Empty(t, drainUnlink(t, p))
	require.Equal(t, 0, p.PendingSyscalls())
}

func TestUnlinkReadFault(t *testing.T) {
	mem := host.NewSimMemory()
	dentry := mem.MustAddPath(1, "/tmp/x")
	mem.SetFault(dentry)
	p, _ := newTestProbe(mem, nil)

	ctx := p.NewContext(testPID, testTID, 0, "rm")
	runUnlink(p, ctx, dentry, 0, 0)

	require.Empty(t, drainUnlink(t, p))
	require.Equal(t, 0, p.PendingSyscalls())
}

func TestUnlinkAsyncEntryPoint(t *testing.T) {
	mem := host.NewSimMemory()
	dentry := mem.MustAddPath(1, "/tmp/x")
	p, _ := newTestProbe(mem, nil)

	ctx := p.NewContext(testPID, testTID, 0, "iou-wrk-1234")
	ctx.Invoke(func(c *host.Context) int { return p.DoUnlinkat(c, 0) })
	ctx.Invoke(func(c *host.Context) int { return p.VfsUnlink(c, dentry) })
	ctx.Invoke(func(c *host.Context) int { return p.SysUnlinkExit(c, 0) })

	evts := drainUnlink(t, p)
	require.Len(t, evts, 1)
	require.NotZero(t, evts[0].Header.Flags&events.FlagAsync)
}

func TestLinkAndUnlinkPendingIndependently(t *testing.T) {
	mem := host.NewSimMemory()
	p, _ := newTestProbe(mem, nil)

	ctx := p.NewContext(testPID, testTID, 0, "busy")
	ctx.Invoke(p.SysLinkEnter)
	ctx.Invoke(func(c *host.Context) int { return p.SysUnlinkEnter(c, 0) })

	// one thread may have one pending entry per event type
	require.Equal(t, 2, p.PendingSyscalls())

	ctx.Invoke(func(c *host.Context) int { return p.SysLinkExit(c, -2) })
	ctx.Invoke(func(c *host.Context) int { return p.SysUnlinkExit(c, -2) })
	require.Equal(t, 0, p.PendingSyscalls())
}
