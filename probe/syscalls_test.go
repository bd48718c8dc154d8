package probe

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jnesss/fim-recorder/events"
)

func TestSyscallCachePushPeekPop(t *testing.T) {
	var c syscallCache

	require.Nil(t, c.peek(1, events.EventLink))

	entry := &syscallEntry{eventType: events.EventLink, link: &linkArgs{}}
	require.True(t, c.push(1, entry))
	require.Same(t, entry, c.peek(1, events.EventLink))

	// the same thread and type cannot hold two pending entries
	require.False(t, c.push(1, &syscallEntry{eventType: events.EventLink}))
	require.Same(t, entry, c.peek(1, events.EventLink))

	require.Same(t, entry, c.pop(1, events.EventLink))
	require.Nil(t, c.pop(1, events.EventLink))
	require.Equal(t, 0, c.size())
}

func TestSyscallCacheKeyedByThreadAndType(t *testing.T) {
	var c syscallCache

	link := &syscallEntry{eventType: events.EventLink}
	unlink := &syscallEntry{eventType: events.EventUnlink}
	other := &syscallEntry{eventType: events.EventLink}

	require.True(t, c.push(1, link))
	require.True(t, c.push(1, unlink))
	require.True(t, c.push(2, other))
	require.Equal(t, 3, c.size())

	require.Same(t, link, c.peek(1, events.EventLink))
	require.Same(t, unlink, c.peek(1, events.EventUnlink))
	require.Same(t, other, c.peek(2, events.EventLink))
	require.Nil(t, c.peek(2, events.EventUnlink))
}

func TestIsUnhandledError(t *testing.T) {
	require.False(t, IsUnhandledError(0))
	require.False(t, IsUnhandledError(5))
	require.False(t, IsUnhandledError(-errnoPerm))
	require.False(t, IsUnhandledError(-errnoAccess))
	require.True(t, IsUnhandledError(-2))  // ENOENT
	require.True(t, IsUnhandledError(-22)) // EINVAL
}
