package policy

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jnesss/fim-recorder/events"
)

func TestInodeDiscarderLifecycle(t *testing.T) {
	d := NewInodeDiscarders()

	require.False(t, d.IsDiscarded(1, 42, events.EventLink))

	d.Add(1, 42, events.EventLink)
	require.True(t, d.IsDiscarded(1, 42, events.EventLink))
	require.False(t, d.IsDiscarded(1, 42, events.EventUnlink))
	require.False(t, d.IsDiscarded(2, 42, events.EventLink))

	d.Remove(1, 42)
	require.False(t, d.IsDiscarded(1, 42, events.EventLink))
}

func TestInodeDiscarderMaskAccumulates(t *testing.T) {
	d := NewInodeDiscarders()

	d.Add(1, 42, events.EventLink)
	d.Add(1, 42, events.EventUnlink)

	require.True(t, d.IsDiscarded(1, 42, events.EventLink))
	require.True(t, d.IsDiscarded(1, 42, events.EventUnlink))
}

func TestInodeDiscarderConcurrentAdd(t *testing.T) {
	d := NewInodeDiscarders()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			typ := events.EventLink
			if i%2 == 1 {
				typ = events.EventUnlink
			}
			d.Add(1, 42, typ)
		}(i)
	}
	wg.Wait()

	require.True(t, d.IsDiscarded(1, 42, events.EventLink))
	require.True(t, d.IsDiscarded(1, 42, events.EventUnlink))
}
