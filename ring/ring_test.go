package ring

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadOrder(t *testing.T) {
	b := NewBuffer(8)

	for i := 0; i < 5; i++ {
		require.True(t, b.Write([]byte{byte(i)}))
	}
	for i := 0; i < 5; i++ {
		record := b.Read()
		require.NotNil(t, record)
		require.Equal(t, []byte{byte(i)}, record)
	}
	require.Nil(t, b.Read())
}

func TestFullRingDropsAndCounts(t *testing.T) {
	b := NewBuffer(4)

	for i := 0; i < 4; i++ {
		require.True(t, b.Write([]byte{byte(i)}))
	}
	require.False(t, b.Write([]byte{9}))
	require.Equal(t, uint64(1), b.Lost())

	// freeing one slot makes room again
	require.Equal(t, []byte{0}, b.Read())
	require.True(t, b.Write([]byte{9}))
}

func TestReadReturnsCopy(t *testing.T) {
	b := NewBuffer(4)
	require.True(t, b.Write([]byte{1, 2, 3}))

	first := b.Read()
	require.True(t, b.Write([]byte{4, 5, 6}))
	b.Read()

	require.Equal(t, []byte{1, 2, 3}, first)
}

func TestWakeupSignalled(t *testing.T) {
	b := NewBuffer(4)
	b.Write([]byte{1})

	select {
	case <-b.Wakeup():
	default:
		t.Fatal("expected wakeup after commit")
	}
}

func TestConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 100

	b := NewBuffer(2048)

	var wg sync.WaitGroup
	var written atomic.Int64
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				if b.Write([]byte(fmt.Sprintf("%d-%d", id, j))) {
					written.Add(1)
				}
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int64(producers*perProducer), written.Load())

	seen := make(map[string]bool)
	for {
		record := b.Read()
		if record == nil {
			break
		}
		key := string(record)
		require.False(t, seen[key], "duplicate record %s", key)
		seen[key] = true
	}
	require.Len(t, seen, producers*perProducer)
	require.Equal(t, uint64(0), b.Lost())
}
