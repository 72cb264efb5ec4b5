package ringchan

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain[T any](rc *RingChannel[T]) []T {
	var out []T
	for v := range rc.C() {
		out = append(out, v)
	}
	return out
}

func TestRingChannel_OverwritesOldest(t *testing.T) {
	rc := New[int](3)
	for i := 0; i < 10; i++ {
		rc.Send(i)
	}
	rc.Close()

	assert.Equal(t, []int{7, 8, 9}, drain(rc))
	assert.Equal(t, Metrics{Written: 10, Overwritten: 7}, rc.Metrics())
}

func TestRingChannel_SendReportsDrop(t *testing.T) {
	rc := New[string](1)
	assert.False(t, rc.Send("a"))
	assert.True(t, rc.Send("b"))
	rc.Close()

	assert.Equal(t, []string{"b"}, drain(rc))
}

func TestRingChannel_Close(t *testing.T) {
	rc := New[int](2)
	rc.Send(1)
	rc.Close()
	rc.Close()

	assert.False(t, rc.Send(2), "send after close is dropped silently")
	assert.Equal(t, []int{1}, drain(rc))
}

func TestRingChannel_ConcurrentProducers(t *testing.T) {
	rc := New[int](4)
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				rc.Send(i)
			}
		}()
	}
	wg.Wait()
	rc.Close()

	got := drain(rc)
	require.Len(t, got, 4)
	m := rc.Metrics()
	assert.Equal(t, int64(800), m.Written)
	assert.Equal(t, int64(796), m.Overwritten)
}

func TestNew_PanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}
