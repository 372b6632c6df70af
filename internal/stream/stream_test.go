package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive[T any](t *testing.T, sub *Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return v
	case <-time.After(time.Second):
		require.FailNow(t, "timed out waiting for value")
	}
	var zero T
	return zero
}

func TestRingChannel_DropsOldest(t *testing.T) {
	rc := NewRingChannel[int](3)
	dropped := 0
	for i := 0; i < 10; i++ {
		if rc.Send(i) {
			dropped++
		}
	}
	rc.Close()

	var got []int
	for v := range rc.C() {
		got = append(got, v)
	}
	assert.Equal(t, []int{7, 8, 9}, got)
	assert.Equal(t, 7, dropped)

	m := rc.GetMetrics()
	assert.Equal(t, int64(10), m.Written)
	assert.Equal(t, int64(7), m.Overwritten)
}

func TestRingChannel_TrySendAndReceive(t *testing.T) {
	rc := NewRingChannel[string](1)
	assert.True(t, rc.TrySend("a"))
	assert.False(t, rc.TrySend("b"))
	assert.Equal(t, 1, rc.Len())
	assert.Equal(t, 1, rc.Cap())

	v, ok := rc.TryReceive()
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	_, ok = rc.TryReceive()
	assert.False(t, ok)
	assert.Equal(t, int64(1), rc.GetMetrics().Processed)
}

func TestRingChannel_InvalidCapacity(t *testing.T) {
	assert.Panics(t, func() { NewRingChannel[int](0) })
}

func TestValue_ReplaysCurrent(t *testing.T) {
	v := NewValue("idle", 4)
	v.Set("busy")

	sub := v.Subscribe()
	defer sub.Close()

	assert.Equal(t, "busy", receive(t, sub))

	v.Set("done")
	assert.Equal(t, "done", receive(t, sub))
	assert.Equal(t, "done", v.Get())
}

func TestValue_Update(t *testing.T) {
	v := NewValue(0, 4)
	sub := v.Subscribe()
	defer sub.Close()
	assert.Equal(t, 0, receive(t, sub))

	got := v.Update(func(n int) int { return n + 2 })
	assert.Equal(t, 2, got)
	assert.Equal(t, 2, receive(t, sub))
}

func TestValue_SlowSubscriberSeesLatest(t *testing.T) {
	v := NewValue(0, 2)
	sub := v.Subscribe()
	defer sub.Close()

	for i := 1; i <= 10; i++ {
		v.Set(i)
	}

	var last int
	for sub.rc.Len() > 0 {
		last = receive(t, sub)
	}
	assert.Equal(t, 10, last)
	assert.Positive(t, sub.Dropped())
}

func TestFeed_NoReplay(t *testing.T) {
	f := NewFeed[int](8)
	f.Publish(1)

	sub := f.Subscribe()
	f.Publish(2)
	f.Publish(3)

	assert.Equal(t, 2, receive(t, sub))
	assert.Equal(t, 3, receive(t, sub))
	assert.Equal(t, 1, f.Subscribers())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, f.Subscribers())

	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestFeed_Close(t *testing.T) {
	f := NewFeed[int](8)
	sub := f.Subscribe()
	f.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)

	// Publishing and subscribing after close must not panic.
	f.Publish(1)
	late := f.Subscribe()
	_, ok = <-late.C()
	assert.False(t, ok)
	sub.Close()
}

func TestFeed_ConcurrentPublish(t *testing.T) {
	f := NewFeed[int](1024)
	sub := f.Subscribe()
	defer sub.Close()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				f.Publish(i)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 400, sub.rc.Len())
}

func TestHistory(t *testing.T) {
	h, err := NewHistory[string](8)
	require.NoError(t, err)

	require.NoError(t, h.Record("a"))
	require.NoError(t, h.Record("b"))
	require.NoError(t, h.Record("c"))

	snap, err := h.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, snap)

	drained, err := h.Drain()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, drained)

	empty, err := h.Drain()
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestHistory_Overflow(t *testing.T) {
	tests := []struct {
		name string
		size uint32
	}{
		{"power of two", 4},
		{"odd", 5},
		{"three", 3},
		{"default activity size", 128},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := NewHistory[int](tt.size)
			require.NoError(t, err)

			total := int(tt.size) * 3
			for i := 0; i < total; i++ {
				require.NoError(t, h.Record(i))
			}

			snap, err := h.Snapshot()
			require.NoError(t, err)
			require.Len(t, snap, int(tt.size))
			assert.Equal(t, total-int(tt.size), snap[0])
			assert.Equal(t, total-1, snap[len(snap)-1])
			assert.Equal(t, uint64(total-int(tt.size)), h.Overwritten())

			recs, err := h.Drain()
			require.NoError(t, err)
			assert.Equal(t, snap, recs)
		})
	}
}

func TestHistory_BelowCapacity(t *testing.T) {
	h, err := NewHistory[int](5)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.Record(i))
	}
	recs, err := h.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, recs)
	assert.Zero(t, h.Overwritten())
}

func TestHistory_InvalidSize(t *testing.T) {
	_, err := NewHistory[int](0)
	assert.Error(t, err)

	_, err = NewHistory[int](MaxHistorySize + 1)
	assert.Error(t, err)
}
