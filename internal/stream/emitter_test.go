package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/busbridge/errs"
)

func TestFromSliceHonoursDemand(t *testing.T) {
	collector := NewCollector[int](2)
	FromSlice([]int{1, 2, 3, 4, 5}).Subscribe(collector)

	require.Eventually(t, func() bool { return collector.Len() == 2 }, time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return collector.Len() > 2 }, 50*time.Millisecond, 5*time.Millisecond)

	collector.Request(10)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, collector.Wait(ctx))
	require.True(t, collector.Completed())
	require.Equal(t, []int{1, 2, 3, 4, 5}, collector.Items())
}

func TestFromSliceRequestFromOnNextDoesNotRecurse(t *testing.T) {
	var collector *Collector[int]
	depth := 0
	collector = NewCollectorFunc[int](1, func(int) {
		depth++
		assert.Equal(t, 1, depth)
		collector.Request(1)
		depth--
	})
	FromSlice([]int{1, 2, 3}).Subscribe(collector)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, collector.Wait(ctx))
	require.Equal(t, []int{1, 2, 3}, collector.Items())
}

func TestFromSliceCancelStopsEmission(t *testing.T) {
	collector := NewCollector[int](1)
	FromSlice([]int{1, 2, 3}).Subscribe(collector)

	require.Eventually(t, func() bool { return collector.Len() == 1 }, time.Second, 5*time.Millisecond)
	collector.Cancel()
	collector.Request(5)

	require.Never(t, func() bool { return collector.Len() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	select {
	case <-collector.Done():
		t.Fatal("cancelled subscription must not receive a terminal signal")
	default:
	}
}

func TestFromSliceNonPositiveRequestSignalsUsageError(t *testing.T) {
	collector := NewCollector[int](0)
	FromSlice([]int{1}).Subscribe(collector)
	collector.Request(0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := collector.Wait(ctx)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeUsage))
}

func TestFromChannelCompletesWhenClosed(t *testing.T) {
	ch := make(chan string, 3)
	ch <- "a"
	ch <- "b"
	close(ch)

	collector := NewCollector[string](Unbounded)
	FromChannel(ch).Subscribe(collector)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, collector.Wait(ctx))
	require.Equal(t, []string{"a", "b"}, collector.Items())
}

func TestAddDemandSaturates(t *testing.T) {
	require.Equal(t, int64(5), AddDemand(2, 3))
	require.Equal(t, Unbounded, AddDemand(Unbounded-1, 10))
	require.Equal(t, int64(2), AddDemand(2, -1))
}

func TestRejectSignalsSubscribeThenError(t *testing.T) {
	collector := NewCollector[int](1)
	Reject[int](collector, errs.New("test", errs.CodeUsage))

	require.True(t, errs.Is(collector.Err(), errs.CodeUsage))
	require.Empty(t, collector.Items())
}
