package poll

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tick = 5 * time.Millisecond

type recorder[T any] struct {
	mu  sync.Mutex
	got []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, v)
}

func (r *recorder[T]) values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.got)
}

func intsEqual(a, b int) bool { return a == b }

func TestSubscribeDeliversOnlyChanges(t *testing.T) {
	var calls atomic.Int32
	sequence := []int{1, 1, 1, 2, 2, 3}
	fetch := func(context.Context) (int, error) {
		n := int(calls.Add(1)) - 1
		if n >= len(sequence) {
			return sequence[len(sequence)-1], nil
		}
		return sequence[n], nil
	}

	rec := &recorder[int]{}
	sub := Subscribe(context.Background(), fetch, rec.add, tick, intsEqual)
	defer sub.Cancel()

	require.Eventually(t, func() bool { return calls.Load() > int32(len(sequence)+2) }, time.Second, tick)
	assert.Equal(t, []int{1, 2, 3}, rec.values())
}

func TestSubscribeFetchesImmediately(t *testing.T) {
	fetched := make(chan struct{}, 1)
	sub := Subscribe(context.Background(), func(context.Context) (int, error) {
		select {
		case fetched <- struct{}{}:
		default:
		}
		return 1, nil
	}, func(int) {}, time.Hour, intsEqual)
	defer sub.Cancel()

	select {
	case <-fetched:
	case <-time.After(time.Second):
		t.Fatal("first fetch did not run immediately")
	}
}

func TestSubscribeKeepsPollingAfterErrors(t *testing.T) {
	var calls atomic.Int32
	var errorsSeen atomic.Int32
	boom := errors.New("boom")
	fetch := func(context.Context) (int, error) {
		if calls.Add(1) <= 2 {
			return 0, boom
		}
		return 7, nil
	}

	rec := &recorder[int]{}
	sub := Subscribe(context.Background(), fetch, rec.add, tick, intsEqual,
		WithName("test-errors"),
		WithOnError(func(err error) {
			assert.ErrorIs(t, err, boom)
			errorsSeen.Add(1)
		}))
	defer sub.Cancel()

	require.Eventually(t, func() bool { return len(rec.values()) == 1 }, time.Second, tick)
	assert.Equal(t, []int{7}, rec.values())
	assert.Equal(t, int32(2), errorsSeen.Load())
}

func TestSubscribeNeverOverlapsFetches(t *testing.T) {
	var inFlight, maxInFlight, calls atomic.Int32
	fetch := func(context.Context) (int, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			seen := maxInFlight.Load()
			if n <= seen || maxInFlight.CompareAndSwap(seen, n) {
				break
			}
		}
		time.Sleep(3 * tick)
		return int(calls.Add(1)), nil
	}

	sub := Subscribe(context.Background(), fetch, func(int) {}, time.Millisecond, intsEqual)
	require.Eventually(t, func() bool { return calls.Load() >= 5 }, 2*time.Second, tick)
	sub.Cancel()
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestCancelDiscardsInFlightResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fetch := func(context.Context) (int, error) {
		once.Do(func() { close(started) })
		<-release
		return 1, nil
	}

	rec := &recorder[int]{}
	sub := Subscribe(context.Background(), fetch, rec.add, tick, intsEqual)
	<-started
	sub.Cancel()
	sub.Cancel()
	close(release)

	time.Sleep(10 * tick)
	assert.Empty(t, rec.values())
	assert.True(t, sub.Stopped())
}

func TestNoDeliveryAfterCancelReturns(t *testing.T) {
	var calls atomic.Int32
	var afterCancel atomic.Bool
	var lateDeliveries atomic.Int32
	fetch := func(context.Context) (int, error) {
		return int(calls.Add(1)), nil
	}
	sub := Subscribe(context.Background(), fetch, func(int) {
		if afterCancel.Load() {
			lateDeliveries.Add(1)
		}
	}, time.Millisecond, intsEqual)

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	sub.Cancel()
	afterCancel.Store(true)
	time.Sleep(10 * tick)
	assert.Zero(t, lateDeliveries.Load())
}

func TestCancelFromInsideOnData(t *testing.T) {
	var calls atomic.Int32
	var delivered atomic.Int32
	var sub *Subscription
	ready := make(chan struct{})
	done := make(chan struct{})
	fetch := func(context.Context) (int, error) {
		return int(calls.Add(1)), nil
	}
	sub = Subscribe(context.Background(), fetch, func(v int) {
		<-ready
		delivered.Add(1)
		if v == 2 {
			sub.Cancel()
			close(done)
		}
	}, tick, intsEqual)
	close(ready)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Cancel from inside onData did not return")
	}
	assert.True(t, sub.Stopped())
	time.Sleep(10 * tick)
	assert.Equal(t, int32(2), delivered.Load())
	assert.Equal(t, int32(2), calls.Load())
}

func TestSubscribeStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	sub := Subscribe(ctx, func(context.Context) (int, error) {
		return int(calls.Add(1)), nil
	}, func(int) {}, tick, intsEqual)

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, tick)
	cancel()
	require.Eventually(t, sub.Stopped, time.Second, tick)

	settled := calls.Load()
	time.Sleep(10 * tick)
	assert.LessOrEqual(t, calls.Load(), settled+1)
}
