package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func TestLoop_FIFO(t *testing.T) {
	l := New(Config{})
	defer l.Close()

	var (
		lk    sync.Mutex
		order []int
	)
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Post(func() {
			lk.Lock()
			order = append(order, i)
			lk.Unlock()
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Sync(ctx))

	lk.Lock()
	defer lk.Unlock()
	require.Len(t, order, 100)
	for i, v := range order {
		require.Equal(t, i, v, "work items must run in post order")
	}
}

func TestLoop_PostFromLoop(t *testing.T) {
	l := New(Config{})
	defer l.Close()

	done := make(chan struct{})
	l.Post(func() {
		l.Post(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("nested post never ran")
	}
}

func TestLoop_RecoversPanics(t *testing.T) {
	sink := metrics.NewInmemSink(time.Second, time.Minute)
	l := New(Config{MetricSink: sink})
	defer l.Close()

	l.Post(func() { panic("boom") })

	ran := make(chan struct{})
	l.Post(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("loop died after a recovered panic")
	}

	found := false
	for _, interval := range sink.Data() {
		for name, c := range interval.Counters {
			if name == "darc.loop.panic.count" && c.Count == 1 {
				found = true
			}
		}
	}
	require.True(t, found, "panic should have been counted")
}

func TestLoop_ClosedRejectsPost(t *testing.T) {
	l := New(Config{})

	ran := false
	l.Post(func() { ran = true })
	l.Close()
	require.True(t, ran, "work posted before Close must be drained")

	require.False(t, l.Post(func() {}))
	require.ErrorIs(t, l.Sync(context.Background()), ErrClosed)

	// idempotent
	l.Close()
}

type fatalValue struct{}

func (*fatalValue) Fatal() bool { return true }

func TestLoop_ReraisesFatalPanics(t *testing.T) {
	sink := metrics.NewInmemSink(time.Second, time.Minute)
	l := New(Config{MetricSink: sink})
	defer l.Close()

	require.PanicsWithValue(t, &fatalValue{}, func() {
		l.exec(func() { panic(&fatalValue{}) })
	})
	require.NotPanics(t, func() {
		l.exec(func() { panic("recoverable") })
	})
}

func TestLoop_Run(t *testing.T) {
	l := New(Config{})
	defer l.Close()

	require.False(t, l.OnLoop())

	var onLoop, nested bool
	require.NoError(t, l.Run(func() {
		onLoop = l.OnLoop()
		// in place, posting and waiting would never return.
		require.NoError(t, l.Run(func() { nested = l.OnLoop() }))
	}))
	require.True(t, onLoop)
	require.True(t, nested)
}

func TestLoop_RunSerializes(t *testing.T) {
	l := New(Config{})
	defer l.Close()

	var (
		wg       sync.WaitGroup
		inflight int
		maxSeen  int
	)
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Run(func() {
				inflight++
				maxSeen = max(maxSeen, inflight)
				time.Sleep(100 * time.Microsecond)
				inflight--
			}))
		}()
		go func() {
			defer wg.Done()
			l.Post(func() {
				inflight++
				maxSeen = max(maxSeen, inflight)
				inflight--
			})
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Sync(ctx))
	require.NoError(t, l.Run(func() {
		require.Equal(t, 1, maxSeen)
	}))
}

func TestLoop_RunClosed(t *testing.T) {
	l := New(Config{})
	l.Close()
	require.ErrorIs(t, l.Run(func() {}), ErrClosed)
}
