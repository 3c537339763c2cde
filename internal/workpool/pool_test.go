package workpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestDoRunsTask(t *testing.T) {
	pool := New(2, time.Second)
	ran := false
	err := pool.Do(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if !ran {
		t.Fatal("task did not run")
	}
}

func TestDoPropagatesTaskError(t *testing.T) {
	pool := New(1, time.Second)
	want := errors.New("boom")
	err := pool.Do(context.Background(), func(ctx context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestDoTimesOut(t *testing.T) {
	pool := New(1, 20*time.Millisecond)
	err := pool.Do(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestDoRespectsCallerCancellation(t *testing.T) {
	pool := New(1, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pool.Do(ctx, func(ctx context.Context) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestDoBoundsConcurrency(t *testing.T) {
	pool := New(2, time.Second)
	var current, peak int64

	var group errgroup.Group
	for i := 0; i < 8; i++ {
		group.Go(func() error {
			return pool.Do(context.Background(), func(ctx context.Context) error {
				n := atomic.AddInt64(&current, 1)
				for {
					old := atomic.LoadInt64(&peak)
					if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt64(&current, -1)
				return nil
			})
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatalf("group: %v", err)
	}
	if atomic.LoadInt64(&peak) > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
}
