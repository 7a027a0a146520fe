package keyed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func waitForWaiters(t *testing.T, m *Mutex, key string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.Waiting(key) != n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d waiters on %s, have %d", n, key, m.Waiting(key))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMutexHandsOffInArrivalOrder(t *testing.T) {
	m := New()
	ctx := context.Background()
	release, err := m.Lock(ctx, "acct")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "acct")
			if err != nil {
				t.Errorf("lock %d: %v", id, err)
				return
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			unlock()
		}(i)
		waitForWaiters(t, m, "acct", i+1)
	}
	release()
	release()
	wg.Wait()

	for i, id := range order {
		if id != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
	if m.Waiting("acct") != 0 {
		t.Fatalf("expected no waiters left")
	}
}

func TestMutexKeysAreIndependent(t *testing.T) {
	m := New()
	ctx := context.Background()
	releaseA, _ := m.Lock(ctx, "a")
	defer releaseA()
	done := make(chan struct{})
	go func() {
		unlock, err := m.Lock(ctx, "b")
		if err == nil {
			unlock()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("lock on a different key should not block")
	}
}

func TestMutexCancelledWaiterIsSkipped(t *testing.T) {
	m := New()
	release, _ := m.Lock(context.Background(), "k")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Lock(ctx, "k")
		errCh <- err
	}()
	waitForWaiters(t, m, "k", 1)
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	release()

	unlock, err := m.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("key should be free after cancelled waiter: %v", err)
	}
	unlock()
}
