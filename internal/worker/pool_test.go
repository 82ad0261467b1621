package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolFirstSubmitCompletes(t *testing.T) {
	p := NewPool(0, 2, time.Minute)

	done := make(chan struct{})
	go p.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("first job on a fresh pool never ran")
	}
}

func TestPoolRunsSubmittedJobs(t *testing.T) {
	p := NewPool(1, 4, time.Minute)

	var done atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			done.Add(1)
		})
	}
	wg.Wait()
	if done.Load() != 20 {
		t.Fatalf("done = %d", done.Load())
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(0, 2, time.Minute)

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go p.Submit(func() {
			defer wg.Done()
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			current.Add(-1)
		})
	}
	wg.Wait()
	if p := peak.Load(); p > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", p)
	}
}

func TestPoolReusesIdleWorkers(t *testing.T) {
	p := NewPool(1, 1, time.Minute)

	for i := 0; i < 5; i++ {
		done := make(chan struct{})
		p.Submit(func() { close(done) })
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("job %d never ran", i)
		}
	}
}

func TestPoolShrinksToMinAfterIdle(t *testing.T) {
	p := NewPool(1, 4, 30*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go p.Submit(func() {
			defer wg.Done()
			time.Sleep(10 * time.Millisecond)
		})
	}
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for {
		p.mu.Lock()
		running := p.running
		p.mu.Unlock()
		if running <= 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("running = %d, want shrink to 1", running)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
