package lockreg

import (
	"sync"
	"testing"
	"time"
)

func TestAcquire_MutualExclusion(t *testing.T) {
	r := New()

	const goroutines = 32
	const iterations = 50
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				h, err := r.Acquire("overworld:0:0", 5*time.Second)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				counter++
				h.Release()
			}
		}()
	}
	wg.Wait()

	if counter != goroutines*iterations {
		t.Fatalf("counter = %d, want %d (lost update under lock)", counter, goroutines*iterations)
	}
}

func TestAcquire_TimeoutOnContention(t *testing.T) {
	r := New()

	h, err := r.Acquire("k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := r.Acquire("k", 20*time.Millisecond); err != ErrTimeout {
		t.Fatalf("second acquire err = %v, want ErrTimeout", err)
	}

	// The timed-out waiter must not leak a reference.
	h.Release()
	if active, _ := r.Stats(); active != 0 {
		t.Fatalf("active entries after release = %d, want 0", active)
	}
}

func TestRelease_EvictsEntryOnlyWhenLastReferenceDrops(t *testing.T) {
	r := New()

	h1, err := r.Acquire("k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan *Handle)
	go func() {
		h, err := r.Acquire("k", 5*time.Second)
		if err != nil {
			t.Errorf("waiter acquire: %v", err)
		}
		acquired <- h
	}()

	// Wait until the second goroutine is registered as a waiter.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if active, _ := r.Stats(); active == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("waiter never registered")
		}
		time.Sleep(time.Millisecond)
	}

	// Releasing the holder must hand over, not evict, while a waiter exists.
	h1.Release()
	h2 := <-acquired
	if active, _ := r.Stats(); active != 1 {
		t.Fatalf("entry evicted while still held")
	}

	h2.Release()
	if active, keys := r.Stats(); active != 0 || len(keys) != 0 {
		t.Fatalf("entry leaked after final release: %d %v", active, keys)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	r := New()
	h, err := r.Acquire("k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h.Release()
	h.Release() // second call must be a no-op

	if _, err := r.Acquire("k", time.Second); err != nil {
		t.Fatalf("reacquire after double release: %v", err)
	}
}

func TestAcquireAll_ReleasesEverythingOnTimeout(t *testing.T) {
	r := New()

	blocker, err := r.Acquire("b", time.Second)
	if err != nil {
		t.Fatalf("acquire blocker: %v", err)
	}

	if _, err := r.AcquireAll([]string{"a", "b", "c"}, 50*time.Millisecond); err != ErrTimeout {
		t.Fatalf("AcquireAll err = %v, want ErrTimeout", err)
	}

	// "a" was acquired before the timeout on "b"; it must be free again.
	h, err := r.Acquire("a", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("a still held after failed AcquireAll: %v", err)
	}
	h.Release()

	blocker.Release()
	if active, _ := r.Stats(); active != 0 {
		t.Fatalf("active entries = %d, want 0", active)
	}
}

func TestAcquireAll_OverlappingSetsDoNotDeadlock(t *testing.T) {
	r := New()
	keysA := []string{"x", "y", "z"}
	keysB := []string{"z", "x", "y"} // same set, scrambled

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			keys := keysA
			if i == 1 {
				keys = keysB
			}
			wg.Add(1)
			go func(keys []string) {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					handles, err := r.AcquireAll(keys, 5*time.Second)
					if err != nil {
						t.Errorf("AcquireAll: %v", err)
						return
					}
					ReleaseAll(handles)
				}
			}(keys)
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("overlapping AcquireAll deadlocked")
	}
}
