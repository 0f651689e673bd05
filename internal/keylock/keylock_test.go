package keylock

import (
	"sync"
	"testing"
	"time"
)

func TestLockIsExclusivePerKey(t *testing.T) {
	k := New()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("a")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 || k.Len() != 0 {
		t.Fatalf("counter=%d len=%d", counter, k.Len())
	}
}

func TestDistinctKeysDoNotBlock(t *testing.T) {
	k := New()
	unlockA := k.Lock("a")
	done := make(chan struct{})
	go func() {
		k.Lock("b")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	if k.Len() != 1 {
		t.Fatalf("len = %d", k.Len())
	}
	unlockA()
	if k.Len() != 0 {
		t.Fatalf("len after release = %d", k.Len())
	}
}
