package keylock

import (
	"sync"
	"testing"
)

func TestLockSerializesSameKey(t *testing.T) {
	var m Map
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("a")
			defer unlock()
			v := counter
			counter = v + 1
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("counter = %d, want 50", counter)
	}
	if n := m.Len(); n != 0 {
		t.Fatalf("entries left = %d, want 0", n)
	}
}

func TestEntriesAreReleased(t *testing.T) {
	var m Map
	ua := m.Lock("a")
	ub := m.Lock("b")
	if n := m.Len(); n != 2 {
		t.Fatalf("Len = %d, want 2", n)
	}
	ua()
	if n := m.Len(); n != 1 {
		t.Fatalf("Len = %d, want 1", n)
	}
	ub()
	if n := m.Len(); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	var m Map
	unlock := m.Lock("a")
	defer unlock()
	done := make(chan struct{})
	go func() {
		m.Lock("b")()
		close(done)
	}()
	<-done
}
