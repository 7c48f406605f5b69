package reactor

import (
	"sync"
	"testing"
)

func TestMessageQueueFIFO(t *testing.T) {
	q := NewMessageQueue[int]()
	for i := 0; i < 5; i++ {
		q.Send(i)
	}
	for i := 0; i < 5; i++ {
		if v, ok := q.TryRecv(); !ok || v != i {
			t.Fatalf("expected %d, got %v (ok=%v)", i, v, ok)
		}
	}
	if _, ok := q.TryRecv(); ok {
		t.Fatal("expected empty queue")
	}
}

func TestMessageQueueRecvBlocksUntilSend(t *testing.T) {
	q := NewMessageQueue[string]()
	done := make(chan string)
	go func() {
		done <- q.Recv()
	}()

	select {
	case <-done:
		t.Fatal("Recv returned before any Send")
	default:
	}

	q.Send("hello")
	if got := <-done; got != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
}

func TestMessageQueueConcurrentSendersLoseNothing(t *testing.T) {
	q := NewMessageQueue[int]()
	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			q.Send(i)
		}()
	}
	wg.Wait()

	seen := make(map[int]bool, n)
	for i := 0; i < n; i++ {
		v, ok := q.TryRecv()
		if !ok {
			t.Fatalf("expected %d items, queue ran dry at %d", n, i)
		}
		seen[v] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct values, got %d", n, len(seen))
	}
}
