package stage

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"playhouse/wire"
)

func TestLoopDispatchesFIFOPerProducer(t *testing.T) {
	var got []int
	var mu sync.Mutex
	done := make(chan struct{})

	l := newLoop(func(pkt wire.RoutePacket) {
		mu.Lock()
		got = append(got, int(pkt.Header.StageID))
		n := len(got)
		mu.Unlock()
		if n == 50 {
			close(done)
		}
	})

	for i := 1; i <= 50; i++ {
		l.post(wire.RoutePacket{Header: wire.RouteHeader{StageID: int64(i)}})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for all packets to dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i+1 {
			t.Fatalf("expected FIFO order, got %v at position %d in %v", v, i, got)
		}
	}
}

func TestLoopNeverRunsTwoWorkersConcurrently(t *testing.T) {
	var active int32
	var maxActive int32
	var wg sync.WaitGroup
	const total = 200
	wg.Add(total)

	l := newLoop(func(pkt wire.RoutePacket) {
		n := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&maxActive)
			if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&active, -1)
		wg.Done()
	})

	var producers sync.WaitGroup
	for p := 0; p < 10; p++ {
		producers.Add(1)
		go func() {
			defer producers.Done()
			for i := 0; i < total/10; i++ {
				l.post(wire.RoutePacket{})
			}
		}()
	}
	producers.Wait()
	wg.Wait()

	if maxActive > 1 {
		t.Fatalf("expected at most one concurrent dispatch, observed %d", maxActive)
	}
}

func TestLoopDrainsPostsArrivingDuringDispatch(t *testing.T) {
	var count int32
	done := make(chan struct{})

	var l *loop
	l = newLoop(func(pkt wire.RoutePacket) {
		n := atomic.AddInt32(&count, 1)
		if n < 5 {
			l.post(wire.RoutePacket{})
		}
		if n == 5 {
			close(done)
		}
	})
	l.post(wire.RoutePacket{})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out: a post issued from inside dispatch was stranded")
	}
}
