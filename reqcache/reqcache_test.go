package reqcache

import (
	"testing"
	"time"

	"playhouse/wire"
)

func TestNextSeqWrapsAndSkipsZero(t *testing.T) {
	c := New()
	atomicSetSeq(c, 65535)
	seq := c.NextSeq()
	if seq != 1 {
		t.Fatalf("expected wrap to 1, got %d", seq)
	}
}

func atomicSetSeq(c *Cache, v uint32) {
	c.seq = v
}

func TestRegisterCompleteExactlyOnce(t *testing.T) {
	c := New()
	seq := c.NextSeq()
	done := c.Register(seq, time.Second)

	pkt := wire.RoutePacket{Header: wire.RouteHeader{MsgSeq: seq}}
	if !c.TryComplete(pkt) {
		t.Fatal("expected TryComplete to succeed")
	}
	// A duplicate completion must be ignored.
	if c.TryComplete(pkt) {
		t.Fatal("expected duplicate TryComplete to be ignored")
	}

	select {
	case res := <-done:
		if res.Code != wire.Success {
			t.Errorf("expected success, got %v", res.Code)
		}
	default:
		t.Fatal("expected a result to be delivered")
	}
}

func TestRegisterTimesOut(t *testing.T) {
	c := New()
	seq := c.NextSeq()
	done := c.Register(seq, 20*time.Millisecond)

	select {
	case res := <-done:
		if res.Code != wire.ErrRequestTimeout {
			t.Errorf("expected RequestTimeout, got %v", res.Code)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timed out waiting for timeout result")
	}
	if c.Len() != 0 {
		t.Errorf("expected cache to be empty after timeout, got %d entries", c.Len())
	}
}

func TestCancelAllResolvesPendingAndRejectsFuture(t *testing.T) {
	c := New()
	seq1 := c.NextSeq()
	seq2 := c.NextSeq()
	d1 := c.Register(seq1, time.Minute)
	d2 := c.Register(seq2, time.Minute)

	c.CancelAll(wire.ErrShuttingDown)

	for _, d := range []<-chan Result{d1, d2} {
		select {
		case res := <-d:
			if res.Code != wire.ErrShuttingDown {
				t.Errorf("expected ErrShuttingDown, got %v", res.Code)
			}
		default:
			t.Fatal("expected CancelAll to resolve immediately")
		}
	}

	seq3 := c.NextSeq()
	d3 := c.Register(seq3, time.Minute)
	select {
	case res := <-d3:
		if res.Code != wire.ErrShuttingDown {
			t.Errorf("expected ErrShuttingDown after close, got %v", res.Code)
		}
	default:
		t.Fatal("expected Register after CancelAll to resolve immediately")
	}
}
