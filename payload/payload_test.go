package payload

import "testing"

func TestEmptyPayload(t *testing.T) {
	p := Empty()
	b, err := p.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if len(b) != 0 {
		t.Errorf("expected empty bytes, got %d", len(b))
	}
	p.Release()
	p.Release() // idempotent
}

func TestBorrowPayload(t *testing.T) {
	buf := []byte("hello")
	p := Borrow(buf)
	b, err := p.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if string(b) != "hello" {
		t.Errorf("got %q, want %q", b, "hello")
	}
	p.Release()
}

func TestOwnedPayloadReleaseForbidsReads(t *testing.T) {
	buf := Get()
	buf.Write([]byte("owned"))
	p := Owned(buf)

	b, err := p.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if string(b) != "owned" {
		t.Errorf("got %q, want %q", b, "owned")
	}

	p.Release()
	if _, err := p.Bytes(); err != ErrReleased {
		t.Errorf("expected ErrReleased after release, got %v", err)
	}
}

func TestLazyPayloadMarshalsOnce(t *testing.T) {
	calls := 0
	p := Lazy(func() ([]byte, error) {
		calls++
		return []byte("computed"), nil
	})

	for i := 0; i < 3; i++ {
		b, err := p.Bytes()
		if err != nil {
			t.Fatalf("Bytes: %v", err)
		}
		if string(b) != "computed" {
			t.Errorf("got %q", b)
		}
	}
	if calls != 1 {
		t.Errorf("marshal called %d times, want 1", calls)
	}
}

func TestRetainSurvivesOriginalRelease(t *testing.T) {
	buf := Get()
	buf.Write([]byte("survive"))
	p := Owned(buf)

	retained, err := p.Retain()
	if err != nil {
		t.Fatalf("Retain: %v", err)
	}
	p.Release()

	b, err := retained.Bytes()
	if err != nil {
		t.Fatalf("Bytes on retained: %v", err)
	}
	if string(b) != "survive" {
		t.Errorf("got %q, want %q", b, "survive")
	}
	retained.Release()
}
