package wire

import (
	"bytes"
	"strings"
	"testing"
)

func TestClientFrameRoundTrip(t *testing.T) {
	f := ClientFrame{
		ServiceID: 1,
		MsgID:     "EchoRequest",
		MsgSeq:    7,
		StageID:   1001,
		Body:      []byte("Hello"),
	}
	enc, err := EncodeClientFrame(f)
	if err != nil {
		t.Fatalf("EncodeClientFrame: %v", err)
	}
	dec, err := DecodeClientFrame(enc)
	if err != nil {
		t.Fatalf("DecodeClientFrame: %v", err)
	}
	if dec.ServiceID != f.ServiceID || dec.MsgID != f.MsgID || dec.MsgSeq != f.MsgSeq || dec.StageID != f.StageID {
		t.Fatalf("round trip mismatch: got %+v, want %+v", dec, f)
	}
	if !bytes.Equal(dec.Body, f.Body) {
		t.Fatalf("body mismatch: got %q, want %q", dec.Body, f.Body)
	}
}

func TestClientFrameZeroMsgIDLenRejectedOnEncode(t *testing.T) {
	_, err := EncodeClientFrame(ClientFrame{MsgID: ""})
	if err == nil {
		t.Fatal("expected error for empty msg id")
	}
}

func TestServerFrameRoundTripUncompressedSmallBody(t *testing.T) {
	f := ServerFrame{
		ServiceID: 1,
		MsgID:     "EchoReply",
		MsgSeq:    7,
		StageID:   1001,
		ErrorCode: Success,
		Body:      []byte("Hello"),
	}
	enc, err := EncodeServerFrame(f)
	if err != nil {
		t.Fatalf("EncodeServerFrame: %v", err)
	}
	dec, err := DecodeServerFrame(enc)
	if err != nil {
		t.Fatalf("DecodeServerFrame: %v", err)
	}
	if !bytes.Equal(dec.Body, f.Body) {
		t.Fatalf("body mismatch: got %q, want %q", dec.Body, f.Body)
	}
	if dec.ErrorCode != Success {
		t.Fatalf("ErrorCode = %v, want Success", dec.ErrorCode)
	}
}

func TestServerFrameCompressesLargeCompressibleBody(t *testing.T) {
	body := []byte(strings.Repeat("aaaaaaaaaa", 200)) // 2000 bytes, highly compressible
	f := ServerFrame{ServiceID: 1, MsgID: "Bulk", MsgSeq: 1, StageID: 1, Body: body}

	enc, err := EncodeServerFrame(f)
	if err != nil {
		t.Fatalf("EncodeServerFrame: %v", err)
	}
	if len(enc) >= len(body) {
		t.Errorf("expected encoded frame (%d bytes) to be smaller than raw body (%d bytes)", len(enc), len(body))
	}

	dec, err := DecodeServerFrame(enc)
	if err != nil {
		t.Fatalf("DecodeServerFrame: %v", err)
	}
	if !bytes.Equal(dec.Body, body) {
		t.Fatalf("decompressed body mismatch: got %d bytes, want %d bytes", len(dec.Body), len(body))
	}
}

func TestServerFrameSkipsCompressionBelowThreshold(t *testing.T) {
	body := bytes.Repeat([]byte{'x'}, 512) // exactly at threshold, must NOT compress
	enc, err := EncodeServerFrame(ServerFrame{MsgID: "M", Body: body})
	if err != nil {
		t.Fatalf("EncodeServerFrame: %v", err)
	}
	if want := 2 + 1 + len("M") + 2 + 8 + 2 + 4 + len(body); len(enc) != want {
		t.Fatalf("encoded length = %d, want %d (uncompressed)", len(enc), want)
	}
	dec, err := DecodeServerFrame(enc)
	if err != nil {
		t.Fatalf("DecodeServerFrame: %v", err)
	}
	if !bytes.Equal(dec.Body, body) {
		t.Fatalf("body mismatch")
	}
}

func TestDecodeClientFrameShortBuffer(t *testing.T) {
	if _, err := DecodeClientFrame([]byte{0, 0}); err == nil {
		t.Fatal("expected error decoding truncated frame")
	}
}

func TestFramerReassemblesPartialReads(t *testing.T) {
	body1 := []byte("first-packet")
	body2 := []byte("second-packet")
	stream := append(EncodeFrame(body1), EncodeFrame(body2)...)

	f := NewFramer(DefaultMaxFrameSize)
	var got [][]byte
	for i := 0; i < len(stream); i++ {
		f.Feed(stream[i : i+1])
		for {
			frame, ok, err := f.Next()
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if !ok {
				break
			}
			got = append(got, frame)
		}
	}
	if len(got) != 2 {
		t.Fatalf("got %d frames, want 2", len(got))
	}
	if !bytes.Equal(got[0], body1) || !bytes.Equal(got[1], body2) {
		t.Fatalf("frame contents mismatch: %q %q", got[0], got[1])
	}
}

func TestFramerRejectsOversizeFrame(t *testing.T) {
	f := NewFramer(10)
	f.Feed(EncodeFrame(make([]byte, 11)))
	_, _, err := f.Next()
	if err == nil {
		t.Fatal("expected oversize frame error")
	}
}
