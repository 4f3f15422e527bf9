package core

import (
	"bytes"
	"testing"
)

func TestSplitReassembleRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("family-calendar-sync-payload-"), 50)
	chunks := Split("device-a", EntityEvent, payload, S2Compressor{})
	if len(chunks) < 2 {
		t.Fatalf("expected payload to split into multiple chunks, got %d", len(chunks))
	}

	out, err := Reassemble(chunks, S2Compressor{})
	if err != nil {
		t.Fatalf("reassemble: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(out), len(payload))
	}
}

func TestSplitReassembleNoCompression(t *testing.T) {
	payload := []byte("short payload")
	chunks := Split("device-a", EntityEditHistory, payload, nil)
	if len(chunks) != 1 {
		t.Fatalf("expected single chunk for short payload, got %d", len(chunks))
	}
	if chunks[0].Compressed {
		t.Fatalf("expected Compressed=false with nil compressor")
	}
	out, err := Reassemble(chunks, nil)
	if err != nil {
		t.Fatalf("reassemble: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("round trip mismatch")
	}
}

func TestReassembleDetectsChecksumMismatch(t *testing.T) {
	chunks := Split("device-a", EntityEvent, []byte("hello world"), nil)
	chunks[0].Payload[0] ^= 0xFF
	if _, err := Reassemble(chunks, nil); err == nil {
		t.Fatalf("expected checksum mismatch error")
	} else if _, ok := err.(*CodecError); !ok {
		t.Fatalf("expected *CodecError, got %T", err)
	}
}

func TestReassembleDetectsIncompleteSet(t *testing.T) {
	chunks := Split("device-a", EntityEvent, bytes.Repeat([]byte("x"), 1000), nil)
	if len(chunks) < 2 {
		t.Fatalf("test requires multiple chunks")
	}
	short := chunks[:len(chunks)-1]
	if _, err := Reassemble(short, nil); err == nil {
		t.Fatalf("expected incomplete chunk set error")
	}
}

func TestReassembleDetectsTotalChunksMismatch(t *testing.T) {
	a := Split("device-a", EntityEvent, []byte("payload one"), nil)
	b := Split("device-a", EntityEvent, bytes.Repeat([]byte("y"), 2000), nil)
	mixed := append(a, b[0])
	if _, err := Reassemble(mixed, nil); err == nil {
		t.Fatalf("expected total_chunks mismatch error")
	}
}

func TestReassembleRejectsEmptyInput(t *testing.T) {
	if _, err := Reassemble(nil, nil); err == nil {
		t.Fatalf("expected error for empty chunk slice")
	}
}

func FuzzSplitReassemble(f *testing.F) {
	f.Add([]byte(""))
	f.Add([]byte("a"))
	f.Add(bytes.Repeat([]byte("chunked-payload"), 40))
	f.Fuzz(func(t *testing.T, payload []byte) {
		chunks := Split("fuzz-device", EntityEvent, payload, S2Compressor{})
		out, err := Reassemble(chunks, S2Compressor{})
		if err != nil {
			t.Fatalf("reassemble failed on round trip: %v", err)
		}
		if !bytes.Equal(out, payload) {
			t.Fatalf("round trip mismatch: got %d bytes, want %d", len(out), len(payload))
		}
	})
}
