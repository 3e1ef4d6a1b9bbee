package framing

import (
	"bytes"
	"strings"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, TypeChunk, []byte("payload bytes")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	typ, payload, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if typ != TypeChunk {
		t.Fatalf("type = %v, want TypeChunk", typ)
	}
	if string(payload) != "payload bytes" {
		t.Fatalf("payload = %q, want %q", payload, "payload bytes")
	}
}

func TestReadZeroLengthPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, TypeTransferCancelled, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	typ, payload, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if typ != TypeTransferCancelled {
		t.Fatalf("type = %v, want TypeTransferCancelled", typ)
	}
	if len(payload) != 0 {
		t.Fatalf("payload = %v, want empty", payload)
	}
}

func TestReadRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(TypeChunk))
	buf.Write([]byte{0x7F, 0xFF, 0xFF, 0xFF}) // length far beyond maxFrameSize
	if _, _, err := Read(&buf); err == nil {
		t.Fatal("expected error for oversized frame length, got nil")
	}
}

func TestReadTruncatedHeader(t *testing.T) {
	buf := bytes.NewReader([]byte{0x02, 0x00})
	if _, _, err := Read(buf); err == nil {
		t.Fatal("expected error for truncated header, got nil")
	}
}

func TestMultipleFramesSequentially(t *testing.T) {
	var buf bytes.Buffer
	frames := []struct {
		typ     Type
		payload string
	}{
		{TypeFileStart, `{"name":"a.txt","size":3}`},
		{TypeChunk, "abc"},
		{TypeFileEnd, `{}`},
	}
	for _, f := range frames {
		if err := Write(&buf, f.typ, []byte(f.payload)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	for _, want := range frames {
		typ, payload, err := Read(&buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if typ != want.typ || !strings.EqualFold(string(payload), want.payload) {
			t.Fatalf("got (%v, %q), want (%v, %q)", typ, payload, want.typ, want.payload)
		}
	}
}
