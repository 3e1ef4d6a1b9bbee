package idgen

import (
	"strings"
	"testing"
)

func TestNewRoomIDShapeAndAlphabet(t *testing.T) {
	id := NewRoomID()
	if len(id) != RoomIDLength {
		t.Fatalf("len(id) = %d, want %d", len(id), RoomIDLength)
	}
	for _, r := range id {
		if !strings.ContainsRune(roomIDAlphabet, r) {
			t.Fatalf("id %q contains character %q outside the 36-ary alphabet", id, r)
		}
	}
}

func TestNewRoomIDVaries(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		seen[NewRoomID()] = true
	}
	if len(seen) < 15 {
		t.Fatalf("expected mostly-unique room ids across 20 draws, got %d distinct", len(seen))
	}
}

func TestNewTransferIDAndMessageIDAreUniqueUUIDs(t *testing.T) {
	a := NewTransferID()
	b := NewTransferID()
	if a == b {
		t.Fatal("two transfer ids collided")
	}
	m := NewMessageID()
	if m == a {
		t.Fatal("message id collided with a transfer id")
	}
	if len(a) != 36 || len(m) != 36 {
		t.Fatalf("expected canonical UUID string length 36, got %d and %d", len(a), len(m))
	}
}

func TestTimestampTruncatedToMillisecond(t *testing.T) {
	ts := Timestamp()
	if ts.Nanosecond()%1_000_000 != 0 {
		t.Fatalf("timestamp %v not truncated to millisecond precision", ts)
	}
}
