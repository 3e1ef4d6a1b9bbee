package cryptokit

import "testing"

func TestEncryptDecryptChunkRoundTrip(t *testing.T) {
	k := NewKeyDeriver()
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	ciphertext, err := k.EncryptChunk(plaintext, "hunter2")
	if err != nil {
		t.Fatalf("EncryptChunk: %v", err)
	}
	if len(ciphertext) <= len(plaintext) {
		t.Fatalf("ciphertext not longer than plaintext: got %d bytes", len(ciphertext))
	}

	decrypted, err := k.DecryptChunk(ciphertext, "hunter2")
	if err != nil {
		t.Fatalf("DecryptChunk: %v", err)
	}
	if string(decrypted) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", decrypted, plaintext)
	}
}

func TestDecryptChunkWrongPassword(t *testing.T) {
	k := NewKeyDeriver()
	ciphertext, err := k.EncryptChunk([]byte("secret payload"), "correct-password")
	if err != nil {
		t.Fatalf("EncryptChunk: %v", err)
	}
	if _, err := k.DecryptChunk(ciphertext, "wrong-password"); err != errDecryptionFailed {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestDecryptChunkTruncated(t *testing.T) {
	k := NewKeyDeriver()
	if _, err := k.DecryptChunk([]byte("short"), "any"); err != errDecryptionFailed {
		t.Fatalf("expected ErrDecryptionFailed for undersized input, got %v", err)
	}
}

func TestEncryptChunkFreshIVPerCall(t *testing.T) {
	k := NewKeyDeriver()
	a, err := k.EncryptChunk([]byte("payload"), "pw")
	if err != nil {
		t.Fatalf("EncryptChunk: %v", err)
	}
	b, err := k.EncryptChunk([]byte("payload"), "pw")
	if err != nil {
		t.Fatalf("EncryptChunk: %v", err)
	}
	if string(a) == string(b) {
		t.Fatal("two encryptions of the same plaintext produced identical ciphertext; IV reuse suspected")
	}
}

func TestRoomScopedKeyDeriverIsolatesRooms(t *testing.T) {
	plaintext := []byte("payload")
	roomA := NewRoomScopedKeyDeriver("room-a")
	roomB := NewRoomScopedKeyDeriver("room-b")

	ciphertext, err := roomA.EncryptChunk(plaintext, "shared-password")
	if err != nil {
		t.Fatalf("EncryptChunk: %v", err)
	}
	if _, err := roomB.DecryptChunk(ciphertext, "shared-password"); err != errDecryptionFailed {
		t.Fatalf("expected decryption under a different room's key to fail, got %v", err)
	}
}

func TestSignVerifyChallenge(t *testing.T) {
	k := NewKeyDeriver()
	nonce := []byte("random-nonce-bytes")

	mac := k.SignChallenge(nonce, "hunter2")
	if !k.VerifyChallenge(nonce, mac, "hunter2") {
		t.Fatal("VerifyChallenge rejected a correctly signed challenge")
	}
	if k.VerifyChallenge(nonce, mac, "wrong-password") {
		t.Fatal("VerifyChallenge accepted a tag computed under a different password")
	}
	if k.VerifyChallenge([]byte("different-nonce"), mac, "hunter2") {
		t.Fatal("VerifyChallenge accepted a tag for a different nonce")
	}
}
