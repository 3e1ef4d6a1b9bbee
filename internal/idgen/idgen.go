// Package idgen generates the two flavors of identifier DropSync needs:
// short, human-shareable room ids and collision-proof internal ids for
// transfers and chat messages.
package idgen

import (
	"crypto/rand"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// roomIDAlphabet is the 36-ary digit set spec §6.4 calls for.
const roomIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// RoomIDLength is the number of characters in a generated room id,
// yielding 36^7 ≈ 2^36 possible ids, about 36 bits of space (spec §6.4).
const RoomIDLength = 7

// NewRoomID returns a 7-character, 36-ary random room id. Collision
// resolution is explicitly out of scope (spec §6.4 relies on rarity).
func NewRoomID() string {
	buf := make([]byte, RoomIDLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(roomIDAlphabet))))
		if err != nil {
			// crypto/rand failing is unrecoverable; fall back to a fixed
			// character rather than panic so callers never see a partial id.
			buf[i] = roomIDAlphabet[0]
			continue
		}
		buf[i] = roomIDAlphabet[n.Int64()]
	}
	return string(buf)
}

// NewTransferID returns a fresh unique id for a FileTransfer.
func NewTransferID() string {
	return uuid.NewString()
}

// NewMessageID returns a fresh unique id for a ChatMessage.
func NewMessageID() string {
	return uuid.NewString()
}

// Timestamp returns the current time truncated to millisecond precision,
// matching the granularity chat/transfer timestamps are compared at.
func Timestamp() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
