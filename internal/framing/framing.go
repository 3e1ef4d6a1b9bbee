// Package framing implements the binary type+length message framing
// used on file substreams (spec §6.3): a one-byte type tag, a
// big-endian uint32 length, and the payload. Adapted from the
// teacher's transfer frame format, generalized to DropSync's frame
// kinds and size limits.
package framing

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds a single frame's payload to guard against a
// corrupt or hostile length prefix forcing an unbounded allocation.
// File chunks are capped at 16384 bytes (spec §4.6); JSON control
// frames on this transport are tiny, so 1 MiB is generous headroom.
const maxFrameSize = 1 << 20

// Type identifies a file-substream frame kind.
type Type byte

const (
	TypeFileStart        Type = 0x01
	TypeChunk            Type = 0x02
	TypeFileEnd          Type = 0x03
	TypeTransferCancelled Type = 0x04
)

// Write writes one frame: type byte, 4-byte big-endian length, payload.
func Write(w io.Writer, typ Type, payload []byte) error {
	hdr := make([]byte, 5)
	hdr[0] = byte(typ)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("framing: writing header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("framing: writing payload: %w", err)
		}
	}
	return nil
}

// Read reads one frame and returns its type and payload.
func Read(r io.Reader) (Type, []byte, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	typ := Type(hdr[0])
	length := binary.BigEndian.Uint32(hdr[1:])
	if length == 0 {
		return typ, nil, nil
	}
	if length > maxFrameSize {
		return 0, nil, fmt.Errorf("framing: frame of %d bytes exceeds limit", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("framing: reading payload: %w", err)
	}
	return typ, payload, nil
}
