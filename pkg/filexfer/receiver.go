package filexfer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/dropsync/dropsync/internal/framing"
	"github.com/dropsync/dropsync/pkg/cryptokit"
	"github.com/dropsync/dropsync/pkg/models"
	"github.com/dropsync/dropsync/pkg/transport"
)

// Received is the outcome of a finished, non-erroring FileReceiver run:
// either a completed PendingFile awaiting accept/decline, or a
// cancellation observed on the wire.
type Received struct {
	Pending    *models.PendingFile
	Cancelled  bool
}

// Receiver drives one inbound file transfer, bound to a single
// already-open file-<id> substream (spec §4.7).
type Receiver struct {
	keys     *cryptokit.KeyDeriver
	password cryptokit.PasswordSource
}

// NewReceiver constructs a Receiver. password reads the current
// locally configured password; if set, every chunk is expected to be
// IV‖AEAD(plaintext) and is decrypted before appending.
func NewReceiver(keys *cryptokit.KeyDeriver, password cryptokit.PasswordSource) *Receiver {
	return &Receiver{keys: keys, password: password}
}

// Receive reads file-start, chunk, and file-end/transfer-cancelled
// frames from sub until the transfer concludes. onStart is invoked
// once name/size are known so the caller can create the FileTransfer
// record before any chunk arrives (spec §4.7 rule 1).
func (r *Receiver) Receive(sub transport.Substream, cancelled *atomic.Bool, id string, onStart func(name string, size int64), onProgress ProgressFunc) (*Received, models.ErrorKind, error) {
	typ, payload, err := framing.Read(sub)
	if err != nil {
		return nil, models.ErrConnectionLost, fmt.Errorf("filexfer: reading file-start: %w", err)
	}
	if typ != framing.TypeFileStart {
		return nil, models.ErrConnectionLost, fmt.Errorf("filexfer: expected file-start, got frame type %d", typ)
	}
	var start fileStartPayload
	if err := json.Unmarshal(payload, &start); err != nil {
		return nil, models.ErrConnectionLost, fmt.Errorf("filexfer: decoding file-start: %w", err)
	}
	if onStart != nil {
		onStart(start.Name, start.Size)
	}

	password, hasPassword := r.password()

	var chunks [][]byte
	var received int64

	for {
		if cancelled != nil && cancelled.Load() {
			return &Received{Cancelled: true}, models.ErrCancelled, nil
		}

		typ, payload, err := framing.Read(sub)
		if err != nil {
			return nil, models.ErrConnectionLost, fmt.Errorf("filexfer: reading frame: %w", err)
		}

		switch typ {
		case framing.TypeChunk:
			plaintext := payload
			if hasPassword {
				decrypted, decErr := r.keys.DecryptChunk(payload, password)
				if decErr != nil {
					return nil, models.ErrDecryptionFailed, fmt.Errorf("filexfer: decrypting chunk: %w", decErr)
				}
				plaintext = decrypted
			}
			chunks = append(chunks, plaintext)
			received += int64(len(plaintext))
			if onProgress != nil && start.Size > 0 {
				onProgress(int(float64(received) / float64(start.Size) * 100))
			}

		case framing.TypeFileEnd:
			payload := bytes.Join(chunks, nil)
			pending := &models.PendingFile{
				ID:      id,
				Name:    start.Name,
				Size:    start.Size,
				Payload: payload,
			}
			return &Received{Pending: pending}, "", nil

		case framing.TypeTransferCancelled:
			return &Received{Cancelled: true}, models.ErrCancelled, nil

		default:
			return nil, models.ErrConnectionLost, fmt.Errorf("filexfer: unexpected frame type %d", typ)
		}
	}
}
