package filexfer

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dropsync/dropsync/pkg/cryptokit"
	"github.com/dropsync/dropsync/pkg/models"
	"github.com/dropsync/dropsync/pkg/transport"
	"github.com/zeebo/xxh3"
)

// bufferTimeout is how long Sender waits for buffered-amount-low
// before failing a transfer with buffer-timeout (spec §4.6 rule 3).
const bufferTimeout = 30 * time.Second

// ProgressFunc reports 0..100, floor((bytesSent/size)*100).
type ProgressFunc func(percent int)

// Sender drives one outbound file transfer over its own substream. A
// Sender is used once, for one file (spec §4.6: "each has its own
// substream, state, and progress").
type Sender struct {
	keys     *cryptokit.KeyDeriver
	password cryptokit.PasswordSource

	// Debug is whether to compute and publish a debug-only xxh3 digest
	// alongside AES-GCM's built-in authentication (spec §9 supplement).
	Debug bool
}

// NewSender constructs a Sender. password reads the current locally
// configured password; when it reports none, chunks are sent unencrypted.
func NewSender(keys *cryptokit.KeyDeriver, password cryptokit.PasswordSource) *Sender {
	return &Sender{keys: keys, password: password}
}

// Send opens a file-<id> substream on sess, transmits name/size/source
// per spec §4.6, and reports progress via onProgress. cancelled is
// polled once per chunk (rule 5); source is closed by the caller.
func (s *Sender) Send(ctx context.Context, sess *transport.Session, id, name string, size int64, source io.Reader, cancelled *atomic.Bool, onProgress ProgressFunc) (checksum string, kind models.ErrorKind, err error) {
	sub, err := sess.OpenFileStream(ctx, id)
	if err != nil {
		return "", models.ErrChannelOpenTimeout, fmt.Errorf("filexfer: opening substream: %w", err)
	}
	defer func() {
		go func() {
			time.Sleep(time.Second)
			sub.Close()
		}()
	}()

	if err := writeFileStart(sub, name, size); err != nil {
		return "", models.ErrConnectionClosed, err
	}

	lowThreshold := make(chan struct{}, 1)
	sub.OnBufferedAmountLow(func() {
		select {
		case lowThreshold <- struct{}{}:
		default:
		}
	})

	var hasher *xxh3.Hasher
	if s.Debug {
		hasher = xxh3.New()
	}

	password, hasPassword := s.password()

	buf := make([]byte, ChunkSize)
	var sent int64
	for {
		if cancelled != nil && cancelled.Load() {
			_ = writeCancelled(sub)
			return "", models.ErrCancelled, fmt.Errorf("filexfer: transfer %s cancelled", id)
		}

		n, readErr := io.ReadFull(source, buf)
		if n > 0 {
			chunk := buf[:n]
			if hasher != nil {
				hasher.Write(chunk)
			}

			payload := chunk
			if hasPassword {
				encrypted, encErr := s.keys.EncryptChunk(chunk, password)
				if encErr != nil {
					return "", models.ErrDecryptionFailed, fmt.Errorf("filexfer: encrypting chunk: %w", encErr)
				}
				payload = encrypted
			}

			if err := s.waitForBufferRoom(sub, lowThreshold); err != nil {
				return "", models.ErrBufferTimeout, err
			}
			if sub.ReadyState() != webrtc.DataChannelStateOpen {
				return "", models.ErrConnectionClosed, fmt.Errorf("filexfer: substream closed mid-transfer")
			}
			if err := writeChunk(sub, payload); err != nil {
				return "", models.ErrConnectionClosed, fmt.Errorf("filexfer: writing chunk: %w", err)
			}

			sent += int64(n)
			if onProgress != nil && size > 0 {
				onProgress(int(float64(sent) / float64(size) * 100))
			}
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return "", models.ErrConnectionClosed, fmt.Errorf("filexfer: reading source: %w", readErr)
		}
	}

	if hasher != nil {
		sum := hasher.Sum128().Bytes()
		checksum = fmt.Sprintf("%x", sum[:])
	}

	if err := writeFileEnd(sub, checksum); err != nil {
		return checksum, models.ErrConnectionClosed, err
	}
	if onProgress != nil {
		onProgress(100)
	}
	return checksum, "", nil
}

// waitForBufferRoom blocks until sub.BufferedAmount() drops to or below
// the backpressure threshold, or bufferTimeout elapses with no signal
// (spec §4.6 rule 3).
func (s *Sender) waitForBufferRoom(sub transport.Substream, low chan struct{}) error {
	for sub.BufferedAmount() > bufferedAmountHighWaterMark {
		select {
		case <-low:
		case <-time.After(bufferTimeout):
			return fmt.Errorf("filexfer: buffered-amount-low did not fire within %s", bufferTimeout)
		}
	}
	return nil
}
