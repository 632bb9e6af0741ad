// Package codec turns application packets into encrypted frames and
// back.
//
// A frame is one length-prefixed RSA block holding the ASCII header
// "SIZE:<n>;CHUNKS:<c>", followed by c length-prefixed RSA blocks, each
// the encryption of the next ChunkSize bytes of the packet.
package codec

import (
	"crypto/rsa"
	"fmt"
	"sync"

	"exochat/internal/crypto"
	ncerr "exochat/internal/errors"
	"exochat/internal/transport"
)

// ErrCorruptFrame marks a frame that was read off the wire completely
// but could not be turned into a packet.  The stream is still usable.
var ErrCorruptFrame = ncerr.New("corrupt frame")

// IsCorruptFrame reports whether err lost a single frame rather than
// the connection.
func IsCorruptFrame(err error) bool {
	return ncerr.Is(err, ErrCorruptFrame)
}

func corrupt(op string, cause error, format string, args ...interface{}) *ncerr.ProtocolError {
	err := ErrCorruptFrame
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrCorruptFrame, cause)
	}
	return &ncerr.ProtocolError{Op: op, Detail: fmt.Sprintf(format, args...), Err: err}
}

// Writer is the write side of a connection.  *transport.Conn satisfies
// it.
type Writer interface {
	WriteAll(b []byte) error
}

// SegmentReader is the read side of a connection.  *transport.Conn
// satisfies it.
type SegmentReader interface {
	ReadSegment() ([]byte, error)
}

// ── encode ───────────────────────────────────────────────────────────

// Encoder encrypts packets under the peer's public key.  WritePacket
// is safe for concurrent use; frames from different callers are never
// interleaved on the wire.
type Encoder struct {
	w    Writer
	peer *rsa.PublicKey
	mu   sync.Mutex
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w Writer, peer *rsa.PublicKey) *Encoder {
	return &Encoder{w: w, peer: peer}
}

// Encode returns the complete wire form of payload: the header segment
// followed by one segment per chunk.
func (e *Encoder) Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPacketSize {
		return nil, ncerr.Protocol("encode", "packet of %d bytes exceeds %d", len(payload), MaxPacketSize)
	}
	h := NewHeader(len(payload))
	frame := make([]byte, 0, (h.Chunks+1)*(4+e.peer.Size()))

	ct, err := crypto.Encrypt(e.peer, []byte(h.String()))
	if err != nil {
		return nil, err
	}
	frame = transport.AppendSegment(frame, ct)

	for off := 0; off < len(payload); off += ChunkSize {
		end := min(off+ChunkSize, len(payload))
		ct, err := crypto.Encrypt(e.peer, payload[off:end])
		if err != nil {
			return nil, err
		}
		frame = transport.AppendSegment(frame, ct)
	}
	return frame, nil
}

// WritePacket encrypts payload and writes the whole frame while
// holding the encoder lock.  Encryption happens before the lock is
// taken so slow senders do not stall each other longer than the write.
func (e *Encoder) WritePacket(payload []byte) error {
	frame, err := e.Encode(payload)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.w.WriteAll(frame)
}

// ── decode ───────────────────────────────────────────────────────────

// Decoder reads frames and decrypts them with the local private key.
// It must be used from a single goroutine.
type Decoder struct {
	r    SegmentReader
	priv *rsa.PrivateKey

	// Lenient skips chunks that fail to decrypt and ignores header
	// inconsistencies, handing on whatever was reassembled.  By default
	// such a frame is reported as a corrupt frame instead.
	Lenient bool

	// Skipped counts chunks dropped in lenient mode.
	Skipped int
}

// NewDecoder returns a strict decoder reading from r.
func NewDecoder(r SegmentReader, priv *rsa.PrivateKey) *Decoder {
	return &Decoder{r: r, priv: priv}
}

// ReadPacket blocks until one full frame has been read and returns the
// reassembled packet.
//
// Errors from the underlying reader are returned unchanged and mean the
// stream is gone.  Errors for which [IsCorruptFrame] is true mean one
// frame was consumed and discarded; the caller may keep reading.
func (d *Decoder) ReadPacket() ([]byte, error) {
	seg, err := d.r.ReadSegment()
	if err != nil {
		return nil, err
	}
	plain, err := crypto.Decrypt(d.priv, seg)
	if err != nil {
		return nil, corrupt("header", err, "undecryptable header")
	}
	h, err := ParseHeader(plain)
	if err != nil {
		return nil, err
	}

	var (
		packet   = make([]byte, 0, min(h.Size, h.Chunks*ChunkSize))
		firstBad = -1
		badErr   error
	)
	// Every announced chunk is consumed, even after a failure, so the
	// next read starts on a header.
	for i := 0; i < h.Chunks; i++ {
		seg, err := d.r.ReadSegment()
		if err != nil {
			return nil, err
		}
		chunk, err := crypto.Decrypt(d.priv, seg)
		if err != nil {
			if d.Lenient {
				d.Skipped++
				continue
			}
			if firstBad < 0 {
				firstBad, badErr = i, err
			}
			continue
		}
		if firstBad < 0 {
			packet = append(packet, chunk...)
		}
	}

	if d.Lenient {
		return packet, nil
	}
	if firstBad >= 0 {
		return nil, corrupt("chunk", badErr, "chunk %d of %d", firstBad+1, h.Chunks)
	}
	if !h.Consistent() {
		return nil, corrupt("header", nil, "%s does not match chunk size %d", h, ChunkSize)
	}
	if len(packet) != h.Size {
		return nil, corrupt("frame", nil, "reassembled %d bytes, header announced %d", len(packet), h.Size)
	}
	return packet, nil
}
