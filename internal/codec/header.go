package codec

import (
	"fmt"
	"strconv"
	"strings"

	ncerr "exochat/internal/errors"
)

const (
	// ChunkSize is the largest plaintext slice encrypted as one block.
	// The peer expects 240 even though PKCS#1 v1.5 over a 2048-bit key
	// could fit 245.
	ChunkSize = 240

	// MaxPacketSize bounds the SIZE a peer may announce.
	MaxPacketSize = 16 << 20

	// MaxChunks is the CHUNKS bound implied by MaxPacketSize.
	MaxChunks = (MaxPacketSize + ChunkSize - 1) / ChunkSize
)

// Header is the decrypted first segment of every frame.
type Header struct {
	Size   int
	Chunks int
}

// ChunkCount returns ceil(n / ChunkSize).
func ChunkCount(n int) int {
	return (n + ChunkSize - 1) / ChunkSize
}

// NewHeader returns the header describing a payload of n bytes.
func NewHeader(n int) Header {
	return Header{Size: n, Chunks: ChunkCount(n)}
}

// String renders h in wire form, "SIZE:<n>;CHUNKS:<c>".
func (h Header) String() string {
	return fmt.Sprintf("SIZE:%d;CHUNKS:%d", h.Size, h.Chunks)
}

// Consistent reports whether Chunks matches Size.
func (h Header) Consistent() bool {
	return h.Chunks == ChunkCount(h.Size)
}

// ParseHeader parses the exact form "SIZE:<int>;CHUNKS:<int>".  Both
// values must be unsigned decimal and within the packet bounds.
func ParseHeader(b []byte) (Header, error) {
	s := string(b)
	rest, ok := strings.CutPrefix(s, "SIZE:")
	if !ok {
		return Header{}, malformed("missing SIZE field in %q", s)
	}
	sizeStr, chunkStr, ok := strings.Cut(rest, ";CHUNKS:")
	if !ok {
		return Header{}, malformed("missing CHUNKS field in %q", s)
	}
	size, err := parseUint(sizeStr)
	if err != nil {
		return Header{}, malformed("bad SIZE %q", sizeStr)
	}
	chunks, err := parseUint(chunkStr)
	if err != nil {
		return Header{}, malformed("bad CHUNKS %q", chunkStr)
	}
	if size > MaxPacketSize {
		return Header{}, malformed("SIZE %d exceeds %d", size, MaxPacketSize)
	}
	if chunks > MaxChunks {
		return Header{}, malformed("CHUNKS %d exceeds %d", chunks, MaxChunks)
	}
	return Header{Size: size, Chunks: chunks}, nil
}

func malformed(format string, args ...interface{}) *ncerr.ProtocolError {
	return corrupt("header", nil, format, args...)
}

// parseUint accepts only ASCII digits, so "+1", "-1" and " 1" fail.
func parseUint(s string) (int, error) {
	if s == "" || len(s) > 9 {
		return 0, strconv.ErrSyntax
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	return strconv.Atoi(s)
}
