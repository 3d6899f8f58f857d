package qfeature

import (
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/quic-go/quic-go"
)

// hubConn represents a session bound on the hub.
type hubConn struct {
	id   ConnID
	addr Addr

	quicConn *quic.Conn
	stream   *quic.Stream
	enc      *cbor.Encoder
	limitedR *limitedReader
	dec      *cbor.Decoder

	sendMu sync.Mutex
}

func (c *hubConn) deliver(msg *Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.enc.Encode(msg)
}

// limitedReader wraps an io.Reader and limits the number of bytes that can be read
// per message. It returns ErrMessageTooLarge if the limit is exceeded.
type limitedReader struct {
	mu        sync.Mutex
	r         io.Reader
	limit     int64
	remaining int64
}

func newLimitedReader(r io.Reader, limit int64) *limitedReader {
	return &limitedReader{r: r, limit: limit, remaining: limit}
}

func (l *limitedReader) Read(p []byte) (n int, err error) {
	l.mu.Lock()
	if l.remaining <= 0 {
		l.mu.Unlock()
		return 0, ErrMessageTooLarge
	}
	toRead := int64(len(p))
	if toRead > l.remaining {
		toRead = l.remaining
	}
	l.mu.Unlock()

	n, err = l.r.Read(p[:toRead])

	l.mu.Lock()
	l.remaining -= int64(n)
	l.mu.Unlock()
	return n, err
}

// Reset resets the reader for the next message.
func (l *limitedReader) Reset() {
	l.mu.Lock()
	l.remaining = l.limit
	l.mu.Unlock()
}
