// codec/buffer.go
package codec

import (
	"errors"
)

// Buffer reassembles response frames from serial chunks, which rarely line up
// with frame boundaries.
type Buffer struct {
	buf []byte
}

func (b *Buffer) Write(p []byte) {
	b.buf = append(b.buf, p...)
}

func (b *Buffer) Len() int { return len(b.buf) }

func (b *Buffer) Reset() { b.buf = b.buf[:0] }

// Next pops the next response frame. ErrTruncated means wait for more bytes;
// any other error means bytes were discarded and Next may be called again.
func (b *Buffer) Next() ([]byte, Frame, error) {
	n, err := ResponseLen(b.buf)
	if errors.Is(err, ErrTruncated) {
		return nil, Frame{}, err
	}
	if err != nil {
		// resync on the next byte
		b.buf = b.buf[1:]
		return nil, Frame{}, err
	}
	if len(b.buf) < n {
		return nil, Frame{}, ErrTruncated
	}

	raw := make([]byte, n)
	copy(raw, b.buf[:n])
	f, err := DecodeResponse(raw)
	if err != nil {
		// the real frame may start inside raw
		b.buf = b.buf[1:]
		return raw, Frame{}, err
	}
	b.buf = b.buf[n:]
	return raw, f, nil
}
