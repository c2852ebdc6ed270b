package framing

import (
	"encoding/binary"
	"fmt"
	"math"
)

// HeaderSize is the length of the big-endian uint32 length prefix.
const HeaderSize = 4

// Decoder accumulates stream bytes and splits them into length-prefixed frames.
// Incomplete data is held until enough bytes arrive; nothing is discarded.
type Decoder struct {
	buf []byte
}

// Feed appends chunk and returns every complete frame payload, in order.
func (d *Decoder) Feed(chunk []byte) [][]byte {
	d.buf = append(d.buf, chunk...)

	var frames [][]byte
	for {
		if len(d.buf) < HeaderSize {
			break
		}

		length := binary.BigEndian.Uint32(d.buf[:HeaderSize])
		end := uint64(HeaderSize) + uint64(length)
		if uint64(len(d.buf)) < end {
			break
		}

		payload := make([]byte, length)
		copy(payload, d.buf[HeaderSize:end])
		frames = append(frames, payload)

		d.buf = d.buf[end:]
	}

	// Release the consumed prefix once everything is drained.
	if len(d.buf) == 0 {
		d.buf = nil
	}

	return frames
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Encode prefixes payload with its big-endian uint32 length.
func Encode(payload []byte) ([]byte, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("payload too large: %d bytes", len(payload))
	}

	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}
