package mesh

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Meshtastic stream framing: two magic bytes, a 16-bit big-endian payload
// length, then a FromRadio/ToRadio protobuf of that length.
const (
	frameStart1 = 0x94
	frameStart2 = 0xc3

	// maxFrameLen matches the firmware's 512-byte protobuf ceiling.
	// Anything larger means we lost sync mid-stream.
	maxFrameLen = 512
)

// writeFrame wraps payload in the stream header and writes it out.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameLen {
		return fmt.Errorf("frame payload %d exceeds %d bytes", len(payload), maxFrameLen)
	}
	buf := make([]byte, 4+len(payload))
	buf[0] = frameStart1
	buf[1] = frameStart2
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// readFrame returns the next framed payload, skipping any non-frame bytes
// (nodes share the stream port with debug console output, so resync is
// routine rather than exceptional).
func readFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != frameStart1 {
			continue
		}
		b, err = r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != frameStart2 {
			continue
		}

		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}
		n := int(binary.BigEndian.Uint16(lenBuf[:]))
		if n > maxFrameLen {
			// Length is garbage; treat the magic bytes as noise and
			// keep scanning.
			continue
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
}
