package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxPayload bounds a single frame payload.
const MaxPayload = 8 << 20

var frameHeader = [2]byte{0x49, 0x4C}

const frameHeaderLen = len(frameHeader) + 4

type readFullFunc func(buf []byte) error

func encodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("payload too large: %d", len(payload))
	}

	frame := make([]byte, frameHeaderLen+len(payload))
	frame[0] = frameHeader[0]
	frame[1] = frameHeader[1]
	// #nosec G115 -- length is bounded by MaxPayload above.
	binary.BigEndian.PutUint32(frame[2:frameHeaderLen], uint32(len(payload)))
	copy(frame[frameHeaderLen:], payload)

	return frame, nil
}

func readFrame(readFull readFullFunc) ([]byte, error) {
	if err := resyncToHeader(readFull); err != nil {
		return nil, err
	}

	var lenBuf [4]byte
	if err := readFull(lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	ln := binary.BigEndian.Uint32(lenBuf[:])
	if ln == 0 || ln > MaxPayload {
		return nil, fmt.Errorf("invalid frame length: %d", ln)
	}

	payload := make([]byte, ln)
	if err := readFull(payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// resyncToHeader discards bytes until the frame magic has been consumed.
func resyncToHeader(readFull readFullFunc) error {
	buf := make([]byte, 1)
	matched := 0
	for matched < len(frameHeader) {
		if err := readFull(buf); err != nil {
			return fmt.Errorf("read frame header byte %d: %w", matched+1, err)
		}
		switch {
		case buf[0] == frameHeader[matched]:
			matched++
		case buf[0] == frameHeader[0]:
			matched = 1
		default:
			matched = 0
		}
	}

	return nil
}

func ioReadFullFunc(r io.Reader) readFullFunc {
	return func(buf []byte) error {
		_, err := io.ReadFull(r, buf)

		return err
	}
}
