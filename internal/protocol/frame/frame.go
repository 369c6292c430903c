package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

const (
	// HeaderLen is the size of the big-endian length prefix.
	HeaderLen = 4
	// MaxPacketSize bounds both request and response payloads.
	MaxPacketSize uint32 = 1024 * 1024
)

var (
	ErrShortHeader     = errors.New("frame: short length header")
	ErrShortPayload    = errors.New("frame: short payload")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrTimeout         = errors.New("frame: read deadline exceeded")
)

// TooLargeError reports the declared length of a rejected frame.
type TooLargeError struct {
	Length uint64
	Limit  uint32
}

func (e TooLargeError) Error() string {
	return fmt.Sprintf("frame: payload too large: length=%d limit=%d", e.Length, e.Limit)
}

func (e TooLargeError) Unwrap() error {
	return ErrPayloadTooLarge
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: MaxPacketSize}
}

func (l Limits) max() uint32 {
	if l.MaxPayloadBytes == 0 {
		return MaxPacketSize
	}
	return l.MaxPayloadBytes
}

// DecodeHeader returns the payload length carried by the first four bytes of b.
func DecodeHeader(b []byte) (uint32, error) {
	if len(b) < HeaderLen {
		return 0, ErrShortHeader
	}
	return binary.BigEndian.Uint32(b[:HeaderLen]), nil
}

// ReadFrame reads one length-prefixed payload. The declared length is
// checked against limits before the payload buffer is allocated.
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	var head [HeaderLen]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHeader
		}
		return nil, err
	}

	length, err := DecodeHeader(head[:])
	if err != nil {
		return nil, err
	}
	if length > limits.max() {
		return nil, TooLargeError{Length: uint64(length), Limit: limits.max()}
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, ErrShortPayload
			}
			return nil, err
		}
	}
	return payload, nil
}

// DeadlineReader is a reader whose blocking reads can be bounded by an absolute deadline.
type DeadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// ReadFrameDeadline reads one frame with the header and payload reads both
// bounded by the same deadline. Deadline expiry is reported as ErrTimeout.
func ReadFrameDeadline(r DeadlineReader, deadline time.Time, limits Limits) ([]byte, error) {
	if err := r.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	defer r.SetReadDeadline(time.Time{})

	payload, err := ReadFrame(r, limits)
	if err != nil && isTimeout(err) {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return payload, err
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// EncodeFrame prepends the big-endian length to payload.
func EncodeFrame(payload []byte, limits Limits) ([]byte, error) {
	if uint64(len(payload)) > uint64(limits.max()) {
		return nil, TooLargeError{Length: uint64(len(payload)), Limit: limits.max()}
	}
	buf := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderLen], uint32(len(payload)))
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

// WriteFrame encodes payload and writes the whole frame in one call.
func WriteFrame(w io.Writer, payload []byte, limits Limits) error {
	buf, err := EncodeFrame(payload, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
