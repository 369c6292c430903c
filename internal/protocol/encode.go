package protocol

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/danmuck/taskd/internal/protocol/frame"
)

const stringLenSize = 4

// Serialize encodes msg with fixed-width big-endian tags and u32
// length-prefixed strings.
func Serialize(msg ProtocolMessage) ([]byte, error) {
	buf := make([]byte, 0, 16)
	buf = append(buf, byte(msg.Kind))
	switch msg.Kind {
	case KindTaskRequest:
		return appendRequest(buf, msg.Request)
	case KindTaskResponse:
		return appendResponse(buf, msg.Response)
	default:
		return nil, fmt.Errorf("%w: message kind %d", ErrInvalidMessage, msg.Kind)
	}
}

func appendRequest(buf []byte, req TaskRequest) ([]byte, error) {
	buf = append(buf, byte(req.Kind))
	switch req.Kind {
	case RequestHashPacket:
		buf = append(buf, byte(req.Hash.Algorithm()))
		return appendPath(buf, req.Hash.Path())
	default:
		return nil, fmt.Errorf("%w: request kind %d", ErrInvalidMessage, req.Kind)
	}
}

func appendPath(buf []byte, p FilePath) ([]byte, error) {
	switch p.Kind {
	case PathLocal, PathRemote:
	default:
		return nil, fmt.Errorf("%w: path kind %d", ErrInvalidMessage, p.Kind)
	}
	buf = append(buf, byte(p.Kind))
	return appendString(buf, p.Value)
}

func appendResponse(buf []byte, resp TaskResponse) ([]byte, error) {
	buf = append(buf, byte(resp.Status))
	switch resp.Status {
	case ResponseSuccess:
		return appendString(buf, resp.Digest)
	case ResponseFailed:
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: response status %d", ErrInvalidMessage, resp.Status)
	}
}

func appendString(buf []byte, s string) ([]byte, error) {
	if uint64(len(s)) > uint64(frame.MaxPacketSize) {
		return nil, frame.TooLargeError{Length: uint64(len(s)), Limit: frame.MaxPacketSize}
	}
	if !utf8.ValidString(s) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, ErrInvalidUTF8)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...), nil
}
