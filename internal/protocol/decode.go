package protocol

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Deserialize is the inverse of Serialize. Every failure wraps ErrMalformed.
// Unknown outer tags fail; unknown algorithm bytes decode to AlgorithmUnimplemented.
func Deserialize(payload []byte) (ProtocolMessage, error) {
	d := decoder{buf: payload}
	msg, err := d.message()
	if err != nil {
		return ProtocolMessage{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if d.off != len(d.buf) {
		return ProtocolMessage{}, fmt.Errorf("%w: %w (%d bytes)", ErrMalformed, ErrTrailingBytes, len(d.buf)-d.off)
	}
	return msg, nil
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) message() (ProtocolMessage, error) {
	tag, err := d.u8()
	if err != nil {
		return ProtocolMessage{}, err
	}
	switch MessageKind(tag) {
	case KindTaskRequest:
		req, err := d.request()
		if err != nil {
			return ProtocolMessage{}, err
		}
		return ProtocolMessage{Kind: KindTaskRequest, Request: req}, nil
	case KindTaskResponse:
		resp, err := d.response()
		if err != nil {
			return ProtocolMessage{}, err
		}
		return ProtocolMessage{Kind: KindTaskResponse, Response: resp}, nil
	default:
		return ProtocolMessage{}, fmt.Errorf("%w: message kind %d", ErrUnknownTag, tag)
	}
}

func (d *decoder) request() (TaskRequest, error) {
	tag, err := d.u8()
	if err != nil {
		return TaskRequest{}, err
	}
	if RequestKind(tag) != RequestHashPacket {
		return TaskRequest{}, fmt.Errorf("%w: request kind %d", ErrUnknownTag, tag)
	}
	algByte, err := d.u8()
	if err != nil {
		return TaskRequest{}, err
	}
	path, err := d.path()
	if err != nil {
		return TaskRequest{}, err
	}
	return TaskRequest{
		Kind: RequestHashPacket,
		Hash: NewHashingPacket(AlgorithmFromByte(algByte), path),
	}, nil
}

func (d *decoder) path() (FilePath, error) {
	tag, err := d.u8()
	if err != nil {
		return FilePath{}, err
	}
	kind := PathKind(tag)
	if kind != PathLocal && kind != PathRemote {
		return FilePath{}, fmt.Errorf("%w: path kind %d", ErrUnknownTag, tag)
	}
	s, err := d.str()
	if err != nil {
		return FilePath{}, err
	}
	return FilePath{Kind: kind, Value: s}, nil
}

func (d *decoder) response() (TaskResponse, error) {
	tag, err := d.u8()
	if err != nil {
		return TaskResponse{}, err
	}
	switch ResponseStatus(tag) {
	case ResponseSuccess:
		s, err := d.str()
		if err != nil {
			return TaskResponse{}, err
		}
		return Success(s), nil
	case ResponseFailed:
		return Failed(), nil
	default:
		return TaskResponse{}, fmt.Errorf("%w: response status %d", ErrUnknownTag, tag)
	}
}

func (d *decoder) u8() (byte, error) {
	if d.off >= len(d.buf) {
		return 0, ErrTruncated
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

// str reads a u32 length-prefixed string. The length is checked against
// the remaining payload before any copy.
func (d *decoder) str() (string, error) {
	if len(d.buf)-d.off < stringLenSize {
		return "", ErrTruncated
	}
	n := binary.BigEndian.Uint32(d.buf[d.off : d.off+stringLenSize])
	d.off += stringLenSize
	if uint64(n) > uint64(len(d.buf)-d.off) {
		return "", ErrTruncated
	}
	raw := d.buf[d.off : d.off+int(n)]
	d.off += int(n)
	if !utf8.Valid(raw) {
		return "", ErrInvalidUTF8
	}
	return string(raw), nil
}
