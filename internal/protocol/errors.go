package protocol

import "errors"

var (
	ErrMalformed      = errors.New("protocol: malformed message")
	ErrUnknownTag     = errors.New("protocol: unknown union tag")
	ErrTruncated      = errors.New("protocol: truncated data")
	ErrTrailingBytes  = errors.New("protocol: trailing bytes after message")
	ErrInvalidUTF8    = errors.New("protocol: string is not valid utf-8")
	ErrInvalidMessage = errors.New("protocol: invalid message value")
)
