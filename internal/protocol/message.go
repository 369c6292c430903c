package protocol

import (
	"time"

	"github.com/danmuck/taskd/internal/protocol/frame"
)

// EncodeMessage serializes msg and wraps it in a length-prefixed frame.
func EncodeMessage(msg ProtocolMessage) ([]byte, error) {
	payload, err := Serialize(msg)
	if err != nil {
		return nil, err
	}
	return frame.EncodeFrame(payload, frame.DefaultLimits())
}

// DecodeMessage reads one frame from r before deadline and deserializes it.
func DecodeMessage(r frame.DeadlineReader, deadline time.Time) (ProtocolMessage, error) {
	payload, err := frame.ReadFrameDeadline(r, deadline, frame.DefaultLimits())
	if err != nil {
		return ProtocolMessage{}, err
	}
	return Deserialize(payload)
}
