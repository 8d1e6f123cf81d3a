package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// ChunkSize is the fixed payload size of one binary chunk frame. Channel
	// readers must accept messages of at least this size.
	ChunkSize = 64 * 1024

	// ChannelLabel names the single data channel a session opens.
	ChannelLabel = "file-transfer"
)

const (
	TypeMetadata     = "metadata"
	TypeRequestChunk = "request-chunk"
	TypeComplete     = "complete"
)

var (
	// ErrProtocolViolation indicates the peer broke the pull protocol.
	ErrProtocolViolation = errors.New("transfer: protocol violation")
	// ErrTransferStalled indicates no frame arrived within the stall timeout.
	ErrTransferStalled = errors.New("transfer: stalled")
	// ErrChannelClosed indicates the data channel closed before completion.
	ErrChannelClosed = errors.New("transfer: channel closed")
)

// Frame is one data channel message. Text frames carry control messages,
// binary frames carry chunk bytes.
type Frame struct {
	Text bool
	Data []byte
}

// DataChannel is the ordered reliable channel a transfer runs over.
type DataChannel interface {
	SendText(text string) error
	Send(data []byte) error
	// Frames yields inbound frames in order and is closed with the channel.
	Frames() <-chan Frame
	IsOpen() bool
	BufferedAmount() uint64
	Close() error
}

// Control is the envelope of a text frame.
type Control struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeControl marshals a control message. A nil payload is omitted.
func EncodeControl(kind string, payload any) (string, error) {
	control := Control{Type: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		control.Payload = raw
	}

	data, err := json.Marshal(control)
	if err != nil {
		return "", fmt.Errorf("marshal %s control: %w", kind, err)
	}
	return string(data), nil
}

// DecodeControl parses a text frame.
func DecodeControl(data []byte) (Control, error) {
	var control Control
	if err := json.Unmarshal(data, &control); err != nil {
		return Control{}, fmt.Errorf("%w: unparseable control frame: %v", ErrProtocolViolation, err)
	}
	switch control.Type {
	case TypeMetadata, TypeRequestChunk, TypeComplete:
		return control, nil
	case "":
		return Control{}, fmt.Errorf("%w: control frame without type", ErrProtocolViolation)
	default:
		return Control{}, fmt.Errorf("%w: unknown control type %q", ErrProtocolViolation, control.Type)
	}
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

func chunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	chunks := int(size / int64(chunkSize))
	if size%int64(chunkSize) != 0 {
		chunks++
	}
	return chunks
}
