package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound events.
const (
	EventCreateSession = "add_initiator"
	EventJoinSession   = "add_follower"
	EventLeaveSession  = "disconnect_follower"
	EventRelay         = "conductor"
)

// Outbound events.
const (
	EventSessionCreated = "session_id"
	EventSessionEnded   = "initiator_disconnect"
	EventFollowerJoined = "connect_follower"
	EventFollowerLeft   = "follower_disconnect"
	EventFileSaved      = "saved_file"
	EventDelivery       = "connection"
)

// RelayAck is the acknowledgement value sent to the sender of a relayed payload.
const RelayAck = 1

// TypeTransferFile marks a payload as a file frame.
const TypeTransferFile = "transferFile"

// JoinRequest is the payload of EventJoinSession.
type JoinRequest struct {
	FollowerName string `json:"followerName"`
	SessionID    string `json:"sessionId"`
}

// LeaveRequest is the payload of EventLeaveSession.
type LeaveRequest struct {
	FollowerName string `json:"followerName"`
	SessionID    string `json:"sessionId"`
	IsInitiator  bool   `json:"isInitiator"`
}

// RelayRequest is the payload of EventRelay. Data is forwarded untouched.
type RelayRequest struct {
	IsInitiator bool            `json:"isInitiator"`
	SessionID   string          `json:"sessionId"`
	Data        json.RawMessage `json:"data"`
}

// FileFrame is one frame of a file transfer. A transfer is a begin frame
// (no content), content frames, and a frame with End set.
type FileFrame struct {
	Type     string  `json:"type"`
	FileName string  `json:"fileName"`
	Size     int64   `json:"size"`
	Content  Content `json:"content,omitempty"`
	End      bool    `json:"end,omitempty"`
}

// NewFileFrame returns a frame of type TypeTransferFile.
func NewFileFrame(fileName string, size int64) FileFrame {
	return FileFrame{Type: TypeTransferFile, FileName: fileName, Size: size}
}

// ErrMalformedFrame is returned for a file frame whose body does not decode.
var ErrMalformedFrame = errors.New("protocol: malformed file frame")

// ParseFileFrame decodes data as a file frame. It reports false for payloads
// that are not file frames, and for malformed ones.
func ParseFileFrame(data json.RawMessage) (*FileFrame, bool) {
	f, err := DecodeFileFrame(data)
	if err != nil || f == nil {
		return nil, false
	}
	return f, true
}

// DecodeFileFrame decodes data as a file frame. Payloads that are not file
// frames yield nil and no error. A payload typed as a file frame that fails
// to decode yields ErrMalformedFrame together with a frame carrying the
// file name, when one could be read.
func DecodeFileFrame(data json.RawMessage) (*FileFrame, error) {
	if len(data) == 0 || data[0] != '{' {
		return nil, nil //nolint:nilnil // not a file frame
	}
	var head struct {
		Type     string `json:"type"`
		FileName string `json:"fileName"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.Type != TypeTransferFile {
		return nil, nil //nolint:nilnil // not a file frame
	}

	var f FileFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return &FileFrame{Type: head.Type, FileName: head.FileName}, fmt.Errorf("%w: %s: %w", ErrMalformedFrame, head.FileName, err)
	}
	return &f, nil
}

// Content is raw file bytes. It decodes from a JSON array of byte values, a
// base64 string, or a {"type":"Buffer","data":[...]} object, and always
// encodes as base64.
type Content []byte

// MarshalJSON encodes the bytes as a base64 string.
func (c Content) MarshalJSON() ([]byte, error) {
	return json.Marshal([]byte(c))
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = nil
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decoding content: %w", err)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("decoding content: %w", err)
		}
		*c = b
		return nil
	case '[':
		return c.fromNumbers(data)
	case '{':
		var buf struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &buf); err != nil {
			return fmt.Errorf("decoding content: %w", err)
		}
		return c.fromNumbers(buf.Data)
	default:
		return errors.New("decoding content: unsupported encoding")
	}
}

func (c *Content) fromNumbers(data []byte) error {
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return fmt.Errorf("decoding content: %w", err)
	}
	b := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return fmt.Errorf("decoding content: byte %d out of range: %d", i, n)
		}
		b[i] = byte(n)
	}
	*c = b
	return nil
}
