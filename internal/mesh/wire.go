package mesh

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/postalsys/pfd-agent/internal/overlay"
)

// Frame layout: 1-byte type, 4-byte big-endian payload length, JSON payload.
const (
	frameHeaderSize = 5
	maxFramePayload = 64 * 1024

	protocolVersion = 1
)

// ErrFrameTooLarge is returned for frames above maxFramePayload.
var ErrFrameTooLarge = errors.New("frame too large")

type msgType uint8

const (
	msgHello msgType = iota + 1
	msgPresence
	msgInfo
	msgFriendRequest
	msgFriendAccept
	msgFriendReject
	msgFriendRemove
	msgSessionRequest
	msgSessionReply
	msgSessionClose
	msgAttach
	msgAttachReply
)

var msgNames = map[msgType]string{
	msgHello:          "HELLO",
	msgPresence:       "PRESENCE",
	msgInfo:           "INFO",
	msgFriendRequest:  "FRIEND_REQUEST",
	msgFriendAccept:   "FRIEND_ACCEPT",
	msgFriendReject:   "FRIEND_REJECT",
	msgFriendRemove:   "FRIEND_REMOVE",
	msgSessionRequest: "SESSION_REQUEST",
	msgSessionReply:   "SESSION_REPLY",
	msgSessionClose:   "SESSION_CLOSE",
	msgAttach:         "ATTACH",
	msgAttachReply:    "ATTACH_REPLY",
}

func (t msgType) String() string {
	if name, ok := msgNames[t]; ok {
		return name
	}
	return fmt.Sprintf("msg(%d)", uint8(t))
}

// helloMsg opens every control stream, in both directions.
type helloMsg struct {
	Version     int              `json:"version"`
	ID          string           `json:"id"`
	Name        string           `json:"name,omitempty"`
	Description string           `json:"description,omitempty"`
	Presence    overlay.Presence `json:"presence"`
}

type presenceMsg struct {
	Presence overlay.Presence `json:"presence"`
}

type infoMsg struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

type friendRequestMsg struct {
	Hello string `json:"hello"`
}

type friendReplyMsg struct {
	Reason string `json:"reason,omitempty"`
}

type sessionRequestMsg struct {
	Session string `json:"session"`
}

type sessionReplyMsg struct {
	Session string `json:"session"`
	Status  int    `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Token   string `json:"token,omitempty"`
}

type sessionCloseMsg struct {
	Token string `json:"token"`
}

// attachMsg is the first frame of every data stream.
type attachMsg struct {
	Token string `json:"token"`
}

type attachReplyMsg struct {
	Status int    `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// writeFrame encodes v as one frame. Callers serialize writes per stream.
func writeFrame(w io.Writer, t msgType, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}
	if len(payload) > maxFramePayload {
		return fmt.Errorf("%w: %s is %d bytes", ErrFrameTooLarge, t, len(payload))
	}

	buf := make([]byte, frameHeaderSize+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:frameHeaderSize], uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)

	_, err = w.Write(buf)
	return err
}

// readFrame reads one frame and returns its type and raw payload.
func readFrame(r io.Reader) (msgType, []byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}

	n := binary.BigEndian.Uint32(hdr[1:])
	if n > maxFramePayload {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return msgType(hdr[0]), payload, nil
}

// readFrameAs reads one frame, checks its type and decodes it into v.
func readFrameAs(r io.Reader, want msgType, v any) error {
	t, payload, err := readFrame(r)
	if err != nil {
		return err
	}
	if t != want {
		return fmt.Errorf("unexpected %s, want %s", t, want)
	}
	return decode(t, payload, v)
}

func decode(t msgType, payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", t, err)
	}
	return nil
}
