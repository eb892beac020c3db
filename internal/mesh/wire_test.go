package mesh

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/postalsys/pfd-agent/internal/overlay"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := helloMsg{Version: protocolVersion, ID: "abc", Name: "node", Presence: overlay.PresenceAway}
	if err := writeFrame(&buf, msgHello, in); err != nil {
		t.Fatalf("writeFrame() error = %v", err)
	}
	if got := buf.Bytes()[0]; got != byte(msgHello) {
		t.Errorf("type byte = %d, want %d", got, msgHello)
	}

	var out helloMsg
	if err := readFrameAs(&buf, msgHello, &out); err != nil {
		t.Fatalf("readFrameAs() error = %v", err)
	}
	if out != in {
		t.Errorf("decoded %+v, want %+v", out, in)
	}
}

func TestFrame_UnexpectedType(t *testing.T) {
	var buf bytes.Buffer
	writeFrame(&buf, msgPresence, presenceMsg{})

	var out helloMsg
	err := readFrameAs(&buf, msgHello, &out)
	if err == nil || !strings.Contains(err.Error(), "PRESENCE") {
		t.Errorf("readFrameAs() error = %v, want unexpected PRESENCE", err)
	}
}

func TestFrame_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := writeFrame(&buf, msgInfo, infoMsg{Description: strings.Repeat("x", maxFramePayload)})
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("writeFrame() error = %v, want ErrFrameTooLarge", err)
	}

	hdr := make([]byte, frameHeaderSize)
	hdr[0] = byte(msgInfo)
	binary.BigEndian.PutUint32(hdr[1:], maxFramePayload+1)
	if _, _, err := readFrame(bytes.NewReader(hdr)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("readFrame() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestFrame_Truncated(t *testing.T) {
	var buf bytes.Buffer
	writeFrame(&buf, msgInfo, infoMsg{Name: "node"})
	data := buf.Bytes()

	if _, _, err := readFrame(bytes.NewReader(data[:len(data)-1])); err == nil {
		t.Error("readFrame() on truncated payload succeeded")
	}
	if _, _, err := readFrame(bytes.NewReader(data[:3])); err == nil {
		t.Error("readFrame() on truncated header succeeded")
	}
}

func TestMsgType_String(t *testing.T) {
	if got := msgAttachReply.String(); got != "ATTACH_REPLY" {
		t.Errorf("String() = %q", got)
	}
	if got := msgType(200).String(); got != "msg(200)" {
		t.Errorf("String() = %q", got)
	}
}
