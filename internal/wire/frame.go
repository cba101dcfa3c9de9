// Package wire implements the length-prefixed binary frame protocol spoken
// between the host and each worker process, plus the JSON payloads carried
// inside RunScript frames.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// headerSize is the fixed portion of every frame counted by its length
// prefix: requestID + messageID + type, each a little-endian uint32. The
// 4-byte length prefix itself comes on top of it.
const headerSize = 12

// MaxFrameSize bounds a frame's declared length (the 12 header bytes after
// the length prefix plus the payload), guarding the decoder against a
// corrupt or hostile length prefix triggering an unbounded allocation.
const MaxFrameSize = 64 << 20

// ErrOversize is returned when a frame's declared length would exceed
// MaxFrameSize.
var ErrOversize = errors.New("wire: frame exceeds maximum size")

// ErrShortPayload is returned when a decoded frame's declared length is
// smaller than the fixed header, which can never happen on a well-formed
// stream.
var ErrShortPayload = errors.New("wire: frame length shorter than header")

// MessageType identifies the kind of payload a frame carries.
type MessageType uint32

// Host -> worker message types.
const (
	TypeRunScript MessageType = 0
	TypePing      MessageType = 1
)

// Worker -> host message types.
const (
	TypeRunResponse MessageType = 0x1000
	TypeLog         MessageType = 0x1001
	TypeError       MessageType = 0x1002
	TypePong        MessageType = 0x1003
)

func (t MessageType) String() string {
	switch t {
	case TypeRunScript:
		return "RUN_SCRIPT"
	case TypePing:
		return "PING"
	case TypeRunResponse:
		return "RUN_RESPONSE"
	case TypeLog:
		return "LOG"
	case TypeError:
		return "ERROR"
	case TypePong:
		return "PONG"
	default:
		return fmt.Sprintf("UNKNOWN(0x%x)", uint32(t))
	}
}

// Frame is one decoded unit off (or onto) the stream socket.
type Frame struct {
	RequestID uint32
	MessageID uint32
	Type      MessageType
	Payload   []byte
}

// Encode serializes f as length-prefixed bytes: length (4) + requestID (4) +
// messageID (4) + type (4) + payload. Length counts everything after itself.
func Encode(f Frame) []byte {
	buf := make([]byte, headerSize+4+len(f.Payload))
	length := uint32(headerSize + len(f.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], length)
	binary.LittleEndian.PutUint32(buf[4:8], f.RequestID)
	binary.LittleEndian.PutUint32(buf[8:12], f.MessageID)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(f.Type))
	copy(buf[16:], f.Payload)
	return buf
}

// WriteTo writes f to w as a single frame. Callers that share w across
// concurrent writers must serialize calls themselves (see rpc.Connection).
func WriteTo(w io.Writer, f Frame) error {
	_, err := w.Write(Encode(f))
	return err
}

// Decoder incrementally reassembles frames from a byte stream. It never
// yields a partial frame and never reads past one frame's end per call to
// Next, matching §4.1's decode protocol.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r for frame-at-a-time reads.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 32*1024)}
}

// Next blocks until a full frame is available, io.EOF, or an error occurs.
func (d *Decoder) Next() (Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		return Frame{}, err
	}
	length := binary.LittleEndian.Uint32(header[:])
	if length < headerSize {
		return Frame{}, ErrShortPayload
	}
	if length > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: declared length %d", ErrOversize, length)
	}

	rest := make([]byte, length)
	if _, err := io.ReadFull(d.r, rest); err != nil {
		return Frame{}, err
	}

	requestID := binary.LittleEndian.Uint32(rest[0:4])
	messageID := binary.LittleEndian.Uint32(rest[4:8])
	msgType := binary.LittleEndian.Uint32(rest[8:12])
	payload := rest[12:]

	return Frame{
		RequestID: requestID,
		MessageID: messageID,
		Type:      MessageType(msgType),
		Payload:   payload,
	}, nil
}
