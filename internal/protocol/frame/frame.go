package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	FixedHeaderLen uint16 = 28

	Magic   uint32 = 0x484C4E4B // "HLNK"
	Version uint16 = 1

	// FlagIsReply marks a frame answering the request with the same MessageID.
	FlagIsReply uint32 = 0x02

	DefaultMaxPayloadBytes uint32 = 16 * 1024 * 1024
)

// Message type IDs.
const (
	MsgEnvelope uint32 = 1
	MsgControl  uint32 = 2
)

var (
	ErrShortHeader        = errors.New("frame: short fixed header")
	ErrInvalidMagic       = errors.New("frame: invalid magic")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrHeaderLenMismatch  = errors.New("frame: header_len mismatch")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
	ErrTruncatedPayload   = errors.New("frame: truncated payload")
)

// Header is the fixed wire header.
type Header struct {
	Magic       uint32
	Version     uint16
	HeaderLen   uint16
	MessageID   uint64
	MessageType uint32
	Flags       uint32
	PayloadLen  uint32
}

func (h Header) IsReply() bool {
	return h.Flags&FlagIsReply != 0
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: DefaultMaxPayloadBytes,
	}
}

// New builds a frame with magic and version filled in.
func New(messageType uint32, messageID uint64, flags uint32, payload []byte) Frame {
	return Frame{
		Header: Header{
			Magic:       Magic,
			Version:     Version,
			HeaderLen:   FixedHeaderLen,
			MessageID:   messageID,
			MessageType: messageType,
			Flags:       flags,
		},
		Payload: payload,
	}
}

// ReadFrame reads one frame. A frame over limits fails with
// ErrPayloadTooLarge after its body is consumed, so the stream stays aligned
// and the caller may keep reading; the returned Frame carries the header.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		// io.EOF on a frame boundary is a clean close and is passed through.
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.Magic != Magic {
		return Frame{}, ErrInvalidMagic
	}
	if h.Version != Version {
		return Frame{}, ErrUnsupportedVersion
	}
	if h.HeaderLen != FixedHeaderLen {
		return Frame{}, ErrHeaderLenMismatch
	}
	if limits.MaxPayloadBytes > 0 && h.PayloadLen > limits.MaxPayloadBytes {
		if _, err := io.CopyN(io.Discard, r, int64(h.PayloadLen)); err != nil {
			return Frame{}, ErrTruncatedPayload
		}
		return Frame{Header: h}, ErrPayloadTooLarge
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, ErrTruncatedPayload
		}
	}

	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame writes header and payload in a single Write call so concurrent
// writers guarded by one mutex never interleave partial frames.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > uint64(^uint32(0)) {
		return ErrPayloadTooLarge
	}
	payloadLen := uint32(len(f.Payload))
	if limits.MaxPayloadBytes > 0 && payloadLen > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.HeaderLen = FixedHeaderLen
	h.PayloadLen = payloadLen

	buf := make([]byte, 0, int(FixedHeaderLen)+len(f.Payload))
	buf = append(buf, EncodeHeader(h)...)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint64(buf[8:16], h.MessageID)
	binary.BigEndian.PutUint32(buf[16:20], h.MessageType)
	binary.BigEndian.PutUint32(buf[20:24], h.Flags)
	binary.BigEndian.PutUint32(buf[24:28], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(FixedHeaderLen) {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		HeaderLen:   binary.BigEndian.Uint16(b[6:8]),
		MessageID:   binary.BigEndian.Uint64(b[8:16]),
		MessageType: binary.BigEndian.Uint32(b[16:20]),
		Flags:       binary.BigEndian.Uint32(b[20:24]),
		PayloadLen:  binary.BigEndian.Uint32(b[24:28]),
	}, nil
}
