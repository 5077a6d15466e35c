package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/isgasho/wosim/internal/world"
)

const (
	// Version is the protocol major version this build speaks.
	Version uint16 = 1
	// Minor is the handshake-negotiated minor version.
	Minor uint16 = 0

	lengthSize = 4
	headerSize = 2 + 1 + 8

	// MaxFrameSize bounds the length field so that a frame with its length
	// prefix fits one UDP datagram (65507 bytes of IPv4 payload).
	MaxFrameSize = 65507 - lengthSize
)

// Reason classifies a decode failure
type Reason uint8

const (
	ReasonMalformedLength Reason = iota + 1
	ReasonUnknownTag
	ReasonIncompatibleVersion
	ReasonPayload
)

var (
	ErrMalformedLength     = errors.New("malformed length")
	ErrUnknownTag          = errors.New("unknown message tag")
	ErrIncompatibleVersion = errors.New("incompatible protocol version")
	ErrPayload             = errors.New("malformed payload")

	// ErrFrameTooLarge is returned by Encode for a message whose frame would
	// exceed MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
)

func (r Reason) sentinel() error {
	switch r {
	case ReasonMalformedLength:
		return ErrMalformedLength
	case ReasonUnknownTag:
		return ErrUnknownTag
	case ReasonIncompatibleVersion:
		return ErrIncompatibleVersion
	default:
		return ErrPayload
	}
}

// DecodeError reports why a frame could not be decoded.
// errors.Is matches it against the Err* sentinel for its Reason.
type DecodeError struct {
	Reason Reason
	Detail string
	Err    error // underlying msgpack error, if any
}

func (e *DecodeError) Error() string {
	msg := "decode: " + e.Reason.sentinel().Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Is(target error) bool { return target == e.Reason.sentinel() }
func (e *DecodeError) Unwrap() error        { return e.Err }

// Frame is one decoded wire frame.
type Frame struct {
	Version uint16
	Seq     uint64 // reliable sequence, tick, ack sequence or ping id
	Msg     Message
}

// Codec encodes with one major version and accepts a set of them.
type Codec struct {
	version   uint16
	supported []uint16
}

// NewCodec returns a codec that writes version and accepts supported. With no
// supported versions given, it accepts only version.
func NewCodec(version uint16, supported ...uint16) *Codec {
	if len(supported) == 0 {
		supported = []uint16{version}
	}
	return &Codec{version: version, supported: supported}
}

// DefaultCodec speaks the build's protocol version.
func DefaultCodec() *Codec { return NewCodec(Version) }

// Version returns the major version the codec writes.
func (c *Codec) Version() uint16 { return c.version }

// Supports reports whether v is an accepted major version.
func (c *Codec) Supports(v uint16) bool { return slices.Contains(c.supported, v) }

// Encode returns the frame for msg. seq is written to the header for reliable
// messages; other classes carry their own header value.
func (c *Codec) Encode(msg Message, seq uint64) ([]byte, error) {
	return c.Append(nil, msg, seq)
}

// Append encodes msg onto dst.
func (c *Codec) Append(dst []byte, msg Message, seq uint64) ([]byte, error) {
	payload, err := msgpack.Marshal(msg)
	if err != nil {
		return dst, fmt.Errorf("encode %s: %w", msg.Tag(), err)
	}
	length := headerSize + len(payload)
	if length > MaxFrameSize {
		return dst, fmt.Errorf("encode %s: %w: %d bytes, limit %d", msg.Tag(), ErrFrameTooLarge, length, MaxFrameSize)
	}
	if msg.Class() != ClassReliable {
		seq = HeaderValue(msg)
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(length))
	dst = binary.BigEndian.AppendUint16(dst, c.version)
	dst = append(dst, byte(msg.Tag()))
	dst = binary.BigEndian.AppendUint64(dst, seq)
	return append(dst, payload...), nil
}

// Decode reads the first frame in b and returns it with the number of bytes
// consumed.
func (c *Codec) Decode(b []byte) (Frame, int, error) {
	if len(b) < lengthSize {
		return Frame{}, 0, &DecodeError{Reason: ReasonMalformedLength, Detail: "short frame"}
	}
	length := int(binary.BigEndian.Uint32(b))
	if length < headerSize || length > MaxFrameSize || length > len(b)-lengthSize {
		return Frame{}, 0, &DecodeError{
			Reason: ReasonMalformedLength,
			Detail: fmt.Sprintf("length %d with %d bytes available", length, len(b)-lengthSize),
		}
	}
	frame := b[lengthSize : lengthSize+length]
	version := binary.BigEndian.Uint16(frame)
	if !c.Supports(version) {
		return Frame{}, 0, &DecodeError{
			Reason: ReasonIncompatibleVersion,
			Detail: fmt.Sprintf("version %d", version),
		}
	}
	tag := Tag(frame[2])
	seq := binary.BigEndian.Uint64(frame[3:])
	msg, err := decodePayload(tag, seq, frame[headerSize:])
	if err != nil {
		return Frame{}, 0, err
	}
	return Frame{Version: version, Seq: seq, Msg: msg}, lengthSize + length, nil
}

// DecodeAll decodes every frame packed in a datagram. Frames decoded before
// an error are returned alongside it; the remainder is unreadable.
func (c *Codec) DecodeAll(datagram []byte) ([]Frame, error) {
	var frames []Frame
	for len(datagram) > 0 {
		f, n, err := c.Decode(datagram)
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
		datagram = datagram[n:]
	}
	return frames, nil
}

func decodePayload(tag Tag, seq uint64, payload []byte) (Message, error) {
	var msg Message
	switch tag {
	case TagHandshake:
		msg = &Handshake{}
	case TagInputCommand:
		msg = &InputCommand{Tick: world.Tick(seq)}
	case TagSnapshot:
		msg = &Snapshot{Tick: world.Tick(seq)}
	case TagAck:
		msg = &Ack{Seq: seq}
	case TagPing:
		msg = &Ping{ID: seq}
	case TagPong:
		msg = &Pong{ID: seq}
	case TagDisconnect:
		msg = &Disconnect{}
	default:
		return nil, &DecodeError{Reason: ReasonUnknownTag, Detail: fmt.Sprintf("tag %d", tag)}
	}
	if err := msgpack.Unmarshal(payload, msg); err != nil {
		return nil, &DecodeError{Reason: ReasonPayload, Detail: tag.String(), Err: err}
	}
	return msg, nil
}
