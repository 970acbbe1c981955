// Package wireproto implements the framed message protocol spoken between
// sync clients and the relay over a plain TCP stream.
//
// Every message travels in one self-delimiting frame:
//
//	offset  size  field
//	0       2     magic "SR"
//	2       1     protocol version (1)
//	3       1     payload encoding (0 = msgpack, 1 = json)
//	4       4     payload length, uint32 big endian
//	8       n     payload: envelope {id, typ, dat}
//
// The message type travels inside the payload envelope. A bad header or an
// oversized frame leaves the stream out of sync and is fatal for the
// connection. A payload that cannot be decoded is a protocol error: the frame
// has been consumed in full and the caller may keep reading.
package wireproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/syncrelay/syncrelay/internal/syncmsg"
	"github.com/vmihailenco/msgpack/v5"
)

// Encoding indicates which payload encoding a frame uses.
type Encoding uint8

const (
	EncodingMsgPack Encoding = iota
	EncodingJSON
)

func (e Encoding) String() string {
	switch e {
	case EncodingMsgPack:
		return "msgpack"
	case EncodingJSON:
		return "json"
	default:
		return fmt.Sprintf("???(%d)", uint8(e))
	}
}

const (
	magic0     = byte('S')
	magic1     = byte('R')
	version    = byte(1)
	headerSize = 8

	// DefaultMaxPayload bounds a single frame payload.
	DefaultMaxPayload = 256 << 20
)

var (
	ErrBadMagic      = errors.New("wireproto: bad frame magic")
	ErrBadVersion    = errors.New("wireproto: unsupported protocol version")
	ErrFrameTooLarge = errors.New("wireproto: frame exceeds maximum payload size")

	// ErrProtocol marks a frame that was read completely but whose payload is
	// unusable. The stream is still in sync.
	ErrProtocol = errors.New("wireproto: protocol error")
)

// IsProtocolError reports whether err only invalidates a single message.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrProtocol)
}

func protocolError(format string, args ...any) error {
	return fmt.Errorf("%w: %w", ErrProtocol, fmt.Errorf(format, args...))
}

// ParseEncoding parses an encoding name. Empty selects msgpack.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "msgpack":
		return EncodingMsgPack, nil
	case "json":
		return EncodingJSON, nil
	}
	return EncodingMsgPack, fmt.Errorf("unknown encoding %q", s)
}

// Marshal encodes msg into a complete frame.
func Marshal(msg *syncmsg.Message, enc Encoding) ([]byte, error) {
	var payload []byte
	var err error

	switch enc {
	case EncodingMsgPack:
		payload, err = marshalMsgpack(msg)
	case EncodingJSON:
		payload, err = json.Marshal(msg)
	default:
		return nil, fmt.Errorf("unknown encoding: %d", enc)
	}
	if err != nil {
		return nil, err
	}
	if len(payload) > DefaultMaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	buf := make([]byte, headerSize+len(payload))
	buf[0], buf[1], buf[2], buf[3] = magic0, magic1, version, byte(enc)
	binary.BigEndian.PutUint32(buf[4:headerSize], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	return buf, nil
}

// WriteFrame encodes msg and writes it to w in a single call.
func WriteFrame(w io.Writer, msg *syncmsg.Message, enc Encoding) error {
	frame, err := Marshal(msg, enc)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads exactly one frame from r. maxPayload <= 0 selects DefaultMaxPayload.
// Header errors and I/O errors are fatal; decode errors satisfy IsProtocolError.
func ReadFrame(r io.Reader, maxPayload int) (*syncmsg.Message, Encoding, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}

	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, EncodingMsgPack, err
	}
	if hdr[0] != magic0 || hdr[1] != magic1 {
		return nil, EncodingMsgPack, fmt.Errorf("%w: %#x %#x", ErrBadMagic, hdr[0], hdr[1])
	}
	if hdr[2] != version {
		return nil, EncodingMsgPack, fmt.Errorf("%w: %d", ErrBadVersion, hdr[2])
	}

	enc := Encoding(hdr[3])
	size := binary.BigEndian.Uint32(hdr[4:])
	if uint64(size) > uint64(maxPayload) {
		return nil, enc, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, enc, err
	}

	msg, err := Unmarshal(enc, payload)
	return msg, enc, err
}

// Unmarshal decodes a frame payload. Every failure is a protocol error.
func Unmarshal(enc Encoding, payload []byte) (*syncmsg.Message, error) {
	var msg *syncmsg.Message
	var err error

	switch enc {
	case EncodingMsgPack:
		msg, err = unmarshalMsgpack(payload)
	case EncodingJSON:
		var m syncmsg.Message
		err = json.Unmarshal(payload, &m)
		msg = &m
	default:
		return nil, protocolError("unknown encoding: %d", enc)
	}
	if err != nil {
		return nil, protocolError("decode %s payload: %w", enc, err)
	}
	if err := validate(msg); err != nil {
		return nil, protocolError("invalid %s message: %w", msg.Type, err)
	}
	return msg, nil
}

func validate(msg *syncmsg.Message) error {
	switch msg.Type {
	case syncmsg.MsgClientHello:
		hello, ok := msg.Hello()
		if !ok || hello.ID == "" {
			return errors.New("missing client id")
		}
	case syncmsg.MsgManifest:
		if _, ok := msg.Manifest(); !ok {
			return errors.New("missing manifest")
		}
	case syncmsg.MsgChange:
		change, ok := msg.Change()
		if !ok {
			return errors.New("missing change")
		}
		return change.Normalize().Validate()
	}
	return nil
}

type wireMessage struct {
	Id   string              `msgpack:"id"`
	Type syncmsg.MessageType `msgpack:"typ"`
	Data []byte              `msgpack:"dat"`
}

func marshalBody[T any](data any) ([]byte, error) {
	switch v := data.(type) {
	case T:
		return msgpack.Marshal(&v)
	case *T:
		if v == nil {
			break
		}
		return msgpack.Marshal(v)
	}
	var zero T
	return nil, fmt.Errorf("invalid %T payload: %T", zero, data)
}

func unmarshalBody[T any](data []byte) (*T, error) {
	var v T
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func marshalMsgpack(msg *syncmsg.Message) ([]byte, error) {
	var dat []byte
	var err error

	switch msg.Type {
	case syncmsg.MsgClientHello:
		dat, err = marshalBody[syncmsg.ClientHello](msg.Data)
	case syncmsg.MsgManifest:
		dat, err = marshalBody[syncmsg.Manifest](msg.Data)
	case syncmsg.MsgChange:
		dat, err = marshalBody[syncmsg.Change](msg.Data)
	default:
		return nil, fmt.Errorf("unknown message type: %d", msg.Type)
	}
	if err != nil {
		return nil, err
	}

	w := wireMessage{Id: msg.Id, Type: msg.Type, Data: dat}
	return msgpack.Marshal(&w)
}

func unmarshalMsgpack(payload []byte) (*syncmsg.Message, error) {
	var w wireMessage
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	dec.SetCustomStructTag("msgpack")
	if err := dec.Decode(&w); err != nil {
		return nil, err
	}

	msg := &syncmsg.Message{Id: w.Id, Type: w.Type}
	var err error
	switch w.Type {
	case syncmsg.MsgClientHello:
		msg.Data, err = unmarshalBody[syncmsg.ClientHello](w.Data)
	case syncmsg.MsgManifest:
		msg.Data, err = unmarshalBody[syncmsg.Manifest](w.Data)
	case syncmsg.MsgChange:
		msg.Data, err = unmarshalBody[syncmsg.Change](w.Data)
	default:
		return nil, fmt.Errorf("unknown message type: %d", w.Type)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}
