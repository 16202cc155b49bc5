// Package wire implements the length-prefixed frame used by the daemon
// readiness handshake and the overwatch control channel.
//
// A frame is a 12 byte header followed by a JSON payload:
//
//	magic "HPCA" | version u8 | kind u8 | flags u16 | payload length u32 (big endian)
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderLen        = 12
	Version    uint8 = 1
	MaxPayload       = 1 << 20
)

var magic = [4]byte{'H', 'P', 'C', 'A'}

var (
	ErrShortHeader     = errors.New("wire: short header")
	ErrBadMagic        = errors.New("wire: bad magic")
	ErrBadVersion      = errors.New("wire: unsupported version")
	ErrPayloadTooLarge = errors.New("wire: payload too large")
)

// Kind identifies the message carried by a frame.
type Kind uint8

const (
	KindReady Kind = iota + 1
	KindFailure
	KindRegister
	KindDeregister
	KindShutdown
	KindOK
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindReady:
		return "ready"
	case KindFailure:
		return "failure"
	case KindRegister:
		return "register"
	case KindDeregister:
		return "deregister"
	case KindShutdown:
		return "shutdown"
	case KindOK:
		return "ok"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Header is the fixed wire header.
type Header struct {
	Version    uint8
	Kind       Kind
	Flags      uint16
	PayloadLen uint32
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Decode unmarshals the JSON payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	copy(buf[0:4], magic[:])
	buf[4] = h.Version
	buf[5] = uint8(h.Kind)
	binary.BigEndian.PutUint16(buf[6:8], h.Flags)
	binary.BigEndian.PutUint32(buf[8:12], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("wire: invalid header length: %d", len(b))
	}
	if [4]byte(b[0:4]) != magic {
		return Header{}, ErrBadMagic
	}
	h := Header{
		Version:    b[4],
		Kind:       Kind(b[5]),
		Flags:      binary.BigEndian.Uint16(b[6:8]),
		PayloadLen: binary.BigEndian.Uint32(b[8:12]),
	}
	if h.Version != Version {
		return Header{}, ErrBadVersion
	}
	return h, nil
}

// ReadFrame reads one frame. A clean EOF before any header byte is returned
// as io.EOF so callers can tell a closed peer from a truncated frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var hb [HeaderLen]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h, err := DecodeHeader(hb[:])
	if err != nil {
		return Frame{}, err
	}
	if h.PayloadLen > MaxPayload {
		return Frame{}, ErrPayloadTooLarge
	}
	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

// Write marshals v (which may be nil) and writes it as a single frame.
func Write(w io.Writer, kind Kind, v any) error {
	var payload []byte
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		payload = b
	}
	if len(payload) > MaxPayload {
		return ErrPayloadTooLarge
	}
	buf := EncodeHeader(Header{Version: Version, Kind: kind, PayloadLen: uint32(len(payload))})
	_, err := w.Write(append(buf, payload...))
	return err
}
