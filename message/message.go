// Package message implements the CoAP datagram codec: the four-octet
// header, token, option sequence, and optional payload (RFC 7252 §3).
//
// It is grounded on the teacher's internal/stack/base/message.go, which in
// turn borrowed its wire layout from github.com/dustin/go-coap; this repo
// splits the option codec out into the sibling option package (C1/C2) and
// keeps this package to the message envelope (C3).
package message

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/nwca/coapcore/option"
)

// Type is one of the four CoAP message types (RFC 7252 §3).
type Type uint8

const (
	CON Type = 0
	NON Type = 1
	ACK Type = 2
	RST Type = 3
)

var typeNames = [4]string{"CON", "NON", "ACK", "RST"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Code is a CoAP status/method code rendered class.detail (RFC 7252 §3).
type Code uint8

// NewCode packs a class (0..7) and detail (0..31) into a Code.
func NewCode(class, detail uint8) Code {
	return Code(class<<5 | detail&0x1f)
}

// Class returns the code's class (0..7).
func (c Code) Class() uint8 { return uint8(c) >> 5 }

// Detail returns the code's detail (0..31).
func (c Code) Detail() uint8 { return uint8(c) & 0x1f }

func (c Code) String() string {
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// Request method codes.
const (
	GET    = Code(1)
	POST   = Code(2)
	PUT    = Code(3)
	DELETE = Code(4)
)

// Empty is the code of an empty message (RFC 7252 §3).
const Empty = Code(0)

// Message is an immutable-once-transmitted CoAP datagram (RFC 7252 §3).
//
// Immutability is a usage contract, not an enforced one: callers must
// treat a Message handed to a TransmissionRecord as read-only, matching
// the teacher's own convention (session.go never mutates a sent
// base.Message in place).
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte
	Options   option.Sequence
	Payload   []byte
}

// IsEmpty reports whether m is the empty message (code 0.00): empty
// token, no options, no payload (RFC 7252 §3; folded in from
// coapy/message.py's is_empty()).
func (m Message) IsEmpty() bool {
	return m.Code == Empty && len(m.Token) == 0 && len(m.Options) == 0 && len(m.Payload) == 0
}

func (m Message) String() string {
	if len(m.Token) == 0 {
		return fmt.Sprintf("%s %s mid=%d", m.Type, m.Code, m.MessageID)
	}
	return fmt.Sprintf("%s %s mid=%d token=%x", m.Type, m.Code, m.MessageID, m.Token)
}

const (
	version        = 1
	maxTokenLength = 8
)

type fixedHeader struct {
	VerTypeTKL uint8
	Code       uint8
	MessageID  uint16
}

// Marshal encodes m into its wire bytes. It does not validate m's options
// against the registry — callers run option.Validate on the decode path,
// and are expected to construct only registry-valid messages on the
// encode path.
func (m Message) Marshal() ([]byte, error) {
	if len(m.Token) > maxTokenLength {
		return nil, &FormatError{Reason: fmt.Sprintf("token length %d exceeds 8", len(m.Token))}
	}
	if m.Code == Empty && (len(m.Token) != 0 || len(m.Options) != 0 || len(m.Payload) != 0) {
		return nil, &FormatError{Reason: "empty code 0.00 must have no token, options, or payload"}
	}
	if m.Type == RST && !m.IsEmpty() {
		return nil, &FormatError{Reason: "RST must be empty"}
	}

	var buf bytes.Buffer
	h := fixedHeader{
		VerTypeTKL: version<<6 | uint8(m.Type)<<4 | uint8(len(m.Token))&0x0f,
		Code:       uint8(m.Code),
		MessageID:  m.MessageID,
	}
	if err := binary.Write(&buf, binary.BigEndian, h); err != nil {
		return nil, err
	}
	buf.Write(m.Token)
	if err := option.Encode(&buf, m.Options); err != nil {
		return nil, &FormatError{Reason: err.Error()}
	}
	if len(m.Payload) > 0 {
		buf.WriteByte(0xff)
		buf.Write(m.Payload)
	}
	return buf.Bytes(), nil
}

// FormatError is a malformed-bytes error. On decode, the identifying
// fields (Type, MessageID, Token) are still populated in the returned
// Message so the caller can still reply RST, per RFC 7252 §4.2's
// "reject the message... and send a matching Reset".
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("message: format error: %s", e.Reason)
}

// Unmarshal decodes data into m. On a *FormatError, m's Type, MessageID,
// and Token fields are populated as far as the header allowed before the
// error, even though the returned error means the message as a whole is
// invalid: the decoder surfaces partial results so a caller can still
// answer a malformed Confirmable message with RST.
func (m *Message) Unmarshal(data []byte) error {
	if len(data) < 4 {
		return &FormatError{Reason: "short packet: fewer than 4 octets"}
	}
	buf := bytes.NewBuffer(data)
	var h fixedHeader
	if err := binary.Read(buf, binary.BigEndian, &h); err != nil {
		return &FormatError{Reason: err.Error()}
	}
	ver := h.VerTypeTKL >> 6
	m.Type = Type((h.VerTypeTKL >> 4) & 0x3)
	tkl := int(h.VerTypeTKL & 0x0f)
	m.Code = Code(h.Code)
	m.MessageID = h.MessageID

	if ver != version {
		return &FormatError{Reason: fmt.Sprintf("unsupported version %d", ver)}
	}
	if tkl > maxTokenLength {
		return &FormatError{Reason: fmt.Sprintf("reserved token length %d", tkl)}
	}
	if m.Code == Empty && tkl != 0 {
		return &FormatError{Reason: "empty code 0.00 must have a zero-length token"}
	}
	if buf.Len() < tkl {
		return &FormatError{Reason: "truncated token"}
	}
	if tkl > 0 {
		m.Token = make([]byte, tkl)
		if _, err := buf.Read(m.Token); err != nil {
			return &FormatError{Reason: err.Error()}
		}
	}

	if m.Code == Empty {
		if buf.Len() != 0 {
			return &FormatError{Reason: "non-empty fields on empty-code message"}
		}
		return nil
	}

	seq, sawMarker, err := option.Decode(buf)
	if err != nil {
		return err
	}
	m.Options = seq

	if sawMarker {
		if buf.Len() == 0 {
			return &FormatError{Reason: "payload marker present without payload bytes"}
		}
		m.Payload = make([]byte, buf.Len())
		buf.Read(m.Payload)
	}

	if m.Type == RST && !m.IsEmpty() {
		return &FormatError{Reason: "RST must be empty"}
	}
	return nil
}
