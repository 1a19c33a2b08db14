// Package option implements the CoAP option registry, value formatters,
// and the delta+length option codec (RFC 7252 §3.1, §3.2, §5.4.6,
// §5.10).
package option

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Format identifies the wire representation of an option's value.
//
// The source expresses this through a class hierarchy rooted at a single
// UrOption base (coapy/option.py). This repo flattens that into a tagged
// union over the four formats CoAP actually defines.
type Format int

const (
	Empty Format = iota
	Opaque
	Uint
	String
)

func (f Format) String() string {
	switch f {
	case Empty:
		return "empty"
	case Opaque:
		return "opaque"
	case Uint:
		return "uint"
	case String:
		return "string"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// EncodeValue packs v into its wire bytes for the given format.
func EncodeValue(f Format, v interface{}) ([]byte, error) {
	switch f {
	case Empty:
		return nil, nil
	case Opaque:
		b, ok := v.([]byte)
		if !ok {
			return nil, errors.Errorf("option: opaque value must be []byte, got %T", v)
		}
		return b, nil
	case Uint:
		u, ok := asUint(v)
		if !ok {
			return nil, errors.Errorf("option: uint value must be an unsigned integer, got %T", v)
		}
		return encodeUint(u), nil
	case String:
		s, ok := v.(string)
		if !ok {
			return nil, errors.Errorf("option: string value must be string, got %T", v)
		}
		if !utf8.ValidString(s) {
			return nil, errors.New("option: string value is not valid UTF-8")
		}
		return []byte(s), nil
	default:
		return nil, errors.Errorf("option: unknown format %v", f)
	}
}

// DecodeValue unpacks wire bytes into the typed value for the given format.
func DecodeValue(f Format, b []byte) (interface{}, error) {
	switch f {
	case Empty:
		return struct{}{}, nil
	case Opaque:
		v := make([]byte, len(b))
		copy(v, b)
		return v, nil
	case Uint:
		return decodeUint(b), nil
	case String:
		if !utf8.Valid(b) {
			return nil, errors.New("option: string value is not valid UTF-8")
		}
		return string(b), nil
	default:
		return nil, errors.Errorf("option: unknown format %v", f)
	}
}

func asUint(v interface{}) (uint64, bool) {
	switch x := v.(type) {
	case uint64:
		return x, true
	case uint32:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint8:
		return uint64(x), true
	case uint:
		return uint64(x), true
	case int:
		if x < 0 {
			return 0, false
		}
		return uint64(x), true
	default:
		return 0, false
	}
}

// encodeUint renders v in the minimum number of big-endian bytes, with no
// leading zero byte; 0 encodes to zero bytes (RFC 7252 §3.2's uint
// value format).
func encodeUint(v uint64) []byte {
	var b []byte
	for v > 0 {
		b = append([]byte{byte(v)}, b...)
		v >>= 8
	}
	return b
}

func decodeUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
