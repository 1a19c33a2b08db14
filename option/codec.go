package option

import (
	"io"
	"sort"

	"github.com/pkg/errors"
)

// Option is one decoded or to-be-encoded CoAP option occurrence. Value's
// Go type follows Format: struct{}{} for Empty, []byte for Opaque, uint64
// for Uint, string for String.
type Option struct {
	Number uint16
	Value  interface{}
}

// Sequence is an ordered multiset of options as they appear (or will
// appear) on the wire before canonicalization.
type Sequence []Option

// Sorted returns the stable sort of seq by ascending option number; equal
// numbers retain their original relative order (RFC 7252 §3.1's
// canonical delta-ordering requirement).
func Sorted(seq Sequence) Sequence {
	out := make(Sequence, len(seq))
	copy(out, seq)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Number < out[j].Number
	})
	return out
}

// MaxOptionLength bounds a single option's packed value length accepted by
// Decode, independent of any registry entry; it exists to bound
// allocation for unrecognized options before a Descriptor is consulted.
const MaxOptionLength = 1034

// Encode writes the canonical (sorted) encoding of seq's options to w,
// using CoAP's 4+4 nibble delta/length header with extension bytes
// (RFC 7252 §3.1).
func Encode(w io.Writer, seq Sequence) error {
	ordered := Sorted(seq)
	var prev uint16
	for _, opt := range ordered {
		b, err := EncodeValue(formatOf(opt.Value), opt.Value)
		if err != nil {
			return errors.Wrapf(err, "option %d", opt.Number)
		}
		delta := uint32(opt.Number - prev)
		if err := encodeOne(w, delta, b); err != nil {
			return errors.Wrapf(err, "option %d", opt.Number)
		}
		prev = opt.Number
	}
	return nil
}

func formatOf(v interface{}) Format {
	switch v.(type) {
	case struct{}:
		return Empty
	case []byte:
		return Opaque
	case uint64:
		return Uint
	case string:
		return String
	default:
		return Opaque
	}
}

func encodeOne(w io.Writer, delta uint32, value []byte) error {
	length := uint32(len(value))
	hi, ext1, err := encodeNibble(delta)
	if err != nil {
		return err
	}
	lo, ext2, err := encodeNibble(length)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte{hi<<4 | lo}); err != nil {
		return err
	}
	if len(ext1) > 0 {
		if _, err := w.Write(ext1); err != nil {
			return err
		}
	}
	if len(ext2) > 0 {
		if _, err := w.Write(ext2); err != nil {
			return err
		}
	}
	if len(value) > 0 {
		if _, err := w.Write(value); err != nil {
			return err
		}
	}
	return nil
}

func encodeNibble(v uint32) (nibble byte, ext []byte, err error) {
	switch {
	case v < 13:
		return byte(v), nil, nil
	case v < 269:
		return 13, []byte{byte(v - 13)}, nil
	case v < 269+65535:
		x := v - 269
		return 14, []byte{byte(x >> 8), byte(x)}, nil
	default:
		return 0, nil, errors.Errorf("value %d too large to encode", v)
	}
}

// Decode reads a CoAP option sequence from r until it encounters the
// 0xFF payload marker or EOF. It returns the marker byte's presence via
// sawMarker so the caller (the message codec) can decide whether payload
// bytes follow.
func Decode(r ByteReader) (seq Sequence, sawMarker bool, err error) {
	var prev uint16
	for {
		flag, rerr := r.ReadByte()
		if rerr == io.EOF {
			return seq, false, nil
		}
		if rerr != nil {
			return seq, false, &OptionDecodeError{Reason: rerr.Error()}
		}
		if flag == 0xff {
			return seq, true, nil
		}
		delta, length, derr := decodeHeader(r, flag)
		if derr != nil {
			return seq, false, derr
		}
		if length > MaxOptionLength {
			return seq, false, &OptionDecodeError{Reason: "option length exceeds maximum"}
		}
		value := make([]byte, length)
		if length > 0 {
			if _, rerr := io.ReadFull(r, value); rerr != nil {
				return seq, false, &OptionDecodeError{Reason: "truncated option value"}
			}
		}
		number := prev + uint16(delta)
		seq = append(seq, Option{Number: number, Value: rawValue(value)})
		prev = number
	}
}

// rawBytes holds an option's bytes before its format is known;
// ResolveValues converts it via DecodeValue once a Descriptor is
// consulted.
type rawBytes []byte

func rawValue(b []byte) interface{} { return rawBytes(b) }

// RawBytes extracts the raw undecoded bytes of an option produced by
// Decode, prior to ResolveValues.
func RawBytes(v interface{}) ([]byte, bool) {
	b, ok := v.(rawBytes)
	return []byte(b), ok
}

// ByteReader is the minimal reader Decode needs.
type ByteReader interface {
	io.Reader
	io.ByteReader
}

func decodeHeader(r ByteReader, flag byte) (delta, length uint32, err error) {
	hi := uint32(flag >> 4)
	lo := uint32(flag & 0x0f)
	delta, err = decodeNibble(r, hi)
	if err != nil {
		return 0, 0, err
	}
	length, err = decodeNibble(r, lo)
	if err != nil {
		return 0, 0, err
	}
	return delta, length, nil
}

func decodeNibble(r ByteReader, nibble uint32) (uint32, error) {
	switch {
	case nibble < 13:
		return nibble, nil
	case nibble == 13:
		b, err := r.ReadByte()
		if err != nil {
			return 0, &OptionDecodeError{Reason: "truncated extended header"}
		}
		return 13 + uint32(b), nil
	case nibble == 14:
		var buf [2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, &OptionDecodeError{Reason: "truncated extended header"}
		}
		return 269 + uint32(buf[0])<<8 + uint32(buf[1]), nil
	default: // 15
		return 0, &OptionDecodeError{Reason: "reserved nibble value 15"}
	}
}

// ResolveValues converts each Option's raw decoded bytes into its typed
// Format value using reg, returning *OptionDecodeError for any option
// whose recognized format rejects its bytes. Options with no registry
// entry are left as raw Opaque bytes and validated by Validate instead.
func ResolveValues(reg *Registry, seq Sequence) (Sequence, error) {
	out := make(Sequence, len(seq))
	for i, opt := range seq {
		raw, ok := RawBytes(opt.Value)
		if !ok {
			out[i] = opt
			continue
		}
		d := reg.Lookup(opt.Number)
		if !reg.Recognized(opt.Number) {
			out[i] = Option{Number: opt.Number, Value: []byte(raw)}
			continue
		}
		v, err := DecodeValue(d.Format, raw)
		if err != nil {
			return nil, &OptionDecodeError{Reason: errors.Wrapf(err, "option %d", opt.Number).Error()}
		}
		out[i] = Option{Number: opt.Number, Value: v}
	}
	return out, nil
}

// Applicability selects which side of an exchange a message belongs to,
// for checking an option descriptor's InRequest/InResponse bits.
type Applicability int

const (
	InRequest Applicability = iota
	InResponse
)

// Validate checks each option in seq against reg: length bounds,
// multiplicity, and request/response applicability (RFC 7252 §5.4.5,
// §5.4.6).
// Unrecognized critical options produce *UnrecognizedCriticalOption;
// these and all other violations accumulate and are returned together
// as a ValidationErrors so a caller can decide how much repair to
// attempt.
func Validate(reg *Registry, seq Sequence, side Applicability) error {
	counts := make(map[uint16]int)
	var errs ValidationErrors
	for _, opt := range seq {
		counts[opt.Number]++
	}
	for _, opt := range seq {
		if !reg.Recognized(opt.Number) {
			if Critical(opt.Number) {
				errs = append(errs, &UnrecognizedCriticalOption{Number: opt.Number})
			}
			continue
		}
		d := reg.Lookup(opt.Number)
		if n := valueLength(d.Format, opt.Value); n < d.MinLength || n > d.MaxLength {
			errs = append(errs, &OptionLengthError{Number: opt.Number, Length: n, Min: d.MinLength, Max: d.MaxLength})
		}
		if !d.Repeatable && counts[opt.Number] > 1 {
			errs = append(errs, &InvalidMultipleOption{Number: opt.Number, Count: counts[opt.Number]})
		}
		switch side {
		case InRequest:
			if !d.InRequest {
				errs = append(errs, &InvalidOption{Number: opt.Number, Reason: "not valid in a request"})
			}
		case InResponse:
			if !d.InResponse {
				errs = append(errs, &InvalidOption{Number: opt.Number, Reason: "not valid in a response"})
			}
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func valueLength(f Format, v interface{}) int {
	b, err := EncodeValue(f, v)
	if err != nil {
		return -1
	}
	return len(b)
}

// ValidationErrors collects every violation Validate found.
type ValidationErrors []error

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "option: no validation errors"
	}
	s := e[0].Error()
	for _, err := range e[1:] {
		s += "; " + err.Error()
	}
	return s
}

// HasUnrecognizedCritical reports whether errs contains an
// *UnrecognizedCriticalOption.
func (e ValidationErrors) HasUnrecognizedCritical() bool {
	for _, err := range e {
		if _, ok := err.(*UnrecognizedCriticalOption); ok {
			return true
		}
	}
	return false
}

// ReplaceUnacceptableOptions strips or substitutes options whose values
// fall outside format bounds but whose number is known, preserving
// critical options only when a well-defined default exists to fall back
// on (RFC 7252 §5.4.6's repair guidance for a critical option with a
// default value). Options with no registry entry, and critical options
// with no usable default, are dropped outright — the caller (typically
// the message layer) is expected to still flag the message via Validate
// if a critical option had to be dropped.
func ReplaceUnacceptableOptions(reg *Registry, seq Sequence) Sequence {
	out := make(Sequence, 0, len(seq))
	for _, opt := range seq {
		if !reg.Recognized(opt.Number) {
			if !Critical(opt.Number) {
				continue
			}
			continue
		}
		d := reg.Lookup(opt.Number)
		n := valueLength(d.Format, opt.Value)
		if n >= d.MinLength && n <= d.MaxLength {
			out = append(out, opt)
			continue
		}
		if d.DefaultValue != nil {
			out = append(out, Option{Number: opt.Number, Value: d.DefaultValue})
			continue
		}
		// No safe repair: drop unconditionally, including critical options,
		// since a corrupt critical option with no default cannot be
		// "preserved" in any well-defined way.
	}
	return out
}
