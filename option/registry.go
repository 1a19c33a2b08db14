package option

import "fmt"

// Descriptor is a registry entry for one option number (RFC 7252
// §5.4.6, §5.10).
//
// The teacher expresses option definitions as a flat map of a private
// struct (internal/stack/base/option_def.go); this repo keeps that shape
// but exports it, since the registry is meant to be consulted by layers
// above the message-layer core.
type Descriptor struct {
	Number       uint16
	Name         string
	Format       Format
	MinLength    int
	MaxLength    int
	Repeatable   bool
	InRequest    bool
	InResponse   bool
	DefaultValue interface{}
}

// Critical reports whether the option must be understood by a processor
// that does not recognize it, derived purely from the option number
// (RFC 7252 §5.4.6).
func Critical(number uint16) bool { return number&1 == 1 }

// Unsafe reports whether the option is unsafe to forward through a proxy
// that does not recognize it.
func Unsafe(number uint16) bool { return number&2 == 2 }

// NoCacheKey reports whether the option is excluded from a cache key when
// the option is unsafe and not recognized.
func NoCacheKey(number uint16) bool { return number&0x1e == 0x1c }

// RegistryConflict is returned by Register when number already has an
// incompatible entry. It is fatal to startup.
type RegistryConflict struct {
	Number   uint16
	Existing Descriptor
}

func (e *RegistryConflict) Error() string {
	return fmt.Sprintf("option: registry conflict on number %d (existing %q)", e.Number, e.Existing.Name)
}

// Registry maps option numbers to descriptors. The zero value is an empty
// registry; use NewBaseRegistry to obtain one preloaded with the base-CoAP
// option table (RFC 7252 §5.10).
//
// A Registry is append-only once constructed: the core does not support
// mutating entries concurrently with codec use.
type Registry struct {
	entries map[uint16]Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[uint16]Descriptor)}
}

// NewBaseRegistry returns a registry preloaded with the base-CoAP option
// table from RFC 7252 §5.10.
func NewBaseRegistry() *Registry {
	r := NewRegistry()
	for _, d := range baseOptions {
		if err := r.Register(d); err != nil {
			// The base table is a compile-time constant; a conflict here
			// is a bug in this package, not a runtime condition.
			panic(err)
		}
	}
	return r
}

// Register adds d to the registry. It fails with *RegistryConflict if
// number already has an entry whose shape differs from d.
func (r *Registry) Register(d Descriptor) error {
	if r.entries == nil {
		r.entries = make(map[uint16]Descriptor)
	}
	if existing, ok := r.entries[d.Number]; ok {
		if existing != d {
			return &RegistryConflict{Number: d.Number, Existing: existing}
		}
		return nil
	}
	r.entries[d.Number] = d
	return nil
}

// Lookup returns the descriptor for number, or a synthesized "unrecognized"
// descriptor (format Opaque, length 0..1034, repeatable, valid
// everywhere) if number is not registered.
func (r *Registry) Lookup(number uint16) Descriptor {
	if d, ok := r.entries[number]; ok {
		return d
	}
	return Descriptor{
		Number:     number,
		Name:       fmt.Sprintf("%d", number),
		Format:     Opaque,
		MinLength:  0,
		MaxLength:  1034,
		Repeatable: true,
		InRequest:  true,
		InResponse: true,
	}
}

// Recognized reports whether number has an explicit registry entry.
func (r *Registry) Recognized(number uint16) bool {
	_, ok := r.entries[number]
	return ok
}

// base-CoAP option table, RFC 7252 §5.10.
var baseOptions = []Descriptor{
	{Number: 1, Name: "If-Match", Format: Opaque, MinLength: 0, MaxLength: 8, Repeatable: true, InRequest: true},
	{Number: 3, Name: "Uri-Host", Format: String, MinLength: 1, MaxLength: 255, InRequest: true},
	{Number: 4, Name: "ETag", Format: Opaque, MinLength: 1, MaxLength: 8, Repeatable: true, InRequest: true, InResponse: true},
	{Number: 5, Name: "If-None-Match", Format: Empty, MinLength: 0, MaxLength: 0, InRequest: true},
	{Number: 7, Name: "Uri-Port", Format: Uint, MinLength: 0, MaxLength: 2, InRequest: true},
	{Number: 8, Name: "Location-Path", Format: String, MinLength: 0, MaxLength: 255, Repeatable: true, InResponse: true},
	{Number: 11, Name: "Uri-Path", Format: String, MinLength: 0, MaxLength: 255, Repeatable: true, InRequest: true},
	{Number: 12, Name: "Content-Format", Format: Uint, MinLength: 0, MaxLength: 2, InRequest: true, InResponse: true},
	{Number: 14, Name: "Max-Age", Format: Uint, MinLength: 0, MaxLength: 4, DefaultValue: uint64(60), InResponse: true},
	{Number: 15, Name: "Uri-Query", Format: String, MinLength: 0, MaxLength: 255, Repeatable: true, InRequest: true},
	{Number: 17, Name: "Accept", Format: Uint, MinLength: 0, MaxLength: 2, InRequest: true},
	{Number: 20, Name: "Location-Query", Format: String, MinLength: 0, MaxLength: 255, Repeatable: true, InResponse: true},
	{Number: 35, Name: "Proxy-Uri", Format: String, MinLength: 1, MaxLength: 1034, InRequest: true},
	{Number: 39, Name: "Proxy-Scheme", Format: String, MinLength: 1, MaxLength: 255, InRequest: true},
	{Number: 60, Name: "Size1", Format: Uint, MinLength: 0, MaxLength: 4, InRequest: true, InResponse: true},
}
