package message

import (
	"fmt"

	"github.com/nwca/coapcore/option"
)

// SemanticError reports a structurally well-formed message that violates
// a CoAP-level invariant on type/code combinations (RFC 7252 §3). Unlike
// FormatError, the bytes decoded cleanly; the violation is about meaning.
type SemanticError struct {
	Reason string
}

func (e *SemanticError) Error() string {
	return fmt.Sprintf("message: semantic error: %s", e.Reason)
}

// Validate checks the type/code invariants of RFC 7252 §3, §5.9's code
// registry: RST and empty messages carry nothing else; ACK is empty or a
// response (class 2/4/5); requests are class 0 (0.01 GET .. 0.31);
// classes 3, 6, 7 never appear.
func (m Message) Validate() error {
	class := m.Code.Class()
	switch class {
	case 3, 6, 7:
		return &SemanticError{Reason: fmt.Sprintf("undefined code class %d", class)}
	}
	if m.Code == Empty {
		if !m.IsEmpty() {
			return &SemanticError{Reason: "empty code 0.00 must carry no token, options, or payload"}
		}
		return nil
	}
	switch m.Type {
	case RST:
		return &SemanticError{Reason: "RST must be empty (code 0.00)"}
	case ACK:
		if class != 2 && class != 4 && class != 5 {
			return &SemanticError{Reason: fmt.Sprintf("ACK with non-response class %d", class)}
		}
	default: // CON, NON
		if class != 0 && class != 2 && class != 4 && class != 5 {
			return &SemanticError{Reason: fmt.Sprintf("unexpected code class %d for %s", class, m.Type)}
		}
	}
	return nil
}

// ValidateOptions runs the option registry validation appropriate to m's
// code class (request vs response) and returns option.ValidationErrors
// on violation (RFC 7252 §5.4.2).
func (m Message) ValidateOptions(reg *option.Registry) error {
	side := option.InResponse
	if m.Code.Class() == 0 {
		side = option.InRequest
	}
	return option.Validate(reg, m.Options, side)
}
