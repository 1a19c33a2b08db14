package endpoint

import "github.com/google/uuid"

// SecurityContextID opaquely names the security context (if any) under
// which an endpoint is reached. The message layer carries this
// identifier but does not authenticate, encrypt, or otherwise interpret
// it — establishing and verifying a security context is a transport or
// application concern layered above this package.
type SecurityContextID uuid.UUID

// NoSecurityContext is the zero value, used for plaintext endpoints.
var NoSecurityContext SecurityContextID

// NewSecurityContextID mints a fresh random identifier for a newly
// established security context.
func NewSecurityContextID() SecurityContextID {
	return SecurityContextID(uuid.New())
}

// IsZero reports whether id is the absence of a security context.
func (id SecurityContextID) IsZero() bool {
	return id == SecurityContextID{}
}

func (id SecurityContextID) String() string {
	if id.IsZero() {
		return "-"
	}
	return uuid.UUID(id).String()
}
