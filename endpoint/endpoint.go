// Package endpoint implements the canonical (address, port,
// security-context) endpoint identity RFC 7252 §1.2 calls simply an
// "endpoint": the sender/recipient of a CoAP message.
//
// The teacher keys its session table on net.Addr.String() alone
// (session.go's gctable.Object.Key, server.go's addSession); this repo
// generalizes that key to also carry an opaque security-context
// identifier, since the message layer carries that identifier but does
// not itself authenticate the peer.
package endpoint

import "fmt"

// Endpoint is the canonical identity of a CoAP peer: an IP literal, a
// port, and a security-context identifier. Two endpoints with equal
// tuples are the same endpoint.
type Endpoint struct {
	IP              string
	Port            uint16
	SecurityContext SecurityContextID
}

// New builds an Endpoint. securityContext may be the zero
// SecurityContextID for a plaintext (non-secured) peer.
func New(ip string, port uint16, securityContext SecurityContextID) Endpoint {
	return Endpoint{IP: ip, Port: port, SecurityContext: securityContext}
}

// Equal reports whether e and other identify the same peer.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.IP == other.IP && e.Port == other.Port && e.SecurityContext == other.SecurityContext
}

// Key returns a value suitable as a map key for e, mirroring the
// teacher's use of net.Addr.String() as a session-table key
// (server.go's addSession/getSession) but folding in the security
// context.
func (e Endpoint) Key() string {
	return fmt.Sprintf("%s|%d|%s", e.IP, e.Port, e.SecurityContext)
}

func (e Endpoint) String() string {
	if e.SecurityContext.IsZero() {
		return fmt.Sprintf("%s:%d", e.IP, e.Port)
	}
	return fmt.Sprintf("%s:%d[%s]", e.IP, e.Port, e.SecurityContext)
}
