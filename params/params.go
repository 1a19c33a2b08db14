// Package params holds the RFC 7252 §4.7 transmission parameters
// (ACK_TIMEOUT, ACK_RANDOM_FACTOR, MAX_RETRANSMIT, NSTART,
// DEFAULT_LEISURE, PROBING_RATE) and their derived bounds.
//
// The teacher (args.go) holds these as package-level vars, unfit for a
// library meant to host multiple concurrently-configured endpoints:
// this package instead threads an explicit Parameters value through
// each endpoint's state, so two endpoints in the same process can run
// different profiles (e.g. a constrained-radio NSTART=1 endpoint next
// to a low-latency NSTART=4 endpoint).
package params

import (
	"time"

	"github.com/pkg/errors"
)

// Parameters is a validated bundle of CoAP transmission-layer constants
// (RFC 7252 §4.7). The zero value is not valid; build one with Default.
type Parameters struct {
	AckTimeout      time.Duration
	AckRandomFactor float64
	MaxRetransmit   int
	NStart          int
	DefaultLeisure  time.Duration
	ProbingRate     int // bytes/second
}

// Default returns the RFC 7252 §4.8 default parameters, matching the
// teacher's args.go values.
func Default() Parameters {
	return Parameters{
		AckTimeout:      2 * time.Second,
		AckRandomFactor: 1.5,
		MaxRetransmit:   4,
		NStart:          1,
		DefaultLeisure:  5 * time.Second,
		ProbingRate:     1,
	}
}

// Validate reports whether p's fields satisfy the bounds RFC 7252
// §4.8.1 requires of any adjusted parameter set: ACK_RANDOM_FACTOR >= 1,
// MAX_RETRANSMIT >= 0, NSTART >= 1, DEFAULT_LEISURE >= 0, and
// ACK_TIMEOUT and PROBING_RATE positive.
func (p Parameters) Validate() error {
	if p.AckTimeout <= 0 {
		return errors.New("params: ACK_TIMEOUT must be positive")
	}
	if p.AckRandomFactor < 1 {
		return errors.New("params: ACK_RANDOM_FACTOR must be >= 1")
	}
	if p.MaxRetransmit < 0 {
		return errors.New("params: MAX_RETRANSMIT must be >= 0")
	}
	if p.NStart < 1 {
		return errors.New("params: NSTART must be >= 1")
	}
	if p.DefaultLeisure < 0 {
		return errors.New("params: DEFAULT_LEISURE must be >= 0")
	}
	if p.ProbingRate < 1 {
		return errors.New("params: PROBING_RATE must be >= 1")
	}
	return nil
}

// MaxTransmitSpan is the maximum time from the first transmission of a
// confirmable message to its last allowed retransmission (RFC 7252
// §4.8.2).
func (p Parameters) MaxTransmitSpan() time.Duration {
	shift := (1 << uint(p.MaxRetransmit)) - 1
	factor := float64(shift)
	return time.Duration(float64(p.AckTimeout) * factor * p.AckRandomFactor)
}

// MaxTransmitWait is the maximum time from the first transmission of a
// confirmable message to the point a responder gives up on ever seeing
// an acknowledgement (RFC 7252 §4.8.2).
func (p Parameters) MaxTransmitWait() time.Duration {
	shift := (1 << uint(p.MaxRetransmit+1)) - 1
	factor := float64(shift)
	return time.Duration(float64(p.AckTimeout) * factor * p.AckRandomFactor)
}

// Fixed network-characteristic bounds (RFC 7252 §4.8.2). These are not
// themselves tunable per endpoint; they describe the network the
// endpoint assumes it runs over.
const (
	MaxLatency      = 100 * time.Second
	ProcessingDelay = 2 * time.Second
)

// MaxRTT is the maximum round-trip time an endpoint assumes (RFC 7252
// §4.8.2).
func (p Parameters) MaxRTT() time.Duration {
	return 2*MaxLatency + ProcessingDelay
}

// ExchangeLifetime is how long a Message-ID must be kept in the
// deduplication cache after it was first sent (RFC 7252 §4.5, §4.8.2).
func (p Parameters) ExchangeLifetime() time.Duration {
	return p.MaxTransmitSpan() + p.MaxRTT()
}

// NonLifetime is how long a Message-ID from a non-confirmable message
// must be kept in the deduplication cache (RFC 7252 §4.5, §4.8.2).
func (p Parameters) NonLifetime() time.Duration {
	return p.MaxTransmitSpan() + p.MaxLatencyValue()
}

// MaxLatencyValue exposes MaxLatency as a method for symmetry with the
// other derived bounds.
func (p Parameters) MaxLatencyValue() time.Duration {
	return MaxLatency
}
