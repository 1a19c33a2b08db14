// Package reliability implements the binary exponential back-off
// retransmission state machine for confirmable messages (RFC 7252
// §4.2, §4.8.1): Pending -> InFlight(k) -> Resolved | Expired.
//
// It is grounded on the teacher's internal/stack/reliability/layer.go,
// which keeps a map[MessageID]*state polled from an Update() tick and
// rolls its own jittered-doubling timeout by hand
// (randAckTimeout/Timeout*=2). This repo keeps that same "poll a table
// of pending states" shape but drives the schedule itself off
// github.com/cenkalti/backoff's ExponentialBackOff — drawing tau_0
// uniformly in [ACK_TIMEOUT, ACK_TIMEOUT*ACK_RANDOM_FACTOR] and then
// letting the library double it on every subsequent NextBackOff() call,
// with RandomizationFactor pinned to 0 so only the first draw is
// jittered, matching RFC 7252 §4.8.1's "doubling, not re-jittering, on
// each retransmit".
package reliability

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/nwca/coapcore/message"
	"github.com/nwca/coapcore/params"
)

// State is a point in the Pending -> InFlight(k) -> Resolved | Expired
// lifecycle of a confirmable message (RFC 7252 §4.2).
type State int

const (
	Pending State = iota
	InFlight
	Resolved
	Expired
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case InFlight:
		return "InFlight"
	case Resolved:
		return "Resolved"
	case Expired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// Record tracks one outstanding confirmable message.
type Record struct {
	Message  message.Message
	State    State
	Attempts int

	deadline time.Time
	schedule *backoff.ExponentialBackOff
}

// Deadline reports when Record next needs attention (a retransmit or,
// past MaxRetransmit, expiry).
func (r *Record) Deadline() time.Time { return r.deadline }

// RandFloat64 is the source of jitter for the initial timeout draw.
// Overridable in tests for deterministic schedules.
var RandFloat64 = rand.Float64

// Table is the set of outstanding confirmable messages for one endpoint,
// keyed by Message-ID, exactly as the teacher's Layer.states is (the
// retransmission state machine applies per (endpoint, MID) pair; the
// caller is responsible for keeping one Table per endpoint).
type Table struct {
	params  params.Parameters
	records map[uint16]*Record
}

// New builds an empty Table governed by p.
func New(p params.Parameters) *Table {
	return &Table{params: p, records: make(map[uint16]*Record)}
}

// ErrDuplicateMessageID is returned by Start when the Message-ID already
// has a pending record, mirroring the teacher's ErrDupMessageID.
var ErrDuplicateMessageID = dupError{}

type dupError struct{}

func (dupError) Error() string { return "reliability: message id already pending" }

// Start begins tracking m (which must be a CON message) as of now,
// transitioning it Pending -> InFlight(1) and scheduling its first
// retransmit deadline.
func (t *Table) Start(m message.Message, now time.Time) (*Record, error) {
	if _, exists := t.records[m.MessageID]; exists {
		return nil, ErrDuplicateMessageID
	}
	tau0 := t.initialTimeout()
	sched := &backoff.ExponentialBackOff{
		InitialInterval:     tau0,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         t.params.MaxTransmitWait(),
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	sched.Reset()
	r := &Record{
		Message:  m,
		State:    InFlight,
		Attempts: 1,
		schedule: sched,
	}
	r.deadline = now.Add(sched.NextBackOff())
	t.records[m.MessageID] = r
	return r, nil
}

func (t *Table) initialTimeout() time.Duration {
	factor := t.params.AckRandomFactor - 1
	if factor < 0 {
		factor = 0
	}
	return t.params.AckTimeout + time.Duration(RandFloat64()*factor*float64(t.params.AckTimeout))
}

// Resolve acknowledges or resets mid, removing it from the table and
// returning its record (RFC 7252 §4.2: ACK or RST stops retransmission).
// The second result is false if mid was not pending.
func (t *Table) Resolve(mid uint16) (*Record, bool) {
	r, ok := t.records[mid]
	if !ok {
		return nil, false
	}
	r.State = Resolved
	delete(t.records, mid)
	return r, true
}

// Cancel drops mid from the table without marking it Resolved, for the
// case where a caller outside the transmission record (e.g. the upper
// layer) decides to give up on the exchange before any reply arrives:
// the retransmission timer stops, but the record itself is not kept for
// dedup — callers that want that behavior keep their own copy before
// calling Cancel.
func (t *Table) Cancel(mid uint16) {
	delete(t.records, mid)
}

// Due walks the table as of now and returns every record that needs
// action: either a retransmit (State == InFlight with Attempts
// incremented and a fresh deadline already applied) or an expiry (State
// == Expired, already removed from the table). Callers are expected to
// actually retransmit InFlight records that come back from Due.
func (t *Table) Due(now time.Time) []*Record {
	var due []*Record
	for mid, r := range t.records {
		if !now.Before(r.deadline) {
			due = append(due, t.advance(mid, r, now))
		}
	}
	return due
}

// Advance processes a single due record by Message-ID: either it
// becomes Expired and is removed, or it stays InFlight with Attempts
// incremented and a fresh Deadline. The second result is false if mid
// has no pending record (e.g. it was already resolved elsewhere), which
// callers driving their own per-record timer should treat as a stale
// timer firing, not an error.
func (t *Table) Advance(mid uint16, now time.Time) (*Record, bool) {
	r, ok := t.records[mid]
	if !ok {
		return nil, false
	}
	return t.advance(mid, r, now), true
}

func (t *Table) advance(mid uint16, r *Record, now time.Time) *Record {
	if r.Attempts > t.params.MaxRetransmit {
		r.State = Expired
		delete(t.records, mid)
		return r
	}
	r.Attempts++
	r.deadline = now.Add(r.schedule.NextBackOff())
	return r
}

// Len reports the number of outstanding records, usable as the
// NSTART-adjacent "how many CON exchanges are in flight" count.
func (t *Table) Len() int { return len(t.records) }

// IsLive reports whether mid currently has a pending record, without
// mutating the table. Used by Message-ID allocation to skip IDs that
// are still in flight (RFC 7252 §4.5).
func (t *Table) IsLive(mid uint16) bool {
	_, ok := t.records[mid]
	return ok
}
