// Package exchange is the per-endpoint state machine (RFC 7252 §4.6,
// §4.7): it gates how many confirmable or non-confirmable requests may
// be outstanding at once towards a peer (NSTART), throttles sends to a
// peer that has stopped responding (PROBING_RATE), and drives the
// single dispatch step the rest of the core runs inside.
//
// It is grounded on the teacher's session.go (one session per remote
// address, one ackWaiters/respWaiters table per session) and server.go
// (the addSession/getSession table keyed by net.Addr), generalized from
// "one goroutine-driven session" to one state machine object consuming
// discrete events dispatched from a single thread. NSTART and
// PROBING_RATE are declared but never actually enforced anywhere in the
// teacher (args.go's NSTART/PROBING_RATE vars are read nowhere else in
// that repo); this package is where they become real admission-control
// logic.
package exchange

import (
	"time"

	"github.com/google/btree"
	"golang.org/x/time/rate"

	"github.com/nwca/coapcore/dedup"
	"github.com/nwca/coapcore/message"
	"github.com/nwca/coapcore/params"
	"github.com/nwca/coapcore/reliability"
)

// Responsiveness tracks whether an endpoint has been answering.
type Responsiveness int

const (
	// Responsive endpoints are NSTART-gated: up to NSTART CON/NON
	// requests may be outstanding at once.
	Responsive Responsiveness = iota
	// Probing endpoints have gone quiet; sends are additionally
	// throttled to PROBING_RATE bytes/second (RFC 7252 §4.7, §4.8.2)
	// until one replies again.
	Probing
)

// Rejection explains why Submit refused to admit a message.
type Rejection int

const (
	RejectedNone Rejection = iota
	RejectedNSTART
	RejectedProbingRate
)

func (r Rejection) String() string {
	switch r {
	case RejectedNSTART:
		return "NSTART limit reached"
	case RejectedProbingRate:
		return "PROBING_RATE exceeded"
	default:
		return "admitted"
	}
}

// maxDatagramBurst bounds a single PROBING_RATE charge so the token
// bucket can eventually admit one full-sized datagram once enough time
// has elapsed, rather than rejecting every send outright. RFC 7252
// §4.8.2 models PROBING_RATE as an elapsed-time byte budget
// (bytes_in_window + len <= PROBING_RATE * (now - window_start)), which
// a rate.Limiter approximates correctly only when its burst capacity is
// big enough to hold a datagram; a burst pinned to the per-second rate
// (as low as 1 byte for the default PROBING_RATE) would reject every
// message regardless of how long the endpoint has been probing.
const maxDatagramBurst = 1152 // RFC 7252 §4.6 recommended maximum message size

// deadlineItem orders pending retransmission deadlines in the timer
// wheel that Tick walks.
type deadlineItem struct {
	at  time.Time
	mid uint16
}

func (a deadlineItem) Less(than btree.Item) bool {
	b := than.(deadlineItem)
	if a.at.Equal(b.at) {
		return a.mid < b.mid
	}
	return a.at.Before(b.at)
}

// Outcome is one action the caller should take in response to a driven
// event or tick.
type Outcome struct {
	Retransmit *message.Message
	Resolved   *reliability.Record
	Deliver    *message.Message
	SendReply  *message.Message
	Rejected   Rejection
}

// Endpoint is the state machine for one remote peer: its outstanding
// confirmable exchanges, its dedup caches, and its responsiveness.
type Endpoint struct {
	params params.Parameters

	reliable *reliability.Table
	received *dedup.ReceivedCache
	mids     *dedup.Allocator
	deadlines *btree.BTree

	responsiveness Responsiveness
	limiter        *rate.Limiter
	lastReply      time.Time

	outstanding int // CON/NON request transmissions awaiting resolution; gated by NSTART
}

// New builds the state machine for one endpoint governed by p.
func New(p params.Parameters) *Endpoint {
	return &Endpoint{
		params:         p,
		reliable:       reliability.New(p),
		received:       dedup.NewReceivedCache(p),
		mids:           dedup.NewAllocator(0),
		deadlines:      btree.New(2),
		responsiveness: Responsive,
		limiter:        rate.NewLimiter(rate.Limit(p.ProbingRate), maxDatagramBurst),
	}
}

// Submit is the send_submitted event: admit m for transmission if
// NSTART allows it and, when Probing, PROBING_RATE also allows it.
// RFC 7252 §4.7's NSTART precondition covers sending a new Confirmable
// or Non-confirmable request alike, so both message types occupy a
// slot here; only a CON message gets a retransmission record and a
// scheduled deadline, since NON is never retransmitted (RFC 7252 §4.3).
// A NON slot is not freed automatically — since no ACK/RST ever arrives
// for it, the caller must free it with UpperResolution once it
// considers the interaction concluded.
func (e *Endpoint) Submit(m message.Message, now time.Time) (Outcome, error) {
	if m.Type != message.CON && m.Type != message.NON {
		return Outcome{}, nil
	}
	if e.outstanding >= e.params.NStart {
		return Outcome{Rejected: RejectedNSTART}, nil
	}
	if e.responsiveness == Probing && !e.limiter.AllowN(now, len(m.Payload)+4) {
		return Outcome{Rejected: RejectedProbingRate}, nil
	}
	if m.Type != message.CON {
		e.outstanding++
		return Outcome{}, nil
	}
	r, err := e.reliable.Start(m, now)
	if err != nil {
		return Outcome{}, err
	}
	e.outstanding++
	e.deadlines.ReplaceOrInsert(deadlineItem{at: r.Deadline(), mid: m.MessageID})
	return Outcome{}, nil
}

// ReplyReceived is the reply_received event: an ACK or RST resolves the
// matching outstanding record, restores Responsive status, and frees an
// NSTART slot.
func (e *Endpoint) ReplyReceived(mid uint16, now time.Time) (Outcome, bool) {
	r, ok := e.reliable.Resolve(mid)
	if !ok {
		return Outcome{}, false
	}
	e.outstanding--
	e.lastReply = now
	e.responsiveness = Responsive
	return Outcome{Resolved: r}, true
}

// UpperResolution is the upper_resolution event: the upper layer has
// given up on a CON exchange before any reply arrived, or considers a
// NON request's interaction concluded (there is no ACK/RST to do this
// automatically for NON). The retransmission record, if any, is dropped
// from the table: retransmission stops, the Message-ID is no longer
// reported live by NextMessageID's check, and a later ACK/RST for it
// makes ReplyReceived report no match.
func (e *Endpoint) UpperResolution(mid uint16) {
	e.reliable.Cancel(mid)
	e.outstanding--
	if e.outstanding < 0 {
		e.outstanding = 0
	}
}

// Tick is the tick event: walk the timer wheel for deadlines at or
// before now, producing a Retransmit outcome for each record still
// within its retransmit budget and transitioning unresponsive
// endpoints into Probing once a record expires outright.
func (e *Endpoint) Tick(now time.Time) []Outcome {
	var outcomes []Outcome
	for {
		item := e.deadlines.Min()
		if item == nil {
			break
		}
		d := item.(deadlineItem)
		if d.at.After(now) {
			break
		}
		e.deadlines.Delete(item)

		r, ok := e.reliable.Advance(d.mid, now)
		if !ok {
			continue // stale: this record was already resolved elsewhere
		}
		switch r.State {
		case reliability.Expired:
			e.outstanding--
			if e.responsiveness != Probing {
				// Start the PROBING_RATE window empty as of now.
				e.limiter = rate.NewLimiter(rate.Limit(e.params.ProbingRate), maxDatagramBurst)
				e.limiter.AllowN(now, maxDatagramBurst)
			}
			e.responsiveness = Probing
			outcomes = append(outcomes, Outcome{Resolved: r})
		case reliability.InFlight:
			m := r.Message
			e.deadlines.ReplaceOrInsert(deadlineItem{at: r.Deadline(), mid: d.mid})
			outcomes = append(outcomes, Outcome{Retransmit: &m})
		}
	}
	if e.outstanding < 0 {
		e.outstanding = 0
	}
	return outcomes
}

// NextMessageID allocates the next outbound Message-ID for this
// endpoint, skipping any ID still live in the retransmission table.
func (e *Endpoint) NextMessageID() (uint16, bool) {
	return e.mids.Next(e.reliable.IsLive)
}

// Inbound is the dedup half of handling an arriving CON/NON: it reports
// whether m is Fresh, a duplicate to replay or ignore, or a type
// mismatch that must be answered with RST (RFC 7252 §4.5).
func (e *Endpoint) Inbound(m message.Message, now time.Time) dedup.Action {
	return e.received.Observe(m, now)
}

// CacheReply remembers the ACK/RST sent for mid so a later duplicate of
// the same inbound message can be answered by replay instead of being
// reprocessed.
func (e *Endpoint) CacheReply(mid uint16, reply message.Message) error {
	return e.received.PutReply(mid, reply)
}

// CachedReply returns the reply previously cached with CacheReply.
func (e *Endpoint) CachedReply(mid uint16) (message.Message, bool) {
	return e.received.Reply(mid)
}

// Status reports the endpoint's current classification.
func (e *Endpoint) Status() Responsiveness { return e.responsiveness }

// Outstanding reports the number of CON/NON request transmissions
// currently gating NSTART.
func (e *Endpoint) Outstanding() int { return e.outstanding }
