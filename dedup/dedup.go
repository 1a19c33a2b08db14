// Package dedup implements the Message-ID deduplication caches of RFC
// 7252 §4.5: a received-side cache that recognizes a retransmitted
// CON/NON as a duplicate and also remembers the ACK/RST sent for a given
// inbound Message-ID so it can be replayed verbatim, plus an Allocator
// for fresh outbound Message-IDs.
//
// It is grounded on the teacher's internal/stack/deduplication/layer.go
// (the CON/NON duplicate matrix and the "reply already sent" replay
// rule) and internal/gctable/table.go (expiring map with a size/time GC
// threshold). The teacher runs both behind a mutex because its Layer
// chain is driven by arbitrary goroutines; this repo's single-threaded
// dispatch step mutates the cache only once per event, so the mutex is
// dropped and the GC policy collapses to a single unsharded map swept
// opportunistically on access, matching gctable's bucket.gc() threshold
// idea without gctable's sharding (there is no concurrent writer to
// shard against).
package dedup

import (
	"time"

	"github.com/nwca/coapcore/endpoint"
	"github.com/nwca/coapcore/message"
	"github.com/nwca/coapcore/params"
)

// Action is the disposition Observe assigns to an inbound CON/NON.
type Action int

const (
	// Fresh: no prior record for this Message-ID; process normally.
	Fresh Action = iota
	// DuplicateIgnore: a duplicate NON, or a duplicate CON with no
	// cached reply yet; drop silently.
	DuplicateIgnore
	// DuplicateReplay: a duplicate CON with a cached ACK/RST; resend
	// the cached reply rather than reprocessing.
	DuplicateReplay
	// MismatchRST: a NON was recorded for this Message-ID and a CON
	// with the same ID now arrives; this is a protocol violation by
	// the peer, and the teacher's rule is to answer with RST.
	MismatchRST
)

type receivedEntry struct {
	seenAt time.Time
	typ    message.Type
	reply  *message.Message
}

func (e *receivedEntry) expired(now time.Time, p params.Parameters) bool {
	lifetime := p.ExchangeLifetime()
	if e.typ == message.NON {
		lifetime = p.NonLifetime()
	}
	return now.Sub(e.seenAt) > lifetime
}

// ReceivedCache recognizes retransmitted inbound messages per endpoint
// (RFC 7252 §4.5). One ReceivedCache instance should be kept per remote
// endpoint, keyed further by Message-ID.
type ReceivedCache struct {
	params  params.Parameters
	entries map[uint16]*receivedEntry
}

// NewReceivedCache builds an empty cache governed by p.
func NewReceivedCache(p params.Parameters) *ReceivedCache {
	return &ReceivedCache{params: p, entries: make(map[uint16]*receivedEntry)}
}

// Observe records m as seen as of now and reports how the caller should
// treat it, mirroring the teacher's Recv CON/NON matrix exactly:
// NON-after-NON is ignored, CON-after-CON replays any cached reply,
// NON-after-CON is ignored, CON-after-NON gets a Mismatch RST.
func (c *ReceivedCache) Observe(m message.Message, now time.Time) Action {
	e, ok := c.entries[m.MessageID]
	if ok && e.expired(now, c.params) {
		delete(c.entries, m.MessageID)
		ok = false
	}
	if !ok {
		c.entries[m.MessageID] = &receivedEntry{seenAt: now, typ: m.Type}
		return Fresh
	}
	switch {
	case e.typ == message.NON && m.Type == message.NON:
		return DuplicateIgnore
	case e.typ == message.CON && m.Type == message.CON:
		if e.reply != nil {
			return DuplicateReplay
		}
		return DuplicateIgnore
	case e.typ == message.NON && m.Type == message.CON:
		return MismatchRST
	case e.typ == message.CON && m.Type == message.NON:
		return DuplicateIgnore
	}
	return DuplicateIgnore
}

// PutReply caches the ACK/RST reply sent for a previously Observe'd
// Message-ID, so a later DuplicateReplay can retrieve it. It is a
// programming error to call PutReply for a Message-ID Observe has not
// seen; callers that hit ErrNotObserved have a bug in their dispatch
// ordering.
func (c *ReceivedCache) PutReply(mid uint16, reply message.Message) error {
	e, ok := c.entries[mid]
	if !ok {
		return ErrNotObserved
	}
	if e.reply != nil {
		return ErrReplyAlreadySet
	}
	e.reply = &reply
	return nil
}

// Reply returns the cached reply for mid, if any.
func (c *ReceivedCache) Reply(mid uint16) (message.Message, bool) {
	e, ok := c.entries[mid]
	if !ok || e.reply == nil {
		return message.Message{}, false
	}
	return *e.reply, true
}

// Sweep removes expired entries; safe to call periodically or before
// any Observe as opportunistic GC.
func (c *ReceivedCache) Sweep(now time.Time) {
	for id, e := range c.entries {
		if e.expired(now, c.params) {
			delete(c.entries, id)
		}
	}
}

// ErrNotObserved and ErrReplyAlreadySet are the two ways PutReply can
// be misused.
type dedupError string

func (e dedupError) Error() string { return string(e) }

const (
	ErrNotObserved     = dedupError("dedup: put reply for unobserved message id")
	ErrReplyAlreadySet = dedupError("dedup: reply already cached for message id")
)

// Endpoints is a ReceivedCache per remote endpoint, since deduplication
// state does not cross endpoints (RFC 7252 §4.5).
type Endpoints struct {
	params params.Parameters
	byPeer map[string]*ReceivedCache
}

// NewEndpoints builds an empty per-endpoint cache table governed by p.
func NewEndpoints(p params.Parameters) *Endpoints {
	return &Endpoints{params: p, byPeer: make(map[string]*ReceivedCache)}
}

// For returns the ReceivedCache for ep, creating one on first use.
func (e *Endpoints) For(ep endpoint.Endpoint) *ReceivedCache {
	key := ep.Key()
	c, ok := e.byPeer[key]
	if !ok {
		c = NewReceivedCache(e.params)
		e.byPeer[key] = c
	}
	return c
}

// Drop discards all cached state for ep, e.g. when its security context
// is torn down.
func (e *Endpoints) Drop(ep endpoint.Endpoint) {
	delete(e.byPeer, ep.Key())
}

// Allocator issues fresh outbound Message-IDs. The teacher's
// session.genMessageID is a bare incrementing counter with no wraparound
// handling at all; this repo generalizes it per RFC 7252 §4.5: on
// wraparound, a candidate ID still pending in the sent-side
// retransmission table (i.e. "live") must be skipped, since reusing it
// would let an old ACK/RST resolve the wrong exchange.
type Allocator struct {
	next uint16
}

// NewAllocator starts an Allocator at an arbitrary seed, so that two
// endpoints in the same process don't hand out identical Message-IDs
// during interop testing; callers that don't care can seed with 0.
func NewAllocator(seed uint16) *Allocator {
	return &Allocator{next: seed}
}

// Next returns the next Message-ID not reported live by isLive,
// advancing past the full uint16 space at most once before giving up.
func (a *Allocator) Next(isLive func(mid uint16) bool) (uint16, bool) {
	start := a.next
	for {
		candidate := a.next
		a.next++
		if isLive == nil || !isLive(candidate) {
			return candidate, true
		}
		if a.next == start {
			return 0, false
		}
	}
}
