// Package coapcore is the facade this module exports: it wires the
// option, message, endpoint, params, reliability, dedup, and exchange
// packages into a message-layer contract of submit, cancel, and four
// delivered events (on_reply, on_resolved, on_inbound_request,
// on_inbound_response) against an injected transport.
//
// It is grounded on the teacher's server.go (the addSession/getSession
// table keyed by peer address, the ReadFrom/WriteTo transport loop) and
// session.go (one state object per peer, ackWaiters/respWaiters
// matching replies back to the request that sent them) and
// transmitter.go (the Send-then-wait-for-callback pattern), generalized
// from a goroutine-per-session, callback-closure design to explicit
// event methods driven by a caller-owned loop rather than internal
// goroutines.
package coapcore

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nwca/coapcore/dedup"
	"github.com/nwca/coapcore/endpoint"
	"github.com/nwca/coapcore/exchange"
	"github.com/nwca/coapcore/message"
	"github.com/nwca/coapcore/option"
	"github.com/nwca/coapcore/params"
	"github.com/nwca/coapcore/reliability"
)

// Transport is the injected send/receive boundary. Send is
// non-blocking; a non-nil error resolves the affected transmission as a
// TransportError. Receiving is the caller's responsibility: feed
// inbound datagrams to Core.Deliver as they arrive on whatever channel
// the transport uses.
type Transport interface {
	Send(dest endpoint.Endpoint, p []byte) error
}

// Handle is a weak index into the sent-message bookkeeping: it names an
// endpoint and the Message-ID submitted for it, but carries no pointer
// into the core's internal state, so it stays valid to hold (and to
// pass to Cancel) even after the underlying record has resolved or
// expired.
type Handle struct {
	Endpoint  endpoint.Endpoint
	MessageID uint16
}

// Outcome is how a submitted exchange was resolved: an ACK or a
// matching response settles it as succeeded, an RST or retransmission
// timeout past MaxRetransmit settles it as failed (RFC 7252 §4.2).
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeFailed
)

func (o Outcome) String() string {
	if o == OutcomeSucceeded {
		return "succeeded"
	}
	return "failed"
}

// UpperLayer receives the four message-layer events Core delivers.
// Implementations must not block; Core calls these synchronously from
// within Deliver and Tick.
type UpperLayer interface {
	OnReply(h Handle, reply message.Message)
	OnResolved(h Handle, outcome Outcome)
	OnInboundRequest(src endpoint.Endpoint, m message.Message)
	OnInboundResponse(src endpoint.Endpoint, m message.Message, matched Handle, matchedOK bool)
}

// ReplyMessageError reports an inbound reply whose Message-ID matches
// no outstanding sent record; it is diagnostic only — the reply is
// dropped, not propagated as a failure.
type ReplyMessageError struct {
	Source    endpoint.Endpoint
	MessageID uint16
}

func (e *ReplyMessageError) Error() string {
	return errors.Errorf("coapcore: reply from %s for unknown message id %d", e.Source, e.MessageID).Error()
}

// TransportError wraps a Transport.Send failure.
type TransportError struct {
	Dest  endpoint.Endpoint
	Cause error
}

func (e *TransportError) Error() string {
	return errors.Wrapf(e.Cause, "coapcore: send to %s", e.Dest).Error()
}

func (e *TransportError) Unwrap() error { return e.Cause }

// Core is the message-layer engine: option registry, transmission
// parameters, one exchange.Endpoint per peer, and the injected
// transport and upper layer.
type Core struct {
	registry  *option.Registry
	params    params.Parameters
	transport Transport
	upper     UpperLayer
	log       logrus.FieldLogger

	endpoints map[string]*endpointState
}

type endpointState struct {
	addr  endpoint.Endpoint
	state *exchange.Endpoint
	queue []message.Message
}

// New builds a Core. reg may be nil, in which case option.NewBaseRegistry
// is used. log may be nil, in which case a logrus.New() default is used
// (matching the teacher's bare log.Printf posture, just structured).
func New(transport Transport, upper UpperLayer, p params.Parameters, reg *option.Registry, log logrus.FieldLogger) *Core {
	if reg == nil {
		reg = option.NewBaseRegistry()
	}
	if log == nil {
		log = logrus.New()
	}
	return &Core{
		registry:  reg,
		params:    p,
		transport: transport,
		upper:     upper,
		log:       log.WithField("component", "coapcore"),
		endpoints: make(map[string]*endpointState),
	}
}

func (c *Core) endpointStateFor(ep endpoint.Endpoint) *endpointState {
	key := ep.Key()
	s, ok := c.endpoints[key]
	if !ok {
		s = &endpointState{addr: ep, state: exchange.New(c.params)}
		c.endpoints[key] = s
	}
	return s
}

func (c *Core) endpointFor(ep endpoint.Endpoint) *exchange.Endpoint {
	return c.endpointStateFor(ep).state
}

// Submit is submit(dest, message): it assigns a Message-ID if m.MessageID
// is zero, and admits the send through NSTART/PROBING_RATE. RFC 7252
// §4.7's NSTART precondition applies to a new Confirmable or
// Non-confirmable request alike, so both are queued rather than
// rejected outright when NSTART is already saturated for this endpoint,
// and transmitted once a slot frees up — the returned Handle is valid
// immediately either way.
func (c *Core) Submit(dest endpoint.Endpoint, m message.Message, now time.Time) (Handle, error) {
	s := c.endpointStateFor(dest)
	if m.MessageID == 0 {
		mid, ok := s.state.NextMessageID()
		if !ok {
			return Handle{}, errors.New("coapcore: message id space exhausted")
		}
		m.MessageID = mid
	}
	h := Handle{Endpoint: dest, MessageID: m.MessageID}

	if (m.Type == message.CON || m.Type == message.NON) && s.state.Outstanding() >= c.params.NStart {
		s.queue = append(s.queue, m)
		return h, nil
	}
	if err := c.transmit(s, m, now); err != nil {
		return Handle{}, err
	}
	return h, nil
}

func (c *Core) transmit(s *endpointState, m message.Message, now time.Time) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	out, err := s.state.Submit(m, now)
	if err != nil {
		return err
	}
	if out.Rejected != exchange.RejectedNone {
		s.queue = append(s.queue, m)
		return nil
	}
	if err := c.transport.Send(s.addr, data); err != nil {
		s.state.UpperResolution(m.MessageID)
		return &TransportError{Dest: s.addr, Cause: err}
	}
	return nil
}

// drain transmits as many queued messages as NSTART currently allows
// for s, preserving submission order.
func (c *Core) drain(s *endpointState, now time.Time) {
	for len(s.queue) > 0 && s.state.Outstanding() < c.params.NStart {
		m := s.queue[0]
		s.queue = s.queue[1:]
		waiting := len(s.queue)
		if err := c.transmit(s, m, now); err != nil {
			c.log.WithError(err).Warn("draining queued submission")
		}
		if len(s.queue) > waiting {
			// transmit re-queued m at the back (PROBING_RATE refused it):
			// put it back at the head and wait for a later drain.
			s.queue = append([]message.Message{m}, s.queue[:waiting]...)
			return
		}
	}
}

// Cancel is cancel(handle): the upper layer gives up on a CON exchange
// before any reply arrived, or considers a NON request's interaction
// concluded. The retransmission record for h.MessageID, if any, is
// dropped: retransmission stops, the Message-ID is no longer reported
// live to Message-ID allocation, and a later ACK/RST for it is treated
// as unmatched. A still-queued submission is simply dropped from the
// queue.
func (c *Core) Cancel(h Handle, now time.Time) {
	s, ok := c.endpoints[h.Endpoint.Key()]
	if !ok {
		return
	}
	for i, m := range s.queue {
		if m.MessageID == h.MessageID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
	s.state.UpperResolution(h.MessageID)
	c.drain(s, now)
}

// Tick drives the retransmission timers for every known endpoint,
// retransmitting records that are due and firing OnResolved (as failed)
// for records that expired, then drains each endpoint's submission
// queue. Acknowledged records are resolved by Deliver, not here.
func (c *Core) Tick(now time.Time) {
	for _, s := range c.endpoints {
		for _, out := range s.state.Tick(now) {
			switch {
			case out.Retransmit != nil:
				data, err := out.Retransmit.Marshal()
				if err != nil {
					c.log.WithError(err).Warn("re-marshal retransmit")
					continue
				}
				if err := c.transport.Send(s.addr, data); err != nil {
					c.log.WithError(err).Warn("retransmit send failed")
					mid := out.Retransmit.MessageID
					s.state.UpperResolution(mid)
					c.upper.OnResolved(Handle{Endpoint: s.addr, MessageID: mid}, OutcomeFailed)
				}
			case out.Resolved != nil:
				h := Handle{Endpoint: s.addr, MessageID: out.Resolved.Message.MessageID}
				outcome := OutcomeSucceeded
				if out.Resolved.State == reliability.Expired {
					outcome = OutcomeFailed
				}
				c.upper.OnResolved(h, outcome)
			}
		}
		c.drain(s, now)
	}
}

// Deliver is the recv() half of the transport contract: decode data
// from src, run it through dedup and reply matching, and fire the
// appropriate upper-layer event.
func (c *Core) Deliver(src endpoint.Endpoint, data []byte, now time.Time) error {
	var m message.Message
	if err := m.Unmarshal(data); err != nil {
		if fe, ok := err.(*message.FormatError); ok && m.Type == message.CON {
			c.replyRST(src, m.MessageID, now)
			return fe
		}
		return err
	}
	resolved, err := option.ResolveValues(c.registry, m.Options)
	if err != nil {
		if m.Type == message.CON {
			c.replyRST(src, m.MessageID, now)
		}
		return err
	}
	m.Options = resolved
	if err := m.Validate(); err != nil {
		if m.Type == message.CON {
			c.replyRST(src, m.MessageID, now)
		}
		return err
	}
	if err := m.ValidateOptions(c.registry); err != nil {
		if m.Type == message.CON {
			c.replyRST(src, m.MessageID, now)
		}
		return err
	}

	switch m.Type {
	case message.ACK, message.RST:
		return c.deliverReply(src, m, now)
	default:
		return c.deliverIndication(src, m, now)
	}
}

func (c *Core) deliverReply(src endpoint.Endpoint, m message.Message, now time.Time) error {
	s := c.endpointStateFor(src)
	e := s.state
	if _, ok := e.ReplyReceived(m.MessageID, now); !ok {
		err := &ReplyMessageError{Source: src, MessageID: m.MessageID}
		c.log.WithField("endpoint", src.String()).Warn(err.Error())
		return err
	}
	h := Handle{Endpoint: src, MessageID: m.MessageID}
	if m.Type == message.ACK && !m.IsEmpty() {
		c.upper.OnReply(h, m)
		c.upper.OnInboundResponse(src, m, h, true)
	}
	outcome := OutcomeSucceeded
	if m.Type == message.RST {
		outcome = OutcomeFailed
	}
	c.upper.OnResolved(h, outcome)
	c.drain(s, now)
	return nil
}

func (c *Core) deliverIndication(src endpoint.Endpoint, m message.Message, now time.Time) error {
	e := c.endpointFor(src)
	switch e.Inbound(m, now) {
	case dedup.DuplicateIgnore:
		return nil
	case dedup.DuplicateReplay:
		if reply, ok := e.CachedReply(m.MessageID); ok {
			data, err := reply.Marshal()
			if err != nil {
				return err
			}
			return c.transport.Send(src, data)
		}
		return nil
	case dedup.MismatchRST:
		c.replyRST(src, m.MessageID, now)
		return nil
	}

	if m.IsEmpty() {
		// An empty CON is a CoAP ping: answer it with RST.
		if m.Type == message.CON {
			c.replyRST(src, m.MessageID, now)
		}
		return nil
	}
	if m.Code.Class() == 0 {
		c.upper.OnInboundRequest(src, m)
	} else {
		c.upper.OnInboundResponse(src, m, Handle{}, false)
	}
	return nil
}

func (c *Core) replyRST(dest endpoint.Endpoint, mid uint16, now time.Time) {
	rst := message.Message{Type: message.RST, Code: message.Empty, MessageID: mid}
	data, err := rst.Marshal()
	if err != nil {
		c.log.WithError(err).Error("marshal RST")
		return
	}
	if err := c.transport.Send(dest, data); err != nil {
		c.log.WithError(err).Warn("send RST")
		return
	}
	e := c.endpointFor(dest)
	e.CacheReply(mid, rst)
}
