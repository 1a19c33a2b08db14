package coapcore

import (
	"sync"
	"testing"
	"time"

	"github.com/nwca/coapcore/endpoint"
	"github.com/nwca/coapcore/message"
	"github.com/nwca/coapcore/option"
	"github.com/nwca/coapcore/params"
	"github.com/nwca/coapcore/reliability"
)

// recordingTransport captures every datagram handed to Send, keyed by
// destination, in send order.
type recordingTransport struct {
	mu   sync.Mutex
	sent []sentDatagram
}

type sentDatagram struct {
	dest endpoint.Endpoint
	data []byte
}

func (t *recordingTransport) Send(dest endpoint.Endpoint, p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sentDatagram{dest: dest, data: append([]byte(nil), p...)})
	return nil
}

func (t *recordingTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *recordingTransport) last() sentDatagram {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent[len(t.sent)-1]
}

// recordingUpperLayer captures every event fired by Core.
type recordingUpperLayer struct {
	mu        sync.Mutex
	replies   []message.Message
	resolved  []Outcome
	requests  []message.Message
	responses []message.Message
}

func (u *recordingUpperLayer) OnReply(h Handle, reply message.Message) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.replies = append(u.replies, reply)
}

func (u *recordingUpperLayer) OnResolved(h Handle, outcome Outcome) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resolved = append(u.resolved, outcome)
}

func (u *recordingUpperLayer) OnInboundRequest(src endpoint.Endpoint, m message.Message) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.requests = append(u.requests, m)
}

func (u *recordingUpperLayer) OnInboundResponse(src endpoint.Endpoint, m message.Message, matched Handle, matchedOK bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.responses = append(u.responses, m)
}

func newTestCore(p params.Parameters) (*Core, *recordingTransport, *recordingUpperLayer) {
	tr := &recordingTransport{}
	up := &recordingUpperLayer{}
	return New(tr, up, p, option.NewBaseRegistry(), nil), tr, up
}

func testPeer() endpoint.Endpoint {
	return endpoint.New("203.0.113.1", 5683, endpoint.NoSecurityContext)
}

// Scenario 1: an empty CON ping is answered with a matching empty RST,
// and resolves as failed from the sender's perspective once it observes
// the RST.
func TestScenarioEmptyPing(t *testing.T) {
	clientCore, clientTr, clientUp := newTestCore(params.Default())
	peer := testPeer()
	now := time.Unix(0, 0)

	ping := message.Message{Type: message.CON, Code: message.Empty, MessageID: 0x1234}
	h, err := clientCore.Submit(peer, ping, now)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if clientTr.count() != 1 {
		t.Fatalf("expected one datagram sent, got %d", clientTr.count())
	}
	wire := clientTr.last().data
	if len(wire) != 4 || wire[0] != 0x40 || wire[2] != 0x12 || wire[3] != 0x34 {
		t.Fatalf("unexpected ping wire bytes: % x", wire)
	}

	rst := message.Message{Type: message.RST, Code: message.Empty, MessageID: 0x1234}
	data, err := rst.Marshal()
	if err != nil {
		t.Fatalf("marshal rst: %v", err)
	}
	if data[0] != 0x70 {
		t.Fatalf("unexpected rst first byte: %x", data[0])
	}
	if err := clientCore.Deliver(peer, data, now); err != nil {
		t.Fatalf("deliver rst: %v", err)
	}
	if len(clientUp.resolved) != 1 || clientUp.resolved[0] != OutcomeFailed {
		t.Fatalf("expected one failed resolution, got %+v", clientUp.resolved)
	}
	_ = h
}

// Scenario 2: a simple GET/2.05 exchange resolves as succeeded and
// delivers the response payload to the upper layer.
func TestScenarioSimpleGet(t *testing.T) {
	core, tr, up := newTestCore(params.Default())
	peer := testPeer()
	now := time.Unix(0, 0)

	req := message.Message{
		Type:      message.CON,
		Code:      message.GET,
		MessageID: 1,
		Token:     []byte{0xaa},
		Options:   option.Sequence{{Number: 11, Value: "temperature"}},
	}
	if _, err := core.Submit(peer, req, now); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if tr.count() != 1 {
		t.Fatalf("expected request sent, got %d datagrams", tr.count())
	}

	resp := message.Message{
		Type:      message.ACK,
		Code:      message.NewCode(2, 5),
		MessageID: 1,
		Token:     []byte{0xaa},
		Payload:   []byte("22.5 C"),
	}
	data, err := resp.Marshal()
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	if err := core.Deliver(peer, data, now); err != nil {
		t.Fatalf("deliver response: %v", err)
	}
	if len(up.replies) != 1 || string(up.replies[0].Payload) != "22.5 C" {
		t.Fatalf("expected reply delivered with payload, got %+v", up.replies)
	}
	if len(up.resolved) != 1 || up.resolved[0] != OutcomeSucceeded {
		t.Fatalf("expected succeeded resolution, got %+v", up.resolved)
	}
}

// A recognized, well-formed option (Uri-Path) must survive Deliver's
// decode path and reach the upper layer with its typed value resolved,
// not be spuriously rejected for failing a length check against raw
// undecoded bytes.
func TestDeliverResolvesRecognizedOptionValues(t *testing.T) {
	core, tr, up := newTestCore(params.Default())
	peer := testPeer()
	now := time.Unix(0, 0)

	req := message.Message{
		Type:      message.CON,
		Code:      message.GET,
		MessageID: 5,
		Options:   option.Sequence{{Number: 11, Value: "hi"}}, // Uri-Path
	}
	data, err := req.Marshal()
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if err := core.Deliver(peer, data, now); err != nil {
		t.Fatalf("deliver request with recognized option: %v", err)
	}
	if tr.count() != 0 {
		t.Fatalf("expected no RST sent, got %d datagrams", tr.count())
	}
	if len(up.requests) != 1 {
		t.Fatalf("expected request delivered to upper layer, got %d", len(up.requests))
	}
	if got := up.requests[0].Options[0].Value; got != "hi" {
		t.Fatalf("expected resolved string value %q, got %#v", "hi", got)
	}
}

// Scenario 3: with ACK_TIMEOUT=2s and ACK_RANDOM_FACTOR=1.0 (no jitter),
// a CON that is never acknowledged is retransmitted at t=2 and t=6, then
// acknowledged on its third transmission at t=7; exactly three
// transmissions total, and the exchange resolves as succeeded.
func TestScenarioRetransmitSucceedsOnThirdTry(t *testing.T) {
	old := reliability.RandFloat64
	reliability.RandFloat64 = func() float64 { return 0 }
	defer func() { reliability.RandFloat64 = old }()

	p := params.Default()
	p.AckTimeout = 2 * time.Second
	p.AckRandomFactor = 1.0
	core, tr, up := newTestCore(p)
	peer := testPeer()

	start := time.Unix(0, 0)
	req := message.Message{Type: message.CON, Code: message.GET, MessageID: 7}
	if _, err := core.Submit(peer, req, start); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if tr.count() != 1 {
		t.Fatalf("expected 1 transmission after submit, got %d", tr.count())
	}

	core.Tick(start.Add(1 * time.Second))
	if tr.count() != 1 {
		t.Fatalf("expected no retransmit before t=2, got %d", tr.count())
	}

	core.Tick(start.Add(2 * time.Second))
	if tr.count() != 2 {
		t.Fatalf("expected retransmit at t=2, got %d", tr.count())
	}

	core.Tick(start.Add(5 * time.Second))
	if tr.count() != 2 {
		t.Fatalf("expected no retransmit before t=6, got %d", tr.count())
	}

	core.Tick(start.Add(6 * time.Second))
	if tr.count() != 3 {
		t.Fatalf("expected retransmit at t=6, got %d", tr.count())
	}

	ack := message.Message{Type: message.ACK, Code: message.NewCode(2, 5), MessageID: 7}
	data, err := ack.Marshal()
	if err != nil {
		t.Fatalf("marshal ack: %v", err)
	}
	if err := core.Deliver(peer, data, start.Add(7*time.Second)); err != nil {
		t.Fatalf("deliver ack: %v", err)
	}
	if tr.count() != 3 {
		t.Fatalf("expected exactly 3 total transmissions, got %d", tr.count())
	}
	if len(up.resolved) != 1 || up.resolved[0] != OutcomeSucceeded {
		t.Fatalf("expected succeeded resolution, got %+v", up.resolved)
	}
}

// Scenario 4: a retransmitted inbound CON request is recognized as a
// duplicate and answered by replaying the cached reply rather than
// re-delivering the request to the upper layer a second time.
func TestScenarioDedupReplay(t *testing.T) {
	core, tr, up := newTestCore(params.Default())
	peer := testPeer()
	now := time.Unix(0, 0)

	req := message.Message{Type: message.CON, Code: message.GET, MessageID: 42, Token: []byte{0x01}}
	data, err := req.Marshal()
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if err := core.Deliver(peer, data, now); err != nil {
		t.Fatalf("deliver first request: %v", err)
	}
	if len(up.requests) != 1 {
		t.Fatalf("expected one delivered request, got %d", len(up.requests))
	}

	ack := message.Message{Type: message.ACK, Code: message.NewCode(2, 5), MessageID: 42, Token: []byte{0x01}}
	if err := core.endpointFor(peer).CacheReply(42, ack); err != nil {
		t.Fatalf("cache reply: %v", err)
	}

	if err := core.Deliver(peer, data, now.Add(time.Second)); err != nil {
		t.Fatalf("deliver duplicate request: %v", err)
	}
	if len(up.requests) != 1 {
		t.Fatalf("duplicate must not be redelivered as a fresh request, got %d deliveries", len(up.requests))
	}
	if tr.count() != 1 {
		t.Fatalf("expected the cached ACK replayed once, got %d datagrams sent", tr.count())
	}
	replayed := tr.last().data
	var decoded message.Message
	if err := decoded.Unmarshal(replayed); err != nil {
		t.Fatalf("unmarshal replayed reply: %v", err)
	}
	if decoded.Type != message.ACK || decoded.MessageID != 42 {
		t.Fatalf("replayed datagram is not the cached ACK: %+v", decoded)
	}
}

// Scenario 5: a request carrying an unrecognized critical option is
// rejected outright; a confirmable request gets an RST reply and is
// never delivered to the upper layer.
func TestScenarioUnrecognizedCriticalOption(t *testing.T) {
	core, tr, up := newTestCore(params.Default())
	peer := testPeer()
	now := time.Unix(0, 0)

	const unrecognizedCritical = 9 // odd => critical, absent from the base table
	req := message.Message{
		Type:      message.CON,
		Code:      message.GET,
		MessageID: 99,
		Options:   option.Sequence{{Number: unrecognizedCritical, Value: []byte{0x01}}},
	}
	data, err := req.Marshal()
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if err := core.Deliver(peer, data, now); err == nil {
		t.Fatalf("expected an error for unrecognized critical option")
	}
	if len(up.requests) != 0 {
		t.Fatalf("request with unrecognized critical option must not reach the upper layer, got %d", len(up.requests))
	}
	if tr.count() != 1 {
		t.Fatalf("expected exactly one RST sent, got %d", tr.count())
	}
	var rst message.Message
	if err := rst.Unmarshal(tr.last().data); err != nil {
		t.Fatalf("unmarshal rst: %v", err)
	}
	if rst.Type != message.RST || rst.MessageID != 99 {
		t.Fatalf("expected RST for message id 99, got %+v", rst)
	}
}

// Scenario 6: with NSTART=1, a second confirmable submission to the same
// endpoint is queued rather than transmitted until the first resolves;
// it is transmitted automatically once that slot frees up.
func TestScenarioNSTARTQueuesSecondSubmission(t *testing.T) {
	p := params.Default()
	p.NStart = 1
	core, tr, _ := newTestCore(p)
	peer := testPeer()
	now := time.Unix(0, 0)

	conA := message.Message{Type: message.CON, Code: message.GET, MessageID: 1}
	if _, err := core.Submit(peer, conA, now); err != nil {
		t.Fatalf("submit A: %v", err)
	}
	if tr.count() != 1 {
		t.Fatalf("expected CON-A transmitted immediately, got %d", tr.count())
	}

	conB := message.Message{Type: message.CON, Code: message.GET, MessageID: 2}
	hB, err := core.Submit(peer, conB, now)
	if err != nil {
		t.Fatalf("submit B: %v", err)
	}
	if tr.count() != 1 {
		t.Fatalf("expected CON-B queued, not transmitted, got %d datagrams", tr.count())
	}

	ackA := message.Message{Type: message.ACK, Code: message.NewCode(2, 5), MessageID: 1}
	data, err := ackA.Marshal()
	if err != nil {
		t.Fatalf("marshal ack: %v", err)
	}
	if err := core.Deliver(peer, data, now); err != nil {
		t.Fatalf("deliver ack for A: %v", err)
	}

	if tr.count() != 2 {
		t.Fatalf("expected CON-B transmitted once CON-A resolved, got %d", tr.count())
	}
	if hB.MessageID != 2 {
		t.Fatalf("unexpected handle for B: %+v", hB)
	}
}

// RFC 7252 §4.7's NSTART precondition covers a new Non-confirmable
// request exactly as it covers Confirmable: with NSTART=1, a second NON
// submission is queued rather than transmitted until the caller frees
// the first slot with Cancel (there is no ACK/RST to do that
// automatically for NON).
func TestNSTARTQueuesSecondNONSubmission(t *testing.T) {
	p := params.Default()
	p.NStart = 1
	core, tr, _ := newTestCore(p)
	peer := testPeer()
	now := time.Unix(0, 0)

	nonA := message.Message{Type: message.NON, Code: message.GET, MessageID: 1}
	hA, err := core.Submit(peer, nonA, now)
	if err != nil {
		t.Fatalf("submit A: %v", err)
	}
	if tr.count() != 1 {
		t.Fatalf("expected NON-A transmitted immediately, got %d", tr.count())
	}

	nonB := message.Message{Type: message.NON, Code: message.GET, MessageID: 2}
	if _, err := core.Submit(peer, nonB, now); err != nil {
		t.Fatalf("submit B: %v", err)
	}
	if tr.count() != 1 {
		t.Fatalf("expected NON-B queued behind NSTART, not transmitted, got %d datagrams", tr.count())
	}

	core.Cancel(hA, now)
	if tr.count() != 2 {
		t.Fatalf("expected NON-B transmitted once NON-A's slot was freed, got %d", tr.count())
	}
}
