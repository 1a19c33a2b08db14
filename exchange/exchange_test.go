package exchange

import (
	"testing"
	"time"

	"github.com/nwca/coapcore/message"
	"github.com/nwca/coapcore/params"
	"github.com/nwca/coapcore/reliability"
)

func TestNSTARTGatesSubmission(t *testing.T) {
	p := params.Default()
	p.NStart = 1
	e := New(p)
	now := time.Unix(0, 0)

	m1 := message.Message{Type: message.CON, MessageID: 1}
	out, err := e.Submit(m1, now)
	if err != nil || out.Rejected != RejectedNone {
		t.Fatalf("first submit: out=%+v err=%v", out, err)
	}
	m2 := message.Message{Type: message.CON, MessageID: 2}
	out, err = e.Submit(m2, now)
	if err != nil || out.Rejected != RejectedNSTART {
		t.Fatalf("second submit should be NSTART-rejected: out=%+v err=%v", out, err)
	}

	// Resolving the first frees a slot.
	if out, ok := e.ReplyReceived(1, now); !ok || out.Resolved == nil {
		t.Fatalf("reply received failed: %+v %v", out, ok)
	}
	out, err = e.Submit(m2, now)
	if err != nil || out.Rejected != RejectedNone {
		t.Fatalf("submit after free slot: out=%+v err=%v", out, err)
	}
}

func TestTickRetransmitsThenExpiresIntoProbing(t *testing.T) {
	old := reliability.RandFloat64
	reliability.RandFloat64 = func() float64 { return 0 }
	defer func() { reliability.RandFloat64 = old }()

	p := params.Default()
	p.MaxRetransmit = 1
	e := New(p)
	now := time.Unix(0, 0)
	m := message.Message{Type: message.CON, MessageID: 9}
	if _, err := e.Submit(m, now); err != nil {
		t.Fatalf("submit: %v", err)
	}

	outcomes := e.Tick(now.Add(p.AckTimeout))
	if len(outcomes) != 1 || outcomes[0].Retransmit == nil {
		t.Fatalf("expected one retransmit outcome, got %+v", outcomes)
	}

	later := now.Add(p.AckTimeout + 2*p.AckTimeout + time.Second)
	outcomes = e.Tick(later)
	if len(outcomes) != 1 || outcomes[0].Resolved == nil {
		t.Fatalf("expected one expiry outcome, got %+v", outcomes)
	}
	if e.Status() != Probing {
		t.Fatalf("expected Probing after expiry, got %v", e.Status())
	}
	if e.Outstanding() != 0 {
		t.Fatalf("outstanding = %d, want 0", e.Outstanding())
	}
}

func TestNSTARTGatesNONSubmission(t *testing.T) {
	p := params.Default()
	p.NStart = 1
	e := New(p)
	now := time.Unix(0, 0)

	m1 := message.Message{Type: message.NON, MessageID: 1}
	out, err := e.Submit(m1, now)
	if err != nil || out.Rejected != RejectedNone {
		t.Fatalf("first NON submit: out=%+v err=%v", out, err)
	}
	if e.Outstanding() != 1 {
		t.Fatalf("outstanding = %d, want 1", e.Outstanding())
	}

	m2 := message.Message{Type: message.NON, MessageID: 2}
	out, err = e.Submit(m2, now)
	if err != nil || out.Rejected != RejectedNSTART {
		t.Fatalf("second NON submit should be NSTART-rejected: out=%+v err=%v", out, err)
	}

	// NON has no ACK/RST to free its slot; the upper layer must do so
	// itself once it considers the interaction concluded.
	e.UpperResolution(1)
	out, err = e.Submit(m2, now)
	if err != nil || out.Rejected != RejectedNone {
		t.Fatalf("submit after upper resolution: out=%+v err=%v", out, err)
	}
}

func TestNSTARTCountsCONAndNONTogether(t *testing.T) {
	p := params.Default()
	p.NStart = 1
	e := New(p)
	now := time.Unix(0, 0)

	if _, err := e.Submit(message.Message{Type: message.CON, MessageID: 1}, now); err != nil {
		t.Fatalf("submit CON: %v", err)
	}
	out, err := e.Submit(message.Message{Type: message.NON, MessageID: 2}, now)
	if err != nil || out.Rejected != RejectedNSTART {
		t.Fatalf("NON submit should be blocked by the outstanding CON: out=%+v err=%v", out, err)
	}
}

func TestProbingRateRejectsImmediatelyThenAdmitsAfterElapsedTime(t *testing.T) {
	old := reliability.RandFloat64
	reliability.RandFloat64 = func() float64 { return 0 }
	defer func() { reliability.RandFloat64 = old }()

	p := params.Default()
	p.MaxRetransmit = 0
	p.ProbingRate = 1 // 1 byte/second
	e := New(p)
	now := time.Unix(0, 0)

	m := message.Message{Type: message.CON, MessageID: 1}
	if _, err := e.Submit(m, now); err != nil {
		t.Fatalf("submit: %v", err)
	}
	expiredAt := now.Add(p.AckTimeout)
	outcomes := e.Tick(expiredAt)
	if len(outcomes) != 1 || outcomes[0].Resolved == nil {
		t.Fatalf("expected expiry outcome, got %+v", outcomes)
	}
	if e.Status() != Probing {
		t.Fatalf("expected Probing after expiry, got %v", e.Status())
	}

	probe := message.Message{Type: message.NON, MessageID: 2, Payload: make([]byte, 100)}
	out, err := e.Submit(probe, expiredAt)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Rejected != RejectedProbingRate {
		t.Fatalf("expected an immediate probing-rate rejection right after going Probing, got %v", out.Rejected)
	}

	// At 1 byte/second, waiting long enough accrues enough budget for the
	// same message — this is the elapsed-time window RFC 7252 §4.8.2
	// describes; a limiter whose burst equals the rate could never reach
	// this state no matter how long the wait.
	muchLater := expiredAt.Add(200 * time.Second)
	out, err = e.Submit(probe, muchLater)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Rejected != RejectedNone {
		t.Fatalf("expected admission once enough time elapsed, got %v", out.Rejected)
	}
}

func TestNextMessageIDSkipsLive(t *testing.T) {
	p := params.Default()
	e := New(p)
	now := time.Unix(0, 0)
	e.Submit(message.Message{Type: message.CON, MessageID: 0}, now)
	mid, ok := e.NextMessageID()
	if !ok || mid != 1 {
		t.Fatalf("got (%d, %v), want (1, true)", mid, ok)
	}
}
