package sip

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/carephone/carephone/internal/telephony"
)

func newTestGateway(t *testing.T, p Provider, router RouteSetter) *Gateway {
	t.Helper()
	g, err := NewGateway(Config{
		ListenAddr:  "127.0.0.1:5099",
		ContactHost: "127.0.0.1",
		Provider:    p,
		Router:      router,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	t.Cleanup(g.Stop)
	return g
}

type fakeRouter struct {
	routes []telephony.AudioRoute
	err    error
}

func (r *fakeRouter) SetRoute(route telephony.AudioRoute) error {
	r.routes = append(r.routes, route)
	return r.err
}

func TestFailureCause(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{486, "busy"},
		{600, "busy"},
		{480, "no_answer"},
		{408, "no_answer"},
		{404, "invalid_number"},
		{484, "invalid_number"},
		{403, "forbidden"},
		{407, "forbidden"},
		{603, "declined"},
		{503, "provider_error"},
		{488, "failed"},
	}

	for _, tt := range tests {
		if got := failureCause(tt.status); got != tt.want {
			t.Errorf("failureCause(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestPlaceCallWithoutProvider(t *testing.T) {
	g := newTestGateway(t, Provider{}, nil)
	_, err := g.PlaceCall(context.Background(), "07700900123")
	if !errors.Is(err, telephony.ErrUnsupportedOperation) {
		t.Errorf("PlaceCall without provider = %v, want ErrUnsupportedOperation", err)
	}
}

func TestPlaceCallLineBusy(t *testing.T) {
	g := newTestGateway(t, Provider{Host: "192.0.2.1", Username: "carephone"}, nil)
	g.call = newCall("existing", telephony.DirectionIncoming, "07700900123")

	_, err := g.PlaceCall(context.Background(), "07700900999")
	if !errors.Is(err, telephony.ErrUnsupportedOperation) {
		t.Errorf("PlaceCall while busy = %v, want ErrUnsupportedOperation", err)
	}
	if g.call.id != "existing" {
		t.Errorf("existing call replaced by %q", g.call.id)
	}
	g.call = nil
}

func TestNoCallActions(t *testing.T) {
	g := newTestGateway(t, Provider{}, nil)
	ctx := context.Background()

	if err := g.Answer(ctx); !errors.Is(err, telephony.ErrUnsupportedOperation) {
		t.Errorf("Answer with no call = %v", err)
	}
	if err := g.Reject(ctx); !errors.Is(err, telephony.ErrUnsupportedOperation) {
		t.Errorf("Reject with no call = %v", err)
	}
	if err := g.EndCall(ctx); err != nil {
		t.Errorf("EndCall with no call = %v, want nil", err)
	}
}

func TestRejectPostsDecision(t *testing.T) {
	g := newTestGateway(t, Provider{}, nil)
	c := newCall("c1", telephony.DirectionIncoming, "07700900123")
	g.call = c
	defer func() { g.call = nil }()

	if err := g.Reject(context.Background()); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	// A second decision is dropped while the first is pending.
	if _, ok := g.decide(c, decideAnswer); ok {
		t.Error("second decision accepted")
	}

	d := <-c.decision
	if d.kind != decideReject {
		t.Errorf("decision = %v, want reject", d.kind)
	}
}

func TestAnswerCallCancelled(t *testing.T) {
	g := newTestGateway(t, Provider{}, nil)
	c := newCall("c1", telephony.DirectionIncoming, "07700900123")
	g.call = c
	defer func() { g.call = nil }()

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.stop()
	}()
	if err := g.Answer(context.Background()); !errors.Is(err, telephony.ErrUnsupportedOperation) {
		t.Errorf("Answer on cancelled call = %v, want ErrUnsupportedOperation", err)
	}
}

func TestAnswerTimeout(t *testing.T) {
	g := newTestGateway(t, Provider{}, nil)
	c := newCall("c1", telephony.DirectionIncoming, "07700900123")
	g.call = c
	defer func() { g.call = nil }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Answer(ctx); !errors.Is(err, telephony.ErrTimeout) {
		t.Errorf("Answer = %v, want ErrTimeout", err)
	}
}

func TestEndCallUnanswered(t *testing.T) {
	g := newTestGateway(t, Provider{Host: "192.0.2.1"}, nil)

	out := newCall("out", telephony.DirectionOutgoing, "07700900123")
	g.call = out
	if err := g.EndCall(context.Background()); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if out.ctx.Err() == nil {
		t.Error("dialling call not cancelled")
	}

	in := newCall("in", telephony.DirectionIncoming, "07700900123")
	g.call = in
	if err := g.EndCall(context.Background()); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	select {
	case d := <-in.decision:
		if d.kind != decideReject {
			t.Errorf("decision = %v, want reject", d.kind)
		}
	default:
		t.Error("ringing call not declined")
	}
	g.call = nil
}

func TestIsDefaultHandler(t *testing.T) {
	direct := newTestGateway(t, Provider{}, nil)
	if !direct.IsDefaultHandler() {
		t.Error("gateway without provider should own the line")
	}
	if got := direct.Registration().State; got != RegistrationDisabled {
		t.Errorf("registration state = %q, want disabled", got)
	}

	trunk := newTestGateway(t, Provider{Host: "192.0.2.1"}, nil)
	if trunk.IsDefaultHandler() {
		t.Error("unregistered gateway should not own the line")
	}
	trunk.setRegistration(func(r *RegistrationStatus) { r.State = RegistrationRegistered })
	if !trunk.IsDefaultHandler() {
		t.Error("registered gateway should own the line")
	}
}

func TestSetAudioRoute(t *testing.T) {
	r := &fakeRouter{}
	g := newTestGateway(t, Provider{}, r)

	if err := g.SetAudioRoute(telephony.RouteSpeaker); err != nil {
		t.Fatalf("SetAudioRoute: %v", err)
	}
	if len(r.routes) != 1 || r.routes[0] != telephony.RouteSpeaker {
		t.Errorf("routes = %v", r.routes)
	}

	r.err = errors.New("no output device")
	if err := g.SetAudioRoute(telephony.RouteEarpiece); err == nil {
		t.Error("expected router error to be returned")
	}
}

func mustURI(t *testing.T, s string) sip.Uri {
	t.Helper()
	var u sip.Uri
	if err := sip.ParseUri(s, &u); err != nil {
		t.Fatalf("ParseUri(%q): %v", s, err)
	}
	return u
}

func tagOf(params sip.HeaderParams) string {
	tag, _ := params.Get("tag")
	return tag
}

func TestBuildByeInbound(t *testing.T) {
	g := newTestGateway(t, Provider{}, nil)

	inv := sip.NewRequest(sip.INVITE, mustURI(t, "sip:carephone@127.0.0.1:5099"))
	fromParams := sip.NewParams()
	fromParams.Add("tag", "caller-tag")
	inv.AppendHeader(&sip.FromHeader{Address: mustURI(t, "sip:07700900123@192.0.2.1"), Params: fromParams})
	inv.AppendHeader(&sip.ToHeader{Address: mustURI(t, "sip:carephone@127.0.0.1"), Params: sip.NewParams()})
	inv.AppendHeader(&sip.ContactHeader{Address: mustURI(t, "sip:07700900123@192.0.2.1:5070")})
	inv.SetSource("192.0.2.1:5070")

	c := newCall("call-1", telephony.DirectionIncoming, "07700900123")
	c.invite = inv
	c.localTag = "local-tag"

	bye, err := g.buildBye(c)
	if err != nil {
		t.Fatalf("buildBye: %v", err)
	}
	if bye.Method != sip.BYE {
		t.Errorf("method = %s", bye.Method)
	}
	if bye.Recipient.Host != "192.0.2.1" || bye.Recipient.Port != 5070 {
		t.Errorf("recipient = %s, want the caller's contact", bye.Recipient.String())
	}
	if got := tagOf(bye.From().Params); got != "local-tag" {
		t.Errorf("from tag = %q, want local-tag", got)
	}
	if got := tagOf(bye.To().Params); got != "caller-tag" {
		t.Errorf("to tag = %q, want caller-tag", got)
	}
	if bye.CallID().Value() != "call-1" {
		t.Errorf("call-id = %q", bye.CallID().Value())
	}
	if cseq := bye.CSeq(); cseq.SeqNo != 1 || cseq.MethodName != sip.BYE {
		t.Errorf("cseq = %d %s", cseq.SeqNo, cseq.MethodName)
	}
}

func TestBuildByeAndACKOutbound(t *testing.T) {
	g := newTestGateway(t, Provider{Host: "192.0.2.1", Username: "carephone"}, nil)

	inv := sip.NewRequest(sip.INVITE, mustURI(t, "sip:07700900123@192.0.2.1:5060"))
	fromParams := sip.NewParams()
	fromParams.Add("tag", "our-tag")
	inv.AppendHeader(&sip.FromHeader{Address: mustURI(t, "sip:carephone@192.0.2.1"), Params: fromParams})
	inv.AppendHeader(&sip.ToHeader{Address: mustURI(t, "sip:07700900123@192.0.2.1"), Params: sip.NewParams()})
	callID := sip.CallIDHeader("call-2")
	inv.AppendHeader(&callID)
	inv.AppendHeader(&sip.CSeqHeader{SeqNo: 2, MethodName: sip.INVITE})

	ok := sip.NewResponseFromRequest(inv, 200, "OK", nil)
	ok.To().Params.Add("tag", "their-tag")
	ok.AppendHeader(&sip.ContactHeader{Address: mustURI(t, "sip:07700900123@198.51.100.7:5080")})

	ack := buildACKFor2xx(inv, ok)
	if ack.Method != sip.ACK {
		t.Errorf("ack method = %s", ack.Method)
	}
	if ack.Recipient.Host != "198.51.100.7" {
		t.Errorf("ack recipient = %s, want the answer's contact", ack.Recipient.String())
	}
	if cseq := ack.CSeq(); cseq.SeqNo != 2 || cseq.MethodName != sip.ACK {
		t.Errorf("ack cseq = %d %s", cseq.SeqNo, cseq.MethodName)
	}
	if got := tagOf(ack.To().Params); got != "their-tag" {
		t.Errorf("ack to tag = %q", got)
	}

	c := newCall("call-2", telephony.DirectionOutgoing, "07700900123")
	c.sent, c.ok, c.cseq = inv, ok, 2

	bye, err := g.buildBye(c)
	if err != nil {
		t.Fatalf("buildBye: %v", err)
	}
	if bye.Recipient.Host != "198.51.100.7" {
		t.Errorf("bye recipient = %s", bye.Recipient.String())
	}
	if got := tagOf(bye.From().Params); got != "our-tag" {
		t.Errorf("bye from tag = %q", got)
	}
	if got := tagOf(bye.To().Params); got != "their-tag" {
		t.Errorf("bye to tag = %q", got)
	}
	if cseq := bye.CSeq(); cseq.SeqNo != 3 {
		t.Errorf("bye cseq = %d, want 3", cseq.SeqNo)
	}
}

func TestBuildByeWithoutDialog(t *testing.T) {
	g := newTestGateway(t, Provider{}, nil)
	if _, err := g.buildBye(newCall("c", telephony.DirectionOutgoing, "1")); err == nil {
		t.Error("expected error for call without dialog")
	}
}
