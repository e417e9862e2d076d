package sip

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/carephone/carephone/internal/media"
	"github.com/carephone/carephone/internal/telephony"
)

// handleInvite runs for the whole ringing phase of an inbound call. sipgo
// ends the server transaction when the handler returns, so it blocks until
// the call is answered, declined or cancelled.
func (g *Gateway) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	number := ""
	if from := req.From(); from != nil {
		number = from.Address.User
	}

	offer, err := media.ParseAudioOffer(req.Body())
	if err != nil {
		g.logger.Warn("rejecting invite with unusable sdp", "call_id", callID, "error", err)
		g.respond(req, tx, 488, "Not Acceptable Here")
		return
	}
	if _, err := offer.ChooseCodec(); err != nil {
		g.respond(req, tx, 488, "Not Acceptable Here")
		return
	}

	c := newCall(callID, telephony.DirectionIncoming, number)
	c.invite, c.tx, c.offer = req, tx, offer

	g.mu.Lock()
	if g.call != nil {
		g.mu.Unlock()
		g.logger.Info("line busy, refusing call", "call_id", callID, "from", number)
		g.respond(req, tx, 486, "Busy Here")
		return
	}
	g.call = c
	g.mu.Unlock()

	g.logger.Info("incoming call", "call_id", callID, "from", number, "source", req.Source())
	g.respond(req, tx, 100, "Trying")

	// Screening runs inside this event and may decline the call at once.
	g.emit(telephony.Event{
		Kind:      telephony.CallAdded,
		CallID:    callID,
		Number:    number,
		Direction: telephony.DirectionIncoming,
		State:     telephony.StateRinging,
	})

	select {
	case d := <-c.decision:
		g.carryOut(c, d)
		return
	default:
	}
	g.respond(req, tx, 180, "Ringing")

	select {
	case d := <-c.decision:
		g.carryOut(c, d)
	case <-c.ctx.Done():
		g.logger.Info("caller cancelled", "call_id", callID)
		g.respond(req, tx, 487, "Request Terminated")
		g.dropCall(c)
		g.emit(telephony.Event{Kind: telephony.CallRemoved, CallID: callID, Cause: "cancelled"})
	case <-tx.Done():
		g.logger.Info("invite transaction ended before answer", "call_id", callID)
		g.dropCall(c)
		g.emit(telephony.Event{Kind: telephony.CallRemoved, CallID: callID, Cause: "cancelled"})
	}
}

// Answer implements telephony.Gateway. It returns once the 200 OK has
// been sent and the call reported active.
func (g *Gateway) Answer(ctx context.Context) error {
	c, err := g.ringing()
	if err != nil {
		return err
	}
	d, ok := g.decide(c, decideAnswer)
	if !ok {
		return fmt.Errorf("call already declined: %w", telephony.ErrUnsupportedOperation)
	}

	select {
	case err := <-d.result:
		return err
	case <-c.ctx.Done():
		return fmt.Errorf("call ended before it could be answered: %w", telephony.ErrUnsupportedOperation)
	case <-ctx.Done():
		return fmt.Errorf("answering call: %w", telephony.ErrTimeout)
	}
}

// Reject implements telephony.Gateway. The decline is sent from the
// INVITE handler, so Reject never blocks and may be called while a
// CallAdded event is being delivered.
func (g *Gateway) Reject(_ context.Context) error {
	c, err := g.ringing()
	if err != nil {
		return err
	}
	g.decide(c, decideReject)
	return nil
}

func (g *Gateway) ringing() (*call, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.call
	if c == nil || c.direction != telephony.DirectionIncoming || c.answered {
		return nil, fmt.Errorf("no ringing call: %w", telephony.ErrUnsupportedOperation)
	}
	return c, nil
}

// decide posts the first decision for c. Later ones are dropped.
func (g *Gateway) decide(c *call, kind decisionKind) (decision, bool) {
	d := decision{kind: kind, result: make(chan error, 1)}
	select {
	case c.decision <- d:
		return d, true
	default:
		return d, false
	}
}

func (g *Gateway) carryOut(c *call, d decision) {
	if d.kind == decideReject {
		g.logger.Info("declining call", "call_id", c.id)
		g.respond(c.invite, c.tx, 603, "Decline")
		g.dropCall(c)
		d.result <- nil
		g.emit(telephony.Event{Kind: telephony.CallRemoved, CallID: c.id, Cause: "rejected"})
		return
	}

	if err := g.accept(c); err != nil {
		g.logger.Error("failed to answer call", "call_id", c.id, "error", err)
		g.respond(c.invite, c.tx, 500, "Server Internal Error")
		g.dropCall(c)
		d.result <- err
		g.emit(telephony.Event{Kind: telephony.CallRemoved, CallID: c.id, Cause: "answer_failed"})
		return
	}

	g.emit(telephony.Event{
		Kind:      telephony.StateChanged,
		CallID:    c.id,
		Direction: telephony.DirectionIncoming,
		State:     telephony.StateActive,
	})
	d.result <- nil
}

// accept sends the 200 OK with our SDP answer and starts the media bridge.
func (g *Gateway) accept(c *call) error {
	b, err := media.NewBridge(g.cfg.Media, g.logger)
	if err != nil {
		return err
	}
	body, pt, err := media.BuildAnswer(c.offer, uint64(time.Now().Unix()), g.cfg.ContactHost, b.LinePort())
	if err != nil {
		b.Stop()
		return err
	}

	res := sip.NewResponseFromRequest(c.invite, 200, "OK", body)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(g.contactHeader())
	tag := ensureTag(res.To())

	if err := c.tx.Respond(res); err != nil {
		b.Stop()
		return fmt.Errorf("sending 200 ok: %w", err)
	}

	b.Start(&net.UDPAddr{IP: net.ParseIP(c.offer.Address), Port: c.offer.Port}, pt)

	g.mu.Lock()
	c.answered = true
	c.localTag = tag
	c.bridge = b
	g.mu.Unlock()

	g.logger.Info("call answered", "call_id", c.id, "payload_type", pt, "rtp_port", b.LinePort())
	return nil
}

func (g *Gateway) contactHeader() *sip.ContactHeader {
	var uri sip.Uri
	sip.ParseUri(fmt.Sprintf("sip:%s@%s:%d", g.contactUser(), g.cfg.ContactHost, g.contactPort), &uri) //nolint:errcheck
	return &sip.ContactHeader{Address: uri}
}

func (g *Gateway) contactUser() string {
	if g.cfg.Provider.Username != "" {
		return g.cfg.Provider.Username
	}
	return "carephone"
}

// ensureTag returns the To tag, adding one if the response has none.
func ensureTag(to *sip.ToHeader) string {
	if to == nil {
		return ""
	}
	if tag, ok := to.Params.Get("tag"); ok && tag != "" {
		return tag
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	tag := newTag()
	to.Params.Add("tag", tag)
	return tag
}

// handleCancel stops a ringing inbound call.
func (g *Gateway) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	g.respond(req, tx, 200, "OK")

	g.mu.Lock()
	c := g.call
	match := c != nil && c.id == callID && c.direction == telephony.DirectionIncoming && !c.answered
	g.mu.Unlock()

	if match {
		c.stop()
	}
}
