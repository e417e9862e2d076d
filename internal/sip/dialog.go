package sip

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/carephone/carephone/internal/media"
	"github.com/carephone/carephone/internal/telephony"
)

const byeTimeout = 5 * time.Second

type decisionKind int

const (
	decideAnswer decisionKind = iota + 1
	decideReject
)

// decision is the user's answer to a ringing inbound call. result
// receives the outcome of carrying it out and is buffered.
type decision struct {
	kind   decisionKind
	result chan error
}

// call is the one call on the line. Fields other than answered, bridge,
// and the dialog fields are set before the call is published and never
// change.
type call struct {
	id        string
	direction telephony.Direction
	number    string

	// ctx is cancelled when the call ends before it is answered: a CANCEL
	// for inbound calls, a local hang-up while dialling for outbound ones.
	ctx  context.Context
	stop context.CancelFunc

	// Inbound.
	invite   *sip.Request
	tx       sip.ServerTransaction
	offer    *media.AudioOffer
	decision chan decision

	// Outbound: the INVITE that was answered and its 200 OK.
	sent *sip.Request
	ok   *sip.Response

	answered bool
	localTag string
	cseq     uint32
	bridge   *media.Bridge
}

func newCall(id string, dir telephony.Direction, number string) *call {
	c := &call{
		id:        id,
		direction: dir,
		number:    number,
		decision:  make(chan decision, 1),
	}
	c.ctx, c.stop = context.WithCancel(context.Background())
	return c
}

// dropCall clears c from the line and releases its media.
func (g *Gateway) dropCall(c *call) {
	g.mu.Lock()
	if g.call == c {
		g.call = nil
	}
	g.mu.Unlock()

	c.stop()
	if c.bridge != nil {
		c.bridge.Stop()
	}
}

// EndCall hangs up whatever is on the line. An unanswered inbound call is
// declined, an unanswered outbound one is cancelled, and an answered call
// gets a BYE. With nothing on the line it does nothing.
func (g *Gateway) EndCall(ctx context.Context) error {
	g.mu.Lock()
	c := g.call
	answered := c != nil && c.answered
	g.mu.Unlock()

	switch {
	case c == nil:
		return nil
	case !answered && c.direction == telephony.DirectionIncoming:
		g.decide(c, decideReject)
		return nil
	case !answered:
		c.stop()
		return nil
	}

	g.dropCall(c)
	err := g.sendBye(ctx, c)
	g.emit(telephony.Event{Kind: telephony.CallRemoved, CallID: c.id, Cause: "local_hangup"})
	return err
}

// handleBye ends the call when the far end hangs up.
func (g *Gateway) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	g.mu.Lock()
	c := g.call
	match := c != nil && c.id == callID
	g.mu.Unlock()

	if !match {
		g.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	g.respond(req, tx, 200, "OK")
	g.logger.Info("remote hangup", "call_id", callID)

	g.dropCall(c)
	g.emit(telephony.Event{Kind: telephony.CallRemoved, CallID: callID, Cause: "remote_hangup"})
}

func (g *Gateway) sendBye(ctx context.Context, c *call) error {
	bye, err := g.buildBye(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, byeTimeout)
	defer cancel()

	res, _, tx, err := g.do(ctx, bye, sipgo.ClientRequestBuild, nil)
	if tx != nil {
		tx.Terminate()
	}
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	if res.StatusCode >= 300 {
		g.logger.Warn("bye rejected", "call_id", c.id, "status", res.StatusCode)
	}
	return nil
}

// buildBye creates the in-dialog BYE for an answered call. For an inbound
// call the phone is the UAS, so From and To are swapped relative to the
// INVITE and the request goes back to where the INVITE came from.
func (g *Gateway) buildBye(c *call) (*sip.Request, error) {
	g.mu.Lock()
	c.cseq++
	seq := c.cseq
	g.mu.Unlock()

	var (
		bye  *sip.Request
		from *sip.FromHeader
		to   *sip.ToHeader
	)

	switch {
	case c.invite != nil:
		inv := c.invite
		target := inv.From().Address
		if contact := inv.Contact(); contact != nil {
			target = contact.Address
		}
		bye = sip.NewRequest(sip.BYE, *target.Clone())
		bye.SetTransport(inv.Transport())
		bye.SetDestination(inv.Source())

		fromParams := sip.NewParams()
		fromParams.Add("tag", c.localTag)
		from = &sip.FromHeader{DisplayName: inv.To().DisplayName, Address: inv.To().Address, Params: fromParams}
		to = &sip.ToHeader{DisplayName: inv.From().DisplayName, Address: inv.From().Address, Params: inv.From().Params}

	case c.sent != nil && c.ok != nil:
		target := c.sent.Recipient
		if contact := c.ok.Contact(); contact != nil {
			target = contact.Address
		}
		bye = sip.NewRequest(sip.BYE, *target.Clone())
		bye.SetTransport(c.sent.Transport())
		bye.SetDestination(g.cfg.Provider.hostPort())
		if len(c.sent.GetHeaders("Route")) > 0 {
			sip.CopyHeaders("Route", c.sent, bye)
		}

		f, t := c.sent.From(), c.ok.To()
		from = &sip.FromHeader{DisplayName: f.DisplayName, Address: f.Address, Params: f.Params}
		to = &sip.ToHeader{DisplayName: t.DisplayName, Address: t.Address, Params: t.Params}

	default:
		return nil, fmt.Errorf("call %s has no dialog", c.id)
	}

	bye.AppendHeader(from)
	bye.AppendHeader(to)
	callID := sip.CallIDHeader(c.id)
	bye.AppendHeader(&callID)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.BYE})
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	return bye, nil
}

// buildACKFor2xx creates the ACK for a 2xx answer to an INVITE. The
// Request-URI is the Contact from the response when there is one.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To comes from the response so it carries the remote tag.
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())
	return ack
}
