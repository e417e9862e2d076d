package sip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/carephone/carephone/internal/media"
	"github.com/carephone/carephone/internal/telephony"
)

// dialTimeout bounds how long an outbound call may ring unanswered.
const dialTimeout = 90 * time.Second

// offeredPayloads is what the phone offers on outbound calls, in order of
// preference.
var offeredPayloads = []int{media.PayloadPCMA, media.PayloadPCMU, media.PayloadTelephoneEvent}

// PlaceCall implements telephony.Gateway. It reports the call and returns
// its ID once dialling has started; progress arrives as line events.
func (g *Gateway) PlaceCall(_ context.Context, number string) (string, error) {
	if !g.cfg.Provider.configured() {
		return "", fmt.Errorf("no sip provider configured: %w", telephony.ErrUnsupportedOperation)
	}
	if strings.TrimSpace(number) == "" {
		return "", fmt.Errorf("empty number: %w", telephony.ErrUnsupportedOperation)
	}

	b, err := media.NewBridge(g.cfg.Media, g.logger)
	if err != nil {
		return "", err
	}
	c := newCall(uuid.NewString(), telephony.DirectionOutgoing, number)
	c.bridge = b

	g.mu.Lock()
	if g.call != nil {
		g.mu.Unlock()
		b.Stop()
		return "", fmt.Errorf("line busy: %w", telephony.ErrUnsupportedOperation)
	}
	g.call = c
	g.mu.Unlock()

	g.logger.Info("dialling", "call_id", c.id, "number", number)
	g.emit(telephony.Event{
		Kind:      telephony.CallAdded,
		CallID:    c.id,
		Number:    number,
		Direction: telephony.DirectionOutgoing,
		State:     telephony.StateDialing,
	})

	g.wg.Add(1)
	go g.dial(c)
	return c.id, nil
}

// dial sends the INVITE and follows it to an answer or a failure.
func (g *Gateway) dial(c *call) {
	defer g.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, dialTimeout)
	defer cancel()

	req, err := g.newInvite(c)
	if err != nil {
		g.failCall(c, err.Error())
		return
	}

	res, sent, tx, err := g.do(ctx, req, sipgo.ClientRequestBuild, func(res *sip.Response) {
		g.logger.Debug("dial progress", "call_id", c.id, "status", res.StatusCode)
	})
	if err != nil {
		if tx != nil {
			if ctx.Err() != nil {
				g.sendCancel(sent)
			}
			tx.Terminate()
		}
		cause := "failed"
		switch {
		case errors.Is(err, context.Canceled):
			cause = "cancelled"
		case errors.Is(err, context.DeadlineExceeded):
			cause = "no_answer"
		}
		g.logger.Info("outbound call ended before answer", "call_id", c.id, "cause", cause, "error", err)
		g.failCall(c, cause)
		return
	}
	if res.StatusCode >= 300 {
		tx.Terminate()
		g.logger.Info("outbound call refused", "call_id", c.id, "status", res.StatusCode, "reason", res.Reason)
		g.failCall(c, failureCause(res.StatusCode))
		return
	}

	if err := g.client.WriteRequest(buildACKFor2xx(sent, res)); err != nil {
		g.logger.Error("failed to send ack", "call_id", c.id, "error", err)
	}
	tx.Terminate()

	answer, err := media.ParseAudioOffer(res.Body())
	var pt int
	if err == nil {
		pt, err = answer.ChooseCodec()
	}

	g.mu.Lock()
	c.sent, c.ok = sent, res
	if cseq := sent.CSeq(); cseq != nil {
		c.cseq = cseq.SeqNo
	}
	hungUp := g.call != c || c.ctx.Err() != nil
	if !hungUp && err == nil {
		c.answered = true
	}
	g.mu.Unlock()

	if hungUp || err != nil {
		if err != nil {
			g.logger.Error("unusable sdp answer", "call_id", c.id, "error", err)
		}
		if byeErr := g.sendBye(context.Background(), c); byeErr != nil {
			g.logger.Warn("failed to hang up answered call", "call_id", c.id, "error", byeErr)
		}
		g.failCall(c, "failed")
		return
	}

	c.bridge.Start(&net.UDPAddr{IP: net.ParseIP(answer.Address), Port: answer.Port}, pt)
	g.logger.Info("outbound call answered", "call_id", c.id, "payload_type", pt)
	g.emit(telephony.Event{
		Kind:      telephony.StateChanged,
		CallID:    c.id,
		Direction: telephony.DirectionOutgoing,
		State:     telephony.StateActive,
	})
}

func (g *Gateway) newInvite(c *call) (*sip.Request, error) {
	p := g.cfg.Provider

	var recipient sip.Uri
	if err := sip.ParseUri(fmt.Sprintf("sip:%s@%s", c.number, p.hostPort()), &recipient); err != nil {
		return nil, fmt.Errorf("parsing dial uri: %w", err)
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(strings.ToUpper(g.cfg.Transport))
	if err := g.addAddressing(req, c.number, p.Host); err != nil {
		return nil, err
	}
	callID := sip.CallIDHeader(c.id)
	req.AppendHeader(&callID)

	req.SetBody(media.BuildSDP(uint64(time.Now().Unix()), g.cfg.ContactHost, c.bridge.LinePort(), offeredPayloads))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	return req, nil
}

// sendCancel abandons an unanswered INVITE. CANCEL carries the INVITE's
// Via, From, To, Call-ID and CSeq number.
func (g *Gateway) sendCancel(inv *sip.Request) {
	req := sip.NewRequest(sip.CANCEL, inv.Recipient)
	req.SetTransport(inv.Transport())
	sip.CopyHeaders("Via", inv, req)
	if h := inv.From(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := inv.To(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := inv.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := inv.CSeq(); cseq != nil {
		req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}

	ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
	defer cancel()
	tx, err := g.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		g.logger.Debug("failed to send cancel", "call_id", callIDOf(inv), "error", err)
		return
	}
	tx.Terminate()
}

// failCall clears an unanswered outbound call and reports it removed.
func (g *Gateway) failCall(c *call, cause string) {
	g.dropCall(c)
	g.emit(telephony.Event{Kind: telephony.CallRemoved, CallID: c.id, Cause: cause})
}

// failureCause names a final failure response.
func failureCause(status int) string {
	switch {
	case status == 486 || status == 600:
		return "busy"
	case status == 480 || status == 408:
		return "no_answer"
	case status == 404 || status == 484:
		return "invalid_number"
	case status == 403 || status == 401 || status == 407:
		return "forbidden"
	case status == 603:
		return "declined"
	case status >= 500:
		return "provider_error"
	default:
		return "failed"
	}
}
