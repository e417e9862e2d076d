// Package sip is the phone's line. It registers with the SIP provider,
// turns inbound INVITE, CANCEL and BYE traffic into telephony events and
// carries out the answer, reject, dial and hang-up actions asked of it.
// The line carries one call at a time.
package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/carephone/carephone/internal/media"
	"github.com/carephone/carephone/internal/telephony"
)

// RouteSetter switches the output the call audio is played on.
type RouteSetter interface {
	SetRoute(route telephony.AudioRoute) error
}

// Config holds the line settings.
type Config struct {
	ListenAddr  string // host:port the SIP stack listens on
	Transport   string // udp or tcp
	ContactHost string // host advertised in Contact and SDP
	Provider    Provider
	Media       media.BridgeConfig
	Router      RouteSetter
	Logger      *slog.Logger
}

// Gateway implements telephony.Gateway over SIP.
type Gateway struct {
	cfg         Config
	ua          *sipgo.UserAgent
	srv         *sipgo.Server
	client      *sipgo.Client
	logger      *slog.Logger
	contactPort int

	handler telephony.EventHandler

	mu   sync.Mutex
	call *call
	reg  RegistrationStatus

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGateway creates the SIP stack. Handlers are registered but nothing
// listens until Start.
func NewGateway(cfg Config) (*Gateway, error) {
	logger := cfg.Logger.With("component", "sip")

	_, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("parsing sip listen address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parsing sip listen port: %w", err)
	}
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("CarePhone"),
		sipgo.WithUserAgentHostname(cfg.ContactHost),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(logger))
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	g := &Gateway{
		cfg:         cfg,
		ua:          ua,
		srv:         srv,
		client:      client,
		logger:      logger,
		contactPort: port,
		reg:         RegistrationStatus{State: RegistrationUnregistered},
	}
	if !cfg.Provider.configured() {
		g.reg.State = RegistrationDisabled
	}

	srv.OnInvite(g.handleInvite)
	srv.OnAck(g.handleACK)
	srv.OnCancel(g.handleCancel)
	srv.OnBye(g.handleBye)
	srv.OnOptions(g.handleOptions)
	return g, nil
}

// SetHandler sets where line events are delivered. Call before Start.
func (g *Gateway) SetHandler(h telephony.EventHandler) {
	g.handler = h
}

// Start listens for SIP traffic and starts registering with the provider.
func (g *Gateway) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.logger.Info("sip listener starting", "transport", g.cfg.Transport, "addr", g.cfg.ListenAddr)
		if err := g.srv.ListenAndServe(ctx, g.cfg.Transport, g.cfg.ListenAddr); err != nil && ctx.Err() == nil {
			g.logger.Error("sip listener stopped", "error", err)
		}
	}()

	if g.cfg.Provider.configured() {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.registrationLoop(ctx)
		}()
	}
}

// Stop hangs up any call, unregisters and shuts the stack down.
func (g *Gateway) Stop() {
	g.logger.Info("stopping sip gateway")
	if err := g.EndCall(context.Background()); err != nil {
		g.logger.Warn("hanging up on shutdown", "error", err)
	}
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
	g.client.Close()
	g.srv.Close()
	g.ua.Close()
	g.logger.Info("sip gateway stopped")
}

// IsDefaultHandler reports whether the line may be used. Without a
// provider the gateway only takes direct calls and always owns the line;
// with one, the account must be registered.
func (g *Gateway) IsDefaultHandler() bool {
	if !g.cfg.Provider.configured() {
		return true
	}
	return g.Registration().State == RegistrationRegistered
}

// SetAudioRoute implements telephony.Gateway.
func (g *Gateway) SetAudioRoute(route telephony.AudioRoute) error {
	if g.cfg.Router == nil {
		return nil
	}
	if err := g.cfg.Router.SetRoute(route); err != nil {
		return fmt.Errorf("setting audio route to %s: %w", route, err)
	}
	return nil
}

func (g *Gateway) emit(ev telephony.Event) {
	g.logger.Debug("line event", "kind", ev.Kind.String(), "call_id", ev.CallID, "state", ev.State)
	if g.handler != nil {
		g.handler.HandleEvent(ev)
	}
}

func (g *Gateway) handleACK(req *sip.Request, _ sip.ServerTransaction) {
	g.logger.Debug("sip ack received", "call_id", callIDOf(req), "source", req.Source())
}

// handleOptions answers keepalive pings from the provider.
func (g *Gateway) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		g.logger.Error("failed to respond to options", "error", err)
	}
}

func (g *Gateway) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		g.logger.Error("failed to send response", "code", code, "call_id", callIDOf(req), "error", err)
	}
}

func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}
