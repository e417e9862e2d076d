package sip

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
)

const (
	defaultRegisterExpiry = 300
	unregisterTimeout     = 5 * time.Second
)

// Provider is the SIP account the phone registers with. An empty Host
// means no provider: the gateway only answers calls sent to it directly.
type Provider struct {
	Host         string
	Port         int
	Username     string
	AuthUsername string // defaults to Username
	Password     string
	Expiry       int // seconds
}

func (p Provider) configured() bool { return p.Host != "" }

func (p Provider) authUser() string {
	if p.AuthUsername != "" {
		return p.AuthUsername
	}
	return p.Username
}

func (p Provider) expiry() int {
	if p.Expiry <= 0 {
		return defaultRegisterExpiry
	}
	return p.Expiry
}

func (p Provider) hostPort() string {
	port := p.Port
	if port == 0 {
		port = 5060
	}
	return fmt.Sprintf("%s:%d", p.Host, port)
}

// RegistrationState is where the account registration stands.
type RegistrationState string

const (
	RegistrationDisabled     RegistrationState = "disabled"
	RegistrationUnregistered RegistrationState = "unregistered"
	RegistrationRegistering  RegistrationState = "registering"
	RegistrationRegistered   RegistrationState = "registered"
	RegistrationFailed       RegistrationState = "failed"
)

// RegistrationStatus is a snapshot of the account registration.
type RegistrationStatus struct {
	State        RegistrationState `json:"state"`
	LastError    string            `json:"last_error,omitempty"`
	RetryAttempt int               `json:"retry_attempt,omitempty"`
	RegisteredAt *time.Time        `json:"registered_at,omitempty"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
}

// Registration returns the current registration status.
func (g *Gateway) Registration() RegistrationStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reg
}

func (g *Gateway) setRegistration(fn func(*RegistrationStatus)) {
	g.mu.Lock()
	fn(&g.reg)
	g.mu.Unlock()
}

// registrationLoop registers, then refreshes at 80% of the granted expiry.
// Failures are retried with jittered exponential backoff.
func (g *Gateway) registrationLoop(ctx context.Context) {
	p := g.cfg.Provider
	expiry := p.expiry()
	g.logger.Info("starting registration", "provider", p.hostPort(), "username", p.Username, "expiry", expiry)
	g.setRegistration(func(r *RegistrationStatus) { r.State = RegistrationRegistering })

	b := newBackoff()
	for {
		granted, err := g.register(ctx, expiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := b.next()
			g.logger.Error("registration failed", "error", err, "attempt", b.attempt, "retry_in", delay.String())
			g.setRegistration(func(r *RegistrationStatus) {
				r.State = RegistrationFailed
				r.LastError = err.Error()
				r.RetryAttempt = b.attempt
			})

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		b.reset()
		now := time.Now()
		expiresAt := now.Add(time.Duration(granted) * time.Second)
		g.setRegistration(func(r *RegistrationStatus) {
			*r = RegistrationStatus{State: RegistrationRegistered, RegisteredAt: &now, ExpiresAt: &expiresAt}
		})
		g.logger.Info("registered", "requested_expiry", expiry, "granted_expiry", granted)

		refresh := time.Duration(float64(granted)*0.8) * time.Second
		select {
		case <-ctx.Done():
			g.unregister()
			return
		case <-time.After(refresh):
			g.logger.Debug("refreshing registration")
		}
	}
}

func (g *Gateway) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
	defer cancel()
	if _, err := g.register(ctx, 0); err != nil {
		g.logger.Warn("failed to unregister", "error", err)
	}
	g.setRegistration(func(r *RegistrationStatus) { *r = RegistrationStatus{State: RegistrationUnregistered} })
}

// register sends one REGISTER and returns the expiry the registrar
// granted, which may be shorter than requested.
func (g *Gateway) register(ctx context.Context, expiry int) (int, error) {
	p := g.cfg.Provider

	var recipient sip.Uri
	if err := sip.ParseUri("sip:"+p.hostPort(), &recipient); err != nil {
		return 0, fmt.Errorf("parsing registrar uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(g.cfg.Transport))
	if err := g.addAddressing(req, p.Username, p.Host); err != nil {
		return 0, err
	}
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	res, _, tx, err := g.do(ctx, req, sipgo.ClientRequestRegisterBuild, nil)
	if tx != nil {
		tx.Terminate()
	}
	if err != nil {
		return 0, fmt.Errorf("register: %w", err)
	}
	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	granted := expiry
	if contact := res.GetHeader("Contact"); contact != nil {
		if parsed := parseContactExpires(contact.Value()); parsed > 0 {
			granted = parsed
		}
	} else if expires := res.GetHeader("Expires"); expires != nil {
		if parsed := parseExpiresHeader(expires.Value()); parsed > 0 {
			granted = parsed
		}
	}
	return granted, nil
}

// addAddressing sets Contact, From (with a fresh tag) and To for a
// dialog-creating request to user@host.
func (g *Gateway) addAddressing(req *sip.Request, toUser, toHost string) error {
	p := g.cfg.Provider

	var from, to sip.Uri
	if err := sip.ParseUri(fmt.Sprintf("sip:%s@%s", p.Username, p.Host), &from); err != nil {
		return fmt.Errorf("parsing from uri: %w", err)
	}
	if err := sip.ParseUri(fmt.Sprintf("sip:%s@%s", toUser, toHost), &to); err != nil {
		return fmt.Errorf("parsing to uri: %w", err)
	}
	req.AppendHeader(g.contactHeader())

	fromParams := sip.NewParams()
	fromParams.Add("tag", newTag())
	req.AppendHeader(&sip.FromHeader{Address: from, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: to, Params: sip.NewParams()})
	return nil
}

// do sends req and waits for its final response, answering one digest
// challenge with the provider credentials. Provisional responses go to
// progress. The returned request is the one the final response belongs
// to; it differs from req after a challenge. The transaction is returned
// unterminated whenever one was created.
func (g *Gateway) do(ctx context.Context, req *sip.Request, build sipgo.ClientRequestOption, progress func(*sip.Response)) (*sip.Response, *sip.Request, sip.ClientTransaction, error) {
	sent := req
	tx, err := g.client.TransactionRequest(ctx, sent, build)
	if err != nil {
		return nil, sent, nil, fmt.Errorf("sending %s: %w", req.Method, err)
	}

	challenged := false
	for {
		res, err := getResponse(ctx, tx)
		if err != nil {
			return nil, sent, tx, fmt.Errorf("waiting for %s response: %w", req.Method, err)
		}

		switch {
		case res.StatusCode < 200:
			if progress != nil {
				progress(res)
			}
			continue

		case (res.StatusCode == 401 || res.StatusCode == 407) && !challenged:
			tx.Terminate()
			challenged = true

			authReq, err := g.authorize(sent, res)
			if err != nil {
				return nil, sent, nil, err
			}
			sent = authReq
			tx, err = g.client.TransactionRequest(ctx, sent,
				sipgo.ClientRequestIncreaseCSEQ,
				sipgo.ClientRequestAddVia,
			)
			if err != nil {
				return nil, sent, nil, fmt.Errorf("sending authenticated %s: %w", req.Method, err)
			}
			continue
		}
		return res, sent, tx, nil
	}
}

// authorize answers a 401 or 407 challenge to req.
func (g *Gateway) authorize(req *sip.Request, res *sip.Response) (*sip.Request, error) {
	authHeader, authzHeader := "WWW-Authenticate", "Authorization"
	if res.StatusCode == 407 {
		authHeader, authzHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}

	challenge := res.GetHeader(authHeader)
	if challenge == nil {
		return nil, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(challenge.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	p := g.cfg.Provider
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: p.authUser(),
		Password: p.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

// getResponse waits for the next response on a client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// parseContactExpires extracts the expires parameter from a Contact value
// such as <sip:user@host>;expires=3600. It returns 0 when there is none.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]
	if end := strings.IndexAny(rest, ";,> \t"); end > 0 {
		rest = rest[:end]
	}
	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses an Expires value in seconds, 0 on error.
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}

func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// backoff is exponential with ±20% jitter.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
