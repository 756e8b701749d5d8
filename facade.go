package sipua

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/tidesip/sipua/auth"
	"github.com/tidesip/sipua/sip"
)

// EventKind identifies what happened in an Event published on
// UserAgent.Events().
type EventKind int

const (
	EventRegistered EventKind = iota
	EventRegisterFailed
	EventCallEstablished
	EventCallFailed
	EventCallEnded
)

func (k EventKind) String() string {
	switch k {
	case EventRegistered:
		return "registered"
	case EventRegisterFailed:
		return "register_failed"
	case EventCallEstablished:
		return "call_established"
	case EventCallFailed:
		return "call_failed"
	case EventCallEnded:
		return "call_ended"
	default:
		return "unknown"
	}
}

// Event is one entry on the UserAgent's lifecycle stream, distinct from
// flowtracker.Event which records raw wire traffic: an Event here marks
// a facade-level outcome (a REGISTER resolved, a call was answered or
// torn down), not every message crossing the wire.
type Event struct {
	Kind       EventKind
	Method     string
	StatusCode int
	DialogID   string
	Err        error
}

// doAuthenticated sends req and, if challenged with 401/407, answers the
// challenge using ua.Credentials and resends exactly once. This is the
// four-step retry loop: send bare, extract the challenge, look up a
// credential for its realm (ErrAuthRequired if none is registered), and
// retry once with a computed Authorization/Proxy-Authorization header
// (ErrAuthFailed if that retry is itself challenged again).
func (ua *UserAgent) doAuthenticated(ctx context.Context, client *Client, req *sip.Request) (*sip.Response, error) {
	authr := auth.NewAuthenticator(ua.Credentials)

	// Sent directly (not a clone): TransactionRequest fills in missing
	// Via/From/To/Call-ID/CSeq on req in place, and the retry below needs
	// those same values rather than a freshly generated Call-ID/From-tag.
	res, err := client.Do(ctx, req)
	if err != nil {
		return nil, classifyTransactionError(err)
	}

	if res.StatusCode != sip.StatusUnauthorized && res.StatusCode != sip.StatusProxyAuthRequired {
		return res, nil
	}

	challengeHeader, authHeader := "WWW-Authenticate", "Authorization"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		challengeHeader, authHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}

	challenge := res.GetHeader(challengeHeader)
	if challenge == nil {
		return nil, fmt.Errorf("%d response missing %s header: %w", res.StatusCode, challengeHeader, ErrProtocolViolation)
	}

	answer, err := authr.Answer(challenge.Value(), req.Method.String(), req.Recipient.Addr())
	if err != nil {
		var noCred *auth.ErrNoCredential
		if errors.As(err, &noCred) {
			return nil, fmt.Errorf("%w: %v", ErrAuthRequired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedChallenge, err)
	}

	retry := req.Clone()
	retry.RemoveHeader(authHeader)
	retry.AppendHeader(sip.NewHeader(authHeader, answer))
	if cseq := retry.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	retry.RemoveHeader("Via")

	res2, err := client.Do(ctx, retry, ClientRequestAddVia)
	if err != nil {
		return nil, classifyTransactionError(err)
	}
	if res2.StatusCode == sip.StatusUnauthorized || res2.StatusCode == sip.StatusProxyAuthRequired {
		return nil, fmt.Errorf("%w: challenged again on retry", ErrAuthFailed)
	}
	return res2, nil
}

// classifyTransactionError maps an error returned by the transaction
// layer onto the centralized sentinel it corresponds to, so facade
// callers can match with errors.Is without knowing sip-package internals.
func classifyTransactionError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sip.ErrTransactionTimeout) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrTransportLost, err)
}

// Register sends a REGISTER to registrar advertising contact, retrying
// once on a 401/407 challenge per doAuthenticated. It emits
// EventRegistered on success, EventRegisterFailed otherwise.
func (ua *UserAgent) Register(ctx context.Context, client *Client, registrar sip.Uri, contact sip.ContactHeader, expirySeconds int) error {
	req := sip.NewRequest(sip.REGISTER, registrar)
	req.AppendHeader(&contact)
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expirySeconds)))

	res, err := ua.doAuthenticated(ctx, client, req)
	if err != nil {
		ua.emit(Event{Kind: EventRegisterFailed, Method: sip.REGISTER.String(), Err: err})
		return err
	}
	if !res.IsSuccess() {
		err := fmt.Errorf("register failed with %s: %w", res.StartLine(), ErrProtocolViolation)
		ua.emit(Event{Kind: EventRegisterFailed, Method: sip.REGISTER.String(), StatusCode: res.StatusCode, Err: err})
		return err
	}
	ua.emit(Event{Kind: EventRegistered, Method: sip.REGISTER.String(), StatusCode: res.StatusCode})
	return nil
}

// Options sends a capability-probe/keepalive OPTIONS request, following
// the same challenge-retry loop as Register.
func (ua *UserAgent) Options(ctx context.Context, client *Client, recipient sip.Uri) (*sip.Response, error) {
	return ua.doAuthenticated(ctx, client, sip.NewRequest(sip.OPTIONS, recipient))
}

// Invite starts an outbound call through cache and blocks until the
// dialog is confirmed (ACK sent), rejected, or ctx is canceled — in
// which case WaitAnswer sends CANCEL on our behalf. On a 401/407
// challenge, WaitAnswer itself resends once using username/password
// (see AnswerOptions); Invite does not go through doAuthenticated since
// an INVITE's credential must be attached before CANCEL can race it.
// Emits EventCallEstablished or EventCallFailed.
func (ua *UserAgent) Invite(ctx context.Context, cache *DialogClientCache, recipient sip.Uri, body []byte, username, password string) (*DialogClientSession, error) {
	dlg, err := cache.Invite(ctx, recipient, body)
	if err != nil {
		ua.emit(Event{Kind: EventCallFailed, Method: sip.INVITE.String(), Err: err})
		return nil, err
	}

	if err := dlg.WaitAnswer(ctx, AnswerOptions{Username: username, Password: password}); err != nil {
		ua.emit(Event{Kind: EventCallFailed, Method: sip.INVITE.String(), DialogID: dlg.ID, Err: err})
		return nil, err
	}

	if err := dlg.Ack(ctx); err != nil {
		ua.emit(Event{Kind: EventCallFailed, Method: sip.INVITE.String(), DialogID: dlg.ID, Err: err})
		return nil, err
	}

	ua.emit(Event{Kind: EventCallEstablished, Method: sip.INVITE.String(), DialogID: dlg.ID})
	return dlg, nil
}

// Bye hangs up an established dialog and emits EventCallEnded.
func (ua *UserAgent) Bye(ctx context.Context, dlg *DialogClientSession) error {
	err := dlg.Bye(ctx)
	ua.emit(Event{Kind: EventCallEnded, Method: sip.BYE.String(), DialogID: dlg.ID, Err: err})
	return err
}

// Cancel abandons a ringing outbound call. WaitAnswer already does this
// automatically when its ctx is canceled; call Cancel directly when the
// session is being watched from a goroutine other than the one blocked
// in WaitAnswer.
func (ua *UserAgent) Cancel(dlg *DialogClientSession) error {
	if dlg.inviteTx == nil {
		return fmt.Errorf("%w: no outstanding INVITE transaction", ErrProtocolViolation)
	}
	cancelReq := newCancelRequest(dlg.InviteRequest)
	_, err := dlg.UA.Client.TransactionRequest(context.Background(), cancelReq)
	if err != nil {
		return classifyTransactionError(err)
	}
	return nil
}
