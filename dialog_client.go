package sipua

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/icholy/digest"
	"github.com/tidesip/sipua/sip"
)

// DialogClientCache keeps track of UAC dialogs by their dialog ID so that
// in-dialog requests (BYE) coming back from the transport layer can be
// routed to the right DialogClientSession. Use DialogUA directly
// (Invite/WriteInvite) if you already keep your own dialog storage and
// don't need this indexing.
type DialogClientCache struct {
	dialogs sync.Map // TODO replace with typed version
	ua      *DialogUA
}

func (c *DialogClientCache) dialogsLen() int {
	leftItems := 0
	c.dialogs.Range(func(key, value any) bool {
		leftItems++
		return true
	})
	return leftItems
}

func (c *DialogClientCache) loadDialog(id string) *DialogClientSession {
	val, ok := c.dialogs.Load(id)
	if !ok || val == nil {
		return nil
	}

	t := val.(*DialogClientSession)
	return t
}

// NewDialogClientCache provides handle for managing UAC dialogs.
// Contact hdr must be provided for correct invite. In case of handling
// different transports you should have multiple instances per transport.
func NewDialogClientCache(client *Client, contactHDR sip.ContactHeader) *DialogClientCache {
	return &DialogClientCache{
		ua: &DialogUA{Client: client, ContactHDR: contactHDR},
	}
}

// Invite sends INVITE request and creates early dialog session.
// You need to call WaitAnswer after for establishing dialog.
// For passing a custom INVITE request use WriteInvite.
func (c *DialogClientCache) Invite(ctx context.Context, recipient sip.Uri, body []byte, headers ...sip.Header) (*DialogClientSession, error) {
	dtx, err := c.ua.Invite(ctx, recipient, body, headers...)
	if err != nil {
		return nil, err
	}
	dtx.cache = c
	return dtx, nil
}

// ReadBye routes a BYE coming from our UAS peer to its dialog and
// terminates it, responding 200 on success.
func (c *DialogClientCache) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	callid := req.CallID()
	from := req.From()
	to := req.To()

	id := sip.MakeDialogID(callid.Value(), from.Params["tag"], to.Params["tag"])

	dt := c.loadDialog(id)
	if dt == nil {
		return fmt.Errorf("callid=%q: %w", callid.Value(), ErrDialogDoesNotExists)
	}

	return dt.ReadBye(req, tx)
}

type DialogClientSession struct {
	Dialog
	// UA is used to build and send subsequent requests (CANCEL, ACK, BYE, re-INVITE)
	UA       *DialogUA
	cache    *DialogClientCache
	inviteTx sip.ClientTransaction
}

// Close must be always called in order to cleanup some internal resources.
// Consider that this will not send BYE or CANCEL or change dialog state.
func (s *DialogClientSession) Close() error {
	if s.cache != nil {
		s.cache.dialogs.Delete(s.ID)
	}
	return nil
}

// ReadBye handles a BYE received from our peer, ending the dialog.
func (s *DialogClientSession) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	defer s.Close()
	defer s.inviteTx.Terminate()

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		return err
	}
	s.endWithCause(nil)
	return nil
}

type AnswerOptions struct {
	// OnResponse is called for every response received while waiting the
	// answer, including provisional ones. Returning an error aborts WaitAnswer.
	OnResponse func(res *sip.Response) error

	// For digest authentication
	Username string
	Password string
}

// WaitAnswer waits for success response or returns ErrDialogResponse in case non 2xx.
// Canceling context while waiting 2xx will send CANCEL request.
// Returns errors:
// - ErrDialogResponse in case non 2xx response
// - any internal in case waiting answer failed for different reasons
func (s *DialogClientSession) WaitAnswer(ctx context.Context, opts AnswerOptions) error {
	client, tx, inviteRequest := s.UA.Client, s.inviteTx, s.InviteRequest

	var r *sip.Response
	var err error
	for {
		select {
		case r = <-tx.Responses():
			// just pass
		case <-ctx.Done():
			// RFC 3261 S.9.1: CANCEL is sent as its own non-INVITE
			// transaction matched to the INVITE server transaction by
			// Call-ID/To/From/CSeq and the top Via branch. It is never a
			// method on the INVITE client transaction itself.
			defer tx.Terminate()
			cancelReq := newCancelRequest(inviteRequest)
			cancelTx, cerr := client.TransactionRequest(context.Background(), cancelReq)
			if cerr != nil {
				return errors.Join(cerr, ctx.Err())
			}
			defer cancelTx.Terminate()
			select {
			case <-cancelTx.Responses():
			case <-cancelTx.Done():
			}
			return ctx.Err()

		case <-tx.Done():
			// tx.Err() can be empty
			return errors.Join(fmt.Errorf("transaction terminated"), tx.Err())
		}

		if opts.OnResponse != nil {
			if err := opts.OnResponse(r); err != nil {
				return err
			}
		}

		if r.IsSuccess() {
			break
		}

		if r.IsProvisional() {
			continue
		}

		if (r.StatusCode == sip.StatusProxyAuthRequired) && opts.Password != "" {
			h := inviteRequest.GetHeader("Proxy-Authorization")
			if h == nil {
				tx.Terminate()
				tx, err = digestProxyAuthRequest(ctx, client, inviteRequest, r, digest.Options{
					Method:   sip.INVITE.String(),
					URI:      inviteRequest.Recipient.Addr(),
					Username: opts.Username,
					Password: opts.Password,
				})
				if err != nil {
					return err
				}
				continue
			}
		}

		if r.StatusCode == sip.StatusUnauthorized && opts.Password != "" {
			h := inviteRequest.GetHeader("Authorization")
			if h == nil {
				tx.Terminate()
				tx, err = digestTransactionRequest(ctx, client, inviteRequest, r, digest.Options{
					Method:   sip.INVITE.String(),
					URI:      inviteRequest.Recipient.Addr(),
					Username: opts.Username,
					Password: opts.Password,
				})
				if err != nil {
					return err
				}
				continue
			}
		}

		return ErrDialogResponse{Res: r}
	}

	id, err := sip.MakeDialogIDFromResponse(r)
	if err != nil {
		return err
	}
	s.inviteTx = tx
	s.InviteResponse = r
	s.ID = id
	s.setState(sip.DialogStateEstablished)
	if s.cache != nil {
		s.cache.dialogs.Store(id, s)
	}

	// RFC 3261 S.13.2.2.4: the UAS core retransmits the 2xx until ACK is
	// received. Follow every retransmission with a fresh ACK so a lost
	// first ACK does not leave the dialog stuck unconfirmed.
	tx.OnRetransmission(func(res *sip.Response) {
		ack := newAckRequestUAC(s.InviteRequest, res, nil)
		s.UA.Client.WriteRequest(ack)
	})

	return nil
}

// Ack sends ack. Use WriteAck for more customizing
func (s *DialogClientSession) Ack(ctx context.Context) error {
	ack := newAckRequestUAC(s.InviteRequest, s.InviteResponse, nil)
	return s.WriteAck(ctx, ack)
}

func (s *DialogClientSession) WriteAck(ctx context.Context, ack *sip.Request) error {
	applyDialogRouteSet(ack, s.InviteResponse)

	if err := s.UA.Client.WriteRequest(ack); err != nil {
		return err
	}
	s.setState(sip.DialogStateConfirmed)
	return nil
}

// Bye sends bye and terminates session. Use WriteBye if you want to customize bye request
func (s *DialogClientSession) Bye(ctx context.Context) error {
	bye := newByeRequestUAC(s.InviteRequest, s.InviteResponse, nil)
	return s.WriteBye(ctx, bye)
}

func (s *DialogClientSession) WriteBye(ctx context.Context, bye *sip.Request) error {
	defer s.Close()

	state := s.LoadState()
	// In case dialog terminated
	if state == sip.DialogStateEnded {
		return nil
	}

	// In case dialog was not updated
	if state != sip.DialogStateConfirmed {
		return fmt.Errorf("dialog not confirmed. ACK not sent?")
	}

	applyDialogRouteSet(bye, s.InviteResponse)

	tx, err := s.UA.Client.TransactionRequest(ctx, bye)
	if err != nil {
		return err
	}
	defer s.inviteTx.Terminate() // Terminates INVITE in all cases
	defer tx.Terminate()         // Terminates current transaction

	// Wait 200
	select {
	case res := <-tx.Responses():
		if res.StatusCode != 200 {
			return ErrDialogResponse{res}
		}
		s.endWithCause(nil)
		return nil
	case <-tx.Done():
		return tx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do sends an arbitrary in-dialog request, filling in the headers and
// route set that make it belong to this dialog, and advancing the CSeq
// counter. It is the generic counterpart to Ack/Bye for methods like
// re-INVITE, INFO or REFER.
func (s *DialogClientSession) Do(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	if req.CallID() == nil {
		if h := s.InviteRequest.CallID(); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
	}
	if req.From() == nil {
		if h := s.InviteRequest.From(); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
	}
	if req.To() == nil {
		if h := s.InviteResponse.To(); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
	}

	applyDialogRouteSet(req, s.InviteResponse)

	cseq := req.CSeq()
	if cseq == nil {
		c := sip.CSeqHeader{SeqNo: s.CSEQ(), MethodName: req.Method}
		req.AppendHeader(&c)
		cseq = req.CSeq()
	}
	cseq.MethodName = req.Method
	cseq.SeqNo = s.CSEQ() + 1

	tx, err := s.UA.Client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	s.SetCSEQ(cseq.SeqNo)
	return tx, nil
}

func digestProxyAuthRequest(ctx context.Context, client *Client, req *sip.Request, res *sip.Response, opts digest.Options) (sip.ClientTransaction, error) {
	authHeader := res.GetHeader("Proxy-Authenticate")
	chal, err := digest.ParseChallenge(authHeader.Value())
	if err != nil {
		return nil, fmt.Errorf("fail to parse challenge authHeader=%q: %w", authHeader.Value(), err)
	}

	// Reply with digest
	cred, err := digest.Digest(chal, opts)
	if err != nil {
		return nil, fmt.Errorf("fail to build digest: %w", err)
	}

	cseq := req.CSeq()
	cseq.SeqNo++

	req.RemoveHeader("Proxy-Authorization")
	req.AppendHeader(sip.NewHeader("Proxy-Authorization", cred.String()))

	req.RemoveHeader("Via")
	tx, err := client.TransactionRequest(ctx, req, ClientRequestAddVia)
	return tx, err
}

// digestTransactionRequest checks response if 401 and sends digest auth
func digestTransactionRequest(ctx context.Context, client *Client, req *sip.Request, res *sip.Response, opts digest.Options) (sip.ClientTransaction, error) {
	// Get WWW-Authenticate
	wwwAuth := res.GetHeader("WWW-Authenticate")
	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, fmt.Errorf("fail to parse chalenge wwwauth=%q: %w", wwwAuth.Value(), err)
	}

	// Reply with digest
	cred, err := digest.Digest(chal, opts)
	if err != nil {
		return nil, fmt.Errorf("fail to build digest: %w", err)
	}

	cseq := req.CSeq()
	cseq.SeqNo++

	req.RemoveHeader("Authorization")
	req.AppendHeader(sip.NewHeader("Authorization", cred.String()))

	req.RemoveHeader("Via")
	tx, err := client.TransactionRequest(context.TODO(), req, ClientRequestAddVia)
	return tx, err
}

// newCancelRequest builds the CANCEL for an outstanding INVITE. CANCEL
// is always its own non-INVITE transaction, never a method on the
// INVITE client transaction being cancelled.
// https://datatracker.ietf.org/doc/html/rfc3261#section-9.1
func newCancelRequest(requestForCancel *sip.Request) *sip.Request {
	return sip.NewCancelRequest(requestForCancel)
}

// newAckRequestUAC builds the ACK for a 2xx response to INVITE.
// Unlike the non-2xx ACK (which shares the INVITE transaction and is
// built by the transaction layer itself) this is a brand new request
// sent directly through the transport, routed with the dialog's route set.
// https://datatracker.ietf.org/doc/html/rfc3261#section-13.2.2.4
func newAckRequestUAC(inviteRequest *sip.Request, inviteResponse *sip.Response, body []byte) *sip.Request {
	recipient := inviteRequest.Recipient
	if cont := inviteResponse.Contact(); cont != nil {
		recipient = cont.Address
	}

	ackRequest := sip.NewRequest(sip.ACK, recipient)
	ackRequest.SipVersion = inviteRequest.SipVersion
	ackRequest.SetDestination(recipient.HostPort())
	ackRequest.SetTransport(inviteRequest.Transport())
	ackRequest.SetSource(inviteRequest.Source())

	maxForwardsHeader := sip.MaxForwardsHeader(70)
	ackRequest.AppendHeader(&maxForwardsHeader)

	if h := inviteRequest.From(); h != nil {
		ackRequest.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteResponse.To(); h != nil {
		ackRequest.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRequest.CallID(); h != nil {
		ackRequest.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRequest.CSeq(); h != nil {
		ackRequest.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ackRequest.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	ackRequest.SetBody(body)
	return ackRequest
}

// newByeRequestUAC creates bye request from established dialog
// https://datatracker.ietf.org/doc/html/rfc3261#section-15.1.1
// NOTE: it does not copy Via header. This is left to transport or caller to enforce
func newByeRequestUAC(inviteRequest *sip.Request, inviteResponse *sip.Response, body []byte) *sip.Request {
	recipient := inviteRequest.Recipient
	if cont := inviteResponse.Contact(); cont != nil {
		// BYE is subsequent request
		recipient = cont.Address
	}

	byeRequest := sip.NewRequest(sip.BYE, recipient)
	byeRequest.SipVersion = inviteRequest.SipVersion

	maxForwardsHeader := sip.MaxForwardsHeader(70)
	byeRequest.AppendHeader(&maxForwardsHeader)
	if h := inviteRequest.From(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}

	if h := inviteResponse.To(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}

	if h := inviteRequest.CallID(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}

	if h := inviteRequest.CSeq(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}

	cseq := byeRequest.CSeq()
	cseq.SeqNo = cseq.SeqNo + 1
	cseq.MethodName = sip.BYE

	byeRequest.SetBody(body)
	byeRequest.SetTransport(inviteRequest.Transport())
	byeRequest.SetSource(inviteRequest.Source())
	return byeRequest
}

// applyDialogRouteSet builds the request's Route header set from the
// dialog-establishing response's Record-Route headers, in reverse order,
// per https://datatracker.ietf.org/doc/html/rfc3261#section-12.2.1.1.
// If the resulting topmost Route lacks the "lr" parameter (the remote
// side is a strict router, RFC2543-style), the request line is targeted
// at that Route's address instead of the dialog's remote target; the
// Route header itself is left in place either way.
func applyDialogRouteSet(req *sip.Request, inviteResponse *sip.Response) {
	hdrs := inviteResponse.GetHeaders("Record-Route")
	for i := len(hdrs) - 1; i >= 0; i-- {
		req.AppendHeader(sip.NewHeader("Route", hdrs[i].Value()))
	}

	top := req.Route()
	if top == nil {
		return
	}
	if !top.Address.UriParams.Has("lr") {
		req.Recipient = top.Address
	}
}
