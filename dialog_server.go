package sipua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tidesip/sipua/sip"
)

// DialogServerCache keeps track of UAS dialogs by their dialog ID so that
// in-dialog requests (ACK, BYE, re-INVITE) coming from the transport layer
// can be routed back to the right DialogServerSession.
//
// Use DialogUA.ReadInvite directly if you already have your own dialog
// storage and don't need this indexing.
type DialogServerCache struct {
	dialogs sync.Map // TODO replace with typed version
	ua      *DialogUA
}

func (c *DialogServerCache) loadDialog(id string) *DialogServerSession {
	val, ok := c.dialogs.Load(id)
	if !ok || val == nil {
		return nil
	}

	t := val.(*DialogServerSession)
	return t
}

func (c *DialogServerCache) matchDialogRequest(req *sip.Request) (*DialogServerSession, error) {
	id, err := sip.UASReadRequestDialogID(req)
	if err != nil {
		return nil, errors.Join(ErrDialogOutsideDialog, err)
	}

	dt := c.loadDialog(id)
	if dt == nil {
		return nil, ErrDialogDoesNotExists
	}
	return dt, nil
}

// NewDialogServerCache provides a handle for managing UAS dialogs.
// contactHDR is the default Contact added to responses.
// Client is needed for sending requests within established dialogs (re-INVITE, BYE).
// In case of handling different transports you should have multiple instances per transport.
func NewDialogServerCache(client *Client, contactHDR sip.ContactHeader) *DialogServerCache {
	return &DialogServerCache{
		ua: &DialogUA{Client: client, ContactHDR: contactHDR},
	}
}

// ReadInvite should be called from your OnInvite handler; it creates the dialog context.
// You need to use the returned DialogServerSession for all further responses.
// Do not forget to call ReadAck and ReadBye to confirm and terminate the dialog.
func (c *DialogServerCache) ReadInvite(req *sip.Request, tx sip.ServerTransaction) (*DialogServerSession, error) {
	dtx, err := c.ua.ReadInvite(req, tx)
	if err != nil {
		return nil, err
	}
	dtx.cache = c
	c.dialogs.Store(dtx.ID, dtx)
	return dtx, nil
}

// ReadAck should be called from your OnAck handler.
func (c *DialogServerCache) ReadAck(req *sip.Request, tx sip.ServerTransaction) error {
	dt, err := c.matchDialogRequest(req)
	if err != nil {
		return err
	}
	return dt.ReadAck(req, tx)
}

// ReadBye should be called from your OnBye handler.
func (c *DialogServerCache) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	dt, err := c.matchDialogRequest(req)
	if err != nil {
		return err
	}
	return dt.ReadBye(req, tx)
}

type DialogServerSession struct {
	Dialog
	inviteTx sip.ServerTransaction
	ua       *DialogUA
	cache    *DialogServerCache

	// ackCh delivers the ACK request matching the final response, used by
	// WriteResponse to stop retransmitting the 2xx.
	ackCh chan *sip.Request
}

// ReadAck confirms the dialog once the ACK for the final response arrives.
func (s *DialogServerSession) ReadAck(req *sip.Request, tx sip.ServerTransaction) error {
	s.setState(sip.DialogStateConfirmed)
	select {
	case s.ackCh <- req:
	default:
	}
	return nil
}

// ReadBye should be called from your OnBye handler on the matched session.
func (s *DialogServerSession) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	// Make sure this is bye for this dialog. The BYE carries the remote
	// side's CSeq, which must be above the one of its INVITE; our own local
	// counter (CSEQ) is a separate sequence.
	if req.CSeq().SeqNo <= s.InviteRequest.CSeq().SeqNo {
		res := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Cseq is incorect", nil)
		tx.Respond(res)
		return ErrDialogInvalidCseq
	}

	defer s.Close()
	defer s.inviteTx.Terminate() // Terminates Invite transaction

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		return err
	}

	s.endWithCause(nil)

	return nil
}

// addDialogHeaders fills in CallID/From/To for a request built fresh within
// this dialog (re-INVITE, BYE) that does not carry them yet. As UAS, our
// local URI is the invite's To (carrying our tag) and the remote URI is the
// invite's From.
func (s *DialogServerSession) addDialogHeaders(req *sip.Request) {
	if req.CallID() == nil {
		callid := sip.CallIDHeader(s.InviteRequest.CallID().Value())
		req.AppendHeader(&callid)
	}
	if req.From() == nil {
		to := s.InviteRequest.To()
		req.AppendHeader(&sip.FromHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	if req.To() == nil {
		from := s.InviteRequest.From()
		req.AppendHeader(&sip.ToHeader{
			DisplayName: from.DisplayName,
			Address:     from.Address,
			Params:      from.Params,
		})
	}
}

// TransactionRequest is doing client DIALOG request based on RFC
// https://www.rfc-editor.org/rfc/rfc3261#section-12.2.1
// This ensures that you have proper request done within dialog
func (s *DialogServerSession) TransactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	s.addDialogHeaders(req)

	cseq := req.CSeq()
	if cseq == nil {
		cseq = &sip.CSeqHeader{
			SeqNo:      s.CSEQ(),
			MethodName: req.Method,
		}
		req.AppendHeader(cseq)
	}

	// For safety make sure we are starting with our last dialog cseq num
	cseq.SeqNo = s.CSEQ()

	if !req.IsAck() && !req.IsCancel() {
		// Do cseq increment within dialog
		cseq.SeqNo = s.CSEQ() + 1
	}

	// https://datatracker.ietf.org/doc/html/rfc3261#section-12.1.1
	// As UAS the route set is the INVITE's Record-Route list, taken in order.
	hdrs := s.InviteRequest.GetHeaders("Record-Route")
	for _, recordRoute := range hdrs {
		req.AppendHeader(sip.NewHeader("Route", recordRoute.Value()))
	}

	// Check Route Header
	// Should be handled by transport layer but here we are making this explicit
	if rr := req.Route(); rr != nil {
		req.SetDestination(rr.Address.HostPort())
	}

	s.SetCSEQ(cseq.SeqNo)
	// Passing option to avoid CSEQ apply
	return s.ua.Client.TransactionRequest(ctx, req, ClientRequestBuild)
}

func (s *DialogServerSession) WriteRequest(req *sip.Request) error {
	return s.ua.Client.WriteRequest(req)
}

// Close is always good to call for cleanup or terminating dialog state
func (s *DialogServerSession) Close() error {
	if s.cache != nil {
		s.cache.dialogs.Delete(s.ID)
	}
	return nil
}

// Respond should be called for Invite request, you may want to call this multiple times like
// 100 Progress or 180 Ringing
// 2xx for creating dialog or other code in case failure
//
// In case Cancel request received: ErrDialogCanceled is responded
func (s *DialogServerSession) Respond(statusCode sip.StatusCode, reason string, body []byte, headers ...sip.Header) error {
	// Must copy Record-Route headers. Done by this command
	res := sip.NewResponseFromRequest(s.InviteRequest, statusCode, reason, body)

	for _, h := range headers {
		res.AppendHeader(h)
	}

	return s.WriteResponse(res)
}

// RespondSDP is just wrapper to call 200 with SDP.
// It is better to use this when answering as it provide correct headers
func (s *DialogServerSession) RespondSDP(sdp []byte) error {
	if sdp == nil {
		return fmt.Errorf("sdp not provided")
	}
	res := sip.NewSDPResponseFromRequest(s.InviteRequest, sdp)
	return s.WriteResponse(res)
}

// WriteResponse allows passing you custom response
func (s *DialogServerSession) WriteResponse(res *sip.Response) error {
	tx := s.inviteTx

	if res.Contact() == nil {
		// Add our default contact header
		res.AppendHeader(&s.ua.ContactHDR)
	}

	s.Dialog.InviteResponse = res

	select {
	case <-tx.Done():
		// There must be some error
		return tx.Err()
	default:
	}

	if !res.IsSuccess() {
		if res.IsProvisional() {
			// This will not create dialog so we will just respond
			return tx.Respond(res)
		}

		// For final response we want to set dialog ended state
		if err := tx.Respond(res); err != nil {
			return err
		}
		s.setState(sip.DialogStateEnded)
		return nil
	}

	id, err := sip.MakeDialogIDFromResponse(res)
	if err != nil {
		return err
	}

	if id != s.Dialog.ID {
		return fmt.Errorf("ID do not match. Invite request has changed headers?")
	}

	// Established before sending, so that an ACK read right after the 2xx
	// (which moves the dialog to Confirmed) is not overwritten.
	s.setState(sip.DialogStateEstablished)
	if err := tx.Respond(res); err != nil {
		// We could also not delete this as Close will handle cleanup
		if s.cache != nil {
			s.cache.dialogs.Delete(id)
		}
		return err
	}

	// https://datatracker.ietf.org/doc/html/rfc3261#section-13.3.1.4
	// The UAS core retransmits the 2xx response until it receives an ACK,
	// spaced first by T1 and then doubling, up to Timer H.
	retransmit := time.NewTimer(sip.T1)
	defer retransmit.Stop()
	timeout := time.NewTimer(sip.Timer_H)
	defer timeout.Stop()
	interval := sip.T1
	for {
		select {
		case <-s.ackCh:
			// ReadAck has already moved the dialog to Confirmed
			return nil
		case <-retransmit.C:
			tx.Respond(res)
			interval *= 2
			retransmit.Reset(interval)
		case <-timeout.C:
			s.endWithCause(sip.ErrTransactionTimeout)
			return sip.ErrTransactionTimeout
		case <-tx.Done():
			return tx.Err()
		}
	}
}

func (s *DialogServerSession) Bye(ctx context.Context) error {
	state := s.LoadState()
	// In case dialog terminated
	if state == sip.DialogStateEnded {
		return nil
	}

	if state != sip.DialogStateConfirmed && state != sip.DialogStateEstablished {
		return nil
	}

	req := s.Dialog.InviteRequest
	res := s.Dialog.InviteResponse

	if !res.IsSuccess() {
		return fmt.Errorf("can not send bye on NON success response")
	}

	// This is tricky
	defer s.inviteTx.Terminate() // Terminates INVITE in all cases

	// https://datatracker.ietf.org/doc/html/rfc3261#section-15
	// However, the callee's UA MUST NOT send a BYE on a confirmed dialog
	// until it has received an ACK for its 2xx response or until the server
	// transaction times out.
	for {
		state = s.LoadState()
		if state < sip.DialogStateConfirmed {
			select {
			case <-s.inviteTx.Done():
				// Wait until we timeout
			case <-time.After(sip.T1):
				// Recheck state
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		break
	}

	bye := newByeRequestUAS(req, res)

	// Check that we have still match same dialog
	callidHDR := bye.CallID()
	newFrom := bye.From()
	newTo := bye.To()
	byeID := sip.MakeDialogID(callidHDR.Value(), newFrom.Params["tag"], newTo.Params["tag"])
	if s.ID != byeID {
		return fmt.Errorf("non matching ID %q %q", s.ID, byeID)
	}

	tx, err := s.TransactionRequest(ctx, bye)
	if err != nil {
		return err
	}
	defer tx.Terminate() // Terminates current transaction

	// Wait 200
	select {
	case res := <-tx.Responses():
		if res.StatusCode != 200 {
			return ErrDialogResponse{res}
		}
		s.setState(sip.DialogStateEnded)
		return nil
	case <-tx.Done():
		return tx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newByeRequestUAS generates request for UAS within dialog
// it does not add VIA header, as this must be handled by transport layer
func newByeRequestUAS(req *sip.Request, res *sip.Response) *sip.Request {
	// We must check record route header
	// https://datatracker.ietf.org/doc/html/rfc2543#section-6.13
	cont := req.Contact()
	bye := sip.NewRequest(sip.BYE, cont.Address)

	// Reverse from and to
	from := res.From()
	to := res.To()
	callid := res.CallID()

	newFrom := &sip.FromHeader{
		DisplayName: to.DisplayName,
		Address:     to.Address,
		Params:      to.Params,
	}

	newTo := &sip.ToHeader{
		DisplayName: from.DisplayName,
		Address:     from.Address,
		Params:      from.Params,
	}

	bye.AppendHeader(newFrom)
	bye.AppendHeader(newTo)
	bye.AppendHeader(callid)

	return bye
}
