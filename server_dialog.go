package sipua

import (
	"github.com/tidesip/sipua/sip"
)

// ServerDialog extends Server with a dialog-state observer for callers
// that only want state transitions (confirmed/ended) and not the full
// DialogServerSession API — a call-detail logger or presence watcher,
// for instance, has no need to Bye or inspect Route sets.
type ServerDialog struct {
	Server

	onDialog func(d sip.Dialog)
}

func NewServerDialog(ua *UserAgent, options ...ServerOption) (*ServerDialog, error) {
	base, err := newBaseServer(ua, options...)
	if err != nil {
		return nil, err
	}

	s := &ServerDialog{
		Server: *base,
	}

	s.tx.OnRequest(s.onRequestDialog)
	return s, nil
}

func (s *ServerDialog) onRequestDialog(r *sip.Request, tx sip.ServerTransaction) {
	go s.handleRequestDialog(r, tx)
}

func (s *ServerDialog) handleRequestDialog(r *sip.Request, tx sip.ServerTransaction) {
	switch r.Method {
	case sip.ACK:
		s.publish(r, sip.Dialog{
			State: sip.DialogStateConfirmed,
		})

	case sip.CANCEL:
		// A CANCEL racing the final response still ends the dialog from
		// an observer's point of view: no 2xx will ever confirm it.
		s.publish(r, sip.Dialog{
			State: sip.DialogStateEnded,
		})

	case sip.BYE:
		s.publish(r, sip.Dialog{
			State: sip.DialogStateEnded,
		})
	}

	// handleRequest wraps tx again in flowServerTx when s.Flow is set, so
	// Respond calls unwind flow recording first, then dialog publish, then
	// the real transaction — both observers see every final response.
	wraptx := &dialogServerTx{tx, s}
	s.Server.handleRequest(r, wraptx)
}

func (s *ServerDialog) publish(r sip.Message, d sip.Dialog) {
	if s.onDialog == nil {
		return
	}

	id, err := sip.MakeDialogIDFromMessage(r)
	if err != nil {
		s.log.Error().Err(err).Str("msg", sip.MessageShortString(r)).Msg("Failed to create dialog id")
		return
	}

	d.ID = id
	s.onDialog(d)
}

// OnDialog registers f to be called with every dialog state transition
// this server observes (established/confirmed/ended). Only one observer
// is kept; registering again replaces the previous one.
func (s *ServerDialog) OnDialog(f func(d sip.Dialog)) {
	s.onDialog = f
}

// OnDialogChan is OnDialog for callers that prefer to range over a
// channel instead of supplying a callback — a call-detail logger, say,
// that wants to drain transitions from its own goroutine.
func (s *ServerDialog) OnDialogChan(ch chan sip.Dialog) {
	s.onDialog = func(d sip.Dialog) {
		ch <- d
	}
}

// dialogServerTx decorates a ServerTransaction so that every final
// response sent through it also publishes a dialog-state transition,
// without requiring handleRequestDialog to intercept the response path
// itself (responses are written by the request handler registered with
// OnInvite/OnRegister/etc, not by this type).
type dialogServerTx struct {
	sip.ServerTransaction
	s *ServerDialog
}

func (tx *dialogServerTx) Respond(r *sip.Response) error {
	if r.IsSuccess() {
		tx.s.publish(r, sip.Dialog{
			State: sip.DialogStateEstablished,
		})
	}

	return tx.ServerTransaction.Respond(r)
}
