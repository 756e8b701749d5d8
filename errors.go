package sipua

import "errors"

// Sentinel errors returned by the UserAgent facade (Register/Options/
// Invite/Bye/Cancel). Callers match these with errors.Is; each wraps
// whatever lower-level error (transport, transaction timeout, dialog
// lookup miss...) actually produced it.
var (
	// ErrParse names a malformed SIP message. No function in this module
	// returns it; the sip package's parsers return their own errors.
	ErrParse = errors.New("sipua: malformed SIP message")

	// ErrTransportLost is returned when a write or read fails on the
	// connection backing an active transaction.
	ErrTransportLost = errors.New("sipua: transport lost")

	// ErrTimeout is returned when a transaction's retransmission timer
	// (Timer B, F or H) expires with no final response.
	ErrTimeout = errors.New("sipua: transaction timed out")

	// ErrAuthRequired is returned when a request is challenged with
	// 401/407 and no credential is registered for the challenge's realm.
	ErrAuthRequired = errors.New("sipua: authentication required")

	// ErrAuthFailed is returned when the retried, credentialed request
	// is challenged a second time.
	ErrAuthFailed = errors.New("sipua: authentication failed")

	// ErrUnsupportedChallenge is returned when a 401/407 challenge uses
	// a scheme or algorithm this module does not implement.
	ErrUnsupportedChallenge = errors.New("sipua: unsupported authentication challenge")

	// ErrDialogGone is returned when an in-dialog request (BYE,
	// re-INVITE) targets a dialog ID this UserAgent no longer tracks.
	ErrDialogGone = errors.New("sipua: dialog does not exist")

	// ErrProtocolViolation is returned when a peer's message violates a
	// basic dialog/transaction invariant (missing Contact on INVITE, a
	// CSeq that does not advance, an out-of-order ACK...).
	ErrProtocolViolation = errors.New("sipua: protocol violation")
)
