package sip

// DialogState represents the high level lifecycle stage of a dialog, as
// tracked from the transport/transaction layer independent of any specific
// dialog session implementation.
type DialogState int

const (
	// Dialog received 200 response. States start at 1 so that the zero
	// value means the dialog has not been answered yet.
	DialogStateEstablished DialogState = iota + 1
	// Dialog received ACK
	DialogStateConfirmed
	// Dialog received BYE
	DialogStateEnded
)

// Dialog is a minimal, read-only snapshot of dialog state used by observers
// (ServerDialog.OnDialog/OnDialogChan) that only care about state
// transitions, not the full session API the sipua package's Dialog exposes.
type Dialog struct {
	ID    string
	State DialogState
}
