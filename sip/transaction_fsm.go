package sip

// fsmInput is the event alphabet shared by all four RFC 3261 §17
// transaction state machines. Client and server inputs are disjoint
// subsets of the same type so that a single fsmState/fsmContextState
// function shape can drive either machine.
type fsmInput int

// fsmState is an action run on a transition (actResend, actFinal...).
// It returns the next input to feed the machine, or FsmInputNone.
type fsmState func() fsmInput

// fsmContextState is a transaction's current state, expressed as the
// function that receives the next input, picks the next state and
// action, and runs the action (a "state as closure" machine rather than
// a state+transition-table pair). Every state of all four machines has
// this shape.
type fsmContextState func(s fsmInput) fsmInput

// Client transaction states (RFC 3261 §17.1).
type clientTxState int

const (
	client_state_calling clientTxState = iota
	client_state_proceeding
	client_state_completed
	client_state_accepted
	client_state_terminated
)

// Server transaction states (RFC 3261 §17.2).
type serverTxState int

const (
	server_state_trying serverTxState = iota
	server_state_proceeding
	server_state_completed
	server_state_confirmed
	server_state_accepted
	server_state_terminated
)

// FSM Inputs
const (
	FsmInputNone fsmInput = iota
	// Server transaction inputs
	server_input_request
	server_input_ack
	server_input_cancel
	server_input_user_1xx
	server_input_user_2xx
	server_input_user_300_plus
	server_input_timer_g
	server_input_timer_h
	server_input_timer_i
	server_input_timer_j
	server_input_timer_l
	server_input_transport_err
	server_input_delete
	// Client transactions inputs
	client_input_1xx
	client_input_2xx
	client_input_300_plus
	client_input_timer_a
	client_input_timer_b
	client_input_timer_d
	client_input_timer_m
	client_input_transport_err
	client_input_delete
	client_input_cancel
	client_input_canceled
)

// fsmInputNames keeps fsmString a table lookup instead of a long
// switch; adding an input is a one-line map entry rather than a new
// case.
var fsmInputNames = map[fsmInput]string{
	FsmInputNone:                "none",
	server_input_request:        "server_input_request",
	server_input_ack:            "server_input_ack",
	server_input_cancel:         "server_input_cancel",
	server_input_user_1xx:       "server_input_user_1xx",
	server_input_user_2xx:       "server_input_user_2xx",
	server_input_user_300_plus:  "server_input_user_300_plus",
	server_input_timer_g:        "server_input_timer_g",
	server_input_timer_h:        "server_input_timer_h",
	server_input_timer_i:        "server_input_timer_i",
	server_input_timer_j:        "server_input_timer_j",
	server_input_timer_l:        "server_input_timer_l",
	server_input_transport_err:  "server_input_transport_err",
	server_input_delete:         "server_input_delete",
	client_input_1xx:            "client_input_1xx",
	client_input_2xx:            "client_input_2xx",
	client_input_300_plus:       "client_input_300_plus",
	client_input_timer_a:        "client_input_timer_a",
	client_input_timer_b:        "client_input_timer_b",
	client_input_timer_d:        "client_input_timer_d",
	client_input_timer_m:        "client_input_timer_m",
	client_input_transport_err:  "client_input_transport_err",
	client_input_delete:         "client_input_delete",
	client_input_cancel:         "client_input_cancel",
	client_input_canceled:       "client_input_canceled",
}

func fsmString(f fsmInput) string {
	if name, ok := fsmInputNames[f]; ok {
		return name
	}
	return "unknown transaction state"
}
