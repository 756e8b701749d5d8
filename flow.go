package sipua

import "github.com/tidesip/sipua/sip"

// flowDialogID returns msg's dialog ID for flow-tracker indexing, or ""
// when msg carries no dialog (REGISTER, OPTIONS, or a request/response
// still missing one of the tags dialog IDs are keyed on).
func flowDialogID(msg sip.Message) string {
	switch m := msg.(type) {
	case *sip.Request:
		if id, err := sip.UASReadRequestDialogID(m); err == nil {
			return id
		}
	case *sip.Response:
		if id, err := sip.MakeDialogIDFromResponse(m); err == nil {
			return id
		}
	}
	return ""
}

// flowTxKey returns the top Via branch, used to index flow-tracker
// events for exchanges that precede (or never form) a dialog.
func flowTxKey(msg sip.Message) string {
	via := msg.Via()
	if via == nil {
		return ""
	}
	branch, _ := via.Params.Get("branch")
	return branch
}

func flowStatusCode(msg sip.Message) int {
	if res, ok := msg.(*sip.Response); ok {
		return res.StatusCode
	}
	return 0
}

func flowMethod(msg sip.Message) string {
	switch m := msg.(type) {
	case *sip.Request:
		return m.Method.String()
	case *sip.Response:
		if cseq := m.CSeq(); cseq != nil {
			return cseq.MethodName.String()
		}
	}
	return ""
}
