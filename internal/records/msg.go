package records

// Control-plane message kinds exchanged between workers and the server.
const (
	// CtrlReport delivers a finished episode record.
	CtrlReport = "report"
	// CtrlRequest polls for a fresh play request.
	CtrlRequest = "request"
)

// CtrlMsg is a worker-to-server control message, JSON-encoded on the wire.
type CtrlMsg struct {
	Kind     string  `json:"kind"`
	ClientID string  `json:"client_id"`
	Record   *Record `json:"record,omitempty"`
}

// CtrlReply answers a CtrlMsg.
type CtrlReply struct {
	Kind string `json:"kind"`

	// Feed reports what happened to a delivered record.
	Feed string `json:"feed,omitempty"`

	// Request carries the fresh play request on a poll.
	Request *Request `json:"request,omitempty"`
}
