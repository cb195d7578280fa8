package transport

// Inbound message types.
const (
	TypeFrame = "frame"
	TypePing  = "ping"
)

// Outbound message types.
const (
	TypePong   = "pong"
	TypeError  = "error"
	TypeResult = "result"
)

// Envelope is every client message. Frame is set only for TypeFrame.
type Envelope struct {
	Type  string `json:"type"`
	Frame string `json:"frame,omitempty"`
}

type pongMessage struct {
	Type string `json:"type"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newError(msg string) errorMessage {
	return errorMessage{Type: TypeError, Message: msg}
}
