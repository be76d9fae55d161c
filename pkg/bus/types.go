package bus

// Kind is the transport event that produced an InboundMessage.
type Kind string

const (
	KindConnected Kind = "connected"
	KindMessage   Kind = "message"
	KindClosed    Kind = "closed"
)

// InboundMessage is one transport event handed to the gateway.
// Content is empty for KindConnected and KindClosed.
type InboundMessage struct {
	Channel  string            `json:"channel"`
	ConnID   string            `json:"conn_id"`
	SenderID string            `json:"sender_id,omitempty"`
	Kind     Kind              `json:"kind"`
	Content  []byte            `json:"content,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is the reply for exactly the connection named by ConnID.
// When Reply is set the transport sends Content as one text message, even
// if it is zero bytes. Content includes structured error payloads; Error
// carries the underlying cause for logging only.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ConnID   string            `json:"conn_id"`
	Reply    bool              `json:"reply"`
	Content  []byte            `json:"content,omitempty"`
	Error    string            `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
