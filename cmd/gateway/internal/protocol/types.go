package protocol

const (
	ActionSubscribe      = "subscribe"
	ActionUnsubscribe    = "unsubscribe"
	ActionUnsubscribeAll = "unsubscribe_all"
	ActionSetInterval    = "set_interval"
	ActionRefresh        = "refresh"
)

const (
	TypeAck      = "ack"
	TypeError    = "error"
	TypeState    = "state"
	TypeSnapshot = "snapshot"
)

type WSRequest struct {
	Action  string         `json:"action"`
	Payload RequestPayload `json:"payload"`
	ID      string         `json:"id,omitempty"`
}

// RequestPayload names the entities a command applies to. An empty
// resolution means the live quote.
type RequestPayload struct {
	Entities   []string `json:"entities"`
	Resolution string   `json:"resolution,omitempty"`
}

type WSResponse struct {
	Type    string      `json:"type"`             // "ack", "error", "state", "snapshot"
	ID      string      `json:"id,omitempty"`     // Matches request ID
	Status  string      `json:"status,omitempty"` // "success", "error"
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}
