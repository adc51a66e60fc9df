package models

// StatusType is the delivery status of an outbound message.
type StatusType string

const (
	// StatusTypeSent means the transport accepted the message.
	StatusTypeSent StatusType = "sent"
	// StatusTypeDelivered means the recipient's device acknowledged delivery.
	StatusTypeDelivered StatusType = "delivered"
	// StatusTypeRead means the recipient read the message.
	StatusTypeRead StatusType = "read"
)

// Receipt is a delivery status event for an outbound message.
type Receipt struct {
	To     string     `json:"to"`
	Status StatusType `json:"status"`
	Time   int64      `json:"time"`
}

// Response is an inbound message from a participant.
type Response struct {
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// APIResponse is the envelope returned by every HTTP endpoint.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success builds a success envelope carrying a result payload.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: "ok", Result: result}
}

// Error builds an error envelope with a human-readable message.
func Error(message string) APIResponse {
	return APIResponse{Status: "error", Message: message}
}
