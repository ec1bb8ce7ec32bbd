package collab

// Status is the externally visible connection phase. Transitions follow
// disconnected → connecting → connected → reconnecting → (connecting |
// failed); failed is terminal until an explicit Connect.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)
