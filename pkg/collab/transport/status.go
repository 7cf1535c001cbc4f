package transport

// Status is the connection lifecycle state. Exactly one status holds
// at any instant; transitions are reported through OnStatusChange.
type Status string

// Connection statuses.
const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)
