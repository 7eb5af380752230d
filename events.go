package main

// Lifecycle events republished by a session's connection. The set is closed:
// the supervisor's dispatcher type-switches over it exhaustively, so a new
// event kind cannot be added without handling it there.
type LifecycleEvent interface {
	eventType() string
}

// DisconnectReason distinguishes disconnects that should trigger
// reconnection from those that must tear the session down.
type DisconnectReason string

const (
	ReasonLogout         DisconnectReason = "logout"
	ReasonStreamReplaced DisconnectReason = "stream_replaced"
	ReasonKeepAlive      DisconnectReason = "keepalive_timeout"
	ReasonRemoteClose    DisconnectReason = "remote_close"
)

// SessionIdentity is the account identity reported once authenticated.
type SessionIdentity struct {
	Name     string `json:"name"`
	Platform string `json:"platform"`
	Phone    string `json:"phone"`
}

type EventQR struct {
	Code string
}

type EventAuthenticated struct{}

type EventReady struct {
	Info SessionIdentity
}

type EventDisconnected struct {
	Reason DisconnectReason
}

type EventAuthFailure struct {
	Message string
}

type EventMessage struct {
	From      string
	MessageID string
}

type EventMessageAck struct {
	MessageID string
	Level     int
}

type EventError struct {
	Err error
}

func (EventQR) eventType() string            { return "QR" }
func (EventAuthenticated) eventType() string { return "Authenticated" }
func (EventReady) eventType() string         { return "Ready" }
func (EventDisconnected) eventType() string  { return "Disconnected" }
func (EventAuthFailure) eventType() string   { return "AuthFailure" }
func (EventMessage) eventType() string       { return "Message" }
func (EventMessageAck) eventType() string    { return "MessageAck" }
func (EventError) eventType() string         { return "Error" }
