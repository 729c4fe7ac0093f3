// Package transport defines the TransportAdapter contract the Hub consumes
// and, in this file, nothing else: the Hub core is transport-agnostic and
// depends only on the Adapter interface below. Concrete adapters (the
// WebSocket server in this package) and the Hub's own inbound-event
// entrypoints are wired together by cmd/quizhubd.
package transport

// Adapter is the external contract the Hub depends on: best-effort,
// per-connection send and all-connection broadcast. Implementations MUST
// deliver messages from a single connection in order and MUST NOT block
// the caller waiting for acknowledgment — queued delivery is the adapter's
// responsibility, not the Hub's.
type Adapter interface {
	// SendTo delivers payload under eventName to exactly one connection,
	// best-effort. A connection that has since disconnected is silently
	// ignored.
	SendTo(connID, eventName string, payload any)

	// Broadcast delivers payload under eventName to every currently
	// connected participant, best-effort.
	Broadcast(eventName string, payload any)
}

// InboundHandler is implemented by the Hub; the adapter calls these methods
// as transport-level events occur. The adapter MUST invoke Connect before
// any Message for a given connID, and MUST invoke Disconnect at most once,
// after the last Message, for that connID.
type InboundHandler interface {
	Connect(connID string)
	Disconnect(connID string)
	Message(connID string, payload map[string]any)
}
