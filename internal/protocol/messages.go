package protocol

import "chunkclaim.dev/internal/claim"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	ClientName      string       `json:"client_name,omitempty"`
	Filter          *EventFilter `json:"filter,omitempty"`
}

// EventFilter narrows the feed a subscriber receives. Empty fields match
// everything.
type EventFilter struct {
	World   string   `json:"world,omitempty"`
	Ops     []string `json:"ops,omitempty"`
	OwnerID string   `json:"owner_id,omitempty"`
}

// Matches reports whether e passes the filter. A nil filter matches all.
func (f *EventFilter) Matches(e claim.Event) bool {
	if f == nil {
		return true
	}
	if f.World != "" && f.World != e.World {
		return false
	}
	if f.OwnerID != "" && f.OwnerID != e.OwnerID {
		return false
	}
	if len(f.Ops) > 0 {
		ok := false
		for _, op := range f.Ops {
			if op == e.Op {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	ServerTime      string `json:"server_time"`
	TrackedClaims   int    `json:"tracked_claims"`
}

// EVENT (server -> client): one committed claim mutation.
type EventMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Event           claim.Event `json:"event"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

func NewEventMsg(e claim.Event) EventMsg {
	return EventMsg{Type: TypeEvent, ProtocolVersion: Version, Event: e}
}

func NewErrorMsg(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message}
}
