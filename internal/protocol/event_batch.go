package protocol

// HISTORY_REQ (client -> server): page through the claim history ledger.
type HistoryReqMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	SinceCursor     uint64 `json:"since_cursor"`
	Limit           int    `json:"limit"`
}

type HistoryItem struct {
	Cursor          uint64 `json:"cursor"`
	World           string `json:"world"`
	ChunkX          int    `json:"chunk_x"`
	ChunkZ          int    `json:"chunk_z"`
	PreviousOwnerID string `json:"previous_owner_id"`
	ActorID         string `json:"actor_id,omitempty"`
	Reason          string `json:"reason,omitempty"`
	At              string `json:"at"`
}

// HISTORY (server -> client)
type HistoryMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	ReqID           string        `json:"req_id"`
	Items           []HistoryItem `json:"items"`
	NextCursor      uint64        `json:"next_cursor"`
}
