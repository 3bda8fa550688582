package claim

import "time"

// Event ops.
const (
	OpClaim    = "CLAIM"
	OpUnclaim  = "UNCLAIM"
	OpTransfer = "TRANSFER"
	OpConvert  = "CONVERT"
	OpDisband  = "DISBAND"
)

// Event describes one committed mutation. Events are emitted strictly after
// the store transaction commits, in the same order the per-key lock granted
// the operations.
type Event struct {
	Op        string    `json:"op"`
	World     string    `json:"world"`
	ChunkX    int       `json:"chunk_x"`
	ChunkZ    int       `json:"chunk_z"`
	OwnerID   string    `json:"owner_id,omitempty"`
	OwnerName string    `json:"owner_name,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	VillageID int64     `json:"village_id,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// EventSink receives committed events. Implementations must not block the
// caller for long; the coordinator publishes inline on the operation path.
type EventSink interface {
	Publish(Event)
}

// MultiSink fans one event out to several sinks.
type MultiSink []EventSink

func (m MultiSink) Publish(e Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(e)
		}
	}
}

// EventForOp builds the event describing a committed mutation of c.
func EventForOp(op string, c Claim, actorID, reason string) Event {
	e := Event{
		Op:        op,
		World:     c.Key.World,
		ChunkX:    c.Key.X,
		ChunkZ:    c.Key.Z,
		OwnerID:   c.Owner.ID.String(),
		OwnerName: c.Owner.Name,
		Kind:      c.Kind.Tag().String(),
		ActorID:   actorID,
		Reason:    reason,
		At:        time.Now().UTC(),
	}
	if id, ok := c.Kind.VillageID(); ok {
		e.VillageID = id
	}
	return e
}
