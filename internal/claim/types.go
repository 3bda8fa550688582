package claim

import (
	"time"

	"github.com/google/uuid"
)

// Resource types that can pay for a claim.
const (
	ResourceFree      = "FREE"
	ResourceIron      = "IRON_INGOT"
	ResourceDiamond   = "DIAMOND"
	ResourceNetherite = "NETHERITE_INGOT"
)

// ResourceCost is what a resource-backed claim consumed when it was made.
type ResourceCost struct {
	Resource      string
	Amount        int
	UsedFreeSlots int
}

// KindTag discriminates the claim kind variant.
type KindTag int

const (
	KindPersonal KindTag = iota
	KindVillage
	KindResource
)

func (t KindTag) String() string {
	switch t {
	case KindPersonal:
		return "PERSONAL"
	case KindVillage:
		return "VILLAGE"
	case KindResource:
		return "RESOURCE"
	}
	return "UNKNOWN"
}

// Kind is a tagged variant: Personal, Village{villageID} or
// Resource{cost}. The zero value is Personal. Constructors are the only way
// to set the payload, so a village id on a personal claim is unrepresentable.
type Kind struct {
	tag       KindTag
	villageID int64
	cost      ResourceCost
}

func Personal() Kind { return Kind{tag: KindPersonal} }

func ForVillage(villageID int64) Kind {
	return Kind{tag: KindVillage, villageID: villageID}
}

func WithResource(cost ResourceCost) Kind {
	return Kind{tag: KindResource, cost: cost}
}

func (k Kind) Tag() KindTag { return k.tag }

// VillageID returns the owning village when the kind is Village.
func (k Kind) VillageID() (int64, bool) {
	if k.tag != KindVillage {
		return 0, false
	}
	return k.villageID, true
}

// Cost returns the resource cost when the kind is Resource.
func (k Kind) Cost() (ResourceCost, bool) {
	if k.tag != KindResource {
		return ResourceCost{}, false
	}
	return k.cost, true
}

// Owner is the identity a claim is bound to.
type Owner struct {
	ID   uuid.UUID
	Name string
}

// Actor is an owner issuing an operation. AdminOverride stands in for the
// host's permission backend: when set, unclaim is allowed on foreign chunks.
type Actor struct {
	ID            uuid.UUID
	Name          string
	AdminOverride bool
}

func (a Actor) Owner() Owner { return Owner{ID: a.ID, Name: a.Name} }

// Claim binds exactly one chunk to one owner. At most one claim exists per
// key; the store enforces this with a unique constraint and the coordinator
// re-checks it under lock before every insert.
type Claim struct {
	Key         ChunkKey
	Owner       Owner
	Kind        Kind
	CreatedAt   time.Time
	LastUpdated time.Time
}

// HistoryEntry is the append-only audit record written once per unclaim or
// ownership change. ActorID is nil for system-initiated operations.
type HistoryEntry struct {
	Key             ChunkKey
	PreviousOwnerID uuid.UUID
	ActorID         *uuid.UUID
	Reason          string
	At              time.Time
}

// HistoryRecord is a HistoryEntry with its ledger position, for cursor-based
// paging.
type HistoryRecord struct {
	ID uint64
	HistoryEntry
}

// Village roles.
const (
	RoleMayor       = "MAYOR"
	RoleDeputyMayor = "DEPUTY_MAYOR"
	RoleMember      = "MEMBER"
)

type Village struct {
	ID          int64
	Name        string
	Mayor       Owner
	Active      bool
	CreatedAt   time.Time
	LastUpdated time.Time
}

type VillageMember struct {
	VillageID int64
	Member    Owner
	Role      string
	JoinedAt  time.Time
}
