package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"chunkclaim.dev/internal/claim"
)

// Tx is one atomic unit of claim work. Everything between BeginTx and
// Commit either lands together or not at all.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// GetForUpdate reads the row for key under the transaction's write lock.
// Returns nil when no claim exists.
func (t *Tx) GetForUpdate(ctx context.Context, key claim.ChunkKey) (*claim.Claim, error) {
	row := t.tx.QueryRowContext(ctx, selectClaim+` WHERE world=? AND chunk_x=? AND chunk_z=?`,
		key.World, key.X, key.Z)
	return scanClaim(row)
}

// Insert adds a new claim row. Returns claim.ErrDuplicateKey when a row for
// the key already exists; defense in depth on top of GetForUpdate.
func (t *Tx) Insert(ctx context.Context, c claim.Claim) error {
	resType, resAmount, usedSlots, villageID := kindColumns(c.Kind)
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO claims
		 (world, chunk_x, chunk_z, owner_id, owner_name, claim_kind,
		  resource_type, resource_amount, used_free_slots, village_id, created_at, last_updated)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(world, chunk_x, chunk_z) DO NOTHING`,
		c.Key.World, c.Key.X, c.Key.Z, c.Owner.ID.String(), c.Owner.Name, c.Kind.Tag().String(),
		resType, resAmount, usedSlots, villageID, formatTime(c.CreatedAt), formatTime(c.LastUpdated))
	if err != nil {
		return fmt.Errorf("insert claim %s: %w", c.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return claim.ErrDuplicateKey
	}
	return nil
}

// Update rewrites the owner/kind fields of an existing claim, preserving the
// key and created_at.
func (t *Tx) Update(ctx context.Context, c claim.Claim) error {
	resType, resAmount, usedSlots, villageID := kindColumns(c.Kind)
	res, err := t.tx.ExecContext(ctx,
		`UPDATE claims SET owner_id=?, owner_name=?, claim_kind=?,
		  resource_type=?, resource_amount=?, used_free_slots=?, village_id=?, last_updated=?
		 WHERE world=? AND chunk_x=? AND chunk_z=?`,
		c.Owner.ID.String(), c.Owner.Name, c.Kind.Tag().String(),
		resType, resAmount, usedSlots, villageID, formatTime(c.LastUpdated),
		c.Key.World, c.Key.X, c.Key.Z)
	if err != nil {
		return fmt.Errorf("update claim %s: %w", c.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update claim %s: no row", c.Key)
	}
	return nil
}

func (t *Tx) Delete(ctx context.Context, key claim.ChunkKey) error {
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM claims WHERE world=? AND chunk_x=? AND chunk_z=?`,
		key.World, key.X, key.Z); err != nil {
		return fmt.Errorf("delete claim %s: %w", key, err)
	}
	return nil
}

// AppendHistory writes one audit row. History rows are never updated or
// deleted.
func (t *Tx) AppendHistory(ctx context.Context, h claim.HistoryEntry) error {
	var actorID any
	if h.ActorID != nil {
		actorID = h.ActorID.String()
	}
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO claim_history (world, chunk_x, chunk_z, previous_owner_id, actor_id, reason, at)
		 VALUES (?,?,?,?,?,?,?)`,
		h.Key.World, h.Key.X, h.Key.Z, h.PreviousOwnerID.String(), actorID, h.Reason,
		formatTime(h.At)); err != nil {
		return fmt.Errorf("append history %s: %w", h.Key, err)
	}
	return nil
}

// CreateVillage inserts the village record and its mayor membership row.
// Fails when the name is taken.
func (t *Tx) CreateVillage(ctx context.Context, name string, mayor claim.Owner, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO villages (name, mayor_id, mayor_name, active, created_at, last_updated)
		 VALUES (?,?,?,1,?,?)`,
		name, mayor.ID.String(), mayor.Name, formatTime(now), formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("create village %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := t.AddVillageMember(ctx, id, mayor, claim.RoleMayor, now); err != nil {
		return 0, err
	}
	return id, nil
}

func (t *Tx) AddVillageMember(ctx context.Context, villageID int64, m claim.Owner, role string, now time.Time) error {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO village_members (village_id, member_id, member_name, role, joined_at)
		 VALUES (?,?,?,?,?)
		 ON CONFLICT(village_id, member_id) DO UPDATE SET role=excluded.role`,
		villageID, m.ID.String(), m.Name, role, formatTime(now)); err != nil {
		return fmt.Errorf("add member to village %d: %w", villageID, err)
	}
	return nil
}

func (t *Tx) UpdateVillageMayor(ctx context.Context, villageID int64, mayor claim.Owner, now time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE villages SET mayor_id=?, mayor_name=?, last_updated=? WHERE id=? AND active=1`,
		mayor.ID.String(), mayor.Name, formatTime(now), villageID)
	if err != nil {
		return fmt.Errorf("update mayor of village %d: %w", villageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update mayor of village %d: no active village", villageID)
	}
	return nil
}

func (t *Tx) UpdateVillageMemberRole(ctx context.Context, villageID int64, memberID string, role string) error {
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE village_members SET role=? WHERE village_id=? AND member_id=?`,
		role, villageID, memberID); err != nil {
		return fmt.Errorf("update role in village %d: %w", villageID, err)
	}
	return nil
}

// RemoveVillageMembers deletes every membership row of the village.
func (t *Tx) RemoveVillageMembers(ctx context.Context, villageID int64) error {
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM village_members WHERE village_id=?`, villageID); err != nil {
		return fmt.Errorf("remove members of village %d: %w", villageID, err)
	}
	return nil
}

// DeactivateVillage marks the village inactive. The row is kept so history
// and old references stay resolvable.
func (t *Tx) DeactivateVillage(ctx context.Context, villageID int64, now time.Time) error {
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE villages SET active=0, last_updated=? WHERE id=?`,
		formatTime(now), villageID); err != nil {
		return fmt.Errorf("deactivate village %d: %w", villageID, err)
	}
	return nil
}

func kindColumns(k claim.Kind) (resType any, resAmount, usedSlots int, villageID any) {
	switch k.Tag() {
	case claim.KindVillage:
		id, _ := k.VillageID()
		return nil, 0, 0, id
	case claim.KindResource:
		cost, _ := k.Cost()
		return cost.Resource, cost.Amount, cost.UsedFreeSlots, nil
	default:
		return nil, 0, 0, nil
	}
}
