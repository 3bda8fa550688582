// Package store is the authoritative claim store on SQLite.
//
// Transactions open with BEGIN IMMEDIATE, which takes the database write
// lock up front. That is this backend's SELECT ... FOR UPDATE equivalent:
// any other writer's GetForUpdate/Insert blocks until the transaction ends,
// and cross-process writers queue on the file lock with busy_timeout.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"chunkclaim.dev/internal/claim"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path+"?_txlock=immediate")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS claims (
			world TEXT NOT NULL,
			chunk_x INTEGER NOT NULL,
			chunk_z INTEGER NOT NULL,
			owner_id TEXT NOT NULL,
			owner_name TEXT NOT NULL,
			claim_kind TEXT NOT NULL,
			resource_type TEXT,
			resource_amount INTEGER NOT NULL DEFAULT 0,
			used_free_slots INTEGER NOT NULL DEFAULT 0,
			village_id INTEGER,
			created_at TEXT NOT NULL,
			last_updated TEXT NOT NULL,
			PRIMARY KEY (world, chunk_x, chunk_z)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_claims_owner ON claims(owner_id);`,
		`CREATE INDEX IF NOT EXISTS idx_claims_village ON claims(village_id) WHERE village_id IS NOT NULL;`,
		`CREATE TABLE IF NOT EXISTS claim_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			world TEXT NOT NULL,
			chunk_x INTEGER NOT NULL,
			chunk_z INTEGER NOT NULL,
			previous_owner_id TEXT NOT NULL,
			actor_id TEXT,
			reason TEXT NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_history_key ON claim_history(world, chunk_x, chunk_z, at);`,
		`CREATE TABLE IF NOT EXISTS villages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			mayor_id TEXT NOT NULL,
			mayor_name TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			last_updated TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS village_members (
			village_id INTEGER NOT NULL REFERENCES villages(id),
			member_id TEXT NOT NULL,
			member_name TEXT NOT NULL,
			role TEXT NOT NULL,
			joined_at TEXT NOT NULL,
			PRIMARY KEY (village_id, member_id)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Begin opens a write transaction holding the database write lock.
func (s *Store) Begin(ctx context.Context) (claim.StoreTx, error) {
	t, err := s.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Get reads a claim without locking. Diagnostic and read-path use only.
func (s *Store) Get(ctx context.Context, key claim.ChunkKey) (*claim.Claim, error) {
	row := s.db.QueryRowContext(ctx, selectClaim+` WHERE world=? AND chunk_x=? AND chunk_z=?`,
		key.World, key.X, key.Z)
	return scanClaim(row)
}

// LoadAll streams every claim row, for warming the cache at startup.
func (s *Store) LoadAll(ctx context.Context) ([]claim.Claim, error) {
	rows, err := s.db.QueryContext(ctx, selectClaim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []claim.Claim
	for rows.Next() {
		c, err := scanClaimRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// History returns the unclaim/transfer records for a key, newest first.
func (s *Store) History(ctx context.Context, key claim.ChunkKey) ([]claim.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT previous_owner_id, actor_id, reason, at
		 FROM claim_history WHERE world=? AND chunk_x=? AND chunk_z=?
		 ORDER BY at DESC, id DESC`,
		key.World, key.X, key.Z)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []claim.HistoryEntry
	for rows.Next() {
		var (
			prev    string
			actorID sql.NullString
			reason  string
			at      string
		)
		if err := rows.Scan(&prev, &actorID, &reason, &at); err != nil {
			return nil, err
		}
		h := claim.HistoryEntry{Key: key, Reason: reason}
		h.PreviousOwnerID, err = uuid.Parse(prev)
		if err != nil {
			return nil, fmt.Errorf("history row: %w", err)
		}
		if actorID.Valid {
			id, err := uuid.Parse(actorID.String)
			if err != nil {
				return nil, fmt.Errorf("history row: %w", err)
			}
			h.ActorID = &id
		}
		h.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, h)
	}
	return out, rows.Err()
}

// HistorySince pages through the whole history ledger in insertion order,
// starting after the given cursor.
func (s *Store) HistorySince(ctx context.Context, since uint64, limit int) ([]claim.HistoryRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, world, chunk_x, chunk_z, previous_owner_id, actor_id, reason, at
		 FROM claim_history WHERE id > ? ORDER BY id LIMIT ?`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []claim.HistoryRecord
	for rows.Next() {
		var (
			rec     claim.HistoryRecord
			prev    string
			actorID sql.NullString
			at      string
		)
		if err := rows.Scan(&rec.ID, &rec.Key.World, &rec.Key.X, &rec.Key.Z,
			&prev, &actorID, &rec.Reason, &at); err != nil {
			return nil, err
		}
		rec.PreviousOwnerID, err = uuid.Parse(prev)
		if err != nil {
			return nil, fmt.Errorf("history row %d: %w", rec.ID, err)
		}
		if actorID.Valid {
			id, err := uuid.Parse(actorID.String)
			if err != nil {
				return nil, fmt.Errorf("history row %d: %w", rec.ID, err)
			}
			rec.ActorID = &id
		}
		rec.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Village reads the village record, active or not.
func (s *Store) Village(ctx context.Context, id int64) (*claim.Village, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, mayor_id, mayor_name, active, created_at, last_updated
		 FROM villages WHERE id=?`, id)
	return scanVillage(row)
}

func (s *Store) VillageByName(ctx context.Context, name string) (*claim.Village, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, mayor_id, mayor_name, active, created_at, last_updated
		 FROM villages WHERE name=?`, name)
	return scanVillage(row)
}

func (s *Store) VillageMembers(ctx context.Context, id int64) ([]claim.VillageMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT member_id, member_name, role, joined_at
		 FROM village_members WHERE village_id=? ORDER BY joined_at`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []claim.VillageMember
	for rows.Next() {
		var (
			memberID string
			name     string
			role     string
			joined   string
		)
		if err := rows.Scan(&memberID, &name, &role, &joined); err != nil {
			return nil, err
		}
		m := claim.VillageMember{VillageID: id, Role: role}
		m.Member.ID, err = uuid.Parse(memberID)
		if err != nil {
			return nil, fmt.Errorf("member row: %w", err)
		}
		m.Member.Name = name
		m.JoinedAt, _ = time.Parse(time.RFC3339Nano, joined)
		out = append(out, m)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

const selectClaim = `SELECT world, chunk_x, chunk_z, owner_id, owner_name, claim_kind,
	resource_type, resource_amount, used_free_slots, village_id, created_at, last_updated
	FROM claims`

func scanClaim(row *sql.Row) (*claim.Claim, error) {
	c, err := scanClaimFrom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func scanClaimRows(rows *sql.Rows) (*claim.Claim, error) {
	return scanClaimFrom(rows)
}

func scanClaimFrom(s scannable) (*claim.Claim, error) {
	var (
		world       string
		x, z        int
		ownerID     string
		ownerName   string
		kindStr     string
		resType     sql.NullString
		resAmount   int
		usedSlots   int
		villageID   sql.NullInt64
		createdAt   string
		lastUpdated string
	)
	if err := s.Scan(&world, &x, &z, &ownerID, &ownerName, &kindStr,
		&resType, &resAmount, &usedSlots, &villageID, &createdAt, &lastUpdated); err != nil {
		return nil, err
	}

	c := claim.Claim{
		Key:   claim.ChunkKey{World: world, X: x, Z: z},
		Owner: claim.Owner{Name: ownerName},
	}
	id, err := uuid.Parse(ownerID)
	if err != nil {
		return nil, fmt.Errorf("claim row %s: %w", c.Key, err)
	}
	c.Owner.ID = id

	switch kindStr {
	case claim.KindVillage.String():
		if !villageID.Valid {
			return nil, fmt.Errorf("claim row %s: village claim without village_id", c.Key)
		}
		c.Kind = claim.ForVillage(villageID.Int64)
	case claim.KindResource.String():
		c.Kind = claim.WithResource(claim.ResourceCost{
			Resource:      resType.String,
			Amount:        resAmount,
			UsedFreeSlots: usedSlots,
		})
	default:
		c.Kind = claim.Personal()
	}

	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.LastUpdated, _ = time.Parse(time.RFC3339Nano, lastUpdated)
	return &c, nil
}

func scanVillage(row *sql.Row) (*claim.Village, error) {
	var (
		v       claim.Village
		mayorID string
		active  int
		created string
		updated string
	)
	err := row.Scan(&v.ID, &v.Name, &mayorID, &v.Mayor.Name, &active, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.Mayor.ID, err = uuid.Parse(mayorID)
	if err != nil {
		return nil, fmt.Errorf("village row %d: %w", v.ID, err)
	}
	v.Active = active != 0
	v.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	v.LastUpdated, _ = time.Parse(time.RFC3339Nano, updated)
	return &v, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
