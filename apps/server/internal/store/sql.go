package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"stagehand/staging"
)

// schema is shared by SQLite and PostgreSQL. The partial unique index keeps
// at most one active staging per region even if two commits race. seq is the
// per-region insertion order and breaks approval-time ties in history.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS stagings (
    id TEXT PRIMARY KEY,
    region_id TEXT NOT NULL,
    seq BIGINT NOT NULL,
    location_id TEXT NOT NULL,
    world_id TEXT NOT NULL,
    game_time_ms BIGINT NOT NULL,
    approved_at_ms BIGINT NOT NULL,
    ttl_hours INTEGER NOT NULL,
    approved_by TEXT NOT NULL,
    source TEXT NOT NULL,
    guidance TEXT NOT NULL DEFAULT '',
    is_active BOOLEAN NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_stagings_region_approved ON stagings (region_id, approved_at_ms DESC)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_stagings_region_seq ON stagings (region_id, seq)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_stagings_region_active ON stagings (region_id) WHERE is_active`,
	`CREATE TABLE IF NOT EXISTS staging_npcs (
    staging_id TEXT NOT NULL REFERENCES stagings(id),
    position INTEGER NOT NULL,
    character_id TEXT NOT NULL,
    name TEXT NOT NULL,
    sprite_asset TEXT NOT NULL DEFAULT '',
    portrait_asset TEXT NOT NULL DEFAULT '',
    mood TEXT NOT NULL DEFAULT '',
    is_present BOOLEAN NOT NULL,
    is_hidden_from_players BOOLEAN NOT NULL,
    reasoning TEXT NOT NULL,
    PRIMARY KEY (staging_id, position)
)`,
	`CREATE TABLE IF NOT EXISTS region_current_staging (
    region_id TEXT PRIMARY KEY,
    staging_id TEXT NOT NULL REFERENCES stagings(id)
)`,
}

const stagingColumns = `s.id, s.region_id, s.location_id, s.world_id, s.game_time_ms, s.approved_at_ms,
       s.ttl_hours, s.approved_by, s.source, s.guidance, s.is_active`

// sqlStore implements staging.Store on database/sql. Queries are written
// with ? placeholders and rebound for drivers that need $n.
type sqlStore struct {
	db     *sql.DB
	dollar bool
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure staging schema: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) q(query string) string {
	if !s.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Commit(ctx context.Context, st *staging.Staging) error {
	if st == nil || st.ID == "" || st.RegionID == "" {
		return staging.Invalid("staging id and region are required")
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, s.q(`
SELECT COALESCE(MAX(seq), 0) + 1 FROM stagings WHERE region_id = ?`), st.RegionID).Scan(&seq); err != nil {
		return fmt.Errorf("next staging seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`
UPDATE stagings SET is_active = ? WHERE region_id = ? AND is_active = ?`),
		false, st.RegionID, true); err != nil {
		return fmt.Errorf("deactivate previous: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`
INSERT INTO stagings (id, region_id, seq, location_id, world_id, game_time_ms, approved_at_ms,
                      ttl_hours, approved_by, source, guidance, is_active)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		st.ID, st.RegionID, seq, st.LocationID, st.WorldID,
		st.GameTime.UnixMilli(), st.ApprovedAt.UnixMilli(),
		st.TTLHours, st.ApprovedBy, st.Source.String(), st.Guidance, true,
	); err != nil {
		return fmt.Errorf("insert staging: %w", err)
	}
	for i, npc := range st.NPCs {
		if _, err := tx.ExecContext(ctx, s.q(`
INSERT INTO staging_npcs (staging_id, position, character_id, name, sprite_asset, portrait_asset,
                          mood, is_present, is_hidden_from_players, reasoning)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			st.ID, i, npc.CharacterID, npc.Name, npc.SpriteAsset, npc.PortraitAsset,
			npc.Mood, npc.IsPresent, npc.IsHiddenFromPlayers, npc.Reasoning,
		); err != nil {
			return fmt.Errorf("insert staging npc %s: %w", npc.CharacterID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.q(`
INSERT INTO region_current_staging (region_id, staging_id)
VALUES (?, ?)
ON CONFLICT (region_id) DO UPDATE SET staging_id = excluded.staging_id`),
		st.RegionID, st.ID,
	); err != nil {
		return fmt.Errorf("repoint region: %w", err)
	}
	return tx.Commit()
}

func (s *sqlStore) Current(ctx context.Context, regionID string) (*staging.Staging, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, s.q(`
SELECT `+stagingColumns+`
FROM region_current_staging c
JOIN stagings s ON s.id = c.staging_id
WHERE c.region_id = ? AND s.is_active = ?`), regionID, true)
	st, err := scanStaging(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadNPCs(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *sqlStore) Get(ctx context.Context, stagingID string) (*staging.Staging, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, s.q(`
SELECT `+stagingColumns+`
FROM stagings s
WHERE s.id = ?`), stagingID)
	st, err := scanStaging(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadNPCs(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *sqlStore) History(ctx context.Context, regionID string, limit int) ([]*staging.Staging, error) {
	if limit <= 0 {
		limit = 20
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT `+stagingColumns+`
FROM stagings s
WHERE s.region_id = ?
ORDER BY s.approved_at_ms DESC, s.seq DESC
LIMIT ?`), regionID, limit)
	if err != nil {
		return nil, err
	}
	var out []*staging.Staging
	for rows.Next() {
		st, err := scanStaging(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// SQLite runs on a single connection; NPC rows are read after the outer cursor is closed.
	for _, st := range out {
		if err := s.loadNPCs(ctx, st); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *sqlStore) Deactivate(ctx context.Context, regionID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(`
UPDATE stagings SET is_active = ? WHERE region_id = ? AND is_active = ?`),
		false, regionID, true); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q(`
DELETE FROM region_current_staging WHERE region_id = ?`), regionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) loadNPCs(ctx context.Context, st *staging.Staging) error {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT character_id, name, sprite_asset, portrait_asset, mood, is_present, is_hidden_from_players, reasoning
FROM staging_npcs
WHERE staging_id = ?
ORDER BY position ASC`), st.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	st.NPCs = st.NPCs[:0]
	for rows.Next() {
		var npc staging.StagedNPC
		if err := rows.Scan(
			&npc.CharacterID, &npc.Name, &npc.SpriteAsset, &npc.PortraitAsset,
			&npc.Mood, &npc.IsPresent, &npc.IsHiddenFromPlayers, &npc.Reasoning,
		); err != nil {
			return err
		}
		st.NPCs = append(st.NPCs, npc)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStaging(row rowScanner) (*staging.Staging, error) {
	var (
		st           staging.Staging
		gameTimeMs   int64
		approvedAtMs int64
		source       string
	)
	if err := row.Scan(
		&st.ID, &st.RegionID, &st.LocationID, &st.WorldID, &gameTimeMs, &approvedAtMs,
		&st.TTLHours, &st.ApprovedBy, &source, &st.Guidance, &st.IsActive,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, staging.ErrNotFound
		}
		return nil, err
	}
	st.GameTime = time.UnixMilli(gameTimeMs).UTC()
	st.ApprovedAt = time.UnixMilli(approvedAtMs).UTC()
	if parsed, err := staging.ParseSource(source); err == nil {
		st.Source = parsed
	}
	st.NPCs = []staging.StagedNPC{}
	return &st, nil
}
