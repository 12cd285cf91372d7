// Package callstore is the authoritative, persistent record of every dial
// attempt (spec §4.9). It is what survives a coordination-store data loss:
// the Cold-Start Guard rebuilds Redis's lease set by scanning this store
// for calls still in an active status. Grounded on the teacher's
// domain/session/store SQLite schema and migration idiom, generalized from
// one session row per tuner session to one row per dial attempt.
package callstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/voxcampaign/dispatcher/internal/campaign/model"
	"github.com/voxcampaign/dispatcher/internal/persistence/sqlite"
)

const schemaVersion = 1

// Store is the SQLite-backed call record store.
type Store struct {
	db *sql.DB
}

// Open initializes (or migrates) the call record database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("callstore: migration failed: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	var currentVersion int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS calls (
		call_id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		contact_ref TEXT NOT NULL,
		provider_call_id TEXT,
		pre_token TEXT,
		active_token TEXT,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_calls_campaign_status ON calls(campaign_id, status);
	CREATE INDEX IF NOT EXISTS idx_calls_provider ON calls(provider_call_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion))
	return err
}

// Insert records a new dial attempt.
func (s *Store) Insert(ctx context.Context, rec model.CallRecord) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (call_id, campaign_id, contact_ref, provider_call_id, pre_token, active_token, status, retry_count, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.CampaignID, rec.ContactRef, rec.ProviderCallID, rec.PreToken, rec.ActiveToken, string(rec.Status), rec.RetryCount, now, now)
	return err
}

// UpdateStatus transitions a call record's status and, when provided,
// records the tokens assigned at upgrade time.
func (s *Store) UpdateStatus(ctx context.Context, callID string, status model.CallState, activeToken string) error {
	now := time.Now().UnixMilli()
	if activeToken != "" {
		_, err := s.db.ExecContext(ctx, `UPDATE calls SET status = ?, active_token = ?, updated_at_ms = ? WHERE call_id = ?`,
			string(status), activeToken, now, callID)
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE calls SET status = ?, updated_at_ms = ? WHERE call_id = ?`,
		string(status), now, callID)
	return err
}

// Get fetches one call record by id.
func (s *Store) Get(ctx context.Context, callID string) (*model.CallRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT call_id, campaign_id, contact_ref, provider_call_id, pre_token, active_token, status, retry_count, created_at_ms, updated_at_ms
		FROM calls WHERE call_id = ?`, callID)
	return scanRecord(row)
}

// ActiveForCampaign returns every call record in an active status for a
// campaign, the set the Cold-Start Guard reconstructs leases from.
func (s *Store) ActiveForCampaign(ctx context.Context, campaignID string) ([]model.CallRecord, error) {
	placeholders := ""
	args := []any{campaignID}
	for i, st := range model.ActiveStatuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, string(st))
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT call_id, campaign_id, contact_ref, provider_call_id, pre_token, active_token, status, retry_count, created_at_ms, updated_at_ms
		FROM calls WHERE campaign_id = ? AND status IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CallRecord
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row *sql.Row) (*model.CallRecord, error) {
	return scanAny(row)
}

func scanRow(rows *sql.Rows) (*model.CallRecord, error) {
	return scanAny(rows)
}

func scanAny(s scanner) (*model.CallRecord, error) {
	var rec model.CallRecord
	var providerCallID, preToken, activeToken sql.NullString
	var status string
	var createdAtMs, updatedAtMs int64

	if err := s.Scan(&rec.CallID, &rec.CampaignID, &rec.ContactRef, &providerCallID, &preToken, &activeToken, &status, &rec.RetryCount, &createdAtMs, &updatedAtMs); err != nil {
		return nil, err
	}
	rec.ProviderCallID = providerCallID.String
	rec.PreToken = preToken.String
	rec.ActiveToken = activeToken.String
	rec.Status = model.CallState(status)
	rec.CreatedAt = time.UnixMilli(createdAtMs)
	rec.UpdatedAt = time.UnixMilli(updatedAtMs)
	return &rec, nil
}
