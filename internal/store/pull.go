package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	syncwire "github.com/tallydeck/tally/internal/sync"
)

// CollectChanges gathers everything that changed for a device since the given
// checkpoint (epoch millis; 0 means full sync). The returned timestamp is the
// server clock captured as the upper bound of the query window and becomes
// the client's next checkpoint; rows modified after it are picked up by the
// following pull.
//
// Rows are bucketed created vs updated by whether the record was born after
// the checkpoint. The distinction is advisory only, clients apply both as
// upserts. Soft-deleted rows appear only in the deleted id lists.
//
// Each live row carries its stored client_id as local_id so the pulling
// device can re-match records it created even when the acknowledgement of
// that push never arrived.
func (s *SQLiteStore) CollectChanges(ctx context.Context, deviceID string, since int64) (*syncwire.Changes, int64, error) {
	asOf := time.Now().UnixMilli()
	changes := &syncwire.Changes{}

	if err := s.collectSessions(ctx, deviceID, since, asOf, changes); err != nil {
		return nil, 0, err
	}
	if err := s.collectParticipants(ctx, deviceID, since, asOf, changes); err != nil {
		return nil, 0, err
	}
	if err := s.collectEpochs(ctx, deviceID, since, asOf, changes); err != nil {
		return nil, 0, err
	}
	if err := s.collectEntries(ctx, deviceID, since, asOf, changes); err != nil {
		return nil, 0, err
	}

	changes.Normalize()
	return changes, asOf, nil
}

const changeWindow = `device_id = ? AND last_modified > ? AND last_modified <= ?`

func (s *SQLiteStore) collectSessions(ctx context.Context, deviceID string, since, asOf int64, changes *syncwire.Changes) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, name, target_score, status, winner_id, started_at,
		       completed_at, last_modified, created_at, is_deleted
		FROM sessions WHERE `+changeWindow+` ORDER BY last_modified`,
		deviceID, since, asOf)
	if err != nil {
		return fmt.Errorf("collect sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			row       syncwire.SessionRow
			name      sql.NullString
			winnerID  sql.NullString
			completed sql.NullInt64
			createdAt int64
			deleted   bool
		)
		if err := rows.Scan(&row.ID, &row.LocalID, &name, &row.TargetScore, &row.Status,
			&winnerID, &row.StartedAt, &completed, &row.LastModified,
			&createdAt, &deleted); err != nil {
			return fmt.Errorf("scan session: %w", err)
		}
		if deleted {
			changes.Sessions.Deleted = append(changes.Sessions.Deleted, row.ID)
			continue
		}
		if name.Valid {
			row.Name = &name.String
		}
		if winnerID.Valid {
			row.WinnerID = &winnerID.String
		}
		if completed.Valid {
			row.CompletedAt = &completed.Int64
		}
		if createdAt > since {
			changes.Sessions.Created = append(changes.Sessions.Created, row)
		} else {
			changes.Sessions.Updated = append(changes.Sessions.Updated, row)
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) collectParticipants(ctx context.Context, deviceID string, since, asOf int64, changes *syncwire.Changes) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, session_id, name, position, total_score,
		       last_modified, created_at, is_deleted
		FROM participants WHERE `+changeWindow+` ORDER BY last_modified`,
		deviceID, since, asOf)
	if err != nil {
		return fmt.Errorf("collect participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			row       syncwire.ParticipantRow
			createdAt int64
			deleted   bool
		)
		if err := rows.Scan(&row.ID, &row.LocalID, &row.SessionID, &row.Name, &row.Position,
			&row.TotalScore, &row.LastModified, &createdAt, &deleted); err != nil {
			return fmt.Errorf("scan participant: %w", err)
		}
		if deleted {
			changes.Participants.Deleted = append(changes.Participants.Deleted, row.ID)
			continue
		}
		if createdAt > since {
			changes.Participants.Created = append(changes.Participants.Created, row)
		} else {
			changes.Participants.Updated = append(changes.Participants.Updated, row)
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) collectEpochs(ctx context.Context, deviceID string, since, asOf int64, changes *syncwire.Changes) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, session_id, number, created_at, last_modified, is_deleted
		FROM epochs WHERE `+changeWindow+` ORDER BY last_modified`,
		deviceID, since, asOf)
	if err != nil {
		return fmt.Errorf("collect epochs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			row     syncwire.EpochRow
			deleted bool
		)
		if err := rows.Scan(&row.ID, &row.LocalID, &row.SessionID, &row.Number,
			&row.CreatedAt, &row.LastModified, &deleted); err != nil {
			return fmt.Errorf("scan epoch: %w", err)
		}
		if deleted {
			changes.Epochs.Deleted = append(changes.Epochs.Deleted, row.ID)
			continue
		}
		if row.CreatedAt > since {
			changes.Epochs.Created = append(changes.Epochs.Created, row)
		} else {
			changes.Epochs.Updated = append(changes.Epochs.Updated, row)
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) collectEntries(ctx context.Context, deviceID string, since, asOf int64, changes *syncwire.Changes) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, epoch_id, participant_id, raw_score, bonus_applied,
		       final_score, total_after, last_modified, created_at, is_deleted
		FROM entries WHERE `+changeWindow+` ORDER BY last_modified`,
		deviceID, since, asOf)
	if err != nil {
		return fmt.Errorf("collect entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			row       syncwire.EntryRow
			createdAt int64
			deleted   bool
		)
		if err := rows.Scan(&row.ID, &row.LocalID, &row.EpochID, &row.ParticipantID,
			&row.RawScore, &row.BonusApplied, &row.FinalScore, &row.TotalAfter,
			&row.LastModified, &createdAt, &deleted); err != nil {
			return fmt.Errorf("scan entry: %w", err)
		}
		if deleted {
			changes.Entries.Deleted = append(changes.Entries.Deleted, row.ID)
			continue
		}
		if createdAt > since {
			changes.Entries.Created = append(changes.Entries.Created, row)
		} else {
			changes.Entries.Updated = append(changes.Entries.Updated, row)
		}
	}
	return rows.Err()
}
