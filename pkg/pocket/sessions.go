package pocket

import (
	"context"
	"database/sql"
	"fmt"

	syncwire "github.com/tallydeck/tally/internal/sync"
)

// CreateSession creates a session and its participants as one atomic write.
// Participants are seated in the order given. Every created record starts
// dirty (is_synced = 0) and is picked up by the next push.
func (s *Store) CreateSession(ctx context.Context, name *string, targetScore int, participantNames []string) (*Session, []Participant, error) {
	if targetScore <= 0 {
		return nil, nil, fmt.Errorf("target score must be positive: %w", ErrStorage)
	}
	if len(participantNames) == 0 {
		return nil, nil, fmt.Errorf("at least one participant required: %w", ErrStorage)
	}

	now := s.now()
	session := &Session{
		LocalID:        newLocalID(),
		Name:           name,
		TargetScore:    targetScore,
		Status:         StatusActive,
		StartedAt:      now,
		LastModifiedAt: now,
		CreatedAt:      now,
	}

	participants := make([]Participant, len(participantNames))
	for i, pname := range participantNames {
		participants[i] = Participant{
			LocalID:        newLocalID(),
			SessionID:      session.LocalID,
			Name:           pname,
			Position:       i,
			LastModifiedAt: now,
			CreatedAt:      now,
		}
	}

	err := s.withTx(ctx, []string{syncwire.TableSessions, syncwire.TableParticipants}, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (local_id, name, target_score, status,
				started_at, last_modified_at, created_at, is_synced, is_deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0)`,
			session.LocalID, session.Name, session.TargetScore, session.Status,
			session.StartedAt, session.LastModifiedAt, session.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert session: %w: %v", ErrStorage, err)
		}

		for _, p := range participants {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO participants (local_id, session_id, name, position,
					total_score, last_modified_at, created_at, is_synced, is_deleted)
				VALUES (?, ?, ?, ?, 0, ?, ?, 0, 0)`,
				p.LocalID, p.SessionID, p.Name, p.Position,
				p.LastModifiedAt, p.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert participant: %w: %v", ErrStorage, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return session, participants, nil
}

// RenameSession updates a session's display name.
func (s *Store) RenameSession(ctx context.Context, sessionID string, name *string) error {
	return s.withTx(ctx, []string{syncwire.TableSessions}, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET name = ?, last_modified_at = ?, is_synced = 0
			WHERE local_id = ? AND is_deleted = 0`,
			name, s.now(), sessionID)
		if err != nil {
			return fmt.Errorf("rename session: %w: %v", ErrStorage, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil
	})
}

// SubmitEpoch records one full scoring round: the epoch, one entry per
// scored participant, refreshed running totals, and the session completion
// transition when a total crosses the target. All of it commits atomically
// or not at all.
func (s *Store) SubmitEpoch(ctx context.Context, sessionID string, inputs []EntryInput) (*Epoch, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no entries to submit: %w", ErrStorage)
	}

	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.IsDeleted {
		return nil, fmt.Errorf("session %s is deleted: %w", sessionID, ErrNotFound)
	}
	if session.Status != StatusActive {
		return nil, fmt.Errorf("session %s is not active: %w", sessionID, ErrStorage)
	}

	participants, err := s.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*Participant, len(participants))
	for i := range participants {
		byID[participants[i].LocalID] = &participants[i]
	}
	for _, in := range inputs {
		if _, ok := byID[in.ParticipantID]; !ok {
			return nil, fmt.Errorf("participant %s not in session %s: %w",
				in.ParticipantID, sessionID, ErrNotFound)
		}
	}

	epochs, err := s.ListEpochs(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	epoch := &Epoch{
		LocalID:        newLocalID(),
		SessionID:      sessionID,
		Number:         len(epochs) + 1,
		CreatedAt:      now,
		LastModifiedAt: now,
	}

	tables := []string{syncwire.TableSessions, syncwire.TableParticipants,
		syncwire.TableEpochs, syncwire.TableEntries}

	err = s.withTx(ctx, tables, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO epochs (local_id, session_id, number, created_at,
				last_modified_at, is_synced, is_deleted)
			VALUES (?, ?, ?, ?, ?, 0, 0)`,
			epoch.LocalID, epoch.SessionID, epoch.Number, epoch.CreatedAt,
			epoch.LastModifiedAt)
		if err != nil {
			return fmt.Errorf("insert epoch: %w: %v", ErrStorage, err)
		}

		for _, in := range inputs {
			p := byID[in.ParticipantID]
			totalAfter := p.TotalScore + in.FinalScore

			_, err := tx.ExecContext(ctx, `
				INSERT INTO entries (local_id, epoch_id, participant_id,
					raw_score, bonus_applied, final_score, total_after,
					last_modified_at, created_at, is_synced, is_deleted)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0)`,
				newLocalID(), epoch.LocalID, in.ParticipantID,
				in.RawScore, in.BonusApplied, in.FinalScore, totalAfter,
				now, now)
			if err != nil {
				return fmt.Errorf("insert entry: %w: %v", ErrStorage, err)
			}

			p.TotalScore = totalAfter
			_, err = tx.ExecContext(ctx, `
				UPDATE participants SET total_score = ?, last_modified_at = ?,
					is_synced = 0
				WHERE local_id = ?`,
				p.TotalScore, now, p.LocalID)
			if err != nil {
				return fmt.Errorf("update participant total: %w: %v", ErrStorage, err)
			}
		}

		// Completion check: first total at or past the target ends the
		// session; the winner is the highest total.
		var winner *Participant
		for i := range participants {
			p := &participants[i]
			if p.TotalScore >= session.TargetScore {
				if winner == nil || p.TotalScore > winner.TotalScore {
					winner = p
				}
			}
		}
		// An ordinary round leaves the session row untouched; only the
		// completion transition dirties it.
		if winner != nil {
			_, err := tx.ExecContext(ctx, `
				UPDATE sessions SET status = ?, winner_id = ?, completed_at = ?,
					last_modified_at = ?, is_synced = 0
				WHERE local_id = ?`,
				StatusCompleted, winner.LocalID, now, now, sessionID)
			if err != nil {
				return fmt.Errorf("complete session: %w: %v", ErrStorage, err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return epoch, nil
}

// DeleteSession soft-deletes a session and its whole subtree. The deletion
// propagates through push like any other mutation; synced records are never
// hard deleted.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	now := s.now()
	tables := []string{syncwire.TableSessions, syncwire.TableParticipants,
		syncwire.TableEpochs, syncwire.TableEntries}

	return s.withTx(ctx, tables, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET is_deleted = 1, last_modified_at = ?, is_synced = 0
			WHERE local_id = ?`, now, sessionID)
		if err != nil {
			return fmt.Errorf("delete session: %w: %v", ErrStorage, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE participants SET is_deleted = 1, last_modified_at = ?, is_synced = 0
			WHERE session_id = ?`, now, sessionID); err != nil {
			return fmt.Errorf("delete participants: %w: %v", ErrStorage, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE epochs SET is_deleted = 1, last_modified_at = ?, is_synced = 0
			WHERE session_id = ?`, now, sessionID); err != nil {
			return fmt.Errorf("delete epochs: %w: %v", ErrStorage, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE entries SET is_deleted = 1, last_modified_at = ?, is_synced = 0
			WHERE epoch_id IN (SELECT local_id FROM epochs WHERE session_id = ?)`,
			now, sessionID); err != nil {
			return fmt.Errorf("delete entries: %w: %v", ErrStorage, err)
		}
		return nil
	})
}
