package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	syncwire "github.com/tallydeck/tally/internal/sync"
)

// PushResult reports a successfully applied push: the mapping from the
// client's local ids to the server-assigned ids for created rows, and the
// server clock at apply time.
type PushResult struct {
	CreatedIDs map[string]map[string]string
	Timestamp  int64
}

// ApplyPush applies a device's batch of local changes in a single
// transaction. The conflict check runs first: if anything in the ownership
// subtree of a session touched by this push was modified after the client's
// checkpoint, the whole push is rejected with ErrConflict and nothing is
// written. Any row-level failure likewise rolls back the entire batch.
//
// Created rows are applied as upserts keyed on (device_id, client_id), so a
// client retrying a push whose response it never saw does not duplicate rows.
func (s *SQLiteStore) ApplyPush(ctx context.Context, deviceID string, req *syncwire.PushRequest) (*PushResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := detectConflict(ctx, tx, deviceID, req); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	batch := newBatchIDs()
	apply := &pushApplier{tx: tx, deviceID: deviceID, now: now, batch: batch}

	// Dependency order: parents before children so references resolve.
	if err := apply.sessions(ctx, req.Changes.Sessions); err != nil {
		return nil, err
	}
	if err := apply.participants(ctx, req.Changes.Participants); err != nil {
		return nil, err
	}
	if err := apply.finishSessionWinners(ctx, req.Changes.Sessions.Created); err != nil {
		return nil, err
	}
	if err := apply.epochs(ctx, req.Changes.Epochs); err != nil {
		return nil, err
	}
	if err := apply.entries(ctx, req.Changes.Entries); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit push: %w", err)
	}

	return &PushResult{CreatedIDs: batch.mapping(), Timestamp: now}, nil
}

// detectConflict resolves every session whose ownership subtree the push
// would touch and rejects the push if any record in those subtrees has a
// last_modified newer than the client's checkpoint. Conflict scope is the
// whole subtree, not just the session row: a participant total or entry
// written by another sync after the client's pull must also block the push.
func detectConflict(ctx context.Context, tx *sql.Tx, deviceID string, req *syncwire.PushRequest) error {
	sessions := make(map[string]struct{})

	addSessionRef := func(ref string) {
		if ref == "" {
			return
		}
		if id, ok := lookupServerID(ctx, tx, syncwire.TableSessions, deviceID, ref); ok {
			sessions[id] = struct{}{}
		}
	}
	addEpochRef := func(ref string) {
		if id, ok := lookupServerID(ctx, tx, syncwire.TableEpochs, deviceID, ref); ok {
			var sessionID string
			if err := tx.QueryRowContext(ctx,
				"SELECT session_id FROM epochs WHERE id = ?", id).Scan(&sessionID); err == nil {
				sessions[sessionID] = struct{}{}
			}
		}
	}
	addParticipantRef := func(ref string) {
		if id, ok := lookupServerID(ctx, tx, syncwire.TableParticipants, deviceID, ref); ok {
			var sessionID string
			if err := tx.QueryRowContext(ctx,
				"SELECT session_id FROM participants WHERE id = ?", id).Scan(&sessionID); err == nil {
				sessions[sessionID] = struct{}{}
			}
		}
	}

	for _, row := range req.Changes.Sessions.Updated {
		addSessionRef(row.ID)
	}
	for _, id := range req.Changes.Sessions.Deleted {
		addSessionRef(id)
	}
	for _, row := range req.Changes.Participants.Created {
		addSessionRef(row.SessionID)
	}
	for _, row := range req.Changes.Participants.Updated {
		addSessionRef(row.SessionID)
	}
	for _, id := range req.Changes.Participants.Deleted {
		addParticipantRef(id)
	}
	for _, row := range req.Changes.Epochs.Created {
		addSessionRef(row.SessionID)
	}
	for _, row := range req.Changes.Epochs.Updated {
		addSessionRef(row.SessionID)
	}
	for _, id := range req.Changes.Epochs.Deleted {
		addEpochRef(id)
	}
	for _, row := range req.Changes.Entries.Created {
		addEpochRef(row.EpochID)
	}
	for _, row := range req.Changes.Entries.Updated {
		addEpochRef(row.EpochID)
	}
	for _, id := range req.Changes.Entries.Deleted {
		// An entry delete touches its epoch's session.
		var sessionID string
		err := tx.QueryRowContext(ctx, `
			SELECT e.session_id FROM entries n
			JOIN epochs e ON e.id = n.epoch_id
			WHERE n.id = ? AND n.device_id = ?`, id, deviceID).Scan(&sessionID)
		if err == nil {
			sessions[sessionID] = struct{}{}
		}
	}

	for sessionID := range sessions {
		var newest sql.NullInt64
		err := tx.QueryRowContext(ctx, `
			SELECT MAX(m) FROM (
				SELECT last_modified AS m FROM sessions WHERE id = ?1
				UNION ALL
				SELECT last_modified FROM participants WHERE session_id = ?1
				UNION ALL
				SELECT last_modified FROM epochs WHERE session_id = ?1
				UNION ALL
				SELECT n.last_modified FROM entries n
				JOIN epochs e ON e.id = n.epoch_id
				WHERE e.session_id = ?1
			)`, sessionID).Scan(&newest)
		if err != nil {
			return fmt.Errorf("conflict check for session %s: %w", sessionID, err)
		}
		if newest.Valid && newest.Int64 > req.LastPulledAt {
			return fmt.Errorf("session %s modified at %d after checkpoint %d: %w",
				sessionID, newest.Int64, req.LastPulledAt, ErrConflict)
		}
	}

	return nil
}

// lookupServerID resolves a wire reference to a server row id. The reference
// may already be a server id, or a client-local id for rows the device
// created. Returns false when nothing matches.
func lookupServerID(ctx context.Context, tx *sql.Tx, table, deviceID, ref string) (string, bool) {
	var id string
	err := tx.QueryRowContext(ctx,
		"SELECT id FROM "+table+" WHERE id = ? AND device_id = ?",
		ref, deviceID).Scan(&id)
	if err == nil {
		return id, true
	}
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM "+table+" WHERE device_id = ? AND client_id = ?",
		deviceID, ref).Scan(&id)
	if err == nil {
		return id, true
	}
	return "", false
}

// batchIDs tracks server ids assigned to rows created within one push so
// later rows in the same batch can reference them.
type batchIDs struct {
	byTable map[string]map[string]string
}

func newBatchIDs() *batchIDs {
	byTable := make(map[string]map[string]string, len(syncwire.TableOrder))
	for _, table := range syncwire.TableOrder {
		byTable[table] = make(map[string]string)
	}
	return &batchIDs{byTable: byTable}
}

func (b *batchIDs) put(table, localID, serverID string) {
	b.byTable[table][localID] = serverID
}

func (b *batchIDs) get(table, localID string) (string, bool) {
	id, ok := b.byTable[table][localID]
	return id, ok
}

func (b *batchIDs) mapping() map[string]map[string]string {
	out := make(map[string]map[string]string)
	for table, ids := range b.byTable {
		if len(ids) > 0 {
			out[table] = ids
		}
	}
	return out
}

type pushApplier struct {
	tx       *sql.Tx
	deviceID string
	now      int64
	batch    *batchIDs
}

// resolve maps a wire reference to a server id, preferring ids assigned
// earlier in this batch, then existing rows. A dangling reference fails the
// whole push.
func (a *pushApplier) resolve(ctx context.Context, table, ref string) (string, error) {
	if id, ok := a.batch.get(table, ref); ok {
		return id, nil
	}
	if id, ok := lookupServerID(ctx, a.tx, table, a.deviceID, ref); ok {
		return id, nil
	}
	return "", fmt.Errorf("%s reference %q does not resolve: %w", table, ref, ErrInvalidRow)
}

// resolveOptional is resolve for nullable references.
func (a *pushApplier) resolveOptional(ctx context.Context, table string, ref *string) (*string, error) {
	if ref == nil || *ref == "" {
		return nil, nil
	}
	id, err := a.resolve(ctx, table, *ref)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// existingID returns the server id of a row the device already created with
// the given client id, if any. Used for idempotent created-row application.
func (a *pushApplier) existingID(ctx context.Context, table, clientID string) (string, bool) {
	var id string
	err := a.tx.QueryRowContext(ctx,
		"SELECT id FROM "+table+" WHERE device_id = ? AND client_id = ?",
		a.deviceID, clientID).Scan(&id)
	return id, err == nil
}

func (a *pushApplier) softDelete(ctx context.Context, table string, refs []string) error {
	for _, ref := range refs {
		id, err := a.resolve(ctx, table, ref)
		if err != nil {
			return err
		}
		if _, err := a.tx.ExecContext(ctx,
			"UPDATE "+table+" SET is_deleted = 1, last_modified = ? WHERE id = ?",
			a.now, id); err != nil {
			return fmt.Errorf("soft delete %s %s: %w", table, id, err)
		}
	}
	return nil
}

func (a *pushApplier) sessions(ctx context.Context, changes syncwire.SessionChanges) error {
	for _, row := range changes.Created {
		if row.LocalID == "" {
			return fmt.Errorf("created session missing local_id: %w", ErrInvalidRow)
		}
		id, exists := a.existingID(ctx, syncwire.TableSessions, row.LocalID)
		if !exists {
			id = uuid.NewString()
			if _, err := a.tx.ExecContext(ctx, `
				INSERT INTO sessions (id, client_id, device_id, name, target_score,
					status, winner_id, started_at, completed_at, last_modified,
					created_at, is_deleted)
				VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, 0)`,
				id, row.LocalID, a.deviceID, row.Name, row.TargetScore,
				row.Status, row.StartedAt, row.CompletedAt, a.now, a.now); err != nil {
				return fmt.Errorf("insert session: %w", err)
			}
		}
		a.batch.put(syncwire.TableSessions, row.LocalID, id)
		// Winner references a participant that may itself be created later
		// in this batch, so it is applied in a second pass below.
	}

	for _, row := range changes.Updated {
		id, err := a.resolve(ctx, syncwire.TableSessions, row.ID)
		if err != nil {
			return err
		}
		winner, err := a.resolveOptional(ctx, syncwire.TableParticipants, row.WinnerID)
		if err != nil {
			return err
		}
		res, err := a.tx.ExecContext(ctx, `
			UPDATE sessions SET name = ?, target_score = ?, status = ?,
				winner_id = ?, completed_at = ?, last_modified = ?
			WHERE id = ?`,
			row.Name, row.TargetScore, row.Status, winner, row.CompletedAt,
			a.now, id)
		if err != nil {
			return fmt.Errorf("update session %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
	}

	return a.softDelete(ctx, syncwire.TableSessions, changes.Deleted)
}

// finishSessionWinners resolves winner references for sessions created in
// this batch, after participants have been applied.
func (a *pushApplier) finishSessionWinners(ctx context.Context, created []syncwire.SessionRow) error {
	for _, row := range created {
		if row.WinnerID == nil || *row.WinnerID == "" {
			continue
		}
		id, ok := a.batch.get(syncwire.TableSessions, row.LocalID)
		if !ok {
			continue
		}
		winner, err := a.resolve(ctx, syncwire.TableParticipants, *row.WinnerID)
		if err != nil {
			return err
		}
		if _, err := a.tx.ExecContext(ctx,
			"UPDATE sessions SET winner_id = ? WHERE id = ?", winner, id); err != nil {
			return fmt.Errorf("set session winner: %w", err)
		}
	}
	return nil
}

func (a *pushApplier) participants(ctx context.Context, changes syncwire.ParticipantChanges) error {
	for _, row := range changes.Created {
		if row.LocalID == "" {
			return fmt.Errorf("created participant missing local_id: %w", ErrInvalidRow)
		}
		sessionID, err := a.resolve(ctx, syncwire.TableSessions, row.SessionID)
		if err != nil {
			return err
		}
		id, exists := a.existingID(ctx, syncwire.TableParticipants, row.LocalID)
		if !exists {
			id = uuid.NewString()
			if _, err := a.tx.ExecContext(ctx, `
				INSERT INTO participants (id, client_id, device_id, session_id,
					name, position, total_score, last_modified, created_at, is_deleted)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
				id, row.LocalID, a.deviceID, sessionID, row.Name, row.Position,
				row.TotalScore, a.now, a.now); err != nil {
				return fmt.Errorf("insert participant: %w", err)
			}
		}
		a.batch.put(syncwire.TableParticipants, row.LocalID, id)
	}

	for _, row := range changes.Updated {
		id, err := a.resolve(ctx, syncwire.TableParticipants, row.ID)
		if err != nil {
			return err
		}
		res, err := a.tx.ExecContext(ctx, `
			UPDATE participants SET name = ?, position = ?, total_score = ?,
				last_modified = ?
			WHERE id = ?`,
			row.Name, row.Position, row.TotalScore, a.now, id)
		if err != nil {
			return fmt.Errorf("update participant %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("participant %s: %w", id, ErrNotFound)
		}
	}

	return a.softDelete(ctx, syncwire.TableParticipants, changes.Deleted)
}

func (a *pushApplier) epochs(ctx context.Context, changes syncwire.EpochChanges) error {
	for _, row := range changes.Created {
		if row.LocalID == "" {
			return fmt.Errorf("created epoch missing local_id: %w", ErrInvalidRow)
		}
		sessionID, err := a.resolve(ctx, syncwire.TableSessions, row.SessionID)
		if err != nil {
			return err
		}
		id, exists := a.existingID(ctx, syncwire.TableEpochs, row.LocalID)
		if !exists {
			id = uuid.NewString()
			if _, err := a.tx.ExecContext(ctx, `
				INSERT INTO epochs (id, client_id, device_id, session_id, number,
					created_at, last_modified, is_deleted)
				VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
				id, row.LocalID, a.deviceID, sessionID, row.Number,
				row.CreatedAt, a.now); err != nil {
				return fmt.Errorf("insert epoch: %w", err)
			}
		}
		a.batch.put(syncwire.TableEpochs, row.LocalID, id)
	}

	// Epochs are append-only; an updated epoch row in a push is a protocol
	// violation by the client.
	if len(changes.Updated) > 0 {
		return fmt.Errorf("epochs are append-only: %w", ErrInvalidRow)
	}

	return a.softDelete(ctx, syncwire.TableEpochs, changes.Deleted)
}

func (a *pushApplier) entries(ctx context.Context, changes syncwire.EntryChanges) error {
	for _, row := range changes.Created {
		if row.LocalID == "" {
			return fmt.Errorf("created entry missing local_id: %w", ErrInvalidRow)
		}
		epochID, err := a.resolve(ctx, syncwire.TableEpochs, row.EpochID)
		if err != nil {
			return err
		}
		participantID, err := a.resolve(ctx, syncwire.TableParticipants, row.ParticipantID)
		if err != nil {
			return err
		}
		id, exists := a.existingID(ctx, syncwire.TableEntries, row.LocalID)
		if !exists {
			id = uuid.NewString()
			if _, err := a.tx.ExecContext(ctx, `
				INSERT INTO entries (id, client_id, device_id, epoch_id,
					participant_id, raw_score, bonus_applied, final_score,
					total_after, last_modified, created_at, is_deleted)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
				id, row.LocalID, a.deviceID, epochID, participantID,
				row.RawScore, row.BonusApplied, row.FinalScore, row.TotalAfter,
				a.now, a.now); err != nil {
				return fmt.Errorf("insert entry: %w", err)
			}
		}
		a.batch.put(syncwire.TableEntries, row.LocalID, id)
	}

	if len(changes.Updated) > 0 {
		return fmt.Errorf("entries are append-only: %w", ErrInvalidRow)
	}

	return a.softDelete(ctx, syncwire.TableEntries, changes.Deleted)
}

// IsConflict reports whether err is a push conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
