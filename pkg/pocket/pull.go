package pocket

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	syncwire "github.com/tallydeck/tally/internal/sync"
)

// Engine couples the local store with the server client and exposes the two
// halves of a sync cycle. The orchestrator drives it; it can also be driven
// directly in tests.
type Engine struct {
	store  *Store
	client *Client
}

// NewEngine creates an Engine over the given store and client.
func NewEngine(store *Store, client *Client) *Engine {
	return &Engine{store: store, client: client}
}

// Pull fetches every change since the saved checkpoint and applies it
// locally. The apply and the checkpoint advance commit in one transaction,
// so a crash mid-pull leaves the old checkpoint in place and the next pull
// re-fetches the same window. Applying the same window twice converges to
// the same state.
func (e *Engine) Pull(ctx context.Context) error {
	since, err := e.store.LastPulledAt(ctx)
	if err != nil {
		return err
	}

	resp, err := e.client.Pull(ctx, since)
	if err != nil {
		return err
	}

	return e.store.ApplyPull(ctx, resp)
}

// ApplyPull applies a pull response in a single transaction: upserts in
// parent-first order, tombstones child-first, winner references resolved
// after the participants they point at, and the checkpoint advanced last.
func (s *Store) ApplyPull(ctx context.Context, resp *syncwire.PullResponse) error {
	return s.withTx(ctx, nil, func(tx *sql.Tx) error {
		a := &pullApplier{
			tx:  tx,
			now: s.now(),
			ids: make(map[string]string),
		}
		if err := a.run(&resp.Changes); err != nil {
			return fmt.Errorf("%w: %v", ErrApply, err)
		}
		return setLastPulledAtTx(tx, resp.Timestamp)
	})
}

// pullApplier applies one pull response inside a transaction. Pulled rows
// are server truth: they land with is_synced=1 and the local clock on
// last_modified_at, so a concurrent local edit after the pull still marks
// the row dirty again.
type pullApplier struct {
	tx  *sql.Tx
	now int64
	ids map[string]string // "table/remote_id" -> local_id

	// winner references can point at participants created in the same
	// batch, so they are resolved after all participants are applied
	pendingWinners []pendingWinner
}

type pendingWinner struct {
	sessionLocalID string
	winnerRemoteID string
}

func (a *pullApplier) run(changes *syncwire.Changes) error {
	for _, row := range changes.Sessions.Created {
		if err := a.upsertSession(&row); err != nil {
			return err
		}
	}
	for _, row := range changes.Sessions.Updated {
		if err := a.upsertSession(&row); err != nil {
			return err
		}
	}
	for _, row := range changes.Participants.Created {
		if err := a.upsertParticipant(&row); err != nil {
			return err
		}
	}
	for _, row := range changes.Participants.Updated {
		if err := a.upsertParticipant(&row); err != nil {
			return err
		}
	}
	if err := a.resolveWinners(); err != nil {
		return err
	}
	for _, row := range changes.Epochs.Created {
		if err := a.upsertEpoch(&row); err != nil {
			return err
		}
	}
	for _, row := range changes.Epochs.Updated {
		if err := a.upsertEpoch(&row); err != nil {
			return err
		}
	}
	for _, row := range changes.Entries.Created {
		if err := a.upsertEntry(&row); err != nil {
			return err
		}
	}
	for _, row := range changes.Entries.Updated {
		if err := a.upsertEntry(&row); err != nil {
			return err
		}
	}

	// tombstones, children first
	for _, id := range changes.Entries.Deleted {
		if err := a.softDelete(syncwire.TableEntries, id); err != nil {
			return err
		}
	}
	for _, id := range changes.Epochs.Deleted {
		if err := a.softDelete(syncwire.TableEpochs, id); err != nil {
			return err
		}
	}
	for _, id := range changes.Participants.Deleted {
		if err := a.softDelete(syncwire.TableParticipants, id); err != nil {
			return err
		}
	}
	for _, id := range changes.Sessions.Deleted {
		if err := a.softDelete(syncwire.TableSessions, id); err != nil {
			return err
		}
	}
	return nil
}

// lookup returns the local id mapped to a remote id, or "" when the record
// has never been seen locally.
func (a *pullApplier) lookup(table, remoteID string) (string, error) {
	key := table + "/" + remoteID
	if localID, ok := a.ids[key]; ok {
		return localID, nil
	}
	var localID string
	err := a.tx.QueryRow(
		"SELECT local_id FROM "+table+" WHERE remote_id = ?", remoteID).Scan(&localID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup %s %s: %v", table, remoteID, err)
	}
	a.ids[key] = localID
	return localID, nil
}

// reclaim matches a pulled row to the local row that created it when the
// push acknowledgement never arrived: the server echoes the creator's local
// id, so a local row with that id and no remote id yet is the same record.
// Claiming the remote id here keeps a lost push response from duplicating
// the subtree on the next pull.
func (a *pullApplier) reclaim(table, remoteID, localID string) (string, error) {
	if localID == "" {
		return "", nil
	}
	var found string
	err := a.tx.QueryRow(
		"SELECT local_id FROM "+table+" WHERE local_id = ? AND remote_id IS NULL", localID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reclaim %s %s: %v", table, localID, err)
	}
	if _, err := a.tx.Exec(
		"UPDATE "+table+" SET remote_id = ? WHERE local_id = ?", remoteID, found); err != nil {
		return "", fmt.Errorf("reclaim %s %s: %v", table, localID, err)
	}
	a.ids[table+"/"+remoteID] = found
	return found, nil
}

// resolve is lookup for parent references, where a missing record is a
// protocol violation rather than an insert opportunity.
func (a *pullApplier) resolve(table, remoteID string) (string, error) {
	localID, err := a.lookup(table, remoteID)
	if err != nil {
		return "", err
	}
	if localID == "" {
		return "", fmt.Errorf("%s %s referenced but never pulled", table, remoteID)
	}
	return localID, nil
}

func (a *pullApplier) upsertSession(row *syncwire.SessionRow) error {
	rec := sessionFromRow(row)

	localID, err := a.lookup(syncwire.TableSessions, row.ID)
	if err != nil {
		return err
	}
	if localID == "" {
		if localID, err = a.reclaim(syncwire.TableSessions, row.ID, row.LocalID); err != nil {
			return err
		}
	}
	if localID == "" {
		localID = newLocalID()
		_, err = a.tx.Exec(`
			INSERT INTO sessions (local_id, remote_id, name, target_score,
				status, winner_id, started_at, completed_at,
				last_modified_at, created_at, is_synced, is_deleted)
			VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, 1, 0)`,
			localID, row.ID, rec.Name, rec.TargetScore, rec.Status,
			rec.StartedAt, rec.CompletedAt, a.now, a.now)
		if err != nil {
			return fmt.Errorf("insert session %s: %v", row.ID, err)
		}
		a.ids[syncwire.TableSessions+"/"+row.ID] = localID
	} else {
		_, err = a.tx.Exec(`
			UPDATE sessions SET name = ?, target_score = ?, status = ?,
				winner_id = NULL, started_at = ?, completed_at = ?,
				last_modified_at = ?, is_synced = 1, is_deleted = 0
			WHERE local_id = ?`,
			rec.Name, rec.TargetScore, rec.Status, rec.StartedAt,
			rec.CompletedAt, a.now, localID)
		if err != nil {
			return fmt.Errorf("update session %s: %v", row.ID, err)
		}
	}

	if rec.WinnerID != nil {
		a.pendingWinners = append(a.pendingWinners, pendingWinner{
			sessionLocalID: localID,
			winnerRemoteID: *rec.WinnerID,
		})
	}
	return nil
}

func (a *pullApplier) upsertParticipant(row *syncwire.ParticipantRow) error {
	rec := participantFromRow(row)
	sessionID, err := a.resolve(syncwire.TableSessions, rec.SessionID)
	if err != nil {
		return err
	}

	localID, err := a.lookup(syncwire.TableParticipants, row.ID)
	if err != nil {
		return err
	}
	if localID == "" {
		if localID, err = a.reclaim(syncwire.TableParticipants, row.ID, row.LocalID); err != nil {
			return err
		}
	}
	if localID == "" {
		localID = newLocalID()
		_, err = a.tx.Exec(`
			INSERT INTO participants (local_id, remote_id, session_id, name,
				position, total_score, last_modified_at, created_at,
				is_synced, is_deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, 0)`,
			localID, row.ID, sessionID, rec.Name, rec.Position,
			rec.TotalScore, a.now, a.now)
		if err != nil {
			return fmt.Errorf("insert participant %s: %v", row.ID, err)
		}
		a.ids[syncwire.TableParticipants+"/"+row.ID] = localID
		return nil
	}
	_, err = a.tx.Exec(`
		UPDATE participants SET session_id = ?, name = ?, position = ?,
			total_score = ?, last_modified_at = ?, is_synced = 1, is_deleted = 0
		WHERE local_id = ?`,
		sessionID, rec.Name, rec.Position, rec.TotalScore, a.now, localID)
	if err != nil {
		return fmt.Errorf("update participant %s: %v", row.ID, err)
	}
	return nil
}

func (a *pullApplier) resolveWinners() error {
	for _, pw := range a.pendingWinners {
		winnerID, err := a.resolve(syncwire.TableParticipants, pw.winnerRemoteID)
		if err != nil {
			return err
		}
		_, err = a.tx.Exec(
			"UPDATE sessions SET winner_id = ? WHERE local_id = ?",
			winnerID, pw.sessionLocalID)
		if err != nil {
			return fmt.Errorf("set winner on session %s: %v", pw.sessionLocalID, err)
		}
	}
	a.pendingWinners = nil
	return nil
}

func (a *pullApplier) upsertEpoch(row *syncwire.EpochRow) error {
	rec := epochFromRow(row)
	sessionID, err := a.resolve(syncwire.TableSessions, rec.SessionID)
	if err != nil {
		return err
	}

	localID, err := a.lookup(syncwire.TableEpochs, row.ID)
	if err != nil {
		return err
	}
	if localID == "" {
		if localID, err = a.reclaim(syncwire.TableEpochs, row.ID, row.LocalID); err != nil {
			return err
		}
	}
	if localID == "" {
		localID = newLocalID()
		_, err = a.tx.Exec(`
			INSERT INTO epochs (local_id, remote_id, session_id, number,
				created_at, last_modified_at, is_synced, is_deleted)
			VALUES (?, ?, ?, ?, ?, ?, 1, 0)`,
			localID, row.ID, sessionID, rec.Number, rec.CreatedAt, a.now)
		if err != nil {
			return fmt.Errorf("insert epoch %s: %v", row.ID, err)
		}
		a.ids[syncwire.TableEpochs+"/"+row.ID] = localID
		return nil
	}
	_, err = a.tx.Exec(`
		UPDATE epochs SET session_id = ?, number = ?, created_at = ?,
			last_modified_at = ?, is_synced = 1, is_deleted = 0
		WHERE local_id = ?`,
		sessionID, rec.Number, rec.CreatedAt, a.now, localID)
	if err != nil {
		return fmt.Errorf("update epoch %s: %v", row.ID, err)
	}
	return nil
}

func (a *pullApplier) upsertEntry(row *syncwire.EntryRow) error {
	rec := entryFromRow(row)
	epochID, err := a.resolve(syncwire.TableEpochs, rec.EpochID)
	if err != nil {
		return err
	}
	participantID, err := a.resolve(syncwire.TableParticipants, rec.ParticipantID)
	if err != nil {
		return err
	}

	localID, err := a.lookup(syncwire.TableEntries, row.ID)
	if err != nil {
		return err
	}
	if localID == "" {
		if localID, err = a.reclaim(syncwire.TableEntries, row.ID, row.LocalID); err != nil {
			return err
		}
	}
	if localID == "" {
		localID = newLocalID()
		_, err = a.tx.Exec(`
			INSERT INTO entries (local_id, remote_id, epoch_id, participant_id,
				raw_score, bonus_applied, final_score, total_after,
				last_modified_at, created_at, is_synced, is_deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0)`,
			localID, row.ID, epochID, participantID, rec.RawScore,
			rec.BonusApplied, rec.FinalScore, rec.TotalAfter, a.now, a.now)
		if err != nil {
			return fmt.Errorf("insert entry %s: %v", row.ID, err)
		}
		a.ids[syncwire.TableEntries+"/"+row.ID] = localID
		return nil
	}
	_, err = a.tx.Exec(`
		UPDATE entries SET epoch_id = ?, participant_id = ?, raw_score = ?,
			bonus_applied = ?, final_score = ?, total_after = ?,
			last_modified_at = ?, is_synced = 1, is_deleted = 0
		WHERE local_id = ?`,
		epochID, participantID, rec.RawScore, rec.BonusApplied,
		rec.FinalScore, rec.TotalAfter, a.now, localID)
	if err != nil {
		return fmt.Errorf("update entry %s: %v", row.ID, err)
	}
	return nil
}

// softDelete tombstones the local row for a server-deleted record. A remote
// id never seen locally is a no-op; there is nothing to tombstone.
func (a *pullApplier) softDelete(table, remoteID string) error {
	_, err := a.tx.Exec(
		"UPDATE "+table+" SET is_deleted = 1, is_synced = 1, last_modified_at = ? WHERE remote_id = ?",
		a.now, remoteID)
	if err != nil {
		return fmt.Errorf("delete %s %s: %v", table, remoteID, err)
	}
	return nil
}
