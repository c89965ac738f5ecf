package pocket

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	syncwire "github.com/tallydeck/tally/internal/sync"
)

// pushBatch is one collected outbound change set plus the bookkeeping needed
// to acknowledge it. stamps records each dirty row's last_modified_at at
// collection time; after the server accepts the batch, only rows still
// carrying that exact stamp are marked synced, so an edit made while the
// push was in flight stays dirty for the next cycle.
type pushBatch struct {
	req    *syncwire.PushRequest
	stamps map[string]map[string]int64 // table -> local_id -> last_modified_at
	purge  map[string][]string         // table -> local_ids deleted before first sync
}

func (b *pushBatch) stamp(table, localID string, lastModified int64) {
	if b.stamps[table] == nil {
		b.stamps[table] = make(map[string]int64)
	}
	b.stamps[table][localID] = lastModified
}

// Push collects every dirty row, transmits it, and on acceptance records the
// server-assigned ids and clears the dirty flags. A record deleted before it
// was ever pushed is purged locally and never reaches the wire; the server
// has no row to tombstone.
func (e *Engine) Push(ctx context.Context) error {
	batch, err := e.store.collectPush(ctx)
	if err != nil {
		return err
	}

	if err := e.store.purgeLocal(ctx, batch.purge); err != nil {
		return err
	}

	if batch.req.Changes.Empty() {
		return nil
	}

	resp, err := e.client.Push(ctx, batch.req)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("push rejected: %v: %w", resp.Errors, ErrServerRejected)
	}

	return e.store.acknowledgePush(ctx, batch, resp)
}

// Sync runs one full cycle: pull, then push. A push conflict means the
// server moved under us between the two halves; one more pull absorbs the
// remote changes and the push is retried once before the conflict surfaces.
func (e *Engine) Sync(ctx context.Context) error {
	if err := e.Pull(ctx); err != nil {
		return err
	}
	err := e.Push(ctx)
	if !errors.Is(err, ErrConflict) {
		return err
	}
	if err := e.Pull(ctx); err != nil {
		return err
	}
	return e.Push(ctx)
}

// collectPush reads every dirty row and sorts it into the outbound buckets:
// no remote id yet means created, a remote id means updated, tombstones go
// out as deletions of the remote id. Rows are read in parent-first order so
// the server can resolve references to records created in the same batch.
func (s *Store) collectPush(ctx context.Context) (*pushBatch, error) {
	batch := &pushBatch{
		req:    &syncwire.PushRequest{},
		stamps: make(map[string]map[string]int64),
		purge:  make(map[string][]string),
	}

	since, err := s.LastPulledAt(ctx)
	if err != nil {
		return nil, err
	}
	batch.req.LastPulledAt = since

	ref := s.refResolver(ctx)
	changes := &batch.req.Changes

	sessions, err := s.dirtySessions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		rec := &sessions[i]
		if rec.IsDeleted {
			if rec.RemoteID == nil {
				batch.purge[syncwire.TableSessions] = append(batch.purge[syncwire.TableSessions], rec.LocalID)
				continue
			}
			changes.Sessions.Deleted = append(changes.Sessions.Deleted, *rec.RemoteID)
			batch.stamp(syncwire.TableSessions, rec.LocalID, rec.LastModifiedAt)
			continue
		}
		row := sessionToRow(rec, ref)
		if rec.RemoteID == nil {
			changes.Sessions.Created = append(changes.Sessions.Created, row)
		} else {
			changes.Sessions.Updated = append(changes.Sessions.Updated, row)
		}
		batch.stamp(syncwire.TableSessions, rec.LocalID, rec.LastModifiedAt)
	}

	participants, err := s.dirtyParticipants(ctx)
	if err != nil {
		return nil, err
	}
	for i := range participants {
		rec := &participants[i]
		if rec.IsDeleted {
			if rec.RemoteID == nil {
				batch.purge[syncwire.TableParticipants] = append(batch.purge[syncwire.TableParticipants], rec.LocalID)
				continue
			}
			changes.Participants.Deleted = append(changes.Participants.Deleted, *rec.RemoteID)
			batch.stamp(syncwire.TableParticipants, rec.LocalID, rec.LastModifiedAt)
			continue
		}
		row := participantToRow(rec, ref)
		if rec.RemoteID == nil {
			changes.Participants.Created = append(changes.Participants.Created, row)
		} else {
			changes.Participants.Updated = append(changes.Participants.Updated, row)
		}
		batch.stamp(syncwire.TableParticipants, rec.LocalID, rec.LastModifiedAt)
	}

	epochs, err := s.dirtyEpochs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range epochs {
		rec := &epochs[i]
		if rec.IsDeleted {
			if rec.RemoteID == nil {
				batch.purge[syncwire.TableEpochs] = append(batch.purge[syncwire.TableEpochs], rec.LocalID)
				continue
			}
			changes.Epochs.Deleted = append(changes.Epochs.Deleted, *rec.RemoteID)
			batch.stamp(syncwire.TableEpochs, rec.LocalID, rec.LastModifiedAt)
			continue
		}
		// epochs are append-only; a dirty epoch with a remote id would be a
		// tracker bug, and the server would reject it
		row := epochToRow(rec, ref)
		if rec.RemoteID == nil {
			changes.Epochs.Created = append(changes.Epochs.Created, row)
		} else {
			changes.Epochs.Updated = append(changes.Epochs.Updated, row)
		}
		batch.stamp(syncwire.TableEpochs, rec.LocalID, rec.LastModifiedAt)
	}

	entries, err := s.dirtyEntries(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		rec := &entries[i]
		if rec.IsDeleted {
			if rec.RemoteID == nil {
				batch.purge[syncwire.TableEntries] = append(batch.purge[syncwire.TableEntries], rec.LocalID)
				continue
			}
			changes.Entries.Deleted = append(changes.Entries.Deleted, *rec.RemoteID)
			batch.stamp(syncwire.TableEntries, rec.LocalID, rec.LastModifiedAt)
			continue
		}
		row := entryToRow(rec, ref)
		if rec.RemoteID == nil {
			changes.Entries.Created = append(changes.Entries.Created, row)
		} else {
			changes.Entries.Updated = append(changes.Entries.Updated, row)
		}
		batch.stamp(syncwire.TableEntries, rec.LocalID, rec.LastModifiedAt)
	}

	changes.Normalize()
	return batch, nil
}

// refResolver returns the codec's reference resolver: remote id when the
// referenced record has one, local id otherwise. Lookups are memoized for
// the life of one collection pass.
func (s *Store) refResolver(ctx context.Context) refFn {
	memo := make(map[string]string)
	return func(table, localID string) string {
		key := table + "/" + localID
		if v, ok := memo[key]; ok {
			return v
		}
		v := localID
		var remoteID sql.NullString
		err := s.db.QueryRowContext(ctx,
			"SELECT remote_id FROM "+table+" WHERE local_id = ?", localID).Scan(&remoteID)
		if err == nil && remoteID.Valid {
			v = remoteID.String
		}
		memo[key] = v
		return v
	}
}

// purgeLocal hard-deletes records that were created and deleted between
// syncs. Children first so foreign keys hold.
func (s *Store) purgeLocal(ctx context.Context, purge map[string][]string) error {
	if len(purge) == 0 {
		return nil
	}
	order := []string{syncwire.TableEntries, syncwire.TableEpochs,
		syncwire.TableParticipants, syncwire.TableSessions}
	return s.withTx(ctx, nil, func(tx *sql.Tx) error {
		for _, table := range order {
			for _, localID := range purge[table] {
				if _, err := tx.Exec("DELETE FROM "+table+" WHERE local_id = ?", localID); err != nil {
					return fmt.Errorf("purge %s %s: %w: %v", table, localID, ErrStorage, err)
				}
			}
		}
		return nil
	})
}

// knownTable guards SQL built from server-supplied table names.
func knownTable(name string) bool {
	for _, t := range syncwire.TableOrder {
		if t == name {
			return true
		}
	}
	return false
}

// acknowledgePush records the server-assigned ids for created rows and
// clears the dirty flag on every row whose last_modified_at is unchanged
// since collection. Remote ids are write-once; a row that already has one
// is left alone no matter what the response claims.
func (s *Store) acknowledgePush(ctx context.Context, batch *pushBatch, resp *syncwire.PushResponse) error {
	return s.withTx(ctx, nil, func(tx *sql.Tx) error {
		for table, mapping := range resp.CreatedIDs {
			if !knownTable(table) {
				return fmt.Errorf("%w: unknown table %q in push response", ErrApply, table)
			}
			for localID, serverID := range mapping {
				_, err := tx.Exec(
					"UPDATE "+table+" SET remote_id = ? WHERE local_id = ? AND remote_id IS NULL",
					serverID, localID)
				if err != nil {
					return fmt.Errorf("record remote id %s/%s: %w: %v", table, localID, ErrStorage, err)
				}
			}
		}
		for table, stamps := range batch.stamps {
			for localID, lastModified := range stamps {
				_, err := tx.Exec(
					"UPDATE "+table+" SET is_synced = 1 WHERE local_id = ? AND last_modified_at = ?",
					localID, lastModified)
				if err != nil {
					return fmt.Errorf("mark synced %s/%s: %w: %v", table, localID, ErrStorage, err)
				}
			}
		}
		return nil
	})
}
