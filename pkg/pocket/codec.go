package pocket

import syncwire "github.com/tallydeck/tally/internal/sync"

// The wire protocol speaks flat snake_case rows keyed by server ids; the
// local store speaks richer records keyed by local ids. This file is the
// single place the two shapes meet, one explicit mapping per entity per
// direction, so the translation stays an exact inverse field by field.

// refFn resolves a local reference (a parent or winner local id) to the
// identifier the server should see: the remote id when the referenced record
// has one, otherwise the local id, which the server resolves against rows
// created in the same batch.
type refFn func(table, localID string) string

// --- local record -> wire row (push) ---

func sessionToRow(rec *Session, ref refFn) syncwire.SessionRow {
	row := syncwire.SessionRow{
		Name:         rec.Name,
		TargetScore:  rec.TargetScore,
		Status:       rec.Status,
		StartedAt:    rec.StartedAt,
		CompletedAt:  rec.CompletedAt,
		LastModified: rec.LastModifiedAt,
	}
	if rec.WinnerID != nil {
		winner := ref(syncwire.TableParticipants, *rec.WinnerID)
		row.WinnerID = &winner
	}
	if rec.RemoteID != nil {
		row.ID = *rec.RemoteID
	} else {
		row.LocalID = rec.LocalID
	}
	return row
}

func participantToRow(rec *Participant, ref refFn) syncwire.ParticipantRow {
	row := syncwire.ParticipantRow{
		SessionID:    ref(syncwire.TableSessions, rec.SessionID),
		Name:         rec.Name,
		Position:     rec.Position,
		TotalScore:   rec.TotalScore,
		LastModified: rec.LastModifiedAt,
	}
	if rec.RemoteID != nil {
		row.ID = *rec.RemoteID
	} else {
		row.LocalID = rec.LocalID
	}
	return row
}

func epochToRow(rec *Epoch, ref refFn) syncwire.EpochRow {
	row := syncwire.EpochRow{
		SessionID:    ref(syncwire.TableSessions, rec.SessionID),
		Number:       rec.Number,
		CreatedAt:    rec.CreatedAt,
		LastModified: rec.LastModifiedAt,
	}
	if rec.RemoteID != nil {
		row.ID = *rec.RemoteID
	} else {
		row.LocalID = rec.LocalID
	}
	return row
}

func entryToRow(rec *EntryRecord, ref refFn) syncwire.EntryRow {
	row := syncwire.EntryRow{
		EpochID:       ref(syncwire.TableEpochs, rec.EpochID),
		ParticipantID: ref(syncwire.TableParticipants, rec.ParticipantID),
		RawScore:      rec.RawScore,
		BonusApplied:  rec.BonusApplied,
		FinalScore:    rec.FinalScore,
		TotalAfter:    rec.TotalAfter,
		LastModified:  rec.LastModifiedAt,
	}
	if rec.RemoteID != nil {
		row.ID = *rec.RemoteID
	} else {
		row.LocalID = rec.LocalID
	}
	return row
}

// --- wire row -> local record (pull) ---
//
// Pulled rows are server truth: they arrive synced, and the applier stamps
// the local clock on last_modified_at rather than trusting the server's.
// Parent references stay in server-id space here; the applier resolves them
// to local ids inside the apply transaction.

func sessionFromRow(row *syncwire.SessionRow) *Session {
	remoteID := row.ID
	return &Session{
		RemoteID:    &remoteID,
		Name:        row.Name,
		TargetScore: row.TargetScore,
		Status:      row.Status,
		WinnerID:    row.WinnerID, // server participant id, resolved by applier
		StartedAt:   row.StartedAt,
		CompletedAt: row.CompletedAt,
		IsSynced:    true,
	}
}

func participantFromRow(row *syncwire.ParticipantRow) *Participant {
	remoteID := row.ID
	return &Participant{
		RemoteID:   &remoteID,
		SessionID:  row.SessionID, // server session id, resolved by applier
		Name:       row.Name,
		Position:   row.Position,
		TotalScore: row.TotalScore,
		IsSynced:   true,
	}
}

func epochFromRow(row *syncwire.EpochRow) *Epoch {
	remoteID := row.ID
	return &Epoch{
		RemoteID:  &remoteID,
		SessionID: row.SessionID,
		Number:    row.Number,
		CreatedAt: row.CreatedAt,
		IsSynced:  true,
	}
}

func entryFromRow(row *syncwire.EntryRow) *EntryRecord {
	remoteID := row.ID
	return &EntryRecord{
		RemoteID:      &remoteID,
		EpochID:       row.EpochID,
		ParticipantID: row.ParticipantID,
		RawScore:      row.RawScore,
		BonusApplied:  row.BonusApplied,
		FinalScore:    row.FinalScore,
		TotalAfter:    row.TotalAfter,
		IsSynced:      true,
	}
}
