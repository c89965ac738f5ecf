// Package pocket is the on-device half of the tally sync engine: a durable
// local store with change tracking, the pull and push engines, and the
// orchestrator that drives sync cycles against the server of record.
//
// Records live in SQLite keyed by a device-generated local id. Every local
// mutation runs inside one transaction that also stamps the record's change
// tracker fields (last_modified_at, is_synced=0); pulled rows are applied
// through separate paths that arrive already synced. The store never hard
// deletes a synced record; deletion is a soft-delete mutation that
// propagates through push like any other.
package pocket

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// Store handles local persistence for all four syncable tables.
type Store struct {
	db  *sql.DB
	now func() int64 // epoch millis, swappable in tests

	observers *observerRegistry
}

// NewStore opens (or creates) the local database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps transactions serialized and makes
	// :memory: databases usable in tests.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:        db,
		now:       func() int64 { return time.Now().UnixMilli() },
		observers: newObserverRegistry(),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	PRAGMA journal_mode=WAL;
	PRAGMA foreign_keys=ON;
	PRAGMA busy_timeout=5000;

	CREATE TABLE IF NOT EXISTS sessions (
		local_id         TEXT PRIMARY KEY,
		remote_id        TEXT UNIQUE,
		name             TEXT,
		target_score     INTEGER NOT NULL DEFAULT 100,
		status           TEXT NOT NULL DEFAULT 'active',
		winner_id        TEXT,
		started_at       INTEGER NOT NULL,
		completed_at     INTEGER,
		last_modified_at INTEGER NOT NULL,
		created_at       INTEGER NOT NULL,
		is_synced        INTEGER NOT NULL DEFAULT 0,
		is_deleted       INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS participants (
		local_id         TEXT PRIMARY KEY,
		remote_id        TEXT UNIQUE,
		session_id       TEXT NOT NULL REFERENCES sessions(local_id),
		name             TEXT NOT NULL,
		position         INTEGER NOT NULL,
		total_score      INTEGER NOT NULL DEFAULT 0,
		last_modified_at INTEGER NOT NULL,
		created_at       INTEGER NOT NULL,
		is_synced        INTEGER NOT NULL DEFAULT 0,
		is_deleted       INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS epochs (
		local_id         TEXT PRIMARY KEY,
		remote_id        TEXT UNIQUE,
		session_id       TEXT NOT NULL REFERENCES sessions(local_id),
		number           INTEGER NOT NULL,
		created_at       INTEGER NOT NULL,
		last_modified_at INTEGER NOT NULL,
		is_synced        INTEGER NOT NULL DEFAULT 0,
		is_deleted       INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS entries (
		local_id         TEXT PRIMARY KEY,
		remote_id        TEXT UNIQUE,
		epoch_id         TEXT NOT NULL REFERENCES epochs(local_id),
		participant_id   TEXT NOT NULL REFERENCES participants(local_id),
		raw_score        INTEGER NOT NULL,
		bonus_applied    INTEGER NOT NULL DEFAULT 0,
		final_score      INTEGER NOT NULL,
		total_after      INTEGER NOT NULL,
		last_modified_at INTEGER NOT NULL,
		created_at       INTEGER NOT NULL,
		is_synced        INTEGER NOT NULL DEFAULT 0,
		is_deleted       INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_dirty ON sessions(is_synced);
	CREATE INDEX IF NOT EXISTS idx_participants_dirty ON participants(is_synced);
	CREATE INDEX IF NOT EXISTS idx_epochs_dirty ON epochs(is_synced);
	CREATE INDEX IF NOT EXISTS idx_entries_dirty ON entries(is_synced);
	CREATE INDEX IF NOT EXISTS idx_participants_session ON participants(session_id);
	CREATE INDEX IF NOT EXISTS idx_epochs_session ON epochs(session_id);
	CREATE INDEX IF NOT EXISTS idx_entries_epoch ON entries(epoch_id);

	CREATE TABLE IF NOT EXISTS sync_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate local store: %w", err)
	}
	return nil
}

const metaLastPulledAt = "last_pulled_at"

// LastPulledAt returns the current pull checkpoint; 0 before the first
// successful pull.
func (s *Store) LastPulledAt(ctx context.Context) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx,
		"SELECT CAST(value AS INTEGER) FROM sync_meta WHERE key = ?",
		metaLastPulledAt).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	return value, nil
}

func setLastPulledAtTx(tx *sql.Tx, value int64) error {
	_, err := tx.Exec(`
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaLastPulledAt, fmt.Sprint(value))
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// withTx runs fn inside one transaction. Any error rolls the whole
// transaction back, so a user-level operation is all-or-nothing. On success
// the listed tables' observers are notified after commit.
func (s *Store) withTx(ctx context.Context, tables []string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w: %v", ErrStorage, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w: %v", ErrStorage, err)
	}

	s.observers.notify(tables...)
	return nil
}

func newLocalID() string {
	return ulid.Make().String()
}

// --- scanning helpers ---

const sessionCols = `local_id, remote_id, name, target_score, status, winner_id,
	started_at, completed_at, last_modified_at, created_at, is_synced, is_deleted`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*Session, error) {
	var (
		rec       Session
		remoteID  sql.NullString
		name      sql.NullString
		winnerID  sql.NullString
		completed sql.NullInt64
	)
	err := r.Scan(&rec.LocalID, &remoteID, &name, &rec.TargetScore, &rec.Status,
		&winnerID, &rec.StartedAt, &completed, &rec.LastModifiedAt,
		&rec.CreatedAt, &rec.IsSynced, &rec.IsDeleted)
	if err != nil {
		return nil, err
	}
	if remoteID.Valid {
		rec.RemoteID = &remoteID.String
	}
	if name.Valid {
		rec.Name = &name.String
	}
	if winnerID.Valid {
		rec.WinnerID = &winnerID.String
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Int64
	}
	return &rec, nil
}

const participantCols = `local_id, remote_id, session_id, name, position,
	total_score, last_modified_at, created_at, is_synced, is_deleted`

func scanParticipant(r rowScanner) (*Participant, error) {
	var (
		rec      Participant
		remoteID sql.NullString
	)
	err := r.Scan(&rec.LocalID, &remoteID, &rec.SessionID, &rec.Name,
		&rec.Position, &rec.TotalScore, &rec.LastModifiedAt, &rec.CreatedAt,
		&rec.IsSynced, &rec.IsDeleted)
	if err != nil {
		return nil, err
	}
	if remoteID.Valid {
		rec.RemoteID = &remoteID.String
	}
	return &rec, nil
}

const epochCols = `local_id, remote_id, session_id, number, created_at,
	last_modified_at, is_synced, is_deleted`

func scanEpoch(r rowScanner) (*Epoch, error) {
	var (
		rec      Epoch
		remoteID sql.NullString
	)
	err := r.Scan(&rec.LocalID, &remoteID, &rec.SessionID, &rec.Number,
		&rec.CreatedAt, &rec.LastModifiedAt, &rec.IsSynced, &rec.IsDeleted)
	if err != nil {
		return nil, err
	}
	if remoteID.Valid {
		rec.RemoteID = &remoteID.String
	}
	return &rec, nil
}

const entryCols = `local_id, remote_id, epoch_id, participant_id, raw_score,
	bonus_applied, final_score, total_after, last_modified_at, created_at,
	is_synced, is_deleted`

func scanEntry(r rowScanner) (*EntryRecord, error) {
	var (
		rec      EntryRecord
		remoteID sql.NullString
	)
	err := r.Scan(&rec.LocalID, &remoteID, &rec.EpochID, &rec.ParticipantID,
		&rec.RawScore, &rec.BonusApplied, &rec.FinalScore, &rec.TotalAfter,
		&rec.LastModifiedAt, &rec.CreatedAt, &rec.IsSynced, &rec.IsDeleted)
	if err != nil {
		return nil, err
	}
	if remoteID.Valid {
		rec.RemoteID = &remoteID.String
	}
	return &rec, nil
}

// --- lookups ---

// GetSession returns a session by local id.
func (s *Store) GetSession(ctx context.Context, localID string) (*Session, error) {
	rec, err := scanSession(s.db.QueryRowContext(ctx,
		"SELECT "+sessionCols+" FROM sessions WHERE local_id = ?", localID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", localID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w: %v", ErrStorage, err)
	}
	return rec, nil
}

// GetParticipant returns a participant by local id.
func (s *Store) GetParticipant(ctx context.Context, localID string) (*Participant, error) {
	rec, err := scanParticipant(s.db.QueryRowContext(ctx,
		"SELECT "+participantCols+" FROM participants WHERE local_id = ?", localID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("participant %s: %w", localID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get participant: %w: %v", ErrStorage, err)
	}
	return rec, nil
}

// GetEpoch returns an epoch by local id.
func (s *Store) GetEpoch(ctx context.Context, localID string) (*Epoch, error) {
	rec, err := scanEpoch(s.db.QueryRowContext(ctx,
		"SELECT "+epochCols+" FROM epochs WHERE local_id = ?", localID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("epoch %s: %w", localID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get epoch: %w: %v", ErrStorage, err)
	}
	return rec, nil
}

// GetEntry returns an entry record by local id.
func (s *Store) GetEntry(ctx context.Context, localID string) (*EntryRecord, error) {
	rec, err := scanEntry(s.db.QueryRowContext(ctx,
		"SELECT "+entryCols+" FROM entries WHERE local_id = ?", localID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %s: %w", localID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w: %v", ErrStorage, err)
	}
	return rec, nil
}

// ListSessions returns all live sessions, most recently started first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionCols+" FROM sessions WHERE is_deleted = 0 ORDER BY started_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w: %v", ErrStorage, err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w: %v", ErrStorage, err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ListParticipants returns a session's live participants in seat order.
func (s *Store) ListParticipants(ctx context.Context, sessionID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+participantCols+" FROM participants WHERE session_id = ? AND is_deleted = 0 ORDER BY position",
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w: %v", ErrStorage, err)
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		rec, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w: %v", ErrStorage, err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ListEpochs returns a session's live epochs in play order.
func (s *Store) ListEpochs(ctx context.Context, sessionID string) ([]Epoch, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+epochCols+" FROM epochs WHERE session_id = ? AND is_deleted = 0 ORDER BY number",
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list epochs: %w: %v", ErrStorage, err)
	}
	defer rows.Close()

	var out []Epoch
	for rows.Next() {
		rec, err := scanEpoch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan epoch: %w: %v", ErrStorage, err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ListEntries returns an epoch's entry records.
func (s *Store) ListEntries(ctx context.Context, epochID string) ([]EntryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+entryCols+" FROM entries WHERE epoch_id = ? AND is_deleted = 0",
		epochID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w: %v", ErrStorage, err)
	}
	defer rows.Close()

	var out []EntryRecord
	for rows.Next() {
		rec, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w: %v", ErrStorage, err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// --- dirty queries (push collection) ---

func (s *Store) dirtySessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionCols+" FROM sessions WHERE is_synced = 0")
	if err != nil {
		return nil, fmt.Errorf("dirty sessions: %w: %v", ErrStorage, err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) dirtyParticipants(ctx context.Context) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+participantCols+" FROM participants WHERE is_synced = 0")
	if err != nil {
		return nil, fmt.Errorf("dirty participants: %w: %v", ErrStorage, err)
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		rec, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) dirtyEpochs(ctx context.Context) ([]Epoch, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+epochCols+" FROM epochs WHERE is_synced = 0")
	if err != nil {
		return nil, fmt.Errorf("dirty epochs: %w: %v", ErrStorage, err)
	}
	defer rows.Close()

	var out []Epoch
	for rows.Next() {
		rec, err := scanEpoch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) dirtyEntries(ctx context.Context) ([]EntryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+entryCols+" FROM entries WHERE is_synced = 0")
	if err != nil {
		return nil, fmt.Errorf("dirty entries: %w: %v", ErrStorage, err)
	}
	defer rows.Close()

	var out []EntryRecord
	for rows.Next() {
		rec, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}
