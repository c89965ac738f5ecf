// Package sync defines the wire protocol shared by the tally server and the
// pocket client: pull/push payloads, per-table change sets, and the flat
// snake_case row shapes that cross the HTTP boundary.
package sync

// Table names as they appear in the wire protocol, in dependency order.
// Parents must be applied before children to satisfy referential integrity.
const (
	TableSessions     = "sessions"
	TableParticipants = "participants"
	TableEpochs       = "epochs"
	TableEntries      = "entries"
)

// TableOrder lists the four syncable tables parents-first.
var TableOrder = []string{TableSessions, TableParticipants, TableEpochs, TableEntries}

// SessionRow is the wire shape of a session record.
// ID is the server-assigned identifier. LocalID accompanies rows pushed as
// created so the server can return the id mapping, and is echoed back on
// pulls so the creating device can reclaim rows whose push acknowledgement
// was lost.
type SessionRow struct {
	ID           string  `json:"id,omitempty"`
	LocalID      string  `json:"local_id,omitempty"`
	Name         *string `json:"name"`
	TargetScore  int     `json:"target_score"`
	Status       string  `json:"status"`
	WinnerID     *string `json:"winner_id"`
	StartedAt    int64   `json:"started_at"`
	CompletedAt  *int64  `json:"completed_at"`
	LastModified int64   `json:"last_modified,omitempty"`
}

// ParticipantRow is the wire shape of a participant record.
type ParticipantRow struct {
	ID           string `json:"id,omitempty"`
	LocalID      string `json:"local_id,omitempty"`
	SessionID    string `json:"session_id"`
	Name         string `json:"name"`
	Position     int    `json:"position"`
	TotalScore   int    `json:"total_score"`
	LastModified int64  `json:"last_modified,omitempty"`
}

// EpochRow is the wire shape of an epoch record.
type EpochRow struct {
	ID           string `json:"id,omitempty"`
	LocalID      string `json:"local_id,omitempty"`
	SessionID    string `json:"session_id"`
	Number       int    `json:"number"`
	CreatedAt    int64  `json:"created_at"`
	LastModified int64  `json:"last_modified,omitempty"`
}

// EntryRow is the wire shape of an entry record.
type EntryRow struct {
	ID            string `json:"id,omitempty"`
	LocalID       string `json:"local_id,omitempty"`
	EpochID       string `json:"epoch_id"`
	ParticipantID string `json:"participant_id"`
	RawScore      int    `json:"raw_score"`
	BonusApplied  bool   `json:"bonus_applied"`
	FinalScore    int    `json:"final_score"`
	TotalAfter    int    `json:"total_after"`
	LastModified  int64  `json:"last_modified,omitempty"`
}

// SessionChanges holds the change set for the sessions table.
type SessionChanges struct {
	Created []SessionRow `json:"created"`
	Updated []SessionRow `json:"updated"`
	Deleted []string     `json:"deleted"`
}

// ParticipantChanges holds the change set for the participants table.
type ParticipantChanges struct {
	Created []ParticipantRow `json:"created"`
	Updated []ParticipantRow `json:"updated"`
	Deleted []string         `json:"deleted"`
}

// EpochChanges holds the change set for the epochs table.
type EpochChanges struct {
	Created []EpochRow `json:"created"`
	Updated []EpochRow `json:"updated"`
	Deleted []string   `json:"deleted"`
}

// EntryChanges holds the change set for the entries table.
type EntryChanges struct {
	Created []EntryRow `json:"created"`
	Updated []EntryRow `json:"updated"`
	Deleted []string   `json:"deleted"`
}

// Changes carries the per-table change sets for all four syncable tables.
type Changes struct {
	Sessions     SessionChanges     `json:"sessions"`
	Participants ParticipantChanges `json:"participants"`
	Epochs       EpochChanges       `json:"epochs"`
	Entries      EntryChanges       `json:"entries"`
}

// Empty reports whether the change set contains no rows at all.
func (c *Changes) Empty() bool {
	return len(c.Sessions.Created) == 0 && len(c.Sessions.Updated) == 0 && len(c.Sessions.Deleted) == 0 &&
		len(c.Participants.Created) == 0 && len(c.Participants.Updated) == 0 && len(c.Participants.Deleted) == 0 &&
		len(c.Epochs.Created) == 0 && len(c.Epochs.Updated) == 0 && len(c.Epochs.Deleted) == 0 &&
		len(c.Entries.Created) == 0 && len(c.Entries.Updated) == 0 && len(c.Entries.Deleted) == 0
}

// Normalize replaces nil slices with empty ones so the serialized form always
// contains [] instead of null for every table bucket.
func (c *Changes) Normalize() {
	if c.Sessions.Created == nil {
		c.Sessions.Created = []SessionRow{}
	}
	if c.Sessions.Updated == nil {
		c.Sessions.Updated = []SessionRow{}
	}
	if c.Sessions.Deleted == nil {
		c.Sessions.Deleted = []string{}
	}
	if c.Participants.Created == nil {
		c.Participants.Created = []ParticipantRow{}
	}
	if c.Participants.Updated == nil {
		c.Participants.Updated = []ParticipantRow{}
	}
	if c.Participants.Deleted == nil {
		c.Participants.Deleted = []string{}
	}
	if c.Epochs.Created == nil {
		c.Epochs.Created = []EpochRow{}
	}
	if c.Epochs.Updated == nil {
		c.Epochs.Updated = []EpochRow{}
	}
	if c.Epochs.Deleted == nil {
		c.Epochs.Deleted = []string{}
	}
	if c.Entries.Created == nil {
		c.Entries.Created = []EntryRow{}
	}
	if c.Entries.Updated == nil {
		c.Entries.Updated = []EntryRow{}
	}
	if c.Entries.Deleted == nil {
		c.Entries.Deleted = []string{}
	}
}

// PullResponse is the body of GET /sync/pull.
// Timestamp is the server clock in epoch millis, captured before the change
// query, and becomes the client's next last_pulled_at checkpoint.
type PullResponse struct {
	Changes   Changes `json:"changes"`
	Timestamp int64   `json:"timestamp"`
}

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	Changes      Changes `json:"changes"`
	LastPulledAt int64   `json:"last_pulled_at"`
}

// PushResponse is the body returned by POST /sync/push.
// CreatedIDs maps table name -> local_id -> server-assigned id so the client
// can mark pushed rows synced without a follow-up pull.
type PushResponse struct {
	OK         bool                         `json:"ok"`
	Errors     []string                     `json:"errors"`
	CreatedIDs map[string]map[string]string `json:"created_ids,omitempty"`
	Timestamp  int64                        `json:"timestamp,omitempty"`
}

// Session status values shared by both sides of the protocol.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)
