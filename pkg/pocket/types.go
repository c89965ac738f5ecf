package pocket

// SessionStatus mirrors the server lifecycle states.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Session is the local copy of a top-level unit of work.
//
// Every syncable record carries the same metadata: LocalID is generated on
// this device and never changes; RemoteID is assigned by the server on first
// acknowledged push and is write-once; LastModifiedAt (epoch millis) is
// refreshed on every local mutation and never decreases; IsSynced is false
// from the moment of a local mutation until the server acknowledges it.
type Session struct {
	LocalID        string
	RemoteID       *string
	Name           *string
	TargetScore    int
	Status         string
	WinnerID       *string // participant local id
	StartedAt      int64
	CompletedAt    *int64
	LastModifiedAt int64
	CreatedAt      int64
	IsSynced       bool
	IsDeleted      bool
}

// Participant belongs to one session; only TotalScore is mutated after
// creation.
type Participant struct {
	LocalID        string
	RemoteID       *string
	SessionID      string // session local id
	Name           string
	Position       int
	TotalScore     int
	LastModifiedAt int64
	CreatedAt      int64
	IsSynced       bool
	IsDeleted      bool
}

// Epoch is one scoring round; append-only.
type Epoch struct {
	LocalID        string
	RemoteID       *string
	SessionID      string
	Number         int
	CreatedAt      int64
	LastModifiedAt int64
	IsSynced       bool
	IsDeleted      bool
}

// EntryRecord is one participant's score in one epoch; immutable after
// creation.
type EntryRecord struct {
	LocalID        string
	RemoteID       *string
	EpochID        string
	ParticipantID  string
	RawScore       int
	BonusApplied   bool
	FinalScore     int
	TotalAfter     int
	LastModifiedAt int64
	CreatedAt      int64
	IsSynced       bool
	IsDeleted      bool
}

// EntryInput is one participant's score being submitted for an epoch.
type EntryInput struct {
	ParticipantID string // participant local id
	RawScore      int
	BonusApplied  bool
	FinalScore    int
}
