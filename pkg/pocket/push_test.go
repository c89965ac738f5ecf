package pocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	syncwire "github.com/tallydeck/tally/internal/sync"
)

// fakeServer accepts every push, assigns "srv-"+local_id to created rows,
// and remembers what it saw.
type fakeServer struct {
	pushes   []syncwire.PushRequest
	pulls    int
	conflict bool // reject the next push with 409
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sync/pull", func(w http.ResponseWriter, r *http.Request) {
		f.pulls++
		resp := syncwire.PullResponse{Timestamp: int64(1_000 + f.pulls)}
		resp.Changes.Normalize()
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("POST /sync/push", func(w http.ResponseWriter, r *http.Request) {
		var req syncwire.PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.pushes = append(f.pushes, req)

		if f.conflict {
			f.conflict = false
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(syncwire.PushResponse{
				OK:     false,
				Errors: []string{"stale checkpoint"},
			})
			return
		}

		created := make(map[string]map[string]string)
		record := func(table, localID string) {
			if localID == "" {
				return
			}
			if created[table] == nil {
				created[table] = make(map[string]string)
			}
			created[table][localID] = "srv-" + localID
		}
		for _, row := range req.Changes.Sessions.Created {
			record(syncwire.TableSessions, row.LocalID)
		}
		for _, row := range req.Changes.Participants.Created {
			record(syncwire.TableParticipants, row.LocalID)
		}
		for _, row := range req.Changes.Epochs.Created {
			record(syncwire.TableEpochs, row.LocalID)
		}
		for _, row := range req.Changes.Entries.Created {
			record(syncwire.TableEntries, row.LocalID)
		}

		json.NewEncoder(w).Encode(syncwire.PushResponse{
			OK:         true,
			Errors:     []string{},
			CreatedIDs: created,
			Timestamp:  2_000,
		})
	})
	return mux
}

func newTestEngine(t *testing.T) (*Engine, *Store, *fakeServer) {
	t.Helper()
	s, _ := newTestStore(t)
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, &staticTokens{token: "tok"})
	return NewEngine(s, client), s, fake
}

func TestCollectPushBucketsFirstSync(t *testing.T) {
	ctx := context.Background()
	s, tick := newTestStore(t)

	session, participants, err := s.CreateSession(ctx, strptr("g"), 100, []string{"ana"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	tick()
	if _, err := s.SubmitEpoch(ctx, session.LocalID, []EntryInput{
		{ParticipantID: participants[0].LocalID, RawScore: 10, FinalScore: 10},
	}); err != nil {
		t.Fatalf("SubmitEpoch: %v", err)
	}

	batch, err := s.collectPush(ctx)
	if err != nil {
		t.Fatalf("collectPush: %v", err)
	}
	changes := batch.req.Changes

	if batch.req.LastPulledAt != 0 {
		t.Errorf("last_pulled_at = %d, want 0", batch.req.LastPulledAt)
	}
	if len(changes.Sessions.Created) != 1 || len(changes.Sessions.Updated) != 0 {
		t.Errorf("sessions: %d created / %d updated, want 1/0",
			len(changes.Sessions.Created), len(changes.Sessions.Updated))
	}
	if len(changes.Participants.Created) != 1 {
		t.Errorf("participants created = %d, want 1", len(changes.Participants.Created))
	}
	if len(changes.Epochs.Created) != 1 || len(changes.Entries.Created) != 1 {
		t.Errorf("epochs/entries created = %d/%d, want 1/1",
			len(changes.Epochs.Created), len(changes.Entries.Created))
	}

	// unsynced records go out under their local ids
	row := changes.Sessions.Created[0]
	if row.ID != "" || row.LocalID != session.LocalID {
		t.Errorf("session row ids = %q/%q, want local id only", row.ID, row.LocalID)
	}
	// children reference parents by local id too
	if changes.Participants.Created[0].SessionID != session.LocalID {
		t.Errorf("participant parent = %q, want %q",
			changes.Participants.Created[0].SessionID, session.LocalID)
	}
}

func TestPushRecordsServerIDsAndMarksSynced(t *testing.T) {
	ctx := context.Background()
	engine, s, fake := newTestEngine(t)

	session, participants, err := s.CreateSession(ctx, nil, 100, []string{"ana"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := engine.Push(ctx); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(fake.pushes) != 1 {
		t.Fatalf("pushes = %d, want 1", len(fake.pushes))
	}

	got, _ := s.GetSession(ctx, session.LocalID)
	if got.RemoteID == nil || *got.RemoteID != "srv-"+session.LocalID {
		t.Errorf("session remote id = %v", got.RemoteID)
	}
	if !got.IsSynced {
		t.Error("session not marked synced after acknowledged push")
	}
	p, _ := s.GetParticipant(ctx, participants[0].LocalID)
	if p.RemoteID == nil || !p.IsSynced {
		t.Errorf("participant not acknowledged: remote=%v synced=%v", p.RemoteID, p.IsSynced)
	}

	// nothing dirty left; the next push is a no-op with no request
	if err := engine.Push(ctx); err != nil {
		t.Fatalf("second Push: %v", err)
	}
	if len(fake.pushes) != 1 {
		t.Errorf("pushes = %d, want 1 (empty batch skips the wire)", len(fake.pushes))
	}
}

func TestPushSendsUpdatesUnderRemoteID(t *testing.T) {
	ctx := context.Background()
	engine, s, fake := newTestEngine(t)

	session, _, err := s.CreateSession(ctx, nil, 100, []string{"ana"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := engine.Push(ctx); err != nil {
		t.Fatalf("first Push: %v", err)
	}

	if err := s.RenameSession(ctx, session.LocalID, strptr("renamed")); err != nil {
		t.Fatalf("RenameSession: %v", err)
	}
	if err := engine.Push(ctx); err != nil {
		t.Fatalf("second Push: %v", err)
	}

	second := fake.pushes[1].Changes
	if len(second.Sessions.Updated) != 1 || len(second.Sessions.Created) != 0 {
		t.Fatalf("sessions: %d updated / %d created, want 1/0",
			len(second.Sessions.Updated), len(second.Sessions.Created))
	}
	row := second.Sessions.Updated[0]
	if row.ID != "srv-"+session.LocalID {
		t.Errorf("update sent under id %q, want server id", row.ID)
	}
	// only the session was dirty; untouched participants stay home
	if len(second.Participants.Created)+len(second.Participants.Updated) != 0 {
		t.Error("clean participants included in push")
	}
}

func TestPushPurgesDeletedNeverSynced(t *testing.T) {
	ctx := context.Background()
	engine, s, fake := newTestEngine(t)

	session, participants, err := s.CreateSession(ctx, nil, 100, []string{"ana"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	epoch, err := s.SubmitEpoch(ctx, session.LocalID, []EntryInput{
		{ParticipantID: participants[0].LocalID, RawScore: 1, FinalScore: 1},
	})
	if err != nil {
		t.Fatalf("SubmitEpoch: %v", err)
	}
	if err := s.DeleteSession(ctx, session.LocalID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	if err := engine.Push(ctx); err != nil {
		t.Fatalf("Push: %v", err)
	}
	// the server never heard about records born and buried between syncs
	if len(fake.pushes) != 0 {
		t.Fatalf("pushes = %d, want 0", len(fake.pushes))
	}

	// purged outright, not tombstoned
	if _, err := s.GetSession(ctx, session.LocalID); !errors.Is(err, ErrNotFound) {
		t.Errorf("session still present: %v", err)
	}
	if _, err := s.GetEpoch(ctx, epoch.LocalID); !errors.Is(err, ErrNotFound) {
		t.Errorf("epoch still present: %v", err)
	}
}

func TestPushSendsTombstonesForSyncedRecords(t *testing.T) {
	ctx := context.Background()
	engine, s, fake := newTestEngine(t)

	session, _, err := s.CreateSession(ctx, nil, 100, []string{"ana"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := engine.Push(ctx); err != nil {
		t.Fatalf("first Push: %v", err)
	}

	if err := s.DeleteSession(ctx, session.LocalID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if err := engine.Push(ctx); err != nil {
		t.Fatalf("second Push: %v", err)
	}

	second := fake.pushes[1].Changes
	want := "srv-" + session.LocalID
	if len(second.Sessions.Deleted) != 1 || second.Sessions.Deleted[0] != want {
		t.Errorf("sessions deleted = %v, want [%s]", second.Sessions.Deleted, want)
	}

	// acknowledged tombstone is kept, soft-deleted and clean
	got, err := s.GetSession(ctx, session.LocalID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !got.IsDeleted || !got.IsSynced {
		t.Errorf("tombstone state deleted=%v synced=%v, want true/true", got.IsDeleted, got.IsSynced)
	}
}

func TestAcknowledgeSkipsRowsEditedMidFlight(t *testing.T) {
	ctx := context.Background()
	s, tick := newTestStore(t)

	session, _, err := s.CreateSession(ctx, nil, 100, []string{"ana"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	batch, err := s.collectPush(ctx)
	if err != nil {
		t.Fatalf("collectPush: %v", err)
	}

	// edit lands while the push is on the wire
	tick()
	if err := s.RenameSession(ctx, session.LocalID, strptr("mid-flight")); err != nil {
		t.Fatalf("RenameSession: %v", err)
	}

	resp := &syncwire.PushResponse{
		OK: true,
		CreatedIDs: map[string]map[string]string{
			syncwire.TableSessions: {session.LocalID: "srv-x"},
		},
	}
	if err := s.acknowledgePush(ctx, batch, resp); err != nil {
		t.Fatalf("acknowledgePush: %v", err)
	}

	got, _ := s.GetSession(ctx, session.LocalID)
	if got.RemoteID == nil || *got.RemoteID != "srv-x" {
		t.Errorf("remote id = %v, want srv-x", got.RemoteID)
	}
	if got.IsSynced {
		t.Error("row edited mid-flight must stay dirty")
	}
}

func TestAcknowledgeRejectsUnknownTable(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	batch := &pushBatch{stamps: map[string]map[string]int64{}}
	resp := &syncwire.PushResponse{
		OK: true,
		CreatedIDs: map[string]map[string]string{
			"sessions; DROP TABLE sessions": {"x": "srv-x"},
		},
	}
	if err := s.acknowledgePush(ctx, batch, resp); !errors.Is(err, ErrApply) {
		t.Fatalf("err = %v, want ErrApply", err)
	}
}

func TestAcknowledgeNeverRewritesRemoteID(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	session, _, err := s.CreateSession(ctx, nil, 100, []string{"ana"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	batch := &pushBatch{stamps: map[string]map[string]int64{}}
	first := &syncwire.PushResponse{
		OK: true,
		CreatedIDs: map[string]map[string]string{
			syncwire.TableSessions: {session.LocalID: "srv-1"},
		},
	}
	if err := s.acknowledgePush(ctx, batch, first); err != nil {
		t.Fatalf("first acknowledgePush: %v", err)
	}

	second := &syncwire.PushResponse{
		OK: true,
		CreatedIDs: map[string]map[string]string{
			syncwire.TableSessions: {session.LocalID: "srv-2"},
		},
	}
	if err := s.acknowledgePush(ctx, batch, second); err != nil {
		t.Fatalf("second acknowledgePush: %v", err)
	}

	got, _ := s.GetSession(ctx, session.LocalID)
	if got.RemoteID == nil || *got.RemoteID != "srv-1" {
		t.Errorf("remote id = %v, want the write-once srv-1", got.RemoteID)
	}
}

func TestSyncRetriesPushAfterConflict(t *testing.T) {
	ctx := context.Background()
	engine, s, fake := newTestEngine(t)

	if _, _, err := s.CreateSession(ctx, nil, 100, []string{"ana"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	fake.conflict = true

	if err := engine.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// pull, conflicted push, pull again, clean push
	if fake.pulls != 2 {
		t.Errorf("pulls = %d, want 2", fake.pulls)
	}
	if len(fake.pushes) != 2 {
		t.Errorf("pushes = %d, want 2", len(fake.pushes))
	}
}
