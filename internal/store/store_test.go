package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/deadhand/internal/models"
	"github.com/google/uuid"
)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestAssetCRUD(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	// Create
	asset, err := s.CreateAsset(ctx, &models.Asset{
		OwnerID:      "owner-1",
		PlatformName: "Photos",
		Action:       models.ActionArchive,
		Delay:        24 * time.Hour,
		PayloadRef:   "photos/2025",
		File:         &models.FileMeta{Name: "album.zip", Size: 2048, Type: "application/zip", StoragePath: "u/owner-1/album.zip"},
	})
	if err != nil {
		t.Fatalf("CreateAsset failed: %v", err)
	}
	if asset.ID == "" {
		t.Error("Asset ID should not be empty")
	}

	// Get
	got, err := s.GetAsset(ctx, asset.ID)
	if err != nil {
		t.Fatalf("GetAsset failed: %v", err)
	}
	if got.PlatformName != "Photos" || got.Delay != 24*time.Hour {
		t.Errorf("Unexpected asset: %+v", got)
	}
	if got.File == nil || got.File.Name != "album.zip" || got.File.Size != 2048 {
		t.Errorf("Expected file metadata to round-trip, got %+v", got.File)
	}

	missing, err := s.GetAsset(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("Expected nil, nil for missing asset, got %v, %v", missing, err)
	}

	// List
	s.CreateAsset(ctx, &models.Asset{OwnerID: "owner-1", PlatformName: "Mail", Action: models.ActionDelete})
	s.CreateAsset(ctx, &models.Asset{OwnerID: "owner-2", PlatformName: "Bank", Action: models.ActionDelete})

	assets, err := s.ListAssetsByOwner(ctx, "owner-1")
	if err != nil {
		t.Fatalf("ListAssetsByOwner failed: %v", err)
	}
	if len(assets) != 2 {
		t.Errorf("Expected 2 assets for owner-1, got %d", len(assets))
	}

	// Update
	got.Action = models.ActionTransfer
	got.Recipient = "heir@example.com"
	if err := s.UpdateAsset(ctx, got); err != nil {
		t.Fatalf("UpdateAsset failed: %v", err)
	}
	got, _ = s.GetAsset(ctx, asset.ID)
	if got.Action != models.ActionTransfer || got.Recipient != "heir@example.com" {
		t.Errorf("Update not applied: %+v", got)
	}

	// Delete
	if err := s.DeleteAsset(ctx, asset.ID); err != nil {
		t.Fatalf("DeleteAsset failed: %v", err)
	}
	if err := s.DeleteAsset(ctx, asset.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}

func TestAssetLockRejectsEdits(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	asset, _ := s.CreateAsset(ctx, &models.Asset{OwnerID: "owner-1", PlatformName: "Mail", Action: models.ActionDelete})

	e := &models.ReleaseEntry{AssetID: asset.ID, OwnerID: "owner-1", Episode: 1, ReleaseTime: time.Now()}
	if ok, err := s.InsertReleaseIfAbsent(ctx, e); !ok || err != nil {
		t.Fatalf("InsertReleaseIfAbsent failed: %v, %v", ok, err)
	}
	got, _ := s.GetAsset(ctx, asset.ID)
	if !got.Locked {
		t.Error("Expected inserting a release to lock the asset")
	}

	asset.PlatformName = "Changed"
	if err := s.UpdateAsset(ctx, asset); !errors.Is(err, ErrAssetLocked) {
		t.Errorf("Expected ErrAssetLocked on update, got %v", err)
	}
	if err := s.DeleteAsset(ctx, asset.ID); !errors.Is(err, ErrAssetLocked) {
		t.Errorf("Expected ErrAssetLocked on delete, got %v", err)
	}

	// The active entry alone blocks edits, even with the flag cleared.
	if err := s.Unlock(ctx, asset.ID); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := s.UpdateAsset(ctx, asset); !errors.Is(err, ErrAssetLocked) {
		t.Errorf("Expected ErrAssetLocked while the entry is armed, got %v", err)
	}
	if err := s.DeleteAsset(ctx, asset.ID); !errors.Is(err, ErrAssetLocked) {
		t.Errorf("Expected ErrAssetLocked on delete while the entry is armed, got %v", err)
	}

	s.ClaimRelease(ctx, e.ID, models.ReleaseArmed, "t")
	if err := s.TransitionRelease(ctx, e.ID, "t", models.ReleaseSucceeded, ""); err != nil {
		t.Fatalf("TransitionRelease failed: %v", err)
	}
	if err := s.UpdateAsset(ctx, asset); err != nil {
		t.Errorf("Expected update to succeed once the entry is terminal, got %v", err)
	}
}

func TestInsertReleaseForDeletedAsset(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	asset, _ := s.CreateAsset(ctx, &models.Asset{OwnerID: "owner-1", PlatformName: "Mail", Action: models.ActionDelete})
	if err := s.DeleteAsset(ctx, asset.ID); err != nil {
		t.Fatalf("DeleteAsset failed: %v", err)
	}

	ok, err := s.InsertReleaseIfAbsent(ctx, &models.ReleaseEntry{AssetID: asset.ID, OwnerID: "owner-1", Episode: 1, ReleaseTime: time.Now()})
	if err != nil || ok {
		t.Errorf("Expected no entry for a deleted asset, got %v, %v", ok, err)
	}
}

func TestCheckinLaterWins(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	last, err := s.GetLastCheckin(ctx, "owner-1")
	if err != nil || last != nil {
		t.Fatalf("Expected no check-in, got %v, %v", last, err)
	}

	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	if err := s.SetLastCheckin(ctx, "owner-1", t0.Add(time.Minute)); err != nil {
		t.Fatalf("SetLastCheckin failed: %v", err)
	}
	// An older check-in arriving late must not move the record backwards
	if err := s.SetLastCheckin(ctx, "owner-1", t0); err != nil {
		t.Fatalf("SetLastCheckin failed: %v", err)
	}

	last, _ = s.GetLastCheckin(ctx, "owner-1")
	if last == nil || !last.Equal(t0.Add(time.Minute)) {
		t.Errorf("Expected %v, got %v", t0.Add(time.Minute), last)
	}

	owners, err := s.ListOwners(ctx)
	if err != nil {
		t.Fatalf("ListOwners failed: %v", err)
	}
	if len(owners) != 1 || owners[0] != "owner-1" {
		t.Errorf("Expected [owner-1], got %v", owners)
	}
}

func TestSwitchArmIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	at := time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC)

	sw, err := s.GetSwitch(ctx, "owner-1")
	if err != nil {
		t.Fatalf("GetSwitch failed: %v", err)
	}
	if sw.State != models.SwitchIdle || sw.Episode != 0 {
		t.Errorf("Expected idle switch at episode 0, got %+v", sw)
	}

	episode, armed, err := s.ArmSwitch(ctx, "owner-1", at)
	if err != nil {
		t.Fatalf("ArmSwitch failed: %v", err)
	}
	if !armed || episode != 1 {
		t.Errorf("Expected armed at episode 1, got armed=%v episode=%d", armed, episode)
	}

	episode, armed, err = s.ArmSwitch(ctx, "owner-1", at.Add(time.Minute))
	if err != nil {
		t.Fatalf("ArmSwitch failed: %v", err)
	}
	if armed || episode != 1 {
		t.Errorf("Second arm should be a no-op, got armed=%v episode=%d", armed, episode)
	}

	sw, _ = s.GetSwitch(ctx, "owner-1")
	if sw.TriggeredAt == nil || !sw.TriggeredAt.Equal(at) {
		t.Errorf("Expected trigger time %v, got %v", at, sw.TriggeredAt)
	}
}

func TestDisarmCancelsOnlyArmed(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	at := time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC)

	a1, _ := s.CreateAsset(ctx, &models.Asset{OwnerID: "owner-1", PlatformName: "A", Action: models.ActionDelete})
	a2, _ := s.CreateAsset(ctx, &models.Asset{OwnerID: "owner-1", PlatformName: "B", Action: models.ActionDelete})

	episode, _, _ := s.ArmSwitch(ctx, "owner-1", at)
	e1 := &models.ReleaseEntry{AssetID: a1.ID, OwnerID: "owner-1", Episode: episode, ReleaseTime: at}
	e2 := &models.ReleaseEntry{AssetID: a2.ID, OwnerID: "owner-1", Episode: episode, ReleaseTime: at.Add(time.Hour)}
	for _, e := range []*models.ReleaseEntry{e1, e2} {
		if _, err := s.InsertReleaseIfAbsent(ctx, e); err != nil {
			t.Fatalf("InsertReleaseIfAbsent failed: %v", err)
		}
	}

	// e1 is in flight and must survive the disarm
	if ok, _ := s.ClaimRelease(ctx, e1.ID, models.ReleaseArmed, "token-1"); !ok {
		t.Fatal("Expected claim to succeed")
	}

	cancelled, disarmed, err := s.DisarmSwitch(ctx, "owner-1", at.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("DisarmSwitch failed: %v", err)
	}
	if !disarmed {
		t.Fatal("Expected switch to be disarmed")
	}
	if len(cancelled) != 1 || cancelled[0].ID != e2.ID {
		t.Errorf("Expected only e2 cancelled, got %+v", cancelled)
	}

	got1, _ := s.GetRelease(ctx, e1.ID)
	got2, _ := s.GetRelease(ctx, e2.ID)
	if got1.Status != models.ReleaseExecuting {
		t.Errorf("Expected e1 executing, got %s", got1.Status)
	}
	if got2.Status != models.ReleaseCancelled {
		t.Errorf("Expected e2 cancelled, got %s", got2.Status)
	}

	asset2, _ := s.GetAsset(ctx, a2.ID)
	if asset2.Locked {
		t.Error("Expected cancelled asset to be unlocked")
	}

	sw, _ := s.GetSwitch(ctx, "owner-1")
	if sw.State != models.SwitchDisarmed {
		t.Errorf("Expected disarmed, got %s", sw.State)
	}
	if err := s.ResetSwitch(ctx, "owner-1"); err != nil {
		t.Fatalf("ResetSwitch failed: %v", err)
	}
	sw, _ = s.GetSwitch(ctx, "owner-1")
	if sw.State != models.SwitchIdle {
		t.Errorf("Expected idle after reset, got %s", sw.State)
	}

	// Disarming an idle switch is a no-op
	_, disarmed, err = s.DisarmSwitch(ctx, "owner-1", at.Add(3*time.Minute))
	if err != nil || disarmed {
		t.Errorf("Expected no-op disarm, got disarmed=%v err=%v", disarmed, err)
	}
}

func TestInsertReleaseIfAbsent(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	at := time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC)

	asset, _ := s.CreateAsset(ctx, &models.Asset{OwnerID: "owner-1", PlatformName: "A", Action: models.ActionDelete})

	first := &models.ReleaseEntry{AssetID: asset.ID, OwnerID: "owner-1", Episode: 1, ReleaseTime: at}
	ok, err := s.InsertReleaseIfAbsent(ctx, first)
	if err != nil || !ok {
		t.Fatalf("Expected first insert to succeed, got %v, %v", ok, err)
	}

	// Same episode
	ok, err = s.InsertReleaseIfAbsent(ctx, &models.ReleaseEntry{AssetID: asset.ID, OwnerID: "owner-1", Episode: 1, ReleaseTime: at})
	if err != nil || ok {
		t.Errorf("Expected duplicate episode insert to be ignored, got %v, %v", ok, err)
	}

	// New episode while the old entry is still armed
	ok, err = s.InsertReleaseIfAbsent(ctx, &models.ReleaseEntry{AssetID: asset.ID, OwnerID: "owner-1", Episode: 2, ReleaseTime: at})
	if err != nil || ok {
		t.Errorf("Expected insert to be blocked by the active entry, got %v, %v", ok, err)
	}

	// Once terminal, a later episode gets a fresh entry
	s.ClaimRelease(ctx, first.ID, models.ReleaseArmed, "t")
	if err := s.TransitionRelease(ctx, first.ID, "t", models.ReleaseFailed, "boom"); err != nil {
		t.Fatalf("TransitionRelease failed: %v", err)
	}
	ok, err = s.InsertReleaseIfAbsent(ctx, &models.ReleaseEntry{AssetID: asset.ID, OwnerID: "owner-1", Episode: 2, ReleaseTime: at})
	if err != nil || !ok {
		t.Errorf("Expected new episode insert to succeed, got %v, %v", ok, err)
	}

	active, _ := s.HasActiveRelease(ctx, asset.ID)
	if !active {
		t.Error("Expected asset to have an active release")
	}
	all, _ := s.ListReleasesByAsset(ctx, asset.ID)
	if len(all) != 2 {
		t.Errorf("Expected 2 entries across episodes, got %d", len(all))
	}
}

func TestClaimTokenGuardsTransitions(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	seedAsset(t, s, "asset-1", "owner-1")
	episode, _, _ := s.ArmSwitch(ctx, "owner-1", time.Now())
	e := &models.ReleaseEntry{AssetID: "asset-1", OwnerID: "owner-1", Episode: episode, ReleaseTime: time.Now()}
	s.InsertReleaseIfAbsent(ctx, e)

	if ok, _ := s.ClaimRelease(ctx, e.ID, models.ReleaseArmed, "mine"); !ok {
		t.Fatal("Expected claim to succeed")
	}
	if ok, _ := s.ClaimRelease(ctx, e.ID, models.ReleaseArmed, "theirs"); ok {
		t.Error("Second claim on an executing entry must fail")
	}

	if err := s.TransitionRelease(ctx, e.ID, "theirs", models.ReleaseSucceeded, ""); !errors.Is(err, ErrNotClaimable) {
		t.Errorf("Expected ErrNotClaimable for foreign token, got %v", err)
	}
	if err := s.TransitionRelease(ctx, e.ID, "mine", models.ReleaseArmed, ""); !errors.Is(err, ErrNotClaimable) {
		t.Errorf("Expected ErrNotClaimable for non-terminal target, got %v", err)
	}

	if _, err := s.RequeueRelease(ctx, e.ID, "theirs", "timeout", true); !errors.Is(err, ErrNotClaimable) {
		t.Errorf("Expected ErrNotClaimable for foreign requeue, got %v", err)
	}
	status, err := s.RequeueRelease(ctx, e.ID, "mine", "timeout", true)
	if err != nil {
		t.Fatalf("RequeueRelease failed: %v", err)
	}
	got, _ := s.GetRelease(ctx, e.ID)
	if status != models.ReleaseArmed || got.Status != models.ReleaseArmed || got.Attempts != 1 || got.LastError != "timeout" {
		t.Errorf("Unexpected entry after requeue: %s %+v", status, got)
	}

	// Store failures do not spend the retry budget.
	s.ClaimRelease(ctx, e.ID, models.ReleaseArmed, "again")
	if _, err := s.RequeueRelease(ctx, e.ID, "again", "database is locked", false); err != nil {
		t.Fatalf("RequeueRelease failed: %v", err)
	}
	if got, _ := s.GetRelease(ctx, e.ID); got.Attempts != 1 {
		t.Errorf("Expected attempts to stay at 1, got %d", got.Attempts)
	}
}

func TestRequeueAfterDisarmCancels(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	at := time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC)

	asset, _ := s.CreateAsset(ctx, &models.Asset{OwnerID: "owner-1", PlatformName: "Mail", Action: models.ActionDelete})
	episode, _, _ := s.ArmSwitch(ctx, "owner-1", at)
	e := &models.ReleaseEntry{AssetID: asset.ID, OwnerID: "owner-1", Episode: episode, ReleaseTime: at}
	s.InsertReleaseIfAbsent(ctx, e)
	s.ClaimRelease(ctx, e.ID, models.ReleaseArmed, "mine")

	// The owner checks in while the executor is running.
	if _, _, err := s.DisarmSwitch(ctx, "owner-1", at.Add(time.Minute)); err != nil {
		t.Fatalf("DisarmSwitch failed: %v", err)
	}
	s.ResetSwitch(ctx, "owner-1")

	status, err := s.RequeueRelease(ctx, e.ID, "mine", "timeout", true)
	if err != nil {
		t.Fatalf("RequeueRelease failed: %v", err)
	}
	if status != models.ReleaseCancelled {
		t.Errorf("Expected cancelled, got %s", status)
	}
	got, _ := s.GetRelease(ctx, e.ID)
	if got.Status != models.ReleaseCancelled || got.ClaimToken != "" {
		t.Errorf("Unexpected entry after requeue: %+v", got)
	}
	a, _ := s.GetAsset(ctx, asset.ID)
	if a.Locked {
		t.Error("Expected asset to be unlocked")
	}

	// The next episode gets a fresh entry.
	episode, _, _ = s.ArmSwitch(ctx, "owner-1", at.Add(time.Hour))
	ok, err := s.InsertReleaseIfAbsent(ctx, &models.ReleaseEntry{AssetID: asset.ID, OwnerID: "owner-1", Episode: episode, ReleaseTime: at.Add(time.Hour)})
	if err != nil || !ok {
		t.Errorf("Expected a fresh entry for episode %d, got %v, %v", episode, ok, err)
	}
}

func TestConcurrentClaims(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("asset-%d", i)
		seedAsset(t, s, id, "owner-1")
		e := &models.ReleaseEntry{AssetID: id, OwnerID: "owner-1", Episode: 1, ReleaseTime: time.Now()}
		if _, err := s.InsertReleaseIfAbsent(ctx, e); err != nil {
			t.Fatalf("Failed to insert release: %v", err)
		}
		ids = append(ids, e.ID)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := make(map[string]int)

	for worker := 0; worker < 10; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token := uuid.New().String()
			for _, id := range ids {
				ok, err := s.ClaimRelease(ctx, id, models.ReleaseArmed, token)
				if err != nil {
					t.Errorf("ClaimRelease error: %v", err)
					return
				}
				if ok {
					mu.Lock()
					wins[id]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		if wins[id] != 1 {
			t.Errorf("Entry %s claimed %d times, want exactly 1", id, wins[id])
		}
	}
}

func TestListDueReleasesOrdering(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	entries := []*models.ReleaseEntry{
		{AssetID: "c", OwnerID: "o", Episode: 1, ReleaseTime: t0},
		{AssetID: "a", OwnerID: "o", Episode: 1, ReleaseTime: t0},
		{AssetID: "b", OwnerID: "o", Episode: 1, ReleaseTime: t0.Add(-time.Minute)},
		{AssetID: "d", OwnerID: "o", Episode: 1, ReleaseTime: t0.Add(time.Hour)},
	}
	for _, e := range entries {
		seedAsset(t, s, e.AssetID, e.OwnerID)
		s.InsertReleaseIfAbsent(ctx, e)
	}

	due, err := s.ListDueReleases(ctx, t0, 10)
	if err != nil {
		t.Fatalf("ListDueReleases failed: %v", err)
	}

	want := []string{"b", "a", "c"}
	if len(due) != len(want) {
		t.Fatalf("Expected %d due entries, got %d", len(want), len(due))
	}
	for i, e := range due {
		if e.AssetID != want[i] {
			t.Errorf("Position %d: expected asset %s, got %s", i, want[i], e.AssetID)
		}
	}

	byOwner, _ := s.ListReleasesByOwner(ctx, "o", 1)
	if len(byOwner) != 4 {
		t.Errorf("Expected 4 entries for owner, got %d", len(byOwner))
	}
}

func TestRecoverStaleClaims(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	seedAsset(t, s, "asset-1", "owner-1")
	seedAsset(t, s, "asset-2", "owner-2")
	armed, _, _ := s.ArmSwitch(ctx, "owner-1", time.Now())
	disarmed, _, _ := s.ArmSwitch(ctx, "owner-2", time.Now())

	e1 := &models.ReleaseEntry{AssetID: "asset-1", OwnerID: "owner-1", Episode: armed, ReleaseTime: time.Now()}
	e2 := &models.ReleaseEntry{AssetID: "asset-2", OwnerID: "owner-2", Episode: disarmed, ReleaseTime: time.Now()}
	for _, e := range []*models.ReleaseEntry{e1, e2} {
		s.InsertReleaseIfAbsent(ctx, e)
		s.ClaimRelease(ctx, e.ID, models.ReleaseArmed, "crashed-worker")
	}
	s.DisarmSwitch(ctx, "owner-2", time.Now())
	s.ResetSwitch(ctx, "owner-2")

	n, err := s.RecoverStaleClaims(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("RecoverStaleClaims failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 recovered entries, got %d", n)
	}

	got, _ := s.GetRelease(ctx, e1.ID)
	if got.Status != models.ReleaseArmed || got.Attempts != 1 || got.ClaimToken != "" {
		t.Errorf("Unexpected entry after recovery: %+v", got)
	}
	got, _ = s.GetRelease(ctx, e2.ID)
	if got.Status != models.ReleaseCancelled || got.ClaimToken != "" {
		t.Errorf("Expected the disarmed episode's entry to be cancelled, got %+v", got)
	}
	if a, _ := s.GetAsset(ctx, "asset-2"); a.Locked {
		t.Error("Expected the cancelled entry's asset to be unlocked")
	}
	if a, _ := s.GetAsset(ctx, "asset-1"); !a.Locked {
		t.Error("Expected the requeued entry's asset to stay locked")
	}
}

func TestExecutionLog(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	ok, err := s.HasSucceeded(ctx, "asset-1")
	if err != nil || ok {
		t.Fatalf("Expected no success yet, got %v, %v", ok, err)
	}

	s.AppendExecution(ctx, &models.ExecutionRecord{AssetID: "asset-1", EntryID: "e1", Outcome: models.OutcomeRetryable, ErrorDetail: "timeout"})
	s.AppendExecution(ctx, &models.ExecutionRecord{AssetID: "asset-1", EntryID: "e1", Outcome: models.OutcomeSucceeded})

	ok, _ = s.HasSucceeded(ctx, "asset-1")
	if !ok {
		t.Error("Expected HasSucceeded after a successful attempt")
	}

	records, err := s.ListExecutions(ctx, "asset-1")
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("Expected 2 records, got %d", len(records))
	}
}

func TestPDR(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	pdr, err := s.WritePDR("switch.arm", "abc123", "success", "owner-1", "episode 1")
	if err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}
	if pdr.ID == "" {
		t.Error("PDR ID should not be empty")
	}

	entries, err := s.ListPDR("owner-1")
	if err != nil {
		t.Fatalf("ListPDR failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "switch.arm" {
		t.Errorf("Unexpected PDR entries: %+v", entries)
	}
}

// seedAsset inserts an asset with a fixed ID.
func seedAsset(t *testing.T, s *Store, id, owner string) {
	t.Helper()
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO assets (id, owner_id, platform_name, action, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, owner, id, models.ActionDelete, now, now,
	)
	if err != nil {
		t.Fatalf("Failed to seed asset: %v", err)
	}
}

func newTestStore(t *testing.T) *Store {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}
