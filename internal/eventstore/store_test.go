package eventstore

import (
	"context"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/networksandchill/otto-bgp/internal/rollout"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(path, 90)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetRunRoundTrips(t *testing.T) {
	s := openTestStore(t)
	rec := rollout.RunRecord{ID: "run-1", InitiatedBy: "operator", StrategyName: "blast", State: rollout.RunPlanned}
	if err := s.SaveRun(rec); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}
	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got == nil || got.StrategyName != "blast" {
		t.Fatalf("GetRun() = %+v, want strategy_name=blast", got)
	}
}

func TestGetRunMissingReturnsNilNil(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetRun("does-not-exist")
	if err != nil || got != nil {
		t.Fatalf("GetRun() = %+v, %v, want nil, nil", got, err)
	}
}

func TestRecordEventAndReadEventsReturnsChronologicalOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.RecordEvent(ctx, "run-1", "run_planned", map[string]any{"strategy": "blast"}); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	if err := s.RecordEvent(ctx, "run-1", "run_started", nil); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	if err := s.RecordEvent(ctx, "run-2", "run_planned", nil); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}

	events, err := s.ReadEvents("run-1")
	if err != nil {
		t.Fatalf("ReadEvents() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Type != "run_planned" || events[1].Type != "run_started" {
		t.Fatalf("events = %+v, want [run_planned, run_started] in order", events)
	}
}

func TestSaveStageAndSaveTargetDoNotError(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveStage(rollout.StageRecord{ID: "stage-0", RunID: "run-1", Concurrency: 5, State: rollout.StagePending}); err != nil {
		t.Fatalf("SaveStage() error = %v", err)
	}
	if err := s.SaveTarget(rollout.TargetRecord{ID: "target-0", StageID: "stage-0", Hostname: "r1", State: rollout.TargetPending}); err != nil {
		t.Fatalf("SaveTarget() error = %v", err)
	}
}

func TestOpenRejectsIncompatibleSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(path, 90)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s.Close()

	// Reopening the same file with the same schema version must succeed.
	s2, err := Open(path, 90)
	if err != nil {
		t.Fatalf("reopen Open() error = %v", err)
	}
	// A database stamped with a different schema version must be refused.
	if err := s2.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMeta)).Put([]byte("schema_version"), []byte("2"))
	}); err != nil {
		t.Fatalf("stamp schema_version: %v", err)
	}
	s2.Close()

	if s3, err := Open(path, 90); err == nil {
		s3.Close()
		t.Fatal("Open() error = nil, want schema version mismatch")
	}
}
