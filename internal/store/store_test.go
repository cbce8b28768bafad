package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/pavelanni/autograder/internal/correctmap"
	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/problem"
	"github.com/pavelanni/autograder/internal/xqueue"
)

var (
	_ problem.SnapshotStore    = (*Store)(nil)
	_ problem.DeliveryRecorder = (*Store)(nil)
	_ xqueue.Submitter         = (*Outbox)(nil)
	_ xqueue.Withdrawer        = (*Outbox)(nil)
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func snapshotOf(t *testing.T, entries map[string]correctmap.Entry) []byte {
	t.Helper()
	cm := correctmap.New()
	for id, e := range entries {
		cm.Set(id, e)
	}
	data, err := json.Marshal(cm)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	return data
}

func TestSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Missing snapshot returns nil without error.
	data, err := s.LoadSnapshot(ctx, "p1", "alice")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if data != nil {
		t.Fatalf("expected nil snapshot, got %s", data)
	}

	first := snapshotOf(t, map[string]correctmap.Entry{"1_2_1": {Correctness: correctmap.Incorrect}})
	if err := s.SaveSnapshot(ctx, "p1", "alice", first); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	second := snapshotOf(t, map[string]correctmap.Entry{"1_2_1": {Correctness: correctmap.Correct}})
	if err := s.SaveSnapshot(ctx, "p1", "alice", second); err != nil {
		t.Fatalf("SaveSnapshot update: %v", err)
	}
	if err := s.SaveSnapshot(ctx, "p0", "bob", first); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	data, err = s.LoadSnapshot(ctx, "p1", "alice")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if string(data) != string(second) {
		t.Errorf("expected latest snapshot, got %s", data)
	}

	snaps, err := s.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if snaps[0].ProblemID != "p0" || snaps[1].InstanceID != "alice" {
		t.Errorf("unexpected order: %+v", snaps)
	}
	if snaps[1].UpdatedAt.IsZero() {
		t.Error("expected updated_at to be set")
	}

	count, err := s.SnapshotCount(ctx, "p1")
	if err != nil {
		t.Fatalf("SnapshotCount: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 snapshot for p1, got %d", count)
	}
}

func TestGraders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	count, err := s.GraderCount(ctx)
	if err != nil {
		t.Fatalf("GraderCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 graders, got %d", count)
	}

	id, err := s.CreateGrader(ctx, model.Grader{Username: "xqueue", PasswordHash: "hash", Active: true})
	if err != nil {
		t.Fatalf("CreateGrader: %v", err)
	}
	if id == 0 {
		t.Error("expected non-zero id")
	}

	// Duplicate usernames are rejected.
	if _, err := s.CreateGrader(ctx, model.Grader{Username: "xqueue", PasswordHash: "other"}); err == nil {
		t.Error("expected error for duplicate username")
	}

	g, err := s.GetGraderByUsername(ctx, "xqueue")
	if err != nil {
		t.Fatalf("GetGraderByUsername: %v", err)
	}
	if g == nil || g.PasswordHash != "hash" || !g.Active {
		t.Fatalf("unexpected grader %+v", g)
	}

	missing, err := s.GetGraderByUsername(ctx, "nobody")
	if err != nil {
		t.Fatalf("GetGraderByUsername: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing grader")
	}

	if err := s.SetGraderActive(ctx, "xqueue", false); err != nil {
		t.Fatalf("SetGraderActive: %v", err)
	}
	g, _ = s.GetGraderByUsername(ctx, "xqueue")
	if g.Active {
		t.Error("expected grader to be inactive")
	}
	if err := s.SetGraderActive(ctx, "nobody", true); err != sql.ErrNoRows {
		t.Errorf("expected ErrNoRows, got %v", err)
	}

	graders, err := s.ListGraders(ctx)
	if err != nil {
		t.Fatalf("ListGraders: %v", err)
	}
	if len(graders) != 1 {
		t.Errorf("expected 1 grader, got %d", len(graders))
	}
}

func TestMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.GetMetadata(ctx, "prompt_variant")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if v != "" {
		t.Errorf("expected empty value, got %q", v)
	}
	if err := s.SetMetadata(ctx, "prompt_variant", "strict"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if err := s.SetMetadata(ctx, "prompt_variant", "lenient"); err != nil {
		t.Fatalf("SetMetadata update: %v", err)
	}
	v, _ = s.GetMetadata(ctx, "prompt_variant")
	if v != "lenient" {
		t.Errorf("expected 'lenient', got %q", v)
	}
}

func TestImportedFileHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Missing file returns empty string.
	hash, err := s.GetImportedFileHash(ctx, "problems/p1.yaml")
	if err != nil {
		t.Fatalf("GetImportedFileHash: %v", err)
	}
	if hash != "" {
		t.Errorf("expected empty hash, got %q", hash)
	}

	if err := s.SetImportedFileHash(ctx, "problems/p1.yaml", "abc123"); err != nil {
		t.Fatalf("SetImportedFileHash: %v", err)
	}
	hash, _ = s.GetImportedFileHash(ctx, "problems/p1.yaml")
	if hash != "abc123" {
		t.Errorf("expected 'abc123', got %q", hash)
	}

	// Update existing.
	if err := s.SetImportedFileHash(ctx, "problems/p1.yaml", "def456"); err != nil {
		t.Fatalf("SetImportedFileHash update: %v", err)
	}
	hash, _ = s.GetImportedFileHash(ctx, "problems/p1.yaml")
	if hash != "def456" {
		t.Errorf("expected 'def456', got %q", hash)
	}
}

func TestOutbox(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	out := s.Outbox()

	req := xqueue.Request{
		Header: xqueue.Header{
			LMSCallbackURL: "http://grader.test/xqueue/p1/alice/score",
			LMSKey:         "1001",
			QueueName:      "python",
		},
		Body: xqueue.Body{SubmissionID: "sub-1", GraderPayload: "{}", StudentResponse: "print(1)"},
	}
	if err := out.Submit(ctx, req); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	req.Header.LMSKey = "1002"
	if err := out.Submit(ctx, req); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	bad := req
	bad.Header.LMSKey = "not-a-key"
	if err := out.Submit(ctx, bad); err == nil {
		t.Error("expected error for malformed key")
	}

	pending, err := s.PendingRequests(ctx)
	if err != nil {
		t.Fatalf("PendingRequests: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending requests, got %d", len(pending))
	}
	r := pending[0]
	if r.ProblemID != "p1" || r.InstanceID != "alice" || r.QueueKey != 1001 || r.QueueName != "python" {
		t.Errorf("unexpected request %+v", r)
	}
	var body xqueue.Body
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.StudentResponse != "print(1)" {
		t.Errorf("student response = %q", body.StudentResponse)
	}

	if err := s.MarkDelivered(ctx, "p1", "alice", 1001); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	pending, _ = s.PendingRequests(ctx)
	if len(pending) != 1 || pending[0].QueueKey != 1002 {
		t.Errorf("expected only key 1002 pending, got %+v", pending)
	}
	n, err := s.PendingCount(ctx, "p1", "alice")
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pending, got %d", n)
	}
}

func TestOutboxWithdrawnWhenLaterSubmitterFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req := xqueue.Request{
		Header: xqueue.Header{
			LMSCallbackURL: "http://grader.test/xqueue/p1/alice/score",
			LMSKey:         "2001",
			QueueName:      "python",
		},
		Body: xqueue.Body{SubmissionID: "sub-2", StudentResponse: "print(2)"},
	}
	grader := xqueue.SubmitterFunc(func(context.Context, xqueue.Request) error {
		return errors.New("model unavailable")
	})

	if err := xqueue.Multi(s.Outbox(), grader).Submit(ctx, req); err == nil {
		t.Fatal("expected the failing grader to fail the submission")
	}
	n, err := s.PendingCount(ctx, "p1", "alice")
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if n != 0 {
		t.Errorf("expected the outbox row to be withdrawn, %d still pending", n)
	}

	ok := xqueue.SubmitterFunc(func(context.Context, xqueue.Request) error { return nil })
	if err := xqueue.Multi(s.Outbox(), ok).Submit(ctx, req); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if n, _ := s.PendingCount(ctx, "p1", "alice"); n != 1 {
		t.Errorf("expected 1 pending, got %d", n)
	}
}

func TestExportResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	results, err := s.ExportResults(ctx)
	if err != nil {
		t.Fatalf("ExportResults: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}

	state := snapshotOf(t, map[string]correctmap.Entry{
		"1_2_1": {Correctness: correctmap.Correct, MaxPoints: 1},
		"1_3_1": {Correctness: correctmap.PartiallyCorrect, NPoints: correctmap.Points(0.5), MaxPoints: 1},
		"1_4_1": {Correctness: correctmap.Incorrect, Msg: "Submitted to queue", QueueState: &correctmap.QueueState{Key: 7}},
	})
	if err := s.SaveSnapshot(ctx, "p1", "alice", state); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if _, err := s.EnqueueRequest(ctx, model.QueueRequest{ProblemID: "p1", InstanceID: "alice", QueueKey: 7, QueueName: "q", CallbackURL: "u", Body: "{}"}); err != nil {
		t.Fatalf("EnqueueRequest: %v", err)
	}

	results, err = s.ExportResults(ctx)
	if err != nil {
		t.Fatalf("ExportResults: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.Score != 1.5 {
		t.Errorf("score = %v, want 1.5", r.Score)
	}
	if len(r.Records) != 3 || r.Records[0].AnswerID != "1_2_1" {
		t.Errorf("unexpected records %+v", r.Records)
	}
	if r.PendingQueue != 1 {
		t.Errorf("pending = %d, want 1", r.PendingQueue)
	}

	if err := s.SaveSnapshot(ctx, "p2", "bob", []byte("not json")); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if _, err := s.ExportResults(ctx); err == nil {
		t.Error("expected error for a corrupt snapshot")
	}
}
