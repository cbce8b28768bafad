package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	appI18n "github.com/pavelanni/autograder/internal/i18n"
	"github.com/pavelanni/autograder/internal/metrics"
	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/problem"
	"github.com/pavelanni/autograder/internal/response"
	"github.com/pavelanni/autograder/internal/store"
)

func TestMain(m *testing.M) {
	if err := appI18n.Init("en"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(m.Run())
}

const (
	testGrader   = "xqueue"
	testPassword = "s3cret"
)

type testEnv struct {
	srv   *httptest.Server
	store *store.Store
}

func testDefinitions() []*problem.Definition {
	return []*problem.Definition{
		{
			ID:    "mixed",
			Title: "Mixed",
			Responses: []response.Definition{
				{Type: response.TypeOption, IDs: []string{"1_2_1"}, Options: []string{"up", "down"}, Answer: "up"},
				{Type: response.TypeNumerical, IDs: []string{"1_3_1"}, Answer: "2"},
				{Type: response.TypeString, IDs: []string{"1_4_1"}, Answer: "Paris"},
			},
		},
		{
			ID: "code",
			Responses: []response.Definition{
				{Type: response.TypeCode, IDs: []string{"1_2_1"}, Queue: "python", GraderPayload: `{"grader":"ps1.py"}`},
			},
		},
		{
			ID: "broken",
			Responses: []response.Definition{
				{Type: response.TypeCustom, IDs: []string{"1_2_1"}, Answer: `throw new Error("boom");`},
			},
		},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	hash, err := HashPassword(testPassword)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if _, err := s.CreateGrader(context.Background(), model.Grader{Username: testGrader, PasswordHash: hash, Active: true}); err != nil {
		t.Fatalf("CreateGrader: %v", err)
	}

	promReg := prometheus.NewRegistry()
	reg, err := problem.NewRegistry(testDefinitions(), problem.RegistryConfig{
		Store:     s,
		Submitter: s.Outbox(),
		Observer:  metrics.New(promReg),
		Recorder:  s,
		BaseURL:   "http://grader.test",
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	h, err := New(reg, s, promReg, model.ServerConfig{Lang: "en"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	h.Routes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: s}
}

func (e *testEnv) do(t *testing.T, method, path, contentType string, body io.Reader, auth bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if auth {
		req.SetBasicAuth(testGrader, testPassword)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) grade(t *testing.T, problemID, instanceID, answers string) *http.Response {
	t.Helper()
	body := strings.NewReader(`{"answers": ` + answers + `}`)
	return e.do(t, http.MethodPost, "/problems/"+problemID+"/instances/"+instanceID+"/grade", "application/json", body, false)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestListProblems(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodGet, "/problems", "", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	problems := decode[[]model.ProblemSummary](t, resp)
	if len(problems) != 3 {
		t.Fatalf("expected 3 problems, got %d", len(problems))
	}
	mixed := problems[0]
	if mixed.ID != "mixed" || mixed.Title != "Mixed" || len(mixed.AnswerIDs) != 3 {
		t.Errorf("unexpected summary %+v", mixed)
	}
	if strings.Join(mixed.Types, ",") != "option,numerical,string" {
		t.Errorf("types = %v", mixed.Types)
	}

	resp = e.do(t, http.MethodGet, "/problems/nope", "", nil, false)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown problem status = %d, want 404", resp.StatusCode)
	}
}

func TestGradeAndState(t *testing.T) {
	e := newTestEnv(t)

	resp := e.grade(t, "mixed", "alice", `{"1_2_1": "up", "1_3_1": "3"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	view := decode[model.InstanceView](t, resp)
	if view.Score != 1 || view.MaxScore != 3 || len(view.Records) != 2 {
		t.Fatalf("unexpected view %+v", view)
	}
	byID := map[string]model.RecordView{}
	for _, r := range view.Records {
		byID[r.AnswerID] = r
	}
	if r := byID["1_2_1"]; r.Correctness != "correct" || r.CorrectnessLabel != "Correct" || r.Status != "Graded" {
		t.Errorf("unexpected record %+v", r)
	}
	if r := byID["1_3_1"]; r.Correctness != "incorrect" || r.CorrectnessLabel != "Incorrect" {
		t.Errorf("unexpected record %+v", r)
	}
	if view.Summary != "1 of 3 points" {
		t.Errorf("summary = %q", view.Summary)
	}

	resp = e.do(t, http.MethodGet, "/problems/mixed/instances/alice?lang=ru", "", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("state status = %d", resp.StatusCode)
	}
	state := decode[model.InstanceView](t, resp)
	if state.Score != 1 || len(state.Records) != 2 {
		t.Errorf("state should match the graded view, got %+v", state)
	}
	for _, r := range state.Records {
		if r.AnswerID == "1_2_1" && r.CorrectnessLabel == "Correct" {
			t.Error("expected a Russian label with lang=ru")
		}
	}

	// The state survives in the store.
	snap, err := e.store.LoadSnapshot(context.Background(), "mixed", "alice")
	if err != nil || snap == nil {
		t.Fatalf("LoadSnapshot = %s, %v", snap, err)
	}
}

func TestGradeErrors(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name    string
		problem string
		body    string
		want    int
	}{
		{"unknown problem", "nope", `{"answers": {}}`, http.StatusNotFound},
		{"bad json", "mixed", `{"answers":`, http.StatusBadRequest},
		{"bad answer value", "mixed", `{"answers": {"1_2_1": {"x": 1}}}`, http.StatusBadRequest},
		{"script failure", "broken", `{"answers": {"1_2_1": "x"}}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.do(t, http.MethodPost, "/problems/"+tt.problem+"/instances/bob/grade", "application/json", strings.NewReader(tt.body), false)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func scoreForm(key int64, body string) string {
	form := url.Values{}
	form.Set("xqueue_header", fmt.Sprintf(`{"lms_key": "%d", "queue_name": "python"}`, key))
	form.Set("xqueue_body", body)
	return form.Encode()
}

func (e *testEnv) postScore(t *testing.T, path, form string, auth bool) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, path, "application/x-www-form-urlencoded", strings.NewReader(form), auth)
}

func TestScoreCallback(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	resp := e.grade(t, "code", "s%201", `{"1_2_1": "print(42)"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("grade status = %d", resp.StatusCode)
	}
	view := decode[model.InstanceView](t, resp)
	if !view.Queued || len(view.Records) != 1 || view.Records[0].QueueKey == nil {
		t.Fatalf("expected a queued answer, got %+v", view)
	}
	if !strings.Contains(view.Summary, "1 answer is waiting") {
		t.Errorf("summary = %q", view.Summary)
	}

	pending, err := e.store.PendingRequests(ctx)
	if err != nil {
		t.Fatalf("PendingRequests: %v", err)
	}
	if len(pending) != 1 || pending[0].InstanceID != "s 1" {
		t.Fatalf("unexpected outbox %+v", pending)
	}
	key := pending[0].QueueKey
	if key != *view.Records[0].QueueKey {
		t.Errorf("outbox key %d does not match record key %d", key, *view.Records[0].QueueKey)
	}
	path := problem.CallbackPath("code", "s 1")
	result := `{"correct": true, "score": 1, "msg": "ok"}`

	if resp := e.postScore(t, path, scoreForm(key, result), false); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	resp = e.postScore(t, path, scoreForm(key, `{"msg": "no score"}`), true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed result status = %d, want 400", resp.StatusCode)
	}

	resp = e.postScore(t, path, scoreForm(key, result), true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delivery status = %d", resp.StatusCode)
	}
	reply := decode[model.ScoreReply](t, resp)
	if reply.ReturnCode != 0 || reply.Content != "Result recorded" {
		t.Errorf("unexpected reply %+v", reply)
	}

	// A second delivery under the same key is stale.
	resp = e.postScore(t, path, scoreForm(key, result), true)
	reply = decode[model.ScoreReply](t, resp)
	if resp.StatusCode != http.StatusOK || reply.ReturnCode != 1 {
		t.Errorf("stale delivery: status %d reply %+v", resp.StatusCode, reply)
	}

	n, err := e.store.PendingCount(ctx, "code", "s 1")
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if n != 0 {
		t.Errorf("expected the request marked delivered, %d pending", n)
	}

	resp = e.do(t, http.MethodGet, "/problems/code/instances/s%201", "", nil, false)
	state := decode[model.InstanceView](t, resp)
	if state.Queued || state.Score != 1 || state.Records[0].Msg != "ok" {
		t.Errorf("unexpected state after delivery %+v", state)
	}
}

func TestAdminGraders(t *testing.T) {
	e := newTestEnv(t)

	if resp := e.do(t, http.MethodGet, "/admin/graders", "", nil, false); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	body := `{"username": "llm", "password": "pw"}`
	resp := e.do(t, http.MethodPost, "/admin/graders", "application/json", strings.NewReader(body), true)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	resp = e.do(t, http.MethodPost, "/admin/graders", "application/json", strings.NewReader(body), true)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", resp.StatusCode)
	}
	resp = e.do(t, http.MethodPost, "/admin/graders", "application/json", strings.NewReader(`{"username": "x"}`), true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing password status = %d, want 400", resp.StatusCode)
	}

	resp = e.do(t, http.MethodGet, "/admin/graders", "", nil, true)
	raw, _ := io.ReadAll(resp.Body)
	if bytes.Contains(raw, []byte("$2a$")) {
		t.Error("grader list must not expose password hashes")
	}
	var graders []graderView
	if err := json.Unmarshal(raw, &graders); err != nil {
		t.Fatalf("decode graders: %v", err)
	}
	if len(graders) != 2 {
		t.Errorf("expected 2 graders, got %d", len(graders))
	}

	resp = e.do(t, http.MethodPost, "/admin/graders/"+testGrader+"/active", "application/json", strings.NewReader(`{"active": false}`), true)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("deactivate status = %d", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodGet, "/admin/graders", "", nil, true); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("inactive grader status = %d, want 401", resp.StatusCode)
	}
}

func TestSetGraderActiveUnknown(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodPost, "/admin/graders/nobody/active", "application/json", strings.NewReader(`{"active": true}`), true)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestOutboxAndExport(t *testing.T) {
	e := newTestEnv(t)
	if err := e.store.SetMetadata(context.Background(), store.MetaPromptVariant, "strict"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}

	resp := e.do(t, http.MethodGet, "/admin/outbox", "", nil, true)
	if pending := decode[[]model.QueueRequest](t, resp); len(pending) != 0 {
		t.Errorf("expected empty outbox, got %d", len(pending))
	}

	e.grade(t, "mixed", "alice", `{"1_2_1": "up"}`)
	e.grade(t, "code", "bob", `{"1_2_1": "print(1)"}`)

	resp = e.do(t, http.MethodGet, "/admin/outbox", "", nil, true)
	if pending := decode[[]model.QueueRequest](t, resp); len(pending) != 1 {
		t.Errorf("expected 1 pending request, got %d", len(pending))
	}

	resp = e.do(t, http.MethodGet, "/admin/export", "", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d", resp.StatusCode)
	}
	export := decode[model.ResultsExport](t, resp)
	if export.PromptVariant != "strict" || len(export.Problems) != 3 || len(export.Results) != 2 {
		t.Fatalf("unexpected export %+v", export)
	}
	for _, r := range export.Results {
		if r.ProblemID == "code" && r.PendingQueue != 1 {
			t.Errorf("code instance pending = %d, want 1", r.PendingQueue)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.grade(t, "mixed", "alice", `{"1_2_1": "up"}`)

	resp := e.do(t, http.MethodGet, "/metrics", "", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), `autograder_grades_total{correctness="correct",type="option"} 1`) {
		t.Errorf("metrics output missing grade counter:\n%s", raw)
	}
}
