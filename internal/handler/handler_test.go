package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/clinsim/ecos/internal/exam"
	"github.com/clinsim/ecos/internal/i18n"
	"github.com/clinsim/ecos/internal/model"
	"github.com/clinsim/ecos/internal/quota"
	"github.com/clinsim/ecos/internal/store"
)

var i18nOnce sync.Once

const testInstructorKey = "sesame"

// fakeLLM plays both model roles: the simulated patient and the grader.
type fakeLLM struct {
	reply string
	grade string
}

func (f *fakeLLM) PatientReply(_ context.Context, _ string, _ []model.Turn) (string, error) {
	return f.reply, nil
}

func (f *fakeLLM) Grade(_ context.Context, _ string) (string, error) {
	return f.grade, nil
}

type testEnv struct {
	srv   *httptest.Server
	store *store.Store
	llm   *fakeLLM
}

func newTestEnv(t *testing.T, dailyLimit int) *testEnv {
	t.Helper()
	i18nOnce.Do(func() {
		if err := i18n.Init("fr"); err != nil {
			t.Fatalf("init i18n: %v", err)
		}
	})

	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte(testInstructorKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash instructor key: %v", err)
	}
	if _, err := s.CreateInstructor(model.Instructor{Name: "prof", KeyHash: string(hash), Active: true}); err != nil {
		t.Fatalf("seed instructor: %v", err)
	}

	llm := &fakeLLM{
		reply: "J'ai mal à la poitrine depuis deux heures.",
		grade: `{"scores": {"Communication": 3, "Anamnèse": 4},
			"strengths": ["Écoute active"],
			"weaknesses": ["Examen incomplet"],
			"recommendations": ["Approfondir l'examen"]}`,
	}

	reporter := exam.NewReporter(s, "fr")
	evaluator := exam.NewEvaluator(s, llm, reporter, 0)
	// No queue: the report endpoint regenerates on demand, which keeps the
	// tests synchronous.
	manager := exam.NewManager(s, llm, nil, nil)
	tracker := quota.New(s, dailyLimit, 0)

	h := New(s, manager, evaluator, tracker)
	r := chi.NewRouter()
	h.Routes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: s, llm: llm}
}

func (e *testEnv) seedScenario(t *testing.T) string {
	t.Helper()
	sc := model.Scenario{
		ID:            "sc-1",
		Title:         "Douleur thoracique",
		PersonaPrompt: "Tu es M. Martin, 55 ans.",
		Rubric: []model.Criterion{
			{Name: "Communication", MaxPoints: 4},
			{Name: "Anamnèse", MaxPoints: 4},
		},
	}
	if err := e.store.CreateScenario(sc); err != nil {
		t.Fatalf("seed scenario: %v", err)
	}
	return sc.ID
}

func doJSON(t *testing.T, method, url string, body any, auth string) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response of %s %s: %v", method, url, err)
	}
	return resp, decoded
}

func rawString(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	return s
}

func TestSessionFlow(t *testing.T) {
	env := newTestEnv(t, 20)
	scenarioID := env.seedScenario(t)

	resp, body := doJSON(t, http.MethodPost, env.srv.URL+"/sessions",
		map[string]string{"studentId": "stu-1", "scenarioId": scenarioID}, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start session status = %d", resp.StatusCode)
	}
	sessionID := rawString(t, body["sessionId"])
	if sessionID == "" {
		t.Fatal("empty sessionId")
	}

	resp, body = doJSON(t, http.MethodPost, env.srv.URL+"/sessions/"+sessionID+"/turns",
		map[string]string{"text": "Qu'est-ce qui vous amène ?"}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("post turn status = %d", resp.StatusCode)
	}
	if got := rawString(t, body["reply"]); got != env.llm.reply {
		t.Errorf("reply = %q", got)
	}

	// No report while in progress.
	resp, _ = doJSON(t, http.MethodGet, env.srv.URL+"/sessions/"+sessionID+"/report", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("report while in progress status = %d, want 404", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, env.srv.URL+"/sessions/"+sessionID+"/complete", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete status = %d", resp.StatusCode)
	}

	// Completion is single-shot.
	resp, _ = doJSON(t, http.MethodPost, env.srv.URL+"/sessions/"+sessionID+"/complete", nil, "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second complete status = %d, want 409", resp.StatusCode)
	}

	// Posting to a completed session is refused.
	resp, _ = doJSON(t, http.MethodPost, env.srv.URL+"/sessions/"+sessionID+"/turns",
		map[string]string{"text": "Encore ?"}, "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("turn after complete status = %d, want 409", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodGet, env.srv.URL+"/sessions/"+sessionID+"/report", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get report status = %d", resp.StatusCode)
	}
	var report model.Report
	if err := json.Unmarshal(body["report"], &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.AggregateScore != 88 { // 7/8 → 88%
		t.Errorf("aggregate = %d, want 88", report.AggregateScore)
	}
	if report.Summary == "" {
		t.Error("empty summary")
	}
	if len(report.Strengths) == 0 || len(report.Weaknesses) == 0 || len(report.Recommendations) == 0 {
		t.Errorf("report lists must not be empty: %+v", report)
	}
}

func TestStartSessionUnknownScenario(t *testing.T) {
	env := newTestEnv(t, 20)

	resp, _ := doJSON(t, http.MethodPost, env.srv.URL+"/sessions",
		map[string]string{"studentId": "stu-1", "scenarioId": "missing"}, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStartSessionMissingFields(t *testing.T) {
	env := newTestEnv(t, 20)

	resp, _ := doJSON(t, http.MethodPost, env.srv.URL+"/sessions",
		map[string]string{"studentId": "stu-1"}, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestQuotaEndpoint(t *testing.T) {
	env := newTestEnv(t, 20)
	scenarioID := env.seedScenario(t)

	resp, _ := doJSON(t, http.MethodGet, env.srv.URL+"/quota", nil, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("quota without userId status = %d, want 400", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet, env.srv.URL+"/quota?userId=stu-1", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("quota status = %d", resp.StatusCode)
	}
	var st model.QuotaStatus
	if err := json.Unmarshal(body["used"], &st.Used); err != nil {
		t.Fatalf("decode used: %v", err)
	}
	if st.Used != 0 {
		t.Errorf("used before any question = %d", st.Used)
	}

	_, body = doJSON(t, http.MethodPost, env.srv.URL+"/sessions",
		map[string]string{"studentId": "stu-1", "scenarioId": scenarioID}, "")
	sessionID := rawString(t, body["sessionId"])
	resp, _ = doJSON(t, http.MethodPost, env.srv.URL+"/sessions/"+sessionID+"/turns",
		map[string]string{"text": "Bonjour"}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("post turn status = %d", resp.StatusCode)
	}

	_, body = doJSON(t, http.MethodGet, env.srv.URL+"/quota?userId=stu-1", nil, "")
	if err := json.Unmarshal(body["used"], &st.Used); err != nil {
		t.Fatalf("decode used: %v", err)
	}
	if st.Used != 1 {
		t.Errorf("used after one question = %d, want 1", st.Used)
	}
}

func TestQuotaExhausted(t *testing.T) {
	env := newTestEnv(t, 1)
	scenarioID := env.seedScenario(t)

	_, body := doJSON(t, http.MethodPost, env.srv.URL+"/sessions",
		map[string]string{"studentId": "stu-1", "scenarioId": scenarioID}, "")
	sessionID := rawString(t, body["sessionId"])

	resp, _ := doJSON(t, http.MethodPost, env.srv.URL+"/sessions/"+sessionID+"/turns",
		map[string]string{"text": "Première question"}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first turn status = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, env.srv.URL+"/sessions/"+sessionID+"/turns",
		map[string]string{"text": "Deuxième question"}, "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("over-limit turn status = %d, want 429", resp.StatusCode)
	}

	// The refused turn must not reach the transcript.
	turns, err := env.store.GetTurns(sessionID)
	if err != nil {
		t.Fatalf("GetTurns: %v", err)
	}
	if len(turns) != 2 {
		t.Errorf("turns = %d, want 2", len(turns))
	}
}

func TestAdminAuth(t *testing.T) {
	env := newTestEnv(t, 20)

	tests := []struct {
		name string
		key  string
		want int
	}{
		{"no key", "", http.StatusUnauthorized},
		{"wrong key", "wrong", http.StatusForbidden},
		{"valid key", testInstructorKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := doJSON(t, http.MethodGet, env.srv.URL+"/scenarios", nil, tt.key)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestScenarioAdminCRUD(t *testing.T) {
	env := newTestEnv(t, 20)

	resp, body := doJSON(t, http.MethodPost, env.srv.URL+"/scenarios", map[string]any{
		"title":         "Céphalées",
		"personaPrompt": "Tu es Mme Durand, 40 ans, migraines.",
		"rubric":        []map[string]any{{"name": "Communication", "max_points": 4}},
	}, testInstructorKey)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create scenario status = %d", resp.StatusCode)
	}
	scenarioID := rawString(t, body["scenarioId"])

	resp, body = doJSON(t, http.MethodGet, env.srv.URL+"/scenarios/"+scenarioID, nil, testInstructorKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get scenario status = %d", resp.StatusCode)
	}
	var sc model.Scenario
	if err := json.Unmarshal(body["scenario"], &sc); err != nil {
		t.Fatalf("decode scenario: %v", err)
	}
	if sc.Title != "Céphalées" {
		t.Errorf("title = %q", sc.Title)
	}

	resp, _ = doJSON(t, http.MethodPut, env.srv.URL+"/scenarios/"+scenarioID, map[string]any{
		"title":         "Céphalées chroniques",
		"personaPrompt": sc.PersonaPrompt,
		"rubric":        []map[string]any{{"name": "Anamnèse", "max_points": 4}},
	}, testInstructorKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update scenario status = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodDelete, env.srv.URL+"/scenarios/"+scenarioID, nil, testInstructorKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete scenario status = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, env.srv.URL+"/scenarios/"+scenarioID, nil, testInstructorKey)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get deleted scenario status = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteScenarioInUse(t *testing.T) {
	env := newTestEnv(t, 20)
	scenarioID := env.seedScenario(t)

	resp, _ := doJSON(t, http.MethodPost, env.srv.URL+"/sessions",
		map[string]string{"studentId": "stu-1", "scenarioId": scenarioID}, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start session status = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodDelete, env.srv.URL+"/scenarios/"+scenarioID, nil, testInstructorKey)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("delete in-use scenario status = %d, want 409", resp.StatusCode)
	}
}

func TestListSessionsAdmin(t *testing.T) {
	env := newTestEnv(t, 20)
	scenarioID := env.seedScenario(t)

	for i := 0; i < 2; i++ {
		resp, _ := doJSON(t, http.MethodPost, env.srv.URL+"/sessions",
			map[string]string{"studentId": fmt.Sprintf("stu-%d", i), "scenarioId": scenarioID}, "")
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("start session %d status = %d", i, resp.StatusCode)
		}
	}

	resp, body := doJSON(t, http.MethodGet, env.srv.URL+"/sessions", nil, testInstructorKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list sessions status = %d", resp.StatusCode)
	}
	var sessions []model.Session
	if err := json.Unmarshal(body["sessions"], &sessions); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("sessions = %d, want 2", len(sessions))
	}
}
