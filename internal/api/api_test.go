package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dungji-market/consultflow/internal/flow"
	"github.com/dungji-market/consultflow/internal/genai"
	"github.com/dungji-market/consultflow/internal/lifecycle"
	"github.com/dungji-market/consultflow/internal/matching"
	"github.com/dungji-market/consultflow/internal/models"
	"github.com/dungji-market/consultflow/internal/notify"
	"github.com/dungji-market/consultflow/internal/store"
	"github.com/dungji-market/consultflow/internal/twiliosms"
)

// stubSummarizer implements Summarizer with a canned result.
type stubSummarizer struct {
	assist *genai.Assist
	err    error
}

func (s *stubSummarizer) SummarizeConsultation(ctx context.Context, content string, availableTypes []string) (*genai.Assist, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.assist, nil
}

type testEnv struct {
	server *httptest.Server
	store  *store.InMemoryStore
	sms    *twiliosms.MockClient
}

func newTestEnv(t *testing.T, ai Summarizer) *testEnv {
	t.Helper()
	st := store.NewInMemoryStore()
	st.SeedFlowSteps(10, []models.FlowStep{
		{
			ID: 1, CategoryID: 10, StepNumber: 1, Question: "What do you need help with?", Required: true, Active: true,
			Options: []models.FlowOption{
				{ID: 1, StepID: 1, Key: "moving", Label: "Moving", Active: true},
				{ID: 2, StepID: 1, Key: "other", Label: "Something else", CustomInput: true, Active: true},
			},
		},
		{
			ID: 2, CategoryID: 10, StepNumber: 2, Question: "When do you need it?", Required: true, Active: true,
		},
	})

	sms := twiliosms.NewMockClient()
	dispatcher := notify.NewService(st, sms)
	matcher := matching.NewEngine(st, dispatcher)
	lc := lifecycle.NewEngine(st, dispatcher)
	srv := NewServer(st, flow.NewCache(st), matcher, lc, ai)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, store: st, sms: sms}
}

func (e *testEnv) seedExpert(t *testing.T, id string) {
	t.Helper()
	err := e.store.CreateExpertProfile(context.Background(), &models.ExpertProfile{
		ID:                id,
		CategoryID:        10,
		Name:              "Jane Mover",
		BusinessName:      "Acme Moving",
		ContactPhone:      "+1555" + id,
		ContactEmail:      id + "@acme.example",
		Status:            models.ExpertStatusVerified,
		ReceivingRequests: true,
		CreatedAt:         time.Now(),
	})
	if err != nil {
		t.Fatalf("seedExpert failed: %v", err)
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*http.Response, models.APIResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	var envelope models.APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode response envelope: %v", err)
	}
	return resp, envelope
}

// decodeResult re-marshals the envelope's result into the given target.
func decodeResult(t *testing.T, envelope models.APIResponse, target interface{}) {
	t.Helper()
	raw, err := json.Marshal(envelope.Result)
	if err != nil {
		t.Fatalf("failed to re-marshal result: %v", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
}

func (e *testEnv) submit(t *testing.T) submitConsultationResult {
	t.Helper()
	resp, envelope := e.do(t, http.MethodPost, "/consultations", map[string]interface{}{
		"category_id": 10,
		"name":        "Minsu",
		"phone":       "+15550002222",
		"answers":     map[string]string{"1": "moving", "2": "next week"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", resp.StatusCode, envelope.Message)
	}
	var result submitConsultationResult
	decodeResult(t, envelope, &result)
	return result
}

func TestSubmitConsultationFansOut(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedExpert(t, "exp1")
	env.seedExpert(t, "exp2")

	result := env.submit(t)
	if result.MatchesCreated != 2 {
		t.Errorf("expected 2 matches created, got %d", result.MatchesCreated)
	}
	matches, _ := env.store.ListMatchesByRequest(context.Background(), result.RequestID)
	if len(matches) != 2 {
		t.Errorf("expected 2 stored matches, got %d", len(matches))
	}
	// One SMS per matched expert.
	if got := len(env.sms.Sent()); got != 2 {
		t.Errorf("expected 2 notification SMS, got %d", got)
	}
}

func TestSubmitConsultationValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	// Missing phone.
	resp, _ := env.do(t, http.MethodPost, "/consultations", map[string]interface{}{
		"category_id": 10,
		"answers":     map[string]string{"1": "moving", "2": "now"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for missing phone, got %d", resp.StatusCode)
	}

	// Missing required step answer.
	resp, envelope := env.do(t, http.MethodPost, "/consultations", map[string]interface{}{
		"category_id": 10,
		"phone":       "+15550002222",
		"answers":     map[string]string{"1": "moving"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for missing required answer, got %d (%s)", resp.StatusCode, envelope.Message)
	}

	// Unknown category with answers.
	resp, _ = env.do(t, http.MethodPost, "/consultations", map[string]interface{}{
		"category_id": 999,
		"phone":       "+15550002222",
		"answers":     map[string]string{"1": "moving"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown category, got %d", resp.StatusCode)
	}

	// Neither answers nor content.
	resp, _ = env.do(t, http.MethodPost, "/consultations", map[string]interface{}{
		"category_id": 10,
		"phone":       "+15550002222",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for empty content, got %d", resp.StatusCode)
	}
}

func TestSubmitConsultationAIAssistBestEffort(t *testing.T) {
	env := newTestEnv(t, &stubSummarizer{err: fmt.Errorf("model down")})
	env.seedExpert(t, "exp1")

	// AI failure must not block submission.
	result := env.submit(t)
	req, err := env.store.GetConsultationRequest(context.Background(), result.RequestID)
	if err != nil {
		t.Fatalf("GetConsultationRequest failed: %v", err)
	}
	if req.AISummary != "" {
		t.Errorf("expected no AI summary on failure, got %q", req.AISummary)
	}

	env2 := newTestEnv(t, &stubSummarizer{assist: &genai.Assist{Summary: "Customer needs a move.", RecommendedTypes: []string{"moving"}}})
	env2.seedExpert(t, "exp1")
	result = env2.submit(t)
	req, _ = env2.store.GetConsultationRequest(context.Background(), result.RequestID)
	if req.AISummary != "Customer needs a move." {
		t.Errorf("expected AI summary to be stored, got %q", req.AISummary)
	}
	if len(req.AIRecommendedTypes) != 1 || req.AIRecommendedTypes[0] != "moving" {
		t.Errorf("expected recommended types to be stored, got %v", req.AIRecommendedTypes)
	}
}

func TestAIAssistEndpoint(t *testing.T) {
	env := newTestEnv(t, &stubSummarizer{assist: &genai.Assist{Summary: "Needs cleaning."}})

	resp, envelope := env.do(t, http.MethodPost, "/consultations/ai-assist", map[string]interface{}{
		"content": "my office is a mess",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var assist genai.Assist
	decodeResult(t, envelope, &assist)
	if assist.Summary != "Needs cleaning." {
		t.Errorf("unexpected summary: %q", assist.Summary)
	}

	// Unconfigured summarizer.
	env2 := newTestEnv(t, nil)
	resp, _ = env2.do(t, http.MethodPost, "/consultations/ai-assist", map[string]interface{}{"content": "x"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without summarizer, got %d", resp.StatusCode)
	}
}

func TestFlowEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, envelope := env.do(t, http.MethodGet, "/categories/10/flow", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var steps []models.FlowStep
	decodeResult(t, envelope, &steps)
	if len(steps) != 2 {
		t.Errorf("expected 2 steps, got %d", len(steps))
	}

	resp, envelope = env.do(t, http.MethodPost, "/categories/10/flow/visible", map[string]interface{}{
		"answers": map[string]string{"1": "moving"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	decodeResult(t, envelope, &steps)
	if len(steps) != 2 {
		t.Errorf("expected 2 visible steps, got %d", len(steps))
	}

	resp, _ = env.do(t, http.MethodGet, "/categories/999/flow", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown category, got %d", resp.StatusCode)
	}
}

func TestReplyConnectDisclosureFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedExpert(t, "exp1")
	result := env.submit(t)

	matches, _ := env.store.ListMatchesByRequest(context.Background(), result.RequestID)
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	matchID := matches[0].ID

	// Connect before reply is rejected.
	resp, _ := env.do(t, http.MethodPost, "/consultations/"+result.RequestID+"/experts/exp1/connect", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 connecting a pending match, got %d", resp.StatusCode)
	}

	// Expert replies.
	resp, _ = env.do(t, http.MethodPost, "/matches/"+matchID+"/reply", map[string]interface{}{
		"message":        "I can help this weekend",
		"available_time": "Sat 10am",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for reply, got %d", resp.StatusCode)
	}

	// Customer detail: expert card present, contact still hidden.
	resp, envelope := env.do(t, http.MethodGet, "/consultations/"+result.RequestID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var detail consultationDetail
	decodeResult(t, envelope, &detail)
	if detail.RepliedCount != 1 {
		t.Errorf("expected replied_count 1, got %d", detail.RepliedCount)
	}
	if len(detail.Matches) != 1 || detail.Matches[0].Expert == nil {
		t.Fatalf("expected 1 match view with expert card, got %+v", detail.Matches)
	}
	if detail.Matches[0].Expert.ContactPhone != "" {
		t.Error("expert contact leaked before connection")
	}

	// Connect.
	resp, envelope = env.do(t, http.MethodPost, "/consultations/"+result.RequestID+"/experts/exp1/connect", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for connect, got %d (%s)", resp.StatusCode, envelope.Message)
	}
	var view lifecycle.MatchView
	decodeResult(t, envelope, &view)
	if view.Expert == nil || view.Expert.ContactPhone == "" {
		t.Error("expected expert contact to be revealed after connection")
	}

	// Connecting again conflicts.
	resp, _ = env.do(t, http.MethodPost, "/consultations/"+result.RequestID+"/experts/exp1/connect", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 reconnecting, got %d", resp.StatusCode)
	}

	// Unknown expert pairing.
	resp, _ = env.do(t, http.MethodPost, "/consultations/"+result.RequestID+"/experts/ghost/connect", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown pairing, got %d", resp.StatusCode)
	}
}

func TestExpertInboxGatingAndStaleness(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedExpert(t, "exp1")
	result := env.submit(t)

	resp, envelope := env.do(t, http.MethodGet, "/experts/exp1/requests", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var inbox expertInbox
	decodeResult(t, envelope, &inbox)
	if len(inbox.Pending) != 1 || inbox.Counts["pending"] != 1 {
		t.Fatalf("expected 1 pending entry, got %+v", inbox.Counts)
	}
	card := inbox.Pending[0].Request
	if card == nil {
		t.Fatal("expected request card on inbox entry")
	}
	if card.CustomerName == "Minsu" || card.CustomerPhone != "" {
		t.Errorf("customer identity leaked before connection: %+v", card)
	}

	// A stale pending match is hidden from the inbox.
	old := &models.ConsultationMatch{
		ID: "stale", RequestID: result.RequestID, ExpertID: "exp1",
		State: models.MatchStatePending, CreatedAt: time.Now().Add(-8 * 24 * time.Hour),
	}
	// Different pair key: seed a second expert and request to keep uniqueness.
	env.seedExpert(t, "exp2")
	old.ExpertID = "exp2"
	if _, err := env.store.CreateMatch(context.Background(), old); err != nil {
		t.Fatalf("CreateMatch failed: %v", err)
	}
	resp, envelope = env.do(t, http.MethodGet, "/experts/exp2/requests", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	decodeResult(t, envelope, &inbox)
	if len(inbox.Pending) != 0 {
		t.Errorf("expected stale pending match to be hidden, got %d entries", len(inbox.Pending))
	}

	resp, _ = env.do(t, http.MethodGet, "/experts/ghost/requests", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown expert, got %d", resp.StatusCode)
	}
}

func TestCompleteConsultation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedExpert(t, "exp1")
	result := env.submit(t)
	matches, _ := env.store.ListMatchesByRequest(context.Background(), result.RequestID)
	matchID := matches[0].ID

	env.do(t, http.MethodPost, "/matches/"+matchID+"/reply", map[string]interface{}{"message": "hi"})
	env.do(t, http.MethodPost, "/consultations/"+result.RequestID+"/experts/exp1/connect", nil)

	resp, envelope := env.do(t, http.MethodPost, "/consultations/"+result.RequestID+"/complete", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, envelope.Message)
	}
	var req models.ConsultationRequest
	decodeResult(t, envelope, &req)
	if req.Status != models.RequestStatusCompleted {
		t.Errorf("expected completed request, got %s", req.Status)
	}
	match, _ := env.store.GetMatch(context.Background(), matchID)
	if match.State != models.MatchStateCompleted {
		t.Errorf("expected connected match to complete with the request, got %s", match.State)
	}

	// Completing again conflicts.
	resp, _ = env.do(t, http.MethodPost, "/consultations/"+result.RequestID+"/complete", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 completing twice, got %d", resp.StatusCode)
	}
}

func TestCancelAndStatusEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedExpert(t, "exp1")
	result := env.submit(t)

	resp, envelope := env.do(t, http.MethodPost, "/consultations/"+result.RequestID+"/status", map[string]interface{}{
		"status": "contacted",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, envelope.Message)
	}

	resp, _ = env.do(t, http.MethodPost, "/consultations/"+result.RequestID+"/status", map[string]interface{}{
		"status": "pending",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unsupported transition, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPost, "/consultations/"+result.RequestID+"/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 for cancel, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/consultations/"+result.RequestID+"/cancel", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 cancelling twice, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/consultations/missing/cancel", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown request, got %d", resp.StatusCode)
	}
}

func TestExpertEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, envelope := env.do(t, http.MethodPost, "/experts", map[string]interface{}{
		"category_id":   10,
		"name":          "Jane Mover",
		"business_name": "Acme Moving",
		"contact_phone": "+15550001111",
		"regions":       []map[string]string{{"code": "11680", "name": "Gangnam"}},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", resp.StatusCode, envelope.Message)
	}
	var expert models.ExpertProfile
	decodeResult(t, envelope, &expert)
	if !expert.ReceivingRequests || expert.Status != models.ExpertStatusVerified {
		t.Errorf("unexpected defaults: %+v", expert)
	}

	resp, _ = env.do(t, http.MethodGet, "/experts/"+expert.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 fetching expert, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPatch, "/experts/"+expert.ID+"/receiving", map[string]interface{}{"receiving": false})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 toggling receiving, got %d", resp.StatusCode)
	}
	got, _ := env.store.GetExpertProfile(context.Background(), expert.ID)
	if got.ReceivingRequests {
		t.Error("expected receiving flag to be off")
	}

	resp, _ = env.do(t, http.MethodPost, "/experts", map[string]interface{}{"category_id": 10, "contact_phone": "+1555"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for missing name, got %d", resp.StatusCode)
	}
}

func TestNotificationsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedExpert(t, "exp1")
	env.submit(t)

	resp, envelope := env.do(t, http.MethodGet, "/notifications?recipient_id=exp1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var notifications []models.Notification
	decodeResult(t, envelope, &notifications)
	if len(notifications) != 1 || notifications[0].Kind != notify.KindNewRequest {
		t.Errorf("expected 1 new-request notification, got %+v", notifications)
	}

	resp, _ = env.do(t, http.MethodGet, "/notifications", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without recipient_id, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.server.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}
