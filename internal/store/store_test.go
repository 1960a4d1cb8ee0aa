package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dungji-market/consultflow/internal/models"
)

func newTestMatch(id, requestID, expertID string) *models.ConsultationMatch {
	return &models.ConsultationMatch{
		ID:        id,
		RequestID: requestID,
		ExpertID:  expertID,
		State:     models.MatchStatePending,
		CreatedAt: time.Now(),
	}
}

func TestInMemoryStoreCreateMatchDuplicatePair(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	created, err := s.CreateMatch(ctx, newTestMatch("m1", "req1", "exp1"))
	if err != nil {
		t.Fatalf("CreateMatch failed: %v", err)
	}
	if !created {
		t.Fatal("expected first CreateMatch to report created")
	}

	created, err = s.CreateMatch(ctx, newTestMatch("m2", "req1", "exp1"))
	if err != nil {
		t.Fatalf("CreateMatch failed: %v", err)
	}
	if created {
		t.Error("expected duplicate (request, expert) pair to be a no-op")
	}

	matches, err := s.ListMatchesByRequest(ctx, "req1")
	if err != nil {
		t.Fatalf("ListMatchesByRequest failed: %v", err)
	}
	if len(matches) != 1 {
		t.Errorf("expected exactly 1 match for the pair, got %d", len(matches))
	}
}

func TestInMemoryStoreCreateMatchConcurrent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created, err := s.CreateMatch(ctx, newTestMatch(fmt.Sprintf("m%d", i), "req1", "exp1"))
			if err != nil {
				t.Errorf("CreateMatch failed: %v", err)
				return
			}
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if createdCount != 1 {
		t.Errorf("expected exactly one winner across %d concurrent creates, got %d", workers, createdCount)
	}
}

func TestInMemoryStoreReplyMatchFirstWins(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if _, err := s.CreateMatch(ctx, newTestMatch("m1", "req1", "exp1")); err != nil {
		t.Fatalf("CreateMatch failed: %v", err)
	}

	first, err := s.ReplyMatch(ctx, "m1", "hello", "weekdays", time.Now())
	if err != nil {
		t.Fatalf("ReplyMatch failed: %v", err)
	}
	if !first {
		t.Fatal("expected first reply to win the pending->replied transition")
	}
	m, err := s.GetMatch(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMatch failed: %v", err)
	}
	if m.State != models.MatchStateReplied {
		t.Errorf("expected state replied, got %s", m.State)
	}
	if m.RepliedAt == nil {
		t.Fatal("expected replied_at to be stamped")
	}
	firstRepliedAt := *m.RepliedAt

	// A second reply updates the message but must not re-transition.
	first, err = s.ReplyMatch(ctx, "m1", "updated", "", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ReplyMatch failed: %v", err)
	}
	if first {
		t.Error("expected second reply to report not-first")
	}
	m, err = s.GetMatch(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMatch failed: %v", err)
	}
	if m.ExpertMessage != "updated" {
		t.Errorf("expected message to be updated in place, got %q", m.ExpertMessage)
	}
	if m.AvailableTime != "weekdays" {
		t.Errorf("expected blank availability to preserve stored value, got %q", m.AvailableTime)
	}
	if !m.RepliedAt.Equal(firstRepliedAt) {
		t.Error("expected replied_at to keep the first reply's timestamp")
	}
}

func TestInMemoryStoreReplyMatchConcurrent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if _, err := s.CreateMatch(ctx, newTestMatch("m1", "req1", "exp1")); err != nil {
		t.Fatalf("CreateMatch failed: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	firstCount := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			first, err := s.ReplyMatch(ctx, "m1", fmt.Sprintf("msg %d", i), "", time.Now())
			if err != nil {
				t.Errorf("ReplyMatch failed: %v", err)
				return
			}
			if first {
				mu.Lock()
				firstCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if firstCount != 1 {
		t.Errorf("expected exactly one first reply across %d concurrent replies, got %d", workers, firstCount)
	}
}

func TestInMemoryStoreTransitionMatch(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if _, err := s.CreateMatch(ctx, newTestMatch("m1", "req1", "exp1")); err != nil {
		t.Fatalf("CreateMatch failed: %v", err)
	}

	// Connecting a pending match must not apply.
	ok, err := s.TransitionMatch(ctx, "m1", models.MatchStateReplied, models.MatchStateConnected, time.Now())
	if err != nil {
		t.Fatalf("TransitionMatch failed: %v", err)
	}
	if ok {
		t.Error("expected transition from wrong prior state to report false")
	}

	if _, err := s.ReplyMatch(ctx, "m1", "hi", "", time.Now()); err != nil {
		t.Fatalf("ReplyMatch failed: %v", err)
	}
	ok, err = s.TransitionMatch(ctx, "m1", models.MatchStateReplied, models.MatchStateConnected, time.Now())
	if err != nil {
		t.Fatalf("TransitionMatch failed: %v", err)
	}
	if !ok {
		t.Fatal("expected replied->connected to apply")
	}
	m, _ := s.GetMatch(ctx, "m1")
	if m.ConnectedAt == nil {
		t.Error("expected connected_at to be stamped")
	}

	if _, err := s.TransitionMatch(ctx, "missing", models.MatchStateReplied, models.MatchStateConnected, time.Now()); err != models.ErrMatchNotFound {
		t.Errorf("expected ErrMatchNotFound for unknown match, got %v", err)
	}
}

func TestInMemoryStoreTransitionRequest(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	req := &models.ConsultationRequest{
		ID:         "req1",
		CategoryID: 1,
		Phone:      "010-1234-5678",
		Content:    "need help",
		Status:     models.RequestStatusPending,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := s.CreateConsultationRequest(ctx, req); err != nil {
		t.Fatalf("CreateConsultationRequest failed: %v", err)
	}

	ok, err := s.TransitionRequest(ctx, "req1",
		[]models.RequestStatus{models.RequestStatusPending}, models.RequestStatusContacted, time.Now())
	if err != nil {
		t.Fatalf("TransitionRequest failed: %v", err)
	}
	if !ok {
		t.Fatal("expected pending->contacted to apply")
	}
	got, _ := s.GetConsultationRequest(ctx, "req1")
	if got.ContactedAt == nil {
		t.Error("expected contacted_at to be stamped")
	}

	// Completing requires contacted; pending is not in the allowed set here.
	ok, err = s.TransitionRequest(ctx, "req1",
		[]models.RequestStatus{models.RequestStatusPending}, models.RequestStatusCancelled, time.Now())
	if err != nil {
		t.Fatalf("TransitionRequest failed: %v", err)
	}
	if ok {
		t.Error("expected transition from disallowed status to report false")
	}

	if _, err := s.TransitionRequest(ctx, "missing",
		[]models.RequestStatus{models.RequestStatusPending}, models.RequestStatusCancelled, time.Now()); err != models.ErrRequestNotFound {
		t.Errorf("expected ErrRequestNotFound for unknown request, got %v", err)
	}
}

func TestInMemoryStoreListOrdering(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 3; i++ {
		m := newTestMatch(fmt.Sprintf("m%d", i), "req1", fmt.Sprintf("exp%d", i))
		m.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if _, err := s.CreateMatch(ctx, m); err != nil {
			t.Fatalf("CreateMatch failed: %v", err)
		}
	}

	byRequest, err := s.ListMatchesByRequest(ctx, "req1")
	if err != nil {
		t.Fatalf("ListMatchesByRequest failed: %v", err)
	}
	if len(byRequest) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(byRequest))
	}
	if byRequest[0].ID != "m0" || byRequest[2].ID != "m2" {
		t.Errorf("expected oldest-first ordering, got %s..%s", byRequest[0].ID, byRequest[2].ID)
	}
}
