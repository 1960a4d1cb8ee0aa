// Package store provides storage backends for consultflow.
//
// This file implements a mutex-guarded in-memory store used in tests and for
// ephemeral development runs. It mirrors the SQL backends' semantics, in
// particular the uniqueness of (request, expert) match pairs and the
// compare-and-set behavior of the transition methods.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dungji-market/consultflow/internal/models"
)

// InMemoryStore is a simple in-memory implementation of Store.
type InMemoryStore struct {
	mu            sync.Mutex
	flowSteps     map[int64][]models.FlowStep
	requests      map[string]*models.ConsultationRequest
	experts       map[string]*models.ExpertProfile
	matches       map[string]*models.ConsultationMatch
	matchByPair   map[string]string // requestID + "\x00" + expertID -> match ID
	notifications []models.Notification
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flowSteps:   make(map[int64][]models.FlowStep),
		requests:    make(map[string]*models.ConsultationRequest),
		experts:     make(map[string]*models.ExpertProfile),
		matches:     make(map[string]*models.ConsultationMatch),
		matchByPair: make(map[string]string),
	}
}

func pairKey(requestID, expertID string) string {
	return requestID + "\x00" + expertID
}

// SeedFlowSteps loads questionnaire definitions for a category. Flow authoring
// is out-of-band for the core, so this helper is not part of the Store
// interface; tests and dev fixtures use it directly.
func (s *InMemoryStore) SeedFlowSteps(categoryID int64, steps []models.FlowStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flowSteps[categoryID] = append([]models.FlowStep(nil), steps...)
}

// FlowSteps returns the steps seeded for a category.
func (s *InMemoryStore) FlowSteps(ctx context.Context, categoryID int64) ([]models.FlowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.FlowStep(nil), s.flowSteps[categoryID]...), nil
}

// CreateConsultationRequest persists a new request.
func (s *InMemoryStore) CreateConsultationRequest(ctx context.Context, req *models.ConsultationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.requests[req.ID] = &cp
	return nil
}

// GetConsultationRequest returns a request by ID.
func (s *InMemoryStore) GetConsultationRequest(ctx context.Context, id string) (*models.ConsultationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, models.ErrRequestNotFound
	}
	cp := *req
	return &cp, nil
}

// ListConsultationRequestsByPhone returns a customer's requests, newest first.
func (s *InMemoryStore) ListConsultationRequestsByPhone(ctx context.Context, phone string) ([]models.ConsultationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ConsultationRequest
	for _, req := range s.requests {
		if req.Phone == phone {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// TransitionRequest atomically moves a request between statuses.
func (s *InMemoryStore) TransitionRequest(ctx context.Context, id string, from []models.RequestStatus, to models.RequestStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return false, models.ErrRequestNotFound
	}
	matched := false
	for _, f := range from {
		if req.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	req.Status = to
	req.UpdatedAt = at
	switch to {
	case models.RequestStatusContacted:
		t := at
		req.ContactedAt = &t
	case models.RequestStatusCompleted:
		t := at
		req.CompletedAt = &t
	}
	return true, nil
}

// CreateExpertProfile persists a new expert profile.
func (s *InMemoryStore) CreateExpertProfile(ctx context.Context, e *models.ExpertProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.Regions = append([]models.Region(nil), e.Regions...)
	s.experts[e.ID] = &cp
	return nil
}

// GetExpertProfile returns an expert by ID.
func (s *InMemoryStore) GetExpertProfile(ctx context.Context, id string) (*models.ExpertProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.experts[id]
	if !ok {
		return nil, models.ErrExpertNotFound
	}
	cp := *e
	cp.Regions = append([]models.Region(nil), e.Regions...)
	return &cp, nil
}

// ListReceivingExperts returns verified, receiving experts in the category.
func (s *InMemoryStore) ListReceivingExperts(ctx context.Context, categoryID int64) ([]models.ExpertProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ExpertProfile
	for _, e := range s.experts {
		if e.CategoryID == categoryID && e.Status == models.ExpertStatusVerified && e.ReceivingRequests {
			cp := *e
			cp.Regions = append([]models.Region(nil), e.Regions...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetExpertReceiving updates the receiving flag.
func (s *InMemoryStore) SetExpertReceiving(ctx context.Context, id string, receiving bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.experts[id]
	if !ok {
		return models.ErrExpertNotFound
	}
	e.ReceivingRequests = receiving
	e.UpdatedAt = time.Now()
	return nil
}

// CreateMatch inserts a match; duplicates of the (request, expert) pair are a no-op.
func (s *InMemoryStore) CreateMatch(ctx context.Context, m *models.ConsultationMatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(m.RequestID, m.ExpertID)
	if _, exists := s.matchByPair[key]; exists {
		return false, nil
	}
	cp := *m
	s.matches[m.ID] = &cp
	s.matchByPair[key] = m.ID
	return true, nil
}

// GetMatch returns a match by ID.
func (s *InMemoryStore) GetMatch(ctx context.Context, id string) (*models.ConsultationMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, models.ErrMatchNotFound
	}
	cp := *m
	return &cp, nil
}

// ListMatchesByRequest returns all matches for a request, oldest first.
func (s *InMemoryStore) ListMatchesByRequest(ctx context.Context, requestID string) ([]models.ConsultationMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ConsultationMatch
	for _, m := range s.matches {
		if m.RequestID == requestID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ListMatchesByExpert returns all matches for an expert, newest first.
func (s *InMemoryStore) ListMatchesByExpert(ctx context.Context, expertID string) ([]models.ConsultationMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ConsultationMatch
	for _, m := range s.matches {
		if m.ExpertID == expertID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ReplyMatch records an expert reply; see Store for the exact semantics.
func (s *InMemoryStore) ReplyMatch(ctx context.Context, id, message, availableTime string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return false, models.ErrMatchNotFound
	}
	if message != "" {
		m.ExpertMessage = message
	}
	if availableTime != "" {
		m.AvailableTime = availableTime
	}
	if m.State != models.MatchStatePending {
		return false, nil
	}
	m.State = models.MatchStateReplied
	t := at
	m.RepliedAt = &t
	return true, nil
}

// TransitionMatch atomically moves a match between states.
func (s *InMemoryStore) TransitionMatch(ctx context.Context, id string, from, to models.MatchState, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return false, models.ErrMatchNotFound
	}
	if m.State != from {
		return false, nil
	}
	m.State = to
	t := at
	switch to {
	case models.MatchStateReplied:
		m.RepliedAt = &t
	case models.MatchStateConnected:
		m.ConnectedAt = &t
	case models.MatchStateCompleted:
		m.CompletedAt = &t
	}
	return true, nil
}

// AddNotification stores an in-app notification row.
func (s *InMemoryStore) AddNotification(ctx context.Context, n models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	return nil
}

// ListNotifications returns a recipient's notifications, newest first.
func (s *InMemoryStore) ListNotifications(ctx context.Context, recipientID string) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Notification
	for _, n := range s.notifications {
		if n.RecipientID == recipientID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
