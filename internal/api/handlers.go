// Package api provides HTTP handlers for consultflow endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dungji-market/consultflow/internal/lifecycle"
	"github.com/dungji-market/consultflow/internal/models"
)

// submitConsultationRequest is the POST /consultations body. Answers are keyed
// by step number; Content is used directly when no answers are given.
type submitConsultationRequest struct {
	CategoryID int64             `json:"category_id"`
	Name       string            `json:"name"`
	Phone      string            `json:"phone"`
	Email      string            `json:"email,omitempty"`
	Region     string            `json:"region,omitempty"`
	Answers    map[string]string `json:"answers,omitempty"`
	Content    string            `json:"content,omitempty"`
}

// submitConsultationResult is the POST /consultations result payload.
type submitConsultationResult struct {
	RequestID      string `json:"request_id"`
	MatchesCreated int    `json:"matches_created"`
}

func (s *Server) submitConsultationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.submitConsultationHandler: processing submission", "method", r.Method, "path", r.URL.Path)

	var body submitConsultationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		slog.Warn("Server.submitConsultationHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(body.Phone) == "" {
		writeErrorResponse(w, models.ErrEmptyCustomerPhone)
		return
	}

	answers, err := parseAnswers(body.Answers)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	content := strings.TrimSpace(body.Content)
	if len(answers) > 0 {
		g, err := s.flows.Get(r.Context(), body.CategoryID)
		if err != nil {
			writeErrorResponse(w, err)
			return
		}
		if err := g.ValidateSubmission(answers); err != nil {
			slog.Warn("Server.submitConsultationHandler: answer validation failed", "error", err, "categoryID", body.CategoryID)
			writeErrorResponse(w, err)
			return
		}
		content = g.ComposeContent(answers)
	}
	if content == "" {
		writeErrorResponse(w, models.ErrEmptyContent)
		return
	}
	if utf8.RuneCountInString(content) > models.MaxContentLength {
		writeErrorResponse(w, models.ErrContentTooLong)
		return
	}

	now := time.Now()
	req := &models.ConsultationRequest{
		ID:         uuid.NewString(),
		CategoryID: body.CategoryID,
		Name:       strings.TrimSpace(body.Name),
		Phone:      strings.TrimSpace(body.Phone),
		Email:      strings.TrimSpace(body.Email),
		Region:     strings.TrimSpace(body.Region),
		Content:    content,
		Status:     models.RequestStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// AI assistance is best-effort: a failure or timeout leaves the raw
	// content in place and the submission proceeds.
	if s.ai != nil {
		aiCtx, cancel := context.WithTimeout(r.Context(), summarizeTimeout)
		assist, err := s.ai.SummarizeConsultation(aiCtx, content, nil)
		cancel()
		if err != nil {
			slog.Warn("Server.submitConsultationHandler: AI assist failed, using raw content", "error", err)
		} else {
			req.AISummary = assist.Summary
			req.AIRecommendedTypes = assist.RecommendedTypes
		}
	}

	if err := s.st.CreateConsultationRequest(r.Context(), req); err != nil {
		slog.Error("Server.submitConsultationHandler: failed to store request", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to store consultation request"))
		return
	}

	created, err := s.matcher.CreateMatches(r.Context(), req)
	if err != nil {
		// The request is stored and the fan-out is idempotent; report the
		// partial result rather than failing the submission.
		slog.Error("Server.submitConsultationHandler: fan-out finished with error", "error", err, "requestID", req.ID)
	}

	slog.Info("Server.submitConsultationHandler: consultation submitted", "requestID", req.ID, "matches", created)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Consultation request submitted",
		submitConsultationResult{RequestID: req.ID, MatchesCreated: created}))
}

// parseAnswers converts JSON string-keyed answers to step-number keys.
func parseAnswers(raw map[string]string) (map[int]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	answers := make(map[int]string, len(raw))
	for k, v := range raw {
		n, err := strconv.Atoi(k)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid step number %q in answers", k)
		}
		answers[n] = v
	}
	return answers, nil
}

// aiAssistRequest is the POST /consultations/ai-assist body.
type aiAssistRequest struct {
	Content        string   `json:"content"`
	AvailableTypes []string `json:"available_types,omitempty"`
}

func (s *Server) aiAssistHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var body aiAssistRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		writeErrorResponse(w, models.ErrEmptyContent)
		return
	}
	if s.ai == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("AI assistance not configured"))
		return
	}

	aiCtx, cancel := context.WithTimeout(r.Context(), summarizeTimeout)
	defer cancel()
	assist, err := s.ai.SummarizeConsultation(aiCtx, body.Content, body.AvailableTypes)
	if err != nil {
		slog.Error("Server.aiAssistHandler: summarization failed", "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("AI assistance failed"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(assist))
}

func (s *Server) listConsultationsHandler(w http.ResponseWriter, r *http.Request) {
	phone := strings.TrimSpace(r.URL.Query().Get("phone"))
	if phone == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required query parameter: phone"))
		return
	}
	requests, err := s.st.ListConsultationRequestsByPhone(r.Context(), phone)
	if err != nil {
		slog.Error("Server.listConsultationsHandler: failed to list requests", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list consultation requests"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(requests))
}

// consultationDetail is the GET /consultations/{id} result payload.
type consultationDetail struct {
	Request      models.ConsultationRequest `json:"request"`
	Matches      []lifecycle.MatchView      `json:"matches"`
	RepliedCount int                        `json:"replied_count"`
}

func (s *Server) getConsultationHandler(w http.ResponseWriter, r *http.Request) {
	req, err := s.st.GetConsultationRequest(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	views, replied, err := s.customerMatchViews(r.Context(), req.ID, models.MatchStatePending)
	if err != nil {
		slog.Error("Server.getConsultationHandler: failed to build match views", "error", err, "requestID", req.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load matches"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(consultationDetail{
		Request:      *req,
		Matches:      views,
		RepliedCount: replied,
	}))
}

func (s *Server) consultationExpertsHandler(w http.ResponseWriter, r *http.Request) {
	req, err := s.st.GetConsultationRequest(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	// Only matches the expert has acted on are shown on the expert list.
	views, _, err := s.customerMatchViews(r.Context(), req.ID, models.MatchStateReplied)
	if err != nil {
		slog.Error("Server.consultationExpertsHandler: failed to build match views", "error", err, "requestID", req.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load matches"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(views))
}

// customerMatchViews builds disclosure-gated views of a request's matches in
// at least the given state, returning the views and the replied-or-later count.
func (s *Server) customerMatchViews(ctx context.Context, requestID string, minState models.MatchState) ([]lifecycle.MatchView, int, error) {
	matches, err := s.st.ListMatchesByRequest(ctx, requestID)
	if err != nil {
		return nil, 0, err
	}
	replied := 0
	views := make([]lifecycle.MatchView, 0, len(matches))
	for i := range matches {
		if matches[i].State.AtLeast(models.MatchStateReplied) {
			replied++
		}
		if !matches[i].State.AtLeast(minState) {
			continue
		}
		expert, err := s.st.GetExpertProfile(ctx, matches[i].ExpertID)
		if err != nil {
			return nil, 0, err
		}
		views = append(views, lifecycle.CustomerView(&matches[i], expert))
	}
	return views, replied, nil
}

func (s *Server) connectExpertHandler(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")
	expertID := r.PathValue("expertID")

	matches, err := s.st.ListMatchesByRequest(r.Context(), requestID)
	if err != nil {
		slog.Error("Server.connectExpertHandler: failed to list matches", "error", err, "requestID", requestID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load matches"))
		return
	}
	var target *models.ConsultationMatch
	for i := range matches {
		if matches[i].ExpertID == expertID {
			target = &matches[i]
			break
		}
	}
	if target == nil {
		writeErrorResponse(w, models.ErrMatchNotFound)
		return
	}

	match, err := s.lifecycle.Connect(r.Context(), target.ID)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	expert, err := s.st.GetExpertProfile(r.Context(), match.ExpertID)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Expert connected",
		lifecycle.CustomerView(match, expert)))
}

func (s *Server) completeConsultationHandler(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")
	matches, err := s.st.ListMatchesByRequest(r.Context(), requestID)
	if err != nil {
		slog.Error("Server.completeConsultationHandler: failed to list matches", "error", err, "requestID", requestID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load matches"))
		return
	}

	// Completing a consultation concludes the connected engagement, if any,
	// and then the request itself.
	for i := range matches {
		if matches[i].State == models.MatchStateConnected {
			if _, err := s.lifecycle.Complete(r.Context(), matches[i].ID); err != nil {
				writeErrorResponse(w, err)
				return
			}
		}
	}
	req, err := s.lifecycle.CompleteRequest(r.Context(), requestID)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Consultation completed", req))
}

func (s *Server) cancelConsultationHandler(w http.ResponseWriter, r *http.Request) {
	req, err := s.lifecycle.CancelRequest(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Consultation cancelled", req))
}

// updateStatusRequest is the POST /consultations/{id}/status body.
type updateStatusRequest struct {
	Status models.RequestStatus `json:"status"`
}

func (s *Server) updateConsultationStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var body updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	requestID := r.PathValue("id")
	var (
		req *models.ConsultationRequest
		err error
	)
	switch body.Status {
	case models.RequestStatusContacted:
		req, err = s.lifecycle.MarkContacted(r.Context(), requestID)
	case models.RequestStatusCompleted:
		req, err = s.lifecycle.CompleteRequest(r.Context(), requestID)
	case models.RequestStatusCancelled:
		req, err = s.lifecycle.CancelRequest(r.Context(), requestID)
	default:
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unsupported status transition: "+string(body.Status)))
		return
	}
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Status updated", req))
}

func (s *Server) categoryFlowHandler(w http.ResponseWriter, r *http.Request) {
	categoryID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid category ID"))
		return
	}
	g, err := s.flows.Get(r.Context(), categoryID)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(g.Steps()))
}

// visibleStepsRequest is the POST /categories/{id}/flow/visible body.
type visibleStepsRequest struct {
	Answers map[string]string `json:"answers"`
}

func (s *Server) visibleStepsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	categoryID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid category ID"))
		return
	}
	var body visibleStepsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	answers, err := parseAnswers(body.Answers)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	g, err := s.flows.Get(r.Context(), categoryID)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(g.VisibleSteps(answers)))
}

func (s *Server) listNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	recipientID := strings.TrimSpace(r.URL.Query().Get("recipient_id"))
	if recipientID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required query parameter: recipient_id"))
		return
	}
	notifications, err := s.st.ListNotifications(r.Context(), recipientID)
	if err != nil {
		slog.Error("Server.listNotificationsHandler: failed to list notifications", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list notifications"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(notifications))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}
