package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dungji-market/consultflow/internal/lifecycle"
	"github.com/dungji-market/consultflow/internal/models"
)

// createExpertRequest is the POST /experts body. Verification is managed by
// external administration; a status may be supplied, defaulting to verified.
type createExpertRequest struct {
	CategoryID   int64               `json:"category_id"`
	Name         string              `json:"name"`
	BusinessName string              `json:"business_name,omitempty"`
	Regions      []models.Region     `json:"regions,omitempty"`
	ContactPhone string              `json:"contact_phone"`
	ContactEmail string              `json:"contact_email,omitempty"`
	Tagline      string              `json:"tagline,omitempty"`
	Introduction string              `json:"introduction,omitempty"`
	Status       models.ExpertStatus `json:"status,omitempty"`
}

func (s *Server) createExpertHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var body createExpertRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: name"))
		return
	}
	if body.CategoryID <= 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: category_id"))
		return
	}
	if strings.TrimSpace(body.ContactPhone) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: contact_phone"))
		return
	}
	status := body.Status
	if status == "" {
		status = models.ExpertStatusVerified
	}
	switch status {
	case models.ExpertStatusPending, models.ExpertStatusVerified, models.ExpertStatusRejected, models.ExpertStatusSuspended:
	default:
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid expert status: "+string(status)))
		return
	}

	now := time.Now()
	expert := &models.ExpertProfile{
		ID:                uuid.NewString(),
		CategoryID:        body.CategoryID,
		Name:              strings.TrimSpace(body.Name),
		BusinessName:      strings.TrimSpace(body.BusinessName),
		Regions:           body.Regions,
		ContactPhone:      strings.TrimSpace(body.ContactPhone),
		ContactEmail:      strings.TrimSpace(body.ContactEmail),
		Tagline:           body.Tagline,
		Introduction:      body.Introduction,
		Status:            status,
		ReceivingRequests: true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.st.CreateExpertProfile(r.Context(), expert); err != nil {
		slog.Error("Server.createExpertHandler: failed to store expert", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to store expert profile"))
		return
	}
	slog.Info("Server.createExpertHandler: expert registered", "expertID", expert.ID, "categoryID", expert.CategoryID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Expert profile created", expert))
}

func (s *Server) getExpertHandler(w http.ResponseWriter, r *http.Request) {
	expert, err := s.st.GetExpertProfile(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(expert))
}

// setReceivingRequest is the PATCH /experts/{id}/receiving body.
type setReceivingRequest struct {
	Receiving bool `json:"receiving"`
}

func (s *Server) setExpertReceivingHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var body setReceivingRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	expertID := r.PathValue("id")
	if err := s.st.SetExpertReceiving(r.Context(), expertID, body.Receiving); err != nil {
		writeErrorResponse(w, err)
		return
	}
	slog.Info("Server.setExpertReceivingHandler: receiving flag updated", "expertID", expertID, "receiving", body.Receiving)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Receiving flag updated", nil))
}

// expertInbox is the GET /experts/{id}/requests result payload: the expert's
// matches grouped by state, each with the disclosure-gated request card.
type expertInbox struct {
	Pending   []lifecycle.MatchView `json:"pending"`
	Replied   []lifecycle.MatchView `json:"replied"`
	Connected []lifecycle.MatchView `json:"connected"`
	Completed []lifecycle.MatchView `json:"completed"`
	Counts    map[string]int        `json:"counts"`
}

func (s *Server) expertInboxHandler(w http.ResponseWriter, r *http.Request) {
	expertID := r.PathValue("id")
	if _, err := s.st.GetExpertProfile(r.Context(), expertID); err != nil {
		writeErrorResponse(w, err)
		return
	}
	matches, err := s.st.ListMatchesByExpert(r.Context(), expertID)
	if err != nil {
		slog.Error("Server.expertInboxHandler: failed to list matches", "error", err, "expertID", expertID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load matches"))
		return
	}

	cutoff := time.Now().Add(-s.pendingWindow)
	inbox := expertInbox{Counts: make(map[string]int)}
	for i := range matches {
		match := &matches[i]
		// Stale pending matches drop out of the inbox; they stay in storage
		// and the expert can still reply through the match endpoint.
		if match.State == models.MatchStatePending && match.CreatedAt.Before(cutoff) {
			continue
		}
		req, err := s.st.GetConsultationRequest(r.Context(), match.RequestID)
		if err != nil {
			slog.Error("Server.expertInboxHandler: failed to load request", "error", err, "matchID", match.ID)
			continue
		}
		view := lifecycle.ExpertView(match, req)
		inbox.Counts[string(match.State)]++
		switch match.State {
		case models.MatchStatePending:
			inbox.Pending = append(inbox.Pending, view)
		case models.MatchStateReplied:
			inbox.Replied = append(inbox.Replied, view)
		case models.MatchStateConnected:
			inbox.Connected = append(inbox.Connected, view)
		case models.MatchStateCompleted:
			inbox.Completed = append(inbox.Completed, view)
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(inbox))
}

// replyMatchRequest is the POST /matches/{id}/reply body.
type replyMatchRequest struct {
	Message       string `json:"message"`
	AvailableTime string `json:"available_time,omitempty"`
}

func (s *Server) replyMatchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var body replyMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: message"))
		return
	}
	match, err := s.lifecycle.Reply(r.Context(), r.PathValue("id"), body.Message, body.AvailableTime)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Reply recorded", match))
}

func (s *Server) completeMatchHandler(w http.ResponseWriter, r *http.Request) {
	match, err := s.lifecycle.Complete(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Match completed", match))
}
