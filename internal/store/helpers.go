package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dungji-market/consultflow/internal/models"
)

// rowScanner abstracts *sql.Row and *sql.Rows so the scan helpers serve both
// single-row and multi-row queries.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFlowStep(r rowScanner) (models.FlowStep, error) {
	var (
		step        models.FlowStep
		dependsOn   sql.NullInt64
		optionsJSON string
	)
	err := r.Scan(&step.ID, &step.CategoryID, &step.StepNumber, &step.Question, &step.Required,
		&dependsOn, &optionsJSON, &step.OrderIndex, &step.Active, &step.CreatedAt, &step.UpdatedAt)
	if err != nil {
		return models.FlowStep{}, fmt.Errorf("failed to scan flow step row: %w", err)
	}
	if dependsOn.Valid {
		step.DependsOnStep = int(dependsOn.Int64)
	}
	if optionsJSON != "" {
		if err := json.Unmarshal([]byte(optionsJSON), &step.DependsOnOptions); err != nil {
			return models.FlowStep{}, fmt.Errorf("failed to decode depends_on_options for step %d: %w", step.ID, err)
		}
	}
	return step, nil
}

func scanFlowOption(r rowScanner) (models.FlowOption, error) {
	var opt models.FlowOption
	err := r.Scan(&opt.ID, &opt.StepID, &opt.Key, &opt.Label, &opt.Icon, &opt.Description,
		&opt.CustomInput, &opt.OrderIndex, &opt.Active)
	if err != nil {
		return models.FlowOption{}, fmt.Errorf("failed to scan flow option row: %w", err)
	}
	return opt, nil
}

func scanConsultationRequest(r rowScanner) (models.ConsultationRequest, error) {
	var (
		req         models.ConsultationRequest
		typesJSON   string
		status      string
		contactedAt sql.NullTime
		completedAt sql.NullTime
	)
	err := r.Scan(&req.ID, &req.CategoryID, &req.Name, &req.Phone, &req.Email, &req.Region,
		&req.Content, &req.AISummary, &typesJSON, &status, &req.CreatedAt, &req.UpdatedAt,
		&contactedAt, &completedAt)
	if err != nil {
		return models.ConsultationRequest{}, err
	}
	req.Status = models.RequestStatus(status)
	if typesJSON != "" {
		if err := json.Unmarshal([]byte(typesJSON), &req.AIRecommendedTypes); err != nil {
			return models.ConsultationRequest{}, fmt.Errorf("failed to decode recommended types for request %s: %w", req.ID, err)
		}
	}
	if contactedAt.Valid {
		t := contactedAt.Time
		req.ContactedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		req.CompletedAt = &t
	}
	return req, nil
}

func scanExpertProfile(r rowScanner) (models.ExpertProfile, error) {
	var (
		e           models.ExpertProfile
		regionsJSON string
		status      string
	)
	err := r.Scan(&e.ID, &e.CategoryID, &e.Name, &e.BusinessName, &regionsJSON, &e.ContactPhone,
		&e.ContactEmail, &e.Tagline, &e.Introduction, &status, &e.ReceivingRequests,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return models.ExpertProfile{}, err
	}
	e.Status = models.ExpertStatus(status)
	if regionsJSON != "" {
		if err := json.Unmarshal([]byte(regionsJSON), &e.Regions); err != nil {
			return models.ExpertProfile{}, fmt.Errorf("failed to decode regions for expert %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func scanConsultationMatch(r rowScanner) (models.ConsultationMatch, error) {
	var (
		m           models.ConsultationMatch
		state       string
		repliedAt   sql.NullTime
		connectedAt sql.NullTime
		completedAt sql.NullTime
	)
	err := r.Scan(&m.ID, &m.RequestID, &m.ExpertID, &state, &m.ExpertMessage, &m.AvailableTime,
		&m.CreatedAt, &repliedAt, &connectedAt, &completedAt)
	if err != nil {
		return models.ConsultationMatch{}, err
	}
	m.State = models.MatchState(state)
	if repliedAt.Valid {
		t := repliedAt.Time
		m.RepliedAt = &t
	}
	if connectedAt.Valid {
		t := connectedAt.Time
		m.ConnectedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		m.CompletedAt = &t
	}
	return m, nil
}
