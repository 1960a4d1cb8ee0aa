// Package store provides storage backends for consultflow.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	"github.com/dungji-market/consultflow/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store on top of PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// FlowSteps returns every step (with options) defined for a category.
func (s *PostgresStore) FlowSteps(ctx context.Context, categoryID int64) ([]models.FlowStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category_id, step_number, question, required, depends_on_step, depends_on_options,
		       order_index, active, created_at, updated_at
		FROM flow_steps WHERE category_id = $1
		ORDER BY step_number, order_index, id`, categoryID)
	if err != nil {
		slog.Error("PostgresStore.FlowSteps query failed", "error", err, "categoryID", categoryID)
		return nil, fmt.Errorf("failed to query flow steps: %w", err)
	}
	defer rows.Close()

	var steps []models.FlowStep
	index := make(map[int64]int)
	for rows.Next() {
		step, err := scanFlowStep(rows)
		if err != nil {
			return nil, err
		}
		index[step.ID] = len(steps)
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow step rows: %w", err)
	}
	if len(steps) == 0 {
		return nil, nil
	}

	optRows, err := s.db.QueryContext(ctx, `
		SELECT id, step_id, key, label, icon, description, custom_input, order_index, active
		FROM flow_options
		WHERE step_id IN (SELECT id FROM flow_steps WHERE category_id = $1)
		ORDER BY step_id, order_index, id`, categoryID)
	if err != nil {
		slog.Error("PostgresStore.FlowSteps options query failed", "error", err, "categoryID", categoryID)
		return nil, fmt.Errorf("failed to query flow options: %w", err)
	}
	defer optRows.Close()
	for optRows.Next() {
		opt, err := scanFlowOption(optRows)
		if err != nil {
			return nil, err
		}
		if i, ok := index[opt.StepID]; ok {
			steps[i].Options = append(steps[i].Options, opt)
		}
	}
	if err := optRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow option rows: %w", err)
	}
	slog.Debug("PostgresStore.FlowSteps succeeded", "categoryID", categoryID, "count", len(steps))
	return steps, nil
}

// CreateConsultationRequest persists a new request.
func (s *PostgresStore) CreateConsultationRequest(ctx context.Context, req *models.ConsultationRequest) error {
	typesJSON, err := json.Marshal(req.AIRecommendedTypes)
	if err != nil {
		return fmt.Errorf("failed to marshal recommended types: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO consultation_requests
			(id, category_id, name, phone, email, region, content, ai_summary, ai_recommended_types, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		req.ID, req.CategoryID, req.Name, req.Phone, req.Email, req.Region, req.Content,
		req.AISummary, string(typesJSON), string(req.Status), req.CreatedAt, req.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.CreateConsultationRequest failed", "error", err, "id", req.ID)
		return fmt.Errorf("failed to insert consultation request %s: %w", req.ID, err)
	}
	slog.Debug("PostgresStore.CreateConsultationRequest succeeded", "id", req.ID)
	return nil
}

// GetConsultationRequest returns a request by ID.
func (s *PostgresStore) GetConsultationRequest(ctx context.Context, id string) (*models.ConsultationRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, category_id, name, phone, email, region, content, ai_summary, ai_recommended_types,
		       status, created_at, updated_at, contacted_at, completed_at
		FROM consultation_requests WHERE id = $1`, id)
	req, err := scanConsultationRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRequestNotFound
	}
	if err != nil {
		slog.Error("PostgresStore.GetConsultationRequest failed", "error", err, "id", id)
		return nil, err
	}
	return &req, nil
}

// ListConsultationRequestsByPhone returns a customer's requests, newest first.
func (s *PostgresStore) ListConsultationRequestsByPhone(ctx context.Context, phone string) ([]models.ConsultationRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category_id, name, phone, email, region, content, ai_summary, ai_recommended_types,
		       status, created_at, updated_at, contacted_at, completed_at
		FROM consultation_requests WHERE phone = $1 ORDER BY created_at DESC`, phone)
	if err != nil {
		return nil, fmt.Errorf("failed to query consultation requests: %w", err)
	}
	defer rows.Close()
	var out []models.ConsultationRequest
	for rows.Next() {
		req, err := scanConsultationRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// TransitionRequest atomically moves a request between statuses.
func (s *PostgresStore) TransitionRequest(ctx context.Context, id string, from []models.RequestStatus, to models.RequestStatus, at time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := []interface{}{id, string(to), at}
	placeholders := make([]string, len(from))
	for i, f := range from {
		placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
		args = append(args, string(f))
	}
	stamp := ""
	switch to {
	case models.RequestStatusContacted:
		stamp = ", contacted_at = $3"
	case models.RequestStatusCompleted:
		stamp = ", completed_at = $3"
	}
	query := fmt.Sprintf(`UPDATE consultation_requests SET status = $2, updated_at = $3%s WHERE id = $1 AND status IN (%s)`,
		stamp, strings.Join(placeholders, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		slog.Error("PostgresStore.TransitionRequest failed", "error", err, "id", id, "to", to)
		return false, fmt.Errorf("failed to transition request %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM consultation_requests WHERE id = $1`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, models.ErrRequestNotFound
		}
		return false, err
	}
	return false, nil
}

// CreateExpertProfile persists a new expert profile.
func (s *PostgresStore) CreateExpertProfile(ctx context.Context, e *models.ExpertProfile) error {
	regionsJSON, err := json.Marshal(e.Regions)
	if err != nil {
		return fmt.Errorf("failed to marshal regions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO expert_profiles
			(id, category_id, name, business_name, regions, contact_phone, contact_email, tagline, introduction, status, receiving_requests, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.CategoryID, e.Name, e.BusinessName, string(regionsJSON), e.ContactPhone, e.ContactEmail,
		e.Tagline, e.Introduction, string(e.Status), e.ReceivingRequests, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.CreateExpertProfile failed", "error", err, "id", e.ID)
		return fmt.Errorf("failed to insert expert profile %s: %w", e.ID, err)
	}
	return nil
}

// GetExpertProfile returns an expert by ID.
func (s *PostgresStore) GetExpertProfile(ctx context.Context, id string) (*models.ExpertProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, category_id, name, business_name, regions, contact_phone, contact_email, tagline,
		       introduction, status, receiving_requests, created_at, updated_at
		FROM expert_profiles WHERE id = $1`, id)
	e, err := scanExpertProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrExpertNotFound
	}
	if err != nil {
		slog.Error("PostgresStore.GetExpertProfile failed", "error", err, "id", id)
		return nil, err
	}
	return &e, nil
}

// ListReceivingExperts returns verified, receiving experts in the category.
func (s *PostgresStore) ListReceivingExperts(ctx context.Context, categoryID int64) ([]models.ExpertProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category_id, name, business_name, regions, contact_phone, contact_email, tagline,
		       introduction, status, receiving_requests, created_at, updated_at
		FROM expert_profiles
		WHERE category_id = $1 AND status = 'verified' AND receiving_requests = TRUE
		ORDER BY id`, categoryID)
	if err != nil {
		slog.Error("PostgresStore.ListReceivingExperts query failed", "error", err, "categoryID", categoryID)
		return nil, fmt.Errorf("failed to query experts: %w", err)
	}
	defer rows.Close()
	var out []models.ExpertProfile
	for rows.Next() {
		e, err := scanExpertProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetExpertReceiving updates the receiving flag.
func (s *PostgresStore) SetExpertReceiving(ctx context.Context, id string, receiving bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE expert_profiles SET receiving_requests = $2, updated_at = now() WHERE id = $1`, id, receiving)
	if err != nil {
		return fmt.Errorf("failed to update receiving flag for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrExpertNotFound
	}
	return nil
}

// CreateMatch inserts a match; a duplicate (request, expert) pair is a no-op.
// The unique constraint does the duplicate detection so concurrent submissions
// cannot race a check-then-insert.
func (s *PostgresStore) CreateMatch(ctx context.Context, m *models.ConsultationMatch) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO consultation_matches (id, request_id, expert_id, state, expert_message, available_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (request_id, expert_id) DO NOTHING`,
		m.ID, m.RequestID, m.ExpertID, string(m.State), m.ExpertMessage, m.AvailableTime, m.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore.CreateMatch failed", "error", err, "requestID", m.RequestID, "expertID", m.ExpertID)
		return false, fmt.Errorf("failed to insert match: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	created := n > 0
	slog.Debug("PostgresStore.CreateMatch", "requestID", m.RequestID, "expertID", m.ExpertID, "created", created)
	return created, nil
}

// GetMatch returns a match by ID.
func (s *PostgresStore) GetMatch(ctx context.Context, id string) (*models.ConsultationMatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, request_id, expert_id, state, expert_message, available_time, created_at, replied_at, connected_at, completed_at
		FROM consultation_matches WHERE id = $1`, id)
	m, err := scanConsultationMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrMatchNotFound
	}
	if err != nil {
		slog.Error("PostgresStore.GetMatch failed", "error", err, "id", id)
		return nil, err
	}
	return &m, nil
}

// ListMatchesByRequest returns all matches for a request, oldest first.
func (s *PostgresStore) ListMatchesByRequest(ctx context.Context, requestID string) ([]models.ConsultationMatch, error) {
	return s.listMatches(ctx, `
		SELECT id, request_id, expert_id, state, expert_message, available_time, created_at, replied_at, connected_at, completed_at
		FROM consultation_matches WHERE request_id = $1 ORDER BY created_at, id`, requestID)
}

// ListMatchesByExpert returns all matches for an expert, newest first.
func (s *PostgresStore) ListMatchesByExpert(ctx context.Context, expertID string) ([]models.ConsultationMatch, error) {
	return s.listMatches(ctx, `
		SELECT id, request_id, expert_id, state, expert_message, available_time, created_at, replied_at, connected_at, completed_at
		FROM consultation_matches WHERE expert_id = $1 ORDER BY created_at DESC, id DESC`, expertID)
}

func (s *PostgresStore) listMatches(ctx context.Context, query, arg string) ([]models.ConsultationMatch, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query matches: %w", err)
	}
	defer rows.Close()
	var out []models.ConsultationMatch
	for rows.Next() {
		m, err := scanConsultationMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReplyMatch records an expert reply; see Store for the exact semantics.
// The pending->replied path is a single conditional UPDATE so two concurrent
// replies produce exactly one replied_at stamp.
func (s *PostgresStore) ReplyMatch(ctx context.Context, id, message, availableTime string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE consultation_matches
		SET state = 'replied',
		    expert_message = COALESCE(NULLIF($2, ''), expert_message),
		    available_time = COALESCE(NULLIF($3, ''), available_time),
		    replied_at = $4
		WHERE id = $1 AND state = 'pending'`, id, message, availableTime, at)
	if err != nil {
		slog.Error("PostgresStore.ReplyMatch failed", "error", err, "id", id)
		return false, fmt.Errorf("failed to reply to match %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	res, err = s.db.ExecContext(ctx, `
		UPDATE consultation_matches
		SET expert_message = COALESCE(NULLIF($2, ''), expert_message),
		    available_time = COALESCE(NULLIF($3, ''), available_time)
		WHERE id = $1`, id, message, availableTime)
	if err != nil {
		return false, fmt.Errorf("failed to update reply for match %s: %w", id, err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, models.ErrMatchNotFound
	}
	return false, nil
}

// TransitionMatch atomically moves a match between states.
func (s *PostgresStore) TransitionMatch(ctx context.Context, id string, from, to models.MatchState, at time.Time) (bool, error) {
	stamp := ""
	switch to {
	case models.MatchStateReplied:
		stamp = ", replied_at = $4"
	case models.MatchStateConnected:
		stamp = ", connected_at = $4"
	case models.MatchStateCompleted:
		stamp = ", completed_at = $4"
	}
	query := fmt.Sprintf(`UPDATE consultation_matches SET state = $3%s WHERE id = $1 AND state = $2`, stamp)
	args := []interface{}{id, string(from), string(to)}
	if stamp != "" {
		args = append(args, at)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		slog.Error("PostgresStore.TransitionMatch failed", "error", err, "id", id, "from", from, "to", to)
		return false, fmt.Errorf("failed to transition match %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM consultation_matches WHERE id = $1`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, models.ErrMatchNotFound
		}
		return false, err
	}
	return false, nil
}

// AddNotification stores an in-app notification row.
func (s *PostgresStore) AddNotification(ctx context.Context, n models.Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, kind, message, item_type, item_id, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.RecipientID, n.Kind, n.Message, n.ItemType, n.ItemID, n.Read, n.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore.AddNotification failed", "error", err, "recipientID", n.RecipientID)
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns a recipient's notifications, newest first.
func (s *PostgresStore) ListNotifications(ctx context.Context, recipientID string) ([]models.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_id, kind, message, item_type, item_id, read, created_at
		FROM notifications WHERE recipient_id = $1 ORDER BY created_at DESC`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()
	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Kind, &n.Message, &n.ItemType, &n.ItemID, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification row: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
