// Package store provides storage backends for consultflow.
//
// This file implements the SQLite-backed store, used for single-node
// deployments and local development.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/dungji-market/consultflow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store on top of SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store based on provided options. The
// database file's parent directory is created if missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: creating SQLite store", "dsn", cfg.DSN)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	if dir := filepath.Dir(dsn); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("Failed to create SQLite state directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite database", "error", err, "dsn", dsn)
		return nil, err
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY under
	// concurrent match creation.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")
	return &SQLiteStore{db: db}, nil
}

// FlowSteps returns every step (with options) defined for a category.
func (s *SQLiteStore) FlowSteps(ctx context.Context, categoryID int64) ([]models.FlowStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category_id, step_number, question, required, depends_on_step, depends_on_options,
		       order_index, active, created_at, updated_at
		FROM flow_steps WHERE category_id = ?
		ORDER BY step_number, order_index, id`, categoryID)
	if err != nil {
		slog.Error("SQLiteStore.FlowSteps query failed", "error", err, "categoryID", categoryID)
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
		WHERE step_id IN (SELECT id FROM flow_steps WHERE category_id = ?)
		ORDER BY step_id, order_index, id`, categoryID)
	if err != nil {
		slog.Error("SQLiteStore.FlowSteps options query failed", "error", err, "categoryID", categoryID)
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
	return steps, nil
}

// CreateConsultationRequest persists a new request.
func (s *SQLiteStore) CreateConsultationRequest(ctx context.Context, req *models.ConsultationRequest) error {
	typesJSON, err := json.Marshal(req.AIRecommendedTypes)
	if err != nil {
		return fmt.Errorf("failed to marshal recommended types: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO consultation_requests
			(id, category_id, name, phone, email, region, content, ai_summary, ai_recommended_types, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.CategoryID, req.Name, req.Phone, req.Email, req.Region, req.Content,
		req.AISummary, string(typesJSON), string(req.Status), req.CreatedAt, req.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore.CreateConsultationRequest failed", "error", err, "id", req.ID)
		return fmt.Errorf("failed to insert consultation request %s: %w", req.ID, err)
	}
	return nil
}

// GetConsultationRequest returns a request by ID.
func (s *SQLiteStore) GetConsultationRequest(ctx context.Context, id string) (*models.ConsultationRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, category_id, name, phone, email, region, content, ai_summary, ai_recommended_types,
		       status, created_at, updated_at, contacted_at, completed_at
		FROM consultation_requests WHERE id = ?`, id)
	req, err := scanConsultationRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRequestNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore.GetConsultationRequest failed", "error", err, "id", id)
		return nil, err
	}
	return &req, nil
}

// ListConsultationRequestsByPhone returns a customer's requests, newest first.
func (s *SQLiteStore) ListConsultationRequestsByPhone(ctx context.Context, phone string) ([]models.ConsultationRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category_id, name, phone, email, region, content, ai_summary, ai_recommended_types,
		       status, created_at, updated_at, contacted_at, completed_at
		FROM consultation_requests WHERE phone = ? ORDER BY created_at DESC`, phone)
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
func (s *SQLiteStore) TransitionRequest(ctx context.Context, id string, from []models.RequestStatus, to models.RequestStatus, at time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	stamp := ""
	args := []interface{}{string(to), at}
	switch to {
	case models.RequestStatusContacted:
		stamp = ", contacted_at = ?"
		args = append(args, at)
	case models.RequestStatusCompleted:
		stamp = ", completed_at = ?"
		args = append(args, at)
	}
	args = append(args, id)
	placeholders := make([]string, len(from))
	for i, f := range from {
		placeholders[i] = "?"
		args = append(args, string(f))
	}
	query := fmt.Sprintf(`UPDATE consultation_requests SET status = ?, updated_at = ?%s WHERE id = ? AND status IN (%s)`,
		stamp, strings.Join(placeholders, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		slog.Error("SQLiteStore.TransitionRequest failed", "error", err, "id", id, "to", to)
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
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM consultation_requests WHERE id = ?`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, models.ErrRequestNotFound
		}
		return false, err
	}
	return false, nil
}

// CreateExpertProfile persists a new expert profile.
func (s *SQLiteStore) CreateExpertProfile(ctx context.Context, e *models.ExpertProfile) error {
	regionsJSON, err := json.Marshal(e.Regions)
	if err != nil {
		return fmt.Errorf("failed to marshal regions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO expert_profiles
			(id, category_id, name, business_name, regions, contact_phone, contact_email, tagline, introduction, status, receiving_requests, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CategoryID, e.Name, e.BusinessName, string(regionsJSON), e.ContactPhone, e.ContactEmail,
		e.Tagline, e.Introduction, string(e.Status), e.ReceivingRequests, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore.CreateExpertProfile failed", "error", err, "id", e.ID)
		return fmt.Errorf("failed to insert expert profile %s: %w", e.ID, err)
	}
	return nil
}

// GetExpertProfile returns an expert by ID.
func (s *SQLiteStore) GetExpertProfile(ctx context.Context, id string) (*models.ExpertProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, category_id, name, business_name, regions, contact_phone, contact_email, tagline,
		       introduction, status, receiving_requests, created_at, updated_at
		FROM expert_profiles WHERE id = ?`, id)
	e, err := scanExpertProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrExpertNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore.GetExpertProfile failed", "error", err, "id", id)
		return nil, err
	}
	return &e, nil
}

// ListReceivingExperts returns verified, receiving experts in the category.
func (s *SQLiteStore) ListReceivingExperts(ctx context.Context, categoryID int64) ([]models.ExpertProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category_id, name, business_name, regions, contact_phone, contact_email, tagline,
		       introduction, status, receiving_requests, created_at, updated_at
		FROM expert_profiles
		WHERE category_id = ? AND status = 'verified' AND receiving_requests = 1
		ORDER BY id`, categoryID)
	if err != nil {
		slog.Error("SQLiteStore.ListReceivingExperts query failed", "error", err, "categoryID", categoryID)
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
func (s *SQLiteStore) SetExpertReceiving(ctx context.Context, id string, receiving bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE expert_profiles SET receiving_requests = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, receiving, id)
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
func (s *SQLiteStore) CreateMatch(ctx context.Context, m *models.ConsultationMatch) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO consultation_matches (id, request_id, expert_id, state, expert_message, available_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (request_id, expert_id) DO NOTHING`,
		m.ID, m.RequestID, m.ExpertID, string(m.State), m.ExpertMessage, m.AvailableTime, m.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore.CreateMatch failed", "error", err, "requestID", m.RequestID, "expertID", m.ExpertID)
		return false, fmt.Errorf("failed to insert match: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetMatch returns a match by ID.
func (s *SQLiteStore) GetMatch(ctx context.Context, id string) (*models.ConsultationMatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, request_id, expert_id, state, expert_message, available_time, created_at, replied_at, connected_at, completed_at
		FROM consultation_matches WHERE id = ?`, id)
	m, err := scanConsultationMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrMatchNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore.GetMatch failed", "error", err, "id", id)
		return nil, err
	}
	return &m, nil
}

// ListMatchesByRequest returns all matches for a request, oldest first.
func (s *SQLiteStore) ListMatchesByRequest(ctx context.Context, requestID string) ([]models.ConsultationMatch, error) {
	return s.listMatches(ctx, `
		SELECT id, request_id, expert_id, state, expert_message, available_time, created_at, replied_at, connected_at, completed_at
		FROM consultation_matches WHERE request_id = ? ORDER BY created_at, id`, requestID)
}

// ListMatchesByExpert returns all matches for an expert, newest first.
func (s *SQLiteStore) ListMatchesByExpert(ctx context.Context, expertID string) ([]models.ConsultationMatch, error) {
	return s.listMatches(ctx, `
		SELECT id, request_id, expert_id, state, expert_message, available_time, created_at, replied_at, connected_at, completed_at
		FROM consultation_matches WHERE expert_id = ? ORDER BY created_at DESC, id DESC`, expertID)
}

func (s *SQLiteStore) listMatches(ctx context.Context, query, arg string) ([]models.ConsultationMatch, error) {
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
func (s *SQLiteStore) ReplyMatch(ctx context.Context, id, message, availableTime string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE consultation_matches
		SET state = 'replied',
		    expert_message = CASE WHEN ? != '' THEN ? ELSE expert_message END,
		    available_time = CASE WHEN ? != '' THEN ? ELSE available_time END,
		    replied_at = ?
		WHERE id = ? AND state = 'pending'`,
		message, message, availableTime, availableTime, at, id)
	if err != nil {
		slog.Error("SQLiteStore.ReplyMatch failed", "error", err, "id", id)
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
		SET expert_message = CASE WHEN ? != '' THEN ? ELSE expert_message END,
		    available_time = CASE WHEN ? != '' THEN ? ELSE available_time END
		WHERE id = ?`,
		message, message, availableTime, availableTime, id)
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
func (s *SQLiteStore) TransitionMatch(ctx context.Context, id string, from, to models.MatchState, at time.Time) (bool, error) {
	stamp := ""
	args := []interface{}{string(to)}
	switch to {
	case models.MatchStateReplied:
		stamp = ", replied_at = ?"
		args = append(args, at)
	case models.MatchStateConnected:
		stamp = ", connected_at = ?"
		args = append(args, at)
	case models.MatchStateCompleted:
		stamp = ", completed_at = ?"
		args = append(args, at)
	}
	args = append(args, id, string(from))
	query := fmt.Sprintf(`UPDATE consultation_matches SET state = ?%s WHERE id = ? AND state = ?`, stamp)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		slog.Error("SQLiteStore.TransitionMatch failed", "error", err, "id", id, "from", from, "to", to)
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
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM consultation_matches WHERE id = ?`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, models.ErrMatchNotFound
		}
		return false, err
	}
	return false, nil
}

// AddNotification stores an in-app notification row.
func (s *SQLiteStore) AddNotification(ctx context.Context, n models.Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, kind, message, item_type, item_id, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.RecipientID, n.Kind, n.Message, n.ItemType, n.ItemID, n.Read, n.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore.AddNotification failed", "error", err, "recipientID", n.RecipientID)
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns a recipient's notifications, newest first.
func (s *SQLiteStore) ListNotifications(ctx context.Context, recipientID string) ([]models.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_id, kind, message, item_type, item_id, read, created_at
		FROM notifications WHERE recipient_id = ? ORDER BY created_at DESC`, recipientID)
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
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
