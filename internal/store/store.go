// Package store provides storage backends for consultflow.
//
// It defines the Store interface consumed by the matching and lifecycle engines
// and ships three implementations: PostgreSQL, SQLite, and an in-memory store
// used in tests. All backends enforce the (request, expert) uniqueness of
// consultation matches as a hard constraint and implement state transitions as
// atomic compare-and-set updates.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/dungji-market/consultflow/internal/models"
)

// DetectDSNType classifies a DSN as "postgres" or "sqlite". Postgres DSNs are
// URLs or key=value connection strings; anything else is treated as a SQLite
// file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Opts holds configuration options for store implementations.
type Opts struct {
	// DSN is the database connection string (Postgres URL or SQLite file path).
	DSN string
}

// Option defines a configuration option for store construction.
type Option func(*Opts)

// WithPostgresDSN sets the DSN for connecting to a Postgres database.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the DSN (file path) for the SQLite database.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// Store is the persistence boundary for the consultation core.
//
// Flow step/option definitions are authored by external administration and are
// read-only here. Matches are the only mutable shared resource requiring
// atomicity: CreateMatch must treat a duplicate (request, expert) pair as
// success with zero effect, and the transition methods must only apply when the
// stored state equals the expected prior state.
type Store interface {
	// FlowSteps returns every step (with its options) defined for a category,
	// including inactive rows; filtering is the flow graph's concern.
	FlowSteps(ctx context.Context, categoryID int64) ([]models.FlowStep, error)

	// CreateConsultationRequest persists a new request.
	CreateConsultationRequest(ctx context.Context, req *models.ConsultationRequest) error
	// GetConsultationRequest returns a request by ID, or models.ErrRequestNotFound.
	GetConsultationRequest(ctx context.Context, id string) (*models.ConsultationRequest, error)
	// ListConsultationRequestsByPhone returns a customer's requests, newest first.
	ListConsultationRequestsByPhone(ctx context.Context, phone string) ([]models.ConsultationRequest, error)
	// TransitionRequest atomically moves a request from one of the given states
	// to the target state, stamping contacted_at/completed_at as appropriate.
	// Returns false with a nil error when the stored status did not match.
	TransitionRequest(ctx context.Context, id string, from []models.RequestStatus, to models.RequestStatus, at time.Time) (bool, error)

	// CreateExpertProfile persists a new expert profile.
	CreateExpertProfile(ctx context.Context, e *models.ExpertProfile) error
	// GetExpertProfile returns an expert by ID, or models.ErrExpertNotFound.
	GetExpertProfile(ctx context.Context, id string) (*models.ExpertProfile, error)
	// ListReceivingExperts returns verified experts in the category that have
	// receiving enabled. Region filtering is the matching engine's concern.
	ListReceivingExperts(ctx context.Context, categoryID int64) ([]models.ExpertProfile, error)
	// SetExpertReceiving updates the receiving flag, or models.ErrExpertNotFound.
	SetExpertReceiving(ctx context.Context, id string, receiving bool) error

	// CreateMatch inserts a match in state pending. Returns false with a nil
	// error when a match for the same (request, expert) pair already exists.
	CreateMatch(ctx context.Context, m *models.ConsultationMatch) (bool, error)
	// GetMatch returns a match by ID, or models.ErrMatchNotFound.
	GetMatch(ctx context.Context, id string) (*models.ConsultationMatch, error)
	// ListMatchesByRequest returns all matches for a request, oldest first.
	ListMatchesByRequest(ctx context.Context, requestID string) ([]models.ConsultationMatch, error)
	// ListMatchesByExpert returns all matches for an expert, newest first.
	ListMatchesByExpert(ctx context.Context, expertID string) ([]models.ConsultationMatch, error)
	// ReplyMatch records an expert reply. When the match is still pending it
	// transitions to replied, stamps replied_at and returns true; otherwise it
	// updates the message/availability fields in place (blank values preserve
	// the stored ones) and returns false. Both paths are atomic.
	ReplyMatch(ctx context.Context, id, message, availableTime string, at time.Time) (bool, error)
	// TransitionMatch atomically moves a match from one state to another,
	// stamping connected_at/completed_at as appropriate. Returns false with a
	// nil error when the stored state did not match the expected prior state.
	TransitionMatch(ctx context.Context, id string, from, to models.MatchState, at time.Time) (bool, error)

	// AddNotification stores an in-app notification row.
	AddNotification(ctx context.Context, n models.Notification) error
	// ListNotifications returns a recipient's notifications, newest first.
	ListNotifications(ctx context.Context, recipientID string) ([]models.Notification, error)

	// Close releases underlying resources.
	Close() error
}
