// Package models defines the core data structures for consultflow.
//
// It includes the consultation request, expert profile, match, and notification
// types shared across modules, together with the sentinel errors used to classify
// validation and state failures.
package models

import (
	"errors"
	"time"
)

// Validation constants for input validation
const (
	// MaxContentLength defines the maximum allowed length for consultation content
	MaxContentLength = 4096
	// MaxExpertMessageLength defines the maximum allowed length for an expert reply message
	MaxExpertMessageLength = 2000
	// MaxAvailableTimeLength defines the maximum allowed length for the stated availability
	MaxAvailableTimeLength = 200
)

// Validation errors: caused by malformed client input, always recoverable by the
// caller correcting its input. Never logged as system faults.
var (
	ErrInvalidCategory     = errors.New("unknown consultation category")
	ErrMissingRequiredStep = errors.New("required step has no answer")
	ErrUnknownOption       = errors.New("answer is not one of the step's options")
	ErrEmptyCustomInput    = errors.New("custom input selected but no text provided")
	ErrEmptyContent        = errors.New("consultation content is empty")
	ErrContentTooLong      = errors.New("consultation content exceeds maximum length")
	ErrEmptyCustomerPhone  = errors.New("customer phone cannot be empty")
)

// State errors: caused by acting on a missing entity or a match in the wrong
// state. Recoverable by re-fetching current state.
var (
	ErrMatchNotFound     = errors.New("consultation match not found")
	ErrRequestNotFound   = errors.New("consultation request not found")
	ErrExpertNotFound    = errors.New("expert profile not found")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// RequestStatus represents the lifecycle status of a consultation request.
type RequestStatus string

const (
	// RequestStatusPending indicates the request is awaiting contact.
	RequestStatusPending RequestStatus = "pending"
	// RequestStatusContacted indicates the customer has been contacted.
	RequestStatusContacted RequestStatus = "contacted"
	// RequestStatusCompleted indicates the consultation concluded.
	RequestStatusCompleted RequestStatus = "completed"
	// RequestStatusCancelled indicates the request was cancelled. Terminal.
	RequestStatusCancelled RequestStatus = "cancelled"
)

// IsValidRequestStatus checks if the given request status is supported.
func IsValidRequestStatus(s RequestStatus) bool {
	switch s {
	case RequestStatusPending, RequestStatusContacted, RequestStatusCompleted, RequestStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further request transitions are allowed.
func (s RequestStatus) Terminal() bool {
	return s == RequestStatusCompleted || s == RequestStatusCancelled
}

// ConsultationRequest is one customer submission.
//
// Name, Phone and Email are the customer's personal contact fields and are
// disclosure-gated: they must never appear in an expert-facing projection until
// the expert's match has reached the connected state.
type ConsultationRequest struct {
	ID                 string        `json:"id"`
	CategoryID         int64         `json:"category_id"`
	Name               string        `json:"name"`
	Phone              string        `json:"phone"`
	Email              string        `json:"email,omitempty"`
	Region             string        `json:"region,omitempty"`
	Content            string        `json:"content"`
	AISummary          string        `json:"ai_summary,omitempty"`
	AIRecommendedTypes []string      `json:"ai_recommended_types,omitempty"`
	Status             RequestStatus `json:"status"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	ContactedAt        *time.Time    `json:"contacted_at,omitempty"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
}

// ExpertStatus represents the verification status of an expert profile.
// Only verified experts are eligible for matching; the other values are
// managed by external administration and opaque to this core.
type ExpertStatus string

const (
	ExpertStatusPending   ExpertStatus = "pending"
	ExpertStatusVerified  ExpertStatus = "verified"
	ExpertStatusRejected  ExpertStatus = "rejected"
	ExpertStatusSuspended ExpertStatus = "suspended"
)

// Region is one service area an expert covers.
type Region struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	FullName string `json:"full_name,omitempty"`
}

// ExpertProfile is one service provider.
//
// ContactPhone and ContactEmail are disclosure-gated toward customers until the
// customer's match with this expert reaches the connected state.
type ExpertProfile struct {
	ID                string       `json:"id"`
	CategoryID        int64        `json:"category_id"`
	Name              string       `json:"name"`
	BusinessName      string       `json:"business_name,omitempty"`
	Regions           []Region     `json:"regions"`
	ContactPhone      string       `json:"contact_phone"`
	ContactEmail      string       `json:"contact_email,omitempty"`
	Tagline           string       `json:"tagline,omitempty"`
	Introduction      string       `json:"introduction,omitempty"`
	Status            ExpertStatus `json:"status"`
	ReceivingRequests bool         `json:"receiving_requests"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// DisplayName returns the business name when present, the representative name otherwise.
func (e *ExpertProfile) DisplayName() string {
	if e.BusinessName != "" {
		return e.BusinessName
	}
	return e.Name
}

// MatchState represents the lifecycle state of a consultation match.
// The only legal sequence is pending, replied, connected, completed; no state
// is skipped and no transition moves backward.
type MatchState string

const (
	// MatchStatePending indicates the match awaits the expert's first reply.
	MatchStatePending MatchState = "pending"
	// MatchStateReplied indicates the expert has replied.
	MatchStateReplied MatchState = "replied"
	// MatchStateConnected indicates the customer accepted the connection; contact details unlock.
	MatchStateConnected MatchState = "connected"
	// MatchStateCompleted indicates the engagement concluded.
	MatchStateCompleted MatchState = "completed"
)

var matchStateRank = map[MatchState]int{
	MatchStatePending:   0,
	MatchStateReplied:   1,
	MatchStateConnected: 2,
	MatchStateCompleted: 3,
}

// IsValidMatchState checks if the given match state is supported.
func IsValidMatchState(s MatchState) bool {
	_, ok := matchStateRank[s]
	return ok
}

// AtLeast reports whether s is the same as or later than other in the lifecycle order.
func (s MatchState) AtLeast(other MatchState) bool {
	a, okA := matchStateRank[s]
	b, okB := matchStateRank[other]
	return okA && okB && a >= b
}

// ConsultationMatch pairs one request with one expert.
// The (RequestID, ExpertID) pair is unique; the storage layer enforces this as
// a hard constraint so concurrent submissions cannot duplicate a match.
type ConsultationMatch struct {
	ID            string     `json:"id"`
	RequestID     string     `json:"request_id"`
	ExpertID      string     `json:"expert_id"`
	State         MatchState `json:"state"`
	ExpertMessage string     `json:"expert_message,omitempty"`
	AvailableTime string     `json:"available_time,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	RepliedAt     *time.Time `json:"replied_at,omitempty"`
	ConnectedAt   *time.Time `json:"connected_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Notification is one in-app notification row written by the dispatcher.
type Notification struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipient_id"`
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	ItemType    string    `json:"item_type,omitempty"`
	ItemID      string    `json:"item_id,omitempty"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"created_at"`
}
