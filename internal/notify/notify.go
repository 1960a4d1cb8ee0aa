// Package notify delivers match lifecycle notifications.
//
// The dispatcher is a fire-and-forget collaborator: the matching and lifecycle
// engines call it after a state change has committed, and delivery failures
// are logged but never propagated back into the state machine. Each call
// writes one in-app notification row and attempts one SMS.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dungji-market/consultflow/internal/models"
	"github.com/dungji-market/consultflow/internal/store"
	"github.com/dungji-market/consultflow/internal/twiliosms"
)

// Notification kinds written by the dispatcher.
const (
	KindNewRequest = "consultation_new"
	KindReplied    = "consultation_replied"
	KindConnected  = "consultation_connected"
)

// Item types referenced by notification rows.
const (
	ItemTypeRequest = "consultation_request"
	ItemTypeMatch   = "consultation_match"
)

// Dispatcher is the notification boundary of the consultation core. Calls do
// not return errors: a committed state change must never be rolled back or
// retried because a notification could not be delivered.
type Dispatcher interface {
	// NewRequest tells an expert a request was matched to them.
	NewRequest(ctx context.Context, expert *models.ExpertProfile, req *models.ConsultationRequest, match *models.ConsultationMatch)
	// ExpertReplied tells the customer an expert replied for the first time.
	ExpertReplied(ctx context.Context, req *models.ConsultationRequest, expert *models.ExpertProfile, match *models.ConsultationMatch)
	// Connected tells the expert the customer accepted the connection.
	Connected(ctx context.Context, req *models.ConsultationRequest, expert *models.ExpertProfile, match *models.ConsultationMatch)
}

// Service implements Dispatcher over the store (in-app rows) and an SMS
// sender. Experts are addressed by profile ID, customers by phone number.
type Service struct {
	st  store.Store
	sms twiliosms.SMSSender
}

// NewService creates a notification service. The SMS sender may be nil, in
// which case only in-app rows are written.
func NewService(st store.Store, sms twiliosms.SMSSender) *Service {
	return &Service{st: st, sms: sms}
}

// NewRequest notifies the expert of a freshly created match.
func (s *Service) NewRequest(ctx context.Context, expert *models.ExpertProfile, req *models.ConsultationRequest, match *models.ConsultationMatch) {
	msg := "A new consultation request is waiting for your reply."
	if req.Region != "" {
		msg = fmt.Sprintf("A new consultation request in %s is waiting for your reply.", req.Region)
	}
	s.record(ctx, models.Notification{
		RecipientID: expert.ID,
		Kind:        KindNewRequest,
		Message:     msg,
		ItemType:    ItemTypeRequest,
		ItemID:      req.ID,
	})
	s.send(ctx, expert.ContactPhone, msg)
}

// ExpertReplied notifies the customer of the expert's first reply.
func (s *Service) ExpertReplied(ctx context.Context, req *models.ConsultationRequest, expert *models.ExpertProfile, match *models.ConsultationMatch) {
	msg := fmt.Sprintf("%s replied to your consultation request. Check the reply and connect to continue.", expert.DisplayName())
	s.record(ctx, models.Notification{
		RecipientID: req.Phone,
		Kind:        KindReplied,
		Message:     msg,
		ItemType:    ItemTypeMatch,
		ItemID:      match.ID,
	})
	s.send(ctx, req.Phone, msg)
}

// Connected notifies the expert that the customer accepted the connection. The
// customer's name is masked; full contact details are read through the
// disclosure-gated API, not pushed over SMS.
func (s *Service) Connected(ctx context.Context, req *models.ConsultationRequest, expert *models.ExpertProfile, match *models.ConsultationMatch) {
	msg := fmt.Sprintf("Customer %s accepted your reply. Contact details are now available in your consultation inbox.", MaskName(req.Name))
	s.record(ctx, models.Notification{
		RecipientID: expert.ID,
		Kind:        KindConnected,
		Message:     msg,
		ItemType:    ItemTypeMatch,
		ItemID:      match.ID,
	})
	s.send(ctx, expert.ContactPhone, msg)
}

func (s *Service) record(ctx context.Context, n models.Notification) {
	n.ID = uuid.NewString()
	n.CreatedAt = time.Now()
	if err := s.st.AddNotification(ctx, n); err != nil {
		slog.Error("Service.record: failed to store notification", "error", err,
			"kind", n.Kind, "recipientID", n.RecipientID)
	}
}

func (s *Service) send(ctx context.Context, to, body string) {
	if s.sms == nil || to == "" {
		return
	}
	if err := s.sms.SendSMS(ctx, to, body); err != nil {
		slog.Error("Service.send: failed to send SMS", "error", err, "to", to)
	}
}

// MaskName hides all but the first character of a personal name.
func MaskName(name string) string {
	runes := []rune(strings.TrimSpace(name))
	if len(runes) == 0 {
		return "customer"
	}
	return string(runes[0]) + strings.Repeat("*", len(runes)-1)
}
