// Package lifecycle drives the consultation match and request state machines.
//
// Matches move strictly pending -> replied -> connected -> completed. Every
// transition is a storage-level compare-and-set, and the notification for a
// transition fires exactly when the compare-and-set wins, so concurrent
// callers can never double-notify.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/dungji-market/consultflow/internal/models"
	"github.com/dungji-market/consultflow/internal/notify"
	"github.com/dungji-market/consultflow/internal/store"
)

// Engine applies lifecycle transitions to matches and requests.
type Engine struct {
	st         store.Store
	dispatcher notify.Dispatcher
}

// NewEngine creates a lifecycle engine.
func NewEngine(st store.Store, dispatcher notify.Dispatcher) *Engine {
	return &Engine{st: st, dispatcher: dispatcher}
}

// Reply records an expert's reply on a match. The first reply transitions the
// match to replied, marks the request contacted, and notifies the customer;
// later replies only update the message and availability in place. Returns the
// match after the update.
func (e *Engine) Reply(ctx context.Context, matchID, message, availableTime string) (*models.ConsultationMatch, error) {
	if n := utf8.RuneCountInString(message); n > models.MaxExpertMessageLength {
		return nil, fmt.Errorf("reply message too long (%d chars): %w", n, models.ErrContentTooLong)
	}
	if n := utf8.RuneCountInString(availableTime); n > models.MaxAvailableTimeLength {
		return nil, fmt.Errorf("availability too long (%d chars): %w", n, models.ErrContentTooLong)
	}

	first, err := e.st.ReplyMatch(ctx, matchID, message, availableTime, time.Now())
	if err != nil {
		return nil, err
	}
	match, err := e.st.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !first {
		slog.Debug("Engine.Reply: reply updated in place", "matchID", matchID, "state", match.State)
		return match, nil
	}

	slog.Info("Engine.Reply: first reply recorded", "matchID", matchID, "requestID", match.RequestID)
	req, err := e.st.GetConsultationRequest(ctx, match.RequestID)
	if err != nil {
		slog.Error("Engine.Reply: failed to load request for notification", "error", err, "matchID", matchID)
		return match, nil
	}

	// The first expert reply means the customer has been contacted.
	if _, err := e.st.TransitionRequest(ctx, req.ID,
		[]models.RequestStatus{models.RequestStatusPending}, models.RequestStatusContacted, time.Now()); err != nil {
		slog.Error("Engine.Reply: failed to mark request contacted", "error", err, "requestID", req.ID)
	}

	if e.dispatcher != nil {
		expert, err := e.st.GetExpertProfile(ctx, match.ExpertID)
		if err != nil {
			slog.Error("Engine.Reply: failed to load expert for notification", "error", err, "matchID", matchID)
			return match, nil
		}
		e.dispatcher.ExpertReplied(ctx, req, expert, match)
	}
	return match, nil
}

// Connect moves a replied match to connected on the customer's acceptance,
// unlocking contact disclosure and notifying the expert. Connecting a match
// that is not in the replied state fails with ErrInvalidTransition.
func (e *Engine) Connect(ctx context.Context, matchID string) (*models.ConsultationMatch, error) {
	ok, err := e.st.TransitionMatch(ctx, matchID, models.MatchStateReplied, models.MatchStateConnected, time.Now())
	if err != nil {
		return nil, err
	}
	match, err := e.st.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("cannot connect match in state %s: %w", match.State, models.ErrInvalidTransition)
	}

	slog.Info("Engine.Connect: match connected", "matchID", matchID, "requestID", match.RequestID)
	if e.dispatcher != nil {
		req, err := e.st.GetConsultationRequest(ctx, match.RequestID)
		if err != nil {
			slog.Error("Engine.Connect: failed to load request for notification", "error", err, "matchID", matchID)
			return match, nil
		}
		expert, err := e.st.GetExpertProfile(ctx, match.ExpertID)
		if err != nil {
			slog.Error("Engine.Connect: failed to load expert for notification", "error", err, "matchID", matchID)
			return match, nil
		}
		e.dispatcher.Connected(ctx, req, expert, match)
	}
	return match, nil
}

// Complete moves a connected match to completed. No notification fires; the
// engagement simply concludes. Completing a match that is not connected fails
// with ErrInvalidTransition.
func (e *Engine) Complete(ctx context.Context, matchID string) (*models.ConsultationMatch, error) {
	ok, err := e.st.TransitionMatch(ctx, matchID, models.MatchStateConnected, models.MatchStateCompleted, time.Now())
	if err != nil {
		return nil, err
	}
	match, err := e.st.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("cannot complete match in state %s: %w", match.State, models.ErrInvalidTransition)
	}
	slog.Info("Engine.Complete: match completed", "matchID", matchID, "requestID", match.RequestID)
	return match, nil
}

// MarkContacted marks a pending request as contacted. Already-contacted
// requests reject the transition.
func (e *Engine) MarkContacted(ctx context.Context, requestID string) (*models.ConsultationRequest, error) {
	ok, err := e.st.TransitionRequest(ctx, requestID,
		[]models.RequestStatus{models.RequestStatusPending}, models.RequestStatusContacted, time.Now())
	if err != nil {
		return nil, err
	}
	req, err := e.st.GetConsultationRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("cannot mark request in status %s contacted: %w", req.Status, models.ErrInvalidTransition)
	}
	return req, nil
}

// CompleteRequest concludes a consultation request. Allowed from pending or
// contacted; terminal statuses reject the transition.
func (e *Engine) CompleteRequest(ctx context.Context, requestID string) (*models.ConsultationRequest, error) {
	return e.transitionRequest(ctx, requestID, models.RequestStatusCompleted)
}

// CancelRequest cancels a consultation request. Allowed from pending or
// contacted; terminal statuses reject the transition.
func (e *Engine) CancelRequest(ctx context.Context, requestID string) (*models.ConsultationRequest, error) {
	return e.transitionRequest(ctx, requestID, models.RequestStatusCancelled)
}

func (e *Engine) transitionRequest(ctx context.Context, requestID string, to models.RequestStatus) (*models.ConsultationRequest, error) {
	ok, err := e.st.TransitionRequest(ctx, requestID,
		[]models.RequestStatus{models.RequestStatusPending, models.RequestStatusContacted}, to, time.Now())
	if err != nil {
		return nil, err
	}
	req, err := e.st.GetConsultationRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("cannot move request in status %s to %s: %w", req.Status, to, models.ErrInvalidTransition)
	}
	slog.Info("Engine.transitionRequest: request transitioned", "requestID", requestID, "to", to)
	return req, nil
}
