package lifecycle

import (
	"github.com/dungji-market/consultflow/internal/models"
	"github.com/dungji-market/consultflow/internal/notify"
)

// ContactRevealed reports whether a match's state unlocks contact details for
// both sides. Disclosure is monotonic: once connected, completing the match
// keeps contacts visible.
func ContactRevealed(state models.MatchState) bool {
	return state.AtLeast(models.MatchStateConnected)
}

// ExpertCard is the customer-facing projection of an expert profile. Contact
// fields are populated only when the customer's match with this expert has
// reached the connected state.
type ExpertCard struct {
	ID           string          `json:"id"`
	DisplayName  string          `json:"display_name"`
	Regions      []models.Region `json:"regions,omitempty"`
	Tagline      string          `json:"tagline,omitempty"`
	Introduction string          `json:"introduction,omitempty"`
	ContactPhone string          `json:"contact_phone,omitempty"`
	ContactEmail string          `json:"contact_email,omitempty"`
}

// ExpertCardFor projects an expert for a customer whose match is in the given state.
func ExpertCardFor(expert *models.ExpertProfile, state models.MatchState) ExpertCard {
	card := ExpertCard{
		ID:           expert.ID,
		DisplayName:  expert.DisplayName(),
		Regions:      expert.Regions,
		Tagline:      expert.Tagline,
		Introduction: expert.Introduction,
	}
	if ContactRevealed(state) {
		card.ContactPhone = expert.ContactPhone
		card.ContactEmail = expert.ContactEmail
	}
	return card
}

// RequestCard is the expert-facing projection of a consultation request. The
// customer's identity is masked and contact fields are withheld until the
// expert's match has reached the connected state.
type RequestCard struct {
	ID            string `json:"id"`
	CategoryID    int64  `json:"category_id"`
	Region        string `json:"region,omitempty"`
	Content       string `json:"content"`
	AISummary     string `json:"ai_summary,omitempty"`
	Status        string `json:"status"`
	CustomerName  string `json:"customer_name"`
	CustomerPhone string `json:"customer_phone,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`
}

// RequestCardFor projects a request for an expert whose match is in the given state.
func RequestCardFor(req *models.ConsultationRequest, state models.MatchState) RequestCard {
	card := RequestCard{
		ID:           req.ID,
		CategoryID:   req.CategoryID,
		Region:       req.Region,
		Content:      req.Content,
		AISummary:    req.AISummary,
		Status:       string(req.Status),
		CustomerName: notify.MaskName(req.Name),
	}
	if ContactRevealed(state) {
		card.CustomerName = req.Name
		card.CustomerPhone = req.Phone
		card.CustomerEmail = req.Email
	}
	return card
}

// MatchView is a match enriched with the counterpart's disclosure-gated card.
// Expert is set in customer-facing listings, Request in expert-facing ones.
type MatchView struct {
	models.ConsultationMatch
	Expert  *ExpertCard  `json:"expert,omitempty"`
	Request *RequestCard `json:"request,omitempty"`
}

// CustomerView builds the customer-facing view of a match.
func CustomerView(match *models.ConsultationMatch, expert *models.ExpertProfile) MatchView {
	card := ExpertCardFor(expert, match.State)
	return MatchView{ConsultationMatch: *match, Expert: &card}
}

// ExpertView builds the expert-facing view of a match.
func ExpertView(match *models.ConsultationMatch, req *models.ConsultationRequest) MatchView {
	card := RequestCardFor(req, match.State)
	return MatchView{ConsultationMatch: *match, Request: &card}
}
