// Package matching fans a consultation request out to eligible experts.
//
// Eligibility is verified status, receiving enabled, category equality, and
// (when enabled) region overlap. Match creation rides on the storage layer's
// (request, expert) uniqueness, so running the fan-out twice for the same
// request creates nothing new and re-notifies nobody.
package matching

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dungji-market/consultflow/internal/models"
	"github.com/dungji-market/consultflow/internal/notify"
	"github.com/dungji-market/consultflow/internal/store"
)

// DefaultFanoutLimit bounds concurrent match creation per request.
const DefaultFanoutLimit = 16

// Engine creates matches for new consultation requests.
type Engine struct {
	st         store.Store
	dispatcher notify.Dispatcher

	// regionMatching gates the region filter. Off, every receiving expert in
	// the category is eligible regardless of location.
	regionMatching bool
	fanoutLimit    int
}

// Opts holds configuration options for the matching engine.
type Opts struct {
	RegionMatching bool
	FanoutLimit    int
}

// Option defines a configuration option for the matching engine.
type Option func(*Opts)

// WithRegionMatching enables the region overlap filter.
func WithRegionMatching(enabled bool) Option {
	return func(o *Opts) { o.RegionMatching = enabled }
}

// WithFanoutLimit bounds the number of concurrent match creations.
func WithFanoutLimit(limit int) Option {
	return func(o *Opts) { o.FanoutLimit = limit }
}

// NewEngine creates a matching engine.
func NewEngine(st store.Store, dispatcher notify.Dispatcher, opts ...Option) *Engine {
	cfg := Opts{FanoutLimit: DefaultFanoutLimit}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.FanoutLimit <= 0 {
		cfg.FanoutLimit = DefaultFanoutLimit
	}
	return &Engine{
		st:             st,
		dispatcher:     dispatcher,
		regionMatching: cfg.RegionMatching,
		fanoutLimit:    cfg.FanoutLimit,
	}
}

// EligibleExperts filters the category's receiving experts by region when
// region matching is enabled. The request's region is matched token by token
// against each expert's service areas; any token overlapping any area's name
// qualifies the expert.
func (e *Engine) EligibleExperts(ctx context.Context, req *models.ConsultationRequest) ([]models.ExpertProfile, error) {
	experts, err := e.st.ListReceivingExperts(ctx, req.CategoryID)
	if err != nil {
		return nil, err
	}
	if !e.regionMatching || strings.TrimSpace(req.Region) == "" {
		return experts, nil
	}
	tokens := strings.Fields(strings.ToLower(req.Region))
	var out []models.ExpertProfile
	for _, expert := range experts {
		if expertServesRegion(&expert, tokens) {
			out = append(out, expert)
		}
	}
	return out, nil
}

// expertServesRegion reports whether any of the expert's regions overlaps the
// request's region tokens. Tokens arrive lowercased; comparison is
// case-insensitive.
func expertServesRegion(expert *models.ExpertProfile, tokens []string) bool {
	for _, region := range expert.Regions {
		name := strings.ToLower(region.Name)
		fullName := strings.ToLower(region.FullName)
		for _, token := range tokens {
			if strings.Contains(name, token) || strings.Contains(fullName, token) ||
				strings.Contains(token, name) {
				return true
			}
		}
	}
	return false
}

// CreateMatches fans the request out to every eligible expert and notifies
// each expert whose match was newly created. The returned count is the number
// of matches created by this invocation; pairs that already exist contribute
// zero. Safe to call multiple times and from concurrent submissions.
func (e *Engine) CreateMatches(ctx context.Context, req *models.ConsultationRequest) (int, error) {
	experts, err := e.EligibleExperts(ctx, req)
	if err != nil {
		slog.Error("Engine.CreateMatches: failed to list eligible experts", "error", err, "requestID", req.ID)
		return 0, err
	}
	if len(experts) == 0 {
		slog.Info("Engine.CreateMatches: no eligible experts", "requestID", req.ID, "categoryID", req.CategoryID)
		return 0, nil
	}

	var created atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.fanoutLimit)
	for i := range experts {
		expert := experts[i]
		g.Go(func() error {
			match := &models.ConsultationMatch{
				ID:        uuid.NewString(),
				RequestID: req.ID,
				ExpertID:  expert.ID,
				State:     models.MatchStatePending,
				CreatedAt: time.Now(),
			}
			isNew, err := e.st.CreateMatch(gctx, match)
			if err != nil {
				return err
			}
			if !isNew {
				return nil
			}
			created.Add(1)
			if e.dispatcher != nil {
				e.dispatcher.NewRequest(gctx, &expert, req, match)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("Engine.CreateMatches: fan-out finished with error", "error", err,
			"requestID", req.ID, "created", created.Load())
		return int(created.Load()), err
	}
	slog.Info("Engine.CreateMatches: fan-out complete", "requestID", req.ID,
		"experts", len(experts), "created", created.Load())
	return int(created.Load()), nil
}
