package matching

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dungji-market/consultflow/internal/models"
	"github.com/dungji-market/consultflow/internal/store"
)

// recordingDispatcher counts dispatcher calls per expert.
type recordingDispatcher struct {
	mu         sync.Mutex
	newRequest map[string]int
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{newRequest: make(map[string]int)}
}

func (d *recordingDispatcher) NewRequest(ctx context.Context, expert *models.ExpertProfile, req *models.ConsultationRequest, match *models.ConsultationMatch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.newRequest[expert.ID]++
}

func (d *recordingDispatcher) ExpertReplied(ctx context.Context, req *models.ConsultationRequest, expert *models.ExpertProfile, match *models.ConsultationMatch) {
}

func (d *recordingDispatcher) Connected(ctx context.Context, req *models.ConsultationRequest, expert *models.ExpertProfile, match *models.ConsultationMatch) {
}

func seedExpert(t *testing.T, st *store.InMemoryStore, id string, categoryID int64, regions ...models.Region) {
	t.Helper()
	err := st.CreateExpertProfile(context.Background(), &models.ExpertProfile{
		ID:                id,
		CategoryID:        categoryID,
		Name:              "Expert " + id,
		Regions:           regions,
		ContactPhone:      "+1555" + id,
		Status:            models.ExpertStatusVerified,
		ReceivingRequests: true,
		CreatedAt:         time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateExpertProfile failed: %v", err)
	}
}

func testRequest(region string) *models.ConsultationRequest {
	return &models.ConsultationRequest{
		ID:         "req1",
		CategoryID: 10,
		Phone:      "+15550000000",
		Region:     region,
		Content:    "help me move",
		Status:     models.RequestStatusPending,
		CreatedAt:  time.Now(),
	}
}

func TestCreateMatchesFansOutToAllExperts(t *testing.T) {
	st := store.NewInMemoryStore()
	seedExpert(t, st, "exp1", 10)
	seedExpert(t, st, "exp2", 10)
	seedExpert(t, st, "other-category", 99)
	d := newRecordingDispatcher()
	engine := NewEngine(st, d)

	created, err := engine.CreateMatches(context.Background(), testRequest(""))
	if err != nil {
		t.Fatalf("CreateMatches failed: %v", err)
	}
	if created != 2 {
		t.Errorf("expected 2 matches created, got %d", created)
	}
	if d.newRequest["exp1"] != 1 || d.newRequest["exp2"] != 1 {
		t.Errorf("expected one notification per expert, got %v", d.newRequest)
	}
	if d.newRequest["other-category"] != 0 {
		t.Error("expert in another category must not be matched")
	}
}

func TestCreateMatchesRerunIsNoop(t *testing.T) {
	st := store.NewInMemoryStore()
	seedExpert(t, st, "exp1", 10)
	d := newRecordingDispatcher()
	engine := NewEngine(st, d)
	req := testRequest("")

	if _, err := engine.CreateMatches(context.Background(), req); err != nil {
		t.Fatalf("CreateMatches failed: %v", err)
	}
	created, err := engine.CreateMatches(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateMatches failed: %v", err)
	}
	if created != 0 {
		t.Errorf("expected rerun to create nothing, got %d", created)
	}
	if d.newRequest["exp1"] != 1 {
		t.Errorf("expected exactly one notification despite rerun, got %d", d.newRequest["exp1"])
	}
}

func TestCreateMatchesConcurrentInvocations(t *testing.T) {
	st := store.NewInMemoryStore()
	for i := 0; i < 5; i++ {
		seedExpert(t, st, fmt.Sprintf("exp%d", i), 10)
	}
	d := newRecordingDispatcher()
	engine := NewEngine(st, d, WithFanoutLimit(4))
	req := testRequest("")

	const callers = 8
	var wg sync.WaitGroup
	totals := make([]int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := engine.CreateMatches(context.Background(), req)
			if err != nil {
				t.Errorf("CreateMatches failed: %v", err)
			}
			totals[i] = n
		}(i)
	}
	wg.Wait()

	sum := 0
	for _, n := range totals {
		sum += n
	}
	if sum != 5 {
		t.Errorf("expected 5 matches total across concurrent invocations, got %d", sum)
	}
	for id, count := range d.newRequest {
		if count != 1 {
			t.Errorf("expert %s notified %d times, want 1", id, count)
		}
	}
	matches, _ := st.ListMatchesByRequest(context.Background(), "req1")
	if len(matches) != 5 {
		t.Errorf("expected 5 stored matches, got %d", len(matches))
	}
}

func TestEligibleExpertsRegionFilter(t *testing.T) {
	st := store.NewInMemoryStore()
	seedExpert(t, st, "gangnam", 10, models.Region{Code: "11680", Name: "Gangnam", FullName: "Seoul Gangnam"})
	seedExpert(t, st, "busan", 10, models.Region{Code: "26440", Name: "Busan", FullName: "Busan Gangseo"})
	seedExpert(t, st, "nowhere", 10)

	engine := NewEngine(st, nil, WithRegionMatching(true))
	experts, err := engine.EligibleExperts(context.Background(), testRequest("Seoul Gangnam"))
	if err != nil {
		t.Fatalf("EligibleExperts failed: %v", err)
	}
	if len(experts) != 1 || experts[0].ID != "gangnam" {
		t.Errorf("expected only the Gangnam expert, got %+v", experts)
	}

	// Requests without a region skip the filter entirely.
	experts, err = engine.EligibleExperts(context.Background(), testRequest(""))
	if err != nil {
		t.Fatalf("EligibleExperts failed: %v", err)
	}
	if len(experts) != 3 {
		t.Errorf("expected all experts for a regionless request, got %d", len(experts))
	}
}

func TestEligibleExpertsRegionFilterIgnoresCase(t *testing.T) {
	st := store.NewInMemoryStore()
	seedExpert(t, st, "gangnam", 10, models.Region{Code: "11680", Name: "Gangnam", FullName: "Seoul Gangnam"})
	seedExpert(t, st, "busan", 10, models.Region{Code: "26440", Name: "Busan", FullName: "Busan Gangseo"})

	engine := NewEngine(st, nil, WithRegionMatching(true))
	experts, err := engine.EligibleExperts(context.Background(), testRequest("seoul GANGNAM"))
	if err != nil {
		t.Fatalf("EligibleExperts failed: %v", err)
	}
	if len(experts) != 1 || experts[0].ID != "gangnam" {
		t.Errorf("expected case-insensitive region match, got %+v", experts)
	}
}

func TestEligibleExpertsRegionFilterDisabled(t *testing.T) {
	st := store.NewInMemoryStore()
	seedExpert(t, st, "gangnam", 10, models.Region{Name: "Gangnam"})
	seedExpert(t, st, "busan", 10, models.Region{Name: "Busan"})

	engine := NewEngine(st, nil)
	experts, err := engine.EligibleExperts(context.Background(), testRequest("Seoul Gangnam"))
	if err != nil {
		t.Fatalf("EligibleExperts failed: %v", err)
	}
	if len(experts) != 2 {
		t.Errorf("expected the region filter to be off by default, got %d experts", len(experts))
	}
}
