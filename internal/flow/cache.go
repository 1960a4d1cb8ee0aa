package flow

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dungji-market/consultflow/internal/models"
	"github.com/dungji-market/consultflow/internal/store"
)

// Cache memoizes built questionnaire graphs per category. Step definitions are
// authored out-of-band and change rarely, so graphs are cached until
// explicitly invalidated.
type Cache struct {
	st store.Store

	mu     sync.RWMutex
	graphs map[int64]*Graph
}

// NewCache creates a graph cache backed by the given store.
func NewCache(st store.Store) *Cache {
	return &Cache{st: st, graphs: make(map[int64]*Graph)}
}

// Get returns the cached graph for a category, loading and building it on
// first use. A category with no active steps yields models.ErrInvalidCategory.
func (c *Cache) Get(ctx context.Context, categoryID int64) (*Graph, error) {
	c.mu.RLock()
	g, ok := c.graphs[categoryID]
	c.mu.RUnlock()
	if ok {
		return g, nil
	}

	steps, err := c.st.FlowSteps(ctx, categoryID)
	if err != nil {
		slog.Error("Cache.Get: failed to load flow steps", "error", err, "categoryID", categoryID)
		return nil, err
	}
	g = NewGraph(categoryID, steps)
	if len(g.steps) == 0 {
		return nil, models.ErrInvalidCategory
	}

	c.mu.Lock()
	// Another goroutine may have built the graph while we loaded; keep the
	// existing entry so callers share one instance.
	if existing, ok := c.graphs[categoryID]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.graphs[categoryID] = g
	c.mu.Unlock()
	slog.Debug("Cache.Get: built flow graph", "categoryID", categoryID, "steps", len(g.steps))
	return g, nil
}

// Invalidate drops the cached graph for a category so the next Get reloads it.
func (c *Cache) Invalidate(categoryID int64) {
	c.mu.Lock()
	delete(c.graphs, categoryID)
	c.mu.Unlock()
}
