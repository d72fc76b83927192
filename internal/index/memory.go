package index

import (
	"container/heap"
	"context"
	"slices"
	"sync"

	"github.com/bdougie/framesearch/internal/models"
)

type memCollection struct {
	schema  models.Schema
	records []models.FrameRecord
	byID    map[string]int
}

// Memory is an exact brute force index kept in process memory. It is safe
// for concurrent use.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

// NewMemory creates an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]*memCollection)}
}

func (m *Memory) EnsureCollection(ctx context.Context, name string, schema models.Schema, opts EnsureOptions) error {
	if err := schema.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var existing *models.Schema
	if c, ok := m.collections[name]; ok {
		existing = &c.schema
	}
	act, err := decide(name, existing, schema, opts)
	if err != nil {
		return err
	}
	if act != actionKeep {
		m.collections[name] = &memCollection{schema: schema, byID: make(map[string]int)}
	}
	return nil
}

func (m *Memory) Insert(ctx context.Context, name string, records []models.FrameRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.collections[name]
	if !ok {
		return notFound("index.insert", name)
	}
	if err := validateRecords("index.insert", c.schema, records); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, r := range records {
		r.Vector = slices.Clone(r.Vector)
		if i, ok := c.byID[r.ID]; ok {
			c.records[i] = r
			continue
		}
		c.byID[r.ID] = len(c.records)
		c.records = append(c.records, r)
	}
	return nil
}

// Search scans every record and keeps the best k in a min-heap.
// Time Complexity: O(n * d + n * log(k))
func (m *Memory) Search(ctx context.Context, name string, vector []float32, k int) ([]models.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.collections[name]
	if !ok {
		return nil, notFound("index.search", name)
	}
	if err := c.schema.CheckDimensions("index.search", vector); err != nil {
		return nil, err
	}
	if k <= 0 || len(c.records) == 0 {
		return []models.Match{}, nil
	}

	score := scoreFunc(c.schema.Metric)
	h := &matchHeap{}
	for i := range c.records {
		s := score(vector, c.records[i].Vector)
		if h.Len() < k {
			heap.Push(h, scored{pos: i, score: s})
		} else if s > (*h)[0].score {
			(*h)[0] = scored{pos: i, score: s}
			heap.Fix(h, 0)
		}
	}

	// Pop yields ascending scores; fill from the back for descending order.
	out := make([]models.Match, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		top := heap.Pop(h).(scored)
		r := c.records[top.pos]
		out[i] = models.Match{
			ID:          r.ID,
			Score:       top.score,
			AssetRef:    r.AssetRef,
			Video:       r.Video,
			FrameIndex:  r.FrameIndex,
			TimestampMS: r.TimestampMS,
		}
	}
	return out, nil
}

func (m *Memory) Count(ctx context.Context, name string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.collections[name]
	if !ok {
		return 0, notFound("index.count", name)
	}
	return len(c.records), nil
}

func (m *Memory) Schema(ctx context.Context, name string) (models.Schema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.collections[name]
	if !ok {
		return models.Schema{}, notFound("index.schema", name)
	}
	return c.schema, nil
}

func (m *Memory) Close() error { return nil }

type scored struct {
	pos   int
	score float32
}

// matchHeap is a min-heap on score. Ties keep the earlier inserted record
// on top of the later one so results are stable.
type matchHeap []scored

func (h matchHeap) Len() int { return len(h) }
func (h matchHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].pos > h[j].pos
}
func (h matchHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *matchHeap) Push(x any) {
	*h = append(*h, x.(scored))
}

func (h *matchHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
