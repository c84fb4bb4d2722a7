// Package memory implements the long-lived, cross-session knowledge layer:
// append-only facts with deterministic relevance-ranked retrieval and a
// bounded capacity.
package memory

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxcraft/vox-cli/api/schemas"
	"github.com/voxcraft/vox-cli/internal/config"
)

// Layer ranks and bounds facts above a pluggable MemoryStore transport.
type Layer struct {
	store    schemas.MemoryStore
	capacity int
	halfLife time.Duration
	log      *zap.Logger
	now      func() time.Time
}

// NewLayer wraps a store with ranking and capacity enforcement.
func NewLayer(cfg config.MemoryConfig, store schemas.MemoryStore, logger *zap.Logger) *Layer {
	return &Layer{
		store:    store,
		capacity: cfg.Capacity,
		halfLife: cfg.RecencyHalfLife,
		log:      logger.Named("memory"),
		now:      time.Now,
	}
}

// StoreFact embeds and appends a fact, evicting the oldest facts when the
// capacity bound is reached. Facts are never updated in place; newer facts
// supersede older ones through recency weighting at query time.
func (l *Layer) StoreFact(ctx context.Context, fact schemas.Fact) error {
	if fact.ID == "" {
		fact.ID = uuid.NewString()
	}
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = l.now().UTC()
	}
	if len(fact.Embedding) == 0 {
		fact.Embedding = Embed(fact.Content)
	}

	if err := l.evictForCapacity(ctx); err != nil {
		return err
	}
	if err := l.store.Insert(ctx, fact); err != nil {
		return &schemas.MemoryLayerError{Op: "insert", Err: err}
	}
	l.log.Debug("Stored memory fact",
		zap.String("fact_id", fact.ID),
		zap.String("kind", string(fact.Kind)))
	return nil
}

// Query returns the topK facts ranked by recency-weighted cosine similarity
// to the query text. Ranking is deterministic: equal scores order by newer
// creation time, then by fact ID.
func (l *Layer) Query(ctx context.Context, query string, topK int) ([]schemas.Fact, error) {
	if topK <= 0 {
		return nil, nil
	}
	facts, err := l.store.All(ctx)
	if err != nil {
		return nil, &schemas.MemoryLayerError{Op: "query", Err: err}
	}
	if len(facts) == 0 {
		return nil, nil
	}

	qvec := Embed(query)
	now := l.now()
	type scored struct {
		fact  schemas.Fact
		score float64
	}
	ranked := make([]scored, 0, len(facts))
	for _, f := range facts {
		emb := f.Embedding
		if len(emb) == 0 {
			emb = Embed(f.Content)
		}
		ranked = append(ranked, scored{fact: f, score: Cosine(qvec, emb) * l.recencyWeight(now, f.CreatedAt)})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if !ranked[i].fact.CreatedAt.Equal(ranked[j].fact.CreatedAt) {
			return ranked[i].fact.CreatedAt.After(ranked[j].fact.CreatedAt)
		}
		return ranked[i].fact.ID < ranked[j].fact.ID
	})

	if topK > len(ranked) {
		topK = len(ranked)
	}
	out := make([]schemas.Fact, topK)
	for i := 0; i < topK; i++ {
		out[i] = ranked[i].fact
	}
	return out, nil
}

// Count reports the stored fact count.
func (l *Layer) Count(ctx context.Context) (int, error) {
	n, err := l.store.Count(ctx)
	if err != nil {
		return 0, &schemas.MemoryLayerError{Op: "count", Err: err}
	}
	return n, nil
}

// recencyWeight halves a fact's weight every half-life, with a floor so very
// old facts can still surface when nothing newer matches.
func (l *Layer) recencyWeight(now, createdAt time.Time) float64 {
	if l.halfLife <= 0 {
		return 1
	}
	age := now.Sub(createdAt)
	if age <= 0 {
		return 1
	}
	w := math.Pow(0.5, float64(age)/float64(l.halfLife))
	if w < 0.05 {
		return 0.05
	}
	return w
}

// evictForCapacity deletes the oldest facts until one slot is free.
func (l *Layer) evictForCapacity(ctx context.Context) error {
	n, err := l.store.Count(ctx)
	if err != nil {
		return &schemas.MemoryLayerError{Op: "count", Err: err}
	}
	if n < l.capacity {
		return nil
	}
	facts, err := l.store.All(ctx)
	if err != nil {
		return &schemas.MemoryLayerError{Op: "evict", Err: err}
	}
	sort.Slice(facts, func(i, j int) bool {
		if !facts[i].CreatedAt.Equal(facts[j].CreatedAt) {
			return facts[i].CreatedAt.Before(facts[j].CreatedAt)
		}
		return facts[i].ID < facts[j].ID
	})
	for i := 0; i <= n-l.capacity && i < len(facts); i++ {
		if err := l.store.Delete(ctx, facts[i].ID); err != nil {
			return &schemas.MemoryLayerError{Op: "evict", Err: err}
		}
		l.log.Debug("Evicted memory fact", zap.String("fact_id", facts[i].ID))
	}
	return nil
}
