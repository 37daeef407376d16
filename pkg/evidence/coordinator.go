package evidence

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/deesatzed/tuhs-abx-steward/internal/domain"
)

// Coordinator implements domain.EvidenceCoordinator: a sequential-tiered
// search protocol gated by a scalar confidence score. tier_0 needs no
// network access at all; tier_1 fans out to the high-authority sources;
// tier_2 additionally fans out to broader literature sources when tier_1's
// boosted confidence still falls short.
type Coordinator struct {
	cfg    domain.EvidenceConfig
	cache  *Cache
	logger *logrus.Logger

	reputable []*SourceClient // IDSA, CDC, WHO, UpToDate
	broader   []*SourceClient // PubMed, scholarly search

	sem chan struct{} // bounds total in-flight source queries across both tiers
}

// NewCoordinator wires per-source clients from cfg behind a shared
// max-in-flight semaphore and a Redis+LRU cache.
func NewCoordinator(cfg domain.EvidenceConfig, cache *Cache, logger *logrus.Logger) *Coordinator {
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 4
	}

	return &Coordinator{
		cfg:    cfg,
		cache:  cache,
		logger: logger,
		reputable: []*SourceClient{
			NewSourceClient("idsa", cfg.IDSA, logger),
			NewSourceClient("cdc", cfg.CDC, logger),
			NewSourceClient("who", cfg.WHO, logger),
			NewSourceClient("uptodate", cfg.UpToDate, logger),
		},
		broader: []*SourceClient{
			NewSourceClient("pubmed", cfg.PubMed, logger),
			NewSourceClient("scholarly_search", cfg.Scholarly, logger),
		},
		sem: make(chan struct{}, maxInFlight),
	}
}

// Search runs the tiered escalation for query starting from initialConfidence.
func (c *Coordinator) Search(ctx context.Context, query string, initialConfidence float64) (*domain.EvidenceTrace, error) {
	trace := &domain.EvidenceTrace{
		InitialConfidence: initialConfidence,
		FinalConfidence:   initialConfidence,
	}

	if initialConfidence >= c.cfg.Tier0Threshold {
		trace.Decision = domain.SearchDecision{
			Tier:            domain.TierInternalOnly,
			ConfidenceScore: initialConfidence,
			Reasoning:       "intrinsic confidence meets tier_0 threshold; no external search performed",
			ShouldSearch:    false,
		}
		trace.SearchHistory = append(trace.SearchHistory, string(domain.TierInternalOnly))
		return trace, nil
	}

	select {
	case <-ctx.Done():
		return trace, fmt.Errorf("evidence search cancelled: %w", ctx.Err())
	default:
	}

	if cached, ok := c.cache.Get(ctx, domain.TierReputable, query); ok && initialConfidence < c.cfg.Tier1Threshold {
		return cached, nil
	}

	trace.Decision = domain.SearchDecision{
		Tier:            domain.TierReputable,
		ConfidenceScore: initialConfidence,
		Reasoning:       "intrinsic confidence below tier_0 threshold; querying reputable sources",
		ShouldSearch:    true,
	}
	trace.SearchHistory = append(trace.SearchHistory, string(domain.TierReputable))

	reputable := c.fanOut(ctx, c.reputable, query)
	trace.ReputableSources = reputable
	trace.FinalConfidence = boost(trace.FinalConfidence, len(reputable), c.cfg.Tier1BoostPerSource, c.cfg.Tier1BoostCap)

	if trace.FinalConfidence >= c.cfg.Tier1Threshold {
		_ = c.cache.Set(ctx, domain.TierReputable, query, *trace)
		return trace, nil
	}

	select {
	case <-ctx.Done():
		return trace, fmt.Errorf("evidence search cancelled: %w", ctx.Err())
	default:
	}

	trace.Decision.Tier = domain.TierBroader
	trace.Decision.Reasoning = "post-reputable confidence still below tier_1 threshold; querying broader literature sources"
	trace.SearchHistory = append(trace.SearchHistory, string(domain.TierBroader))

	broader := c.fanOut(ctx, c.broader, query)
	trace.BroaderSources = broader
	trace.FinalConfidence = boost(trace.FinalConfidence, len(broader), c.cfg.Tier2BoostPerSource, c.cfg.Tier2BoostCap)

	_ = c.cache.Set(ctx, domain.TierBroader, query, *trace)
	return trace, nil
}

// fanOut queries every client concurrently, bounded by the coordinator's
// in-flight semaphore. A single source's failure is logged and contributes
// an empty result rather than failing the tier.
func (c *Coordinator) fanOut(ctx context.Context, clients []*SourceClient, query string) []domain.EvidenceSourceResult {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var out []domain.EvidenceSourceResult

	for _, client := range clients {
		wg.Add(1)
		go func(sc *SourceClient) {
			defer wg.Done()

			select {
			case c.sem <- struct{}{}:
				defer func() { <-c.sem }()
			case <-ctx.Done():
				return
			}

			results, err := sc.Search(ctx, query)
			if err != nil {
				c.logger.WithFields(logrus.Fields{"source": sc.name, "error": err.Error()}).
					Warn("evidence source query failed; continuing with remaining sources")
				return
			}

			mu.Lock()
			out = append(out, results...)
			mu.Unlock()
		}(client)
	}

	wg.Wait()
	return out
}

// boost applies the per-tier confidence boost, capped, and clamped to 1.0.
func boost(confidence float64, sourceCount int, perSource, capAt float64) float64 {
	gain := float64(sourceCount) * perSource
	if gain > capAt {
		gain = capAt
	}
	confidence += gain
	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}

// Close releases the coordinator's cache connections.
func (c *Coordinator) Close() error {
	return c.cache.Close()
}
