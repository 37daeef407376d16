package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/deesatzed/tuhs-abx-steward/internal/domain"
)

// sourceResponse is the minimal JSON shape every evidence source endpoint is
// expected to return: a flat list of findings. Institutions plugging in a
// different upstream shape adapt at this boundary, not in the coordinator.
type sourceResponse struct {
	Sources []struct {
		Name            string  `json:"name"`
		Title           string  `json:"title"`
		URL             string  `json:"url"`
		RelevanceScore  float64 `json:"relevance_score"`
		Finding         string  `json:"finding"`
		PublicationDate string  `json:"date"`
	} `json:"sources"`
}

// SourceClient queries a single external evidence source (IDSA, CDC, WHO,
// UpToDate, PubMed, or a scholarly search API) behind a rate limiter and a
// circuit breaker, so one slow or failing source cannot starve the others'
// fan-out slots or retry budget.
type SourceClient struct {
	name    string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *logrus.Logger
}

// NewSourceClient builds a SourceClient for one named evidence source.
func NewSourceClient(name string, cfg domain.SourceConfig, logger *logrus.Logger) *SourceClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RateLimit
	if rps <= 0 {
		rps = 1
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(bname string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"source":     bname,
				"from_state": from,
				"to_state":   to,
			}).Warn("evidence source circuit breaker state changed")
		},
	})

	return &SourceClient{
		name:    name,
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		breaker: breaker,
		logger:  logger,
	}
}

// Search executes one query against the source, honoring the rate limiter
// and circuit breaker. A limiter wait or breaker trip returns an error that
// the coordinator treats as a non-fatal empty result for this source.
func (c *SourceClient) Search(ctx context.Context, query string) ([]domain.EvidenceSourceResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: rate limiter: %w", c.name, err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doSearch(ctx, query)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	return result.([]domain.EvidenceSourceResult), nil
}

func (c *SourceClient) doSearch(ctx context.Context, query string) ([]domain.EvidenceSourceResult, error) {
	endpoint := c.baseURL + "search?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	var parsed sourceResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	now := time.Now()
	results := make([]domain.EvidenceSourceResult, 0, len(parsed.Sources))
	for _, s := range parsed.Sources {
		results = append(results, domain.EvidenceSourceResult{
			SourceName:      firstNonEmpty(s.Name, c.name),
			Title:           s.Title,
			URL:             s.URL,
			RelevanceScore:  s.RelevanceScore,
			KeyFinding:      s.Finding,
			PublicationDate: s.PublicationDate,
			RetrievedAt:     now,
		})
	}
	return results, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
