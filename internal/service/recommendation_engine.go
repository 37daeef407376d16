package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/deesatzed/tuhs-abx-steward/internal/domain"
)

// RecommendationEngineService implements domain.RecommendationEngine: it
// orchestrates the drug selector and dose calculator, merges their
// diagnostics, and renders the final deterministic text report.
type RecommendationEngineService struct {
	repo       domain.GuidelineRepository
	selector   domain.DrugSelector
	calculator domain.DoseCalculator
	evidence   domain.EvidenceCoordinator // optional; nil disables evidence search entirely
	logger     *logrus.Logger
}

// NewRecommendationEngineService constructs a RecommendationEngineService.
// evidence may be nil, in which case the engine never attempts an external
// search and Metadata.Evidence is always absent.
func NewRecommendationEngineService(
	repo domain.GuidelineRepository,
	selector domain.DrugSelector,
	calculator domain.DoseCalculator,
	evidence domain.EvidenceCoordinator,
	logger *logrus.Logger,
) *RecommendationEngineService {
	if logger == nil {
		logger = logrus.New()
	}
	return &RecommendationEngineService{
		repo: repo, selector: selector, calculator: calculator, evidence: evidence, logger: logger,
	}
}

// Recommend runs the full pipeline for one patient case.
func (e *RecommendationEngineService) Recommend(ctx context.Context, c *domain.PatientCase) (*domain.RecommendationResult, error) {
	start := time.Now()
	requestID := uuid.NewString()

	logFields := logrus.Fields{
		"request_id":     requestID,
		"infection_type": c.InfectionType,
		"age":            c.Age,
	}

	if err := c.Validate(); err != nil {
		e.logger.WithFields(logFields).WithError(err).Warn("patient case failed validation")
		return e.failure(requestID, start, err), nil
	}

	selection, err := e.selector.Select(ctx, c)
	if err != nil {
		e.logger.WithFields(logFields).WithError(err).Warn("drug selection failed")
		return e.failure(requestID, start, err), nil
	}

	dosed, err := e.calculator.Calculate(ctx, selection.DrugIDs, selection.InfectionCategory, c.CrClMLMin, c.WeightKG, c.Age)
	if err != nil {
		e.logger.WithFields(logFields).WithError(err).Warn("dose calculation failed")
		return e.failure(requestID, start, err), nil
	}

	result := &domain.RecommendationResult{
		Success:               len(dosed.Errors) == 0,
		Drugs:                 dosed.Drugs,
		InfectionCategory:      selection.InfectionCategory,
		AllergyClassification: selection.AllergyClassification,
		Route:                 selection.Route,
		Rationale:             selection.Rationale,
		Monitoring:            dosed.Monitoring,
		Warnings:              mergeUnique(selection.Warnings, collectDrugWarnings(dosed.Drugs), dosed.Warnings),
		Errors:                dosed.Errors,
		Metadata: domain.Metadata{
			RequestID:      requestID,
			Version:        e.corpusVersion(),
			ProcessingTime: time.Since(start),
			DrugCount:      len(dosed.Drugs),
		},
	}

	if e.evidence != nil {
		confidence := structuralConfidence(c, selection, dosed)
		trace, evErr := e.evidence.Search(ctx, evidenceQuery(selection), confidence)
		if evErr != nil {
			e.logger.WithFields(logFields).WithError(evErr).Warn("evidence search failed")
		} else {
			result.Metadata.Evidence = trace
		}
	}

	result.RecommendationText = renderRecommendationText(c, result)

	e.logger.WithFields(logFields).WithFields(logrus.Fields{
		"drug_count":      result.Metadata.DrugCount,
		"processing_time": result.Metadata.ProcessingTime,
	}).Info("recommendation generated")

	return result, nil
}

func (e *RecommendationEngineService) corpusVersion() string {
	if corpus := e.repo.Corpus(); corpus != nil {
		return corpus.Version
	}
	return ""
}

func (e *RecommendationEngineService) failure(requestID string, start time.Time, err error) *domain.RecommendationResult {
	return &domain.RecommendationResult{
		Success: false,
		Errors:  []string{err.Error()},
		Metadata: domain.Metadata{
			RequestID:      requestID,
			Version:        e.corpusVersion(),
			ProcessingTime: time.Since(start),
		},
	}
}

// structuralConfidence derives the Evidence Coordinator's initialConfidence
// input from the pipeline's own structural signals rather than any heuristic
// text-scanning: it starts from a high baseline and discounts for each
// signal that the matched regimen is a less common, higher-stakes path
// (a severe penicillin allergy, pregnancy, CrCl below 30 mL/min, or a
// partial failure resolving one of the selected drugs).
func structuralConfidence(c *domain.PatientCase, selection *domain.Selection, dosed *domain.DosedRegimen) float64 {
	confidence := 0.95

	if selection.AllergyClassification == domain.AllergySeverePCN {
		confidence -= 0.1
	}
	if c.IsPregnant() {
		confidence -= 0.05
	}
	if c.CrClMLMin != nil && *c.CrClMLMin < 30 {
		confidence -= 0.1
	}
	if len(dosed.Errors) > 0 {
		confidence -= 0.3
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

// evidenceQuery renders the matched regimen into the free-text query the
// Evidence Coordinator's external sources search against.
func evidenceQuery(selection *domain.Selection) string {
	return fmt.Sprintf("%s empiric antibiotic therapy: %s", selection.InfectionCategory, strings.Join(selection.DrugIDs, ", "))
}

// collectDrugWarnings flattens the per-drug warnings collected by the dose
// calculator into the regimen-level warning list.
func collectDrugWarnings(drugs []*domain.DosedDrug) []string {
	var out []string
	for _, d := range drugs {
		out = append(out, d.Warnings...)
	}
	return out
}

// mergeUnique concatenates warning lists, dropping duplicates and preserving
// first-seen order.
func mergeUnique(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, item := range list {
			if item == "" || seen[item] {
				continue
			}
			seen[item] = true
			out = append(out, item)
		}
	}
	return out
}

// renderRecommendationText builds the deterministic, human-readable report:
// header, patient context, per-drug regimen blocks, rationale, monitoring,
// warnings, footer — in that fixed order, so the same RecommendationResult
// always renders identical text.
func renderRecommendationText(c *domain.PatientCase, r *domain.RecommendationResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "ANTIBIOTIC RECOMMENDATION\n")
	fmt.Fprintf(&b, "=========================\n\n")

	fmt.Fprintf(&b, "Patient: age %d", c.Age)
	if c.IsPregnant() {
		fmt.Fprintf(&b, ", pregnant (trimester %d)", c.Trimester())
	}
	if c.CrClMLMin != nil {
		fmt.Fprintf(&b, ", CrCl %.0f mL/min", *c.CrClMLMin)
	}
	if c.WeightKG != nil {
		fmt.Fprintf(&b, ", weight %.1f kg", *c.WeightKG)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "Infection: %s", c.InfectionType)
	if r.InfectionCategory != "" && r.InfectionCategory != c.InfectionType {
		fmt.Fprintf(&b, " (%s)", r.InfectionCategory)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Allergy status: %s\n", r.AllergyClassification)
	if r.Route != "" {
		fmt.Fprintf(&b, "Route: %s\n", r.Route)
	}

	if !r.Success {
		b.WriteString("\nNo recommendation could be generated:\n")
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "  - %s\n", e)
		}
		return b.String()
	}

	b.WriteString("\nRegimen:\n")
	for _, d := range r.Drugs {
		fmt.Fprintf(&b, "  %s", d.DrugName)
		if d.Dose != "" {
			fmt.Fprintf(&b, " %s", d.Dose)
		}
		if d.Frequency != "" {
			fmt.Fprintf(&b, " %s", d.Frequency)
		}
		if d.Route != "" {
			fmt.Fprintf(&b, " (%s)", d.Route)
		}
		if d.LoadingDose != "" {
			fmt.Fprintf(&b, ", loading dose %s", d.LoadingDose)
		}
		if d.Duration != "" {
			fmt.Fprintf(&b, ", duration %s", d.Duration)
		}
		b.WriteString("\n")
		if d.RenalAdjusted {
			b.WriteString("    (dose renally adjusted)\n")
		}
	}

	if len(r.Rationale) > 0 {
		b.WriteString("\nRationale:\n")
		for _, item := range r.Rationale {
			fmt.Fprintf(&b, "  - %s\n", item)
		}
	}

	if len(r.Monitoring) > 0 {
		b.WriteString("\nMonitoring:\n")
		for _, item := range r.Monitoring {
			fmt.Fprintf(&b, "  - %s\n", item)
		}
	}

	if len(r.Warnings) > 0 {
		b.WriteString("\nWarnings:\n")
		for _, item := range r.Warnings {
			fmt.Fprintf(&b, "  - %s\n", item)
		}
	}

	b.WriteString("\nThis recommendation is decision support only and does not replace clinical judgment.\n")

	return b.String()
}
