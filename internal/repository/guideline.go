// Package repository loads the institutional guideline corpus from disk and
// answers the structured queries the recommendation pipeline issues against
// it.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deesatzed/tuhs-abx-steward/internal/domain"
)

// indexDoc is the top-level manifest (index.json) that drives corpus loading.
type indexDoc struct {
	Version      string                     `json:"version"`
	LoadingOrder []string                   `json:"loading_order"`
	Infections   map[string]indexInfection  `json:"infections"`
}

type indexInfection struct {
	CriticalRules []string `json:"critical_rules"`
}

// GuidelineFileRepository implements domain.GuidelineRepository by loading a
// directory tree of JSON documents and serving queries against the in-memory
// corpus they produce.
//
// The corpus is swapped atomically on Load/Reload: readers never observe a
// partially built corpus, and a failed reload leaves the previous corpus in
// place.
type GuidelineFileRepository struct {
	logger *logrus.Logger

	loadMu  sync.Mutex // serializes Load/Reload against each other
	rootDir string
	corpus  atomic.Pointer[domain.GuidelineCorpus]
}

// NewGuidelineFileRepository creates a repository with no corpus loaded yet.
// Call Load before issuing queries.
func NewGuidelineFileRepository(logger *logrus.Logger) *GuidelineFileRepository {
	if logger == nil {
		logger = logrus.New()
	}
	return &GuidelineFileRepository{logger: logger}
}

// Load reads the corpus rooted at rootDir, validates its cross-references,
// and installs it as the active corpus.
func (r *GuidelineFileRepository) Load(ctx context.Context, rootDir string) (*domain.ValidationReport, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	corpus, report, err := r.loadCorpus(ctx, rootDir)
	if err != nil {
		return nil, err
	}

	r.rootDir = rootDir
	r.corpus.Store(corpus)

	r.logger.WithFields(logrus.Fields{
		"root_dir":    rootDir,
		"infections":  len(corpus.Infections),
		"drugs":       len(corpus.Drugs),
		"violations":  len(report.Violations),
		"corpus_version": corpus.Version,
	}).Info("guideline corpus loaded")

	return report, nil
}

// Reload re-reads the corpus from the root directory last passed to Load.
func (r *GuidelineFileRepository) Reload(ctx context.Context) (*domain.ValidationReport, error) {
	r.loadMu.Lock()
	rootDir := r.rootDir
	r.loadMu.Unlock()
	if rootDir == "" {
		return nil, fmt.Errorf("guideline repository: Reload called before Load")
	}
	return r.Load(ctx, rootDir)
}

// Corpus returns the currently active corpus, or nil if Load has not
// succeeded yet.
func (r *GuidelineFileRepository) Corpus() *domain.GuidelineCorpus {
	return r.corpus.Load()
}

func (r *GuidelineFileRepository) loadCorpus(ctx context.Context, rootDir string) (*domain.GuidelineCorpus, *domain.ValidationReport, error) {
	indexPath := filepath.Join(rootDir, "index.json")
	raw, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading index.json: %v", errInvalidCorpus, err)
	}

	var idx indexDoc
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, nil, fmt.Errorf("%w: parsing index.json: %v", errInvalidCorpus, err)
	}

	corpus := &domain.GuidelineCorpus{
		Version:       idx.Version,
		LoadedAt:      time.Now().UTC(),
		Infections:    make(map[string]*domain.InfectionDoc),
		Drugs:         make(map[string]*domain.DrugDoc),
		CriticalRules: make(map[string][]string),
	}

	for _, pattern := range idx.LoadingOrder {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}

		matches, err := filepath.Glob(filepath.Join(rootDir, pattern))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: bad loading_order pattern %q: %v", errInvalidCorpus, pattern, err)
		}
		if len(matches) == 0 {
			r.logger.WithField("pattern", pattern).Warn("guideline loading_order pattern matched no files")
			continue
		}
		sort.Strings(matches)

		for _, match := range matches {
			if err := r.loadOne(match, corpus); err != nil {
				return nil, nil, err
			}
		}
	}

	for infectionID, meta := range idx.Infections {
		if len(meta.CriticalRules) > 0 {
			corpus.CriticalRules[infectionID] = meta.CriticalRules
		}
	}

	report := r.validate(corpus)
	return corpus, report, nil
}

func (r *GuidelineFileRepository) loadOne(path string, corpus *domain.GuidelineCorpus) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", errInvalidCorpus, path, err)
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	dir := filepath.Base(filepath.Dir(path))

	switch dir {
	case "infections":
		var doc domain.InfectionDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("%w: parsing infection doc %s: %v", errInvalidCorpus, path, err)
		}
		if doc.InfectionID == "" {
			doc.InfectionID = stem
		}
		corpus.Infections[stem] = &doc

	case "drugs":
		var doc domain.DrugDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("%w: parsing drug doc %s: %v", errInvalidCorpus, path, err)
		}
		if doc.DrugID == "" {
			doc.DrugID = stem
		}
		corpus.Drugs[stem] = &doc

	case "modifiers":
		switch stem {
		case "allergy_rules":
			var doc domain.AllergyRulesDoc
			if err := json.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("%w: parsing allergy_rules.json: %v", errInvalidCorpus, err)
			}
			corpus.AllergyRules = &doc
		case "pregnancy_rules":
			var doc domain.PregnancyRulesDoc
			if err := json.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("%w: parsing pregnancy_rules.json: %v", errInvalidCorpus, err)
			}
			corpus.PregnancyRules = &doc
		case "renal_adjustment_rules":
			var doc domain.RenalAdjustmentRulesDoc
			if err := json.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("%w: parsing renal_adjustment_rules.json: %v", errInvalidCorpus, err)
			}
			corpus.RenalRules = &doc
		default:
			r.logger.WithField("file", path).Warn("unrecognized modifiers document, skipping")
		}

	default:
		r.logger.WithField("file", path).Warn("unrecognized guideline document location, skipping")
	}

	return nil
}

// validate checks every cross-reference the corpus depends on at query time:
// every drug id named by a regimen, a renal rule, or a pregnancy rule must
// resolve to a loaded drug monograph.
func (r *GuidelineFileRepository) validate(corpus *domain.GuidelineCorpus) *domain.ValidationReport {
	var violations []string

	for infectionID, doc := range corpus.Infections {
		for _, cat := range doc.Categories {
			for _, reg := range cat.Regimens {
				for _, drugID := range reg.Drugs {
					if _, ok := corpus.Drugs[drugID]; !ok {
						violations = append(violations, fmt.Sprintf(
							"infection %q category %q references unknown drug %q", infectionID, cat.Name, drugID))
					}
				}
			}
		}
	}

	if corpus.RenalRules != nil {
		for drugID := range corpus.RenalRules.DrugsRequiringAdjustment {
			if _, ok := corpus.Drugs[drugID]; !ok {
				violations = append(violations, fmt.Sprintf(
					"renal_adjustment_rules references unknown drug %q", drugID))
			}
		}
	}

	if corpus.PregnancyRules != nil {
		for class, entry := range corpus.PregnancyRules.ContraindicatedAntibiotics {
			for _, drugID := range entry.Drugs {
				if _, ok := corpus.Drugs[drugID]; !ok {
					violations = append(violations, fmt.Sprintf(
						"pregnancy_rules class %q references unknown drug %q", class, drugID))
				}
			}
		}
	}

	if len(violations) > 0 {
		r.logger.WithField("violations", violations).Warn("guideline corpus cross-reference violations")
	}

	return &domain.ValidationReport{Violations: violations}
}

// GetInfectionRegimens returns the regimens matching infectionID, optionally
// filtered to categories whose name contains subcategory, restricted to the
// given allergy status, enriched with the effective route and duration.
//
// An unrecognized infectionID returns an empty, non-error result: the caller
// (the drug selector) is responsible for distinguishing "no such infection"
// from "infection known, nothing survived filtering".
func (r *GuidelineFileRepository) GetInfectionRegimens(infectionID, subcategory string, allergyStatus domain.AllergyClassification) ([]*domain.Regimen, error) {
	corpus := r.Corpus()
	if corpus == nil {
		return nil, fmt.Errorf("%w: corpus not loaded", errInvalidCorpus)
	}

	doc, ok := corpus.Infections[infectionID]
	if !ok {
		return nil, nil
	}

	var out []*domain.Regimen
	needle := strings.ToLower(strings.TrimSpace(subcategory))
	for _, cat := range doc.Categories {
		if needle != "" && !strings.Contains(strings.ToLower(cat.Name), needle) {
			continue
		}
		for _, reg := range cat.Regimens {
			if reg.AllergyStatus != allergyStatus {
				continue
			}
			clone := *reg
			clone.CategoryName = cat.Name
			clone.EffectiveRoute = reg.Route
			if clone.EffectiveRoute == "" {
				clone.EffectiveRoute = cat.Route
			}
			clone.EffectiveDuration = reg.Duration
			if clone.EffectiveDuration == "" {
				clone.EffectiveDuration = cat.DefaultDuration
			}
			out = append(out, &clone)
		}
	}

	return out, nil
}

// GetDrugDose resolves the dose entry for drugID+indication, falling back to
// the first indication key that contains indication as a substring, then
// applies renal adjustment when crcl is supplied.
func (r *GuidelineFileRepository) GetDrugDose(drugID, indication string, crcl *float64) (*domain.DoseEntry, error) {
	corpus := r.Corpus()
	if corpus == nil {
		return nil, fmt.Errorf("%w: corpus not loaded", errInvalidCorpus)
	}

	drug, ok := corpus.Drugs[drugID]
	if !ok {
		return nil, domain.NewRecommendationError(domain.ErrUnknownDrug,
			fmt.Sprintf("unknown drug %q", drugID), "", "")
	}

	entry, found := drug.Dosing.ByIndication.Get(indication)
	if !found {
		_, fallback, ok := drug.Dosing.ByIndication.FindSubstring(indication)
		if !ok {
			return nil, domain.NewRecommendationError(domain.ErrMissingDoseEntry,
				fmt.Sprintf("no dose entry for drug %q indication %q", drugID, indication), "", "")
		}
		entry = fallback
	}

	result := *entry
	result.DrugID = drug.DrugID
	result.DrugName = drug.DrugName
	result.Class = drug.Class
	result.OriginalDose = entry.EffectiveDose()

	if crcl != nil {
		adjusted, note, extraMonitoring := r.applyRenalAdjustment(drugID, *crcl, &result)
		result.RenalAdjusted = adjusted
		result.RenalNote = note
		result.ExtraMonitoring = extraMonitoring
	}

	return &result, nil
}

// applyRenalAdjustment overrides result's dose fields per the CrCl tier the
// patient falls in ([30,60), [15,30), [10,15), below 10; none at 60 and
// above), and returns whether an override was applied.
func (r *GuidelineFileRepository) applyRenalAdjustment(drugID string, crcl float64, result *domain.DoseEntry) (bool, string, []string) {
	corpus := r.Corpus()
	if corpus == nil || corpus.RenalRules == nil {
		return false, "", nil
	}
	rule, ok := corpus.RenalRules.DrugsRequiringAdjustment[drugID]
	if !ok || !rule.AdjustmentRequired {
		return false, "", nil
	}

	var tierDose string
	switch {
	case crcl >= 60:
	case crcl >= 30:
		tierDose = rule.CrCl3060
	case crcl >= 15:
		tierDose = rule.CrCl1529
	case crcl >= 10:
		tierDose = rule.CrCl1029
	case rule.CrClLt15 != "":
		tierDose = rule.CrClLt15
	default:
		tierDose = rule.CrClLt10
	}

	if tierDose == "" {
		return false, "", nil
	}

	result.Dose = tierDose
	result.MaintenanceDose = ""
	return true, rule.Note, rule.Monitoring
}

// CheckPregnancySafe reports whether drugID is safe to prescribe in the
// given trimester (trimester 0 means "pregnant, trimester unspecified").
func (r *GuidelineFileRepository) CheckPregnancySafe(drugID string, trimester int) (bool, string) {
	corpus := r.Corpus()
	if corpus == nil {
		return true, ""
	}

	if corpus.PregnancyRules != nil {
		for _, class := range corpus.PregnancyRules.ContraindicatedAntibiotics {
			for _, d := range class.Drugs {
				if d == drugID {
					return false, class.Reason
				}
			}
		}
		switch trimester {
		case 1:
			for _, d := range corpus.PregnancyRules.TrimesterSpecificGuidance.FirstTrimester.Avoid {
				if d == drugID {
					return false, "contraindicated in the first trimester"
				}
			}
		case 2, 3:
			for _, d := range corpus.PregnancyRules.TrimesterSpecificGuidance.SecondThirdTrimester.Avoid {
				if d == drugID {
					return false, "contraindicated in the second or third trimester"
				}
			}
		}
	}

	if drug, ok := corpus.Drugs[drugID]; ok {
		status := strings.ToLower(drug.PregnancySafe)
		if status == "contraindicated" || strings.Contains(status, "avoid") {
			reason := drug.PregnancyNote
			if reason == "" {
				reason = "contraindicated in pregnancy"
			}
			return false, reason
		}
	}

	return true, ""
}

// ClassifyAllergySeverity maps free-text allergy descriptions to an
// AllergyClassification using the corpus's keyword lists.
func (r *GuidelineFileRepository) ClassifyAllergySeverity(text string) domain.AllergyClassification {
	corpus := r.Corpus()
	var rules *domain.AllergyRulesDoc
	if corpus != nil {
		rules = corpus.AllergyRules
	}
	return ClassifyAllergySeverity(text, rules)
}

// ClassifyAllergySeverity is the standalone algorithm behind
// GuidelineFileRepository.ClassifyAllergySeverity, exported so callers that
// only hold an AllergyRulesDoc (tests, the allergy classifier service) can
// invoke it without a full repository.
func ClassifyAllergySeverity(text string, rules *domain.AllergyRulesDoc) domain.AllergyClassification {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return domain.AllergyNone
	}

	lower := strings.ToLower(trimmed)
	if !mentionsPenicillin(lower) {
		return domain.AllergyOther
	}

	if rules != nil && containsAny(lower, rules.Severe.Keywords) {
		return domain.AllergySeverePCN
	}
	if rules != nil && containsAny(lower, rules.Mild.Keywords) {
		return domain.AllergyMildPCN
	}
	// Penicillin-class allergy mentioned but no severity keyword matched:
	// default conservatively to mild rather than assume no allergy.
	return domain.AllergyMildPCN
}

func mentionsPenicillin(lower string) bool {
	for _, token := range []string{"penicillin", "pcn", "pen ", "amoxicillin", "ampicillin"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func containsAny(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// GetCriticalRules returns the critical-rule strings registered for an
// infection id in index.json, or nil if none were registered.
func (r *GuidelineFileRepository) GetCriticalRules(infectionID string) []string {
	corpus := r.Corpus()
	if corpus == nil {
		return nil
	}
	return corpus.CriticalRules[infectionID]
}

// GetDrug returns the monograph for drugID.
func (r *GuidelineFileRepository) GetDrug(drugID string) (*domain.DrugDoc, bool) {
	corpus := r.Corpus()
	if corpus == nil {
		return nil, false
	}
	drug, ok := corpus.Drugs[drugID]
	return drug, ok
}

// AllDrugIDs returns every loaded drug id, sorted for deterministic
// iteration by callers such as the pregnancy filter.
func (r *GuidelineFileRepository) AllDrugIDs() []string {
	corpus := r.Corpus()
	if corpus == nil {
		return nil
	}
	ids := make([]string, 0, len(corpus.Drugs))
	for id := range corpus.Drugs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var errInvalidCorpus = fmt.Errorf("%s", domain.ErrInvalidCorpus)
