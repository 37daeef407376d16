package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/deesatzed/tuhs-abx-steward/internal/domain"
)

// DrugSelectorService implements domain.DrugSelector: it classifies the
// patient's allergy status, queries the repository for matching regimens,
// filters out pregnancy-contraindicated drugs, and picks the first
// surviving regimen in corpus source order.
type DrugSelectorService struct {
	repo      domain.GuidelineRepository
	allergies domain.AllergyClassifier
	pregnancy domain.PregnancyFilter
}

// NewDrugSelectorService constructs a DrugSelectorService.
func NewDrugSelectorService(repo domain.GuidelineRepository, allergies domain.AllergyClassifier, pregnancy domain.PregnancyFilter) *DrugSelectorService {
	return &DrugSelectorService{repo: repo, allergies: allergies, pregnancy: pregnancy}
}

// Select maps a patient case onto a concrete drug selection.
func (s *DrugSelectorService) Select(ctx context.Context, c *domain.PatientCase) (*domain.Selection, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	allergyClass := s.allergies.Classify(c.Allergies)
	// A non-penicillin allergy selects the no_allergy regimens.
	lookupClass := allergyClass
	if lookupClass == domain.AllergyOther {
		lookupClass = domain.AllergyNone
	}

	subcategory := s.deriveCategory(c)
	regimens, err := s.repo.GetInfectionRegimens(c.InfectionType, subcategory, lookupClass)
	if err != nil {
		return nil, err
	}
	if len(regimens) == 0 && subcategory != "" {
		regimens, err = s.repo.GetInfectionRegimens(c.InfectionType, "", lookupClass)
		if err != nil {
			return nil, err
		}
	}

	if len(regimens) == 0 {
		if _, known := s.repo.Corpus().Infections[c.InfectionType]; !known {
			return nil, domain.NewRecommendationError(domain.ErrUnknownInfection,
				fmt.Sprintf("unrecognized infection_type %q", c.InfectionType), "", "")
		}
		return nil, domain.NewRecommendationError(domain.ErrNoRegimen,
			fmt.Sprintf("no regimen for infection_type=%q allergy=%s", c.InfectionType, allergyClass), "", "")
	}

	excluded := s.pregnancy.ExcludedDrugs(c)

	var chosen *domain.Regimen
	var survivors []string
	var warnings []string
	for _, reg := range regimens {
		remaining := filterExcludedDrugs(reg.Drugs, excluded, reg.CategoryName, &warnings)
		if len(remaining) == 0 {
			warnings = append(warnings, fmt.Sprintf(
				"regimen %q skipped: every drug is contraindicated in pregnancy", reg.CategoryName))
			continue
		}
		chosen = reg
		survivors = remaining
		break
	}
	if chosen == nil {
		return nil, domain.NewRecommendationError(domain.ErrNoRegimen,
			fmt.Sprintf("every regimen for infection_type=%q allergy=%s was excluded by pregnancy filtering",
				c.InfectionType, allergyClass), "", "")
	}

	var rationale []string
	if chosen.Reasoning != "" {
		rationale = append(rationale, chosen.Reasoning)
	}
	if chosen.Note != "" {
		warnings = append(warnings, chosen.Note)
	}
	warnings = append(warnings, s.repo.GetCriticalRules(c.InfectionType)...)
	if chosen.EffectiveRoute == domain.RouteIV && !mentionsIV(warnings) {
		warnings = append(warnings, "IV access required: this regimen is IV-only")
	}

	return &domain.Selection{
		InfectionCategory:     chosen.CategoryName,
		Route:                 chosen.EffectiveRoute,
		AllergyClassification: allergyClass,
		DrugIDs:               survivors,
		Rationale:             rationale,
		Warnings:              warnings,
	}, nil
}

// deriveCategory maps a patient case onto the corpus category name for its
// infection type, following the same per-infection rules a clinician would
// apply when triaging: an explicit presentation keyword wins outright,
// otherwise fever/severity/location/mrsa_risk flags decide, and infection
// types without a specific rule pass the free-text hint straight through
// for the repository's substring fallback to resolve.
func (s *DrugSelectorService) deriveCategory(c *domain.PatientCase) string {
	infection := strings.ToLower(strings.TrimSpace(c.InfectionType))
	presentation := strings.ToLower(c.Presentation)
	location := strings.ToLower(c.Location)

	switch infection {
	case "uti":
		switch {
		case strings.Contains(presentation, "pyelonephritis"), strings.Contains(presentation, "flank"), strings.Contains(presentation, "costovertebral"), strings.Contains(presentation, "cvat"):
			return "pyelonephritis"
		case strings.Contains(presentation, "cystitis"):
			return "cystitis"
		case c.HasFever():
			return "pyelonephritis"
		default:
			return "cystitis"
		}

	case "pneumonia":
		switch {
		case strings.Contains(location, "icu"), c.Severity == domain.SeveritySevere:
			return "severe_cap"
		case strings.Contains(presentation, "hap"), strings.Contains(location, "hospital"):
			return "hap"
		case strings.Contains(presentation, "vap"), strings.Contains(location, "ventilator"):
			return "vap"
		case strings.Contains(presentation, "aspiration"):
			return "aspiration"
		default:
			return "cap"
		}

	case "intra_abdominal":
		if c.Severity == domain.SeveritySevere {
			return "severe_intra_abdominal"
		}
		return "moderate_intra_abdominal"

	case "bacteremia", "sepsis":
		if c.HasMRSARisk() || strings.Contains(presentation, "mrsa") {
			return "bacteremia_mrsa"
		}
		return "bacteremia"

	case "meningitis":
		return "bacterial_meningitis"

	default:
		hint := strings.TrimSpace(c.Presentation)
		if hint == "" {
			hint = strings.TrimSpace(c.Location)
		}
		return hint
	}
}

// filterExcludedDrugs returns reg's drugs with every pregnancy-excluded drug
// removed, appending a warning to *warnings for each one dropped.
func filterExcludedDrugs(drugs []string, excluded map[string]bool, categoryName string, warnings *[]string) []string {
	var remaining []string
	for _, d := range drugs {
		if excluded[d] {
			*warnings = append(*warnings, fmt.Sprintf(
				"%s removed from regimen %q: contraindicated in pregnancy", d, categoryName))
			continue
		}
		remaining = append(remaining, d)
	}
	return remaining
}

// mentionsIV reports whether any existing warning already states an IV
// requirement, so the generic IV-required sentence isn't added redundantly
// alongside an infection-specific critical rule that already says so.
func mentionsIV(warnings []string) bool {
	for _, w := range warnings {
		if strings.Contains(w, "IV") {
			return true
		}
	}
	return false
}
