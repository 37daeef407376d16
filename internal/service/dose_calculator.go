package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/deesatzed/tuhs-abx-steward/internal/domain"
)

// indicationPrefixes and indicationSuffixes are the severity/source
// qualifiers a selected category name carries (e.g. "severe_cap",
// "bacteremia_mrsa") that dose tables key on the bare indication instead.
var indicationPrefixes = []string{"mild_", "moderate_", "severe_", "community_", "hospital_", "bacterial_"}
var indicationSuffixes = []string{"_mrsa", "_sepsis", "_source"}

// normalizeIndication strips the qualifiers a category name carries down to
// the bare indication a dose table is keyed on.
func normalizeIndication(indication string) string {
	result := indication
	for _, p := range indicationPrefixes {
		result = strings.TrimPrefix(result, p)
	}
	for _, suf := range indicationSuffixes {
		result = strings.TrimSuffix(result, suf)
	}
	return result
}

// weightBasedDosePattern matches an mg/kg dose template such as "15-20mg/kg"
// or "5mg/kg".
var weightBasedDosePattern = regexp.MustCompile(`(\d+(?:\.\d+)?)(?:\s*-\s*(\d+(?:\.\d+)?))?\s*mg/kg`)

// DoseCalculatorService implements domain.DoseCalculator: it resolves a base
// dose per drug from the repository, applies renal adjustment, then applies
// weight-based mg/kg calculation for drugs the corpus flags weight_based.
type DoseCalculatorService struct {
	repo  domain.GuidelineRepository
	renal domain.RenalAdjuster
}

// NewDoseCalculatorService constructs a DoseCalculatorService.
func NewDoseCalculatorService(repo domain.GuidelineRepository, renal domain.RenalAdjuster) *DoseCalculatorService {
	return &DoseCalculatorService{repo: repo, renal: renal}
}

// Calculate resolves a fully specified regimen for the given drug ids.
func (s *DoseCalculatorService) Calculate(ctx context.Context, drugIDs []string, indication string, crcl, weightKG *float64, age int) (*domain.DosedRegimen, error) {
	result := &domain.DosedRegimen{}

	monitoringSeen := make(map[string]bool)
	addMonitoring := func(items []string) {
		for _, item := range items {
			if item == "" || monitoringSeen[item] {
				continue
			}
			monitoringSeen[item] = true
			result.Monitoring = append(result.Monitoring, item)
		}
	}

	for _, drugID := range drugIDs {
		entry, err := s.repo.GetDrugDose(drugID, indication, nil)
		if err != nil {
			var recErr *domain.RecommendationError
			if normalized := normalizeIndication(indication); normalized != indication &&
				errors.As(err, &recErr) && recErr.Code == domain.ErrMissingDoseEntry {
				entry, err = s.repo.GetDrugDose(drugID, normalized, nil)
			}
		}
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}

		drug, ok := s.repo.GetDrug(drugID)
		if !ok {
			result.Errors = append(result.Errors, fmt.Sprintf("drug %q missing from corpus after dose lookup", drugID))
			continue
		}

		dosed := &domain.DosedDrug{
			DrugID:      drug.DrugID,
			DrugName:    drug.DrugName,
			Class:       drug.Class,
			Dose:        entry.EffectiveDose(),
			Frequency:   entry.Frequency,
			Route:       entry.Route,
			Duration:    entry.Duration,
			LoadingDose: entry.LoadingDose,
			Coverage:    drug.Spectrum.Coverage(),
		}

		if entry.CriticalNote != "" {
			dosed.Warnings = append(dosed.Warnings, entry.CriticalNote)
		}

		// Renal adjustment runs before weight-based resolution: a tiered
		// override replaces entry.Dose/MaintenanceDose with the guideline's
		// CrCl-specific template (itself possibly an mg/kg template), which
		// the weight-based step below must then resolve against, not the
		// pre-adjustment values.
		if crcl != nil {
			if adjusted, warning := s.renal.Adjust(drugID, *crcl, entry); adjusted {
				dosed.Dose = entry.Dose
				dosed.RenalAdjusted = true
				dosed.Warnings = append(dosed.Warnings, fmt.Sprintf(
					"dose adjusted for CrCl = %.0f mL/min", *crcl))
				if entry.RenalNote != "" {
					dosed.Notes = append(dosed.Notes, entry.RenalNote)
				}
				addMonitoring(entry.ExtraMonitoring)
			} else if warning != "" {
				dosed.Warnings = append(dosed.Warnings, warning)
			}
			if drug.RenalAdjustment.Critical {
				dosed.Warnings = append(dosed.Warnings, fmt.Sprintf(
					"%s is nephrotoxic: monitor renal function closely at CrCl = %.0f mL/min", drug.DrugName, *crcl))
			}
		}

		if drug.WeightBased && weightKG != nil {
			calc := &domain.CalculatedDose{}
			if dose, ok := resolveWeightBasedDose(entry.MaintenanceDose, *weightKG); ok {
				calc.MaintenanceDoseCalculated = dose
				dosed.Dose = dose
			} else if dose, ok := resolveWeightBasedDose(entry.Dose, *weightKG); ok {
				calc.MaintenanceDoseCalculated = dose
				dosed.Dose = dose
			}
			if dose, ok := resolveWeightBasedDose(entry.LoadingDose, *weightKG); ok {
				calc.LoadingDoseCalculated = dose
				dosed.LoadingDose = dose
			}
			if calc.MaintenanceDoseCalculated != "" || calc.LoadingDoseCalculated != "" {
				dosed.CalculatedDose = calc
			}
		} else if drug.WeightBased && weightKG == nil {
			dosed.Warnings = append(dosed.Warnings, fmt.Sprintf(
				"%s is weight-based dosed but no weight was supplied; using guideline default", drug.DrugName))
		}

		if age >= 65 && drug.RenalAdjustment.Critical && crcl == nil {
			dosed.Warnings = append(dosed.Warnings, fmt.Sprintf(
				"%s requires renal adjustment and the patient is %d years old; obtain creatinine clearance before dosing",
				drug.DrugName, age))
		}

		addMonitoring(drug.Monitoring.Required)
		result.Drugs = append(result.Drugs, dosed)
	}

	if crcl != nil && *crcl < 30 {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"severe renal impairment (CrCl %.0f mL/min): verify all doses against pharmacy-dosing guidance", *crcl))
	}
	if age >= 65 {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"patient is %d years old: monitor closely for age-related pharmacokinetic changes and toxicity", age))
	}

	return result, nil
}

// resolveWeightBasedDose renders an mg/kg template against weightKG,
// rounding to the nearest 250mg the way weight-based glycopeptide and
// aminoglycoside dosing is conventionally rounded for ease of IV
// preparation.
func resolveWeightBasedDose(template string, weightKG float64) (string, bool) {
	match := weightBasedDosePattern.FindStringSubmatch(template)
	if match == nil {
		return "", false
	}

	low, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return "", false
	}
	perKG := low
	if match[2] != "" {
		high, err := strconv.ParseFloat(match[2], 64)
		if err == nil {
			perKG = (low + high) / 2
		}
	}

	doseMg := perKG * weightKG
	rounded := math.Round(doseMg/250) * 250
	if rounded <= 0 {
		rounded = 250
	}
	return fmt.Sprintf("%.0fmg", rounded), true
}
