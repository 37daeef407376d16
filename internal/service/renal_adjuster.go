package service

import (
	"fmt"

	"github.com/deesatzed/tuhs-abx-steward/internal/domain"
)

// RenalAdjusterService implements domain.RenalAdjuster: given a drug id and
// a creatinine clearance, it decides whether the corpus requires a dose
// override and, if so, mutates entry in place and returns a warning when the
// drug's renal_adjustment flag is marked critical but no matching tier was
// found in the corpus (a guideline gap, not a "no adjustment needed" case).
type RenalAdjusterService struct {
	repo domain.GuidelineRepository
}

// NewRenalAdjusterService constructs a RenalAdjusterService.
func NewRenalAdjusterService(repo domain.GuidelineRepository) *RenalAdjusterService {
	return &RenalAdjusterService{repo: repo}
}

// Adjust overrides entry's dose fields per the corpus's CrCl tiering for
// drugID, using the band selectRenalTier picks. It reports whether an override was applied
// and a warning string when the drug is flagged renal_adjustment.critical
// but the corpus has no matching tier for the observed CrCl.
func (s *RenalAdjusterService) Adjust(drugID string, crcl float64, entry *domain.DoseEntry) (bool, string) {
	corpus := s.repo.Corpus()
	if corpus == nil || corpus.RenalRules == nil {
		return false, ""
	}

	rule, ok := corpus.RenalRules.DrugsRequiringAdjustment[drugID]
	if !ok || !rule.AdjustmentRequired {
		return false, ""
	}

	tierDose := selectRenalTier(crcl, rule)
	if tierDose == "" {
		// crcl >= 60 means normal renal function: no tier applies because
		// none is needed, not because the guideline has a gap.
		if crcl < 60 {
			drug, _ := s.repo.GetDrug(drugID)
			if drug != nil && drug.RenalAdjustment.Critical {
				return false, fmt.Sprintf(
					"%s requires renal adjustment at CrCl %.0f mL/min but no guideline tier covers this value; use clinical judgment",
					drugID, crcl)
			}
		}
		return false, ""
	}

	entry.Dose = tierDose
	entry.MaintenanceDose = ""
	entry.RenalAdjusted = true
	entry.RenalNote = rule.Note
	entry.ExtraMonitoring = rule.Monitoring
	return true, ""
}

// selectRenalTier picks the tier field for the CrCl band the value falls in:
// [30,60) crcl_30_60, [15,30) crcl_15_29, [10,15) crcl_10_29, and below 10
// crcl_lt_15 (else crcl_lt_10); 60 and above selects none. Each band reads
// only its own field, so a value of, say, 20 mL/min never falls through to
// another tier just because no 15-29 tier was defined.
func selectRenalTier(crcl float64, rule *domain.RenalAdjustmentRule) string {
	switch {
	case crcl >= 60:
		return ""
	case crcl >= 30:
		return rule.CrCl3060
	case crcl >= 15:
		return rule.CrCl1529
	case crcl >= 10:
		return rule.CrCl1029
	case rule.CrClLt15 != "":
		return rule.CrClLt15
	default:
		return rule.CrClLt10
	}
}
