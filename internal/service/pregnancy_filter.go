package service

import (
	"github.com/deesatzed/tuhs-abx-steward/internal/domain"
)

// PregnancyFilterService implements domain.PregnancyFilter: for a pregnant
// patient it returns the set of drug ids that must be excluded from
// selection, driven entirely by the repository's pregnancy rules.
type PregnancyFilterService struct {
	repo domain.GuidelineRepository
}

// NewPregnancyFilterService constructs a PregnancyFilterService.
func NewPregnancyFilterService(repo domain.GuidelineRepository) *PregnancyFilterService {
	return &PregnancyFilterService{repo: repo}
}

// ExcludedDrugs returns the empty set for a non-pregnant case. For a
// pregnant case it checks every drug the corpus knows about against
// CheckPregnancySafe for the patient's trimester and returns the ones that
// fail.
func (s *PregnancyFilterService) ExcludedDrugs(c *domain.PatientCase) map[string]bool {
	excluded := make(map[string]bool)
	if !c.IsPregnant() {
		return excluded
	}

	for _, drugID := range s.repo.AllDrugIDs() {
		if safe, _ := s.repo.CheckPregnancySafe(drugID, c.Trimester()); !safe {
			excluded[drugID] = true
		}
	}
	return excluded
}

// ExclusionReason re-runs CheckPregnancySafe to recover the human-readable
// reason a drug was excluded, for rationale rendering.
func (s *PregnancyFilterService) ExclusionReason(drugID string, trimester int) string {
	_, reason := s.repo.CheckPregnancySafe(drugID, trimester)
	return reason
}
