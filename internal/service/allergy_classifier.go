package service

import (
	"github.com/deesatzed/tuhs-abx-steward/internal/domain"
)

// AllergyClassifierService implements domain.AllergyClassifier against a
// live guideline repository, so the keyword lists stay in sync with whatever
// corpus is currently loaded.
type AllergyClassifierService struct {
	repo domain.GuidelineRepository
}

// NewAllergyClassifierService constructs an AllergyClassifierService.
func NewAllergyClassifierService(repo domain.GuidelineRepository) *AllergyClassifierService {
	return &AllergyClassifierService{repo: repo}
}

// Classify maps free-text allergy descriptions to an AllergyClassification.
func (s *AllergyClassifierService) Classify(text string) domain.AllergyClassification {
	return s.repo.ClassifyAllergySeverity(text)
}
