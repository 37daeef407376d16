package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/deesatzed/tuhs-abx-steward/internal/domain"
)

func TestPregnancyFilterService_NonPregnantReturnsEmptySet(t *testing.T) {
	repo := newTestRepo(t)
	filter := NewPregnancyFilterService(repo)

	excluded := filter.ExcludedDrugs(&domain.PatientCase{Age: 30, InfectionType: "uti"})
	assert.Empty(t, excluded)
}

func TestPregnancyFilterService_ExcludesTrimesterSpecificDrug(t *testing.T) {
	repo := newTestRepo(t)
	filter := NewPregnancyFilterService(repo)

	trimester := 3
	excluded := filter.ExcludedDrugs(&domain.PatientCase{Age: 30, InfectionType: "uti", Pregnancy: &trimester})
	assert.True(t, excluded["nitrofurantoin"])
	assert.False(t, excluded["ceftriaxone"])
}

func TestPregnancyFilterService_ExclusionReason(t *testing.T) {
	repo := newTestRepo(t)
	filter := NewPregnancyFilterService(repo)

	reason := filter.ExclusionReason("nitrofurantoin", 3)
	assert.Contains(t, reason, "trimester")
}
