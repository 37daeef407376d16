package service

import (
	"context"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deesatzed/tuhs-abx-steward/internal/domain"
	"github.com/deesatzed/tuhs-abx-steward/internal/repository"
)

// newCorpusEngine builds a RecommendationEngineService against the real,
// on-disk guideline corpus rather than an in-memory fixture, so these tests
// exercise the actual institutional data the binary ships with.
func newCorpusEngine(t *testing.T) *RecommendationEngineService {
	t.Helper()
	logger := logrus.New()
	repo := repository.NewGuidelineFileRepository(logger)
	report, err := repo.Load(context.Background(), "../../guidelines")
	require.NoError(t, err)
	require.Empty(t, report.Violations, "guideline corpus has cross-reference violations: %v", report.Violations)

	allergies := NewAllergyClassifierService(repo)
	pregnancy := NewPregnancyFilterService(repo)
	selector := NewDrugSelectorService(repo, allergies, pregnancy)
	calculator := NewDoseCalculatorService(repo, NewRenalAdjusterService(repo))
	return NewRecommendationEngineService(repo, selector, calculator, nil, logger)
}

func containsDrug(drugs []*domain.DosedDrug, id string) bool {
	for _, d := range drugs {
		if d.DrugID == id {
			return true
		}
	}
	return false
}

func drugIDs(drugs []*domain.DosedDrug) []string {
	ids := make([]string, len(drugs))
	for i, d := range drugs {
		ids[i] = d.DrugID
	}
	return ids
}

func containsWarningSubstr(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

// Scenario 1: febrile UTI resolves to pyelonephritis, IV, ceftriaxone,
// with the pyelonephritis-IV critical rule surfaced as a warning.
func TestScenario1_FebrileUTI(t *testing.T) {
	engine := newCorpusEngine(t)

	fever := true
	result, err := engine.Recommend(context.Background(), &domain.PatientCase{
		Age: 55, InfectionType: "uti", Fever: &fever,
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.Equal(t, "pyelonephritis", result.InfectionCategory)
	assert.Equal(t, domain.RouteIV, result.Route)
	assert.True(t, containsDrug(result.Drugs, "ceftriaxone"), "drug set %v must include ceftriaxone", drugIDs(result.Drugs))
	assert.True(t, containsWarningSubstr(result.Warnings, "IV therapy"), "warnings %v must include the pyelonephritis-IV rule", result.Warnings)
}

// Scenario 2: severe PCN allergy on intra-abdominal infection excludes
// penicillins/cephalosporins and selects aztreonam + metronidazole.
func TestScenario2_IntraAbdominalSeverePCNAllergy(t *testing.T) {
	engine := newCorpusEngine(t)

	result, err := engine.Recommend(context.Background(), &domain.PatientCase{
		Age: 65, InfectionType: "intra_abdominal", Allergies: "Penicillin - anaphylaxis",
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.Equal(t, domain.AllergySeverePCN, result.AllergyClassification)
	assert.True(t, containsDrug(result.Drugs, "aztreonam"))
	assert.True(t, containsDrug(result.Drugs, "metronidazole"))
	for _, d := range result.Drugs {
		assert.NotEqual(t, "penicillin", d.Class)
		assert.NotEqual(t, "cephalosporin", d.Class)
	}
}

// Scenario 3: pregnant, febrile UTI with severe PCN allergy selects
// aztreonam, IV route, and excludes fluoroquinolones and cephalosporins.
func TestScenario3_PregnantFebrileUTISeverePCNAllergy(t *testing.T) {
	engine := newCorpusEngine(t)

	fever := true
	trimester := 2
	result, err := engine.Recommend(context.Background(), &domain.PatientCase{
		Age: 28, InfectionType: "uti", Fever: &fever, Pregnancy: &trimester,
		Allergies: "PCN (anaphylaxis)",
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.Equal(t, domain.AllergySeverePCN, result.AllergyClassification)
	assert.Equal(t, domain.RouteIV, result.Route)
	assert.True(t, containsDrug(result.Drugs, "aztreonam"))
	for _, d := range result.Drugs {
		assert.NotEqual(t, "fluoroquinolone", d.Class)
		assert.NotEqual(t, "cephalosporin", d.Class)
	}
}

// Scenario 4: bacteremia with MRSA risk and impaired renal function selects
// vancomycin, renally adjusts it, and resolves the adjusted mg/kg template
// against patient weight to the spec's literal 1,500mg expectation.
func TestScenario4_BacteremiaMRSARenalAdjustment(t *testing.T) {
	engine := newCorpusEngine(t)

	mrsa := true
	crcl := 25.0
	weight := 80.0
	result, err := engine.Recommend(context.Background(), &domain.PatientCase{
		Age: 75, InfectionType: "bacteremia", MRSARisk: &mrsa, WeightKG: &weight, CrClMLMin: &crcl,
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	var vanco *domain.DosedDrug
	for _, d := range result.Drugs {
		if d.DrugID == "vancomycin" {
			vanco = d
		}
	}
	require.NotNil(t, vanco, "drug set %v must include vancomycin", drugIDs(result.Drugs))
	assert.True(t, vanco.RenalAdjusted)
	require.NotNil(t, vanco.CalculatedDose)
	assert.Equal(t, "1500mg", vanco.CalculatedDose.MaintenanceDoseCalculated)
	assert.True(t, containsWarningSubstr(result.Warnings, "severe renal impairment"), "warnings %v must include a severe-renal-impairment caution", result.Warnings)
}

// Scenario 5: meningitis selects ceftriaxone at the meningitis-specific
// higher dose and vancomycin with a populated loading dose.
func TestScenario5_Meningitis(t *testing.T) {
	engine := newCorpusEngine(t)

	weight := 70.0
	result, err := engine.Recommend(context.Background(), &domain.PatientCase{
		Age: 42, InfectionType: "meningitis", WeightKG: &weight,
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	var ceft, vanco *domain.DosedDrug
	for _, d := range result.Drugs {
		switch d.DrugID {
		case "ceftriaxone":
			ceft = d
		case "vancomycin":
			vanco = d
		}
	}
	require.NotNil(t, ceft, "drug set %v must include ceftriaxone", drugIDs(result.Drugs))
	require.NotNil(t, vanco, "drug set %v must include vancomycin", drugIDs(result.Drugs))
	assert.Equal(t, "2g", ceft.Dose)
	assert.Equal(t, "q12h", ceft.Frequency)
	assert.NotEmpty(t, vanco.LoadingDose)
}

// Scenario 6: afebrile UTI resolves to cystitis, PO route, with no
// vancomycin and no IV-only beta-lactam in the drug set.
func TestScenario6_AfebrileUTI(t *testing.T) {
	engine := newCorpusEngine(t)

	fever := false
	result, err := engine.Recommend(context.Background(), &domain.PatientCase{
		Age: 45, InfectionType: "uti", Fever: &fever,
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.Equal(t, "cystitis", result.InfectionCategory)
	assert.Equal(t, domain.RoutePO, result.Route)
	assert.False(t, containsDrug(result.Drugs, "vancomycin"))
	for _, d := range result.Drugs {
		assert.NotEqual(t, domain.RouteIV, d.Route, "cystitis regimen must not include an IV-only drug")
	}
}
