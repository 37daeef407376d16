package service

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deesatzed/tuhs-abx-steward/internal/domain"
	"github.com/deesatzed/tuhs-abx-steward/internal/repository"
)

// newVancomycinTestRepo builds a repository fixture isolated from
// newTestRepo's, carrying a weight-based drug with a CrCl tier whose
// override is itself an mg/kg template, to exercise the renal-adjustment-
// then-weight-based-resolution ordering.
func newVancomycinTestRepo(t *testing.T) domain.GuidelineRepository {
	t.Helper()
	dir := t.TempDir()

	writeFixture(t, dir, "index.json", `{
		"version": "vanc-test",
		"loading_order": ["infections/*.json", "drugs/*.json", "modifiers/*.json"],
		"infections": {"bacteremia": {"critical_rules": ["Obtain blood cultures before starting therapy"]}}
	}`)

	writeFixture(t, dir, "infections/bacteremia.json", `{
		"infection_id": "bacteremia",
		"categories": [
			{
				"name": "bacteremia_mrsa",
				"route": "IV",
				"duration": "14 days",
				"regimens": [
					{"allergy_status": "no_allergy", "drugs": ["vancomycin"], "reasoning": "covers MRSA bacteremia"}
				]
			}
		]
	}`)

	writeFixture(t, dir, "drugs/vancomycin.json", `{
		"drug_id": "vancomycin", "drug_name": "Vancomycin", "class": "glycopeptide",
		"spectrum": {"gram_positive": "excellent"},
		"weight_based": true,
		"dosing": {"by_indication": {"bacteremia_mrsa": {"maintenance_dose": "15-20mg/kg", "loading_dose": "25-30mg/kg", "frequency": "q12h", "route": "IV", "duration": "14 days"}}},
		"monitoring": {"required": ["trough level", "serum creatinine"]}, "pregnancy_safe": "safe",
		"renal_adjustment": {"critical": true}
	}`)

	writeFixture(t, dir, "modifiers/allergy_rules.json", `{
		"mild": {"keywords": ["rash"]},
		"severe": {"keywords": ["anaphylaxis"]}
	}`)

	writeFixture(t, dir, "modifiers/pregnancy_rules.json", `{
		"contraindicated_antibiotics": {},
		"trimester_specific_guidance": {"first_trimester": {"avoid": []}, "second_third_trimester": {"avoid": []}}
	}`)

	writeFixture(t, dir, "modifiers/renal_adjustment_rules.json", `{
		"drugs_requiring_adjustment": {
			"vancomycin": {
				"adjustment_required": true,
				"crcl_30_60": "15mg/kg q24h",
				"crcl_15_29": "15-20mg/kg q48h",
				"crcl_lt_15": "15mg/kg, redose by trough level",
				"note": "renal dosing of vancomycin is guided by trough levels, not a fixed formula",
				"monitoring": ["trough level", "serum creatinine"]
			}
		}
	}`)

	repo := repository.NewGuidelineFileRepository(logrus.New())
	_, err := repo.Load(context.Background(), dir)
	require.NoError(t, err)
	return repo
}

func TestDoseCalculatorService_FixedDose(t *testing.T) {
	repo := newTestRepo(t)
	calc := NewDoseCalculatorService(repo, NewRenalAdjusterService(repo))

	dosed, err := calc.Calculate(context.Background(), []string{"ceftriaxone"}, "pyelonephritis", nil, nil, 40)
	require.NoError(t, err)
	require.Len(t, dosed.Drugs, 1)
	assert.Equal(t, "1g", dosed.Drugs[0].Dose)
	assert.Equal(t, "q24h", dosed.Drugs[0].Frequency)
	assert.Contains(t, dosed.Monitoring, "renal function")
}

func TestDoseCalculatorService_UnknownDrugRecordsError(t *testing.T) {
	repo := newTestRepo(t)
	calc := NewDoseCalculatorService(repo, NewRenalAdjusterService(repo))

	dosed, err := calc.Calculate(context.Background(), []string{"not-a-real-drug"}, "pyelonephritis", nil, nil, 40)
	require.NoError(t, err)
	assert.Empty(t, dosed.Drugs)
	require.Len(t, dosed.Errors, 1)
}

func TestResolveWeightBasedDose(t *testing.T) {
	tests := []struct {
		template string
		weight   float64
		want     string
		ok       bool
	}{
		{"15-20mg/kg", 70, "1250mg", true}, // midpoint 17.5 * 70 = 1225 -> rounds to 1250
		{"5mg/kg", 100, "500mg", true},
		{"", 70, "", false},
		{"not a dose", 70, "", false},
	}

	for _, tt := range tests {
		got, ok := resolveWeightBasedDose(tt.template, tt.weight)
		assert.Equal(t, tt.ok, ok, "template=%q", tt.template)
		if tt.ok {
			assert.Equal(t, tt.want, got, "template=%q", tt.template)
		}
	}
}

func TestDomainRecommendationResult(t *testing.T) {
	var r domain.RecommendationResult
	assert.False(t, r.Success)
}

// TestDoseCalculatorService_RenalAdjustmentResolvesWeightBasedTemplate covers
// the case where a CrCl tier override is itself an mg/kg template: the renal
// adjustment must run first so the weight-based step resolves the post-
// adjustment template instead of having its own calculation clobbered.
func TestDoseCalculatorService_RenalAdjustmentResolvesWeightBasedTemplate(t *testing.T) {
	repo := newVancomycinTestRepo(t)
	calc := NewDoseCalculatorService(repo, NewRenalAdjusterService(repo))

	crcl := 25.0
	weight := 80.0
	dosed, err := calc.Calculate(context.Background(), []string{"vancomycin"}, "bacteremia_mrsa", &crcl, &weight, 75)
	require.NoError(t, err)
	require.Len(t, dosed.Drugs, 1)

	drug := dosed.Drugs[0]
	assert.True(t, drug.RenalAdjusted)
	// midpoint of the renally-retiered 15-20mg/kg range * 80kg = 1400mg,
	// rounded to the nearest 250mg = 1500mg.
	assert.Equal(t, "1500mg", drug.Dose)
	require.NotNil(t, drug.CalculatedDose)
	assert.Equal(t, "1500mg", drug.CalculatedDose.MaintenanceDoseCalculated)

	require.Len(t, dosed.Warnings, 2)
	assert.Contains(t, dosed.Warnings[0], "severe renal impairment")
}

func TestDoseCalculatorService_RegimenLevelWarnings(t *testing.T) {
	repo := newTestRepo(t)
	calc := NewDoseCalculatorService(repo, NewRenalAdjusterService(repo))

	t.Run("crcl below 30 adds severe renal impairment warning", func(t *testing.T) {
		crcl := 20.0
		dosed, err := calc.Calculate(context.Background(), []string{"ceftriaxone"}, "pyelonephritis", &crcl, nil, 40)
		require.NoError(t, err)
		assert.Contains(t, joinWarnings(dosed.Warnings), "severe renal impairment")
	})

	t.Run("age 65+ adds elderly caution", func(t *testing.T) {
		dosed, err := calc.Calculate(context.Background(), []string{"ceftriaxone"}, "pyelonephritis", nil, nil, 70)
		require.NoError(t, err)
		assert.Contains(t, joinWarnings(dosed.Warnings), "70 years old")
	})

	t.Run("normal crcl and young patient adds no regimen-level warnings", func(t *testing.T) {
		crcl := 90.0
		dosed, err := calc.Calculate(context.Background(), []string{"ceftriaxone"}, "pyelonephritis", &crcl, nil, 40)
		require.NoError(t, err)
		assert.Empty(t, dosed.Warnings)
	})
}

func joinWarnings(warnings []string) string {
	out := ""
	for _, w := range warnings {
		out += w + "\n"
	}
	return out
}
