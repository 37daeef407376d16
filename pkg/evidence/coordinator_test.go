package evidence

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deesatzed/tuhs-abx-steward/internal/domain"
)

func TestCoordinator_Search_Tier0SkipsNetwork(t *testing.T) {
	cfg := domain.EvidenceConfig{
		Tier0Threshold: 0.8,
		Tier1Threshold: 0.6,
		MaxInFlight:    2,
	}
	coordinator := &Coordinator{cfg: cfg, logger: logrus.New(), sem: make(chan struct{}, 2)}

	trace, err := coordinator.Search(context.Background(), "pyelonephritis empiric therapy", 0.9)
	require.NoError(t, err)
	assert.Equal(t, domain.TierInternalOnly, trace.Decision.Tier)
	assert.False(t, trace.Decision.ShouldSearch)
	assert.Equal(t, 0.9, trace.FinalConfidence)
}

func TestBoost_CapsGain(t *testing.T) {
	assert.InDelta(t, 0.65, boost(0.5, 10, 0.05, 0.15), 1e-9)
	assert.InDelta(t, 0.55, boost(0.5, 1, 0.05, 0.15), 1e-9)
}
