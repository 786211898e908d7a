package negotiation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultProfile(t *testing.T) {
	p := DefaultProfile("s1")
	require.NoError(t, p.Validate())
	assert.Equal(t, 0.70, p.MinAcceptableRatio)
	assert.Equal(t, 0.95, p.AutoAcceptThreshold)
	assert.Equal(t, 0.5, p.AggressivenessLevel)
	assert.Equal(t, PriorityBestPrice, p.SellingPriority)
}

func TestApplyPersonality(t *testing.T) {
	p := DefaultProfile("s1")
	require.NoError(t, p.ApplyPersonality("quick_sale"))
	assert.Equal(t, 0.55, p.MinAcceptableRatio)
	assert.Equal(t, 0.60, p.AutoAcceptThreshold)
	assert.Equal(t, 0.2, p.AggressivenessLevel)
	assert.Equal(t, PriorityQuickSale, p.SellingPriority)
	assert.Equal(t, "quick_sale", p.Personality)

	require.NoError(t, p.ApplyPersonality("premium"))
	assert.Equal(t, 0.80, p.MinAcceptableRatio)

	err := p.ApplyPersonality("reckless")
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, []string{"aggressive", "flexible", "premium", "quick_sale"}, Personalities())
}

func TestProfileValidate_Rejects(t *testing.T) {
	p := DefaultProfile("s1")
	p.AutoAcceptThreshold = 1.2
	require.ErrorIs(t, p.Validate(), ErrValidation)

	p = DefaultProfile("s1")
	p.ResponseDelayMinutes = -1
	require.ErrorIs(t, p.Validate(), ErrValidation)

	p = DefaultProfile("s1")
	p.SellingPriority = "whatever"
	require.ErrorIs(t, p.Validate(), ErrValidation)

	p = DefaultProfile("")
	require.ErrorIs(t, p.Validate(), ErrValidation)
}
