package negotiation

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckPrice_Bounds(t *testing.T) {
	r := DefaultRules()
	asking := decimal.NewFromInt(1000)

	require.NoError(t, r.CheckPrice(RoleSeller, decimal.NewFromInt(1200), asking))
	require.NoError(t, r.CheckPrice(RoleSeller, decimal.NewFromInt(300), asking))
	require.NoError(t, r.CheckPrice(RoleBuyer, decimal.NewFromInt(1100), asking))
	require.NoError(t, r.CheckPrice(RoleBuyer, decimal.NewFromInt(1), asking))

	err := r.CheckPrice(RoleSeller, decimal.NewFromInt(1300), asking)
	require.ErrorIs(t, err, ErrPriceOutOfBounds)
	assert.Contains(t, err.Error(), "125%")

	err = r.CheckPrice(RoleSeller, decimal.NewFromInt(299), asking)
	require.ErrorIs(t, err, ErrPriceOutOfBounds)
	assert.Contains(t, err.Error(), "30%")

	err = r.CheckPrice(RoleBuyer, decimal.NewFromInt(1150), asking)
	require.ErrorIs(t, err, ErrPriceOutOfBounds)
	assert.Contains(t, err.Error(), "110%")
}

func TestCheckPrice_NonPositive(t *testing.T) {
	r := DefaultRules()
	err := r.CheckPrice(RoleBuyer, decimal.Zero, decimal.NewFromInt(100))
	require.ErrorIs(t, err, ErrValidation)
	err = r.CheckPrice(RoleSeller, decimal.NewFromInt(-5), decimal.NewFromInt(100))
	require.ErrorIs(t, err, ErrValidation)
}

func TestRules_Validate(t *testing.T) {
	require.NoError(t, DefaultRules().Validate())
	bad := DefaultRules()
	bad.MaxRounds = 0
	require.Error(t, bad.Validate())
	bad = DefaultRules()
	bad.SellerMinRatio = 2
	require.Error(t, bad.Validate())
}

func TestError_IsMatchesCode(t *testing.T) {
	err := Errorf(CodeExpired, "expired at noon")
	assert.True(t, errors.Is(err, ErrExpired))
	assert.False(t, errors.Is(err, ErrNotActive))

	wrapped := errors.Join(errors.New("context"), err)
	assert.Equal(t, CodeExpired, CodeOf(wrapped))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.Equal(t, "expired: expired at noon", err.Error())
	assert.Equal(t, "not_active", ErrNotActive.Error())
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	for _, s := range OpenStatuses {
		assert.False(t, s.Terminal(), s)
	}
}
