package services

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	value, err := decimal.NewFromString(raw)
	require.NoError(t, err)
	return value
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	assert.Truef(t, dec(t, want).Equal(got), "%s: want %s, got %s", field, want, got)
}

func newTestCalculator(t *testing.T) *PriceBreakdownCalculator {
	t.Helper()
	calc, err := NewPriceBreakdownCalculator(DefaultCommissionRates())
	require.NoError(t, err)
	return calc
}

func TestPriceBreakdownCalculator_StandardTier(t *testing.T) {
	calc := newTestCalculator(t)

	got, err := calc.CalculatePriceBreakdown(dec(t, "115"), dec(t, "15"), CommissionTierStandard)
	require.NoError(t, err)

	assertDecimal(t, "115", got.SellerSetPrice, "seller set price")
	assertDecimal(t, "100", got.BasePrice, "base")
	assertDecimal(t, "25", got.Commission, "commission")
	assertDecimal(t, "25", got.CommissionRate, "commission rate")
	assertDecimal(t, "125", got.SubtotalBeforeTax, "subtotal")
	assertDecimal(t, "18.75", got.Tax, "tax")
	assertDecimal(t, "143.75", got.FinalPrice, "final")
	assert.Equal(t, CommissionTierStandard, got.CommissionTier)
}

func TestPriceBreakdownCalculator_PoolTier(t *testing.T) {
	calc := newTestCalculator(t)

	got, err := calc.CalculatePriceBreakdown(dec(t, "115"), dec(t, "15"), CommissionTierPool)
	require.NoError(t, err)

	assertDecimal(t, "5", got.Commission, "commission")
	assertDecimal(t, "105", got.SubtotalBeforeTax, "subtotal")
	assertDecimal(t, "15.75", got.Tax, "tax")
	assertDecimal(t, "120.75", got.FinalPrice, "final")
}

func TestPriceBreakdownCalculator_EmptyTierIsStandard(t *testing.T) {
	calc := newTestCalculator(t)

	got, err := calc.CalculatePriceBreakdown(dec(t, "100"), decimal.Zero, "")
	require.NoError(t, err)
	assert.Equal(t, CommissionTierStandard, got.CommissionTier)
	assertDecimal(t, "25", got.Commission, "commission")
}

func TestPriceBreakdownCalculator_Invariants(t *testing.T) {
	calc := newTestCalculator(t)
	tolerance := dec(t, "0.000000000001")

	cases := []struct {
		price string
		tax   string
		tier  CommissionTier
	}{
		{"100", "15", CommissionTierStandard},
		{"49.99", "15", CommissionTierPool},
		{"0.01", "7.5", CommissionTierStandard},
		{"1234.56", "20", CommissionTierPool},
	}
	for _, tc := range cases {
		got, err := calc.CalculatePriceBreakdown(dec(t, tc.price), dec(t, tc.tax), tc.tier)
		require.NoError(t, err)

		assert.True(t, got.BasePrice.Add(got.Commission).Equal(got.SubtotalBeforeTax), "base + commission == subtotal for %s", tc.price)
		assert.True(t, got.SubtotalBeforeTax.Add(got.Tax).Equal(got.FinalPrice), "subtotal + tax == final for %s", tc.price)

		reconstructed := got.BasePrice.Mul(decimal.NewFromInt(1).Add(dec(t, tc.tax).Shift(-2)))
		assert.True(t, reconstructed.Sub(dec(t, tc.price)).Abs().LessThan(tolerance), "base * (1 + rate) ~= seller price for %s: %s", tc.price, reconstructed)

		again, err := calc.CalculatePriceBreakdown(dec(t, tc.price), dec(t, tc.tax), tc.tier)
		require.NoError(t, err)
		assert.True(t, again.FinalPrice.Equal(got.FinalPrice), "deterministic for %s", tc.price)
	}
}

func TestPriceBreakdownCalculator_ZeroTaxAndZeroPrice(t *testing.T) {
	calc := newTestCalculator(t)

	base, err := calc.ExtractBasePrice(dec(t, "80"), decimal.Zero)
	require.NoError(t, err)
	assertDecimal(t, "80", base, "base")

	got, err := calc.CalculatePriceBreakdown(decimal.Zero, dec(t, "15"), CommissionTierStandard)
	require.NoError(t, err)
	for field, value := range map[string]decimal.Decimal{
		"base":       got.BasePrice,
		"commission": got.Commission,
		"subtotal":   got.SubtotalBeforeTax,
		"tax":        got.Tax,
		"final":      got.FinalPrice,
	} {
		assertDecimal(t, "0", value, field)
	}
}

func TestPriceBreakdownCalculator_RejectsNegativeInputs(t *testing.T) {
	calc := newTestCalculator(t)

	_, err := calc.CalculatePriceBreakdown(dec(t, "-1"), dec(t, "15"), CommissionTierStandard)
	assert.True(t, errors.Is(err, ErrPricingInvalidArgument))

	_, err = calc.CalculatePriceBreakdown(dec(t, "10"), dec(t, "-0.5"), CommissionTierStandard)
	assert.True(t, errors.Is(err, ErrPricingInvalidArgument))

	_, err = calc.CalculateCommission(dec(t, "10"), "platinum")
	assert.True(t, errors.Is(err, ErrPricingInvalidArgument))

	_, err = calc.CalculateCheckoutSummary(nil, dec(t, "-5"), dec(t, "15"))
	assert.True(t, errors.Is(err, ErrPricingInvalidArgument))
}

func TestPriceBreakdownCalculator_CheckoutSummaryAppliesTaxOnce(t *testing.T) {
	calc := newTestCalculator(t)

	items := []CheckoutItem{
		{ProductID: "prod_a", Quantity: 2, SellerSetPrice: dec(t, "115"), Tier: CommissionTierStandard},
		{ProductID: "prod_b", Quantity: 1, SellerSetPrice: dec(t, "115"), Tier: CommissionTierPool},
	}
	summary, err := calc.CalculateCheckoutSummary(items, dec(t, "50"), dec(t, "15"))
	require.NoError(t, err)
	require.Len(t, summary.Items, 2)

	assertDecimal(t, "250", summary.Items[0].LineTotal, "line 0")
	assertDecimal(t, "105", summary.Items[1].LineTotal, "line 1")
	assertDecimal(t, "405", summary.Subtotal, "subtotal")
	assertDecimal(t, "60.75", summary.Tax, "tax")
	assertDecimal(t, "465.75", summary.Total, "total")
	assertDecimal(t, "300", summary.SellerEarnings, "seller earnings")
	assertDecimal(t, "55", summary.PlatformCommission, "platform commission")
}

func TestPriceBreakdownCalculator_EmptyCheckout(t *testing.T) {
	calc := newTestCalculator(t)

	summary, err := calc.CalculateCheckoutSummary(nil, decimal.Zero, dec(t, "15"))
	require.NoError(t, err)
	assert.NotNil(t, summary.Items)
	assertDecimal(t, "0", summary.Total, "total")
}

func TestNewPriceBreakdownCalculator_CustomRates(t *testing.T) {
	calc, err := NewPriceBreakdownCalculator(CommissionRates{Standard: dec(t, "20"), Pool: dec(t, "5")})
	require.NoError(t, err)

	rate, err := calc.CommissionRate(CommissionTierStandard)
	require.NoError(t, err)
	assertDecimal(t, "20", rate, "standard")

	rate, err = calc.CommissionRate(CommissionTierPool)
	require.NoError(t, err)
	assertDecimal(t, "5", rate, "pool")

	_, err = NewPriceBreakdownCalculator(CommissionRates{Standard: dec(t, "-1")})
	assert.True(t, errors.Is(err, ErrPricingInvalidArgument))
}

func TestNewPriceBreakdownCalculator_ZeroRateIsHonoured(t *testing.T) {
	calc, err := NewPriceBreakdownCalculator(CommissionRates{Standard: dec(t, "25"), Pool: decimal.Zero})
	require.NoError(t, err)

	rate, err := calc.CommissionRate(CommissionTierPool)
	require.NoError(t, err)
	assertDecimal(t, "0", rate, "pool")

	breakdown, err := calc.CalculatePriceBreakdown(dec(t, "100"), decimal.Zero, CommissionTierPool)
	require.NoError(t, err)
	assertDecimal(t, "0", breakdown.Commission, "commission")
	assertDecimal(t, "100", breakdown.FinalPrice, "final price")
}
