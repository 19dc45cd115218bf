package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrPricingInvalidArgument signals a negative price, tax rate, shipping cost or quantity.
var ErrPricingInvalidArgument = errors.New("pricing: invalid argument")

// basePriceScale bounds the digits kept when dividing a tax-inclusive price by (1 + rate). Sixteen
// fractional digits keeps the reconstructed final price within 1e-15 of the seller-set price.
const basePriceScale = 16

// CommissionRates holds the platform commission percentages per tier.
type CommissionRates struct {
	Standard decimal.Decimal
	Pool     decimal.Decimal
}

// DefaultCommissionRates returns the 25% standard and 5% pool tiers.
func DefaultCommissionRates() CommissionRates {
	return CommissionRates{
		Standard: decimal.NewFromInt(25),
		Pool:     decimal.NewFromInt(5),
	}
}

// PriceBreakdownCalculator decomposes seller-set, tax-inclusive prices into base, commission and tax.
// It is pure and safe for concurrent use.
type PriceBreakdownCalculator struct {
	rates CommissionRates
}

// NewPriceBreakdownCalculator validates the configured tiers and applies them exactly; a zero rate
// charges no commission for that tier.
func NewPriceBreakdownCalculator(rates CommissionRates) (*PriceBreakdownCalculator, error) {
	if rates.Standard.IsNegative() || rates.Pool.IsNegative() {
		return nil, fmt.Errorf("%w: commission rates must be non-negative", ErrPricingInvalidArgument)
	}
	return &PriceBreakdownCalculator{rates: rates}, nil
}

// CommissionRate returns the percentage configured for tier. An empty tier is the standard tier.
func (c *PriceBreakdownCalculator) CommissionRate(tier CommissionTier) (decimal.Decimal, error) {
	switch normalizeCommissionTier(tier) {
	case CommissionTierStandard:
		return c.rates.Standard, nil
	case CommissionTierPool:
		return c.rates.Pool, nil
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown commission tier %q", ErrPricingInvalidArgument, tier)
	}
}

// ExtractBasePrice strips the tax embedded in a seller-set price.
func (c *PriceBreakdownCalculator) ExtractBasePrice(sellerSetPrice, taxRate decimal.Decimal) (decimal.Decimal, error) {
	if sellerSetPrice.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: seller set price must be non-negative", ErrPricingInvalidArgument)
	}
	if taxRate.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: tax rate must be non-negative", ErrPricingInvalidArgument)
	}
	if taxRate.IsZero() {
		return sellerSetPrice, nil
	}
	divisor := decimal.NewFromInt(1).Add(taxRate.Shift(-2))
	return sellerSetPrice.DivRound(divisor, basePriceScale), nil
}

// CalculateCommission applies the tier percentage to basePrice without rounding.
func (c *PriceBreakdownCalculator) CalculateCommission(basePrice decimal.Decimal, tier CommissionTier) (decimal.Decimal, error) {
	if basePrice.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: base price must be non-negative", ErrPricingInvalidArgument)
	}
	rate, err := c.CommissionRate(tier)
	if err != nil {
		return decimal.Zero, err
	}
	return basePrice.Mul(rate.Shift(-2)), nil
}

// CalculatePriceBreakdown runs the full base → commission → tax pipeline for a single price.
func (c *PriceBreakdownCalculator) CalculatePriceBreakdown(sellerSetPrice, taxRate decimal.Decimal, tier CommissionTier) (PriceBreakdown, error) {
	tier = normalizeCommissionTier(tier)
	base, err := c.ExtractBasePrice(sellerSetPrice, taxRate)
	if err != nil {
		return PriceBreakdown{}, err
	}
	rate, err := c.CommissionRate(tier)
	if err != nil {
		return PriceBreakdown{}, err
	}
	commission, err := c.CalculateCommission(base, tier)
	if err != nil {
		return PriceBreakdown{}, err
	}

	subtotal := base.Add(commission)
	tax := subtotal.Mul(taxRate.Shift(-2))

	return PriceBreakdown{
		SellerSetPrice:    sellerSetPrice,
		BasePrice:         base,
		Commission:        commission,
		CommissionRate:    rate,
		CommissionTier:    tier,
		SubtotalBeforeTax: subtotal,
		Tax:               tax,
		TaxRate:           taxRate,
		FinalPrice:        subtotal.Add(tax),
	}, nil
}

// CalculateCheckoutSummary prices each item with its own tier and applies tax once to the aggregate
// subtotal (line totals plus shipping).
func (c *PriceBreakdownCalculator) CalculateCheckoutSummary(items []CheckoutItem, shippingCost, taxRate decimal.Decimal) (CheckoutSummary, error) {
	if shippingCost.IsNegative() {
		return CheckoutSummary{}, fmt.Errorf("%w: shipping cost must be non-negative", ErrPricingInvalidArgument)
	}
	if taxRate.IsNegative() {
		return CheckoutSummary{}, fmt.Errorf("%w: tax rate must be non-negative", ErrPricingInvalidArgument)
	}

	summary := CheckoutSummary{
		Items:              make([]CheckoutLineItem, 0, len(items)),
		Shipping:           shippingCost,
		TaxRate:            taxRate,
		SellerEarnings:     decimal.Zero,
		PlatformCommission: decimal.Zero,
	}

	lines := decimal.Zero
	for i, item := range items {
		if item.Quantity < 0 {
			return CheckoutSummary{}, fmt.Errorf("%w: items[%d] quantity must be non-negative", ErrPricingInvalidArgument, i)
		}
		breakdown, err := c.CalculatePriceBreakdown(item.SellerSetPrice, taxRate, item.Tier)
		if err != nil {
			return CheckoutSummary{}, fmt.Errorf("items[%d]: %w", i, err)
		}
		qty := decimal.NewFromInt(int64(item.Quantity))
		line := CheckoutLineItem{
			ProductID:         item.ProductID,
			Name:              item.Name,
			DispensaryID:      item.DispensaryID,
			Quantity:          item.Quantity,
			Tier:              breakdown.CommissionTier,
			SellerSetPrice:    item.SellerSetPrice,
			BasePrice:         breakdown.BasePrice,
			Commission:        breakdown.Commission,
			SubtotalBeforeTax: breakdown.SubtotalBeforeTax,
			LineTotal:         breakdown.SubtotalBeforeTax.Mul(qty),
		}
		summary.Items = append(summary.Items, line)
		lines = lines.Add(line.LineTotal)
		summary.SellerEarnings = summary.SellerEarnings.Add(breakdown.BasePrice.Mul(qty))
		summary.PlatformCommission = summary.PlatformCommission.Add(breakdown.Commission.Mul(qty))
	}

	summary.Subtotal = lines.Add(shippingCost)
	summary.Tax = summary.Subtotal.Mul(taxRate.Shift(-2))
	summary.Total = summary.Subtotal.Add(summary.Tax)
	return summary, nil
}

func normalizeCommissionTier(tier CommissionTier) CommissionTier {
	trimmed := CommissionTier(strings.ToLower(strings.TrimSpace(string(tier))))
	if trimmed == "" {
		return CommissionTierStandard
	}
	return trimmed
}
