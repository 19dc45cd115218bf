package domain

import "github.com/shopspring/decimal"

// CommissionTier selects the platform commission applied to a sale.
type CommissionTier string

const (
	// CommissionTierStandard is the default marketplace sale tier.
	CommissionTierStandard CommissionTier = "standard"
	// CommissionTierPool is the inter-seller pool transfer tier.
	CommissionTierPool CommissionTier = "pool"
)

// PriceBreakdown decomposes a seller-set, tax-inclusive price. Rates are plain percentages (15 means 15%).
// Values are unrounded; rounding happens only when formatting for display.
type PriceBreakdown struct {
	SellerSetPrice    decimal.Decimal
	BasePrice         decimal.Decimal
	Commission        decimal.Decimal
	CommissionRate    decimal.Decimal
	CommissionTier    CommissionTier
	SubtotalBeforeTax decimal.Decimal
	Tax               decimal.Decimal
	TaxRate           decimal.Decimal
	FinalPrice        decimal.Decimal
}

// CheckoutItem is one cart entry submitted for checkout pricing.
type CheckoutItem struct {
	ProductID      string
	Name           string
	DispensaryID   string
	Quantity       int
	SellerSetPrice decimal.Decimal
	Tier           CommissionTier
}

// CheckoutLineItem is the priced form of a CheckoutItem.
type CheckoutLineItem struct {
	ProductID         string
	Name              string
	DispensaryID      string
	Quantity          int
	Tier              CommissionTier
	SellerSetPrice    decimal.Decimal
	BasePrice         decimal.Decimal
	Commission        decimal.Decimal
	SubtotalBeforeTax decimal.Decimal
	LineTotal         decimal.Decimal
}

// CheckoutSummary aggregates line items and shipping. SellerEarnings and PlatformCommission are internal
// figures and are never part of the customer-facing total breakdown.
type CheckoutSummary struct {
	Items              []CheckoutLineItem
	Shipping           decimal.Decimal
	Subtotal           decimal.Decimal
	TaxRate            decimal.Decimal
	Tax                decimal.Decimal
	Total              decimal.Decimal
	SellerEarnings     decimal.Decimal
	PlatformCommission decimal.Decimal
}
