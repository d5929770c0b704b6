package commerce

import "time"

// Product is the host catalog's view of a sellable item.
type Product struct {
	ID           int64  `json:"id"`
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	PriceCents   int64  `json:"price_cents"`
	RegularCents int64  `json:"regular_cents"`
	Purchasable  bool   `json:"purchasable"`
}

// Address mirrors the host's billing/shipping address shape.
type Address struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Company   string `json:"company,omitempty"`
	Address1  string `json:"address_1,omitempty"`
	Address2  string `json:"address_2,omitempty"`
	City      string `json:"city,omitempty"`
	State     string `json:"state,omitempty"`
	Postcode  string `json:"postcode,omitempty"`
	Country   string `json:"country,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
}

// Customer is a host account resolved by email.
type Customer struct {
	AccountID       int64   `json:"account_id"`
	Email           string  `json:"email"`
	DisplayName     string  `json:"display_name"`
	PointsBalance   int     `json:"points_balance"`
	DefaultBilling  Address `json:"default_billing"`
	DefaultShipping Address `json:"default_shipping"`
}

// FeeKind distinguishes the negative fee lines the engine writes, so the
// refund path can exclude points redemptions from refundable-amount math.
type FeeKind string

const (
	FeeKindGlobalDiscount   FeeKind = "global_discount"
	FeeKindPointsRedemption FeeKind = "points_redemption"
	FeeKindUpsell           FeeKind = "upsell"
)

// OrderLine is one product row on a durable order.
type OrderLine struct {
	LineID                     int64    `json:"line_id,omitempty"`
	ProductID                  int64    `json:"product_id"`
	SKU                        string   `json:"sku,omitempty"`
	Name                       string   `json:"name"`
	Quantity                   int      `json:"quantity"`
	UnitPriceCents             int64    `json:"unit_price_cents"`
	SubtotalCents              int64    `json:"subtotal_cents"`
	TotalCents                 int64    `json:"total_cents"`
	ItemDiscountPercent        *float64 `json:"item_discount_percent,omitempty"`
	ExcludedFromGlobalDiscount bool     `json:"excluded_from_global_discount,omitempty"`
	ChargeID                   string   `json:"charge_id,omitempty"`
	PointsAllocated            int      `json:"points_allocated,omitempty"`
	RefundedCents              int64    `json:"refunded_cents,omitempty"`
}

// FeeLine is a non-product row; discounts carry a negative total.
type FeeLine struct {
	LineID     int64   `json:"line_id,omitempty"`
	Name       string  `json:"name"`
	Kind       FeeKind `json:"kind"`
	TotalCents int64   `json:"total_cents"`
	ChargeID   string  `json:"charge_id,omitempty"`
}

// ShippingLine carries the rate the buyer selected.
type ShippingLine struct {
	LineID        int64  `json:"line_id,omitempty"`
	MethodTitle   string `json:"method_title"`
	TotalCents    int64  `json:"total_cents"`
	RefundedCents int64  `json:"refunded_cents,omitempty"`
}

// RefundRecord aggregates one refund operation across its processor calls.
type RefundRecord struct {
	ID                 int64           `json:"id"`
	AmountCents        int64           `json:"amount_cents"`
	Reason             string          `json:"reason"`
	ProcessorRefundIDs []string        `json:"processor_refund_ids"`
	AmountByLine       map[int64]int64 `json:"amount_by_line,omitempty"`
	PointsReturned     int             `json:"points_returned,omitempty"`
	PointsByLine       map[int64]int   `json:"points_by_line,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Order is the durable order as the host reports it back.
type Order struct {
	ID                 int64          `json:"id"`
	Number             string         `json:"number"`
	CustomerAccountID  int64          `json:"customer_account_id,omitempty"`
	Currency           string         `json:"currency"`
	Lines              []OrderLine    `json:"lines"`
	Fees               []FeeLine      `json:"fees,omitempty"`
	Shipping           *ShippingLine  `json:"shipping,omitempty"`
	PaymentIntentID    string         `json:"payment_intent_id,omitempty"`
	CheckoutChargeID   string         `json:"checkout_charge_id,omitempty"`
	UpsellChargeIDs    []string       `json:"upsell_charge_ids,omitempty"`
	ProcessorCustomer  string         `json:"processor_customer,omitempty"`
	ProcessorMode      string         `json:"processor_mode,omitempty"`
	ChargedAmountCents int64          `json:"charged_amount_cents"`
	PointsRedeemed     int            `json:"points_redeemed,omitempty"`
	Refunds            []RefundRecord `json:"refunds,omitempty"`
}

// NewOrder is the immutable order value the materializer hands over in a
// single call; the host assigns identity and line ids.
type NewOrder struct {
	CustomerAccountID  int64         `json:"customer_account_id,omitempty"`
	CustomerEmail      string        `json:"customer_email"`
	CustomerName       string        `json:"customer_name,omitempty"`
	Billing            Address       `json:"billing"`
	ShippingAddress    Address       `json:"shipping_address"`
	Currency           string        `json:"currency"`
	Lines              []OrderLine   `json:"lines"`
	Fees               []FeeLine     `json:"fees,omitempty"`
	Shipping           *ShippingLine `json:"shipping,omitempty"`
	CouponCodes        []string      `json:"coupon_codes,omitempty"`
	PaymentIntentID    string        `json:"payment_intent_id"`
	CheckoutChargeID   string        `json:"checkout_charge_id"`
	ProcessorCustomer  string        `json:"processor_customer,omitempty"`
	ProcessorMode      string        `json:"processor_mode"`
	ChargedAmountCents int64         `json:"charged_amount_cents"`
	PointsRedeemed     int           `json:"points_redeemed,omitempty"`
	FunnelID           string        `json:"funnel_id"`
	FunnelName         string        `json:"funnel_name,omitempty"`
	Analytics          AnalyticsTags `json:"analytics,omitempty"`
	Note               string        `json:"note,omitempty"`
}

// AnalyticsTags are opaque attribution values stored as order metadata.
type AnalyticsTags struct {
	Campaign string            `json:"campaign,omitempty"`
	Source   string            `json:"source,omitempty"`
	UTM      map[string]string `json:"utm,omitempty"`
}

// CouponQuote is the host coupon engine's answer for a set of codes.
type CouponQuote struct {
	DiscountCents int64    `json:"discount_cents"`
	AppliedCodes  []string `json:"applied_codes"`
}

// RefundRecordInput creates one durable refund entry on an order.
type RefundRecordInput struct {
	AmountCents        int64           `json:"amount_cents"`
	Reason             string          `json:"reason"`
	ProcessorRefundIDs []string        `json:"processor_refund_ids"`
	AmountByLine       map[int64]int64 `json:"amount_by_line,omitempty"`
	PointsReturned     int             `json:"points_returned,omitempty"`
	PointsByLine       map[int64]int   `json:"points_by_line,omitempty"`
}
