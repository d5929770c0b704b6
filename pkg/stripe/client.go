package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v84"

	"github.com/holisticpeople/funnel-bridge/pkg/config"
	pkgerrors "github.com/holisticpeople/funnel-bridge/pkg/errors"
	"github.com/holisticpeople/funnel-bridge/pkg/logger"
)

// Mode selects which Stripe key pair a funnel's traffic uses.
type Mode string

const (
	ModeTest Mode = "test"
	ModeLive Mode = "live"
)

func (m Mode) IsValid() bool {
	return m == ModeTest || m == ModeLive
}

var errNoKeysConfigured = errors.New("no stripe secret key configured")

// Client wraps Stripe's API client per mode plus webhook verification config.
type Client struct {
	test *stripe.Client
	live *stripe.Client

	testPublishable string
	livePublishable string

	webhookSecrets []string
	tolerance      config.StripeConfig

	logger *logger.Logger
}

// NewClient initializes Stripe once with the configured key pairs.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	c := &Client{
		testPublishable: strings.TrimSpace(cfg.TestPublishableKey),
		livePublishable: strings.TrimSpace(cfg.LivePublishableKey),
		webhookSecrets:  cfg.WebhookSecretList(),
		tolerance:       cfg,
		logger:          logg,
	}
	if key := strings.TrimSpace(cfg.TestSecretKey); key != "" {
		c.test = stripe.NewClient(key)
	}
	if key := strings.TrimSpace(cfg.LiveSecretKey); key != "" {
		c.live = stripe.NewClient(key)
	}
	if c.test == nil && c.live == nil {
		return nil, errNoKeysConfigured
	}
	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("stripe client initialized (test=%t live=%t)", c.test != nil, c.live != nil))
	}
	return c, nil
}

// ForMode binds the client to one Stripe mode. A funnel routed to a mode
// without configured keys is a configuration error, never a silent fallback.
func (c *Client) ForMode(mode Mode) (*ModeClient, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "stripe client unavailable")
	}
	switch mode {
	case ModeTest:
		if c.test == nil {
			return nil, pkgerrors.New(pkgerrors.CodeDependency, "stripe test mode not configured")
		}
		return &ModeClient{api: c.test, mode: ModeTest, publishable: c.testPublishable, logger: c.logger}, nil
	case ModeLive:
		if c.live == nil {
			return nil, pkgerrors.New(pkgerrors.CodeDependency, "stripe live mode not configured")
		}
		return &ModeClient{api: c.live, mode: ModeLive, publishable: c.livePublishable, logger: c.logger}, nil
	default:
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown stripe mode %q", mode))
	}
}

// ForLivemode picks the mode matching a webhook payload's livemode flag.
func (c *Client) ForLivemode(livemode bool) (*ModeClient, error) {
	if livemode {
		return c.ForMode(ModeLive)
	}
	return c.ForMode(ModeTest)
}

// WebhookSecrets returns the configured signing secrets.
func (c *Client) WebhookSecrets() []string {
	if c == nil {
		return nil
	}
	return c.webhookSecrets
}

// SignatureTolerance returns the accepted webhook timestamp skew.
func (c *Client) SignatureTolerance() (tolerance int64) {
	if c == nil {
		return 0
	}
	return int64(c.tolerance.SignatureTolerance.Seconds())
}

// ModeClient exposes Stripe primitives bound to one mode, with centralized
// logging and error mapping.
type ModeClient struct {
	api         *stripe.Client
	mode        Mode
	publishable string
	logger      *logger.Logger
}

// Mode reports the bound Stripe mode.
func (m *ModeClient) Mode() Mode {
	if m == nil {
		return ""
	}
	return m.mode
}

// PublishableKey returns the mode's publishable key for the payment page.
func (m *ModeClient) PublishableKey() string {
	if m == nil {
		return ""
	}
	return m.publishable
}

// CreateCustomer registers a new processor customer.
func (m *ModeClient) CreateCustomer(ctx context.Context, email, name string) (*stripe.Customer, error) {
	params := &stripe.CustomerCreateParams{Email: stripe.String(email)}
	if name != "" {
		params.Name = stripe.String(name)
	}
	m.log(ctx, "request", "create_customer", map[string]any{"email": email})

	cust, err := m.api.V1Customers.Create(ctx, params)
	if err != nil {
		m.log(ctx, "error", "create_customer", map[string]any{"error": err.Error()})
		return nil, m.mapStripeError(err, "create customer")
	}
	m.log(ctx, "response", "create_customer", map[string]any{"customer_id": cust.ID})
	return cust, nil
}

// GetCustomer retrieves a processor customer.
func (m *ModeClient) GetCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	cust, err := m.api.V1Customers.Retrieve(ctx, id, &stripe.CustomerRetrieveParams{})
	if err != nil {
		return nil, m.mapStripeError(err, "get customer")
	}
	return cust, nil
}

// IntentParams describes a checkout payment intent.
type IntentParams struct {
	AmountCents int64
	Currency    string
	CustomerID  string
	Description string
	Metadata    map[string]string
}

// CreatePaymentIntent opens a card-only intent whose payment method is kept
// for later off-session charges.
func (m *ModeClient) CreatePaymentIntent(ctx context.Context, p IntentParams) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentCreateParams{
		Amount:             stripe.Int64(p.AmountCents),
		Currency:           stripe.String(strings.ToLower(p.Currency)),
		Customer:           stripe.String(p.CustomerID),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		PaymentMethodOptions: &stripe.PaymentIntentCreatePaymentMethodOptionsParams{
			Card: &stripe.PaymentIntentCreatePaymentMethodOptionsCardParams{
				SetupFutureUsage: stripe.String("off_session"),
			},
		},
	}
	if p.Description != "" {
		params.Description = stripe.String(p.Description)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	m.log(ctx, "request", "create_payment_intent", map[string]any{
		"amount":      p.AmountCents,
		"currency":    p.Currency,
		"customer_id": p.CustomerID,
	})

	intent, err := m.api.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		m.log(ctx, "error", "create_payment_intent", map[string]any{"error": err.Error()})
		return nil, m.mapStripeError(err, "create payment intent")
	}
	m.log(ctx, "response", "create_payment_intent", map[string]any{
		"intent_id": intent.ID,
		"status":    string(intent.Status),
	})
	return intent, nil
}

// OffSessionParams describes an immediate follow-up charge.
type OffSessionParams struct {
	AmountCents     int64
	Currency        string
	CustomerID      string
	PaymentMethodID string
	Description     string
	Metadata        map[string]string
}

// CreateOffSessionIntent confirms a charge against a saved payment method
// without the customer present.
func (m *ModeClient) CreateOffSessionIntent(ctx context.Context, p OffSessionParams) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentCreateParams{
		Amount:             stripe.Int64(p.AmountCents),
		Currency:           stripe.String(strings.ToLower(p.Currency)),
		Customer:           stripe.String(p.CustomerID),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		OffSession:         stripe.Bool(true),
		Confirm:            stripe.Bool(true),
	}
	if p.PaymentMethodID != "" {
		params.PaymentMethod = stripe.String(p.PaymentMethodID)
	}
	if p.Description != "" {
		params.Description = stripe.String(p.Description)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	m.log(ctx, "request", "create_off_session_intent", map[string]any{
		"amount":      p.AmountCents,
		"customer_id": p.CustomerID,
	})

	intent, err := m.api.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		m.log(ctx, "error", "create_off_session_intent", map[string]any{"error": err.Error()})
		return nil, m.mapStripeError(err, "create off-session intent")
	}
	m.log(ctx, "response", "create_off_session_intent", map[string]any{
		"intent_id": intent.ID,
		"status":    string(intent.Status),
	})
	return intent, nil
}

// GetPaymentIntent retrieves an intent.
func (m *ModeClient) GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	intent, err := m.api.V1PaymentIntents.Retrieve(ctx, id, &stripe.PaymentIntentRetrieveParams{})
	if err != nil {
		return nil, m.mapStripeError(err, "get payment intent")
	}
	return intent, nil
}

// UpdateIntentDescription relabels an intent in the processor dashboard.
func (m *ModeClient) UpdateIntentDescription(ctx context.Context, id, description string) error {
	_, err := m.api.V1PaymentIntents.Update(ctx, id, &stripe.PaymentIntentUpdateParams{
		Description: stripe.String(description),
	})
	if err != nil {
		return m.mapStripeError(err, "update payment intent")
	}
	return nil
}

// UpdateChargeDescription relabels a charge in the processor dashboard.
func (m *ModeClient) UpdateChargeDescription(ctx context.Context, id, description string) error {
	_, err := m.api.V1Charges.Update(ctx, id, &stripe.ChargeUpdateParams{
		Description: stripe.String(description),
	})
	if err != nil {
		return m.mapStripeError(err, "update charge")
	}
	return nil
}

// CreateRefund refunds part of one specific charge.
func (m *ModeClient) CreateRefund(ctx context.Context, chargeID string, amountCents int64, metadata map[string]string) (*stripe.Refund, error) {
	params := &stripe.RefundCreateParams{
		Charge: stripe.String(chargeID),
		Amount: stripe.Int64(amountCents),
		Reason: stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	m.log(ctx, "request", "create_refund", map[string]any{
		"charge_id": chargeID,
		"amount":    amountCents,
	})

	refund, err := m.api.V1Refunds.Create(ctx, params)
	if err != nil {
		m.log(ctx, "error", "create_refund", map[string]any{"error": err.Error()})
		return nil, m.mapStripeError(err, "create refund")
	}
	m.log(ctx, "response", "create_refund", map[string]any{
		"refund_id": refund.ID,
		"status":    string(refund.Status),
	})
	return refund, nil
}

func (m *ModeClient) log(ctx context.Context, phase, op string, fields map[string]any) {
	if m == nil || m.logger == nil {
		return
	}
	logFields := map[string]any{
		"operation":   op,
		"phase":       phase,
		"stripe_mode": string(m.mode),
	}
	for k, v := range fields {
		logFields[k] = redact(k, v)
	}
	ctx = m.logger.WithFields(ctx, logFields)
	switch phase {
	case "error":
		m.logger.Error(ctx, fmt.Sprintf("stripe %s", op), errors.New(fmt.Sprint(fields["error"])))
	default:
		m.logger.Info(ctx, fmt.Sprintf("stripe %s", phase))
	}
}

func redact(key string, value any) any {
	lower := strings.ToLower(key)
	for _, sensitive := range []string{"card", "secret", "email", "phone", "token"} {
		if strings.Contains(lower, sensitive) {
			return "[REDACTED]"
		}
	}
	return value
}

func (m *ModeClient) mapStripeError(err error, op string) error {
	if err == nil {
		return nil
	}
	var apiErr *stripe.Error
	if errors.As(err, &apiErr) {
		code := domainCodeForStatus(apiErr.HTTPStatusCode)
		if apiErr.Type == stripe.ErrorTypeCard {
			code = pkgerrors.CodeStateConflict
		}
		return pkgerrors.Wrap(code, err, fmt.Sprintf("stripe %s failed", op))
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("stripe %s failed", op))
}

func domainCodeForStatus(status int) pkgerrors.Code {
	switch status {
	case http.StatusUnauthorized:
		return pkgerrors.CodeUnauthorized
	case http.StatusForbidden:
		return pkgerrors.CodeForbidden
	case http.StatusNotFound:
		return pkgerrors.CodeNotFound
	case http.StatusConflict:
		return pkgerrors.CodeConflict
	case http.StatusTooManyRequests:
		return pkgerrors.CodeRateLimit
	case http.StatusBadRequest:
		return pkgerrors.CodeValidation
	case http.StatusPaymentRequired, http.StatusUnprocessableEntity:
		return pkgerrors.CodeStateConflict
	default:
		if status >= 400 && status < 500 {
			return pkgerrors.CodeValidation
		}
		return pkgerrors.CodeDependency
	}
}
