package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/holisticpeople/funnel-bridge/pkg/config"
	pkgerrors "github.com/holisticpeople/funnel-bridge/pkg/errors"
	"github.com/holisticpeople/funnel-bridge/pkg/logger"
)

var (
	errBaseURLRequired     = errors.New("commerce base url is required")
	errCredentialsRequired = errors.New("commerce consumer key and secret are required")
	errLoggerRequired      = errors.New("commerce logger is required")
)

// Host is the surface the engine needs from the commerce backend. The
// backend owns all durable state; this service never keeps its own.
type Host interface {
	ResolveProductByID(ctx context.Context, id int64) (*Product, error)
	ResolveProductBySKU(ctx context.Context, sku string) (*Product, error)
	EvaluateCoupons(ctx context.Context, codes []string, lines []OrderLine) (*CouponQuote, error)
	CreateOrder(ctx context.Context, order NewOrder) (*Order, error)
	GetOrder(ctx context.Context, orderID int64) (*Order, error)
	FindOrderByPaymentIntent(ctx context.Context, intentID string) (*Order, error)
	MarkOrderPaid(ctx context.Context, orderID int64, transactionRef string) error
	AppendUpsellLines(ctx context.Context, orderID int64, lines []OrderLine, fee *FeeLine, chargedCents int64) (*Order, error)
	CreateRefundRecord(ctx context.Context, orderID int64, input RefundRecordInput) (*RefundRecord, error)
	FindCustomerByEmail(ctx context.Context, email string) (*Customer, error)
	PointsBalance(ctx context.Context, accountID int64) (int, error)
	DebitPoints(ctx context.Context, accountID int64, points int, reason string, orderID int64) error
	CreditPoints(ctx context.Context, accountID int64, points int, reason string, orderID int64) error
}

// Client talks to the commerce host's bridge REST API with centralized
// auth, logging, and error mapping.
type Client struct {
	httpClient *http.Client
	baseURL    string
	key        string
	secret     string
	logger     *logger.Logger
}

// NewClient validates the host credentials and builds the adapter.
func NewClient(ctx context.Context, cfg config.CommerceConfig, logg *logger.Logger) (*Client, error) {
	if logg == nil {
		return nil, errLoggerRequired
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errBaseURLRequired
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parsing commerce base url: %w", err)
	}
	key := strings.TrimSpace(cfg.ConsumerKey)
	secret := strings.TrimSpace(cfg.ConsumerSecret)
	if key == "" || secret == "" {
		return nil, errCredentialsRequired
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 25 * time.Second
	}

	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    base,
		key:        key,
		secret:     secret,
		logger:     logg,
	}
	logg.Info(ctx, "commerce client initialized")
	return c, nil
}

// ResolveProductByID fetches one catalog product by host id.
func (c *Client) ResolveProductByID(ctx context.Context, id int64) (*Product, error) {
	var product Product
	path := fmt.Sprintf("/products/%d", id)
	if err := c.do(ctx, http.MethodGet, path, "resolve_product", map[string]any{"product_id": id}, nil, &product); err != nil {
		return nil, err
	}
	return &product, nil
}

// ResolveProductBySKU fetches one catalog product by SKU.
func (c *Client) ResolveProductBySKU(ctx context.Context, sku string) (*Product, error) {
	var product Product
	path := "/products/by-sku/" + url.PathEscape(sku)
	if err := c.do(ctx, http.MethodGet, path, "resolve_product", map[string]any{"sku": sku}, nil, &product); err != nil {
		return nil, err
	}
	return &product, nil
}

// EvaluateCoupons asks the host coupon engine for the discount a set of
// codes grants against the given lines.
func (c *Client) EvaluateCoupons(ctx context.Context, codes []string, lines []OrderLine) (*CouponQuote, error) {
	body := map[string]any{"codes": codes, "lines": lines}
	var quote CouponQuote
	if err := c.do(ctx, http.MethodPost, "/coupons/evaluate", "evaluate_coupons", map[string]any{"codes": strings.Join(codes, ",")}, body, &quote); err != nil {
		return nil, err
	}
	return &quote, nil
}

// CreateOrder persists a fully-priced order in one call.
func (c *Client) CreateOrder(ctx context.Context, order NewOrder) (*Order, error) {
	var created Order
	fields := map[string]any{
		"payment_intent": order.PaymentIntentID,
		"funnel_id":      order.FunnelID,
		"amount":         order.ChargedAmountCents,
	}
	if err := c.do(ctx, http.MethodPost, "/orders", "create_order", fields, order, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// GetOrder fetches one order with its lines, fees, and refund history.
func (c *Client) GetOrder(ctx context.Context, orderID int64) (*Order, error) {
	var order Order
	path := fmt.Sprintf("/orders/%d", orderID)
	if err := c.do(ctx, http.MethodGet, path, "get_order", map[string]any{"order_id": orderID}, nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// FindOrderByPaymentIntent looks up the order bound to a payment intent.
func (c *Client) FindOrderByPaymentIntent(ctx context.Context, intentID string) (*Order, error) {
	var order Order
	path := "/orders/lookup?payment_intent=" + url.QueryEscape(intentID)
	if err := c.do(ctx, http.MethodGet, path, "find_order", map[string]any{"payment_intent": intentID}, nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// MarkOrderPaid transitions the order to its paid state with the
// processor transaction reference.
func (c *Client) MarkOrderPaid(ctx context.Context, orderID int64, transactionRef string) error {
	path := fmt.Sprintf("/orders/%d/paid", orderID)
	body := map[string]any{"transaction_ref": transactionRef}
	fields := map[string]any{"order_id": orderID, "transaction_ref": transactionRef}
	return c.do(ctx, http.MethodPost, path, "mark_order_paid", fields, body, nil)
}

// AppendUpsellLines adds post-purchase lines and an optional discount fee
// to an existing order and bumps its charged total.
func (c *Client) AppendUpsellLines(ctx context.Context, orderID int64, lines []OrderLine, fee *FeeLine, chargedCents int64) (*Order, error) {
	path := fmt.Sprintf("/orders/%d/upsell-lines", orderID)
	body := map[string]any{"lines": lines, "charged_cents": chargedCents}
	if fee != nil {
		body["fee"] = fee
	}
	var order Order
	fields := map[string]any{"order_id": orderID, "line_count": len(lines), "amount": chargedCents}
	if err := c.do(ctx, http.MethodPost, path, "append_upsell_lines", fields, body, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// CreateRefundRecord stores a durable refund entry on an order.
func (c *Client) CreateRefundRecord(ctx context.Context, orderID int64, input RefundRecordInput) (*RefundRecord, error) {
	path := fmt.Sprintf("/orders/%d/refunds", orderID)
	var record RefundRecord
	fields := map[string]any{"order_id": orderID, "amount": input.AmountCents}
	if err := c.do(ctx, http.MethodPost, path, "create_refund_record", fields, input, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// FindCustomerByEmail resolves a host account for checkout attribution.
func (c *Client) FindCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	var customer Customer
	path := "/customers/lookup?email=" + url.QueryEscape(email)
	if err := c.do(ctx, http.MethodGet, path, "find_customer", map[string]any{"email": email}, nil, &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

// PointsBalance reads the account's current rewards balance.
func (c *Client) PointsBalance(ctx context.Context, accountID int64) (int, error) {
	var payload struct {
		Balance int `json:"balance"`
	}
	path := fmt.Sprintf("/points/%d", accountID)
	if err := c.do(ctx, http.MethodGet, path, "points_balance", map[string]any{"account_id": accountID}, nil, &payload); err != nil {
		return 0, err
	}
	return payload.Balance, nil
}

// DebitPoints removes redeemed points from the account's balance.
func (c *Client) DebitPoints(ctx context.Context, accountID int64, points int, reason string, orderID int64) error {
	return c.adjustPoints(ctx, accountID, -points, reason, orderID)
}

// CreditPoints returns points to the account's balance.
func (c *Client) CreditPoints(ctx context.Context, accountID int64, points int, reason string, orderID int64) error {
	return c.adjustPoints(ctx, accountID, points, reason, orderID)
}

func (c *Client) adjustPoints(ctx context.Context, accountID int64, delta int, reason string, orderID int64) error {
	path := fmt.Sprintf("/points/%d/adjust", accountID)
	body := map[string]any{"delta": delta, "reason": reason, "order_id": orderID}
	fields := map[string]any{"account_id": accountID, "delta": delta, "order_id": orderID}
	return c.do(ctx, http.MethodPost, path, "adjust_points", fields, body, nil)
}

func (c *Client) do(ctx context.Context, method, path, op string, fields map[string]any, body, out any) error {
	c.log(ctx, "request", op, fields)

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, fmt.Sprintf("encoding commerce %s request", op))
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, fmt.Sprintf("building commerce %s request", op))
	}
	req.SetBasicAuth(c.key, c.secret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log(ctx, "error", op, map[string]any{"error": err.Error()})
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("commerce %s failed", op))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		c.log(ctx, "error", op, map[string]any{"error": err.Error()})
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("reading commerce %s response", op))
	}

	if resp.StatusCode >= 400 {
		mapped := c.mapHostError(resp.StatusCode, raw, op)
		c.log(ctx, "error", op, map[string]any{"status": resp.StatusCode, "error": mapped.Error()})
		return mapped
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			c.log(ctx, "error", op, map[string]any{"error": err.Error()})
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("decoding commerce %s response", op))
		}
	}

	c.log(ctx, "response", op, map[string]any{"status": resp.StatusCode})
	return nil
}

func (c *Client) mapHostError(status int, raw []byte, op string) error {
	message := fmt.Sprintf("commerce %s failed", op)
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	detail := ""
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Message != "" {
		detail = payload.Message
	}
	base := errors.New("status " + strconv.Itoa(status))
	if detail != "" {
		base = fmt.Errorf("status %d: %s", status, detail)
	}
	return pkgerrors.Wrap(domainCodeForStatus(status), base, message)
}

func (c *Client) log(ctx context.Context, phase, op string, fields map[string]any) {
	if c == nil || c.logger == nil {
		return
	}
	logFields := map[string]any{
		"operation": op,
		"phase":     phase,
	}
	for k, v := range fields {
		logFields[k] = c.redact(k, v)
	}
	ctx = c.logger.WithFields(ctx, logFields)
	switch phase {
	case "error":
		c.logger.Error(ctx, fmt.Sprintf("commerce %s", op), errors.New(fmt.Sprint(fields["error"])))
	default:
		c.logger.Info(ctx, fmt.Sprintf("commerce %s", phase))
	}
}

func (c *Client) redact(key string, value any) any {
	lower := strings.ToLower(key)
	for _, sensitive := range []string{"secret", "token", "email", "phone", "password"} {
		if strings.Contains(lower, sensitive) {
			return "[REDACTED]"
		}
	}
	return value
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
	case http.StatusUnprocessableEntity:
		return pkgerrors.CodeStateConflict
	default:
		if status >= 400 && status < 500 {
			return pkgerrors.CodeValidation
		}
		return pkgerrors.CodeDependency
	}
}
