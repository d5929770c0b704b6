package draft

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/holisticpeople/funnel-bridge/internal/pricing"
	"github.com/holisticpeople/funnel-bridge/pkg/commerce"
	pkgerrors "github.com/holisticpeople/funnel-bridge/pkg/errors"
	"github.com/holisticpeople/funnel-bridge/pkg/logger"
	"github.com/holisticpeople/funnel-bridge/pkg/redis"
)

var (
	errKVRequired     = errors.New("draft kv store is required")
	errLoggerRequired = errors.New("draft logger is required")
	errTTLRequired    = errors.New("draft ttl must be positive")
)

// Customer is the buyer identity captured at intent creation.
type Customer struct {
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	AccountID int64  `json:"account_id,omitempty"`
}

// Draft is the full checkout intent stored between payment-intent
// creation and the processor's success notification.
type Draft struct {
	ID                string                 `json:"id"`
	FunnelID          string                 `json:"funnel_id"`
	FunnelName        string                 `json:"funnel_name,omitempty"`
	Mode              string                 `json:"mode"`
	Customer          Customer               `json:"customer"`
	Billing           commerce.Address       `json:"billing"`
	ShippingAddress   commerce.Address       `json:"shipping_address"`
	Items             []pricing.ItemInput    `json:"items"`
	CouponCodes       []string               `json:"coupon_codes,omitempty"`
	Shipping          *pricing.ShippingInput `json:"shipping,omitempty"`
	PointsToRedeem    int                    `json:"points_to_redeem,omitempty"`
	Analytics         commerce.AnalyticsTags `json:"analytics,omitempty"`
	Currency          string                 `json:"currency"`
	AmountCents       int64                  `json:"amount_cents"`
	ProcessorCustomer string                 `json:"processor_customer,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
}

// Store keeps drafts in Redis with a checkout-session TTL. Consumption is
// arbitrated by a short-lived claim marker so concurrent deliveries of
// the same payment notification materialize at most one order. A longer-
// lived processed marker records which order an intent produced.
type Store struct {
	kv        redis.KV
	ttl       time.Duration
	claimTTL  time.Duration
	markerTTL time.Duration
	logger    *logger.Logger
}

// NewStore validates dependencies and builds the draft store.
func NewStore(kv redis.KV, ttl, claimTTL, markerTTL time.Duration, logg *logger.Logger) (*Store, error) {
	if kv == nil {
		return nil, errKVRequired
	}
	if logg == nil {
		return nil, errLoggerRequired
	}
	if ttl <= 0 {
		return nil, errTTLRequired
	}
	if claimTTL <= 0 {
		claimTTL = 2 * time.Minute
	}
	if markerTTL <= 0 {
		markerTTL = 30 * 24 * time.Hour
	}
	return &Store{kv: kv, ttl: ttl, claimTTL: claimTTL, markerTTL: markerTTL, logger: logg}, nil
}

// Create assigns an unpredictable id, serializes the draft, and stores it
// with the configured TTL.
func (s *Store) Create(ctx context.Context, d *Draft) error {
	if d == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "draft is nil")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encoding draft")
	}
	if err := s.kv.Set(ctx, s.kv.DraftKey(d.ID), raw, s.ttl); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "storing draft")
	}
	s.logger.Info(s.logger.WithDraftID(ctx, d.ID), "draft stored")
	return nil
}

// Get loads a draft; a missing or expired draft is a NotFound.
func (s *Store) Get(ctx context.Context, id string) (*Draft, error) {
	raw, err := s.kv.Get(ctx, s.kv.DraftKey(id))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "draft not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading draft")
	}
	var d Draft
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decoding draft")
	}
	return &d, nil
}

// Claim marks the draft as being materialized. Exactly one concurrent
// caller wins; losers must treat the draft as already handled.
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	won, err := s.kv.SetNX(ctx, s.kv.DraftClaimKey(id), time.Now().UTC().Format(time.RFC3339Nano), s.claimTTL)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claiming draft")
	}
	return won, nil
}

// Release drops the claim marker so a redelivered notification can retry
// after a failed materialization.
func (s *Store) Release(ctx context.Context, id string) {
	if err := s.kv.Del(ctx, s.kv.DraftClaimKey(id)); err != nil {
		s.logger.Warn(s.logger.WithDraftID(ctx, id), "releasing draft claim failed")
	}
}

// Delete removes the draft and its claim marker once the durable order
// exists. Callers must not delete before the order is saved.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.kv.Del(ctx, s.kv.DraftKey(id), s.kv.DraftClaimKey(id)); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "deleting draft")
	}
	s.logger.Info(s.logger.WithDraftID(ctx, id), "draft consumed")
	return nil
}

// ProcessedRef records which order a payment intent produced.
type ProcessedRef struct {
	OrderID     int64  `json:"order_id"`
	OrderNumber string `json:"order_number"`
}

// MarkProcessed records the order an intent materialized so redelivered
// notifications can answer without a host round trip. Best effort; the
// order lookup by intent id remains the fallback.
func (s *Store) MarkProcessed(ctx context.Context, intentID string, ref ProcessedRef) {
	if intentID == "" {
		return
	}
	raw, err := json.Marshal(ref)
	if err != nil {
		return
	}
	if err := s.kv.Set(ctx, s.kv.ProcessedEventKey("intent", intentID), raw, s.markerTTL); err != nil {
		s.logger.Warn(ctx, "storing processed marker failed")
	}
}

// ProcessedOrder returns the order recorded for an intent; a missing or
// expired marker is a NotFound.
func (s *Store) ProcessedOrder(ctx context.Context, intentID string) (*ProcessedRef, error) {
	raw, err := s.kv.Get(ctx, s.kv.ProcessedEventKey("intent", intentID))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no processed marker")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading processed marker")
	}
	var ref ProcessedRef
	if err := json.Unmarshal([]byte(raw), &ref); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decoding processed marker")
	}
	return &ref, nil
}
