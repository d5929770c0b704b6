package points

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/holisticpeople/funnel-bridge/pkg/commerce"
	"github.com/holisticpeople/funnel-bridge/pkg/logger"
)

var (
	errHostRequired   = errors.New("points host is required")
	errLoggerRequired = errors.New("points logger is required")
	errRateInvalid    = errors.New("points per dollar must be positive")
)

// Ledger is the slice of the commerce host the points service needs.
type Ledger interface {
	PointsBalance(ctx context.Context, accountID int64) (int, error)
	DebitPoints(ctx context.Context, accountID int64, points int, reason string, orderID int64) error
	CreditPoints(ctx context.Context, accountID int64, points int, reason string, orderID int64) error
}

var _ Ledger = (commerce.Host)(nil)

// Service converts points to money at a configured rate and moves balances
// on the host ledger.
type Service struct {
	ledger          Ledger
	pointsPerDollar int
	logger          *logger.Logger
}

// NewService validates dependencies and builds the points service.
func NewService(ledger Ledger, pointsPerDollar int, logg *logger.Logger) (*Service, error) {
	if ledger == nil {
		return nil, errHostRequired
	}
	if logg == nil {
		return nil, errLoggerRequired
	}
	if pointsPerDollar <= 0 {
		return nil, errRateInvalid
	}
	return &Service{ledger: ledger, pointsPerDollar: pointsPerDollar, logger: logg}, nil
}

// ToMoney converts a point count to cents at the configured rate,
// rounding half away from zero.
func (s *Service) ToMoney(points int) int64 {
	if points <= 0 {
		return 0
	}
	return decimal.NewFromInt(int64(points) * 100).
		Div(decimal.NewFromInt(int64(s.pointsPerDollar))).
		Round(0).
		IntPart()
}

// FromMoney converts cents back into points at the configured rate.
func (s *Service) FromMoney(cents int64) int {
	if cents <= 0 {
		return 0
	}
	return int(decimal.NewFromInt(cents * int64(s.pointsPerDollar)).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart())
}

// Balance reads the account's current point balance.
func (s *Service) Balance(ctx context.Context, accountID int64) (int, error) {
	return s.ledger.PointsBalance(ctx, accountID)
}

// Redeem debits points for an order and logs the movement.
func (s *Service) Redeem(ctx context.Context, accountID int64, points int, orderID int64) error {
	if points <= 0 {
		return nil
	}
	if err := s.ledger.DebitPoints(ctx, accountID, points, "funnel checkout redemption", orderID); err != nil {
		return err
	}
	s.logger.Info(s.logger.WithFields(ctx, map[string]any{
		"account_id": accountID,
		"points":     points,
		"order_id":   orderID,
	}), "points redeemed")
	return nil
}

// Restore credits points back after a refund touches redeemed lines.
func (s *Service) Restore(ctx context.Context, accountID int64, points int, orderID int64) error {
	if points <= 0 {
		return nil
	}
	if err := s.ledger.CreditPoints(ctx, accountID, points, "funnel refund restoration", orderID); err != nil {
		return err
	}
	s.logger.Info(s.logger.WithFields(ctx, map[string]any{
		"account_id": accountID,
		"points":     points,
		"order_id":   orderID,
	}), "points restored")
	return nil
}
