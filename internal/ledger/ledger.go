package ledger

import (
	"context"
	"errors"
	"time"

	"cardflip-game/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Ledger is the durable record of rounds, bets and payout transactions.
// It holds no business rules; round legality is enforced through
// status-guarded conditional updates so that concurrent bet admission and
// the OPEN -> SETTLING freeze serialize on the round row.
type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// CreateRound opens a new round with the given sequence number.
// Fails with ErrOpenRoundExists if a round is already open, or if a
// concurrent creator won the race on the same sequence number.
func (l *Ledger) CreateRound(ctx context.Context, sequence int64) (*models.Round, error) {
	round := &models.Round{
		ID:             uuid.New(),
		SequenceNumber: sequence,
		Status:         models.RoundStatusOpen,
		TotalPool:      decimal.Zero,
		OpenedAt:       time.Now(),
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open int64
		if err := tx.Model(&models.Round{}).
			Where("status = ?", models.RoundStatusOpen).
			Count(&open).Error; err != nil {
			return unavailable(err)
		}
		if open > 0 {
			return ErrOpenRoundExists
		}

		if err := tx.Create(round).Error; err != nil {
			// The unique index on sequence_number backstops the check
			// above when two creators race across connections.
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrOpenRoundExists
			}
			return unavailable(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return round, nil
}

// GetRound retrieves a round by ID.
func (l *Ledger) GetRound(ctx context.Context, roundID uuid.UUID) (*models.Round, error) {
	var round models.Round
	err := l.db.WithContext(ctx).Where("id = ?", roundID).First(&round).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, unavailable(err)
	}
	return &round, nil
}

// GetOpenRound returns the single open round, or nil if none exists.
func (l *Ledger) GetOpenRound(ctx context.Context) (*models.Round, error) {
	var round models.Round
	err := l.db.WithContext(ctx).
		Where("status = ?", models.RoundStatusOpen).
		First(&round).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return &round, nil
}

// GetLatestClosedRound returns the closed round with the highest sequence
// number, or nil if no round has closed yet.
func (l *Ledger) GetLatestClosedRound(ctx context.Context) (*models.Round, error) {
	var round models.Round
	err := l.db.WithContext(ctx).
		Where("status = ?", models.RoundStatusClosed).
		Order("sequence_number DESC").
		First(&round).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return &round, nil
}

// ListClosedRounds returns closed rounds newest first, bounded by limit.
func (l *Ledger) ListClosedRounds(ctx context.Context, limit int) ([]*models.Round, error) {
	var rounds []*models.Round
	err := l.db.WithContext(ctx).
		Where("status = ?", models.RoundStatusClosed).
		Order("sequence_number DESC").
		Limit(limit).
		Find(&rounds).Error
	if err != nil {
		return nil, unavailable(err)
	}
	return rounds, nil
}

// GetStuckSettlingRounds returns rounds that entered SETTLING before the
// given cutoff and never closed.
func (l *Ledger) GetStuckSettlingRounds(ctx context.Context, cutoff time.Time) ([]*models.Round, error) {
	var rounds []*models.Round
	err := l.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.RoundStatusSettling, cutoff).
		Order("sequence_number ASC").
		Find(&rounds).Error
	if err != nil {
		return nil, unavailable(err)
	}
	return rounds, nil
}

// RecordBet appends a bet and increments the round pool in one transaction.
// The pool increment is a conditional update guarded by status = OPEN, so a
// bet racing the settlement freeze is either fully counted before it or
// rejected with ErrRoundNotOpen after it; it can never straddle the freeze.
func (l *Ledger) RecordBet(
	ctx context.Context,
	roundID uuid.UUID,
	bettorID string,
	outcome string,
	amount decimal.Decimal,
	externalRef string,
) (*models.Bet, error) {
	bet := &models.Bet{
		ID:          uuid.New(),
		RoundID:     roundID,
		BettorID:    bettorID,
		Outcome:     outcome,
		Amount:      amount,
		ExternalRef: externalRef,
		PlacedAt:    time.Now(),
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dupes int64
		if err := tx.Model(&models.Bet{}).
			Where("external_ref = ?", externalRef).
			Count(&dupes).Error; err != nil {
			return unavailable(err)
		}
		if dupes > 0 {
			return ErrDuplicateBet
		}

		res := tx.Model(&models.Round{}).
			Where("id = ? AND status = ?", roundID, models.RoundStatusOpen).
			UpdateColumn("total_pool", gorm.Expr("total_pool + ?", amount))
		if res.Error != nil {
			return unavailable(res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrRoundNotOpen
		}

		if err := tx.Create(bet).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateBet
			}
			return unavailable(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return bet, nil
}

// ListBets returns all bets for a round, in placement order.
func (l *Ledger) ListBets(ctx context.Context, roundID uuid.UUID) ([]*models.Bet, error) {
	var bets []*models.Bet
	err := l.db.WithContext(ctx).
		Where("round_id = ?", roundID).
		Order("placed_at ASC").
		Find(&bets).Error
	if err != nil {
		return nil, unavailable(err)
	}
	return bets, nil
}

// TransitionRound moves a round to newStatus with the extra field updates.
// The update is conditional on the round still being in the legal
// predecessor state; any out-of-order attempt fails with
// ErrInvalidTransition and must not be retried blindly.
func (l *Ledger) TransitionRound(
	ctx context.Context,
	roundID uuid.UUID,
	newStatus models.RoundStatus,
	fields map[string]interface{},
) error {
	var from models.RoundStatus
	switch newStatus {
	case models.RoundStatusSettling:
		from = models.RoundStatusOpen
	case models.RoundStatusClosed:
		from = models.RoundStatusSettling
	default:
		return ErrInvalidTransition
	}

	updates := map[string]interface{}{
		"status":     newStatus,
		"updated_at": time.Now(),
	}
	for k, v := range fields {
		updates[k] = v
	}

	res := l.db.WithContext(ctx).Model(&models.Round{}).
		Where("id = ? AND status = ?", roundID, from).
		Updates(updates)
	if res.Error != nil {
		return unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// RecordPayout appends a payout transaction. Re-recording an existing
// reference is a no-op, which makes settlement retries safe. The returned
// bool reports whether the row was newly created.
func (l *Ledger) RecordPayout(ctx context.Context, payout *models.PayoutTransaction) (bool, error) {
	if payout.ID == uuid.Nil {
		payout.ID = uuid.New()
	}

	created := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.PayoutTransaction{}).
			Where("reference = ?", payout.Reference).
			Count(&existing).Error; err != nil {
			return unavailable(err)
		}
		if existing > 0 {
			return nil
		}

		if err := tx.Create(payout).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return nil
			}
			return unavailable(err)
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// ListPayouts returns all payout transactions for a round.
func (l *Ledger) ListPayouts(ctx context.Context, roundID uuid.UUID) ([]*models.PayoutTransaction, error) {
	var payouts []*models.PayoutTransaction
	err := l.db.WithContext(ctx).
		Where("round_id = ?", roundID).
		Order("created_at ASC").
		Find(&payouts).Error
	if err != nil {
		return nil, unavailable(err)
	}
	return payouts, nil
}

// SumWinPayouts returns the total WIN amount a bettor received in a round.
func (l *Ledger) SumWinPayouts(ctx context.Context, roundID uuid.UUID, bettorID string) (decimal.Decimal, error) {
	var payouts []*models.PayoutTransaction
	err := l.db.WithContext(ctx).
		Where("round_id = ? AND bettor_id = ? AND kind = ?",
			roundID, bettorID, models.PayoutKindWin).
		Find(&payouts).Error
	if err != nil {
		return decimal.Zero, unavailable(err)
	}

	total := decimal.Zero
	for _, p := range payouts {
		total = total.Add(p.Amount)
	}
	return total, nil
}
