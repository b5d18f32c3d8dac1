package services

import (
	"context"
	"errors"
	"log"
	"time"

	"cardflip-game/internal/ledger"
	"cardflip-game/internal/models"

	"github.com/shopspring/decimal"
)

// recentSettlementsWindow bounds the recent-results history.
const recentSettlementsWindow = 5

var (
	ErrInvalidAmount  = errors.New("bet amount must be a positive amount at supported resolution")
	ErrInvalidOutcome = errors.New("unknown outcome")
)

// GameService is the host-facing surface of the round engine: bet admission
// and the read-only round/history projections.
type GameService struct {
	ledger        *ledger.Ledger
	roundDuration time.Duration
}

func NewGameService(l *ledger.Ledger, roundDuration time.Duration) *GameService {
	return &GameService{
		ledger:        l,
		roundDuration: roundDuration,
	}
}

// PlaceBet validates and records a stake against the currently open round.
// A bet racing the settlement freeze fails with ledger.ErrRoundNotOpen; it is
// never carried over to the next round.
func (g *GameService) PlaceBet(
	ctx context.Context,
	bettorID string,
	outcome string,
	amount decimal.Decimal,
	externalRef string,
) (*models.Bet, error) {
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(models.AmountPlaces)) {
		return nil, ErrInvalidAmount
	}
	if !models.IsValidOutcome(outcome) {
		return nil, ErrInvalidOutcome
	}

	open, err := g.ledger.GetOpenRound(ctx)
	if err != nil {
		return nil, err
	}
	if open == nil {
		return nil, ledger.ErrRoundNotOpen
	}

	bet, err := g.ledger.RecordBet(ctx, open.ID, bettorID, outcome, amount, externalRef)
	if err != nil {
		return nil, err
	}

	stake := &models.PayoutTransaction{
		RoundID:   open.ID,
		BettorID:  bettorID,
		Kind:      models.PayoutKindStake,
		Amount:    amount,
		Reference: StakeReference(open.ID, bet.ID),
	}
	if _, err := g.ledger.RecordPayout(ctx, stake); err != nil {
		// The bet itself is committed; the stake record is an audit row.
		log.Printf("[Game] Warning: failed to record stake transaction for bet %s: %v", bet.ID, err)
	}

	return bet, nil
}

// GetCurrentRoundView returns the open round projection for UI polling, or
// nil if no round is open (transient, between settlement and the next open).
func (g *GameService) GetCurrentRoundView(ctx context.Context) (*models.RoundView, error) {
	open, err := g.ledger.GetOpenRound(ctx)
	if err != nil {
		return nil, err
	}
	if open == nil {
		return nil, nil
	}

	bets, err := g.ledger.ListBets(ctx, open.ID)
	if err != nil {
		return nil, err
	}

	totals := make(map[string]decimal.Decimal, 2)
	for _, outcome := range models.ValidOutcomes() {
		totals[outcome] = decimal.Zero
	}
	for _, b := range bets {
		totals[b.Outcome] = totals[b.Outcome].Add(b.Amount)
	}

	return &models.RoundView{
		SequenceNumber:   open.SequenceNumber,
		Status:           open.Status,
		TotalPool:        open.TotalPool,
		PerOutcomeTotals: totals,
		Deadline:         open.OpenedAt.Add(g.roundDuration),
	}, nil
}

// GetRecentSettlements returns the most recent closed rounds, newest first.
// When bettorID is set, each entry carries that bettor's winnings.
func (g *GameService) GetRecentSettlements(ctx context.Context, bettorID string) ([]*models.SettlementView, error) {
	rounds, err := g.ledger.ListClosedRounds(ctx, recentSettlementsWindow)
	if err != nil {
		return nil, err
	}

	views := make([]*models.SettlementView, 0, len(rounds))
	for _, round := range rounds {
		view := &models.SettlementView{
			SequenceNumber: round.SequenceNumber,
			WinningOutcome: round.WinningOutcome,
			TotalPool:      round.TotalPool,
			ClosedAt:       round.ClosedAt,
		}
		if bettorID != "" {
			won, err := g.ledger.SumWinPayouts(ctx, round.ID, bettorID)
			if err != nil {
				return nil, err
			}
			view.BettorPayout = &won
		}
		views = append(views, view)
	}

	return views, nil
}
