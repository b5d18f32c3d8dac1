package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"cardflip-game/internal/ledger"
	"cardflip-game/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SettlementService closes out expired rounds: it freezes the pool, picks a
// winning card, and distributes the fee-adjusted prize pro-rata among the
// winning bets.
type SettlementService struct {
	ledger          *ledger.Ledger
	picker          OutcomePicker
	notifier        PayoutNotifier
	feeRate         decimal.Decimal
	refundOnForfeit bool
}

func NewSettlementService(
	l *ledger.Ledger,
	picker OutcomePicker,
	notifier PayoutNotifier,
	feeRate decimal.Decimal,
	refundOnForfeit bool,
) *SettlementService {
	return &SettlementService{
		ledger:          l,
		picker:          picker,
		notifier:        notifier,
		feeRate:         feeRate,
		refundOnForfeit: refundOnForfeit,
	}
}

// WinReference derives the deduplication reference for a winning bet's payout.
func WinReference(roundID, betID uuid.UUID) string {
	return roundID.String() + ":" + betID.String()
}

// StakeReference derives the deduplication reference for a bet's stake record.
func StakeReference(roundID, betID uuid.UUID) string {
	return roundID.String() + ":" + betID.String() + ":stake"
}

func refundReference(roundID, betID uuid.UUID) string {
	return roundID.String() + ":" + betID.String() + ":refund"
}

// Settle drives a round from OPEN (or a stuck SETTLING) to CLOSED.
// Safe to call repeatedly: a closed round is a no-op, payout writes
// deduplicate on reference, and the picker is deterministic per round.
func (s *SettlementService) Settle(ctx context.Context, roundID uuid.UUID) error {
	round, err := s.ledger.GetRound(ctx, roundID)
	if err != nil {
		return fmt.Errorf("failed to load round: %w", err)
	}

	switch round.Status {
	case models.RoundStatusClosed:
		return nil
	case models.RoundStatusOpen:
		if err := s.ledger.TransitionRound(ctx, roundID, models.RoundStatusSettling, nil); err != nil {
			if !errors.Is(err, ledger.ErrInvalidTransition) {
				return fmt.Errorf("failed to freeze round: %w", err)
			}
			// Lost the freeze race to a concurrent settle call.
			round, err = s.ledger.GetRound(ctx, roundID)
			if err != nil {
				return fmt.Errorf("failed to reload round: %w", err)
			}
			if round.Status == models.RoundStatusClosed {
				return nil
			}
			if round.Status != models.RoundStatusSettling {
				return ledger.ErrInvalidTransition
			}
		}
	case models.RoundStatusSettling:
		log.Printf("[Settlement] Retrying settlement of round %d", round.SequenceNumber)
	}

	// Reload after the freeze so TotalPool is final.
	round, err = s.ledger.GetRound(ctx, roundID)
	if err != nil {
		return fmt.Errorf("failed to reload round: %w", err)
	}

	bets, err := s.ledger.ListBets(ctx, roundID)
	if err != nil {
		return fmt.Errorf("failed to list bets: %w", err)
	}

	if len(bets) == 0 {
		log.Printf("[Settlement] Round %d closed with no bets", round.SequenceNumber)
		return s.closeRound(ctx, roundID, nil)
	}

	winning := s.picker.ChooseOutcome(round, bets)

	winningTotal := decimal.Zero
	var winningBets []*models.Bet
	for _, b := range bets {
		if b.Outcome == winning {
			winningBets = append(winningBets, b)
			winningTotal = winningTotal.Add(b.Amount)
		}
	}

	fee := round.TotalPool.Mul(s.feeRate)
	prizePool := round.TotalPool.Sub(fee).RoundFloor(models.AmountPlaces)

	if winningTotal.IsZero() {
		// Nobody backed the winning card. The default policy forfeits the
		// whole pool to the house; REFUND_ON_FORFEIT returns stakes instead.
		if s.refundOnForfeit {
			for _, b := range bets {
				refund := &models.PayoutTransaction{
					RoundID:   roundID,
					BettorID:  b.BettorID,
					Kind:      models.PayoutKindRefund,
					Amount:    b.Amount,
					Reference: refundReference(roundID, b.ID),
				}
				if _, err := s.ledger.RecordPayout(ctx, refund); err != nil {
					return fmt.Errorf("failed to record refund: %w", err)
				}
			}
			log.Printf("[Settlement] Round %d: winner %s unbacked, refunded %d stakes",
				round.SequenceNumber, winning, len(bets))
		} else {
			log.Printf("[Settlement] Round %d: winner %s unbacked, pool %s forfeited",
				round.SequenceNumber, winning, round.TotalPool)
		}
		return s.closeRound(ctx, roundID, &winning)
	}

	log.Printf("[Settlement] Round %d: winner %s, pool %s, fee %s, prize %s, %d winning bets",
		round.SequenceNumber, winning, round.TotalPool, fee, prizePool, len(winningBets))

	for _, b := range winningBets {
		// Truncated at amount resolution; the flooring remainder stays with
		// the house rather than being redistributed.
		share, _ := b.Amount.Mul(prizePool).QuoRem(winningTotal, models.AmountPlaces)
		if share.IsZero() {
			continue
		}

		payout := &models.PayoutTransaction{
			RoundID:   roundID,
			BettorID:  b.BettorID,
			Kind:      models.PayoutKindWin,
			Amount:    share,
			Reference: WinReference(roundID, b.ID),
		}
		created, err := s.ledger.RecordPayout(ctx, payout)
		if err != nil {
			return fmt.Errorf("failed to record payout: %w", err)
		}
		if created && s.notifier != nil {
			if err := s.notifier.NotifyWin(ctx, payout); err != nil {
				log.Printf("[Settlement] Warning: payout notification failed for %s: %v",
					payout.Reference, err)
			}
		}
	}

	return s.closeRound(ctx, roundID, &winning)
}

func (s *SettlementService) closeRound(ctx context.Context, roundID uuid.UUID, winning *string) error {
	fields := map[string]interface{}{
		"closed_at": time.Now(),
	}
	if winning != nil {
		fields["winning_outcome"] = *winning
	}
	if err := s.ledger.TransitionRound(ctx, roundID, models.RoundStatusClosed, fields); err != nil {
		return fmt.Errorf("failed to close round: %w", err)
	}
	return nil
}
