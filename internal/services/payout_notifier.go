package services

import (
	"context"
	"log"

	"cardflip-game/internal/models"
)

// PayoutNotifier delivers a win to an external value-transfer mechanism.
// Notification is best-effort: the recorded PayoutTransaction is the source
// of truth, and a failed notification is logged, never rolled back.
type PayoutNotifier interface {
	NotifyWin(ctx context.Context, payout *models.PayoutTransaction) error
}

// LogPayoutNotifier is the stub notifier used when no wallet is configured.
type LogPayoutNotifier struct{}

func (LogPayoutNotifier) NotifyWin(_ context.Context, payout *models.PayoutTransaction) error {
	log.Printf("[PayoutNotifier] WIN %s to %s (ref %s)",
		payout.Amount, payout.BettorID, payout.Reference)
	return nil
}
