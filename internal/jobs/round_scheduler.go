package jobs

import (
	"context"
	"errors"
	"log"
	"time"

	"cardflip-game/internal/config"
	"cardflip-game/internal/ledger"
	"cardflip-game/internal/services"
)

// RoundScheduler is the single control loop of the round engine. Each tick
// it retries stuck settlements, opens a round when none is open, and settles
// the open round once its duration has elapsed.
type RoundScheduler struct {
	ledger        *ledger.Ledger
	settlement    *services.SettlementService
	roundDuration time.Duration
	pollInterval  time.Duration
	settleGrace   time.Duration
	stopChan      chan struct{}
}

// NewRoundScheduler creates a new round scheduler job
func NewRoundScheduler(
	l *ledger.Ledger,
	settlement *services.SettlementService,
	cfg config.GameConfig,
) *RoundScheduler {
	return &RoundScheduler{
		ledger:        l,
		settlement:    settlement,
		roundDuration: cfg.RoundDuration,
		pollInterval:  cfg.PollInterval,
		settleGrace:   cfg.SettleGrace,
		stopChan:      make(chan struct{}),
	}
}

// Start begins the scheduling loop. A failed tick is logged and retried on
// the next tick; the loop itself never terminates on an error.
func (rs *RoundScheduler) Start() {
	log.Printf("[RoundScheduler] Starting round scheduler (poll: %v, round: %v)",
		rs.pollInterval, rs.roundDuration)

	ticker := time.NewTicker(rs.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rs.tick()
		case <-rs.stopChan:
			log.Println("[RoundScheduler] Stopping round scheduler")
			return
		}
	}
}

// Stop stops the scheduling loop
func (rs *RoundScheduler) Stop() {
	close(rs.stopChan)
}

func (rs *RoundScheduler) tick() {
	ctx := context.Background()

	rs.retryStuckSettlements(ctx)

	open, err := rs.ledger.GetOpenRound(ctx)
	if err != nil {
		log.Printf("[RoundScheduler] Error fetching open round: %v", err)
		return
	}

	if open == nil {
		if err := rs.openNextRound(ctx); err != nil {
			log.Printf("[RoundScheduler] Error opening round: %v", err)
		}
		return
	}

	if time.Since(open.OpenedAt) < rs.roundDuration {
		return
	}

	log.Printf("[RoundScheduler] Round %d expired, settling", open.SequenceNumber)
	if err := rs.settlement.Settle(ctx, open.ID); err != nil {
		log.Printf("[RoundScheduler] Error settling round %d: %v", open.SequenceNumber, err)
		return
	}

	if err := rs.openNextRound(ctx); err != nil {
		log.Printf("[RoundScheduler] Error opening round: %v", err)
	}
}

func (rs *RoundScheduler) openNextRound(ctx context.Context) error {
	latest, err := rs.ledger.GetLatestClosedRound(ctx)
	if err != nil {
		return err
	}

	sequence := int64(1)
	if latest != nil {
		sequence = latest.SequenceNumber + 1
	}

	round, err := rs.ledger.CreateRound(ctx, sequence)
	if err != nil {
		if errors.Is(err, ledger.ErrOpenRoundExists) {
			// Another scheduler instance won the race.
			return nil
		}
		return err
	}

	log.Printf("[RoundScheduler] Opened round %d", round.SequenceNumber)
	return nil
}

func (rs *RoundScheduler) retryStuckSettlements(ctx context.Context) {
	cutoff := time.Now().Add(-rs.settleGrace)
	stuck, err := rs.ledger.GetStuckSettlingRounds(ctx, cutoff)
	if err != nil {
		log.Printf("[RoundScheduler] Error fetching stuck rounds: %v", err)
		return
	}

	for _, round := range stuck {
		log.Printf("[RoundScheduler] Round %d stuck in SETTLING, retrying settlement", round.SequenceNumber)
		if err := rs.settlement.Settle(ctx, round.ID); err != nil {
			log.Printf("[RoundScheduler] Error re-settling round %d: %v", round.SequenceNumber, err)
		}
	}
}
