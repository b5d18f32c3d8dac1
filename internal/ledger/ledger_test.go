package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cardflip-game/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestLedger(t *testing.T) (*Ledger, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}

	// Serialize connections so concurrent tests don't trip over sqlite locks.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&models.Round{},
		&models.Bet{},
		&models.PayoutTransaction{},
	)
	if err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}

	return NewLedger(db), db
}

func mustAmount(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad amount %q: %v", s, err)
	}
	return d
}

func TestCreateRoundConflict(t *testing.T) {
	l, _ := setupTestLedger(t)
	ctx := context.Background()

	round, err := l.CreateRound(ctx, 1)
	if err != nil {
		t.Fatalf("CreateRound failed: %v", err)
	}
	if round.Status != models.RoundStatusOpen {
		t.Errorf("expected OPEN, got %s", round.Status)
	}
	if !round.TotalPool.IsZero() {
		t.Errorf("expected zero pool, got %s", round.TotalPool)
	}

	_, err = l.CreateRound(ctx, 2)
	if !errors.Is(err, ErrOpenRoundExists) {
		t.Fatalf("expected ErrOpenRoundExists, got %v", err)
	}
}

func TestGetOpenRound(t *testing.T) {
	l, _ := setupTestLedger(t)
	ctx := context.Background()

	open, err := l.GetOpenRound(ctx)
	if err != nil {
		t.Fatalf("GetOpenRound failed: %v", err)
	}
	if open != nil {
		t.Fatalf("expected no open round, got %v", open)
	}

	created, err := l.CreateRound(ctx, 1)
	if err != nil {
		t.Fatalf("CreateRound failed: %v", err)
	}

	open, err = l.GetOpenRound(ctx)
	if err != nil {
		t.Fatalf("GetOpenRound failed: %v", err)
	}
	if open == nil || open.ID != created.ID {
		t.Fatalf("expected round %v, got %v", created.ID, open)
	}
}

func TestRecordBetAccumulatesPool(t *testing.T) {
	l, _ := setupTestLedger(t)
	ctx := context.Background()

	round, err := l.CreateRound(ctx, 1)
	if err != nil {
		t.Fatalf("CreateRound failed: %v", err)
	}

	_, err = l.RecordBet(ctx, round.ID, "alice", models.OutcomeCardOne, mustAmount(t, "0.5"), "ref-1")
	if err != nil {
		t.Fatalf("RecordBet failed: %v", err)
	}
	_, err = l.RecordBet(ctx, round.ID, "bob", models.OutcomeCardTwo, mustAmount(t, "1"), "ref-2")
	if err != nil {
		t.Fatalf("RecordBet failed: %v", err)
	}

	reloaded, err := l.GetRound(ctx, round.ID)
	if err != nil {
		t.Fatalf("GetRound failed: %v", err)
	}
	if !reloaded.TotalPool.Equal(mustAmount(t, "1.5")) {
		t.Errorf("expected pool 1.5, got %s", reloaded.TotalPool)
	}

	bets, err := l.ListBets(ctx, round.ID)
	if err != nil {
		t.Fatalf("ListBets failed: %v", err)
	}
	if len(bets) != 2 {
		t.Fatalf("expected 2 bets, got %d", len(bets))
	}
}

func TestRecordBetDuplicateRef(t *testing.T) {
	l, _ := setupTestLedger(t)
	ctx := context.Background()

	round, err := l.CreateRound(ctx, 1)
	if err != nil {
		t.Fatalf("CreateRound failed: %v", err)
	}

	_, err = l.RecordBet(ctx, round.ID, "alice", models.OutcomeCardOne, mustAmount(t, "1"), "ref-1")
	if err != nil {
		t.Fatalf("RecordBet failed: %v", err)
	}

	_, err = l.RecordBet(ctx, round.ID, "alice", models.OutcomeCardOne, mustAmount(t, "1"), "ref-1")
	if !errors.Is(err, ErrDuplicateBet) {
		t.Fatalf("expected ErrDuplicateBet, got %v", err)
	}

	// The rejected retry must not have touched the pool.
	reloaded, err := l.GetRound(ctx, round.ID)
	if err != nil {
		t.Fatalf("GetRound failed: %v", err)
	}
	if !reloaded.TotalPool.Equal(mustAmount(t, "1")) {
		t.Errorf("expected pool 1, got %s", reloaded.TotalPool)
	}
}

func TestRecordBetAfterFreeze(t *testing.T) {
	l, _ := setupTestLedger(t)
	ctx := context.Background()

	round, err := l.CreateRound(ctx, 1)
	if err != nil {
		t.Fatalf("CreateRound failed: %v", err)
	}

	if err := l.TransitionRound(ctx, round.ID, models.RoundStatusSettling, nil); err != nil {
		t.Fatalf("TransitionRound failed: %v", err)
	}

	_, err = l.RecordBet(ctx, round.ID, "alice", models.OutcomeCardOne, mustAmount(t, "1"), "late-ref")
	if !errors.Is(err, ErrRoundNotOpen) {
		t.Fatalf("expected ErrRoundNotOpen, got %v", err)
	}

	reloaded, err := l.GetRound(ctx, round.ID)
	if err != nil {
		t.Fatalf("GetRound failed: %v", err)
	}
	if !reloaded.TotalPool.IsZero() {
		t.Errorf("frozen pool changed: %s", reloaded.TotalPool)
	}

	bets, err := l.ListBets(ctx, round.ID)
	if err != nil {
		t.Fatalf("ListBets failed: %v", err)
	}
	if len(bets) != 0 {
		t.Errorf("rejected bet was recorded: %d bets", len(bets))
	}
}

func TestTransitionRoundOrder(t *testing.T) {
	l, _ := setupTestLedger(t)
	ctx := context.Background()

	round, err := l.CreateRound(ctx, 1)
	if err != nil {
		t.Fatalf("CreateRound failed: %v", err)
	}

	// OPEN cannot jump straight to CLOSED.
	err = l.TransitionRound(ctx, round.ID, models.RoundStatusClosed, nil)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for OPEN->CLOSED, got %v", err)
	}

	if err := l.TransitionRound(ctx, round.ID, models.RoundStatusSettling, nil); err != nil {
		t.Fatalf("OPEN->SETTLING failed: %v", err)
	}

	// Double freeze is a fault, not a retry.
	err = l.TransitionRound(ctx, round.ID, models.RoundStatusSettling, nil)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for double freeze, got %v", err)
	}

	now := time.Now()
	err = l.TransitionRound(ctx, round.ID, models.RoundStatusClosed, map[string]interface{}{
		"winning_outcome": models.OutcomeCardTwo,
		"closed_at":       now,
	})
	if err != nil {
		t.Fatalf("SETTLING->CLOSED failed: %v", err)
	}

	reloaded, err := l.GetRound(ctx, round.ID)
	if err != nil {
		t.Fatalf("GetRound failed: %v", err)
	}
	if reloaded.Status != models.RoundStatusClosed {
		t.Errorf("expected CLOSED, got %s", reloaded.Status)
	}
	if reloaded.WinningOutcome == nil || *reloaded.WinningOutcome != models.OutcomeCardTwo {
		t.Errorf("winning outcome not recorded: %v", reloaded.WinningOutcome)
	}
	if reloaded.ClosedAt == nil {
		t.Error("closed_at not recorded")
	}

	// A closed round never transitions again.
	err = l.TransitionRound(ctx, round.ID, models.RoundStatusSettling, nil)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on closed round, got %v", err)
	}
}

func TestGetLatestClosedRound(t *testing.T) {
	l, _ := setupTestLedger(t)
	ctx := context.Background()

	latest, err := l.GetLatestClosedRound(ctx)
	if err != nil {
		t.Fatalf("GetLatestClosedRound failed: %v", err)
	}
	if latest != nil {
		t.Fatalf("expected none, got %v", latest)
	}

	for seq := int64(1); seq <= 3; seq++ {
		round, err := l.CreateRound(ctx, seq)
		if err != nil {
			t.Fatalf("CreateRound %d failed: %v", seq, err)
		}
		if err := l.TransitionRound(ctx, round.ID, models.RoundStatusSettling, nil); err != nil {
			t.Fatalf("freeze %d failed: %v", seq, err)
		}
		err = l.TransitionRound(ctx, round.ID, models.RoundStatusClosed, map[string]interface{}{
			"closed_at": time.Now(),
		})
		if err != nil {
			t.Fatalf("close %d failed: %v", seq, err)
		}
	}

	latest, err = l.GetLatestClosedRound(ctx)
	if err != nil {
		t.Fatalf("GetLatestClosedRound failed: %v", err)
	}
	if latest == nil || latest.SequenceNumber != 3 {
		t.Fatalf("expected sequence 3, got %v", latest)
	}

	closed, err := l.ListClosedRounds(ctx, 2)
	if err != nil {
		t.Fatalf("ListClosedRounds failed: %v", err)
	}
	if len(closed) != 2 || closed[0].SequenceNumber != 3 || closed[1].SequenceNumber != 2 {
		t.Fatalf("unexpected closed round order: %+v", closed)
	}
}

func TestRecordPayoutIdempotent(t *testing.T) {
	l, _ := setupTestLedger(t)
	ctx := context.Background()

	round, err := l.CreateRound(ctx, 1)
	if err != nil {
		t.Fatalf("CreateRound failed: %v", err)
	}

	payout := &models.PayoutTransaction{
		RoundID:   round.ID,
		BettorID:  "alice",
		Kind:      models.PayoutKindWin,
		Amount:    mustAmount(t, "0.9"),
		Reference: round.ID.String() + ":bet-1",
	}

	created, err := l.RecordPayout(ctx, payout)
	if err != nil {
		t.Fatalf("RecordPayout failed: %v", err)
	}
	if !created {
		t.Fatal("expected first record to create")
	}

	retry := &models.PayoutTransaction{
		RoundID:   round.ID,
		BettorID:  "alice",
		Kind:      models.PayoutKindWin,
		Amount:    mustAmount(t, "0.9"),
		Reference: round.ID.String() + ":bet-1",
	}
	created, err = l.RecordPayout(ctx, retry)
	if err != nil {
		t.Fatalf("RecordPayout retry failed: %v", err)
	}
	if created {
		t.Fatal("expected retry to be a no-op")
	}

	payouts, err := l.ListPayouts(ctx, round.ID)
	if err != nil {
		t.Fatalf("ListPayouts failed: %v", err)
	}
	if len(payouts) != 1 {
		t.Fatalf("expected 1 payout, got %d", len(payouts))
	}
}

func TestSumWinPayouts(t *testing.T) {
	l, _ := setupTestLedger(t)
	ctx := context.Background()

	round, err := l.CreateRound(ctx, 1)
	if err != nil {
		t.Fatalf("CreateRound failed: %v", err)
	}

	for i, p := range []*models.PayoutTransaction{
		{RoundID: round.ID, BettorID: "alice", Kind: models.PayoutKindWin, Amount: mustAmount(t, "1.2")},
		{RoundID: round.ID, BettorID: "alice", Kind: models.PayoutKindWin, Amount: mustAmount(t, "0.3")},
		{RoundID: round.ID, BettorID: "alice", Kind: models.PayoutKindStake, Amount: mustAmount(t, "5")},
		{RoundID: round.ID, BettorID: "bob", Kind: models.PayoutKindWin, Amount: mustAmount(t, "9")},
	} {
		p.Reference = round.ID.String() + ":" + string(rune('a'+i))
		if _, err := l.RecordPayout(ctx, p); err != nil {
			t.Fatalf("RecordPayout failed: %v", err)
		}
	}

	total, err := l.SumWinPayouts(ctx, round.ID, "alice")
	if err != nil {
		t.Fatalf("SumWinPayouts failed: %v", err)
	}
	if !total.Equal(mustAmount(t, "1.5")) {
		t.Errorf("expected 1.5, got %s", total)
	}
}

// TestConcurrentBetsAtFreeze fires bets concurrently with the settlement
// freeze. Every bet must be fully counted in the pool or cleanly rejected;
// the pool must always equal the sum of recorded bets.
func TestConcurrentBetsAtFreeze(t *testing.T) {
	l, _ := setupTestLedger(t)
	ctx := context.Background()

	round, err := l.CreateRound(ctx, 1)
	if err != nil {
		t.Fatalf("CreateRound failed: %v", err)
	}

	const bettors = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, bettors)

	for i := 0; i < bettors; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = l.RecordBet(ctx, round.ID, "bettor", models.OutcomeCardOne,
				mustAmount(t, "1"), round.ID.String()+":"+string(rune('a'+i)))
		}(i)
	}

	close(start)
	if err := l.TransitionRound(ctx, round.ID, models.RoundStatusSettling, nil); err != nil {
		t.Fatalf("freeze failed: %v", err)
	}
	wg.Wait()

	accepted := 0
	for i, err := range errs {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrRoundNotOpen):
		default:
			t.Fatalf("bet %d failed unexpectedly: %v", i, err)
		}
	}

	reloaded, err := l.GetRound(ctx, round.ID)
	if err != nil {
		t.Fatalf("GetRound failed: %v", err)
	}
	bets, err := l.ListBets(ctx, round.ID)
	if err != nil {
		t.Fatalf("ListBets failed: %v", err)
	}

	if len(bets) != accepted {
		t.Errorf("accepted %d bets but %d recorded", accepted, len(bets))
	}
	if !reloaded.TotalPool.Equal(decimal.NewFromInt(int64(accepted))) {
		t.Errorf("pool %s does not match %d accepted bets", reloaded.TotalPool, accepted)
	}
}
