package services

import (
	"crypto/sha256"
	"encoding/binary"
	"strconv"

	"cardflip-game/internal/models"
)

// OutcomePicker selects the winning outcome for a round under settlement.
// Implementations must be deterministic for a given round so that a retried
// settlement reproduces the same winner.
type OutcomePicker interface {
	ChooseOutcome(round *models.Round, bets []*models.Bet) string
}

// FairCoinPicker picks uniformly between the two cards, independent of bet
// weighting. The choice is derived from a server seed and the round sequence
// number, provably-fair style, so re-settling a stuck round lands on the
// same card.
type FairCoinPicker struct {
	seed string
}

func NewFairCoinPicker(seed string) *FairCoinPicker {
	return &FairCoinPicker{seed: seed}
}

func (p *FairCoinPicker) ChooseOutcome(round *models.Round, _ []*models.Bet) string {
	outcomes := models.ValidOutcomes()
	return outcomes[int(p.draw(round)%uint64(len(outcomes)))]
}

func (p *FairCoinPicker) draw(round *models.Round) uint64 {
	sum := sha256.Sum256([]byte(p.seed + ":" + strconv.FormatInt(round.SequenceNumber, 10)))
	return binary.BigEndian.Uint64(sum[:8])
}

// LosingPoolPicker is the alternate resolution policy: each card wins with
// probability proportional to the stake on the other card, so heavily backed
// cards are more likely to lose. Falls back to a fair coin when one side
// would get zero weight.
type LosingPoolPicker struct {
	coin *FairCoinPicker
}

func NewLosingPoolPicker(seed string) *LosingPoolPicker {
	return &LosingPoolPicker{coin: NewFairCoinPicker(seed)}
}

func (p *LosingPoolPicker) ChooseOutcome(round *models.Round, bets []*models.Bet) string {
	outcomes := models.ValidOutcomes()

	// Integer weights at amount resolution keep the draw exact.
	weights := make([]uint64, len(outcomes))
	var total uint64
	for i, outcome := range outcomes {
		for _, b := range bets {
			if b.Outcome != outcome {
				weights[i] += uint64(b.Amount.Shift(models.AmountPlaces).IntPart())
			}
		}
		total += weights[i]
	}

	if total == 0 || weights[0] == 0 || weights[1] == 0 {
		return p.coin.ChooseOutcome(round, bets)
	}

	r := p.coin.draw(round) % total
	if r < weights[0] {
		return outcomes[0]
	}
	return outcomes[1]
}
