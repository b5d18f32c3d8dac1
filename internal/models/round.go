package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type RoundStatus string

const (
	RoundStatusOpen     RoundStatus = "OPEN"
	RoundStatusSettling RoundStatus = "SETTLING"
	RoundStatusClosed   RoundStatus = "CLOSED"
)

// The two cards a bettor can back in a round.
const (
	OutcomeCardOne = "CARD_1"
	OutcomeCardTwo = "CARD_2"
)

// AmountPlaces is the number of decimal places amounts are tracked at
// (lamport resolution). Payout shares are truncated here, never rounded up.
const AmountPlaces int32 = 9

// ValidOutcomes returns the outcomes bettors can back, in display order.
func ValidOutcomes() []string {
	return []string{OutcomeCardOne, OutcomeCardTwo}
}

// IsValidOutcome reports whether outcome is one of the two cards.
func IsValidOutcome(outcome string) bool {
	return outcome == OutcomeCardOne || outcome == OutcomeCardTwo
}

// Round is a single betting cycle. Exactly one round is OPEN at a time;
// TotalPool only grows while the round is OPEN and is frozen by the
// OPEN -> SETTLING transition.
type Round struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	SequenceNumber int64           `gorm:"uniqueIndex;not null" json:"sequence_number"`
	Status         RoundStatus     `gorm:"size:20;not null;default:OPEN;index" json:"status"`
	TotalPool      decimal.Decimal `gorm:"type:decimal(30,9);not null;default:0" json:"total_pool"`
	WinningOutcome *string         `gorm:"size:20" json:"winning_outcome"`
	OpenedAt       time.Time       `gorm:"not null" json:"opened_at"`
	ClosedAt       *time.Time      `json:"closed_at"`
	UpdatedAt      time.Time       `gorm:"default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Round) TableName() string {
	return "game_rounds"
}

// Bet is a stake on one outcome of a round. Bets are immutable once created.
type Bet struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	RoundID     uuid.UUID       `gorm:"type:uuid;not null;index" json:"round_id"`
	BettorID    string          `gorm:"size:64;not null;index" json:"bettor_id"`
	Outcome     string          `gorm:"size:20;not null" json:"outcome"`
	Amount      decimal.Decimal `gorm:"type:decimal(30,9);not null" json:"amount"`
	ExternalRef string          `gorm:"size:255;not null;uniqueIndex" json:"external_ref"`
	PlacedAt    time.Time       `gorm:"not null" json:"placed_at"`
}

func (Bet) TableName() string {
	return "bets"
}

type PayoutKind string

const (
	PayoutKindStake  PayoutKind = "STAKE"
	PayoutKindWin    PayoutKind = "WIN"
	PayoutKindRefund PayoutKind = "REFUND"
)

// PayoutTransaction is an append-only value movement record. Reference is
// derived from the round and source bet, and deduplicates retried writes.
type PayoutTransaction struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	RoundID   uuid.UUID       `gorm:"type:uuid;not null;index" json:"round_id"`
	BettorID  string          `gorm:"size:64;not null;index" json:"bettor_id"`
	Kind      PayoutKind      `gorm:"size:20;not null" json:"kind"`
	Amount    decimal.Decimal `gorm:"type:decimal(30,9);not null" json:"amount"`
	Reference string          `gorm:"size:255;not null;uniqueIndex" json:"reference"`
	CreatedAt time.Time       `gorm:"default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (PayoutTransaction) TableName() string {
	return "payout_transactions"
}

// PlaceBetRequest is the place-bet API payload.
type PlaceBetRequest struct {
	Outcome     string `json:"outcome" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	ExternalRef string `json:"external_ref" binding:"required"`
}

// RoundView is the read-only projection of the open round for UI polling.
type RoundView struct {
	SequenceNumber   int64                      `json:"sequence_number"`
	Status           RoundStatus                `json:"status"`
	TotalPool        decimal.Decimal            `json:"total_pool"`
	PerOutcomeTotals map[string]decimal.Decimal `json:"per_outcome_totals"`
	Deadline         time.Time                  `json:"deadline"`
}

// SettlementView is one entry of the recent-results history.
type SettlementView struct {
	SequenceNumber int64            `json:"sequence_number"`
	WinningOutcome *string          `json:"winning_outcome"`
	TotalPool      decimal.Decimal  `json:"total_pool"`
	BettorPayout   *decimal.Decimal `json:"bettor_payout,omitempty"`
	ClosedAt       *time.Time       `json:"closed_at"`
}
