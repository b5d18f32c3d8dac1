package handlers

import (
	"errors"
	"net/http"

	"cardflip-game/internal/auth"
	"cardflip-game/internal/ledger"
	"cardflip-game/internal/models"
	"cardflip-game/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type GameHandler struct {
	gameService *services.GameService
}

func NewGameHandler(gameService *services.GameService) *GameHandler {
	return &GameHandler{
		gameService: gameService,
	}
}

// PlaceBet places a stake on one card of the open round
// POST /api/place-bet
func (h *GameHandler) PlaceBet(c *gin.Context) {
	wallet, exists := auth.GetWalletAddress(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req models.PlaceBetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	bet, err := h.gameService.PlaceBet(c.Request.Context(), wallet, req.Outcome, amount, req.ExternalRef)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrRoundNotOpen):
			c.JSON(http.StatusConflict, gin.H{"error": "round closed, bet rejected"})
		case errors.Is(err, ledger.ErrDuplicateBet):
			c.JSON(http.StatusConflict, gin.H{"error": "bet already placed"})
		case errors.Is(err, services.ErrInvalidAmount), errors.Is(err, services.ErrInvalidOutcome):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to place bet"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "Bet placed successfully",
		"data":    bet,
	})
}

// GetGameState returns the open round projection for UI polling
// GET /api/game-state
func (h *GameHandler) GetGameState(c *gin.Context) {
	view, err := h.gameService.GetCurrentRoundView(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch game state"})
		return
	}
	if view == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active round"})
		return
	}

	c.JSON(http.StatusOK, view)
}

// GetRecentResults returns the most recent settlements, newest first
// GET /api/recent-results?wallet=<address>
func (h *GameHandler) GetRecentResults(c *gin.Context) {
	wallet := c.Query("wallet")

	results, err := h.gameService.GetRecentSettlements(c.Request.Context(), wallet)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch recent results"})
		return
	}

	c.JSON(http.StatusOK, results)
}
