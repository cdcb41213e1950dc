// services/challenge_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"prop-trading-system/models"
)

// ChallengeService owns the account lifecycle: creation when an order is
// fulfilled, equity/balance writes from sync, status transitions from the
// risk pipeline, and the archive-and-replace upgrade flow.
type ChallengeService struct {
	DB     *gorm.DB
	Bridge *BridgeClient
}

func NewChallengeService(db *gorm.DB, bridge *BridgeClient) *ChallengeService {
	return &ChallengeService{DB: db, Bridge: bridge}
}

// CreateFromOrderRequest is the trigger payload from the (external) payment
// flow: an order was fulfilled, provision an account.
type CreateFromOrderRequest struct {
	UserID        string  `json:"user_id"`
	Name          string  `json:"name"`
	GroupName     string  `json:"group_name"`
	ChallengeType string  `json:"challenge_type"`
	Balance       float64 `json:"balance"`
	Leverage      int     `json:"leverage"`
}

// CreateFromOrder provisions a login on the bridge and records the challenge.
func (s *ChallengeService) CreateFromOrder(ctx context.Context, req CreateFromOrderRequest) (*models.Challenge, error) {
	if req.Leverage <= 0 {
		req.Leverage = 100
	}

	acct, err := s.Bridge.CreateAccount(ctx, CreateAccountRequest{
		Name:     req.Name,
		Group:    req.GroupName,
		Leverage: req.Leverage,
		Balance:  req.Balance,
	})
	if err != nil {
		return nil, fmt.Errorf("bridge account creation failed: %w", err)
	}

	challenge := models.Challenge{
		ID:               uuid.NewString(),
		UserID:           req.UserID,
		Login:            acct.Login,
		GroupName:        req.GroupName,
		ChallengeType:    req.ChallengeType,
		InitialBalance:   req.Balance,
		CurrentBalance:   req.Balance,
		CurrentEquity:    req.Balance,
		StartOfDayEquity: req.Balance,
		Status:           models.ChallengeStatusActive,
		Server:           acct.Server,
		Leverage:         req.Leverage,
	}
	if err := s.DB.WithContext(ctx).Create(&challenge).Error; err != nil {
		return nil, fmt.Errorf("failed to persist challenge for login %s: %w", acct.Login, err)
	}

	log.Printf("✅ Created challenge %s (login %s, group %s) for user %s",
		challenge.ID, challenge.Login, challenge.GroupName, challenge.UserID)
	return &challenge, nil
}

// ApplyEquity writes the latest balance/equity snapshot from a sync cycle.
func (s *ChallengeService) ApplyEquity(ctx context.Context, challengeID string, balance, equity float64) error {
	return s.DB.WithContext(ctx).Model(&models.Challenge{}).
		Where("id = ?", challengeID).
		Updates(map[string]any{
			"current_balance": balance,
			"current_equity":  equity,
		}).Error
}

// SetStatus records a status transition.
func (s *ChallengeService) SetStatus(ctx context.Context, challengeID, status string) error {
	return s.DB.WithContext(ctx).Model(&models.Challenge{}).
		Where("id = ?", challengeID).
		Update("status", status).Error
}

// ActiveChallenges lists every account the scheduler should sync.
func (s *ChallengeService) ActiveChallenges(ctx context.Context) ([]models.Challenge, error) {
	var challenges []models.Challenge
	err := s.DB.WithContext(ctx).
		Where("status = ?", models.ChallengeStatusActive).
		Find(&challenges).Error
	return challenges, err
}

// ResetStartOfDay snapshots the daily-loss baseline: once per trading day,
// start_of_day_equity becomes the current equity for every active account.
func (s *ChallengeService) ResetStartOfDay(ctx context.Context) (int64, error) {
	res := s.DB.WithContext(ctx).Model(&models.Challenge{}).
		Where("status = ?", models.ChallengeStatusActive).
		Update("start_of_day_equity", gorm.Expr("current_equity"))
	return res.RowsAffected, res.Error
}

// Upgrade archives the current account into the history table, disables it
// on the bridge and provisions the replacement (e.g. phase 1 → phase 2).
func (s *ChallengeService) Upgrade(ctx context.Context, challengeID, newGroup, newType string, newBalance float64) (*models.Challenge, error) {
	var old models.Challenge
	if err := s.DB.WithContext(ctx).First(&old, "id = ?", challengeID).Error; err != nil {
		return nil, fmt.Errorf("failed to load challenge %s for upgrade: %w", challengeID, err)
	}

	acct, err := s.Bridge.CreateAccount(ctx, CreateAccountRequest{
		Name:     old.UserID,
		Group:    newGroup,
		Leverage: old.Leverage,
		Balance:  newBalance,
	})
	if err != nil {
		return nil, fmt.Errorf("bridge account creation for upgrade failed: %w", err)
	}

	replacement := models.Challenge{
		ID:               uuid.NewString(),
		UserID:           old.UserID,
		Login:            acct.Login,
		GroupName:        newGroup,
		ChallengeType:    newType,
		InitialBalance:   newBalance,
		CurrentBalance:   newBalance,
		CurrentEquity:    newBalance,
		StartOfDayEquity: newBalance,
		Status:           models.ChallengeStatusActive,
		Server:           acct.Server,
		Leverage:         old.Leverage,
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		history := models.ChallengeHistory{
			ID:             uuid.NewString(),
			ChallengeID:    old.ID,
			UserID:         old.UserID,
			Login:          old.Login,
			GroupName:      old.GroupName,
			ChallengeType:  old.ChallengeType,
			InitialBalance: old.InitialBalance,
			FinalBalance:   old.CurrentBalance,
			FinalEquity:    old.CurrentEquity,
			FinalStatus:    old.Status,
			Reason:         "upgrade",
		}
		if err := tx.Create(&history).Error; err != nil {
			return fmt.Errorf("failed to archive challenge %s: %w", old.ID, err)
		}
		if err := tx.Delete(&models.Challenge{}, "id = ?", old.ID).Error; err != nil {
			return fmt.Errorf("failed to delete challenge %s: %w", old.ID, err)
		}
		return tx.Create(&replacement).Error
	})
	if err != nil {
		return nil, err
	}

	// Old login stays readable on the bridge but must stop trading. 404
	// here means it is already gone, which the client treats as success.
	if err := s.Bridge.DisableAccount(ctx, old.Login); err != nil {
		log.Printf("⚠️ Failed to disable old login %s after upgrade: %v", old.Login, err)
	}

	log.Printf("✅ Upgraded challenge %s → %s (login %s → %s)", old.ID, replacement.ID, old.Login, replacement.Login)
	return &replacement, nil
}

// GetChallengeHandler serves one challenge row by id.
func (s *ChallengeService) GetChallengeHandler(c *fiber.Ctx) error {
	var challenge models.Challenge
	if err := s.DB.First(&challenge, "id = ?", c.Params("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "challenge not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "lookup failed", "details": err.Error()})
	}
	return c.JSON(challenge)
}
