// workers/risk_worker.go
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"gorm.io/gorm"

	"prop-trading-system/models"
	"prop-trading-system/queue"
	"prop-trading-system/services"
)

// RiskWorker consumes risk events and runs the objective evaluation for one
// account: breach transitions (with bridge disable), profit-target passes
// gated by the consistency rule, and realtime status notifications.
type RiskWorker struct {
	DB          *gorm.DB
	Resolver    *services.RuleResolver
	Bridge      *services.BridgeClient
	Challenges  *services.ChallengeService
	Broadcaster *services.RealtimeBroadcaster
}

func NewRiskWorker(db *gorm.DB, resolver *services.RuleResolver, bridge *services.BridgeClient, challenges *services.ChallengeService, broadcaster *services.RealtimeBroadcaster) *RiskWorker {
	return &RiskWorker{
		DB:          db,
		Resolver:    resolver,
		Bridge:      bridge,
		Challenges:  challenges,
		Broadcaster: broadcaster,
	}
}

// Handle evaluates one account. Returned errors engage the risk queue's
// retry policy (3 attempts, exponential backoff).
func (w *RiskWorker) Handle(ctx context.Context, job *queue.Job) error {
	var ev RiskEvent
	if err := json.Unmarshal(job.Payload, &ev); err != nil {
		return fmt.Errorf("undecodable risk event payload: %w", err)
	}

	var challenge models.Challenge
	if err := w.DB.WithContext(ctx).First(&challenge, "id = ?", ev.ChallengeID).Error; err != nil {
		if services.IsNotFound(err) {
			// Account archived between enqueue and evaluation (e.g. upgrade).
			log.Printf("[Risk] Challenge %s gone, skipping evaluation", ev.ChallengeID)
			return nil
		}
		return fmt.Errorf("failed to load challenge %s: %w", ev.ChallengeID, err)
	}
	if challenge.Status != models.ChallengeStatusActive {
		return nil
	}

	rules := w.Resolver.GetRules(ctx, challenge.GroupName, challenge.ChallengeType)
	status := services.EvaluateObjectives(services.ObjectiveInput{
		CurrentEquity:    challenge.CurrentEquity,
		InitialBalance:   challenge.InitialBalance,
		StartOfDayEquity: challenge.StartOfDayEquity,
		Rules:            rules,
	})

	switch {
	case status.DailyBreached || status.TotalBreached:
		reason := "total_loss"
		if status.DailyBreached {
			reason = "daily_loss"
		}
		return w.breach(ctx, challenge, reason)

	case status.TargetReached:
		consistency, err := w.Resolver.CheckConsistency(ctx, challenge.ID)
		if err != nil {
			return fmt.Errorf("consistency check for challenge %s failed: %w", challenge.ID, err)
		}
		if consistency.Applicable && !consistency.Passed {
			// Target hit but too much of the profit came from one trade
			// (ticket in the result). Stay active until the spread evens out.
			log.Printf("[Risk] Challenge %s hit target but fails consistency (trade %s = %.1f%% of wins)",
				challenge.ID, consistency.WorstTicket, consistency.WorstShare)
			return nil
		}
		return w.pass(ctx, challenge)
	}

	return nil
}

// breach fails the account: persist first (the store is authoritative), then
// stop trading on the bridge. A disable failure returns an error so the
// retry policy re-runs the idempotent transition.
func (w *RiskWorker) breach(ctx context.Context, challenge models.Challenge, reason string) error {
	if err := w.Challenges.SetStatus(ctx, challenge.ID, models.ChallengeStatusBreached); err != nil {
		return fmt.Errorf("failed to persist breach for challenge %s: %w", challenge.ID, err)
	}
	log.Printf("[Risk] ❌ Challenge %s (login %s) breached: %s", challenge.ID, challenge.Login, reason)

	if err := w.Bridge.DisableAccount(ctx, challenge.Login); err != nil {
		return fmt.Errorf("failed to disable breached login %s: %w", challenge.Login, err)
	}

	w.Broadcaster.BroadcastStatusUpdate(challenge.Login, challenge.UserID, models.ChallengeStatusBreached, reason)
	return nil
}

func (w *RiskWorker) pass(ctx context.Context, challenge models.Challenge) error {
	if err := w.Challenges.SetStatus(ctx, challenge.ID, models.ChallengeStatusPassed); err != nil {
		return fmt.Errorf("failed to persist pass for challenge %s: %w", challenge.ID, err)
	}
	log.Printf("[Risk] ✅ Challenge %s (login %s) passed its profit target", challenge.ID, challenge.Login)

	w.Broadcaster.BroadcastStatusUpdate(challenge.Login, challenge.UserID, models.ChallengeStatusPassed, "profit_target")
	return nil
}
