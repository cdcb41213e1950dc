// services/rule_resolver.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"prop-trading-system/models"
)

const ruleCacheTTL = 30 * time.Second

// Defaults applied when a group has no config row or the legacy type string
// cannot be mapped. Resolution never fails the caller.
const (
	DefaultDailyLossPercent    = 5
	DefaultTotalLossPercent    = 10
	DefaultProfitTargetPercent = 0
	DefaultMaxSingleWinPercent = 50
)

// ResolvedRules are the risk percentages for one account after group/type
// normalization.
type ResolvedRules struct {
	MaxDailyLossPercent float64 `json:"max_daily_loss_percent"`
	MaxTotalLossPercent float64 `json:"max_total_loss_percent"`
	ProfitTargetPercent float64 `json:"profit_target_percent"`
	ChallengeType       string  `json:"challenge_type"` // normalized key
}

// Objectives are the resolved rules converted to absolute dollar thresholds
// for one challenge.
type Objectives struct {
	MaxDailyLoss float64       `json:"max_daily_loss"`
	MaxTotalLoss float64       `json:"max_total_loss"`
	ProfitTarget float64       `json:"profit_target"`
	Rules        ResolvedRules `json:"rules"`
}

// ConsistencyResult is the outcome of the anti-abuse single-win check.
type ConsistencyResult struct {
	Applicable   bool    `json:"applicable"`
	Passed       bool    `json:"passed"`
	WorstTicket  string  `json:"worst_ticket,omitempty"`
	WorstShare   float64 `json:"worst_share"` // percent of total winning profit
	MaxAllowed   float64 `json:"max_allowed"`
	TotalWinning float64 `json:"total_winning"`
}

// RuleResolver caches per-group risk parameters and normalizes the messy
// legacy challenge-type taxonomy into stable rule keys. The cache is held on
// the instance (no package-level state) and refreshed under the mutex, so
// concurrent callers hitting a stale cache share a single DB fetch.
type RuleResolver struct {
	DB          *gorm.DB
	primeMarker string // group-name substring that marks prime accounts

	mu        sync.Mutex
	cache     map[string]models.RiskRuleConfig
	fetchedAt time.Time
}

func NewRuleResolver(db *gorm.DB, primeMarker string) *RuleResolver {
	if primeMarker == "" {
		primeMarker = "prime"
	}
	return &RuleResolver{
		DB:          db,
		primeMarker: strings.ToLower(primeMarker),
	}
}

// NormalizeChallengeType maps the free-form legacy taxonomy onto a stable
// rule key. Accounts are classified prime vs lite from the group name, then
// the legacy spellings collapse onto four canonical phases. Unknown types
// return "" and the caller falls back to defaults.
func NormalizeChallengeType(groupName, challengeType, primeMarker string) string {
	prefix := "lite"
	if strings.Contains(strings.ToLower(groupName), primeMarker) {
		prefix = "prime"
	}

	t := strings.ToLower(strings.TrimSpace(challengeType))
	switch {
	case strings.Contains(t, "phase 2") || strings.Contains(t, "phase2") || strings.Contains(t, "phase_2"):
		return prefix + "_2_step_phase_2"
	case strings.Contains(t, "phase 1") || strings.Contains(t, "phase1") || strings.Contains(t, "phase_1"),
		strings.Contains(t, "evaluation"),
		strings.Contains(t, "2 step") || strings.Contains(t, "2-step") || strings.Contains(t, "2_step"):
		return prefix + "_2_step_phase_1"
	case strings.Contains(t, "funded"), strings.Contains(t, "master"), strings.Contains(t, "live"):
		return prefix + "_funded"
	case strings.Contains(t, "1-step") || strings.Contains(t, "1 step") || strings.Contains(t, "1_step"),
		strings.Contains(t, "instant"):
		return prefix + "_1_step"
	default:
		return ""
	}
}

// GetRules resolves the risk percentages for an account. It never fails:
// unknown types and missing config rows fall back to platform defaults, and
// a refresh error serves the last known good cache instead of blocking the
// pipeline.
func (r *RuleResolver) GetRules(ctx context.Context, groupName, challengeType string) ResolvedRules {
	key := NormalizeChallengeType(groupName, challengeType, r.primeMarker)

	rules := ResolvedRules{
		MaxDailyLossPercent: DefaultDailyLossPercent,
		MaxTotalLossPercent: DefaultTotalLossPercent,
		ProfitTargetPercent: DefaultProfitTargetPercent,
		ChallengeType:       key,
	}
	if key == "" {
		rules.ChallengeType = strings.ToLower(strings.TrimSpace(challengeType))
		log.Printf("[Rules] ⚠️ Unmapped challenge type %q (group %q), using defaults", challengeType, groupName)
		return rules
	}

	cfg, ok := r.lookupConfig(ctx, key)
	if !ok {
		log.Printf("[Rules] ⚠️ No rule config for group key %q, using defaults", key)
		return rules
	}

	rules.MaxDailyLossPercent = cfg.DailyDrawdownPercent
	rules.MaxTotalLossPercent = cfg.MaxDrawdownPercent
	rules.ProfitTargetPercent = cfg.ProfitTargetPercent
	return rules
}

// lookupConfig returns the cached config row for a normalized group key,
// refreshing the whole cache first when it is empty or older than the TTL.
// The mutex is held across the fetch so concurrent callers share one refresh.
func (r *RuleResolver) lookupConfig(ctx context.Context, key string) (models.RiskRuleConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cache == nil || time.Since(r.fetchedAt) > ruleCacheTTL {
		var configs []models.RiskRuleConfig
		if err := r.DB.WithContext(ctx).Find(&configs).Error; err != nil {
			log.Printf("[Rules] ❌ Rule config refresh failed, serving stale cache: %v", err)
		} else {
			fresh := make(map[string]models.RiskRuleConfig, len(configs))
			for _, cfg := range configs {
				fresh[cfg.GroupName] = cfg
			}
			r.cache = fresh
			r.fetchedAt = time.Now()
		}
	}

	cfg, ok := r.cache[key]
	return cfg, ok
}

// InvalidateCache forces the next lookup to refresh. Used after admin rule
// edits and by tests.
func (r *RuleResolver) InvalidateCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = nil
	r.fetchedAt = time.Time{}
}

// CalculateObjectives converts the resolved percentages into absolute dollar
// thresholds for one challenge. Fails with gorm.ErrRecordNotFound when the
// challenge row is missing.
func (r *RuleResolver) CalculateObjectives(ctx context.Context, challengeID string) (Objectives, error) {
	var challenge models.Challenge
	if err := r.DB.WithContext(ctx).First(&challenge, "id = ?", challengeID).Error; err != nil {
		return Objectives{}, fmt.Errorf("failed to load challenge %s: %w", challengeID, err)
	}

	rules := r.GetRules(ctx, challenge.GroupName, challenge.ChallengeType)
	return Objectives{
		MaxDailyLoss: challenge.InitialBalance * rules.MaxDailyLossPercent / 100,
		MaxTotalLoss: challenge.InitialBalance * rules.MaxTotalLossPercent / 100,
		ProfitTarget: challenge.InitialBalance * rules.ProfitTargetPercent / 100,
		Rules:        rules,
	}, nil
}

// CheckConsistency applies the anti-abuse single-win rule: no one trade may
// contribute more than the configured share of total winning profit. Only
// instant and funded account types are checked.
func (r *RuleResolver) CheckConsistency(ctx context.Context, challengeID string) (ConsistencyResult, error) {
	var challenge models.Challenge
	if err := r.DB.WithContext(ctx).First(&challenge, "id = ?", challengeID).Error; err != nil {
		return ConsistencyResult{}, fmt.Errorf("failed to load challenge %s: %w", challengeID, err)
	}

	key := NormalizeChallengeType(challenge.GroupName, challenge.ChallengeType, r.primeMarker)
	if !strings.HasSuffix(key, "_funded") && !strings.HasSuffix(key, "_1_step") {
		return ConsistencyResult{Applicable: false, Passed: true}, nil
	}

	maxAllowed := float64(DefaultMaxSingleWinPercent)
	if cfg, ok := r.lookupConfig(ctx, key); ok {
		if !cfg.ConsistencyEnabled {
			return ConsistencyResult{Applicable: false, Passed: true}, nil
		}
		if cfg.MaxSingleWinPercent > 0 {
			maxAllowed = cfg.MaxSingleWinPercent
		}
	}

	var trades []models.Trade
	if err := r.DB.WithContext(ctx).Where("challenge_id = ?", challengeID).Find(&trades).Error; err != nil {
		return ConsistencyResult{}, fmt.Errorf("failed to load trades for challenge %s: %w", challengeID, err)
	}

	return EvaluateConsistency(trades, maxAllowed), nil
}

// EvaluateConsistency is the pure part of the check: over winning market
// trades, find the single trade with the highest share of total winning
// profit and compare against the allowed percentage.
func EvaluateConsistency(trades []models.Trade, maxAllowedPercent float64) ConsistencyResult {
	result := ConsistencyResult{
		Applicable: true,
		Passed:     true,
		MaxAllowed: maxAllowedPercent,
	}

	var worstNet float64
	for _, t := range trades {
		if !IsMarketTrade(t) {
			continue
		}
		net := TradeNet(t)
		if net <= 0 {
			continue
		}
		result.TotalWinning += net
		if net > worstNet {
			worstNet = net
			result.WorstTicket = t.Ticket
		}
	}

	if result.TotalWinning <= 0 {
		return result
	}

	result.WorstShare = worstNet / result.TotalWinning * 100
	result.Passed = result.WorstShare <= maxAllowedPercent
	return result
}

// IsNotFound reports whether err is the missing-record failure from
// CalculateObjectives / CheckConsistency.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
