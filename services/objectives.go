// services/objectives.go
package services

import (
	"strings"
	"time"

	"prop-trading-system/models"
)

// CommissionWeight is how many times a trade's commission counts toward its
// net P&L. Bridge figures are already round-trip, so commission is added
// exactly once everywhere (worker, evaluator, consistency check). Keep this
// the single source of truth — an earlier diagnostic path doubled it.
const CommissionWeight = 1.0

// TradeNet is the net result of one trade: profit + commission + swap.
func TradeNet(t models.Trade) float64 {
	return t.ProfitLoss + CommissionWeight*t.Commission + t.Swap
}

// balance-op comment markers excluded from trade statistics
var nonTradeCommentMarkers = []string{"deposit", "balance", "initial"}

// IsMarketTrade reports whether a row is a real buy/sell execution rather
// than a deposit, credit or other balance operation.
func IsMarketTrade(t models.Trade) bool {
	if t.Type != models.TradeTypeBuy && t.Type != models.TradeTypeSell {
		return false
	}
	if strings.TrimSpace(t.Symbol) == "" {
		return false
	}
	if t.Lots <= 0 {
		return false
	}
	if t.Ticket == "" || t.Ticket == "0" {
		return false
	}
	comment := strings.ToLower(t.Comment)
	for _, marker := range nonTradeCommentMarkers {
		if strings.Contains(comment, marker) {
			return false
		}
	}
	return true
}

// ObjectiveInput is everything the evaluator needs: live snapshots plus the
// resolved rule percentages for the account's group.
type ObjectiveInput struct {
	CurrentEquity    float64
	InitialBalance   float64
	StartOfDayEquity float64
	Rules            ResolvedRules
}

// ObjectiveStatus is the breach/pass verdict with the absolute thresholds and
// the room left before each breach.
type ObjectiveStatus struct {
	DailyNet       float64 `json:"daily_net"`
	DailyLoss      float64 `json:"daily_loss"`
	DailyThreshold float64 `json:"daily_threshold"`
	DailyBreached  bool    `json:"daily_breached"`
	DailyRemaining float64 `json:"daily_remaining"`

	TotalNet       float64 `json:"total_net"`
	TotalLoss      float64 `json:"total_loss"`
	TotalThreshold float64 `json:"total_threshold"`
	TotalBreached  bool    `json:"total_breached"`
	TotalRemaining float64 `json:"total_remaining"`

	ProfitTarget  float64 `json:"profit_target"`
	TargetReached bool    `json:"target_reached"`
}

// EvaluateObjectives is a pure function of the equity snapshots and resolved
// rules. Dollar amounts for the loss limits and the target come from the
// percentage of initial balance.
func EvaluateObjectives(in ObjectiveInput) ObjectiveStatus {
	maxDailyLoss := in.InitialBalance * in.Rules.MaxDailyLossPercent / 100
	maxTotalLoss := in.InitialBalance * in.Rules.MaxTotalLossPercent / 100
	target := in.InitialBalance * in.Rules.ProfitTargetPercent / 100

	out := ObjectiveStatus{ProfitTarget: target}

	out.DailyNet = in.CurrentEquity - in.StartOfDayEquity
	out.DailyLoss = max(0, -out.DailyNet)
	out.DailyThreshold = in.StartOfDayEquity - maxDailyLoss
	out.DailyBreached = in.CurrentEquity <= out.DailyThreshold
	out.DailyRemaining = max(0, in.CurrentEquity-out.DailyThreshold)

	out.TotalNet = in.CurrentEquity - in.InitialBalance
	out.TotalLoss = max(0, -out.TotalNet)
	out.TotalThreshold = in.InitialBalance - maxTotalLoss
	out.TotalBreached = in.CurrentEquity <= out.TotalThreshold
	out.TotalRemaining = max(0, in.CurrentEquity-out.TotalThreshold)

	profitMetric := max(0, out.TotalNet)
	out.TargetReached = target > 0 && profitMetric >= target

	return out
}

// TradeStats summarizes an account's market trades.
type TradeStats struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	WinRatio      float64 `json:"win_ratio"` // percent
	TotalLots     float64 `json:"total_lots"`
	TotalPL       float64 `json:"total_pl"`
	DailyPL       float64 `json:"daily_pl"` // trades closed on the current UTC day
}

// ComputeTradeStats aggregates over market trades only (see IsMarketTrade).
// now anchors the "current UTC day" window for the daily P&L figure.
func ComputeTradeStats(trades []models.Trade, now time.Time) TradeStats {
	var stats TradeStats
	today := now.UTC().Format("2006-01-02")

	for _, t := range trades {
		if !IsMarketTrade(t) {
			continue
		}
		net := TradeNet(t)
		stats.TotalTrades++
		stats.TotalLots += t.Lots
		stats.TotalPL += net
		if net > 0 {
			stats.WinningTrades++
		}
		if t.CloseTime != nil && t.CloseTime.UTC().Format("2006-01-02") == today {
			stats.DailyPL += net
		}
	}

	if stats.TotalTrades > 0 {
		stats.WinRatio = float64(stats.WinningTrades) / float64(stats.TotalTrades) * 100
	}
	return stats
}
