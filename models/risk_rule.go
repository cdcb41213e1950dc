package models

import (
	"time"
)

// RiskRuleConfig holds the per-group risk parameters. Rows are keyed by the
// normalized group name (e.g. "prime_2_step_phase_1") and cached process-wide
// by the rule resolver.
type RiskRuleConfig struct {
	ID        uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	GroupName string `gorm:"not null;uniqueIndex" json:"group_name"`

	MaxDrawdownPercent   float64 `json:"max_drawdown_percent"`
	DailyDrawdownPercent float64 `json:"daily_drawdown_percent"`
	ProfitTargetPercent  float64 `json:"profit_target_percent"`

	// Anti-abuse: max share of total winning profit one trade may contribute.
	MaxSingleWinPercent float64 `gorm:"default:50" json:"max_single_win_percent"`
	ConsistencyEnabled  bool    `gorm:"default:true" json:"consistency_enabled"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
