package models

import (
	"time"
)

// Challenge statuses. "breached" means a risk rule (daily or total loss)
// failed the account; "failed" is the terminal admin-confirmed state.
const (
	ChallengeStatusActive   = "active"
	ChallengeStatusPassed   = "passed"
	ChallengeStatusFailed   = "failed"
	ChallengeStatusBreached = "breached"
	ChallengeStatusDisabled = "disabled"
)

// Challenge is a funded-or-evaluation trading account, 1:1 with a login on
// the external trading-platform server.
type Challenge struct {
	ID            string `gorm:"primaryKey;type:uuid" json:"id"`
	UserID        string `gorm:"type:uuid;not null;index" json:"user_id"`
	Login         string `gorm:"not null;uniqueIndex" json:"login"` // external platform login
	GroupName     string `gorm:"index" json:"group_name"`           // rule bucket key
	ChallengeType string `json:"challenge_type"`                    // free-form taxonomy, normalized by the rule resolver

	InitialBalance   float64 `json:"initial_balance"`
	CurrentBalance   float64 `json:"current_balance"`
	CurrentEquity    float64 `json:"current_equity"`
	StartOfDayEquity float64 `json:"start_of_day_equity"`

	Status   string `gorm:"type:varchar(16);default:'active';index" json:"status"`
	Server   string `json:"server"`
	Leverage int    `json:"leverage" gorm:"default:100"`

	Metadata map[string]string `gorm:"serializer:json" json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// ChallengeHistory keeps the archived row when an account is upgraded and
// replaced. Same shape as Challenge plus the archival audit fields.
type ChallengeHistory struct {
	ID            string `gorm:"primaryKey;type:uuid" json:"id"`
	ChallengeID   string `gorm:"type:uuid;not null;index" json:"challenge_id"` // the replaced challenge's original id
	UserID        string `gorm:"type:uuid;not null;index" json:"user_id"`
	Login         string `gorm:"not null;index" json:"login"`
	GroupName     string `json:"group_name"`
	ChallengeType string `json:"challenge_type"`

	InitialBalance float64 `json:"initial_balance"`
	FinalBalance   float64 `json:"final_balance"`
	FinalEquity    float64 `json:"final_equity"`
	FinalStatus    string  `json:"final_status"`

	Reason     string    `gorm:"type:varchar(32)" json:"reason"` // e.g. "upgrade"
	ArchivedAt time.Time `json:"archived_at" gorm:"autoCreateTime"`
}
