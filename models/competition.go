package models

import (
	"time"
)

const (
	CompetitionStatusDraft  = "draft"
	CompetitionStatusActive = "active"
	CompetitionStatusEnded  = "ended"
)

// Competition is a ranked trading contest between participants' challenges.
type Competition struct {
	ID     string `gorm:"primaryKey;type:uuid" json:"id"`
	Name   string `gorm:"not null" json:"name"`
	Status string `gorm:"type:varchar(16);default:'draft';index" json:"status"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// CompetitionParticipant links a user's challenge into a competition.
// Score is the percentage equity gain; Rank is assigned by the leaderboard
// write path. Status mirrors the challenge status when one is linked.
type CompetitionParticipant struct {
	ID            string `gorm:"primaryKey;type:uuid" json:"id"`
	CompetitionID string `gorm:"type:uuid;not null;index" json:"competition_id"`
	UserID        string `gorm:"type:uuid;not null;index" json:"user_id"`
	ChallengeID   string `gorm:"type:uuid;index" json:"challenge_id"`

	Score  float64 `json:"score"`
	Rank   int     `gorm:"default:0" json:"rank"` // 0 = not ranked yet
	Status string  `gorm:"type:varchar(16);default:'active'" json:"status"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
