package models

import (
	"time"
)

// Trade directions after normalization at the sync boundary.
const (
	TradeTypeBuy     = "buy"
	TradeTypeSell    = "sell"
	TradeTypeBalance = "balance" // deposits, withdrawals, credit ops
)

// Trade is one normalized trade row synced from the bridge.
//
// Unique key = (challenge_id, ticket); every write is an upsert against that
// key so re-syncing the same history never duplicates rows.
type Trade struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	ChallengeID string `gorm:"type:uuid;not null;uniqueIndex:idx_trades_challenge_ticket,priority:1" json:"challenge_id"`
	Ticket      string `gorm:"not null;uniqueIndex:idx_trades_challenge_ticket,priority:2" json:"ticket"` // external platform id

	Symbol string  `gorm:"type:varchar(32)" json:"symbol"`
	Type   string  `gorm:"type:varchar(16)" json:"type"`
	Lots   float64 `json:"lots"`

	OpenPrice  float64    `json:"open_price"`
	ClosePrice float64    `json:"close_price"`
	OpenTime   time.Time  `json:"open_time"`
	CloseTime  *time.Time `json:"close_time,omitempty"` // nil while the position is open

	ProfitLoss float64 `json:"profit_loss"`
	Commission float64 `json:"commission"`
	Swap       float64 `json:"swap"`
	Comment    string  `json:"comment"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
