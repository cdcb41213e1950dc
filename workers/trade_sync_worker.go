// workers/trade_sync_worker.go
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"prop-trading-system/models"
	"prop-trading-system/queue"
	"prop-trading-system/services"
)

// SyncJob is the payload the scheduler enqueues per active account.
type SyncJob struct {
	ChallengeID string    `json:"challengeId"`
	UserID      string    `json:"userId"`
	Login       string    `json:"login"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RiskEvent asks the risk worker to re-evaluate one account's objectives.
type RiskEvent struct {
	ChallengeID string `json:"challengeId"`
	Reason      string `json:"reason"`
}

// TradeSyncWorker consumes sync jobs: fetch raw trade rows from the bridge,
// normalize them into the canonical Trade shape, upsert idempotently, refresh
// the account's equity snapshot, then hand the account to the risk queue and
// notify realtime subscribers.
type TradeSyncWorker struct {
	DB          *gorm.DB
	Bridge      *services.BridgeClient
	Challenges  *services.ChallengeService
	RiskQueue   *queue.Queue
	Broadcaster *services.RealtimeBroadcaster
}

func NewTradeSyncWorker(db *gorm.DB, bridge *services.BridgeClient, challenges *services.ChallengeService, riskQueue *queue.Queue, broadcaster *services.RealtimeBroadcaster) *TradeSyncWorker {
	return &TradeSyncWorker{
		DB:          db,
		Bridge:      bridge,
		Challenges:  challenges,
		RiskQueue:   riskQueue,
		Broadcaster: broadcaster,
	}
}

// NormalizeTrades maps raw bridge rows into canonical trades for one
// challenge. Direction codes: 0 → sell, 1 → buy, anything else is a balance
// operation. Bridge volume is lots*100. Duplicate tickets within one batch
// collapse last-write-wins, so one response row per (challenge, ticket)
// reaches the store.
func NormalizeTrades(challengeID string, rows []services.BridgeTrade) []models.Trade {
	trades := make([]models.Trade, 0, len(rows))
	byTicket := make(map[string]int, len(rows))

	for _, r := range rows {
		ticket := strconv.FormatInt(r.Ticket, 10)

		var direction string
		switch r.Type {
		case 0:
			direction = models.TradeTypeSell
		case 1:
			direction = models.TradeTypeBuy
		default:
			direction = models.TradeTypeBalance
		}

		trade := models.Trade{
			ChallengeID: challengeID,
			Ticket:      ticket,
			Symbol:      r.Symbol,
			Type:        direction,
			Lots:        float64(r.Volume) / 100,
			OpenPrice:   r.Price,
			ClosePrice:  r.ClosePrice,
			OpenTime:    time.Unix(r.Time, 0).UTC(),
			ProfitLoss:  r.Profit,
			Commission:  r.Commission,
			Swap:        r.Swap,
			Comment:     r.Comment,
		}
		if r.CloseTime != nil {
			ct := time.Unix(*r.CloseTime, 0).UTC()
			trade.CloseTime = &ct
		}

		if idx, seen := byTicket[ticket]; seen {
			trades[idx] = trade // last write wins within the batch
			continue
		}
		byTicket[ticket] = len(trades)
		trades = append(trades, trade)
	}
	return trades
}

// Handle processes one sync job. Errors are logged and returned so the
// queue's retry policy engages; a bridge outage surfaces here only on the
// authoritative store writes, since trade fetch degrades to empty upstream.
func (w *TradeSyncWorker) Handle(ctx context.Context, job *queue.Job) error {
	var sj SyncJob
	if err := json.Unmarshal(job.Payload, &sj); err != nil {
		return fmt.Errorf("undecodable sync job payload: %w", err)
	}

	rows, err := w.Bridge.FetchTrades(ctx, sj.Login)
	if err != nil {
		// Only context cancellation reaches here; fetch failures degrade to
		// an empty batch.
		return err
	}

	trades := NormalizeTrades(sj.ChallengeID, rows)
	if len(trades) > 0 {
		if err := w.DB.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "challenge_id"}, {Name: "ticket"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"symbol", "type", "lots", "open_price", "close_price",
				"open_time", "close_time", "profit_loss", "commission",
				"swap", "comment", "updated_at",
			}),
		}).Create(&trades).Error; err != nil {
			log.Printf("[TradeSync] ❌ Upsert of %d trade(s) for login %s failed: %v", len(trades), sj.Login, err)
			return fmt.Errorf("trade upsert for challenge %s failed: %w", sj.ChallengeID, err)
		}
	}

	// Refresh the live equity snapshot alongside the trade history.
	states, err := w.Bridge.CheckBulk(ctx, []string{sj.Login})
	if err != nil {
		log.Printf("[TradeSync] ⚠️ Equity check for login %s failed, keeping last known: %v", sj.Login, err)
	} else {
		for _, st := range states {
			if st.Login != sj.Login {
				continue
			}
			if err := w.Challenges.ApplyEquity(ctx, sj.ChallengeID, st.Balance, st.Equity); err != nil {
				return fmt.Errorf("equity write for challenge %s failed: %w", sj.ChallengeID, err)
			}
			w.Broadcaster.BroadcastBalanceUpdate(sj.Login, st.Balance, st.Equity)
		}
	}

	if err := w.RiskQueue.Enqueue(ctx, RiskEvent{ChallengeID: sj.ChallengeID, Reason: "sync"}); err != nil {
		return fmt.Errorf("failed to enqueue risk event for challenge %s: %w", sj.ChallengeID, err)
	}

	w.Broadcaster.BroadcastTradeUpdate(sj.Login, sj.UserID, len(trades))
	log.Printf("[TradeSync] ✅ Synced login %s: %d trade(s)", sj.Login, len(trades))
	return nil
}
