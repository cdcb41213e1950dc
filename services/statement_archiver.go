// services/statement_archiver.go
package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/gosimple/slug"
	"gorm.io/gorm"

	"prop-trading-system/models"
	"prop-trading-system/utils"
)

// StatementArchiver exports each account's closed trades for a day as a CSV
// statement into R2. Runs once per day from the scheduler.
type StatementArchiver struct {
	DB      *gorm.DB
	Storage *utils.R2Client
}

func NewStatementArchiver(db *gorm.DB, storage *utils.R2Client) *StatementArchiver {
	return &StatementArchiver{DB: db, Storage: storage}
}

// ArchiveDaily writes one statement object per account that closed trades on
// the given UTC day. Accounts with no activity are skipped.
func (a *StatementArchiver) ArchiveDaily(ctx context.Context, day time.Time) error {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)

	var challenges []models.Challenge
	if err := a.DB.WithContext(ctx).Find(&challenges).Error; err != nil {
		return fmt.Errorf("failed to list challenges for archive: %w", err)
	}

	archived := 0
	for _, ch := range challenges {
		var trades []models.Trade
		if err := a.DB.WithContext(ctx).
			Where("challenge_id = ? AND close_time >= ? AND close_time < ?", ch.ID, dayStart, dayEnd).
			Order("close_time ASC").
			Find(&trades).Error; err != nil {
			return fmt.Errorf("failed to load trades for challenge %s: %w", ch.ID, err)
		}
		if len(trades) == 0 {
			continue
		}

		body, err := buildStatementCSV(trades)
		if err != nil {
			return fmt.Errorf("failed to build statement for challenge %s: %w", ch.ID, err)
		}

		key := fmt.Sprintf("statements/%s/%s.csv", slug.Make(ch.Login), dayStart.Format("2006-01-02"))
		url, err := a.Storage.UploadBytes(ctx, key, body, "text/csv")
		if err != nil {
			return err
		}
		log.Printf("[Archive] ✅ Statement for login %s (%d trade(s)) → %s", ch.Login, len(trades), url)
		archived++
	}

	log.Printf("[Archive] Done for %s: %d statement(s)", dayStart.Format("2006-01-02"), archived)
	return nil
}

func buildStatementCSV(trades []models.Trade) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{
		"ticket", "symbol", "type", "lots", "open_price", "close_price",
		"open_time", "close_time", "profit", "commission", "swap", "net",
	}); err != nil {
		return nil, err
	}

	for _, t := range trades {
		closeTime := ""
		if t.CloseTime != nil {
			closeTime = t.CloseTime.UTC().Format(time.RFC3339)
		}
		record := []string{
			t.Ticket,
			t.Symbol,
			t.Type,
			strconv.FormatFloat(t.Lots, 'f', 2, 64),
			strconv.FormatFloat(t.OpenPrice, 'f', 5, 64),
			strconv.FormatFloat(t.ClosePrice, 'f', 5, 64),
			t.OpenTime.UTC().Format(time.RFC3339),
			closeTime,
			strconv.FormatFloat(t.ProfitLoss, 'f', 2, 64),
			strconv.FormatFloat(t.Commission, 'f', 2, 64),
			strconv.FormatFloat(t.Swap, 'f', 2, 64),
			strconv.FormatFloat(TradeNet(t), 'f', 2, 64),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}
