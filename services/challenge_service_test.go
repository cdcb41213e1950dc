package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"prop-trading-system/models"
)

func TestResetStartOfDaySnapshotsActiveAccountsOnly(t *testing.T) {
	db := newTestDB(t)
	svc := NewChallengeService(db, nil)

	require.NoError(t, db.Create(&models.Challenge{
		ID: "ch-active", UserID: "u-1", Login: "100001",
		InitialBalance: 10000, CurrentEquity: 10500, StartOfDayEquity: 10000,
		Status: models.ChallengeStatusActive,
	}).Error)
	require.NoError(t, db.Create(&models.Challenge{
		ID: "ch-breached", UserID: "u-2", Login: "100002",
		InitialBalance: 10000, CurrentEquity: 8000, StartOfDayEquity: 9000,
		Status: models.ChallengeStatusBreached,
	}).Error)

	n, err := svc.ResetStartOfDay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var active, breached models.Challenge
	require.NoError(t, db.First(&active, "id = ?", "ch-active").Error)
	require.NoError(t, db.First(&breached, "id = ?", "ch-breached").Error)

	assert.Equal(t, 10500.0, active.StartOfDayEquity) // baseline = current equity
	assert.Equal(t, 9000.0, breached.StartOfDayEquity)
}

func TestUpgradeArchivesExactlyOneHistoryRow(t *testing.T) {
	db := newTestDB(t)

	var disableCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/account/create":
			w.Write([]byte(`{"login":"200001","password":"pw","server":"Live-2"}`))
		case "/api/account/disable":
			disableCalls.Add(1)
			w.Write([]byte(`{}`))
		default:
			w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	svc := NewChallengeService(db, NewBridgeClient(srv.URL, "secret"))
	require.NoError(t, db.Create(&models.Challenge{
		ID: "ch-old", UserID: "u-1", Login: "100001",
		GroupName: "demo\\prime-usd", ChallengeType: "Phase 1",
		InitialBalance: 10000, CurrentBalance: 10900, CurrentEquity: 10850,
		StartOfDayEquity: 10800, Status: models.ChallengeStatusPassed, Leverage: 100,
	}).Error)

	replacement, err := svc.Upgrade(context.Background(), "ch-old", "demo\\prime-usd-p2", "Phase 2", 10000)
	require.NoError(t, err)

	var historyCount int64
	require.NoError(t, db.Model(&models.ChallengeHistory{}).Count(&historyCount).Error)
	assert.Equal(t, int64(1), historyCount)

	var history models.ChallengeHistory
	require.NoError(t, db.First(&history, "challenge_id = ?", "ch-old").Error)
	assert.Equal(t, "100001", history.Login)
	assert.Equal(t, "upgrade", history.Reason)
	assert.Equal(t, 10900.0, history.FinalBalance)
	assert.Equal(t, 10850.0, history.FinalEquity)
	assert.Equal(t, models.ChallengeStatusPassed, history.FinalStatus)

	// Old row is gone, the replacement starts fresh on the new login.
	var gone models.Challenge
	assert.ErrorIs(t, db.First(&gone, "id = ?", "ch-old").Error, gorm.ErrRecordNotFound)

	var fresh models.Challenge
	require.NoError(t, db.First(&fresh, "id = ?", replacement.ID).Error)
	assert.Equal(t, "200001", fresh.Login)
	assert.Equal(t, "demo\\prime-usd-p2", fresh.GroupName)
	assert.Equal(t, "Phase 2", fresh.ChallengeType)
	assert.Equal(t, models.ChallengeStatusActive, fresh.Status)
	assert.Equal(t, 10000.0, fresh.StartOfDayEquity)

	assert.Equal(t, int32(1), disableCalls.Load())
}

func TestBuildStatementCSVIncludesNetColumn(t *testing.T) {
	closed := time.Date(2026, 8, 28, 14, 30, 0, 0, time.UTC)
	trades := []models.Trade{
		{
			ChallengeID: "ch-1", Ticket: "1001", Symbol: "EURUSD",
			Type: models.TradeTypeBuy, Lots: 1.5,
			OpenPrice: 1.1, ClosePrice: 1.2,
			OpenTime: closed.Add(-4 * time.Hour), CloseTime: &closed,
			ProfitLoss: 100, Commission: -7, Swap: -3,
		},
	}

	body, err := buildStatementCSV(trades)
	require.NoError(t, err)

	records, err := csv.NewReader(bytes.NewReader(body)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, []string{
		"ticket", "symbol", "type", "lots", "open_price", "close_price",
		"open_time", "close_time", "profit", "commission", "swap", "net",
	}, records[0])

	row := records[1]
	assert.Equal(t, "1001", row[0])
	assert.Equal(t, "buy", row[2])
	assert.Equal(t, "1.50", row[3])
	assert.Equal(t, closed.Format(time.RFC3339), row[7])
	assert.Equal(t, "90.00", row[11]) // profit + commission + swap
}
