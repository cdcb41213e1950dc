package workers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"prop-trading-system/models"
	"prop-trading-system/queue"
	"prop-trading-system/services"
)

func riskJob(t *testing.T, challengeID string) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(RiskEvent{ChallengeID: challengeID, Reason: "sync"})
	require.NoError(t, err)
	return &queue.Job{ID: "j-1", Queue: "risk-events", Payload: payload, Attempts: 1}
}

func seedRiskWorker(t *testing.T, db *gorm.DB, bridgeURL string) *RiskWorker {
	t.Helper()
	require.NoError(t, db.AutoMigrate(&models.RiskRuleConfig{}))

	bridge := services.NewBridgeClient(bridgeURL, "secret")
	resolver := services.NewRuleResolver(db, "prime")
	challenges := services.NewChallengeService(db, bridge)
	return NewRiskWorker(db, resolver, bridge, challenges, nil)
}

func TestRiskWorkerBreachesOnDailyLoss(t *testing.T) {
	db := newTestDB(t)

	var disableCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/account/disable" {
			disableCalls.Add(1)
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	w := seedRiskWorker(t, db, srv.URL)
	require.NoError(t, db.Create(&models.Challenge{
		ID:               "ch-1",
		UserID:           "u-1",
		Login:            "100001",
		GroupName:        "demo\\prime-usd",
		ChallengeType:    "Phase 1",
		InitialBalance:   10000,
		CurrentEquity:    9250, // below the 9300 daily threshold
		StartOfDayEquity: 9700,
		Status:           models.ChallengeStatusActive,
	}).Error)
	require.NoError(t, db.Create(&models.RiskRuleConfig{
		GroupName:            "prime_2_step_phase_1",
		MaxDrawdownPercent:   10,
		DailyDrawdownPercent: 4, // 400 on 10k → threshold 9300
		ProfitTargetPercent:  8,
	}).Error)

	require.NoError(t, w.Handle(context.Background(), riskJob(t, "ch-1")))

	var challenge models.Challenge
	require.NoError(t, db.First(&challenge, "id = ?", "ch-1").Error)
	assert.Equal(t, models.ChallengeStatusBreached, challenge.Status)
	assert.Equal(t, int32(1), disableCalls.Load())
}

func TestRiskWorkerPassesOnProfitTarget(t *testing.T) {
	db := newTestDB(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	w := seedRiskWorker(t, db, srv.URL)
	require.NoError(t, db.Create(&models.Challenge{
		ID:               "ch-2",
		UserID:           "u-1",
		Login:            "100002",
		GroupName:        "demo\\prime-usd",
		ChallengeType:    "Phase 1",
		InitialBalance:   100000,
		CurrentEquity:    108500,
		StartOfDayEquity: 105000,
		Status:           models.ChallengeStatusActive,
	}).Error)
	require.NoError(t, db.Create(&models.RiskRuleConfig{
		GroupName:            "prime_2_step_phase_1",
		MaxDrawdownPercent:   10,
		DailyDrawdownPercent: 5,
		ProfitTargetPercent:  8,
	}).Error)

	require.NoError(t, w.Handle(context.Background(), riskJob(t, "ch-2")))

	var challenge models.Challenge
	require.NoError(t, db.First(&challenge, "id = ?", "ch-2").Error)
	assert.Equal(t, models.ChallengeStatusPassed, challenge.Status)
}

func TestRiskWorkerSkipsMissingChallenge(t *testing.T) {
	db := newTestDB(t)
	w := seedRiskWorker(t, db, "http://127.0.0.1:0")

	// Archived between enqueue and evaluation → not an error, no retry.
	assert.NoError(t, w.Handle(context.Background(), riskJob(t, "gone")))
}

func TestRiskWorkerLeavesHealthyAccountAlone(t *testing.T) {
	db := newTestDB(t)
	w := seedRiskWorker(t, db, "http://127.0.0.1:0")
	require.NoError(t, db.Create(&models.Challenge{
		ID:               "ch-3",
		UserID:           "u-1",
		Login:            "100003",
		GroupName:        "demo\\prime-usd",
		ChallengeType:    "Phase 1",
		InitialBalance:   10000,
		CurrentEquity:    9900,
		StartOfDayEquity: 10000,
		Status:           models.ChallengeStatusActive,
	}).Error)

	require.NoError(t, w.Handle(context.Background(), riskJob(t, "ch-3")))

	var challenge models.Challenge
	require.NoError(t, db.First(&challenge, "id = ?", "ch-3").Error)
	assert.Equal(t, models.ChallengeStatusActive, challenge.Status)
}
