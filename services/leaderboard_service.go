// services/leaderboard_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"prop-trading-system/models"
)

const leaderboardCacheTTL = 30 * time.Second

// LeaderboardEntry is one ranked participant as served to clients.
type LeaderboardEntry struct {
	UserID      string  `json:"user_id"`
	ChallengeID string  `json:"challenge_id"`
	Score       float64 `json:"score"` // percent equity gain
	Rank        int     `json:"rank"`
	Status      string  `json:"status"`
	TradesCount int     `json:"trades_count"`
	WinRatio    float64 `json:"win_ratio"`
	Profit      float64 `json:"profit"` // equity - initial balance
}

type leaderboardCacheEntry struct {
	entries  []LeaderboardEntry
	cachedAt time.Time
}

// LeaderboardService computes competition scores and ranks from live account
// equity plus trade aggregates, and periodically broadcasts results.
//
// Two deliberate policies coexist: the read path hard-excludes participants
// whose effective status is breached/failed/disabled, while the write path
// ranks them at the bottom so the persisted table still shows where everyone
// finished.
type LeaderboardService struct {
	DB          *gorm.DB
	Broadcaster *RealtimeBroadcaster

	mu    sync.Mutex
	cache map[string]leaderboardCacheEntry
}

func NewLeaderboardService(db *gorm.DB, broadcaster *RealtimeBroadcaster) *LeaderboardService {
	return &LeaderboardService{
		DB:          db,
		Broadcaster: broadcaster,
		cache:       make(map[string]leaderboardCacheEntry),
	}
}

// outOfRace is the set of effective statuses that take a participant out of
// the running.
func outOfRace(status string) bool {
	switch status {
	case models.ChallengeStatusBreached, models.ChallengeStatusFailed, models.ChallengeStatusDisabled:
		return true
	}
	return false
}

// compute builds unranked entries for every participant. Score always comes
// from live challenge equity, never from the persisted participant score.
func (s *LeaderboardService) compute(ctx context.Context, competitionID string) ([]LeaderboardEntry, error) {
	var participants []models.CompetitionParticipant
	if err := s.DB.WithContext(ctx).
		Where("competition_id = ?", competitionID).
		Find(&participants).Error; err != nil {
		return nil, fmt.Errorf("failed to load participants for competition %s: %w", competitionID, err)
	}

	entries := make([]LeaderboardEntry, 0, len(participants))
	for _, p := range participants {
		entry := LeaderboardEntry{
			UserID:      p.UserID,
			ChallengeID: p.ChallengeID,
			Status:      p.Status,
		}

		var challenge models.Challenge
		err := s.DB.WithContext(ctx).First(&challenge, "id = ?", p.ChallengeID).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("failed to load challenge %s: %w", p.ChallengeID, err)
			}
			// No linked account yet: keep the participant row's own status
			// and a zero score.
			entries = append(entries, entry)
			continue
		}

		// Account status takes precedence over the participant row.
		entry.Status = challenge.Status
		if challenge.InitialBalance > 0 {
			entry.Score = (challenge.CurrentEquity - challenge.InitialBalance) / challenge.InitialBalance * 100
		}
		entry.Profit = challenge.CurrentEquity - challenge.InitialBalance

		var trades []models.Trade
		if err := s.DB.WithContext(ctx).
			Where("challenge_id = ? AND close_time IS NOT NULL AND lots > 0", p.ChallengeID).
			Find(&trades).Error; err != nil {
			return nil, fmt.Errorf("failed to load trades for challenge %s: %w", p.ChallengeID, err)
		}
		stats := ComputeTradeStats(trades, time.Now())
		entry.TradesCount = stats.TotalTrades
		entry.WinRatio = stats.WinRatio

		entries = append(entries, entry)
	}
	return entries, nil
}

// GetLeaderboard is the read path: a ≤30s-old cached result when available,
// otherwise a fresh compute. Out-of-race participants are excluded entirely;
// the rest get dense ranks 1..N sorted by score descending.
func (s *LeaderboardService) GetLeaderboard(ctx context.Context, competitionID string, limit int) ([]LeaderboardEntry, error) {
	s.mu.Lock()
	if cached, ok := s.cache[competitionID]; ok && time.Since(cached.cachedAt) < leaderboardCacheTTL {
		s.mu.Unlock()
		return clampEntries(cached.entries, limit), nil
	}
	s.mu.Unlock()

	entries, err := s.compute(ctx, competitionID)
	if err != nil {
		return nil, err
	}

	ranked := make([]LeaderboardEntry, 0, len(entries))
	for _, e := range entries {
		if outOfRace(e.Status) {
			continue
		}
		ranked = append(ranked, e)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}

	s.mu.Lock()
	s.cache[competitionID] = leaderboardCacheEntry{entries: ranked, cachedAt: time.Now()}
	s.mu.Unlock()

	return clampEntries(ranked, limit), nil
}

func clampEntries(entries []LeaderboardEntry, limit int) []LeaderboardEntry {
	if limit > 0 && len(entries) > limit {
		return entries[:limit]
	}
	return entries
}

// InvalidateCache drops the cached read result for a competition.
func (s *LeaderboardService) InvalidateCache(competitionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, competitionID)
}

// UpdateLeaderboardScores is the authoritative write path: recomputes every
// participant's score, stably sorts out-of-race participants to the bottom
// (still ranked), and bulk-persists (score, rank, status).
func (s *LeaderboardService) UpdateLeaderboardScores(ctx context.Context, competitionID string) error {
	entries, err := s.compute(ctx, competitionID)
	if err != nil {
		return err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		iOut, jOut := outOfRace(entries[i].Status), outOfRace(entries[j].Status)
		if iOut != jOut {
			return !iOut
		}
		return entries[i].Score > entries[j].Score
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, e := range entries {
			if err := tx.Model(&models.CompetitionParticipant{}).
				Where("competition_id = ? AND user_id = ?", competitionID, e.UserID).
				Updates(map[string]any{
					"score":  e.Score,
					"rank":   e.Rank,
					"status": e.Status,
				}).Error; err != nil {
				return fmt.Errorf("failed to persist rank for user %s: %w", e.UserID, err)
			}
		}
		return nil
	})
}

// StartLeaderboardBroadcaster runs the recurring score push: for every
// active competition, persist fresh ranks, drop the cache, recompute the
// read view and broadcast it to the competition topic.
func (s *LeaderboardService) StartLeaderboardBroadcaster(interval time.Duration) {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	_, _ = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx := context.Background()

			var competitions []models.Competition
			if err := s.DB.Where("status = ?", models.CompetitionStatusActive).Find(&competitions).Error; err != nil {
				log.Printf("[Leaderboard] ❌ Failed to list active competitions: %v", err)
				return
			}

			for _, comp := range competitions {
				if err := s.UpdateLeaderboardScores(ctx, comp.ID); err != nil {
					log.Printf("[Leaderboard] ❌ Score update for competition %s failed: %v", comp.ID, err)
					continue
				}
				s.InvalidateCache(comp.ID)

				entries, err := s.GetLeaderboard(ctx, comp.ID, 0)
				if err != nil {
					log.Printf("[Leaderboard] ❌ Recompute for competition %s failed: %v", comp.ID, err)
					continue
				}
				s.Broadcaster.Broadcast(CompetitionTopic(comp.ID), EventLeaderboardUpdate, fiber.Map{
					"competition_id": comp.ID,
					"entries":        entries,
					"timestamp":      time.Now().UTC(),
				})
			}
		}),
	)

	log.Printf("✅ Leaderboard broadcaster running (every %s)", interval)
}

// GetLeaderboardHandler serves GET /s/competitions/:id/leaderboard.
func (s *LeaderboardService) GetLeaderboardHandler(c *fiber.Ctx) error {
	limit, err := strconv.Atoi(c.Query("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 50
	}

	entries, lerr := s.GetLeaderboard(c.Context(), c.Params("id"), limit)
	if lerr != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "leaderboard unavailable", "details": lerr.Error()})
	}
	return c.JSON(fiber.Map{
		"competition_id": c.Params("id"),
		"entries":        entries,
	})
}
