// services/scheduler.go
package services

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"prop-trading-system/models"
	"prop-trading-system/queue"
)

// syncJobPayload mirrors workers.SyncJob; defined here so the dispatcher
// does not import the consumer package.
type syncJobPayload struct {
	ChallengeID string    `json:"challengeId"`
	UserID      string    `json:"userId"`
	Login       string    `json:"login"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SyncScheduler periodically enumerates active accounts and bulk-enqueues
// one sync job per account. It also owns the other recurring platform jobs:
// the daily start-of-day equity snapshot and the daily statement archive.
type SyncScheduler struct {
	Challenges *ChallengeService
	SyncQueue  *queue.Queue
	Archiver   *StatementArchiver
	Interval   time.Duration

	dispatching atomic.Bool
}

func NewSyncScheduler(challenges *ChallengeService, syncQueue *queue.Queue, archiver *StatementArchiver, interval time.Duration) *SyncScheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &SyncScheduler{
		Challenges: challenges,
		SyncQueue:  syncQueue,
		Archiver:   archiver,
		Interval:   interval,
	}
}

// Start registers the recurring jobs and begins ticking.
func (s *SyncScheduler) Start() {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	_, _ = sched.NewJob(
		gocron.DurationJob(s.Interval),
		gocron.NewTask(func() {
			if _, err := s.Dispatch(context.Background()); err != nil {
				log.Printf("[Scheduler] ❌ Sync dispatch failed: %v", err)
			}
		}),
	)

	// Midnight UTC: new trading day, reset the daily-loss baseline.
	_, _ = sched.NewJob(
		gocron.CronJob("0 0 * * *", false),
		gocron.NewTask(func() {
			n, err := s.Challenges.ResetStartOfDay(context.Background())
			if err != nil {
				log.Printf("[Scheduler] ❌ Start-of-day reset failed: %v", err)
				return
			}
			log.Printf("[Scheduler] ✅ Start-of-day equity reset for %d account(s)", n)
		}),
	)

	if s.Archiver != nil {
		// Shortly after the day rolls over, archive yesterday's statements.
		_, _ = sched.NewJob(
			gocron.CronJob("10 0 * * *", false),
			gocron.NewTask(func() {
				if err := s.Archiver.ArchiveDaily(context.Background(), time.Now().UTC().AddDate(0, 0, -1)); err != nil {
					log.Printf("[Scheduler] ❌ Statement archive failed: %v", err)
				}
			}),
		)
	}

	log.Printf("✅ Sync scheduler running (every %s)", s.Interval)
}

// Dispatch enqueues one sync job per active account in a single bulk push.
// If the previous dispatch is still in flight the whole tick is skipped —
// a missed cycle is never queued up behind a slow one.
func (s *SyncScheduler) Dispatch(ctx context.Context) (int, error) {
	if !s.dispatching.CompareAndSwap(false, true) {
		log.Println("[Scheduler] ⏭️ Previous dispatch still running, skipping this cycle")
		return 0, nil
	}
	defer s.dispatching.Store(false)

	challenges, err := s.Challenges.ActiveChallenges(ctx)
	if err != nil {
		return 0, err
	}
	if len(challenges) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	payloads := make([]any, 0, len(challenges))
	for _, ch := range challenges {
		payloads = append(payloads, syncJobPayload{
			ChallengeID: ch.ID,
			UserID:      ch.UserID,
			Login:       ch.Login,
			CreatedAt:   now,
		})
	}

	if err := s.SyncQueue.EnqueueBatch(ctx, payloads); err != nil {
		return 0, err
	}
	log.Printf("[Scheduler] 📡 Enqueued %d sync job(s)", len(payloads))
	return len(payloads), nil
}

// TriggerChallengeSync is the operator endpoint: enqueue a sync job for one
// challenge immediately instead of waiting for the next cycle.
func (s *SyncScheduler) TriggerChallengeSync(c *fiber.Ctx) error {
	var challenge models.Challenge
	if err := s.Challenges.DB.First(&challenge, "id = ?", c.Params("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "challenge not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "lookup failed", "details": err.Error()})
	}

	job := syncJobPayload{
		ChallengeID: challenge.ID,
		UserID:      challenge.UserID,
		Login:       challenge.Login,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.SyncQueue.Enqueue(c.Context(), job); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "enqueue failed", "details": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "queued", "challenge_id": challenge.ID})
}
