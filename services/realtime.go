// services/realtime.go
package services

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// Realtime event types pushed to subscribed connections.
const (
	EventTradeUpdate       = "trade_update"
	EventBalanceUpdate     = "balance_update"
	EventStatusUpdate      = "status_update"
	EventLeaderboardUpdate = "leaderboard_update"
)

const realtimeChannel = "realtime:events"

// Event is one typed message on a topic.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Topic helpers. Every connection lives in one or more of these rooms.
func UserTopic(userID string) string    { return "user:" + userID }
func AccountTopic(login string) string  { return "account:" + login }
func CompetitionTopic(id string) string { return "competition:" + id }

// Subscription is one connection's view of its topics.
type Subscription struct {
	C      chan Event
	topics []string
}

// RealtimeBroadcaster fans typed events out to topic subscribers. Events go
// through a redis pub/sub channel so every process (workers and the API
// serving SSE connections) sees them; without redis it degrades to
// process-local delivery. A nil broadcaster is safe: every helper logs a
// warning and no-ops, delivery is best-effort by design.
type RealtimeBroadcaster struct {
	rdb *redis.Client

	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
}

func NewRealtimeBroadcaster(rdb *redis.Client) *RealtimeBroadcaster {
	return &RealtimeBroadcaster{
		rdb:    rdb,
		topics: make(map[string]map[*Subscription]struct{}),
	}
}

// Start consumes the cross-process redis channel and delivers into local
// subscriptions. No-op without redis.
func (b *RealtimeBroadcaster) Start(ctx context.Context) {
	if b == nil || b.rdb == nil {
		return
	}
	sub := b.rdb.Subscribe(ctx, realtimeChannel)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Printf("[Realtime] ⚠️ Dropping undecodable event: %v", err)
					continue
				}
				b.deliver(ev)
			}
		}
	}()
	log.Println("✅ Realtime broadcaster subscribed to redis channel")
}

// Subscribe registers a connection on one or more topics. The channel is
// buffered; a slow consumer drops events rather than blocking the pipeline.
func (b *RealtimeBroadcaster) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{
		C:      make(chan Event, 16),
		topics: topics,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		if b.topics[t] == nil {
			b.topics[t] = make(map[*Subscription]struct{})
		}
		b.topics[t][sub] = struct{}{}
	}
	return sub
}

func (b *RealtimeBroadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range sub.topics {
		if subs := b.topics[t]; subs != nil {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(b.topics, t)
			}
		}
	}
}

// Broadcast pushes a typed event to every subscriber of topic.
func (b *RealtimeBroadcaster) Broadcast(topic, eventType string, payload any) {
	if b == nil {
		log.Printf("⚠️ [Realtime] Broadcaster not initialized, dropping %s for %s", eventType, topic)
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[Realtime] ⚠️ Failed to marshal %s payload: %v", eventType, err)
		return
	}
	ev := Event{
		Type:      eventType,
		Topic:     topic,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}

	if b.rdb != nil {
		data, _ := json.Marshal(ev)
		if err := b.rdb.Publish(context.Background(), realtimeChannel, data).Err(); err != nil {
			log.Printf("[Realtime] ⚠️ Redis publish failed, delivering locally only: %v", err)
			b.deliver(ev)
		}
		return
	}
	b.deliver(ev)
}

func (b *RealtimeBroadcaster) deliver(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.topics[ev.Topic] {
		select {
		case sub.C <- ev:
		default:
			// Slow consumer: drop rather than stall every other subscriber.
		}
	}
}

// BroadcastTradeUpdate notifies the account and user topics that a sync
// cycle wrote fresh trades.
func (b *RealtimeBroadcaster) BroadcastTradeUpdate(login, userID string, tradeCount int) {
	payload := fiber.Map{
		"login":     login,
		"trades":    tradeCount,
		"timestamp": time.Now().UTC(),
	}
	b.Broadcast(AccountTopic(login), EventTradeUpdate, payload)
	if userID != "" {
		b.Broadcast(UserTopic(userID), EventTradeUpdate, payload)
	}
}

// BroadcastBalanceUpdate pushes a live equity/balance snapshot.
func (b *RealtimeBroadcaster) BroadcastBalanceUpdate(login string, balance, equity float64) {
	b.Broadcast(AccountTopic(login), EventBalanceUpdate, fiber.Map{
		"login":     login,
		"balance":   balance,
		"equity":    equity,
		"timestamp": time.Now().UTC(),
	})
}

// BroadcastStatusUpdate notifies a user that their account changed status
// (breached, passed, disabled).
func (b *RealtimeBroadcaster) BroadcastStatusUpdate(login, userID, status, reason string) {
	payload := fiber.Map{
		"login":     login,
		"status":    status,
		"reason":    reason,
		"timestamp": time.Now().UTC(),
	}
	b.Broadcast(AccountTopic(login), EventStatusUpdate, payload)
	if userID != "" {
		b.Broadcast(UserTopic(userID), EventStatusUpdate, payload)
	}
}

// BroadcastToUser pushes an arbitrary event onto a user's topic.
func (b *RealtimeBroadcaster) BroadcastToUser(userID, eventType string, payload any) {
	b.Broadcast(UserTopic(userID), eventType, payload)
}

// StreamSSE is the fiber handler backing the realtime channel. The
// connection is authenticated upstream (sse auth middleware binds user_id)
// and always joins its user topic; extra account/competition topics come
// from the `topics` query param.
func (b *RealtimeBroadcaster) StreamSSE(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated stream"})
	}

	topics := []string{UserTopic(userID)}
	for _, t := range strings.Split(c.Query("topics", ""), ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		// Only account/competition rooms may be joined explicitly; user
		// topics are bound by authentication only.
		if strings.HasPrefix(t, "account:") || strings.HasPrefix(t, "competition:") {
			topics = append(topics, t)
		}
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	ctx := c.Context()
	sub := b.Subscribe(topics...)

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer b.Unsubscribe(sub)

		keepalive := time.NewTicker(15 * time.Second)
		defer keepalive.Stop()

		// Initial keepalive (comment event)
		w.WriteString(":\n\n")
		w.Flush()

		for {
			select {
			case ev := <-sub.C:
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
				if err := w.Flush(); err != nil {
					// Client disconnected
					return
				}
			case <-keepalive.C:
				w.WriteString(":\n\n")
				if err := w.Flush(); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})

	return nil
}
