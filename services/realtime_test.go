package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(time.Second):
		t.Fatal("expected an event, got none")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event on topic %s: %s", ev.Topic, ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcasterTopicIsolation(t *testing.T) {
	b := NewRealtimeBroadcaster(nil) // no redis: local delivery

	accountSub := b.Subscribe(AccountTopic("100001"))
	otherSub := b.Subscribe(AccountTopic("100002"))
	defer b.Unsubscribe(accountSub)
	defer b.Unsubscribe(otherSub)

	b.BroadcastBalanceUpdate("100001", 10000, 10123.45)

	ev := receiveEvent(t, accountSub)
	assert.Equal(t, EventBalanceUpdate, ev.Type)
	assert.Equal(t, AccountTopic("100001"), ev.Topic)

	var payload struct {
		Equity float64 `json:"equity"`
	}
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, 10123.45, payload.Equity)

	assertNoEvent(t, otherSub)
}

func TestBroadcasterUserAndAccountTopics(t *testing.T) {
	b := NewRealtimeBroadcaster(nil)

	userSub := b.Subscribe(UserTopic("u-1"))
	defer b.Unsubscribe(userSub)

	b.BroadcastTradeUpdate("100001", "u-1", 7)

	ev := receiveEvent(t, userSub)
	assert.Equal(t, EventTradeUpdate, ev.Type)
	assert.Equal(t, UserTopic("u-1"), ev.Topic)
}

func TestBroadcasterUnsubscribeStopsDelivery(t *testing.T) {
	b := NewRealtimeBroadcaster(nil)

	sub := b.Subscribe(CompetitionTopic("comp-1"))
	b.Unsubscribe(sub)

	b.Broadcast(CompetitionTopic("comp-1"), EventLeaderboardUpdate, map[string]any{"x": 1})
	assertNoEvent(t, sub)
}

func TestBroadcasterSlowConsumerDropsInsteadOfBlocking(t *testing.T) {
	b := NewRealtimeBroadcaster(nil)

	sub := b.Subscribe(AccountTopic("100001"))
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Channel buffer is 16; overflow must not block the publisher.
		for i := 0; i < 100; i++ {
			b.BroadcastBalanceUpdate("100001", 0, float64(i))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow consumer")
	}
}

func TestNilBroadcasterIsSafe(t *testing.T) {
	var b *RealtimeBroadcaster

	// Delivery is best-effort: a missing broadcaster logs and no-ops.
	b.Broadcast(AccountTopic("100001"), EventTradeUpdate, nil)
	b.BroadcastTradeUpdate("100001", "u-1", 1)
	b.BroadcastBalanceUpdate("100001", 1, 1)
	b.BroadcastStatusUpdate("100001", "u-1", "breached", "daily_loss")
	b.BroadcastToUser("u-1", EventStatusUpdate, nil)
	b.Start(context.Background())
}
