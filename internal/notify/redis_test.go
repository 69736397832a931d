package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"kanboard/internal/domain"
)

func TestRedisPublisherPublishesEvent(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	pub := NewRedisPublisher(client, "")
	if got := pub.Channel("main"); got != "kanboard:main:events" {
		t.Fatalf("unexpected channel %q", got)
	}

	sub := client.Subscribe(ctx, pub.Channel("main"))
	t.Cleanup(func() { _ = sub.Close() })
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	evt := domain.Event{ID: 7, Type: "task.pulled", BoardID: "main", EntityKind: "task", EntityID: "t1", ActorID: "tester", Payload: `{"to":"wip"}`}
	if err := pub.Publish(ctx, evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var got domain.Event
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got != evt {
			t.Fatalf("expected %+v, got %+v", evt, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
}

func TestDialFailsWithoutServer(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	addr := mr.Addr()
	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := Dial(ctx, addr, "x"); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestDialAndClose(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	pub, err := Dial(context.Background(), mr.Addr(), "ops")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if got := pub.Channel("b"); got != "ops:b:events" {
		t.Fatalf("unexpected channel %q", got)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
