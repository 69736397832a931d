package kanboardsdk

import (
	"context"
	"net/http/httptest"
	"testing"

	"kanboard/internal/config"
	"kanboard/internal/db"
	"kanboard/internal/engine"
	"kanboard/internal/logging"
	"kanboard/internal/migrate"
	"kanboard/internal/server"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("main")
	cfg.Board.SeedTasks = 0
	e := engine.New(conn, cfg)
	if _, err := e.InitBoard(context.Background(), "main", "", "tester"); err != nil {
		t.Fatalf("init board: %v", err)
	}
	handler, err := server.New(server.Config{Engine: e, Log: logging.Discard()})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(srv.URL, "main")
	c.ActorID = "sdk"
	return c
}

func TestClientPullFlow(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	var ids []string
	for i := 0; i < 5; i++ {
		task, err := c.CreateTask(ctx, "card")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, task.ID)
	}
	for _, id := range ids[:4] {
		task, err := c.Pull(ctx, id)
		if err != nil {
			t.Fatalf("pull %s: %v", id, err)
		}
		if task.State != "wip" || task.OwnerID == nil {
			t.Fatalf("unexpected pulled task: %+v", task)
		}
	}
	_, err := c.Pull(ctx, ids[4])
	if !IsCapacityExceeded(err) {
		t.Fatalf("expected capacity error, got %v", err)
	}

	owners, err := c.Owners(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(owners) != 4 {
		t.Fatalf("expected 4 owners, got %d", len(owners))
	}
	wip, err := c.ListTasks(ctx, "wip")
	if err != nil {
		t.Fatal(err)
	}
	if len(wip) != 4 {
		t.Fatalf("expected 4 wip tasks, got %d", len(wip))
	}
	st, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.TaskCounts["todo"] != 1 {
		t.Fatalf("unexpected counts: %v", st.TaskCounts)
	}
}

func TestClientIllegalTransitionAndEvents(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	task, err := c.CreateTask(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := c.Pull(ctx, task.ID); err != nil {
			t.Fatalf("pull %d: %v", i, err)
		}
	}
	if _, err := c.Pull(ctx, task.ID); !IsIllegalTransition(err) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
	got, err := c.GetTask(ctx, task.ID)
	if err != nil || got.State != "done" || got.CompletedAt == nil {
		t.Fatalf("unexpected task %+v %v", got, err)
	}

	events, err := c.Events(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	if events[4].ActorID != "sdk" || events[4].Payload["to"] != "done" {
		t.Fatalf("unexpected last event: %+v", events[4])
	}
	page, err := c.EventsPage(ctx, 10, events[3].ID)
	if err != nil || len(page.Items) != 1 {
		t.Fatalf("unexpected page %+v %v", page, err)
	}
}
