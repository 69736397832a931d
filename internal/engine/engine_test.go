package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"kanboard/internal/board"
	"kanboard/internal/config"
	"kanboard/internal/db"
	"kanboard/internal/domain"
	"kanboard/internal/engine"
	"kanboard/internal/migrate"
	"kanboard/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, evt domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestEnv(t *testing.T, seed int) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("board-1")
	cfg.Board.SeedTasks = seed
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitBoard(ctx, "board-1", "test", "tester"); err != nil {
		t.Fatalf("init board: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) create(t *testing.T) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{BoardID: "board-1", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (env testEnv) pull(t *testing.T, id string) domain.Task {
	t.Helper()
	task, err := env.Engine.Pull(env.Ctx, "board-1", id, "tester")
	if err != nil {
		t.Fatalf("pull %s: %v", id, err)
	}
	return task
}

func TestInitBoardSeedsOwnersAndTasks(t *testing.T) {
	env := newTestEnv(t, 10)
	owners, err := env.Engine.ListOwners(env.Ctx, "board-1")
	if err != nil {
		t.Fatalf("owners: %v", err)
	}
	if len(owners) != 4 {
		t.Fatalf("expected 4 owners, got %d", len(owners))
	}
	for i, o := range owners {
		if o.Position != i || o.HasWorkInProgress || o.IsTesting {
			t.Fatalf("unexpected owner %+v", o)
		}
	}
	for _, s := range domain.States {
		state := s
		tasks, err := env.Engine.ListTasks(env.Ctx, "board-1", &state)
		if err != nil {
			t.Fatalf("list %s: %v", s, err)
		}
		want := 0
		if s == domain.ToDo {
			want = 10
		}
		if len(tasks) != want {
			t.Fatalf("%s: expected %d tasks, got %d", s, want, len(tasks))
		}
	}
}

func TestInitBoardTwiceFails(t *testing.T) {
	env := newTestEnv(t, 0)
	if _, err := env.Engine.InitBoard(env.Ctx, "board-1", "again", "tester"); err == nil {
		t.Fatalf("expected duplicate board error")
	}
}

func TestPullLifecyclePersists(t *testing.T) {
	env := newTestEnv(t, 0)
	task := env.create(t)
	if task.State != domain.ToDo {
		t.Fatalf("expected todo, got %s", task.State)
	}
	wip := env.pull(t, task.ID)
	if wip.State != domain.WiP || wip.OwnerID == nil {
		t.Fatalf("unexpected wip: %+v", wip)
	}
	owners, err := env.Engine.ListOwners(env.Ctx, "board-1")
	if err != nil {
		t.Fatal(err)
	}
	if owners[0].ID != *wip.OwnerID || !owners[0].HasWorkInProgress {
		t.Fatalf("first owner should hold the wip task: %+v", owners[0])
	}
	test := env.pull(t, task.ID)
	if test.State != domain.Test || *test.OwnerID != *wip.OwnerID {
		t.Fatalf("unexpected test: %+v", test)
	}
	done := env.pull(t, task.ID)
	if done.State != domain.Done || done.OwnerID != nil || done.CompletedAt == nil {
		t.Fatalf("unexpected done: %+v", done)
	}
	stored, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != domain.Done || stored.OwnerID != nil {
		t.Fatalf("stored task not done: %+v", stored)
	}
	owners, err = env.Engine.ListOwners(env.Ctx, "board-1")
	if err != nil {
		t.Fatal(err)
	}
	for _, o := range owners {
		if o.HasWorkInProgress || o.IsTesting {
			t.Fatalf("owner %s still busy", o.Name)
		}
	}
}

func TestPullDoneFails(t *testing.T) {
	env := newTestEnv(t, 0)
	task := env.create(t)
	for i := 0; i < 3; i++ {
		env.pull(t, task.ID)
	}
	_, err := env.Engine.Pull(env.Ctx, "board-1", task.ID, "tester")
	if !errors.Is(err, board.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
}

func TestFifthWiPRejectedAndNothingWritten(t *testing.T) {
	env := newTestEnv(t, 0)
	pub := &recordingPublisher{}
	env.Engine.Publisher = pub
	owners := map[string]bool{}
	for i := 0; i < 4; i++ {
		got := env.pull(t, env.create(t).ID)
		owners[*got.OwnerID] = true
	}
	if len(owners) != 4 {
		t.Fatalf("expected 4 distinct owners, got %d", len(owners))
	}
	fifth := env.create(t)
	before, err := env.Engine.Repo.LatestEventID(env.Ctx, "board-1")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Pull(env.Ctx, "board-1", fifth.ID, "tester")
	if !errors.Is(err, board.ErrCapacityExceeded) {
		t.Fatalf("expected capacity exceeded, got %v", err)
	}
	stored, err := env.Engine.GetTask(env.Ctx, fifth.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != domain.ToDo || stored.OwnerID != nil {
		t.Fatalf("rejected task changed: %+v", stored)
	}
	after, err := env.Engine.Repo.LatestEventID(env.Ctx, "board-1")
	if err != nil {
		t.Fatal(err)
	}
	if after != before {
		t.Fatalf("rejected pull wrote events (%d -> %d)", before, after)
	}
	types := pub.types()
	if len(types) != 9 {
		t.Fatalf("expected 9 published events, got %v", types)
	}
}

func TestPullUnknownTask(t *testing.T) {
	env := newTestEnv(t, 0)
	if _, err := env.Engine.Pull(env.Ctx, "board-1", "missing", "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPullWrongBoard(t *testing.T) {
	env := newTestEnv(t, 0)
	task := env.create(t)
	if _, err := env.Engine.InitBoard(env.Ctx, "board-2", "other", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Pull(env.Ctx, "board-2", task.ID, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for foreign board, got %v", err)
	}
}

func TestCreateTaskUnknownBoard(t *testing.T) {
	env := newTestEnv(t, 0)
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{BoardID: "nope", ActorID: "tester"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateTaskDuplicateID(t *testing.T) {
	env := newTestEnv(t, 0)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: "fixed", BoardID: "board-1", Title: "a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: "fixed", BoardID: "board-1", Title: "b"}); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestConcurrentPullsRespectCapacity(t *testing.T) {
	env := newTestEnv(t, 8)
	todo := domain.ToDo
	tasks, err := env.Engine.ListTasks(env.Ctx, "board-1", &todo)
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, rejected int
	for _, task := range tasks {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := env.Engine.Pull(env.Ctx, "board-1", id, "tester")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, board.ErrCapacityExceeded):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(task.ID)
	}
	wg.Wait()
	if ok != 4 || rejected != 4 {
		t.Fatalf("expected 4 pulled and 4 rejected, got %d/%d", ok, rejected)
	}
}

func TestStatusCounts(t *testing.T) {
	env := newTestEnv(t, 3)
	todo := domain.ToDo
	tasks, err := env.Engine.ListTasks(env.Ctx, "board-1", &todo)
	if err != nil {
		t.Fatal(err)
	}
	env.pull(t, tasks[0].ID)
	env.pull(t, tasks[1].ID)
	env.pull(t, tasks[1].ID)
	st, err := env.Engine.Status(env.Ctx, "board-1")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]int{"todo": 1, "wip": 1, "test": 1, "done": 0}
	for k, v := range want {
		if st.Counts[k] != v {
			t.Fatalf("%s: expected %d, got %d", k, v, st.Counts[k])
		}
	}
	if len(st.Owners) != 4 {
		t.Fatalf("expected 4 owners in status")
	}
	wip, inTest := 0, 0
	for _, o := range st.Owners {
		if o.HasWorkInProgress {
			wip++
		}
		if o.IsTesting {
			inTest++
		}
	}
	if wip != 1 || inTest != 1 {
		t.Fatalf("unexpected owner flags: %+v", st.Owners)
	}
	if _, err := env.Engine.Status(env.Ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t, 0)
	task := env.create(t)
	env.pull(t, task.ID)
	env.pull(t, task.ID)
	env.pull(t, task.ID)
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, repo.EventFilters{BoardID: "board-1", EntityID: task.ID})
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	if len(evts) != 4 {
		t.Fatalf("expected 4 events, got %d", len(evts))
	}
	if evts[0].Type != "task.pulled" || evts[3].Type != "task.created" {
		t.Fatalf("unexpected order: %s ... %s", evts[0].Type, evts[3].Type)
	}
}

func TestPublisherFailureDoesNotFailPull(t *testing.T) {
	env := newTestEnv(t, 0)
	env.Engine.Publisher = &recordingPublisher{err: errors.New("redis down")}
	task := env.create(t)
	if got := env.pull(t, task.ID); got.State != domain.WiP {
		t.Fatalf("expected wip, got %s", got.State)
	}
}
