package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"crosspost/internal/model"
	"crosspost/internal/publish"
	"crosspost/internal/store"
	logx "crosspost/pkg/logx"
)

// scriptedPublisher fails a platform a configured number of times, then
// succeeds. Call counts are recorded per platform.
type scriptedPublisher struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
	noRetry  map[string]bool
}

func newScripted() *scriptedPublisher {
	return &scriptedPublisher{
		failures: map[string]int{},
		calls:    map[string]int{},
		noRetry:  map[string]bool{},
	}
}

func (f *scriptedPublisher) Publisher(platform string) (publish.Publisher, bool) {
	return publish.PublisherFunc(func(ctx context.Context, content model.PostContent) publish.Result {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls[platform]++
		if f.failures[platform] > 0 {
			f.failures[platform]--
			return publish.Result{Err: "scripted failure", Retryable: !f.noRetry[platform]}
		}
		return publish.Result{Success: true, ExternalPostID: platform + "-ext", URL: "https://" + platform + "/1"}
	}), true
}

func (f *scriptedPublisher) callCount(platform string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[platform]
}

func newService(t *testing.T, reg publish.Registry, cfg Config) (*Service, store.Store) {
	t.Helper()
	st := store.NewMemory()
	orch := publish.NewOrchestrator(reg, publish.Config{PlatformTimeout: time.Second}, logx.Nop())
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	return New(st, orch, cfg, logx.Nop()), st
}

func duePost(t *testing.T, st store.Store, platforms []string, due time.Time) string {
	t.Helper()
	p := &model.ScheduledPost{
		OwnerID:  "owner",
		Content:  model.PostContent{Text: "hi", Platforms: platforms},
		Schedule: model.Schedule{PublishAt: due, Timezone: "UTC"},
	}
	id, err := st.Create(context.Background(), p)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func TestTickPublishesDuePost(t *testing.T) {
	t.Parallel()
	pub := newScripted()
	svc, st := newService(t, pub, Config{})
	ctx := context.Background()
	now := time.Now()

	id := duePost(t, st, []string{"a"}, now.Add(-time.Minute))
	// Future post must stay untouched.
	futureID := duePost(t, st, []string{"a"}, now.Add(time.Hour))

	sum := svc.RunTick(ctx, now, 0)
	if sum.Processed != 1 || sum.Published != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	got, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusPublished {
		t.Fatalf("status = %s, want published", got.Status)
	}
	if got.PublishedAt == nil {
		t.Fatal("published post must have PublishedAt")
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
	if got.PlatformPostIDs["a"] != "a-ext" {
		t.Fatalf("platform ids = %v", got.PlatformPostIDs)
	}

	future, err := st.Get(ctx, futureID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if future.Status != model.StatusScheduled || future.Attempts != 0 {
		t.Fatalf("future post touched: %+v", future)
	}
}

func TestTickRetriesThenExhausts(t *testing.T) {
	t.Parallel()
	pub := newScripted()
	pub.failures["a"] = 99 // never succeeds
	svc, st := newService(t, pub, Config{})
	ctx := context.Background()
	now := time.Now()

	id := duePost(t, st, []string{"a"}, now.Add(-time.Minute))

	// store.DefaultMaxAttempts is 3: two retries, then terminal failure.
	for i := 1; i <= 3; i++ {
		sum := svc.RunTick(ctx, now.Add(time.Duration(i)*time.Minute), 0)
		got, err := st.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Attempts != i {
			t.Fatalf("after tick %d: attempts = %d", i, got.Attempts)
		}
		if i < 3 {
			if got.Status != model.StatusScheduled || sum.Retried != 1 {
				t.Fatalf("after tick %d: status = %s, summary %+v", i, got.Status, sum)
			}
		} else {
			if got.Status != model.StatusFailed || sum.Failed != 1 {
				t.Fatalf("after tick %d: status = %s, summary %+v", i, got.Status, sum)
			}
			if got.LastError == "" {
				t.Fatal("failed post must surface lastError")
			}
		}
	}

	// Terminal finality: further ticks never touch the post again.
	sum := svc.RunTick(ctx, now.Add(time.Hour), 0)
	if sum.Processed != 0 {
		t.Fatalf("failed post processed again: %+v", sum)
	}
}

func TestTickNonRetryableFailsImmediately(t *testing.T) {
	t.Parallel()
	pub := newScripted()
	pub.failures["a"] = 99
	pub.noRetry["a"] = true
	svc, st := newService(t, pub, Config{})
	ctx := context.Background()
	now := time.Now()

	id := duePost(t, st, []string{"a"}, now.Add(-time.Minute))
	sum := svc.RunTick(ctx, now, 0)
	if sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	got, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusFailed || got.Attempts != 1 {
		t.Fatalf("non-retryable rejection: status = %s attempts = %d", got.Status, got.Attempts)
	}
}

func TestTickPartialFailureIdempotency(t *testing.T) {
	t.Parallel()
	pub := newScripted()
	pub.failures["b"] = 1 // b fails once, a succeeds immediately
	svc, st := newService(t, pub, Config{})
	ctx := context.Background()
	now := time.Now()

	id := duePost(t, st, []string{"a", "b"}, now.Add(-time.Minute))

	sum := svc.RunTick(ctx, now, 0)
	if sum.Retried != 1 {
		t.Fatalf("first tick summary = %+v", sum)
	}
	got, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", got.Status)
	}
	// Platform a's success must be persisted even though the attempt failed.
	if got.PlatformPostIDs["a"] != "a-ext" {
		t.Fatalf("platform a id missing after partial failure: %v", got.PlatformPostIDs)
	}

	sum = svc.RunTick(ctx, now.Add(time.Minute), 0)
	if sum.Published != 1 {
		t.Fatalf("second tick summary = %+v", sum)
	}

	// a must have been called exactly once across both attempts.
	if n := pub.callCount("a"); n != 1 {
		t.Fatalf("platform a called %d times, want 1", n)
	}
	if n := pub.callCount("b"); n != 2 {
		t.Fatalf("platform b called %d times, want 2", n)
	}

	got, err = st.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusPublished {
		t.Fatalf("status = %s, want published", got.Status)
	}
	if got.PlatformPostIDs["a"] != "a-ext" || got.PlatformPostIDs["b"] != "b-ext" {
		t.Fatalf("platform ids = %v", got.PlatformPostIDs)
	}
}

func TestTickMaterializesRecurrence(t *testing.T) {
	t.Parallel()
	pub := newScripted()
	svc, st := newService(t, pub, Config{})
	ctx := context.Background()
	now := time.Now()

	p := &model.ScheduledPost{
		OwnerID: "owner",
		Content: model.PostContent{Text: "weekly digest", Platforms: []string{"a"}},
		Schedule: model.Schedule{
			PublishAt:  now.Add(-time.Minute),
			Timezone:   "UTC",
			Recurrence: &model.Recurrence{Frequency: model.FreqDaily, Interval: 1},
		},
	}
	id, err := st.Create(ctx, p)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sum := svc.RunTick(ctx, now, 0)
	if sum.Published != 1 || sum.Materialized != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	posts, err := st.ListForOwner(ctx, "owner", store.ListFilter{IncludePublished: true})
	if err != nil {
		t.Fatalf("ListForOwner: %v", err)
	}
	if len(posts) != 2 {
		t.Fatalf("len(posts) = %d, want predecessor + successor", len(posts))
	}

	var successor *model.ScheduledPost
	for _, q := range posts {
		if q.ID != id {
			successor = q
		}
	}
	if successor == nil {
		t.Fatal("no successor created")
	}
	if successor.Status != model.StatusScheduled || successor.Attempts != 0 {
		t.Fatalf("successor state: %+v", successor)
	}
	wantAt := p.Schedule.PublishAt.AddDate(0, 0, 1)
	if !successor.Schedule.PublishAt.Equal(wantAt) {
		t.Fatalf("successor publishAt = %v, want %v", successor.Schedule.PublishAt, wantAt)
	}
	if successor.Schedule.Recurrence == nil {
		t.Fatal("successor lost its recurrence")
	}
	if successor.Content.Text != "weekly digest" {
		t.Fatalf("successor content = %q", successor.Content.Text)
	}

	// One successor only; the published predecessor is never resurrected.
	sum = svc.RunTick(ctx, now, 0)
	if sum.Processed != 0 {
		t.Fatalf("second tick reprocessed: %+v", sum)
	}
}

func TestTickNonRecurringProducesNoSuccessor(t *testing.T) {
	t.Parallel()
	pub := newScripted()
	svc, st := newService(t, pub, Config{})
	ctx := context.Background()
	now := time.Now()

	duePost(t, st, []string{"a"}, now.Add(-time.Minute))
	sum := svc.RunTick(ctx, now, 0)
	if sum.Materialized != 0 {
		t.Fatalf("non-recurring post materialized: %+v", sum)
	}
	posts, err := st.ListForOwner(ctx, "owner", store.ListFilter{IncludePublished: true})
	if err != nil {
		t.Fatalf("ListForOwner: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("len(posts) = %d, want 1", len(posts))
	}
}

func TestTickBatchBound(t *testing.T) {
	t.Parallel()
	pub := newScripted()
	svc, st := newService(t, pub, Config{BatchSize: 10, Workers: 4})
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 25; i++ {
		duePost(t, st, []string{"a"}, now.Add(-time.Duration(i+1)*time.Minute))
	}

	sum := svc.RunTick(ctx, now, 0)
	if sum.Processed != 10 {
		t.Fatalf("processed = %d, want batch cap 10", sum.Processed)
	}
	// Remaining work drains over subsequent ticks.
	sum = svc.RunTick(ctx, now, 0)
	if sum.Processed != 10 {
		t.Fatalf("second tick processed = %d", sum.Processed)
	}
	sum = svc.RunTick(ctx, now, 0)
	if sum.Processed != 5 {
		t.Fatalf("third tick processed = %d", sum.Processed)
	}
}

func TestTickSkipsLostClaims(t *testing.T) {
	t.Parallel()
	pub := newScripted()
	svc, st := newService(t, pub, Config{})
	ctx := context.Background()
	now := time.Now()

	id := duePost(t, st, []string{"a"}, now.Add(-time.Minute))
	// Simulate another instance winning the claim between Due and Claim.
	claimed, err := st.Claim(ctx, id, now)
	if err != nil || !claimed {
		t.Fatalf("pre-claim failed: %v %v", claimed, err)
	}

	// The post no longer shows as due, so build the tick input by hand:
	// revert for the due query, then race the claim.
	sched := model.StatusScheduled
	if err := st.Update(ctx, id, store.Patch{Status: &sched}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if claimed, err = st.Claim(ctx, id, now); err != nil || !claimed {
		t.Fatalf("re-claim failed: %v %v", claimed, err)
	}

	sum := svc.RunTick(ctx, now, 0)
	if sum.Skipped != 0 || sum.Processed != 0 {
		t.Fatalf("claimed post must not be selected at all: %+v", sum)
	}
	if n := pub.callCount("a"); n != 0 {
		t.Fatalf("publisher called %d times for a claimed post", n)
	}
}

func TestTickCancelledPostIsNeverProcessed(t *testing.T) {
	t.Parallel()
	pub := newScripted()
	svc, st := newService(t, pub, Config{})
	ctx := context.Background()
	now := time.Now()

	id := duePost(t, st, []string{"a"}, now.Add(-time.Minute))
	if err := st.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	sum := svc.RunTick(ctx, now, 0)
	if sum.Processed != 0 {
		t.Fatalf("cancelled post processed: %+v", sum)
	}
	got, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestTickMinRetryDelay(t *testing.T) {
	t.Parallel()
	pub := newScripted()
	pub.failures["a"] = 1
	svc, st := newService(t, pub, Config{MinRetryDelay: time.Minute})
	ctx := context.Background()
	now := time.Now()

	id := duePost(t, st, []string{"a"}, now.Add(-time.Minute))

	sum := svc.RunTick(ctx, now, 0)
	if sum.Retried != 1 {
		t.Fatalf("first tick: %+v", sum)
	}

	// Too soon: the failed post must not be re-selected.
	sum = svc.RunTick(ctx, now.Add(10*time.Second), 0)
	if sum.Processed != 0 {
		t.Fatalf("retry before min delay: %+v", sum)
	}

	sum = svc.RunTick(ctx, now.Add(2*time.Minute), 0)
	if sum.Published != 1 {
		t.Fatalf("retry after min delay: %+v", sum)
	}
	got, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusPublished {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()
	pub := newScripted()
	svc, st := newService(t, pub, Config{Enabled: true, Schedule: "50ms", Workers: 2})
	ctx := context.Background()

	duePost(t, st, []string{"a"}, time.Now().Add(-time.Minute))

	svc.Start(ctx)
	defer svc.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sum, ok := svc.LastSummary(); ok && sum.Published > 0 {
			svc.Stop(context.Background())
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("scheduler loop never published the due post")
}
