package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"paywatch/internal/model"
	"paywatch/internal/render"
	"paywatch/internal/storage"
	"paywatch/internal/telegram"
	"paywatch/pkg/logx"
)

type fakeStore struct {
	mu   sync.Mutex
	subs []model.Subscription

	latest  map[int64]model.SnapshotRecord // by subscription
	lastAt  map[int64]time.Time
	commits []commit
	repoint map[int64][]int64 // subID -> chat IDs written
	nextID  int64

	commitErrs int // fail this many commits before succeeding
}

type commit struct {
	subID  int64
	prevID *int64
	chatID int64
	text   string
}

func newFakeStore(subs ...model.Subscription) *fakeStore {
	return &fakeStore{
		subs:    subs,
		latest:  map[int64]model.SnapshotRecord{},
		lastAt:  map[int64]time.Time{},
		repoint: map[int64][]int64{},
		nextID:  100,
	}
}

func (f *fakeStore) ActiveSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Subscription
	for _, s := range f.subs {
		if s.Active() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) LatestSnapshot(ctx context.Context, subID int64) (model.SnapshotRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.latest[subID]
	if !ok {
		return model.SnapshotRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

func (f *fakeStore) LastDeliveredAt(ctx context.Context, subID int64) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.lastAt[subID]
	return at, ok, nil
}

func (f *fakeStore) UpdateChatID(ctx context.Context, id, chatID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repoint[id] = append(f.repoint[id], chatID)
	for i := range f.subs {
		if f.subs[i].ID == id {
			f.subs[i].ChatID = chatID
		}
	}
	return nil
}

func (f *fakeStore) CommitDelivery(ctx context.Context, subID int64, prevID *int64, data model.SnapshotData, chatID int64, text string) (model.SnapshotRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErrs > 0 {
		f.commitErrs--
		return model.SnapshotRecord{}, errors.New("database is locked")
	}
	f.nextID++
	rec := model.SnapshotRecord{
		ID: f.nextID, SubscriptionID: subID, PrevID: prevID,
		Data: data, CreatedAt: time.Now(),
	}
	f.latest[subID] = rec
	f.lastAt[subID] = rec.CreatedAt
	f.commits = append(f.commits, commit{subID: subID, prevID: prevID, chatID: chatID, text: text})
	return rec, nil
}

type fakeSource struct {
	mu    sync.Mutex
	data  model.SnapshotData
	errBy map[string]error // category -> error
	calls int
}

func (f *fakeSource) Snapshot(ctx context.Context, categories []string, asOf time.Time) (model.SnapshotData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	for _, c := range categories {
		if err := f.errBy[c]; err != nil {
			return model.SnapshotData{}, err
		}
	}
	return f.data, nil
}

type fakeGateway struct {
	mu sync.Mutex
	// migrations maps an old chat ID to its replacement; a send to the old ID
	// reports Migrated instead of Sent.
	migrations map[int64]int64
	failWith   error
	sentTo     []int64
}

func (f *fakeGateway) Send(ctx context.Context, chatID int64, msg render.Message) telegram.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return telegram.Result{Status: telegram.StatusFailed, Err: f.failWith}
	}
	if to, ok := f.migrations[chatID]; ok {
		return telegram.Result{Status: telegram.StatusMigrated, MigratedTo: to}
	}
	f.sentTo = append(f.sentTo, chatID)
	return telegram.Result{Status: telegram.StatusSent}
}

func sampleData(total int) model.SnapshotData {
	return model.SnapshotData{
		Grades:     map[model.Grade]model.GradeStat{model.GradeSenior: {Median: 500_000, Average: 510_000}},
		TotalCount: total,
	}
}

func weeklySub(id, chat int64) model.Subscription {
	return model.Subscription{
		ID: id, Name: "sub", ChatID: chat,
		Categories: []string{"go"}, Regularity: model.RegularityWeekly,
	}
}

func newTestService(st *fakeStore, src *fakeSource, gw *fakeGateway) *Service {
	return New(Config{Workers: 2, BaseURL: "https://example.org/s"}, st, src, gw, logx.Nop())
}

func TestProcessAllFirstSnapshotSendsAndCommits(t *testing.T) {
	st := newFakeStore(weeklySub(1, 42))
	src := &fakeSource{data: sampleData(100)}
	gw := &fakeGateway{}

	n := newTestService(st, src, gw).ProcessAll(context.Background(), "pass-1")
	if n != 1 {
		t.Fatalf("sent = %d, want 1", n)
	}
	if len(st.commits) != 1 {
		t.Fatalf("commits = %d, want 1", len(st.commits))
	}
	if st.commits[0].prevID != nil {
		t.Fatal("first record must have nil previous id")
	}
}

func TestProcessAllSkipDoesNotAppendHistory(t *testing.T) {
	sub := weeklySub(1, 42)
	sub.SuppressIfUnchanged = true
	st := newFakeStore(sub)

	// Existing head with identical data, sent recently: policy skips.
	prev := sampleData(100)
	st.latest[1] = model.SnapshotRecord{ID: 7, SubscriptionID: 1, Data: prev}
	st.lastAt[1] = time.Now().Add(-10 * 24 * time.Hour)

	src := &fakeSource{data: sampleData(100)}
	gw := &fakeGateway{}

	n := newTestService(st, src, gw).ProcessAll(context.Background(), "pass-1")
	if n != 0 {
		t.Fatalf("sent = %d, want 0", n)
	}
	if len(st.commits) != 0 {
		t.Fatal("skipped subscription must not append history")
	}
	if len(gw.sentTo) != 0 {
		t.Fatal("skipped subscription must not be delivered")
	}
}

func TestProcessAllHeartbeatAfterFloor(t *testing.T) {
	sub := weeklySub(1, 42)
	sub.SuppressIfUnchanged = true
	st := newFakeStore(sub)
	st.latest[1] = model.SnapshotRecord{ID: 7, SubscriptionID: 1, Data: sampleData(100)}
	st.lastAt[1] = time.Now().Add(-30 * 24 * time.Hour) // past the cadence floor

	src := &fakeSource{data: sampleData(100)}
	gw := &fakeGateway{}

	if n := newTestService(st, src, gw).ProcessAll(context.Background(), "p"); n != 1 {
		t.Fatalf("sent = %d, want heartbeat send", n)
	}
}

func TestProcessAllMigrationIdempotence(t *testing.T) {
	st := newFakeStore(weeklySub(1, 42))
	src := &fakeSource{data: sampleData(100)}
	gw := &fakeGateway{migrations: map[int64]int64{42: -100500}}

	n := newTestService(st, src, gw).ProcessAll(context.Background(), "pass-1")
	if n != 1 {
		t.Fatalf("sent = %d, want 1", n)
	}
	if got := st.repoint[1]; len(got) != 1 || got[0] != -100500 {
		t.Fatalf("chat id must be updated exactly once to the new id, got %v", got)
	}
	if len(st.commits) != 1 {
		t.Fatalf("ledger must contain exactly one entry, got %d", len(st.commits))
	}
	if st.commits[0].chatID != -100500 {
		t.Fatalf("ledger entry must carry the migrated chat id, got %d", st.commits[0].chatID)
	}
	if len(gw.sentTo) != 1 || gw.sentTo[0] != -100500 {
		t.Fatalf("exactly one delivery to the new chat expected, got %v", gw.sentTo)
	}
}

func TestProcessAllAggregationFailureIsolation(t *testing.T) {
	broken := weeklySub(1, 10)
	broken.Categories = []string{"broken"}
	healthy := weeklySub(2, 20)

	st := newFakeStore(broken, healthy)
	src := &fakeSource{
		data:  sampleData(100),
		errBy: map[string]error{"broken": errors.New("upstream exploded")},
	}
	gw := &fakeGateway{}

	n := newTestService(st, src, gw).ProcessAll(context.Background(), "pass-1")
	if n != 1 {
		t.Fatalf("healthy subscription must still be delivered, sent = %d", n)
	}
	if len(st.commits) != 1 || st.commits[0].subID != 2 {
		t.Fatalf("only the healthy subscription may commit, got %+v", st.commits)
	}
}

func TestProcessAllDeliveryFailureNoLedgerEntry(t *testing.T) {
	st := newFakeStore(weeklySub(1, 42))
	src := &fakeSource{data: sampleData(100)}
	gw := &fakeGateway{failWith: errors.New("telegram: 502")}

	n := newTestService(st, src, gw).ProcessAll(context.Background(), "pass-1")
	if n != 0 {
		t.Fatalf("sent = %d, want 0", n)
	}
	if len(st.commits) != 0 {
		t.Fatal("failed delivery must not produce a ledger entry")
	}
}

func TestProcessAllUnknownRegularitySkipsSafely(t *testing.T) {
	bad := weeklySub(1, 10)
	bad.Regularity = "fortnightly"
	good := weeklySub(2, 20)

	st := newFakeStore(bad, good)
	src := &fakeSource{data: sampleData(100)}
	gw := &fakeGateway{}

	if n := newTestService(st, src, gw).ProcessAll(context.Background(), "p"); n != 1 {
		t.Fatalf("sent = %d, want 1", n)
	}
}

func TestProcessAllCommitRetriesAfterSend(t *testing.T) {
	st := newFakeStore(weeklySub(1, 42))
	st.commitErrs = 2 // first two commit attempts fail, third succeeds
	src := &fakeSource{data: sampleData(100)}
	gw := &fakeGateway{}

	n := newTestService(st, src, gw).ProcessAll(context.Background(), "pass-1")
	if n != 1 {
		t.Fatalf("sent = %d, want 1 after commit retries", n)
	}
	if len(st.commits) != 1 {
		t.Fatalf("commits = %d, want 1", len(st.commits))
	}
}

func TestProcessAllZeroSampleSnapshotSkips(t *testing.T) {
	st := newFakeStore(weeklySub(1, 42))
	src := &fakeSource{data: model.SnapshotData{Grades: map[model.Grade]model.GradeStat{}}}
	gw := &fakeGateway{}

	if n := newTestService(st, src, gw).ProcessAll(context.Background(), "p"); n != 0 {
		t.Fatalf("sent = %d, want 0 for empty snapshot", n)
	}
}
