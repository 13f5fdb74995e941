package gamification

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codestreak/internal/cache"
	"github.com/MarcoPoloResearchLab/codestreak/internal/dailygoal"
	"github.com/MarcoPoloResearchLab/codestreak/internal/ledger"
	"github.com/MarcoPoloResearchLab/codestreak/internal/realtime"
	"github.com/MarcoPoloResearchLab/codestreak/internal/scoring"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

const today = "2026-03-02"

type testEngine struct {
	*Engine
	db         *gorm.DB
	dispatcher *realtime.Dispatcher
}

func newTestEngine(t *testing.T) testEngine {
	t.Helper()
	return newTestEngineWithCache(t, cache.NewMemory(time.Hour, func() time.Time { return now }))
}

func newTestEngineWithCache(t *testing.T, summaryCache cache.SummaryCache) testEngine {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "engine.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&ledger.UserXpState{}, &ledger.XpTransaction{}, &dailygoal.DailyGoalRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := func() time.Time { return now }
	rules := scoring.MustCompile(scoring.DefaultRules())
	xpLedger, err := ledger.New(ledger.Config{Database: db, Rules: rules, Clock: clock, IDProvider: ledger.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	goals, err := dailygoal.NewEvaluator(dailygoal.Config{Database: db, Ledger: xpLedger, Rules: rules, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct evaluator: %v", err)
	}
	dispatcher := realtime.NewDispatcher(realtime.WithBufferSize(32))
	engine, err := NewEngine(Config{
		Ledger:   xpLedger,
		Goals:    goals,
		Notifier: dispatcher,
		Cache:    summaryCache,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return testEngine{Engine: engine, db: db, dispatcher: dispatcher}
}

func (e testEngine) subscribe(t *testing.T, userID string) <-chan realtime.NotificationMessage {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	stream, _ := e.dispatcher.Subscribe(ctx, userID)
	if message := receive(t, stream); message.Topic != realtime.TopicResync {
		t.Fatalf("expected resync on subscribe, got %s", message.Topic)
	}
	return stream
}

func receive(t *testing.T, stream <-chan realtime.NotificationMessage) realtime.NotificationMessage {
	t.Helper()
	select {
	case message := <-stream:
		return message
	case <-time.After(time.Second):
		t.Fatal("expected notification within deadline")
	}
	return realtime.NotificationMessage{}
}

func solve(userID string, difficulty scoring.Difficulty, at time.Time) ledger.Event {
	return ledger.Event{UserID: userID, Kind: scoring.KindSolvedProblem, Difficulty: difficulty, OccurredAt: at}
}

func TestRegisterAppliesBonusOnce(t *testing.T) {
	engine := newTestEngine(t)
	stream := engine.subscribe(t, "user-1")

	record, created, err := engine.Register(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if !created || record.ResultingTotalXP != 80 || record.ResultingBadge != "Novice" {
		t.Fatalf("unexpected registration outcome: created=%v %#v", created, record)
	}
	message := receive(t, stream)
	if message.Topic != realtime.TopicXPTotalChange || message.Revision != 1 {
		t.Fatalf("unexpected notification %#v", message)
	}

	_, created, err = engine.Register(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("repeat registration should not fail: %v", err)
	}
	if created {
		t.Fatalf("repeat registration must not apply the bonus again")
	}
}

func TestReportEventPublishesTierChangeAfterTotal(t *testing.T) {
	engine := newTestEngine(t)
	if err := engine.db.Create(&ledger.UserXpState{
		UserID:           "user-2",
		CurrentXP:        240,
		Badge:            "Novice",
		CreatedAtSeconds: now.Unix(),
		UpdatedAtSeconds: now.Unix(),
	}).Error; err != nil {
		t.Fatalf("failed to seed state: %v", err)
	}
	stream := engine.subscribe(t, "user-2")

	report, err := engine.ReportEvent(context.Background(), solve("user-2", scoring.DifficultyEasy, now))
	if err != nil {
		t.Fatalf("unexpected report error: %v", err)
	}
	if report.Transaction.ResultingTotalXP != 290 || !report.Transaction.TierChanged {
		t.Fatalf("unexpected transaction %#v", report.Transaction)
	}

	total := receive(t, stream)
	tier := receive(t, stream)
	if total.Topic != realtime.TopicXPTotalChange || tier.Topic != realtime.TopicTierChange {
		t.Fatalf("unexpected topic order: %s then %s", total.Topic, tier.Topic)
	}
	payload, ok := tier.Payload.(TierChangePayload)
	if !ok || payload.PreviousBadge != "Novice" || payload.Badge != "Apprentice" {
		t.Fatalf("unexpected tier payload %#v", tier.Payload)
	}
	if total.Revision != tier.Revision {
		t.Fatalf("both messages describe one commit, got revisions %d and %d", total.Revision, tier.Revision)
	}
}

func TestReportEventReachesDailyGoal(t *testing.T) {
	engine := newTestEngine(t)
	stream := engine.subscribe(t, "user-3")

	var report Report
	for index := range 3 {
		var err error
		report, err = engine.ReportEvent(context.Background(), solve("user-3", scoring.DifficultyEasy, now.Add(time.Duration(index)*5*time.Minute)))
		if err != nil {
			t.Fatalf("unexpected report error: %v", err)
		}
	}
	if report.Goal == nil || report.Goal.Status != dailygoal.StatusAchieved {
		t.Fatalf("expected the third solve to reach the goal, got %#v", report.Goal)
	}

	var topics []realtime.Topic
	var goalResult realtime.NotificationMessage
	for range 5 {
		message := receive(t, stream)
		topics = append(topics, message.Topic)
		if message.Topic == realtime.TopicDailyGoalResult {
			goalResult = message
		}
	}
	expected := []realtime.Topic{
		realtime.TopicXPTotalChange,
		realtime.TopicXPTotalChange,
		realtime.TopicXPTotalChange,
		realtime.TopicXPTotalChange,
		realtime.TopicDailyGoalResult,
	}
	if !slices.Equal(topics, expected) {
		t.Fatalf("unexpected topics %v", topics)
	}
	payload, ok := goalResult.Payload.(DailyGoalResultPayload)
	if !ok || payload.Status != dailygoal.StatusAchieved || payload.DeltaXP != 60 {
		t.Fatalf("unexpected goal payload %#v", goalResult.Payload)
	}

	summary, err := engine.Summary(context.Background(), "user-3")
	if err != nil {
		t.Fatalf("unexpected summary error: %v", err)
	}
	if summary.XP != 50+59+68+60 {
		t.Fatalf("unexpected total %d", summary.XP)
	}
	if summary.Today.SolvedCount != 3 || summary.Today.GoalStatus != dailygoal.StatusAchieved {
		t.Fatalf("unexpected today breakdown %#v", summary.Today)
	}
	if summary.ProjectedPenalty != 0 {
		t.Fatalf("achieved day without todos projects no penalty, got %d", summary.ProjectedPenalty)
	}
}

func TestSummaryReportsProgressAndSuggestions(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.ReportEvent(ctx, solve("user-4", scoring.DifficultyHard, now)); err != nil {
		t.Fatalf("unexpected report error: %v", err)
	}
	if _, err := engine.SetOutstandingTodos(ctx, "user-4", "", 2); err != nil {
		t.Fatalf("unexpected todos error: %v", err)
	}

	summary, err := engine.Summary(ctx, "user-4")
	if err != nil {
		t.Fatalf("unexpected summary error: %v", err)
	}
	if summary.XP != 120 || summary.BadgeTier.Name != "Novice" {
		t.Fatalf("unexpected tier state %#v", summary)
	}
	if summary.NextBadge == nil || summary.NextBadge.Name != "Apprentice" || summary.XPToNext != 130 {
		t.Fatalf("unexpected next badge %#v (xp to next %d)", summary.NextBadge, summary.XPToNext)
	}
	if summary.ProgressToNext < 0.479 || summary.ProgressToNext > 0.481 {
		t.Fatalf("expected progress 0.48, got %v", summary.ProgressToNext)
	}
	if summary.ProjectedPenalty != -60 || summary.OutstandingTodos != 2 {
		t.Fatalf("expected projected penalty -60, got %d", summary.ProjectedPenalty)
	}
	if summary.Today.PositiveXP != 120 || summary.Today.ByKind[scoring.KindSolvedProblem] != 120 {
		t.Fatalf("unexpected breakdown %#v", summary.Today)
	}
	if summary.Streak != 1 {
		t.Fatalf("expected streak 1, got %d", summary.Streak)
	}
	joined := strings.Join(summary.Suggestions, "\n")
	for _, fragment := range []string{"Solve 2 more problems", "Finish 2 outstanding todos", "reach Apprentice"} {
		if !strings.Contains(joined, fragment) {
			t.Fatalf("expected suggestion containing %q, got %v", fragment, summary.Suggestions)
		}
	}
}

func TestSummaryCacheInvalidatedAfterApply(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.Summary(ctx, "user-5")
	if err != nil {
		t.Fatalf("unexpected summary error: %v", err)
	}
	if first.XP != 0 || first.Revision != 0 {
		t.Fatalf("unexpected empty summary %#v", first)
	}
	if _, err := engine.cache.Get(ctx, "user-5", today); err != nil {
		t.Fatalf("expected summary to be cached: %v", err)
	}

	if _, err := engine.ReportEvent(ctx, ledger.Event{UserID: "user-5", Kind: scoring.KindManualAction, OccurredAt: now}); err != nil {
		t.Fatalf("unexpected report error: %v", err)
	}
	if _, err := engine.cache.Get(ctx, "user-5", today); !errors.Is(err, cache.ErrCacheMiss) {
		t.Fatalf("expected cache to be invalidated, got %v", err)
	}

	second, err := engine.Summary(ctx, "user-5")
	if err != nil {
		t.Fatalf("unexpected summary error: %v", err)
	}
	if second.XP != 10 || second.Revision != 1 {
		t.Fatalf("summary must reflect the committed event, got %#v", second)
	}
}

// gatedCache parks the first armed Set until gate is closed.
type gatedCache struct {
	*cache.Memory
	armed   atomic.Bool
	entered chan struct{}
	gate    chan struct{}
}

func (c *gatedCache) Set(ctx context.Context, userID, dayKey string, value []byte) error {
	if c.armed.CompareAndSwap(true, false) {
		c.entered <- struct{}{}
		<-c.gate
	}
	return c.Memory.Set(ctx, userID, dayKey, value)
}

func TestSummaryBuiltBeforeCommitIsNotServedAfterIt(t *testing.T) {
	gated := &gatedCache{
		Memory:  cache.NewMemory(time.Hour, func() time.Time { return now }),
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	engine := newTestEngineWithCache(t, gated)
	ctx := context.Background()
	gated.armed.Store(true)

	summaryDone := make(chan error, 1)
	go func() {
		_, err := engine.Summary(ctx, "user-r")
		summaryDone <- err
	}()
	select {
	case <-gated.entered:
	case <-time.After(time.Second):
		t.Fatal("summary never reached the cache write")
	}

	reportDone := make(chan error, 1)
	go func() {
		_, err := engine.ReportEvent(ctx, ledger.Event{UserID: "user-r", Kind: scoring.KindManualAction, OccurredAt: now})
		reportDone <- err
	}()
	deadline := time.Now().Add(time.Second)
	for {
		state, found, err := engine.ledger.State(ctx, "user-r")
		if err != nil {
			t.Fatalf("unexpected state error: %v", err)
		}
		if found && state.Revision == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("event was not committed within deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(gated.gate)

	if err := <-summaryDone; err != nil {
		t.Fatalf("unexpected summary error: %v", err)
	}
	if err := <-reportDone; err != nil {
		t.Fatalf("unexpected report error: %v", err)
	}

	summary, err := engine.Summary(ctx, "user-r")
	if err != nil {
		t.Fatalf("unexpected summary error: %v", err)
	}
	if summary.XP != 10 || summary.Revision != 1 {
		t.Fatalf("summary must reflect the committed event, got xp=%d revision=%d", summary.XP, summary.Revision)
	}
}

func TestStoreSummarySkipsSupersededGeneration(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	generation := engine.generation("user-s").Load()
	engine.invalidate(ctx, "user-s")
	engine.storeSummary(ctx, Summary{UserID: "user-s", Day: today}, generation)

	if _, err := engine.cache.Get(ctx, "user-s", today); !errors.Is(err, cache.ErrCacheMiss) {
		t.Fatalf("superseded summary must not be cached, got %v", err)
	}

	engine.storeSummary(ctx, Summary{UserID: "user-s", Day: today}, engine.generation("user-s").Load())
	if _, err := engine.cache.Get(ctx, "user-s", today); err != nil {
		t.Fatalf("current summary should be cached: %v", err)
	}
}

func TestReportEventStorageFailureNotifiesNothing(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.ReportEvent(ctx, ledger.Event{UserID: "user-f", Kind: scoring.KindManualAction, OccurredAt: now}); err != nil {
		t.Fatalf("unexpected report error: %v", err)
	}
	before, err := engine.Summary(ctx, "user-f")
	if err != nil {
		t.Fatalf("unexpected summary error: %v", err)
	}
	stream := engine.subscribe(t, "user-f")

	sqlDB, err := engine.db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("failed to close sql db: %v", err)
	}

	_, err = engine.ReportEvent(ctx, ledger.Event{UserID: "user-f", Kind: scoring.KindManualAction, Key: "todo-9", OccurredAt: now})
	if !errors.Is(err, ledger.ErrTransientStorage) {
		t.Fatalf("expected transient storage error, got %v", err)
	}

	select {
	case message := <-stream:
		t.Fatalf("failed apply must not notify, got %#v", message)
	case <-time.After(100 * time.Millisecond):
	}

	after, err := engine.Summary(ctx, "user-f")
	if err != nil {
		t.Fatalf("cached summary should still be served: %v", err)
	}
	if after.XP != before.XP || after.Revision != before.Revision {
		t.Fatalf("failed apply must leave the cached summary, got %#v want %#v", after, before)
	}
}

func TestReportEventDuplicateKeyLeavesTotal(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	event := ledger.Event{UserID: "user-6", Kind: scoring.KindManualAction, Key: "todo-7", OccurredAt: now}

	if _, err := engine.ReportEvent(ctx, event); err != nil {
		t.Fatalf("unexpected report error: %v", err)
	}
	if _, err := engine.ReportEvent(ctx, event); !errors.Is(err, ledger.ErrDuplicateEvent) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	summary, err := engine.Summary(ctx, "user-6")
	if err != nil {
		t.Fatalf("unexpected summary error: %v", err)
	}
	if summary.XP != 10 {
		t.Fatalf("duplicate must not change XP, got %d", summary.XP)
	}
}

func TestRolloverDayClosesActiveAndOpenUsers(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.ReportEvent(ctx, solve("user-7", scoring.DifficultyMedium, now)); err != nil {
		t.Fatalf("unexpected report error: %v", err)
	}
	if _, err := engine.SetOutstandingTodos(ctx, "user-8", today, 1); err != nil {
		t.Fatalf("unexpected todos error: %v", err)
	}

	result, err := engine.RolloverDay(ctx, today)
	if err != nil {
		t.Fatalf("unexpected rollover error: %v", err)
	}
	if result.Closed != 2 || len(result.Failed) != 0 {
		t.Fatalf("unexpected rollover result %#v", result)
	}

	active, _, err := engine.ledger.State(ctx, "user-7")
	if err != nil {
		t.Fatalf("unexpected state error: %v", err)
	}
	if active.CurrentXP != 80-40 {
		t.Fatalf("expected missed penalty for user-7, got %d", active.CurrentXP)
	}

	records, err := engine.Transactions(ctx, "user-8", now.Add(-24*time.Hour), now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected transactions error: %v", err)
	}
	kinds := make([]scoring.EventKind, 0, len(records))
	for _, record := range records {
		kinds = append(kinds, record.Kind)
	}
	if !slices.Equal(kinds, []scoring.EventKind{scoring.KindMissedDailyGoal, scoring.KindUnfinishedTodoPenalty}) {
		t.Fatalf("both penalties should apply to user-8, got %v", kinds)
	}

	again, err := engine.RolloverDay(ctx, today)
	if err != nil {
		t.Fatalf("unexpected second rollover error: %v", err)
	}
	if again.Closed != 2 {
		t.Fatalf("unexpected second rollover result %#v", again)
	}
	repeat, err := engine.Transactions(ctx, "user-8", now.Add(-24*time.Hour), now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected transactions error: %v", err)
	}
	if len(repeat) != len(records) {
		t.Fatalf("rollover must apply at most once per day, got %d transactions", len(repeat))
	}
}

func TestRolloverDayRejectsMalformedDay(t *testing.T) {
	engine := newTestEngine(t)
	if _, err := engine.RolloverDay(context.Background(), "yesterday"); !errors.Is(err, dailygoal.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestTransactionsRejectsReversedRange(t *testing.T) {
	engine := newTestEngine(t)
	if _, err := engine.Transactions(context.Background(), "user-9", now, now.Add(-time.Hour)); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected invalid range, got %v", err)
	}
}

func TestMergeSorted(t *testing.T) {
	merged := mergeSorted([]string{"a", "c", "d"}, []string{"b", "c", "e"})
	if !slices.Equal(merged, []string{"a", "b", "c", "d", "e"}) {
		t.Fatalf("unexpected merge %v", merged)
	}
	if merged := mergeSorted(nil, nil); len(merged) != 0 {
		t.Fatalf("expected empty merge, got %v", merged)
	}
}
