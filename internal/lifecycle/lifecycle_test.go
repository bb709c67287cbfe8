package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/waste-dispatch/internal/dispatch"
	"github.com/example/waste-dispatch/internal/models"
	"github.com/example/waste-dispatch/internal/storage"
)

type recordedEvent struct {
	role dispatch.Role
	id   string
	ev   dispatch.Event
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeNotifier) Notify(ctx context.Context, role dispatch.Role, id string, ev dispatch.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{role, id, ev})
}

func (f *fakeNotifier) types() []dispatch.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dispatch.EventType, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.ev.Type)
	}
	return out
}

func newFixture(t *testing.T) (*Controller, *storage.MemoryStore, *fakeNotifier) {
	t.Helper()
	store := storage.NewMemoryStore()
	notifier := &fakeNotifier{}
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	ctrl := NewController(store, store, notifier, logger)
	return ctrl, store, notifier
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { w.t.Log(string(p)); return len(p), nil }

func seedPickup(t *testing.T, store *storage.MemoryStore, status models.Status) models.Pickup {
	t.Helper()
	ctx := context.Background()
	if err := store.UpsertWorker(ctx, models.Worker{ID: "w1", Name: "Sam", BasePricePerItem: 5000}); err != nil {
		t.Fatal(err)
	}
	p := models.Pickup{
		RequesterID: "r1", RequesterName: "Alex",
		WorkerID: "w1", WorkerName: "Sam",
		ItemCount: 3, JobType: models.JobRecyclable,
		DistanceKm: 1.0, Price: 12000,
		Status: models.StatusPending, CreatedAt: time.Now(),
	}
	if err := store.CreatePickup(ctx, &p); err != nil {
		t.Fatal(err)
	}
	if status != models.StatusPending {
		got, err := store.UpdatePickupIf(ctx, p.ID, models.StatusPending, func(pk *models.Pickup) {
			pk.Status = status
		})
		if err != nil {
			t.Fatal(err)
		}
		return got
	}
	return p
}

func TestAcceptSetsStartedAtAndNotifies(t *testing.T) {
	ctrl, store, notifier := newFixture(t)
	p := seedPickup(t, store, models.StatusPending)

	started := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	ctrl.WithClock(func() time.Time { return started })

	got, err := ctrl.Accept(context.Background(), p.ID, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusInProgress {
		t.Fatalf("expected in-progress, got %s", got.Status)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Fatalf("startedAt not stamped: %v", got.StartedAt)
	}
	evs := notifier.types()
	if len(evs) != 1 || evs[0] != dispatch.EventPickupInProgress {
		t.Fatalf("expected one pickup_in_progress event, got %v", evs)
	}
}

func TestAcceptRejectsWrongWorker(t *testing.T) {
	ctrl, store, _ := newFixture(t)
	p := seedPickup(t, store, models.StatusPending)

	if _, err := ctrl.Accept(context.Background(), p.ID, "intruder"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestCompleteCreditsWorkerOnce(t *testing.T) {
	ctrl, store, notifier := newFixture(t)
	p := seedPickup(t, store, models.StatusInProgress)

	got, err := ctrl.Complete(context.Background(), p.ID, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("bad completed pickup: %+v", got)
	}
	w, err := store.GetWorker(context.Background(), "w1")
	if err != nil {
		t.Fatal(err)
	}
	if w.CompletedJobs != 1 || w.TotalEarnings != 12000 {
		t.Fatalf("expected 1 job / 12000 earnings, got %d / %d", w.CompletedJobs, w.TotalEarnings)
	}
	evs := notifier.types()
	if len(evs) != 1 || evs[0] != dispatch.EventPickupCompleted {
		t.Fatalf("expected one pickup_completed event, got %v", evs)
	}
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	for _, terminal := range []models.Status{models.StatusCompleted, models.StatusCancelled} {
		ctrl, store, _ := newFixture(t)
		p := seedPickup(t, store, terminal)
		ctx := context.Background()

		if _, err := ctrl.Accept(ctx, p.ID, "w1"); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("accept from %s: expected ErrInvalidTransition, got %v", terminal, err)
		}
		if _, err := ctrl.Cancel(ctx, p.ID, ActorWorker, "w1"); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("cancel from %s: expected ErrInvalidTransition, got %v", terminal, err)
		}
		if terminal != models.StatusCompleted {
			if _, err := ctrl.Complete(ctx, p.ID, "w1"); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("complete from %s: expected ErrInvalidTransition, got %v", terminal, err)
			}
		}
	}
}

func TestInProgressCannotBeCancelled(t *testing.T) {
	ctrl, store, _ := newFixture(t)
	p := seedPickup(t, store, models.StatusInProgress)

	if _, err := ctrl.Cancel(context.Background(), p.ID, ActorWorker, "w1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestConcurrentAcceptAndCancelExactlyOneWins(t *testing.T) {
	for i := 0; i < 50; i++ {
		ctrl, store, _ := newFixture(t)
		p := seedPickup(t, store, models.StatusPending)
		ctx := context.Background()

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() { defer wg.Done(); _, errs[0] = ctrl.Accept(ctx, p.ID, "w1") }()
		go func() { defer wg.Done(); _, errs[1] = ctrl.Cancel(ctx, p.ID, ActorSweeper, "") }()
		wg.Wait()

		var ok, rejected int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInvalidTransition):
				rejected++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if ok != 1 || rejected != 1 {
			t.Fatalf("expected exactly one winner, got ok=%d rejected=%d", ok, rejected)
		}
	}
}

func TestConcurrentCompletionsDoNotDoubleCount(t *testing.T) {
	ctrl, store, _ := newFixture(t)
	p := seedPickup(t, store, models.StatusInProgress)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() { defer wg.Done(); _, _ = ctrl.Complete(ctx, p.ID, "w1") }()
	}
	wg.Wait()

	w, err := store.GetWorker(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if w.CompletedJobs != 1 || w.TotalEarnings != 12000 {
		t.Fatalf("counters double counted: jobs=%d earnings=%d", w.CompletedJobs, w.TotalEarnings)
	}
}

func TestAttachReviewRequiresCompletedPickup(t *testing.T) {
	ctrl, store, _ := newFixture(t)
	p := seedPickup(t, store, models.StatusPending)

	if _, err := ctrl.AttachReview(context.Background(), p.ID, 5, "great"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestAttachReviewUpdatesAggregateAndNotifies(t *testing.T) {
	ctrl, store, notifier := newFixture(t)
	p := seedPickup(t, store, models.StatusCompleted)

	got, err := ctrl.AttachReview(context.Background(), p.ID, 4, "on time")
	if err != nil {
		t.Fatal(err)
	}
	if got.Rating == nil || *got.Rating != 4 || got.ReviewText == nil || *got.ReviewText != "on time" {
		t.Fatalf("review not attached: %+v", got)
	}
	w, _ := store.GetWorker(context.Background(), "w1")
	if w.RatingSum != 4 || w.RatingCount != 1 {
		t.Fatalf("aggregate rating wrong: sum=%d count=%d", w.RatingSum, w.RatingCount)
	}
	evs := notifier.types()
	if len(evs) != 1 || evs[0] != dispatch.EventNewReview {
		t.Fatalf("expected new_review event, got %v", evs)
	}
}
