package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/waste-dispatch/internal/models"
)

func newPending(id, requesterID, workerID string) *models.Pickup {
	return &models.Pickup{
		ID:          id,
		RequesterID: requesterID,
		WorkerID:    workerID,
		Status:      models.StatusPending,
		CreatedAt:   time.Now(),
	}
}

func TestUpdatePickupIfAppliesOnMatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if err := m.CreatePickup(ctx, newPending("p1", "r1", "w1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := m.UpdatePickupIf(ctx, "p1", models.StatusPending, func(p *models.Pickup) {
		p.Status = models.StatusInProgress
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != models.StatusInProgress {
		t.Fatalf("status = %s, want in-progress", got.Status)
	}
}

func TestUpdatePickupIfConflictLeavesDocumentUntouched(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreatePickup(ctx, newPending("p1", "r1", "w1"))

	_, err := m.UpdatePickupIf(ctx, "p1", models.StatusInProgress, func(p *models.Pickup) {
		p.Status = models.StatusCompleted
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	p, _ := m.GetPickup(ctx, "p1")
	if p.Status != models.StatusPending {
		t.Fatalf("status = %s, conflict must not mutate", p.Status)
	}
}

func TestUpdatePickupIfMissingPickup(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.UpdatePickupIf(context.Background(), "nope", models.StatusPending, func(p *models.Pickup) {})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestConcurrentGuardedUpdatesOneWins(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreatePickup(ctx, newPending("p1", "r1", "w1"))

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.UpdatePickupIf(ctx, "p1", models.StatusPending, func(p *models.Pickup) {
				p.Status = models.StatusInProgress
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
}

func TestSubscribeDeliversMatchingChanges(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	sub := m.Subscribe(PickupFilter{RequesterID: "r1"})
	defer sub.Cancel()

	_ = m.CreatePickup(ctx, newPending("mine", "r1", "w1"))
	_ = m.CreatePickup(ctx, newPending("other", "r2", "w1"))
	_, _ = m.UpdatePickupIf(ctx, "mine", models.StatusPending, func(p *models.Pickup) {
		p.Status = models.StatusInProgress
	})

	want := []struct {
		kind   ChangeKind
		status models.Status
	}{
		{ChangeCreated, models.StatusPending},
		{ChangeUpdated, models.StatusInProgress},
	}
	for _, w := range want {
		select {
		case c := <-sub.C():
			if c.Pickup.ID != "mine" {
				t.Fatalf("change for %s leaked through the filter", c.Pickup.ID)
			}
			if c.Kind != w.kind || c.Pickup.Status != w.status {
				t.Fatalf("got %s/%s, want %s/%s", c.Kind, c.Pickup.Status, w.kind, w.status)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for change")
		}
	}
}

func TestCancelClosesChannelAndStopsDelivery(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	sub := m.Subscribe(PickupFilter{})
	sub.Cancel()
	sub.Cancel() // idempotent

	_ = m.CreatePickup(ctx, newPending("p1", "r1", "w1"))
	if _, open := <-sub.C(); open {
		t.Fatal("channel still open after cancel")
	}
}

func TestAddWorkerCompletionAggregates(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.UpsertWorker(ctx, models.Worker{ID: "w1"})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.AddWorkerCompletion(ctx, "w1", 1000); err != nil {
				t.Errorf("completion: %v", err)
			}
		}()
	}
	wg.Wait()

	w, _ := m.GetWorker(ctx, "w1")
	if w.CompletedJobs != 10 || w.TotalEarnings != 10000 {
		t.Fatalf("jobs=%d earnings=%d, want 10/10000", w.CompletedJobs, w.TotalEarnings)
	}
}

func TestUpdateWorkerBasePriceReturnsOldPrice(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.UpsertWorker(ctx, models.Worker{ID: "w1", BasePricePerItem: 5000})

	old, err := m.UpdateWorkerBasePrice(ctx, "w1", 4000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if old != 5000 {
		t.Fatalf("old = %d, want 5000", old)
	}
	w, _ := m.GetWorker(ctx, "w1")
	if w.BasePricePerItem != 4000 {
		t.Fatalf("price = %d, want 4000", w.BasePricePerItem)
	}
}

func TestAddWorkerRatingAggregates(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.UpsertWorker(ctx, models.Worker{ID: "w1"})

	_ = m.AddWorkerRating(ctx, "w1", 5)
	_ = m.AddWorkerRating(ctx, "w1", 4)

	w, _ := m.GetWorker(ctx, "w1")
	if w.RatingSum != 9 || w.RatingCount != 2 {
		t.Fatalf("sum=%d count=%d, want 9/2", w.RatingSum, w.RatingCount)
	}
}
