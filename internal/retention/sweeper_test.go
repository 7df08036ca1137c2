package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/insightpilot/insightpilot/internal/store"
	"github.com/insightpilot/insightpilot/pkg/models"
)

func seedSession(t *testing.T, st *store.MemoryStore, id string, age time.Duration) {
	t.Helper()
	now := time.Now()
	err := st.CreateSession(context.Background(), &models.ChatSession{
		ID:        id,
		UserID:    "user-1",
		Title:     "chat " + id,
		CreatedAt: now.Add(-age),
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
}

func TestSweepDeletesOnlyIdleSessions(t *testing.T) {
	st := store.NewMemoryStore()
	seedSession(t, st, "stale", 48*time.Hour)
	seedSession(t, st, "fresh", time.Hour)

	sweeper := NewSweeper(st, Config{SessionTTL: 24 * time.Hour}, nil)
	deleted, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted %d sessions, want 1", deleted)
	}

	if _, err := st.GetSession(context.Background(), "user-1", "stale"); !errors.Is(err, store.ErrSessionDeleted) {
		t.Fatalf("stale session error = %v, want ErrSessionDeleted", err)
	}
	if _, err := st.GetSession(context.Background(), "user-1", "fresh"); err != nil {
		t.Fatalf("fresh session must survive: %v", err)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	seedSession(t, st, "stale", 48*time.Hour)

	sweeper := NewSweeper(st, Config{SessionTTL: 24 * time.Hour}, nil)
	if _, err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	deleted, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("second sweep deleted %d, want 0", deleted)
	}
}

func TestStartDisabledWithoutTTL(t *testing.T) {
	sweeper := NewSweeper(store.NewMemoryStore(), Config{}, nil)
	if err := sweeper.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sweeper.Stop()
}
