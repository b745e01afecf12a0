package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bigkaa/roomguard/internal/domain/model"
)

func TestHealingLog_RecordSurvivesCancelledContext(t *testing.T) {
	repo := &fakeHealing{}
	h := NewHealingLog(repo, time.Second, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.Record(ctx, model.HealingLoopFailure, "сбой цикла", "", map[string]any{"entry_id": "x"})

	if n := repo.count(model.HealingLoopFailure); n != 1 {
		t.Errorf("записей = %d, хотели 1", n)
	}
}

func TestHealingLog_RecordSwallowsStoreError(t *testing.T) {
	repo := &fakeHealing{err: errors.New("connection refused")}
	h := NewHealingLog(repo, time.Second, testLogger())

	// Не должно паниковать и не возвращает ошибку
	h.Record(context.Background(), model.HealingIntegrityViolation, "разрыв", "", nil)

	if n := repo.count(model.HealingIntegrityViolation); n != 0 {
		t.Errorf("записей = %d, хотели 0", n)
	}
}

func TestHealingLog_List(t *testing.T) {
	repo := &fakeHealing{}
	h := NewHealingLog(repo, time.Second, testLogger())
	ctx := context.Background()

	h.Record(ctx, model.HealingLoopFailure, "a", "", nil)
	h.Record(ctx, model.HealingStaleRequeue, "b", "", nil)

	all, err := h.List(ctx, "", 10, 0)
	if err != nil || len(all) != 2 {
		t.Errorf("List() = %d, %v; хотели 2", len(all), err)
	}
	stale, _ := h.List(ctx, model.HealingStaleRequeue, 10, 0)
	if len(stale) != 1 || stale[0].Details != "b" {
		t.Errorf("List(stale_requeue) = %+v", stale)
	}
}

func TestHealingLog_ListIsBounded(t *testing.T) {
	repo := &fakeHealing{}
	h := NewHealingLog(repo, 2*time.Second, testLogger())

	start := time.Now()
	if _, err := h.List(context.Background(), "", 10, 0); err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	if repo.listDeadline.IsZero() {
		t.Fatal("List() вызван без дедлайна")
	}
	if d := repo.listDeadline.Sub(start); d > 3*time.Second {
		t.Errorf("дедлайн через %v, хотели не больше таймаута журнала", d)
	}
}
