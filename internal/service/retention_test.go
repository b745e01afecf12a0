package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/roomguard/internal/domain/lifecycle"
	"github.com/bigkaa/roomguard/internal/domain/model"
)

type retentionFixture struct {
	sched     *RetentionScheduler
	repo      *fakeRetention
	identity  *fakeIdentity
	messages  *fakeMessages
	holds     *fakeHolds
	audit     *fakeAuditLog
	healing   *fakeHealing
	guard     *LegalHoldGuard
	roomID    string
	invalided []string
}

func newRetentionFixture(t *testing.T, maxAttempts int) *retentionFixture {
	t.Helper()
	f := &retentionFixture{
		repo:     newFakeRetention(),
		identity: newFakeIdentity(),
		messages: newFakeMessages(),
		audit:    &fakeAuditLog{},
		healing:  &fakeHealing{},
		roomID:   uuid.NewString(),
	}
	f.holds = newFakeHolds(f.messages.roomOf)
	_ = f.identity.CreateRoom(context.Background(), &model.Room{ID: f.roomID, Slug: "archive-me"})

	healing := NewHealingLog(f.healing, time.Second, testLogger())
	writer := newTestAuditWriter(t, f.audit, f.healing, 3)
	f.guard = NewLegalHoldGuard(f.holds, writer, time.Second, testLogger())

	sched, err := NewRetentionScheduler(f.repo, f.identity, f.messages, f.guard, writer, healing,
		testCapability("retention"),
		RetentionOptions{
			Worker:      "test-worker",
			Interval:    time.Hour,
			BatchSize:   10,
			StaleAfter:  15 * time.Minute,
			MaxAttempts: maxAttempts,
		},
		time.Second, testLogger())
	if err != nil {
		t.Fatalf("NewRetentionScheduler() ошибка: %v", err)
	}
	sched.SetRoomInvalidator(func(roomID string) { f.invalided = append(f.invalided, roomID) })
	f.sched = sched
	return f
}

func (f *retentionFixture) message(t *testing.T) string {
	t.Helper()
	id := uuid.NewString()
	_ = f.messages.Create(context.Background(), &model.Message{ID: id, RoomID: f.roomID, CreatedAt: time.Now()})
	return id
}

func (f *retentionFixture) schedule(t *testing.T, resourceType, resourceID, action string) string {
	t.Helper()
	e, err := f.sched.Schedule(context.Background(), resourceType, resourceID, action, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("Schedule() ошибка: %v", err)
	}
	return e.ID
}

func TestNewRetentionScheduler_RequiresCapability(t *testing.T) {
	_, err := NewRetentionScheduler(nil, nil, nil, nil, nil, nil, nil,
		RetentionOptions{Worker: "w", BatchSize: 1, MaxAttempts: 1}, time.Second, testLogger())
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("NewRetentionScheduler() = %v, хотели ErrConfiguration", err)
	}
}

func TestRetention_RunOnceExecutesAndAudits(t *testing.T) {
	f := newRetentionFixture(t, 3)
	msgID := f.message(t)
	archive := f.schedule(t, model.ResourceMessage, msgID, model.RetentionArchive)
	purgeRoom := f.schedule(t, model.ResourceRoom, f.roomID, model.RetentionPurge)

	res, err := f.sched.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() ошибка: %v", err)
	}
	if res.Claimed != 2 || res.Completed != 2 {
		t.Errorf("RunOnce() = %+v, хотели 2 захвачено и выполнено", res)
	}
	for _, id := range []string{archive, purgeRoom} {
		if st := f.repo.status(id); st != string(lifecycle.StatusCompleted) {
			t.Errorf("статус %s = %q, хотели completed", id, st)
		}
	}
	if len(f.audit.byType(model.AuditRetentionArchived)) != 1 || len(f.audit.byType(model.AuditRetentionPurged)) != 1 {
		t.Error("действия retention не записаны в аудит")
	}
	room, _ := f.identity.GetRoom(context.Background(), f.roomID)
	if room.PurgedAt == nil {
		t.Error("комната не очищена")
	}
	if len(f.invalided) != 1 || f.invalided[0] != f.roomID {
		t.Errorf("инвалидация кэша = %v, хотели [%s]", f.invalided, f.roomID)
	}

	// Повторный цикл ничего не делает
	res, _ = f.sched.RunOnce(context.Background())
	if res.Claimed != 0 {
		t.Errorf("повторный цикл захватил %d записей", res.Claimed)
	}
}

func TestRetention_HeldResourceBlockedThenReleased(t *testing.T) {
	f := newRetentionFixture(t, 3)
	ctx := context.Background()
	msgID := f.message(t)
	id := f.schedule(t, model.ResourceMessage, msgID, model.RetentionPurge)

	hold, err := f.guard.Place(ctx, uuid.NewString(), PlaceParams{
		ResourceType: model.ResourceRoom, ResourceID: f.roomID, Reason: "суд",
	})
	if err != nil {
		t.Fatalf("Place() ошибка: %v", err)
	}

	res, err := f.sched.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() ошибка: %v", err)
	}
	if res.Blocked != 1 || f.repo.status(id) != string(lifecycle.StatusBlocked) {
		t.Fatalf("RunOnce() = %+v, статус %q; хотели blocked", res, f.repo.status(id))
	}
	if _, err := f.messages.Get(ctx, msgID); err != nil {
		t.Error("удерживаемое сообщение удалено")
	}

	// Пока блокировка действует, запись остаётся blocked
	res, _ = f.sched.RunOnce(ctx)
	if res.Released != 0 || f.repo.status(id) != string(lifecycle.StatusBlocked) {
		t.Errorf("запись освобождена при действующей блокировке: %+v", res)
	}

	if _, err := f.guard.Release(ctx, uuid.NewString(), hold.ID); err != nil {
		t.Fatalf("Release() ошибка: %v", err)
	}
	res, err = f.sched.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() ошибка: %v", err)
	}
	if res.Released != 1 || res.Completed != 1 {
		t.Errorf("RunOnce() = %+v, хотели released=1 completed=1", res)
	}
	if _, err := f.messages.Get(ctx, msgID); err == nil {
		t.Error("сообщение не очищено после снятия блокировки")
	}
}

func TestRetention_ReleaseScansAllBlockedEntries(t *testing.T) {
	f := newRetentionFixture(t, 3)
	ctx := context.Background()
	actor := uuid.NewString()

	// Записей на живых блокировках больше, чем BatchSize (10)
	for i := 0; i < 10; i++ {
		msgID := f.message(t)
		f.schedule(t, model.ResourceMessage, msgID, model.RetentionPurge)
		if _, err := f.guard.Place(ctx, actor, PlaceParams{ResourceType: model.ResourceMessage, ResourceID: msgID}); err != nil {
			t.Fatalf("Place() ошибка: %v", err)
		}
	}
	lastMsg := f.message(t)
	last := f.schedule(t, model.ResourceMessage, lastMsg, model.RetentionPurge)
	hold, err := f.guard.Place(ctx, actor, PlaceParams{ResourceType: model.ResourceMessage, ResourceID: lastMsg})
	if err != nil {
		t.Fatalf("Place() ошибка: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := f.sched.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce() ошибка: %v", err)
		}
	}
	if st := f.repo.status(last); st != string(lifecycle.StatusBlocked) {
		t.Fatalf("статус последней записи = %q, хотели blocked", st)
	}

	if _, err := f.guard.Release(ctx, actor, hold.ID); err != nil {
		t.Fatalf("Release() ошибка: %v", err)
	}
	res, err := f.sched.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() ошибка: %v", err)
	}
	if res.Released != 1 {
		t.Errorf("Released = %d, хотели 1", res.Released)
	}
	if st := f.repo.status(last); st != string(lifecycle.StatusCompleted) {
		t.Errorf("статус последней записи = %q, хотели completed", st)
	}
}

func TestRetention_FailureIsolatedAndCounted(t *testing.T) {
	f := newRetentionFixture(t, 2)
	ctx := context.Background()
	bad := f.message(t)
	good := f.message(t)
	f.messages.failIDs[bad] = errors.New("диск недоступен")

	badID := f.schedule(t, model.ResourceMessage, bad, model.RetentionArchive)
	goodID := f.schedule(t, model.ResourceMessage, good, model.RetentionArchive)

	res, err := f.sched.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() ошибка: %v", err)
	}
	if res.Failed != 1 || res.Completed != 1 {
		t.Errorf("RunOnce() = %+v, хотели failed=1 completed=1", res)
	}
	if f.repo.status(goodID) != string(lifecycle.StatusCompleted) {
		t.Error("ошибка одной записи остановила пачку")
	}

	e, _ := f.sched.Get(ctx, badID)
	if e.Status != string(lifecycle.StatusFailed) || e.Attempts != 1 || e.LastError == nil {
		t.Errorf("неудачная запись = %+v", e)
	}
	if n := f.healing.count(model.HealingLoopFailure); n != 1 {
		t.Errorf("записей loop_failure = %d, хотели 1", n)
	}

	// Второй цикл: повтор (RetryDelay = 0), снова ошибка, попытки исчерпаны
	res, _ = f.sched.RunOnce(ctx)
	if res.Retried != 1 || res.Failed != 1 {
		t.Errorf("второй цикл = %+v, хотели retried=1 failed=1", res)
	}
	res, _ = f.sched.RunOnce(ctx)
	if res.Retried != 0 || res.Claimed != 0 {
		t.Errorf("запись с исчерпанными попытками повторена: %+v", res)
	}
	e, _ = f.sched.Get(ctx, badID)
	if e.Attempts != 2 || !lifecycle.IsTerminal(lifecycle.StatusFailed, e.Attempts, e.MaxAttempts) {
		t.Errorf("запись = %+v, хотели 2 попытки и конечное состояние", e)
	}
}

func TestRetention_RepurgeIsNotAnError(t *testing.T) {
	f := newRetentionFixture(t, 3)
	// Сообщения уже нет
	id := f.schedule(t, model.ResourceMessage, uuid.NewString(), model.RetentionPurge)

	res, err := f.sched.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() ошибка: %v", err)
	}
	if res.Completed != 1 || f.repo.status(id) != string(lifecycle.StatusCompleted) {
		t.Errorf("повторная очистка: %+v, статус %q", res, f.repo.status(id))
	}
	if n := f.healing.count(model.HealingLoopFailure); n != 0 {
		t.Errorf("повторная очистка записала %d loop_failure", n)
	}
}

func TestRetention_IntegrityViolationHaltsCycle(t *testing.T) {
	f := newRetentionFixture(t, 3)
	ctx := context.Background()
	id := f.schedule(t, model.ResourceMessage, f.message(t), model.RetentionArchive)

	_, _ = f.sched.audit.Append(ctx, model.AuditEvent{EventType: model.AuditMessageSent})
	f.audit.tamper(1, `{"forged":true}`)

	res, err := f.sched.RunOnce(ctx)
	if !errors.Is(err, ErrIntegrityViolation) {
		t.Fatalf("RunOnce() = %v, хотели ErrIntegrityViolation", err)
	}
	if res.Claimed != 0 || f.repo.status(id) != string(lifecycle.StatusPending) {
		t.Errorf("цикл продолжился после разрыва цепочки: %+v", res)
	}
}

func TestRetention_CancelRevertsClaims(t *testing.T) {
	f := newRetentionFixture(t, 3)
	ids := []string{
		f.schedule(t, model.ResourceMessage, f.message(t), model.RetentionArchive),
		f.schedule(t, model.ResourceMessage, f.message(t), model.RetentionArchive),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.sched.RunOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunOnce() = %v, хотели context.Canceled", err)
	}
	if res.Reverted != 2 {
		t.Errorf("Reverted = %d, хотели 2", res.Reverted)
	}
	for _, id := range ids {
		if st := f.repo.status(id); st != string(lifecycle.StatusPending) {
			t.Errorf("статус %s = %q, хотели pending", id, st)
		}
	}
}

func TestRetention_StaleRequeue(t *testing.T) {
	f := newRetentionFixture(t, 3)
	id := f.schedule(t, model.ResourceMessage, f.message(t), model.RetentionArchive)

	// Запись захвачена упавшим экземпляром час назад
	claimed, _ := f.repo.Claim(context.Background(), "dead-worker", time.Now(), 10)
	if len(claimed) != 1 {
		t.Fatalf("Claim() = %d записей", len(claimed))
	}
	past := time.Now().Add(-time.Hour)
	f.repo.entries[id].ClaimedAt = &past

	res, err := f.sched.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() ошибка: %v", err)
	}
	if res.Requeued != 1 || res.Completed != 1 {
		t.Errorf("RunOnce() = %+v, хотели requeued=1 completed=1", res)
	}
	if n := f.healing.count(model.HealingStaleRequeue); n != 1 {
		t.Errorf("записей stale_requeue = %d, хотели 1", n)
	}
}

func TestRetention_Complete(t *testing.T) {
	f := newRetentionFixture(t, 3)
	ctx := context.Background()

	id := f.schedule(t, model.ResourceMessage, f.message(t), model.RetentionPurge)
	if _, err := f.sched.Complete(ctx, id, lifecycle.OutcomeCompleted, ""); !errors.Is(err, ErrLifecycleConflict) {
		t.Errorf("Complete() незахваченной записи = %v, хотели ErrLifecycleConflict", err)
	}

	claimed, err := f.sched.Claim(ctx, 0)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("Claim() = %d, %v", len(claimed), err)
	}

	for i := 0; i < 2; i++ {
		e, err := f.sched.Complete(ctx, id, lifecycle.OutcomeCompleted, "")
		if err != nil || e.Status != string(lifecycle.StatusCompleted) {
			t.Fatalf("Complete() #%d = %+v, %v", i, e, err)
		}
	}
	if n := len(f.audit.byType(model.AuditRetentionPurged)); n != 1 {
		t.Errorf("повторный Complete записал %d событий аудита, хотели 1", n)
	}

	if _, err := f.sched.Complete(ctx, id, lifecycle.OutcomeFailed, "поздно"); !errors.Is(err, ErrLifecycleConflict) {
		t.Errorf("Complete(failed) после completed = %v, хотели ErrLifecycleConflict", err)
	}
	if _, err := f.sched.Complete(ctx, id, "done", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("Complete(done) = %v, хотели ErrValidation", err)
	}
}

func TestRetention_ConcurrentCompleteAuditsOnce(t *testing.T) {
	f := newRetentionFixture(t, 3)
	ctx := context.Background()
	id := f.schedule(t, model.ResourceRoom, f.roomID, model.RetentionArchive)
	if _, err := f.sched.Claim(ctx, 5); err != nil {
		t.Fatalf("Claim() ошибка: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.sched.Complete(ctx, id, lifecycle.OutcomeCompleted, ""); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Complete() ошибка: %v", err)
	}

	if n := len(f.audit.byType(model.AuditRetentionArchived)); n != 1 {
		t.Errorf("событий аудита = %d, хотели 1", n)
	}
	if len(f.invalided) != 1 || f.invalided[0] != f.roomID {
		t.Errorf("инвалидация кэша = %v, хотели [%s]", f.invalided, f.roomID)
	}
}

func TestRetention_CompleteFailedIsIdempotent(t *testing.T) {
	f := newRetentionFixture(t, 3)
	ctx := context.Background()
	id := f.schedule(t, model.ResourceMessage, f.message(t), model.RetentionArchive)
	_, _ = f.sched.Claim(ctx, 5)

	for i := 0; i < 2; i++ {
		if _, err := f.sched.Complete(ctx, id, lifecycle.OutcomeFailed, "timeout"); err != nil {
			t.Fatalf("Complete(failed) #%d ошибка: %v", i, err)
		}
	}
	if n := f.healing.count(model.HealingLoopFailure); n != 1 {
		t.Errorf("записей loop_failure = %d, хотели 1", n)
	}
	e, _ := f.sched.Get(ctx, id)
	if e.Attempts != 1 {
		t.Errorf("Attempts = %d, хотели 1", e.Attempts)
	}
}

func TestRetention_CompleteHeldResolvesToBlocked(t *testing.T) {
	f := newRetentionFixture(t, 3)
	ctx := context.Background()
	msgID := f.message(t)
	id := f.schedule(t, model.ResourceMessage, msgID, model.RetentionPurge)
	_, _ = f.sched.Claim(ctx, 5)

	if _, err := f.guard.Place(ctx, uuid.NewString(), PlaceParams{ResourceType: model.ResourceMessage, ResourceID: msgID}); err != nil {
		t.Fatalf("Place() ошибка: %v", err)
	}

	e, err := f.sched.Complete(ctx, id, lifecycle.OutcomeCompleted, "")
	if err != nil {
		t.Fatalf("Complete() ошибка: %v", err)
	}
	if e.Status != string(lifecycle.StatusBlocked) {
		t.Errorf("Status = %q, хотели blocked", e.Status)
	}
	if n := len(f.audit.byType(model.AuditRetentionPurged)); n != 0 {
		t.Errorf("заблокированная очистка записана в аудит (%d)", n)
	}
}

func TestRetention_ScheduleValidation(t *testing.T) {
	f := newRetentionFixture(t, 3)
	ctx := context.Background()
	msgID := f.message(t)

	tests := []struct {
		name         string
		resourceType string
		resourceID   string
		action       string
		want         error
	}{
		{"неизвестный тип", "user", msgID, model.RetentionPurge, ErrValidation},
		{"неизвестное действие", model.ResourceMessage, msgID, "shred", ErrValidation},
		{"некорректный id", model.ResourceMessage, "42", model.RetentionPurge, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.sched.Schedule(ctx, tt.resourceType, tt.resourceID, tt.action, time.Time{}); !errors.Is(err, tt.want) {
				t.Errorf("Schedule() = %v, хотели %v", err, tt.want)
			}
		})
	}

	f.schedule(t, model.ResourceMessage, msgID, model.RetentionPurge)
	if _, err := f.sched.Schedule(ctx, model.ResourceMessage, msgID, model.RetentionPurge, time.Time{}); !errors.Is(err, ErrConflict) {
		t.Errorf("повторный Schedule() = %v, хотели ErrConflict", err)
	}
}
