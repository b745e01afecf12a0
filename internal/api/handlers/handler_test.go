package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bigkaa/roomguard/internal/api/middleware"
	"github.com/bigkaa/roomguard/internal/domain/lifecycle"
	"github.com/bigkaa/roomguard/internal/domain/model"
	"github.com/bigkaa/roomguard/internal/domain/policy"
	"github.com/bigkaa/roomguard/internal/service"
)

// --- Фейки сервисного слоя ---

type fakeAccess struct {
	decision  policy.Decision
	err       error
	lastActor policy.Actor
	lastRes   policy.Resource
	lastAct   policy.Action
}

func (f *fakeAccess) Check(_ context.Context, actor policy.Actor, res policy.Resource, action policy.Action) (policy.Decision, error) {
	f.lastActor, f.lastRes, f.lastAct = actor, res, action
	return f.decision, f.err
}

type fakeAudit struct {
	appended []model.AuditEvent
	verify   *model.ChainVerification
	err      error
}

func (f *fakeAudit) Append(_ context.Context, ev model.AuditEvent) (*model.AuditEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.appended = append(f.appended, ev)
	return &model.AuditEntry{
		ID: uuid.NewString(), Seq: int64(len(f.appended)),
		PrevHash: strings.Repeat("0", 64), Hash: strings.Repeat("a", 64),
		EventType: ev.EventType, ActorID: ev.ActorID, RoomID: ev.RoomID,
		Payload: ev.Payload, CreatedAt: time.Now(),
	}, nil
}

func (f *fakeAudit) Verify(_ context.Context, from, to int64) (*model.ChainVerification, error) {
	if f.err != nil {
		return nil, f.err
	}
	if from > to && to > 0 {
		return nil, fmt.Errorf("%w: from > to", service.ErrValidation)
	}
	return f.verify, nil
}

type fakeRetention struct {
	entries map[string]*model.RetentionEntry
	err     error
}

func newFakeRetention() *fakeRetention {
	return &fakeRetention{entries: map[string]*model.RetentionEntry{}}
}

func (f *fakeRetention) Schedule(_ context.Context, resourceType, resourceID, action string, at time.Time) (*model.RetentionEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	if action != model.RetentionArchive && action != model.RetentionPurge {
		return nil, fmt.Errorf("%w: неизвестное действие", service.ErrValidation)
	}
	if at.IsZero() {
		at = time.Now()
	}
	e := &model.RetentionEntry{
		ID: uuid.NewString(), ResourceType: resourceType, ResourceID: resourceID,
		Action: action, ScheduledFor: at, Status: string(lifecycle.StatusPending), MaxAttempts: 3,
	}
	f.entries[e.ID] = e
	return e, nil
}

func (f *fakeRetention) Get(_ context.Context, id string) (*model.RetentionEntry, error) {
	e, ok := f.entries[id]
	if !ok {
		return nil, fmt.Errorf("запись %s: %w", id, service.ErrNotFound)
	}
	return e, nil
}

func (f *fakeRetention) Claim(_ context.Context, batchSize int) ([]*model.RetentionEntry, error) {
	if batchSize > 1000 {
		return nil, fmt.Errorf("%w: batch_size", service.ErrValidation)
	}
	var out []*model.RetentionEntry
	for _, e := range f.entries {
		if e.Status == string(lifecycle.StatusPending) {
			e.Status = string(lifecycle.StatusInProgress)
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeRetention) Complete(_ context.Context, id string, outcome lifecycle.Outcome, _ string) (*model.RetentionEntry, error) {
	e, ok := f.entries[id]
	if !ok {
		return nil, fmt.Errorf("запись %s: %w", id, service.ErrNotFound)
	}
	if _, ok := lifecycle.ParseOutcome(string(outcome)); !ok {
		return nil, fmt.Errorf("%w: outcome", service.ErrValidation)
	}
	if e.Status == string(outcome.Status()) {
		return e, nil
	}
	if e.Status != string(lifecycle.StatusInProgress) {
		return nil, fmt.Errorf("%w: %s → %s", service.ErrLifecycleConflict, e.Status, outcome)
	}
	e.Status = string(outcome.Status())
	return e, nil
}

type fakeHolds struct {
	holds     []*model.LegalHold
	auditErr  error
	lastActor string
}

func (f *fakeHolds) Place(_ context.Context, actorID string, p service.PlaceParams) (*model.LegalHold, error) {
	f.lastActor = actorID
	if p.ResourceType != model.ResourceRoom && p.ResourceType != model.ResourceMessage {
		return nil, fmt.Errorf("%w: resource_type", service.ErrValidation)
	}
	h := &model.LegalHold{
		ID: uuid.NewString(), ResourceType: p.ResourceType, ResourceID: p.ResourceID,
		HoldUntil: p.HoldUntil, Active: true, Reason: p.Reason, CreatedBy: actorID, CreatedAt: time.Now(),
	}
	f.holds = append(f.holds, h)
	return h, f.auditErr
}

func (f *fakeHolds) Release(_ context.Context, actorID, id string) (*model.LegalHold, error) {
	f.lastActor = actorID
	for _, h := range f.holds {
		if h.ID != id {
			continue
		}
		if !h.Active {
			return nil, fmt.Errorf("legal hold %s: %w", id, service.ErrConflict)
		}
		h.Active = false
		now := time.Now()
		h.ReleasedAt = &now
		return h, nil
	}
	return nil, fmt.Errorf("legal hold %s: %w", id, service.ErrNotFound)
}

func (f *fakeHolds) List(_ context.Context, activeOnly bool, limit, offset int) ([]*model.LegalHold, error) {
	var out []*model.LegalHold
	for _, h := range f.holds {
		if activeOnly && !h.Active {
			continue
		}
		out = append(out, h)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeHealing struct {
	entries  []*model.HealingEntry
	lastType string
}

func (f *fakeHealing) List(_ context.Context, entryType string, _, _ int) ([]*model.HealingEntry, error) {
	f.lastType = entryType
	return f.entries, nil
}

type fakeFetcher struct {
	messages []*model.Message
	err      error
	lastIDs  []string
	since    *time.Time
}

func (f *fakeFetcher) Fetch(_ context.Context, roomIDs []string, since *time.Time) ([]*model.Message, error) {
	f.lastIDs, f.since = roomIDs, since
	return f.messages, f.err
}

// --- Стенд ---

type testEnv struct {
	h         *APIHandler
	router    chi.Router
	access    *fakeAccess
	audit     *fakeAudit
	retention *fakeRetention
	holds     *fakeHolds
	healing   *fakeHealing
	fetcher   *fakeFetcher
}

const adminID = "3c2b1a09-8f7e-4d6c-9b5a-4e3d2c1b0a98"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		access:    &fakeAccess{},
		audit:     &fakeAudit{},
		retention: newFakeRetention(),
		holds:     &fakeHolds{},
		healing:   &fakeHealing{},
		fetcher:   &fakeFetcher{},
	}
	env.h = NewAPIHandler(Deps{
		Health:          NewHealthHandler(nil, nil),
		Access:          env.access,
		Audit:           env.audit,
		Retention:       env.retention,
		Holds:           env.holds,
		Healing:         env.healing,
		Messages:        env.fetcher,
		AdminGroups:     []string{"chat-admins"},
		ModeratorGroups: []string{"chat-moderators"},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// Маршруты без RBAC: проверки ролей покрыты тестами server.
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := middleware.WithClaims(req.Context(), &middleware.AuthClaims{
				Subject: adminID, SubjectType: middleware.SubjectTypeUser, EffectiveRole: "admin",
			})
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Post("/authz/check", env.h.CheckAccess)
	r.Post("/audit/entries", env.h.AppendAudit)
	r.Get("/audit/verify", env.h.VerifyAudit)
	r.Post("/retention/schedule", env.h.ScheduleRetention)
	r.Post("/retention/claim", env.h.ClaimRetention)
	r.Post("/retention/{id}/complete", env.h.CompleteRetention)
	r.Get("/retention/{id}", env.h.GetRetention)
	r.Get("/legal-holds", env.h.ListLegalHolds)
	r.Post("/legal-holds", env.h.PlaceLegalHold)
	r.Delete("/legal-holds/{id}", env.h.ReleaseLegalHold)
	r.Get("/healing-log", env.h.ListHealingLog)
	r.Post("/messages/batch", env.h.FetchMessages)
	env.router = r
	return env
}

func (env *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader = http.NoBody
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("ответ не JSON: %v (%s)", err, rec.Body.String())
	}
	return v
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[errorResponse](t, rec).Error.Code
}
