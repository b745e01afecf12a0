// handler.go — основной обработчик API roomguard.
// Объединяет доменные обработчики и делегирует запросы в сервисный слой.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	apierrors "github.com/bigkaa/roomguard/internal/api/errors"
	"github.com/bigkaa/roomguard/internal/domain/lifecycle"
	"github.com/bigkaa/roomguard/internal/domain/model"
	"github.com/bigkaa/roomguard/internal/domain/policy"
	"github.com/bigkaa/roomguard/internal/service"
)

// AccessChecker — проверка доступа (service.AccessService).
type AccessChecker interface {
	Check(ctx context.Context, actor policy.Actor, res policy.Resource, action policy.Action) (policy.Decision, error)
}

// AuditLog — журнал аудита (service.AuditWriter).
type AuditLog interface {
	Append(ctx context.Context, ev model.AuditEvent) (*model.AuditEntry, error)
	Verify(ctx context.Context, from, to int64) (*model.ChainVerification, error)
}

// RetentionDriver — внешнее управление расписанием (service.RetentionScheduler).
type RetentionDriver interface {
	Schedule(ctx context.Context, resourceType, resourceID, action string, at time.Time) (*model.RetentionEntry, error)
	Get(ctx context.Context, id string) (*model.RetentionEntry, error)
	Claim(ctx context.Context, batchSize int) ([]*model.RetentionEntry, error)
	Complete(ctx context.Context, id string, outcome lifecycle.Outcome, reason string) (*model.RetentionEntry, error)
}

// HoldAdmin — администрирование legal hold (service.LegalHoldGuard).
type HoldAdmin interface {
	Place(ctx context.Context, actorID string, p service.PlaceParams) (*model.LegalHold, error)
	Release(ctx context.Context, actorID, id string) (*model.LegalHold, error)
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]*model.LegalHold, error)
}

// HealingReader — просмотр журнала восстановления (service.HealingLog).
type HealingReader interface {
	List(ctx context.Context, entryType string, limit, offset int) ([]*model.HealingEntry, error)
}

// MessageFetcher — пакетная выборка сообщений (service.BatchFetcher).
type MessageFetcher interface {
	Fetch(ctx context.Context, roomIDs []string, since *time.Time) ([]*model.Message, error)
}

// Deps — зависимости APIHandler.
type Deps struct {
	Health    *HealthHandler
	Access    AccessChecker
	Audit     AuditLog
	Retention RetentionDriver
	Holds     HoldAdmin
	Healing   HealingReader
	Messages  MessageFetcher
	// Группы IdP для вычисления роли актора в /authz/check
	AdminGroups     []string
	ModeratorGroups []string
}

// APIHandler — основной обработчик API roomguard.
type APIHandler struct {
	Deps
	logger *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(deps Deps, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		Deps:   deps,
		logger: logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — проверка liveness (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.Health.HealthLive(w, r)
}

// HealthReady — проверка readiness (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.Health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.Health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON читает тело запроса. Неизвестные поля отклоняются.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return false
	}
	return true
}

// writeServiceError переводит ошибку сервисного слоя в HTTP-ответ.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, service.ErrConflict), errors.Is(err, service.ErrLifecycleConflict):
		apierrors.Conflict(w, err.Error())
	case errors.Is(err, service.ErrAuthorizationDenied):
		apierrors.NotPermitted(w)
	case errors.Is(err, service.ErrIntegrityViolation):
		h.logger.Error(op, slog.String("error", err.Error()))
		apierrors.ServiceUnavailable(w, "Нарушена целостность журнала аудита")
	case errors.Is(err, service.ErrTransientStore):
		h.logger.Warn(op, slog.String("error", err.Error()))
		apierrors.ServiceUnavailable(w, "Хранилище временно недоступно")
	default:
		h.logger.Error(op, slog.String("error", err.Error()))
		apierrors.InternalError(w, op)
	}
}

// pagination разбирает limit/offset из query. По умолчанию limit=100,
// limit ограничен диапазоном 1-1000, offset не меньше 0.
func pagination(r *http.Request) (int, int, bool) {
	l, o := 100, 0
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, false
		}
		l = min(max(n, 1), 1000)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, false
		}
		o = max(n, 0)
	}
	return l, o, true
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}
