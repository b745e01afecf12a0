// legal_holds.go — обработчики /api/v1/legal-holds.
// Доступ: только глобальные администраторы.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apierrors "github.com/bigkaa/roomguard/internal/api/errors"
	"github.com/bigkaa/roomguard/internal/api/middleware"
	"github.com/bigkaa/roomguard/internal/domain/model"
	"github.com/bigkaa/roomguard/internal/service"
)

type legalHoldRequest struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	// HoldUntil — nil означает бессрочную блокировку
	HoldUntil *time.Time `json:"hold_until,omitempty"`
	Reason    string     `json:"reason"`
}

type legalHoldResponse struct {
	ID           string  `json:"id"`
	ResourceType string  `json:"resource_type"`
	ResourceID   string  `json:"resource_id"`
	HoldUntil    *string `json:"hold_until,omitempty"`
	Active       bool    `json:"active"`
	Reason       string  `json:"reason"`
	CreatedBy    string  `json:"created_by,omitempty"`
	CreatedAt    string  `json:"created_at"`
	ReleasedAt   *string `json:"released_at,omitempty"`
}

type legalHoldListResponse struct {
	Items  []legalHoldResponse `json:"items"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// ListLegalHolds — GET /api/v1/legal-holds?active=true&limit=&offset=.
func (h *APIHandler) ListLegalHolds(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pagination(r)
	if !ok {
		apierrors.ValidationError(w, "limit и offset должны быть целыми числами")
		return
	}
	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			apierrors.ValidationError(w, "Параметр active должен быть true или false")
			return
		}
		activeOnly = b
	}

	holds, err := h.Holds.List(r.Context(), activeOnly, limit, offset)
	if err != nil {
		h.writeServiceError(w, "Ошибка получения списка legal hold", err)
		return
	}
	resp := legalHoldListResponse{Items: make([]legalHoldResponse, 0, len(holds)), Limit: limit, Offset: offset}
	for _, hold := range holds {
		resp.Items = append(resp.Items, mapLegalHold(hold))
	}
	writeJSON(w, http.StatusOK, resp)
}

// PlaceLegalHold — POST /api/v1/legal-holds.
func (h *APIHandler) PlaceLegalHold(w http.ResponseWriter, r *http.Request) {
	var req legalHoldRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	hold, err := h.Holds.Place(r.Context(), middleware.SubjectFromContext(r.Context()), service.PlaceParams{
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		HoldUntil:    req.HoldUntil,
		Reason:       req.Reason,
	})
	if err != nil {
		// Блокировка уже действует, но событие не попало в журнал аудита.
		if hold != nil {
			h.logger.Error("Legal hold установлен без записи в журнал аудита",
				"hold_id", hold.ID, "error", err)
		}
		h.writeServiceError(w, "Ошибка установки legal hold", err)
		return
	}
	writeJSON(w, http.StatusCreated, mapLegalHold(hold))
}

// ReleaseLegalHold — DELETE /api/v1/legal-holds/{id}.
func (h *APIHandler) ReleaseLegalHold(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !isUUID(id) {
		apierrors.ValidationError(w, "Некорректный id legal hold")
		return
	}

	hold, err := h.Holds.Release(r.Context(), middleware.SubjectFromContext(r.Context()), id)
	if err != nil {
		if hold != nil {
			h.logger.Error("Legal hold снят без записи в журнал аудита",
				"hold_id", hold.ID, "error", err)
		}
		h.writeServiceError(w, "Ошибка снятия legal hold", err)
		return
	}
	writeJSON(w, http.StatusOK, mapLegalHold(hold))
}

func mapLegalHold(h *model.LegalHold) legalHoldResponse {
	return legalHoldResponse{
		ID:           h.ID,
		ResourceType: h.ResourceType,
		ResourceID:   h.ResourceID,
		HoldUntil:    formatTime(h.HoldUntil),
		Active:       h.Active,
		Reason:       h.Reason,
		CreatedBy:    h.CreatedBy,
		CreatedAt:    h.CreatedAt.UTC().Format(time.RFC3339Nano),
		ReleasedAt:   formatTime(h.ReleasedAt),
	}
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
