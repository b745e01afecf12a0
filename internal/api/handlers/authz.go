// authz.go — POST /api/v1/authz/check.
package handlers

import (
	"net/http"

	"github.com/bigkaa/roomguard/internal/domain/policy"
	"github.com/bigkaa/roomguard/internal/domain/rbac"
)

type resourceRef struct {
	Kind      string `json:"kind"`
	ID        string `json:"id,omitempty"`
	RoomID    string `json:"room_id,omitempty"`
	SubjectID string `json:"subject_id,omitempty"`
}

type authzCheckRequest struct {
	ActorID string `json:"actor_id"`
	// ActorGroups — группы IdP актора; могут только повысить роль
	ActorGroups []string    `json:"actor_groups,omitempty"`
	Resource    resourceRef `json:"resource"`
	Action      string      `json:"action"`
}

type authzCheckResponse struct {
	Allowed bool `json:"allowed"`
}

// CheckAccess — POST /api/v1/authz/check.
// Отказ и некорректная ссылка на ресурс возвращают 200 {"allowed":false}
// без причины. Доступ: SA с scope authz:check.
func (h *APIHandler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	var req authzCheckRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	role := rbac.MapGroupsToRole(req.ActorGroups, h.AdminGroups, h.ModeratorGroups)
	actor := policy.UserActor(req.ActorID, role)
	res := policy.Resource{
		Kind:      policy.Kind(req.Resource.Kind),
		ID:        req.Resource.ID,
		RoomID:    req.Resource.RoomID,
		SubjectID: req.Resource.SubjectID,
	}

	d, err := h.Access.Check(r.Context(), actor, res, policy.Action(req.Action))
	if err != nil {
		h.writeServiceError(w, "Ошибка проверки доступа", err)
		return
	}
	writeJSON(w, http.StatusOK, authzCheckResponse{Allowed: d.Allowed})
}
