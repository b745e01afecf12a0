// audit.go — обработчики /api/v1/audit: добавление записей и проверка цепочки.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	apierrors "github.com/bigkaa/roomguard/internal/api/errors"
	"github.com/bigkaa/roomguard/internal/domain/model"
)

type auditAppendRequest struct {
	EventType string          `json:"event_type"`
	ActorID   string          `json:"actor_id,omitempty"`
	RoomID    string          `json:"room_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type auditEntryResponse struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	EventType string          `json:"event_type"`
	ActorID   string          `json:"actor_id,omitempty"`
	RoomID    string          `json:"room_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

type chainVerificationResponse struct {
	Valid         bool   `json:"valid"`
	From          int64  `json:"from"`
	To            int64  `json:"to"`
	Checked       int    `json:"checked"`
	BrokenEntryID string `json:"broken_entry_id,omitempty"`
	BrokenSeq     int64  `json:"broken_seq,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// AppendAudit — POST /api/v1/audit/entries.
// Доступ: SA с scope audit:append.
func (h *APIHandler) AppendAudit(w http.ResponseWriter, r *http.Request) {
	var req auditAppendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	entry, err := h.Audit.Append(r.Context(), model.AuditEvent{
		EventType: req.EventType,
		ActorID:   req.ActorID,
		RoomID:    req.RoomID,
		Payload:   req.Payload,
	})
	if err != nil {
		h.writeServiceError(w, "Ошибка записи в журнал аудита", err)
		return
	}
	writeJSON(w, http.StatusCreated, mapAuditEntry(entry))
}

// VerifyAudit — GET /api/v1/audit/verify?from=&to=.
// Разрыв цепочки — это 200 с valid=false, а не ошибка.
// Доступ: admin или SA с scope audit:verify.
func (h *APIHandler) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	from, ok := queryInt64(r, "from")
	if !ok {
		apierrors.ValidationError(w, "Параметр from должен быть целым числом")
		return
	}
	to, ok := queryInt64(r, "to")
	if !ok {
		apierrors.ValidationError(w, "Параметр to должен быть целым числом")
		return
	}

	v, err := h.Audit.Verify(r.Context(), from, to)
	if err != nil {
		h.writeServiceError(w, "Ошибка проверки цепочки", err)
		return
	}
	writeJSON(w, http.StatusOK, chainVerificationResponse{
		Valid:         v.Valid,
		From:          v.From,
		To:            v.To,
		Checked:       v.Checked,
		BrokenEntryID: v.BrokenEntryID,
		BrokenSeq:     v.BrokenSeq,
		Reason:        v.Reason,
	})
}

func queryInt64(r *http.Request, name string) (int64, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, err == nil
}

func mapAuditEntry(e *model.AuditEntry) auditEntryResponse {
	return auditEntryResponse{
		ID:        e.ID,
		Seq:       e.Seq,
		PrevHash:  e.PrevHash,
		Hash:      e.Hash,
		EventType: e.EventType,
		ActorID:   e.ActorID,
		RoomID:    e.RoomID,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
