// identity.go — привязки аккаунтов Discord и конфликты привязок.
// POST /api/v1/alliances/{allianceID}/bindings
// GET  /api/v1/alliances/{allianceID}/conflicts
// GET  /api/v1/conflicts/{conflictID}
// POST /api/v1/conflicts/{conflictID}/resolve
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/alliance-sync/internal/api/errors"
	"github.com/bigkaa/alliance-sync/internal/api/middleware"
	"github.com/bigkaa/alliance-sync/internal/domain/model"
)

type bindRequest struct {
	UserID        string `json:"user_id"`
	DiscordUserID string `json:"discord_user_id"`
}

type resolveRequest struct {
	Keep string `json:"keep"`
}

// CreateBinding — POST /alliances/{allianceID}/bindings.
// 201 — привязка создана, 200 — уже существовала, 409 — зарегистрирован конфликт.
// Доступ: operator или scope identity:write.
func (h *APIHandler) CreateBinding(w http.ResponseWriter, r *http.Request) {
	allianceID, ok := allianceIDParam(w, r)
	if !ok {
		return
	}
	var req bindRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.identities.Bind(r.Context(), allianceID, req.UserID, req.DiscordUserID)
	if err != nil {
		h.writeServiceError(w, "привязка аккаунта", err)
		return
	}

	resp := bindResponse{
		Outcome:  result.Outcome,
		Binding:  mapBinding(result.Binding),
		Conflict: mapConflict(result.Conflict),
	}
	switch result.Outcome {
	case model.BindCreated:
		writeJSON(w, http.StatusCreated, resp)
	case model.BindConflict:
		writeJSON(w, http.StatusConflict, resp)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

// ListConflicts — GET /alliances/{allianceID}/conflicts?status=&limit=&offset=.
// Доступ: viewer.
func (h *APIHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	allianceID, ok := allianceIDParam(w, r)
	if !ok {
		return
	}
	limit, offset := paginationDefaults(r)

	var status *string
	if s := r.URL.Query().Get("status"); s != "" {
		status = &s
	}

	conflicts, total, err := h.identities.ListConflicts(r.Context(), allianceID, status, limit, offset)
	if err != nil {
		h.writeServiceError(w, "список конфликтов", err)
		return
	}

	items := make([]conflictDTO, len(conflicts))
	for i, c := range conflicts {
		items[i] = *mapConflict(c)
	}
	writeJSON(w, http.StatusOK, conflictListResponse{
		Items:   items,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	})
}

// GetConflict — GET /conflicts/{conflictID}. Доступ: viewer.
func (h *APIHandler) GetConflict(w http.ResponseWriter, r *http.Request) {
	c, err := h.identities.GetConflict(r.Context(), chi.URLParam(r, "conflictID"))
	if err != nil {
		h.writeServiceError(w, "получение конфликта", err)
		return
	}
	writeJSON(w, http.StatusOK, mapConflict(c))
}

// ResolveConflict — POST /conflicts/{conflictID}/resolve {"keep":"a"|"b"}.
// Доступ: operator.
func (h *APIHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Keep != model.KeepA && req.Keep != model.KeepB {
		apierrors.ValidationError(w, `keep должен быть "a" или "b"`)
		return
	}

	c, err := h.identities.ResolveConflict(r.Context(), chi.URLParam(r, "conflictID"), req.Keep,
		middleware.ActorFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, "разрешение конфликта", err)
		return
	}
	writeJSON(w, http.StatusOK, mapConflict(c))
}
