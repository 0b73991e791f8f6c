// roles.go — синхронизация ролей.
// POST   /api/v1/alliances/{allianceID}/roles
// PUT    /api/v1/alliances/{allianceID}/roles/{roleID}/members/{userID}
// DELETE /api/v1/alliances/{allianceID}/roles/{roleID}/members/{userID}
// PUT    /api/v1/alliances/{allianceID}/roles/{roleID}/link
// POST   /api/v1/observations
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/alliance-sync/internal/domain/model"
)

type createRoleRequest struct {
	Name string `json:"name"`
}

type linkRoleRequest struct {
	DiscordRoleID string `json:"discord_role_id"`
}

type observationRequest struct {
	AllianceID    int64  `json:"alliance_id"`
	DiscordUserID string `json:"discord_user_id"`
	DiscordRoleID string `json:"discord_role_id"`
	Action        string `json:"action"`
	UserID        string `json:"user_id,omitempty"`
}

// CreateRole — POST /alliances/{allianceID}/roles. Доступ: operator.
// Роль создаётся даже при сбое Discord: связывание завершит reconcile.
func (h *APIHandler) CreateRole(w http.ResponseWriter, r *http.Request) {
	allianceID, ok := allianceIDParam(w, r)
	if !ok {
		return
	}
	var req createRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	role, sync, err := h.roles.CreateRole(r.Context(), allianceID, req.Name)
	if err != nil {
		if role == nil {
			h.writeServiceError(w, "создание роли", err)
			return
		}
		h.logger.Warn("Роль создана, но не связана с Discord",
			slog.String("role_id", role.ID),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, http.StatusCreated, createRoleResponse{Role: mapRole(role), Sync: mapRoleSync(sync)})
}

// GrantRole — PUT /alliances/{allianceID}/roles/{roleID}/members/{userID}.
// 200 — применено, 202 — записано, Discord догонит reconcile. Доступ: operator.
func (h *APIHandler) GrantRole(w http.ResponseWriter, r *http.Request) {
	h.memberChange(w, r, "назначение роли", h.roles.Grant)
}

// RevokeRole — DELETE /alliances/{allianceID}/roles/{roleID}/members/{userID}.
// Доступ: operator.
func (h *APIHandler) RevokeRole(w http.ResponseWriter, r *http.Request) {
	h.memberChange(w, r, "снятие роли", h.roles.Revoke)
}

type memberFunc func(ctx context.Context, allianceID int64, roleID, userID string) (*model.RoleSyncResult, error)

func (h *APIHandler) memberChange(w http.ResponseWriter, r *http.Request, op string, fn memberFunc) {
	allianceID, ok := allianceIDParam(w, r)
	if !ok {
		return
	}
	res, err := fn(r.Context(), allianceID, chi.URLParam(r, "roleID"), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeServiceError(w, op, err)
		return
	}
	status := http.StatusOK
	if res.Pending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, mapRoleSync(res))
}

// LinkRole — PUT /alliances/{allianceID}/roles/{roleID}/link. Доступ: operator.
func (h *APIHandler) LinkRole(w http.ResponseWriter, r *http.Request) {
	allianceID, ok := allianceIDParam(w, r)
	if !ok {
		return
	}
	var req linkRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	role, err := h.roles.LinkRole(r.Context(), allianceID, chi.URLParam(r, "roleID"), req.DiscordRoleID)
	if err != nil {
		h.writeServiceError(w, "связывание роли", err)
		return
	}
	writeJSON(w, http.StatusOK, mapRole(role))
}

// Observe — POST /observations. Доступ: scope roles:observe.
// Несопоставленное наблюдение — не ошибка: 200 со state=unmatched.
func (h *APIHandler) Observe(w http.ResponseWriter, r *http.Request) {
	var req observationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.roles.Observe(r.Context(), model.Observation{
		AllianceID:    req.AllianceID,
		DiscordUserID: req.DiscordUserID,
		DiscordRoleID: req.DiscordRoleID,
		Action:        req.Action,
		UserID:        req.UserID,
	})
	if err != nil {
		h.writeServiceError(w, "наблюдение", err)
		return
	}
	writeJSON(w, http.StatusOK, observationDTO{
		State:   res.State,
		Reason:  res.Reason,
		UserID:  res.UserID,
		RoleID:  res.RoleID,
		Changed: res.Changed,
	})
}
