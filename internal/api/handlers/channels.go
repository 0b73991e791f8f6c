// channels.go — каналы уведомлений альянса.
// GET /api/v1/alliances/{allianceID}/channels
// PUT /api/v1/alliances/{allianceID}/channels
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/bigkaa/alliance-sync/internal/service"
)

type channelRequest struct {
	ChannelID string          `json:"channel_id"`
	GuildID   string          `json:"guild_id,omitempty"`
	Category  string          `json:"category,omitempty"`
	IsActive  *bool           `json:"is_active,omitempty"`
	Settings  json.RawMessage `json:"settings,omitempty"`
}

// UpsertChannel — PUT /alliances/{allianceID}/channels. Доступ: operator.
func (h *APIHandler) UpsertChannel(w http.ResponseWriter, r *http.Request) {
	allianceID, ok := allianceIDParam(w, r)
	if !ok {
		return
	}
	var req channelRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	cfg, err := h.channels.Upsert(r.Context(), allianceID, service.ChannelInput{
		ChannelID: req.ChannelID,
		GuildID:   req.GuildID,
		Category:  req.Category,
		IsActive:  req.IsActive,
		Settings:  req.Settings,
	})
	if err != nil {
		h.writeServiceError(w, "сохранение канала", err)
		return
	}
	writeJSON(w, http.StatusOK, mapChannel(cfg))
}

// ListChannels — GET /alliances/{allianceID}/channels. Доступ: viewer.
func (h *APIHandler) ListChannels(w http.ResponseWriter, r *http.Request) {
	allianceID, ok := allianceIDParam(w, r)
	if !ok {
		return
	}
	configs, err := h.channels.List(r.Context(), allianceID)
	if err != nil {
		h.writeServiceError(w, "список каналов", err)
		return
	}
	items := make([]channelDTO, len(configs))
	for i, c := range configs {
		items[i] = mapChannel(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
