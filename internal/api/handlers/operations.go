// operations.go — операции по требованию оператора.
// POST /api/v1/alliances/{allianceID}/reconcile
// POST /api/v1/poll
package handlers

import (
	"net/http"
)

// Reconcile — POST /alliances/{allianceID}/reconcile. Доступ: operator.
func (h *APIHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	allianceID, ok := allianceIDParam(w, r)
	if !ok {
		return
	}
	result, err := h.reconciler.Reconcile(r.Context(), allianceID)
	if err != nil {
		h.writeServiceError(w, "reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, mapReconcile(result))
}

// Poll — POST /poll: внеочередной цикл опроса всех альянсов. Доступ: operator.
func (h *APIHandler) Poll(w http.ResponseWriter, r *http.Request) {
	result, err := h.poller.PollNow(r.Context())
	if err != nil {
		h.writeServiceError(w, "цикл опроса", err)
		return
	}
	writeJSON(w, http.StatusOK, mapPoll(result))
}
