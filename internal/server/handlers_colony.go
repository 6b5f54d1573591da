package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/mure/internal/model"
	"github.com/ashita-ai/mure/internal/search"
)

// HandleTriggerCycle handles POST /v1/cycle/trigger: start a cycle in the
// background. 202 means the guard was taken and the cycle is running; a
// cycle already in flight is a 409 and nothing is queued.
func (h *Handlers) HandleTriggerCycle(w http.ResponseWriter, r *http.Request) {
	if err := h.cycle.Trigger(r.Context()); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "triggered"})
}

// HandleCycleStatus handles GET /v1/cycle/status.
func (h *Handlers) HandleCycleStatus(w http.ResponseWriter, r *http.Request) {
	st := h.cycle.Status()
	resp := model.CycleStatusResponse{
		State:        st.State,
		RunningSince: st.RunningSince,
		LastReport:   st.LastReport,
	}
	// Projected from the loop interval; meaningless while a cycle runs or
	// before the first one completes.
	if st.State == "idle" && h.cycleInterval > 0 && st.LastReport != nil {
		next := st.LastReport.FinishedAt.Add(h.cycleInterval)
		resp.NextRunAt = &next
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleGetSettings handles GET /v1/settings.
func (h *Handlers) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, model.SettingsToPayload(h.settings.Current()))
}

// HandleUpdateSettings handles PUT /v1/settings: replace the colony policy.
// The saved form is normalized, so the response may differ from the body.
func (h *Handlers) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var payload model.SettingsPayload
	if err := decodeJSON(w, r, &payload, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	saved, err := h.settings.Save(r.Context(), payload.ToSettings())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.bus.Publish(r.Context(), model.Event{
		Type:    model.EventSettingsUpdated,
		Message: "colony settings updated",
		Payload: map[string]any{
			"auto_approve":           saved.AutoApprove,
			"max_requests_per_cycle": saved.MaxRequestsPerCycle,
		},
	})
	writeJSON(w, r, http.StatusOK, model.SettingsToPayload(saved))
}

// HandleVerifyLedger handles GET /v1/ledger/verify. With ?agent_id= it
// verifies one agent's chains; without, it walks every agent with ledger
// rows, which is expensive on a large colony.
func (h *Handlers) HandleVerifyLedger(w http.ResponseWriter, r *http.Request) {
	agentID, err := queryUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent_id")
		return
	}

	if agentID != nil {
		report, err := h.ledger.VerifyAgentChain(r.Context(), *agentID)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, model.LedgerVerifyResponse{
			AgentID:      report.AgentID,
			Transactions: report.Transactions,
			Valid:        report.OK(),
			Problems:     report.Problems,
		})
		return
	}

	summary, err := h.ledger.VerifyAll(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, summary)
}

// HandleSearchThoughts handles GET /v1/search/thoughts: semantic recall
// over the colony's thought stream. Without an embedder and search index
// it degrades to Postgres full-text matching, reporting no similarity.
func (h *Handlers) HandleSearchThoughts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "q is required")
		return
	}
	agentID, err := queryUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent_id filter")
		return
	}
	limit := queryLimit(r, 10)

	if h.embedder == nil || h.searcher == nil {
		entries, err := h.db.SearchThoughtsByText(r.Context(), q, agentID, limit)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		matches := make([]model.ThoughtMatch, 0, len(entries))
		for _, e := range entries {
			matches = append(matches, model.ThoughtMatch{Entry: e})
		}
		writeJSON(w, r, http.StatusOK, matches)
		return
	}

	vec, err := h.embedder.Embed(r.Context(), q)
	if err != nil {
		h.logger.Error("search: embed query", "error", err)
		writeError(w, r, http.StatusBadGateway, model.ErrCodeInternalError, "embedding provider unavailable")
		return
	}

	// Over-fetch so recency re-ranking has candidates beyond the cutoff.
	results, err := h.searcher.Search(r.Context(), vec.Slice(), agentID, limit*3)
	if err != nil {
		h.logger.Error("search: index query", "error", err)
		writeError(w, r, http.StatusBadGateway, model.ErrCodeInternalError, "search index unavailable")
		return
	}

	ids := make([]uuid.UUID, 0, len(results))
	for _, res := range results {
		ids = append(ids, res.LogID)
	}
	entries, err := h.db.GetLogEntries(r.Context(), ids)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	byID := make(map[uuid.UUID]model.LogEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}

	writeJSON(w, r, http.StatusOK, search.ReScore(results, byID, limit))
}
