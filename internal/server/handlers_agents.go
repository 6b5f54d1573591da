package server

import (
	"net/http"
	"time"

	"github.com/ashita-ai/mure/internal/model"
	"github.com/ashita-ai/mure/internal/service/lifecycle"
)

// HandleSeedAgent handles POST /v1/agents: create a generation-zero agent
// funded by birth grants.
func (h *Handlers) HandleSeedAgent(w http.ResponseWriter, r *http.Request) {
	var req model.SeedAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	agent, err := h.lifecycle.SeedRoot(r.Context(), lifecycle.SeedParams{
		Name:          req.Name,
		Persona:       req.Persona,
		Strategy:      req.Strategy,
		ComputeBudget: req.ComputeBudget,
		AssetBalance:  req.AssetBalance,
		Metadata:      req.Metadata,
		Lifespan:      time.Duration(req.LifespanSeconds) * time.Second,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, agent)
}

// HandleListAgents handles GET /v1/agents with optional ?status= filtering.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	var status *model.AgentStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st := model.AgentStatus(s)
		if !model.ValidAgentStatus(st) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid status filter: "+s)
			return
		}
		status = &st
	}

	limit := queryLimit(r, 100)
	offset := queryOffset(r)
	agents, err := h.db.ListAgents(r.Context(), status, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeList(w, r, agents, len(agents), limit, offset)
}

// HandleGetAgent handles GET /v1/agents/{id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}

	agent, err := h.db.GetAgent(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleAgentFamily handles GET /v1/agents/{id}/family: the agent with its
// parent and direct children.
func (h *Handlers) HandleAgentFamily(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}

	family, err := h.lifecycle.Family(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, family)
}

// HandleAgentLedger handles GET /v1/agents/{id}/ledger with optional
// ?budget= filtering.
func (h *Handlers) HandleAgentLedger(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}

	var budget *model.BudgetKind
	if b := r.URL.Query().Get("budget"); b != "" {
		bk := model.BudgetKind(b)
		budget = &bk
	}

	limit := queryLimit(r, 100)
	offset := queryOffset(r)
	txs, err := h.ledger.History(r.Context(), id, budget, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeList(w, r, txs, len(txs), limit, offset)
}

// HandleAgentLogs handles GET /v1/agents/{id}/logs with optional ?level=
// filtering.
func (h *Handlers) HandleAgentLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}

	var level *model.LogLevel
	if l := r.URL.Query().Get("level"); l != "" {
		lv := model.LogLevel(l)
		if !model.ValidLogLevel(lv) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid level filter: "+l)
			return
		}
		level = &lv
	}

	if _, err := h.db.GetAgent(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	limit := queryLimit(r, 100)
	offset := queryOffset(r)
	logs, err := h.db.ListLogs(r.Context(), id, level, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeList(w, r, logs, len(logs), limit, offset)
}

// HandleAppendAgentLog handles POST /v1/agents/{id}/logs: an external
// surface delivering a human answer or narrative note into the agent's
// stream. Level defaults to "event", the level the context builder shows
// back to the agent on its next turn.
func (h *Handlers) HandleAppendAgentLog(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}

	var req model.AppendLogRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Message == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "message is required")
		return
	}
	if len(req.Message) > model.MaxLogMessageLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "message too long")
		return
	}
	level := req.Level
	if level == "" {
		level = model.LogEvent
	}
	if !model.ValidLogLevel(level) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid level: "+string(req.Level))
		return
	}

	if _, err := h.db.GetAgent(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	entry, err := h.db.AppendLog(r.Context(), model.LogEntry{
		AgentID:  id,
		Level:    level,
		Message:  req.Message,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, entry)
}

// HandleCreditAgent handles POST /v1/agents/{id}/credit: a manual
// reconciliation credit. Kind defaults to income.
func (h *Handlers) HandleCreditAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}

	var req model.CreditRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	// Budget, kind, and amount are validated by the ledger service.
	kind := req.Kind
	if kind == "" {
		kind = model.TxIncome
	}

	tx, err := h.ledger.Credit(r.Context(), id, req.Budget, req.Amount, kind, req.Description)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, tx)
}
