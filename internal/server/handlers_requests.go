package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/mure/internal/model"
	"github.com/ashita-ai/mure/internal/service/requests"
)

// HandleCreateRequest handles POST /v1/requests. The auto-approval policy
// runs inside the service, so the returned request may already be resolved.
func (h *Handlers) HandleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var req model.CreateRequestBody
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.AgentID == (uuid.UUID{}) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_id is required")
		return
	}

	created, err := h.requests.Create(r.Context(), requests.CreateParams{
		AgentID:     req.AgentID,
		Type:        req.Type,
		Title:       req.Title,
		Description: req.Description,
		Payload:     req.Payload,
		Priority:    req.Priority,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleListRequests handles GET /v1/requests with optional ?status= and
// ?agent_id= filtering.
func (h *Handlers) HandleListRequests(w http.ResponseWriter, r *http.Request) {
	var status *model.RequestStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st := model.RequestStatus(s)
		if !model.ValidRequestStatus(st) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid status filter: "+s)
			return
		}
		status = &st
	}
	agentID, err := queryUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent_id filter")
		return
	}

	limit := queryLimit(r, 100)
	offset := queryOffset(r)
	list, err := h.requests.List(r.Context(), status, agentID, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeList(w, r, list, len(list), limit, offset)
}

// HandleGetRequest handles GET /v1/requests/{id}.
func (h *Handlers) HandleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request id")
		return
	}

	req, err := h.requests.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, req)
}

// HandleResolveRequest handles POST /v1/requests/{id}/resolve: approve or
// deny a pending request exactly once. Re-resolving returns 409.
func (h *Handlers) HandleResolveRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request id")
		return
	}

	var body model.ResolveRequestBody
	if err := decodeJSON(w, r, &body, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	var reason *string
	if body.Reason != "" {
		reason = &body.Reason
	}

	resolved, err := h.requests.Resolve(r.Context(), id, body.Decision, body.ResolvedBy, reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resolved)
}

// HandleBulkResolve handles POST /v1/requests/resolve-bulk: apply one
// decision to many requests. The response reports per-id outcomes; the
// status is 200 even when some resolutions failed.
func (h *Handlers) HandleBulkResolve(w http.ResponseWriter, r *http.Request) {
	var body model.BulkResolveBody
	if err := decodeJSON(w, r, &body, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(body.IDs) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "ids is required")
		return
	}
	if !model.ValidDecision(body.Decision) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid decision: "+string(body.Decision))
		return
	}
	if body.ResolvedBy == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "resolved_by is required")
		return
	}

	results := h.requests.ResolveBulk(r.Context(), body.IDs, body.Decision, body.ResolvedBy)
	writeJSON(w, r, http.StatusOK, results)
}
