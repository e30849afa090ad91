package http

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pinchwork/pinchwork/internal/adapter/otel"
	"github.com/pinchwork/pinchwork/internal/domain/task"
	"github.com/pinchwork/pinchwork/internal/middleware"
)

// CreateTask posts a new task. Max credits move into escrow immediately.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.CreateRequest](w, r)
	if !ok {
		return
	}
	caller := middleware.AgentFromContext(r.Context())
	ctx, span := otel.StartTaskSpan(r.Context(), "task.create", "", caller.ID)
	defer span.End()

	created, err := h.Tasks.Create(ctx, caller.ID, &req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.Metrics.TasksPosted.Add(ctx, 1)
	writeJSON(w, http.StatusCreated, created)
}

// ListTasks returns the caller's tasks. role=posted (default) or role=working.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	caller := middleware.AgentFromContext(r.Context())
	limit, offset := queryInt(r, "limit", 50), queryInt(r, "offset", 0)

	var (
		tasks []*task.Task
		err   error
	)
	switch role := r.URL.Query().Get("role"); role {
	case "", "posted":
		tasks, err = h.Tasks.ListPosted(r.Context(), caller.ID, limit, offset)
	case "working":
		tasks, err = h.Tasks.ListWorking(r.Context(), caller.ID, limit, offset)
	default:
		writeError(w, http.StatusBadRequest, "role must be posted or working")
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// ListAvailable previews the broadcast pool without claiming anything.
func (h *Handlers) ListAvailable(w http.ResponseWriter, r *http.Request) {
	caller := middleware.AgentFromContext(r.Context())
	f := task.PickupFilter{
		Tags:  splitTags(r.URL.Query().Get("tags")),
		Query: r.URL.Query().Get("query"),
	}
	tasks, err := h.Tasks.ListAvailable(r.Context(), caller.ID, f,
		queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// Pickup runs claim arbitration for the caller. The body is an optional
// filter; an empty body means no filter.
func (h *Handlers) Pickup(w http.ResponseWriter, r *http.Request) {
	var f task.PickupFilter
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller := middleware.AgentFromContext(r.Context())
	ctx, span := otel.StartPickupSpan(r.Context(), caller.ID)
	defer span.End()

	start := time.Now()
	claimed, err := h.Tasks.Pickup(ctx, caller.ID, f)
	h.Metrics.PickupLatency.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.Metrics.TasksClaimed.Add(ctx, 1)
	writeJSON(w, http.StatusOK, claimed)
}

// PickupSpecific claims the task named in the URL for the caller.
func (h *Handlers) PickupSpecific(w http.ResponseWriter, r *http.Request) {
	caller := middleware.AgentFromContext(r.Context())
	ctx, span := otel.StartPickupSpan(r.Context(), caller.ID)
	defer span.End()

	claimed, err := h.Tasks.PickupSpecific(ctx, caller.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.Metrics.TasksClaimed.Add(ctx, 1)
	writeJSON(w, http.StatusOK, claimed)
}

// GetTask returns one task the caller participates in. A wait parameter
// long-polls until the task reaches a terminal status.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	caller := middleware.AgentFromContext(r.Context())
	wait := time.Duration(queryInt(r, "wait", 0)) * time.Second
	t, err := h.Tasks.Get(r.Context(), chi.URLParam(r, "id"), caller.ID, wait)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Deliver submits the worker's result for review.
func (h *Handlers) Deliver(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.DeliverRequest](w, r)
	if !ok {
		return
	}
	caller := middleware.AgentFromContext(r.Context())
	ctx, span := otel.StartTaskSpan(r.Context(), "task.deliver", chi.URLParam(r, "id"), caller.ID)
	defer span.End()

	t, err := h.Tasks.Deliver(ctx, chi.URLParam(r, "id"), caller.ID, &req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.Metrics.TasksDelivered.Add(ctx, 1)
	writeJSON(w, http.StatusOK, t)
}

type approveRequest struct {
	Score   int    `json:"score,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// Approve settles the task in the worker's favor. A non-zero score also
// rates the worker in the same call.
func (h *Handlers) Approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller := middleware.AgentFromContext(r.Context())
	ctx, span := otel.StartTaskSpan(r.Context(), "task.approve", chi.URLParam(r, "id"), caller.ID)
	defer span.End()

	t, err := h.Tasks.Approve(ctx, chi.URLParam(r, "id"), caller.ID, req.Score, req.Comment)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.Metrics.TasksApproved.Add(ctx, 1)
	h.Metrics.CreditsSettled.Add(ctx, t.CreditsCharged)
	writeJSON(w, http.StatusOK, t)
}

// Reject sends the task back to the worker or, past the rejection limit,
// refunds the poster and closes it.
func (h *Handlers) Reject(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.RejectRequest](w, r)
	if !ok {
		return
	}
	caller := middleware.AgentFromContext(r.Context())
	ctx, span := otel.StartTaskSpan(r.Context(), "task.reject", chi.URLParam(r, "id"), caller.ID)
	defer span.End()

	t, err := h.Tasks.Reject(ctx, chi.URLParam(r, "id"), caller.ID, &req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.Metrics.TasksRejected.Add(ctx, 1)
	writeJSON(w, http.StatusOK, t)
}

// Cancel withdraws an unclaimed task and refunds its escrow.
func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	caller := middleware.AgentFromContext(r.Context())
	t, err := h.Tasks.Cancel(r.Context(), chi.URLParam(r, "id"), caller.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Abandon releases the caller's claim and reopens the task.
func (h *Handlers) Abandon(w http.ResponseWriter, r *http.Request) {
	caller := middleware.AgentFromContext(r.Context())
	t, err := h.Tasks.Abandon(r.Context(), chi.URLParam(r, "id"), caller.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type rateRequest struct {
	Score   int    `json:"score"`
	Comment string `json:"comment,omitempty"`
}

// RateTask rates the counterparty on a settled task.
func (h *Handlers) RateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[rateRequest](w, r)
	if !ok {
		return
	}
	caller := middleware.AgentFromContext(r.Context())
	if err := h.Tasks.Rate(r.Context(), chi.URLParam(r, "id"), caller.ID, req.Score, req.Comment); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rated"})
}

// splitTags parses a comma-separated tag list query parameter.
func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
