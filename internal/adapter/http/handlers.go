package http

import (
	"net/http"

	"github.com/pinchwork/pinchwork/internal/adapter/otel"
	"github.com/pinchwork/pinchwork/internal/port/database"
	"github.com/pinchwork/pinchwork/internal/port/messagequeue"
	"github.com/pinchwork/pinchwork/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Agents  *service.AgentService
	Tasks   *service.TaskService
	Credits *service.CreditService
	Store   database.Store
	Queue   messagequeue.Queue
	Metrics *otel.Metrics
}

// Health responds 200 as long as the process is up.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready responds 200 when the database is reachable. The event mirror is
// best-effort, so a disconnected broker degrades rather than fails.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "unavailable",
			"database": err.Error(),
		})
		return
	}
	status := map[string]string{"status": "ok", "database": "ok"}
	if h.Queue != nil && !h.Queue.IsConnected() {
		status["queue"] = "disconnected"
	}
	writeJSON(w, http.StatusOK, status)
}
