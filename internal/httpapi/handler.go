// Package httpapi is the engine's thin protocol adapter: the facade (C9) is
// the real API, this package only exposes it over HTTP for operators and
// for callers that prefer a wire protocol over an in-process Go call.
// Grounded on the teacher's internal/webhook/adapters/http/handlers style
// (gorilla/mux router, respondJSON/respondError helpers) and
// internal/node/server/server.go's server composition and middleware chain.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/stepflow/execengine/internal/engine"
	"github.com/stepflow/execengine/internal/platform/logger"
)

// ExecutionHandler exposes the engine facade's execute/status/cancel/result
// operations as JSON endpoints.
type ExecutionHandler struct {
	facade   *engine.Facade
	logger   logger.Logger
	upgrader websocket.Upgrader
}

// NewExecutionHandler builds an ExecutionHandler around facade.
func NewExecutionHandler(facade *engine.Facade, log logger.Logger) *ExecutionHandler {
	return &ExecutionHandler{
		facade: facade,
		logger: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes mounts the execution endpoints on router.
func (h *ExecutionHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/executions", h.ExecuteAsync).Methods("POST")
	router.HandleFunc("/executions/sync", h.ExecuteSync).Methods("POST")
	router.HandleFunc("/executions", h.List).Methods("GET")
	router.HandleFunc("/executions/{id}", h.Status).Methods("GET")
	router.HandleFunc("/executions/{id}", h.Cancel).Methods("DELETE")
	router.HandleFunc("/executions/{id}/result", h.Result).Methods("GET")
	router.HandleFunc("/executions/{id}/metrics", h.Metrics).Methods("GET")
	router.HandleFunc("/executions/{id}/logs", h.LogTail)
}

// ExecuteSync decodes an ExecutionRequest and runs it to completion before
// responding, mirroring spec.md §4.1's execute_sync.
func (h *ExecutionHandler) ExecuteSync(w http.ResponseWriter, r *http.Request) {
	var req engine.ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.facade.ExecuteSync(r.Context(), req)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// ExecuteAsync decodes an ExecutionRequest, enqueues it, and returns the
// minted execution id, mirroring spec.md §4.1's execute_async.
func (h *ExecutionHandler) ExecuteAsync(w http.ResponseWriter, r *http.Request) {
	var req engine.ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	executionID, err := h.facade.ExecuteAsync(r.Context(), req)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]string{"executionId": string(executionID)})
}

// Status reports an execution's current status.
func (h *ExecutionHandler) Status(w http.ResponseWriter, r *http.Request) {
	executionID := engine.ExecutionId(mux.Vars(r)["id"])

	status, err := h.facade.Status(r.Context(), executionID)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// Cancel requests best-effort cancellation of executionID.
func (h *ExecutionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	executionID := engine.ExecutionId(mux.Vars(r)["id"])

	if err := h.facade.Cancel(r.Context(), executionID); err != nil {
		h.respondEngineError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// Result returns the stored ExecutionResult for executionID.
func (h *ExecutionHandler) Result(w http.ResponseWriter, r *http.Request) {
	executionID := engine.ExecutionId(mux.Vars(r)["id"])

	result, err := h.facade.Result(r.Context(), executionID)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// List returns a page of execution summaries. Query parameters map onto
// engine.ListFilter's columns (spec.md §4.1): tool_id, user_id, tenant_id,
// status.
func (h *ExecutionHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := engine.ListFilter{
		ToolID:   engine.ToolId(q.Get("tool_id")),
		UserID:   engine.UserId(q.Get("user_id")),
		TenantID: engine.TenantId(q.Get("tenant_id")),
		Status:   engine.ExecutionStatus(q.Get("status")),
	}

	executions, err := h.facade.List(r.Context(), filter)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, executions)
}

// Metrics returns every recorded metric for executionID.
func (h *ExecutionHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	executionID := engine.ExecutionId(mux.Vars(r)["id"])
	h.respondJSON(w, http.StatusOK, h.facade.Metrics(r.Context(), executionID))
}

// LogTail upgrades to a websocket and streams the execution's log lines as
// they complete. The engine has no live streaming source yet, so this
// pushes the final stored result's log entries once available and closes;
// it is a stub for the live-tailing transport the facade doesn't expose.
func (h *ExecutionHandler) LogTail(w http.ResponseWriter, r *http.Request) {
	executionID := engine.ExecutionId(mux.Vars(r)["id"])

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("log tail upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	result, err := h.facade.Result(r.Context(), executionID)
	if err != nil {
		_ = conn.WriteJSON(map[string]string{"error": err.Error()})
		return
	}
	for _, entry := range result.Logs {
		if err := conn.WriteJSON(entry); err != nil {
			return
		}
	}
}

func (h *ExecutionHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *ExecutionHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

// respondEngineError maps an engine.EngineError's Kind onto an HTTP status;
// unrecognized errors fall back to 500.
func (h *ExecutionHandler) respondEngineError(w http.ResponseWriter, err error) {
	h.respondError(w, engine.ErrorStatusCode(err), err.Error())
}
