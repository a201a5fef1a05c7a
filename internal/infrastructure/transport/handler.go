package transport

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"pipelineops/app/usecase"
	"pipelineops/internal/domain/entity"
	"pipelineops/internal/infrastructure/metrics"
)

const (
	maxBodyBytes     = 4 << 20
	defaultRunsLimit = 50
	wsWriteTimeout   = 10 * time.Second

	HeaderApplyRunID = "X-Apply-Run-ID"
)

// EventSubscriber is the read side of the apply event hub.
type EventSubscriber interface {
	Subscribe() (<-chan entity.ApplyEvent, func())
}

type PipelineHandler struct {
	pipelines usecase.PipelineUseCase
	applier   usecase.Applier
	sync      usecase.SyncUseCase
	runs      usecase.ApplyRunUseCase
	events    EventSubscriber
	defaults  []string
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// NewPipelineHandler builds the HTTP handler. sync may be nil when no
// provider credentials are configured; /sync then answers 503.
func NewPipelineHandler(
	pipelines usecase.PipelineUseCase,
	applier usecase.Applier,
	sync usecase.SyncUseCase,
	runs usecase.ApplyRunUseCase,
	events EventSubscriber,
	defaults []string,
	logger *slog.Logger,
) *PipelineHandler {
	return &PipelineHandler{
		pipelines: pipelines,
		applier:   applier,
		sync:      sync,
		runs:      runs,
		events:    events,
		defaults:  defaults,
		logger:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *PipelineHandler) withMetrics(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rw, r)

		metrics.ObserveHTTPRequest(r.Method, path, strconv.Itoa(rw.status), time.Since(start), rw.status >= 400)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (h *PipelineHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/pipelines", h.withMetrics(h.handleListPipelines)).Methods(http.MethodGet)
	r.HandleFunc("/pipelines/{name}", h.withMetrics(h.handleGetPipeline)).Methods(http.MethodGet)
	r.HandleFunc("/pipelines/{name}", h.withMetrics(h.handleUpdatePipeline)).Methods(http.MethodPut)
	r.HandleFunc("/apply", h.withMetrics(h.handleApply)).Methods(http.MethodPost)
	r.HandleFunc("/sync", h.withMetrics(h.handleSync)).Methods(http.MethodPost)
	// registered before /applies/{id} so "events" is not taken as an id
	r.HandleFunc("/applies/events", h.withMetrics(h.handleApplyEvents)).Methods(http.MethodGet)
	r.HandleFunc("/applies", h.withMetrics(h.handleListRuns)).Methods(http.MethodGet)
	r.HandleFunc("/applies/{id}", h.withMetrics(h.handleGetRun)).Methods(http.MethodGet)
	r.HandleFunc("/health", h.withMetrics(h.handleHealth)).Methods(http.MethodGet)

	// Prometheus
	r.Handle("/metrics", metrics.Handler())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var applyErr *entity.ApplyError
	switch {
	case errors.As(err, &applyErr),
		errors.Is(err, entity.ErrInvalidName),
		errors.Is(err, entity.ErrInvalidDefinition):
		return http.StatusBadRequest
	case errors.Is(err, entity.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, entity.ErrTargetNotManaged):
		return http.StatusConflict
	case errors.Is(err, entity.ErrApplyTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, entity.ErrMissingCredentials):
		return http.StatusServiceUnavailable
	case errors.Is(err, entity.ErrAuth),
		errors.Is(err, entity.ErrRemoteUnavailable),
		errors.Is(err, entity.ErrProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// parseNames splits a comma separated list, trimming blanks and dropping
// empty items.
func parseNames(raw string) []string {
	var names []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			names = append(names, part)
		}
	}
	return names
}

// GET /pipelines
func (h *PipelineHandler) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	items, err := h.pipelines.ListPipelines(r.Context())
	if err != nil {
		h.logger.Error("list pipelines failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// GET /pipelines/{name}
func (h *PipelineHandler) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	def, err := h.pipelines.GetPipeline(r.Context(), name)
	if err != nil {
		code := statusFor(err)
		if code >= 500 {
			h.logger.Error("get pipeline failed", "pipeline", name, "err", err)
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// PUT /pipelines/{name}
func (h *PipelineHandler) handleUpdatePipeline(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("bad request body: %w", err))
		return
	}
	if err := h.pipelines.UpdatePipeline(r.Context(), name, body); err != nil {
		code := statusFor(err)
		if code >= 500 {
			h.logger.Error("update pipeline failed", "pipeline", name, "err", err)
		}
		writeError(w, code, err)
		return
	}
	h.logger.Info("pipeline updated", "pipeline", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "name": name})
}

// POST /apply?pipelines=a,b
func (h *PipelineHandler) handleApply(w http.ResponseWriter, r *http.Request) {
	names := parseNames(r.URL.Query().Get("pipelines"))

	run, err := h.applier.Run(r.Context(), names)
	if run != nil {
		w.Header().Set(HeaderApplyRunID, run.ID)
	}
	if err != nil {
		var applyErr *entity.ApplyError
		if errors.As(err, &applyErr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": applyErr.Stderr})
			return
		}
		code := statusFor(err)
		if code >= 500 {
			h.logger.Error("apply failed", "targets", names, "err", err)
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": run.Output})
}

type syncOutcomeView struct {
	Name   string            `json:"name"`
	Status entity.SyncStatus `json:"status"`
	Reason string            `json:"reason,omitempty"`
	Error  string            `json:"error,omitempty"`
}

type syncResponse struct {
	Outcomes []syncOutcomeView `json:"outcomes"`
	Failed   bool              `json:"failed"`
}

// POST /sync?pipelines=a,b
func (h *PipelineHandler) handleSync(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		writeError(w, http.StatusServiceUnavailable,
			fmt.Errorf("sync disabled: %w", entity.ErrMissingCredentials))
		return
	}
	names := parseNames(r.URL.Query().Get("pipelines"))
	if len(names) == 0 {
		names = h.defaults
	}

	outcomes, err := h.sync.Sync(r.Context(), names)
	if err != nil {
		h.logger.Error("sync failed", "pipelines", names, "err", err)
		writeError(w, statusFor(err), err)
		return
	}

	resp := syncResponse{
		Outcomes: make([]syncOutcomeView, 0, len(outcomes)),
		Failed:   entity.HasFailures(outcomes),
	}
	for _, o := range outcomes {
		v := syncOutcomeView{Name: o.Name, Status: o.Status, Reason: o.Reason}
		if o.Err != nil {
			v.Error = o.Err.Error()
		}
		resp.Outcomes = append(resp.Outcomes, v)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /applies?limit=N
func (h *PipelineHandler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	runs, err := h.runs.ListRuns(r.Context(), limit)
	if err != nil {
		h.logger.Error("list apply runs failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// GET /applies/{id}
func (h *PipelineHandler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := h.runs.GetRun(r.Context(), id)
	if err != nil {
		code := statusFor(err)
		if code >= 500 {
			h.logger.Error("get apply run failed", "id", id, "err", err)
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GET /applies/events streams apply lifecycle events over a websocket.
func (h *PipelineHandler) handleApplyEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer func() {
		err := conn.Close()
		if err != nil {
			h.logger.Debug("websocket close", "err", err)
		}
	}()

	evs, cancel := h.events.Subscribe()
	defer cancel()

	// the client sends nothing; reading only detects disconnects
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-evs:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("websocket write failed", "err", err)
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// GET /health
func (h *PipelineHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"ok": true,
		"ts": time.Now().UTC(),
	}
	writeJSON(w, http.StatusOK, status)
}
