package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Tryliate/Tryliate-sub001/internal/log"
	internal_service "github.com/Tryliate/Tryliate-sub001/internal/service"
	"github.com/Tryliate/Tryliate-sub001/pkg/models"
	"github.com/Tryliate/Tryliate-sub001/pkg/service"
	"github.com/Tryliate/Tryliate-sub001/pkg/storage"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const defaultStreamInterval = time.Second

// Server is the operator surface over one tenant's queue.
type Server struct {
	runs           *service.RunService
	defs           *internal_service.DefinitionService
	upgrader       websocket.Upgrader
	streamInterval time.Duration
}

type ServerOption func(*Server)

// WithStreamInterval sets how often a run stream pushes a snapshot.
func WithStreamInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.streamInterval = d
		}
	}
}

func NewServer(runs *service.RunService, defs *internal_service.DefinitionService, opts ...ServerOption) *Server {
	s := &Server{
		runs:           runs,
		defs:           defs,
		streamInterval: defaultStreamInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HealthHandler)
	mux.HandleFunc("POST /runs", s.startRunHandler)
	mux.HandleFunc("GET /runs/{id}", s.runStatusHandler)
	mux.HandleFunc("GET /runs/{id}/stream", s.runStreamHandler)
	mux.HandleFunc("POST /workflows", s.createWorkflowHandler)
	mux.HandleFunc("GET /workflows/{id}", s.getWorkflowHandler)
	mux.HandleFunc("PUT /workflows/{id}", s.updateWorkflowHandler)
	return mux
}

// StartServer serves until ctx is cancelled, then shuts down gracefully.
func StartServer(ctx context.Context, port string, s *Server) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting flowq server on :%s", port)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "flowq server is running")
}

type startRunRequest struct {
	WorkflowID string         `json:"workflow_id"`
	NodeID     string         `json:"node_id"`
	Payload    models.JSONMap `json:"payload"`
	DelayMS    int64          `json:"delay_ms"`
}

type startRunResponse struct {
	RunID uuid.UUID `json:"run_id"`
	JobID uuid.UUID `json:"job_id"`
}

func (s *Server) startRunHandler(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.WorkflowID == "" {
		http.Error(w, "Missing 'workflow_id'", http.StatusBadRequest)
		return
	}
	if req.DelayMS < 0 {
		http.Error(w, "'delay_ms' must not be negative", http.StatusBadRequest)
		return
	}
	runID, jobID, err := s.runs.StartRun(r.Context(), req.WorkflowID, req.NodeID, req.Payload, time.Duration(req.DelayMS)*time.Millisecond)
	if err != nil {
		log.GetLogger().Errorf("Failed to start run of workflow %s: %v", req.WorkflowID, err)
		http.Error(w, fmt.Sprintf("Failed to start run: %v", err), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, startRunResponse{RunID: runID, JobID: jobID})
}

func (s *Server) runStatusHandler(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}
	summary, err := s.runs.RunStatus(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// runStreamHandler pushes run snapshots over a websocket until the run has
// no pending or processing jobs, or the client goes away.
func (s *Server) runStreamHandler(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}
	if _, err := s.runs.RunStatus(r.Context(), runID); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.GetLogger().Errorf("Websocket upgrade for run %s failed: %v", runID, err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()
	for {
		summary, err := s.runs.RunStatus(ctx, runID)
		if err != nil {
			if ctx.Err() == nil {
				log.GetLogger().Errorf("Run stream %s: %v", runID, err)
			}
			return
		}
		if err := conn.WriteJSON(summary); err != nil {
			return
		}
		if !summary.Active() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) createWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	var wf models.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if err := internal_service.Validate(wf); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.defs.CreateWorkflow(r.Context(), wf)
	if err != nil {
		log.GetLogger().Errorf("Failed to create workflow: %v", err)
		http.Error(w, fmt.Sprintf("Failed to create workflow: %v", err), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) getWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	wf, err := s.defs.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) updateWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	var wf models.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	if wf.ID != "" && wf.ID != id {
		http.Error(w, fmt.Sprintf("Body id %q does not match path id %q", wf.ID, id), http.StatusBadRequest)
		return
	}
	wf.ID = id
	if err := internal_service.Validate(wf); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.defs.UpdateWorkflow(r.Context(), wf); err != nil {
		log.GetLogger().Errorf("Failed to update workflow %s: %v", id, err)
		http.Error(w, fmt.Sprintf("Failed to update workflow: %v", err), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func parseRunID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid run id: %v", err), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, service.ErrWorkflowNotFound),
		errors.Is(err, service.ErrNodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNoEntryNode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, internal_service.ErrWorkflowExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
