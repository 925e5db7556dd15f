package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"fieldtask/app/core/task"
	"fieldtask/app/core/worker"
	"fieldtask/app/pkg/logger"
)

// Server is a thin JSON binding over the admin service. Operator
// authentication is out of scope here; bind it to loopback.
type Server struct {
	svc    *Service
	server *http.Server
}

func NewServer(svc *Service, listen string) *Server {
	s := &Server{svc: svc}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/workers", s.handleWorkers)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	s.server = &http.Server{Addr: listen, Handler: mux}
	return s
}

// Start serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var in CreateWorkerInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		created, err := s.svc.CreateWorker(r.Context(), in)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, workerView(created))
	case http.MethodGet:
		items, err := s.svc.ListWorkers(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		views := make([]map[string]interface{}, 0, len(items))
		for _, item := range items {
			views = append(views, workerView(item))
		}
		writeJSON(w, http.StatusOK, views)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var in CreateTaskInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		created, err := s.svc.CreateTask(r.Context(), in)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, taskView(created))
	case http.MethodGet:
		workerID := r.URL.Query().Get("worker_id")
		if workerID == "" {
			writeError(w, http.StatusBadRequest, "worker_id query parameter is required")
			return
		}
		items, err := s.svc.ListTasks(r.Context(), workerID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		views := make([]map[string]interface{}, 0, len(items))
		for _, item := range items {
			views = append(views, taskView(item))
		}
		writeJSON(w, http.StatusOK, views)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, worker.ErrNotFound), errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, worker.ErrDuplicateContact):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func workerView(item worker.Worker) map[string]interface{} {
	return map[string]interface{}{
		"id":         item.ID,
		"contact_id": item.ContactID,
		"chat_id":    item.ChatID,
		"name":       item.Name,
		"role":       item.Role,
		"created_at": item.CreatedAt,
	}
}

func taskView(item task.Task) map[string]interface{} {
	view := map[string]interface{}{
		"id":          item.ID,
		"worker_id":   item.WorkerID,
		"description": item.Description,
		"location":    item.Location,
		"due_time":    time.Unix(item.DueTime, 0).UTC().Format(time.RFC3339),
		"status":      string(item.Status),
		"created_at":  item.CreatedAt,
	}
	if item.Reason != "" {
		view["reason"] = item.Reason
	}
	if item.CompletedAt > 0 {
		view["completed_at"] = item.CompletedAt
	}
	return view
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("Write admin response failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
