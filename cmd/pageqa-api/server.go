package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/WessleyAI/pageqa/engine/domain"
	"github.com/WessleyAI/pageqa/engine/embedding"
	"github.com/WessleyAI/pageqa/engine/events"
	"github.com/WessleyAI/pageqa/engine/rag"
	"github.com/WessleyAI/pageqa/pkg/metrics"
)

const (
	maxDocumentBytes = 16 << 20
	maxAskBytes      = 64 << 10
	sseHeartbeat     = 15 * time.Second
)

// documentService is the rag.Service surface the API exposes.
type documentService interface {
	CacheDocument(ctx context.Context, doc rag.Document) (rag.CacheResult, error)
	AnswerQuestion(ctx context.Context, tabKey, question string) rag.Answer
	Clear(tabKey string)
	ClearAll()
}

// taskSource is the embedding.Orchestrator surface the API exposes.
type taskSource interface {
	Metrics() []embedding.TaskMetric
	Pending() int
	Healthy(ctx context.Context) embedding.Health
}

type server struct {
	docs   documentService
	tasks  taskSource
	bus    *events.Bus
	logger *slog.Logger
}

func (s *server) routes(reg *metrics.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/documents", s.handleCacheDocument)
	mux.HandleFunc("DELETE /api/documents/{tab}", s.handleClearDocument)
	mux.HandleFunc("DELETE /api/documents", s.handleClearAll)
	mux.HandleFunc("POST /api/ask", s.handleAsk)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/tasks", s.handleTasks)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.Handle("GET /metrics", reg.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *server) handleCacheDocument(w http.ResponseWriter, r *http.Request) {
	var doc rag.Document
	if !decode(w, r, maxDocumentBytes, &doc) {
		return
	}
	res, err := s.docs.CacheDocument(r.Context(), doc)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, domain.ErrInvalidTabKey), errors.Is(err, domain.ErrEmptyDocument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "embedding did not finish in time")
	default:
		s.logger.Error("cache document failed", "tab", doc.TabKey, "err", err)
		writeError(w, http.StatusBadGateway, "embedding service error")
	}
}

// askRequest is the JSON body for POST /api/ask.
type askRequest struct {
	TabKey   string `json:"tab_key"`
	Question string `json:"question"`
}

// handleAsk always answers 200 with a structured rag.Answer unless the body
// cannot be read.
func (s *server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if !decode(w, r, maxAskBytes, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.docs.AnswerQuestion(r.Context(), req.TabKey, req.Question))
}

func (s *server) handleClearDocument(w http.ResponseWriter, r *http.Request) {
	s.docs.Clear(r.PathValue("tab"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleClearAll(w http.ResponseWriter, _ *http.Request) {
	s.docs.ClearAll()
	w.WriteHeader(http.StatusNoContent)
}

type healthResponse struct {
	Status  string `json:"status"`
	Compute bool   `json:"compute"`
	Push    bool   `json:"push"`
	Pending int    `json:"pending_tasks"`
}

// handleHealth reports "ok" when the compute service answers and "degraded"
// otherwise. The push channel is informational since polling covers it.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	h := s.tasks.Healthy(ctx)
	resp := healthResponse{Status: "ok", Compute: h.Compute, Push: h.Push, Pending: s.tasks.Pending()}
	status := http.StatusOK
	if !h.Compute {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type tasksResponse struct {
	Pending int                    `json:"pending"`
	Tasks   []embedding.TaskMetric `json:"tasks"`
}

// handleTasks returns retained task metrics, newest last. ?limit=N keeps the
// last N.
func (s *server) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.tasks.Metrics()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		if n < len(tasks) {
			tasks = tasks[len(tasks)-n:]
		}
	}
	if tasks == nil {
		tasks = []embedding.TaskMetric{}
	}
	writeJSON(w, http.StatusOK, tasksResponse{Pending: s.tasks.Pending(), Tasks: tasks})
}

// handleEvents streams bus events as Server-Sent Events until the client
// goes away.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch, cancel := s.bus.Subscribe(events.DefaultBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Warn("event stream not flushable", "err", err)
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("encode event", "kind", ev.Kind(), "err", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind(), data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
