package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/climatedocs/core"
	"github.com/climatedocs/core/bucket"
	"github.com/climatedocs/core/ingest"
	"github.com/climatedocs/core/query"
)

type handler struct {
	engine climatedocs.Engine
}

func newHandler(e climatedocs.Engine) *handler {
	return &handler{engine: e}
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// POST /process/document
// body: {path, bucket, include_chunking, include_summarization,
// include_graphrag, include_stp}. Returns {task_id, status_endpoint}
// immediately (§6); the actual ingestion runs in the background via
// the Background Task Manager.
func (h *handler) handleProcessDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path                 string `json:"path"`
		Bucket               string `json:"bucket"`
		IncludeChunking      bool   `json:"include_chunking"`
		IncludeSummarization bool   `json:"include_summarization"`
		IncludeGraphRAG      bool   `json:"include_graphrag"`
		IncludeSTP           bool   `json:"include_stp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	b, err := bucket.Parse(req.Bucket)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid bucket: "+req.Bucket)
		return
	}
	flags := ingest.Flags{
		Chunking:      req.IncludeChunking,
		Summarization: req.IncludeSummarization,
		GraphRAG:      req.IncludeGraphRAG,
		STP:           req.IncludeSTP,
	}
	if !flags.Any() {
		writeError(w, http.StatusBadRequest, "at least one stage flag must be set")
		return
	}

	absPath, err := filepath.Abs(req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	if info, err := os.Stat(absPath); err != nil || info.IsDir() {
		writeError(w, http.StatusBadRequest, "path must be an existing file")
		return
	}

	// Background work outlives this request's context and has no overall
	// deadline; only individual calls inside it (LLM HTTP requests, graph
	// per-chunk extraction, LlamaParse) carry their own timeouts.
	taskID := h.engine.ProcessDocument(context.Background(), absPath, b, flags)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id":        taskID,
		"status_endpoint": "/tasks/" + taskID,
	})
}

// POST /batch/process-all
// body: {include_chunking, include_summarization, include_graphrag,
// include_stp, skip_processed, documents: {bucket: [paths]}}.
func (h *handler) handleBatchProcessAll(w http.ResponseWriter, r *http.Request) {
	h.handleBatch(w, r, nil)
}

// POST /batch/process-bucket/{bucket}
func (h *handler) handleBatchProcessBucket(w http.ResponseWriter, r *http.Request) {
	b, err := bucket.Parse(r.PathValue("bucket"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid bucket")
		return
	}
	h.handleBatch(w, r, []bucket.Bucket{b})
}

func (h *handler) handleBatch(w http.ResponseWriter, r *http.Request, buckets []bucket.Bucket) {
	var req struct {
		IncludeChunking      bool                  `json:"include_chunking"`
		IncludeSummarization bool                  `json:"include_summarization"`
		IncludeGraphRAG      bool                  `json:"include_graphrag"`
		IncludeSTP           bool                  `json:"include_stp"`
		SkipProcessed        bool                  `json:"skip_processed"`
		Documents            map[string][]string   `json:"documents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	docs := make(map[bucket.Bucket][]string, len(req.Documents))
	for name, paths := range req.Documents {
		b, err := bucket.Parse(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid bucket in documents: "+name)
			return
		}
		docs[b] = paths
	}

	batchReq := ingest.BatchRequest{
		Buckets: buckets,
		Flags: ingest.Flags{
			Chunking:      req.IncludeChunking,
			Summarization: req.IncludeSummarization,
			GraphRAG:      req.IncludeGraphRAG,
			STP:           req.IncludeSTP,
		},
		SkipProcessed: req.SkipProcessed,
		Documents:     docs,
	}
	if !batchReq.Flags.Any() {
		writeError(w, http.StatusBadRequest, "at least one stage flag must be set")
		return
	}

	taskID := h.engine.ProcessBatch(context.Background(), batchReq)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id":        taskID,
		"status_endpoint": "/tasks/" + taskID,
	})
}

// GET /tasks/{task_id}
func (h *handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("task_id")
	t, ok := h.engine.TaskStatus(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GET /tasks
func (h *handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"counts_by_status": h.engine.TaskCounts(),
	})
}

// DELETE /tasks/cleanup?max_age_hours=H
func (h *handler) handleCleanupTasks(w http.ResponseWriter, r *http.Request) {
	maxAge := 24 * time.Hour
	if v := r.URL.Query().Get("max_age_hours"); v != "" {
		if hours, err := strconv.ParseFloat(v, 64); err == nil && hours > 0 {
			maxAge = time.Duration(hours * float64(time.Hour))
		}
	}
	removed := h.engine.CleanupTasks(maxAge)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// POST /ask
// body: {session_id, user_id, query, language, buckets}. Runs the
// conversational turn through the Query Orchestrator (§4.12); the
// single-shot multi-round Engine.Query path has no HTTP route.
func (h *handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req struct {
		SessionID string   `json:"session_id"`
		UserID    string   `json:"user_id"`
		Query     string   `json:"query"`
		Language  string   `json:"language"`
		Buckets   []string `json:"buckets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	var buckets []bucket.Bucket
	for _, name := range req.Buckets {
		b, err := bucket.Parse(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid bucket: "+name)
			return
		}
		buckets = append(buckets, b)
	}

	reply, err := h.engine.Ask(ctx, query.Request{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Query:     req.Query,
		Language:  req.Language,
		Buckets:   buckets,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ask failed")
		slog.Error("ask error", "query", req.Query, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf("%s", msg)})
}
