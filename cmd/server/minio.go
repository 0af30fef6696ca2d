package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/climatedocs/core/ingest"
	"github.com/climatedocs/core/objectstore"
)

// minioHandler serves the §6 object-storage inventory and ingest
// webhook boundary. It is nil-safe: every method responds 503 when the
// store/ingress wasn't configured, rather than panicking.
type minioHandler struct {
	store   objectstore.ObjectStore
	ingress *ingest.WebhookIngress
}

// GET /minio/buckets
func (h *minioHandler) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "object store not configured")
		return
	}
	names, err := h.store.ListBuckets(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "listing buckets: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"buckets": names})
}

// GET /minio/bucket/{bucket}/objects?limit&offset
func (h *minioHandler) handleListObjects(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "object store not configured")
		return
	}
	bucketName := r.PathValue("bucket")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	result, err := h.store.ListObjects(r.Context(), bucketName, objectstore.ListOptions{
		Limit: limit, Offset: offset,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, "listing objects: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"objects": result.Objects,
		"total":   result.Total,
	})
}

// POST /webhook/minio-events
func (h *minioHandler) handleWebhookEvents(w http.ResponseWriter, r *http.Request) {
	if h.ingress == nil {
		writeError(w, http.StatusServiceUnavailable, "event ingress not configured")
		return
	}
	var env ingest.MinioEventEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event envelope")
		return
	}
	published, err := h.ingress.Accept(r.Context(), env)
	if err != nil {
		writeError(w, http.StatusBadGateway, "publishing triggers: "+err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"published": published})
}
