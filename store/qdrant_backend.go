package store

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantBackend is the Vector Store's qdrant-backed ExternalVectorBackend
// (§4.7, SPEC_FULL Part C), one collection per bucket, lazily created on
// first insert the same way the STP vector store's collection is (§4.7:
// "Collection creation is lazy on first insert"). Grounded on manifold's
// internal/persistence/databases/qdrant_vector.go gRPC client usage.
type QdrantBackend struct {
	client    *qdrant.Client
	dimension int
	prefix    string // collection name prefix, e.g. "chunks_" or "summaries_"

	mu          sync.Mutex
	ensuredCols map[string]bool
}

// NewQdrantBackend dials a Qdrant instance at dsn (host[:port], default
// gRPC port 6334) and returns a backend whose per-bucket collections are
// named "<prefix><bucket>".
func NewQdrantBackend(dsn string, dimension int, prefix string) (*QdrantBackend, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = dsn // allow a bare "host:port" or "host"
		if i := strings.IndexByte(host, ':'); i >= 0 {
			host = host[:i]
		}
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		portNum = 6334
	}
	cfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create qdrant client: %w", err)
	}
	if prefix == "" {
		prefix = "chunks_"
	}
	return &QdrantBackend{
		client:      client,
		dimension:   dimension,
		prefix:      prefix,
		ensuredCols: make(map[string]bool),
	}, nil
}

func (q *QdrantBackend) collectionName(bucket string) string {
	if bucket == "" {
		bucket = "default"
	}
	return q.prefix + bucket
}

func (q *QdrantBackend) ensureCollection(ctx context.Context, name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ensuredCols[name] {
		return nil
	}
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check qdrant collection: %w", err)
	}
	if !exists {
		size := uint64(q.dimension)
		if size == 0 {
			size = 768
		}
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     size,
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return fmt.Errorf("create qdrant collection %s: %w", name, err)
		}
	}
	q.ensuredCols[name] = true
	return nil
}

func (q *QdrantBackend) upsertPoint(ctx context.Context, collection string, pointID uint64, vec []float32, payload map[string]string) error {
	if err := q.ensureCollection(ctx, collection); err != nil {
		return err
	}
	payloadAny := make(map[string]any, len(payload))
	for k, v := range payload {
		payloadAny[k] = v
	}
	vecCopy := make([]float32, len(vec))
	copy(vecCopy, vec)
	points := []*qdrant.PointStruct{{
		Id:      qdrant.NewIDNum(pointID),
		Vectors: qdrant.NewVectorsDense(vecCopy),
		Payload: qdrant.NewValueMap(payloadAny),
	}}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
	})
	return err
}

// UpsertChunkVector implements store.ExternalVectorBackend.
func (q *QdrantBackend) UpsertChunkVector(ctx context.Context, bucket string, chunkID int64, text string, embedding []float32, metadata map[string]string) error {
	if len(embedding) == 0 {
		return nil // sentinel zero-vector embeddings are never mirrored
	}
	payload := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		payload[k] = v
	}
	payload["text"] = truncateForPayload(text)
	return q.upsertPoint(ctx, q.collectionName(bucket), uint64(chunkID), embedding, payload)
}

// UpsertSummaryVector implements store.ExternalVectorBackend.
func (q *QdrantBackend) UpsertSummaryVector(ctx context.Context, bucket string, docID int64, text string, embedding []float32) error {
	if len(embedding) == 0 {
		return nil
	}
	name := "summaries_" + bucket
	if bucket == "" {
		name = "summaries_default"
	}
	return q.upsertPoint(ctx, name, uint64(docID), embedding, map[string]string{"text": truncateForPayload(text)})
}

// SearchChunkVectors implements store.ExternalVectorBackend. When bucket
// is empty it fans out across every collection this backend has seen,
// matching §4.7's "if bucket is unset, fan out to all collections
// concurrently, merge, sort by descending similarity".
func (q *QdrantBackend) SearchChunkVectors(ctx context.Context, bucket string, embedding []float32, k int) ([]ExternalVectorHit, error) {
	if k <= 0 {
		k = 10
	}
	if bucket != "" {
		return q.searchOne(ctx, q.collectionName(bucket), embedding, k)
	}

	q.mu.Lock()
	names := make([]string, 0, len(q.ensuredCols))
	for name := range q.ensuredCols {
		if strings.HasPrefix(name, q.prefix) {
			names = append(names, name)
		}
	}
	q.mu.Unlock()

	type result struct {
		hits []ExternalVectorHit
	}
	results := make(chan result, len(names))
	for _, name := range names {
		name := name
		go func() {
			hits, err := q.searchOne(ctx, name, embedding, k)
			if err != nil {
				results <- result{}
				return
			}
			results <- result{hits: hits}
		}()
	}
	var merged []ExternalVectorHit
	for range names {
		merged = append(merged, (<-results).hits...)
	}
	sortHitsDescending(merged)
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

func (q *QdrantBackend) searchOne(ctx context.Context, collection string, embedding []float32, k int) ([]ExternalVectorHit, error) {
	vec := make([]float32, len(embedding))
	copy(vec, embedding)
	limit := uint64(k)
	resp, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query %s: %w", collection, err)
	}
	hits := make([]ExternalVectorHit, 0, len(resp))
	for _, hit := range resp {
		meta := make(map[string]string)
		if hit.Payload != nil {
			for k, v := range hit.Payload {
				meta[k] = v.GetStringValue()
			}
		}
		hits = append(hits, ExternalVectorHit{
			ChunkID:  int64(hit.Id.GetNum()),
			Score:    float64(hit.Score),
			Metadata: meta,
		})
	}
	return hits, nil
}

// Close implements store.ExternalVectorBackend.
func (q *QdrantBackend) Close() error {
	return q.client.Close()
}

func sortHitsDescending(hits []ExternalVectorHit) {
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].Score > hits[j-1].Score; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
}

func truncateForPayload(s string) string {
	const max = 2000
	if len(s) <= max {
		return s
	}
	return s[:max]
}
