package store

import "context"

// ExternalVectorBackend is implemented by alternate, pluggable chunk/summary
// vector stores (§4.7) that mirror the inserts the default SQLite-backed
// Store already performs. Selected via StoreConfig.VectorBackend in the
// composition root and wired into the Ingestion Orchestrator so every
// chunk/summary insert that lands in the default store also lands here.
//
// This is the "Backend" interface SPEC_FULL Part C names for the Vector
// Store: a reader swapping VectorBackend implementations does not need to
// touch the default SQLite path, since the mirror is additive and
// best-effort (a mirror failure logs a warning, it never fails the
// primary ingest stage).
type ExternalVectorBackend interface {
	// UpsertChunkVector stores one chunk's embedding, bucket-routed per
	// §4.7 ("one collection per bucket").
	UpsertChunkVector(ctx context.Context, bucket string, chunkID int64, text string, embedding []float32, metadata map[string]string) error
	// UpsertSummaryVector stores one summary's embedding.
	UpsertSummaryVector(ctx context.Context, bucket string, docID int64, text string, embedding []float32) error
	// SearchChunkVectors runs a k-NN search scoped to bucket, or across
	// all known collections when bucket is empty (§4.7 search_chunks).
	SearchChunkVectors(ctx context.Context, bucket string, embedding []float32, k int) ([]ExternalVectorHit, error)
	Close() error
}

// ExternalVectorHit is one result from ExternalVectorBackend.SearchChunkVectors.
type ExternalVectorHit struct {
	ChunkID  int64
	Score    float64
	Metadata map[string]string
}

// ExternalGraphBackend is implemented by alternate, pluggable graph stores
// (§4.8) that mirror entity/relationship commits the default SQLite
// columnar tables already persist. Selected via StoreConfig.GraphBackend.
type ExternalGraphBackend interface {
	UpsertEntity(ctx context.Context, bucket string, docID int64, name, entityType, description string, embedding []float32) error
	UpsertRelationship(ctx context.Context, bucket string, docID int64, source, target, description string, strength float64) error
	// HealthCheck attempts a cheap round-trip against the backend (§4.8:
	// "attempt a table listing; on failure, one reconnect attempt").
	HealthCheck(ctx context.Context) error
	Close() error
}
