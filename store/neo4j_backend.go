package store

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jGraphBackend is a second §4.8 ExternalGraphBackend, exercising the
// "local search" graph modality the Glossary names as first-class via
// Cypher MERGE traversal. Grounded on WessleyAI's pkg/repo/neo4j.go
// session/transaction idiom.
type Neo4jGraphBackend struct {
	driver neo4j.DriverWithContext
}

// NewNeo4jGraphBackend dials uri with basic auth and verifies
// connectivity before returning.
func NewNeo4jGraphBackend(ctx context.Context, uri, username, password string) (*Neo4jGraphBackend, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("store: create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("store: neo4j connectivity check: %w", err)
	}
	return &Neo4jGraphBackend{driver: driver}, nil
}

func (b *Neo4jGraphBackend) session(ctx context.Context) neo4j.SessionWithContext {
	return b.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
}

// UpsertEntity implements store.ExternalGraphBackend.
func (b *Neo4jGraphBackend) UpsertEntity(ctx context.Context, bucket string, docID int64, name, entityType, description string, embedding []float32) error {
	sess := b.session(ctx)
	defer sess.Close(ctx)

	embeddingF64 := make([]float64, len(embedding))
	for i, v := range embedding {
		embeddingF64[i] = float64(v)
	}

	_, err := sess.Run(ctx, `
		MERGE (e:Entity {bucket: $bucket, document_id: $doc_id, name: $name})
		SET e.entity_type = $entity_type,
		    e.description = $description,
		    e.embedding = $embedding,
		    e.updated_at = timestamp()
	`, map[string]any{
		"bucket":      bucket,
		"doc_id":      docID,
		"name":        name,
		"entity_type": entityType,
		"description": description,
		"embedding":   embeddingF64,
	})
	if err != nil {
		return fmt.Errorf("store: neo4j upsert entity: %w", err)
	}
	return nil
}

// UpsertRelationship implements store.ExternalGraphBackend.
func (b *Neo4jGraphBackend) UpsertRelationship(ctx context.Context, bucket string, docID int64, source, target, description string, strength float64) error {
	if normalizeEntityName(source) == normalizeEntityName(target) {
		return nil
	}
	sess := b.session(ctx)
	defer sess.Close(ctx)

	_, err := sess.Run(ctx, `
		MERGE (s:Entity {bucket: $bucket, document_id: $doc_id, name: $source})
		MERGE (t:Entity {bucket: $bucket, document_id: $doc_id, name: $target})
		MERGE (s)-[r:RELATES_TO]->(t)
		SET r.description = $description, r.strength = $strength, r.updated_at = timestamp()
	`, map[string]any{
		"bucket":      bucket,
		"doc_id":      docID,
		"source":      source,
		"target":      target,
		"description": description,
		"strength":    strength,
	})
	if err != nil {
		return fmt.Errorf("store: neo4j upsert relationship: %w", err)
	}
	return nil
}

// HealthCheck implements store.ExternalGraphBackend.
func (b *Neo4jGraphBackend) HealthCheck(ctx context.Context) error {
	if err := b.driver.VerifyConnectivity(ctx); err == nil {
		return nil
	}
	// §4.8: one reconnect attempt on failure.
	if err := b.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("store: neo4j backend unreachable: %w", err)
	}
	return nil
}

// Close implements store.ExternalGraphBackend.
func (b *Neo4jGraphBackend) Close() error {
	return b.driver.Close(context.Background())
}
