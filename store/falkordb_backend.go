package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/FalkorDB/falkordb-go/v2"
)

// FalkorDBGraphBackend is a third §4.8 ExternalGraphBackend, built on
// FalkorDB's Cypher-over-Redis surface. Grounded on
// leefowlercu-agentic-memorizer's internal/graph/client.go MERGE/SET
// query-building idiom (queries assembled with fmt.Sprintf and an
// escapeString helper rather than driver-level parameter binding).
type FalkorDBGraphBackend struct {
	client *falkordb.FalkorDB
	graph  falkordb.Graph
}

// NewFalkorDBGraphBackend connects to a FalkorDB/Redis instance at addr
// and selects graphName as the working graph.
func NewFalkorDBGraphBackend(addr, password, graphName string) (*FalkorDBGraphBackend, error) {
	opts := falkordb.FalkorDBOptions{Addr: addr}
	if password != "" {
		opts.Password = password
	}
	client, err := falkordb.FalkorDBNew(&opts)
	if err != nil {
		return nil, fmt.Errorf("store: connect falkordb: %w", err)
	}
	graph := client.SelectGraph(graphName)
	return &FalkorDBGraphBackend{client: client, graph: graph}, nil
}

func escapeString(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "'", "\\'")
	return s
}

// UpsertEntity implements store.ExternalGraphBackend.
func (b *FalkorDBGraphBackend) UpsertEntity(ctx context.Context, bucket string, docID int64, name, entityType, description string, embedding []float32) error {
	query := fmt.Sprintf(`
		MERGE (e:Entity {bucket: '%s', document_id: %d, name: '%s'})
		SET e.entity_type = '%s', e.description = '%s', e.embedding = %s
	`,
		escapeString(bucket), docID, escapeString(name),
		escapeString(entityType), escapeString(description),
		formatEmbeddingArray(embedding),
	)
	_, err := b.graph.Query(query, nil, nil)
	if err != nil {
		return fmt.Errorf("store: falkordb upsert entity: %w", err)
	}
	return nil
}

// UpsertRelationship implements store.ExternalGraphBackend.
func (b *FalkorDBGraphBackend) UpsertRelationship(ctx context.Context, bucket string, docID int64, source, target, description string, strength float64) error {
	if normalizeEntityName(source) == normalizeEntityName(target) {
		return nil
	}
	query := fmt.Sprintf(`
		MERGE (s:Entity {bucket: '%s', document_id: %d, name: '%s'})
		MERGE (t:Entity {bucket: '%s', document_id: %d, name: '%s'})
		MERGE (s)-[r:RELATES_TO]->(t)
		SET r.description = '%s', r.strength = %s
	`,
		escapeString(bucket), docID, escapeString(source),
		escapeString(bucket), docID, escapeString(target),
		escapeString(description), strconv.FormatFloat(strength, 'f', -1, 64),
	)
	_, err := b.graph.Query(query, nil, nil)
	if err != nil {
		return fmt.Errorf("store: falkordb upsert relationship: %w", err)
	}
	return nil
}

// HealthCheck implements store.ExternalGraphBackend.
func (b *FalkorDBGraphBackend) HealthCheck(ctx context.Context) error {
	if _, err := b.graph.Query("RETURN 1", nil, nil); err == nil {
		return nil
	}
	// §4.8: one reconnect attempt on failure.
	if _, err := b.graph.Query("RETURN 1", nil, nil); err != nil {
		return fmt.Errorf("store: falkordb backend unreachable: %w", err)
	}
	return nil
}

// Close implements store.ExternalGraphBackend.
func (b *FalkorDBGraphBackend) Close() error {
	return b.client.Conn.Close()
}

func formatEmbeddingArray(embedding []float32) string {
	if len(embedding) == 0 {
		return "[]"
	}
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
