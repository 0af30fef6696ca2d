package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresGraphBackend is the §4.8 Graph Store's postgres-backed
// ExternalGraphBackend, an alternative to the default SQLite columnar
// tables. Grounded on manifold's internal/persistence/databases/factory.go
// newPgPool (ParseConfig + bounded pool + ping-on-create).
type PostgresGraphBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresGraphBackend dials postgres at dsn, pings it, and ensures
// the entities/relationships mirror tables exist.
func NewPostgresGraphBackend(ctx context.Context, dsn string) (*PostgresGraphBackend, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MinConns = 0
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create postgres pool: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	b := &PostgresGraphBackend{pool: pool}
	if err := b.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

func (b *PostgresGraphBackend) ensureSchema(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS graph_entities (
			bucket TEXT NOT NULL,
			document_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			description TEXT,
			embedding JSONB,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (bucket, document_id, name)
		);
		CREATE TABLE IF NOT EXISTS graph_relationships (
			bucket TEXT NOT NULL,
			document_id BIGINT NOT NULL,
			source_entity TEXT NOT NULL,
			target_entity TEXT NOT NULL,
			description TEXT,
			strength DOUBLE PRECISION,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (bucket, document_id, source_entity, target_entity)
		);
	`)
	if err != nil {
		return fmt.Errorf("store: ensure postgres graph schema: %w", err)
	}
	return nil
}

// UpsertEntity implements store.ExternalGraphBackend.
func (b *PostgresGraphBackend) UpsertEntity(ctx context.Context, bucket string, docID int64, name, entityType, description string, embedding []float32) error {
	var embJSON []byte
	if len(embedding) > 0 {
		embJSON, _ = json.Marshal(embedding)
	}
	_, err := b.pool.Exec(ctx, `
		INSERT INTO graph_entities (bucket, document_id, name, entity_type, description, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (bucket, document_id, name) DO UPDATE SET
			entity_type = EXCLUDED.entity_type,
			description = EXCLUDED.description,
			embedding = EXCLUDED.embedding,
			updated_at = now()
	`, bucket, docID, name, entityType, description, embJSON)
	if err != nil {
		return fmt.Errorf("store: upsert postgres entity: %w", err)
	}
	return nil
}

// UpsertRelationship implements store.ExternalGraphBackend. Source/target
// are normalized case-insensitively per §3's "source ≠ target after
// normalization" invariant; a self-loop after normalization is dropped.
func (b *PostgresGraphBackend) UpsertRelationship(ctx context.Context, bucket string, docID int64, source, target, description string, strength float64) error {
	if normalizeEntityName(source) == normalizeEntityName(target) {
		return nil
	}
	_, err := b.pool.Exec(ctx, `
		INSERT INTO graph_relationships (bucket, document_id, source_entity, target_entity, description, strength, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (bucket, document_id, source_entity, target_entity) DO UPDATE SET
			description = EXCLUDED.description,
			strength = EXCLUDED.strength,
			updated_at = now()
	`, bucket, docID, source, target, description, strength)
	if err != nil {
		return fmt.Errorf("store: upsert postgres relationship: %w", err)
	}
	return nil
}

// HealthCheck implements store.ExternalGraphBackend: §4.8 "attempt a
// table listing; on failure, one reconnect attempt."
func (b *PostgresGraphBackend) HealthCheck(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `SELECT 1 FROM graph_entities LIMIT 0`)
	if err == nil {
		return nil
	}
	if pingErr := b.pool.Ping(ctx); pingErr != nil {
		return fmt.Errorf("store: postgres graph backend unreachable: %w", pingErr)
	}
	_, err = b.pool.Exec(ctx, `SELECT 1 FROM graph_entities LIMIT 0`)
	return err
}

// Close implements store.ExternalGraphBackend.
func (b *PostgresGraphBackend) Close() error {
	b.pool.Close()
	return nil
}

func normalizeEntityName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			r = r - 'A' + 'a'
		}
		out = append(out, r)
	}
	return string(out)
}
