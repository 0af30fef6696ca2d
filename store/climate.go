package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// climateMigrations extends the teacher's single-document RAG schema
// with the bucket-routed entities spec.md §3 names: Summary, STP
// Chunk, Processing Status, Claim, Covariate, Text Unit. Chunks gain a
// bucket column so the existing chunks/vec_chunks/chunks_fts triple
// can be reused directly instead of duplicated per bucket.
var climateMigrations = []migration{
	{
		version:     5,
		description: "climate-docs: bucket routing + summaries/stp/status/claims/covariates/text_units",
		apply: func(tx *sql.Tx) error {
			stmts := []string{
				"ALTER TABLE chunks ADD COLUMN bucket TEXT NOT NULL DEFAULT 'news'",
				"ALTER TABLE chunks ADD COLUMN row_index INTEGER",
				"CREATE INDEX IF NOT EXISTS idx_chunks_bucket ON chunks(bucket)",

				`CREATE TABLE IF NOT EXISTS summaries (
					id INTEGER PRIMARY KEY,
					document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
					bucket TEXT NOT NULL,
					summary_text TEXT NOT NULL,
					title TEXT,
					doc_type TEXT,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP
				)`,
				"CREATE INDEX IF NOT EXISTS idx_summaries_document ON summaries(document_id)",

				// STP store is modeled as a logically separate database per
				// spec.md §4.7 ("the STP vector store is a third logical
				// database"); kept as its own table set so a Backend
				// implementation can point it at a wholly different DSN.
				`CREATE VIRTUAL TABLE IF NOT EXISTS vec_stp_chunks USING vec0(
					chunk_id INTEGER PRIMARY KEY,
					embedding float[384]
				)`,
				`CREATE TABLE IF NOT EXISTS stp_chunks (
					id INTEGER PRIMARY KEY,
					document_id INTEGER REFERENCES documents(id) ON DELETE CASCADE,
					document_name TEXT NOT NULL,
					original_content TEXT NOT NULL,
					rephrased_content TEXT NOT NULL,
					stp_score REAL NOT NULL,
					qualifying_factors TEXT,
					token_count INTEGER,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP
				)`,
				"CREATE INDEX IF NOT EXISTS idx_stp_chunks_document ON stp_chunks(document_name)",

				`CREATE TABLE IF NOT EXISTS processing_status (
					document_name TEXT NOT NULL,
					bucket TEXT NOT NULL,
					chunks_done INTEGER NOT NULL DEFAULT 0,
					summary_done INTEGER NOT NULL DEFAULT 0,
					graphrag_done INTEGER NOT NULL DEFAULT 0,
					stp_done INTEGER NOT NULL DEFAULT 0,
					chunks_count INTEGER NOT NULL DEFAULT 0,
					entities_count INTEGER NOT NULL DEFAULT 0,
					text_units_count INTEGER NOT NULL DEFAULT 0,
					stp_count INTEGER NOT NULL DEFAULT 0,
					last_message TEXT,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (document_name, bucket)
				)`,

				`CREATE TABLE IF NOT EXISTS claims (
					id INTEGER PRIMARY KEY,
					document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
					subject TEXT NOT NULL,
					object TEXT,
					claim_type TEXT,
					status TEXT NOT NULL DEFAULT 'unknown',
					description TEXT,
					source_text TEXT,
					start_date TEXT,
					end_date TEXT
				)`,
				"CREATE INDEX IF NOT EXISTS idx_claims_document ON claims(document_id)",

				`CREATE TABLE IF NOT EXISTS covariates (
					id INTEGER PRIMARY KEY,
					document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
					subject_id TEXT,
					subject_type TEXT,
					covariate_type TEXT NOT NULL,
					text_unit_id INTEGER,
					attributes JSON
				)`,
				"CREATE INDEX IF NOT EXISTS idx_covariates_document ON covariates(document_id)",
				"CREATE INDEX IF NOT EXISTS idx_covariates_type ON covariates(covariate_type)",

				`CREATE VIRTUAL TABLE IF NOT EXISTS vec_text_units USING vec0(
					text_unit_id INTEGER PRIMARY KEY,
					embedding float[768]
				)`,
				`CREATE TABLE IF NOT EXISTS text_units (
					id INTEGER PRIMARY KEY,
					document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
					chunk_id INTEGER REFERENCES chunks(id),
					text TEXT NOT NULL,
					token_count INTEGER,
					entity_ids JSON,
					relationship_ids JSON
				)`,
				"CREATE INDEX IF NOT EXISTS idx_text_units_document ON text_units(document_id)",

				// Community table predates this migration with a narrower
				// shape (id, level, summary, entity_ids); extend it to carry
				// the remaining spec.md §3 Community fields rather than
				// duplicate a second table.
				"ALTER TABLE communities ADD COLUMN document_id INTEGER REFERENCES documents(id)",
				"ALTER TABLE communities ADD COLUMN community_key INTEGER",
				"ALTER TABLE communities ADD COLUMN title TEXT",
				"ALTER TABLE communities ADD COLUMN member_count INTEGER NOT NULL DEFAULT 0",
				"ALTER TABLE communities ADD COLUMN rating REAL NOT NULL DEFAULT 0",

				// Entities gain the spec's degree/rank/community-id-list and a
				// bucket-scoped allowed-type marker; relationships gain
				// strength/rank alongside the existing weight column.
				"ALTER TABLE entities ADD COLUMN bucket TEXT",
				"ALTER TABLE entities ADD COLUMN document_id INTEGER REFERENCES documents(id)",
				"ALTER TABLE entities ADD COLUMN degree INTEGER NOT NULL DEFAULT 0",
				"ALTER TABLE entities ADD COLUMN rank REAL NOT NULL DEFAULT 0",
				"ALTER TABLE entities ADD COLUMN community_ids JSON",
				"ALTER TABLE relationships ADD COLUMN document_id INTEGER REFERENCES documents(id)",
				"ALTER TABLE relationships ADD COLUMN strength REAL NOT NULL DEFAULT 0",
				"ALTER TABLE relationships ADD COLUMN rank REAL NOT NULL DEFAULT 0",

				"ALTER TABLE documents ADD COLUMN bucket TEXT",
			}
			for _, stmt := range stmts {
				if _, err := tx.Exec(stmt); err != nil {
					slog.Debug("migration 5: statement may already be applied", "sql", stmt, "error", err)
				}
			}
			return nil
		},
	},
	{
		version:     6,
		description: "climate-docs: scope entity uniqueness per document, add entity vector index",
		apply: func(tx *sql.Tx) error {
			// §3 "A Document exclusively owns ... graph artifacts": the
			// teacher's original UNIQUE(name, entity_type) dedups entities
			// globally across a single shared corpus. The climate pipeline
			// ingests many independent documents that may legitimately
			// mention entities with the same name, so the constraint is
			// rebuilt scoped to (name, entity_type, document_id) — SQLite
			// treats distinct NULLs as non-equal, so legacy rows with
			// document_id IS NULL keep their original cross-document merge
			// behavior.
			stmts := []string{
				`CREATE TABLE IF NOT EXISTS entities_v2 (
					id INTEGER PRIMARY KEY,
					name TEXT NOT NULL,
					entity_type TEXT NOT NULL,
					description TEXT,
					embedding_id INTEGER,
					metadata JSON,
					name_en TEXT,
					bucket TEXT,
					document_id INTEGER REFERENCES documents(id),
					degree INTEGER NOT NULL DEFAULT 0,
					rank REAL NOT NULL DEFAULT 0,
					community_ids JSON,
					UNIQUE(name, entity_type, document_id)
				)`,
				`INSERT INTO entities_v2 (id, name, entity_type, description, embedding_id, metadata, name_en, bucket, document_id, degree, rank, community_ids)
					SELECT id, name, entity_type, description, embedding_id, metadata, name_en, bucket, document_id, degree, rank, community_ids FROM entities`,
				"DROP TABLE entities",
				"ALTER TABLE entities_v2 RENAME TO entities",
				"CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type)",
				"CREATE INDEX IF NOT EXISTS idx_entities_name_en ON entities(name_en)",
				"CREATE INDEX IF NOT EXISTS idx_entities_document ON entities(document_id)",

				// §4.8 "cosine vector indexes on entities.description_embedding".
				`CREATE VIRTUAL TABLE IF NOT EXISTS vec_entities USING vec0(
					entity_id INTEGER PRIMARY KEY,
					embedding float[768]
				)`,
			}
			for _, stmt := range stmts {
				if _, err := tx.Exec(stmt); err != nil {
					slog.Debug("migration 6: statement may already be applied", "sql", stmt, "error", err)
				}
			}
			return nil
		},
	},
}

func init() {
	migrations = append(migrations, climateMigrations...)
}

// Summary is one row in the summaries table (§3 Summary). Exactly one
// per Document per successful summarization.
type Summary struct {
	ID         int64  `json:"id"`
	DocumentID int64  `json:"document_id"`
	Bucket     string `json:"bucket"`
	Text       string `json:"summary_text"`
	Title      string `json:"title"`
	DocType    string `json:"doc_type"`
	CreatedAt  string `json:"created_at"`
}

// InsertSummary upserts the single Summary for a document, matching
// §4.3's "exactly one Summary per Document per successful
// summarization" invariant.
func (s *Store) InsertSummary(ctx context.Context, sm Summary) (int64, error) {
	var existing int64
	row := s.db.QueryRowContext(ctx, `SELECT id FROM summaries WHERE document_id = ?`, sm.DocumentID)
	if err := row.Scan(&existing); err == nil {
		_, err := s.db.ExecContext(ctx, `
			UPDATE summaries SET summary_text=?, title=?, doc_type=?, bucket=? WHERE id=?`,
			sm.Text, sm.Title, sm.DocType, sm.Bucket, existing)
		return existing, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO summaries (document_id, bucket, summary_text, title, doc_type)
		VALUES (?, ?, ?, ?, ?)`, sm.DocumentID, sm.Bucket, sm.Text, sm.Title, sm.DocType)
	if err != nil {
		return 0, fmt.Errorf("inserting summary: %w", err)
	}
	return res.LastInsertId()
}

// SearchSummaries performs the fan-out summary search of §4.7
// `search_summaries`: one SELECT per bucket collection (simulated as a
// WHERE-bucket filter against the shared table since the default
// backend is a single SQLite file), subject to k_per_collection and
// min_score.
func (s *Store) SearchSummaries(ctx context.Context, buckets []string, limit int) ([]Summary, error) {
	if len(buckets) == 0 {
		buckets = []string{"researchpapers", "policy", "scientificdata", "news"}
	}
	var out []Summary
	for _, b := range buckets {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, document_id, bucket, summary_text, title, doc_type, created_at
			FROM summaries WHERE bucket = ? ORDER BY id DESC LIMIT ?`, b, limit)
		if err != nil {
			continue // a failed per-collection fetch contributes zero results
		}
		for rows.Next() {
			var sm Summary
			if err := rows.Scan(&sm.ID, &sm.DocumentID, &sm.Bucket, &sm.Text, &sm.Title, &sm.DocType, &sm.CreatedAt); err == nil {
				out = append(out, sm)
			}
		}
		rows.Close()
	}
	return out, nil
}

// STPChunk is one row of the STP store (§3 STP Chunk, §4.5 stage 5).
type STPChunk struct {
	ID                int64   `json:"id"`
	DocumentID        int64   `json:"document_id"`
	DocumentName      string  `json:"document_name"`
	OriginalContent   string  `json:"original_content"`
	RephrasedContent  string  `json:"rephrased_content"`
	STPScore          float64 `json:"stp_score"`
	QualifyingFactors string  `json:"qualifying_factors"`
	TokenCount        int     `json:"token_count"`
	CreatedAt         string  `json:"created_at"`
}

// InsertSTPChunks upserts a batch of relevance-positive STP chunks
// plus their 384-D embeddings (§4.5 stage 5, batch size 32 enforced by
// the caller). Records whose embedding dimension mismatches the
// store's STP dimension are dropped per §7 DataError.
func (s *Store) InsertSTPChunks(ctx context.Context, chunks []STPChunk, embeddings [][]float32) ([]int64, error) {
	if len(chunks) != len(embeddings) {
		return nil, fmt.Errorf("store: stp chunk/embedding count mismatch: %d vs %d", len(chunks), len(embeddings))
	}
	var ids []int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for i, c := range chunks {
			if len(embeddings[i]) != 384 {
				slog.Warn("stp chunk dropped: embedding dimension mismatch",
					"document", c.DocumentName, "dim", len(embeddings[i]))
				continue
			}
			res, err := tx.Exec(`
				INSERT INTO stp_chunks
					(document_id, document_name, original_content, rephrased_content,
					 stp_score, qualifying_factors, token_count)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				c.DocumentID, c.DocumentName, c.OriginalContent, c.RephrasedContent,
				c.STPScore, c.QualifyingFactors, c.TokenCount)
			if err != nil {
				return fmt.Errorf("inserting stp chunk: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			buf := serializeFloat32(embeddings[i])
			if _, err := tx.Exec(`INSERT INTO vec_stp_chunks (chunk_id, embedding) VALUES (?, ?)`, id, buf); err != nil {
				return fmt.Errorf("inserting stp embedding: %w", err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

// SearchSTPChunks runs a k-NN search against the STP vector store.
func (s *Store) SearchSTPChunks(ctx context.Context, queryEmbedding []float32, k int) ([]STPChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.document_name, c.original_content, c.rephrased_content,
		       c.stp_score, c.qualifying_factors, c.token_count, c.created_at
		FROM vec_stp_chunks v
		JOIN stp_chunks c ON c.id = v.chunk_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance`, serializeFloat32(queryEmbedding), k)
	if err != nil {
		return nil, fmt.Errorf("stp vector search: %w", err)
	}
	defer rows.Close()
	var out []STPChunk
	for rows.Next() {
		var c STPChunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.DocumentName, &c.OriginalContent, &c.RephrasedContent,
			&c.STPScore, &c.QualifyingFactors, &c.TokenCount, &c.CreatedAt); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// ProcessingStatus mirrors spec.md §3 Processing Status: per
// (document, bucket) stage booleans, counts, and a last-updated
// timestamp.
type ProcessingStatus struct {
	DocumentName   string `json:"document_name"`
	Bucket         string `json:"bucket"`
	ChunksDone     bool   `json:"chunks_done"`
	SummaryDone    bool   `json:"summary_done"`
	GraphragDone   bool   `json:"graphrag_done"`
	STPDone        bool   `json:"stp_done"`
	ChunksCount    int    `json:"chunks_count"`
	EntitiesCount  int    `json:"entities_count"`
	TextUnitsCount int    `json:"text_units_count"`
	STPCount       int    `json:"stp_count"`
	LastMessage    string `json:"last_message"`
	UpdatedAt      string `json:"updated_at"`
}

// GetProcessingStatus reads the status row for (docName, bucket),
// returning a zero-value (all stages false) row if none exists yet —
// "no status recorded" and "nothing done" are the same observable
// state per §4.9.
func (s *Store) GetProcessingStatus(ctx context.Context, docName, bucket string) (ProcessingStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT document_name, bucket, chunks_done, summary_done, graphrag_done, stp_done,
		       chunks_count, entities_count, text_units_count, stp_count, last_message, updated_at
		FROM processing_status WHERE document_name=? AND bucket=?`, docName, bucket)
	var ps ProcessingStatus
	var chunksDone, summaryDone, graphragDone, stpDone int
	err := row.Scan(&ps.DocumentName, &ps.Bucket, &chunksDone, &summaryDone, &graphragDone, &stpDone,
		&ps.ChunksCount, &ps.EntitiesCount, &ps.TextUnitsCount, &ps.STPCount, &ps.LastMessage, &ps.UpdatedAt)
	if err == sql.ErrNoRows {
		return ProcessingStatus{DocumentName: docName, Bucket: bucket}, nil
	}
	if err != nil {
		return ps, err
	}
	ps.ChunksDone = chunksDone != 0
	ps.SummaryDone = summaryDone != 0
	ps.GraphragDone = graphragDone != 0
	ps.STPDone = stpDone != 0
	return ps, nil
}

// MarkStageDone idempotently marks one stage done for (docName,
// bucket), updating its counts. Calling it twice with the same
// arguments produces an identical stored row (§5 "idempotent per
// stage", §8 testable property 9).
func (s *Store) MarkStageDone(ctx context.Context, docName, bucket, stage string, count int) error {
	col, countCol := stageColumns(stage)
	if col == "" {
		return fmt.Errorf("store: unknown stage %q", stage)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO processing_status (document_name, bucket, %s, %s, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(document_name, bucket) DO UPDATE SET
			%s = 1, %s = excluded.%s, updated_at = excluded.updated_at`,
		col, countCol, col, countCol, countCol),
		docName, bucket, count, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// MarkStageSkipped records a non-fatal skip (e.g. graphrag on a
// sub-100-char document) without flipping the stage's done flag.
func (s *Store) MarkStageSkipped(ctx context.Context, docName, bucket, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_status (document_name, bucket, last_message, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(document_name, bucket) DO UPDATE SET
			last_message = excluded.last_message, updated_at = excluded.updated_at`,
		docName, bucket, message, time.Now().UTC().Format(time.RFC3339))
	return err
}

func stageColumns(stage string) (col, countCol string) {
	switch stage {
	case "chunks":
		return "chunks_done", "chunks_count"
	case "summary":
		return "summary_done", "chunks_count" // summary has no distinct count column; reuses chunks_count slot unused by this stage
	case "graphrag":
		return "graphrag_done", "entities_count"
	case "stp":
		return "stp_done", "stp_count"
	default:
		return "", ""
	}
}

// Claim is a row in the claims table (§3 Claim).
type Claim struct {
	ID          int64  `json:"id"`
	DocumentID  int64  `json:"document_id"`
	Subject     string `json:"subject"`
	Object      string `json:"object"`
	ClaimType   string `json:"claim_type"`
	Status      string `json:"status"`
	Description string `json:"description"`
	SourceText  string `json:"source_text"`
	StartDate   string `json:"start_date,omitempty"`
	EndDate     string `json:"end_date,omitempty"`
}

// InsertClaim stores one Claim row.
func (s *Store) InsertClaim(ctx context.Context, c Claim) (int64, error) {
	if c.Status == "" {
		c.Status = "unknown"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO claims (document_id, subject, object, claim_type, status, description, source_text, start_date, end_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.DocumentID, c.Subject, c.Object, c.ClaimType, c.Status, c.Description, c.SourceText, c.StartDate, c.EndDate)
	if err != nil {
		return 0, fmt.Errorf("inserting claim: %w", err)
	}
	return res.LastInsertId()
}

// Covariate is a row in the covariates table (§3 Covariate).
type Covariate struct {
	ID            int64  `json:"id"`
	DocumentID    int64  `json:"document_id"`
	SubjectID     string `json:"subject_id"`
	SubjectType   string `json:"subject_type"`
	CovariateType string `json:"covariate_type"`
	TextUnitID    int64  `json:"text_unit_id"`
	Attributes    string `json:"attributes"` // JSON
}

// InsertCovariate stores one Covariate row.
func (s *Store) InsertCovariate(ctx context.Context, c Covariate) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO covariates (document_id, subject_id, subject_type, covariate_type, text_unit_id, attributes)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.DocumentID, c.SubjectID, c.SubjectType, c.CovariateType, c.TextUnitID, c.Attributes)
	if err != nil {
		return 0, fmt.Errorf("inserting covariate: %w", err)
	}
	return res.LastInsertId()
}

// ClaimsFromCovariates implements §4.4's fallback claim-extraction
// rule: "Claims: extracted either from a dedicated claims table or by
// filtering covariates whose covariate_type contains 'claim'."
func (s *Store) ClaimsFromCovariates(ctx context.Context, docID int64) ([]Covariate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, subject_id, subject_type, covariate_type, text_unit_id, attributes
		FROM covariates WHERE document_id=? AND covariate_type LIKE '%claim%'`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Covariate
	for rows.Next() {
		var c Covariate
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.SubjectID, &c.SubjectType, &c.CovariateType, &c.TextUnitID, &c.Attributes); err == nil {
			out = append(out, c)
		}
	}
	return out, nil
}

// TextUnit is a row in the text_units table (§3 Text Unit), critical
// for local graph search (§4.8 Glossary).
type TextUnit struct {
	ID              int64  `json:"id"`
	DocumentID      int64  `json:"document_id"`
	ChunkID         int64  `json:"chunk_id"`
	Text            string `json:"text"`
	TokenCount      int    `json:"token_count"`
	EntityIDs       string `json:"entity_ids"`       // JSON list
	RelationshipIDs string `json:"relationship_ids"` // JSON list
}

// InsertTextUnit stores one Text Unit and its 768-D embedding.
func (s *Store) InsertTextUnit(ctx context.Context, tu TextUnit, embedding []float32) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO text_units (document_id, chunk_id, text, token_count, entity_ids, relationship_ids)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tu.DocumentID, tu.ChunkID, tu.Text, tu.TokenCount, tu.EntityIDs, tu.RelationshipIDs)
	if err != nil {
		return 0, fmt.Errorf("inserting text unit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if len(embedding) > 0 {
		buf := serializeFloat32(normalize768(embedding))
		if _, err := s.db.ExecContext(ctx, `INSERT INTO vec_text_units (text_unit_id, embedding) VALUES (?, ?)`, id, buf); err != nil {
			slog.Warn("text unit embedding insert failed", "text_unit_id", id, "error", err)
		}
	}
	return id, nil
}

// TextUnitsForEntities returns the text units referencing any of the
// given entity IDs (local graph search traversal, §4.8 Glossary).
func (s *Store) TextUnitsForEntities(ctx context.Context, entityIDs []int64, limit int) ([]TextUnit, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, chunk_id, text, token_count, entity_ids, relationship_ids
		FROM text_units LIMIT ?`, limit*50) // bounded scan; JSON containment filtered in Go below
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	wanted := make(map[string]bool, len(entityIDs))
	for _, id := range entityIDs {
		wanted[fmt.Sprintf("%d", id)] = true
	}

	var out []TextUnit
	for rows.Next() {
		var tu TextUnit
		if err := rows.Scan(&tu.ID, &tu.DocumentID, &tu.ChunkID, &tu.Text, &tu.TokenCount, &tu.EntityIDs, &tu.RelationshipIDs); err != nil {
			continue
		}
		for idStr := range wanted {
			if strContains(tu.EntityIDs, idStr) {
				out = append(out, tu)
				break
			}
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func strContains(haystack, needle string) bool {
	return len(needle) > 0 && len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}

// normalize768 pads or truncates an embedding to exactly 768 floats,
// per §4.4's entity/text-unit embedding transfer rule.
func normalize768(v []float32) []float32 {
	return normalizeDim(v, 768)
}

// normalizeDim pads (with zeros) or truncates v to exactly dim floats.
func normalizeDim(v []float32, dim int) []float32 {
	if len(v) == dim {
		return v
	}
	out := make([]float32, dim)
	copy(out, v)
	return out
}

// CommunityFull carries every field spec.md §3 Community names, joined
// against the community_reports equivalent (the `summary` column
// already on the table).
type CommunityFull struct {
	ID           int64   `json:"id"`
	DocumentID   int64   `json:"document_id"`
	CommunityKey int     `json:"community_key"`
	Title        string  `json:"title"`
	Summary      string  `json:"summary"`
	MemberIDs    string  `json:"member_ids"` // JSON list
	MemberCount  int     `json:"member_count"`
	Rating       float64 `json:"rating"`
	Level        int     `json:"level"`
}

// InsertCommunityFull stores a Community with the full §3 field set,
// enforcing member_count == len(member list) per §4.4 transfer rules.
func (s *Store) InsertCommunityFull(ctx context.Context, c CommunityFull) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO communities (document_id, community_key, title, summary, entity_ids, member_count, rating, level)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.DocumentID, c.CommunityKey, c.Title, c.Summary, c.MemberIDs, c.MemberCount, c.Rating, c.Level)
	if err != nil {
		return 0, fmt.Errorf("inserting community: %w", err)
	}
	return res.LastInsertId()
}

// CommunitiesForDocument returns every community belonging to a
// document, used by the graph store's "full graph for document"
// lookup (§4.8).
func (s *Store) CommunitiesForDocument(ctx context.Context, docID int64) ([]CommunityFull, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, COALESCE(community_key,0), COALESCE(title,''), COALESCE(summary,''),
		       entity_ids, member_count, rating, level
		FROM communities WHERE document_id = ?`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CommunityFull
	for rows.Next() {
		var c CommunityFull
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.CommunityKey, &c.Title, &c.Summary,
			&c.MemberIDs, &c.MemberCount, &c.Rating, &c.Level); err == nil {
			out = append(out, c)
		}
	}
	return out, nil
}

