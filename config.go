package climatedocs

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds all configuration for the GoReason engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.goreason/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	// Defaults to "goreason". The file will be <DBName>.db inside the
	// storage directory (~/.goreason/ or working dir).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set. Options: "home" (default) uses ~/.goreason/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// LLM providers
	Chat        LLMConfig `json:"chat" yaml:"chat"`
	Embedding   LLMConfig `json:"embedding" yaml:"embedding"`
	Vision      LLMConfig `json:"vision" yaml:"vision"`
	Translation LLMConfig `json:"translation" yaml:"translation"` // optional: fast model for query translation (defaults to Chat)

	// Per-selector embedders (§4.7, §9): chunk/summary/STP embeddings
	// use different dimensions, so each selector may point at a
	// distinct model. Any left zero-valued falls back to Embedding.
	ChunkEmbedding   LLMConfig `json:"chunk_embedding" yaml:"chunk_embedding"`
	SummaryEmbedding LLMConfig `json:"summary_embedding" yaml:"summary_embedding"`
	STPEmbedding     LLMConfig `json:"stp_embedding" yaml:"stp_embedding"`

	// Retrieval weights for RRF
	WeightVector float64 `json:"weight_vector" yaml:"weight_vector"`
	WeightFTS    float64 `json:"weight_fts" yaml:"weight_fts"`
	WeightGraph  float64 `json:"weight_graph" yaml:"weight_graph"`

	// Chunking
	MaxChunkTokens int `json:"max_chunk_tokens" yaml:"max_chunk_tokens"`
	ChunkOverlap   int `json:"chunk_overlap" yaml:"chunk_overlap"`

	// Graph building
	SkipGraph        bool `json:"skip_graph" yaml:"skip_graph"`                 // Skip knowledge graph extraction during ingest
	GraphConcurrency int  `json:"graph_concurrency" yaml:"graph_concurrency"`   // Max parallel LLM calls for graph extraction (default 16)

	// Reasoning
	MaxRounds           int     `json:"max_rounds" yaml:"max_rounds"`
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`

	// Image captioning
	CaptionImages bool `json:"caption_images" yaml:"caption_images"` // Opt-in: caption extracted images via vision LLM

	// External parsing
	LlamaParse *LlamaParseConfig `json:"llamaparse,omitempty" yaml:"llamaparse,omitempty"`

	// Embedding dimensions (must match model)
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// Feature flags (§6 ENABLE_GRAPHRAG / ENABLE_STP env vars): when
	// off, they mask the graphrag/stp stages out of every ingestion
	// request (ProcessDocument/ProcessBatch), independent of the
	// scientificdata bucket's implicit per-document masking. The query
	// orchestrator does not read them.
	EnableGraphRAG bool `json:"enable_graphrag" yaml:"enable_graphrag"`
	EnableSTP      bool `json:"enable_stp" yaml:"enable_stp"`

	// IngestConcurrency bounds documents in flight per batch ingest
	// run (§5, default 3).
	IngestConcurrency int `json:"ingest_concurrency" yaml:"ingest_concurrency"`

	// TaskCleanupAge is how long a completed/failed background task
	// is kept before cleanup removes it (§4.10, default 24h).
	TaskCleanupAge time.Duration `json:"task_cleanup_age" yaml:"task_cleanup_age"`

	// NATSURL, when set, backs the Background Task Manager's event
	// stream and the Evaluation Worker's external trace sink
	// transport (§4.10, §4.14). Empty disables both.
	NATSURL string `json:"nats_url" yaml:"nats_url"`

	// Retrieval mirrors query.Config (§4.12): orchestrator timing,
	// rerank cutoffs, and context budget.
	Retrieval RetrievalConfig `json:"retrieval" yaml:"retrieval"`

	// STP mirrors stp.Config (§4.5): the tipping-point sub-pipeline's
	// chunking/classification tuning.
	STP STPConfig `json:"stp" yaml:"stp"`

	// Eval mirrors eval.WorkerConfig (§4.14): the evaluation worker's
	// tick interval, batch size, and judge model.
	Eval EvalConfig `json:"eval" yaml:"eval"`

	// Store selects and configures the pluggable mirror backends for
	// the Vector Store and Graph Store (§4.7, §4.8, SPEC_FULL Part C).
	Store StoreConfig `json:"store" yaml:"store"`
}

// StoreConfig selects an optional mirror backend for chunk/summary
// vectors and for graph entities/relationships. The default SQLite
// store is always authoritative; a configured backend here receives a
// best-effort additional write alongside it (§4.7, §4.8).
type StoreConfig struct {
	// VectorBackend is one of "", "qdrant". Empty disables mirroring.
	VectorBackend string `json:"vector_backend" yaml:"vector_backend"`
	QdrantDSN     string `json:"qdrant_dsn" yaml:"qdrant_dsn"`
	QdrantPrefix  string `json:"qdrant_prefix" yaml:"qdrant_prefix"`

	// GraphBackend is one of "", "postgres", "neo4j", "falkordb".
	GraphBackend string `json:"graph_backend" yaml:"graph_backend"`

	PostgresDSN string `json:"postgres_dsn" yaml:"postgres_dsn"`

	Neo4jURI      string `json:"neo4j_uri" yaml:"neo4j_uri"`
	Neo4jUser     string `json:"neo4j_user" yaml:"neo4j_user"`
	Neo4jPassword string `json:"neo4j_password" yaml:"neo4j_password"`

	FalkorDBAddr     string `json:"falkordb_addr" yaml:"falkordb_addr"`
	FalkorDBPassword string `json:"falkordb_password" yaml:"falkordb_password"`
	FalkorDBGraph    string `json:"falkordb_graph" yaml:"falkordb_graph"`
}

// RetrievalConfig configures the Query Orchestrator's retrieval and
// response-generation behavior (spec.md §4.12).
type RetrievalConfig struct {
	MaxResponseTime         time.Duration `json:"max_response_time" yaml:"max_response_time"`
	SourceTimeout           time.Duration `json:"source_timeout" yaml:"source_timeout"`
	StartRerankCutoff       int           `json:"start_rerank_cutoff" yaml:"start_rerank_cutoff"`
	ContinueRerankCutoff    int           `json:"continue_rerank_cutoff" yaml:"continue_rerank_cutoff"`
	TopKRerank              int           `json:"top_k_rerank" yaml:"top_k_rerank"`
	ContextCharBudget       int           `json:"context_char_budget" yaml:"context_char_budget"`
	GraphRelevanceThreshold float64       `json:"graph_relevance_threshold" yaml:"graph_relevance_threshold"`
	InContextBoost          float64       `json:"in_context_boost" yaml:"in_context_boost"`
	ChunksPerSource         int           `json:"chunks_per_source" yaml:"chunks_per_source"`
	GraphMaxDepth           int           `json:"graph_max_depth" yaml:"graph_max_depth"`
	EvalSampleRate          float64       `json:"eval_sample_rate" yaml:"eval_sample_rate"`
}

// STPConfig configures the Social Tipping Point sub-pipeline (§4.5).
type STPConfig struct {
	MinTokens          int     `json:"min_tokens" yaml:"min_tokens"`
	MaxTokens          int     `json:"max_tokens" yaml:"max_tokens"`
	TargetTokens       int     `json:"target_tokens" yaml:"target_tokens"`
	BoundaryThreshold  float64 `json:"boundary_threshold" yaml:"boundary_threshold"`
	RephraseWordCap    int     `json:"rephrase_word_cap" yaml:"rephrase_word_cap"`
	InsertBatchSize    int     `json:"insert_batch_size" yaml:"insert_batch_size"`
	EmbeddingDimension int     `json:"embedding_dimension" yaml:"embedding_dimension"`
}

// EvalConfig configures the Evaluation Worker (§4.14).
type EvalConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	QueueSize    int           `json:"queue_size" yaml:"queue_size"`
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval"`
	BatchSize    int           `json:"batch_size" yaml:"batch_size"`
	JudgeModel   string        `json:"judge_model" yaml:"judge_model"`

	// ClickHouseDSN, when set, backs the optional external tracing
	// sink (§4.14 step 5 "optional push to external tracing sink")
	// with durable per-metric rows alongside OTel spans.
	ClickHouseDSN   string `json:"clickhouse_dsn" yaml:"clickhouse_dsn"`
	ClickHouseTable string `json:"clickhouse_table" yaml:"clickhouse_table"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, lmstudio, openrouter, openai, groq, xai, gemini, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// LlamaParseConfig configures the LlamaParse external parsing service.
type LlamaParseConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
// Database is stored in ~/.goreason/goreason.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:     "goreason",
		StorageDir: "home",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		Vision: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.2-vision",
			BaseURL:  "http://localhost:11434",
		},
		WeightVector:        1.0,
		WeightFTS:           1.0,
		WeightGraph:         0.5,
		MaxChunkTokens:      1024,
		ChunkOverlap:        128,
		MaxRounds:           3,
		ConfidenceThreshold: 0.7,
		EmbeddingDim:        768,
		EnableGraphRAG:      true,
		EnableSTP:           true,
		IngestConcurrency:   3,
		TaskCleanupAge:      24 * time.Hour,
		Retrieval: RetrievalConfig{
			MaxResponseTime:         20 * time.Second,
			SourceTimeout:           8 * time.Second,
			StartRerankCutoff:       40,
			ContinueRerankCutoff:    20,
			TopKRerank:              8,
			ContextCharBudget:       12000,
			GraphRelevanceThreshold: 0.35,
			InContextBoost:          0.1,
			ChunksPerSource:         5,
			GraphMaxDepth:           2,
			EvalSampleRate:          1.0,
		},
		STP: STPConfig{
			MinTokens:          200,
			MaxTokens:          1500,
			TargetTokens:       800,
			BoundaryThreshold:  0.6,
			RephraseWordCap:    80,
			InsertBatchSize:    32,
			EmbeddingDimension: 384,
		},
		Eval: EvalConfig{
			Enabled:      true,
			QueueSize:    1000,
			TickInterval: 30 * time.Second,
			BatchSize:    20,
		},
	}
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "goreason"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		dir := filepath.Join(home, ".goreason")
		return filepath.Join(dir, name+".db")
	}
}
