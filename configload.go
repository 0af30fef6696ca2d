package climatedocs

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig layers configuration the way agentic-memorizer's
// internal/config/load.go does: defaults registered on a *viper.Viper,
// an optional file merged on top, then GOREASON_-prefixed environment
// variables taking highest precedence. configPath may be empty, in
// which case only defaults and environment variables apply.
func LoadConfig(configPath string) (Config, error) {
	defaults := DefaultConfig()

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("GOREASON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setViperDefaults(v, defaults)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("climatedocs: reading config %s: %w", configPath, err)
		}
	}

	cfg := defaults
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("climatedocs: unmarshaling config: %w", err)
	}
	return cfg, nil
}

// setViperDefaults registers defaults's own field values as viper
// defaults, so environment variables and an optional config file only
// need to override what differs from DefaultConfig().
func setViperDefaults(v *viper.Viper, d Config) {
	v.SetDefault("db_name", d.DBName)
	v.SetDefault("storage_dir", d.StorageDir)
	v.SetDefault("chat.provider", d.Chat.Provider)
	v.SetDefault("chat.model", d.Chat.Model)
	v.SetDefault("chat.base_url", d.Chat.BaseURL)
	v.SetDefault("embedding.provider", d.Embedding.Provider)
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.base_url", d.Embedding.BaseURL)
	v.SetDefault("weight_vector", d.WeightVector)
	v.SetDefault("weight_fts", d.WeightFTS)
	v.SetDefault("weight_graph", d.WeightGraph)
	v.SetDefault("max_chunk_tokens", d.MaxChunkTokens)
	v.SetDefault("chunk_overlap", d.ChunkOverlap)
	v.SetDefault("max_rounds", d.MaxRounds)
	v.SetDefault("confidence_threshold", d.ConfidenceThreshold)
	v.SetDefault("embedding_dim", d.EmbeddingDim)
	v.SetDefault("enable_graphrag", d.EnableGraphRAG)
	v.SetDefault("enable_stp", d.EnableSTP)
	v.SetDefault("ingest_concurrency", d.IngestConcurrency)
	v.SetDefault("store.vector_backend", d.Store.VectorBackend)
	v.SetDefault("store.graph_backend", d.Store.GraphBackend)
}
