package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	climatedocs "github.com/climatedocs/core"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	apiKey := os.Getenv("GOOGLE_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "GOOGLE_API_KEY not set")
		os.Exit(1)
	}

	tmpDir, _ := os.MkdirTemp("", "climatedocs-e2e-*")
	defer os.RemoveAll(tmpDir)
	dbPath := tmpDir + "/test.db"

	cfg := climatedocs.Config{
		DBPath: dbPath,
		Chat: climatedocs.LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.5-flash",
			APIKey:   apiKey,
		},
		Embedding: climatedocs.LLMConfig{
			Provider: "gemini",
			Model:    "gemini-embedding-001",
			APIKey:   apiKey,
		},
		WeightVector:        1.0,
		WeightFTS:           1.0,
		WeightGraph:         0.5,
		MaxChunkTokens:      1024,
		ChunkOverlap:        128,
		MaxRounds:           1,
		ConfidenceThreshold: 0.7,
		EmbeddingDim:        3072,
		SkipGraph:           true, // faster for this test
	}

	engine, err := climatedocs.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// Ingest
	docPath := "data/corpus/climate/ipcc-ar6-spm.txt"
	fmt.Fprintf(os.Stderr, "\n=== INGESTING %s ===\n", docPath)
	docID, err := engine.Ingest(ctx, docPath, climatedocs.WithMetadata(map[string]string{
		"type": "scientificdata", "dataset": "ipcc-ar6",
	}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingest error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Ingested doc_id=%d\n", docID)

	// Query
	question := "What does this report say about the likelihood of exceeding 1.5C of warming?"
	fmt.Fprintf(os.Stderr, "\n=== QUERYING: %s ===\n", question)
	answer, err := engine.Query(ctx, question, climatedocs.WithMaxResults(5), climatedocs.WithMaxRounds(1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "query error: %v\n", err)
		os.Exit(1)
	}

	// Print just the enriched sources to stdout
	type sourceView struct {
		ChunkID    int64   `json:"chunk_id"`
		DocumentID int64   `json:"document_id"`
		Filename   string  `json:"filename"`
		Heading    string  `json:"heading"`
		PageNumber int     `json:"page_number"`
		Score      float64 `json:"score"`
		ContentLen int     `json:"content_length"`
	}

	fmt.Fprintf(os.Stderr, "\n=== ANSWER ===\n%s\n", answer.Text)

	var sources []sourceView
	for _, s := range answer.Sources {
		sources = append(sources, sourceView{
			ChunkID:    s.ChunkID,
			DocumentID: s.DocumentID,
			Filename:   s.Filename,
			Heading:    s.Heading,
			PageNumber: s.PageNumber,
			Score:      s.Score,
			ContentLen: len(s.Content),
		})
	}

	out, _ := json.MarshalIndent(sources, "", "  ")
	fmt.Println(string(out))
}
