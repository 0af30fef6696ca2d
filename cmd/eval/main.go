// Command eval runs the offline evaluation suites (easy/medium/complex)
// of package eval against a climatedocs engine ingesting a corpus of
// climate policy, scientific, and news documents.
//
// Corpus usage:
//
//	go run -tags sqlite_fts5 ./cmd/eval \
//	  --corpus-dir ./data/climate-corpus \
//	  --chat-provider groq \
//	  --chat-model openai/gpt-oss-120b \
//	  --difficulty easy
//
// Single-document usage:
//
//	go run -tags sqlite_fts5 ./cmd/eval \
//	  --doc ./data/ipcc-ar6-summary.pdf \
//	  --chat-provider ollama --chat-model llama3.1:8b \
//	  --embed-provider openai --embed-model text-embedding-3-small \
//	  --difficulty all
//
// Eval-only usage, reusing a previously ingested database:
//
//	go run -tags sqlite_fts5 ./cmd/eval \
//	  --skip-ingest --db ./evals/runs/2026-01-01_00-00-00/climatedocs.db \
//	  --judge-provider gemini --judge-model gemini-2.0-flash-lite
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/climatedocs/core"
	"github.com/climatedocs/core/eval"
	"github.com/climatedocs/core/llm"
)

func main() {
	var (
		docPath       = flag.String("doc", "", "Path to a single document file to ingest")
		corpusDir     = flag.String("corpus-dir", "", "Path to a directory of documents to ingest")
		dbPath        = flag.String("db", "", "Path to SQLite database (default: inside run directory)")
		chatProvider  = flag.String("chat-provider", "groq", "Chat LLM provider")
		chatModel     = flag.String("chat-model", "openai/gpt-oss-120b", "Chat model name")
		chatBaseURL   = flag.String("chat-base-url", "", "Chat provider base URL override")
		embedProvider = flag.String("embed-provider", "openai", "Embedding provider")
		embedModel    = flag.String("embed-model", "text-embedding-3-small", "Embedding model name")
		embedBaseURL  = flag.String("embed-base-url", "", "Embedding provider base URL (auto-detected from provider)")
		embedAPIKey   = flag.String("embed-api-key", "", "Embedding provider API key (if required)")
		embedDim      = flag.Int("embed-dim", 1536, "Embedding dimension")
		difficulty    = flag.String("difficulty", "all", "Difficulty level to run: easy, medium, complex, all")
		outputFile    = flag.String("output", "", "Path to write JSON report (default: inside run directory)")
		openrouterKey = flag.String("openrouter-key", "", "Chat provider API key (default: the chat provider's API key env var)")
		maxRounds     = flag.Int("max-rounds", 3, "Maximum reasoning rounds per query")
		maxResults    = flag.Int("max-results", 25, "Maximum retrieval results per query")
		graphConc     = flag.Int("graph-concurrency", 16, "Max parallel LLM calls for graph extraction")
		chunkTokens   = flag.Int("chunk-max-tokens", 1024, "Maximum tokens per chunk")
		chunkOverlap  = flag.Int("chunk-overlap", 128, "Token overlap between chunks")
		weightVec     = flag.Float64("weight-vec", 1.0, "RRF vector weight")
		weightFTS     = flag.Float64("weight-fts", 1.0, "RRF FTS weight")
		weightGraph   = flag.Float64("weight-graph", 0.5, "RRF graph weight")
		skipIngest    = flag.Bool("skip-ingest", false, "Skip ingestion and reuse existing --db (eval-only mode)")
		skipGraph     = flag.Bool("skip-graph", false, "Skip knowledge graph extraction during ingestion (faster)")
		maxTests      = flag.Int("max-tests", 0, "Max tests per dataset (0=all)")
		judgeProvider = flag.String("judge-provider", "", "LLM provider for the climate-accuracy/groundedness judges (enables LLM-as-judge; e.g., gemini)")
		judgeModel    = flag.String("judge-model", "", "Judge LLM model name (e.g., gemini-2.0-flash-lite)")
		judgeAPIKey   = flag.String("judge-api-key", "", "Judge provider API key (default: from env)")
	)
	flag.Parse()

	if !*skipIngest && *docPath == "" && *corpusDir == "" {
		log.Fatal("one of --doc or --corpus-dir is required (or use --skip-ingest with --db)")
	}
	if *skipIngest && *dbPath == "" {
		log.Fatal("--skip-ingest requires --db pointing to an existing database")
	}

	// Resolve chat API key from flag or well-known env vars.
	apiKey := *openrouterKey
	if apiKey == "" {
		switch *chatProvider {
		case "openrouter":
			apiKey = os.Getenv("OPENROUTER_API_KEY")
		case "openai":
			apiKey = os.Getenv("OPENAI_API_KEY")
		case "groq":
			apiKey = os.Getenv("GROQ_API_KEY")
		case "gemini":
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	if apiKey == "" && *chatProvider != "ollama" && *chatProvider != "lmstudio" {
		log.Fatalf("API key required for provider %q: set --openrouter-key or the appropriate env var", *chatProvider)
	}

	// Resolve embed API key from flag or well-known env vars.
	embedKey := *embedAPIKey
	if embedKey == "" {
		switch *embedProvider {
		case "openai":
			embedKey = os.Getenv("OPENAI_API_KEY")
		case "openrouter":
			embedKey = os.Getenv("OPENROUTER_API_KEY")
		case "groq":
			embedKey = os.Getenv("GROQ_API_KEY")
		case "gemini":
			embedKey = os.Getenv("GEMINI_API_KEY")
		}
	}

	chatURL := resolveBaseURL(*chatProvider, *chatBaseURL)
	embedURL := resolveBaseURL(*embedProvider, *embedBaseURL)

	// --- Run artifact directory ---
	runDir := createRunDir()
	fmt.Fprintf(os.Stderr, "Run directory: %s\n", runDir)

	logFile := setupLogTee(runDir)
	defer logFile.Close()

	db := *dbPath
	if db == "" {
		db = filepath.Join(runDir, "climatedocs.db")
		fmt.Fprintf(os.Stderr, "Using database: %s\n", db)
	}

	meta := map[string]interface{}{
		"git_commit":        gitCommit(),
		"go_version":        runtime.Version(),
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"chat_provider":     *chatProvider,
		"chat_model":        *chatModel,
		"embed_provider":    *embedProvider,
		"embed_model":       *embedModel,
		"embed_dim":         *embedDim,
		"chunk_max_tokens":  *chunkTokens,
		"chunk_overlap":     *chunkOverlap,
		"graph_concurrency": *graphConc,
		"rrf_weights": map[string]float64{
			"vector": *weightVec,
			"fts":    *weightFTS,
			"graph":  *weightGraph,
		},
		"max_results": *maxResults,
		"max_rounds":  *maxRounds,
		"skip_ingest": *skipIngest,
		"difficulty":  *difficulty,
	}
	if *docPath != "" {
		meta["doc"] = filepath.Base(*docPath)
	}
	if *corpusDir != "" {
		meta["corpus_dir"] = *corpusDir
	}
	if *maxTests > 0 {
		meta["max_tests_per_dataset"] = *maxTests
	}
	writeJSON(filepath.Join(runDir, "metadata.json"), meta)

	ctx := context.Background()

	cfg := climatedocs.Config{
		DBPath: db,
		Chat: climatedocs.LLMConfig{
			Provider: *chatProvider,
			Model:    *chatModel,
			BaseURL:  chatURL,
			APIKey:   apiKey,
		},
		Embedding: climatedocs.LLMConfig{
			Provider: *embedProvider,
			Model:    *embedModel,
			BaseURL:  embedURL,
			APIKey:   embedKey,
		},
		EmbeddingDim:        *embedDim,
		MaxRounds:           *maxRounds,
		ConfidenceThreshold: 0.5,
		WeightVector:        *weightVec,
		WeightFTS:           *weightFTS,
		WeightGraph:         *weightGraph,
		MaxChunkTokens:      *chunkTokens,
		ChunkOverlap:        *chunkOverlap,
		SkipGraph:           *skipGraph,
		GraphConcurrency:    *graphConc,
	}

	totalStart := time.Now()

	fmt.Fprintf(os.Stderr, "Creating engine...\n")
	engine, err := climatedocs.New(cfg)
	if err != nil {
		log.Fatalf("creating engine: %v", err)
	}
	defer engine.Close()

	var ingestElapsed time.Duration
	switch {
	case *skipIngest:
		fmt.Fprintf(os.Stderr, "Skipping ingestion (reusing DB: %s)\n", db)
	case *corpusDir != "":
		ingestStart := time.Now()
		docCount := 0
		err := filepath.Walk(*corpusDir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			switch strings.ToLower(filepath.Ext(path)) {
			case ".txt", ".pdf", ".docx", ".pptx", ".md", ".html":
			default:
				return nil
			}
			docCount++
			fmt.Fprintf(os.Stderr, "  [%d] Ingesting %s\n", docCount, filepath.Base(path))
			if _, ingestErr := engine.Ingest(ctx, path); ingestErr != nil {
				slog.Warn("ingest: skipping file", "path", path, "error", ingestErr)
			}
			return nil
		})
		if err != nil {
			log.Fatalf("walking corpus directory: %v", err)
		}
		ingestElapsed = time.Since(ingestStart)
		fmt.Fprintf(os.Stderr, "Ingested %d documents in %s\n", docCount, ingestElapsed.Round(time.Millisecond))
	case *docPath != "":
		ingestStart := time.Now()
		docID, err := engine.Ingest(ctx, *docPath)
		if err != nil {
			log.Fatalf("ingesting file: %v", err)
		}
		ingestElapsed = time.Since(ingestStart)
		fmt.Fprintf(os.Stderr, "Ingested document ID %d in %s\n", docID, ingestElapsed.Round(time.Millisecond))
	}

	datasets := selectDatasets(*difficulty)
	if datasets == nil {
		log.Fatalf("unknown difficulty: %s (use: easy, medium, complex, all)", *difficulty)
	}
	if *maxTests > 0 {
		datasets = limitDatasetTests(datasets, *maxTests)
	}

	evaluator := eval.NewEvaluator(engine)

	if *judgeProvider != "" {
		judgeKey := *judgeAPIKey
		if judgeKey == "" {
			switch *judgeProvider {
			case "gemini":
				judgeKey = os.Getenv("GEMINI_API_KEY")
			case "openai":
				judgeKey = os.Getenv("OPENAI_API_KEY")
			case "groq":
				judgeKey = os.Getenv("GROQ_API_KEY")
			case "openrouter":
				judgeKey = os.Getenv("OPENROUTER_API_KEY")
			}
		}

		judge, err := llm.NewProvider(llm.Config{
			Provider: *judgeProvider,
			Model:    *judgeModel,
			BaseURL:  resolveBaseURL(*judgeProvider, ""),
			APIKey:   judgeKey,
		})
		if err != nil {
			log.Fatalf("creating judge LLM provider: %v", err)
		}
		evaluator.SetJudge(judge, *judgeModel)
		fmt.Fprintf(os.Stderr, "LLM judge enabled: %s/%s\n", *judgeProvider, *judgeModel)

		meta["judge_provider"] = *judgeProvider
		meta["judge_model"] = *judgeModel
		writeJSON(filepath.Join(runDir, "metadata.json"), meta)
	}

	queryOpts := []climatedocs.QueryOption{
		climatedocs.WithMaxResults(*maxResults),
		climatedocs.WithMaxRounds(*maxRounds),
	}

	var allReports []*eval.Report
	evalStart := time.Now()

	for _, ds := range datasets {
		fmt.Fprintf(os.Stderr, "\nRunning %s (%d tests)...\n", ds.Name, len(ds.Tests))
		report, err := evaluator.Run(ctx, ds, queryOpts...)
		if err != nil {
			log.Fatalf("running %s: %v", ds.Name, err)
		}
		allReports = append(allReports, report)

		fmt.Println(eval.FormatReport(report))
		fmt.Println()
	}

	evalElapsed := time.Since(evalStart)
	totalElapsed := time.Since(totalStart)

	meta["ingestion_elapsed"] = ingestElapsed.Round(time.Millisecond).String()
	meta["eval_elapsed"] = evalElapsed.Round(time.Millisecond).String()
	meta["total_elapsed"] = totalElapsed.Round(time.Millisecond).String()
	writeJSON(filepath.Join(runDir, "metadata.json"), meta)

	reportPath := filepath.Join(runDir, "eval-report.json")
	writeJSON(reportPath, allReports)
	fmt.Fprintf(os.Stderr, "Eval report written to: %s\n", reportPath)

	if *outputFile != "" {
		writeJSON(*outputFile, allReports)
		fmt.Fprintf(os.Stderr, "JSON report also written to: %s\n", *outputFile)
	}

	fmt.Println("=== Summary ===")
	totalPassed, totalTests := 0, 0
	for _, r := range allReports {
		totalPassed += r.Passed
		totalTests += r.TotalTests
		rate := 0.0
		if r.TotalTests > 0 {
			rate = float64(r.Passed) / float64(r.TotalTests) * 100
		}
		fmt.Printf("  %-45s %d/%d (%.1f%%)\n", r.Dataset, r.Passed, r.TotalTests, rate)
	}
	if totalTests > 0 {
		fmt.Printf("  %-45s %d/%d (%.1f%%)\n", "TOTAL", totalPassed, totalTests,
			float64(totalPassed)/float64(totalTests)*100)
	}

	fmt.Fprintf(os.Stderr, "\nRun directory: %s\n", runDir)
}

// selectDatasets maps a --difficulty flag value to the named climate
// datasets of package eval (easy/medium/complex), or nil for an
// unrecognized value.
func selectDatasets(difficulty string) []eval.Dataset {
	switch strings.ToLower(difficulty) {
	case "all":
		return []eval.Dataset{eval.EasyDataset(), eval.MediumDataset(), eval.ComplexDataset()}
	case "easy":
		return []eval.Dataset{eval.EasyDataset()}
	case "medium":
		return []eval.Dataset{eval.MediumDataset()}
	case "complex":
		return []eval.Dataset{eval.ComplexDataset()}
	default:
		return nil
	}
}

// resolveBaseURL returns override if set, else the well-known base URL
// for provider.
func resolveBaseURL(provider, override string) string {
	if override != "" {
		return override
	}
	switch provider {
	case "openrouter":
		return "https://openrouter.ai/api"
	case "openai":
		return "https://api.openai.com"
	case "groq":
		return "https://api.groq.com/openai"
	case "gemini":
		return "https://generativelanguage.googleapis.com/v1beta/openai"
	case "ollama":
		return "http://localhost:11434"
	case "lmstudio":
		return "http://localhost:1234"
	default:
		return ""
	}
}

// createRunDir creates evals/runs/<timestamp>/ and returns its path.
func createRunDir() string {
	ts := time.Now().Format("2006-01-02_15-04-05")
	dir := filepath.Join("evals", "runs", ts)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Fatalf("creating run directory: %v", err)
	}
	return dir
}

// setupLogTee configures slog to write to both stderr and eval.log in the run dir.
func setupLogTee(runDir string) *os.File {
	logPath := filepath.Join(runDir, "eval.log")
	f, err := os.Create(logPath)
	if err != nil {
		log.Fatalf("creating log file: %v", err)
	}
	w := io.MultiWriter(os.Stderr, f)
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(handler))
	return f
}

// gitCommit returns the current git HEAD short hash, or "unknown".
func gitCommit() string {
	out, err := exec.Command("git", "rev-parse", "--short", "HEAD").Output()
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(out))
}

// writeJSON marshals v to indented JSON and writes it to path.
func writeJSON(path string, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("marshaling JSON for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.Fatalf("writing %s: %v", path, err)
	}
}

// limitDatasetTests truncates each dataset's test list to maxTests.
func limitDatasetTests(datasets []eval.Dataset, maxTests int) []eval.Dataset {
	result := make([]eval.Dataset, len(datasets))
	for i, ds := range datasets {
		result[i] = ds
		if len(ds.Tests) > maxTests {
			result[i].Tests = ds.Tests[:maxTests]
		}
	}
	return result
}
