package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/climatedocs/core/bucket"
	"github.com/climatedocs/core/chunker"
	"github.com/climatedocs/core/graph"
	"github.com/climatedocs/core/llm"
	"github.com/climatedocs/core/parser"
	"github.com/climatedocs/core/status"
	"github.com/climatedocs/core/stp"
	"github.com/climatedocs/core/store"
	"github.com/climatedocs/core/summarizer"
)

// StageResult is one stage's outcome within an ingestion run, folded
// into the overall-status computation per §4.10 step 6.
type StageResult struct {
	Status  string `json:"status"` // success | partial_success | skipped | failed
	Count   int    `json:"count,omitempty"`
	Message string `json:"message,omitempty"`
}

// Flags selects which of the four ingestion stages run for one
// document (§4.10 "given document bytes, filename, bucket, and stage
// flags").
type Flags struct {
	Chunking      bool
	Summarization bool
	GraphRAG      bool
	STP           bool
}

// Any reports whether at least one stage flag is set; an all-false
// Flags is a boundary InputError (§7, §8 "Request with all stage
// flags false → 4xx at the boundary").
func (f Flags) Any() bool {
	return f.Chunking || f.Summarization || f.GraphRAG || f.STP
}

// Result is the outcome of one single-document ingestion run (§4.10
// step 6: "per-stage status plus an overall status").
type Result struct {
	OverallStatus string                 `json:"overall_status"`
	Results       map[string]StageResult `json:"results"`
	DocumentID    int64                  `json:"document_id,omitempty"`
	ArticlesFound int                    `json:"articles_found,omitempty"`
}

// Orchestrator drives single-document and batch ingestion (§4.10). It
// is an explicitly constructed handle, not a package-level singleton
// (SPEC_FULL composition-root rule) — every collaborator is passed in
// by New.
type Orchestrator struct {
	parsers     *parser.Registry
	chunkerCfg  chunker.Config
	summarizer  *summarizer.Summarizer
	graphExtr   *graph.Extractor
	stpPipeline *stp.Pipeline
	tracker     *status.Tracker
	store       *store.Store
	chunkEmbed  llm.Provider

	// mirrorVector, when non-nil, receives a best-effort additional
	// copy of every chunk/summary embedding this orchestrator inserts
	// into the default store (§4.7 pluggable Vector Store backend).
	mirrorVector store.ExternalVectorBackend

	// BatchConcurrency bounds documents-in-flight per ingestion batch
	// (§5, default 3).
	BatchConcurrency int
	// PerBucketDocCap optionally bounds documents processed per bucket
	// in batch mode (0 = unbounded).
	PerBucketDocCap int

	// ArtifactsDir, when non-nil, resolves a document's filename to a
	// directory of pre-computed columnar graph artifacts (§6 "Columnar
	// graph artifacts are consumed as Parquet files"). When it returns a
	// non-empty directory, runGraphRAG commits that Parquet export
	// instead of running the LLM-driven Extractor.
	ArtifactsDir func(docName string) string
}

// Config groups the collaborators New wires together.
type Config struct {
	Parsers          *parser.Registry
	ChunkerCfg       chunker.Config
	Summarizer       *summarizer.Summarizer
	GraphExtractor   *graph.Extractor
	STPPipeline      *stp.Pipeline
	Tracker          *status.Tracker
	Store            *store.Store
	ChunkEmbedder    llm.Provider
	BatchConcurrency int

	// MirrorVector wires an alternate Vector Store backend (§4.7); nil
	// disables mirroring.
	MirrorVector store.ExternalVectorBackend

	// ArtifactsDir, when set, is passed straight through to the
	// Orchestrator; see Orchestrator.ArtifactsDir.
	ArtifactsDir func(docName string) string
}

// New constructs an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	concurrency := cfg.BatchConcurrency
	if concurrency <= 0 {
		concurrency = 3
	}
	return &Orchestrator{
		parsers:          cfg.Parsers,
		chunkerCfg:       cfg.ChunkerCfg,
		summarizer:       cfg.Summarizer,
		graphExtr:        cfg.GraphExtractor,
		stpPipeline:      cfg.STPPipeline,
		tracker:          cfg.Tracker,
		store:            cfg.Store,
		chunkEmbed:       cfg.ChunkEmbedder,
		mirrorVector:     cfg.MirrorVector,
		BatchConcurrency: concurrency,
		ArtifactsDir:     cfg.ArtifactsDir,
	}
}

// IngestDocument runs single-document mode (§4.10) for one file on
// disk, under bucket b with the requested stage flags.
func (o *Orchestrator) IngestDocument(ctx context.Context, path string, b bucket.Bucket, flags Flags) (*Result, error) {
	if !flags.Any() {
		return nil, fmt.Errorf("ingest: at least one stage flag must be set")
	}

	// §4.10 step 3: scientificdata implicitly disables graphrag/stp.
	if b.DisablesGraphAndSTP() {
		flags.GraphRAG = false
		flags.STP = false
	}

	filename := filepath.Base(path)
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))

	// §4.10 step 2: news spreadsheet bypass, expand into N virtual
	// sub-documents and dispatch each through this same mode.
	if b == bucket.News && (ext == "xlsx" || ext == "xls") {
		return o.ingestNewsSpreadsheet(ctx, path, flags)
	}

	p, err := o.parsers.Get(ext)
	if err != nil {
		return &Result{OverallStatus: "failed", Results: map[string]StageResult{
			"extract": {Status: "failed", Message: err.Error()},
		}}, nil
	}
	parsed, err := p.Parse(ctx, path)
	if err != nil {
		// §4.1: extraction failure is terminal — no stage runs on a
		// partial element list.
		return &Result{OverallStatus: "failed", Results: map[string]StageResult{
			"extract": {Status: "failed", Message: err.Error()},
		}}, nil
	}
	elements := parser.Flatten(parsed.Sections)
	fullText := joinElements(elements)

	docID, err := o.store.UpsertDocument(ctx, store.Document{
		Path: path, Filename: filename, Format: ext, Status: "processing",
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: upserting document: %w", err)
	}

	results := o.runStages(ctx, docID, filename, b, flags, elements, fullText, nil)
	return &Result{
		OverallStatus: foldOverallStatus(results),
		Results:       results,
		DocumentID:    docID,
	}, nil
}

// ingestNewsSpreadsheet implements §4.10 step 2: one virtual
// sub-document per valid article row, each run through runStages
// independently and isolated from the others' success/failure.
func (o *Orchestrator) ingestNewsSpreadsheet(ctx context.Context, path string, flags Flags) (*Result, error) {
	articles, err := ParseArticleRows(path)
	if err != nil {
		return &Result{OverallStatus: "failed", Results: map[string]StageResult{
			"extract": {Status: "failed", Message: err.Error()},
		}}, nil
	}

	overallResults := map[string]StageResult{
		"chunks": {Status: "success"}, "summary": {Status: "success"},
		"graphrag": {Status: "success"}, "stp": {Status: "success"},
	}
	anyFailed := false

	for _, a := range articles {
		docName := a.Title
		if docName == "" {
			docName = fmt.Sprintf("article-row-%d", a.RowNumber)
		}
		docID, err := o.store.UpsertDocument(ctx, store.Document{
			Path: a.Link, Filename: docName, Format: "article_row", Status: "processing",
		})
		if err != nil {
			anyFailed = true
			continue
		}

		elements := []parser.Element{{
			Type: parser.ElementNarrativeText, Content: a.Content, Heading: a.Title,
		}}
		rowResults := o.runStages(ctx, docID, docName, bucket.News, flags, elements, a.Content, &a.RowNumber)
		for stage, r := range rowResults {
			if r.Status == "failed" {
				anyFailed = true
			}
			acc := overallResults[stage]
			acc.Count += r.Count
			overallResults[stage] = acc
		}
	}

	overall := "success"
	if anyFailed {
		// Open Question (§9): whether a partially-failing spreadsheet
		// is "partial_success" or "success" with per-row counts is
		// left ambiguous by the source; this build reports
		// partial_success so a caller can see something went wrong
		// without losing the per-row counts above.
		overall = "partial_success"
	}

	return &Result{
		OverallStatus: overall,
		Results:       overallResults,
		ArticlesFound: len(articles),
	}, nil
}

// runStages executes §4.10 step 4-5: each enabled stage independently
// computes, embeds (where relevant), inserts, and marks status. rowIdx
// is non-nil for news spreadsheet rows.
func (o *Orchestrator) runStages(ctx context.Context, docID int64, docName string, b bucket.Bucket, flags Flags, elements []parser.Element, fullText string, rowIdx *int) map[string]StageResult {
	results := make(map[string]StageResult)

	if flags.Chunking {
		results["chunks"] = o.runChunking(ctx, docID, docName, b, elements, rowIdx)
	}
	if flags.Summarization {
		results["summary"] = o.runSummarization(ctx, docID, docName, b, fullText)
	}
	if flags.GraphRAG {
		results["graphrag"] = o.runGraphRAG(ctx, docID, docName, b, fullText)
	}
	if flags.STP {
		results["stp"] = o.runSTP(ctx, docID, docName, elements)
	}
	return results
}

func (o *Orchestrator) runChunking(ctx context.Context, docID int64, docName string, b bucket.Bucket, elements []parser.Element, rowIdx *int) StageResult {
	chunks := chunker.ChunkBucket(b, elements, docName, o.chunkerCfg)
	if len(chunks) == 0 {
		o.tracker.MarkSkipped(ctx, docName, string(b), "no chunks produced")
		return StageResult{Status: "skipped", Message: "no chunks produced"}
	}
	for i := range chunks {
		chunks[i].DocumentID = docID
		chunks[i].Bucket = string(b)
		if rowIdx != nil {
			n := *rowIdx
			chunks[i].RowIndex = &n
		}
	}
	ids, err := o.store.InsertChunks(ctx, chunks)
	if err != nil {
		return StageResult{Status: "failed", Message: err.Error()}
	}

	if o.chunkEmbed != nil {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}
		if vecs, err := o.chunkEmbed.Embed(ctx, texts); err == nil {
			for i, id := range ids {
				if i < len(vecs) {
					o.store.InsertEmbedding(ctx, id, vecs[i])
					if o.mirrorVector != nil {
						if err := o.mirrorVector.UpsertChunkVector(ctx, string(b), id, texts[i], vecs[i], map[string]string{"document": docName}); err != nil {
							slog.Warn("ingest: mirror vector backend upsert failed", "doc", docName, "chunk_id", id, "error", err)
						}
					}
				}
			}
		} else {
			slog.Warn("ingest: chunk embedding failed, chunks stored without vectors", "doc", docName, "error", err)
		}
	}

	o.tracker.MarkDone(ctx, docName, string(b), status.StageChunks, len(ids))
	return StageResult{Status: "success", Count: len(ids)}
}

func (o *Orchestrator) runSummarization(ctx context.Context, docID int64, docName string, b bucket.Bucket, fullText string) StageResult {
	result, err := o.summarizer.Summarize(ctx, b, fullText)
	if err != nil {
		// §4.3: failure is non-fatal; summary_done stays false.
		return StageResult{Status: "failed", Message: err.Error()}
	}
	if _, err := o.store.InsertSummary(ctx, store.Summary{
		DocumentID: docID, Bucket: string(b), Text: result.Text, Title: result.Title,
	}); err != nil {
		return StageResult{Status: "failed", Message: err.Error()}
	}
	o.tracker.MarkDone(ctx, docName, string(b), status.StageSummary, 1)
	return StageResult{Status: "success", Count: 1}
}

func (o *Orchestrator) runGraphRAG(ctx context.Context, docID int64, docName string, b bucket.Bucket, fullText string) StageResult {
	if o.ArtifactsDir != nil {
		if dir := o.ArtifactsDir(docName); dir != "" {
			res := graph.ImportParquet(ctx, o.store, docID, dir)
			if res.Status == "skipped" {
				slog.Info("graphrag: no parquet artifacts found, falling back to live extraction", "doc", docName, "dir", dir)
			} else {
				if res.Status == "failed" {
					return StageResult{Status: "failed", Message: res.Message}
				}
				o.tracker.MarkDone(ctx, docName, string(b), status.StageGraphRAG, res.EntitiesCount)
				return StageResult{Status: res.Status, Count: res.EntitiesCount, Message: res.Message}
			}
		}
	}

	res := o.graphExtr.Extract(ctx, docID, docName, b, fullText)
	if res.Status == "skipped" {
		o.tracker.MarkSkipped(ctx, docName, string(b), res.Message)
		return StageResult{Status: "skipped", Message: res.Message}
	}
	if res.Status == "failed" {
		return StageResult{Status: "failed", Message: res.Message}
	}
	o.tracker.MarkDone(ctx, docName, string(b), status.StageGraphRAG, res.EntitiesCount)
	return StageResult{Status: res.Status, Count: res.EntitiesCount, Message: res.Message}
}

func (o *Orchestrator) runSTP(ctx context.Context, docID int64, docName string, elements []parser.Element) StageResult {
	res := o.stpPipeline.Run(ctx, docID, docName, elements)
	if res.Status == "skipped" {
		return StageResult{Status: "skipped", Message: res.Message}
	}
	if res.Status == "failed" {
		return StageResult{Status: "failed", Message: res.Message}
	}
	// STP's own status is reported independently of the rest of
	// ingestion (§4.5); it is still folded into the Status Tracker so
	// §4.9's fully-processed computation sees it.
	o.tracker.MarkDone(ctx, docName, "news", status.StageSTP, res.StoredChunks)
	return StageResult{Status: "success", Count: res.StoredChunks}
}

// foldOverallStatus implements §4.10 step 6's "overall status ∈
// {success, partial_success, failed}" from the per-stage results: any
// failed with none succeeded (skipped stages aside) -> failed; failed
// alongside success -> partial_success; all success or skipped ->
// success. No results at all -> failed.
func foldOverallStatus(results map[string]StageResult) string {
	if len(results) == 0 {
		return "failed"
	}
	anyFailed, anySucceeded := false, false
	for _, r := range results {
		switch r.Status {
		case "failed":
			anyFailed = true
		case "success", "partial_success":
			anySucceeded = true
		}
	}
	switch {
	case anyFailed && anySucceeded:
		return "partial_success"
	case anyFailed:
		return "failed"
	default:
		return "success"
	}
}

func joinElements(elements []parser.Element) string {
	var b strings.Builder
	for _, el := range elements {
		if strings.TrimSpace(el.Content) == "" {
			continue
		}
		b.WriteString(el.Content)
		b.WriteString("\n\n")
	}
	return b.String()
}

// --- Batch mode (§4.10 "Batch mode") ---

// BatchRequest selects the scope of a batch-ingest run.
type BatchRequest struct {
	Buckets       []bucket.Bucket // empty means "all processable buckets"
	Flags         Flags
	SkipProcessed bool
	Documents     map[bucket.Bucket][]string // bucket -> file paths
}

// BatchResult summarizes one batch run across all dispatched documents.
type BatchResult struct {
	PerDocument map[string]*Result `json:"per_document"`
	Succeeded   int                `json:"succeeded"`
	Failed      int                `json:"failed"`
}

// RunBatch iterates req's buckets with the configured concurrency cap
// (§4.10 "Batch mode", §5 "documents in flight per ingestion batch,
// default 3"). Each document's success/failure is isolated: one
// document failing never aborts the batch.
func (o *Orchestrator) RunBatch(ctx context.Context, req BatchRequest) *BatchResult {
	buckets := req.Buckets
	if len(buckets) == 0 {
		buckets = bucket.All()
	}

	result := &BatchResult{PerDocument: make(map[string]*Result)}
	var mu sync.Mutex
	// A plain (non-WithContext) errgroup only for its SetLimit bound pool;
	// goroutines always return nil so one document's failure never
	// cancels the others (§4.10 "one document failing never aborts the
	// batch").
	var g errgroup.Group
	g.SetLimit(o.BatchConcurrency)

	for _, b := range buckets {
		paths := req.Documents[b]
		if o.PerBucketDocCap > 0 && len(paths) > o.PerBucketDocCap {
			paths = paths[:o.PerBucketDocCap]
		}
		for _, path := range paths {
			path, b := path, b
			g.Go(func() error {
				flags := req.Flags
				if req.SkipProcessed {
					stages := status.RequestedStages(flags.Chunking, flags.Summarization, flags.GraphRAG, flags.STP)
					docName := filepath.Base(path)
					if done, err := o.tracker.FullyProcessed(ctx, docName, string(b), stages); err == nil && done {
						mu.Lock()
						result.Succeeded++
						result.PerDocument[path] = &Result{OverallStatus: "success", Results: map[string]StageResult{"skip": {Status: "skipped", Message: "already processed"}}}
						mu.Unlock()
						return nil
					}
				}

				r, err := o.IngestDocument(ctx, path, b, flags)
				mu.Lock()
				defer mu.Unlock()
				if err != nil || r == nil || r.OverallStatus == "failed" {
					result.Failed++
					if r == nil {
						r = &Result{OverallStatus: "failed"}
					}
				} else {
					result.Succeeded++
				}
				result.PerDocument[path] = r
				return nil
			})
		}
	}
	_ = g.Wait()
	return result
}
