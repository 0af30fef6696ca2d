package climatedocs

import "errors"

// Sentinel errors returned by the legacy single-shot Ingest/Query
// primitives (the offline evaluation harness's entry points). The
// bucket-aware Ingestion/Query Orchestrators do not return these;
// errors_climate.go declares a separate per-kind set.
var (
	// ErrDocumentNotFound is returned when a document path does not exist.
	ErrDocumentNotFound = errors.New("climatedocs: document not found")

	// ErrUnsupportedFormat is returned for unrecognized file formats.
	ErrUnsupportedFormat = errors.New("climatedocs: unsupported document format")

	// ErrParsingFailed is returned when document parsing fails.
	ErrParsingFailed = errors.New("climatedocs: parsing failed")

	// ErrEmbeddingFailed is returned when embedding generation fails.
	ErrEmbeddingFailed = errors.New("climatedocs: embedding generation failed")

	// ErrNoResults is returned when retrieval yields no matching chunks.
	ErrNoResults = errors.New("climatedocs: no results found")
)
