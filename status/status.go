// Package status implements the per-(document, bucket) Status Tracker
// (spec.md §4.9): which ingestion stages have completed, their
// counts, and when they last changed. Writes are idempotent per
// stage — marking a stage done twice yields an identical stored row
// (§5, §8 testable property 9).
package status

import (
	"context"

	"github.com/climatedocs/core/store"
)

// Stage names understood by MarkDone, matching the four booleans
// spec.md §3 Processing Status names.
const (
	StageChunks   = "chunks"
	StageSummary  = "summary"
	StageGraphRAG = "graphrag"
	StageSTP      = "stp"
)

// Tracker is the Status Tracker (§4.9). It is a thin, explicitly
// constructed wrapper around the store's processing_status table —
// not a package-level singleton, per SPEC_FULL's "no hidden mutable
// module state" composition-root rule.
type Tracker struct {
	store *store.Store
}

// New constructs a Tracker backed by s.
func New(s *store.Store) *Tracker {
	return &Tracker{store: s}
}

// MarkDone idempotently records stage as complete for (docName,
// bucket) with the given result count (chunks inserted, entities
// extracted, STP chunks stored, or 0 for summary which has no count).
func (t *Tracker) MarkDone(ctx context.Context, docName, bucket, stage string, count int) error {
	return t.store.MarkStageDone(ctx, docName, bucket, stage, count)
}

// MarkSkipped records a non-fatal skip (e.g. graphrag on a sub-100-
// char document, or a disabled stage) without flipping the stage's
// done flag.
func (t *Tracker) MarkSkipped(ctx context.Context, docName, bucket, message string) error {
	return t.store.MarkStageSkipped(ctx, docName, bucket, message)
}

// Get returns the current status row for (docName, bucket). A
// document with no recorded status returns a zero-value row (every
// stage false) rather than an error.
func (t *Tracker) Get(ctx context.Context, docName, bucket string) (store.ProcessingStatus, error) {
	return t.store.GetProcessingStatus(ctx, docName, bucket)
}

// FullyProcessed reports whether every stage in wantStages is marked
// done for (docName, bucket). "Fully processed" is defined against
// the stage set the *current* ingestion request asks for — not a
// fixed set — so the same document can be fully processed under one
// stage configuration and not another (§4.9).
func (t *Tracker) FullyProcessed(ctx context.Context, docName, bucket string, wantStages []string) (bool, error) {
	ps, err := t.Get(ctx, docName, bucket)
	if err != nil {
		return false, err
	}
	for _, s := range wantStages {
		switch s {
		case StageChunks:
			if !ps.ChunksDone {
				return false, nil
			}
		case StageSummary:
			if !ps.SummaryDone {
				return false, nil
			}
		case StageGraphRAG:
			if !ps.GraphragDone {
				return false, nil
			}
		case StageSTP:
			if !ps.STPDone {
				return false, nil
			}
		}
	}
	return true, nil
}

// RequestedStages converts the four ingestion stage flags into the
// stage-name slice FullyProcessed expects, honoring §4.10 step 3's
// implicit scientificdata masking (the caller is expected to have
// already applied bucket.DisablesGraphAndSTP before calling this).
func RequestedStages(chunking, summarization, graphrag, stp bool) []string {
	var stages []string
	if chunking {
		stages = append(stages, StageChunks)
	}
	if summarization {
		stages = append(stages, StageSummary)
	}
	if graphrag {
		stages = append(stages, StageGraphRAG)
	}
	if stp {
		stages = append(stages, StageSTP)
	}
	return stages
}
