package climatedocs

import "errors"

// Sentinel errors, one per §7 error kind, generalizing the teacher's
// flat errors.go list into a per-kind taxonomy. No package in this
// module returns or wraps them: the HTTP handlers and orchestrators
// report these conditions with their own messages, and session and
// objectstore declare their own ErrNotFound.
var (
	// ErrInput covers malformed requests, unknown buckets, and zero
	// enabled ingestion stages. Surfaces as a 4xx at the HTTP boundary;
	// no background task is created.
	ErrInput = errors.New("climatedocs: input error")

	// ErrNotFound covers unknown documents, tasks, or sessions.
	ErrNotFound = errors.New("climatedocs: not found")

	// ErrExternalUnavailable covers an unreachable vector store, graph
	// store, LLM, embedder, or tipping-point service.
	ErrExternalUnavailable = errors.New("climatedocs: external service unavailable")

	// ErrTimeout covers a per-call or end-to-end deadline exceeded.
	ErrTimeout = errors.New("climatedocs: timeout")

	// ErrParse covers malformed LLM response delimiters. The response
	// parser never returns this to a caller — it degrades to
	// best-effort extraction instead — but stage-local code that wants
	// to log a parse failure without degrading may still use it.
	ErrParse = errors.New("climatedocs: parse error")

	// ErrData covers embedding dimension mismatches and malformed
	// columnar (Parquet) artifacts. The offending record is dropped;
	// the batch continues.
	ErrData = errors.New("climatedocs: data error")
)

// StageResult is the concrete, non-exception result of one ingestion
// stage (chunking, summarization, graphrag, stp), per §9's "Result
// type" design note: Result<StageOutput, StageError> folded into a
// flat struct instead of a boxed exception.
type StageResult struct {
	Stage   string         `json:"stage"`
	Status  string         `json:"status"` // success | partial_success | skipped | failed
	Counts  map[string]int `json:"counts,omitempty"`
	Message string         `json:"message,omitempty"`
	Err     error          `json:"-"`
}

// Failed reports whether the stage terminated in "failed" status.
func (r StageResult) Failed() bool { return r.Status == "failed" }

// OverallStatus folds a set of per-stage StageResults into the
// three-valued overall ingestion status of §4.10 step 6: "success" if
// every run stage succeeded, "failed" if every run stage failed,
// "partial_success" otherwise.
func OverallStatus(results map[string]StageResult) string {
	if len(results) == 0 {
		return "failed"
	}
	var anyOK, anyFail bool
	for _, r := range results {
		switch r.Status {
		case "failed":
			anyFail = true
		default:
			anyOK = true
		}
	}
	switch {
	case anyOK && !anyFail:
		return "success"
	case anyFail && !anyOK:
		return "failed"
	default:
		return "partial_success"
	}
}
