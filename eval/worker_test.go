package eval

import (
	"context"
	"testing"
	"time"

	"github.com/climatedocs/core/llm"
	"github.com/stretchr/testify/require"
)

type stubJudge struct {
	content string
}

func (s stubJudge) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: s.content}, nil
}

func (s stubJudge) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	q := NewQueue(2)
	q.Push(EvaluationRecord{ID: "1"})
	q.Push(EvaluationRecord{ID: "2"})
	q.Push(EvaluationRecord{ID: "3"})

	require.Equal(t, 2, q.Depth())
	require.EqualValues(t, 1, q.Dropped())

	batch := q.Drain(10)
	require.Len(t, batch, 2)
	require.Equal(t, "2", batch[0].ID)
	require.Equal(t, "3", batch[1].ID)
}

func TestQueueDrainPartial(t *testing.T) {
	q := NewQueue(10)
	q.Push(EvaluationRecord{ID: "1"})
	q.Push(EvaluationRecord{ID: "2"})
	q.Push(EvaluationRecord{ID: "3"})

	first := q.Drain(2)
	require.Len(t, first, 2)
	require.Equal(t, 1, q.Depth())
}

func TestWorkerTickScoresAndCompletesRecord(t *testing.T) {
	q := NewQueue(10)
	q.Push(EvaluationRecord{
		ID:       "rec-1",
		Query:    "What is the impact of CBAM?",
		Response: "CBAM applies a carbon price to imported steel and cement.",
		Context:  []ContextItem{{SourceType: "chunk", Text: "CBAM covers steel, cement, aluminum.", Score: 0.9}},
	})

	judge := stubJudge{content: `{"score": 0.8, "explanation": "well supported"}`}
	w := NewWorker(q, judge, nil, WorkerConfig{TickInterval: time.Hour, BatchSize: 10}, nil)

	w.tick(context.Background())

	require.Equal(t, 0, q.Depth())
	avgs := w.Stats().Averages()
	require.InDelta(t, 0.8, avgs["groundedness"], 0.001)
}

func TestOverallScoreIsArithmeticMean(t *testing.T) {
	rec := EvaluationRecord{Scores: map[string]float64{"a": 1.0, "b": 0.0}}
	require.InDelta(t, 0.5, rec.OverallScore(), 0.001)
}
