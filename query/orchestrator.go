package query

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/climatedocs/core/bucket"
	"github.com/climatedocs/core/classify"
	"github.com/climatedocs/core/eval"
	"github.com/climatedocs/core/graph"
	"github.com/climatedocs/core/llm"
	"github.com/climatedocs/core/response"
	"github.com/climatedocs/core/retrieval"
	"github.com/climatedocs/core/session"
	"github.com/climatedocs/core/store"
	"github.com/climatedocs/core/tippingpoint"
)

// TimeoutReply is the canonical reply body when the end-to-end wall
// clock budget is exceeded (§5 Cancellation & timeouts, §4.12 "any
// state → TIMEOUT → TIMEOUT_REPLY → DONE").
const TimeoutReply = "The request took too long to process. Please try again or rephrase your question."

// Config tunes the orchestrator's budgets, cutoffs, and thresholds.
type Config struct {
	MaxResponseTime         time.Duration
	SourceTimeout           time.Duration
	StartRerankCutoff       int     // §4.12: merged set size cutoff triggering rerank on a start turn
	ContinueRerankCutoff    int     // same, for a continue turn
	TopKRerank              int     // K passed to the reranker / kept after native ordering
	ContextCharBudget       int
	GraphRelevanceThreshold float64 // items below this relevance score are dropped (Open Question E.3)
	InContextBoost          float64 // independent multiplier applied before the threshold check (Open Question E.3)
	ChunksPerSource         int
	GraphMaxDepth           int
	EvalSampleRate          float64 // Bernoulli rate gating eval enqueue, default 1.0
}

// DefaultConfig returns the §4.12/§5 defaults.
func DefaultConfig() Config {
	return Config{
		MaxResponseTime:         20 * time.Second,
		SourceTimeout:           6 * time.Second,
		StartRerankCutoff:       5,
		ContinueRerankCutoff:    6,
		TopKRerank:              8,
		ContextCharBudget:       DefaultContextCharBudget,
		GraphRelevanceThreshold: 0.35,
		InContextBoost:          1.1,
		ChunksPerSource:         20,
		GraphMaxDepth:           2,
		EvalSampleRate:          1.0,
	}
}

// Request is one query turn.
type Request struct {
	SessionID string
	UserID    string
	Query     string
	Language  string
	Buckets   []bucket.Bucket // empty means search all buckets
}

// Reply is the orchestrator's final output for one turn.
type Reply struct {
	SessionID           string      `json:"session_id"`
	ConversationType    string      `json:"conversation_type"`
	Title               string      `json:"title,omitempty"`
	Content             string      `json:"content"`
	SocialTippingPoint  string      `json:"social_tipping_point"`
	Sources             []Candidate `json:"sources"`
	Category            string      `json:"category"`
	ParseFallback       bool        `json:"parse_fallback"`
	TimedOut            bool        `json:"timed_out"`
}

// Orchestrator implements the Retrieval & Response Orchestrator state
// machine of §4.12.
type Orchestrator struct {
	classifier  *classify.Classifier
	sessions    session.Store
	retrieval   *retrieval.Engine
	store       *store.Store
	rewriter    llm.Provider // used for grammar-fix (start) / reference-resolution rewrite (continue)
	generator   *response.Generator
	reranker    Reranker
	tipping     tippingpoint.Client
	evalQueue   *eval.Queue
	cfg         Config
	sampleRoll  func() float64
}

// New constructs an Orchestrator from its collaborators. Pass a nil
// evalQueue to disable evaluation enqueue entirely.
func New(
	classifier *classify.Classifier,
	sessions session.Store,
	retrievalEngine *retrieval.Engine,
	s *store.Store,
	rewriter llm.Provider,
	generator *response.Generator,
	reranker Reranker,
	tipping tippingpoint.Client,
	evalQueue *eval.Queue,
	cfg Config,
) *Orchestrator {
	if tipping == nil {
		tipping = tippingpoint.NoopClient{}
	}
	return &Orchestrator{
		classifier: classifier,
		sessions:   sessions,
		retrieval:  retrievalEngine,
		store:      s,
		rewriter:   rewriter,
		generator:  generator,
		reranker:   reranker,
		tipping:    tipping,
		evalQueue:  evalQueue,
		cfg:        cfg,
		sampleRoll: rand.Float64,
	}
}

// Handle runs one query turn through the full state machine: INIT →
// CLASSIFY → (SHORT_CIRCUIT_REPLY → DONE) | (RESOLVE → RETRIEVE →
// (EMPTY → FALLBACK_GEN → DONE) | RERANK → GENERATE → STP_LOOKUP →
// ENQUEUE_EVAL → DONE); any state → TIMEOUT → TIMEOUT_REPLY → DONE.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Reply, error) {
	maxTime := o.cfg.MaxResponseTime
	if maxTime <= 0 {
		maxTime = DefaultConfig().MaxResponseTime
	}
	deadline := time.Now().Add(maxTime)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	// INIT: resolve or create the session and derive conversation type.
	sess, convType, err := o.initSession(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("query: session init failed: %w", err)
	}

	reply, err := o.run(ctx, req, sess, convType, deadline)
	if ctx.Err() != nil {
		return o.timeoutReply(sess, convType), nil
	}
	return reply, err
}

func (o *Orchestrator) run(ctx context.Context, req Request, sess *session.Session, convType string, deadline time.Time) (*Reply, error) {
	wantTitle := convType == string(session.Start)

	// CLASSIFY
	classification := o.classifier.Classify(ctx, req.Query)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if classification.ShortCircuits() {
		return o.shortCircuitReply(ctx, sess, convType, classification)
	}

	// RESOLVE
	resolvedQuery := o.resolve(ctx, req.Query, sess, convType)

	// RETRIEVE
	candidates := o.retrieve(ctx, resolvedQuery, req.Buckets)

	var reply *Reply
	if len(candidates) == 0 {
		// EMPTY → FALLBACK_GEN
		reply = o.generate(ctx, req.Query, nil, convType, wantTitle, deadline)
	} else {
		// RERANK
		reranked := o.rerank(ctx, resolvedQuery, candidates, convType)
		// GENERATE
		reply = o.generate(ctx, resolvedQuery, reranked, convType, wantTitle, deadline)
	}

	reply.SessionID = sess.ID
	reply.ConversationType = convType
	reply.Category = string(classification.Category)

	// STP_LOOKUP
	reply.SocialTippingPoint = o.lookupTippingPoint(ctx, reply.Content)

	// persist the turn before the async eval enqueue, so session state
	// is correct even if enqueue is skipped by the sampling gate.
	o.appendTurn(ctx, sess.ID, req.Query, reply.Content)

	// ENQUEUE_EVAL (non-blocking, sampled)
	o.enqueueEval(req, sess, convType, reply)

	return reply, nil
}

func (o *Orchestrator) initSession(ctx context.Context, req Request) (*session.Session, string, error) {
	if req.SessionID != "" {
		if sess, err := o.sessions.Get(ctx, req.SessionID); err == nil {
			return sess, string(sess.Type()), nil
		}
	}
	sess, err := o.sessions.Create(ctx, req.UserID, req.Language)
	if err != nil {
		return nil, "", err
	}
	return sess, string(session.Start), nil
}

// resolve applies §4.12's two sub-paths: a start turn gets a light
// grammar fix, a continue turn gets full reference resolution using
// the last K messages as context.
func (o *Orchestrator) resolve(ctx context.Context, query string, sess *session.Session, convType string) string {
	if o.rewriter == nil {
		return query
	}
	if convType == string(session.Start) {
		return o.grammarFix(ctx, query)
	}
	return o.rewriteWithHistory(ctx, query, sess)
}

func (o *Orchestrator) grammarFix(ctx context.Context, query string) string {
	resp, err := o.rewriter.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: "Fix only grammar and spelling in the user's message. Return the corrected text with no commentary."},
			{Role: "user", Content: query},
		},
		Temperature: 0,
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		return query
	}
	return strings.TrimSpace(resp.Content)
}

func (o *Orchestrator) rewriteWithHistory(ctx context.Context, query string, sess *session.Session) string {
	recent := sess.RecentMessages(session.ReferenceWindow)
	var history strings.Builder
	for _, m := range recent {
		fmt.Fprintf(&history, "%s: %s\n", m.Role, m.Content)
	}
	resp, err := o.rewriter.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: "Rewrite the user's latest message as a fully self-contained question, resolving pronouns and references using the conversation history. Return only the rewritten question."},
			{Role: "user", Content: fmt.Sprintf("History:\n%s\nLatest message: %s", history.String(), query)},
		},
		Temperature: 0,
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		return query
	}
	return strings.TrimSpace(resp.Content)
}

// retrieve runs the parallel 3-source fan-out of §4.12, grounded on
// retrieval.Engine.Search's channel-per-source pattern
// (retrieval/retrieval.go). Each source gets its own timeout; a
// timed-out source contributes an empty set.
func (o *Orchestrator) retrieve(ctx context.Context, query string, buckets []bucket.Bucket) []Candidate {
	sourceTimeout := o.cfg.SourceTimeout
	if sourceTimeout <= 0 {
		sourceTimeout = DefaultConfig().SourceTimeout
	}

	chunkCh := make(chan []Candidate, 1)
	summaryCh := make(chan []Candidate, 1)
	graphCh := make(chan []Candidate, 1)

	go func() { chunkCh <- o.searchChunks(withTimeout(ctx, sourceTimeout), query) }()
	go func() { summaryCh <- o.searchSummaries(withTimeout(ctx, sourceTimeout), query, buckets) }()
	go func() { graphCh <- o.searchGraph(withTimeout(ctx, sourceTimeout), query) }()

	var all []Candidate
	all = append(all, <-chunkCh...)
	all = append(all, <-summaryCh...)
	all = append(all, <-graphCh...)
	return all
}

func withTimeout(ctx context.Context, d time.Duration) context.Context {
	c, _ := context.WithTimeout(ctx, d)
	return c
}

func (o *Orchestrator) searchChunks(ctx context.Context, query string) []Candidate {
	if o.retrieval == nil {
		return nil
	}
	n := o.cfg.ChunksPerSource
	if n <= 0 {
		n = DefaultConfig().ChunksPerSource
	}
	results, _, err := o.retrieval.Search(ctx, query, retrieval.SearchOptions{MaxResults: n, WeightGraph: 0})
	if err != nil {
		slog.Warn("query: chunk search failed, contributing empty set", "error", err)
		return nil
	}
	out := make([]Candidate, 0, len(results))
	for _, r := range results {
		out = append(out, Candidate{SourceType: "chunk", Identifier: r.Filename, Text: r.Content, Score: r.Score})
	}
	return out
}

func (o *Orchestrator) searchSummaries(ctx context.Context, query string, buckets []bucket.Bucket) []Candidate {
	if o.store == nil {
		return nil
	}
	names := make([]string, 0, len(buckets))
	for _, b := range buckets {
		names = append(names, string(b))
	}
	n := o.cfg.ChunksPerSource
	if n <= 0 {
		n = DefaultConfig().ChunksPerSource
	}
	summaries, err := o.store.SearchSummaries(ctx, names, n)
	if err != nil {
		slog.Warn("query: summary search failed, contributing empty set", "error", err)
		return nil
	}
	terms := strings.Fields(strings.ToLower(query))
	out := make([]Candidate, 0, len(summaries))
	for _, sm := range summaries {
		out = append(out, Candidate{
			SourceType: "summary",
			Identifier: sm.Title,
			Text:       sm.Text,
			Score:      keywordOverlapScore(terms, sm.Text),
		})
	}
	return out
}

// searchGraph implements §4.12's graph-search semantics: entities
// matching query terms are looked up, traversed, and the resulting
// chunks are filtered by a relevance score (here, the relationship
// weight GraphSearch already computes — no pack example wires a
// standalone cosine-similarity-to-query-embedding step for graph
// entities, see DESIGN.md) against GraphRelevanceThreshold, with
// InContextBoost applied first as an independent multiplier (Open
// Question E.3).
func (o *Orchestrator) searchGraph(ctx context.Context, query string) []Candidate {
	if o.store == nil {
		return nil
	}
	terms := significantTerms(query)
	if len(terms) == 0 {
		return nil
	}
	entities, err := o.store.SearchEntitiesByTerms(ctx, terms, 20)
	if err != nil || len(entities) == 0 {
		return nil
	}
	names := make([]string, 0, len(entities))
	for _, e := range entities {
		names = append(names, e.Name)
	}

	depth := o.cfg.GraphMaxDepth
	if depth <= 0 {
		depth = DefaultConfig().GraphMaxDepth
	}
	traversal, err := graph.Traverse(ctx, o.store, names, depth)
	if err != nil || traversal == nil {
		return nil
	}

	n := o.cfg.ChunksPerSource
	if n <= 0 {
		n = DefaultConfig().ChunksPerSource
	}
	results, err := o.store.GraphSearch(ctx, traversal.EntityIDs, n)
	if err != nil {
		return nil
	}

	threshold := o.cfg.GraphRelevanceThreshold
	boost := o.cfg.InContextBoost
	if boost <= 0 {
		boost = 1
	}
	out := make([]Candidate, 0, len(results))
	for _, r := range results {
		score := r.Score * boost
		if score < threshold {
			continue
		}
		out = append(out, Candidate{SourceType: "graph", Identifier: r.Filename, Text: r.Content, Score: score})
	}
	return out
}

// rerank implements §4.12's fusion & rerank step: above the
// conversation-type cutoff a cross-encoder-style reranker orders
// candidates; at or below it, native similarity-score ordering is
// kept.
func (o *Orchestrator) rerank(ctx context.Context, query string, candidates []Candidate, convType string) []Candidate {
	cutoff := o.cfg.StartRerankCutoff
	if convType != string(session.Start) {
		cutoff = o.cfg.ContinueRerankCutoff
	}
	if cutoff <= 0 {
		cutoff = DefaultConfig().StartRerankCutoff
	}
	if len(candidates) <= cutoff || o.reranker == nil {
		return sortByScore(candidates)
	}
	topK := o.cfg.TopKRerank
	if topK <= 0 {
		topK = DefaultConfig().TopKRerank
	}
	reranked, err := o.reranker.Rerank(ctx, query, candidates, topK)
	if err != nil {
		return capped(sortByScore(candidates), topK)
	}
	return reranked
}

func (o *Orchestrator) generate(ctx context.Context, query string, candidates []Candidate, convType string, wantTitle bool, deadline time.Time) *Reply {
	contextText := ""
	if len(candidates) > 0 {
		contextText = BuildContext(candidates, o.cfg.ContextCharBudget)
	}
	result, err := o.generator.Generate(ctx, query, contextText, wantTitle, deadline)
	if err != nil {
		return &Reply{Content: TimeoutReply, TimedOut: true}
	}
	return &Reply{
		Title:         result.Title,
		Content:       result.Content,
		Sources:       candidates,
		ParseFallback: result.ParseFallback,
	}
}

func (o *Orchestrator) shortCircuitReply(ctx context.Context, sess *session.Session, convType string, classification classify.Result) (*Reply, error) {
	reply := &Reply{
		SessionID:           sess.ID,
		ConversationType:    convType,
		Content:             classification.DirectReply,
		Category:            string(classification.Category),
		SocialTippingPoint:  tippingpoint.NoMatch,
	}
	if reply.Content == "" {
		reply.Content = "Hello! I'm the climate document assistant. Ask me about any ingested research paper, policy, dataset, or news article."
	}
	o.appendTurn(ctx, sess.ID, "", reply.Content)
	return reply, nil
}

func (o *Orchestrator) lookupTippingPoint(ctx context.Context, responseText string) string {
	sig := tippingpoint.CondenseSignature(responseText)
	if sig == "" {
		return tippingpoint.NoMatch
	}
	tp, err := o.tipping.Lookup(ctx, sig)
	if err != nil || strings.TrimSpace(tp) == "" {
		return tippingpoint.NoMatch
	}
	return tp
}

func (o *Orchestrator) appendTurn(ctx context.Context, sessionID, userText, assistantText string) {
	if o.sessions == nil {
		return
	}
	if userText != "" {
		if err := o.sessions.AppendMessage(ctx, sessionID, session.Message{Role: session.RoleUser, Content: userText}); err != nil {
			slog.Warn("query: failed to append user message", "session_id", sessionID, "error", err)
		}
	}
	if err := o.sessions.AppendMessage(ctx, sessionID, session.Message{Role: session.RoleAssistant, Content: assistantText}); err != nil {
		slog.Warn("query: failed to append assistant message", "session_id", sessionID, "error", err)
	}
}

// enqueueEval implements §4.12's "async evaluation enqueue": gated by
// a uniform Bernoulli sample, run in its own goroutine so it cannot
// add to response latency.
func (o *Orchestrator) enqueueEval(req Request, sess *session.Session, convType string, reply *Reply) {
	if o.evalQueue == nil {
		return
	}
	rate := o.cfg.EvalSampleRate
	if rate <= 0 {
		rate = 1.0
	}
	if rate < 1.0 && o.sampleRoll() >= rate {
		return
	}

	ctxItems := make([]eval.ContextItem, 0, len(reply.Sources))
	for _, c := range reply.Sources {
		ctxItems = append(ctxItems, eval.ContextItem{SourceType: c.SourceType, Identifier: c.Identifier, Text: c.Text, Score: c.Score})
	}
	record := eval.EvaluationRecord{
		ID:               fmt.Sprintf("%s-%d", sess.ID, time.Now().UnixNano()),
		Query:            req.Query,
		Response:         reply.Content,
		Context:          ctxItems,
		SessionID:        sess.ID,
		ConversationType: convType,
		Status:           eval.StatusPending,
		CreatedAt:        time.Now(),
		Explanations:     map[string]string{"tipping_point": reply.SocialTippingPoint},
	}
	go o.evalQueue.Push(record)
}

func (o *Orchestrator) timeoutReply(sess *session.Session, convType string) *Reply {
	sessionID := ""
	if sess != nil {
		sessionID = sess.ID
	}
	return &Reply{
		SessionID:          sessionID,
		ConversationType:   convType,
		Content:            TimeoutReply,
		SocialTippingPoint: tippingpoint.NoMatch,
		TimedOut:           true,
	}
}

func keywordOverlapScore(queryTerms []string, text string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, t := range queryTerms {
		if len(t) < 3 {
			continue
		}
		if strings.Contains(lower, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTerms))
}

var graphStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "of": true,
	"and": true, "or": true, "to": true, "in": true, "on": true, "what": true,
	"how": true, "does": true, "do": true, "for": true, "with": true,
}

// significantTerms extracts words of at least 3 characters (after
// trimming punctuation) that are not stop words as candidate entity
// names, mirroring retrieval/helpers.go's
// extractQueryEntities approach at a smaller scope (that function is
// unexported in the retrieval package).
func significantTerms(query string) []string {
	words := strings.Fields(query)
	var out []string
	for _, w := range words {
		trimmed := strings.Trim(w, ".,;:!?\"'()")
		if len(trimmed) < 3 {
			continue
		}
		if graphStopWords[strings.ToLower(trimmed)] {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
