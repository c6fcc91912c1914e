// Package indexing implements the Indexing Pipeline (IP): converts a raw
// Document into chunk/summary/question records, embeds them, and persists
// the result. A fixed worker pool consumes jobs off a durable queue so a
// slow document never blocks ingestion of the next one.
package indexing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pixell07/multi-tenant-ai/internal/config"
	"github.com/pixell07/multi-tenant-ai/internal/embedding"
	"github.com/pixell07/multi-tenant-ai/internal/errs"
	"github.com/pixell07/multi-tenant-ai/internal/llmclient"
	"github.com/pixell07/multi-tenant-ai/internal/model"
	"github.com/pixell07/multi-tenant-ai/internal/queue"
	"github.com/pixell07/multi-tenant-ai/internal/store"
	"github.com/pixell07/multi-tenant-ai/internal/tokenx"
	"github.com/pixell07/multi-tenant-ai/internal/tracing"
	"golang.org/x/sync/errgroup"
)

const (
	defaultChunkChars   = 1800
	defaultOverlapChars = 200

	// summaryMinWords is the word count above which a document gets a
	// summary chunk; shorter documents are already summary-sized.
	summaryMinWords = 120

	questionsPerChunk  = 3
	questionBatchLimit = 10
)

// IP is the Indexing Pipeline.
type IP struct {
	store   *store.Store
	ep      *embedding.EP
	llm     *llmclient.Client
	queue   *queue.Queue
	tokens  *tokenx.Counter
	cfg     config.Config
	workers int
	raglog  *tracing.Writer
}

func New(st *store.Store, ep *embedding.EP, llm *llmclient.Client, q *queue.Queue, tokens *tokenx.Counter, cfg config.Config, raglog *tracing.Writer) *IP {
	workers := cfg.QueueWorkers
	if workers <= 0 {
		workers = 4
	}
	return &IP{store: st, ep: ep, llm: llm, queue: q, tokens: tokens, cfg: cfg, workers: workers, raglog: raglog}
}

// Enqueue submits a document for (re-)indexing. Job ids are derived from
// the document id, so re-submitting the same document within the queue's
// dedup retention window is a no-op, unless the earlier job failed and its
// id was forgotten.
func (ip *IP) Enqueue(ctx context.Context, documentID string) error {
	return ip.queue.Enqueue(ctx, queue.Job{ID: "index:" + documentID, Type: queue.JobIndex, DocumentID: documentID})
}

// Run starts the worker pool and the daily retention scheduler, and blocks
// until ctx is cancelled.
func (ip *IP) Run(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < ip.workers; i++ {
		workerID := i
		g.Go(func() error {
			ip.runWorker(gctx, workerID)
			return nil
		})
	}
	g.Go(func() error {
		ip.runRetentionScheduler(gctx)
		return nil
	})
	_ = g.Wait()
}

// runRetentionScheduler enqueues the clean_raglog and clean_embeddings jobs
// once per day; the worker pool handles them like any other job.
func (ip *IP) runRetentionScheduler(ctx context.Context) {
	ip.enqueueRetentionJobs(ctx)

	ticker := time.NewTicker(config.RetentionTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ip.enqueueRetentionJobs(ctx)
		}
	}
}

func (ip *IP) enqueueRetentionJobs(ctx context.Context) {
	day := time.Now().Format("2006-01-02")
	if err := ip.queue.Enqueue(ctx, queue.Job{ID: "clean_raglog:" + day, Type: queue.JobCleanRagLog}); err != nil {
		slog.Error("enqueue retention job failed", "job_type", queue.JobCleanRagLog, "error", err)
	}
	if err := ip.queue.Enqueue(ctx, queue.Job{ID: "clean_embeddings:" + day, Type: queue.JobCleanEmbeddings}); err != nil {
		slog.Error("enqueue retention job failed", "job_type", queue.JobCleanEmbeddings, "error", err)
	}
}

func (ip *IP) runWorker(ctx context.Context, id int) {
	slog.Info("indexing worker started", "worker_id", id)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := ip.queue.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("dequeue failed", "worker_id", id, "error", err)
			continue
		}
		if job == nil {
			continue // timed out waiting, loop and check ctx again
		}

		switch job.Type {
		case queue.JobIndex:
			if err := ip.Index(ctx, job.DocumentID); err != nil {
				slog.Error("indexing failed", "document_id", job.DocumentID, "error", err)
				ip.queue.Forget(ctx, job.ID)
			}
		case queue.JobCleanRagLog:
			if err := ip.cleanRagLogs(ctx); err != nil {
				slog.Error("clean_raglog failed", "error", err)
				ip.queue.Forget(ctx, job.ID)
			}
		case queue.JobCleanEmbeddings:
			if err := ip.cleanEmbeddings(ctx); err != nil {
				slog.Error("clean_embeddings failed", "error", err)
				ip.queue.Forget(ctx, job.ID)
			}
		default:
			slog.Warn("unrecognized job type", "type", job.Type)
		}
	}
}

// cleanRagLogs deletes reasoning-tree rows past the configured retention
// window — the clean_raglog queue job.
func (ip *IP) cleanRagLogs(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -ip.cfg.RagLogRetentionDays)
	n, err := ip.store.DeleteRagLogsOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	slog.Info("raglog retention swept", "deleted", n)
	return nil
}

// cleanEmbeddings deletes embedding cache rows past the configured
// retention window — the clean_embeddings queue job.
func (ip *IP) cleanEmbeddings(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -ip.cfg.EmbeddingRetentionDays)
	n, err := ip.ep.GC(ctx, cutoff)
	if err != nil {
		return err
	}
	slog.Info("embedding cache retention swept", "deleted", n)
	return nil
}

// Index runs the full convert→summary→chunk→embed→persist→questions
// pipeline for one document.
func (ip *IP) Index(ctx context.Context, documentID string) error {
	doc, err := ip.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if err := ip.store.SetDocumentStatus(ctx, documentID, model.DocumentIndexing); err != nil {
		return err
	}

	log := tracing.NewRoot("index")
	log.Set("document_id", documentID)
	defer ip.raglog.Write(ctx, doc.OrgID, "index", log)

	if err := ip.index(ctx, doc, log); err != nil {
		log.Set("error", err.Error())
		_ = ip.store.SetDocumentStatus(ctx, documentID, model.DocumentFailed)
		return errs.Wrap(errs.IndexingFailed, fmt.Sprintf("index document %s", documentID), err)
	}

	return ip.store.SetDocumentStatus(ctx, documentID, model.DocumentIndexed)
}

func (ip *IP) index(ctx context.Context, doc *model.Document, log *tracing.Node) error {
	convertNode := log.Child("convert")
	doneConvert := convertNode.Measure()
	markdown, err := convert(ctx, doc)
	doneConvert()
	if err != nil {
		return err
	}

	// Summary runs before chunking: its context string, when produced,
	// biases every chunk's embedding input.
	summaryNode := log.Child("summary")
	doneSummary := summaryNode.Measure()
	summary, haveSummary, err := ip.generateSummary(ctx, markdown)
	doneSummary()
	if err != nil {
		return err
	}
	summaryNode.Set("generated", haveSummary)

	chunkNode := log.Child("chunk")
	doneChunk := chunkNode.Measure()
	texts := chunkMarkdown(markdown, defaultChunkChars, defaultOverlapChars)
	doneChunk()
	chunkNode.Set("chunk_count", len(texts))
	if len(texts) == 0 {
		return errs.New(errs.IndexingFailed, "document produced no chunks")
	}

	chunks, err := ip.embedChunksWithContext(ctx, doc, texts, summary.Context)
	if err != nil {
		return err
	}
	if err := ip.store.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		return err
	}

	if err := ip.persistSummary(ctx, doc, summary, haveSummary, chunks); err != nil {
		return err
	}
	return ip.indexQuestions(ctx, doc, chunks, log.Child("questions"))
}

func (ip *IP) embedChunks(ctx context.Context, doc *model.Document, texts []string, kind model.ChunkKind) ([]*model.Chunk, error) {
	vecs, _, err := ip.ep.Embed(ctx, texts, model.EmbedDocument)
	if err != nil {
		return nil, err
	}

	chunks := make([]*model.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = &model.Chunk{
			OrgID:        doc.OrgID,
			DatasourceID: doc.DatasourceID,
			DocumentID:   doc.ID,
			Kind:         kind,
			Content:      text,
			CharSize:     len(text),
			TokenCount:   ip.tokens.Count(text),
			Embedding:    vecs[i],
		}
	}
	return chunks, nil
}

// embedChunksWithContext embeds chunk-kind texts with embedContext (the
// summary's accompanying context string, if one was generated) prefixed to
// each embedding input to bias the semantic space. Persisted chunk content
// never carries the prefix.
func (ip *IP) embedChunksWithContext(ctx context.Context, doc *model.Document, texts []string, embedContext string) ([]*model.Chunk, error) {
	inputs := texts
	if embedContext != "" {
		inputs = make([]string, len(texts))
		for i, t := range texts {
			inputs[i] = embedContext + "\n" + t
		}
	}

	vecs, _, err := ip.ep.Embed(ctx, inputs, model.EmbedDocument)
	if err != nil {
		return nil, err
	}

	chunks := make([]*model.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = &model.Chunk{
			OrgID:        doc.OrgID,
			DatasourceID: doc.DatasourceID,
			DocumentID:   doc.ID,
			Kind:         model.KindChunk,
			Content:      text,
			CharSize:     len(text),
			TokenCount:   ip.tokens.Count(text),
			Embedding:    vecs[i],
		}
	}
	return chunks, nil
}

// summaryResult is the {summary, context} envelope the summary LLM call
// produces: summary is stored as a searchable chunk, context biases every
// other chunk's embedding input.
type summaryResult struct {
	Summary string `json:"summary"`
	Context string `json:"context"`
}

// generateSummary produces a summary/context pair for documents long
// enough to benefit from one. The second return value is false (with a nil
// error) for short documents or when generation failed — summaries are an
// enhancement over raw chunks, not required for a document to be
// searchable.
func (ip *IP) generateSummary(ctx context.Context, markdown string) (summaryResult, bool, error) {
	if len(wordsOf(markdown)) < summaryMinWords {
		return summaryResult{}, false, nil
	}

	text, _, err := ip.llm.Generate(ctx, []llmclient.ChatMessage{
		{Role: "system", Content: `Summarize the following document in at most 200 words for use as a search index entry, and separately write a short context string (1-2 sentences) that situates this document for downstream retrieval. Be factual and specific; do not add commentary. Reply with exactly one JSON object: {"summary": "...", "context": "..."}.`},
		{Role: "user", Content: markdown},
	})
	if err != nil {
		slog.Warn("summary generation failed", "error", err)
		return summaryResult{}, false, nil
	}

	var parsed summaryResult
	if err := json.Unmarshal([]byte(extractJSONObject(text)), &parsed); err != nil || parsed.Summary == "" {
		// Model didn't honor the envelope: use the raw text as the summary,
		// with no context to bias embeddings with.
		return summaryResult{Summary: strings.TrimSpace(text)}, true, nil
	}
	return parsed, true, nil
}

// extractJSONObject trims any leading/trailing prose a model adds around
// its JSON object despite being asked for exactly one.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

// persistSummary embeds and stores the summary chunk (if one was
// generated), linking it to every chunk of the document so a summary hit
// expands to the whole document at retrieval time.
func (ip *IP) persistSummary(ctx context.Context, doc *model.Document, summary summaryResult, haveSummary bool, chunks []*model.Chunk) error {
	if !haveSummary {
		return ip.store.ReplaceKindChunks(ctx, doc.ID, model.KindSummary, nil)
	}

	summaryChunks, err := ip.embedChunks(ctx, doc, []string{summary.Summary}, model.KindSummary)
	if err != nil {
		return err
	}
	if err := ip.store.ReplaceKindChunks(ctx, doc.ID, model.KindSummary, summaryChunks); err != nil {
		return err
	}

	for _, target := range chunks {
		if err := ip.store.InsertRelation(ctx, doc.OrgID, doc.DatasourceID, summaryChunks[0].ID, target.ID); err != nil {
			return err
		}
	}
	return nil
}

// indexQuestions generates a bounded-parallel question bank per chunk (a
// handful of questions each chunk plausibly answers), embeds them, and
// links each question back to its source chunk.
func (ip *IP) indexQuestions(ctx context.Context, doc *model.Document, chunks []*model.Chunk, log *tracing.Node) error {
	type generated struct {
		sourceChunkID string
		questions     []string
	}

	results := make([]generated, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(questionBatchLimit)

	for i, c := range chunks {
		i, c := i, c
		g.Go(func() error {
			qs, err := ip.generateQuestions(gctx, c.Content)
			if err != nil {
				slog.Warn("question generation failed", "chunk_id", c.ID, "error", err)
				return nil // non-fatal: the chunk is still retrievable directly
			}
			results[i] = generated{sourceChunkID: c.ID, questions: qs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var allQuestions []string
	var sourceFor []string
	for _, r := range results {
		for _, q := range r.questions {
			allQuestions = append(allQuestions, q)
			sourceFor = append(sourceFor, r.sourceChunkID)
		}
	}
	log.Set("question_count", len(allQuestions))
	if len(allQuestions) == 0 {
		return ip.store.ReplaceKindChunks(ctx, doc.ID, model.KindQuestion, nil)
	}

	questionChunks, err := ip.embedChunks(ctx, doc, allQuestions, model.KindQuestion)
	if err != nil {
		return err
	}
	if err := ip.store.ReplaceKindChunks(ctx, doc.ID, model.KindQuestion, questionChunks); err != nil {
		return err
	}

	for i, qc := range questionChunks {
		if err := ip.store.InsertRelation(ctx, doc.OrgID, doc.DatasourceID, qc.ID, sourceFor[i]); err != nil {
			return err
		}
	}
	return nil
}

func (ip *IP) generateQuestions(ctx context.Context, chunkText string) ([]string, error) {
	text, _, err := ip.llm.Generate(ctx, []llmclient.ChatMessage{
		{Role: "system", Content: fmt.Sprintf("Write exactly %d short questions this passage directly answers, one per line, no numbering.", questionsPerChunk)},
		{Role: "user", Content: chunkText},
	})
	if err != nil {
		return nil, err
	}
	return splitLines(text), nil
}

func splitLines(text string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(text); i++ {
		if i == len(text) || text[i] == '\n' {
			if line := trimLine(text[start:i]); line != "" {
				out = append(out, line)
			}
			start = i + 1
		}
	}
	return out
}

func trimLine(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t' || s[0] == '-' || s[0] == '\r') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func wordsOf(s string) []string {
	var out []string
	inWord := false
	start := 0
	for i, r := range s {
		isSpace := r == ' ' || r == '\n' || r == '\t' || r == '\r'
		if isSpace && inWord {
			out = append(out, s[start:i])
			inWord = false
		} else if !isSpace && !inWord {
			start = i
			inWord = true
		}
	}
	if inWord {
		out = append(out, s[start:])
	}
	return out
}
