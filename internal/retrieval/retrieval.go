// Package retrieval implements the Retrieval Orchestrator (RO): composes
// EP+HSE+RE+RR, enforces token/character/chunk budgets, deduplicates, and
// produces a ranked, trimmed result set with a reasoning tree.
package retrieval

import (
	"context"
	"sort"

	"github.com/pixell07/multi-tenant-ai/internal/config"
	"github.com/pixell07/multi-tenant-ai/internal/embedding"
	"github.com/pixell07/multi-tenant-ai/internal/errs"
	"github.com/pixell07/multi-tenant-ai/internal/llmclient"
	"github.com/pixell07/multi-tenant-ai/internal/model"
	"github.com/pixell07/multi-tenant-ai/internal/relation"
	"github.com/pixell07/multi-tenant-ai/internal/rerank"
	"github.com/pixell07/multi-tenant-ai/internal/search"
	"github.com/pixell07/multi-tenant-ai/internal/store"
	"github.com/pixell07/multi-tenant-ai/internal/tokenx"
	"github.com/pixell07/multi-tenant-ai/internal/tracing"
	"golang.org/x/sync/errgroup"
)

const candidateCap = 1000

// hydeShortQueryTokens is the fixed whitespace-token threshold at or below
// which HyDE synthesis runs.
const hydeShortQueryTokens = 12

// Budgets bounds a retrieveChunks call. A zero value for a field means
// "unbounded" except MaxTokens, which defaults to 8192 when the whole
// struct is the zero value.
type Budgets struct {
	MaxTokens  int
	MaxChars   int
	MaxChunks  int
}

// RO is the Retrieval Orchestrator.
type RO struct {
	ep     *embedding.EP
	hse    *search.HSE
	re     *relation.RE
	rr     *rerank.RR
	store  *store.Store
	hyde   *llmclient.Client
	tokens *tokenx.Counter
	cfg    config.Config
	raglog *tracing.Writer

	// RetrieveDocumentsAlwaysSemantic controls whether retrieveDocuments
	// always runs semantic search, or only when lexical hits didn't already
	// fill maxDocuments (the default).
	RetrieveDocumentsAlwaysSemantic bool
}

func New(ep *embedding.EP, hse *search.HSE, re *relation.RE, rr *rerank.RR, st *store.Store, hyde *llmclient.Client, tokens *tokenx.Counter, cfg config.Config, raglog *tracing.Writer) *RO {
	return &RO{ep: ep, hse: hse, re: re, rr: rr, store: st, hyde: hyde, tokens: tokens, cfg: cfg, raglog: raglog}
}

// RetrieveChunks implements the full retrieveChunks pipeline.
func (ro *RO) RetrieveChunks(ctx context.Context, orgID string, datasourceIDs []string, prompt string, budgets Budgets, log *tracing.Node) ([]*model.Chunk, float64, error) {
	if orgID == "" || len(datasourceIDs) == 0 {
		return nil, 0, errs.New(errs.InvalidRequest, "retrieveChunks requires org and at least one datasource")
	}
	if budgets.MaxTokens == 0 && budgets.MaxChars == 0 && budgets.MaxChunks == 0 {
		budgets.MaxTokens = ro.cfg.RetrievalDefaultMaxTokens
		if budgets.MaxTokens == 0 {
			budgets.MaxTokens = 8192
		}
	}
	if log == nil {
		log = tracing.NewRoot("retrieval")
	}
	log.Set("prompt", prompt)

	cleanQuery := cleanPrompt(prompt)
	log.Set("cleaned_query", cleanQuery)

	var queryVec []float32
	var hypoVec []float32
	var totalCost float64

	// Step 2: queryVec and (optionally) HyDE vector concurrently.
	embedNode := log.Child("embed")
	doneEmbed := embedNode.Measure()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vecs, cost, err := ro.ep.Embed(gctx, []string{cleanQuery}, model.EmbedQuery)
		if err != nil {
			return err
		}
		queryVec = vecs[0]
		addCost(&totalCost, cost)
		return nil
	})
	if ro.hyde != nil && isShortQuery(cleanQuery, hydeShortQueryTokens) {
		g.Go(func() error {
			hypo, err := ro.synthesizeHyDE(gctx, prompt)
			if err != nil {
				// HyDE is an enhancement, not a hard dependency: log and
				// continue without it rather than failing retrieval.
				embedNode.Set("hyde_error", err.Error())
				return nil
			}
			vecs, cost, err := ro.ep.Embed(gctx, []string{hypo}, model.EmbedDocument)
			if err != nil {
				embedNode.Set("hyde_embed_error", err.Error())
				return nil
			}
			hypoVec = vecs[0]
			addCost(&totalCost, cost)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		doneEmbed()
		return nil, totalCost, errs.Wrap(errs.RetrievalFailed, "embedding stage failed", err)
	}
	doneEmbed()

	// Step 3: lexical + semantic(queryVec) + semantic(hypoVec) concurrently,
	// union preserving first-seen order.
	var lexical, semantic, hypoSemantic []*model.Chunk
	sg, sgctx := errgroup.WithContext(ctx)

	lexNode := log.Child("lexical")
	sg.Go(func() error {
		done := lexNode.Measure()
		defer done()
		res, err := ro.hse.LexicalSearch(sgctx, orgID, datasourceIDs, cleanQuery, queryVec, 100, 0)
		if err != nil {
			return err
		}
		lexical = res
		lexNode.Set("chunk_ids", chunkIDs(res))
		return nil
	})

	semNode := log.Child("semantic")
	sg.Go(func() error {
		done := semNode.Measure()
		defer done()
		res, err := ro.hse.SemanticSearch(sgctx, orgID, datasourceIDs, queryVec, "", 100, 0, ro.cfg.EmbeddingCutoff)
		if err != nil {
			return err
		}
		semantic = res
		semNode.Set("chunk_ids", chunkIDs(res))
		return nil
	})

	if len(hypoVec) > 0 {
		hypoNode := log.Child("semantic_hyde")
		sg.Go(func() error {
			done := hypoNode.Measure()
			defer done()
			res, err := ro.hse.SemanticSearch(sgctx, orgID, datasourceIDs, hypoVec, "", 100, 0, ro.cfg.EmbeddingCutoff)
			if err != nil {
				return err
			}
			hypoSemantic = res
			hypoNode.Set("chunk_ids", chunkIDs(res))
			return nil
		})
	}

	if err := sg.Wait(); err != nil {
		return nil, totalCost, errs.Wrap(errs.RetrievalFailed, "search stage failed", err)
	}

	union := unionPreserveOrder(lexical, semantic, hypoSemantic)

	// Step 4: expand question/summary hits through RE.
	expanded, edges, err := ro.re.Expand(ctx, union)
	if err != nil {
		return nil, totalCost, errs.Wrap(errs.RetrievalFailed, "relation expansion failed", err)
	}
	relNode := log.Child("relation_expand")
	for _, e := range edges {
		relNode.Child("edge").Set("source", e.SourceChunkID)
	}

	// Step 5: cap candidates before rerank.
	if len(expanded) > candidateCap {
		expanded = expanded[:candidateCap]
	}

	// Step 6: rerank.
	rerankNode := log.Child("rerank")
	doneRerank := rerankNode.Measure()
	scored, rrCost, err := ro.rr.Rerank(ctx, prompt, expanded)
	doneRerank()
	if err != nil {
		return nil, totalCost, errs.Wrap(errs.RetrievalFailed, "rerank failed", err)
	}
	addCost(&totalCost, rrCost)
	rerankNode.Set("chunk_ids", scoredIDs(scored))

	// Step 7: budget-trim in rank order.
	trimmed := trimToBudget(scored, budgets, ro.tokens)
	trimNode := log.Child("trim")
	trimNode.Set("chunk_ids", chunkIDs(trimmed))

	// Step 8: resolve external ids, drop unresolved.
	result, err := ro.attachExternalIDs(ctx, trimmed)
	if err != nil {
		return nil, totalCost, errs.Wrap(errs.RetrievalFailed, "external id resolution failed", err)
	}

	ro.raglog.Write(ctx, orgID, "retrieve_chunks", log)
	return result, totalCost, nil
}

func (ro *RO) synthesizeHyDE(ctx context.Context, prompt string) (string, error) {
	text, _, err := ro.hyde.Generate(ctx, []llmclient.ChatMessage{
		{Role: "system", Content: "Write a short, plausible passage (2-4 sentences) that would answer the user's question. It does not need to be factually correct — it only needs to read like a real answer, since its embedding is used to improve semantic recall."},
		{Role: "user", Content: prompt},
	})
	return text, err
}

func (ro *RO) attachExternalIDs(ctx context.Context, chunks []*model.Chunk) ([]*model.Chunk, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	var dsIDs, docIDs []string
	for _, c := range chunks {
		dsIDs = append(dsIDs, c.DatasourceID)
		docIDs = append(docIDs, c.DocumentID)
	}
	dsExt, err := ro.store.DatasourceExternalIDs(ctx, dedupe(dsIDs))
	if err != nil {
		return nil, err
	}
	docExt, err := ro.store.DocumentExternalIDs(ctx, dedupe(docIDs))
	if err != nil {
		return nil, err
	}

	var out []*model.Chunk
	for _, c := range chunks {
		dsID, dsOK := dsExt[c.DatasourceID]
		docID, docOK := docExt[c.DocumentID]
		if !dsOK || !docOK {
			continue // drop results whose document or datasource cannot be resolved
		}
		c.DatasourceExternalID = dsID
		c.DocumentExternalID = docID
		out = append(out, c)
	}
	return out, nil
}

func addCost(total *float64, c float64) { *total += c }

func chunkIDs(chunks []*model.Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.ID
	}
	return out
}

func scoredIDs(scored []rerank.Scored) []string {
	out := make([]string, len(scored))
	for i, s := range scored {
		out[i] = s.Chunk.ID
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// unionPreserveOrder merges result sets preserving first-seen order:
// lexical, then semantic, then hyDE-semantic.
func unionPreserveOrder(sets ...[]*model.Chunk) []*model.Chunk {
	seen := make(map[string]bool)
	var out []*model.Chunk
	for _, set := range sets {
		for _, c := range set {
			if !seen[c.ID] {
				seen[c.ID] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// trimToBudget accumulates (tokens, chars, count) in rank order and stops at
// the first index where a configured budget would be exceeded — except the
// first item, which is always kept even if it alone exceeds budget.
func trimToBudget(scored []rerank.Scored, b Budgets, counter *tokenx.Counter) []*model.Chunk {
	var out []*model.Chunk
	var tokens, chars, count int

	for i, s := range scored {
		t := s.Chunk.TokenCount
		if t == 0 && counter != nil {
			t = counter.Count(s.Chunk.Content)
			s.Chunk.TokenCount = t
		}
		ch := s.Chunk.CharSize
		if ch == 0 {
			ch = len(s.Chunk.Content)
		}

		exceeds := (b.MaxTokens > 0 && tokens+t > b.MaxTokens) ||
			(b.MaxChars > 0 && chars+ch > b.MaxChars) ||
			(b.MaxChunks > 0 && count+1 > b.MaxChunks)

		if exceeds {
			if i == 0 {
				out = append(out, s.Chunk) // keep the sole candidate even over budget
			}
			break
		}

		out = append(out, s.Chunk)
		tokens += t
		chars += ch
		count++
	}
	return out
}

// RetrieveDocuments implements retrieveDocuments: retrieve chunks, then
// collapse to their owning documents, honoring the lexical-first
// short-circuit unless RetrieveDocumentsAlwaysSemantic is set.
func (ro *RO) RetrieveDocuments(ctx context.Context, orgID string, datasourceIDs []string, prompt string, maxDocuments int, log *tracing.Node) ([]string, []string, float64, error) {
	if orgID == "" || len(datasourceIDs) == 0 {
		return nil, nil, 0, errs.New(errs.InvalidRequest, "retrieveDocuments requires org and at least one datasource")
	}
	if log == nil {
		log = tracing.NewRoot("retrieve_documents")
	}
	log.Set("prompt", prompt)
	log.Set("max_documents", maxDocuments)

	cleanQuery := cleanPrompt(prompt)
	var totalCost float64

	lexNode := log.Child("lexical")
	doneLex := lexNode.Measure()
	lexical, err := ro.hse.LexicalSearch(ctx, orgID, datasourceIDs, cleanQuery, nil, maxDocuments*4, 0)
	doneLex()
	if err != nil {
		return nil, nil, totalCost, errs.Wrap(errs.RetrievalFailed, "lexical search failed", err)
	}
	lexNode.Set("chunk_ids", chunkIDs(lexical))

	docIDSet := make(map[string]bool)
	var orderedDocIDs []string
	for _, c := range lexical {
		if !docIDSet[c.DocumentID] {
			docIDSet[c.DocumentID] = true
			orderedDocIDs = append(orderedDocIDs, c.DocumentID)
		}
	}

	needSemantic := ro.RetrieveDocumentsAlwaysSemantic || len(orderedDocIDs) < maxDocuments
	if needSemantic {
		semNode := log.Child("semantic")
		doneSem := semNode.Measure()
		vecs, cost, err := ro.ep.Embed(ctx, []string{cleanQuery}, model.EmbedQuery)
		if err != nil {
			doneSem()
			return nil, nil, totalCost, errs.Wrap(errs.RetrievalFailed, "embedding failed", err)
		}
		addCost(&totalCost, cost)

		semantic, err := ro.hse.SemanticSearch(ctx, orgID, datasourceIDs, vecs[0], "", maxDocuments*4, 0, ro.cfg.EmbeddingCutoff)
		doneSem()
		if err != nil {
			return nil, nil, totalCost, errs.Wrap(errs.RetrievalFailed, "semantic search failed", err)
		}
		semNode.Set("chunk_ids", chunkIDs(semantic))
		for _, c := range semantic {
			if !docIDSet[c.DocumentID] {
				docIDSet[c.DocumentID] = true
				orderedDocIDs = append(orderedDocIDs, c.DocumentID)
			}
		}
	}

	if len(orderedDocIDs) > maxDocuments {
		orderedDocIDs = orderedDocIDs[:maxDocuments]
	}

	docExt, err := ro.store.DocumentExternalIDs(ctx, orderedDocIDs)
	if err != nil {
		return nil, nil, totalCost, errs.Wrap(errs.RetrievalFailed, "document external id resolution failed", err)
	}

	var externalIDs []string
	var resolvedIDs []string
	for _, id := range orderedDocIDs {
		if ext, ok := docExt[id]; ok {
			externalIDs = append(externalIDs, ext)
			resolvedIDs = append(resolvedIDs, id)
		}
	}

	log.Set("document_ids", resolvedIDs)
	ro.raglog.Write(ctx, orgID, "retrieve_documents", log)
	return resolvedIDs, externalIDs, totalCost, nil
}

// RetrieveQuestions implements retrieveQuestions: semantic search
// restricted to kind=question, then budget-trimmed by chunk count only.
func (ro *RO) RetrieveQuestions(ctx context.Context, orgID string, datasourceIDs []string, prompt string, maxChunks int, log *tracing.Node) ([]*model.Chunk, float64, error) {
	if orgID == "" || len(datasourceIDs) == 0 {
		return nil, 0, errs.New(errs.InvalidRequest, "retrieveQuestions requires org and at least one datasource")
	}
	if log == nil {
		log = tracing.NewRoot("retrieve_questions")
	}
	log.Set("prompt", prompt)

	cleanQuery := cleanPrompt(prompt)
	vecs, cost, err := ro.ep.Embed(ctx, []string{cleanQuery}, model.EmbedQuery)
	if err != nil {
		return nil, cost, errs.Wrap(errs.RetrievalFailed, "embedding failed", err)
	}

	limit := maxChunks
	if limit <= 0 {
		limit = 20
	}
	semNode := log.Child("semantic")
	doneSem := semNode.Measure()
	results, err := ro.hse.SemanticSearch(ctx, orgID, datasourceIDs, vecs[0], model.KindQuestion, limit, 0, ro.cfg.EmbeddingCutoff)
	doneSem()
	if err != nil {
		return nil, cost, errs.Wrap(errs.RetrievalFailed, "semantic search failed", err)
	}
	semNode.Set("chunk_ids", chunkIDs(results))

	sort.SliceStable(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if maxChunks > 0 && len(results) > maxChunks {
		results = results[:maxChunks]
	}
	ro.raglog.Write(ctx, orgID, "retrieve_questions", log)
	return results, cost, nil
}
