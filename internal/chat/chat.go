// Package chat implements the Chat Orchestrator (CO): a tool-augmented,
// streaming, grounded chat turn over a persisted Conversation.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/google/uuid"
	"github.com/pixell07/multi-tenant-ai/internal/config"
	"github.com/pixell07/multi-tenant-ai/internal/connector"
	"github.com/pixell07/multi-tenant-ai/internal/errs"
	"github.com/pixell07/multi-tenant-ai/internal/llmclient"
	"github.com/pixell07/multi-tenant-ai/internal/model"
	"github.com/pixell07/multi-tenant-ai/internal/retrieval"
	"github.com/pixell07/multi-tenant-ai/internal/store"
	"github.com/pixell07/multi-tenant-ai/internal/tokenx"
	"github.com/pixell07/multi-tenant-ai/internal/tracing"
)

// groundingFallbacks holds a fixed set of canned "no grounding" phrases per
// query language; one is picked at random so repeated ungrounded turns
// don't read as a canned error message. Falls back to "en" for any language
// not in this set. There is no language-detection library in the dependency
// set this core draws from, so detectLanguage below is a small stopword
// heuristic rather than a proper classifier.
var groundingFallbacks = map[string][]string{
	"en": {
		"I don't have information about that in the connected knowledge base.",
		"I couldn't find anything relevant to that in the connected knowledge base.",
		"That isn't covered by the documents I have access to.",
	},
	"fr": {
		"Je n'ai pas d'informations à ce sujet dans la base de connaissances connectée.",
		"Je n'ai trouvé aucun élément pertinent à ce sujet dans la base de connaissances connectée.",
		"Cela n'est pas couvert par les documents auxquels j'ai accès.",
	},
	"es": {
		"No tengo información sobre eso en la base de conocimientos conectada.",
		"No encontré nada relevante sobre eso en la base de conocimientos conectada.",
		"Esto no está cubierto por los documentos a los que tengo acceso.",
	},
	"de": {
		"Dazu habe ich keine Informationen in der verbundenen Wissensdatenbank.",
		"Ich habe dazu nichts Relevantes in der verbundenen Wissensdatenbank gefunden.",
		"Das wird von den Dokumenten, auf die ich Zugriff habe, nicht abgedeckt.",
	},
}

// languageStopwords are a handful of high-frequency function words per
// language, used only to pick which grounding-fallback set to draw from.
var languageStopwords = map[string]map[string]bool{
	"fr": wordSet("le", "la", "les", "des", "pourquoi", "est", "une", "un", "du", "de", "et", "que", "qui", "avec", "pour", "dans", "ce", "sont"),
	"es": wordSet("el", "la", "los", "las", "por", "qué", "que", "es", "una", "uno", "para", "con", "del", "son", "está"),
	"de": wordSet("der", "die", "das", "und", "warum", "ist", "ein", "eine", "mit", "für", "nicht", "sind"),
}

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// detectLanguage guesses a query's language from stopword overlap, falling
// back to "en" when no other language scores higher.
func detectLanguage(text string) string {
	scores := make(map[string]int, len(languageStopwords))
	for _, raw := range strings.Fields(strings.ToLower(text)) {
		word := strings.Trim(raw, ".,!?;:\"'()")
		for lang, stop := range languageStopwords {
			if stop[word] {
				scores[lang]++
			}
		}
	}
	best, bestScore := "en", 0
	for lang, score := range scores {
		if score > bestScore {
			best, bestScore = lang, score
		}
	}
	return best
}

// pickGroundingFallback returns a randomly chosen canned fallback phrase in
// the query's detected language.
func pickGroundingFallback(query string) string {
	phrases := groundingFallbacks[detectLanguage(query)]
	if len(phrases) == 0 {
		phrases = groundingFallbacks["en"]
	}
	return phrases[rand.Intn(len(phrases))]
}

// Request is one inbound chat turn.
type Request struct {
	OrgID                  string
	ApiKeyID               string
	ConversationExternalID string // empty starts a new conversation
	DatasourceIDs          []string
	Connectors             []*model.Connector
	CallerAuth             string
	Message                string
}

// Outcome is the final, non-streamed summary of a completed turn.
type Outcome struct {
	ConversationExternalID string
	Text                   string
	Answered               bool // false when the grounding fallback was used
	Confidence             int  // ceil(5 * usedDocs / seenDocs), 0 if nothing was retrieved
	UsedDocumentExternalIDs []string
	SeenDocumentExternalIDs []string
	Cost                   float64
}

// CO is the Chat Orchestrator.
type CO struct {
	store      *store.Store
	ro         *retrieval.RO
	llm        *llmclient.Client
	connectors *connector.Client
	tokens     *tokenx.Counter
	cfg        config.Config
	raglog     *tracing.Writer
}

func New(st *store.Store, ro *retrieval.RO, llm *llmclient.Client, connClient *connector.Client, tokens *tokenx.Counter, cfg config.Config, raglog *tracing.Writer) *CO {
	return &CO{store: st, ro: ro, llm: llm, connectors: connClient, tokens: tokens, cfg: cfg, raglog: raglog}
}

type envelope struct {
	ToolCall *toolCall `json:"tool_call"`
	Response string    `json:"response"`
}

type toolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Handle resolves the conversation, decides whether the turn needs
// knowledge-base grounding, retrieves if so, runs the model turn (streaming
// the answer to out as it arrives), persists the turn, and prunes old
// history and titles the conversation if it's new.
func (co *CO) Handle(ctx context.Context, req Request, out chan<- string) (Outcome, error) {
	defer close(out)

	if req.OrgID == "" || req.ApiKeyID == "" || strings.TrimSpace(req.Message) == "" {
		return Outcome{}, errs.New(errs.InvalidRequest, "chat requires org, api key, and a message")
	}

	log := tracing.NewRoot("chat")
	defer co.raglog.Write(ctx, req.OrgID, "chat", log)

	conv, history, err := co.resolveScope(ctx, req)
	if err != nil {
		return Outcome{}, err
	}

	needsKB, rewritten, err := co.classify(ctx, req.Message, history)
	if err != nil {
		needsKB, rewritten = true, req.Message // classification is an optimization; default to retrieving
	}

	var chunks []*model.Chunk
	var cost float64
	if needsKB {
		budgets := retrieval.Budgets{MaxTokens: co.cfg.ChatTurnContextMaxTokens}
		chunks, cost, err = co.ro.RetrieveChunks(ctx, req.OrgID, req.DatasourceIDs, rewritten, budgets, log.Child("retrieve"))
		if err != nil {
			return Outcome{}, err
		}
	}

	seenDocs := dedupeDocIDs(chunks)
	systemPrompt := co.buildSystemPrompt(chunks, req.Connectors)

	text, err := co.runTurn(ctx, systemPrompt, history, req, out)
	if err != nil {
		return Outcome{}, err
	}

	var usedDocs []string
	answered := true
	if len(chunks) == 0 {
		text = pickGroundingFallback(req.Message)
		answered = false
	} else {
		usedDocs = seenDocs
	}
	log.Set("answered", answered)

	confidence := 0
	if len(seenDocs) > 0 {
		confidence = int(math.Ceil(5 * float64(len(usedDocs)) / float64(len(seenDocs))))
	}

	if err := co.persistTurn(ctx, conv, req.Message, text); err != nil {
		return Outcome{}, err
	}
	co.pruneIfNeeded(ctx, req.OrgID, req.ApiKeyID, conv.ID)
	co.titleIfNew(ctx, conv, req.Message)

	return Outcome{
		ConversationExternalID:  conv.ExternalID,
		Text:                    text,
		Answered:                answered,
		Confidence:              confidence,
		UsedDocumentExternalIDs: usedDocs,
		SeenDocumentExternalIDs: seenDocs,
		Cost:                    cost,
	}, nil
}

func (co *CO) resolveScope(ctx context.Context, req Request) (*model.Conversation, []*model.Turn, error) {
	if req.ConversationExternalID != "" {
		conv, err := co.store.GetConversationByExternalID(ctx, req.OrgID, req.ApiKeyID, req.ConversationExternalID)
		if err == nil {
			turns, err := co.store.ListRecentTurns(ctx, conv.ID, co.cfg.ChatMaxTurns)
			if err != nil {
				return nil, nil, err
			}
			return conv, turns, nil
		}
		if errs.KindOf(err) != errs.NotFound {
			return nil, nil, err
		}
	}

	conv := &model.Conversation{
		OrgID:         req.OrgID,
		ApiKeyID:      req.ApiKeyID,
		ExternalID:    firstNonEmpty(req.ConversationExternalID, uuid.NewString()),
		DatasourceIDs: req.DatasourceIDs,
	}
	if err := co.store.CreateConversation(ctx, conv); err != nil {
		return nil, nil, err
	}
	return conv, nil, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// classify asks the model whether this message needs knowledge-base
// grounding and, if so, a standalone (history-independent) search query.
func (co *CO) classify(ctx context.Context, message string, history []*model.Turn) (bool, string, error) {
	text, _, err := co.llm.Generate(ctx, []llmclient.ChatMessage{
		{Role: "system", Content: `Decide whether answering the user's message requires looking up information in a knowledge base. Reply with exactly one JSON object: {"needs_kb": true|false, "query": "standalone search query capturing the user's intent"}`},
		{Role: "user", Content: message},
	})
	if err != nil {
		return false, "", err
	}

	var parsed struct {
		NeedsKB bool   `json:"needs_kb"`
		Query   string `json:"query"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(text)), &parsed); err != nil {
		return true, message, nil
	}
	if parsed.Query == "" {
		parsed.Query = message
	}
	return parsed.NeedsKB, parsed.Query, nil
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

func dedupeDocIDs(chunks []*model.Chunk) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range chunks {
		if c.DocumentExternalID != "" && !seen[c.DocumentExternalID] {
			seen[c.DocumentExternalID] = true
			out = append(out, c.DocumentExternalID)
		}
	}
	return out
}

func (co *CO) buildSystemPrompt(chunks []*model.Chunk, connectors []*model.Connector) string {
	var sb strings.Builder
	sb.WriteString("You are a grounded assistant. Answer only using the provided context; if the context does not contain the answer, say so plainly. ")
	sb.WriteString(`Reply with exactly one JSON object: {"tool_call": null, "response": "your answer"}. `)
	if len(connectors) > 0 {
		sb.WriteString("You may instead call one tool by replying with {\"tool_call\": {\"name\": \"...\", \"arguments\": {...}}, \"response\": \"\"}. Available tools:\n")
		existing := map[string]bool{}
		for _, c := range connectors {
			name := connector.ToolName(existing, c.Name)
			existing[name] = true
			sb.WriteString(fmt.Sprintf("- %s: %s\n", name, c.Purpose))
		}
	}

	if len(chunks) > 0 {
		sb.WriteString("\nContext:\n")
		for _, c := range chunks {
			sb.WriteString("---\n")
			sb.WriteString(c.Content)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// runTurn streams the model's envelope, forwarding decoded response text
// to out as it arrives, and resolves at most one tool call before the
// final answer.
func (co *CO) runTurn(ctx context.Context, systemPrompt string, history []*model.Turn, req Request, out chan<- string) (string, error) {
	userMessage := renderHistory(history) + req.Message

	raw, err := co.streamEnvelope(ctx, systemPrompt, userMessage, out)
	if err != nil {
		return "", err
	}

	var env envelope
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &env); err != nil {
		return raw, nil // model didn't honor the envelope: treat raw text as the answer
	}

	if env.ToolCall != nil && env.ToolCall.Name != "" {
		result, err := co.invokeTool(ctx, req, env.ToolCall)
		if err != nil {
			result = fmt.Sprintf("tool call failed: %v", err)
		}
		followUp := systemPrompt + "\nTool result:\n" + result
		raw2, err := co.streamEnvelope(ctx, followUp, userMessage, out)
		if err != nil {
			return "", err
		}
		var env2 envelope
		if err := json.Unmarshal([]byte(extractJSONObject(raw2)), &env2); err == nil {
			return env2.Response, nil
		}
		return raw2, nil
	}

	return env.Response, nil
}

func (co *CO) streamEnvelope(ctx context.Context, systemPrompt, userMessage string, out chan<- string) (string, error) {
	tokens := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		errCh <- co.llm.StreamCompletion(ctx, systemPrompt, userMessage, tokens)
	}()

	extractor := NewResponseExtractor()
	for tok := range tokens {
		delta, _ := extractor.Feed(tok)
		if delta != "" {
			select {
			case out <- delta:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	if err := <-errCh; err != nil {
		return "", errs.Wrap(errs.LLMUnavailable, "chat completion stream failed", err)
	}
	return extractor.RawText(), nil
}

func (co *CO) invokeTool(ctx context.Context, req Request, call *toolCall) (string, error) {
	existing := map[string]bool{}
	for _, c := range req.Connectors {
		name := connector.ToolName(existing, c.Name)
		existing[name] = true
		if name == call.Name {
			return co.connectors.Invoke(ctx, c, call.Arguments, req.CallerAuth)
		}
	}
	return "", errs.New(errs.InvalidRequest, fmt.Sprintf("no such tool %q", call.Name))
}

func renderHistory(history []*model.Turn) string {
	if len(history) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, t := range history {
		if user, ok := t.Payload["user"].(string); ok {
			sb.WriteString("User: " + user + "\n")
		}
		if assistant, ok := t.Payload["assistant"].(string); ok {
			sb.WriteString("Assistant: " + assistant + "\n")
		}
	}
	sb.WriteString("\n")
	return sb.String()
}

func (co *CO) persistTurn(ctx context.Context, conv *model.Conversation, userMessage, assistantText string) error {
	turn := &model.Turn{
		ConversationID: conv.ID,
		Payload:        map[string]any{"user": userMessage, "assistant": assistantText},
		TokenCount:     co.tokens.Count(userMessage) + co.tokens.Count(assistantText),
	}
	return co.store.InsertTurn(ctx, turn)
}

func (co *CO) pruneIfNeeded(ctx context.Context, orgID, apiKeyID, conversationID string) {
	if co.cfg.ChatMaxTurns > 0 {
		_ = co.store.PruneOldestTurns(ctx, conversationID, co.cfg.ChatMaxTurns)
	}
	if co.cfg.ChatMaxConversations <= 0 {
		return
	}
	n, err := co.store.CountConversations(ctx, orgID, apiKeyID)
	if err != nil || n <= co.cfg.ChatMaxConversations {
		return
	}
	_ = co.store.PruneOldestConversations(ctx, orgID, apiKeyID, co.cfg.ChatMaxConversations)
}

func (co *CO) titleIfNew(ctx context.Context, conv *model.Conversation, firstMessage string) {
	if conv.Title != "" {
		return
	}
	title, _, err := co.llm.Generate(ctx, []llmclient.ChatMessage{
		{Role: "system", Content: "Write a 3-6 word title summarizing this conversation opener. Reply with the title only, no quotes or punctuation at the end."},
		{Role: "user", Content: firstMessage},
	})
	if err != nil || title == "" {
		return
	}
	_ = co.store.SetConversationTitle(ctx, conv.ID, strings.TrimSpace(title))
}
