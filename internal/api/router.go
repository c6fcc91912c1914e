// Package api is the thin HTTP adapter in front of the retrieval and chat
// cores: it decodes requests, resolves caller identity from headers set by
// an outer gateway, resolves datasource external ids, and dispatches to
// RO/CO. It does not issue or verify bearer tokens, persist audit records,
// or validate against an OpenAPI document — those are the outer layer's job.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pixell07/multi-tenant-ai/internal/chat"
	"github.com/pixell07/multi-tenant-ai/internal/errs"
	"github.com/pixell07/multi-tenant-ai/internal/identity"
	"github.com/pixell07/multi-tenant-ai/internal/model"
	"github.com/pixell07/multi-tenant-ai/internal/retrieval"
	"github.com/pixell07/multi-tenant-ai/internal/store"
	"github.com/pixell07/multi-tenant-ai/internal/tracing"
)

type contextKey string

const identityKey contextKey = "identity"

// RouterDeps wires the components the thin adapter dispatches to.
type RouterDeps struct {
	Store  *store.Store
	RO     *retrieval.RO
	CO     *chat.CO
	Logger *slog.Logger
}

func NewRouter(deps RouterDeps) http.Handler {
	mux := http.NewServeMux()

	h := &handlers{deps: deps}

	mux.HandleFunc("GET /_/health", h.health)

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/retrieve/chunks", h.retrieveChunks)
	protected.HandleFunc("POST /v1/retrieve/documents", h.retrieveDocuments)
	protected.HandleFunc("POST /v1/retrieve/questions", h.retrieveQuestions)
	protected.HandleFunc("POST /v1/chat", h.chat)

	mux.Handle("/v1/", h.identityMiddleware(protected))

	return h.loggingMiddleware(mux)
}

type handlers struct {
	deps RouterDeps
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().Format(time.RFC3339)})
}

// retrieveChunks request/response shapes

type retrieveChunksRequest struct {
	DatasourceExternalIDs []string `json:"datasource_external_ids"`
	Prompt                string   `json:"prompt"`
	MaxTokens             int      `json:"max_tokens"`
	MaxChars              int      `json:"max_chars"`
	MaxChunks             int      `json:"max_chunks"`
}

func (h *handlers) retrieveChunks(w http.ResponseWriter, r *http.Request) {
	id := identityFromCtx(r.Context())
	if !id.HasScope(model.ScopeRetrieval) {
		writeError(w, http.StatusForbidden, "missing retrieval scope")
		return
	}

	var req retrieveChunksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	dsIDs, err := h.deps.Store.ResolveDatasourceIDs(r.Context(), id.OrgID, req.DatasourceExternalIDs)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	budgets := retrieval.Budgets{MaxTokens: req.MaxTokens, MaxChars: req.MaxChars, MaxChunks: req.MaxChunks}
	chunks, cost, err := h.deps.RO.RetrieveChunks(r.Context(), id.OrgID, dsIDs, req.Prompt, budgets, tracing.NewRoot("retrieve_chunks"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": chunkViews(chunks), "cost": cost})
}

type retrieveDocumentsRequest struct {
	DatasourceExternalIDs []string `json:"datasource_external_ids"`
	Prompt                string   `json:"prompt"`
	MaxDocuments          int      `json:"max_documents"`
}

func (h *handlers) retrieveDocuments(w http.ResponseWriter, r *http.Request) {
	id := identityFromCtx(r.Context())
	if !id.HasScope(model.ScopeRetrieval) {
		writeError(w, http.StatusForbidden, "missing retrieval scope")
		return
	}

	var req retrieveDocumentsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	dsIDs, err := h.deps.Store.ResolveDatasourceIDs(r.Context(), id.OrgID, req.DatasourceExternalIDs)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	docIDs, docExternalIDs, cost, err := h.deps.RO.RetrieveDocuments(r.Context(), id.OrgID, dsIDs, req.Prompt, req.MaxDocuments, tracing.NewRoot("retrieve_documents"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document_ids":          docIDs,
		"document_external_ids": docExternalIDs,
		"cost":                  cost,
	})
}

type retrieveQuestionsRequest struct {
	DatasourceExternalIDs []string `json:"datasource_external_ids"`
	Prompt                string   `json:"prompt"`
	MaxChunks             int      `json:"max_chunks"`
}

func (h *handlers) retrieveQuestions(w http.ResponseWriter, r *http.Request) {
	id := identityFromCtx(r.Context())
	if !id.HasScope(model.ScopeRetrieval) {
		writeError(w, http.StatusForbidden, "missing retrieval scope")
		return
	}

	var req retrieveQuestionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	dsIDs, err := h.deps.Store.ResolveDatasourceIDs(r.Context(), id.OrgID, req.DatasourceExternalIDs)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	chunks, cost, err := h.deps.RO.RetrieveQuestions(r.Context(), id.OrgID, dsIDs, req.Prompt, req.MaxChunks, tracing.NewRoot("retrieve_questions"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": chunkViews(chunks), "cost": cost})
}

// chat handles a tool-augmented, grounded chat turn. The response streams as
// SSE ("data: <token>\n\n" events) followed by a final "event: done" frame
// carrying the outcome metadata (confidence, used/seen documents, cost).

type chatRequest struct {
	ConversationExternalID string             `json:"conversation_external_id"`
	DatasourceExternalIDs  []string           `json:"datasource_external_ids"`
	Connectors             []*model.Connector `json:"connectors"`
	Message                string             `json:"message"`
}

func (h *handlers) chat(w http.ResponseWriter, r *http.Request) {
	id := identityFromCtx(r.Context())
	if !id.HasScope(model.ScopeChat) {
		writeError(w, http.StatusForbidden, "missing chat scope")
		return
	}

	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	dsIDs, err := h.deps.Store.ResolveDatasourceIDs(r.Context(), id.OrgID, body.DatasourceExternalIDs)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	out := make(chan string, 64)
	var outcome chat.Outcome
	var handleErr error

	done := make(chan struct{})
	go func() {
		defer close(done)
		outcome, handleErr = h.deps.CO.Handle(r.Context(), chat.Request{
			OrgID:                   id.OrgID,
			ApiKeyID:                id.ApiKeyID,
			ConversationExternalID:  body.ConversationExternalID,
			DatasourceIDs:           dsIDs,
			Connectors:              body.Connectors,
			CallerAuth:              r.Header.Get("X-Caller-Auth"),
			Message:                 body.Message,
		}, out)
	}()

	for token := range out {
		payload := strings.ReplaceAll(token, "\n", "\\n")
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
	<-done

	if handleErr != nil && r.Context().Err() == nil {
		h.deps.Logger.Error("chat turn failed", "error", handleErr)
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", handleErr.Error())
		flusher.Flush()
		return
	}

	meta, _ := json.Marshal(outcome)
	fmt.Fprintf(w, "event: done\ndata: %s\n\n", meta)
	flusher.Flush()
}

// Middleware

func (h *handlers) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := r.Header.Get("X-Org-Id")
		apiKeyID := r.Header.Get("X-Api-Key-Id")
		if orgID == "" || apiKeyID == "" {
			writeError(w, http.StatusUnauthorized, "missing caller identity")
			return
		}

		var scopes []model.Scope
		for _, s := range strings.Split(r.Header.Get("X-Scopes"), ",") {
			if s = strings.TrimSpace(s); s != "" {
				scopes = append(scopes, model.Scope(s))
			}
		}

		id := identity.NewIdentity(orgID, apiKeyID, scopes)
		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *handlers) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		h.deps.Logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// Helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch errs.KindOf(err) {
	case errs.InvalidRequest:
		writeError(w, http.StatusBadRequest, err.Error())
	case errs.NotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case errs.Unauthorized:
		writeError(w, http.StatusUnauthorized, err.Error())
	case errs.StoreUnavailable, errs.LLMUnavailable, errs.RerankUnavailable, errs.ConnectorFailed:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func chunkViews(chunks []*model.Chunk) []map[string]any {
	views := make([]map[string]any, 0, len(chunks))
	for _, c := range chunks {
		views = append(views, map[string]any{
			"id":                     c.ID,
			"document_external_id":   c.DocumentExternalID,
			"datasource_external_id": c.DatasourceExternalID,
			"kind":                   c.Kind,
			"content":                c.Content,
			"score":                  c.Score,
			"similarity":             c.Similarity,
		})
	}
	return views
}

func identityFromCtx(ctx context.Context) identity.Identity {
	id, _ := ctx.Value(identityKey).(identity.Identity)
	return id
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}
