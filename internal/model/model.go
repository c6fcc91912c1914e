// Package model holds the shared entity types persisted by the core and
// passed between its components. Storage is a relational store with a
// vector extension; these types are the Go-side projection of that schema.
package model

import "time"

// DocumentType enumerates the raw source formats the indexing pipeline accepts.
type DocumentType string

const (
	DocumentText     DocumentType = "text"
	DocumentMarkdown DocumentType = "markdown"
	DocumentHTML     DocumentType = "html"
	DocumentPDF      DocumentType = "pdf"
	DocumentURL      DocumentType = "url"
)

// DocumentStatus tracks a Document through the indexing lifecycle.
type DocumentStatus string

const (
	DocumentQueued   DocumentStatus = "queued"
	DocumentIndexing DocumentStatus = "indexing"
	DocumentIndexed  DocumentStatus = "indexed"
	DocumentFailed   DocumentStatus = "failed"
)

// ChunkKind distinguishes the three flavors of Chunk row.
type ChunkKind string

const (
	KindChunk    ChunkKind = "chunk"
	KindSummary  ChunkKind = "summary"
	KindQuestion ChunkKind = "question"
)

// EmbeddingKind tags a text as belonging to the query or document embedding space.
type EmbeddingKind string

const (
	EmbedDocument EmbeddingKind = "document"
	EmbedQuery    EmbeddingKind = "query"
)

// Scope is an API key capability. "*" grants every scope.
type Scope string

const (
	ScopeDataRead  Scope = "data:read"
	ScopeDataWrite Scope = "data:write"
	ScopeRetrieval Scope = "retrieval"
	ScopeChat      Scope = "chat"
	ScopeReports   Scope = "reports"
	ScopeAll       Scope = "*"
)

// Organization is the root tenant. Every other entity is scoped by OrgID.
type Organization struct {
	ID         string
	ExternalID string
	Name       string
	CreatedAt  time.Time
}

// ApiKey is a caller credential. Hash is sha256(salt||token); never compared
// with == — use identity.VerifyAPIKey's constant-time check.
type ApiKey struct {
	ID        string
	OrgID     string
	Hash      []byte
	Salt      []byte
	Scopes    []Scope
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Datasource is a named collection of documents within an organization.
type Datasource struct {
	ID         string
	OrgID      string
	ExternalID string
	Name       string
	Purpose    string
	CreatedAt  time.Time
}

// Agent groups datasources used to scope a chat/retrieval query.
type Agent struct {
	ID         string
	OrgID      string
	ExternalID string
	Name       string
	Purpose    string
	DatasourceIDs []string
	CreatedAt  time.Time
}

// Document is one ingested source within a Datasource.
type Document struct {
	ID           string
	OrgID        string
	DatasourceID string
	ExternalID   string
	Content      string
	ContentHash  string
	Type         DocumentType
	Status       DocumentStatus
	Metadata     map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Chunk is a bounded, embedded, indexed text span derived from a Document.
type Chunk struct {
	ID           string
	OrgID        string
	DatasourceID string
	DocumentID   string
	Kind         ChunkKind
	Content      string
	CharSize     int
	TokenCount   int
	Embedding    []float32

	// Populated by HSE/RR and by RO's document-metadata attach step; zero
	// value means "not computed for this result".
	Rank       float64
	Similarity float64
	Score      float64

	// Attached by RO step 8 after resolving external ids; empty until then.
	DatasourceExternalID string
	DocumentExternalID   string
}

// Relation is a typed edge from a question/summary Chunk to the chunk-kind
// Chunk it was derived from.
type Relation struct {
	ID           string
	OrgID        string
	DatasourceID string
	SourceChunkID string
	TargetChunkID string
}

// Conversation is owned by (OrgID, ApiKeyID).
type Conversation struct {
	ID         string
	OrgID      string
	ApiKeyID   string
	ExternalID string
	Title      string
	DatasourceIDs []string
	CreatedAt  time.Time
}

// Turn is one user/assistant exchange, append-only within a Conversation.
type Turn struct {
	ID             string
	ConversationID string
	Payload        map[string]any
	Metadata       map[string]any
	TokenCount     int
	CreatedAt      time.Time
}

// Connector is a caller-configured HTTP endpoint exposed to the LLM as a tool.
type Connector struct {
	ID            string
	DatasourceID  string
	Name          string
	Purpose       string
	Endpoint      string
	Method        string
	ParameterSchema []ConnectorParam
}

// ConnectorParam describes one parameter in a Connector's call schema.
type ConnectorParam struct {
	Name        string
	Type        string // "str" | "number" | "bool"
	Description string
	Required    bool
}

// EmbeddingCacheEntry is a persisted, deduplicated embedding keyed by
// (model, kind, content hash).
type EmbeddingCacheEntry struct {
	Model       string
	Kind        EmbeddingKind
	ContentHash string
	Embedding   []float32
	CreatedAt   time.Time
}
