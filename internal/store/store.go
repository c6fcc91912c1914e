// Package store is the shared relational repository for the core entities:
// Organization, Datasource, Document, Chunk, Relation, Agent. It follows a
// per-entity Repository shape — a *pgxpool.Pool plus plain SQL methods —
// rather than an ORM.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/pixell07/multi-tenant-ai/internal/errs"
	"github.com/pixell07/multi-tenant-ai/internal/model"
)

const pgUniqueViolationCode = "23505"

// Store wraps the connection pool shared by every core component's
// repository. Writes to the chunk/relation tables are confined to the
// indexing pipeline; every other component only reads.
type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Organizations

func (s *Store) CreateOrganization(ctx context.Context, externalID, name string) (*model.Organization, error) {
	org := &model.Organization{ID: uuid.NewString(), ExternalID: externalID, Name: name, CreatedAt: time.Now()}
	_, err := s.db.Exec(ctx,
		`INSERT INTO organizations (id, external_id, name, created_at) VALUES ($1,$2,$3,$4)`,
		org.ID, org.ExternalID, org.Name, org.CreatedAt)
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, "create organization", err)
	}
	return org, nil
}

func (s *Store) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	org := &model.Organization{}
	err := s.db.QueryRow(ctx,
		`SELECT id, external_id, name, created_at FROM organizations WHERE id=$1`, id,
	).Scan(&org.ID, &org.ExternalID, &org.Name, &org.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, errs.New(errs.NotFound, "organization not found")
	}
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, "get organization", err)
	}
	return org, nil
}

// Datasources

func (s *Store) CreateDatasource(ctx context.Context, ds *model.Datasource) error {
	ds.ID = uuid.NewString()
	ds.CreatedAt = time.Now()
	_, err := s.db.Exec(ctx,
		`INSERT INTO datasources (id, org_id, external_id, name, purpose, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		ds.ID, ds.OrgID, ds.ExternalID, ds.Name, ds.Purpose, ds.CreatedAt)
	if isUniqueViolation(err) {
		return errs.New(errs.Conflict, "datasource external_id already exists for organization")
	}
	if err != nil {
		return errs.Wrap(errs.StoreUnavailable, "create datasource", err)
	}
	return nil
}

// ResolveDatasourceIDs maps a set of external ids (or internal ids, if
// already internal) scoped to org to their internal ids. Unknown ids are
// silently dropped — callers decide whether an empty result is an error.
func (s *Store) ResolveDatasourceIDs(ctx context.Context, orgID string, externalIDs []string) ([]string, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT id FROM datasources WHERE org_id=$1 AND (external_id = ANY($2) OR id = ANY($2))`,
		orgID, externalIDs)
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, "resolve datasource ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.StoreUnavailable, "scan datasource id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DatasourceExternalIDs returns the external id for each internal id given,
// keyed by internal id, used by RO step 8 to attach document metadata.
func (s *Store) DatasourceExternalIDs(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx, `SELECT id, external_id FROM datasources WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, "datasource external ids", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, ext string
		if err := rows.Scan(&id, &ext); err != nil {
			return nil, errs.Wrap(errs.StoreUnavailable, "scan datasource external id", err)
		}
		out[id] = ext
	}
	return out, rows.Err()
}

// Documents

func (s *Store) CreateDocument(ctx context.Context, doc *model.Document) error {
	doc.ID = uuid.NewString()
	doc.Status = model.DocumentQueued
	doc.CreatedAt = time.Now()
	doc.UpdatedAt = doc.CreatedAt
	_, err := s.db.Exec(ctx,
		`INSERT INTO documents (id, org_id, datasource_id, external_id, content, content_hash, type, status, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		doc.ID, doc.OrgID, doc.DatasourceID, doc.ExternalID, doc.Content, doc.ContentHash,
		doc.Type, doc.Status, doc.CreatedAt, doc.UpdatedAt)
	if isUniqueViolation(err) {
		return errs.New(errs.Conflict, "document external_id already exists for datasource")
	}
	if err != nil {
		return errs.Wrap(errs.StoreUnavailable, "create document", err)
	}
	return nil
}

// Reindex transitions a document back to queued with a new content hash,
// per the lifecycle rule "re-submission with a new content hash returns
// them to queued".
func (s *Store) Reindex(ctx context.Context, id, content, contentHash string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE documents SET content=$1, content_hash=$2, status=$3, updated_at=$4 WHERE id=$5`,
		content, contentHash, model.DocumentQueued, time.Now(), id)
	if err != nil {
		return errs.Wrap(errs.StoreUnavailable, "reindex document", err)
	}
	return nil
}

func (s *Store) SetDocumentStatus(ctx context.Context, id string, status model.DocumentStatus) error {
	_, err := s.db.Exec(ctx, `UPDATE documents SET status=$1, updated_at=$2 WHERE id=$3`, status, time.Now(), id)
	if err != nil {
		return errs.Wrap(errs.StoreUnavailable, "set document status", err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	d := &model.Document{}
	err := s.db.QueryRow(ctx,
		`SELECT id, org_id, datasource_id, external_id, content, content_hash, type, status, created_at, updated_at
		 FROM documents WHERE id=$1`, id,
	).Scan(&d.ID, &d.OrgID, &d.DatasourceID, &d.ExternalID, &d.Content, &d.ContentHash,
		&d.Type, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, errs.New(errs.NotFound, "document not found")
	}
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, "get document", err)
	}
	return d, nil
}

// DocumentExternalIDs mirrors DatasourceExternalIDs for documents.
func (s *Store) DocumentExternalIDs(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx, `SELECT id, external_id FROM documents WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, "document external ids", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, ext string
		if err := rows.Scan(&id, &ext); err != nil {
			return nil, errs.Wrap(errs.StoreUnavailable, "scan document external id", err)
		}
		out[id] = ext
	}
	return out, rows.Err()
}

// Chunks

// ReplaceChunks deletes all chunk-kind records for a document then inserts
// the given set in one transaction. Summaries/questions are handled by
// separate calls since they're regenerated by different indexing steps.
func (s *Store) ReplaceChunks(ctx context.Context, documentID string, chunks []*model.Chunk) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errs.Wrap(errs.StoreUnavailable, "begin replace chunks tx", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM chunks WHERE document_id=$1 AND kind=$2`, documentID, model.KindChunk); err != nil {
		return errs.Wrap(errs.StoreUnavailable, "delete prior chunks", err)
	}

	for _, c := range chunks {
		c.ID = uuid.NewString()
		if _, err := tx.Exec(ctx,
			`INSERT INTO chunks (id, org_id, datasource_id, document_id, kind, content, char_size, token_count, embedding)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			c.ID, c.OrgID, c.DatasourceID, c.DocumentID, c.Kind, c.Content, c.CharSize, c.TokenCount,
			pgvector.NewVector(c.Embedding)); err != nil {
			return errs.Wrap(errs.StoreUnavailable, "insert chunk", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.Wrap(errs.StoreUnavailable, "commit replace chunks tx", err)
	}
	return nil
}

// ReplaceKindChunks deletes then inserts all chunks of a non-chunk kind
// (summary or question) for a document, same idempotent-reindex contract.
func (s *Store) ReplaceKindChunks(ctx context.Context, documentID string, kind model.ChunkKind, chunks []*model.Chunk) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errs.Wrap(errs.StoreUnavailable, "begin replace kind chunks tx", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id=$1 AND kind=$2`, documentID, kind); err != nil {
		return errs.Wrap(errs.StoreUnavailable, "delete prior kind chunks", err)
	}
	for _, c := range chunks {
		c.ID = uuid.NewString()
		c.Kind = kind
		if _, err := tx.Exec(ctx,
			`INSERT INTO chunks (id, org_id, datasource_id, document_id, kind, content, char_size, token_count, embedding)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			c.ID, c.OrgID, c.DatasourceID, c.DocumentID, c.Kind, c.Content, c.CharSize, c.TokenCount,
			pgvector.NewVector(c.Embedding)); err != nil {
			return errs.Wrap(errs.StoreUnavailable, "insert kind chunk", err)
		}
	}
	return tx.Commit(ctx)
}

// ChunksByIDs loads chunks by id, used by RE to resolve relation targets.
func (s *Store) ChunksByIDs(ctx context.Context, ids []string) ([]*model.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, org_id, datasource_id, document_id, kind, content, char_size, token_count
		 FROM chunks WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, "chunks by ids", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// ChunksByDocument loads all records of the given kind for a Document, used
// by RE (with kind=chunk) when expanding a summary hit.
func (s *Store) ChunksByDocument(ctx context.Context, documentID string, kind model.ChunkKind) ([]*model.Chunk, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, org_id, datasource_id, document_id, kind, content, char_size, token_count
		 FROM chunks WHERE document_id=$1 AND kind=$2`, documentID, kind)
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, "chunks by document", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

func scanChunks(rows pgx.Rows) ([]*model.Chunk, error) {
	var out []*model.Chunk
	for rows.Next() {
		c := &model.Chunk{}
		if err := rows.Scan(&c.ID, &c.OrgID, &c.DatasourceID, &c.DocumentID, &c.Kind, &c.Content, &c.CharSize, &c.TokenCount); err != nil {
			return nil, errs.Wrap(errs.StoreUnavailable, "scan chunk", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Relations

// InsertRelation inserts one source→target Relation; an existing
// (source, target) pair is left as it is.
func (s *Store) InsertRelation(ctx context.Context, orgID, datasourceID, sourceChunkID, targetChunkID string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO relations (id, org_id, datasource_id, source_chunk_id, target_chunk_id)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (source_chunk_id, target_chunk_id) DO NOTHING`,
		uuid.NewString(), orgID, datasourceID, sourceChunkID, targetChunkID)
	if err != nil {
		return errs.Wrap(errs.StoreUnavailable, "insert relation", err)
	}
	return nil
}

// RelationTargets returns, for each source chunk id in sourceIDs, the list
// of target chunk ids — used by RE's question-expansion step.
func (s *Store) RelationTargets(ctx context.Context, sourceIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(sourceIDs))
	if len(sourceIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT source_chunk_id, target_chunk_id FROM relations WHERE source_chunk_id = ANY($1)`, sourceIDs)
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, "relation targets", err)
	}
	defer rows.Close()
	for rows.Next() {
		var src, tgt string
		if err := rows.Scan(&src, &tgt); err != nil {
			return nil, errs.Wrap(errs.StoreUnavailable, "scan relation", err)
		}
		out[src] = append(out[src], tgt)
	}
	return out, rows.Err()
}

// Agents

func (s *Store) AgentDatasourceIDs(ctx context.Context, agentID string) ([]string, error) {
	var ids []string
	err := s.db.QueryRow(ctx, `SELECT datasource_ids FROM agents WHERE id=$1`, agentID).Scan(&ids)
	if err == pgx.ErrNoRows {
		return nil, errs.New(errs.NotFound, "agent not found")
	}
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, "agent datasource ids", err)
	}
	return ids, nil
}

// Conversations

func (s *Store) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	conv.ID = uuid.NewString()
	conv.CreatedAt = time.Now()
	_, err := s.db.Exec(ctx,
		`INSERT INTO conversations (id, org_id, api_key_id, external_id, title, datasource_ids, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		conv.ID, conv.OrgID, conv.ApiKeyID, conv.ExternalID, conv.Title, conv.DatasourceIDs, conv.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.StoreUnavailable, "create conversation", err)
	}
	return nil
}

func (s *Store) GetConversationByExternalID(ctx context.Context, orgID, apiKeyID, externalID string) (*model.Conversation, error) {
	c := &model.Conversation{}
	err := s.db.QueryRow(ctx,
		`SELECT id, org_id, api_key_id, external_id, title, datasource_ids, created_at
		 FROM conversations WHERE org_id=$1 AND api_key_id=$2 AND external_id=$3`,
		orgID, apiKeyID, externalID,
	).Scan(&c.ID, &c.OrgID, &c.ApiKeyID, &c.ExternalID, &c.Title, &c.DatasourceIDs, &c.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, errs.New(errs.NotFound, "conversation not found")
	}
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, "get conversation", err)
	}
	return c, nil
}

func (s *Store) SetConversationTitle(ctx context.Context, id, title string) error {
	_, err := s.db.Exec(ctx, `UPDATE conversations SET title=$1 WHERE id=$2`, title, id)
	if err != nil {
		return errs.Wrap(errs.StoreUnavailable, "set conversation title", err)
	}
	return nil
}

func (s *Store) CountConversations(ctx context.Context, orgID, apiKeyID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM conversations WHERE org_id=$1 AND api_key_id=$2`, orgID, apiKeyID,
	).Scan(&n)
	if err != nil {
		return 0, errs.Wrap(errs.StoreUnavailable, "count conversations", err)
	}
	return n, nil
}

// PruneOldestConversations deletes the oldest conversations for (org,
// apiKey) beyond keepMax, oldest first.
func (s *Store) PruneOldestConversations(ctx context.Context, orgID, apiKeyID string, keepMax int) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM conversations WHERE id IN (
			SELECT id FROM conversations WHERE org_id=$1 AND api_key_id=$2
			ORDER BY created_at DESC OFFSET $3
		)`, orgID, apiKeyID, keepMax)
	if err != nil {
		return errs.Wrap(errs.StoreUnavailable, "prune conversations", err)
	}
	return nil
}

// RAG logs

// InsertRagLog persists a Brotli-compressed reasoning tree for later
// inspection. Satisfies tracing.Persister.
func (s *Store) InsertRagLog(ctx context.Context, orgID, kind string, compressed []byte) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO rag_logs (id, org_id, kind, tree, created_at) VALUES ($1,$2,$3,$4,$5)`,
		uuid.NewString(), orgID, kind, compressed, time.Now())
	if err != nil {
		return errs.Wrap(errs.StoreUnavailable, "insert rag log", err)
	}
	return nil
}

// DeleteRagLogsOlderThan deletes rag_logs rows older than olderThan — the
// clean_raglog queue job.
func (s *Store) DeleteRagLogsOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM rag_logs WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, errs.Wrap(errs.StoreUnavailable, "prune rag logs", err)
	}
	return tag.RowsAffected(), nil
}

// Turns

func (s *Store) InsertTurn(ctx context.Context, turn *model.Turn) error {
	turn.ID = uuid.NewString()
	turn.CreatedAt = time.Now()
	payload, err := json.Marshal(turn.Payload)
	if err != nil {
		return errs.Wrap(errs.Internal, "marshal turn payload", err)
	}
	metadata, err := json.Marshal(turn.Metadata)
	if err != nil {
		return errs.Wrap(errs.Internal, "marshal turn metadata", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO turns (id, conversation_id, payload, metadata, token_count, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		turn.ID, turn.ConversationID, payload, metadata, turn.TokenCount, turn.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.StoreUnavailable, "insert turn", err)
	}
	return nil
}

// ListRecentTurns returns up to limit of the most recent turns for a
// conversation, oldest first (ready to feed straight into a prompt).
func (s *Store) ListRecentTurns(ctx context.Context, conversationID string, limit int) ([]*model.Turn, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, conversation_id, payload, metadata, token_count, created_at
		 FROM turns WHERE conversation_id=$1 ORDER BY created_at DESC LIMIT $2`,
		conversationID, limit)
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, "list recent turns", err)
	}
	defer rows.Close()

	var turns []*model.Turn
	for rows.Next() {
		t := &model.Turn{}
		var payload, metadata []byte
		if err := rows.Scan(&t.ID, &t.ConversationID, &payload, &metadata, &t.TokenCount, &t.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.StoreUnavailable, "scan turn", err)
		}
		_ = json.Unmarshal(payload, &t.Payload)
		_ = json.Unmarshal(metadata, &t.Metadata)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// PruneOldestTurns deletes the oldest turns in a conversation beyond
// keepMax.
func (s *Store) PruneOldestTurns(ctx context.Context, conversationID string, keepMax int) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM turns WHERE id IN (
			SELECT id FROM turns WHERE conversation_id=$1
			ORDER BY created_at DESC OFFSET $2
		)`, conversationID, keepMax)
	if err != nil {
		return errs.Wrap(errs.StoreUnavailable, "prune turns", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode
}
