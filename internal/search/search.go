// Package search implements the Hybrid Search Engine (HSE): parallel
// lexical and semantic search against the chunk store. Neither operation
// ever mutates state; both scope by (org, datasource ∈ set).
package search

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/pixell07/multi-tenant-ai/internal/errs"
	"github.com/pixell07/multi-tenant-ai/internal/model"
)

// HSE runs lexical and semantic search over the chunk store.
type HSE struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *HSE {
	return &HSE{db: db}
}

// LexicalSearch ranks chunks by phrase-aware full-text match, ordered by
// (rank desc, similarity desc); similarity is carried along purely for
// tie-breaking against a query vector, if one was supplied.
func (h *HSE) LexicalSearch(ctx context.Context, orgID string, datasourceIDs []string, query string, queryVec []float32, limit, offset int) ([]*model.Chunk, error) {
	if orgID == "" || len(datasourceIDs) == 0 {
		return nil, errs.New(errs.InvalidRequest, "lexical search requires org and at least one datasource")
	}

	var qvec any
	if len(queryVec) > 0 {
		qvec = pgvector.NewVector(queryVec)
	}

	rows, err := h.db.Query(ctx, `
		SELECT id, org_id, datasource_id, document_id, kind, content, char_size, token_count,
		       ts_rank_cd(lexical_index, plainto_tsquery('english', $3)) AS rank,
		       COALESCE(1 - (embedding <=> $4), 0) AS similarity
		FROM chunks
		WHERE org_id = $1
		  AND datasource_id = ANY($2)
		  AND lexical_index @@ plainto_tsquery('english', $3)
		ORDER BY rank DESC, similarity DESC
		LIMIT $5 OFFSET $6`,
		orgID, datasourceIDs, query, qvec, limit, offset)
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, "lexical search", err)
	}
	defer rows.Close()

	var out []*model.Chunk
	for rows.Next() {
		c := &model.Chunk{OrgID: orgID}
		if err := rows.Scan(&c.ID, &c.OrgID, &c.DatasourceID, &c.DocumentID, &c.Kind, &c.Content,
			&c.CharSize, &c.TokenCount, &c.Rank, &c.Similarity); err != nil {
			return nil, errs.Wrap(errs.StoreUnavailable, "scan lexical result", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SemanticSearch orders chunks by cosine similarity descending, filtering to
// 1 - cosine_distance >= cutoff. kindFilter, if non-empty, restricts the
// search to a single chunk kind (e.g. "question" for HyDE-free question
// matching).
func (h *HSE) SemanticSearch(ctx context.Context, orgID string, datasourceIDs []string, queryVec []float32, kindFilter model.ChunkKind, limit, offset int, cutoff float64) ([]*model.Chunk, error) {
	if orgID == "" || len(datasourceIDs) == 0 {
		return nil, errs.New(errs.InvalidRequest, "semantic search requires org and at least one datasource")
	}

	vec := pgvector.NewVector(queryVec)

	var rows pgx.Rows
	var err error

	if kindFilter != "" {
		rows, err = h.db.Query(ctx, `
			SELECT id, org_id, datasource_id, document_id, kind, content, char_size, token_count,
			       1 - (embedding <=> $4) AS similarity
			FROM chunks
			WHERE org_id = $1 AND datasource_id = ANY($2) AND kind = $6
			  AND 1 - (embedding <=> $4) >= $5
			ORDER BY similarity DESC
			LIMIT $3 OFFSET $7`,
			orgID, datasourceIDs, limit, vec, cutoff, kindFilter, offset)
	} else {
		rows, err = h.db.Query(ctx, `
			SELECT id, org_id, datasource_id, document_id, kind, content, char_size, token_count,
			       1 - (embedding <=> $4) AS similarity
			FROM chunks
			WHERE org_id = $1 AND datasource_id = ANY($2)
			  AND 1 - (embedding <=> $4) >= $5
			ORDER BY similarity DESC
			LIMIT $3 OFFSET $6`,
			orgID, datasourceIDs, limit, vec, cutoff, offset)
	}
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, "semantic search", err)
	}
	defer rows.Close()

	var out []*model.Chunk
	for rows.Next() {
		c := &model.Chunk{OrgID: orgID}
		if err := rows.Scan(&c.ID, &c.OrgID, &c.DatasourceID, &c.DocumentID, &c.Kind, &c.Content,
			&c.CharSize, &c.TokenCount, &c.Similarity); err != nil {
			return nil, errs.Wrap(errs.StoreUnavailable, "scan semantic result", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
