// Package relation implements the Relation Expander (RE): resolves
// question/summary chunk hits to the chunk-kind records they reference. RE
// never writes — all Relation/Chunk writes belong to the indexing pipeline.
package relation

import (
	"context"

	"github.com/pixell07/multi-tenant-ai/internal/model"
)

// Store is the read-only subset of internal/store.Store that RE needs.
type Store interface {
	RelationTargets(ctx context.Context, sourceIDs []string) (map[string][]string, error)
	ChunksByIDs(ctx context.Context, ids []string) ([]*model.Chunk, error)
	ChunksByDocument(ctx context.Context, documentID string, kind model.ChunkKind) ([]*model.Chunk, error)
}

// Edge records one (source, targets) expansion used by a node in the
// reasoning tree, so ranking provenance survives.
type Edge struct {
	SourceChunkID string
	TargetChunkIDs []string
}

// RE is the Relation Expander.
type RE struct {
	store Store
}

func New(store Store) *RE {
	return &RE{store: store}
}

// Expand partitions candidates by kind and resolves question/summary hits
// to their underlying chunk-kind records. The returned set is deduplicated
// by chunk id, preserving first-occurrence order from the original ranking.
func (r *RE) Expand(ctx context.Context, candidates []*model.Chunk) ([]*model.Chunk, []Edge, error) {
	seen := make(map[string]bool, len(candidates))
	var out []*model.Chunk
	var edges []Edge

	addUnique := func(c *model.Chunk) {
		if !seen[c.ID] {
			seen[c.ID] = true
			out = append(out, c)
		}
	}

	var questionIDs []string
	var summaries []*model.Chunk
	for _, c := range candidates {
		switch c.Kind {
		case model.KindQuestion:
			questionIDs = append(questionIDs, c.ID)
		case model.KindSummary:
			summaries = append(summaries, c)
		default:
			addUnique(c)
		}
	}

	if len(questionIDs) > 0 {
		targets, err := r.store.RelationTargets(ctx, questionIDs)
		if err != nil {
			return nil, nil, err
		}

		// Preserve original ranking order: walk questionIDs in the order
		// they appeared in candidates, not map iteration order.
		var allTargetIDs []string
		for _, qid := range questionIDs {
			tgts := targets[qid]
			edges = append(edges, Edge{SourceChunkID: qid, TargetChunkIDs: tgts})
			allTargetIDs = append(allTargetIDs, tgts...)
		}

		resolved, err := r.store.ChunksByIDs(ctx, dedupeStrings(allTargetIDs))
		if err != nil {
			return nil, nil, err
		}
		byID := make(map[string]*model.Chunk, len(resolved))
		for _, c := range resolved {
			byID[c.ID] = c
		}
		for _, qid := range questionIDs {
			for _, tid := range targets[qid] {
				if c, ok := byID[tid]; ok {
					addUnique(c)
				}
			}
		}
	}

	for _, s := range summaries {
		chunks, err := r.store.ChunksByDocument(ctx, s.DocumentID, model.KindChunk)
		if err != nil {
			return nil, nil, err
		}
		var targetIDs []string
		for _, c := range chunks {
			targetIDs = append(targetIDs, c.ID)
			addUnique(c)
		}
		edges = append(edges, Edge{SourceChunkID: s.ID, TargetChunkIDs: targetIDs})
	}

	return out, edges, nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
