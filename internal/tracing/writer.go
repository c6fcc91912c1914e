package tracing

import (
	"context"
	"log/slog"
)

// Persister is the storage sink a Writer serializes completed reasoning
// trees to. *store.Store satisfies this without tracing importing store.
type Persister interface {
	InsertRagLog(ctx context.Context, orgID, kind string, compressed []byte) error
}

// Writer serializes and persists completed reasoning trees. Persist
// failures are logged and swallowed — a lost reasoning log never fails the
// request it was captured for.
type Writer struct {
	persist Persister
}

func NewWriter(p Persister) *Writer {
	return &Writer{persist: p}
}

// Write compresses root and hands it to the persister under kind (e.g.
// "retrieve_chunks", "chat", "index"). A nil Writer, nil root, or nil
// persister is a no-op, so callers can wire this unconditionally.
func (w *Writer) Write(ctx context.Context, orgID, kind string, root *Node) {
	if w == nil || w.persist == nil || root == nil {
		return
	}
	compressed, err := Serialize(root)
	if err != nil {
		slog.Warn("reasoning tree serialize failed", "kind", kind, "error", err)
		return
	}
	if err := w.persist.InsertRagLog(ctx, orgID, kind, compressed); err != nil {
		slog.Warn("reasoning tree persist failed", "kind", kind, "error", err)
	}
}
