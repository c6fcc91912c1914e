// Package tracing implements the reasoning tree: a structured per-request
// trace capturing retrieval stages, timings, and chunk id references. Nodes
// never embed chunk text, only stable id references, so the serialized
// tree is safe to persist independent of document content.
package tracing

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
)

// Node is one stage of the reasoning tree. Data carries stage-specific
// key/value facts (e.g. "chunk_ids", "query"); Children are nested stages.
type Node struct {
	Name      string         `json:"name"`
	Data      map[string]any `json:"data,omitempty"`
	Children  []*Node        `json:"children,omitempty"`
	ElapsedMs int64          `json:"elapsed_ms,omitempty"`

	mu      sync.Mutex
	started time.Time
}

// NewRoot creates the root node of a reasoning tree for one request.
func NewRoot(name string) *Node {
	return &Node{Name: name, Data: map[string]any{}}
}

// Child adds and returns a new child node under n, safe for concurrent
// callers racing to attach sibling stages (e.g. lexical + semantic(xk)
// running concurrently under a shared "retrieval" root).
func (n *Node) Child(name string) *Node {
	c := &Node{Name: name, Data: map[string]any{}}
	n.mu.Lock()
	n.Children = append(n.Children, c)
	n.mu.Unlock()
	return c
}

// Set attaches a data field to the node.
func (n *Node) Set(key string, value any) {
	n.mu.Lock()
	n.Data[key] = value
	n.mu.Unlock()
}

// Measure starts a monotonic timer on n and returns a function that records
// the elapsed duration when called.
func (n *Node) Measure() func() {
	start := time.Now()
	return func() {
		n.mu.Lock()
		n.ElapsedMs = time.Since(start).Milliseconds()
		n.mu.Unlock()
	}
}

// Serialize marshals the tree to JSON then compresses it with Brotli, so
// the persisted reasoning log stays compact.
func Serialize(root *Node) ([]byte, error) {
	raw, err := json.Marshal(root)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Deserialize reverses Serialize, for RAG log inspection
// (GET /v1/transactions/{id}} in the outer HTTP layer).
func Deserialize(compressed []byte) (*Node, error) {
	r := brotli.NewReader(bytes.NewReader(compressed))
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	var root Node
	if err := json.Unmarshal(buf.Bytes(), &root); err != nil {
		return nil, err
	}
	return &root, nil
}
