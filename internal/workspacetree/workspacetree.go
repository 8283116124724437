// Package workspacetree implements the functional, content-addressed
// workspace tree of spec.md §4.4, C4: path get/set producing new root
// hashes, with interior nodes cloned-on-write and concurrent writers to the
// same workspace serialized by an in-process FIFO mutex.
package workspacetree

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/swarmguard/fluxweave/internal/model"
	"github.com/swarmguard/fluxweave/internal/objectstore"
	"github.com/swarmguard/fluxweave/internal/refstore"
	"time"
)

// RefType discriminates a tree lookup result.
type RefType string

const (
	RefValue      RefType = "value"
	RefUnassigned RefType = "unassigned"
)

// Ref is the result of Get: either a value hash or unassigned.
type Ref struct {
	Type RefType
	Hash string // populated only when Type == RefValue
}

// node is the on-disk encoding of one interior tree node: a map from child
// segment name to either another node's hash or a leaf value's hash.
type node struct {
	Children map[string]childRef `json:"children"`
}

type childKind string

const (
	childNode      childKind = "node"
	childValue     childKind = "value"
	childUnassigned childKind = "unassigned"
)

type childRef struct {
	Kind childKind `json:"kind"`
	Hash string    `json:"hash,omitempty"`
}

// Tree operates on the workspace trees of one repository.
type Tree struct {
	objects *objectstore.Store
	refs    *refstore.Store
	mutexes *registry
}

// New constructs a Tree backed by an object store and a ref store.
func New(objects *objectstore.Store, refs *refstore.Store) *Tree {
	return &Tree{objects: objects, refs: refs, mutexes: newRegistry()}
}

func (t *Tree) loadNode(ctx context.Context, hash string) (node, error) {
	if hash == "" {
		return node{Children: map[string]childRef{}}, nil
	}
	b, err := t.objects.Get(ctx, hash)
	if err != nil {
		return node{}, fmt.Errorf("workspacetree: load node %s: %w", hash, err)
	}
	var n node
	if err := json.Unmarshal(b, &n); err != nil {
		return node{}, fmt.Errorf("workspacetree: decode node %s: %w", hash, err)
	}
	if n.Children == nil {
		n.Children = map[string]childRef{}
	}
	return n, nil
}

func (t *Tree) storeNode(ctx context.Context, n node) (string, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("workspacetree: encode node: %w", err)
	}
	return t.objects.Put(ctx, b)
}

// Get walks path from workspace ws's current root and reports the ref found
// there, or RefUnassigned if any segment along the path is absent.
func (t *Tree) Get(ctx context.Context, ws string, path model.Path) (Ref, error) {
	root, err := t.currentRoot(ws)
	if err != nil {
		return Ref{}, err
	}
	return t.getFromRoot(ctx, root, path)
}

// GetFromRoot is the pure variant of Get for callers that already hold a
// specific root hash and must not race against a concurrent commit to the
// live workspace state.
func (t *Tree) GetFromRoot(ctx context.Context, root string, path model.Path) (Ref, error) {
	return t.getFromRoot(ctx, root, path)
}

func (t *Tree) getFromRoot(ctx context.Context, root string, path model.Path) (Ref, error) {
	cur := root
	for i, seg := range path {
		n, err := t.loadNode(ctx, cur)
		if err != nil {
			return Ref{}, err
		}
		child, ok := n.Children[seg]
		if !ok {
			return Ref{Type: RefUnassigned}, nil
		}
		if i == len(path)-1 {
			switch child.Kind {
			case childValue:
				return Ref{Type: RefValue, Hash: child.Hash}, nil
			default:
				return Ref{Type: RefUnassigned}, nil
			}
		}
		if child.Kind != childNode {
			return Ref{Type: RefUnassigned}, nil
		}
		cur = child.Hash
	}
	// Empty path addresses the root itself as a node reference, not a value.
	return Ref{Type: RefUnassigned}, nil
}

func (t *Tree) currentRoot(ws string) (string, error) {
	st, err := t.refs.GetWorkspaceState(ws)
	if err != nil {
		return "", err
	}
	if st == nil {
		return "", nil
	}
	return st.Root, nil
}

// SetByHash writes objectHash at path, producing a new root. The walk
// clones every touched interior node; untouched siblings keep their
// existing hashes (structural sharing). The workspace's in-process mutex
// serializes concurrent SetByHash calls for the same ws so two writers
// never both observe and overwrite the same root.
func (t *Tree) SetByHash(ctx context.Context, ws string, path model.Path, objectHash string) (string, error) {
	if len(path) == 0 {
		return "", fmt.Errorf("workspacetree: empty path")
	}
	mu := t.mutexes.get(ws)
	mu.Lock()
	defer mu.Unlock()

	root, err := t.currentRoot(ws)
	if err != nil {
		return "", err
	}
	newRoot, err := t.setRecursive(ctx, root, path, objectHash)
	if err != nil {
		return "", err
	}

	st, err := t.refs.GetWorkspaceState(ws)
	if err != nil {
		return "", err
	}
	if st == nil {
		st = &model.WorkspaceState{}
	}
	st.Root = newRoot
	st.RootUpdatedAt = time.Now().UTC()
	if err := t.refs.PutWorkspaceState(ctx, ws, st); err != nil {
		return "", err
	}
	return newRoot, nil
}

func (t *Tree) setRecursive(ctx context.Context, curHash string, path model.Path, objectHash string) (string, error) {
	n, err := t.loadNode(ctx, curHash)
	if err != nil {
		return "", err
	}
	seg := path[0]
	if len(path) == 1 {
		n.Children[seg] = childRef{Kind: childValue, Hash: objectHash}
		return t.storeNode(ctx, n)
	}
	childHash := ""
	if existing, ok := n.Children[seg]; ok && existing.Kind == childNode {
		childHash = existing.Hash
	}
	newChildHash, err := t.setRecursive(ctx, childHash, path[1:], objectHash)
	if err != nil {
		return "", err
	}
	n.Children[seg] = childRef{Kind: childNode, Hash: newChildHash}
	return t.storeNode(ctx, n)
}

// SetValue encodes value as a dataset object, writes it, and sets it at
// path via SetByHash. typ is an opaque, caller-defined type tag carried
// alongside the raw bytes so future readers can interpret it; this package
// does not itself enforce the package's declared data structure/schema
// (that belongs to the caller, normally validated against the package
// descriptor before staging).
func (t *Tree) SetValue(ctx context.Context, ws string, path model.Path, value []byte, typ string) (string, error) {
	enc := datasetEnvelope{Type: typ, Value: value}
	b, err := json.Marshal(enc)
	if err != nil {
		return "", fmt.Errorf("workspacetree: encode value: %w", err)
	}
	hash, err := t.objects.Put(ctx, b)
	if err != nil {
		return "", err
	}
	return t.SetByHash(ctx, ws, path, hash)
}

type datasetEnvelope struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}
