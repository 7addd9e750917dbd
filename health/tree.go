package health

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
)

// ErrNodeNotFound is returned when node has been removed.
var ErrNodeNotFound = errors.New("health node not found")

// NodeID identifies node of the tree. Zero value is invalid.
type NodeID struct {
	index uint32
	gen   uint32
}

type node struct {
	gen      uint32
	alive    bool
	parent   NodeID
	key      string
	children map[string]NodeID
	leaves   map[string]Health
}

type candidate struct {
	Health

	key string
}

func (c candidate) worse(c2 candidate) bool {
	if c.Health.Worse(c2.Health) {
		return true
	}
	if c2.Health.Worse(c.Health) {
		return false
	}
	return c.key < c2.key
}

// Tree aggregates health of components. Nodes are stored in a flat arena, references between them are indices.
// State of a node is the worst of its own leaves, the leaves of its descendants and the own leaves of its ancestors.
type Tree struct {
	catalog *Catalog

	mu    sync.RWMutex
	nodes []node
	free  []uint32
}

// NewTree creates tree containing the root node.
func NewTree(catalog *Catalog) *Tree {
	t := &Tree{catalog: catalog}
	t.nodes = append(t.nodes, node{
		gen:      1,
		alive:    true,
		children: map[string]NodeID{},
		leaves:   map[string]Health{},
	})
	return t
}

// Root returns the root node.
func (t *Tree) Root() NodeID {
	return NodeID{index: 0, gen: 1}
}

// AddChild returns the child of parent identified by key, creating it if needed.
func (t *Tree) AddChild(parent NodeID, key string) (NodeID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.node(parent)
	if p == nil {
		return NodeID{}, errors.Wrapf(ErrNodeNotFound, "parent of %q", key)
	}
	if id, exists := p.children[key]; exists {
		return id, nil
	}

	var id NodeID
	n := node{
		alive:    true,
		parent:   parent,
		key:      key,
		children: map[string]NodeID{},
		leaves:   map[string]Health{},
	}
	if len(t.free) > 0 {
		id.index = t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		n.gen = t.nodes[id.index].gen + 1
		t.nodes[id.index] = n
	} else {
		id.index = uint32(len(t.nodes))
		n.gen = 1
		t.nodes = append(t.nodes, n)
	}
	id.gen = n.gen

	// Appending might have moved the parent.
	t.nodes[parent.index].children[key] = id
	return id, nil
}

// Remove removes node and its subtree. Root can't be removed.
func (t *Tree) Remove(id NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.node(id)
	if n == nil || id == t.Root() {
		return
	}
	if p := t.node(n.parent); p != nil {
		delete(p.children, n.key)
	}
	t.remove(id)
}

// UpdateHealth sets the leaf of the node. Green leaves are not stored.
func (t *Tree) UpdateHealth(id NodeID, key string, state State, reason Reason, inserts ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.node(id)
	if n == nil {
		return errors.Wrapf(ErrNodeNotFound, "leaf %q", key)
	}
	if state == Green {
		delete(n.leaves, key)
		return nil
	}
	n.leaves[key] = Health{State: state, Reason: reason, Inserts: inserts}
	return nil
}

// State computes the health of the node. Removed node is green.
func (t *Tree) State(id NodeID) Health {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.node(id)
	if n == nil {
		return Health{}
	}

	worst := candidate{key: "\xff"}
	t.worstOwn(n, &worst)
	t.worstDescendants(n, &worst)
	for p := t.node(n.parent); p != nil; p = t.node(p.parent) {
		t.worstOwn(p, &worst)
	}
	return worst.Health
}

// Reason returns the text explaining the state of the node.
// Missing catalog entry is logged and replaced by a generic text, health reporting never fails.
func (t *Tree) Reason(ctx context.Context, id NodeID) string {
	h := t.State(id)
	if text, ok := t.catalog.Text(h); ok {
		return text
	}

	logger.Get(ctx).Error("Missing health reason text",
		zap.Stringer("state", h.State),
		zap.Uint16("reason", uint16(h.Reason)),
		zap.Strings("inserts", h.Inserts))
	return fmt.Sprintf("%s (reason %d) %v", h.State, h.Reason, h.Inserts)
}

func (t *Tree) node(id NodeID) *node {
	if id.gen == 0 || int(id.index) >= len(t.nodes) {
		return nil
	}
	n := &t.nodes[id.index]
	if !n.alive || n.gen != id.gen {
		return nil
	}
	return n
}

func (t *Tree) remove(id NodeID) {
	n := &t.nodes[id.index]
	for _, c := range n.children {
		t.remove(c)
	}
	n.alive = false
	n.children = nil
	n.leaves = nil
	t.free = append(t.free, id.index)
}

func (t *Tree) worstOwn(n *node, worst *candidate) {
	for k, h := range n.leaves {
		c := candidate{Health: h, key: k}
		if c.worse(*worst) {
			*worst = c
		}
	}
}

func (t *Tree) worstDescendants(n *node, worst *candidate) {
	for _, id := range n.children {
		c := t.node(id)
		if c == nil {
			continue
		}
		t.worstOwn(c, worst)
		t.worstDescendants(c, worst)
	}
}
