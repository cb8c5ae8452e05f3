// Package hierarchy assigns real identities to a batch of tree-structured
// entities that reference each other by temporary keys.
package hierarchy

import (
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
)

// Node is one entity of a batch. Key and ParentKey are caller-assigned and
// scoped to the batch; an empty ParentKey marks a top-level entity.
type Node struct {
	Key       string
	ParentKey string
	ID        uuid.UUID
	ParentID  *uuid.UUID
	RootID    uuid.UUID
}

type Options struct {
	// RootID is the implicit parent of top-level entities. It is copied into
	// every node's RootID; top-level nodes keep a nil ParentID.
	RootID uuid.UUID
	NewID  func() uuid.UUID
}

// Plan is the resolved batch in insertion order. Order[i] is the position
// Nodes[i] had in the input batch.
type Plan struct {
	Nodes []Node
	Order []int
}

const (
	unvisited = iota
	visiting
	visited
)

// Resolve validates the batch and returns it with identities assigned, every
// node placed after its parent. Nodes that already carry an ID keep it, so
// resolving a plan's own output returns it unchanged.
func Resolve(nodes []Node, opts Options) (*Plan, error) {
	newID := opts.NewID
	if newID == nil {
		newID = uuid.New
	}

	index := make(map[string]int, len(nodes))
	for i, node := range nodes {
		if node.Key == "" {
			return nil, &domain.ValidationError{Field: "temporary_key", Reason: fmt.Sprintf("entity at position %d has an empty key", i)}
		}
		if _, exists := index[node.Key]; exists {
			return nil, &domain.ValidationError{Field: "temporary_key", Reason: fmt.Sprintf("duplicate key %q", node.Key)}
		}
		index[node.Key] = i
	}

	unresolved := &domain.UnresolvedReferenceError{}
	seen := make(map[string]struct{})
	for _, node := range nodes {
		if node.ParentKey == "" {
			continue
		}
		if _, ok := index[node.ParentKey]; ok {
			continue
		}
		unresolved.Keys = append(unresolved.Keys, node.Key)
		unresolved.Parents = append(unresolved.Parents, node.ParentKey)
		if _, dup := seen[node.ParentKey]; !dup {
			seen[node.ParentKey] = struct{}{}
			unresolved.Missing = append(unresolved.Missing, node.ParentKey)
		}
	}
	if len(unresolved.Keys) > 0 {
		return nil, unresolved
	}

	if cycle := findCycle(nodes, index); cycle != nil {
		return nil, &domain.CyclicReferenceError{Cycle: cycle}
	}

	children := make([][]int, len(nodes))
	var level []int
	for i, node := range nodes {
		if node.ParentKey == "" {
			level = append(level, i)
			continue
		}
		parent := index[node.ParentKey]
		children[parent] = append(children[parent], i)
	}

	plan := &Plan{
		Nodes: make([]Node, 0, len(nodes)),
		Order: make([]int, 0, len(nodes)),
	}
	ids := make([]uuid.UUID, len(nodes))
	for len(level) > 0 {
		var next []int
		for _, i := range level {
			node := nodes[i]
			if node.ID == uuid.Nil {
				node.ID = newID()
			}
			ids[i] = node.ID
			node.RootID = opts.RootID
			node.ParentID = nil
			if node.ParentKey != "" {
				parentID := ids[index[node.ParentKey]]
				node.ParentID = &parentID
			}
			plan.Nodes = append(plan.Nodes, node)
			plan.Order = append(plan.Order, i)
			next = append(next, children[i]...)
		}
		// ties within a level keep batch order
		slices.Sort(next)
		level = next
	}
	return plan, nil
}

// findCycle walks parent edges depth first and returns the first cycle it
// meets as a key path with its first key repeated at the end.
func findCycle(nodes []Node, index map[string]int) []string {
	marks := make([]int, len(nodes))
	for start := range nodes {
		if marks[start] != unvisited {
			continue
		}
		var path []int
		current := start
		for {
			if marks[current] == visited {
				break
			}
			if marks[current] == visiting {
				return cyclePath(nodes, path, current)
			}
			marks[current] = visiting
			path = append(path, current)
			parentKey := nodes[current].ParentKey
			if parentKey == "" {
				break
			}
			current = index[parentKey]
		}
		for _, i := range path {
			marks[i] = visited
		}
	}
	return nil
}

func cyclePath(nodes []Node, path []int, repeat int) []string {
	var from int
	for i, idx := range path {
		if idx == repeat {
			from = i
			break
		}
	}
	cycle := make([]string, 0, len(path)-from+1)
	for _, idx := range path[from:] {
		cycle = append(cycle, nodes[idx].Key)
	}
	return append(cycle, nodes[repeat].Key)
}
