package tree

import (
	"sort"

	"github.com/google/uuid"
)

// BuildForest turns a flat node list into a nested forest suitable for
// serialization. Children slices are freshly allocated (never nil) and
// siblings are ordered by creation time, node ID breaking ties so the
// result is deterministic. Single pass over a parent-id index, O(n).
//
// Nodes whose parent is absent from the input are treated as roots
// rather than dropped; with an intact store this only ever applies to
// true roots (nil ParentID).
func BuildForest(nodes []*Node) []*Node {
	sorted := make([]*Node, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID.String() < sorted[j].ID.String()
	})

	byID := make(map[uuid.UUID]*Node, len(sorted))
	for _, n := range sorted {
		n.Children = []*Node{}
		byID[n.ID] = n
	}

	roots := []*Node{}
	for _, n := range sorted {
		if n.ParentID == nil {
			roots = append(roots, n)
			continue
		}
		parent, ok := byID[*n.ParentID]
		if !ok {
			roots = append(roots, n)
			continue
		}
		parent.Children = append(parent.Children, n)
	}
	return roots
}

// SubtreeIDs collects the IDs of the node and all its descendants from
// a flat node list. Used by stores that delete via reachability scan.
func SubtreeIDs(nodes []*Node, rootID uuid.UUID) []uuid.UUID {
	children := make(map[uuid.UUID][]uuid.UUID, len(nodes))
	present := make(map[uuid.UUID]bool, len(nodes))
	for _, n := range nodes {
		present[n.ID] = true
		if n.ParentID != nil {
			children[*n.ParentID] = append(children[*n.ParentID], n.ID)
		}
	}
	if !present[rootID] {
		return nil
	}

	ids := []uuid.UUID{rootID}
	for i := 0; i < len(ids); i++ {
		ids = append(ids, children[ids[i]]...)
	}
	return ids
}
