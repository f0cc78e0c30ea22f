// Package tree arranges notes into their display hierarchy and validates re-parenting.
package tree

import (
	"sort"
	"strings"

	"github.com/HongyunQiu/QNotes/internal/models"
	"github.com/HongyunQiu/QNotes/pkg/errors"
)

// MaxDepth bounds every ancestor walk; a longer chain means the stored links loop.
const MaxDepth = 10000

// Build nests a flat note list. Notes whose parent is null or missing become
// roots, and notes trapped in a stored parent cycle are promoted to roots so
// every input node appears exactly once in the forest.
func Build(nodes []*models.TreeNode) []*models.TreeNode {
	byID := make(map[int64]*models.TreeNode, len(nodes))
	for _, n := range nodes {
		n.Children = nil
		byID[n.ID] = n
	}

	var roots []*models.TreeNode
	for _, n := range nodes {
		if n.ParentID == nil {
			roots = append(roots, n)
			continue
		}
		parent, ok := byID[*n.ParentID]
		if !ok || parent == n {
			roots = append(roots, n)
			continue
		}
		parent.Children = append(parent.Children, n)
	}

	// Anything not reachable from a root sits on a cycle; break it at its lowest id
	reached := make(map[int64]bool, len(nodes))
	for _, r := range roots {
		mark(r, reached)
	}
	if len(reached) < len(byID) {
		stranded := make([]*models.TreeNode, 0, len(byID)-len(reached))
		for _, n := range nodes {
			if !reached[n.ID] {
				stranded = append(stranded, n)
			}
		}
		sort.Slice(stranded, func(i, j int) bool { return stranded[i].ID < stranded[j].ID })
		for _, n := range stranded {
			if reached[n.ID] {
				continue
			}
			detach(byID[*n.ParentID], n)
			roots = append(roots, n)
			mark(n, reached)
		}
	}

	sortSiblings(roots)
	return roots
}

func mark(n *models.TreeNode, reached map[int64]bool) {
	stack := []*models.TreeNode{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[cur.ID] {
			continue
		}
		reached[cur.ID] = true
		stack = append(stack, cur.Children...)
	}
}

func detach(parent, child *models.TreeNode) {
	for i, c := range parent.Children {
		if c == child {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			return
		}
	}
}

func less(a, b *models.TreeNode) bool {
	ta, tb := strings.ToLower(a.Title), strings.ToLower(b.Title)
	if ta != tb {
		return ta < tb
	}
	if a.Title != b.Title {
		return a.Title < b.Title
	}
	return a.ID < b.ID
}

func sortSiblings(nodes []*models.TreeNode) {
	sort.SliceStable(nodes, func(i, j int) bool { return less(nodes[i], nodes[j]) })
	for _, n := range nodes {
		if len(n.Children) > 0 {
			sortSiblings(n.Children)
		}
	}
}

// Links indexes a snapshot of parent links by note id
func Links(snapshot []models.ParentLink) map[int64]*int64 {
	links := make(map[int64]*int64, len(snapshot))
	for _, l := range snapshot {
		links[l.ID] = l.ParentID
	}
	return links
}

// ValidateMove checks that placing noteID under newParent keeps the hierarchy
// acyclic, using one consistent snapshot of parent links.
func ValidateMove(links map[int64]*int64, noteID int64, newParent *int64) error {
	if _, ok := links[noteID]; !ok {
		return errors.ErrNoteNotFound
	}
	if newParent == nil {
		return nil
	}
	if *newParent == noteID {
		return errors.NewInvalidMove("a note cannot be its own parent")
	}
	if _, ok := links[*newParent]; !ok {
		return errors.NewInvalidMove("parent not found")
	}

	limit := MaxDepth
	if len(links) < limit {
		limit = len(links)
	}

	cur := newParent
	for steps := 0; cur != nil; steps++ {
		if steps > limit {
			return errors.ErrCorruptHierarchy
		}
		if *cur == noteID {
			return errors.NewInvalidMove("cannot move a note under its own descendant")
		}
		cur = links[*cur]
	}
	return nil
}
