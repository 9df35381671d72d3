// Package versiongraph builds the in-memory DAG over a manifest's
// versionHistory, with ancestor and path queries over the parent chain.
package versiongraph

import (
	"github.com/jcf-project/jcf/errs"
	"github.com/jcf-project/jcf/model"
)

// Graph indexes a manifest's versionHistory for O(1) parent/child lookup.
type Graph struct {
	byID     map[string]*model.Version
	children map[string][]string
	root     string
}

// Build constructs a Graph from versions in one O(V) pass, rejecting a
// history with a cycle or more than one root.
func Build(versions []model.Version) (*Graph, error) {
	g := &Graph{
		byID:     make(map[string]*model.Version, len(versions)),
		children: make(map[string][]string, len(versions)),
	}
	for i := range versions {
		v := &versions[i]
		if _, dup := g.byID[v.ID]; dup {
			return nil, errs.Newf(errs.BrokenChain, "duplicate version id %s", v.ID)
		}
		g.byID[v.ID] = v
	}
	roots := 0
	for i := range versions {
		v := &versions[i]
		if v.ParentID == "" {
			roots++
			g.root = v.ID
			continue
		}
		if _, ok := g.byID[v.ParentID]; !ok {
			return nil, errs.Newf(errs.BrokenChain, "version %s has unresolved parent %s", v.ID, v.ParentID)
		}
		g.children[v.ParentID] = append(g.children[v.ParentID], v.ID)
	}
	if len(versions) > 0 && roots != 1 {
		return nil, errs.Newf(errs.BrokenChain, "expected exactly one root version, found %d", roots)
	}
	if err := g.detectCycle(); err != nil {
		return nil, err
	}
	return g, nil
}

// detectCycle walks every node's ancestor chain to the root; a node that
// never terminates (because some ancestor points back to a descendant)
// signals a cycle.
func (g *Graph) detectCycle() error {
	for id := range g.byID {
		seen := map[string]bool{}
		cur := id
		for {
			if seen[cur] {
				return errs.Newf(errs.BrokenChain, "cycle detected reaching version %s", cur)
			}
			seen[cur] = true
			v := g.byID[cur]
			if v.ParentID == "" {
				break
			}
			cur = v.ParentID
		}
	}
	return nil
}

// Get returns the version with the given id.
func (g *Graph) Get(id string) (*model.Version, bool) {
	v, ok := g.byID[id]
	return v, ok
}

// Root returns the root version's id, or "" if the graph is empty.
func (g *Graph) Root() string { return g.root }

// Children returns the direct children of id.
func (g *Graph) Children(id string) []string { return g.children[id] }

// Ancestors returns the chain from v back to the root, inclusive, in
// newest-to-oldest order.
func (g *Graph) Ancestors(id string) ([]string, error) {
	if _, ok := g.byID[id]; !ok {
		return nil, errs.New(errs.NotFound).WithVersion(id)
	}
	var out []string
	cur := id
	for {
		out = append(out, cur)
		v := g.byID[cur]
		if v.ParentID == "" {
			break
		}
		cur = v.ParentID
	}
	return out, nil
}

// IsAncestor reports whether target is an ancestor of (or equal to) from.
func (g *Graph) IsAncestor(target, from string) (bool, error) {
	chain, err := g.Ancestors(from)
	if err != nil {
		return false, err
	}
	for _, id := range chain {
		if id == target {
			return true, nil
		}
	}
	return false, nil
}

// Path returns the sequence of versionIds stepping from "from" to "to" via
// parentId edges. It is only defined when to is an ancestor of from;
// otherwise it returns UnreachableVersion.
func (g *Graph) Path(from, to string) ([]string, error) {
	chain, err := g.Ancestors(from)
	if err != nil {
		return nil, err
	}
	for i, id := range chain {
		if id == to {
			return chain[:i+1], nil
		}
	}
	return nil, errs.Newf(errs.UnreachableVersion, "%s is not an ancestor of %s", to, from)
}

// LCA finds the lowest common ancestor of a and b. Unused by the
// linear-history engine but kept for future branch support.
func (g *Graph) LCA(a, b string) (string, error) {
	aChain, err := g.Ancestors(a)
	if err != nil {
		return "", err
	}
	bChain, err := g.Ancestors(b)
	if err != nil {
		return "", err
	}
	bSet := make(map[string]bool, len(bChain))
	for _, id := range bChain {
		bSet[id] = true
	}
	for _, id := range aChain {
		if bSet[id] {
			return id, nil
		}
	}
	return "", errs.Newf(errs.NotFound, "no common ancestor of %s and %s", a, b)
}
