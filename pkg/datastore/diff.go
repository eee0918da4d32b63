package datastore

import (
	"github.com/conduit-network/conduit/pkg/netconf"
	"github.com/conduit-network/conduit/pkg/schema"
)

// Diff is the result of comparing two device subtrees: deletions,
// additions, and changed nodes paired before/after.
type Diff struct {
	Deleted       []*netconf.Node
	Added         []*netconf.Node
	ChangedBefore []*netconf.Node
	ChangedAfter  []*netconf.Node
}

// Empty reports whether the diff carries no changes.
func (d *Diff) Empty() bool {
	return len(d.Deleted) == 0 && len(d.Added) == 0 && len(d.ChangedBefore) == 0
}

// Count returns the total number of delta entries.
func (d *Diff) Count() int {
	return len(d.Deleted) + len(d.Added) + len(d.ChangedBefore)
}

// DiffTrees compares two device subtrees at the mount boundary.
// Top-level children are matched by element name and list key; a
// matched pair that differs anywhere below becomes one changed
// before/after pair, so the delta subtrees always carry their full
// context when rendered into an edit-config. The schema set is the
// mount the trees are bound to; it is not consulted, and child order
// comes from sorting by element name and list key. Either tree may be
// nil.
func DiffTrees(set *schema.Set, before, after *netconf.Node) *Diff {
	d := &Diff{}
	b := before.Copy()
	a := after.Copy()
	if b != nil {
		b.SortRecurse()
	}
	if a != nil {
		a.SortRecurse()
	}
	var bkids, akids map[childKey]*netconf.Node
	if b != nil {
		bkids = childIndex(b)
	}
	if a != nil {
		akids = childIndex(a)
	}
	for k, bc := range bkids {
		ac, ok := akids[k]
		if !ok {
			d.Deleted = append(d.Deleted, bc)
			continue
		}
		if !bc.Equal(ac) {
			d.ChangedBefore = append(d.ChangedBefore, bc)
			d.ChangedAfter = append(d.ChangedAfter, ac)
		}
	}
	for k, ac := range akids {
		if _, ok := bkids[k]; !ok {
			d.Added = append(d.Added, ac)
		}
	}
	return d
}

type childKey struct {
	name string
	key  string
}

func childIndex(n *netconf.Node) map[childKey]*netconf.Node {
	idx := make(map[childKey]*netconf.Node, len(n.Children))
	for _, c := range n.Children {
		idx[childKey{c.Name(), c.Key()}] = c
	}
	return idx
}
