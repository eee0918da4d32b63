package datastore

import (
	"testing"
)

func TestDiffEmpty(t *testing.T) {
	a := mustParse(t, `<root><port><name>eth0</name><mtu>1500</mtu></port></root>`)
	b := mustParse(t, `<root><port><name>eth0</name><mtu>1500</mtu></port></root>`)
	d := DiffTrees(nil, a, b)
	if !d.Empty() {
		t.Errorf("diff of identical trees not empty: %+v", d)
	}
}

func TestDiffAddedDeleted(t *testing.T) {
	before := mustParse(t, `<root><port><name>eth0</name></port><port><name>eth1</name></port></root>`)
	after := mustParse(t, `<root><port><name>eth0</name></port><port><name>eth2</name></port></root>`)
	d := DiffTrees(nil, before, after)
	if len(d.Deleted) != 1 || d.Deleted[0].Key() != "eth1" {
		t.Errorf("Deleted = %v", d.Deleted)
	}
	if len(d.Added) != 1 || d.Added[0].Key() != "eth2" {
		t.Errorf("Added = %v", d.Added)
	}
	if len(d.ChangedBefore) != 0 {
		t.Errorf("ChangedBefore = %v", d.ChangedBefore)
	}
}

func TestDiffChangedSubtree(t *testing.T) {
	before := mustParse(t, `<root><port><name>eth0</name><mtu>1500</mtu></port></root>`)
	after := mustParse(t, `<root><port><name>eth0</name><mtu>9100</mtu></port></root>`)
	d := DiffTrees(nil, before, after)
	if len(d.ChangedBefore) != 1 || len(d.ChangedAfter) != 1 {
		t.Fatalf("changed sets = %v / %v", d.ChangedBefore, d.ChangedAfter)
	}
	// The pair carries full context: the whole port entry, not the
	// bare leaf.
	if d.ChangedBefore[0].Name() != "port" || d.ChangedBefore[0].Body("mtu") != "1500" {
		t.Errorf("before = %s", d.ChangedBefore[0].String())
	}
	if d.ChangedAfter[0].Body("mtu") != "9100" {
		t.Errorf("after = %s", d.ChangedAfter[0].String())
	}
	if d.Count() != 1 {
		t.Errorf("Count = %d, want 1", d.Count())
	}
}

func TestDiffNilTrees(t *testing.T) {
	after := mustParse(t, `<root><port><name>eth0</name></port></root>`)
	d := DiffTrees(nil, nil, after)
	if len(d.Added) != 1 {
		t.Errorf("Added = %v, want the whole subtree", d.Added)
	}
	d = DiffTrees(nil, after, nil)
	if len(d.Deleted) != 1 {
		t.Errorf("Deleted = %v, want the whole subtree", d.Deleted)
	}
}

func TestDiffIgnoresChildOrder(t *testing.T) {
	before := mustParse(t, `<root><a>1</a><b>2</b></root>`)
	after := mustParse(t, `<root><b>2</b><a>1</a></root>`)
	d := DiffTrees(nil, before, after)
	if !d.Empty() {
		t.Errorf("reordered identical trees diff not empty: %+v", d)
	}
}
