package datastore

import (
	"fmt"

	"github.com/conduit-network/conduit/pkg/netconf"
	"github.com/conduit-network/conduit/pkg/schema"
	"github.com/conduit-network/conduit/pkg/util"
)

// Memory is the in-memory datastore. All access is serialised by the
// controller reactor, so no locking is needed here.
type Memory struct {
	trees  map[string]*netconf.Node // ds name -> <devices> tree
	mounts map[string]*schema.Set
}

// NewMemory creates empty running and candidate datastores.
func NewMemory() *Memory {
	return &Memory{
		trees: map[string]*netconf.Node{
			Running:   netconf.NewElem("devices"),
			Candidate: netconf.NewElem("devices"),
		},
		mounts: make(map[string]*schema.Set),
	}
}

func (m *Memory) tree(ds string) (*netconf.Node, error) {
	t, ok := m.trees[ds]
	if !ok {
		return nil, fmt.Errorf("no datastore %q", ds)
	}
	return t, nil
}

// deviceElem finds the <device> element for name.
func deviceElem(tree *netconf.Node, device string) *netconf.Node {
	for _, d := range tree.FindAll("device") {
		if d.Body("name") == device {
			return d
		}
	}
	return nil
}

// DeviceRoot returns a copy of the device's mounted subtree.
func (m *Memory) DeviceRoot(ds, device string) (*netconf.Node, error) {
	t, err := m.tree(ds)
	if err != nil {
		return nil, err
	}
	d := deviceElem(t, device)
	if d == nil {
		return nil, nil
	}
	root := d.Find("root")
	if root == nil {
		return nil, nil
	}
	return root.Copy(), nil
}

// PutDeviceRoot replaces the device's mounted subtree.
func (m *Memory) PutDeviceRoot(ds, device string, root *netconf.Node) error {
	t, err := m.tree(ds)
	if err != nil {
		return err
	}
	d := deviceElem(t, device)
	if d == nil {
		d = netconf.NewElem("device", netconf.NewLeaf("name", device))
		t.AddChild(d)
	}
	if old := d.Find("root"); old != nil {
		d.RemoveChild(old)
	}
	cp := root.Copy()
	cp.XMLName.Local = "root"
	d.AddChild(cp)
	return nil
}

// DeleteDevice removes the device subtree.
func (m *Memory) DeleteDevice(ds, device string) error {
	t, err := m.tree(ds)
	if err != nil {
		return err
	}
	if d := deviceElem(t, device); d != nil {
		t.RemoveChild(d)
	}
	return nil
}

// Devices lists device names in the datastore.
func (m *Memory) Devices(ds string) ([]string, error) {
	t, err := m.tree(ds)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, d := range t.FindAll("device") {
		if n := d.Body("name"); n != "" {
			names = append(names, n)
		}
	}
	return names, nil
}

// Copy replaces dst with a copy of src.
func (m *Memory) Copy(src, dst string) error {
	s, err := m.tree(src)
	if err != nil {
		return err
	}
	if _, err := m.tree(dst); err != nil {
		return err
	}
	m.trees[dst] = s.Copy()
	return nil
}

// Commit validates candidate and replaces running with it. A failed
// validation leaves running unchanged.
func (m *Memory) Commit(level ValidateLevel) error {
	cand, err := m.tree(Candidate)
	if err != nil {
		return err
	}
	if level == ValidateFull {
		for _, d := range cand.FindAll("device") {
			name := d.Body("name")
			set := m.mounts[name]
			if set == nil {
				continue
			}
			root := d.Find("root")
			if root == nil {
				continue
			}
			if err := set.Bind(root); err != nil {
				return fmt.Errorf("%w: device %s: %v", util.ErrValidate, name, err)
			}
		}
	}
	m.trees[Running] = cand.Copy()
	return nil
}

// Discard resets candidate from running.
func (m *Memory) Discard() error {
	return m.Copy(Running, Candidate)
}

// Mount binds a compiled schema set at the device mount point.
func (m *Memory) Mount(device string, set *schema.Set) {
	if set == nil {
		delete(m.mounts, device)
		return
	}
	m.mounts[device] = set
}

// Mounted returns the mounted schema set for the device.
func (m *Memory) Mounted(device string) *schema.Set {
	return m.mounts[device]
}
