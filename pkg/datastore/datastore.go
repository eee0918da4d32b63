// Package datastore adapts the controller to its configuration store:
// candidate and running trees holding one mounted subtree per device,
// with diff, commit and copy operations. Two backends exist: an
// in-memory store and a redis-backed store with the same contract.
//
// The contract all backends honor: a failed Commit leaves running
// unchanged.
package datastore

import (
	"github.com/conduit-network/conduit/pkg/netconf"
	"github.com/conduit-network/conduit/pkg/schema"
)

// Datastore names.
const (
	Running   = "running"
	Candidate = "candidate"
)

// ValidateLevel selects commit-time validation.
type ValidateLevel int

const (
	// ValidateNone commits without schema validation.
	ValidateNone ValidateLevel = iota
	// ValidateFull binds every mounted device subtree before commit.
	ValidateFull
)

// Store is the datastore contract used by the controller.
type Store interface {
	// DeviceRoot returns a copy of the device's mounted subtree
	// (the content under /devices/device[name]/root), or nil when
	// the device has no configuration.
	DeviceRoot(ds, device string) (*netconf.Node, error)

	// PutDeviceRoot replaces (or creates) the device's mounted
	// subtree in the given datastore.
	PutDeviceRoot(ds, device string, root *netconf.Node) error

	// DeleteDevice removes the device's subtree from the datastore.
	DeleteDevice(ds, device string) error

	// Devices lists device names present in the datastore.
	Devices(ds string) ([]string, error)

	// Copy replaces dst with a copy of src.
	Copy(src, dst string) error

	// Commit validates candidate at the given level and, on success,
	// replaces running with it. On failure running is unchanged.
	Commit(level ValidateLevel) error

	// Discard resets candidate from running.
	Discard() error

	// Mount binds a compiled schema set at the device's mount point;
	// a nil set unmounts.
	Mount(device string, set *schema.Set)

	// Mounted returns the schema set mounted for the device, or nil.
	Mounted(device string) *schema.Set
}
