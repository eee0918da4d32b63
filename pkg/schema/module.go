// Package schema implements the schema-mount model: translating a
// device's RFC 6022 schema list into a module set, fetching missing
// modules into a local cache, and compiling the set for mounting under
// the device's subtree of the configuration tree.
package schema

import (
	"fmt"

	"github.com/conduit-network/conduit/pkg/netconf"
)

// Module identifies one YANG module of a device's module set.
type Module struct {
	Name      string
	Revision  string
	Namespace string
	Format    string
}

// String renders name@revision.
func (m Module) String() string {
	if m.Revision == "" {
		return m.Name
	}
	return fmt.Sprintf("%s@%s", m.Name, m.Revision)
}

// ModuleSet is the ordered module list describing one device schema,
// the RFC 8525 translation of the device's RFC 6022 schema list.
type ModuleSet struct {
	Name    string
	Modules []Module
}

// FilterHook decides whether a module from the device's schema list is
// kept. Vendor-specific metadata modules can be dropped here.
type FilterHook func(Module) bool

// PostprocessHook adjusts a parsed module before compilation, for
// vendors with YANG irregularities.
type PostprocessHook func(*Module)

// ModuleSetFromSchemaList translates an RFC 6022 <schemas> container
// into a module set. Entries are kept when complete, format=yang and
// location=NETCONF; interleaved non-schema children (some devices
// inject metadata) are skipped. The filter hook may drop further
// modules; nil keeps everything.
func ModuleSetFromSchemaList(xschemas *netconf.Node, filter FilterHook) *ModuleSet {
	ms := &ModuleSet{Name: "mount"}
	for _, x := range xschemas.Children {
		if x.Name() != "schema" {
			continue
		}
		m := Module{
			Name:      x.Body("identifier"),
			Revision:  x.Body("version"),
			Namespace: x.Body("namespace"),
			Format:    x.Body("format"),
		}
		if m.Name == "" || m.Namespace == "" || m.Format != "yang" {
			continue
		}
		if !hasLocationNetconf(x) {
			continue
		}
		if filter != nil && !filter(m) {
			continue
		}
		ms.Modules = append(ms.Modules, m)
	}
	return ms
}

// hasLocationNetconf checks for a location=NETCONF leaf in a schema
// entry.
func hasLocationNetconf(x *netconf.Node) bool {
	for _, c := range x.FindAll("location") {
		if c.Text == "NETCONF" {
			return true
		}
	}
	return false
}
