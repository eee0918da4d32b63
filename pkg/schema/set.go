package schema

import (
	"fmt"

	"github.com/conduit-network/conduit/pkg/netconf"
	"github.com/conduit-network/conduit/pkg/util"
)

// Set is a compiled device schema, ready to be mounted. The YANG
// compiler proper is an external engine; what the controller needs
// from a compiled set is membership (which modules it covers) and
// binding (whether device data resolves against it), keyed by
// namespace.
type Set struct {
	modules    map[string]Module // keyed by name@revision
	namespaces map[string]Module // keyed by namespace
}

// NewSet creates an empty compiled set.
func NewSet() *Set {
	return &Set{
		modules:    make(map[string]Module),
		namespaces: make(map[string]Module),
	}
}

// Add registers a compiled module.
func (s *Set) Add(m Module) {
	s.modules[m.String()] = m
	s.namespaces[m.Namespace] = m
}

// Has reports whether the set already contains the module.
func (s *Set) Has(m Module) bool {
	_, ok := s.modules[m.String()]
	return ok
}

// Len returns the number of compiled modules.
func (s *Set) Len() int {
	return len(s.modules)
}

// Modules returns the compiled modules in unspecified order.
func (s *Set) Modules() []Module {
	out := make([]Module, 0, len(s.modules))
	for _, m := range s.modules {
		out = append(out, m)
	}
	return out
}

// Bind checks that every top-level declaration of the device data
// subtree resolves against the set. A declaration resolves when its
// namespace belongs to one of the compiled modules.
func (s *Set) Bind(data *netconf.Node) error {
	for _, c := range data.Children {
		ns := c.Namespace()
		if ns == "" {
			return fmt.Errorf("%w: element %s has no namespace", util.ErrBinding, c.Name())
		}
		if _, ok := s.namespaces[ns]; !ok {
			return fmt.Errorf("%w: no module matches %s (%s)", util.ErrBinding, c.Name(), ns)
		}
	}
	return nil
}

// Compiler builds compiled sets from the modules held in its local
// cache; it does not fetch module text itself. Postprocess, when set,
// runs on every module before it enters the set.
type Compiler struct {
	cache       *Cache
	postprocess PostprocessHook
}

// NewCompiler creates a compiler over the given cache. The
// postprocess hook may be nil.
func NewCompiler(cache *Cache, post PostprocessHook) *Compiler {
	return &Compiler{cache: cache, postprocess: post}
}

// Cache returns the compiler's module cache.
func (c *Compiler) Cache() *Cache {
	return c.cache
}

// Compile builds the compiled set for a full module set, reading
// every module from the cache. Missing modules fail compilation;
// callers fetch them first.
func (c *Compiler) Compile(ms *ModuleSet) (*Set, error) {
	set := NewSet()
	for _, m := range ms.Modules {
		if !c.cache.Has(m) {
			return nil, fmt.Errorf("%w: module %s not in cache", util.ErrSchemaCompile, m)
		}
		if c.postprocess != nil {
			c.postprocess(&m)
		}
		set.Add(m)
	}
	return set, nil
}
