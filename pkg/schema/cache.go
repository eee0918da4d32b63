package schema

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/conduit-network/conduit/pkg/util"
)

// Cache is the on-disk YANG module cache. Files are named
// {name}@{revision}.yang ({name}.yang when the module carries no
// revision).
type Cache struct {
	dir string
}

// NewCache creates the cache directory if needed.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("schema cache %s: %w", dir, err)
	}
	return &Cache{dir: dir}, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Path returns the cache file path for a module.
func (c *Cache) Path(m Module) string {
	name := m.Name
	if m.Revision != "" {
		name += "@" + m.Revision
	}
	return filepath.Join(c.dir, name+".yang")
}

// Has reports whether a module is available locally.
func (c *Cache) Has(m Module) bool {
	_, err := os.Stat(c.Path(m))
	return err == nil
}

// Read returns the YANG text of a cached module.
func (c *Cache) Read(m Module) (string, error) {
	data, err := os.ReadFile(c.Path(m))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", util.ErrSchemaFetch, m, err)
	}
	return string(data), nil
}

// Write stores a fetched module. Two devices may race on the same
// module file, so the write goes to a temp file in the same directory
// and is renamed into place.
func (c *Cache) Write(m Module, yang string) error {
	f, err := os.CreateTemp(c.dir, "."+m.Name+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", util.ErrSchemaFetch, m, err)
	}
	tmp := f.Name()
	if _, err := f.WriteString(yang); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %s: %v", util.ErrSchemaFetch, m, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %s: %v", util.ErrSchemaFetch, m, err)
	}
	if err := os.Rename(tmp, c.Path(m)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %s: %v", util.ErrSchemaFetch, m, err)
	}
	return nil
}
