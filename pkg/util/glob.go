package util

import "path"

// GlobMatch reports whether name matches the shell glob pattern.
// An empty pattern matches everything. A malformed pattern matches
// nothing.
func GlobMatch(pattern, name string) bool {
	if pattern == "" {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
