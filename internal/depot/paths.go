package depot

import (
	"path/filepath"
	"strings"
)

// Stored paths are relative to the depot prefix with a single leading '/';
// surface paths are absolute. These two helpers are the only normalization
// point, and for any abs at or under the prefix they round-trip:
//
//	AbsoluteUnderPrefix(p, RelativeToPrefix(p, abs)) == filepath.Clean(abs)

// RelativeToPrefix strips the prefix from an absolute path, keeping a single
// leading slash. A path outside the prefix is returned cleaned but otherwise
// unchanged.
func RelativeToPrefix(prefix, fullpath string) string {
	prefix = filepath.Clean(prefix)
	fullpath = filepath.Clean(fullpath)

	if prefix == "/" {
		return fullpath
	}
	if fullpath == prefix {
		return "/"
	}
	if strings.HasPrefix(fullpath, prefix+"/") {
		return fullpath[len(prefix):]
	}
	return fullpath
}

// AbsoluteUnderPrefix joins a prefix-relative path back onto the prefix.
func AbsoluteUnderPrefix(prefix, relpath string) string {
	return filepath.Join(prefix, relpath)
}
