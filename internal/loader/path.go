package loader

import (
	"path/filepath"
	"strings"
)

// BinaryPath is a resolved library path. Relative means the file lives
// inside the application package; otherwise Path is an absolute host path.
type BinaryPath struct {
	Path     string
	Relative bool
}

// ResolvePath canonicalizes a guest library path. Guest absolute paths name
// iOS framework locations, e.g.
// /System/Library/Frameworks/Foundation.framework/Foundation; the build
// system mirrors those inside the package's gen/ staging area, so they
// resolve to package-relative gen paths.
func ResolvePath(path string) BinaryPath {
	if strings.HasPrefix(path, "/") {
		return BinaryPath{
			Path:     filepath.FromSlash("gen" + path),
			Relative: true,
		}
	}
	return BinaryPath{Path: path, Relative: !filepath.IsAbs(path)}
}
