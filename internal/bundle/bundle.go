// Package bundle models the installed application package: a root directory
// containing the guest executable, its Info.plist, and the gen/ staging area
// with mirrored framework binaries and generated wrapper libraries.
package bundle

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blacktop/go-plist"
)

// DefaultExecutable is the executable name assumed when the bundle carries
// no Info.plist (or the plist names none).
const DefaultExecutable = "ToDo"

// Bundle is an installed application package rooted at Dir.
type Bundle struct {
	Dir        string
	executable string
}

type infoPlist struct {
	CFBundleExecutable string `plist:"CFBundleExecutable"`
}

// Open opens the package at dir. A missing Info.plist is not an error; the
// executable name falls back to DefaultExecutable.
func Open(dir string) (*Bundle, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("open bundle: %s is not a directory", dir)
	}

	b := &Bundle{Dir: dir, executable: DefaultExecutable}

	data, err := os.ReadFile(filepath.Join(dir, "Info.plist"))
	if err != nil {
		return b, nil
	}
	var info infoPlist
	if err := plist.NewDecoder(bytes.NewReader(data)).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode Info.plist: %w", err)
	}
	if info.CFBundleExecutable != "" {
		b.executable = info.CFBundleExecutable
	}
	return b, nil
}

// Executable returns the package-relative path of the guest executable.
func (b *Bundle) Executable() string {
	return b.executable
}

// SetExecutable overrides the executable name (configuration or flags).
func (b *Bundle) SetExecutable(name string) {
	if name != "" {
		b.executable = name
	}
}

// Exists reports whether a package-relative file is present.
func (b *Bundle) Exists(rel string) bool {
	st, err := os.Stat(filepath.Join(b.Dir, rel))
	return err == nil && !st.IsDir()
}

// Abs returns the host path of a package-relative file.
func (b *Bundle) Abs(rel string) string {
	return filepath.Join(b.Dir, rel)
}
