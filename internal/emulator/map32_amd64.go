//go:build linux && amd64

package emulator

import "golang.org/x/sys/unix"

// Guest registers are 32 bits wide, so identity-mapped buffers must live in
// the low 4 GiB.
const mapLowFlags = unix.MAP_32BIT
