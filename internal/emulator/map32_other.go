//go:build !(linux && amd64)

package emulator

// No MAP_32BIT on this platform; Alloc verifies the resulting address is
// guest-addressable and fails otherwise.
const mapLowFlags = 0
