//go:build windows

package hostabi

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// NewGUID generates a new COM GUID the way the native profiling ABI
// expects module/assembly identity GUIDs to be minted: via the platform's
// own CoCreateGuid, not a userspace random source.
func NewGUID() ([16]byte, error) {
	var g windows.GUID
	if err := windows.CoCreateGuid(&g); err != nil {
		return [16]byte{}, fmt.Errorf("hostabi: CoCreateGuid: %w", err)
	}
	var out [16]byte
	out[0] = byte(g.Data1)
	out[1] = byte(g.Data1 >> 8)
	out[2] = byte(g.Data1 >> 16)
	out[3] = byte(g.Data1 >> 24)
	out[4] = byte(g.Data2)
	out[5] = byte(g.Data2 >> 8)
	out[6] = byte(g.Data3)
	out[7] = byte(g.Data3 >> 8)
	copy(out[8:], g.Data4[:])
	return out, nil
}
