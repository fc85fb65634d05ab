package discord

import "strconv"

// PermAdministrator is the administrator bit of the permission bitfield.
const PermAdministrator uint64 = 0x8

// HasAdministrator reports whether the decimal permission string carries
// the administrator bit. The platform serializes the bitfield as a decimal
// string; unparseable input denies.
func HasAdministrator(permissions string) bool {
	if permissions == "" {
		return false
	}
	bits, err := strconv.ParseUint(permissions, 10, 64)
	if err != nil {
		return false
	}
	return bits&PermAdministrator != 0
}
